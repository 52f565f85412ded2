package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/confcall/internal/events"
)

// LocalTrack wraps a captured track. The underlying track accepts a single
// ended callback; LocalTrack fans it out and stays silent once Stop has been
// called.
type LocalTrack struct {
	raw      Track
	deviceID string

	mu      sync.Mutex
	enabled bool
	stopped bool

	ended events.Registry[error]
}

func newLocalTrack(raw Track, deviceID string) *LocalTrack {
	t := &LocalTrack{raw: raw, deviceID: deviceID, enabled: true}
	raw.OnEnded(t.handleEnded)
	return t
}

func (t *LocalTrack) ID() string                { return t.raw.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.raw.Kind() }
func (t *LocalTrack) DeviceID() string          { return t.deviceID }

// Raw returns the captured track for handing to a sender.
func (t *LocalTrack) Raw() Track { return t.raw }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled mutes or unmutes without releasing the device.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers fn to run at most once when the track ends on its own.
func (t *LocalTrack) OnEnded(fn func(error)) func() { return t.ended.Add(fn) }

// Stop releases the device. Idempotent.
func (t *LocalTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	return t.raw.Close()
}

func (t *LocalTrack) handleEnded(err error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.ended.Emit(err)
}

// Stream groups the local tracks captured together. Its identity survives
// track replacement.
type Stream struct {
	id     string
	source Source
	opts   StreamOptions

	mu     sync.RWMutex
	tracks []*LocalTrack
}

func newStream(source Source, opts StreamOptions) *Stream {
	return &Stream{id: uuid.NewString(), source: source, opts: opts}
}

func (s *Stream) ID() string     { return s.id }
func (s *Stream) Source() Source { return s.source }

// Tracks returns the current tracks in capture order.
func (s *Stream) Tracks() []*LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*LocalTrack(nil), s.tracks...)
}

// Track returns the first track of kind.
func (s *Stream) Track(kind webrtc.RTPCodecType) (*LocalTrack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

func (s *Stream) AudioTrack() (*LocalTrack, bool) { return s.Track(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTrack() (*LocalTrack, bool) { return s.Track(webrtc.RTPCodecTypeVideo) }

func (s *Stream) options() StreamOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

func (s *Stream) setOptions(o StreamOptions) {
	s.mu.Lock()
	s.opts = o
	s.mu.Unlock()
}

func (s *Stream) add(t *LocalTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// remove drops t and reports how many tracks remain.
func (s *Stream) remove(t *LocalTrack) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			break
		}
	}
	return len(s.tracks)
}

// replace removes the first track of nt's kind and appends nt.
func (s *Stream) replace(nt *LocalTrack) *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	var old *LocalTrack
	for i, cur := range s.tracks {
		if cur.Kind() == nt.Kind() {
			old = cur
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			break
		}
	}
	s.tracks = append(s.tracks, nt)
	return old
}

func (s *Stream) stop() {
	for _, t := range s.Tracks() {
		_ = t.Stop()
	}
}
