package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/confcall/internal/events"
)

var log = logging.Logger("media")

// Manager caches the device list and keeps at most one live stream per
// source.
type Manager struct {
	capturer Capturer

	mu      sync.Mutex
	devices []Device
	perms   Permissions
	granted bool // device labels refreshed after the first grant
	streams map[Source]*Stream

	streamEnded    events.Registry[StreamEnded]
	devicesChanged events.Registry[[]Device]
	trackReplaced  events.Registry[TrackReplaced]
}

func NewManager(c Capturer) *Manager {
	return &Manager{
		capturer: c,
		perms: Permissions{
			Camera:     PermissionPrompt,
			Microphone: PermissionPrompt,
			Screen:     PermissionPrompt,
		},
		streams: make(map[Source]*Stream),
	}
}

func (m *Manager) OnStreamEnded(fn func(StreamEnded)) func()     { return m.streamEnded.Add(fn) }
func (m *Manager) OnDevicesChanged(fn func([]Device)) func()     { return m.devicesChanged.Add(fn) }
func (m *Manager) OnTrackReplaced(fn func(TrackReplaced)) func() { return m.trackReplaced.Add(fn) }

// RefreshDevices re-enumerates devices and emits devicesChanged when the list
// differs from the cached one.
func (m *Manager) RefreshDevices(ctx context.Context) error {
	list, err := m.capturer.EnumerateDevices(ctx)
	if err != nil {
		return fmt.Errorf("media: enumerate devices: %w", err)
	}
	m.mu.Lock()
	changed := !slices.Equal(m.devices, list)
	m.devices = slices.Clone(list)
	m.mu.Unlock()

	if changed {
		log.Infof("MEDIA: %d devices available", len(list))
		m.devicesChanged.Emit(slices.Clone(list))
	}
	return nil
}

// Devices returns the cached devices of kind, or all of them when kind is
// empty.
func (m *Manager) Devices(kind DeviceKind) []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if kind == "" || d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (m *Manager) Permissions() Permissions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perms
}

// Watch refreshes the device cache on every watcher event until ctx is done
// or the watcher closes.
func (m *Manager) Watch(ctx context.Context, w DeviceWatcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-w.Events():
			if !ok {
				return nil
			}
			if err := m.RefreshDevices(ctx); err != nil {
				log.Warnf("MEDIA: device refresh failed: %v", err)
			}
		}
	}
}

// CreateUserMediaStream captures camera and/or microphone and registers the
// result under SourceWebcam, replacing any previous webcam stream.
func (m *Manager) CreateUserMediaStream(ctx context.Context, opts StreamOptions) (*Stream, error) {
	if !opts.Audio && !opts.Video {
		return nil, ErrNoMediaRequested
	}
	opts = opts.withDefaults()

	tracks, err := m.capturer.GetUserMedia(ctx, opts)
	if err != nil {
		m.notePermission(opts.Audio, opts.Video, false, err)
		return nil, fmt.Errorf("media: get user media: %w", err)
	}
	audio, video := hasKinds(tracks)
	first := m.notePermission(audio, video, false, nil)
	if first {
		if err := m.RefreshDevices(ctx); err != nil {
			log.Warnf("MEDIA: %v", err)
		}
	}

	s := newStream(SourceWebcam, opts)
	for _, raw := range tracks {
		deviceID := opts.VideoDeviceID
		if raw.Kind() == webrtc.RTPCodecTypeAudio {
			deviceID = opts.AudioDeviceID
		}
		m.attach(s, newLocalTrack(raw, deviceID))
	}
	m.register(s)
	log.Infof("MEDIA: user media captured (%d tracks, audio=%t video=%t)", len(tracks), audio, video)
	return s, nil
}

// CreateDisplayMediaStream captures the screen and registers it under
// SourceScreen.
func (m *Manager) CreateDisplayMediaStream(ctx context.Context, opts DisplayOptions) (*Stream, error) {
	tracks, err := m.capturer.GetDisplayMedia(ctx, opts)
	if err != nil {
		m.notePermission(false, false, true, err)
		return nil, fmt.Errorf("media: get display media: screen capture failed: %w", err)
	}
	m.notePermission(false, false, true, nil)

	s := newStream(SourceScreen, StreamOptions{Audio: opts.Audio, Video: true, FrameRate: opts.FrameRate})
	for _, raw := range tracks {
		m.attach(s, newLocalTrack(raw, ""))
	}
	m.register(s)
	log.Infof("MEDIA: display media captured (%d tracks)", len(tracks))
	return s, nil
}

// ReplaceTrack captures a new track of kind from deviceID and swaps it into
// s in place of the old one, which is stopped. s keeps its identity.
func (m *Manager) ReplaceTrack(ctx context.Context, s *Stream, kind webrtc.RTPCodecType, deviceID string) (*LocalTrack, error) {
	opts := s.options().withDefaults()
	opts.Audio = kind == webrtc.RTPCodecTypeAudio
	opts.Video = kind == webrtc.RTPCodecTypeVideo
	if opts.Audio {
		opts.AudioDeviceID = deviceID
	} else {
		opts.VideoDeviceID = deviceID
	}

	tracks, err := m.capturer.GetUserMedia(ctx, opts)
	if err != nil {
		m.notePermission(opts.Audio, opts.Video, false, err)
		return nil, fmt.Errorf("media: replace %s track: %w", kind, err)
	}
	var raw Track
	for _, t := range tracks {
		if raw == nil && t.Kind() == kind {
			raw = t
			continue
		}
		_ = t.Close()
	}
	if raw == nil {
		return nil, fmt.Errorf("media: replace %s track on %s: %w", kind, deviceID, ErrDeviceNotFound)
	}

	nt := newLocalTrack(raw, deviceID)
	m.watchEnded(s, nt)
	old := s.replace(nt)
	if old != nil {
		nt.SetEnabled(old.Enabled())
		_ = old.Stop()
	}
	s.setOptions(opts)

	log.Infof("MEDIA: replaced %s track on %s stream (device %q)", kind, s.source, deviceID)
	m.trackReplaced.Emit(TrackReplaced{Source: s.source, Stream: s, Old: old, New: nt})
	return nt, nil
}

// Stream returns the live stream for source.
func (m *Manager) Stream(source Source) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[source]
	return s, ok
}

// StopStream stops every track of the stream for source and forgets it.
func (m *Manager) StopStream(source Source) error {
	m.mu.Lock()
	s, ok := m.streams[source]
	delete(m.streams, source)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("media: stop %s: %w", source, ErrNoStream)
	}
	s.stop()
	log.Debugf("MEDIA: stopped %s stream", source)
	return nil
}

func (m *Manager) StopAllStreams() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[Source]*Stream)
	m.mu.Unlock()
	for _, s := range streams {
		s.stop()
	}
}

func (m *Manager) register(s *Stream) {
	m.mu.Lock()
	prev := m.streams[s.source]
	m.streams[s.source] = s
	m.mu.Unlock()
	if prev != nil && prev != s {
		prev.stop()
	}
}

func (m *Manager) attach(s *Stream, t *LocalTrack) {
	s.add(t)
	m.watchEnded(s, t)
}

// watchEnded reports an externally ended track and drops it from s. A
// stream whose last track ended leaves the registry.
func (m *Manager) watchEnded(s *Stream, t *LocalTrack) {
	t.OnEnded(func(err error) {
		left := s.remove(t)
		empty := false
		if left == 0 {
			m.mu.Lock()
			if m.streams[s.source] == s {
				delete(m.streams, s.source)
				empty = true
			}
			m.mu.Unlock()
		}
		log.Warnf("MEDIA: %s %s track ended: %v", s.source, t.Kind(), err)
		m.streamEnded.Emit(StreamEnded{Source: s.source, Stream: s, Track: t, Err: err, Empty: empty})
	})
}

// notePermission records a capture outcome and reports whether it was the
// first camera/microphone grant.
func (m *Manager) notePermission(audio, video, screen bool, err error) bool {
	p := PermissionGranted
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			return false
		}
		p = PermissionDenied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if audio {
		m.perms.Microphone = p
	}
	if video {
		m.perms.Camera = p
	}
	if screen {
		m.perms.Screen = p
	}
	if p == PermissionGranted && (audio || video) && !m.granted {
		m.granted = true
		return true
	}
	return false
}

func hasKinds(tracks []Track) (audio, video bool) {
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audio = true
		case webrtc.RTPCodecTypeVideo:
			video = true
		}
	}
	return audio, video
}
