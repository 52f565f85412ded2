// Package mediatest provides a scriptable media.Capturer for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/confcall/internal/media"
)

// Track is a fake captured track. End simulates the device going away.
type Track struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	onEnded func(error)
	closed  bool
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *Track) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Track) End(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Capturer hands out fake tracks for whatever is requested.
type Capturer struct {
	mu      sync.Mutex
	n       int
	opened  []*Track
	Devices []media.Device
	// UserErr and DisplayErr fail the matching capture call when set.
	UserErr    error
	DisplayErr error
}

func (c *Capturer) next(kind webrtc.RTPCodecType) *Track {
	c.n++
	t := NewTrack(fmt.Sprintf("%s-%d", kind, c.n), kind)
	c.opened = append(c.opened, t)
	return t
}

func (c *Capturer) EnumerateDevices(context.Context) ([]media.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Device(nil), c.Devices...), nil
}

func (c *Capturer) GetUserMedia(_ context.Context, opts media.StreamOptions) ([]media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UserErr != nil {
		return nil, c.UserErr
	}
	var out []media.Track
	if opts.Audio {
		out = append(out, c.next(webrtc.RTPCodecTypeAudio))
	}
	if opts.Video {
		out = append(out, c.next(webrtc.RTPCodecTypeVideo))
	}
	return out, nil
}

func (c *Capturer) GetDisplayMedia(_ context.Context, opts media.DisplayOptions) ([]media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DisplayErr != nil {
		return nil, c.DisplayErr
	}
	out := []media.Track{c.next(webrtc.RTPCodecTypeVideo)}
	if opts.Audio {
		out = append(out, c.next(webrtc.RTPCodecTypeAudio))
	}
	return out, nil
}

func (c *Capturer) SetUserErr(err error) {
	c.mu.Lock()
	c.UserErr = err
	c.mu.Unlock()
}

// Opened returns every track handed out so far.
func (c *Capturer) Opened() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Track(nil), c.opened...)
}

// Find returns the opened track with id.
func (c *Capturer) Find(id string) *Track {
	for _, t := range c.Opened() {
		if t.ID() == id {
			return t
		}
	}
	return nil
}
