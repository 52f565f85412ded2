package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/confcall/internal/media"
)

// sourceFor is the producer source of a camera/microphone track.
func sourceFor(kind webrtc.RTPCodecType) media.Source {
	if kind == webrtc.RTPCodecTypeAudio {
		return media.SourceMic
	}
	return media.SourceWebcam
}

// streamOptions are the capture constraints of the call with any device
// picked through SwitchDevice before capture.
func (c *Client) streamOptions(audio, video bool) media.StreamOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts := c.cfg.streamOptions(audio, video)
	if c.audioDevice != "" {
		opts.AudioDeviceID = c.audioDevice
	}
	if c.videoDevice != "" {
		opts.VideoDeviceID = c.videoDevice
	}
	return opts
}

// enableLocalMedia captures what cfg asks for and produces every track.
// Failures are reported, never returned: the call goes on receive-only.
func (c *Client) enableLocalMedia(ctx context.Context, cfg Config) {
	s, err := c.media.CreateUserMediaStream(ctx, c.streamOptions(cfg.Audio, cfg.Video))
	if err != nil {
		ec := c.errContext("capture")
		ec.Source = string(media.SourceWebcam)
		ec.ReinitializeMedia = func(ctx context.Context) error {
			return c.reinitializeMedia(ctx, cfg.Audio, cfg.Video)
		}
		c.report(err, ec)
		c.syncSelf()
		return
	}
	for _, t := range s.Tracks() {
		c.produce(ctx, t)
	}
	c.syncSelf()
}

func (c *Client) reinitializeMedia(ctx context.Context, audio, video bool) error {
	var errs []error
	if audio {
		errs = append(errs, c.setLocalEnabled(ctx, webrtc.RTPCodecTypeAudio, true))
	}
	if video {
		errs = append(errs, c.setLocalEnabled(ctx, webrtc.RTPCodecTypeVideo, true))
	}
	return errors.Join(errs...)
}

func (c *Client) produce(ctx context.Context, t *media.LocalTrack) error {
	source := sourceFor(t.Kind())
	if err := c.sfu.ProduceTrack(ctx, t, source); err != nil {
		ec := c.errContext("produce")
		ec.Source = string(source)
		ec.RecreateProducer = func(ctx context.Context) error { return c.sfu.ProduceTrack(ctx, t, source) }
		return c.report(err, ec)
	}
	return nil
}

func (c *Client) ToggleAudio(ctx context.Context) error {
	return c.SetAudioEnabled(ctx, !c.localEnabled(webrtc.RTPCodecTypeAudio))
}

func (c *Client) ToggleVideo(ctx context.Context) error {
	return c.SetVideoEnabled(ctx, !c.localEnabled(webrtc.RTPCodecTypeVideo))
}

func (c *Client) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return c.setLocalEnabled(ctx, webrtc.RTPCodecTypeAudio, enabled)
}

func (c *Client) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return c.setLocalEnabled(ctx, webrtc.RTPCodecTypeVideo, enabled)
}

func (c *Client) localEnabled(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self == nil {
		return false
	}
	if kind == webrtc.RTPCodecTypeAudio {
		return c.self.Audio.Enabled
	}
	return c.self.Video.Enabled
}

// setLocalEnabled mutes or unmutes the producer of kind. Enabling a kind
// that has no live producer captures a track and produces it.
func (c *Client) setLocalEnabled(ctx context.Context, kind webrtc.RTPCodecType, enabled bool) error {
	source := sourceFor(kind)
	ec := c.errContext("set " + kind.String() + " enabled")
	ec.Source = string(source)
	if err := c.requireSession(); err != nil {
		return c.report(fmt.Errorf("%s: %w", ec.Operation, err), ec)
	}
	defer c.syncSelf()

	if _, ok := c.sfu.Producer(source); ok {
		if err := c.sfu.SetProducerMuted(ctx, source, !enabled); err != nil {
			return c.report(err, ec)
		}
		log.Infof("CALL [%s]: %s %s", ec.RoomID, kind, onOff(enabled))
		return nil
	}

	if !enabled {
		if t := c.webcamTrack(kind); t != nil {
			t.SetEnabled(false)
		}
		return nil
	}

	t, err := c.captureTrack(ctx, kind)
	if err != nil {
		return c.report(err, ec)
	}
	t.SetEnabled(true)
	if err := c.produce(ctx, t); err != nil {
		return err
	}
	log.Infof("CALL [%s]: %s on", ec.RoomID, kind)
	return nil
}

// captureTrack returns a live webcam-stream track of kind, capturing one
// when the stream lacks it.
func (c *Client) captureTrack(ctx context.Context, kind webrtc.RTPCodecType) (*media.LocalTrack, error) {
	s, ok := c.media.Stream(media.SourceWebcam)
	if !ok {
		s, err := c.media.CreateUserMediaStream(ctx, c.streamOptions(kind == webrtc.RTPCodecTypeAudio, kind == webrtc.RTPCodecTypeVideo))
		if err != nil {
			return nil, err
		}
		t, ok := s.Track(kind)
		if !ok {
			return nil, fmt.Errorf("media: capture %s: %w", kind, media.ErrNoTrack)
		}
		return t, nil
	}
	if t, ok := s.Track(kind); ok && !t.Stopped() {
		return t, nil
	}
	return c.media.ReplaceTrack(ctx, s, kind, "")
}

func (c *Client) webcamTrack(kind webrtc.RTPCodecType) *media.LocalTrack {
	s, ok := c.media.Stream(media.SourceWebcam)
	if !ok {
		return nil
	}
	t, ok := s.Track(kind)
	if !ok {
		return nil
	}
	return t
}

// StartScreenShare captures the screen and produces it. Sharing while a
// share is live is a no-op.
func (c *Client) StartScreenShare(ctx context.Context, opts media.DisplayOptions) error {
	ec := c.errContext("start screen share")
	ec.Source = string(media.SourceScreen)
	if err := c.requireSession(); err != nil {
		return c.report(fmt.Errorf("screen share: %w", err), ec)
	}
	if _, ok := c.sfu.Producer(media.SourceScreen); ok {
		return nil
	}
	defer c.syncSelf()

	s, err := c.media.CreateDisplayMediaStream(ctx, opts)
	if err != nil {
		return c.report(err, ec)
	}
	if err := c.sfu.ProduceMedia(ctx, s, media.SourceScreen); err != nil {
		c.closeScreenProducers(ctx)
		_ = c.media.StopStream(media.SourceScreen)
		return c.report(fmt.Errorf("screen share: %w", err), ec)
	}
	log.Infof("CALL [%s]: screen share started", ec.RoomID)
	return nil
}

func (c *Client) StopScreenShare(ctx context.Context) error {
	ec := c.errContext("stop screen share")
	ec.Source = string(media.SourceScreen)
	defer c.syncSelf()

	err := c.closeScreenProducers(ctx)
	if _, ok := c.media.Stream(media.SourceScreen); ok {
		err = errors.Join(err, c.media.StopStream(media.SourceScreen))
	}
	if err != nil {
		return c.report(fmt.Errorf("screen share: %w", err), ec)
	}
	log.Infof("CALL [%s]: screen share stopped", ec.RoomID)
	return nil
}

func (c *Client) closeScreenProducers(ctx context.Context) error {
	var errs []error
	for _, src := range []media.Source{media.SourceScreen, media.SourceScreenAudio} {
		if _, ok := c.sfu.Producer(src); ok {
			errs = append(errs, c.sfu.CloseProducer(ctx, src))
		}
	}
	return errors.Join(errs...)
}

// SwitchDevice moves the camera or microphone to deviceID and hands the new
// track to the live producer without renegotiating.
func (c *Client) SwitchDevice(ctx context.Context, kind media.DeviceKind, deviceID string) error {
	var rk webrtc.RTPCodecType
	switch kind {
	case media.AudioInput:
		rk = webrtc.RTPCodecTypeAudio
	case media.VideoInput:
		rk = webrtc.RTPCodecTypeVideo
	default:
		return c.report(fmt.Errorf("switch device: unsupported device kind %q", kind), c.errContext("switch device"))
	}
	source := sourceFor(rk)
	ec := c.errContext("switch device")
	ec.Source = string(source)
	defer c.syncSelf()

	s, ok := c.media.Stream(media.SourceWebcam)
	if !ok {
		// Nothing captured yet: remember the choice for the next capture.
		c.mu.Lock()
		if rk == webrtc.RTPCodecTypeAudio {
			c.audioDevice = deviceID
		} else {
			c.videoDevice = deviceID
		}
		c.mu.Unlock()
		return nil
	}
	t, err := c.media.ReplaceTrack(ctx, s, rk, deviceID)
	if err != nil {
		return c.report(err, ec)
	}
	if _, ok := c.sfu.Producer(source); !ok {
		return nil
	}
	if err := c.sfu.ReplaceProducerTrack(source, t); err != nil {
		return c.report(err, ec)
	}
	log.Infof("CALL [%s]: %s switched to %q", ec.RoomID, kind, deviceID)
	return nil
}

// syncSelf derives the local media slots from the live streams and
// producers, then publishes the state.
func (c *Client) syncSelf() {
	audio := c.localMedia(c.webcamTrack(webrtc.RTPCodecTypeAudio), media.SourceMic)
	video := c.localMedia(c.webcamTrack(webrtc.RTPCodecTypeVideo), media.SourceWebcam)
	var screenTrack *media.LocalTrack
	if s, ok := c.media.Stream(media.SourceScreen); ok {
		screenTrack, _ = s.VideoTrack()
	}
	screen := c.localMedia(screenTrack, media.SourceScreen)

	c.mu.Lock()
	if c.self == nil {
		c.mu.Unlock()
		return
	}
	c.self.Audio, c.self.Video, c.self.Screen = audio, video, screen
	c.mu.Unlock()
	c.emitState()
}

func (c *Client) localMedia(t *media.LocalTrack, source media.Source) LocalMedia {
	if t == nil || t.Stopped() {
		return LocalMedia{}
	}
	lm := LocalMedia{Enabled: t.Enabled(), Track: t}
	if p, ok := c.sfu.Producer(source); ok {
		lm.ProducerID = p.ID
		lm.Enabled = lm.Enabled && !p.Paused
	}
	return lm
}

// streamEnded handles a local track ending on its own, e.g. an unplugged
// camera or a screen share stopped from the system picker.
func (c *Client) streamEnded(ev media.StreamEnded) {
	c.syncSelf()
	if ev.Err == nil || !c.Status().InCall() {
		return
	}
	ec := c.errContext("local track ended")
	ec.Source = string(ev.Source)
	if ev.Source == media.SourceWebcam {
		kind := ev.Track.Kind()
		ec.ReinitializeMedia = func(ctx context.Context) error { return c.setLocalEnabled(ctx, kind, true) }
	}
	c.report(fmt.Errorf("media: %s %s track ended: %w", ev.Source, ev.Track.Kind(), ev.Err), ec)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
