//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// DeviceCapturer captures V4L2 cameras, malgo microphones and X11 screens
// through pion/mediadevices. Tracks come out encoded as VP8 and Opus.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer builds the encoder selection. videoBitRate is the VP8
// target in bits per second; zero keeps the encoder default.
func NewDeviceCapturer(videoBitRate int) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	if videoBitRate > 0 {
		vpxParams.BitRate = videoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}
	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *DeviceCapturer) EnumerateDevices(context.Context) ([]Device, error) {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		if d.DeviceType == driver.Screen {
			continue
		}
		var kind DeviceKind
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = VideoInput
		case mediadevices.AudioInput:
			kind = AudioInput
		case mediadevices.AudioOutput:
			kind = AudioOutput
		default:
			continue
		}
		out = append(out, Device{ID: d.DeviceID, Kind: kind, Label: d.Label})
	}
	return out, nil
}

// GetUserMedia opens the requested devices. When both audio and video are
// requested and the pair cannot be opened as a unit, each kind is retried on
// its own so a busy microphone does not cost the camera.
func (c *DeviceCapturer) GetUserMedia(_ context.Context, opts StreamOptions) ([]Track, error) {
	type attempt struct {
		video, audio bool
		label        string
	}
	attempts := []attempt{{opts.Video, opts.Audio, "requested"}}
	if opts.Video && opts.Audio {
		attempts = append(attempts, attempt{true, false, "video-only"}, attempt{false, true, "audio-only"})
	}
	if opts.Audio && (opts.EchoCancellation || opts.NoiseSuppression || opts.AutoGainControl) {
		log.Debugf("MEDIA: capture driver has no voice processing; requested constraints ignored")
	}

	var firstErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				if opts.VideoDeviceID != "" {
					mc.DeviceID = opts.VideoDeviceID
				}
				// Raw formats only; MJPEG nodes on some cameras emit frames the
				// VP8 encoder chokes on.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.Int(opts.Width)
				mc.Height = prop.Int(opts.Height)
				mc.FrameRate = prop.Float(opts.FrameRate)
			}
		}
		if a.audio {
			constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
				if opts.AudioDeviceID != "" {
					mc.DeviceID = opts.AudioDeviceID
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			if firstErr == nil {
				firstErr = captureError(err)
			}
			continue
		}
		return tracksOf(stream), nil
	}
	return nil, firstErr
}

func (c *DeviceCapturer) GetDisplayMedia(_ context.Context, opts DisplayOptions) ([]Track, error) {
	if opts.Audio {
		log.Debugf("MEDIA: screen audio is not captured on this platform")
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if opts.FrameRate > 0 {
				mc.FrameRate = prop.Float(opts.FrameRate)
			}
		},
	})
	if err != nil {
		return nil, captureError(err)
	}
	return tracksOf(stream), nil
}

func tracksOf(stream mediadevices.MediaStream) []Track {
	raw := stream.GetTracks()
	out := make([]Track, 0, len(raw))
	for _, t := range raw {
		out = append(out, t)
	}
	return out
}

// captureError maps driver failures onto the package sentinels.
func captureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return fmt.Errorf("media stream error: %w", err)
}
