// Package media enumerates local capture devices and owns the local streams
// a call publishes.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Source names the local origin of a stream or producer.
type Source string

const (
	SourceMic         Source = "mic"
	SourceWebcam      Source = "webcam"
	SourceScreen      Source = "screen"
	SourceScreenAudio Source = "screen-audio"
)

type DeviceKind string

const (
	AudioInput  DeviceKind = "audioinput"
	VideoInput  DeviceKind = "videoinput"
	AudioOutput DeviceKind = "audiooutput"
)

// Device is one enumerated capture or playback device. Label is empty until
// a permission grant has happened.
type Device struct {
	ID    string     `json:"deviceId"`
	Kind  DeviceKind `json:"kind"`
	Label string     `json:"label"`
}

type Permission string

const (
	PermissionPrompt  Permission = "prompt"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

type Permissions struct {
	Camera     Permission `json:"camera"`
	Microphone Permission `json:"microphone"`
	Screen     Permission `json:"screen"`
}

// Track is a raw captured track. *mediadevices.Track implementations
// satisfy it.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	OnEnded(func(error))
	Close() error
}

// StreamOptions are the constraints for a camera/microphone capture.
type StreamOptions struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`

	AudioDeviceID string `json:"audioDeviceId,omitempty"`
	VideoDeviceID string `json:"videoDeviceId,omitempty"`

	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`

	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
}

// DefaultStreamOptions requests audio and 720p/30 video with voice
// processing enabled.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Audio:            true,
		Video:            true,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		Width:            1280,
		Height:           720,
		FrameRate:        30,
	}
}

// withDefaults fills unset video dimensions.
func (o StreamOptions) withDefaults() StreamOptions {
	d := DefaultStreamOptions()
	if o.Width <= 0 {
		o.Width = d.Width
	}
	if o.Height <= 0 {
		o.Height = d.Height
	}
	if o.FrameRate <= 0 {
		o.FrameRate = d.FrameRate
	}
	return o
}

type DisplayOptions struct {
	Audio     bool    `json:"audio"`
	FrameRate float64 `json:"frameRate"`
}

// Capturer acquires local media. It is the boundary to the platform's
// capture stack.
type Capturer interface {
	EnumerateDevices(ctx context.Context) ([]Device, error)
	GetUserMedia(ctx context.Context, opts StreamOptions) ([]Track, error)
	GetDisplayMedia(ctx context.Context, opts DisplayOptions) ([]Track, error)
}

// DeviceWatcher signals that the set of capture devices may have changed.
type DeviceWatcher interface {
	Events() <-chan struct{}
	Close() error
}

// Capture errors. Capturers wrap these so callers and classification can
// tell failures apart.
var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrCaptureUnsupported = errors.New("media capture not supported on this platform: device not found")
	ErrNoMediaRequested   = errors.New("media stream: neither audio nor video requested")
)

// Stream errors.
var (
	ErrNoStream = errors.New("media stream not found")
	ErrNoTrack  = errors.New("media track not found")
)

// StreamEnded is emitted when a track ends outside of an explicit stop.
type StreamEnded struct {
	Source Source
	Stream *Stream
	Track  *LocalTrack
	Err    error
	// Empty is set when the ended track was the stream's last one and the
	// stream was dropped from the registry.
	Empty bool
}

// TrackReplaced is emitted after ReplaceTrack swapped a stream's track.
type TrackReplaced struct {
	Source Source
	Stream *Stream
	Old    *LocalTrack
	New    *LocalTrack
}
