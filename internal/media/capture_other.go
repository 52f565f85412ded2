//go:build !linux

package media

import "context"

// DeviceCapturer has no capture drivers outside linux. Enumeration is empty
// and every capture fails, leaving the call receive-only.
type DeviceCapturer struct{}

func NewDeviceCapturer(int) (*DeviceCapturer, error) { return &DeviceCapturer{}, nil }

func (c *DeviceCapturer) EnumerateDevices(context.Context) ([]Device, error) { return nil, nil }

func (c *DeviceCapturer) GetUserMedia(context.Context, StreamOptions) ([]Track, error) {
	return nil, ErrCaptureUnsupported
}

func (c *DeviceCapturer) GetDisplayMedia(context.Context, DisplayOptions) ([]Track, error) {
	return nil, ErrCaptureUnsupported
}
