package rtc

import (
	"context"
	"errors"
	"io"

	"github.com/pion/rtp"
)

// AudioLevel decodes the ssrc-audio-level extension of pkt as a linear
// volume in [0, 1].
func AudioLevel(pkt *rtp.Packet, extID uint8) (float64, bool) {
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return dBovToVolume(ext.Level), true
}

// Drain reads track until it ends, so its receive buffers never back up.
// ctx is checked between packets; closing the consumer unblocks a read.
// When onLevel is set and the track carries audio levels, every decoded
// level is reported.
func Drain(ctx context.Context, track RemoteTrack, extID uint8, onLevel func(float64)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if onLevel == nil || extID == 0 {
			continue
		}
		if v, ok := AudioLevel(pkt, extID); ok {
			onLevel(v)
		}
	}
}
