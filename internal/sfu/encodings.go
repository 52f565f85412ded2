package sfu

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
)

const videoStartBitrate = 1000 // kbps

// Webcam video is offered as three simulcast layers.
var webcamEncodings = []proto.RtpEncodingParameters{
	{RID: "r0", MaxBitrate: 100_000, ScaleResolutionDownBy: 4},
	{RID: "r1", MaxBitrate: 300_000, ScaleResolutionDownBy: 2},
	{RID: "r2", MaxBitrate: 900_000},
}

var screenEncodings = []proto.RtpEncodingParameters{
	{RID: "r0", MaxBitrate: 1_500_000},
}

// trackSource maps a stream's source and a track kind to the producer
// source: a webcam stream's audio is the mic, a screen's audio is
// screen-audio.
func trackSource(source media.Source, kind webrtc.RTPCodecType) media.Source {
	if kind != webrtc.RTPCodecTypeAudio {
		return source
	}
	switch source {
	case media.SourceWebcam:
		return media.SourceMic
	case media.SourceScreen:
		return media.SourceScreenAudio
	}
	return source
}

func producerOptions(source media.Source, t *media.LocalTrack) rtc.ProducerOptions {
	opts := rtc.ProducerOptions{Track: t.Raw(), Source: string(source)}
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		opts.CodecOptions = rtc.CodecOptions{OpusStereo: true, OpusDtx: true}
		return opts
	}
	opts.CodecOptions = rtc.CodecOptions{VideoGoogleStartBitrate: videoStartBitrate}
	if source == media.SourceScreen {
		opts.Encodings = append([]proto.RtpEncodingParameters(nil), screenEncodings...)
	} else {
		opts.Encodings = append([]proto.RtpEncodingParameters(nil), webcamEncodings...)
	}
	return opts
}
