package rtc

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/confcall/internal/proto"
)

// supportedMimeTypes are the codecs the capture encoders and pion's
// depacketizers handle.
var supportedMimeTypes = map[string]webrtc.RTPCodecType{
	strings.ToLower(webrtc.MimeTypeOpus): webrtc.RTPCodecTypeAudio,
	strings.ToLower(webrtc.MimeTypeVP8):  webrtc.RTPCodecTypeVideo,
	strings.ToLower(webrtc.MimeTypeVP9):  webrtc.RTPCodecTypeVideo,
	strings.ToLower(webrtc.MimeTypeH264): webrtc.RTPCodecTypeVideo,
}

func codecKind(mime string) (webrtc.RTPCodecType, bool) {
	k, ok := supportedMimeTypes[strings.ToLower(mime)]
	return k, ok
}

func kindString(k webrtc.RTPCodecType) string {
	switch k {
	case webrtc.RTPCodecTypeAudio:
		return "audio"
	case webrtc.RTPCodecTypeVideo:
		return "video"
	}
	return ""
}

func parseKind(s string) webrtc.RTPCodecType {
	switch s {
	case "audio":
		return webrtc.RTPCodecTypeAudio
	case "video":
		return webrtc.RTPCodecTypeVideo
	}
	return 0
}

// fmtpLine renders codec parameters as an SDP fmtp line with sorted keys.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fmtpValue(params[k]))
	}
	return strings.Join(parts, ";")
}

func fmtpValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	}
	return fmt.Sprint(v)
}

// parseFmtp is the inverse of fmtpLine. Integral values come back as int.
func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		} else {
			out[k] = v
		}
	}
	return out
}

func feedbackToPion(fb []proto.RtcpFeedback) []webrtc.RTCPFeedback {
	var out []webrtc.RTCPFeedback
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func feedbackFromPion(fb []webrtc.RTCPFeedback) []proto.RtcpFeedback {
	var out []proto.RtcpFeedback
	for _, f := range fb {
		out = append(out, proto.RtcpFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

// routerCodecs picks the router codecs this device can use, keeping the
// router's payload types.
func routerCodecs(caps proto.RtpCapabilities) (audio, video []webrtc.RTPCodecParameters) {
	for _, c := range caps.Codecs {
		kind, ok := codecKind(c.MimeType)
		if !ok || c.PreferredPayloadType == 0 {
			continue
		}
		p := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  fmtpLine(c.Parameters),
				RTCPFeedback: feedbackToPion(c.RtcpFeedback),
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}
		if kind == webrtc.RTPCodecTypeAudio {
			audio = append(audio, p)
		} else {
			video = append(video, p)
		}
	}
	return audio, video
}

// filterCapabilities keeps the router codecs and header extensions this
// device handles.
func filterCapabilities(caps proto.RtpCapabilities) proto.RtpCapabilities {
	var out proto.RtpCapabilities
	for _, c := range caps.Codecs {
		if _, ok := codecKind(c.MimeType); ok {
			out.Codecs = append(out.Codecs, c)
		}
	}
	out.HeaderExtensions = append(out.HeaderExtensions, caps.HeaderExtensions...)
	return out
}

func iceParametersToPion(p proto.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func iceCandidatesToPion(cands []proto.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(cands))
	for _, c := range cands {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("transport: ice candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("transport: ice candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Host(),
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsParametersToPion(p proto.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: dtlsRoleToPion(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsParametersFromPion(p webrtc.DTLSParameters, role string) proto.DtlsParameters {
	out := proto.DtlsParameters{Role: role}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, proto.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsRoleToPion(role string) webrtc.DTLSRole {
	switch role {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	}
	return webrtc.DTLSRoleAuto
}

// sendParameters describes a started sender to the SFU. Simulcast layers
// collapse onto the sender's single encoding, capped at the highest layer's
// bitrate.
func sendParameters(p webrtc.RTPSendParameters, kind webrtc.RTPCodecType, opts ProducerOptions, mid, cname string) proto.RtpParameters {
	out := proto.RtpParameters{
		MID:  mid,
		Rtcp: proto.RtcpParameters{CNAME: cname, ReducedSize: true},
	}
	first := true
	for _, c := range p.Codecs {
		if k, ok := codecKind(c.MimeType); !ok || k != kind {
			continue
		}
		params := parseFmtp(c.SDPFmtpLine)
		if first {
			params = applyCodecOptions(params, kind, opts.CodecOptions)
			first = false
		}
		out.Codecs = append(out.Codecs, proto.RtpCodecParameters{
			MimeType:     c.MimeType,
			PayloadType:  uint8(c.PayloadType),
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   params,
			RtcpFeedback: feedbackFromPion(c.RTCPFeedback),
		})
	}
	for _, h := range p.HeaderExtensions {
		out.HeaderExtensions = append(out.HeaderExtensions, proto.RtpHeaderExtensionParameters{URI: h.URI, ID: h.ID})
	}

	enc := proto.RtpEncodingParameters{}
	if len(p.Encodings) > 0 {
		enc.SSRC = uint32(p.Encodings[0].SSRC)
		if rtx := p.Encodings[0].RTX.SSRC; rtx != 0 {
			enc.RTX = &proto.RtxParameters{SSRC: uint32(rtx)}
		}
	}
	for _, layer := range opts.Encodings {
		if layer.MaxBitrate > enc.MaxBitrate {
			enc.MaxBitrate = layer.MaxBitrate
		}
		enc.DTX = enc.DTX || layer.DTX
	}
	if kind == webrtc.RTPCodecTypeAudio && opts.CodecOptions.OpusDtx {
		enc.DTX = true
	}
	out.Encodings = []proto.RtpEncodingParameters{enc}
	return out
}

func applyCodecOptions(params map[string]any, kind webrtc.RTPCodecType, o CodecOptions) map[string]any {
	if params == nil {
		params = make(map[string]any)
	}
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		if o.OpusStereo {
			params["sprop-stereo"] = 1
		}
		if o.OpusDtx {
			params["usedtx"] = 1
		}
	case webrtc.RTPCodecTypeVideo:
		if o.VideoGoogleStartBitrate > 0 {
			params["x-google-start-bitrate"] = o.VideoGoogleStartBitrate
		}
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// AudioLevelURI is the ssrc-audio-level RTP header extension.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// AudioLevelExtensionID finds the ssrc-audio-level extension id in params.
func AudioLevelExtensionID(params proto.RtpParameters) (uint8, bool) {
	for _, h := range params.HeaderExtensions {
		if h.URI == AudioLevelURI && h.ID > 0 && h.ID < 256 {
			return uint8(h.ID), true
		}
	}
	return 0, false
}

// dBovToVolume maps an audio level in -dBov (0 loudest, 127 silence) to a
// linear volume in [0, 1].
func dBovToVolume(level uint8) float64 {
	if level >= 127 {
		return 0
	}
	return math.Pow(10, -float64(level)/20)
}
