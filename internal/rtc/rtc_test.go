package rtc

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/confcall/internal/proto"
)

func routerCaps() proto.RtpCapabilities {
	return proto.RtpCapabilities{
		Codecs: []proto.RtpCodecCapability{
			{Kind: "audio", MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2,
				Parameters: map[string]any{"minptime": 10.0, "useinbandfec": 1.0}},
			{Kind: "video", MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000,
				RtcpFeedback: []proto.RtcpFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}}},
			{Kind: "video", MimeType: "video/rtx", PreferredPayloadType: 102, ClockRate: 90000,
				Parameters: map[string]any{"apt": 101.0}},
		},
		HeaderExtensions: []proto.RtpHeaderExtension{
			{Kind: "audio", URI: AudioLevelURI, PreferredID: 10},
		},
	}
}

func TestFmtpRoundTrip(t *testing.T) {
	line := fmtpLine(map[string]any{"useinbandfec": 1.0, "minptime": 10.0, "profile-id": "2"})
	assert.Equal(t, "minptime=10;profile-id=2;useinbandfec=1", line)

	params := parseFmtp(line)
	assert.Equal(t, map[string]any{"minptime": 10, "profile-id": 2, "useinbandfec": 1}, params)

	assert.Empty(t, fmtpLine(nil))
	assert.Nil(t, parseFmtp(""))
	assert.Equal(t, map[string]any{"level-asymmetry-allowed": 1, "packetization": "x"},
		parseFmtp("level-asymmetry-allowed=1; packetization=x;broken"))
}

func TestRouterCodecsKeepPayloadTypes(t *testing.T) {
	audio, video := routerCodecs(routerCaps())
	require.Len(t, audio, 1)
	require.Len(t, video, 1, "rtx is not registered")

	assert.Equal(t, webrtc.PayloadType(100), audio[0].PayloadType)
	assert.Equal(t, "minptime=10;useinbandfec=1", audio[0].SDPFmtpLine)
	assert.Equal(t, uint16(2), audio[0].Channels)

	assert.Equal(t, webrtc.PayloadType(101), video[0].PayloadType)
	assert.Equal(t, []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}}, video[0].RTCPFeedback)
}

func TestIceCandidatesToPion(t *testing.T) {
	out, err := iceCandidatesToPion([]proto.IceCandidate{
		{Foundation: "udpcandidate", Priority: 1076302079, IP: "203.0.113.7", Protocol: "udp", Port: 40001, Type: "host"},
		{Foundation: "tcpcandidate", Priority: 1076276479, Address: "203.0.113.8", Protocol: "tcp", Port: 40002, Type: "host", TCPType: "passive"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "203.0.113.7", out[0].Address)
	assert.Equal(t, webrtc.ICEProtocolUDP, out[0].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeHost, out[0].Typ)
	assert.Equal(t, webrtc.ICEProtocolTCP, out[1].Protocol)
	assert.Equal(t, "passive", out[1].TCPType)

	_, err = iceCandidatesToPion([]proto.IceCandidate{{Protocol: "sctp", Type: "host"}})
	assert.Error(t, err)
}

func TestDtlsParameters(t *testing.T) {
	in := proto.DtlsParameters{Role: "server", Fingerprints: []proto.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}}}
	p := dtlsParametersToPion(in)
	assert.Equal(t, webrtc.DTLSRoleServer, p.Role)
	assert.Equal(t, "AB:CD", p.Fingerprints[0].Value)

	back := dtlsParametersFromPion(p, "client")
	assert.Equal(t, "client", back.Role)
	assert.Equal(t, in.Fingerprints, back.Fingerprints)
	assert.Equal(t, webrtc.DTLSRoleAuto, dtlsRoleToPion(""))
}

func TestSendParametersCollapsesSimulcast(t *testing.T) {
	sp := webrtc.RTPSendParameters{
		RTPParameters: webrtc.RTPParameters{
			Codecs: []webrtc.RTPCodecParameters{
				{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, PayloadType: 100},
				{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, PayloadType: 101},
			},
			HeaderExtensions: []webrtc.RTPHeaderExtensionParameter{{URI: AudioLevelURI, ID: 1}},
		},
		Encodings: []webrtc.RTPEncodingParameters{{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: 1111}}},
	}

	video := sendParameters(sp, webrtc.RTPCodecTypeVideo, ProducerOptions{
		Encodings: []proto.RtpEncodingParameters{
			{RID: "r0", MaxBitrate: 100_000, ScaleResolutionDownBy: 4},
			{RID: "r1", MaxBitrate: 300_000, ScaleResolutionDownBy: 2},
			{RID: "r2", MaxBitrate: 900_000},
		},
		CodecOptions: CodecOptions{VideoGoogleStartBitrate: 1000},
	}, "0", "cname-1")

	require.Len(t, video.Codecs, 1)
	assert.Equal(t, webrtc.MimeTypeVP8, video.Codecs[0].MimeType)
	assert.Equal(t, uint8(101), video.Codecs[0].PayloadType)
	assert.Equal(t, 1000, video.Codecs[0].Parameters["x-google-start-bitrate"])
	require.Len(t, video.Encodings, 1)
	assert.Equal(t, uint32(1111), video.Encodings[0].SSRC)
	assert.Equal(t, 900_000, video.Encodings[0].MaxBitrate)
	assert.Equal(t, "0", video.MID)
	assert.Equal(t, "cname-1", video.Rtcp.CNAME)

	audio := sendParameters(sp, webrtc.RTPCodecTypeAudio, ProducerOptions{
		CodecOptions: CodecOptions{OpusStereo: true, OpusDtx: true},
	}, "1", "cname-1")
	require.Len(t, audio.Codecs, 1)
	assert.Equal(t, map[string]any{"sprop-stereo": 1, "usedtx": 1}, audio.Codecs[0].Parameters)
	assert.True(t, audio.Encodings[0].DTX)
	id, ok := AudioLevelExtensionID(audio)
	assert.True(t, ok)
	assert.Equal(t, uint8(1), id)
}

func TestAudioLevel(t *testing.T) {
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	raw, err := (&rtp.AudioLevelExtension{Level: 0, Voice: true}).Marshal()
	require.NoError(t, err)
	require.NoError(t, pkt.Header.SetExtension(3, raw))

	v, ok := AudioLevel(pkt, 3)
	require.True(t, ok)
	assert.InDelta(t, 1.0, v, 1e-9)

	_, ok = AudioLevel(pkt, 4)
	assert.False(t, ok)

	assert.Equal(t, 0.0, dBovToVolume(127))
	assert.InDelta(t, 0.1, dBovToVolume(20), 1e-9)
}

func TestPionDeviceLoad(t *testing.T) {
	d := NewPionDevice(Config{})
	assert.False(t, d.Loaded())

	_, err := d.CreateRecvTransport(TransportOptions{})
	assert.True(t, errors.Is(err, ErrNotLoaded))

	require.NoError(t, d.Load(context.Background(), routerCaps()))
	assert.True(t, d.Loaded())
	assert.True(t, d.CanProduce("audio"))
	assert.True(t, d.CanProduce("video"))
	assert.False(t, d.CanProduce("data"))

	caps := d.RTPCapabilities()
	require.Len(t, caps.Codecs, 2)
	assert.Len(t, caps.HeaderExtensions, 1)

	err = NewPionDevice(Config{}).Load(context.Background(), proto.RtpCapabilities{
		Codecs: []proto.RtpCodecCapability{{Kind: "video", MimeType: "video/H265", PreferredPayloadType: 120, ClockRate: 90000}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capabilities")
}

func TestPionTransportLifecycle(t *testing.T) {
	d := NewPionDevice(Config{})
	require.NoError(t, d.Load(context.Background(), routerCaps()))

	noop := TransportHandler{Connect: func(context.Context, proto.DtlsParameters) error { return nil }}
	_, err := d.CreateSendTransport(TransportOptions{Info: proto.TransportInfo{ID: "send-1"}, Handler: noop})
	assert.Error(t, err, "send transport needs a produce handler")

	var states []ConnectionState
	handler := noop
	handler.StateChange = func(s ConnectionState) { states = append(states, s) }
	tr, err := d.CreateRecvTransport(TransportOptions{Info: proto.TransportInfo{ID: "recv-1"}, Handler: handler})
	require.NoError(t, err)
	assert.Equal(t, "recv-1", tr.ID())
	assert.Equal(t, proto.DirectionRecv, tr.Direction())
	assert.Equal(t, StateNew, tr.ConnectionState())

	_, err = tr.Produce(context.Background(), ProducerOptions{Source: "mic"})
	assert.True(t, errors.Is(err, ErrWrongDirection))

	_ = tr.Close()
	assert.True(t, tr.Closed())
	assert.Equal(t, StateClosed, tr.ConnectionState())
	assert.Equal(t, []ConnectionState{StateClosed}, states)
	assert.NoError(t, tr.Close())

	_, err = tr.Consume(context.Background(), ConsumerOptions{ID: "c1", Kind: "audio"})
	assert.True(t, errors.Is(err, ErrTransportClosed))
}
