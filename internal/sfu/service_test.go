package sfu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/media/mediatest"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
	"github.com/petervdpas/confcall/internal/rtc/rtctest"
	"github.com/petervdpas/confcall/internal/sfu/sfutest"
)

type harness struct {
	sig    *sfutest.Signaler
	device *rtctest.Device
	capt   *mediatest.Capturer
	media  *media.Manager
	svc    *Service

	mu       sync.Mutex
	statuses []Status
	opened   []NewConsumer
	closed   []ConsumerClosed
	errs     []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sig:    sfutest.NewSignaler(),
		device: rtctest.NewDevice(),
		capt:   &mediatest.Capturer{},
	}
	h.media = media.NewManager(h.capt)
	h.svc = NewService(h.sig, h.device, h.media)
	h.svc.OnStatus(func(s Status) { h.mu.Lock(); h.statuses = append(h.statuses, s); h.mu.Unlock() })
	h.svc.OnNewConsumer(func(c NewConsumer) { h.mu.Lock(); h.opened = append(h.opened, c); h.mu.Unlock() })
	h.svc.OnConsumerClosed(func(c ConsumerClosed) { h.mu.Lock(); h.closed = append(h.closed, c); h.mu.Unlock() })
	h.svc.OnError(func(err error) { h.mu.Lock(); h.errs = append(h.errs, err); h.mu.Unlock() })
	t.Cleanup(func() { _ = h.svc.Disconnect() })
	return h
}

var testJoin = JoinConfig{RoomID: "room-1", PeerID: "me", DisplayName: "Me"}

func (h *harness) connect(t *testing.T) []proto.ProducerInfo {
	t.Helper()
	existing, err := h.svc.Connect(context.Background(), testJoin)
	require.NoError(t, err)
	return existing
}

func (h *harness) closedEvents() []ConsumerClosed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ConsumerClosed(nil), h.closed...)
}

func (h *harness) openedEvents() []NewConsumer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]NewConsumer(nil), h.opened...)
}

func (h *harness) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *harness) webcam(t *testing.T) *media.Stream {
	t.Helper()
	s, err := h.media.CreateUserMediaStream(context.Background(), media.StreamOptions{Audio: true, Video: true})
	require.NoError(t, err)
	return s
}

func TestConnectJoinsAndReplaysProducers(t *testing.T) {
	h := newHarness(t)
	h.sig.SetExisting(
		proto.ProducerInfo{ID: "p-bob", PeerID: "bob", DisplayName: "Bob", Kind: "video", Source: "webcam"},
		proto.ProducerInfo{ID: "p-self", PeerID: "me", Kind: "audio", Source: "mic"},
	)

	existing := h.connect(t)
	assert.Len(t, existing, 2)
	assert.Equal(t, StatusConnected, h.svc.Status())
	assert.True(t, h.device.Loaded())

	var types []string
	for _, r := range h.sig.Requests() {
		types = append(types, r.RequestType())
	}
	assert.Equal(t, []string{
		proto.TypeJoinRoom,
		proto.TypeCreateTransport, proto.TypeCreateTransport,
		proto.TypeConsume, proto.TypeConnectTransport,
	}, types, "own producers are not consumed")

	jr := h.sig.Requests()[0].(proto.JoinRoomRequest)
	assert.Equal(t, proto.JoinRoomRequest{RoomID: "room-1", PeerID: "me", DisplayName: "Me"}, jr)

	consumers := h.svc.Consumers()
	require.Len(t, consumers, 1)
	assert.Equal(t, "p-bob", consumers[0].ProducerID)
	assert.Equal(t, "bob", consumers[0].PeerID)

	opened := h.openedEvents()
	require.Len(t, opened, 1)
	assert.Equal(t, NewConsumer{
		ID: consumers[0].ID, ProducerID: "p-bob", PeerID: "bob", DisplayName: "Bob",
		Kind: "video", Source: "webcam",
	}, opened[0])

	h.mu.Lock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, h.statuses)
	h.mu.Unlock()

	_, err := h.svc.Connect(context.Background(), testJoin)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectFailureSetsFailed(t *testing.T) {
	h := newHarness(t)
	h.sig.SetHook(func(req proto.Request) (any, bool, error) {
		if req.RequestType() == proto.TypeJoinRoom {
			return nil, true, errors.New("room not found")
		}
		return nil, false, nil
	})

	_, err := h.svc.Connect(context.Background(), testJoin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room not found")
	assert.Equal(t, StatusFailed, h.svc.Status())
	assert.False(t, h.sig.Connected())
	assert.Empty(t, h.device.Transports())

	h.sig.SetHook(nil)
	h.connect(t)
	assert.Equal(t, StatusConnected, h.svc.Status(), "a failed session can join again")
}

func TestConnectSignalingFailure(t *testing.T) {
	h := newHarness(t)
	h.sig.SetConnectErr(errors.New("websocket connection failed"))
	_, err := h.svc.Connect(context.Background(), testJoin)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, h.svc.Status())
}

func TestProducerClosedClosesConsumerOnce(t *testing.T) {
	h := newHarness(t)
	h.sig.SetExisting(proto.ProducerInfo{ID: "p-bob", PeerID: "bob", Kind: "audio", Source: "mic"})
	h.connect(t)
	recv := h.device.Last(proto.DirectionRecv)
	require.Len(t, recv.Consumers(), 1)
	fc := recv.Consumers()[0]

	h.sig.Push(proto.ProducerClosed{ProducerID: "p-bob"})
	h.sig.Push(proto.ProducerClosed{ProducerID: "p-bob"})

	assert.Empty(t, h.svc.Consumers())
	assert.True(t, fc.Closed())
	closed := h.closedEvents()
	require.Len(t, closed, 1)
	assert.Equal(t, "p-bob", closed[0].ProducerID)
	assert.Equal(t, "bob", closed[0].PeerID)
	assert.Equal(t, "producer closed", closed[0].Reason)

	// Tearing the transport down later must not report it again.
	require.NoError(t, h.svc.Disconnect())
	assert.Len(t, h.closedEvents(), 1)
}

func TestNewProducerConsumedOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	p := proto.NewProducer{ID: "p-carol", PeerID: "carol", DisplayName: "Carol", Kind: "video", Source: "screen"}
	h.sig.Announce(p)
	h.sig.Announce(p)
	h.sig.Announce(proto.NewProducer{ID: "p-mine", PeerID: "me"})

	require.Eventually(t, func() bool { return len(h.svc.Consumers()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.sig.Count(proto.TypeConsume))
	assert.Len(t, h.openedEvents(), 1)
	assert.Equal(t, "screen", h.openedEvents()[0].Source)

	require.NoError(t, h.svc.ConsumeProducer(context.Background(), "p-carol"))
	assert.Equal(t, 1, h.sig.Count(proto.TypeConsume))
}

func TestProducerClosedWhileConsuming(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	gate := make(chan struct{})
	h.sig.SetHook(func(req proto.Request) (any, bool, error) {
		if req.RequestType() == proto.TypeConsume {
			<-gate
		}
		return nil, false, nil
	})

	h.sig.Announce(proto.NewProducer{ID: "p-dave", PeerID: "dave"})
	require.Eventually(t, func() bool { return h.sig.Count(proto.TypeConsume) == 1 }, time.Second, 5*time.Millisecond)
	h.sig.Push(proto.ProducerClosed{ProducerID: "p-dave"})
	close(gate)

	recv := h.device.Last(proto.DirectionRecv)
	require.Eventually(t, func() bool { return len(recv.Consumers()) == 1 && recv.Consumers()[0].Closed() },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, h.svc.Consumers())
	assert.Empty(t, h.openedEvents())
	assert.Empty(t, h.closedEvents())
	assert.Empty(t, h.errors())
}

func TestConsumeFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.device.Last(proto.DirectionRecv).SetConsumeErr(errors.New("consumer creation failed"))

	h.sig.Announce(proto.NewProducer{ID: "p-erin", PeerID: "erin"})
	require.Eventually(t, func() bool { return len(h.errors()) == 1 }, time.Second, 5*time.Millisecond)

	var se *Error
	require.ErrorAs(t, h.errors()[0], &se)
	assert.Equal(t, "consume", se.Op)
	assert.Equal(t, "p-erin", se.ProducerID)

	// The reservation is released so a retry can consume it.
	h.device.Last(proto.DirectionRecv).SetConsumeErr(nil)
	require.NoError(t, h.svc.RecreateConsumer(context.Background(), "p-erin"))
	assert.Len(t, h.svc.Consumers(), 1)
}

func TestProduceMediaWebcam(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	stream := h.webcam(t)

	require.NoError(t, h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam))

	prods := h.svc.Producers()
	require.Len(t, prods, 2)
	assert.Equal(t, media.SourceMic, prods[0].Source)
	assert.Equal(t, "audio", prods[0].Kind)
	assert.Equal(t, media.SourceWebcam, prods[1].Source)
	assert.Equal(t, "video", prods[1].Kind)

	var sources []string
	for _, r := range h.sig.Requests() {
		if p, ok := r.(proto.ProduceRequest); ok {
			sources = append(sources, p.Source)
		}
	}
	assert.Equal(t, []string{"mic", "webcam"}, sources)

	opts := h.device.Last(proto.DirectionSend).ProducedOptions()
	require.Len(t, opts, 2)
	assert.Empty(t, opts[0].Encodings)
	assert.Equal(t, rtc.CodecOptions{OpusStereo: true, OpusDtx: true}, opts[0].CodecOptions)
	require.Len(t, opts[1].Encodings, 3)
	assert.Equal(t, []int{100_000, 300_000, 900_000},
		[]int{opts[1].Encodings[0].MaxBitrate, opts[1].Encodings[1].MaxBitrate, opts[1].Encodings[2].MaxBitrate})
	assert.Equal(t, videoStartBitrate, opts[1].CodecOptions.VideoGoogleStartBitrate)
}

func TestProduceReplacesSameSource(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	first := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), first, media.SourceWebcam))
	old, ok := h.svc.Producer(media.SourceWebcam)
	require.True(t, ok)

	second := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), second, media.SourceWebcam))
	cur, ok := h.svc.Producer(media.SourceWebcam)
	require.True(t, ok)
	assert.NotEqual(t, old.ID, cur.ID)
	assert.Len(t, h.svc.Producers(), 2, "one live producer per source")
	assert.Equal(t, 2, h.sig.Count(proto.TypeCloseProducer))
}

func TestProduceNeedsSession(t *testing.T) {
	h := newHarness(t)
	stream := h.webcam(t)
	err := h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, h.svc.ProduceMedia(context.Background(), nil, media.SourceWebcam), media.ErrNoStream)
}

func TestTrackEndedClosesProducer(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	stream := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam))
	prod, _ := h.svc.Producer(media.SourceWebcam)

	video, ok := stream.VideoTrack()
	require.True(t, ok)
	h.capt.Find(video.ID()).End(errors.New("device unplugged"))

	require.Eventually(t, func() bool {
		_, ok := h.svc.Producer(media.SourceWebcam)
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.sig.Count(proto.TypeCloseProducer) == 1 }, time.Second, 5*time.Millisecond)

	var closed proto.CloseProducerRequest
	for _, r := range h.sig.Requests() {
		if c, ok := r.(proto.CloseProducerRequest); ok {
			closed = c
		}
	}
	assert.Equal(t, prod.ID, closed.ProducerID)
	_, ok = h.svc.Producer(media.SourceMic)
	assert.True(t, ok, "the mic producer is unaffected")
}

func TestSetProducerMuted(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	stream := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam))
	audio, _ := stream.AudioTrack()

	require.NoError(t, h.svc.SetProducerMuted(context.Background(), media.SourceMic, true))
	p, _ := h.svc.Producer(media.SourceMic)
	assert.True(t, p.Paused)
	assert.False(t, audio.Enabled())

	require.NoError(t, h.svc.SetProducerMuted(context.Background(), media.SourceMic, false))
	p, _ = h.svc.Producer(media.SourceMic)
	assert.False(t, p.Paused)
	assert.True(t, audio.Enabled())

	var muted []bool
	for _, r := range h.sig.Requests() {
		if m, ok := r.(proto.SetProducerMutedRequest); ok {
			assert.Equal(t, p.ID, m.ProducerID)
			muted = append(muted, m.Muted)
		}
	}
	assert.Equal(t, []bool{true, false}, muted)

	err := h.svc.SetProducerMuted(context.Background(), media.SourceScreen, true)
	assert.ErrorIs(t, err, ErrNoProducer)
	assert.ErrorIs(t, h.svc.CloseProducer(context.Background(), media.SourceScreen), ErrNoProducer)
}

func TestCloseProducer(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	stream := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam))

	require.NoError(t, h.svc.CloseProducer(context.Background(), media.SourceWebcam))
	_, ok := h.svc.Producer(media.SourceWebcam)
	assert.False(t, ok)
	assert.Equal(t, 1, h.sig.Count(proto.TypeCloseProducer))
	for _, p := range h.device.Last(proto.DirectionSend).Producers() {
		if p.Source() == "webcam" {
			assert.True(t, p.Closed())
		}
	}
}

func TestReplaceProducerTrack(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	stream := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam))

	nt, err := h.media.ReplaceTrack(context.Background(), stream, webrtc.RTPCodecTypeVideo, "cam-2")
	require.NoError(t, err)
	require.NoError(t, h.svc.ReplaceProducerTrack(media.SourceWebcam, nt))

	var fp *rtctest.Producer
	for _, p := range h.device.Last(proto.DirectionSend).Producers() {
		if p.Source() == "webcam" {
			fp = p
		}
	}
	require.NotNil(t, fp)
	assert.Equal(t, nt.ID(), fp.Track().ID())

	// The new track ending closes the producer.
	h.capt.Find(nt.ID()).End(nil)
	require.Eventually(t, func() bool {
		_, ok := h.svc.Producer(media.SourceWebcam)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.sig.SetExisting(proto.ProducerInfo{ID: "p-bob", PeerID: "bob"})
	h.connect(t)
	stream := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam))

	require.NoError(t, h.svc.Disconnect())
	require.NoError(t, h.svc.Disconnect())

	assert.Equal(t, StatusDisconnected, h.svc.Status())
	assert.Empty(t, h.svc.Producers())
	assert.Empty(t, h.svc.Consumers())
	for _, tr := range h.device.Transports() {
		assert.True(t, tr.Closed(), tr.ID())
	}
	_, ok := h.media.Stream(media.SourceWebcam)
	assert.False(t, ok, "local media is stopped")
	for _, tr := range h.capt.Opened() {
		assert.True(t, tr.Closed())
	}
	assert.Equal(t, 1, h.sig.Disconnects())
	require.Len(t, h.closedEvents(), 1)
	assert.Equal(t, "disconnected", h.closedEvents()[0].Reason)
	assert.Zero(t, h.sig.Count(proto.TypeCloseProducer), "the server drops our producers with the socket")

	err := h.svc.SetProducerMuted(context.Background(), media.SourceMic, true)
	assert.ErrorIs(t, err, ErrNoProducer)
	assert.ErrorIs(t, h.svc.SendChat(context.Background(), "hi"), ErrNotConnected)
}

func TestProduceFinishingAfterDisconnectIsReleased(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	stream := h.webcam(t)

	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	h.sig.SetHook(func(req proto.Request) (any, bool, error) {
		if req.RequestType() == proto.TypeProduce {
			entered <- struct{}{}
			<-gate
		}
		return nil, false, nil
	})

	audio, _ := stream.AudioTrack()
	done := make(chan error, 1)
	go func() { done <- h.svc.ProduceTrack(context.Background(), audio, media.SourceMic) }()
	<-entered

	require.NoError(t, h.svc.Disconnect())
	close(gate)

	err := <-done
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, h.svc.Producers())
}

func TestRestartRecreatesProducersAndConsumers(t *testing.T) {
	h := newHarness(t)
	h.sig.SetExisting(proto.ProducerInfo{ID: "p-bob", PeerID: "bob"})
	h.connect(t)
	stream := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam))
	before := h.svc.Producers()
	oldSend := h.device.Last(proto.DirectionSend)

	h.sig.Drop()
	require.NoError(t, h.svc.Restart(context.Background()))

	assert.Equal(t, StatusConnected, h.svc.Status())
	assert.Equal(t, 2, h.sig.Connects())
	assert.True(t, oldSend.Closed())
	assert.Len(t, h.device.Transports(), 4)

	after := h.svc.Producers()
	require.Len(t, after, 2)
	for i := range after {
		assert.Equal(t, before[i].Source, after[i].Source)
		assert.NotEqual(t, before[i].ID, after[i].ID, "producers are recreated, not resurrected")
	}
	for _, p := range oldSend.Producers() {
		assert.True(t, p.Closed())
	}

	require.Len(t, h.svc.Consumers(), 1)
	assert.Len(t, h.closedEvents(), 1)
	assert.Len(t, h.openedEvents(), 2)
}

func TestRestartKeepsMute(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	stream := h.webcam(t)
	require.NoError(t, h.svc.ProduceMedia(context.Background(), stream, media.SourceWebcam))
	require.NoError(t, h.svc.SetProducerMuted(context.Background(), media.SourceMic, true))

	require.NoError(t, h.svc.Restart(context.Background()))
	p, ok := h.svc.Producer(media.SourceMic)
	require.True(t, ok)
	assert.True(t, p.Paused)
}

func TestRestartWithoutSession(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.svc.Restart(context.Background()), ErrNotConnected)
}

func TestTransportFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	send := h.device.Last(proto.DirectionSend)

	send.SetState(rtc.StateFailed)
	require.Len(t, h.errors(), 1)
	assert.ErrorIs(t, h.errors()[0], ErrTransportFailed)
	assert.Contains(t, h.errors()[0].Error(), "transport")
}

func TestSendChatAndKeyFrame(t *testing.T) {
	h := newHarness(t)
	h.sig.SetExisting(proto.ProducerInfo{ID: "p-bob", PeerID: "bob", Kind: "video"})
	h.connect(t)

	require.NoError(t, h.svc.SendChat(context.Background(), "hello"))
	assert.Equal(t, 1, h.sig.Count(proto.TypeChat))

	require.NoError(t, h.svc.RequestKeyFrame("p-bob"))
	assert.Equal(t, 1, h.device.Last(proto.DirectionRecv).Consumers()[0].KeyFrames())
	assert.ErrorIs(t, h.svc.RequestKeyFrame("p-none"), ErrNoConsumer)
}

func TestTrackSource(t *testing.T) {
	cases := []struct {
		source media.Source
		kind   webrtc.RTPCodecType
		want   media.Source
	}{
		{media.SourceWebcam, webrtc.RTPCodecTypeAudio, media.SourceMic},
		{media.SourceWebcam, webrtc.RTPCodecTypeVideo, media.SourceWebcam},
		{media.SourceScreen, webrtc.RTPCodecTypeAudio, media.SourceScreenAudio},
		{media.SourceScreen, webrtc.RTPCodecTypeVideo, media.SourceScreen},
		{media.SourceMic, webrtc.RTPCodecTypeAudio, media.SourceMic},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, trackSource(c.source, c.kind), "%s/%s", c.source, c.kind)
	}
}
