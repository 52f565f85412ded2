package rtc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/confcall/internal/events"
	"github.com/petervdpas/confcall/internal/proto"
)

var log = logging.Logger("rtc")

// PionDevice implements Device on pion's ORTC API, which speaks the SFU's
// ICE/DTLS/RTP parameter model without SDP.
type PionDevice struct {
	settings webrtc.SettingEngine
	cname    string

	mu       sync.RWMutex
	cfg      Config
	api      *webrtc.API
	caps     proto.RtpCapabilities
	canAudio bool
	canVideo bool
}

func NewPionDevice(cfg Config) *PionDevice {
	se := webrtc.SettingEngine{}
	// A brief relay/NAT hiccup should not tear the call down.
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return &PionDevice{cfg: cfg, settings: se, cname: uuid.NewString()}
}

// SetConfig replaces the ICE servers used by transports created from now on.
func (d *PionDevice) SetConfig(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Load builds a media engine from the router codecs at the router's payload
// types, so what this side sends and receives matches what the router
// expects.
func (d *PionDevice) Load(_ context.Context, caps proto.RtpCapabilities) error {
	audio, video := routerCodecs(caps)
	if len(audio) == 0 && len(video) == 0 {
		return fmt.Errorf("rtc: router rtp capabilities contain no supported codec")
	}

	me := &webrtc.MediaEngine{}
	for _, c := range audio {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("rtc: register %s codec capabilities: %w", c.MimeType, err)
		}
	}
	for _, c := range video {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("rtc: register %s codec capabilities: %w", c.MimeType, err)
		}
	}
	for _, h := range caps.HeaderExtensions {
		kind := parseKind(h.Kind)
		if kind == 0 {
			continue
		}
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: h.URI}, kind); err != nil {
			log.Debugf("RTC: skipping header extension %s: %v", h.URI, err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return fmt.Errorf("rtc: register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(d.settings),
	)

	d.mu.Lock()
	d.api = api
	d.caps = filterCapabilities(caps)
	d.canAudio = len(audio) > 0
	d.canVideo = len(video) > 0
	d.mu.Unlock()

	log.Infof("RTC: device loaded (%d audio, %d video codecs)", len(audio), len(video))
	return nil
}

func (d *PionDevice) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.api != nil
}

func (d *PionDevice) RTPCapabilities() proto.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

func (d *PionDevice) CanProduce(kind string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch kind {
	case "audio":
		return d.canAudio
	case "video":
		return d.canVideo
	}
	return false
}

func (d *PionDevice) CreateSendTransport(opts TransportOptions) (Transport, error) {
	if opts.Handler.Produce == nil {
		return nil, fmt.Errorf("rtc: send transport %s needs a produce handler", opts.Info.ID)
	}
	return d.newTransport(proto.DirectionSend, opts)
}

func (d *PionDevice) CreateRecvTransport(opts TransportOptions) (Transport, error) {
	return d.newTransport(proto.DirectionRecv, opts)
}

func (d *PionDevice) newTransport(direction string, opts TransportOptions) (*pionTransport, error) {
	d.mu.RLock()
	api := d.api
	cfg := d.cfg
	d.mu.RUnlock()
	if api == nil {
		return nil, ErrNotLoaded
	}
	if opts.Handler.Connect == nil {
		return nil, fmt.Errorf("rtc: %s transport %s needs a connect handler", direction, opts.Info.ID)
	}

	var servers []webrtc.ICEServer
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("rtc: %s transport: ice gatherer: %w", direction, err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("rtc: %s transport: dtls: %w", direction, err)
	}

	t := &pionTransport{
		dev:       d,
		api:       api,
		direction: direction,
		info:      opts.Info,
		handler:   opts.Handler,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		state:     StateNew,
		producers: make(map[*pionProducer]struct{}),
		consumers: make(map[*pionConsumer]struct{}),
	}
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		switch s {
		case webrtc.ICETransportStateChecking:
			t.setState(StateConnecting)
		case webrtc.ICETransportStateDisconnected:
			t.setState(StateDisconnected)
		case webrtc.ICETransportStateFailed:
			t.setState(StateFailed)
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		if s == webrtc.DTLSTransportStateFailed {
			t.setState(StateFailed)
		}
	})
	log.Debugf("RTC: %s transport %s created", direction, opts.Info.ID)
	return t, nil
}

type pionTransport struct {
	dev       *PionDevice
	api       *webrtc.API
	direction string
	info      proto.TransportInfo
	handler   TransportHandler

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connectMu sync.Mutex // serializes the lazy connect
	connected bool

	mu        sync.Mutex
	state     ConnectionState
	closed    bool
	mids      int
	producers map[*pionProducer]struct{}
	consumers map[*pionConsumer]struct{}
}

func (t *pionTransport) ID() string        { return t.info.ID }
func (t *pionTransport) Direction() string { return t.direction }

func (t *pionTransport) ConnectionState() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *pionTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *pionTransport) setState(s ConnectionState) {
	t.mu.Lock()
	if t.state == s || (t.closed && s != StateClosed) {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	log.Debugf("RTC: %s transport %s is %s", t.direction, t.info.ID, s)
	if t.handler.StateChange != nil {
		t.handler.StateChange(s)
	}
}

// connect gathers, hands the local DTLS parameters to the server, then runs
// ICE (controlling, against the lite server) and DTLS (as client).
func (t *pionTransport) connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	if t.connected {
		return nil
	}
	if t.Closed() {
		return ErrTransportClosed
	}
	t.setState(StateConnecting)

	gathered := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return t.fail(fmt.Errorf("transport %s: ice gather: %w", t.info.ID, err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	remote, err := iceCandidatesToPion(t.info.ICECandidates)
	if err != nil {
		return t.fail(err)
	}
	if err := t.ice.SetRemoteCandidates(remote); err != nil {
		return t.fail(fmt.Errorf("transport %s: remote candidates: %w", t.info.ID, err))
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return t.fail(fmt.Errorf("transport %s: local dtls parameters: %w", t.info.ID, err))
	}
	if err := t.handler.Connect(ctx, dtlsParametersFromPion(local, "client")); err != nil {
		return t.fail(fmt.Errorf("transport %s: connect: %w", t.info.ID, err))
	}

	role := webrtc.ICERoleControlling
	err = runCancelable(ctx, func() error {
		return t.ice.Start(t.gatherer, iceParametersToPion(t.info.ICEParameters), &role)
	}, func() { _ = t.ice.Stop() })
	if err != nil {
		return t.fail(fmt.Errorf("transport %s: ice: %w", t.info.ID, err))
	}

	remoteDTLS := dtlsParametersToPion(t.info.DTLSParameters)
	remoteDTLS.Role = webrtc.DTLSRoleServer
	err = runCancelable(ctx, func() error {
		return t.dtls.Start(remoteDTLS)
	}, func() { _ = t.dtls.Stop() })
	if err != nil {
		return t.fail(fmt.Errorf("transport %s: dtls: %w", t.info.ID, err))
	}

	t.connected = true
	t.setState(StateConnected)
	log.Infof("RTC: %s transport %s connected", t.direction, t.info.ID)
	return nil
}

func (t *pionTransport) fail(err error) error {
	t.setState(StateFailed)
	return err
}

// runCancelable runs fn, calling abort if ctx ends first.
func runCancelable(ctx context.Context, fn func() error, abort func()) error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		abort()
		<-errc
		return ctx.Err()
	}
}

func (t *pionTransport) nextMID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	mid := strconv.Itoa(t.mids)
	t.mids++
	return mid
}

func (t *pionTransport) Produce(ctx context.Context, opts ProducerOptions) (Producer, error) {
	if t.direction != proto.DirectionSend {
		return nil, fmt.Errorf("produce on %s transport: %w", t.direction, ErrWrongDirection)
	}
	if t.Closed() {
		return nil, fmt.Errorf("produce %s: %w", opts.Source, ErrTransportClosed)
	}
	if opts.Track == nil {
		return nil, fmt.Errorf("producer %s: no track", opts.Source)
	}
	kind := opts.Track.Kind()
	if !t.dev.CanProduce(kindString(kind)) {
		return nil, fmt.Errorf("%w: %s", ErrCannotProduce, kind)
	}
	local, ok := opts.Track.(webrtc.TrackLocal)
	if !ok {
		return nil, fmt.Errorf("producer %s: track %s cannot be sent", opts.Source, opts.Track.ID())
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("producer %s: rtp sender: %w", opts.Source, err)
	}
	params := sender.GetParameters()
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("producer %s: send: %w", opts.Source, err)
	}

	rp := sendParameters(params, kind, opts, t.nextMID(), t.dev.cname)
	id, err := t.handler.Produce(ctx, kindString(kind), rp, opts.Source)
	if err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("producer %s: %w", opts.Source, err)
	}

	p := &pionProducer{
		id:        id,
		source:    opts.Source,
		kind:      kind,
		sender:    sender,
		track:     opts.Track,
		transport: t,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, fmt.Errorf("produce %s: %w", opts.Source, ErrTransportClosed)
	}
	t.producers[p] = struct{}{}
	t.mu.Unlock()

	go p.readRTCP()
	log.Infof("RTC: producer %s (%s/%s) sending", id, opts.Source, kind)
	return p, nil
}

func (t *pionTransport) Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error) {
	if t.direction != proto.DirectionRecv {
		return nil, fmt.Errorf("consume on %s transport: %w", t.direction, ErrWrongDirection)
	}
	if t.Closed() {
		return nil, fmt.Errorf("consume %s: %w", opts.ProducerID, ErrTransportClosed)
	}
	kind := parseKind(opts.Kind)
	if kind == 0 {
		return nil, fmt.Errorf("consumer %s: unknown kind %q", opts.ID, opts.Kind)
	}
	if len(opts.RTPParameters.Encodings) == 0 || len(opts.RTPParameters.Codecs) == 0 {
		return nil, fmt.Errorf("consumer %s: rtp parameters carry no codec or encoding", opts.ID)
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("consumer %s: rtp receiver: %w", opts.ID, err)
	}
	ssrc := opts.RTPParameters.Encodings[0].SSRC
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(opts.RTPParameters.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("consumer %s: receive: %w", opts.ID, err)
	}

	c := &pionConsumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		params:     opts.RTPParameters,
		ssrc:       ssrc,
		receiver:   receiver,
		transport:  t,
	}
	if tr := receiver.Track(); tr != nil {
		c.track = tr
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, fmt.Errorf("consume %s: %w", opts.ProducerID, ErrTransportClosed)
	}
	t.consumers[c] = struct{}{}
	t.mu.Unlock()

	log.Infof("RTC: consumer %s for producer %s receiving %s", opts.ID, opts.ProducerID, opts.Kind)
	return c, nil
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.producers = make(map[*pionProducer]struct{})
	t.consumers = make(map[*pionConsumer]struct{})
	t.mu.Unlock()

	for p := range producers {
		p.transportClosed()
	}
	for c := range consumers {
		c.transportClosed()
	}

	t.connectMu.Lock()
	connected := t.connected
	t.connectMu.Unlock()
	var err error
	if connected {
		err = t.dtls.Stop()
		_ = t.ice.Stop()
	} else {
		err = t.gatherer.Close()
	}
	t.setState(StateClosed)
	log.Debugf("RTC: %s transport %s closed", t.direction, t.info.ID)
	return err
}

func (t *pionTransport) forgetProducer(p *pionProducer) {
	t.mu.Lock()
	delete(t.producers, p)
	t.mu.Unlock()
}

func (t *pionTransport) forgetConsumer(c *pionConsumer) {
	t.mu.Lock()
	delete(t.consumers, c)
	t.mu.Unlock()
}

type pionProducer struct {
	id        string
	source    string
	kind      webrtc.RTPCodecType
	sender    *webrtc.RTPSender
	transport *pionTransport

	mu     sync.Mutex
	track  LocalTrack
	paused bool
	closed bool

	transportClose events.Registry[struct{}]
}

func (p *pionProducer) ID() string     { return p.id }
func (p *pionProducer) Kind() string   { return kindString(p.kind) }
func (p *pionProducer) Source() string { return p.source }

func (p *pionProducer) Track() LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *pionProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *pionProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Pause stops sending media by detaching the track from the sender; the
// producer id stays valid.
func (p *pionProducer) Pause() error {
	p.mu.Lock()
	if p.closed || p.paused {
		p.mu.Unlock()
		return nil
	}
	p.paused = true
	p.mu.Unlock()
	return p.sender.ReplaceTrack(nil)
}

func (p *pionProducer) Resume() error {
	p.mu.Lock()
	if p.closed || !p.paused {
		p.mu.Unlock()
		return nil
	}
	p.paused = false
	track := p.track
	p.mu.Unlock()
	local, _ := track.(webrtc.TrackLocal)
	return p.sender.ReplaceTrack(local)
}

func (p *pionProducer) ReplaceTrack(track LocalTrack) error {
	local, ok := track.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("producer %s: track %s cannot be sent", p.id, track.ID())
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("producer %s: closed", p.id)
	}
	p.track = track
	paused := p.paused
	p.mu.Unlock()
	if paused {
		return nil
	}
	return p.sender.ReplaceTrack(local)
}

func (p *pionProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.transport.forgetProducer(p)
	return p.sender.Stop()
}

func (p *pionProducer) OnTransportClose(fn func()) {
	p.transportClose.Add(func(struct{}) { fn() })
}

func (p *pionProducer) transportClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	_ = p.sender.Stop()
	p.transportClose.Emit(struct{}{})
}

// readRTCP drains receiver reports so the interceptors see them.
func (p *pionProducer) readRTCP() {
	for {
		pkts, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				log.Debugf("RTC: keyframe requested on producer %s", p.id)
			}
		}
	}
}

type pionConsumer struct {
	id         string
	producerID string
	kind       string
	params     proto.RtpParameters
	ssrc       uint32
	receiver   *webrtc.RTPReceiver
	track      RemoteTrack
	transport  *pionTransport

	mu     sync.Mutex
	paused bool
	closed bool

	transportClose events.Registry[struct{}]
}

func (c *pionConsumer) ID() string                         { return c.id }
func (c *pionConsumer) ProducerID() string                 { return c.producerID }
func (c *pionConsumer) Kind() string                       { return c.kind }
func (c *pionConsumer) Track() RemoteTrack                 { return c.track }
func (c *pionConsumer) RTPParameters() proto.RtpParameters { return c.params }

func (c *pionConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *pionConsumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *pionConsumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

func (c *pionConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RequestKeyFrame sends a PLI for the consumed stream.
func (c *pionConsumer) RequestKeyFrame() error {
	if c.Closed() {
		return fmt.Errorf("consumer %s: closed", c.id)
	}
	_, err := c.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: c.ssrc}})
	return err
}

func (c *pionConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.transport.forgetConsumer(c)
	return c.receiver.Stop()
}

func (c *pionConsumer) OnTransportClose(fn func()) {
	c.transportClose.Add(func(struct{}) { fn() })
}

func (c *pionConsumer) transportClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.receiver.Stop()
	c.transportClose.Emit(struct{}{})
}
