// Package rtctest provides in-memory rtc.Device implementations for tests.
// Transports run the TransportHandler callbacks the way a real transport
// does: Connect on first use, Produce for every new sender.
package rtctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/confcall/internal/events"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
)

type Device struct {
	mu         sync.Mutex
	loaded     bool
	caps       proto.RtpCapabilities
	LoadErr    error
	Config     rtc.Config
	transports []*Transport
}

func NewDevice() *Device { return &Device{} }

func (d *Device) Load(_ context.Context, caps proto.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LoadErr != nil {
		return d.LoadErr
	}
	d.loaded = true
	d.caps = caps
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) RTPCapabilities() proto.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *Device) CanProduce(string) bool { return d.Loaded() }

func (d *Device) CreateSendTransport(opts rtc.TransportOptions) (rtc.Transport, error) {
	return d.create(proto.DirectionSend, opts)
}

func (d *Device) CreateRecvTransport(opts rtc.TransportOptions) (rtc.Transport, error) {
	return d.create(proto.DirectionRecv, opts)
}

func (d *Device) create(direction string, opts rtc.TransportOptions) (*Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, rtc.ErrNotLoaded
	}
	t := &Transport{id: opts.Info.ID, direction: direction, handler: opts.Handler, state: rtc.StateNew}
	d.transports = append(d.transports, t)
	return t, nil
}

// Transports returns every transport created so far, oldest first.
func (d *Device) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Transport(nil), d.transports...)
}

// Last returns the newest transport of direction.
func (d *Device) Last(direction string) *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.transports) - 1; i >= 0; i-- {
		if d.transports[i].direction == direction {
			return d.transports[i]
		}
	}
	return nil
}

type Transport struct {
	id        string
	direction string
	handler   rtc.TransportHandler

	mu        sync.Mutex
	state     rtc.ConnectionState
	connected bool
	closed    bool
	producers []*Producer
	consumers []*Consumer
	// Produced records the options of every Produce call.
	Produced []rtc.ProducerOptions
	// ConsumeErr, when set, fails every Consume.
	ConsumeErr error
}

func (t *Transport) ID() string        { return t.id }
func (t *Transport) Direction() string { return t.direction }

func (t *Transport) ConnectionState() rtc.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.mu.Unlock()
	if err := t.handler.Connect(ctx, proto.DtlsParameters{Role: "client"}); err != nil {
		return err
	}
	t.SetState(rtc.StateConnected)
	return nil
}

// SetState changes the connection state and notifies the handler.
func (t *Transport) SetState(s rtc.ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	if t.handler.StateChange != nil {
		t.handler.StateChange(s)
	}
}

func (t *Transport) Produce(ctx context.Context, opts rtc.ProducerOptions) (rtc.Producer, error) {
	if t.direction != proto.DirectionSend {
		return nil, rtc.ErrWrongDirection
	}
	if t.Closed() {
		return nil, rtc.ErrTransportClosed
	}
	if opts.Track == nil {
		return nil, fmt.Errorf("produce: no track")
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	kind := opts.Track.Kind().String()
	id, err := t.handler.Produce(ctx, kind, proto.RtpParameters{MID: opts.Source}, opts.Source)
	if err != nil {
		return nil, err
	}
	p := &Producer{id: id, kind: kind, source: opts.Source, track: opts.Track}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.Produced = append(t.Produced, opts)
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts rtc.ConsumerOptions) (rtc.Consumer, error) {
	if t.direction != proto.DirectionRecv {
		return nil, rtc.ErrWrongDirection
	}
	if t.Closed() {
		return nil, rtc.ErrTransportClosed
	}
	t.mu.Lock()
	err := t.ConsumeErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	c := &Consumer{id: opts.ID, producerID: opts.ProducerID, kind: opts.Kind, params: opts.RTPParameters}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) SetConsumeErr(err error) {
	t.mu.Lock()
	t.ConsumeErr = err
	t.mu.Unlock()
}

func (t *Transport) ProducedOptions() []rtc.ProducerOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]rtc.ProducerOptions(nil), t.Produced...)
}

func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Producer(nil), t.producers...)
}

func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.mu.Unlock()

	for _, p := range producers {
		p.transportClosed()
	}
	for _, c := range consumers {
		c.transportClosed()
	}
	t.SetState(rtc.StateClosed)
	return nil
}

type Producer struct {
	id     string
	kind   string
	source string

	mu     sync.Mutex
	track  rtc.LocalTrack
	paused bool
	closed bool

	transportClose events.Registry[struct{}]
}

func (p *Producer) ID() string     { return p.id }
func (p *Producer) Kind() string   { return p.kind }
func (p *Producer) Source() string { return p.source }

func (p *Producer) Track() rtc.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause() error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *Producer) ReplaceTrack(t rtc.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %s: closed", p.id)
	}
	p.track = t
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) OnTransportClose(fn func()) {
	p.transportClose.Add(func(struct{}) { fn() })
}

func (p *Producer) transportClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.transportClose.Emit(struct{}{})
}

type Consumer struct {
	id         string
	producerID string
	kind       string
	params     proto.RtpParameters

	mu        sync.Mutex
	paused    bool
	closed    bool
	closes    int
	keyFrames int

	transportClose events.Registry[struct{}]
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producerID }
func (c *Consumer) Kind() string                       { return c.kind }
func (c *Consumer) Track() rtc.RemoteTrack             { return nil }
func (c *Consumer) RTPParameters() proto.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Consumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

func (c *Consumer) RequestKeyFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s: closed", c.id)
	}
	c.keyFrames++
	return nil
}

func (c *Consumer) KeyFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyFrames
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.transportClose.Add(func(struct{}) { fn() })
}

func (c *Consumer) transportClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.transportClose.Emit(struct{}{})
}

// SetConfig records the configuration handed to the device.
func (d *Device) SetConfig(cfg rtc.Config) {
	d.mu.Lock()
	d.Config = cfg
	d.mu.Unlock()
}
