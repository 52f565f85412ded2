package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/confcall/internal/events"
	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
)

var log = logging.Logger("sfu")

// Service owns one session's transports, producers and consumers. Every
// operation that suspends re-checks the session generation afterwards, so
// results that arrive after Disconnect or Restart are released instead of
// stored.
type Service struct {
	sig    Signaler
	device rtc.Device
	media  *media.Manager

	mu        sync.Mutex
	status    Status
	cfg       JoinConfig
	gen       uint64
	send      rtc.Transport
	recv      rtc.Transport
	producers map[media.Source]*producerEntry
	consumers map[string]*consumerEntry
	consuming map[string]*inflight

	statusEv       events.Registry[Status]
	newConsumer    events.Registry[NewConsumer]
	consumerClosed events.Registry[ConsumerClosed]
	errs           events.Registry[error]
}

// NewService wires a service to its collaborators. mm may be nil when local
// media is managed elsewhere.
func NewService(sig Signaler, device rtc.Device, mm *media.Manager) *Service {
	s := &Service{
		sig:       sig,
		device:    device,
		media:     mm,
		status:    StatusIdle,
		producers: make(map[media.Source]*producerEntry),
		consumers: make(map[string]*consumerEntry),
		consuming: make(map[string]*inflight),
	}
	sig.OnNotification(s.handleNotification)
	return s
}

func (s *Service) OnStatus(fn func(Status)) func()                 { return s.statusEv.Add(fn) }
func (s *Service) OnNewConsumer(fn func(NewConsumer)) func()       { return s.newConsumer.Add(fn) }
func (s *Service) OnConsumerClosed(fn func(ConsumerClosed)) func() { return s.consumerClosed.Add(fn) }

// OnError reports failures that have no caller to return to: background
// consumes and transport failures.
func (s *Service) OnError(fn func(error)) func() { return s.errs.Add(fn) }

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Config returns the join configuration of the current session.
func (s *Service) Config() JoinConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Connect joins the room described by cfg and returns the producers that
// already existed in it. Those are consumed before the status becomes
// connected; a single consume failure is reported through OnError and does
// not fail the join.
func (s *Service) Connect(ctx context.Context, cfg JoinConfig) ([]proto.ProducerInfo, error) {
	s.mu.Lock()
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	s.cfg = cfg
	s.gen++
	gen := s.gen
	s.status = StatusConnecting
	s.mu.Unlock()
	s.statusEv.Emit(StatusConnecting)

	log.Infof("SFU [%s]: joining as %s (%s)", cfg.RoomID, cfg.PeerID, cfg.DisplayName)

	if err := s.sig.Connect(ctx); err != nil {
		s.fail(gen)
		return nil, err
	}
	existing, err := s.join(ctx, gen)
	if err != nil {
		if s.fail(gen) {
			_ = s.sig.Disconnect()
		}
		return nil, err
	}
	s.replay(ctx, existing)

	if !s.promote(gen) {
		return nil, ErrNotConnected
	}
	log.Infof("SFU [%s]: connected, %d existing producers", cfg.RoomID, len(existing))
	return existing, nil
}

// join runs joinRoom, loads the router capabilities and creates both
// transports.
func (s *Service) join(ctx context.Context, gen uint64) ([]proto.ProducerInfo, error) {
	cfg := s.Config()

	var joined proto.JoinRoomResponse
	err := s.sig.Request(ctx, proto.JoinRoomRequest{
		RoomID:      cfg.RoomID,
		PeerID:      cfg.PeerID,
		DisplayName: cfg.DisplayName,
	}, &joined)
	if err != nil {
		return nil, fmt.Errorf("sfu: join room %s: %w", cfg.RoomID, err)
	}
	if !s.current(gen) {
		return nil, ErrNotConnected
	}

	if err := s.device.Load(ctx, joined.RTPCapabilities); err != nil {
		return nil, fmt.Errorf("sfu: load rtp capabilities: %w", err)
	}

	send, err := s.createTransport(ctx, proto.DirectionSend)
	if err != nil {
		return nil, err
	}
	recv, err := s.createTransport(ctx, proto.DirectionRecv)
	if err != nil {
		_ = send.Close()
		return nil, err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = send.Close()
		_ = recv.Close()
		return nil, ErrNotConnected
	}
	s.send, s.recv = send, recv
	s.mu.Unlock()
	return joined.Producers, nil
}

func (s *Service) createTransport(ctx context.Context, direction string) (rtc.Transport, error) {
	var info proto.TransportInfo
	if err := s.sig.Request(ctx, proto.CreateTransportRequest{Direction: direction}, &info); err != nil {
		return nil, &Error{Op: "create " + direction + " transport", Err: err}
	}

	handler := rtc.TransportHandler{
		Connect: func(ctx context.Context, dtls proto.DtlsParameters) error {
			return s.sig.Request(ctx, proto.ConnectTransportRequest{
				Direction:      direction,
				TransportID:    info.ID,
				DTLSParameters: dtls,
			}, nil)
		},
		StateChange: func(st rtc.ConnectionState) { s.transportState(direction, info.ID, st) },
	}
	if direction == proto.DirectionSend {
		handler.Produce = func(ctx context.Context, kind string, params proto.RtpParameters, source string) (string, error) {
			var res proto.ProduceResponse
			err := s.sig.Request(ctx, proto.ProduceRequest{Kind: kind, RTPParameters: params, Source: source}, &res)
			return res.ID, err
		}
	}

	opts := rtc.TransportOptions{Info: info, Handler: handler}
	var (
		t   rtc.Transport
		err error
	)
	if direction == proto.DirectionSend {
		t, err = s.device.CreateSendTransport(opts)
	} else {
		t, err = s.device.CreateRecvTransport(opts)
	}
	if err != nil {
		return nil, &Error{Op: "create " + direction + " transport", Err: err}
	}
	log.Debugf("SFU: %s transport %s created", direction, info.ID)
	return t, nil
}

func (s *Service) transportState(direction, id string, st rtc.ConnectionState) {
	log.Debugf("SFU: %s transport %s is %s", direction, id, st)
	if st != rtc.StateFailed {
		return
	}
	s.mu.Lock()
	live := (direction == proto.DirectionSend && s.send != nil && s.send.ID() == id) ||
		(direction == proto.DirectionRecv && s.recv != nil && s.recv.ID() == id)
	s.mu.Unlock()
	if live {
		s.errs.Emit(&Error{Op: direction + " transport " + id, Err: ErrTransportFailed})
	}
}

// replay consumes the producers that were in the room before we joined.
func (s *Service) replay(ctx context.Context, existing []proto.ProducerInfo) {
	self := s.Config().PeerID
	for _, p := range existing {
		if p.PeerID != "" && p.PeerID == self {
			continue
		}
		if err := s.ConsumeProducer(ctx, p.ID); err != nil {
			log.Warnf("SFU: replaying producer %s: %v", p.ID, err)
			s.errs.Emit(err)
		}
	}
}

// Restart rebuilds the session after a socket or transport failure. Old
// transports, producers and consumers are released; producers are created
// again from the local tracks that are still live.
func (s *Service) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusIdle || s.status == StatusDisconnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.gen++
	gen := s.gen
	room := s.cfg.RoomID
	changed := s.status != StatusConnecting
	s.status = StatusConnecting
	d := s.detachLocked()
	s.mu.Unlock()
	if changed {
		s.statusEv.Emit(StatusConnecting)
	}

	log.Infof("SFU [%s]: restarting session", room)
	s.closeDetached(d, "restart")

	if !s.sig.Connected() {
		if err := s.sig.Connect(ctx); err != nil {
			s.fail(gen)
			return err
		}
	}
	existing, err := s.join(ctx, gen)
	if err != nil {
		s.fail(gen)
		return err
	}

	var errs []error
	for _, e := range d.producers {
		if e.track.Stopped() {
			continue
		}
		if err := s.ProduceTrack(ctx, e.track, e.source); err != nil {
			errs = append(errs, err)
		}
	}
	s.replay(ctx, existing)

	if !s.promote(gen) {
		return ErrNotConnected
	}
	return errors.Join(errs...)
}

// Disconnect closes every producer, consumer and transport, stops local
// media and closes the signaling channel. Idempotent.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	if s.status == StatusIdle || s.status == StatusDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.status = StatusDisconnected
	room := s.cfg.RoomID
	d := s.detachLocked()
	s.mu.Unlock()

	s.closeDetached(d, "disconnected")
	if s.media != nil {
		s.media.StopAllStreams()
	}
	err := s.sig.Disconnect()
	log.Infof("SFU [%s]: disconnected", room)
	s.statusEv.Emit(StatusDisconnected)
	return err
}

type detached struct {
	send, recv rtc.Transport
	producers  []*producerEntry
	consumers  []*consumerEntry
}

// detachLocked takes all session state out of the service.
func (s *Service) detachLocked() detached {
	d := detached{send: s.send, recv: s.recv}
	s.send, s.recv = nil, nil
	for _, e := range s.producers {
		d.producers = append(d.producers, e)
	}
	for _, e := range s.consumers {
		d.consumers = append(d.consumers, e)
	}
	s.producers = make(map[media.Source]*producerEntry)
	s.consumers = make(map[string]*consumerEntry)
	s.consuming = make(map[string]*inflight)
	return d
}

func (s *Service) closeDetached(d detached, reason string) {
	for _, e := range d.producers {
		e.unwatch()
		_ = e.producer.Close()
	}
	for _, e := range d.consumers {
		_ = e.consumer.Close()
		s.emitConsumerClosed(e, reason)
	}
	if d.send != nil {
		_ = d.send.Close()
	}
	if d.recv != nil {
		_ = d.recv.Close()
	}
}

func (s *Service) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

// promote moves a still-current session to connected.
func (s *Service) promote(gen uint64) bool {
	s.mu.Lock()
	if gen != s.gen || s.status != StatusConnecting {
		s.mu.Unlock()
		return false
	}
	s.status = StatusConnected
	s.mu.Unlock()
	s.statusEv.Emit(StatusConnected)
	return true
}

// fail releases a still-current session and marks it failed. It reports
// whether gen was current.
func (s *Service) fail(gen uint64) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.status = StatusFailed
	d := s.detachLocked()
	s.mu.Unlock()

	s.closeDetached(d, "failed")
	s.statusEv.Emit(StatusFailed)
	return true
}

// SendChat posts a chat message to the room.
func (s *Service) SendChat(ctx context.Context, message string) error {
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}
	return s.sig.Request(ctx, proto.ChatRequest{Message: message}, nil)
}

func (s *Service) handleNotification(n proto.Notification) {
	switch v := n.(type) {
	case proto.NewProducer:
		if v.PeerID != "" && v.PeerID == s.Config().PeerID {
			return
		}
		s.startConsume(v.ID)
	case proto.ProducerClosed:
		s.producerClosed(v.ProducerID)
	}
}
