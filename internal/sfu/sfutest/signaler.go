// Package sfutest provides an in-memory sfu.Signaler that answers requests
// like a small SFU room.
package sfutest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/petervdpas/confcall/internal/events"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/signaling"
)

var ErrNotConnected = errors.New("sfutest: connection lost")

// Hook intercepts a request before the room answers it. Returning
// handled=false falls through to the room.
type Hook func(req proto.Request) (res any, handled bool, err error)

type Signaler struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connects    int
	disconnects int
	requests    []proto.Request
	hook        Hook
	existing    []proto.ProducerInfo
	producers   map[string]proto.ProducerInfo
	n           int

	notify       events.Registry[proto.Notification]
	onConnect    events.Registry[signaling.Connected]
	onDisconnect events.Registry[signaling.Disconnected]
	onRetry      events.Registry[int]
	onError      events.Registry[error]
}

func NewSignaler() *Signaler {
	return &Signaler{producers: make(map[string]proto.ProducerInfo)}
}

func (s *Signaler) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *Signaler) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.connected = false
	return nil
}

func (s *Signaler) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Drop simulates the socket going away without Disconnect.
func (s *Signaler) Drop() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *Signaler) OnNotification(fn func(proto.Notification)) func() { return s.notify.Add(fn) }

func (s *Signaler) OnConnected(fn func(signaling.Connected)) func() { return s.onConnect.Add(fn) }

func (s *Signaler) OnDisconnected(fn func(signaling.Disconnected)) func() {
	return s.onDisconnect.Add(fn)
}

func (s *Signaler) OnReconnecting(fn func(int)) func() { return s.onRetry.Add(fn) }
func (s *Signaler) OnError(fn func(error)) func()      { return s.onError.Add(fn) }

// Lose drops the socket and reports it the way the client does when the
// peer goes away.
func (s *Signaler) Lose(err error) {
	s.Drop()
	s.onDisconnect.Emit(signaling.Disconnected{Err: err})
	s.onRetry.Emit(1)
}

// Restore marks the socket open again and reports a reconnect.
func (s *Signaler) Restore() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.onConnect.Emit(signaling.Connected{Reconnected: true})
}

// Fail reports err as a client error, e.g. signaling.ErrReconnectFailed.
func (s *Signaler) Fail(err error) { s.onError.Emit(err) }

// Push delivers n to the notification listeners synchronously.
func (s *Signaler) Push(n proto.Notification) { s.notify.Emit(n) }

// Announce registers a remote producer and pushes newProducer for it.
func (s *Signaler) Announce(p proto.NewProducer) {
	s.mu.Lock()
	s.producers[p.ID] = proto.ProducerInfo{ID: p.ID, PeerID: p.PeerID, DisplayName: p.DisplayName, Kind: p.Kind, Source: p.Source}
	s.mu.Unlock()
	s.Push(p)
}

// SetExisting lists the producers joinRoom reports.
func (s *Signaler) SetExisting(ps ...proto.ProducerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existing = ps
	for _, p := range ps {
		s.producers[p.ID] = p
	}
}

func (s *Signaler) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Signaler) SetConnectErr(err error) {
	s.mu.Lock()
	s.connectErr = err
	s.mu.Unlock()
}

func (s *Signaler) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Signaler) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Requests returns every request seen so far.
func (s *Signaler) Requests() []proto.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Request(nil), s.requests...)
}

// Count returns how many requests of typ were sent.
func (s *Signaler) Count(typ string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.RequestType() == typ {
			n++
		}
	}
	return n
}

func (s *Signaler) Request(_ context.Context, req proto.Request, out any) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	connected := s.connected
	hook := s.hook
	s.mu.Unlock()

	if !connected {
		return fmt.Errorf("%s: %w", req.RequestType(), ErrNotConnected)
	}

	var (
		res any
		err error
	)
	handled := false
	if hook != nil {
		res, handled, err = hook(req)
	}
	if !handled {
		res, err = s.answer(req)
	}
	if err != nil {
		return err
	}
	if out == nil || res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Signaler) answer(req proto.Request) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	switch r := req.(type) {
	case proto.JoinRoomRequest:
		return proto.JoinRoomResponse{Producers: append([]proto.ProducerInfo(nil), s.existing...)}, nil
	case proto.CreateTransportRequest:
		return proto.TransportInfo{ID: fmt.Sprintf("%s-%d", r.Direction, s.n)}, nil
	case proto.ProduceRequest:
		return proto.ProduceResponse{ID: fmt.Sprintf("producer-%s-%d", r.Source, s.n)}, nil
	case proto.ConsumeRequest:
		p, ok := s.producers[r.ProducerID]
		if !ok {
			return nil, fmt.Errorf("producer %s not found", r.ProducerID)
		}
		kind, source := p.Kind, p.Source
		if kind == "" {
			kind = "audio"
		}
		if source == "" {
			source = "mic"
		}
		return proto.ConsumeResponse{
			ID:          fmt.Sprintf("consumer-%s-%d", r.ProducerID, s.n),
			ProducerID:  r.ProducerID,
			Kind:        kind,
			PeerID:      p.PeerID,
			DisplayName: p.DisplayName,
			Source:      source,
		}, nil
	}
	return nil, nil
}
