package sfu

import (
	"context"
	"errors"
	"sort"

	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
)

var errDuplicate = errors.New("producer already consumed")

// ConsumeProducer consumes a remote producer and waits for the consumer.
// Consuming a producer that is already consumed, or being consumed, is a
// no-op.
func (s *Service) ConsumeProducer(ctx context.Context, producerID string) error {
	f, recv, err := s.reserve(producerID)
	if errors.Is(err, errDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.finishConsume(ctx, producerID, f, recv)
}

// startConsume reserves producerID on the notification goroutine, so a
// producerClosed that follows is seen, and consumes in the background.
func (s *Service) startConsume(producerID string) {
	f, recv, err := s.reserve(producerID)
	if err != nil {
		if !errors.Is(err, errDuplicate) {
			log.Debugf("SFU: ignoring producer %s: %v", producerID, err)
		}
		return
	}
	go func() {
		err := s.finishConsume(context.Background(), producerID, f, recv)
		if err != nil && !errors.Is(err, ErrNotConnected) {
			log.Warnf("SFU: %v", err)
			s.errs.Emit(err)
		}
	}()
}

func (s *Service) reserve(producerID string) (*inflight, rtc.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked() || s.recv == nil {
		return nil, nil, &Error{Op: "consume", ProducerID: producerID, Err: ErrNotConnected}
	}
	if _, ok := s.consuming[producerID]; ok {
		return nil, nil, errDuplicate
	}
	for _, e := range s.consumers {
		if e.consumer.ProducerID() == producerID {
			return nil, nil, errDuplicate
		}
	}
	f := &inflight{gen: s.gen}
	s.consuming[producerID] = f
	return f, s.recv, nil
}

func (s *Service) unreserve(producerID string, f *inflight) {
	s.mu.Lock()
	if s.consuming[producerID] == f {
		delete(s.consuming, producerID)
	}
	s.mu.Unlock()
}

func (s *Service) finishConsume(ctx context.Context, producerID string, f *inflight, recv rtc.Transport) error {
	var resp proto.ConsumeResponse
	err := s.sig.Request(ctx, proto.ConsumeRequest{
		ProducerID:      producerID,
		RTPCapabilities: s.device.RTPCapabilities(),
	}, &resp)
	if err != nil {
		s.unreserve(producerID, f)
		return &Error{Op: "consume", ProducerID: producerID, Err: err}
	}
	resp.ProducerID = producerID

	c, err := recv.Consume(ctx, rtc.ConsumerOptions{
		ID:            resp.ID,
		ProducerID:    producerID,
		Kind:          resp.Kind,
		RTPParameters: resp.RTPParameters,
	})
	if err != nil {
		s.unreserve(producerID, f)
		return &Error{Op: "consume", ProducerID: producerID, ConsumerID: resp.ID, Err: err}
	}
	c.OnTransportClose(func() { s.removeConsumer(c.ID(), "transport closed") })

	s.mu.Lock()
	mine := s.consuming[producerID] == f
	if mine {
		delete(s.consuming, producerID)
	}
	switch {
	case !mine || f.gen != s.gen:
		s.mu.Unlock()
		_ = c.Close()
		return &Error{Op: "consume", ProducerID: producerID, ConsumerID: c.ID(), Err: ErrNotConnected}
	case f.closed:
		s.mu.Unlock()
		_ = c.Close()
		log.Debugf("SFU: producer %s closed while it was being consumed", producerID)
		return nil
	case c.Closed():
		s.mu.Unlock()
		return &Error{Op: "consume", ProducerID: producerID, ConsumerID: c.ID(), Err: rtc.ErrTransportClosed}
	}
	s.consumers[c.ID()] = &consumerEntry{consumer: c, info: resp}
	room := s.cfg.RoomID
	s.mu.Unlock()

	levelID, _ := rtc.AudioLevelExtensionID(resp.RTPParameters)
	log.Infof("SFU [%s]: consuming %s %s of %s as %s", room, resp.Source, resp.Kind, resp.PeerID, c.ID())
	s.newConsumer.Emit(NewConsumer{
		ID:           c.ID(),
		ProducerID:   producerID,
		PeerID:       resp.PeerID,
		DisplayName:  resp.DisplayName,
		Kind:         resp.Kind,
		Source:       resp.Source,
		Track:        c.Track(),
		AudioLevelID: levelID,
	})
	return nil
}

// producerClosed handles the server closing a remote producer.
func (s *Service) producerClosed(producerID string) {
	s.mu.Lock()
	id := s.consumerForLocked(producerID)
	if id == "" {
		if f, ok := s.consuming[producerID]; ok {
			f.closed = true
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.removeConsumer(id, "producer closed")
}

func (s *Service) consumerForLocked(producerID string) string {
	for id, e := range s.consumers {
		if e.consumer.ProducerID() == producerID {
			return id
		}
	}
	return ""
}

// removeConsumer closes and forgets consumer id. Only the caller that
// actually removes it emits consumerClosed.
func (s *Service) removeConsumer(id, reason string) bool {
	s.mu.Lock()
	e, ok := s.consumers[id]
	if ok {
		delete(s.consumers, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	_ = e.consumer.Close()
	s.emitConsumerClosed(e, reason)
	return true
}

func (s *Service) emitConsumerClosed(e *consumerEntry, reason string) {
	log.Infof("SFU: consumer %s of %s closed (%s)", e.consumer.ID(), e.info.PeerID, reason)
	s.consumerClosed.Emit(ConsumerClosed{
		ID:         e.consumer.ID(),
		ProducerID: e.consumer.ProducerID(),
		PeerID:     e.info.PeerID,
		Kind:       e.info.Kind,
		Source:     e.info.Source,
		Reason:     reason,
	})
}

// RecreateConsumer drops the consumer bound to producerID, if any, and
// consumes the producer again.
func (s *Service) RecreateConsumer(ctx context.Context, producerID string) error {
	s.mu.Lock()
	id := s.consumerForLocked(producerID)
	s.mu.Unlock()
	if id != "" {
		s.removeConsumer(id, "recreate")
	}
	return s.ConsumeProducer(ctx, producerID)
}

// RequestKeyFrame asks the sender of producerID for a keyframe.
func (s *Service) RequestKeyFrame(producerID string) error {
	s.mu.Lock()
	id := s.consumerForLocked(producerID)
	var c rtc.Consumer
	if id != "" {
		c = s.consumers[id].consumer
	}
	s.mu.Unlock()
	if c == nil {
		return &Error{Op: "request keyframe", ProducerID: producerID, Err: ErrNoConsumer}
	}
	return c.RequestKeyFrame()
}

// Consumers lists the live consumers ordered by id.
func (s *Service) Consumers() []ConsumerState {
	s.mu.Lock()
	out := make([]ConsumerState, 0, len(s.consumers))
	for id, e := range s.consumers {
		out = append(out, ConsumerState{
			ID:          id,
			ProducerID:  e.consumer.ProducerID(),
			PeerID:      e.info.PeerID,
			DisplayName: e.info.DisplayName,
			Kind:        e.info.Kind,
			Source:      e.info.Source,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
