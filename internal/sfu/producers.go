package sfu

import (
	"context"
	"errors"
	"sort"

	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
)

// ProduceMedia creates one producer per track of stream. A webcam stream's
// audio track is produced as the mic, a screen's as screen-audio. Tracks
// that fail do not stop the others; their errors are joined.
func (s *Service) ProduceMedia(ctx context.Context, stream *media.Stream, source media.Source) error {
	if stream == nil {
		return &Error{Op: "produce", Source: source, Err: media.ErrNoStream}
	}
	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return &Error{Op: "produce", Source: source, Err: media.ErrNoTrack}
	}
	var errs []error
	for _, t := range tracks {
		if err := s.ProduceTrack(ctx, t, trackSource(source, t.Kind())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProduceTrack sends t under source, replacing any producer already bound
// to that source. The producer closes itself when the track ends.
func (s *Service) ProduceTrack(ctx context.Context, t *media.LocalTrack, source media.Source) error {
	s.mu.Lock()
	if !s.liveLocked() || s.send == nil {
		s.mu.Unlock()
		return &Error{Op: "produce", Source: source, Err: ErrNotConnected}
	}
	send, gen := s.send, s.gen
	old := s.producers[source]
	delete(s.producers, source)
	s.mu.Unlock()

	if old != nil {
		_ = s.closeEntry(ctx, old)
	}
	if t.Stopped() {
		return &Error{Op: "produce", Source: source, Err: media.ErrNoTrack}
	}

	p, err := send.Produce(ctx, producerOptions(source, t))
	if err != nil {
		return &Error{Op: "produce", Source: source, Err: err}
	}

	entry := &producerEntry{producer: p, track: t, source: source}
	entry.unwatch = t.OnEnded(func(error) { go s.trackEnded(source, p) })
	p.OnTransportClose(func() { s.producerTransportClosed(source, p) })

	s.mu.Lock()
	if gen != s.gen || p.Closed() {
		s.mu.Unlock()
		entry.unwatch()
		_ = p.Close()
		return &Error{Op: "produce", Source: source, ProducerID: p.ID(), Err: ErrNotConnected}
	}
	prev := s.producers[source]
	s.producers[source] = entry
	room := s.cfg.RoomID
	s.mu.Unlock()

	if prev != nil {
		_ = s.closeEntry(ctx, prev)
	}
	log.Infof("SFU [%s]: producing %s (%s) as %s", room, source, p.Kind(), p.ID())

	if t.Stopped() {
		go s.trackEnded(source, p)
		return nil
	}
	if !t.Enabled() {
		return s.SetProducerMuted(ctx, source, true)
	}
	return nil
}

// CloseProducer closes the producer bound to source and tells the server.
// A closed producer cannot be resumed.
func (s *Service) CloseProducer(ctx context.Context, source media.Source) error {
	s.mu.Lock()
	e, ok := s.producers[source]
	if ok {
		delete(s.producers, source)
	}
	s.mu.Unlock()
	if !ok {
		return &Error{Op: "close producer", Source: source, Err: ErrNoProducer}
	}
	log.Infof("SFU: closing %s producer %s", source, e.producer.ID())
	return s.closeEntry(ctx, e)
}

// SetProducerMuted pauses or resumes the producer bound to source, updates
// the track's enabled flag, and tells the server so remote consumers follow.
func (s *Service) SetProducerMuted(ctx context.Context, source media.Source, muted bool) error {
	s.mu.Lock()
	e, ok := s.producers[source]
	s.mu.Unlock()
	if !ok {
		return &Error{Op: "mute producer", Source: source, Err: ErrNoProducer}
	}

	var err error
	if muted {
		err = e.producer.Pause()
	} else {
		err = e.producer.Resume()
	}
	if err != nil {
		return &Error{Op: "mute producer", Source: source, ProducerID: e.producer.ID(), Err: err}
	}
	e.track.SetEnabled(!muted)

	err = s.sig.Request(ctx, proto.SetProducerMutedRequest{ProducerID: e.producer.ID(), Muted: muted}, nil)
	if err != nil {
		return &Error{Op: "mute producer", Source: source, ProducerID: e.producer.ID(), Err: err}
	}
	return nil
}

// ReplaceProducerTrack points the producer bound to source at t, after
// media.Manager.ReplaceTrack swapped the stream's track.
func (s *Service) ReplaceProducerTrack(source media.Source, t *media.LocalTrack) error {
	s.mu.Lock()
	e, ok := s.producers[source]
	s.mu.Unlock()
	if !ok {
		return &Error{Op: "replace track", Source: source, Err: ErrNoProducer}
	}
	p := e.producer
	if err := p.ReplaceTrack(t.Raw()); err != nil {
		return &Error{Op: "replace track", Source: source, ProducerID: p.ID(), Err: err}
	}
	unwatch := t.OnEnded(func(error) { go s.trackEnded(source, p) })

	s.mu.Lock()
	if s.producers[source] != e {
		s.mu.Unlock()
		unwatch()
		return &Error{Op: "replace track", Source: source, Err: ErrNoProducer}
	}
	prev := e.unwatch
	e.track = t
	e.unwatch = unwatch
	s.mu.Unlock()
	prev()
	return nil
}

// RecreateProducer closes the producer bound to source and produces its
// track again.
func (s *Service) RecreateProducer(ctx context.Context, source media.Source) error {
	s.mu.Lock()
	e, ok := s.producers[source]
	s.mu.Unlock()
	if !ok {
		return &Error{Op: "recreate producer", Source: source, Err: ErrNoProducer}
	}
	return s.ProduceTrack(ctx, e.track, source)
}

// Producers lists the live producers ordered by source.
func (s *Service) Producers() []ProducerState {
	s.mu.Lock()
	out := make([]ProducerState, 0, len(s.producers))
	for src, e := range s.producers {
		out = append(out, ProducerState{
			ID:     e.producer.ID(),
			Source: src,
			Kind:   e.producer.Kind(),
			Paused: e.producer.Paused(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (s *Service) Producer(source media.Source) (ProducerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.producers[source]
	if !ok {
		return ProducerState{}, false
	}
	return ProducerState{ID: e.producer.ID(), Source: source, Kind: e.producer.Kind(), Paused: e.producer.Paused()}, true
}

func (s *Service) liveLocked() bool {
	return s.status == StatusConnected || s.status == StatusConnecting
}

// closeEntry closes a producer that is already out of the map and tells the
// server while the socket is up.
func (s *Service) closeEntry(ctx context.Context, e *producerEntry) error {
	e.unwatch()
	_ = e.producer.Close()
	if !s.sig.Connected() {
		return nil
	}
	err := s.sig.Request(ctx, proto.CloseProducerRequest{ProducerID: e.producer.ID()}, nil)
	if err != nil {
		return &Error{Op: "close producer", Source: e.source, ProducerID: e.producer.ID(), Err: err}
	}
	return nil
}

func (s *Service) trackEnded(source media.Source, p rtc.Producer) {
	s.mu.Lock()
	e, ok := s.producers[source]
	if !ok || e.producer != p {
		s.mu.Unlock()
		return
	}
	delete(s.producers, source)
	s.mu.Unlock()

	log.Infof("SFU: %s track ended, closing producer %s", source, p.ID())
	if err := s.closeEntry(context.Background(), e); err != nil {
		log.Debugf("SFU: %v", err)
	}
}

func (s *Service) producerTransportClosed(source media.Source, p rtc.Producer) {
	s.mu.Lock()
	e, ok := s.producers[source]
	if !ok || e.producer != p {
		s.mu.Unlock()
		return
	}
	delete(s.producers, source)
	s.mu.Unlock()
	e.unwatch()
	log.Debugf("SFU: %s producer %s lost its transport", source, p.ID())
}
