package call

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/confcall/internal/callerr"
	"github.com/petervdpas/confcall/internal/peers"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
	"github.com/petervdpas/confcall/internal/sfu"
	"github.com/petervdpas/confcall/internal/signaling"
)

func (c *Client) selfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self == nil {
		return ""
	}
	return c.self.ID
}

// handleNotification keeps the roster in step with the room. Producer
// notifications are the sfu service's business.
func (c *Client) handleNotification(n proto.Notification) {
	if !c.Status().InCall() {
		return
	}
	self := c.selfID()
	switch v := n.(type) {
	case proto.PeerJoined:
		if v.PeerID == self {
			return
		}
		c.peers.Add(peers.Participant{Member: peers.Member{ID: v.PeerID, DisplayName: v.DisplayName}})
	case proto.PeerLeft:
		c.peers.Remove(v.PeerID)
	case proto.AudioLevel:
		if v.PeerID == self {
			c.selfLevel(v.Volume)
			return
		}
		c.peers.UpdateAudioLevel(v.PeerID, v.Volume)
	case proto.ProducerMuted:
		c.peers.SetProducerMuted(v.PeerID, v.ProducerID, v.Muted)
	case proto.Chat:
		if v.PeerID == self {
			return
		}
		ts := time.Now()
		if v.Timestamp > 0 {
			ts = time.UnixMilli(v.Timestamp)
		}
		name := v.DisplayName
		if name == "" {
			if p, ok := c.peers.Get(v.PeerID); ok {
				name = p.DisplayName
			}
		}
		c.chat.Emit(ChatMessage{PeerID: v.PeerID, DisplayName: name, Message: v.Message, Timestamp: ts})
	}
}

func (c *Client) selfLevel(level float64) {
	now := time.Now()
	c.mu.Lock()
	if c.self == nil {
		c.mu.Unlock()
		return
	}
	c.self.AudioLevel = level
	c.self.Speaking = level > c.peers.SpeakingThreshold()
	if c.self.Speaking {
		c.self.LastSpokeAt = now
		c.self.LastActiveAt = now
	}
	c.mu.Unlock()
	c.emitState()
}

// slotKind maps a consumer to the participant slot it fills. Screen audio
// has no slot of its own.
func slotKind(kind, source string) peers.MediaKind {
	switch {
	case source == "screen-audio":
		return ""
	case source == "screen":
		return peers.KindScreen
	case kind == "audio":
		return peers.KindAudio
	case kind == "video":
		return peers.KindVideo
	}
	return ""
}

func (c *Client) consumerAdded(ev sfu.NewConsumer) {
	c.peers.Add(peers.Participant{Member: peers.Member{ID: ev.PeerID, DisplayName: ev.DisplayName}})
	if kind := slotKind(ev.Kind, ev.Source); kind != "" {
		c.peers.SetMediaSlot(ev.PeerID, kind, peers.MediaSlot{
			Enabled:    true,
			ProducerID: ev.ProducerID,
			ConsumerID: ev.ID,
			Track:      ev.Track,
		})
	}
	if ev.Track == nil {
		return
	}

	var onLevel func(float64)
	if ev.Kind == "audio" && ev.AudioLevelID != 0 {
		peerID := ev.PeerID
		onLevel = func(v float64) { c.peers.UpdateAudioLevel(peerID, v) }
	}
	ctx := c.sessionContext()
	go func() {
		if err := rtc.Drain(ctx, ev.Track, ev.AudioLevelID, onLevel); err != nil && !errors.Is(err, context.Canceled) {
			log.Debugf("CALL: consumer %s stopped reading: %v", ev.ID, err)
		}
	}()
}

func (c *Client) consumerRemoved(ev sfu.ConsumerClosed) {
	if kind := slotKind(ev.Kind, ev.Source); kind != "" {
		c.peers.ClearMediaSlot(ev.PeerID, kind, ev.ID)
	}
}

// sfuError funnels a background sfu failure into the handler with the
// recovery that fits the failed resource.
func (c *Client) sfuError(err error) {
	switch c.Status() {
	case StatusConnected:
	case StatusReconnecting:
		// The session is being rebuilt anyway.
		log.Debugf("CALL: sfu error while reconnecting: %v", err)
		return
	default:
		return
	}
	if errors.Is(err, sfu.ErrNotConnected) {
		return
	}
	ec := c.errContext("sfu")
	var se *sfu.Error
	if errors.As(err, &se) {
		ec.Operation = se.Op
		ec.Source = string(se.Source)
		ec.ProducerID = se.ProducerID
		ec.ConsumerID = se.ConsumerID
		switch {
		case se.Op == "consume":
			pid := se.ProducerID
			ec.RecreateConsumer = func(ctx context.Context) error { return c.sfu.RecreateConsumer(ctx, pid) }
		case se.Source != "":
			src := se.Source
			ec.RecreateProducer = func(ctx context.Context) error { return c.sfu.RecreateProducer(ctx, src) }
		}
	}
	ec.RecreateTransport = c.restartSession
	ec.Reconnect = c.restartSession
	c.handler.Handle(c.sessionContext(), err, ec)
}

func (c *Client) signalingDisconnected(ev signaling.Disconnected) {
	if ev.Err == nil {
		return
	}
	if c.transitionFrom(StatusConnected, StatusReconnecting) {
		log.Warnf("CALL [%s]: signaling lost: %v", c.roomID(), ev.Err)
	}
}

func (c *Client) signalingConnected(ev signaling.Connected) {
	if !ev.Reconnected || c.Status() != StatusReconnecting {
		return
	}
	go c.resume(c.sessionContext())
}

// resume rebuilds the session after the signaling socket came back. If that
// fails it is retried with backoff; giving up fails the call.
func (c *Client) resume(ctx context.Context) {
	err := c.restartSession(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	ec := c.errContext("reconnect")
	ec.Reconnect = c.restartSession
	ec.RecreateTransport = c.restartSession
	if _, rerr := c.handler.HandleSync(ctx, err, ec); rerr != nil && ctx.Err() == nil {
		log.Errorf("CALL [%s]: could not restore the session: %v", ec.RoomID, rerr)
		c.transitionFrom(StatusReconnecting, StatusFailed)
	}
}

// signalingError reports background socket failures. While connecting,
// JoinCall reports the failure itself.
func (c *Client) signalingError(err error) {
	if st := c.Status(); !st.InCall() || st == StatusConnecting {
		return
	}
	ec := c.errContext("signaling")
	if errors.Is(err, signaling.ErrReconnectFailed) {
		c.transition(StatusFailed)
		ce := callerr.New(callerr.ConnectionFailed, err.Error(), err, ec)
		ce.Recoverable, ce.Retryable = false, false
		c.handler.Handle(c.sessionContext(), ce, ec)
		return
	}
	c.handler.Handle(c.sessionContext(), err, ec)
}
