// Package call is the client-side call session: it joins a room through the
// SFU service, publishes local media, keeps the roster in step with the
// server and republishes everything as one observable State.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/confcall/internal/callerr"
	"github.com/petervdpas/confcall/internal/events"
	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/peers"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
	"github.com/petervdpas/confcall/internal/sfu"
)

var log = logging.Logger("call")

// Deps are the collaborators of a Client. Peers and Errors default to fresh
// instances when nil.
type Deps struct {
	Signaler Signaler
	Device   rtc.Device
	Media    *media.Manager
	Peers    *peers.Manager
	Errors   *callerr.Handler
}

// Client runs one call at a time. Every error it returns or publishes is a
// *callerr.CallError.
type Client struct {
	sig     Signaler
	device  rtc.Device
	media   *media.Manager
	peers   *peers.Manager
	handler *callerr.Handler
	sfu     *sfu.Service

	mu      sync.Mutex
	status  Status
	cfg     Config
	self    *Self
	lastErr *callerr.CallError
	ctx     context.Context
	cancel  context.CancelFunc

	audioDevice string
	videoDevice string

	stateEv events.Registry[State]
	errs    events.Registry[*callerr.CallError]
	chat    events.Registry[ChatMessage]

	restartMu sync.Mutex

	unsubs []func()
}

func New(d Deps) *Client {
	if d.Peers == nil {
		d.Peers = peers.NewManager(peers.Options{})
	}
	if d.Errors == nil {
		d.Errors = callerr.NewHandler(callerr.Options{})
	}
	c := &Client{
		sig:     d.Signaler,
		device:  d.Device,
		media:   d.Media,
		peers:   d.Peers,
		handler: d.Errors,
		sfu:     sfu.NewService(d.Signaler, d.Device, d.Media),
		status:  StatusIdle,
	}
	c.unsubs = []func(){
		c.handler.OnError(c.noteError),

		c.sig.OnNotification(c.handleNotification),
		c.sig.OnConnected(c.signalingConnected),
		c.sig.OnDisconnected(c.signalingDisconnected),
		c.sig.OnReconnecting(func(attempt int) {
			log.Infof("CALL [%s]: signaling reconnect attempt %d", c.roomID(), attempt)
		}),
		c.sig.OnError(c.signalingError),

		c.sfu.OnNewConsumer(c.consumerAdded),
		c.sfu.OnConsumerClosed(c.consumerRemoved),
		c.sfu.OnError(c.sfuError),

		c.media.OnStreamEnded(c.streamEnded),
		c.media.OnTrackReplaced(func(media.TrackReplaced) { c.syncSelf() }),

		c.peers.OnJoined(func(peers.Participant) { c.emitState() }),
		c.peers.OnLeft(func(peers.Participant) { c.emitState() }),
		c.peers.OnUpdated(func(peers.Participant) { c.emitState() }),
		c.peers.OnDominantSpeaker(func(string) { c.emitState() }),
		c.peers.OnPinned(func(string) { c.emitState() }),
	}
	return c
}

// OnStateChange registers fn for every state change.
func (c *Client) OnStateChange(fn func(State)) func() { return c.stateEv.Add(fn) }

// OnError registers fn for every classified error of the call.
func (c *Client) OnError(fn func(*callerr.CallError)) func() { return c.errs.Add(fn) }

func (c *Client) OnChat(fn func(ChatMessage)) func() { return c.chat.Add(fn) }

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// JoinCall connects to cfg.RoomID, consumes the producers already in the
// room and, when requested, publishes the microphone and camera. A local
// media failure is reported through OnError but does not fail the join.
func (c *Client) JoinCall(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return c.report(err, callerr.Context{RoomID: cfg.RoomID, Operation: "join"})
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	ectx := callerr.Context{RoomID: cfg.RoomID, PeerID: cfg.UserID, Operation: "join"}

	c.mu.Lock()
	if c.status.InCall() {
		c.mu.Unlock()
		return c.report(fmt.Errorf("join %s: %w", cfg.RoomID, ErrAlreadyInCall), ectx)
	}
	prev := c.status
	c.setStatusLocked(StatusConnecting)
	c.cfg = cfg
	now := time.Now()
	c.self = &Self{Member: peers.Member{ID: cfg.UserID, DisplayName: cfg.DisplayName, JoinedAt: now, LastActiveAt: now}}
	c.lastErr = nil
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()
	c.emitState()

	if prev == StatusFailed {
		// A failed session may still hold transports and the socket.
		_ = c.sfu.Disconnect()
	}
	c.handler.ResetAll()
	c.peers.Clear()
	c.peers.SetSelfID(cfg.UserID)
	if sc, ok := c.device.(interface{ SetConfig(rtc.Config) }); ok && len(cfg.WebRTC.ICEServers) > 0 {
		sc.SetConfig(cfg.WebRTC)
	}

	log.Infof("CALL [%s]: joining as %s (%s)", cfg.RoomID, cfg.UserID, cfg.DisplayName)
	existing, err := c.sfu.Connect(ctx, sfu.JoinConfig{
		RoomID:      cfg.RoomID,
		PeerID:      cfg.UserID,
		DisplayName: cfg.DisplayName,
	})
	if err != nil {
		c.transition(StatusFailed)
		return c.report(err, ectx)
	}

	if n := c.countParticipants(existing, cfg.UserID); cfg.MaxParticipants > 0 && n > cfg.MaxParticipants {
		_ = c.sfu.Disconnect()
		c.transition(StatusFailed)
		return c.report(fmt.Errorf("%w: %d participants, limit %d", ErrParticipantLimit, n, cfg.MaxParticipants), ectx)
	}

	if !c.transition(StatusConnected) {
		return c.report(fmt.Errorf("join %s: %w", cfg.RoomID, ErrNotInCall), ectx)
	}
	log.Infof("CALL [%s]: joined (%d remote producers)", cfg.RoomID, len(existing))

	if cfg.Audio || cfg.Video {
		c.enableLocalMedia(ctx, cfg)
	}
	return nil
}

// countParticipants counts the distinct peers in the room including self.
func (c *Client) countParticipants(existing []proto.ProducerInfo, selfID string) int {
	seen := map[string]bool{selfID: true}
	for _, p := range existing {
		if p.PeerID != "" {
			seen[p.PeerID] = true
		}
	}
	for id := range c.peers.Participants() {
		seen[id] = true
	}
	return len(seen)
}

// LeaveCall closes every producer and consumer, stops local media and
// disconnects. Leaving when not in a call is a no-op.
func (c *Client) LeaveCall(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusIdle || c.status == StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	room := c.cfg.RoomID
	cancel := c.cancel
	c.mu.Unlock()

	log.Infof("CALL [%s]: leaving", room)
	if cancel != nil {
		cancel()
	}
	err := c.sfu.Disconnect()
	c.peers.Clear()
	c.handler.ResetAll()

	c.mu.Lock()
	c.self = nil
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	c.emitState()

	if err != nil {
		return c.report(err, callerr.Context{RoomID: room, Operation: "leave"})
	}
	return nil
}

// Close leaves the call and detaches the client from its collaborators.
func (c *Client) Close() error {
	err := c.LeaveCall(context.Background())
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	return err
}

// SendChat posts message to the room and echoes it to OnChat listeners.
func (c *Client) SendChat(ctx context.Context, message string) error {
	if err := c.requireSession(); err != nil {
		return c.report(fmt.Errorf("chat: %w", err), c.errContext("chat"))
	}
	if err := c.sfu.SendChat(ctx, message); err != nil {
		return c.report(fmt.Errorf("chat: %w", err), c.errContext("chat"))
	}
	c.mu.Lock()
	msg := ChatMessage{Message: message, Timestamp: time.Now(), Local: true}
	if c.self != nil {
		msg.PeerID, msg.DisplayName = c.self.ID, c.self.DisplayName
	}
	c.mu.Unlock()
	c.chat.Emit(msg)
	return nil
}

func (c *Client) PinParticipant(id string) error {
	if err := c.peers.Pin(id); err != nil {
		return c.report(fmt.Errorf("pin %s: %w", id, err), c.errContext("pin"))
	}
	return nil
}

func (c *Client) UnpinParticipant() { c.peers.Unpin() }

// SortedParticipants returns the remote participants in display order.
func (c *Client) SortedParticipants() []peers.Participant { return c.peers.SortedParticipants() }

// GetState returns a snapshot of the call.
func (c *Client) GetState() State {
	c.mu.Lock()
	st := State{
		Status:    c.status,
		LastError: c.lastErr,
	}
	if c.status != StatusIdle && c.status != StatusDisconnected {
		st.RoomID = c.cfg.RoomID
	}
	if c.self != nil {
		self := *c.self
		st.Self = &self
	}
	c.mu.Unlock()

	st.Participants = c.peers.Participants()
	st.DominantSpeaker = c.peers.DominantSpeaker()
	st.PinnedParticipant = c.peers.Pinned()
	st.Permissions = c.media.Permissions()
	return st
}

func (c *Client) emitState() { c.stateEv.Emit(c.GetState()) }

// transition moves the status machine to to and publishes the new state.
// Disallowed transitions are logged and reported as false.
func (c *Client) transition(to Status) bool {
	c.mu.Lock()
	ok := c.setStatusLocked(to)
	c.mu.Unlock()
	if ok {
		c.emitState()
	}
	return ok
}

// transitionFrom is transition guarded on the current status.
func (c *Client) transitionFrom(from, to Status) bool {
	c.mu.Lock()
	ok := c.status == from && c.setStatusLocked(to)
	c.mu.Unlock()
	if ok {
		c.emitState()
	}
	return ok
}

func (c *Client) setStatusLocked(to Status) bool {
	if !c.status.CanTransition(to) {
		log.Warnf("CALL [%s]: rejected status change %s -> %s", c.cfg.RoomID, c.status, to)
		return false
	}
	log.Debugf("CALL [%s]: status %s -> %s", c.cfg.RoomID, c.status, to)
	c.status = to
	return true
}

func (c *Client) requireSession() error {
	switch c.Status() {
	case StatusConnected, StatusReconnecting:
		return nil
	}
	return ErrNotInCall
}

func (c *Client) roomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.RoomID
}

// sessionContext is cancelled when the current call is left.
func (c *Client) sessionContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Client) errContext(op string) callerr.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	ec := callerr.Context{RoomID: c.cfg.RoomID, Operation: op}
	if c.self != nil {
		ec.PeerID = c.self.ID
	}
	return ec
}

// report classifies err through the handler, which publishes it, and
// returns the classified error. Any recovery it starts ends with the
// current session.
func (c *Client) report(err error, ec callerr.Context) error {
	return c.handler.Handle(c.sessionContext(), err, ec)
}

func (c *Client) noteError(ce *callerr.CallError) {
	c.mu.Lock()
	c.lastErr = ce
	c.mu.Unlock()
	c.errs.Emit(ce)
	c.emitState()
}

// restartSession rebuilds transports, producers and consumers on the
// current signaling connection.
func (c *Client) restartSession(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.requireSession(); err != nil {
		return err
	}
	c.transitionFrom(StatusConnected, StatusReconnecting)
	err := c.sfu.Restart(ctx)
	if err != nil && c.sfu.Status() != sfu.StatusConnected {
		return err
	}
	c.transitionFrom(StatusReconnecting, StatusConnected)
	c.syncSelf()
	if err != nil {
		// The session is back; only some producers could not be restored.
		c.report(err, c.errContext("restore producers"))
	}
	return nil
}
