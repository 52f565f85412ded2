// Package signaling turns a websocket to the SFU into request/response RPC
// plus an ordered notification stream, and reconnects when the socket drops.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/confcall/internal/events"
	"github.com/petervdpas/confcall/internal/proto"
)

var log = logging.Logger("signaling")

const (
	// DefaultRequestTimeout bounds how long a request waits for its response.
	DefaultRequestTimeout = 10 * time.Second

	DefaultPingPeriod           = 20 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = time.Second

	writeTimeout = 5 * time.Second
	dialTimeout  = 10 * time.Second
)

// Options configures a Client. Zero durations and counts select the defaults;
// a negative PingPeriod disables keepalive pings.
type Options struct {
	URL    string
	Token  string
	Header http.Header

	RequestTimeout       time.Duration
	PingPeriod           time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration

	Dialer *websocket.Dialer
}

// Connected is emitted whenever the socket opens.
type Connected struct {
	Reconnected bool
}

// Disconnected is emitted whenever the socket closes. Err is nil for an
// explicit Disconnect.
type Disconnected struct {
	Err error
}

type result struct {
	data []byte
	err  error
}

// Client owns one persistent socket to the SFU.
type Client struct {
	opts Options

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool // explicit Disconnect; poisons reconnection
	attempts int
	stop     chan struct{}

	queue        *notifyQueue
	dispatchDone chan struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan result

	connected    events.Registry[Connected]
	disconnected events.Registry[Disconnected]
	reconnecting events.Registry[int]
	errs         events.Registry[error]
	notify       events.Registry[proto.Notification]
}

// New creates a Client. Nothing is dialed until Connect.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.PingPeriod == 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	return &Client{
		opts:    opts,
		pending: make(map[string]chan result),
	}
}

func (c *Client) OnConnected(fn func(Connected)) func()       { return c.connected.Add(fn) }
func (c *Client) OnDisconnected(fn func(Disconnected)) func() { return c.disconnected.Add(fn) }

// OnReconnecting fires before each reconnection attempt with its 1-based number.
func (c *Client) OnReconnecting(fn func(attempt int)) func() { return c.reconnecting.Add(fn) }

// OnError reports background failures. Errors Connect returns are not
// repeated here.
func (c *Client) OnError(fn func(error)) func() { return c.errs.Add(fn) }

// OnNotification registers a listener for server notifications. Listeners
// run on one dispatcher goroutine, in arrival order, and may issue Requests.
func (c *Client) OnNotification(fn func(proto.Notification)) func() { return c.notify.Add(fn) }

// Connect opens the socket and returns once it is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.stop != nil && !c.closed {
		// Supersede a reconnect loop still backing off or dialing.
		close(c.stop)
	}
	c.closed = false
	c.attempts = 0
	c.stop = make(chan struct{})
	if c.queue == nil {
		c.queue = newNotifyQueue()
		c.dispatchDone = make(chan struct{})
		go c.queue.run(c.dispatchDone, c.notify.Emit)
	}
	c.mu.Unlock()

	if err := checkToken(c.opts.Token, time.Now()); err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		// A concurrent Connect won.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.start(conn)
	log.Infof("SIGNALING: connected to %s", c.opts.URL)
	c.connected.Emit(Connected{})
	return nil
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the socket, stops reconnection and rejects every pending
// request. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.attempts = c.opts.MaxReconnectAttempts + 1
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
	}
	if c.dispatchDone != nil {
		close(c.dispatchDone)
		c.dispatchDone = nil
		c.queue = nil
	}
	c.mu.Unlock()

	c.rejectAll(ErrClosed)

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	log.Infof("SIGNALING: disconnected from %s", c.opts.URL)
	c.disconnected.Emit(Disconnected{})
	return err
}

// Request sends req and waits for its correlated response, decoding the
// result into out when out is non-nil. The pending entry is removed whether
// the request resolves, fails, or times out.
func (c *Client) Request(ctx context.Context, req proto.Request, out any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: %s: %w", req.RequestType(), ErrNotConnected)
	}

	reqID := uuid.NewString()
	data, err := proto.EncodeRequest(reqID, req)
	if err != nil {
		return err
	}

	ch := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()
	defer c.forget(reqID)

	if err := c.write(conn, data); err != nil {
		return fmt.Errorf("signaling: send %s: websocket write failed: %w", req.RequestType(), err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			if se, ok := res.err.(*ServerError); ok {
				se.Request = req.RequestType()
				return se
			}
			return fmt.Errorf("signaling: %s: %w", req.RequestType(), res.err)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(res.data, out); err != nil {
			return fmt.Errorf("signaling: decode %s response: %w", req.RequestType(), err)
		}
		return nil
	case <-timer.C:
		log.Warnf("SIGNALING: %s (%s) got no response within %s", req.RequestType(), reqID[:8], c.opts.RequestTimeout)
		return fmt.Errorf("signaling: %s: %w", req.RequestType(), ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("signaling: %s: %w", req.RequestType(), ctx.Err())
	}
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range c.opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("signaling: websocket connection failed: unauthorized (%s)", resp.Status)
		}
		return nil, fmt.Errorf("signaling: websocket connection failed: %w", err)
	}
	return conn, nil
}

func (c *Client) start(conn *websocket.Conn) {
	done := make(chan struct{})
	if c.opts.PingPeriod > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingPeriod))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingPeriod))
		})
		go c.pingLoop(conn, done)
	}
	go c.readLoop(conn, done)
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Debugf("SIGNALING: ping failed: %v", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		close(done)
		c.handleClose(conn, readErr)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		log.Warnf("SIGNALING: dropping unreadable message: %v", err)
		return
	}

	if env.ReqID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ReqID]
		if ok {
			delete(c.pending, env.ReqID)
		}
		c.pendingMu.Unlock()
		if ok {
			if env.Error != "" {
				ch <- result{err: &ServerError{Message: env.Error}}
			} else {
				ch <- result{data: data}
			}
			return
		}
	}

	n, err := proto.DecodeNotification(data)
	if err != nil {
		log.Debugf("SIGNALING: ignoring message: %v", err)
		return
	}
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q != nil {
		q.push(n)
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Disconnect already took this socket down.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	stop := c.stop
	c.mu.Unlock()

	conn.Close()
	log.Warnf("SIGNALING: connection lost: %v", err)
	c.rejectAll(ErrConnectionLost)
	c.disconnected.Emit(Disconnected{Err: fmt.Errorf("%w: %v", ErrConnectionLost, err)})
	go c.reconnectLoop(stop)
}

// reconnectLoop retries with exponential backoff until it succeeds, the
// attempt cap is exceeded, Disconnect is called, or a Connect call takes over.
func (c *Client) reconnectLoop(stop chan struct{}) {
	for {
		c.mu.Lock()
		if c.superseded(stop) {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.opts.MaxReconnectAttempts {
			log.Errorf("SIGNALING: giving up after %d reconnection attempts", c.opts.MaxReconnectAttempts)
			c.errs.Emit(ErrReconnectFailed)
			return
		}

		delay := c.opts.ReconnectBaseDelay << (attempt - 1)
		log.Infof("SIGNALING: reconnecting (attempt %d/%d) in %s", attempt, c.opts.MaxReconnectAttempts, delay)
		c.reconnecting.Emit(attempt)

		select {
		case <-time.After(delay):
		case <-stop:
			return
		}

		c.mu.Lock()
		gone := c.superseded(stop)
		c.mu.Unlock()
		if gone {
			return
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			log.Warnf("SIGNALING: reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		c.mu.Lock()
		if c.superseded(stop) {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.attempts = 0
		c.mu.Unlock()

		c.start(conn)
		log.Infof("SIGNALING: reconnected to %s", c.opts.URL)
		c.connected.Emit(Connected{Reconnected: true})
		return
	}
}

// superseded reports whether the loop owning stop must give up: the client
// was closed, Connect replaced stop, or a socket is already open. c.mu held.
func (c *Client) superseded(stop chan struct{}) bool {
	return c.closed || c.stop != stop || c.conn != nil
}

func (c *Client) forget(reqID string) {
	c.pendingMu.Lock()
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
}

func (c *Client) rejectAll(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
}
