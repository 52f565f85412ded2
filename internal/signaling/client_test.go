package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/confcall/internal/proto"
)

// fakeSFU is a websocket server that hands every decoded request to handle.
type fakeSFU struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	onOpen func(conn *websocket.Conn)
	handle func(conn *websocket.Conn, msg map[string]any)

	mu     sync.Mutex
	conns  []*websocket.Conn
	header http.Header
}

func newFakeSFU(t *testing.T) *fakeSFU {
	f := &fakeSFU{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.header = r.Header.Clone()
		f.mu.Unlock()

		if f.onOpen != nil {
			f.onOpen(conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if f.handle != nil {
				f.handle(conn, msg)
			}
		}
	}))
	t.Cleanup(func() {
		f.srv.Close()
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close()
		}
		f.mu.Unlock()
	})
	return f
}

func (f *fakeSFU) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeSFU) conn(i int) *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

func (f *fakeSFU) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func reply(conn *websocket.Conn, fields map[string]any) {
	data, _ := json.Marshal(fields)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func newTestClient(t *testing.T, url string, mutate func(*Options)) *Client {
	opts := Options{
		URL:                url,
		RequestTimeout:     time.Second,
		PingPeriod:         -1,
		ReconnectBaseDelay: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestRequestResolves(t *testing.T) {
	sfu := newFakeSFU(t)
	sfu.handle = func(conn *websocket.Conn, msg map[string]any) {
		assert.Equal(t, proto.TypeCreateTransport, msg["type"])
		assert.Equal(t, "send", msg["direction"])
		reply(conn, map[string]any{"reqId": msg["reqId"], "id": "t-1"})
	}

	c := newTestClient(t, sfu.url(), nil)
	require.NoError(t, c.Connect(context.Background()))

	var info proto.TransportInfo
	err := c.Request(context.Background(), proto.CreateTransportRequest{Direction: proto.DirectionSend}, &info)
	require.NoError(t, err)
	assert.Equal(t, "t-1", info.ID)
	assert.Equal(t, 0, c.PendingCount())
}

func TestRequestServerError(t *testing.T) {
	sfu := newFakeSFU(t)
	sfu.handle = func(conn *websocket.Conn, msg map[string]any) {
		reply(conn, map[string]any{"reqId": msg["reqId"], "error": "room not found"})
	}

	c := newTestClient(t, sfu.url(), nil)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Request(context.Background(), proto.JoinRoomRequest{RoomID: "r"}, nil)
	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "room not found", se.Error())
	assert.Equal(t, proto.TypeJoinRoom, se.Request)
	assert.Equal(t, 0, c.PendingCount())
}

func TestRequestTimeoutFreesSlot(t *testing.T) {
	sfu := newFakeSFU(t)

	c := newTestClient(t, sfu.url(), func(o *Options) { o.RequestTimeout = 50 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	err := c.Request(context.Background(), proto.ChatRequest{Message: "hello?"}, nil)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.PendingCount())
}

func TestRequestContextCancel(t *testing.T) {
	sfu := newFakeSFU(t)

	c := newTestClient(t, sfu.url(), nil)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Request(ctx, proto.ChatRequest{Message: "x"}, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, c.PendingCount())
}

func TestRequestNotConnected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1"})
	err := c.Request(context.Background(), proto.ChatRequest{Message: "x"}, nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestResponsesResolveInArrivalOrder(t *testing.T) {
	sfu := newFakeSFU(t)
	var held []map[string]any
	sfu.handle = func(conn *websocket.Conn, msg map[string]any) {
		held = append(held, msg)
		if len(held) < 2 {
			return
		}
		// Answer the second request first.
		reply(conn, map[string]any{"reqId": held[1]["reqId"], "id": "second"})
		reply(conn, map[string]any{"reqId": held[0]["reqId"], "id": "first"})
	}

	c := newTestClient(t, sfu.url(), nil)
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan string, 2)
	var wg sync.WaitGroup
	send := func(src string) {
		defer wg.Done()
		var resp proto.ProduceResponse
		if assert.NoError(t, c.Request(context.Background(), proto.ProduceRequest{Kind: "audio", Source: src}, &resp)) {
			got <- src + "=" + resp.ID
		}
	}
	wg.Add(1)
	go send("mic")
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	wg.Add(1)
	go send("webcam")
	wg.Wait()
	close(got)

	var results []string
	for r := range got {
		results = append(results, r)
	}
	assert.ElementsMatch(t, []string{"mic=first", "webcam=second"}, results)
	assert.Equal(t, 0, c.PendingCount())
}

func TestNotificationsDeliveredInOrder(t *testing.T) {
	sfu := newFakeSFU(t)
	sfu.onOpen = func(conn *websocket.Conn) {
		reply(conn, map[string]any{"type": "peerJoined", "peerId": "p1", "displayName": "Ann"})
		reply(conn, map[string]any{"type": "mystery"})
		reply(conn, map[string]any{"type": "newProducer", "id": "pr1", "peerId": "p1", "kind": "audio"})
		reply(conn, map[string]any{"type": "audioLevel", "reqId": "stale", "peerId": "p1", "volume": 0.5})
		reply(conn, map[string]any{"type": "producerClosed", "producerId": "pr1"})
	}

	c := newTestClient(t, sfu.url(), nil)
	got := make(chan proto.Notification, 8)
	c.OnNotification(func(n proto.Notification) { got <- n })
	require.NoError(t, c.Connect(context.Background()))

	var methods []string
	for i := 0; i < 4; i++ {
		select {
		case n := <-got:
			methods = append(methods, n.Method())
		case <-time.After(time.Second):
			t.Fatalf("only received %v", methods)
		}
	}
	assert.Equal(t, []string{"peerJoined", "newProducer", "audioLevel", "producerClosed"}, methods)
}

func TestNotificationHandlerMayRequest(t *testing.T) {
	sfu := newFakeSFU(t)
	sfu.onOpen = func(conn *websocket.Conn) {
		reply(conn, map[string]any{"type": "newProducer", "id": "pr1", "peerId": "p1"})
	}
	sfu.handle = func(conn *websocket.Conn, msg map[string]any) {
		reply(conn, map[string]any{"reqId": msg["reqId"], "id": "c1", "producerId": msg["producerId"]})
	}

	c := newTestClient(t, sfu.url(), nil)
	consumed := make(chan string, 1)
	c.OnNotification(func(n proto.Notification) {
		np, ok := n.(proto.NewProducer)
		if !ok {
			return
		}
		var resp proto.ConsumeResponse
		if err := c.Request(context.Background(), proto.ConsumeRequest{ProducerID: np.ID}, &resp); err == nil {
			consumed <- resp.ID
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	select {
	case id := <-consumed:
		assert.Equal(t, "c1", id)
	case <-time.After(time.Second):
		t.Fatal("consume from notification handler never resolved")
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	sfu := newFakeSFU(t)

	c := newTestClient(t, sfu.url(), nil)
	require.NoError(t, c.Connect(context.Background()))

	var disconnects int
	var mu sync.Mutex
	c.OnDisconnected(func(d Disconnected) {
		mu.Lock()
		disconnects++
		mu.Unlock()
		assert.NoError(t, d.Err)
	})

	errc := make(chan error, 1)
	go func() {
		errc <- c.Request(context.Background(), proto.ChatRequest{Message: "x"}, nil)
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("pending request was not rejected")
	}
	assert.Equal(t, 0, c.PendingCount())
	assert.False(t, c.Connected())

	require.NoError(t, c.Disconnect())
	mu.Lock()
	assert.Equal(t, 1, disconnects)
	mu.Unlock()

	// Poisoned: the server side never sees a second connection.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sfu.connCount())
}

func TestReconnectAfterServerClose(t *testing.T) {
	sfu := newFakeSFU(t)

	c := newTestClient(t, sfu.url(), nil)
	reconnected := make(chan struct{}, 1)
	var attempts []int
	var mu sync.Mutex
	c.OnReconnecting(func(n int) {
		mu.Lock()
		attempts = append(attempts, n)
		mu.Unlock()
	})
	c.OnConnected(func(ev Connected) {
		if ev.Reconnected {
			reconnected <- struct{}{}
		}
	})
	lost := make(chan error, 1)
	c.OnDisconnected(func(d Disconnected) { lost <- d.Err })

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return sfu.conn(0) != nil }, time.Second, 5*time.Millisecond)
	sfu.conn(0).Close()

	select {
	case err := <-lost:
		assert.True(t, errors.Is(err, ErrConnectionLost))
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	assert.True(t, c.Connected())
	assert.Equal(t, 2, sfu.connCount())
	mu.Lock()
	assert.Equal(t, []int{1}, attempts)
	mu.Unlock()
}

func TestConnectDuringBackoffStopsReconnectLoop(t *testing.T) {
	sfu := newFakeSFU(t)

	c := newTestClient(t, sfu.url(), func(o *Options) {
		o.ReconnectBaseDelay = 150 * time.Millisecond
	})
	retrying := make(chan struct{}, 1)
	c.OnReconnecting(func(int) { retrying <- struct{}{} })
	var mu sync.Mutex
	left := 0
	c.OnNotification(func(n proto.Notification) {
		if _, ok := n.(proto.PeerLeft); ok {
			mu.Lock()
			left++
			mu.Unlock()
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return sfu.conn(0) != nil }, time.Second, 5*time.Millisecond)
	sfu.conn(0).Close()

	select {
	case <-retrying:
	case <-time.After(time.Second):
		t.Fatal("reconnect loop did not start")
	}
	require.NoError(t, c.Connect(context.Background()))

	// Let the superseded loop's backoff run out.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 2, sfu.connCount(), "only the explicit Connect opens a socket")
	assert.True(t, c.Connected())

	sfu.mu.Lock()
	for _, conn := range sfu.conns[1:] {
		reply(conn, map[string]any{"type": "peerLeft", "peerId": "p1"})
	}
	sfu.mu.Unlock()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return left >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, left, "a single read loop is live")
	mu.Unlock()
}

func TestConnectErrorIsNotRepublished(t *testing.T) {
	sfu := newFakeSFU(t)
	url := sfu.url()
	sfu.srv.Close()

	c := New(Options{URL: url})
	var published []error
	c.OnError(func(err error) { published = append(published, err) })
	require.Error(t, c.Connect(context.Background()))
	assert.Empty(t, published)
}

func TestReconnectGivesUpAfterCap(t *testing.T) {
	sfu := newFakeSFU(t)

	c := newTestClient(t, sfu.url(), func(o *Options) {
		o.MaxReconnectAttempts = 2
		o.ReconnectBaseDelay = 5 * time.Millisecond
	})
	failed := make(chan error, 1)
	c.OnError(func(err error) { failed <- err })
	var attempts []int
	var mu sync.Mutex
	c.OnReconnecting(func(n int) {
		mu.Lock()
		attempts = append(attempts, n)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return sfu.conn(0) != nil }, time.Second, 5*time.Millisecond)

	// Stop accepting before dropping the live socket so every redial fails.
	sfu.srv.Close()
	sfu.conn(0).Close()

	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, ErrReconnectFailed))
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect loop never gave up")
	}
	assert.False(t, c.Connected())
	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()
}

func TestConnectFailure(t *testing.T) {
	sfu := newFakeSFU(t)
	url := sfu.url()
	sfu.srv.Close()

	c := New(Options{URL: url})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection failed")
	assert.False(t, c.Connected())
}

func TestConnectSendsBearerToken(t *testing.T) {
	sfu := newFakeSFU(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	c := newTestClient(t, sfu.url(), func(o *Options) { o.Token = token })
	require.NoError(t, c.Connect(context.Background()))

	sfu.mu.Lock()
	defer sfu.mu.Unlock()
	assert.Equal(t, "Bearer "+token, sfu.header.Get("Authorization"))
}

func TestConnectRejectsExpiredToken(t *testing.T) {
	sfu := newFakeSFU(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	c := newTestClient(t, sfu.url(), func(o *Options) { o.Token = token })
	err = c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrTokenExpired))
	assert.Equal(t, 0, sfu.connCount())
}

func TestCheckToken(t *testing.T) {
	now := time.Now()
	assert.NoError(t, checkToken("", now))
	assert.NoError(t, checkToken("opaque-session-token", now))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.NoError(t, checkToken(noExp, now))
}
