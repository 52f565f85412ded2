package signaling

import "errors"

// Request errors.
var (
	// ErrTimeout indicates no correlated response arrived in time.
	ErrTimeout = errors.New("request timeout")

	// ErrNotConnected indicates the socket is not open.
	ErrNotConnected = errors.New("signaling not connected: websocket closed")

	// ErrClosed indicates the client was disconnected on purpose while the request was pending.
	ErrClosed = errors.New("signaling closed: connection closed by client")
)

// Connection errors.
var (
	// ErrConnectionLost indicates the socket dropped while the request was pending.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnectFailed indicates every reconnection attempt failed.
	ErrReconnectFailed = errors.New("connection lost: reconnection attempts exhausted")

	// ErrTokenExpired indicates the bearer token expired before dialing.
	ErrTokenExpired = errors.New("token expired")
)

// ServerError is an error reply from the SFU. Error returns the server's
// message verbatim so it can be classified by content.
type ServerError struct {
	Request string
	Message string
}

func (e *ServerError) Error() string { return e.Message }
