// Package callerr classifies failures from every layer of a call into a
// closed taxonomy and drives bounded, backed-off recovery through callbacks
// supplied by the component that owns the failed resource.
package callerr

import (
	"context"
	"fmt"
	"time"
)

// Type is the classified category of a call failure.
type Type string

const (
	ConnectionFailed Type = "CONNECTION_FAILED"
	ConnectionLost   Type = "CONNECTION_LOST"
	WebSocketError   Type = "WEBSOCKET_ERROR"

	MediaPermissionDenied Type = "MEDIA_PERMISSION_DENIED"
	MediaDeviceNotFound   Type = "MEDIA_DEVICE_NOT_FOUND"
	MediaStreamError      Type = "MEDIA_STREAM_ERROR"
	ScreenShareError      Type = "SCREEN_SHARE_ERROR"

	TransportError       Type = "TRANSPORT_ERROR"
	ProducerError        Type = "PRODUCER_ERROR"
	ConsumerError        Type = "CONSUMER_ERROR"
	RTPCapabilitiesError Type = "RTP_CAPABILITIES_ERROR"

	RoomNotFound             Type = "ROOM_NOT_FOUND"
	RoomFull                 Type = "ROOM_FULL"
	ParticipantLimitExceeded Type = "PARTICIPANT_LIMIT_EXCEEDED"

	Unauthorized Type = "UNAUTHORIZED"
	TokenExpired Type = "TOKEN_EXPIRED"

	NetworkError Type = "NETWORK_ERROR"
	TimeoutError Type = "TIMEOUT_ERROR"

	UnknownError Type = "UNKNOWN_ERROR"
)

type policy struct {
	recoverable bool
	retryable   bool
}

var policies = map[Type]policy{
	ConnectionFailed: {true, true},
	ConnectionLost:   {true, true},
	WebSocketError:   {true, true},

	MediaPermissionDenied: {false, false},
	MediaDeviceNotFound:   {true, false},
	MediaStreamError:      {true, false},
	ScreenShareError:      {true, false},

	TransportError:       {true, true},
	ProducerError:        {true, true},
	ConsumerError:        {true, true},
	RTPCapabilitiesError: {false, false},

	RoomNotFound:             {false, false},
	RoomFull:                 {false, false},
	ParticipantLimitExceeded: {false, false},

	Unauthorized: {false, false},
	TokenExpired: {false, false},

	NetworkError: {true, true},
	TimeoutError: {true, true},

	UnknownError: {true, false},
}

// Recoverable reports the fixed recoverable default for t.
func (t Type) Recoverable() bool { return policies[t].recoverable }

// Retryable reports the fixed retryable default for t.
func (t Type) Retryable() bool { return policies[t].retryable }

// Connection reports whether t belongs to the connection category.
func (t Type) Connection() bool {
	switch t {
	case ConnectionFailed, ConnectionLost, WebSocketError:
		return true
	}
	return false
}

// RecoveryFunc re-establishes whatever a failure broke.
type RecoveryFunc func(ctx context.Context) error

// Context describes where a failure happened and how to repair it. The
// recovery callbacks are supplied by the component that owns the resource;
// nil callbacks mean that kind of recovery is unavailable.
type Context struct {
	RoomID     string
	PeerID     string
	Source     string
	ProducerID string
	ConsumerID string
	Operation  string

	Reconnect         RecoveryFunc
	RecreateTransport RecoveryFunc
	RecreateProducer  RecoveryFunc
	RecreateConsumer  RecoveryFunc
	ReinitializeMedia RecoveryFunc
}

// CallError is a classified failure. It is never mutated after creation.
type CallError struct {
	Type        Type
	Message     string
	Cause       error
	Context     Context
	Timestamp   time.Time
	Recoverable bool
	Retryable   bool
}

func (e *CallError) Error() string {
	if e.Context.Operation != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Context.Operation)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *CallError) Unwrap() error { return e.Cause }

// New builds a CallError of type t with its category defaults.
func New(t Type, message string, cause error, c Context) *CallError {
	return &CallError{
		Type:        t,
		Message:     message,
		Cause:       cause,
		Context:     c,
		Timestamp:   time.Now(),
		Recoverable: t.Recoverable(),
		Retryable:   t.Retryable(),
	}
}

// recovery picks the callback for t out of c.
func (c Context) recovery(t Type) RecoveryFunc {
	switch t {
	case ConnectionFailed, ConnectionLost, WebSocketError, NetworkError, TimeoutError:
		return c.Reconnect
	case TransportError:
		return c.RecreateTransport
	case ProducerError:
		return c.RecreateProducer
	case ConsumerError:
		return c.RecreateConsumer
	case MediaDeviceNotFound, MediaStreamError:
		return c.ReinitializeMedia
	}
	return nil
}

// key is the recovery bookkeeping key: {type}_{roomId|global}.
func key(t Type, roomID string) string {
	if roomID == "" {
		roomID = "global"
	}
	return string(t) + "_" + roomID
}

// Key is the recovery key e is counted under.
func (e *CallError) Key() string { return key(e.Type, e.Context.RoomID) }
