// Package sfu drives the WebRTC negotiation with the SFU: it joins a room,
// owns the send and receive transports, and keeps the producer and consumer
// maps of the session in step with the server.
package sfu

import (
	"context"
	"errors"

	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/proto"
	"github.com/petervdpas/confcall/internal/rtc"
)

// Signaler is the request/notification channel to the SFU.
// *signaling.Client satisfies it.
type Signaler interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Request(ctx context.Context, req proto.Request, out any) error
	OnNotification(fn func(proto.Notification)) func()
}

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// JoinConfig identifies the local peer in a room.
type JoinConfig struct {
	RoomID      string
	PeerID      string
	DisplayName string
}

var (
	ErrNotConnected     = errors.New("sfu: not connected")
	ErrAlreadyConnected = errors.New("sfu: already connected")
	ErrNoProducer       = errors.New("sfu: no producer for source")
	ErrNoConsumer       = errors.New("sfu: no consumer for producer")
	ErrTransportFailed  = errors.New("transport failed")
)

// Error carries the operation and the media it concerned.
type Error struct {
	Op         string
	Source     media.Source
	ProducerID string
	ConsumerID string
	Err        error
}

func (e *Error) Error() string { return "sfu: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// NewConsumer is emitted once a remote producer is being received.
type NewConsumer struct {
	ID          string
	ProducerID  string
	PeerID      string
	DisplayName string
	Kind        string
	Source      string
	Track       rtc.RemoteTrack
	// AudioLevelID is the negotiated ssrc-audio-level extension id, zero
	// when absent.
	AudioLevelID uint8
}

// ConsumerClosed is emitted exactly once per consumer.
type ConsumerClosed struct {
	ID         string
	ProducerID string
	PeerID     string
	Kind       string
	Source     string
	Reason     string
}

// ProducerState is a read-only view of one local producer.
type ProducerState struct {
	ID     string       `json:"id"`
	Source media.Source `json:"source"`
	Kind   string       `json:"kind"`
	Paused bool         `json:"paused"`
}

// ConsumerState is a read-only view of one consumer.
type ConsumerState struct {
	ID          string `json:"id"`
	ProducerID  string `json:"producerId"`
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Kind        string `json:"kind"`
	Source      string `json:"source"`
}

type producerEntry struct {
	producer rtc.Producer
	track    *media.LocalTrack
	source   media.Source
	unwatch  func()
}

// inflight marks a consume in progress. closed is set when producerClosed
// arrives before the consumer exists.
type inflight struct {
	gen    uint64
	closed bool
}

type consumerEntry struct {
	consumer rtc.Consumer
	info     proto.ConsumeResponse
}
