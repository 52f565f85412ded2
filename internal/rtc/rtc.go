// Package rtc is the WebRTC boundary of a call: a device that negotiates
// codecs with the SFU router, and the send/receive transports with their
// producers and consumers.
package rtc

import (
	"context"
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/confcall/internal/proto"
)

// ICEServer is one STUN/TURN server.
type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

// Config is the WebRTC configuration of a session.
type Config struct {
	ICEServers []ICEServer `json:"iceServers" mapstructure:"ice_servers"`
}

type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

var (
	ErrNotLoaded       = errors.New("rtc device not loaded: rtp capabilities missing")
	ErrTransportClosed = errors.New("transport closed")
	ErrCannotProduce   = errors.New("producer: kind not supported by router capabilities")
	ErrWrongDirection  = errors.New("transport: operation not allowed in this direction")
)

// LocalTrack is what a producer sends. Implementations handed to the pion
// device must also satisfy webrtc.TrackLocal.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// RemoteTrack is the media a consumer receives.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// TransportHandler bridges transport negotiation to signaling. Each callback
// maps to exactly one request and returns its outcome.
type TransportHandler struct {
	// Connect delivers the local DTLS parameters (connectWebRtcTransport).
	Connect func(ctx context.Context, dtls proto.DtlsParameters) error
	// Produce announces a new sender and returns the server producer id.
	// Send transports only.
	Produce func(ctx context.Context, kind string, params proto.RtpParameters, source string) (string, error)
	// StateChange observes the transport connection state. Optional.
	StateChange func(ConnectionState)
}

type TransportOptions struct {
	Info    proto.TransportInfo
	Handler TransportHandler
}

// CodecOptions tune the first codec of a producer.
type CodecOptions struct {
	OpusStereo              bool
	OpusDtx                 bool
	VideoGoogleStartBitrate int
}

type ProducerOptions struct {
	Track        LocalTrack
	Source       string
	Encodings    []proto.RtpEncodingParameters
	CodecOptions CodecOptions
}

type ConsumerOptions struct {
	ID            string
	ProducerID    string
	Kind          string
	RTPParameters proto.RtpParameters
}

// Device negotiates capabilities and creates transports.
type Device interface {
	// Load installs the router capabilities. It may be called again to
	// replace them; existing transports keep what they were built with.
	Load(ctx context.Context, routerCaps proto.RtpCapabilities) error
	Loaded() bool
	// RTPCapabilities returns the subset of the router capabilities this
	// device can receive.
	RTPCapabilities() proto.RtpCapabilities
	CanProduce(kind string) bool
	CreateSendTransport(opts TransportOptions) (Transport, error)
	CreateRecvTransport(opts TransportOptions) (Transport, error)
}

type Transport interface {
	ID() string
	Direction() string
	ConnectionState() ConnectionState
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	// Close closes the transport and fires transport-close on every
	// producer and consumer it still owns. Idempotent.
	Close() error
	Closed() bool
}

type Producer interface {
	ID() string
	Kind() string
	Source() string
	Track() LocalTrack
	Paused() bool
	Pause() error
	Resume() error
	ReplaceTrack(t LocalTrack) error
	Close() error
	Closed() bool
	// OnTransportClose runs fn once when the owning transport closes.
	OnTransportClose(fn func())
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	Track() RemoteTrack
	RTPParameters() proto.RtpParameters
	Paused() bool
	Pause()
	Resume()
	RequestKeyFrame() error
	Close() error
	Closed() bool
	OnTransportClose(fn func())
}
