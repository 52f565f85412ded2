// Package proto defines the JSON signaling protocol spoken with the SFU.
//
// Client→server requests are flat objects carrying "type" and "reqId" next to
// the request's own fields. Responses echo "reqId" and either carry the result
// fields or an "error" string. Anything else the server sends is a
// notification, identified by its "type".
package proto

import (
	"encoding/json"
	"fmt"
)

// Request types.
const (
	TypeJoinRoom         = "joinRoom"
	TypeCreateTransport  = "createWebRtcTransport"
	TypeConnectTransport = "connectWebRtcTransport"
	TypeProduce          = "produce"
	TypeConsume          = "consume"
	TypeSetProducerMuted = "setProducerMuted"
	TypeCloseProducer    = "closeProducer"
	TypeChat             = "chat"
)

// Transport directions.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// Request is implemented by every client→server message.
type Request interface {
	RequestType() string
}

// Envelope is the part of every inbound message needed to route it.
type Envelope struct {
	Type  string `json:"type,omitempty"`
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error,omitempty"`
}

// EncodeRequest flattens req into {type, reqId, ...fields}.
func EncodeRequest(reqID string, req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("proto: encode %s: %w", req.RequestType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("proto: %s payload is not an object: %w", req.RequestType(), err)
	}
	typ, _ := json.Marshal(req.RequestType())
	id, _ := json.Marshal(reqID)
	fields["type"] = typ
	fields["reqId"] = id
	return json.Marshal(fields)
}

// DecodeEnvelope extracts the routing fields of an inbound message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("proto: bad message: %w", err)
	}
	return env, nil
}

// ProducerInfo describes a remote producer already present in the room.
type ProducerInfo struct {
	ID          string `json:"id"`
	PeerID      string `json:"peerId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Source      string `json:"source,omitempty"`
}

type JoinRoomRequest struct {
	RoomID      string `json:"roomId"`
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
}

func (JoinRoomRequest) RequestType() string { return TypeJoinRoom }

type JoinRoomResponse struct {
	RTPCapabilities RtpCapabilities `json:"rtpCapabilities"`
	Producers       []ProducerInfo  `json:"producers"`
}

type CreateTransportRequest struct {
	Direction string `json:"direction"`
}

func (CreateTransportRequest) RequestType() string { return TypeCreateTransport }

// TransportInfo is the server side of a WebRTC transport.
type TransportInfo struct {
	ID             string         `json:"id"`
	ICEParameters  IceParameters  `json:"iceParameters"`
	ICECandidates  []IceCandidate `json:"iceCandidates"`
	DTLSParameters DtlsParameters `json:"dtlsParameters"`
}

type ConnectTransportRequest struct {
	Direction      string         `json:"direction"`
	TransportID    string         `json:"transportId,omitempty"`
	DTLSParameters DtlsParameters `json:"dtlsParameters"`
}

func (ConnectTransportRequest) RequestType() string { return TypeConnectTransport }

type ProduceRequest struct {
	Kind          string        `json:"kind"`
	RTPParameters RtpParameters `json:"rtpParameters"`
	Source        string        `json:"source"`
}

func (ProduceRequest) RequestType() string { return TypeProduce }

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

func (ConsumeRequest) RequestType() string { return TypeConsume }

type ConsumeResponse struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          string        `json:"kind"`
	RTPParameters RtpParameters `json:"rtpParameters"`
	PeerID        string        `json:"peerId"`
	DisplayName   string        `json:"displayName"`
	Source        string        `json:"source"`
}

type SetProducerMutedRequest struct {
	ProducerID string `json:"producerId"`
	Muted      bool   `json:"muted"`
}

func (SetProducerMutedRequest) RequestType() string { return TypeSetProducerMuted }

type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

func (CloseProducerRequest) RequestType() string { return TypeCloseProducer }

type ChatRequest struct {
	Message string `json:"message"`
}

func (ChatRequest) RequestType() string { return TypeChat }
