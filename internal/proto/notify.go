package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Notification types.
const (
	NotifyNewProducer    = "newProducer"
	NotifyProducerClosed = "producerClosed"
	NotifyAudioLevel     = "audioLevel"
	NotifyPeerJoined     = "peerJoined"
	NotifyPeerLeft       = "peerLeft"
	NotifyProducerMuted  = "producerMuted"
	NotifyChat           = "chat"
)

// ErrUnknownNotification is returned for a message type this client does not handle.
var ErrUnknownNotification = errors.New("unknown notification type")

// Notification is one server→client message. The concrete type identifies
// the variant; Method returns the wire name.
type Notification interface {
	Method() string
}

type NewProducer struct {
	ID          string `json:"id"`
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Source      string `json:"source,omitempty"`
}

func (NewProducer) Method() string { return NotifyNewProducer }

type ProducerClosed struct {
	ProducerID string `json:"producerId"`
}

func (ProducerClosed) Method() string { return NotifyProducerClosed }

type AudioLevel struct {
	PeerID string  `json:"peerId"`
	Volume float64 `json:"volume"`
}

func (AudioLevel) Method() string { return NotifyAudioLevel }

type PeerJoined struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
}

func (PeerJoined) Method() string { return NotifyPeerJoined }

type PeerLeft struct {
	PeerID string `json:"peerId"`
}

func (PeerLeft) Method() string { return NotifyPeerLeft }

type ProducerMuted struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
	Muted      bool   `json:"muted"`
}

func (ProducerMuted) Method() string { return NotifyProducerMuted }

type Chat struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

func (Chat) Method() string { return NotifyChat }

// DecodeNotification parses data into the variant named by its "type" field.
// Required identifiers are checked so callers never see a half-filled variant.
func DecodeNotification(data []byte) (Notification, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	var n Notification
	switch env.Type {
	case NotifyNewProducer:
		var v NewProducer
		if err := decodeInto(data, &v); err != nil {
			return nil, err
		}
		if v.ID == "" {
			return nil, fmt.Errorf("proto: %s without id", env.Type)
		}
		n = v
	case NotifyProducerClosed:
		var v ProducerClosed
		if err := decodeInto(data, &v); err != nil {
			return nil, err
		}
		if v.ProducerID == "" {
			return nil, fmt.Errorf("proto: %s without producerId", env.Type)
		}
		n = v
	case NotifyAudioLevel:
		var v AudioLevel
		if err := decodeInto(data, &v); err != nil {
			return nil, err
		}
		if v.PeerID == "" {
			return nil, fmt.Errorf("proto: %s without peerId", env.Type)
		}
		n = v
	case NotifyPeerJoined:
		var v PeerJoined
		if err := decodeInto(data, &v); err != nil {
			return nil, err
		}
		if v.PeerID == "" {
			return nil, fmt.Errorf("proto: %s without peerId", env.Type)
		}
		n = v
	case NotifyPeerLeft:
		var v PeerLeft
		if err := decodeInto(data, &v); err != nil {
			return nil, err
		}
		if v.PeerID == "" {
			return nil, fmt.Errorf("proto: %s without peerId", env.Type)
		}
		n = v
	case NotifyProducerMuted:
		var v ProducerMuted
		if err := decodeInto(data, &v); err != nil {
			return nil, err
		}
		if v.ProducerID == "" {
			return nil, fmt.Errorf("proto: %s without producerId", env.Type)
		}
		n = v
	case NotifyChat:
		var v Chat
		if err := decodeInto(data, &v); err != nil {
			return nil, err
		}
		n = v
	default:
		return nil, fmt.Errorf("proto: %w %q", ErrUnknownNotification, env.Type)
	}
	return n, nil
}

func decodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("proto: decode notification: %w", err)
	}
	return nil
}
