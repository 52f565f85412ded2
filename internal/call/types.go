package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/confcall/internal/callerr"
	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/peers"
	"github.com/petervdpas/confcall/internal/rtc"
	"github.com/petervdpas/confcall/internal/sfu"
	"github.com/petervdpas/confcall/internal/signaling"
)

// Signaler is the signaling channel a call runs over, including the
// connection lifecycle events. *signaling.Client satisfies it.
type Signaler interface {
	sfu.Signaler
	OnConnected(fn func(signaling.Connected)) func()
	OnDisconnected(fn func(signaling.Disconnected)) func()
	OnReconnecting(fn func(attempt int)) func()
	OnError(fn func(error)) func()
}

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

var transitions = map[Status][]Status{
	StatusIdle:         {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusFailed, StatusDisconnected},
	StatusConnected:    {StatusReconnecting, StatusDisconnected, StatusFailed},
	StatusReconnecting: {StatusConnected, StatusFailed, StatusDisconnected},
	StatusDisconnected: {StatusConnecting},
	StatusFailed:       {StatusConnecting, StatusDisconnected},
}

// CanTransition reports whether the status machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// InCall is true while a session exists or is being set up.
func (s Status) InCall() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		return true
	}
	return false
}

var (
	ErrAlreadyInCall = errors.New("already in a call")
	ErrNotInCall     = errors.New("not in a call")
	ErrInvalidConfig = errors.New("invalid call config")
	// ErrParticipantLimit carries the "participant limit" wording the
	// classifier keys on.
	ErrParticipantLimit = errors.New("participant limit exceeded")
)

// Config describes the call to join.
type Config struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	// UserID is the local peer id; a random one is picked when empty.
	UserID string `json:"userId,omitempty"`

	Audio bool `json:"audio"`
	Video bool `json:"video"`

	// MaxParticipants caps the room size including the local peer. Zero
	// means no limit.
	MaxParticipants int `json:"maxParticipants,omitempty"`

	WebRTC rtc.Config `json:"webrtc"`

	// Media overrides the capture constraints. Its Audio and Video fields
	// are ignored in favour of the ones above; the zero value selects
	// media.DefaultStreamOptions.
	Media media.StreamOptions `json:"media"`
}

func (c Config) Validate() error {
	switch {
	case c.RoomID == "":
		return fmt.Errorf("%w: room id is required", ErrInvalidConfig)
	case c.DisplayName == "":
		return fmt.Errorf("%w: display name is required", ErrInvalidConfig)
	case c.MaxParticipants < 0:
		return fmt.Errorf("%w: max participants must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) streamOptions(audio, video bool) media.StreamOptions {
	opts := c.Media
	if opts == (media.StreamOptions{}) {
		opts = media.DefaultStreamOptions()
	}
	opts.Audio = audio
	opts.Video = video
	return opts
}

// LocalMedia is one local media kind of the self participant.
type LocalMedia struct {
	Enabled    bool              `json:"enabled"`
	ProducerID string            `json:"producerId,omitempty"`
	Track      *media.LocalTrack `json:"-"`
}

// Self is the local participant.
type Self struct {
	peers.Member
	Audio  LocalMedia `json:"audio"`
	Video  LocalMedia `json:"video"`
	Screen LocalMedia `json:"screen"`
}

// State is a point-in-time snapshot of the call. Nothing in it aliases the
// client's own data.
type State struct {
	Status            Status                       `json:"status"`
	RoomID            string                       `json:"roomId,omitempty"`
	Self              *Self                        `json:"self,omitempty"`
	Participants      map[string]peers.Participant `json:"participants"`
	DominantSpeaker   string                       `json:"dominantSpeaker,omitempty"`
	PinnedParticipant string                       `json:"pinnedParticipant,omitempty"`
	Permissions       media.Permissions            `json:"permissions"`
	LastError         *callerr.CallError           `json:"-"`
}

type ChatMessage struct {
	PeerID      string    `json:"peerId"`
	DisplayName string    `json:"displayName"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	// Local is set on the echo of a message this client sent.
	Local bool `json:"local,omitempty"`
}
