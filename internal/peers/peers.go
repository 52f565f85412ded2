// Package peers keeps the roster of remote participants in a call, tracks
// who is speaking, and orders the roster for display.
package peers

import (
	"errors"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/confcall/internal/events"
	"github.com/petervdpas/confcall/internal/rtc"
)

var log = logging.Logger("peers")

const (
	DefaultSpeakingThreshold = 0.1
	DefaultSilenceWindow     = 2 * time.Second
)

var ErrUnknownParticipant = errors.New("participant not found")

// Member is what local and remote participants share.
type Member struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	LastSpokeAt  time.Time `json:"lastSpokeAt,omitempty"`
	Speaking     bool      `json:"speaking"`
	AudioLevel   float64   `json:"audioLevel"`
}

type MediaKind string

const (
	KindAudio  MediaKind = "audio"
	KindVideo  MediaKind = "video"
	KindScreen MediaKind = "screen"
)

// MediaSlot is one remote media kind of a participant.
type MediaSlot struct {
	Enabled    bool            `json:"enabled"`
	ProducerID string          `json:"producerId,omitempty"`
	ConsumerID string          `json:"consumerId,omitempty"`
	Track      rtc.RemoteTrack `json:"-"`
}

type Participant struct {
	Member
	Audio  MediaSlot `json:"audio"`
	Video  MediaSlot `json:"video"`
	Screen MediaSlot `json:"screen"`
}

func (p Participant) ScreenSharing() bool { return p.Screen.Enabled }

func (p *Participant) slot(kind MediaKind) *MediaSlot {
	switch kind {
	case KindAudio:
		return &p.Audio
	case KindVideo:
		return &p.Video
	case KindScreen:
		return &p.Screen
	}
	return nil
}

type Options struct {
	SpeakingThreshold float64
	SilenceWindow     time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Manager owns the roster. Every accessor returns copies.
type Manager struct {
	opts Options

	mu           sync.Mutex
	participants map[string]Participant
	selfID       string
	dominant     string
	pinned       string
	silence      *time.Timer
	silenceGen   uint64

	joined   events.Registry[Participant]
	left     events.Registry[Participant]
	updated  events.Registry[Participant]
	dominate events.Registry[string]
	pin      events.Registry[string]
}

func NewManager(opts Options) *Manager {
	if opts.SpeakingThreshold <= 0 {
		opts.SpeakingThreshold = DefaultSpeakingThreshold
	}
	if opts.SilenceWindow <= 0 {
		opts.SilenceWindow = DefaultSilenceWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts, participants: make(map[string]Participant)}
}

func (m *Manager) OnJoined(fn func(Participant)) func()  { return m.joined.Add(fn) }
func (m *Manager) OnLeft(fn func(Participant)) func()    { return m.left.Add(fn) }
func (m *Manager) OnUpdated(fn func(Participant)) func() { return m.updated.Add(fn) }

// OnDominantSpeaker fires with the new dominant speaker id, empty when
// cleared.
func (m *Manager) OnDominantSpeaker(fn func(string)) func() { return m.dominate.Add(fn) }

// OnPinned fires with the new pinned id, empty when cleared.
func (m *Manager) OnPinned(fn func(string)) func() { return m.pin.Add(fn) }

// SetSelfID names the local participant so it can be pinned.
func (m *Manager) SetSelfID(id string) {
	m.mu.Lock()
	m.selfID = id
	m.mu.Unlock()
}

// Add inserts p. A zero JoinedAt is stamped with the current time. Adding a
// known id only refreshes its display name and reports false.
func (m *Manager) Add(p Participant) bool {
	now := m.opts.Now()
	m.mu.Lock()
	if cur, ok := m.participants[p.ID]; ok {
		if p.DisplayName != "" && p.DisplayName != cur.DisplayName {
			cur.DisplayName = p.DisplayName
			m.participants[p.ID] = cur
			m.mu.Unlock()
			m.updated.Emit(cur)
			return false
		}
		m.mu.Unlock()
		return false
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if p.LastActiveAt.IsZero() {
		p.LastActiveAt = p.JoinedAt
	}
	m.participants[p.ID] = p
	m.mu.Unlock()

	log.Infof("PEERS: %s (%s) joined", p.ID, p.DisplayName)
	m.joined.Emit(p)
	return true
}

// Update applies fn to the participant with id.
func (m *Manager) Update(id string, fn func(*Participant)) bool {
	m.mu.Lock()
	p, ok := m.participants[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	fn(&p)
	p.ID = id
	m.participants[id] = p
	m.mu.Unlock()
	m.updated.Emit(p)
	return true
}

// Remove drops id and, in the same critical section, clears the dominant
// speaker and pin when they point at it.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	p, ok := m.participants[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.participants, id)
	clearedDominant := m.dominant == id
	if clearedDominant {
		m.dominant = ""
		m.stopSilenceLocked()
	}
	clearedPin := m.pinned == id
	if clearedPin {
		m.pinned = ""
	}
	m.mu.Unlock()

	log.Infof("PEERS: %s left", id)
	m.left.Emit(p)
	if clearedDominant {
		m.dominate.Emit("")
	}
	if clearedPin {
		m.pin.Emit("")
	}
	return true
}

func (m *Manager) Get(id string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	return p, ok
}

// Participants returns a copy of the roster.
func (m *Manager) Participants() map[string]Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Participant, len(m.participants))
	for id, p := range m.participants {
		out[id] = p
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.participants)
}

func (m *Manager) DominantSpeaker() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dominant
}

func (m *Manager) Pinned() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned
}

// SetMediaSlot replaces one media slot of participant id.
func (m *Manager) SetMediaSlot(id string, kind MediaKind, slot MediaSlot) bool {
	ok := false
	m.Update(id, func(p *Participant) {
		if s := p.slot(kind); s != nil {
			*s = slot
			ok = true
		}
	})
	return ok
}

// ClearMediaSlot empties the kind slot of participant id if it is still
// bound to consumerID.
func (m *Manager) ClearMediaSlot(id string, kind MediaKind, consumerID string) bool {
	ok := false
	m.Update(id, func(p *Participant) {
		if s := p.slot(kind); s != nil && s.ConsumerID == consumerID {
			*s = MediaSlot{}
			ok = true
		}
	})
	return ok
}

// SpeakingThreshold is the level above which a participant counts as
// speaking.
func (m *Manager) SpeakingThreshold() float64 { return m.opts.SpeakingThreshold }

// SetProducerMuted flips the enabled flag of the slot bound to producerID.
func (m *Manager) SetProducerMuted(peerID, producerID string, muted bool) bool {
	found := false
	m.Update(peerID, func(p *Participant) {
		for _, s := range []*MediaSlot{&p.Audio, &p.Video, &p.Screen} {
			if s.ProducerID == producerID {
				s.Enabled = !muted
				found = true
			}
		}
	})
	return found
}

// UpdateAudioLevel records level for id and re-evaluates the dominant
// speaker: the loudest participant above the threshold takes over. The
// silence timer starts when the dominant speaker first drops to or below the
// threshold and is cancelled when they speak up again; further quiet updates
// leave it running. When it fires, dominance passes to the loudest remaining
// speaker or is cleared.
func (m *Manager) UpdateAudioLevel(id string, level float64) {
	now := m.opts.Now()
	th := m.opts.SpeakingThreshold

	m.mu.Lock()
	p, ok := m.participants[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasSpeaking := p.Speaking
	p.AudioLevel = level
	p.Speaking = level > th
	if p.Speaking {
		p.LastSpokeAt = now
		p.LastActiveAt = now
	}
	m.participants[id] = p

	changed := false
	if best := m.loudestLocked(); best != "" && best != m.dominant {
		m.dominant = best
		changed = true
	}
	dominant := m.dominant

	if dp, ok := m.participants[dominant]; ok && dp.AudioLevel <= th {
		if m.silence == nil {
			m.silenceGen++
			gen := m.silenceGen
			m.silence = time.AfterFunc(m.opts.SilenceWindow, func() { m.silenceElapsed(gen) })
		}
	} else {
		m.stopSilenceLocked()
	}
	m.mu.Unlock()

	if wasSpeaking != p.Speaking {
		m.updated.Emit(p)
	}
	if changed {
		log.Debugf("PEERS: dominant speaker is %s", dominant)
		m.dominate.Emit(dominant)
	}
}

func (m *Manager) stopSilenceLocked() {
	if m.silence != nil {
		m.silence.Stop()
		m.silence = nil
	}
	m.silenceGen++
}

func (m *Manager) silenceElapsed(gen uint64) {
	m.mu.Lock()
	if gen != m.silenceGen {
		m.mu.Unlock()
		return
	}
	m.silence = nil
	if m.dominant == "" {
		m.mu.Unlock()
		return
	}
	if p, ok := m.participants[m.dominant]; ok && p.AudioLevel > m.opts.SpeakingThreshold {
		m.mu.Unlock()
		return
	}
	m.dominant = m.loudestLocked()
	dominant := m.dominant
	m.mu.Unlock()

	log.Debugf("PEERS: dominant speaker went quiet, now %q", dominant)
	m.dominate.Emit(dominant)
}

func (m *Manager) loudestLocked() string {
	best, bestLevel := "", m.opts.SpeakingThreshold
	for id, p := range m.participants {
		if p.AudioLevel > bestLevel || (p.AudioLevel == bestLevel && best != "" && id < best) {
			best, bestLevel = id, p.AudioLevel
		}
	}
	return best
}

// Pin pins a known participant or the local self.
func (m *Manager) Pin(id string) error {
	m.mu.Lock()
	if _, ok := m.participants[id]; !ok && (id == "" || id != m.selfID) {
		m.mu.Unlock()
		return ErrUnknownParticipant
	}
	changed := m.pinned != id
	m.pinned = id
	m.mu.Unlock()
	if changed {
		m.pin.Emit(id)
	}
	return nil
}

func (m *Manager) Unpin() {
	m.mu.Lock()
	changed := m.pinned != ""
	m.pinned = ""
	m.mu.Unlock()
	if changed {
		m.pin.Emit("")
	}
}

// SortedParticipants orders the roster: pinned, screen sharing, dominant
// speaker, speaking, then by join time.
func (m *Manager) SortedParticipants() []Participant {
	m.mu.Lock()
	list := make([]Participant, 0, len(m.participants))
	for _, p := range m.participants {
		list = append(list, p)
	}
	pinned, dominant := m.pinned, m.dominant
	th := m.opts.SpeakingThreshold
	m.mu.Unlock()

	rank := func(p Participant) int {
		switch {
		case p.ID == pinned:
			return 0
		case p.ScreenSharing():
			return 1
		case p.ID == dominant:
			return 2
		case p.AudioLevel > th:
			return 3
		}
		return 4
	}
	sort.Slice(list, func(i, j int) bool {
		ri, rj := rank(list[i]), rank(list[j])
		if ri != rj {
			return ri < rj
		}
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Clear empties the roster and drops dominant speaker and pin.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.participants = make(map[string]Participant)
	m.dominant = ""
	m.pinned = ""
	m.stopSilenceLocked()
	m.mu.Unlock()
}
