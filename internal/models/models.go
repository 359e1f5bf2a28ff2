package models

import (
	"time"

	"github.com/google/uuid"
)

// GameMode determines how the session clock behaves.
type GameMode string

const (
	// ModeClassic counts elapsed seconds up from zero.
	ModeClassic GameMode = "classic"
	// ModeLimitedTime counts down from a fixed budget; reaching zero ends the game.
	ModeLimitedTime GameMode = "limited_time"
)

// Valid reports whether m is a known game mode.
func (m GameMode) Valid() bool {
	return m == ModeClassic || m == ModeLimitedTime
}

// SessionStatus is the lifecycle state of a session. Once a session leaves
// StatusActive it accepts no further gameplay mutations.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusWon       SessionStatus = "won"
	StatusLost      SessionStatus = "lost"
	StatusAbandoned SessionStatus = "abandoned"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	return s != StatusActive
}

// MaxParticipants is the hard cap on participant slots per session.
const MaxParticipants = 2

// Point is a clicked pixel coordinate on the image pair.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Region is one difference region of an image pair, as reported by the
// difference oracle. An empty ID means the click landed on no difference.
type Region struct {
	ID     string  `json:"region_id"`
	Pixels []Point `json:"pixels,omitempty"`
}

// Session is one game in progress: an image pair, up to two participants,
// the set of differences found so far, and the session clock.
type Session struct {
	ID               uuid.UUID
	ImageID          string
	Mode             GameMode
	RequiredPlayers  int
	Participants     []string
	TotalDifferences int
	Found            map[string]bool
	TimeSec          int
	Status           SessionStatus
	StartedAt        time.Time
}

// FoundCount returns the number of distinct differences located so far.
func (s *Session) FoundCount() int {
	return len(s.Found)
}

// HasParticipant reports whether participantID occupies a slot.
func (s *Session) HasParticipant(participantID string) bool {
	for _, p := range s.Participants {
		if p == participantID {
			return true
		}
	}
	return false
}

// Full reports whether every participant slot is occupied.
func (s *Session) Full() bool {
	return len(s.Participants) >= s.RequiredPlayers
}

// Clone returns a deep copy safe to read outside the store's session lock.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Participants = append([]string(nil), s.Participants...)
	cp.Found = make(map[string]bool, len(s.Found))
	for k := range s.Found {
		cp.Found[k] = true
	}
	return &cp
}

// GameHistoryRecord is the summary persisted once per terminated session.
type GameHistoryRecord struct {
	SessionID   uuid.UUID `json:"session_id"`
	ImageID     string    `json:"image_id"`
	Mode        GameMode  `json:"mode"`
	StartedAt   time.Time `json:"started_at"`
	DurationSec int       `json:"duration_sec"`
	PlayerOne   string    `json:"player_one"`
	PlayerTwo   string    `json:"player_two,omitempty"`
	FoundCount  int       `json:"found_count"`
	Abandoned   bool      `json:"abandoned"`
}

// NewHistoryRecord builds the history record for a terminated session.
func NewHistoryRecord(s *Session, now time.Time, abandoned bool) GameHistoryRecord {
	rec := GameHistoryRecord{
		SessionID:   s.ID,
		ImageID:     s.ImageID,
		Mode:        s.Mode,
		StartedAt:   s.StartedAt,
		DurationSec: int(now.Sub(s.StartedAt) / time.Second),
		FoundCount:  s.FoundCount(),
		Abandoned:   abandoned,
	}
	if len(s.Participants) > 0 {
		rec.PlayerOne = s.Participants[0]
	}
	if len(s.Participants) > 1 {
		rec.PlayerTwo = s.Participants[1]
	}
	return rec
}
