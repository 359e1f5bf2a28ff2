package events

import (
	"time"

	"github.com/playgrid/spotdiff/internal/models"
)

// JoinedPayload confirms a join and carries the session snapshot the client
// needs to render the board.
type JoinedPayload struct {
	SessionID        string          `json:"session_id"`
	ImageID          string          `json:"image_id"`
	Mode             models.GameMode `json:"mode"`
	ParticipantID    string          `json:"participant_id"`
	Participants     []string        `json:"participants"`
	RequiredPlayers  int             `json:"required_players"`
	TotalDifferences int             `json:"total_differences"`
	TimeSec          int             `json:"time_sec"`
}

// OpponentPayload announces another participant joining or leaving.
type OpponentPayload struct {
	ParticipantID string `json:"participant_id"`
}

// TickPayload carries the session clock value after one tick.
type TickPayload struct {
	TimeSec int `json:"time_sec"`
}

// HitPayload announces a newly found difference to every participant. Pixels
// are included so clients can highlight the region.
type HitPayload struct {
	ParticipantID string         `json:"participant_id"`
	RegionID      string         `json:"region_id"`
	Pixels        []models.Point `json:"pixels,omitempty"`
	FoundCount    int            `json:"found_count"`
	TotalCount    int            `json:"total_count"`
}

// MissPayload is delivered to the clicking participant only.
type MissPayload struct {
	Point models.Point `json:"point"`
}

// GameOverPayload is the terminal payload for won, lost, and abandoned events.
type GameOverPayload struct {
	Status      models.SessionStatus `json:"status"`
	FoundCount  int                  `json:"found_count"`
	TotalCount  int                  `json:"total_count"`
	DurationSec int                  `json:"duration_sec"`
	StartedAt   time.Time            `json:"started_at"`
	AbandonedBy string               `json:"abandoned_by,omitempty"`
}

// ChatPayload relays a chat line to a room.
type ChatPayload struct {
	Room string `json:"room"`
	From string `json:"from"`
	Text string `json:"text"`
}

// ErrorPayload surfaces a recoverable protocol error to one client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by ErrorPayload.
const (
	CodeNotFound    = "not_found"
	CodeSessionFull = "session_full"
	CodeBadRequest  = "bad_request"
)
