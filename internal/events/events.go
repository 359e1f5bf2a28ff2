// Package events defines the wire envelope and payloads shared by the
// gateway, the game coordinator, and the JetStream publisher.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type names one game event on the wire.
type Type string

const (
	// Outbound gameplay events.
	TypeJoined         Type = "joined"
	TypeOpponentJoined Type = "opponent_joined"
	TypeOpponentLeft   Type = "opponent_left"
	TypeTick           Type = "tick"
	TypeHit            Type = "hit"
	TypeMiss           Type = "miss"
	TypeWon            Type = "won"
	TypeLost           Type = "lost"
	TypeAbandoned      Type = "abandoned"
	TypeChat           Type = "chat"
	TypeError          Type = "error"
)

// Event is the JSON envelope delivered to clients and published to the
// event stream.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an event envelope around a payload. A payload that fails to
// marshal yields an envelope with empty data rather than a dropped event.
func New(t Type, sessionID uuid.UUID, payload any) *Event {
	ev := &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
	if sessionID != uuid.Nil {
		ev.SessionID = sessionID.String()
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("event_type", string(t)).Msg("failed to marshal event payload")
		} else {
			ev.Data = data
		}
	}
	return ev
}
