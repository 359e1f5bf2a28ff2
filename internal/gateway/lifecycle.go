package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/playgrid/spotdiff/internal/events"
	"github.com/playgrid/spotdiff/internal/game"
	"github.com/playgrid/spotdiff/internal/models"
	"github.com/playgrid/spotdiff/internal/session"
)

// Inbound message types.
const (
	MessageJoin      = "join"
	MessageClick     = "click"
	MessageLeave     = "leave"
	MessageRoomJoin  = "room_join"
	MessageRoomLeave = "room_leave"
	MessageChat      = "chat"
)

type joinMessage struct {
	ImageID       string `json:"image_id"`
	Mode          string `json:"mode"`
	Players       int    `json:"players"`
	ParticipantID string `json:"participant_id"`
	TimeLimitSec  int    `json:"time_limit_sec"`
	// SessionID joins a specific session by id instead of matchmaking.
	SessionID string `json:"session_id"`
}

type clickMessage struct {
	SessionID string `json:"session_id"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
}

type leaveMessage struct {
	SessionID string `json:"session_id"`
}

type roomMessage struct {
	Room string `json:"room"`
}

type chatMessage struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// Lifecycle is the connection lifecycle manager. It moves each connection
// through Unbound -> Joining -> Bound, routes gameplay messages to the
// coordinator, and guarantees session cleanup on disconnect or explicit
// leave.
type Lifecycle struct {
	cm    *ConnectionManager
	coord *game.Coordinator
}

// NewLifecycle creates the lifecycle manager and registers it as the
// connection manager's message router.
func NewLifecycle(cm *ConnectionManager, coord *game.Coordinator) *Lifecycle {
	l := &Lifecycle{cm: cm, coord: coord}
	cm.SetRouter(l)
	return l
}

// HandleMessage dispatches one inbound client message.
func (l *Lifecycle) HandleMessage(ctx context.Context, conn *Connection, msg ClientMessage) {
	switch msg.Type {
	case MessageJoin:
		l.handleJoin(ctx, conn, msg.Data)
	case MessageClick:
		l.handleClick(ctx, conn, msg.Data)
	case MessageLeave:
		l.handleLeave(ctx, conn, msg.Data)
	case MessageRoomJoin:
		l.handleRoomJoin(conn, msg.Data)
	case MessageRoomLeave:
		l.handleRoomLeave(conn, msg.Data)
	case MessageChat:
		l.handleChat(conn, msg.Data)
	default:
		log.Warn().
			Str("connection_id", conn.ID).
			Str("type", msg.Type).
			Msg("unknown client message type")
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// HandleDisconnect runs session cleanup for a closed transport. A
// disconnect racing a concurrent click or win resolves through the store's
// atomic operations: whichever terminates the session first wins and the
// other path becomes a no-op.
func (l *Lifecycle) HandleDisconnect(conn *Connection) {
	sessionID, participantID, bound := conn.Binding()
	if !bound {
		return
	}
	l.cm.Unbind(conn)
	l.coord.HandleLeave(context.Background(), sessionID, participantID)

	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID.String()).
		Str("participant_id", participantID).
		Msg("disconnect cleanup complete")
}

func (l *Lifecycle) handleJoin(ctx context.Context, conn *Connection, data json.RawMessage) {
	if _, _, bound := conn.Binding(); bound {
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, "connection already in a session")
		return
	}

	var msg joinMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, "malformed join payload")
		return
	}

	participantID := msg.ParticipantID
	if participantID == "" {
		participantID = conn.ParticipantID()
	}

	if msg.SessionID != "" {
		l.handleJoinSession(conn, msg.SessionID, participantID)
		return
	}

	snap, created, err := l.coord.Join(ctx, game.JoinRequest{
		ImageID:       msg.ImageID,
		Mode:          models.GameMode(msg.Mode),
		Players:       msg.Players,
		ParticipantID: participantID,
		TimeLimitSec:  msg.TimeLimitSec,
	})
	if err != nil {
		code := events.CodeBadRequest
		if errors.Is(err, game.ErrUnknownImage) {
			code = events.CodeNotFound
		}
		l.sendError(conn, uuid.Nil, code, err.Error())
		return
	}

	l.bindAndAnnounce(conn, snap, participantID, created)
}

// handleJoinSession attaches to a session named by the client, for invites
// that carry a session id instead of going through matchmaking.
func (l *Lifecycle) handleJoinSession(conn *Connection, rawID, participantID string) {
	sessionID, err := uuid.Parse(rawID)
	if err != nil {
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, "invalid session id")
		return
	}

	snap, err := l.coord.JoinSession(sessionID, participantID)
	switch {
	case errors.Is(err, session.ErrSessionFull):
		l.sendError(conn, sessionID, events.CodeSessionFull, "session is full")
		return
	case errors.Is(err, session.ErrNotFound):
		l.sendError(conn, sessionID, events.CodeNotFound, "session not found")
		return
	case err != nil:
		l.sendError(conn, sessionID, events.CodeBadRequest, err.Error())
		return
	}

	l.bindAndAnnounce(conn, snap, participantID, false)
}

// bindAndAnnounce binds the connection, confirms the join to the joiner, and
// tells the existing participants about their new opponent.
func (l *Lifecycle) bindAndAnnounce(conn *Connection, snap *models.Session, participantID string, created bool) {
	l.cm.Bind(conn, snap.ID, participantID)

	l.cm.NotifyParticipant(snap.ID, participantID, events.New(events.TypeJoined, snap.ID, events.JoinedPayload{
		SessionID:        snap.ID.String(),
		ImageID:          snap.ImageID,
		Mode:             snap.Mode,
		ParticipantID:    participantID,
		Participants:     snap.Participants,
		RequiredPlayers:  snap.RequiredPlayers,
		TotalDifferences: snap.TotalDifferences,
		TimeSec:          snap.TimeSec,
	}))

	if !created {
		for _, p := range snap.Participants {
			if p == participantID {
				continue
			}
			l.cm.NotifyParticipant(snap.ID, p, events.New(events.TypeOpponentJoined, snap.ID,
				events.OpponentPayload{ParticipantID: participantID}))
		}
	}
}

func (l *Lifecycle) handleClick(ctx context.Context, conn *Connection, data json.RawMessage) {
	sessionID, participantID, bound := conn.Binding()
	if !bound {
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, "connection not in a session")
		return
	}

	var msg clickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.sendError(conn, sessionID, events.CodeBadRequest, "malformed click payload")
		return
	}
	if msg.SessionID != "" && msg.SessionID != sessionID.String() {
		l.sendError(conn, sessionID, events.CodeBadRequest, "click session does not match binding")
		return
	}

	outcome, err := l.coord.HandleClick(ctx, sessionID, participantID, models.Point{X: msg.X, Y: msg.Y})
	if errors.Is(err, session.ErrNotFound) {
		l.sendError(conn, sessionID, events.CodeNotFound, "session not found")
		return
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Msg("click handling failed")
		return
	}
	// Hit/miss/terminal notifications are broadcast by the coordinator.
	// Stale clicks are dropped without a client-visible error.
	if outcome.Result == game.ResultStale {
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("participant_id", participantID).
			Msg("stale click dropped")
	}
}

func (l *Lifecycle) handleLeave(ctx context.Context, conn *Connection, data json.RawMessage) {
	sessionID, participantID, bound := conn.Binding()
	if !bound {
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, "connection not in a session")
		return
	}

	var msg leaveMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			l.sendError(conn, sessionID, events.CodeBadRequest, "malformed leave payload")
			return
		}
		if msg.SessionID != "" && msg.SessionID != sessionID.String() {
			l.sendError(conn, sessionID, events.CodeBadRequest, "leave session does not match binding")
			return
		}
	}

	// Unbind before the coordinator runs so terminal notifications reach
	// only the remaining participants.
	l.cm.Unbind(conn)
	l.coord.HandleLeave(ctx, sessionID, participantID)
}

func (l *Lifecycle) handleRoomJoin(conn *Connection, data json.RawMessage) {
	var msg roomMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Room == "" {
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, "malformed room payload")
		return
	}
	l.cm.JoinRoom(conn, msg.Room)
}

func (l *Lifecycle) handleRoomLeave(conn *Connection, data json.RawMessage) {
	var msg roomMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Room == "" {
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, "malformed room payload")
		return
	}
	l.cm.LeaveRoom(conn, msg.Room)
}

func (l *Lifecycle) handleChat(conn *Connection, data json.RawMessage) {
	var msg chatMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Room == "" {
		l.sendError(conn, uuid.Nil, events.CodeBadRequest, "malformed chat payload")
		return
	}
	if !l.cm.InRoom(conn, msg.Room) {
		log.Debug().
			Str("connection_id", conn.ID).
			Str("room", msg.Room).
			Msg("dropping chat from non-member")
		return
	}
	l.cm.NotifyRoom(msg.Room, events.New(events.TypeChat, uuid.Nil, events.ChatPayload{
		Room: msg.Room,
		From: conn.ParticipantID(),
		Text: msg.Text,
	}))
}

func (l *Lifecycle) sendError(conn *Connection, sessionID uuid.UUID, code, message string) {
	ev := events.New(events.TypeError, sessionID, events.ErrorPayload{Code: code, Message: message})
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	conn.trySend(data)
}
