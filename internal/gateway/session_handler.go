package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/playgrid/spotdiff/internal/game"
	"github.com/playgrid/spotdiff/internal/models"
	"github.com/playgrid/spotdiff/internal/session"
)

// HistoryLister serves the read side of the history endpoint.
// *history.Repository satisfies it.
type HistoryLister interface {
	ListRecent(ctx context.Context, limit int) ([]models.GameHistoryRecord, error)
}

// SessionHandler is the synchronous request/response surface for non-duplex
// callers. It drives the same coordinator and store contracts as the duplex
// channel, so both surfaces produce identical state transitions.
type SessionHandler struct {
	coord   *game.Coordinator
	store   *session.Store
	history HistoryLister
}

// NewSessionHandler creates the REST handler. history may be nil when no
// database is configured.
func NewSessionHandler(coord *game.Coordinator, store *session.Store, history HistoryLister) *SessionHandler {
	return &SessionHandler{coord: coord, store: store, history: history}
}

// RegisterRoutes registers the REST routes.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/", h.handleSession)
	mux.HandleFunc("/api/history", h.handleHistory)
}

type createSessionRequest struct {
	ImageID       string `json:"image_id"`
	Mode          string `json:"mode"`
	Players       int    `json:"players"`
	ParticipantID string `json:"participant_id"`
	TimeLimitSec  int    `json:"time_limit_sec"`
}

type sessionResponse struct {
	SessionID        string               `json:"session_id"`
	ImageID          string               `json:"image_id"`
	Mode             models.GameMode      `json:"mode"`
	Status           models.SessionStatus `json:"status"`
	Participants     []string             `json:"participants"`
	RequiredPlayers  int                  `json:"required_players"`
	TotalDifferences int                  `json:"total_differences"`
	FoundCount       int                  `json:"found_count"`
	TimeSec          int                  `json:"time_sec"`
}

func sessionToResponse(s *models.Session) sessionResponse {
	return sessionResponse{
		SessionID:        s.ID.String(),
		ImageID:          s.ImageID,
		Mode:             s.Mode,
		Status:           s.Status,
		Participants:     s.Participants,
		RequiredPlayers:  s.RequiredPlayers,
		TotalDifferences: s.TotalDifferences,
		FoundCount:       s.FoundCount(),
		TimeSec:          s.TimeSec,
	}
}

// handleSessions handles POST /api/sessions (create-session-for-image).
func (h *SessionHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" {
		req.ParticipantID = "api-" + uuid.New().String()[:8]
	}
	if req.Mode == "" {
		req.Mode = string(models.ModeClassic)
	}

	snap, _, err := h.coord.Join(r.Context(), game.JoinRequest{
		ImageID:       req.ImageID,
		Mode:          models.GameMode(req.Mode),
		Players:       req.Players,
		ParticipantID: req.ParticipantID,
		TimeLimitSec:  req.TimeLimitSec,
	})
	if err != nil {
		if errors.Is(err, game.ErrUnknownImage) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sessionToResponse(snap))
}

type clickRequest struct {
	ParticipantID string `json:"participant_id"`
	X             int    `json:"x"`
	Y             int    `json:"y"`
}

// handleSession handles GET /api/sessions/{id} and
// POST /api/sessions/{id}/click (get-difference).
func (h *SessionHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	sessionID, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getSession(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "click" && r.Method == http.MethodPost:
		h.clickSession(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (h *SessionHandler) getSession(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	snap, err := h.store.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionToResponse(snap))
}

func (h *SessionHandler) clickSession(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.coord.HandleClick(r.Context(), sessionID, req.ParticipantID, models.Point{X: req.X, Y: req.Y})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("click handling failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

// handleHistory handles GET /api/history?limit=N.
func (h *SessionHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "history store not configured", http.StatusServiceUnavailable)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list game history")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.GameHistoryRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}
