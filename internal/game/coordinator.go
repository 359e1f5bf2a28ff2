// Package game validates gameplay actions against authoritative session
// state, drives win/loss/abandonment transitions, and fans results out to
// participants, the history store, and the event stream.
package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/playgrid/spotdiff/internal/events"
	"github.com/playgrid/spotdiff/internal/models"
	"github.com/playgrid/spotdiff/internal/session"
	"github.com/playgrid/spotdiff/internal/timer"
)

// Oracle locates difference regions for an image pair. It is an external
// collaborator; an unreachable oracle must never block a session.
type Oracle interface {
	// FindRegion returns the difference region containing pt, or nil when
	// the click landed on no difference.
	FindRegion(ctx context.Context, imageID string, pt models.Point) (*models.Region, error)
	// DifferenceCount returns the number of planted differences for an image pair.
	DifferenceCount(ctx context.Context, imageID string) (int, error)
}

// HistoryRecorder persists one record per terminated session. Persistence is
// best-effort: failures are logged and never reverse a gameplay transition.
type HistoryRecorder interface {
	SaveRecord(ctx context.Context, rec models.GameHistoryRecord) error
}

// Notifier delivers events to the connections bound to a session.
type Notifier interface {
	NotifySession(sessionID uuid.UUID, ev *events.Event)
	NotifyParticipant(sessionID uuid.UUID, participantID string, ev *events.Event)
}

// TerminalPublisher pushes terminal events to the downstream stream.
// *events.Publisher satisfies it; a nil publisher disables publishing.
type TerminalPublisher interface {
	Publish(ctx context.Context, eventType events.Type, sessionID uuid.UUID, payload any) error
}

// ErrUnknownImage is returned when the oracle has no metadata for an image pair.
var ErrUnknownImage = errors.New("unknown image pair")

// ClickResult classifies the outcome of one click.
type ClickResult string

const (
	ResultHit   ClickResult = "hit"
	ResultMiss  ClickResult = "miss"
	ResultStale ClickResult = "stale"
)

// ClickOutcome reports what a click did to the session.
type ClickOutcome struct {
	Result     ClickResult    `json:"result"`
	Region     *models.Region `json:"region,omitempty"`
	Duplicate  bool           `json:"duplicate,omitempty"`
	FoundCount int            `json:"found_count"`
	TotalCount int            `json:"total_count"`
	Won        bool           `json:"won,omitempty"`
}

// JoinRequest describes a join, from either the duplex channel or the REST surface.
type JoinRequest struct {
	ImageID       string
	Mode          models.GameMode
	Players       int
	ParticipantID string
	TimeLimitSec  int
}

// Config holds gameplay policy.
type Config struct {
	// DefaultTimeLimitSec is the countdown budget for limited-time sessions
	// that do not request their own.
	DefaultTimeLimitSec int
	// AbandonEndsGame controls whether a participant leaving a multiplayer
	// session ends it for the remaining player.
	AbandonEndsGame bool
}

// DefaultConfig returns the default gameplay policy.
func DefaultConfig() Config {
	return Config{
		DefaultTimeLimitSec: 120,
		AbandonEndsGame:     true,
	}
}

// Coordinator owns all session state transitions.
type Coordinator struct {
	store     *session.Store
	timers    *timer.Engine
	oracle    Oracle
	notifier  Notifier
	history   HistoryRecorder
	publisher TerminalPublisher
	clock     clockwork.Clock
	config    Config
}

// NewCoordinator wires the coordinator and registers it as the timer
// engine's tick handler.
func NewCoordinator(store *session.Store, timers *timer.Engine, oracle Oracle, notifier Notifier, history HistoryRecorder, publisher TerminalPublisher, clock clockwork.Clock, config Config) *Coordinator {
	c := &Coordinator{
		store:     store,
		timers:    timers,
		oracle:    oracle,
		notifier:  notifier,
		history:   history,
		publisher: publisher,
		clock:     clock,
		config:    config,
	}
	timers.SetHandler(c)
	return c
}

// Join creates or attaches a session for a participant and starts the
// session clock once the required number of players is present. The second
// return value reports whether a new session was created.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (*models.Session, bool, error) {
	if !req.Mode.Valid() {
		return nil, false, fmt.Errorf("invalid game mode %q", req.Mode)
	}

	total, err := c.oracle.DifferenceCount(ctx, req.ImageID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownImage, req.ImageID)
	}

	initial := 0
	if req.Mode == models.ModeLimitedTime {
		initial = req.TimeLimitSec
		if initial <= 0 {
			initial = c.config.DefaultTimeLimitSec
		}
	}

	spec := session.CreateSpec{
		ImageID:          req.ImageID,
		Mode:             req.Mode,
		RequiredPlayers:  req.Players,
		TotalDifferences: total,
		InitialTimeSec:   initial,
	}

	snap, created := c.store.CreateOrAttach(spec, req.ParticipantID)
	if snap.Full() {
		c.timers.Start(snap.ID)
	}
	return snap, created, nil
}

// JoinSession attaches a participant to a specific session, bypassing
// matchmaking. Used for invite-style joins where the session id is shared out
// of band. Returns session.ErrSessionFull when no slot is free.
func (c *Coordinator) JoinSession(sessionID uuid.UUID, participantID string) (*models.Session, error) {
	snap, err := c.store.Attach(sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if snap.Full() {
		c.timers.Start(snap.ID)
	}
	return snap, nil
}

// HandleClick validates one click against the session. The oracle call runs
// outside the session lock; status is re-validated when the result is applied.
func (c *Coordinator) HandleClick(ctx context.Context, sessionID uuid.UUID, participantID string, pt models.Point) (ClickOutcome, error) {
	snap, err := c.store.Get(sessionID)
	if err != nil {
		return ClickOutcome{}, err
	}
	if snap.Status.Terminal() {
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("status", string(snap.Status)).
			Msg("dropping click on terminated session")
		return ClickOutcome{Result: ResultStale}, nil
	}

	region, err := c.oracle.FindRegion(ctx, snap.ImageID, pt)
	if err != nil {
		// Fail-safe: an unreachable oracle turns the click into a miss.
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("image_id", snap.ImageID).
			Msg("difference oracle failed, treating click as miss")
		region = nil
	}

	if region == nil || region.ID == "" {
		c.notifier.NotifyParticipant(sessionID, participantID,
			events.New(events.TypeMiss, sessionID, events.MissPayload{Point: pt}))
		return ClickOutcome{Result: ResultMiss, FoundCount: snap.FoundCount(), TotalCount: snap.TotalDifferences}, nil
	}

	var (
		duplicate bool
		won       bool
	)
	snap, err = c.store.Update(sessionID, func(s *models.Session) error {
		// Re-validate: a disconnect or competing win may have landed while
		// the oracle call was in flight.
		if s.Status.Terminal() {
			return errStale
		}
		if s.Found[region.ID] {
			duplicate = true
			return nil
		}
		s.Found[region.ID] = true
		if s.FoundCount() >= s.TotalDifferences {
			s.Status = models.StatusWon
			won = true
		}
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, session.ErrNotFound) {
		return ClickOutcome{Result: ResultStale}, nil
	}
	if err != nil {
		return ClickOutcome{}, err
	}

	outcome := ClickOutcome{
		Result:     ResultHit,
		Region:     region,
		Duplicate:  duplicate,
		FoundCount: snap.FoundCount(),
		TotalCount: snap.TotalDifferences,
		Won:        won,
	}
	if duplicate {
		// Duplicate delivery of the same hit: no state change, no broadcast.
		return outcome, nil
	}

	c.notifier.NotifySession(sessionID, events.New(events.TypeHit, sessionID, events.HitPayload{
		ParticipantID: participantID,
		RegionID:      region.ID,
		Pixels:        region.Pixels,
		FoundCount:    snap.FoundCount(),
		TotalCount:    snap.TotalDifferences,
	}))

	log.Info().
		Str("session_id", sessionID.String()).
		Str("participant_id", participantID).
		Str("region_id", region.ID).
		Int("found", snap.FoundCount()).
		Int("total", snap.TotalDifferences).
		Msg("difference found")

	if won {
		c.terminate(ctx, snap, events.TypeWon, "")
	}
	return outcome, nil
}

// errStale marks an update attempted against a terminated session.
var errStale = errors.New("session no longer active")

// OnTick advances the session clock by one tick. Returning true cancels the
// session's clock. A tick against a deleted session is a no-op that stops
// the clock.
func (c *Coordinator) OnTick(sessionID uuid.UUID) bool {
	var expired bool
	snap, err := c.store.Update(sessionID, func(s *models.Session) error {
		if s.Status.Terminal() {
			return errStale
		}
		switch s.Mode {
		case models.ModeLimitedTime:
			s.TimeSec--
			if s.TimeSec <= 0 {
				s.TimeSec = 0
				// The loss transition happens on the same tick, before the
				// next one can be scheduled.
				s.Status = models.StatusLost
				expired = true
			}
		default:
			s.TimeSec++
		}
		return nil
	})
	if err != nil {
		return true
	}

	if expired {
		c.terminate(context.Background(), snap, events.TypeLost, "")
		return true
	}

	c.notifier.NotifySession(sessionID, events.New(events.TypeTick, sessionID, events.TickPayload{TimeSec: snap.TimeSec}))
	return false
}

// HandleLeave processes an explicit leave or a disconnect for a bound
// participant. The status transition and participant removal are atomic, so
// a leave racing a concurrent win cannot double-terminate the session.
func (c *Coordinator) HandleLeave(ctx context.Context, sessionID uuid.UUID, participantID string) {
	var (
		before    *models.Session
		remaining int
		abandoned bool
	)
	_, err := c.store.Update(sessionID, func(s *models.Session) error {
		if !s.HasParticipant(participantID) {
			return session.ErrNotParticipant
		}
		before = s.Clone()
		for i, p := range s.Participants {
			if p == participantID {
				s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
				break
			}
		}
		remaining = len(s.Participants)
		if s.Status == models.StatusActive && (remaining == 0 || c.config.AbandonEndsGame) {
			s.Status = models.StatusAbandoned
			abandoned = true
		}
		return nil
	})
	if err != nil {
		// Session already gone or participant never bound; nothing to clean up.
		log.Debug().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("participant_id", participantID).
			Msg("leave on missing session or participant")
		return
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("participant_id", participantID).
		Int("remaining", remaining).
		Bool("abandoned", abandoned).
		Msg("participant left session")

	switch {
	case abandoned:
		c.timers.Cancel(sessionID)
		// History is built from the pre-leave snapshot so the record keeps
		// both player ids. Sessions whose match never completed produce no
		// record.
		if before.Full() {
			c.recordAndPublish(ctx, before, events.TypeAbandoned, participantID)
		}
		if remaining > 0 {
			c.notifier.NotifySession(sessionID, events.New(events.TypeAbandoned, sessionID, events.GameOverPayload{
				Status:      models.StatusAbandoned,
				FoundCount:  before.FoundCount(),
				TotalCount:  before.TotalDifferences,
				DurationSec: c.durationSec(before),
				StartedAt:   before.StartedAt,
				AbandonedBy: participantID,
			}))
		}
		c.store.Delete(sessionID)
	case remaining == 0:
		// Terminal status was already reached by another path; just evict.
		c.timers.Cancel(sessionID)
		c.store.Delete(sessionID)
	default:
		// Solo-continue policy: the session keeps running for the remaining
		// participant.
		c.notifier.NotifySession(sessionID, events.New(events.TypeOpponentLeft, sessionID,
			events.OpponentPayload{ParticipantID: participantID}))
	}
}

// terminate finalizes a won or lost session: clock stopped, history written,
// terminal event broadcast, entry evicted. Callers guarantee they performed
// the status transition, so terminate runs exactly once per session.
func (c *Coordinator) terminate(ctx context.Context, snap *models.Session, evType events.Type, abandonedBy string) {
	c.timers.Cancel(snap.ID)
	c.recordAndPublish(ctx, snap, evType, abandonedBy)

	c.notifier.NotifySession(snap.ID, events.New(evType, snap.ID, events.GameOverPayload{
		Status:      snap.Status,
		FoundCount:  snap.FoundCount(),
		TotalCount:  snap.TotalDifferences,
		DurationSec: c.durationSec(snap),
		StartedAt:   snap.StartedAt,
		AbandonedBy: abandonedBy,
	}))

	c.store.Delete(snap.ID)

	log.Info().
		Str("session_id", snap.ID.String()).
		Str("status", string(snap.Status)).
		Int("found", snap.FoundCount()).
		Msg("session terminated")
}

// recordAndPublish writes the history record and publishes the terminal
// event. Both are best-effort.
func (c *Coordinator) recordAndPublish(ctx context.Context, snap *models.Session, evType events.Type, abandonedBy string) {
	rec := models.NewHistoryRecord(snap, c.clock.Now(), evType == events.TypeAbandoned)
	if c.history != nil {
		if err := c.history.SaveRecord(ctx, rec); err != nil {
			log.Error().
				Err(err).
				Str("session_id", snap.ID.String()).
				Msg("failed to persist game history record")
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, evType, snap.ID, rec); err != nil {
			log.Error().
				Err(err).
				Str("session_id", snap.ID.String()).
				Msg("failed to publish terminal event")
		}
	}
}

func (c *Coordinator) durationSec(snap *models.Session) int {
	return int(c.clock.Now().Sub(snap.StartedAt).Seconds())
}
