// Package session holds the authoritative in-memory map of live game
// sessions. All mutations of a single session are serialized through a
// per-session lock; operations on different sessions never block each other.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/playgrid/spotdiff/internal/models"
)

var (
	// ErrNotFound is returned when a session id is absent from the store.
	ErrNotFound = errors.New("session not found")
	// ErrSessionFull is returned when a join targets a session with no free slot.
	ErrSessionFull = errors.New("session is full")
	// ErrNotParticipant is returned when a detach names an unknown participant.
	ErrNotParticipant = errors.New("participant not in session")
)

// CreateSpec describes the session to create on a first join.
type CreateSpec struct {
	ImageID          string
	Mode             models.GameMode
	RequiredPlayers  int
	TotalDifferences int
	InitialTimeSec   int
}

// entry pairs a session with its serialization lock. Once deleted is set the
// entry is dead forever; any operation that still holds a reference observes
// ErrNotFound.
type entry struct {
	mu      sync.Mutex
	session *models.Session
	deleted bool
}

// Store is the single source of truth for live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
	clock    clockwork.Clock
}

// NewStore creates an empty session store.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		sessions: make(map[uuid.UUID]*entry),
		clock:    clock,
	}
}

// Create inserts a new session with its first participant and returns a snapshot.
func (s *Store) Create(spec CreateSpec, participantID string) *models.Session {
	required := spec.RequiredPlayers
	if required < 1 {
		required = 1
	}
	if required > models.MaxParticipants {
		required = models.MaxParticipants
	}

	sess := &models.Session{
		ID:               uuid.New(),
		ImageID:          spec.ImageID,
		Mode:             spec.Mode,
		RequiredPlayers:  required,
		Participants:     []string{participantID},
		TotalDifferences: spec.TotalDifferences,
		Found:            make(map[string]bool),
		TimeSec:          spec.InitialTimeSec,
		Status:           models.StatusActive,
		StartedAt:        s.clock.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &entry{session: sess}
	s.mu.Unlock()

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("image_id", sess.ImageID).
		Str("mode", string(sess.Mode)).
		Int("required_players", required).
		Msg("session created")

	return sess.Clone()
}

// Get returns a snapshot of the session, or ErrNotFound.
func (s *Store) Get(id uuid.UUID) (*models.Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	return e.session.Clone(), nil
}

// Attach claims a free participant slot. Exactly one of two racing attaches
// to the last slot succeeds; the loser observes ErrSessionFull.
func (s *Store) Attach(id uuid.UUID, participantID string) (*models.Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	sess := e.session
	if sess.HasParticipant(participantID) {
		return sess.Clone(), nil
	}
	if len(sess.Participants) >= sess.RequiredPlayers || len(sess.Participants) >= models.MaxParticipants {
		return nil, ErrSessionFull
	}
	sess.Participants = append(sess.Participants, participantID)

	log.Info().
		Str("session_id", id.String()).
		Str("participant_id", participantID).
		Int("participants", len(sess.Participants)).
		Msg("participant attached")

	return sess.Clone(), nil
}

// CreateOrAttach implements matchmaking for a join request: attach to an
// active session for the same image and mode that still has a free slot, or
// create a fresh one. The second return value reports whether a new session
// was created.
func (s *Store) CreateOrAttach(spec CreateSpec, participantID string) (*models.Session, bool) {
	if spec.RequiredPlayers > 1 {
		if snap := s.tryAttachWaiting(spec, participantID); snap != nil {
			return snap, false
		}
	}
	return s.Create(spec, participantID), true
}

// tryAttachWaiting scans for a joinable session matching the spec. The global
// lock is held across the candidate's entry lock, which is safe because entry
// locks are only ever taken after (or without) the global lock, never before.
func (s *Store) tryAttachWaiting(spec CreateSpec, participantID string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.sessions {
		e.mu.Lock()
		sess := e.session
		ok := !e.deleted &&
			sess.Status == models.StatusActive &&
			sess.ImageID == spec.ImageID &&
			sess.Mode == spec.Mode &&
			sess.RequiredPlayers == spec.RequiredPlayers &&
			!sess.Full() &&
			!sess.HasParticipant(participantID)
		if !ok {
			e.mu.Unlock()
			continue
		}
		sess.Participants = append(sess.Participants, participantID)
		snap := sess.Clone()
		e.mu.Unlock()

		log.Info().
			Str("session_id", snap.ID.String()).
			Str("participant_id", participantID).
			Msg("matched participant into waiting session")
		return snap
	}
	return nil
}

// Update runs fn against the live session under its lock. fn sees (and may
// mutate) authoritative state; the returned snapshot reflects the state after
// fn ran. Returns ErrNotFound for unknown or deleted sessions.
func (s *Store) Update(id uuid.UUID, fn func(*models.Session) error) (*models.Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	if err := fn(e.session); err != nil {
		return nil, err
	}
	return e.session.Clone(), nil
}

// Detach removes a participant and returns a snapshot taken after removal.
func (s *Store) Detach(id uuid.UUID, participantID string) (*models.Session, error) {
	return s.Update(id, func(sess *models.Session) error {
		for i, p := range sess.Participants {
			if p == participantID {
				sess.Participants = append(sess.Participants[:i], sess.Participants[i+1:]...)
				return nil
			}
		}
		return ErrNotParticipant
	})
}

// Delete removes the session. Irreversible: held references observe
// ErrNotFound afterwards. Deleting an absent session is a no-op.
func (s *Store) Delete(id uuid.UUID) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	log.Info().Str("session_id", id.String()).Msg("session deleted")
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(id uuid.UUID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}
