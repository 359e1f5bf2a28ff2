// Package history persists one record per terminated game session.
package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/playgrid/spotdiff/internal/models"
)

// Repository stores game history records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository over an open database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the history table if it does not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS game_history (
    session_id   UUID PRIMARY KEY,
    image_id     TEXT NOT NULL,
    mode         TEXT NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    duration_sec INTEGER NOT NULL,
    player_one   TEXT NOT NULL,
    player_two   TEXT,
    found_count  INTEGER NOT NULL,
    abandoned    BOOLEAN NOT NULL DEFAULT FALSE
)`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure game_history schema: %w", err)
	}
	return nil
}

// SaveRecord inserts the record for a terminated session. A replayed insert
// for the same session id is a no-op, which keeps the record exactly-once.
func (r *Repository) SaveRecord(ctx context.Context, rec models.GameHistoryRecord) error {
	const q = `
INSERT INTO game_history
    (session_id, image_id, mode, started_at, duration_sec, player_one, player_two, found_count, abandoned)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (session_id) DO NOTHING`

	var playerTwo sql.NullString
	if rec.PlayerTwo != "" {
		playerTwo = sql.NullString{String: rec.PlayerTwo, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, q,
		rec.SessionID, rec.ImageID, string(rec.Mode), rec.StartedAt,
		rec.DurationSec, rec.PlayerOne, playerTwo, rec.FoundCount, rec.Abandoned)
	if err != nil {
		return fmt.Errorf("failed to insert game history record: %w", err)
	}

	log.Debug().
		Str("session_id", rec.SessionID.String()).
		Bool("abandoned", rec.Abandoned).
		Msg("game history record saved")
	return nil
}

// ListRecent returns the most recently started records, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]models.GameHistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT session_id, image_id, mode, started_at, duration_sec, player_one, player_two, found_count, abandoned
FROM game_history
ORDER BY started_at DESC
LIMIT $1`

	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list game history: %w", err)
	}
	defer rows.Close()

	var records []models.GameHistoryRecord
	for rows.Next() {
		var (
			rec       models.GameHistoryRecord
			mode      string
			playerTwo sql.NullString
		)
		if err := rows.Scan(&rec.SessionID, &rec.ImageID, &mode, &rec.StartedAt,
			&rec.DurationSec, &rec.PlayerOne, &playerTwo, &rec.FoundCount, &rec.Abandoned); err != nil {
			return nil, fmt.Errorf("failed to scan game history row: %w", err)
		}
		rec.Mode = models.GameMode(mode)
		rec.PlayerTwo = playerTwo.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate game history rows: %w", err)
	}
	return records, nil
}
