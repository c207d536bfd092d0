package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// SessionRepo handles persistence for SessionSnapshot records.
type SessionRepo struct {
	Dialect Dialect
}

// Save inserts a session snapshot. id must be unique.
func (r *SessionRepo) Save(ctx context.Context, db *sql.DB, id string, snap domain.SessionSnapshot) error {
	const q = `INSERT INTO session_snapshots (id, session_id, mode, position, completed, batch_index, state_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, r.Dialect.Rebind(q),
		id,
		snap.SessionID,
		string(snap.Mode),
		snap.Index,
		snap.Completed,
		snap.BatchIndex,
		snap.StateJSON,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

// GetLatest returns the most recent snapshot for a session.
// Returns nil if no snapshot exists.
func (r *SessionRepo) GetLatest(ctx context.Context, db *sql.DB, sessionID string) (*domain.SessionSnapshot, error) {
	const q = `SELECT session_id, mode, position, completed, batch_index, state_json, created_at
FROM session_snapshots
WHERE session_id = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`

	row := db.QueryRowContext(ctx, r.Dialect.Rebind(q), sessionID)

	var s domain.SessionSnapshot
	var mode string
	err := row.Scan(&s.SessionID, &mode, &s.Index, &s.Completed, &s.BatchIndex, &s.StateJSON, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest session snapshot: %w", err)
	}
	s.Mode = domain.SessionMode(mode)
	return &s, nil
}
