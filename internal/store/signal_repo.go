package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// SignalRepo handles persistence for SignalEvent records.
type SignalRepo struct {
	Dialect Dialect
}

// Insert stores one signal event. A repeated client event id is rejected
// with ErrDuplicateEvent so retried submissions never double count.
func (r *SignalRepo) Insert(ctx context.Context, db *sql.DB, ev domain.SignalEvent) error {
	meta := ev.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	const q = `INSERT INTO signal_events (id, client_event_id, source_type, source_id, event_type,
	battle_id, battle_instance_id, option_id, weight, value, meta_json,
	user_id, anon_id, user_tier, profile_completeness, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_event_id) DO NOTHING`
	res, err := db.ExecContext(ctx, r.Dialect.Rebind(q),
		ev.ID,
		ev.ClientEventID,
		string(ev.SourceType),
		ev.SourceID,
		ev.EventType,
		ev.BattleID,
		ev.BattleInstanceID,
		ev.OptionID,
		ev.Weight,
		ev.Value,
		string(metaJSON),
		ev.UserID,
		ev.AnonID,
		ev.Tier,
		ev.ProfileCompleteness,
		ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicateEvent
	}
	return nil
}

// ListByBattle returns events for a battle created strictly after sinceMs,
// ordered by creation time ascending.
func (r *SignalRepo) ListByBattle(ctx context.Context, db *sql.DB, battleID string, sinceMs int64) ([]domain.SignalEvent, error) {
	const q = `SELECT id, client_event_id, source_type, source_id, event_type,
	battle_id, battle_instance_id, option_id, weight, value, meta_json,
	user_id, anon_id, user_tier, profile_completeness, created_at
FROM signal_events
WHERE battle_id = ? AND created_at > ?
ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, r.Dialect.Rebind(q), battleID, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var events []domain.SignalEvent
	for rows.Next() {
		var e domain.SignalEvent
		var source, metaJSON string
		var created int64
		if err := rows.Scan(&e.ID, &e.ClientEventID, &source, &e.SourceID, &e.EventType,
			&e.BattleID, &e.BattleInstanceID, &e.OptionID, &e.Weight, &e.Value, &metaJSON,
			&e.UserID, &e.AnonID, &e.Tier, &e.ProfileCompleteness, &created); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		e.SourceType = domain.SourceType(source)
		e.CreatedAt = time.UnixMilli(created).UTC()
		if err := json.Unmarshal([]byte(metaJSON), &e.Meta); err != nil {
			return nil, fmt.Errorf("decode meta for %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountSince returns how many signals an identity recorded at or after
// sinceMs. Authenticated users are counted by user id, anonymous ones by
// device id.
func (r *SignalRepo) CountSince(ctx context.Context, db *sql.DB, userID, anonID string, sinceMs int64) (int, error) {
	q := `SELECT COUNT(*) FROM signal_events WHERE user_id = ? AND created_at >= ?`
	id := userID
	if userID == "" {
		q = `SELECT COUNT(*) FROM signal_events WHERE user_id = '' AND anon_id = ? AND created_at >= ?`
		id = anonID
	}
	var n int64
	if err := db.QueryRowContext(ctx, r.Dialect.Rebind(q), id, sinceMs).Scan(&n); err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return int(n), nil
}
