package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// AuditFilter narrows a decision trail. Zero fields do not filter; Limit 0
// returns every match.
type AuditFilter struct {
	Subject    string
	BattleID   string
	DeniedOnly bool
	SinceMs    int64
	Limit      int
}

// AuditRepo stores guard decisions.
type AuditRepo struct {
	Dialect Dialect
}

// Record stores one decision.
func (r *AuditRepo) Record(ctx context.Context, db *sql.DB, rec domain.AuditRecord) error {
	blockers, err := json.Marshal(rec.Blockers)
	if err != nil {
		return fmt.Errorf("encode blockers: %w", err)
	}
	if rec.Blockers == nil {
		blockers = []byte("[]")
	}
	allowed := 0
	if rec.Allowed {
		allowed = 1
	}

	const q = `INSERT INTO audit_records (id, subject, action, battle_id, gate, allowed, severity, blockers_json, request_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, r.Dialect.Rebind(q),
		rec.ID, rec.Subject, rec.Action, rec.BattleID, rec.Gate, allowed,
		rec.Severity, string(blockers), rec.RequestJSON, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("record audit %s: %w", rec.ID, err)
	}
	return nil
}

// List returns the decisions matching f, newest first.
func (r *AuditRepo) List(ctx context.Context, db *sql.DB, f AuditFilter) ([]domain.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.BattleID != "" {
		where = append(where, "battle_id = ?")
		args = append(args, f.BattleID)
	}
	if f.DeniedOnly {
		where = append(where, "allowed = 0")
	}
	if f.SinceMs > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.SinceMs)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, subject, action, battle_id, gate, allowed, severity, blockers_json, request_json, created_at
FROM audit_records`)
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\nORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		b.WriteString("\nLIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, r.Dialect.Rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var (
			a        domain.AuditRecord
			allowed  int
			blockers string
		)
		if err := rows.Scan(&a.ID, &a.Subject, &a.Action, &a.BattleID, &a.Gate, &allowed,
			&a.Severity, &blockers, &a.RequestJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		a.Allowed = allowed != 0
		if err := json.Unmarshal([]byte(blockers), &a.Blockers); err != nil {
			return nil, fmt.Errorf("decode blockers of %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DenialsByGate counts refused writes per gate for a battle ("" for all
// battles) since sinceMs.
func (r *AuditRepo) DenialsByGate(ctx context.Context, db *sql.DB, battleID string, sinceMs int64) (map[string]int, error) {
	q := `SELECT gate, COUNT(*) FROM audit_records WHERE allowed = 0 AND created_at >= ?`
	args := []any{sinceMs}
	if battleID != "" {
		q += ` AND battle_id = ?`
		args = append(args, battleID)
	}
	q += ` GROUP BY gate`

	rows, err := db.QueryContext(ctx, r.Dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("count denials: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var gate string
		var n int
		if err := rows.Scan(&gate, &n); err != nil {
			return nil, fmt.Errorf("scan denial count: %w", err)
		}
		out[gate] = n
	}
	return out, rows.Err()
}

// Prune deletes decisions older than beforeMs and reports how many went.
func (r *AuditRepo) Prune(ctx context.Context, db *sql.DB, beforeMs int64) (int64, error) {
	res, err := db.ExecContext(ctx, r.Dialect.Rebind(`DELETE FROM audit_records WHERE created_at < ?`), beforeMs)
	if err != nil {
		return 0, fmt.Errorf("prune audit records: %w", err)
	}
	return res.RowsAffected()
}
