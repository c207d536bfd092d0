package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// KPIRepo computes read-side aggregates over signal_events.
type KPIRepo struct {
	Dialect Dialect
}

// Share returns per-option weighted signals inside [from, to) for a battle,
// including options with no signals. Share fractions sum to 1 when the
// battle has any weighted signal in the window.
func (r *KPIRepo) Share(ctx context.Context, db *sql.DB, battleID string, from, to time.Time) ([]domain.ShareRow, error) {
	const q = `SELECT o.id, COALESCE(SUM(e.weight), 0)
FROM battle_options o
LEFT JOIN signal_events e
	ON e.option_id = o.id AND e.battle_id = o.battle_id
	AND e.created_at >= ? AND e.created_at < ?
WHERE o.battle_id = ?
GROUP BY o.id, o.sort_order
ORDER BY o.sort_order ASC, o.id ASC`

	rows, err := db.QueryContext(ctx, r.Dialect.Rebind(q), from.UnixMilli(), to.UnixMilli(), battleID)
	if err != nil {
		return nil, fmt.Errorf("share of preference: %w", err)
	}
	defer rows.Close()

	var out []domain.ShareRow
	var total float64
	for rows.Next() {
		var row domain.ShareRow
		if err := rows.Scan(&row.OptionID, &row.WeightedSignals); err != nil {
			return nil, fmt.Errorf("scan share row: %w", err)
		}
		total += row.WeightedSignals
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].WeightedTotal = total
		if total > 0 {
			out[i].Share = out[i].WeightedSignals / total
		}
	}
	return out, nil
}

// Velocity returns, per option, weighted signals in (now-window, now] minus
// those in (now-2*window, now-window].
func (r *KPIRepo) Velocity(ctx context.Context, db *sql.DB, battleID string, now time.Time, window time.Duration) ([]domain.VelocityRow, error) {
	const q = `SELECT o.id,
	COALESCE(SUM(CASE WHEN e.created_at >= ? THEN e.weight ELSE 0 END), 0)
	- COALESCE(SUM(CASE WHEN e.created_at < ? THEN e.weight ELSE 0 END), 0)
FROM battle_options o
LEFT JOIN signal_events e
	ON e.option_id = o.id AND e.battle_id = o.battle_id
	AND e.created_at >= ? AND e.created_at < ?
WHERE o.battle_id = ?
GROUP BY o.id, o.sort_order
ORDER BY o.sort_order ASC, o.id ASC`

	recentStart := now.Add(-window).UnixMilli()
	baselineStart := now.Add(-2 * window).UnixMilli()
	end := now.UnixMilli() + 1

	rows, err := db.QueryContext(ctx, r.Dialect.Rebind(q), recentStart, recentStart, baselineStart, end, battleID)
	if err != nil {
		return nil, fmt.Errorf("trend velocity: %w", err)
	}
	defer rows.Close()

	var out []domain.VelocityRow
	for rows.Next() {
		var row domain.VelocityRow
		if err := rows.Scan(&row.OptionID, &row.Delta); err != nil {
			return nil, fmt.Errorf("scan velocity row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Quality returns engagement quality metrics for a battle since the given
// time, ranked by value descending.
func (r *KPIRepo) Quality(ctx context.Context, db *sql.DB, battleID string, since time.Time) ([]domain.QualityRow, error) {
	const q = `SELECT COUNT(*),
	COALESCE(SUM(weight), 0),
	COALESCE(SUM(CASE WHEN weight >= 1.0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN user_tier <> 'free' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN user_id <> '' THEN 1 ELSE 0 END), 0)
FROM signal_events
WHERE battle_id = ? AND created_at >= ?`

	var count, highQuality, verified, authenticated int64
	var weighted float64
	err := db.QueryRowContext(ctx, r.Dialect.Rebind(q), battleID, since.UnixMilli()).
		Scan(&count, &weighted, &highQuality, &verified, &authenticated)
	if err != nil {
		return nil, fmt.Errorf("engagement quality: %w", err)
	}
	if count == 0 {
		return []domain.QualityRow{}, nil
	}

	n := float64(count)
	rows := []domain.QualityRow{
		{MetricKey: "total_signals", MetricValue: n, MetricLabel: "Señales totales"},
		{MetricKey: "weighted_signals", MetricValue: weighted, MetricLabel: "Señales ponderadas"},
		{MetricKey: "avg_weight", MetricValue: weighted / n, MetricLabel: "Peso promedio"},
		{MetricKey: "high_quality_share", MetricValue: float64(highQuality) / n, MetricLabel: "Respuestas deliberadas"},
		{MetricKey: "verified_share", MetricValue: float64(verified) / n, MetricLabel: "Usuarios verificados"},
		{MetricKey: "authenticated_share", MetricValue: float64(authenticated) / n, MetricLabel: "Usuarios con cuenta"},
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].MetricValue > rows[j].MetricValue })
	return rows, nil
}
