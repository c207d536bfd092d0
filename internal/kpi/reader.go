// Package kpi reads battle KPIs from the backend.
package kpi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// Source is the backend surface the reader queries.
type Source interface {
	KPIShareOfPreference(ctx context.Context, battleID string, r domain.DateRange) ([]domain.ShareRow, error)
	KPITrendVelocity(ctx context.Context, battleID string) ([]domain.VelocityRow, error)
	KPIEngagementQuality(ctx context.Context, battleID string) ([]domain.QualityRow, error)
}

// Snapshot joins the three KPI views of one battle.
type Snapshot struct {
	BattleID string               `json:"battle_id"`
	Range    domain.DateRange     `json:"range"`
	Share    []domain.ShareRow    `json:"share"`
	Velocity []domain.VelocityRow `json:"velocity"`
	Quality  []domain.QualityRow  `json:"quality"`
}

// Reader is read-only and never caches. Failed queries yield empty rows.
type Reader struct {
	Source  Source
	Logger  *zap.Logger
	Timeout time.Duration
}

// NewReader creates a Reader with a 5s per-query timeout.
func NewReader(src Source, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{Source: src, Logger: logger, Timeout: 5 * time.Second}
}

// Share returns per-option share of preference within r. Shares are
// recomputed from the weighted counts so they sum to 1 when any signal
// exists.
func (r *Reader) Share(ctx context.Context, battleID string, rng domain.DateRange) []domain.ShareRow {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	rows, err := r.Source.KPIShareOfPreference(ctx, battleID, rng)
	if err != nil {
		r.Logger.Error("kpi share of preference", zap.String("battle_id", battleID), zap.Error(err))
		return []domain.ShareRow{}
	}
	return Normalize(rows)
}

// Velocity returns the signed change in weighted signals per option.
func (r *Reader) Velocity(ctx context.Context, battleID string) []domain.VelocityRow {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	rows, err := r.Source.KPITrendVelocity(ctx, battleID)
	if err != nil {
		r.Logger.Error("kpi trend velocity", zap.String("battle_id", battleID), zap.Error(err))
		return []domain.VelocityRow{}
	}
	if rows == nil {
		rows = []domain.VelocityRow{}
	}
	return rows
}

// Quality returns the engagement quality metrics.
func (r *Reader) Quality(ctx context.Context, battleID string) []domain.QualityRow {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	rows, err := r.Source.KPIEngagementQuality(ctx, battleID)
	if err != nil {
		r.Logger.Error("kpi engagement quality", zap.String("battle_id", battleID), zap.Error(err))
		return []domain.QualityRow{}
	}
	if rows == nil {
		rows = []domain.QualityRow{}
	}
	return rows
}

// Snapshot runs the three queries concurrently.
func (r *Reader) Snapshot(ctx context.Context, battleID string, rng domain.DateRange) Snapshot {
	snap := Snapshot{BattleID: battleID, Range: rng}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		snap.Share = r.Share(egCtx, battleID, rng)
		return nil
	})
	eg.Go(func() error {
		snap.Velocity = r.Velocity(egCtx, battleID)
		return nil
	})
	eg.Go(func() error {
		snap.Quality = r.Quality(egCtx, battleID)
		return nil
	})
	_ = eg.Wait()
	return snap
}

// Normalize recomputes WeightedTotal and Share from WeightedSignals. Rows
// with a zero total keep a zero share.
func Normalize(rows []domain.ShareRow) []domain.ShareRow {
	out := make([]domain.ShareRow, len(rows))
	var total float64
	for _, row := range rows {
		total += row.WeightedSignals
	}
	for i, row := range rows {
		row.WeightedTotal = total
		row.Share = 0
		if total > 0 {
			row.Share = row.WeightedSignals / total
		}
		out[i] = row
	}
	return out
}
