// Package backend defines the remote calls the engine depends on, a
// store-backed implementation and an HTTP client for it.
package backend

import (
	"context"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/signal"
)

// Backend is every remote call the core makes.
type Backend interface {
	ResolveBattleContext(ctx context.Context, identifier string) (domain.BattleContext, error)
	GetActiveBattles(ctx context.Context) ([]domain.Battle, error)
	InsertSignalEvent(ctx context.Context, ev domain.SignalEvent) error
	InsertDepthAnswers(ctx context.Context, optionID string, answers []domain.DepthAnswer) error
	GetDepthAnalytics(ctx context.Context, optionID string, seg domain.SegmentFilter) ([]domain.DepthAnalyticsRow, error)
	GetDepthImmediateComparison(ctx context.Context, questionKey string, seg domain.SegmentFilter) (domain.Comparison, error)
	KPIShareOfPreference(ctx context.Context, battleID string, r domain.DateRange) ([]domain.ShareRow, error)
	KPITrendVelocity(ctx context.Context, battleID string) ([]domain.VelocityRow, error)
	KPIEngagementQuality(ctx context.Context, battleID string) ([]domain.QualityRow, error)
	GetDepthDefinitions(ctx context.Context, optionID string) ([]domain.Question, error)
	CountSignalsToday(ctx context.Context, id signal.Identity) (int, error)
}

type identityKey struct{}

// WithIdentity attaches the caller's identity to ctx. Depth writes and
// comparisons attribute to it.
func WithIdentity(ctx context.Context, id signal.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by WithIdentity.
func IdentityFrom(ctx context.Context) (signal.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(signal.Identity)
	return id, ok
}
