package guard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/store"
)

// Config holds the write policy.
type Config struct {
	InviteRequired bool
	// RequireProfile refuses signals from identities without a profile.
	RequireProfile     bool
	MinDepthStage      int
	DailySignalLimit   int
	TierLimits         map[string]int
	RateLimitPerMinute int
}

// Guard coordinates rate, invite, profile, battle and daily limit checks
// and writes every decision to the audit log.
type Guard struct {
	DB       *sql.DB
	Config   Config
	Gates    *Registry
	Governor *LimitGovernor
	Battles  *store.BattleRepo
	Profiles *store.ProfileRepo
	Signals  *store.SignalRepo
	Audit    *store.AuditRepo
	Logger   *zap.Logger
	Now      func() time.Time

	mu         sync.Mutex
	rateCounts map[string]*rateBucket
}

type rateBucket struct {
	count       int
	windowStart int64
}

// NewGuard creates a Guard with the standard gate chains.
func NewGuard(db *sql.DB, dialect store.Dialect, cfg Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinDepthStage == 0 {
		cfg.MinDepthStage = 2
	}
	gov := NewLimitGovernor(cfg.DailySignalLimit, cfg.TierLimits)

	reg := NewRegistry()
	reg.Register(ActionInsertSignal,
		BattleActiveGate{},
		InviteGate{Required: cfg.InviteRequired},
		ProfileGate{Optional: !cfg.RequireProfile},
		DailyLimitGate{Governor: gov},
	)
	reg.Register(ActionInsertDepth,
		InviteGate{Required: cfg.InviteRequired},
		ProfileGate{MinStage: cfg.MinDepthStage},
	)

	return &Guard{
		DB:         db,
		Config:     cfg,
		Gates:      reg,
		Governor:   gov,
		Battles:    &store.BattleRepo{Dialect: dialect},
		Profiles:   &store.ProfileRepo{Dialect: dialect},
		Signals:    &store.SignalRepo{Dialect: dialect},
		Audit:      &store.AuditRepo{Dialect: dialect},
		Logger:     logger,
		Now:        time.Now,
		rateCounts: make(map[string]*rateBucket),
	}
}

// Check runs the rate limit and the action's gates. A refused request
// returns the decision and its EngineError.
func (g *Guard) Check(ctx context.Context, req Request) (Decision, error) {
	if err := g.CheckRateLimit(req.Identity()); err != nil {
		d := block(domain.ErrRateLimitExceeded, "rate limit exceeded")
		d.Gate = "rate_limit"
		g.audit(ctx, req, d)
		return d, err
	}

	if err := g.load(ctx, &req); err != nil {
		return Decision{}, err
	}

	d, err := g.Gates.Evaluate(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	g.audit(ctx, req, d)

	if !d.Allow {
		g.Logger.Info("write refused",
			zap.String("action", string(req.Action)),
			zap.String("identity", req.Identity()),
			zap.String("gate", d.Gate),
			zap.Strings("blockers", d.Blockers),
		)
		return d, d.Err
	}
	if d.Limit == domain.LimitWarn {
		g.Logger.Warn("daily signal limit nearly reached",
			zap.String("identity", req.Identity()),
			zap.Int("signals_today", req.SignalsToday),
		)
	}
	return d, nil
}

// CheckRateLimit enforces a per-identity sliding window rate limit.
// The window is 60 seconds. A limit of zero disables the check.
func (g *Guard) CheckRateLimit(identity string) error {
	if g.Config.RateLimitPerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.Now().Unix()
	bucket, ok := g.rateCounts[identity]
	if !ok {
		g.rateCounts[identity] = &rateBucket{count: 1, windowStart: now}
		return nil
	}

	if now-bucket.windowStart > 60 {
		bucket.count = 1
		bucket.windowStart = now
		return nil
	}

	if bucket.count >= g.Config.RateLimitPerMinute {
		return domain.ErrRateLimitExceeded
	}

	bucket.count++
	return nil
}

// SignalsToday counts the identity's signals since midnight UTC.
func (g *Guard) SignalsToday(ctx context.Context, userID, anonID string) (int, error) {
	return g.Signals.CountSince(ctx, g.DB, userID, anonID, StartOfDay(g.Now()).UnixMilli())
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (g *Guard) load(ctx context.Context, req *Request) error {
	if req.UserID != "" && req.Profile == nil {
		p, err := g.Profiles.Get(ctx, g.DB, req.UserID)
		switch {
		case errors.Is(err, domain.ErrProfileMissing):
		case err != nil:
			return err
		default:
			req.Profile = p
		}
	}

	if req.Action != ActionInsertSignal {
		return nil
	}

	if req.SourceType == domain.SourceVersus && !req.Tournament && req.Battle == nil && req.BattleID != "" {
		b, err := g.Battles.GetByID(ctx, g.DB, req.BattleID)
		switch {
		case errors.Is(err, domain.ErrBattleNotFound):
		case err != nil:
			return err
		default:
			req.Battle = b
		}
	}

	n, err := g.SignalsToday(ctx, req.UserID, req.AnonID)
	if err != nil {
		return err
	}
	req.SignalsToday = n
	return nil
}

func (g *Guard) audit(ctx context.Context, req Request, d Decision) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		g.Logger.Error("encode audit request", zap.Error(err))
		reqJSON = []byte("{}")
	}
	severity := "info"
	switch {
	case !d.Allow:
		severity = "deny"
	case d.Limit == domain.LimitWarn:
		severity = "warn"
	}
	rec := domain.AuditRecord{
		ID:          uuid.NewString(),
		Subject:     req.Identity(),
		Action:      string(req.Action),
		BattleID:    req.BattleID,
		Gate:        d.Gate,
		Allowed:     d.Allow,
		Severity:    severity,
		Blockers:    d.Blockers,
		RequestJSON: string(reqJSON),
		CreatedAt:   g.Now().UnixMilli(),
	}
	if err := g.Audit.Record(ctx, g.DB, rec); err != nil {
		g.Logger.Error("record audit", zap.Error(err))
	}
}
