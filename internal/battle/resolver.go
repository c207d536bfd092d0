// Package battle resolves battle identifiers into canonical option sets.
package battle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// Source tags where a resolution came from. It is decided once per
// resolution and carried with the result.
type Source int

const (
	SourceNotFound Source = iota
	SourceDemo
	SourceBackend
)

func (s Source) String() string {
	switch s {
	case SourceDemo:
		return "demo"
	case SourceBackend:
		return "backend"
	default:
		return "not_found"
	}
}

// Backend is the remote lookup the resolver depends on.
type Backend interface {
	ResolveBattleContext(ctx context.Context, identifier string) (domain.BattleContext, error)
}

// Catalog serves battles without a backend call, e.g. demo content.
type Catalog interface {
	Lookup(identifier string) (domain.BattleContext, bool)
}

// Result is the outcome of a resolution. Callers branch on OK and Source;
// Err explains an OK=false result.
type Result struct {
	OK     bool
	Source Source
	domain.BattleContext
	Err error
}

// Resolver maps a battle id or slug to its context. It never returns a Go
// error: failures come back as Result{OK: false}.
type Resolver struct {
	Backend Backend
	Demo    Catalog
	// DemoEnabled reports whether demo content should be served.
	DemoEnabled func(ctx context.Context) bool
	Logger      *zap.Logger
	Timeout     time.Duration

	cache *expirable.LRU[string, domain.BattleContext]
}

// DefaultCacheTTL bounds how long a cached resolution may serve a battle
// instance that has since been replaced.
const DefaultCacheTTL = 5 * time.Minute

// NewResolver creates a Resolver with an LRU of cacheSize successful
// backend resolutions, each kept for at most ttl (DefaultCacheTTL when
// ttl <= 0). cacheSize <= 0 disables caching.
func NewResolver(backend Backend, cacheSize int, ttl time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		Backend: backend,
		Logger:  logger,
		Timeout: 5 * time.Second,
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if cacheSize > 0 {
		r.cache = expirable.NewLRU[string, domain.BattleContext](cacheSize, nil, ttl)
	}
	return r
}

// Resolve looks the identifier up in demo content (when enabled), then the
// cache, then the backend. A single backend failure is terminal.
func (r *Resolver) Resolve(ctx context.Context, identifier string) Result {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Result{Source: SourceNotFound, Err: domain.ErrEmptyIdentifier}
	}

	if r.Demo != nil && r.DemoEnabled != nil && r.DemoEnabled(ctx) {
		if bc, ok := r.Demo.Lookup(identifier); ok {
			return Result{OK: true, Source: SourceDemo, BattleContext: bc}
		}
	}

	if r.cache != nil {
		if bc, ok := r.cache.Get(identifier); ok {
			return Result{OK: true, Source: SourceBackend, BattleContext: bc}
		}
	}

	if r.Backend == nil {
		return Result{Source: SourceNotFound, Err: domain.ErrContextUnavailable}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	bc, err := r.Backend.ResolveBattleContext(callCtx, identifier)
	if err != nil {
		r.Logger.Warn("resolve battle context", zap.String("identifier", identifier), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.WrapEngineError(domain.ErrBackendTimeout.Code, "resolve "+identifier, err)
		}
		return Result{Source: SourceNotFound, Err: err}
	}
	if bc.BattleID == "" {
		return Result{Source: SourceNotFound, Err: domain.ErrBattleNotFound}
	}

	if r.cache != nil {
		r.cache.Add(identifier, bc)
		if bc.Slug != "" {
			r.cache.Add(bc.Slug, bc)
		}
		r.cache.Add(bc.BattleID, bc)
	}
	return Result{OK: true, Source: SourceBackend, BattleContext: bc}
}

// Invalidate drops cached resolutions for a battle, e.g. after a new
// instance is opened.
func (r *Resolver) Invalidate(identifiers ...string) {
	if r.cache == nil {
		return
	}
	for _, id := range identifiers {
		r.cache.Remove(id)
	}
}
