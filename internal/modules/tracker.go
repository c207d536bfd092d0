// Package modules tracks interest in modules that are not launched yet.
package modules

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/kvstore"
	"github.com/opina-lab/signal-engine/internal/signal"
)

// Event types emitted by the tracker.
const (
	EventPreviewViewed    = "module_preview_viewed"
	EventInterestClicked  = "module_interest_clicked"
	EventPreviewFilterUse = "module_preview_filter_used"
)

// MaxFilterEvents caps filter events per module slug.
const MaxFilterEvents = 10

// Recorder submits module signals.
type Recorder interface {
	Record(ctx context.Context, p signal.Payload) error
}

// Tracker records module interest through the signal recorder, using the kv
// store to remember what was already sent.
type Tracker struct {
	KV       kvstore.Store
	Recorder Recorder
	Logger   *zap.Logger

	mu sync.Mutex
}

// NewTracker creates a Tracker.
func NewTracker(kv kvstore.Store, rec Recorder, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{KV: kv, Recorder: rec, Logger: logger}
}

func interestKey(slug string) string { return "opina_module_interest:" + slug }

func filterKey(slug string) string { return "opina_filter_count:" + slug }

// Registered reports whether interest in slug was already recorded.
func (t *Tracker) Registered(ctx context.Context, slug string) (bool, error) {
	_, ok, err := t.KV.Get(ctx, interestKey(slug))
	return ok, err
}

// RegisterInterest records a launch request for slug once. It returns false
// when interest was already registered.
func (t *Tracker) RegisterInterest(ctx context.Context, slug string) (bool, error) {
	if slug == "" {
		return false, domain.NewEngineError(domain.ErrInvalidSignal.Code, "module slug is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	done, err := t.Registered(ctx, slug)
	if err != nil || done {
		return false, err
	}
	if err := t.record(ctx, EventInterestClicked, slug, map[string]any{
		"preview_type": "shell",
		"cta":          "launch_this",
	}); err != nil {
		return false, err
	}
	if err := t.KV.Set(ctx, interestKey(slug), "1"); err != nil {
		return true, fmt.Errorf("mark module interest: %w", err)
	}
	return true, nil
}

// TrackFilter records use of a preview filter, at most MaxFilterEvents
// times per slug. It returns false once the cap is reached.
func (t *Tracker) TrackFilter(ctx context.Context, slug, filter, value string) (bool, error) {
	if slug == "" {
		return false, domain.NewEngineError(domain.ErrInvalidSignal.Code, "module slug is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := kvstore.GetInt(ctx, t.KV, filterKey(slug))
	if err != nil {
		return false, err
	}
	if n >= MaxFilterEvents {
		return false, nil
	}
	if err := t.record(ctx, EventPreviewFilterUse, slug, map[string]any{
		"preview_type": "filter_bar",
		"filter":       filter,
		"value":        value,
	}); err != nil {
		return false, err
	}
	if err := kvstore.SetInt(ctx, t.KV, filterKey(slug), n+1); err != nil {
		return true, fmt.Errorf("count module filter: %w", err)
	}
	return true, nil
}

// TrackView records a preview page view. Views are not de-duplicated.
func (t *Tracker) TrackView(ctx context.Context, slug, entry string) error {
	return t.record(ctx, EventPreviewViewed, slug, map[string]any{"entry": entry})
}

func (t *Tracker) record(ctx context.Context, eventType, slug string, extra map[string]any) error {
	meta := map[string]any{
		"module_key":  slug,
		"module_slug": slug,
		"source":      "coming_soon",
	}
	for k, v := range extra {
		meta[k] = v
	}
	err := t.Recorder.Record(ctx, signal.Payload{
		SourceType: domain.SourceModule,
		SourceID:   slug,
		EventType:  eventType,
		Meta:       meta,
	})
	if err != nil {
		t.Logger.Warn("module event rejected", zap.String("slug", slug), zap.String("event_type", eventType), zap.Error(err))
	}
	return err
}
