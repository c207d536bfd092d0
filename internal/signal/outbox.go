package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/kvstore"
)

// OutboxKey is where pending signals are persisted.
const OutboxKey = "opina_signal_outbox_v1"

const (
	defaultMaxQueue = 500
	defaultMaxAge   = 7 * 24 * time.Hour
	defaultMaxJobs  = 50
	baseBackoff     = 3 * time.Second
	maxBackoff      = time.Hour
)

var nonRetriable = []*domain.EngineError{
	domain.ErrSignalLimitReached,
	domain.ErrProfileMissing,
	domain.ErrBattleNotActive,
	domain.ErrInvalidSignal,
	domain.ErrMissingBattleContext,
	domain.ErrInviteRequired,
	domain.ErrProfileIncomplete,
	domain.ErrCooldownActive,
	domain.ErrDuplicateEvent,
}

// Retriable reports whether a failed insert is worth retrying later.
func Retriable(err error) bool {
	for _, e := range nonRetriable {
		if errors.Is(err, e) {
			return false
		}
	}
	return true
}

// OutboxJob is a pending signal and its retry bookkeeping.
type OutboxJob struct {
	Event         domain.SignalEvent `json:"event"`
	CreatedAt     int64              `json:"created_at"`
	Attempts      int                `json:"attempts"`
	NextAttemptAt int64              `json:"next_attempt_at"`
	LastError     string             `json:"last_error,omitempty"`
}

// FlushResult summarizes one Flush call.
type FlushResult struct {
	Sent      int
	Failed    int
	Remaining int
}

// Outbox is a persisted retry queue for signal events, newest first and
// de-duplicated by client event id. Flushing is explicit.
type Outbox struct {
	KV       kvstore.Store
	Logger   *zap.Logger
	Now      func() time.Time
	MaxQueue int
	MaxAge   time.Duration

	mu       sync.Mutex
	flushing sync.Mutex
}

// NewOutbox returns an Outbox with the default limits.
func NewOutbox(kv kvstore.Store, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		KV:       kv,
		Logger:   logger,
		Now:      time.Now,
		MaxQueue: defaultMaxQueue,
		MaxAge:   defaultMaxAge,
	}
}

// Backoff returns the delay before retry number attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := baseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Enqueue adds an event. It returns false if an event with the same client
// event id is already queued.
func (o *Outbox) Enqueue(ctx context.Context, ev domain.SignalEvent) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, err := o.load(ctx)
	if err != nil {
		return false, err
	}
	for _, j := range queue {
		if j.Event.ClientEventID == ev.ClientEventID {
			return false, nil
		}
	}

	now := o.Now().UnixMilli()
	job := OutboxJob{Event: ev, CreatedAt: now, NextAttemptAt: now}
	queue = append([]OutboxJob{job}, queue...)
	return true, o.save(ctx, o.prune(queue))
}

// Pending returns the queued jobs, newest first.
func (o *Outbox) Pending(ctx context.Context) ([]OutboxJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(ctx)
}

// Remove drops a job by client event id.
func (o *Outbox) Remove(ctx context.Context, clientEventID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	queue, err := o.load(ctx)
	if err != nil {
		return err
	}
	return o.save(ctx, without(queue, clientEventID))
}

// Flush resubmits up to maxJobs due jobs (0 means 50). Successful and
// non-retriable jobs leave the queue; others are rescheduled with backoff.
// A concurrent Flush returns immediately with only the remaining count.
func (o *Outbox) Flush(ctx context.Context, ins Inserter, maxJobs int) (FlushResult, error) {
	if maxJobs <= 0 {
		maxJobs = defaultMaxJobs
	}
	if !o.flushing.TryLock() {
		pending, err := o.Pending(ctx)
		return FlushResult{Remaining: len(pending)}, err
	}
	defer o.flushing.Unlock()

	o.mu.Lock()
	queue, err := o.load(ctx)
	o.mu.Unlock()
	if err != nil {
		return FlushResult{}, err
	}

	now := o.Now().UnixMilli()
	var due []OutboxJob
	for _, j := range queue {
		if j.NextAttemptAt <= now {
			due = append(due, j)
			if len(due) == maxJobs {
				break
			}
		}
	}

	var res FlushResult
	outcome := make(map[string]*OutboxJob, len(due))
	for _, job := range due {
		if err := ctx.Err(); err != nil {
			break
		}
		id := job.Event.ClientEventID
		err := ins.InsertSignalEvent(ctx, job.Event)
		switch {
		case err == nil:
			outcome[id] = nil
			res.Sent++
		case !Retriable(err):
			outcome[id] = nil
			res.Failed++
			o.Logger.Error("dropping non-retriable signal", zap.String("client_event_id", id), zap.Error(err))
		default:
			job.Attempts++
			job.NextAttemptAt = o.Now().Add(Backoff(job.Attempts)).UnixMilli()
			job.LastError = err.Error()
			j := job
			outcome[id] = &j
			res.Failed++
			o.Logger.Warn("signal retry scheduled", zap.String("client_event_id", id), zap.Int("attempts", job.Attempts), zap.Error(err))
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// Reload so jobs enqueued while flushing are kept.
	current, err := o.load(ctx)
	if err != nil {
		return res, err
	}
	next := make([]OutboxJob, 0, len(current))
	for _, j := range current {
		upd, seen := outcome[j.Event.ClientEventID]
		switch {
		case !seen:
			next = append(next, j)
		case upd != nil:
			next = append(next, *upd)
		}
	}
	next = o.prune(next)
	res.Remaining = len(next)
	return res, o.save(ctx, next)
}

func (o *Outbox) prune(queue []OutboxJob) []OutboxJob {
	cutoff := o.Now().Add(-o.MaxAge).UnixMilli()
	fresh := queue[:0:0]
	for _, j := range queue {
		if j.CreatedAt >= cutoff {
			fresh = append(fresh, j)
		}
	}
	if len(fresh) > o.MaxQueue {
		fresh = fresh[:o.MaxQueue]
	}
	return fresh
}

func (o *Outbox) load(ctx context.Context) ([]OutboxJob, error) {
	raw, ok, err := o.KV.Get(ctx, OutboxKey)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var queue []OutboxJob
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		o.Logger.Warn("discarding unreadable outbox", zap.Error(err))
		return nil, nil
	}
	return queue, nil
}

func (o *Outbox) save(ctx context.Context, queue []OutboxJob) error {
	if len(queue) == 0 {
		return o.KV.Remove(ctx, OutboxKey)
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode outbox: %w", err)
	}
	return o.KV.Set(ctx, OutboxKey, string(data))
}

func without(queue []OutboxJob, clientEventID string) []OutboxJob {
	out := queue[:0:0]
	for _, j := range queue {
		if j.Event.ClientEventID != clientEventID {
			out = append(out, j)
		}
	}
	return out
}
