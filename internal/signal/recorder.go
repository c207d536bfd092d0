package signal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// Inserter is the backend call the recorder submits to.
type Inserter interface {
	InsertSignalEvent(ctx context.Context, ev domain.SignalEvent) error
}

// Payload is what callers hand to Record. A nil Weight means unspecified
// and becomes 1.0; an explicit 0 is kept.
type Payload struct {
	SourceType       domain.SourceType
	SourceID         string
	EventType        string
	BattleID         string
	BattleInstanceID string
	OptionID         string
	Weight           *float64
	Value            int
	Meta             map[string]any
	ClientEventID    string
}

// Recorder validates payloads and submits them as signal events.
type Recorder struct {
	Backend  Inserter
	Identity IdentityProvider
	Outbox   *Outbox
	Logger   *zap.Logger
	Now      func() time.Time
	Timeout  time.Duration
}

// NewRecorder creates a Recorder with a 5s call timeout.
func NewRecorder(backend Inserter, ids IdentityProvider, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		Backend:  backend,
		Identity: ids,
		Logger:   logger,
		Now:      time.Now,
		Timeout:  5 * time.Second,
	}
}

// Weight returns w as an explicit payload weight.
func Weight(w float64) *float64 { return &w }

// Validate checks the payload without side effects.
func Validate(p Payload) error {
	if p.SourceType == "" {
		return domain.NewEngineError(domain.ErrInvalidSignal.Code, "source_type is required")
	}
	if p.SourceType == domain.SourceVersus && (p.BattleID == "" || p.BattleInstanceID == "") {
		return domain.ErrMissingBattleContext
	}
	if p.Weight != nil && (*p.Weight < 0 || *p.Weight > 1) {
		return domain.NewEngineError(domain.ErrInvalidSignal.Code, "weight must be within [0,1]")
	}
	if p.Value < -1 || p.Value > 1 {
		return domain.NewEngineError(domain.ErrInvalidSignal.Code, "value must be -1, 0 or +1")
	}
	return nil
}

// Record submits one signal event. Invalid payloads are never sent: they
// are logged and the validation error is returned so the caller can tell
// the user. Backend failures are logged and swallowed; retriable ones are
// queued in the outbox when one is configured.
func (r *Recorder) Record(ctx context.Context, p Payload) error {
	if err := Validate(p); err != nil {
		r.Logger.Warn("dropping invalid signal",
			zap.String("source_type", string(p.SourceType)),
			zap.String("battle_id", p.BattleID),
			zap.String("battle_instance_id", p.BattleInstanceID),
			zap.Error(err),
		)
		return err
	}

	ev, err := r.build(ctx, p)
	if err != nil {
		r.Logger.Error("resolve identity", zap.Error(err))
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if err := r.Backend.InsertSignalEvent(callCtx, ev); err != nil {
		r.Logger.Error("insert signal event",
			zap.String("client_event_id", ev.ClientEventID),
			zap.String("option_id", ev.OptionID),
			zap.Error(err),
		)
		if r.Outbox != nil && Retriable(err) {
			if _, qerr := r.Outbox.Enqueue(ctx, ev); qerr != nil {
				r.Logger.Error("enqueue signal", zap.Error(qerr))
			}
		}
		return nil
	}

	r.Logger.Debug("signal recorded",
		zap.String("client_event_id", ev.ClientEventID),
		zap.String("source_type", string(ev.SourceType)),
		zap.Float64("weight", ev.Weight),
	)
	return nil
}

func (r *Recorder) build(ctx context.Context, p Payload) (domain.SignalEvent, error) {
	var id Identity
	if r.Identity != nil {
		var err error
		if id, err = r.Identity.Identity(ctx); err != nil {
			return domain.SignalEvent{}, err
		}
	}

	weight := 1.0
	if p.Weight != nil {
		weight = *p.Weight
	}
	tier := id.Tier
	if tier == "" {
		tier = "free"
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	clientID := p.ClientEventID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	return domain.SignalEvent{
		ID:                  uuid.NewString(),
		ClientEventID:       clientID,
		SourceType:          p.SourceType,
		SourceID:            p.SourceID,
		EventType:           p.EventType,
		BattleID:            p.BattleID,
		BattleInstanceID:    p.BattleInstanceID,
		OptionID:            p.OptionID,
		Weight:              weight,
		Value:               p.Value,
		Meta:                meta,
		UserID:              id.UserID,
		AnonID:              id.AnonID,
		Tier:                tier,
		ProfileCompleteness: id.ProfileCompleteness,
		CreatedAt:           r.Now().UTC(),
	}, nil
}
