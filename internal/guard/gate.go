// Package guard decides whether the backend accepts a write.
package guard

import (
	"context"
	"fmt"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// Action names a guarded backend write.
type Action string

const (
	ActionInsertSignal Action = "insert_signal"
	ActionInsertDepth  Action = "insert_depth"
)

// Request is everything the gates look at. The Guard fills Profile, Battle
// and SignalsToday before evaluating.
type Request struct {
	Action     Action            `json:"action"`
	UserID     string            `json:"user_id,omitempty"`
	AnonID     string            `json:"anon_id,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	SourceType domain.SourceType `json:"source_type,omitempty"`
	BattleID   string            `json:"battle_id,omitempty"`

	// Tournament marks progressive duels whose battle id names a tournament
	// rather than a stored battle.
	Tournament bool `json:"tournament,omitempty"`

	Profile      *domain.Profile `json:"-"`
	Battle       *domain.Battle  `json:"-"`
	SignalsToday int             `json:"signals_today"`
}

// Identity returns the user id, or the device id for anonymous requests.
func (r Request) Identity() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.AnonID
}

// Decision is the outcome of evaluating one or more gates.
type Decision struct {
	Allow    bool                `json:"allow"`
	Gate     string              `json:"gate,omitempty"`
	Blockers []string            `json:"blockers,omitempty"`
	Limit    domain.LimitAction  `json:"limit,omitempty"`
	Err      *domain.EngineError `json:"error,omitempty"`
}

// Gate evaluates whether a request may proceed.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

func allow() Decision { return Decision{Allow: true} }

func block(err *domain.EngineError, blocker string) Decision {
	return Decision{Err: err, Blockers: []string{blocker}}
}

// BattleActiveGate refuses versus signals for unknown or closed battles.
type BattleActiveGate struct{}

// Name returns the gate name.
func (BattleActiveGate) Name() string { return "battle_active" }

// Evaluate checks the battle status.
func (BattleActiveGate) Evaluate(_ context.Context, req Request) (Decision, error) {
	if req.SourceType != domain.SourceVersus || req.Tournament {
		return allow(), nil
	}
	if req.Battle == nil {
		return block(domain.ErrBattleNotFound, "battle "+req.BattleID+" not found"), nil
	}
	if req.Battle.Status != domain.BattleActive {
		return block(domain.ErrBattleNotActive, "battle is "+string(req.Battle.Status)), nil
	}
	return allow(), nil
}

// InviteGate requires an accepted invite when Required is set.
type InviteGate struct {
	Required bool
}

// Name returns the gate name.
func (InviteGate) Name() string { return "invite" }

// Evaluate checks the invite flag on the profile.
func (g InviteGate) Evaluate(_ context.Context, req Request) (Decision, error) {
	if !g.Required {
		return allow(), nil
	}
	if req.Profile == nil || !req.Profile.InviteOK {
		return block(domain.ErrInviteRequired, "invite not accepted"), nil
	}
	return allow(), nil
}

// ProfileGate requires a stored, complete profile at MinStage or above.
// Optional lets anonymous requests without a profile through.
type ProfileGate struct {
	MinStage int
	Optional bool
}

// Name returns the gate name.
func (ProfileGate) Name() string { return "profile" }

// Evaluate checks profile presence, stage and demographic fields.
func (g ProfileGate) Evaluate(_ context.Context, req Request) (Decision, error) {
	if req.Profile == nil {
		if g.Optional {
			return allow(), nil
		}
		return block(domain.ErrProfileMissing, "no profile for "+req.Identity()), nil
	}
	if req.Profile.Stage < g.MinStage {
		return block(domain.ErrProfileIncomplete,
			fmt.Sprintf("profile stage %d below %d", req.Profile.Stage, g.MinStage)), nil
	}
	if g.MinStage > 0 && !req.Profile.Complete() {
		return block(domain.ErrProfileIncomplete, "profile demographics missing"), nil
	}
	return allow(), nil
}

// DailyLimitGate caps signals per identity per day.
type DailyLimitGate struct {
	Governor *LimitGovernor
}

// Name returns the gate name.
func (DailyLimitGate) Name() string { return "daily_limit" }

// Evaluate compares today's count against the tier limit. A warn action is
// allowed but reported.
func (g DailyLimitGate) Evaluate(_ context.Context, req Request) (Decision, error) {
	tier := req.Tier
	if req.Profile != nil && req.Profile.Tier != "" {
		tier = req.Profile.Tier
	}
	action := g.Governor.Evaluate(tier, req.SignalsToday)
	if action == domain.LimitHalt {
		d := block(domain.ErrSignalLimitReached,
			fmt.Sprintf("%d of %d signals used today", req.SignalsToday, g.Governor.LimitFor(tier)))
		d.Limit = action
		return d, nil
	}
	return Decision{Allow: true, Limit: action}, nil
}

// Registry maps each guarded action to its ordered gates.
type Registry struct {
	gates map[Action][]Gate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[Action][]Gate)}
}

// Register appends gates for an action.
func (r *Registry) Register(action Action, gates ...Gate) {
	r.gates[action] = append(r.gates[action], gates...)
}

// Get returns the gates for an action, or an error if none are registered.
func (r *Registry) Get(action Action) ([]Gate, error) {
	g, ok := r.gates[action]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownMethod.Code, "no gates for "+string(action))
	}
	return g, nil
}

// Evaluate runs the action's gates in order and stops at the first block.
// The returned decision carries the strongest limit action seen.
func (r *Registry) Evaluate(ctx context.Context, req Request) (Decision, error) {
	gates, err := r.Get(req.Action)
	if err != nil {
		return Decision{}, err
	}
	out := Decision{Allow: true, Limit: domain.LimitContinue}
	for _, g := range gates {
		d, err := g.Evaluate(ctx, req)
		if err != nil {
			return Decision{}, fmt.Errorf("evaluate gate %s: %w", g.Name(), err)
		}
		if d.Limit == domain.LimitWarn || d.Limit == domain.LimitHalt {
			out.Limit = d.Limit
		}
		if !d.Allow {
			d.Gate = g.Name()
			if d.Limit == "" {
				d.Limit = out.Limit
			}
			return d, nil
		}
	}
	return out, nil
}
