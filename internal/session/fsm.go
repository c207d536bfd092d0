// Package session drives multi-step voting sessions over a queue of duels.
package session

import (
	"fmt"
	"time"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// Step is the position of a session inside one vote.
type Step string

const (
	StepIdle              Step = "idle"
	StepAwaitingPick      Step = "awaiting_pick"
	StepAwaitingIntensity Step = "awaiting_intensity"
	StepAwaitingReason    Step = "awaiting_reason"
	StepRecording         Step = "recording"
	StepComplete          Step = "complete"
)

// Intensity is how strongly the user holds a pick.
type Intensity string

const (
	IntensityLow  Intensity = "low"
	IntensityHigh Intensity = "high"
)

// validTransitions defines the legal step transitions. Reset to idle is
// handled separately and is legal from every step.
var validTransitions = map[Step]map[Step]bool{
	StepIdle:              {StepAwaitingPick: true},
	StepAwaitingPick:      {StepAwaitingIntensity: true},
	StepAwaitingIntensity: {StepAwaitingReason: true},
	StepAwaitingReason:    {StepRecording: true},
	StepRecording:         {StepAwaitingPick: true, StepComplete: true},
}

// IsValidTransition checks if a step transition is legal.
func IsValidTransition(from, to Step) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// vote holds the inputs collected for the duel on screen. finished
// outlives Reset: a completed session stays complete.
type vote struct {
	step        Step
	finished    bool
	optionID    string
	intensity   Intensity
	presentedAt time.Time
}

func (v *vote) moveTo(to Step) error {
	if err := v.open(); err != nil {
		return err
	}
	if !IsValidTransition(v.step, to) {
		return domain.NewEngineError(
			domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal transition %s -> %s", v.step, to),
		)
	}
	v.step = to
	return nil
}

func (v *vote) expect(step Step) error {
	if err := v.open(); err != nil {
		return err
	}
	if v.step == step {
		return nil
	}
	return domain.NewEngineError(
		domain.ErrInvalidTransition.Code,
		fmt.Sprintf("expected step %s, session is at %s", step, v.step),
	)
}

// present shows a fresh duel: inputs are cleared and the clock restarts.
func (v *vote) present(now time.Time) {
	v.optionID = ""
	v.intensity = ""
	v.presentedAt = now
}

// open rejects input to a finished session or while a vote is recorded.
func (v *vote) open() error {
	switch {
	case v.finished:
		return domain.ErrSessionComplete
	case v.step == StepRecording:
		return domain.ErrVoteInFlight
	}
	return nil
}

// finish applies a recorded vote: either the next duel or completion.
func (v *vote) finish(done bool, now time.Time) {
	if done {
		v.step = StepComplete
		v.finished = true
		return
	}
	v.step = StepAwaitingPick
	v.present(now)
}

func (v *vote) reset() {
	v.step = StepIdle
	v.optionID = ""
	v.intensity = ""
}
