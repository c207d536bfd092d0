// Package depth runs step-wise depth questionnaires about one option.
package depth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// MinQuestions is the smallest survey the engine will run.
const MinQuestions = 6

// DefaultAdvanceDelay is the pause between an answer and the next step.
const DefaultAdvanceDelay = 250 * time.Millisecond

const maxTextLen = 280

// Phase is the coarse engine state.
type Phase string

const (
	PhaseAnswering  Phase = "answering"
	PhaseSubmitting Phase = "submitting"
	PhaseFinished   Phase = "finished"
)

// Backend is what the engine needs from the backend collaborator.
type Backend interface {
	InsertDepthAnswers(ctx context.Context, optionID string, answers []domain.DepthAnswer) error
	GetDepthImmediateComparison(ctx context.Context, questionKey string, seg domain.SegmentFilter) (domain.Comparison, error)
}

// ProfileProvider returns the current user's profile.
type ProfileProvider interface {
	Profile(ctx context.Context) (domain.Profile, error)
}

// Scheduler runs f after d. The returned func cancels it. f must not be
// called before Scheduler returns.
type Scheduler func(d time.Duration, f func()) (cancel func())

func afterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// Options configures an Engine.
type Options struct {
	AdvanceDelay time.Duration
	Schedule     Scheduler
	Profiles     ProfileProvider
	// MinStage is the profile stage required to submit. Default 2.
	MinStage    int
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// State is a point-in-time view of an Engine.
type State struct {
	OptionID string            `json:"option_id"`
	Phase    Phase             `json:"phase"`
	Step     int               `json:"step"`
	Total    int               `json:"total"`
	Question domain.Question   `json:"question"`
	Answers  map[string]string `json:"answers"`
	Pending  bool              `json:"pending_advance"`
}

// Engine walks one survey. Inputs are serialized by a mutex; results of
// calls that finish after Close are discarded.
type Engine struct {
	optionID  string
	questions []domain.Question
	backend   Backend
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	phase      Phase
	step       int
	answers    map[string]string
	draft      string
	cancel     func()
	generation uint64
	closed     bool
}

// New creates an engine for optionID. Surveys with fewer than MinQuestions
// questions are refused before anything is sent.
func New(optionID string, questions []domain.Question, backend Backend, opts Options) (*Engine, error) {
	if len(questions) < MinQuestions {
		return nil, domain.NewEngineError(domain.ErrInsufficientQuestions.Code,
			fmt.Sprintf("got %d questions, need at least %d", len(questions), MinQuestions))
	}
	if opts.AdvanceDelay < 0 {
		opts.AdvanceDelay = 0
	}
	if opts.Schedule == nil {
		opts.Schedule = afterFunc
	}
	if opts.MinStage == 0 {
		opts.MinStage = 2
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		optionID:  optionID,
		questions: append([]domain.Question(nil), questions...),
		backend:   backend,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("option_id", optionID)),
		phase:     PhaseAnswering,
		answers:   make(map[string]string, len(questions)),
	}, nil
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	answers := make(map[string]string, len(e.answers))
	for k, v := range e.answers {
		answers[k] = v
	}
	return State{
		OptionID: e.optionID,
		Phase:    e.phase,
		Step:     e.step,
		Total:    len(e.questions),
		Question: e.questions[e.step],
		Answers:  answers,
		Pending:  e.cancel != nil,
	}
}

// Answer sets the answer for the current step. Choice, scale and yes/no
// answers advance after AdvanceDelay; on the last step they submit the
// survey and return the submission result. Short text answers are held
// until Confirm.
func (e *Engine) Answer(ctx context.Context, value string) error {
	e.mu.Lock()
	if err := e.acceptingLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	q := e.questions[e.step]
	norm, err := normalize(q, value)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if q.Type == domain.QuestionShortText {
		e.draft = norm
		e.mu.Unlock()
		return nil
	}
	e.answers[q.Key] = norm
	return e.stepForwardLocked(ctx)
}

// Confirm commits the short text draft of the current step.
func (e *Engine) Confirm(ctx context.Context) error {
	e.mu.Lock()
	if err := e.acceptingLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	q := e.questions[e.step]
	if q.Type != domain.QuestionShortText {
		e.mu.Unlock()
		return domain.NewEngineError(domain.ErrInvalidAnswer.Code, "only short text answers are confirmed")
	}
	if e.draft == "" {
		e.mu.Unlock()
		return domain.ErrConfirmRequired
	}
	e.answers[q.Key] = e.draft
	e.draft = ""
	return e.stepForwardLocked(ctx)
}

// Back returns to the previous step, cancelling a pending advance.
func (e *Engine) Back() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.acceptingLocked(); err != nil {
		return err
	}
	if e.step == 0 {
		return domain.ErrBackNotAllowed
	}
	e.cancelPendingLocked()
	e.draft = ""
	e.step--
	return nil
}

// Close tears the engine down. Pending advances are cancelled and results
// of in-flight calls are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelPendingLocked()
	e.generation++
	e.closed = true
}

// Comparisons fetches the self/segment/global comparison for every answered
// non-text question, concurrently. It requires a finished survey.
func (e *Engine) Comparisons(ctx context.Context, seg domain.SegmentFilter) (map[string]domain.Comparison, error) {
	e.mu.Lock()
	if e.phase != PhaseFinished {
		e.mu.Unlock()
		return nil, domain.NewEngineError(domain.ErrInvalidTransition.Code, "comparisons need a finished survey")
	}
	var keys []string
	for _, q := range e.questions {
		if _, ok := e.answers[q.Key]; ok && q.Type != domain.QuestionShortText {
			keys = append(keys, q.Key)
		}
	}
	gen := e.generation
	e.mu.Unlock()

	var mu sync.Mutex
	out := make(map[string]domain.Comparison, len(keys))
	eg, egCtx := errgroup.WithContext(ctx)
	for _, key := range keys {
		eg.Go(func() error {
			callCtx, cancel := context.WithTimeout(egCtx, e.opts.CallTimeout)
			defer cancel()
			cmp, err := e.backend.GetDepthImmediateComparison(callCtx, key, seg)
			if err != nil {
				return fmt.Errorf("comparison %s: %w", key, err)
			}
			mu.Lock()
			out[key] = cmp
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		e.logger.Warn("depth comparisons", zap.Error(err))
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return nil, domain.ErrStaleResult
	}
	return out, nil
}

func (e *Engine) acceptingLocked() error {
	switch {
	case e.closed:
		return domain.ErrStaleResult
	case e.phase == PhaseSubmitting:
		return domain.ErrSurveyBusy
	case e.phase == PhaseFinished:
		return domain.ErrSurveyFinished
	}
	return nil
}

// stepForwardLocked is called with e.mu held and releases it.
func (e *Engine) stepForwardLocked(ctx context.Context) error {
	e.cancelPendingLocked()
	if e.step == len(e.questions)-1 {
		return e.submitLocked(ctx)
	}
	if e.opts.AdvanceDelay == 0 {
		e.step++
		e.mu.Unlock()
		return nil
	}
	from, gen := e.step, e.generation
	e.cancel = e.opts.Schedule(e.opts.AdvanceDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if gen != e.generation || e.step != from || e.phase != PhaseAnswering {
			return
		}
		e.step++
		e.cancel = nil
	})
	e.mu.Unlock()
	return nil
}

// submitLocked is called with e.mu held and releases it.
func (e *Engine) submitLocked(ctx context.Context) error {
	e.phase = PhaseSubmitting
	answers := make([]domain.DepthAnswer, 0, len(e.questions))
	for _, q := range e.questions {
		if v, ok := e.answers[q.Key]; ok {
			answers = append(answers, domain.DepthAnswer{QuestionKey: q.Key, AnswerValue: v})
		}
	}
	gen := e.generation
	e.mu.Unlock()

	err := e.submit(ctx, answers)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return domain.ErrStaleResult
	}
	if err != nil {
		e.phase = PhaseAnswering
		e.logger.Warn("depth submission failed", zap.Error(err))
		return domain.Classify(err)
	}
	e.phase = PhaseFinished
	e.logger.Info("depth answers saved", zap.Int("answers", len(answers)))
	return nil
}

func (e *Engine) submit(ctx context.Context, answers []domain.DepthAnswer) error {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	if e.opts.Profiles != nil {
		p, err := e.opts.Profiles.Profile(callCtx)
		if err != nil {
			return err
		}
		if p.Stage < e.opts.MinStage {
			return domain.NewEngineError(domain.ErrProfileIncomplete.Code,
				fmt.Sprintf("profile stage %d, need %d", p.Stage, e.opts.MinStage))
		}
	}
	return e.backend.InsertDepthAnswers(callCtx, e.optionID, answers)
}

func (e *Engine) cancelPendingLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func normalize(q domain.Question, value string) (string, error) {
	v := strings.TrimSpace(value)
	invalid := func(msg string) error {
		return domain.NewEngineError(domain.ErrInvalidAnswer.Code, fmt.Sprintf("%s: %s", q.Key, msg))
	}
	switch q.Type {
	case domain.QuestionChoice:
		for _, o := range q.Options {
			if o == v {
				return v, nil
			}
		}
		return "", invalid("not one of the options")
	case domain.QuestionScale:
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", invalid("scale answers are integers")
		}
		lo, hi := q.ScaleMin, q.ScaleMax
		if lo == 0 && hi == 0 {
			lo, hi = 1, 5
		}
		if n < lo || n > hi {
			return "", invalid(fmt.Sprintf("outside %d..%d", lo, hi))
		}
		return strconv.Itoa(n), nil
	case domain.QuestionYesNo:
		switch strings.ToLower(v) {
		case "yes", "si", "sí", "true":
			return "yes", nil
		case "no", "false":
			return "no", nil
		}
		return "", invalid("expected yes or no")
	case domain.QuestionShortText:
		if v == "" {
			return "", invalid("empty text")
		}
		if len([]rune(v)) > maxTextLen {
			return "", invalid(fmt.Sprintf("longer than %d characters", maxTextLen))
		}
		return v, nil
	}
	return "", invalid("unknown question type")
}
