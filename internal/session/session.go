package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/signal"
)

// DefaultBatchSize is the number of votes in one classic batch.
const DefaultBatchSize = 12

// Recorder submits vote signals.
type Recorder interface {
	Record(ctx context.Context, p signal.Payload) error
}

// Snapshotter persists session progress for resume.
type Snapshotter interface {
	SaveSession(ctx context.Context, snap domain.SessionSnapshot) error
}

// Options configures a Session. Zero values pick defaults.
type Options struct {
	SessionID string
	// BatchSize caps a classic session. Default 12.
	BatchSize int
	// TotalToday is the number of signals the user already sent today.
	TotalToday int
	// CrownAfter ends a progressive session once the champion wins this
	// many duels in a row. 0 disables early crowning.
	CrownAfter int
	OnComplete func(Summary)
	Snapshots  Snapshotter
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Summary is handed to the completion callback.
type Summary struct {
	SessionID      string             `json:"session_id"`
	Mode           domain.SessionMode `json:"mode"`
	Completed      int                `json:"completed"`
	BatchIndex     int                `json:"batch_index"`
	NextBatchIndex int                `json:"next_batch_index"`
	Winner         *domain.Option     `json:"winner,omitempty"`
	Defeated       []domain.Option    `json:"defeated,omitempty"`
}

// State is a point-in-time view of a session.
type State struct {
	SessionID      string             `json:"session_id"`
	Mode           domain.SessionMode `json:"mode"`
	Step           Step               `json:"step"`
	Index          int                `json:"index"`
	Completed      int                `json:"completed"`
	QueueLen       int                `json:"queue_len"`
	BatchSize      int                `json:"batch_size"`
	BatchIndex     int                `json:"batch_index"`
	NextBatchIndex int                `json:"next_batch_index"`
	Generation     uint64             `json:"generation"`
}

// BatchIndex returns which batch a user with total signals today is in.
func BatchIndex(totalToday, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return totalToday / batchSize
}

// bracket decides which duel comes next.
type bracket interface {
	mode() domain.SessionMode
	current() (domain.BattleContext, bool)
	// advance applies a recorded vote and reports whether the session is done.
	advance(winnerID string) bool
	meta() map[string]any
	summarize(s *Summary)
	position() int
	size() int
}

// Session is a voting session. A Session is safe for concurrent use; every
// input is applied in order under its mutex. While a vote is being recorded
// every input except Reset fails with domain.ErrVoteInFlight.
type Session struct {
	id         string
	rec        Recorder
	b          bracket
	batchSize  int
	totalToday int
	onComplete func(Summary)
	snaps      Snapshotter
	clock      func() time.Time
	logger     *zap.Logger

	mu         sync.Mutex
	v          vote
	completed  int
	generation uint64
	fired      bool
}

func newSession(rec Recorder, b bracket, opts Options) *Session {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{
		id:         opts.SessionID,
		rec:        rec,
		b:          b,
		batchSize:  opts.BatchSize,
		totalToday: opts.TotalToday,
		onComplete: opts.OnComplete,
		snaps:      opts.Snapshots,
		clock:      opts.Clock,
		logger:     opts.Logger.With(zap.String("session_id", opts.SessionID)),
		v:          vote{step: StepIdle},
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Start presents the current duel and waits for a pick.
func (s *Session) Start() (domain.BattleContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.open(); err != nil {
		return domain.BattleContext{}, err
	}
	duel, ok := s.b.current()
	if !ok {
		return domain.BattleContext{}, domain.ErrEmptyQueue
	}
	if err := s.v.moveTo(StepAwaitingPick); err != nil {
		return domain.BattleContext{}, err
	}
	s.v.present(s.clock())
	return duel, nil
}

// Current returns the duel on screen.
func (s *Session) Current() (domain.BattleContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v.finished {
		return domain.BattleContext{}, false
	}
	return s.b.current()
}

// Pick selects an option of the current duel.
func (s *Session) Pick(optionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.expect(StepAwaitingPick); err != nil {
		return err
	}
	duel, _ := s.b.current()
	if !hasOption(duel, optionID) {
		return domain.ErrUnknownOption
	}
	if err := s.v.moveTo(StepAwaitingIntensity); err != nil {
		return err
	}
	s.v.optionID = optionID
	return nil
}

// SetIntensity records how strongly the user holds the pick.
func (s *Session) SetIntensity(level Intensity) error {
	if level != IntensityLow && level != IntensityHigh {
		return domain.NewEngineError(domain.ErrInvalidSignal.Code, "intensity must be low or high")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.v.moveTo(StepAwaitingReason); err != nil {
		return err
	}
	s.v.intensity = level
	return nil
}

// Reason completes the vote: the signal is recorded, then the session
// advances to the next duel or completes. The weight is the quality score
// of the time between presenting the duel and this call.
//
// A vote rejected by the recorder (for example a duel without battle
// context) is skipped: the session moves on without counting it and the
// recorder's error is returned.
func (s *Session) Reason(ctx context.Context, reason string) (State, error) {
	s.mu.Lock()
	if err := s.v.expect(StepAwaitingReason); err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	if err := s.v.moveTo(StepRecording); err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	duel, _ := s.b.current()
	now := s.clock()
	payload := signal.Payload{
		SourceType:       domain.SourceVersus,
		SourceID:         duel.BattleID,
		EventType:        "versus_vote",
		BattleID:         duel.BattleID,
		BattleInstanceID: duel.BattleInstanceID,
		OptionID:         s.v.optionID,
		Weight:           signal.Weight(signal.Score(s.v.presentedAt, now)),
		Meta:             s.metaLocked(duel, reason),
	}
	gen := s.generation
	s.mu.Unlock()

	recErr := s.rec.Record(ctx, payload)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("discarding stale vote", zap.String("battle_id", duel.BattleID))
		return State{}, domain.ErrStaleResult
	}

	winner := payload.OptionID
	if recErr == nil {
		s.completed++
	} else {
		winner = ""
		s.logger.Warn("vote not recorded", zap.String("battle_id", duel.BattleID), zap.Error(recErr))
	}
	done := s.b.advance(winner)
	if !done && s.completed >= s.batchSize && s.b.mode() == domain.ModeClassic {
		done = true
	}

	var summary *Summary
	s.v.finish(done, s.clock())
	if done && !s.fired {
		s.fired = true
		sum := s.summaryLocked()
		summary = &sum
	}
	st := s.stateLocked()
	s.mu.Unlock()

	s.saveSnapshot(ctx, st)
	if summary != nil && s.onComplete != nil {
		s.onComplete(*summary)
	}
	return st, recErr
}

// Reset abandons the vote in progress and returns to idle. Results of
// calls started before Reset are discarded. A completed session stays
// complete: Start after Reset returns domain.ErrSessionComplete.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.v.reset()
}

// Generation returns the current generation. It changes on every Reset.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Resume restores progress from a snapshot of the same mode.
func (s *Session) Resume(snap *domain.SessionSnapshot) bool {
	if snap == nil || snap.Mode != s.b.mode() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.b.(resumable)
	if !ok || !rb.seek(snap.Index) {
		return false
	}
	s.completed = snap.Completed
	return true
}

type resumable interface {
	seek(index int) bool
}

func (s *Session) metaLocked(duel domain.BattleContext, reason string) map[string]any {
	meta := map[string]any{
		"mode":       string(s.b.mode()),
		"session_id": s.id,
		"intensity":  string(s.v.intensity),
		"reason":     reason,
	}
	for _, o := range duel.Options {
		if o.ID != s.v.optionID {
			meta["opponent_id"] = o.ID
		}
	}
	for k, v := range s.b.meta() {
		meta[k] = v
	}
	return meta
}

func (s *Session) stateLocked() State {
	return State{
		SessionID:      s.id,
		Mode:           s.b.mode(),
		Step:           s.v.step,
		Index:          s.b.position(),
		Completed:      s.completed,
		QueueLen:       s.b.size(),
		BatchSize:      s.batchSize,
		BatchIndex:     BatchIndex(s.totalToday, s.batchSize),
		NextBatchIndex: BatchIndex(s.totalToday+s.completed, s.batchSize),
		Generation:     s.generation,
	}
}

func (s *Session) summaryLocked() Summary {
	sum := Summary{
		SessionID:      s.id,
		Mode:           s.b.mode(),
		Completed:      s.completed,
		BatchIndex:     BatchIndex(s.totalToday, s.batchSize),
		NextBatchIndex: BatchIndex(s.totalToday+s.completed, s.batchSize),
	}
	s.b.summarize(&sum)
	return sum
}

func (s *Session) saveSnapshot(ctx context.Context, st State) {
	if s.snaps == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		s.logger.Error("encode session snapshot", zap.Error(err))
		return
	}
	snap := domain.SessionSnapshot{
		SessionID:  st.SessionID,
		Mode:       st.Mode,
		Index:      st.Index,
		Completed:  st.Completed,
		BatchIndex: st.BatchIndex,
		StateJSON:  string(data),
		CreatedAt:  s.clock().UnixMilli(),
	}
	if err := s.snaps.SaveSession(ctx, snap); err != nil {
		s.logger.Error("save session snapshot", zap.Error(err))
	}
}

func hasOption(duel domain.BattleContext, optionID string) bool {
	for _, o := range duel.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}
