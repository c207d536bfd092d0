package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/signal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type inserter struct {
	mu     sync.Mutex
	events []domain.SignalEvent
}

func (f *inserter) InsertSignalEvent(_ context.Context, ev domain.SignalEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *inserter) Events() []domain.SignalEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SignalEvent(nil), f.events...)
}

func newRecorder(c *clock) (*signal.Recorder, *inserter) {
	ins := &inserter{}
	rec := signal.NewRecorder(ins, signal.StaticIdentity{UserID: "u1", Tier: "verified"}, nil)
	rec.Now = c.Now
	return rec, ins
}

func queueOf(n int) []domain.BattleContext {
	q := make([]domain.BattleContext, n)
	for i := range q {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		q[i] = domain.BattleContext{
			BattleID:         "b-" + id,
			BattleInstanceID: "b-" + id + "-i1",
			Title:            "Battle " + id,
			Options: []domain.Option{
				{ID: "b-" + id + "-A", Label: "A"},
				{ID: "b-" + id + "-B", Label: "B"},
			},
		}
	}
	return q
}

func voteFirst(t *testing.T, s *Session, c *clock, elapsed time.Duration, reason string) State {
	t.Helper()
	duel, err := s.Start()
	require.NoError(t, err)
	require.NoError(t, s.Pick(duel.Options[0].ID))
	require.NoError(t, s.SetIntensity(IntensityHigh))
	c.Advance(elapsed)
	st, err := s.Reason(context.Background(), reason)
	require.NoError(t, err)
	return st
}

func TestSession_EndToEndDuel(t *testing.T) {
	c := newClock()
	rec, ins := newRecorder(c)
	queue := queueOf(3)
	s, err := NewClassic(rec, queue, Options{Clock: c.Now})
	require.NoError(t, err)

	duel, err := s.Start()
	require.NoError(t, err)
	require.NoError(t, s.Pick(duel.Options[0].ID))
	require.NoError(t, s.SetIntensity(IntensityHigh))
	c.Advance(1500 * time.Millisecond)
	st, err := s.Reason(context.Background(), "Calidad")
	require.NoError(t, err)

	events := ins.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, queue[0].Options[0].ID, ev.OptionID)
	assert.Equal(t, 1.0, ev.Weight)
	assert.Equal(t, "Calidad", ev.Meta["reason"])
	assert.Equal(t, "high", ev.Meta["intensity"])
	assert.Equal(t, queue[0].Options[1].ID, ev.Meta["opponent_id"])
	assert.Equal(t, domain.SourceVersus, ev.SourceType)
	assert.Equal(t, queue[0].BattleInstanceID, ev.BattleInstanceID)

	assert.Equal(t, 1, st.Index)
	assert.Equal(t, StepAwaitingPick, st.Step)
	next, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, queue[1].BattleID, next.BattleID)
}

func TestSession_FastVoteWeight(t *testing.T) {
	c := newClock()
	rec, ins := newRecorder(c)
	s, err := NewClassic(rec, queueOf(2), Options{Clock: c.Now})
	require.NoError(t, err)

	voteFirst(t, s, c, 200*time.Millisecond, "Precio")
	voteFirst(t, s, c, 900*time.Millisecond, "Precio")

	events := ins.Events()
	require.Len(t, events, 2)
	assert.Equal(t, 0.5, events[0].Weight)
	assert.Equal(t, 0.8, events[1].Weight)
}

func TestSession_ClassicBatchCompletesOnce(t *testing.T) {
	c := newClock()
	rec, ins := newRecorder(c)

	var mu sync.Mutex
	var summaries []Summary
	s, err := NewClassic(rec, queueOf(20), Options{
		Clock:      c.Now,
		TotalToday: 24,
		OnComplete: func(sum Summary) {
			mu.Lock()
			summaries = append(summaries, sum)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.State().BatchIndex)

	var st State
	for i := 0; i < DefaultBatchSize; i++ {
		st = voteFirst(t, s, c, 2*time.Second, "Confianza")
	}

	assert.Equal(t, StepComplete, st.Step)
	assert.Equal(t, 12, st.Completed)
	assert.Equal(t, st.BatchIndex+1, st.NextBatchIndex)
	assert.Len(t, ins.Events(), 12)

	_, err = s.Start()
	assert.ErrorIs(t, err, domain.ErrSessionComplete)
	_, err = s.Reason(context.Background(), "again")
	assert.ErrorIs(t, err, domain.ErrSessionComplete)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].BatchIndex)
	assert.Equal(t, 3, summaries[0].NextBatchIndex)
}

func TestSession_QueueExhaustionCompletes(t *testing.T) {
	c := newClock()
	rec, _ := newRecorder(c)
	fired := 0
	s, err := NewClassic(rec, queueOf(3), Options{Clock: c.Now, OnComplete: func(Summary) { fired++ }})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		voteFirst(t, s, c, time.Second, "Precio")
	}
	st := s.State()
	assert.Equal(t, StepComplete, st.Step)
	assert.Equal(t, 3, st.Completed)
	assert.Equal(t, 1, fired)
	_, ok := s.Current()
	assert.False(t, ok)
}

func TestSession_EmptyQueue(t *testing.T) {
	_, err := NewClassic(nil, nil, Options{})
	assert.ErrorIs(t, err, domain.ErrEmptyQueue)
}

func TestSession_InputsOutOfOrder(t *testing.T) {
	c := newClock()
	rec, ins := newRecorder(c)
	s, err := NewClassic(rec, queueOf(2), Options{Clock: c.Now})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Pick("b-a0-A"), domain.ErrInvalidTransition)
	assert.ErrorIs(t, s.SetIntensity(IntensityLow), domain.ErrInvalidTransition)
	_, err = s.Reason(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.Start()
	require.NoError(t, err)
	_, err = s.Start()
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, s.Pick("not-in-duel"), domain.ErrUnknownOption)
	require.NoError(t, s.Pick("b-a0-A"))
	assert.ErrorIs(t, s.Pick("b-a0-B"), domain.ErrInvalidTransition, "each step accepts one input")
	assert.ErrorIs(t, s.SetIntensity("extreme"), domain.ErrInvalidSignal)

	assert.Empty(t, ins.Events())
}

func TestSession_ResetReturnsToIdle(t *testing.T) {
	c := newClock()
	rec, ins := newRecorder(c)
	s, err := NewClassic(rec, queueOf(2), Options{Clock: c.Now})
	require.NoError(t, err)

	_, err = s.Start()
	require.NoError(t, err)
	require.NoError(t, s.Pick("b-a0-B"))
	gen := s.Generation()

	s.Reset()
	assert.Equal(t, StepIdle, s.State().Step)
	assert.Equal(t, gen+1, s.Generation())
	assert.Equal(t, 0, s.State().Index)

	voteFirst(t, s, c, time.Second, "Precio")
	events := ins.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "b-a0-A", events[0].OptionID)
}

type blockingRecorder struct {
	started chan struct{}
	release chan struct{}
	calls   int
}

func (b *blockingRecorder) Record(ctx context.Context, _ signal.Payload) error {
	b.calls++
	close(b.started)
	<-b.release
	return nil
}

func TestSession_StaleResultDiscarded(t *testing.T) {
	c := newClock()
	rec := &blockingRecorder{started: make(chan struct{}), release: make(chan struct{})}
	s, err := NewClassic(rec, queueOf(2), Options{Clock: c.Now})
	require.NoError(t, err)

	duel, err := s.Start()
	require.NoError(t, err)
	require.NoError(t, s.Pick(duel.Options[0].ID))
	require.NoError(t, s.SetIntensity(IntensityLow))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Reason(context.Background(), "Precio")
		errc <- err
	}()

	<-rec.started
	s.Reset()
	close(rec.release)

	assert.ErrorIs(t, <-errc, domain.ErrStaleResult)
	st := s.State()
	assert.Equal(t, 0, st.Index)
	assert.Equal(t, 0, st.Completed)
	assert.Equal(t, StepIdle, st.Step)
}

func TestSession_InputsRejectedWhileRecording(t *testing.T) {
	c := newClock()
	rec := &blockingRecorder{started: make(chan struct{}), release: make(chan struct{})}
	s, err := NewClassic(rec, queueOf(3), Options{Clock: c.Now})
	require.NoError(t, err)

	duel, err := s.Start()
	require.NoError(t, err)
	require.NoError(t, s.Pick(duel.Options[0].ID))
	require.NoError(t, s.SetIntensity(IntensityHigh))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Reason(context.Background(), "Calidad")
		errc <- err
	}()
	<-rec.started

	assert.Equal(t, StepRecording, s.State().Step)
	_, err = s.Reason(context.Background(), "Calidad")
	assert.ErrorIs(t, err, domain.ErrVoteInFlight)
	assert.ErrorIs(t, s.Pick(duel.Options[1].ID), domain.ErrVoteInFlight)
	assert.ErrorIs(t, s.SetIntensity(IntensityLow), domain.ErrVoteInFlight)
	_, err = s.Start()
	assert.ErrorIs(t, err, domain.ErrVoteInFlight)

	close(rec.release)
	require.NoError(t, <-errc)

	st := s.State()
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, StepAwaitingPick, st.Step)
}

func TestSession_ResetAfterCompletion(t *testing.T) {
	c := newClock()
	rec, ins := newRecorder(c)
	s, err := NewClassic(rec, queueOf(1), Options{Clock: c.Now})
	require.NoError(t, err)

	st := voteFirst(t, s, c, time.Second, "Precio")
	require.Equal(t, StepComplete, st.Step)

	s.Reset()
	assert.Equal(t, StepIdle, s.State().Step)
	_, err = s.Start()
	assert.ErrorIs(t, err, domain.ErrSessionComplete)
	assert.ErrorIs(t, s.Pick("b-a0-A"), domain.ErrSessionComplete)
	_, ok := s.Current()
	assert.False(t, ok)
	assert.Len(t, ins.Events(), 1)
}

func TestSession_MissingContextIsSkipped(t *testing.T) {
	c := newClock()
	rec, ins := newRecorder(c)
	queue := queueOf(2)
	queue[0].BattleInstanceID = ""
	s, err := NewClassic(rec, queue, Options{Clock: c.Now})
	require.NoError(t, err)

	duel, err := s.Start()
	require.NoError(t, err)
	require.NoError(t, s.Pick(duel.Options[0].ID))
	require.NoError(t, s.SetIntensity(IntensityHigh))
	st, err := s.Reason(context.Background(), "Calidad")

	assert.True(t, errors.Is(err, domain.ErrMissingBattleContext))
	assert.Empty(t, ins.Events())
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, 0, st.Completed)
	assert.Equal(t, StepAwaitingPick, st.Step)
}

type snapshotSink struct {
	snaps []domain.SessionSnapshot
}

func (s *snapshotSink) SaveSession(_ context.Context, snap domain.SessionSnapshot) error {
	s.snaps = append(s.snaps, snap)
	return nil
}

func TestSession_SnapshotAndResume(t *testing.T) {
	c := newClock()
	rec, _ := newRecorder(c)
	sink := &snapshotSink{}
	s, err := NewClassic(rec, queueOf(5), Options{SessionID: "s-1", Clock: c.Now, Snapshots: sink})
	require.NoError(t, err)

	voteFirst(t, s, c, time.Second, "Precio")
	voteFirst(t, s, c, time.Second, "Precio")
	require.Len(t, sink.snaps, 2)
	last := sink.snaps[1]
	assert.Equal(t, "s-1", last.SessionID)
	assert.Equal(t, 2, last.Index)
	assert.Contains(t, last.StateJSON, `"completed":2`)

	resumed, err := NewClassic(rec, queueOf(5), Options{SessionID: "s-1", Clock: c.Now})
	require.NoError(t, err)
	require.True(t, resumed.Resume(&last))
	cur, ok := resumed.Current()
	require.True(t, ok)
	assert.Equal(t, queueOf(5)[2].BattleID, cur.BattleID)
	assert.Equal(t, 2, resumed.State().Completed)

	last.Mode = domain.ModeProgressive
	assert.False(t, resumed.Resume(&last))
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to Step
		want     bool
	}{
		{StepIdle, StepAwaitingPick, true},
		{StepAwaitingPick, StepAwaitingIntensity, true},
		{StepAwaitingIntensity, StepAwaitingReason, true},
		{StepAwaitingReason, StepRecording, true},
		{StepRecording, StepAwaitingPick, true},
		{StepRecording, StepComplete, true},
		{StepAwaitingReason, StepAwaitingPick, false},
		{StepAwaitingReason, StepComplete, false},
		{StepRecording, StepAwaitingReason, false},
		{StepAwaitingPick, StepAwaitingReason, false},
		{StepAwaitingIntensity, StepAwaitingPick, false},
		{StepComplete, StepIdle, false},
		{StepIdle, StepComplete, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBatchIndex(t *testing.T) {
	tests := []struct {
		total, size, want int
	}{
		{0, 12, 0},
		{11, 12, 0},
		{12, 12, 1},
		{25, 12, 2},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := BatchIndex(tt.total, tt.size); got != tt.want {
			t.Errorf("BatchIndex(%d, %d) = %d, want %d", tt.total, tt.size, got, tt.want)
		}
	}
}
