package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/kvstore"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestRecorder(ins Inserter) (*Recorder, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRecorder(ins, StaticIdentity{AnonID: "anon-1"}, zap.New(core))
	r.Now = func() time.Time { return fixedNow }
	return r, logs
}

func versusPayload() Payload {
	return Payload{
		SourceType:       domain.SourceVersus,
		BattleID:         "b1",
		BattleInstanceID: "b1-i1",
		OptionID:         "opt-a",
	}
}

func TestRecord_VersusWithoutInstanceIsNeverSent(t *testing.T) {
	ins := &fakeInserter{}
	r, logs := newTestRecorder(ins)

	p := versusPayload()
	p.BattleInstanceID = ""
	err := r.Record(context.Background(), p)

	assert.ErrorIs(t, err, domain.ErrMissingBattleContext)
	assert.Equal(t, 0, ins.Calls())
	assert.Equal(t, 1, logs.FilterMessage("dropping invalid signal").Len())
}

func TestRecord_VersusWithoutBattleIsNeverSent(t *testing.T) {
	ins := &fakeInserter{}
	r, _ := newTestRecorder(ins)

	p := versusPayload()
	p.BattleID = ""
	require.ErrorIs(t, r.Record(context.Background(), p), domain.ErrMissingBattleContext)
	assert.Equal(t, 0, ins.Calls())
}

func TestRecord_ReviewWithoutBattleIsSent(t *testing.T) {
	ins := &fakeInserter{}
	r, _ := newTestRecorder(ins)

	err := r.Record(context.Background(), Payload{SourceType: domain.SourceReview, SourceID: "place-9", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, ins.Calls())
}

func TestRecord_AppliesDefaults(t *testing.T) {
	ins := &fakeInserter{}
	r, _ := newTestRecorder(ins)

	require.NoError(t, r.Record(context.Background(), versusPayload()))
	require.Len(t, ins.events, 1)

	ev := ins.events[0]
	assert.Equal(t, 1.0, ev.Weight)
	assert.Equal(t, "free", ev.Tier)
	assert.Equal(t, "anon-1", ev.AnonID)
	assert.Equal(t, fixedNow, ev.CreatedAt)
	assert.NotEmpty(t, ev.ClientEventID)
	assert.NotEmpty(t, ev.ID)
	assert.NotNil(t, ev.Meta)
}

func TestRecord_KeepsExplicitWeightAndTier(t *testing.T) {
	ins := &fakeInserter{}
	r, _ := newTestRecorder(ins)
	r.Identity = StaticIdentity{UserID: "u1", Tier: "verified", ProfileCompleteness: 80}

	p := versusPayload()
	p.Weight = Weight(0.5)
	p.Meta = map[string]any{"reason": "Precio"}
	require.NoError(t, r.Record(context.Background(), p))

	ev := ins.events[0]
	assert.Equal(t, 0.5, ev.Weight)
	assert.Equal(t, "verified", ev.Tier)
	assert.Equal(t, 80, ev.ProfileCompleteness)
	assert.Equal(t, "Precio", ev.Meta["reason"])
}

func TestRecord_KeepsExplicitZeroWeight(t *testing.T) {
	ins := &fakeInserter{}
	r, _ := newTestRecorder(ins)

	p := versusPayload()
	p.Weight = Weight(0)
	require.NoError(t, r.Record(context.Background(), p))
	require.Len(t, ins.events, 1)
	assert.Equal(t, 0.0, ins.events[0].Weight)
}

func TestRecord_InvalidWeight(t *testing.T) {
	ins := &fakeInserter{}
	r, _ := newTestRecorder(ins)

	p := versusPayload()
	p.Weight = Weight(1.5)
	assert.ErrorIs(t, r.Record(context.Background(), p), domain.ErrInvalidSignal)
	assert.Equal(t, 0, ins.Calls())
}

func TestRecord_BackendFailureIsSwallowed(t *testing.T) {
	ins := &fakeInserter{errs: []error{errors.New("network down")}}
	r, logs := newTestRecorder(ins)

	err := r.Record(context.Background(), versusPayload())
	assert.NoError(t, err)
	assert.Equal(t, 1, ins.Calls())
	assert.Equal(t, 1, logs.FilterMessage("insert signal event").Len())
}

func TestRecord_RetriableFailureGoesToOutbox(t *testing.T) {
	ins := &fakeInserter{errs: []error{errors.New("timeout")}}
	r, _ := newTestRecorder(ins)
	kv := kvstore.NewMemory()
	r.Outbox = NewOutbox(kv, nil)
	r.Outbox.Now = r.Now

	require.NoError(t, r.Record(context.Background(), versusPayload()))

	pending, err := r.Outbox.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "opt-a", pending[0].Event.OptionID)
}

func TestRecord_NonRetriableFailureSkipsOutbox(t *testing.T) {
	ins := &fakeInserter{errs: []error{domain.ErrSignalLimitReached}}
	r, _ := newTestRecorder(ins)
	r.Outbox = NewOutbox(kvstore.NewMemory(), nil)

	require.NoError(t, r.Record(context.Background(), versusPayload()))

	pending, err := r.Outbox.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeviceIdentity_PersistsAnonID(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	d := &DeviceIdentity{KV: kv}

	first, err := d.Identity(ctx)
	require.NoError(t, err)
	second, err := d.Identity(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, first.AnonID)
	assert.Equal(t, first.AnonID, second.AnonID)
}
