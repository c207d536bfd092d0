package prng

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opina-lab/signal-engine/internal/kvstore"
)

func take(g *Generator, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = g.Float64()
	}
	return out
}

func fixedSeed(t *testing.T, seed uint32) {
	t.Helper()
	prev := NewSeed
	NewSeed = func() uint32 { return seed }
	t.Cleanup(func() { NewSeed = prev })
}

func TestGenerator_KnownSequence(t *testing.T) {
	got := take(New(1), 3)
	want := []float64{0.6270739405881613, 0.002735721180215478, 0.5274470399599522}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mulberry32(1) mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerator_Range(t *testing.T) {
	g := New(99)
	for i := 0; i < 1000; i++ {
		v := g.Float64()
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1.0)
	}
}

func TestOpen_SameKeySameSequence(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()

	first, err := Open(ctx, kv, "ranking")
	require.NoError(t, err)
	second, err := Open(ctx, kv, "ranking")
	require.NoError(t, err)

	if diff := cmp.Diff(take(first, 32), take(second, 32)); diff != "" {
		t.Errorf("sequences differ for the same key (-first +second):\n%s", diff)
	}
}

func TestOpen_PersistsSeed(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	fixedSeed(t, 4242)

	g, err := Open(ctx, kv, "abc")
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), g.Seed())

	raw, ok, err := kv.Get(ctx, SeedKeyPrefix+"abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4242", raw)

	// A new seed source must not affect an existing key.
	NewSeed = func() uint32 { return 7 }
	g2, err := Open(ctx, kv, "abc")
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), g2.Seed())
}

func TestOpen_ReplacesCorruptSeed(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	fixedSeed(t, 55)
	require.NoError(t, kv.Set(ctx, SeedKeyPrefix+"bad", "NaN"))

	g, err := Open(ctx, kv, "bad")
	require.NoError(t, err)
	assert.Equal(t, uint32(55), g.Seed())
}

func TestOpen_DifferentKeysIndependent(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	seeds := []uint32{10, 20}
	prev := NewSeed
	t.Cleanup(func() { NewSeed = prev })
	NewSeed = func() uint32 {
		s := seeds[0]
		seeds = seeds[1:]
		return s
	}

	a, err := Open(ctx, kv, "a")
	require.NoError(t, err)
	b, err := Open(ctx, kv, "b")
	require.NoError(t, err)
	assert.NotEqual(t, take(a, 4), take(b, 4))
}

func TestRangeInt_Bounds(t *testing.T) {
	g := New(3)
	for i := 0; i < 500; i++ {
		v := g.RangeInt(5, 9)
		require.GreaterOrEqual(t, v, 5)
		require.LessOrEqual(t, v, 9)
	}
}

func TestFNV1a(t *testing.T) {
	assert.Equal(t, uint32(1683405315), fnv1a("versus"))
	assert.Equal(t, uint32(2166136261), fnv1a(""))
}
