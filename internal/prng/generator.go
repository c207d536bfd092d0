// Package prng provides a small seeded generator whose seed is persisted per
// key, so demo content stays stable across reloads.
package prng

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/opina-lab/signal-engine/internal/kvstore"
)

// SeedKeyPrefix namespaces persisted seeds in the kv store.
const SeedKeyPrefix = "opina_demo_seed_"

// NewSeed returns a fresh seed in [1, 2^31-1]. Tests may replace it.
var NewSeed = func() uint32 {
	return uint32(rand.Int32N(math.MaxInt32)) + 1
}

// Generator is a mulberry32 stream. Not safe for concurrent use.
type Generator struct {
	seed  uint32
	state uint32
}

// New returns a generator starting at seed.
func New(seed uint32) *Generator {
	return &Generator{seed: seed, state: seed}
}

// Open returns the generator for key, creating and persisting its seed on
// first use.
func Open(ctx context.Context, kv kvstore.Store, key string) (*Generator, error) {
	seed, err := LoadSeed(ctx, kv, key)
	if err != nil {
		return nil, err
	}
	return New(seed), nil
}

// LoadSeed reads the persisted seed for key or creates one. A stored value
// that does not parse is replaced.
func LoadSeed(ctx context.Context, kv kvstore.Store, key string) (uint32, error) {
	storeKey := SeedKeyPrefix + key
	raw, ok, err := kv.Get(ctx, storeKey)
	if err != nil {
		return 0, fmt.Errorf("load seed %s: %w", key, err)
	}
	if ok {
		if v, err := strconv.ParseUint(raw, 10, 32); err == nil && v > 0 {
			return uint32(v), nil
		}
	}

	seed := NewSeed()
	if err := kv.Set(ctx, storeKey, strconv.FormatUint(uint64(seed), 10)); err != nil {
		return 0, fmt.Errorf("persist seed %s: %w", key, err)
	}
	return seed, nil
}

// Seed returns the seed the generator started from.
func (g *Generator) Seed() uint32 { return g.seed }

// Float64 returns the next value in [0,1).
func (g *Generator) Float64() float64 {
	g.state += 0x6D2B79F5
	t := g.state
	t = (t ^ t>>15) * (t | 1)
	t ^= t + (t^t>>7)*(t|61)
	return float64(t^t>>14) / 4294967296.0
}

// RangeInt returns an integer in [min, max].
func (g *Generator) RangeInt(min, max int) int {
	return int(math.Floor(g.Float64()*float64(max-min+1))) + min
}

// Section derives an independent stream for a named section. Streams for
// the same seed and name are identical.
func (g *Generator) Section(name string) *Generator {
	return New(g.seed + fnv1a(name))
}

// fnv1a hashes UTF-16 code units like the browser client did, so section
// streams match values already shown to users.
func fnv1a(s string) uint32 {
	h := uint32(2166136261)
	for _, r := range s {
		if r > 0xFFFF {
			r -= 0x10000
			h ^= uint32(0xD800 + (r >> 10))
			h *= 16777619
			h ^= uint32(0xDC00 + (r & 0x3FF))
			h *= 16777619
			continue
		}
		h ^= uint32(r)
		h *= 16777619
	}
	return h
}
