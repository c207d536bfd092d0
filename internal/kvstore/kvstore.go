// Package kvstore is the storage port for process-wide persisted state:
// generator seeds, module interest markers, filter counters, the demo-mode
// flag and the signal outbox.
package kvstore

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/opina-lab/signal-engine/internal/store"
)

// Store is a string key/value store. Get reports a missing key with
// ok=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Memory is an in-process Store. Safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// SQL persists entries in the kv_entries table.
type SQL struct {
	DB   *sql.DB
	Repo *store.KVRepo
	Now  func() time.Time
}

// NewSQL wraps db with the given dialect.
func NewSQL(db *sql.DB, dialect store.Dialect) *SQL {
	return &SQL{DB: db, Repo: &store.KVRepo{Dialect: dialect}, Now: time.Now}
}

func (s *SQL) Get(ctx context.Context, key string) (string, bool, error) {
	return s.Repo.Get(ctx, s.DB, key)
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	return s.Repo.Set(ctx, s.DB, key, value, s.Now().UnixMilli())
}

func (s *SQL) Remove(ctx context.Context, key string) error {
	return s.Repo.Remove(ctx, s.DB, key)
}

// DemoModeKey holds "1" while demo content is enabled.
const DemoModeKey = "opina_demo_mode"

// DemoMode reports whether demo content is enabled.
func DemoMode(ctx context.Context, s Store) (bool, error) {
	v, ok, err := s.Get(ctx, DemoModeKey)
	if err != nil || !ok {
		return false, err
	}
	return v == "1", nil
}

// SetDemoMode enables or disables demo content.
func SetDemoMode(ctx context.Context, s Store, on bool) error {
	if !on {
		return s.Remove(ctx, DemoModeKey)
	}
	return s.Set(ctx, DemoModeKey, "1")
}

// GetInt reads an integer value, returning 0 when the key is missing or
// holds garbage.
func GetInt(ctx context.Context, s Store, key string) (int, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SetInt stores an integer value.
func SetInt(ctx context.Context, s Store, key string, n int) error {
	return s.Set(ctx, key, strconv.Itoa(n))
}
