package battle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/kvstore"
)

type fakeBackend struct {
	mu    sync.Mutex
	byKey map[string]domain.BattleContext
	err   error
	calls int
}

func (f *fakeBackend) ResolveBattleContext(_ context.Context, identifier string) (domain.BattleContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.BattleContext{}, f.err
	}
	bc, ok := f.byKey[identifier]
	if !ok {
		return domain.BattleContext{}, domain.ErrBattleNotFound
	}
	return bc, nil
}

func colaWars() domain.BattleContext {
	return domain.BattleContext{
		BattleID:         "b1",
		BattleInstanceID: "b1-i1",
		Slug:             "cola-wars",
		Title:            "Cola Wars",
		Options: []domain.Option{
			{ID: "opt-a", Label: "A", SortOrder: 1},
			{ID: "opt-b", Label: "B", SortOrder: 2},
		},
	}
}

func TestResolve_BackendBySlug(t *testing.T) {
	be := &fakeBackend{byKey: map[string]domain.BattleContext{"cola-wars": colaWars()}}
	r := NewResolver(be, 8, 0, nil)

	res := r.Resolve(context.Background(), "cola-wars")
	if !res.OK {
		t.Fatalf("expected OK, got err %v", res.Err)
	}
	if res.Source != SourceBackend {
		t.Errorf("source: got %v, want backend", res.Source)
	}
	if res.BattleInstanceID != "b1-i1" || len(res.Options) != 2 {
		t.Errorf("unexpected context: %+v", res.BattleContext)
	}
	if be.calls != 1 {
		t.Errorf("calls: got %d, want 1", be.calls)
	}
}

func TestResolve_CachesSuccessByIDAndSlug(t *testing.T) {
	be := &fakeBackend{byKey: map[string]domain.BattleContext{"cola-wars": colaWars()}}
	r := NewResolver(be, 8, 0, nil)
	ctx := context.Background()

	r.Resolve(ctx, "cola-wars")
	for _, id := range []string{"cola-wars", "b1"} {
		if res := r.Resolve(ctx, id); !res.OK {
			t.Fatalf("Resolve(%q) not OK: %v", id, res.Err)
		}
	}
	if be.calls != 1 {
		t.Errorf("calls: got %d, want 1", be.calls)
	}

	r.Invalidate("cola-wars", "b1")
	r.Resolve(ctx, "b1")
	if be.calls != 2 {
		t.Errorf("calls after invalidate: got %d, want 2", be.calls)
	}
}

func TestResolve_CachedEntriesExpire(t *testing.T) {
	be := &fakeBackend{byKey: map[string]domain.BattleContext{"cola-wars": colaWars()}}
	r := NewResolver(be, 8, 50*time.Millisecond, nil)
	ctx := context.Background()

	r.Resolve(ctx, "cola-wars")
	next := colaWars()
	next.BattleInstanceID = "b1-i2"
	be.mu.Lock()
	be.byKey["cola-wars"] = next
	be.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		res := r.Resolve(ctx, "cola-wars")
		if res.BattleInstanceID == "b1-i2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cached instance never expired: %+v", res.BattleContext)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestResolve_FailuresNotCachedNoRetry(t *testing.T) {
	be := &fakeBackend{err: errors.New("connection refused")}
	r := NewResolver(be, 8, 0, nil)
	ctx := context.Background()

	res := r.Resolve(ctx, "cola-wars")
	if res.OK || res.Source != SourceNotFound || res.Err == nil {
		t.Fatalf("expected not found with error, got %+v", res)
	}
	if be.calls != 1 {
		t.Fatalf("calls: got %d, want 1 (no retries)", be.calls)
	}

	be.err = nil
	be.byKey = map[string]domain.BattleContext{"cola-wars": colaWars()}
	if res := r.Resolve(ctx, "cola-wars"); !res.OK {
		t.Fatalf("expected OK after backend recovery, got %v", res.Err)
	}
	if be.calls != 2 {
		t.Errorf("calls: got %d, want 2", be.calls)
	}
}

func TestResolve_EmptyIdentifier(t *testing.T) {
	be := &fakeBackend{}
	r := NewResolver(be, 8, 0, nil)

	res := r.Resolve(context.Background(), "   ")
	if res.OK || !errors.Is(res.Err, domain.ErrEmptyIdentifier) {
		t.Fatalf("expected ErrEmptyIdentifier, got %+v", res)
	}
	if be.calls != 0 {
		t.Errorf("backend called for empty identifier")
	}
}

func TestResolve_NoBackend(t *testing.T) {
	r := NewResolver(nil, 0, 0, nil)
	res := r.Resolve(context.Background(), "b1")
	if res.OK || !errors.Is(res.Err, domain.ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable, got %+v", res)
	}
}

func TestResolve_DemoSourceWhenEnabled(t *testing.T) {
	kv := kvstore.NewMemory()
	be := &fakeBackend{byKey: map[string]domain.BattleContext{}}
	r := NewResolver(be, 8, 0, nil)
	r.Demo = NewStaticCatalog(DemoBattles())
	r.DemoEnabled = func(ctx context.Context) bool {
		on, _ := kvstore.DemoMode(ctx, kv)
		return on
	}
	ctx := context.Background()

	if res := r.Resolve(ctx, "sushi-vs-tacos"); res.OK {
		t.Fatalf("demo battle resolved with demo mode off: %+v", res)
	}

	if err := kvstore.SetDemoMode(ctx, kv, true); err != nil {
		t.Fatalf("SetDemoMode: %v", err)
	}
	calls := be.calls
	res := r.Resolve(ctx, "sushi-vs-tacos")
	if !res.OK || res.Source != SourceDemo {
		t.Fatalf("expected demo source, got %+v", res)
	}
	if res.BattleID != "demo-sushi" || res.BattleInstanceID != "demo-sushi-i1" {
		t.Errorf("unexpected demo context: %+v", res.BattleContext)
	}
	if be.calls != calls {
		t.Errorf("backend called for demo battle")
	}
}

func TestSource_String(t *testing.T) {
	tests := []struct {
		s    Source
		want string
	}{
		{SourceDemo, "demo"},
		{SourceBackend, "backend"},
		{SourceNotFound, "not_found"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
