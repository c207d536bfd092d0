package store

import (
	"context"
	"testing"

	"github.com/opina-lab/signal-engine/internal/domain"
)

func auditFixture() []domain.AuditRecord {
	const base = int64(1_700_000_000_000)
	return []domain.AuditRecord{
		{ID: "aud-1", Subject: "user-1", Action: "insert_signal", BattleID: "b1", Allowed: true, Severity: "info", RequestJSON: "{}", CreatedAt: base},
		{ID: "aud-2", Subject: "user-1", Action: "insert_signal", BattleID: "b1", Gate: "daily_limit", Severity: "deny", Blockers: []string{"daily limit reached"}, RequestJSON: "{}", CreatedAt: base + 10},
		{ID: "aud-3", Subject: "user-2", Action: "insert_signal", BattleID: "b2", Gate: "battle_active", Severity: "deny", Blockers: []string{"battle is not active"}, RequestJSON: "{}", CreatedAt: base + 20},
		{ID: "aud-4", Subject: "user-2", Action: "insert_signal", BattleID: "b1", Gate: "daily_limit", Severity: "deny", RequestJSON: "{}", CreatedAt: base + 30},
	}
}

func TestAuditRepo_ListFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}
	for _, rec := range auditFixture() {
		if err := repo.Record(ctx, db, rec); err != nil {
			t.Fatalf("Record %s: %v", rec.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   []string
	}{
		{"all newest first", AuditFilter{}, []string{"aud-4", "aud-3", "aud-2", "aud-1"}},
		{"by subject", AuditFilter{Subject: "user-1"}, []string{"aud-2", "aud-1"}},
		{"by battle", AuditFilter{BattleID: "b1"}, []string{"aud-4", "aud-2", "aud-1"}},
		{"denied only", AuditFilter{DeniedOnly: true, BattleID: "b1"}, []string{"aud-4", "aud-2"}},
		{"since", AuditFilter{SinceMs: 1_700_000_000_020}, []string{"aud-4", "aud-3"}},
		{"limit", AuditFilter{Limit: 2}, []string{"aud-4", "aud-3"}},
		{"no match", AuditFilter{Subject: "nobody"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, db, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("record %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestAuditRepo_RoundTripsDecision(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}
	for _, rec := range auditFixture() {
		if err := repo.Record(ctx, db, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := repo.List(ctx, db, AuditFilter{Subject: "user-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	denied, allowed := got[0], got[1]
	if denied.Allowed || denied.Gate != "daily_limit" || len(denied.Blockers) != 1 || denied.Blockers[0] != "daily limit reached" {
		t.Errorf("denied record = %+v", denied)
	}
	if !allowed.Allowed || allowed.Gate != "" || len(allowed.Blockers) != 0 {
		t.Errorf("allowed record = %+v", allowed)
	}
}

func TestAuditRepo_DenialsByGate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}
	for _, rec := range auditFixture() {
		if err := repo.Record(ctx, db, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := repo.DenialsByGate(ctx, db, "", 0)
	if err != nil {
		t.Fatalf("DenialsByGate: %v", err)
	}
	if all["daily_limit"] != 2 || all["battle_active"] != 1 || len(all) != 2 {
		t.Errorf("all denials = %v", all)
	}

	b1, err := repo.DenialsByGate(ctx, db, "b1", 1_700_000_000_015)
	if err != nil {
		t.Fatalf("DenialsByGate: %v", err)
	}
	if b1["daily_limit"] != 1 || len(b1) != 1 {
		t.Errorf("b1 denials since = %v", b1)
	}
}

func TestAuditRepo_Prune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}
	for _, rec := range auditFixture() {
		if err := repo.Record(ctx, db, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := repo.Prune(ctx, db, 1_700_000_000_020)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	left, _ := repo.List(ctx, db, AuditFilter{})
	if len(left) != 2 || left[1].ID != "aud-3" {
		t.Errorf("remaining = %+v", left)
	}
}
