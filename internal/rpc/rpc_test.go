package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opina-lab/signal-engine/internal/backend"
	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/guard"
	"github.com/opina-lab/signal-engine/internal/kpi"
	"github.com/opina-lab/signal-engine/internal/store"
)

func newTestHandler(t *testing.T, cfg guard.Config) (*Handler, *backend.Service) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewDB(dbPath)
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	g := guard.NewGuard(db, store.DialectSQLite, cfg, nil)
	svc := backend.NewService(db, store.DialectSQLite, g, nil)
	if _, err := svc.CreateBattle(context.Background(), domain.Battle{
		ID: "b1", Slug: "cola", Title: "Cola",
		Options: []domain.Option{{ID: "opt-a", Label: "A"}, {ID: "opt-b", Label: "B"}},
	}); err != nil {
		t.Fatalf("create battle: %v", err)
	}

	h := NewHandler(svc, nil)
	h.PollInterval = 20 * time.Millisecond
	return h, svc
}

func rpcRequest(t *testing.T, method string, params any) *http.Request {
	t.Helper()
	body, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc/"+method, bytes.NewReader(body))
	req.Header.Set(backend.HeaderUserID, "u1")
	return req
}

func voteEvent(option string) domain.SignalEvent {
	return domain.SignalEvent{
		SourceType:       domain.SourceVersus,
		BattleID:         "b1",
		BattleInstanceID: "b1-i1",
		OptionID:         option,
		Weight:           1,
		UserID:           "u1",
		Tier:             "verified_strong",
		CreatedAt:        time.Now().Add(-time.Second),
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, guard.Config{})
	w := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestCall_InsertThenShare(t *testing.T) {
	h, _ := newTestHandler(t, guard.Config{})
	router := NewRouter(h)

	for _, opt := range []string{"opt-a", "opt-b", "opt-b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, rpcRequest(t, backend.MethodInsertSignalEvent, backend.InsertSignalParams{Event: voteEvent(opt)}))
		if w.Code != http.StatusNoContent {
			t.Fatalf("insert: expected 204, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, rpcRequest(t, backend.MethodKPIShareOfPreference, backend.BattleParams{BattleID: "b1"}))
	if w.Code != http.StatusOK {
		t.Fatalf("share: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rows []domain.ShareRow
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[1].WeightedSignals != 2 || rows[0].WeightedTotal != 3 {
		t.Errorf("unexpected share rows %+v", rows)
	}
}

func TestCall_ErrorStatus(t *testing.T) {
	h, _ := newTestHandler(t, guard.Config{InviteRequired: true})
	router := NewRouter(h)

	missing := voteEvent("opt-a")
	missing.BattleInstanceID = ""

	tests := []struct {
		name   string
		method string
		params any
		status int
		code   int
	}{
		{"invite", backend.MethodInsertSignalEvent, backend.InsertSignalParams{Event: voteEvent("opt-a")}, http.StatusForbidden, domain.ErrInviteRequired.Code},
		{"missing context", backend.MethodInsertSignalEvent, backend.InsertSignalParams{Event: missing}, http.StatusBadRequest, domain.ErrMissingBattleContext.Code},
		{"unknown method", "nope", struct{}{}, http.StatusNotFound, domain.ErrUnknownMethod.Code},
		{"unknown battle", backend.MethodResolveBattleContext, backend.ResolveParams{Identifier: "zzz"}, http.StatusNotFound, domain.ErrBattleNotFound.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, rpcRequest(t, tt.method, tt.params))
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var apiErr APIError
			json.NewDecoder(w.Body).Decode(&apiErr)
			if apiErr.Code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, apiErr.Code)
			}
		})
	}
}

func TestCall_InvalidBody(t *testing.T) {
	h, _ := newTestHandler(t, guard.Config{})
	req := httptest.NewRequest(http.MethodPost, "/rpc/"+backend.MethodResolveBattleContext, strings.NewReader("not json"))
	w := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetKPI(t *testing.T) {
	h, svc := newTestHandler(t, guard.Config{})
	if err := svc.InsertSignalEvent(context.Background(), voteEvent("opt-a")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/battles/b1/kpi?days=7", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap kpi.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Share) != 2 || snap.Share[0].Share != 1 {
		t.Errorf("unexpected share %+v", snap.Share)
	}
	if len(snap.Quality) == 0 {
		t.Error("expected quality rows")
	}

	w = httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/battles/b1/kpi?days=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad days, got %d", w.Code)
	}
}

// openStream subscribes to b1's event stream and returns a func that
// waits for the next streamed event.
func openStream(t *testing.T, h *Handler) func() domain.SignalEvent {
	t.Helper()
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)

	reqCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/api/v1/battles/b1/events/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				select {
				case lines <- strings.TrimPrefix(sc.Text(), "data: "):
				case <-reqCtx.Done():
					return
				}
			}
		}
	}()

	return func() domain.SignalEvent {
		t.Helper()
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			var ev domain.SignalEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return domain.SignalEvent{}
	}
}

func TestStreamEvents(t *testing.T) {
	h, svc := newTestHandler(t, guard.Config{})
	ctx := context.Background()
	if err := svc.InsertSignalEvent(ctx, voteEvent("opt-a")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	next := openStream(t, h)
	if ev := next(); ev.OptionID != "opt-a" {
		t.Errorf("first event option %q", ev.OptionID)
	}

	later := voteEvent("opt-b")
	later.CreatedAt = time.Now()
	if err := svc.InsertSignalEvent(ctx, later); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ev := next(); ev.OptionID != "opt-b" {
		t.Errorf("polled event option %q", ev.OptionID)
	}
}

func TestStreamEvents_SameMillisecond(t *testing.T) {
	h, svc := newTestHandler(t, guard.Config{})
	ctx := context.Background()
	at := time.Now().Add(-time.Second).Truncate(time.Millisecond)

	first := voteEvent("opt-a")
	first.CreatedAt = at
	if err := svc.InsertSignalEvent(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	next := openStream(t, h)
	if ev := next(); ev.OptionID != "opt-a" {
		t.Fatalf("first event option %q", ev.OptionID)
	}

	tied := voteEvent("opt-b")
	tied.CreatedAt = at
	if err := svc.InsertSignalEvent(ctx, tied); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ev := next(); ev.OptionID != "opt-b" {
		t.Fatalf("event with the same timestamp not streamed, got %q", ev.OptionID)
	}

	after := voteEvent("opt-a")
	after.CreatedAt = at.Add(time.Millisecond)
	if err := svc.InsertSignalEvent(ctx, after); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ev := next()
	if !ev.CreatedAt.Equal(after.CreatedAt) {
		t.Errorf("expected the newer event, got one from %v", ev.CreatedAt)
	}
}

func TestFormatListenURL(t *testing.T) {
	tests := map[string]string{
		":9810":          "http://localhost:9810",
		"0.0.0.0:80":     "http://localhost:80",
		"127.0.0.1:9810": "http://127.0.0.1:9810",
	}
	for in, want := range tests {
		if got := FormatListenURL(in); got != want {
			t.Errorf("FormatListenURL(%q) = %q, want %q", in, got, want)
		}
	}
}
