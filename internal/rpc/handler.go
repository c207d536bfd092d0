// Package rpc serves the backend over HTTP: a JSON call endpoint per
// backend method, a KPI snapshot and a live signal stream per battle.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/backend"
	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/kpi"
	"github.com/opina-lab/signal-engine/internal/signal"
)

const (
	headerUser = backend.HeaderUserID
	headerAnon = backend.HeaderAnonID
	headerTier = backend.HeaderTier

	maxBodyBytes        = 1 << 20
	defaultPollInterval = 2 * time.Second
)

// EventSource lists a battle's signal events newer than sinceMs.
type EventSource interface {
	ListSignalEvents(ctx context.Context, battleID string, sinceMs int64) ([]domain.SignalEvent, error)
}

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Backend      backend.Backend
	Events       EventSource
	KPI          *kpi.Reader
	Logger       *zap.Logger
	PollInterval time.Duration
}

// NewHandler creates a Handler. svc serves both the RPC calls and the event
// stream.
func NewHandler(svc *backend.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Backend:      svc,
		Events:       svc,
		KPI:          kpi.NewReader(svc, logger),
		Logger:       logger,
		PollInterval: defaultPollInterval,
	}
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Call handles POST /rpc/{name}.
func (h *Handler) Call(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrBadRequest.Code, Message: "invalid request body"})
		return
	}

	out, err := backend.Dispatch(r.Context(), h.Backend, name, raw)
	if err != nil {
		h.Logger.Info("rpc call failed", zap.String("method", name), zap.Error(err))
		writeError(w, err)
		return
	}
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetKPI handles GET /api/v1/battles/{battleID}/kpi?days=N.
func (h *Handler) GetKPI(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")
	var rng domain.DateRange
	if s := r.URL.Query().Get("days"); s != "" {
		days, err := strconv.Atoi(s)
		if err != nil || days <= 0 {
			writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrBadRequest.Code, Message: "days must be a positive integer"})
			return
		}
		rng = domain.LastDays(time.Now(), days)
	}
	writeJSON(w, http.StatusOK, h.KPI.Snapshot(r.Context(), battleID, rng))
}

// StreamEvents handles GET /api/v1/battles/{battleID}/events/stream (SSE).
// ?since=<unix ms> skips older events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	since := int64(0)
	if s := r.URL.Query().Get("since"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			since = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// since is the newest timestamp sent; sent holds the ids already
	// streamed at exactly that millisecond.
	ctx := r.Context()
	sent := map[string]bool{}
	send := func() error {
		after := since
		if len(sent) > 0 {
			after = since - 1
		}
		events, err := h.Events.ListSignalEvents(ctx, battleID, after)
		if err != nil {
			return err
		}
		for _, ev := range events {
			ms := ev.CreatedAt.UnixMilli()
			if ms == since && sent[ev.ID] {
				continue
			}
			writeSSEEvent(w, flusher, ev)
			if ms > since {
				since = ms
				sent = map[string]bool{}
			}
			if ms == since {
				sent[ev.ID] = true
			}
		}
		return nil
	}

	if err := send(); err != nil {
		writeSSEError(w, flusher, err)
		return
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				if ctx.Err() == nil {
					h.Logger.Warn("event stream poll", zap.String("battle_id", battleID), zap.Error(err))
				}
				return
			}
		}
	}
}

// identityMiddleware attaches the caller identity from request headers.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := signal.Identity{
			UserID: r.Header.Get(headerUser),
			AnonID: r.Header.Get(headerAnon),
			Tier:   r.Header.Get(headerTier),
		}
		if id.UserID != "" || id.AnonID != "" {
			r = r.WithContext(backend.WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, statusFor(engErr), APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func statusFor(e *domain.EngineError) int {
	switch e.Code {
	case domain.ErrBattleNotFound.Code, domain.ErrUnknownMethod.Code, domain.ErrQuestionSetNotFound.Code:
		return http.StatusNotFound
	case domain.ErrDuplicateEvent.Code:
		return http.StatusConflict
	case domain.ErrInviteRequired.Code, domain.ErrProfileIncomplete.Code,
		domain.ErrProfileMissing.Code, domain.ErrSignalLimitReached.Code:
		return http.StatusForbidden
	case domain.ErrRateLimitExceeded.Code, domain.ErrCooldownActive.Code:
		return http.StatusTooManyRequests
	case domain.ErrBattleNotActive.Code:
		return http.StatusUnprocessableEntity
	case domain.ErrBadRequest.Code, domain.ErrInvalidSignal.Code, domain.ErrMissingBattleContext.Code,
		domain.ErrEmptyIdentifier.Code, domain.ErrInvalidAnswer.Code:
		return http.StatusBadRequest
	case domain.ErrBackendTimeout.Code:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.SignalEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.ID, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
