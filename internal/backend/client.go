package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/signal"
)

// Identity headers carried by every RPC request.
const (
	HeaderUserID = "X-Opina-User"
	HeaderAnonID = "X-Opina-Anon"
	HeaderTier   = "X-Opina-Tier"
)

// Client calls a remote Service over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Timeout time.Duration
	Logger  *zap.Logger
}

var _ Backend = (*Client)(nil)

// NewClient creates a Client for the server at baseURL with a 5s per-call
// timeout.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
		Timeout: 5 * time.Second,
		Logger:  logger,
	}
}

func (c *Client) ResolveBattleContext(ctx context.Context, identifier string) (domain.BattleContext, error) {
	var out domain.BattleContext
	err := c.call(ctx, MethodResolveBattleContext, ResolveParams{Identifier: identifier}, &out)
	return out, err
}

func (c *Client) GetActiveBattles(ctx context.Context) ([]domain.Battle, error) {
	var out []domain.Battle
	err := c.call(ctx, MethodGetActiveBattles, struct{}{}, &out)
	return out, err
}

func (c *Client) InsertSignalEvent(ctx context.Context, ev domain.SignalEvent) error {
	return c.call(ctx, MethodInsertSignalEvent, InsertSignalParams{Event: ev}, nil)
}

func (c *Client) InsertDepthAnswers(ctx context.Context, optionID string, answers []domain.DepthAnswer) error {
	return c.call(ctx, MethodInsertDepthAnswers, DepthAnswersParams{OptionID: optionID, Answers: answers}, nil)
}

func (c *Client) GetDepthAnalytics(ctx context.Context, optionID string, seg domain.SegmentFilter) ([]domain.DepthAnalyticsRow, error) {
	var out []domain.DepthAnalyticsRow
	err := c.call(ctx, MethodGetDepthAnalytics, DepthAnalyticsParams{OptionID: optionID, Segment: seg}, &out)
	return out, err
}

func (c *Client) GetDepthImmediateComparison(ctx context.Context, questionKey string, seg domain.SegmentFilter) (domain.Comparison, error) {
	var out domain.Comparison
	err := c.call(ctx, MethodGetDepthImmediateComparison, ComparisonParams{QuestionKey: questionKey, Segment: seg}, &out)
	return out, err
}

func (c *Client) KPIShareOfPreference(ctx context.Context, battleID string, r domain.DateRange) ([]domain.ShareRow, error) {
	p := BattleParams{BattleID: battleID}
	if !r.From.IsZero() || !r.To.IsZero() {
		p.Range = &r
	}
	var out []domain.ShareRow
	err := c.call(ctx, MethodKPIShareOfPreference, p, &out)
	return out, err
}

func (c *Client) KPITrendVelocity(ctx context.Context, battleID string) ([]domain.VelocityRow, error) {
	var out []domain.VelocityRow
	err := c.call(ctx, MethodKPITrendVelocity, BattleParams{BattleID: battleID}, &out)
	return out, err
}

func (c *Client) KPIEngagementQuality(ctx context.Context, battleID string) ([]domain.QualityRow, error) {
	var out []domain.QualityRow
	err := c.call(ctx, MethodKPIEngagementQuality, BattleParams{BattleID: battleID}, &out)
	return out, err
}

func (c *Client) GetDepthDefinitions(ctx context.Context, optionID string) ([]domain.Question, error) {
	var out []domain.Question
	err := c.call(ctx, MethodGetDepthDefinitions, OptionParams{OptionID: optionID}, &out)
	return out, err
}

func (c *Client) CountSignalsToday(ctx context.Context, id signal.Identity) (int, error) {
	var out CountResult
	err := c.call(ctx, MethodCountSignalsToday, CountParams{UserID: id.UserID, AnonID: id.AnonID}, &out)
	return out.Count, err
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/rpc/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id, ok := IdentityFrom(ctx); ok {
		req.Header.Set(HeaderUserID, id.UserID)
		req.Header.Set(HeaderAnonID, id.AnonID)
		req.Header.Set(HeaderTier, id.Tier)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.WrapEngineError(domain.ErrBackendTimeout.Code, method, err)
		}
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// decodeError restores the EngineError code from the response body. Bodies
// without a code are classified from their text.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Code < 0 {
		return domain.NewEngineError(body.Code, body.Message)
	}
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}
	return domain.FromMessage(msg)
}
