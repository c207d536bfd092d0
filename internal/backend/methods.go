package backend

import (
	"context"
	"encoding/json"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/signal"
)

// RPC method names, served at POST /rpc/{name}.
const (
	MethodResolveBattleContext        = "resolve_battle_context"
	MethodGetActiveBattles            = "get_active_battles"
	MethodInsertSignalEvent           = "insert_signal_event"
	MethodInsertDepthAnswers          = "insert_depth_answers"
	MethodGetDepthAnalytics           = "get_depth_analytics"
	MethodGetDepthImmediateComparison = "get_depth_immediate_comparison"
	MethodKPIShareOfPreference        = "kpi_share_of_preference"
	MethodKPITrendVelocity            = "kpi_trend_velocity"
	MethodKPIEngagementQuality        = "kpi_engagement_quality"
	MethodGetDepthDefinitions         = "get_depth_definitions"
	MethodCountSignalsToday           = "count_signals_today"
)

// Request bodies.
type (
	ResolveParams struct {
		Identifier string `json:"identifier"`
	}
	InsertSignalParams struct {
		Event domain.SignalEvent `json:"event"`
	}
	DepthAnswersParams struct {
		OptionID string               `json:"option_id"`
		Answers  []domain.DepthAnswer `json:"answers"`
	}
	DepthAnalyticsParams struct {
		OptionID string               `json:"option_id"`
		Segment  domain.SegmentFilter `json:"segment"`
	}
	ComparisonParams struct {
		QuestionKey string               `json:"question_key"`
		Segment     domain.SegmentFilter `json:"segment"`
	}
	BattleParams struct {
		BattleID string            `json:"battle_id"`
		Range    *domain.DateRange `json:"range,omitempty"`
	}
	OptionParams struct {
		OptionID string `json:"option_id"`
	}
	CountParams struct {
		UserID string `json:"user_id,omitempty"`
		AnonID string `json:"anon_id,omitempty"`
	}
)

// CountResult is the response of count_signals_today.
type CountResult struct {
	Count int `json:"count"`
}

// Dispatch decodes params for method, calls b and returns the value to
// encode as the response. Unknown methods return ErrUnknownMethod.
func Dispatch(ctx context.Context, b Backend, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodResolveBattleContext:
		var p ResolveParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return b.ResolveBattleContext(ctx, p.Identifier)

	case MethodGetActiveBattles:
		battles, err := b.GetActiveBattles(ctx)
		if battles == nil {
			battles = []domain.Battle{}
		}
		return battles, err

	case MethodInsertSignalEvent:
		var p InsertSignalParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, b.InsertSignalEvent(ctx, p.Event)

	case MethodInsertDepthAnswers:
		var p DepthAnswersParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, b.InsertDepthAnswers(ctx, p.OptionID, p.Answers)

	case MethodGetDepthAnalytics:
		var p DepthAnalyticsParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		rows, err := b.GetDepthAnalytics(ctx, p.OptionID, p.Segment)
		if rows == nil {
			rows = []domain.DepthAnalyticsRow{}
		}
		return rows, err

	case MethodGetDepthImmediateComparison:
		var p ComparisonParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return b.GetDepthImmediateComparison(ctx, p.QuestionKey, p.Segment)

	case MethodKPIShareOfPreference:
		var p BattleParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		var r domain.DateRange
		if p.Range != nil {
			r = *p.Range
		}
		rows, err := b.KPIShareOfPreference(ctx, p.BattleID, r)
		if rows == nil {
			rows = []domain.ShareRow{}
		}
		return rows, err

	case MethodKPITrendVelocity:
		var p BattleParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		rows, err := b.KPITrendVelocity(ctx, p.BattleID)
		if rows == nil {
			rows = []domain.VelocityRow{}
		}
		return rows, err

	case MethodKPIEngagementQuality:
		var p BattleParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		rows, err := b.KPIEngagementQuality(ctx, p.BattleID)
		if rows == nil {
			rows = []domain.QualityRow{}
		}
		return rows, err

	case MethodGetDepthDefinitions:
		var p OptionParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		qs, err := b.GetDepthDefinitions(ctx, p.OptionID)
		if qs == nil {
			qs = []domain.Question{}
		}
		return qs, err

	case MethodCountSignalsToday:
		var p CountParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		n, err := b.CountSignalsToday(ctx, signal.Identity{UserID: p.UserID, AnonID: p.AnonID})
		return CountResult{Count: n}, err
	}
	return nil, domain.NewEngineError(domain.ErrUnknownMethod.Code, "unknown method "+method)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.WrapEngineError(domain.ErrBadRequest.Code, domain.ErrBadRequest.Message, err)
	}
	return nil
}
