// Package domain defines the core types shared by the signal engine.
package domain

import "time"

// SourceType identifies what produced a signal event.
type SourceType string

const (
	SourceVersus SourceType = "versus"
	SourceReview SourceType = "review"
	SourceModule SourceType = "module"
)

// BattleStatus is the lifecycle state of a battle.
type BattleStatus string

const (
	BattleActive BattleStatus = "active"
	BattleClosed BattleStatus = "closed"
)

// Battle is a comparison unit users vote on. Read-only to the core.
type Battle struct {
	ID       string       `json:"id"`
	Slug     string       `json:"slug"`
	Title    string       `json:"title"`
	Category string       `json:"category,omitempty"`
	Status   BattleStatus `json:"status,omitempty"`
	Options  []Option     `json:"options"`
}

// Option belongs to exactly one battle.
type Option struct {
	ID        string `json:"id"`
	BattleID  string `json:"battle_id,omitempty"`
	Label     string `json:"label"`
	ImageURL  string `json:"image_url,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	Category  string `json:"category,omitempty"`
	SortOrder int    `json:"sort_order"`
}

// BattleContext is the canonical resolution of a battle identifier.
type BattleContext struct {
	BattleID         string   `json:"battle_id"`
	BattleInstanceID string   `json:"battle_instance_id"`
	Slug             string   `json:"battle_slug"`
	Title            string   `json:"title"`
	Options          []Option `json:"options"`
}

// SignalEvent is one recorded user response.
type SignalEvent struct {
	ID                  string         `json:"id,omitempty"`
	ClientEventID       string         `json:"client_event_id,omitempty"`
	SourceType          SourceType     `json:"source_type"`
	SourceID            string         `json:"source_id,omitempty"`
	EventType           string         `json:"event_type,omitempty"`
	BattleID            string         `json:"battle_id,omitempty"`
	BattleInstanceID    string         `json:"battle_instance_id,omitempty"`
	OptionID            string         `json:"option_id,omitempty"`
	Weight              float64        `json:"weight"`
	Value               int            `json:"value,omitempty"`
	Meta                map[string]any `json:"meta"`
	UserID              string         `json:"user_id,omitempty"`
	AnonID              string         `json:"anon_id,omitempty"`
	Tier                string         `json:"user_tier"`
	ProfileCompleteness int            `json:"profile_completeness"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Identity returns the user id when authenticated, the anonymous id otherwise.
func (e SignalEvent) Identity() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.AnonID
}

// QuestionType is the input kind of a depth question.
type QuestionType string

const (
	QuestionChoice    QuestionType = "choice"
	QuestionScale     QuestionType = "scale"
	QuestionYesNo     QuestionType = "yes_no"
	QuestionShortText QuestionType = "short_text"
)

// Question is one depth survey step.
type Question struct {
	Key      string       `json:"key" yaml:"key"`
	Prompt   string       `json:"prompt" yaml:"prompt"`
	Type     QuestionType `json:"type" yaml:"type"`
	Options  []string     `json:"options,omitempty" yaml:"options,omitempty"`
	ScaleMin int          `json:"scale_min,omitempty" yaml:"scale_min,omitempty"`
	ScaleMax int          `json:"scale_max,omitempty" yaml:"scale_max,omitempty"`
}

// DepthAnswer is a string-encoded answer to one question.
type DepthAnswer struct {
	QuestionKey string `json:"question_key"`
	AnswerValue string `json:"answer_value"`
}

// SegmentFilter narrows depth analytics to a demographic segment.
type SegmentFilter struct {
	Gender    string `json:"gender,omitempty"`
	AgeBucket string `json:"age_bucket,omitempty"`
	Region    string `json:"region,omitempty"`
}

// DepthAnalyticsRow is the per-question average for an option.
type DepthAnalyticsRow struct {
	OptionID       string  `json:"option_id"`
	QuestionKey    string  `json:"question_key"`
	AvgValue       float64 `json:"avg_value"`
	TotalResponses int     `json:"total_responses"`
}

// Comparison is the three-way comparison for one answered question.
type Comparison struct {
	SelfAvg      float64 `json:"self_avg_input_external"`
	SegmentAvg   float64 `json:"segment_avg"`
	GlobalAvg    float64 `json:"global_avg"`
	TotalSignals int     `json:"total_signals"`
}

// DateRange is a half-open [From, To) time window.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// LastDays returns the window ending at now covering the previous n days.
func LastDays(now time.Time, n int) DateRange {
	return DateRange{From: now.AddDate(0, 0, -n), To: now}
}

// ShareRow is an option's share of preference within a battle.
type ShareRow struct {
	OptionID        string  `json:"option_id"`
	WeightedSignals float64 `json:"weighted_signals"`
	WeightedTotal   float64 `json:"weighted_total"`
	Share           float64 `json:"share"`
}

// VelocityRow is the signed change in weighted signals for an option.
type VelocityRow struct {
	OptionID string  `json:"option_id"`
	Delta    float64 `json:"delta_weighted_signals"`
}

// QualityRow is one engagement quality metric.
type QualityRow struct {
	MetricKey   string  `json:"metric_key"`
	MetricValue float64 `json:"metric_value"`
	MetricLabel string  `json:"metric_label"`
}

// Profile is the external profile collaborator's view of a user.
type Profile struct {
	UserID   string `json:"user_id"`
	Stage    int    `json:"stage"`
	Tier     string `json:"tier"`
	Age      string `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Commune  string `json:"commune,omitempty"`
	InviteOK bool   `json:"invite_ok"`
}

// Complete reports whether the demographic fields required for depth
// answers are present.
func (p Profile) Complete() bool {
	return p.Age != "" && p.Gender != "" && p.Commune != ""
}

// SessionMode tags how a session walks its queue.
type SessionMode string

const (
	ModeClassic     SessionMode = "classic"
	ModeProgressive SessionMode = "progressive"
	ModeInsights    SessionMode = "insights"
)

// SessionSnapshot is a persisted view of a voting session used for resume.
type SessionSnapshot struct {
	SessionID  string
	Mode       SessionMode
	Index      int
	Completed  int
	BatchIndex int
	StateJSON  string
	CreatedAt  int64
}

// AuditRecord is one guard decision on a write: who asked, which gate
// refused it (if any) and the request as evaluated.
type AuditRecord struct {
	ID          string   `json:"id"`
	Subject     string   `json:"subject"`
	Action      string   `json:"action"`
	BattleID    string   `json:"battle_id,omitempty"`
	Gate        string   `json:"gate,omitempty"`
	Allowed     bool     `json:"allowed"`
	Severity    string   `json:"severity"`
	Blockers    []string `json:"blockers,omitempty"`
	RequestJSON string   `json:"request"`
	CreatedAt   int64    `json:"created_at"`
}

// LimitAction is the outcome of a daily signal limit check.
type LimitAction string

const (
	LimitContinue LimitAction = "continue"
	LimitWarn     LimitAction = "warn"
	LimitHalt     LimitAction = "halt"
)
