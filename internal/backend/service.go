package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/guard"
	"github.com/opina-lab/signal-engine/internal/signal"
	"github.com/opina-lab/signal-engine/internal/store"
)

// Default aggregation windows.
const (
	DefaultQualityWindow  = 30 * 24 * time.Hour
	DefaultVelocityWindow = 24 * time.Hour
	DefaultShareDays      = 30
)

// Service implements Backend over the SQL store. Writes pass through the
// Guard.
type Service struct {
	DB       *sql.DB
	Guard    *guard.Guard
	Battles  *store.BattleRepo
	Signals  *store.SignalRepo
	Depth    *store.DepthRepo
	KPI      *store.KPIRepo
	Profiles *store.ProfileRepo
	Sessions *store.SessionRepo
	Audit    *store.AuditRepo
	Logger   *zap.Logger
	Now      func() time.Time

	QualityWindow  time.Duration
	VelocityWindow time.Duration
}

var _ Backend = (*Service)(nil)

// NewService wires the repos for dialect around db.
func NewService(db *sql.DB, dialect store.Dialect, g *guard.Guard, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		DB:             db,
		Guard:          g,
		Battles:        &store.BattleRepo{Dialect: dialect},
		Signals:        &store.SignalRepo{Dialect: dialect},
		Depth:          &store.DepthRepo{Dialect: dialect},
		KPI:            &store.KPIRepo{Dialect: dialect},
		Profiles:       &store.ProfileRepo{Dialect: dialect},
		Sessions:       &store.SessionRepo{Dialect: dialect},
		Audit:          &store.AuditRepo{Dialect: dialect},
		Logger:         logger,
		Now:            time.Now,
		QualityWindow:  DefaultQualityWindow,
		VelocityWindow: DefaultVelocityWindow,
	}
}

// ResolveBattleContext looks the identifier up as a battle id, then as a
// slug, and pairs it with the battle's current instance.
func (s *Service) ResolveBattleContext(ctx context.Context, identifier string) (domain.BattleContext, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return domain.BattleContext{}, domain.ErrEmptyIdentifier
	}
	b, err := s.Battles.GetByID(ctx, s.DB, identifier)
	if errors.Is(err, domain.ErrBattleNotFound) {
		b, err = s.Battles.GetBySlug(ctx, s.DB, identifier)
	}
	if err != nil {
		return domain.BattleContext{}, wrapStore(domain.ErrStoreQuery, "resolve battle", err)
	}
	inst, err := s.Battles.CurrentInstance(ctx, s.DB, b.ID)
	if err != nil {
		return domain.BattleContext{}, wrapStore(domain.ErrStoreQuery, "resolve battle", err)
	}
	return domain.BattleContext{
		BattleID:         b.ID,
		BattleInstanceID: inst,
		Slug:             b.Slug,
		Title:            b.Title,
		Options:          b.Options,
	}, nil
}

// GetActiveBattles lists active battles with their options.
func (s *Service) GetActiveBattles(ctx context.Context) ([]domain.Battle, error) {
	battles, err := s.Battles.ListActive(ctx, s.DB)
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "active battles", err)
	}
	return battles, nil
}

// InsertSignalEvent validates, guards and stores one signal event.
func (s *Service) InsertSignalEvent(ctx context.Context, ev domain.SignalEvent) error {
	if err := signal.Validate(signal.Payload{
		SourceType:       ev.SourceType,
		BattleID:         ev.BattleID,
		BattleInstanceID: ev.BattleInstanceID,
		Weight:           signal.Weight(ev.Weight),
		Value:            ev.Value,
	}); err != nil {
		return err
	}
	if ev.UserID == "" && ev.AnonID == "" {
		return domain.NewEngineError(domain.ErrInvalidSignal.Code, "user_id or anon_id is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ClientEventID == "" {
		ev.ClientEventID = ev.ID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.Now().UTC()
	}

	if s.Guard != nil {
		_, tournament := ev.Meta["tournament_id"]
		req := guard.Request{
			Action:     guard.ActionInsertSignal,
			UserID:     ev.UserID,
			AnonID:     ev.AnonID,
			Tier:       ev.Tier,
			SourceType: ev.SourceType,
			BattleID:   ev.BattleID,
			Tournament: tournament,
		}
		if _, err := s.Guard.Check(ctx, req); err != nil {
			return err
		}
	}

	if err := s.Signals.Insert(ctx, s.DB, ev); err != nil {
		return wrapStore(domain.ErrStoreWrite, "insert signal", err)
	}
	s.Logger.Debug("signal stored",
		zap.String("id", ev.ID),
		zap.String("source_type", string(ev.SourceType)),
		zap.String("battle_id", ev.BattleID),
	)
	return nil
}

// InsertDepthAnswers stores a completed survey for the identity in ctx.
func (s *Service) InsertDepthAnswers(ctx context.Context, optionID string, answers []domain.DepthAnswer) error {
	if len(answers) == 0 {
		return domain.NewEngineError(domain.ErrInvalidAnswer.Code, "no answers")
	}
	if _, err := s.Battles.GetOption(ctx, s.DB, optionID); err != nil {
		return wrapStore(domain.ErrStoreQuery, "depth option", err)
	}
	id, _ := IdentityFrom(ctx)
	if s.Guard != nil {
		req := guard.Request{Action: guard.ActionInsertDepth, UserID: id.UserID, AnonID: id.AnonID, Tier: id.Tier}
		if _, err := s.Guard.Check(ctx, req); err != nil {
			return err
		}
	}

	now := s.Now().UnixMilli()
	rows := make([]store.DepthAnswerRow, 0, len(answers))
	for _, a := range answers {
		if a.QuestionKey == "" {
			return domain.NewEngineError(domain.ErrInvalidAnswer.Code, "question_key is required")
		}
		rows = append(rows, store.DepthAnswerRow{
			ID:          uuid.NewString(),
			OptionID:    optionID,
			QuestionKey: a.QuestionKey,
			AnswerValue: a.AnswerValue,
			UserID:      id.UserID,
			CreatedAt:   now,
		})
	}
	if err := s.Depth.InsertAnswers(ctx, s.DB, rows); err != nil {
		return wrapStore(domain.ErrStoreWrite, "insert depth answers", err)
	}
	return nil
}

// GetDepthAnalytics returns per-question averages for an option.
func (s *Service) GetDepthAnalytics(ctx context.Context, optionID string, seg domain.SegmentFilter) ([]domain.DepthAnalyticsRow, error) {
	rows, err := s.Depth.Analytics(ctx, s.DB, optionID, seg)
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "depth analytics", err)
	}
	return rows, nil
}

// GetDepthImmediateComparison compares the caller's numeric answers to a
// question with the segment's and everyone's.
func (s *Service) GetDepthImmediateComparison(ctx context.Context, questionKey string, seg domain.SegmentFilter) (domain.Comparison, error) {
	global, err := s.Depth.ListAnswers(ctx, s.DB, questionKey, "", domain.SegmentFilter{})
	if err != nil {
		return domain.Comparison{}, wrapStore(domain.ErrStoreQuery, "comparison", err)
	}
	segment := global
	if seg != (domain.SegmentFilter{}) {
		if segment, err = s.Depth.ListAnswers(ctx, s.DB, questionKey, "", seg); err != nil {
			return domain.Comparison{}, wrapStore(domain.ErrStoreQuery, "comparison", err)
		}
	}

	var self []store.DepthAnswerRow
	if id, ok := IdentityFrom(ctx); ok && id.UserID != "" {
		for _, a := range global {
			if a.UserID == id.UserID {
				self = append(self, a)
			}
		}
	}

	var c domain.Comparison
	c.SelfAvg, _ = store.NumericAverage(self)
	c.SegmentAvg, _ = store.NumericAverage(segment)
	c.GlobalAvg, c.TotalSignals = store.NumericAverage(global)
	return c, nil
}

// KPIShareOfPreference returns each option's share of weighted signals. A
// zero range means the last 30 days.
func (s *Service) KPIShareOfPreference(ctx context.Context, battleID string, r domain.DateRange) ([]domain.ShareRow, error) {
	if r.From.IsZero() && r.To.IsZero() {
		r = domain.LastDays(s.Now(), DefaultShareDays)
	}
	rows, err := s.KPI.Share(ctx, s.DB, battleID, r.From, r.To)
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "share of preference", err)
	}
	return rows, nil
}

// KPITrendVelocity compares the latest window to the one before it.
func (s *Service) KPITrendVelocity(ctx context.Context, battleID string) ([]domain.VelocityRow, error) {
	rows, err := s.KPI.Velocity(ctx, s.DB, battleID, s.Now(), s.VelocityWindow)
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "trend velocity", err)
	}
	return rows, nil
}

// KPIEngagementQuality summarizes signal quality over the quality window.
func (s *Service) KPIEngagementQuality(ctx context.Context, battleID string) ([]domain.QualityRow, error) {
	rows, err := s.KPI.Quality(ctx, s.DB, battleID, s.Now().Add(-s.QualityWindow))
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "engagement quality", err)
	}
	return rows, nil
}

// GetDepthDefinitions returns the stored questions for an option's entity,
// falling back to questions stored under the option id itself. nil means
// none are stored.
func (s *Service) GetDepthDefinitions(ctx context.Context, optionID string) ([]domain.Question, error) {
	keys := []string{optionID}
	if opt, err := s.Battles.GetOption(ctx, s.DB, optionID); err == nil && opt.EntityID != "" {
		keys = []string{opt.EntityID, optionID}
	}
	for _, k := range keys {
		qs, err := s.Depth.GetDefinitions(ctx, s.DB, k)
		if err != nil {
			return nil, wrapStore(domain.ErrStoreQuery, "depth definitions", err)
		}
		if len(qs) > 0 {
			return qs, nil
		}
	}
	return nil, nil
}

// CountSignalsToday returns how many signals the identity sent since
// midnight UTC.
func (s *Service) CountSignalsToday(ctx context.Context, id signal.Identity) (int, error) {
	n, err := s.Signals.CountSince(ctx, s.DB, id.UserID, id.AnonID, guard.StartOfDay(s.Now()).UnixMilli())
	if err != nil {
		return 0, wrapStore(domain.ErrStoreQuery, "count signals", err)
	}
	return n, nil
}

// Profile returns the profile of the identity in ctx.
func (s *Service) Profile(ctx context.Context) (domain.Profile, error) {
	id, ok := IdentityFrom(ctx)
	if !ok || id.UserID == "" {
		return domain.Profile{}, domain.ErrProfileMissing
	}
	p, err := s.Profiles.Get(ctx, s.DB, id.UserID)
	if err != nil {
		return domain.Profile{}, err
	}
	return *p, nil
}

// SaveSession stores a session snapshot.
func (s *Service) SaveSession(ctx context.Context, snap domain.SessionSnapshot) error {
	if snap.CreatedAt == 0 {
		snap.CreatedAt = s.Now().UnixMilli()
	}
	if err := s.Sessions.Save(ctx, s.DB, uuid.NewString(), snap); err != nil {
		return wrapStore(domain.ErrStoreWrite, "save session", err)
	}
	return nil
}

// LatestSession returns the newest snapshot of a session, or nil.
func (s *Service) LatestSession(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	snap, err := s.Sessions.GetLatest(ctx, s.DB, sessionID)
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "latest session", err)
	}
	return snap, nil
}

// ListSignalEvents returns a battle's events created after sinceMs.
func (s *Service) ListSignalEvents(ctx context.Context, battleID string, sinceMs int64) ([]domain.SignalEvent, error) {
	evs, err := s.Signals.ListByBattle(ctx, s.DB, battleID, sinceMs)
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "list signals", err)
	}
	return evs, nil
}

// CreateBattle stores a battle with its first instance.
func (s *Service) CreateBattle(ctx context.Context, b domain.Battle) (string, error) {
	inst := fmt.Sprintf("%s-i1", b.ID)
	if err := s.Battles.Create(ctx, s.DB, b, inst, s.Now().UnixMilli()); err != nil {
		return "", wrapStore(domain.ErrStoreWrite, "create battle", err)
	}
	return inst, nil
}

// CloseBattle stops a battle from accepting signals.
func (s *Service) CloseBattle(ctx context.Context, battleID string) error {
	return s.Battles.SetStatus(ctx, s.DB, battleID, domain.BattleClosed)
}

// UpsertProfile stores a user profile.
func (s *Service) UpsertProfile(ctx context.Context, p domain.Profile) error {
	if err := s.Profiles.Upsert(ctx, s.DB, p, s.Now().UnixMilli()); err != nil {
		return wrapStore(domain.ErrStoreWrite, "upsert profile", err)
	}
	return nil
}

// PutDepthDefinitions stores the question set for an entity.
func (s *Service) PutDepthDefinitions(ctx context.Context, entityID string, questions []domain.Question) error {
	if err := s.Depth.UpsertDefinitions(ctx, s.DB, entityID, questions, s.Now().UnixMilli()); err != nil {
		return wrapStore(domain.ErrStoreWrite, "put depth definitions", err)
	}
	return nil
}

// AuditTrail returns the guard decisions matching f, newest first.
func (s *Service) AuditTrail(ctx context.Context, f store.AuditFilter) ([]domain.AuditRecord, error) {
	recs, err := s.Audit.List(ctx, s.DB, f)
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "audit trail", err)
	}
	return recs, nil
}

// Denials counts refused writes per gate since the given time. An empty
// battleID covers every battle.
func (s *Service) Denials(ctx context.Context, battleID string, since time.Time) (map[string]int, error) {
	var sinceMs int64
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}
	counts, err := s.Audit.DenialsByGate(ctx, s.DB, battleID, sinceMs)
	if err != nil {
		return nil, wrapStore(domain.ErrStoreQuery, "denials", err)
	}
	return counts, nil
}

// PruneAudit drops decisions older than olderThan.
func (s *Service) PruneAudit(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("prune audit: retention must be positive, got %s", olderThan)
	}
	n, err := s.Audit.Prune(ctx, s.DB, s.Now().Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, wrapStore(domain.ErrStoreWrite, "prune audit", err)
	}
	if n > 0 {
		s.Logger.Info("audit pruned", zap.Int64("records", n), zap.Duration("older_than", olderThan))
	}
	return n, nil
}

// wrapStore keeps engine errors as they are and gives anything else the
// code of kind.
func wrapStore(kind *domain.EngineError, op string, err error) error {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return domain.WrapEngineError(kind.Code, op, err)
}
