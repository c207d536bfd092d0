package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/backend"
	"github.com/opina-lab/signal-engine/internal/battle"
	"github.com/opina-lab/signal-engine/internal/depth"
	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/kvstore"
	"github.com/opina-lab/signal-engine/internal/modules"
	"github.com/opina-lab/signal-engine/internal/prng"
	"github.com/opina-lab/signal-engine/internal/session"
	"github.com/opina-lab/signal-engine/internal/signal"
)

var (
	demoMode     string
	demoUser     string
	demoTier     string
	demoCategory string
	demoModule   string
	demoSurvey   bool
)

// maxDemoVotes bounds a simulated session.
const maxDemoVotes = 100

var demoReasons = []string{"Calidad", "Precio", "Cercanía", "Costumbre", "Recomendación"}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Simulate a voter: a session, a depth survey and module interest",
	Long: `Runs a deterministic simulated voter against the configured backend.
Choices come from a generator seeded per device, so repeated runs on the
same database replay the same picks. Undelivered signals are kept in the
local outbox and retried on the next run.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVar(&demoMode, "mode", "classic", "session mode: classic or progressive")
	demoCmd.Flags().StringVar(&demoUser, "user", "", "authenticated user id (anonymous when empty)")
	demoCmd.Flags().StringVar(&demoTier, "tier", "", "verification tier of the voter")
	demoCmd.Flags().StringVar(&demoCategory, "category", "", "tournament category filter")
	demoCmd.Flags().StringVar(&demoModule, "module", "", "also register interest in this module slug")
	demoCmd.Flags().BoolVar(&demoSurvey, "survey", true, "answer the depth survey for the last pick")
}

// simClock is a manual clock so simulated think time shapes vote weights.
type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time           { return c.now }
func (c *simClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	db, dialect, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	kv := kvstore.NewSQL(db, dialect)
	if cfg.DemoMode {
		if err := kvstore.SetDemoMode(ctx, kv, true); err != nil {
			return err
		}
	}

	var (
		be       backend.Backend
		snaps    session.Snapshotter
		profiles depth.ProfileProvider
	)
	if cfg.BackendURL != "" {
		c := backend.NewClient(cfg.BackendURL, logger.Named("client"))
		c.Timeout = cfg.CallTimeout
		be = c
	} else {
		svc := wireService(db, dialect)
		be, snaps, profiles = svc, svc, svc
	}

	ids := &signal.DeviceIdentity{KV: kv, UserID: demoUser, Tier: demoTier}
	id, err := ids.Identity(ctx)
	if err != nil {
		return err
	}
	ctx = backend.WithIdentity(ctx, id)

	clock := &simClock{now: time.Now()}
	recorder := signal.NewRecorder(be, ids, logger.Named("signal"))
	recorder.Timeout = cfg.CallTimeout
	recorder.Now = clock.Now
	recorder.Outbox = signal.NewOutbox(kv, logger.Named("outbox"))

	if res, err := recorder.Outbox.Flush(ctx, be, 0); err != nil {
		logger.Warn("flush outbox", zap.Error(err))
	} else if res.Sent+res.Failed > 0 {
		fmt.Fprintf(out, "outbox: %d sent, %d failed, %d pending\n", res.Sent, res.Failed, res.Remaining)
	}

	gen, err := prng.Open(ctx, kv, "demo-voter:"+id.AnonID)
	if err != nil {
		return err
	}

	total, err := be.CountSignalsToday(ctx, id)
	if err != nil {
		logger.Warn("count signals today", zap.Error(err))
	}

	sess, err := buildDemoSession(cmd, be, kv, recorder, session.Options{
		BatchSize:  cfg.BatchSize,
		TotalToday: total,
		CrownAfter: cfg.CrownAfter,
		Snapshots:  snaps,
		Clock:      clock.Now,
		Logger:     logger.Named("session"),
		OnComplete: func(s session.Summary) { printSummary(out, s) },
	})
	if err != nil {
		return err
	}

	last, err := playSession(cmd, sess, gen, clock)
	if err != nil {
		return err
	}

	if demoSurvey && last.ID != "" {
		if err := answerSurvey(cmd, be, profiles, last, gen); err != nil {
			return err
		}
	}

	if demoModule != "" {
		tracker := modules.NewTracker(kv, recorder, logger.Named("modules"))
		if err := tracker.TrackView(ctx, demoModule, "demo"); err != nil {
			return err
		}
		first, err := tracker.RegisterInterest(ctx, demoModule)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "module %s: interest registered=%t\n", demoModule, first)
	}

	pending, err := recorder.Outbox.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Fprintf(out, "%d signals queued for retry\n", len(pending))
	}
	return nil
}

func buildDemoSession(cmd *cobra.Command, be backend.Backend, kv kvstore.Store, rec session.Recorder, opts session.Options) (*session.Session, error) {
	ctx := cmd.Context()
	demoOn, err := kvstore.DemoMode(ctx, kv)
	if err != nil {
		return nil, err
	}

	battles, err := be.GetActiveBattles(ctx)
	if err != nil {
		logger.Warn("load active battles", zap.Error(err))
	}
	if len(battles) == 0 && demoOn {
		battles = battle.DemoBattles()
	}

	if demoMode == "progressive" {
		pool := session.Pool(battles, demoCategory, cfg.TournamentPoolSize)
		id := "t-all"
		if demoCategory != "" {
			id = "t-" + demoCategory
		}
		return session.NewProgressive(rec, id, "Torneo "+id, pool, opts)
	}

	resolver := battle.NewResolver(be, cfg.ResolverCacheSize, cfg.ResolverCacheTTL, logger.Named("resolver"))
	resolver.Timeout = cfg.CallTimeout
	resolver.Demo = battle.NewStaticCatalog(battle.DemoBattles())
	resolver.DemoEnabled = func(ctx context.Context) bool {
		on, err := kvstore.DemoMode(ctx, kv)
		return err == nil && on
	}

	var queue []domain.BattleContext
	for _, b := range battles {
		res := resolver.Resolve(ctx, b.Slug)
		if !res.OK {
			logger.Warn("skipping battle", zap.String("slug", b.Slug), zap.Stringer("source", res.Source), zap.Error(res.Err))
			continue
		}
		queue = append(queue, res.BattleContext)
	}
	return session.NewClassic(rec, queue, opts)
}

// playSession votes until the session completes and returns the last
// recorded pick.
func playSession(cmd *cobra.Command, sess *session.Session, gen *prng.Generator, clock *simClock) (domain.Option, error) {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var last domain.Option
	duel, err := sess.Start()
	if err != nil {
		return last, err
	}
	for i := 0; i < maxDemoVotes; i++ {
		opt := duel.Options[gen.RangeInt(0, len(duel.Options)-1)]
		if err := sess.Pick(opt.ID); err != nil {
			return last, err
		}
		level := session.IntensityLow
		if gen.Float64() < 0.5 {
			level = session.IntensityHigh
		}
		if err := sess.SetIntensity(level); err != nil {
			return last, err
		}

		clock.advance(time.Duration(gen.RangeInt(300, 2500)) * time.Millisecond)
		reason := demoReasons[gen.RangeInt(0, len(demoReasons)-1)]
		st, err := sess.Reason(ctx, reason)
		switch {
		case errors.Is(err, domain.ErrStaleResult):
			return last, err
		case err != nil:
			fmt.Fprintf(out, "%-28s  skipped: %v\n", duel.Title, err)
		default:
			last = opt
			fmt.Fprintf(out, "%-28s  %-22s %-4s %s\n", duel.Title, opt.Label, level, reason)
		}

		if st.Step == session.StepComplete {
			break
		}
		next, ok := sess.Current()
		if !ok {
			break
		}
		duel = next
	}
	return last, nil
}

func answerSurvey(cmd *cobra.Command, be backend.Backend, profiles depth.ProfileProvider, opt domain.Option, gen *prng.Generator) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	catalog, err := depth.LoadCatalog(cfg.QuestionsDir, logger.Named("depth"))
	if err != nil {
		return err
	}
	eng, err := depth.New(opt.ID, catalog.QuestionsFor(ctx, be, opt), be, depth.Options{
		Profiles:    profiles,
		CallTimeout: cfg.CallTimeout,
		Logger:      logger.Named("depth"),
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	fmt.Fprintf(out, "\nsurvey for %s\n", opt.Label)
	for eng.State().Phase == depth.PhaseAnswering {
		q := eng.State().Question
		answer := demoAnswer(gen, q)
		err := eng.Answer(ctx, answer)
		if err == nil && q.Type == domain.QuestionShortText {
			err = eng.Confirm(ctx)
		}
		var submitErr *domain.SubmitError
		if errors.As(err, &submitErr) {
			fmt.Fprintf(out, "survey not saved: %s, next: %s (%s)\n", submitErr.Kind, submitErr.Action.Label, submitErr.Action.Path)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-40s %s\n", q.Prompt, answer)
	}

	cmps, err := eng.Comparisons(ctx, domain.SegmentFilter{})
	if err != nil {
		logger.Warn("depth comparisons", zap.Error(err))
		return nil
	}
	for key, c := range cmps {
		fmt.Fprintf(out, "  %-20s you %.1f  segment %.1f  all %.1f (%d)\n", key, c.SelfAvg, c.SegmentAvg, c.GlobalAvg, c.TotalSignals)
	}
	return nil
}

func demoAnswer(g *prng.Generator, q domain.Question) string {
	switch q.Type {
	case domain.QuestionChoice:
		return q.Options[g.RangeInt(0, len(q.Options)-1)]
	case domain.QuestionScale:
		lo, hi := q.ScaleMin, q.ScaleMax
		if lo == 0 && hi == 0 {
			lo, hi = 1, 5
		}
		return strconv.Itoa(g.RangeInt(lo, hi))
	case domain.QuestionYesNo:
		if g.Float64() < 0.5 {
			return "yes"
		}
		return "no"
	}
	return demoReasons[g.RangeInt(0, len(demoReasons)-1)]
}

func printSummary(out io.Writer, s session.Summary) {
	fmt.Fprintf(out, "\nsession %s complete: %d votes, batch %d -> %d\n", s.Mode, s.Completed, s.BatchIndex, s.NextBatchIndex)
	if s.Winner != nil {
		fmt.Fprintf(out, "champion: %s (defeated %d)\n", s.Winner.Label, len(s.Defeated))
	}
}
