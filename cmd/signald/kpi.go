package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/opina-lab/signal-engine/internal/backend"
	"github.com/opina-lab/signal-engine/internal/domain"
	"github.com/opina-lab/signal-engine/internal/kpi"
	"github.com/opina-lab/signal-engine/internal/kvstore"
	"github.com/opina-lab/signal-engine/internal/prng"
)

var (
	kpiDays int
	kpiDemo bool
)

var kpiCmd = &cobra.Command{
	Use:   "kpi [battle-id]",
	Short: "Print the KPI snapshot of a battle",
	Long: `Prints share of preference, trend velocity and engagement quality for a
battle as JSON. With --demo, prints the stable demo headline numbers and
ranking instead.`,
	Args: cobra.RangeArgs(0, 1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		if kpiDemo {
			db, dialect, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			kv := kvstore.NewSQL(db, dialect)

			out := map[string]any{}
			for _, section := range prng.Sections() {
				kpis, err := prng.DemoKPIs(ctx, kv, section)
				if err != nil {
					return err
				}
				out[section] = kpis
			}
			ranking, err := prng.DemoRanking(ctx, kv, "ranking", 10)
			if err != nil {
				return err
			}
			out["ranking"] = ranking
			return enc.Encode(out)
		}

		if len(args) == 0 {
			return cmd.Usage()
		}

		var src backend.Backend
		if cfg.BackendURL != "" {
			c := backend.NewClient(cfg.BackendURL, logger.Named("client"))
			c.Timeout = cfg.CallTimeout
			src = c
		} else {
			svc, db, _, err := openService()
			if err != nil {
				return err
			}
			defer db.Close()
			src = svc
		}

		reader := kpi.NewReader(src, logger.Named("kpi"))
		reader.Timeout = cfg.CallTimeout
		var rng domain.DateRange
		if kpiDays > 0 {
			rng = domain.LastDays(time.Now(), kpiDays)
		}
		return enc.Encode(reader.Snapshot(ctx, args[0], rng))
	},
}

func init() {
	kpiCmd.Flags().IntVar(&kpiDays, "days", 0, "share of preference window in days (default 30)")
	kpiCmd.Flags().BoolVar(&kpiDemo, "demo", false, "print demo KPIs and ranking")
}
