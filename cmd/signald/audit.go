package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opina-lab/signal-engine/internal/store"
)

var (
	auditSubject string
	auditBattle  string
	auditDenied  bool
	auditLimit   int
	auditSince   time.Duration
	auditPrune   time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print or prune the guard decision trail",
	Long: `Prints guard decisions on writes as JSON, newest first, together with the
number of refusals per gate. With --prune, deletes decisions older than the
given age instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, db, _, err := openService()
		if err != nil {
			return err
		}
		defer db.Close()

		if auditPrune > 0 {
			n, err := svc.PruneAudit(ctx, auditPrune)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d audit records\n", n)
			return nil
		}

		var since time.Time
		if auditSince > 0 {
			since = time.Now().Add(-auditSince)
		}
		filter := store.AuditFilter{
			Subject:    auditSubject,
			BattleID:   auditBattle,
			DeniedOnly: auditDenied,
			Limit:      auditLimit,
		}
		if !since.IsZero() {
			filter.SinceMs = since.UnixMilli()
		}
		trail, err := svc.AuditTrail(ctx, filter)
		if err != nil {
			return err
		}
		denials, err := svc.Denials(ctx, auditBattle, since)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"decisions":       trail,
			"denials_by_gate": denials,
		})
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditSubject, "subject", "", "only decisions for this user or anon id")
	auditCmd.Flags().StringVar(&auditBattle, "battle", "", "only decisions on this battle")
	auditCmd.Flags().BoolVar(&auditDenied, "denied", false, "only refused writes")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum decisions to print (0 for all)")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only decisions newer than this age")
	auditCmd.Flags().DurationVar(&auditPrune, "prune", 0, "delete decisions older than this age")
}
