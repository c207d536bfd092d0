package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/battle"
	"github.com/opina-lab/signal-engine/internal/depth"
	"github.com/opina-lab/signal-engine/internal/domain"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, dialect, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", dialect)
		return nil
	},
}

var seedProfile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the demo battles and question sets into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, db, _, err := openService()
		if err != nil {
			return err
		}
		defer db.Close()

		created := 0
		for _, b := range battle.DemoBattles() {
			_, err := svc.ResolveBattleContext(ctx, b.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, domain.ErrBattleNotFound) {
				return err
			}
			if _, err := svc.CreateBattle(ctx, b); err != nil {
				return err
			}
			created++
		}

		catalog, err := depth.LoadCatalog(cfg.QuestionsDir, logger.Named("depth"))
		if err != nil {
			return err
		}
		if err := syncDefinitions(ctx, svc, catalog); err != nil {
			return err
		}

		if seedProfile != "" {
			if err := svc.UpsertProfile(ctx, domain.Profile{
				UserID:   seedProfile,
				Stage:    2,
				Tier:     "verified_basic",
				Age:      "25-34",
				Gender:   "f",
				Commune:  "Santiago",
				InviteOK: true,
			}); err != nil {
				return err
			}
		}

		logger.Info("seed complete",
			zap.Int("battles_created", created),
			zap.Int("question_sets", len(catalog.Entities())),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "created %d battles, stored %d question sets\n", created, len(catalog.Entities()))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedProfile, "profile", "", "also create a complete profile for this user id")
}
