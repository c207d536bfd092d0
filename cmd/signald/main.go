// Package main is the entry point for the signal engine daemon and its
// operator commands.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opina-lab/signal-engine/internal/backend"
	"github.com/opina-lab/signal-engine/internal/config"
	"github.com/opina-lab/signal-engine/internal/guard"
	"github.com/opina-lab/signal-engine/internal/logging"
	"github.com/opina-lab/signal-engine/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "signald",
	Short:         "Opinion signal capture and KPI engine",
	Version:       fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = os.Getenv("SIGNAL_CONFIG")
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.LogFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration YAML file (or SIGNAL_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, kpiCmd, demoCmd, auditCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// openDB opens and migrates the configured database.
func openDB() (*sql.DB, store.Dialect, error) {
	db, dialect, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	return db, dialect, nil
}

// openService opens the configured database and wires the guarded service.
func openService() (*backend.Service, *sql.DB, store.Dialect, error) {
	db, dialect, err := openDB()
	if err != nil {
		return nil, nil, "", err
	}
	return wireService(db, dialect), db, dialect, nil
}

func wireService(db *sql.DB, dialect store.Dialect) *backend.Service {
	g := guard.NewGuard(db, dialect, guard.Config{
		InviteRequired:     cfg.InviteRequired,
		RequireProfile:     cfg.RequireProfile,
		MinDepthStage:      cfg.MinDepthStage,
		DailySignalLimit:   cfg.DailySignalLimit,
		TierLimits:         cfg.TierLimits,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, logger.Named("guard"))
	return backend.NewService(db, dialect, g, logger.Named("backend"))
}
