package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opina-lab/signal-engine/internal/backend"
	"github.com/opina-lab/signal-engine/internal/depth"
	"github.com/opina-lab/signal-engine/internal/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backend over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, db, _, err := openService()
		if err != nil {
			return err
		}
		defer db.Close()

		catalog, err := depth.LoadCatalog(cfg.QuestionsDir, logger.Named("depth"))
		if err != nil {
			return err
		}
		syncCatalog := func() {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CallTimeout)
			defer cancel()
			if err := syncDefinitions(ctx, svc, catalog); err != nil {
				logger.Warn("sync question catalog", zap.Error(err))
			}
		}
		if cfg.QuestionsDir != "" {
			syncCatalog()
			catalog.OnReload = syncCatalog
		}

		handler := rpc.NewHandler(svc, logger.Named("rpc"))
		handler.KPI.Timeout = cfg.CallTimeout
		srv := rpc.NewServer(handler, cfg.ListenAddr)

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			logger.Info("signal engine listening", zap.String("url", rpc.FormatListenURL(cfg.ListenAddr)))
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			return catalog.Watch(ctx)
		})
		g.Go(func() error {
			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

// syncDefinitions stores every catalog question set as backend definitions.
func syncDefinitions(ctx context.Context, svc *backend.Service, catalog *depth.Catalog) error {
	for _, entity := range catalog.Entities() {
		if err := svc.PutDepthDefinitions(ctx, entity, catalog.Questions(entity)); err != nil {
			return err
		}
	}
	return nil
}
