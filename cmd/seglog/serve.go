package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/dsjohal14/seglog/internal/http"
	"github.com/dsjohal14/seglog/internal/libs/config"
	"github.com/dsjohal14/seglog/internal/libs/obs"
	"github.com/dsjohal14/seglog/internal/wal"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the log over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			obs.InitLogger(cfg.LogLevel)
			logger := obs.Logger("serve")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := cfg.WALOptions()
			opts = append(opts, wal.WithLogger(obs.Logger("wal")))

			// Segment lifecycle mirroring into Postgres is optional.
			if cfg.DatabaseURL != "" {
				pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				opts = append(opts, wal.WithManifest(wal.NewPostgresManifest(pool)))
				logger.Info().Msg("segment manifest enabled")
			}

			svc := httpapi.NewService(cfg.DataDir, obs.Logger("http"), opts...)
			defer func() { _ = svc.Close() }()

			handler := httpapi.NewHandler(svc, obs.Logger("http"))
			srv := &http.Server{
				Addr:        cfg.HTTPAddr,
				Handler:     handler.Router(),
				ReadTimeout: 30 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}
