package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	router "github.com/dkeye/ClinicCall/internal/adapters/http"
	"github.com/dkeye/ClinicCall/internal/adapters/store"
	"github.com/dkeye/ClinicCall/internal/app/orch"
	"github.com/dkeye/ClinicCall/internal/config"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}

	var records core.RecordStore
	var sqlStore *store.SQLStore
	if cfg.Store.Driver != "" && cfg.Store.Driver != "none" {
		sqlStore, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open record store: %w", err)
		}
		defer sqlStore.Close()
		records = sqlStore
	} else {
		log.Warn().Str("module", "main").Msg("record store disabled")
	}

	reg := observability.NewRegistry()
	o := orch.New(records, observability.NewMetrics(reg), orch.Config{
		RingTimeout:       cfg.RingTimeout,
		TombstoneTTL:      cfg.TombstoneTTL,
		TombstoneCapacity: cfg.TombstoneCapacity,
	})
	janitor, err := orch.NewJanitor(o, cfg.JanitorInterval)
	if err != nil {
		return err
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:     o,
		Records:  records,
		Gatherer: reg,
		Auth:     router.NewAuthenticator(cfg.Auth.JWTSecret),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	loader.Watch(func(c *config.Config) {
		config.ApplyLogging(c.Log)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("clinic call server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	janitor.Start()

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		janitor.Stop(shutdownCtx)
		// Hijacked websockets outlive srv.Shutdown.
		o.Shutdown(shutdownCtx)
		o.Drain()
		if terr := shutdownTracing(shutdownCtx); terr != nil {
			log.Warn().Err(terr).Msg("tracing shutdown")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server exited gracefully")
	return nil
}
