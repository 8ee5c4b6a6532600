package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taxdocs/pkg/config"
	"taxdocs/pkg/telemetry"
	"taxdocs/services/api"
	"taxdocs/services/backend"
)

const serviceName = "taxdocs-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, os.Stderr)

	shutdownTelemetry, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	a, err := api.New(api.Store{
		Identity: b.Identity,
		Activity: b.Identity,
		Records:  b.Records,
		Objects:  b.Objects,
		Ready:    b.Ready,
	}, api.Config{
		Root:           b.Root,
		Rollback:       cfg.UploadRollback,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := a.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           telemetry.Middleware(serviceName, logger)(routes),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("backend", cfg.Backend).Msg("starting taxdocs-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
		return nil
	})

	return g.Wait()
}
