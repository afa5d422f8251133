package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/faultline/internal/aging"
	"github.com/kiranshivaraju/faultline/internal/events"
	"github.com/kiranshivaraju/faultline/internal/ingest"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the aging sweep and index rebuilds",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in, closeInfra, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeInfra()

	svc, err := buildServices(ctx, cfg, in, logger)
	if err != nil {
		return err
	}

	if cfg.Aging.Enabled {
		go aging.NewSweeper(in.store, svc.analyzer, cfg.Aging, logger).Start(ctx)
	}
	if cfg.Keyword.RebuildInterval > 0 {
		go rebuildKeywords(ctx, svc.ingest, cfg.Keyword.RebuildInterval, logger)
	}
	if cfg.Events.WebhookURL != "" {
		go func() {
			n := events.NewNotifier(cfg.Events.WebhookURL, nil, logger)
			if err := n.Run(ctx, in.cache, cfg.Events.Channel); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("webhook notifier stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(in, svc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Analysis.Deadline + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	svc.analyzer.Wait()

	logger.Info("server stopped gracefully")
	return nil
}

// rebuildKeywords refreshes every project's keyword index on interval until ctx ends.
func rebuildKeywords(ctx context.Context, svc *ingest.Service, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := svc.ReindexAll(ctx)
			if err != nil {
				logger.Warn("keyword rebuild failed", "error", err)
				continue
			}
			logger.Info("keyword indexes rebuilt", "projects", len(counts))
		}
	}
}
