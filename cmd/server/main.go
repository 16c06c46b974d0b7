// Package main is the entry point for the strategos trading engine. It
// wires the dependency container, starts the scheduler, ticker warmer,
// and HTTP server, then waits for a shutdown signal and drains in
// reverse order.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/strategos/internal/config"
	"github.com/aristath/strategos/internal/di"
	"github.com/aristath/strategos/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Bool("llm_enabled", cfg.LLMEnabled).
		Bool("backup_enabled", cfg.BackupEnabled).
		Msg("Starting strategos")

	container, err := di.Wire(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	if err := container.Scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Seed the warmer with the current watchlist before it connects
	if err := container.SyncWatchlist(); err != nil {
		log.Warn().Err(err).Msg("Initial watchlist sync failed")
	}
	container.Warmer.Start()

	go func() {
		if err := container.Server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop intake first, then drain: no new ticks, in-flight runs get
	// the grace period, then the API goes away.
	container.Warmer.Stop()
	container.Scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
