// Package main is the entry point for the vault service.
//
// The service runs a pooled-capital allocation vault: depositors receive
// shares, the owner splits the pool across yield sources by weight, and
// keeper jobs redeploy idle funds and record share-price history.
//
// Databases:
//   - ledger.db: shares, weights, access state, engine accounting, event journal
//   - history.db: share-price snapshots
//   - simulation.db: balances of the in-process custody book, sources and swap venue
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/vault/internal/config"
	"github.com/aristath/vault/internal/di"
	custodyhandlers "github.com/aristath/vault/internal/modules/custody/handlers"
	snapshothandlers "github.com/aristath/vault/internal/modules/snapshots/handlers"
	vaulthandlers "github.com/aristath/vault/internal/modules/vault/handlers"
	"github.com/aristath/vault/internal/server"
	"github.com/aristath/vault/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting vault")

	container, jobs, err := di.Wire(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	log.Info().
		Bool("keeper", jobs.Keeper != nil).
		Bool("backup", jobs.Backup != nil).
		Msg("Jobs ready")

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Vault:    vaulthandlers.NewHandler(container.Engine, container.Gate, log),
		Snapshot: snapshothandlers.NewHandler(container.SnapshotService, log),
		Custody:  custodyhandlers.NewHandler(container.Book, container.Gate, container.SimulationStore, log),
		System:   server.NewSystemHandlers(container.Databases(), container.Scheduler, container.Journal, log),
		Events:   server.NewEventsFeed(container.EventBus, log),
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	container.Scheduler.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Let running jobs finish before the HTTP server and databases go away
	container.Scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if err := container.SimulationStore.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save simulation state")
	}

	log.Info().Msg("Server stopped")
}
