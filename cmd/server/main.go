// Command server runs the pipeline's read-only query API and admin
// job-enqueue surface. It does no ingestion or computation itself —
// that is the worker fleet's job (cmd/worker) — it only reads the
// authoritative database and writes job rows the workers pick up.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/insiderwatch/pipeline/internal/config"
	"github.com/insiderwatch/pipeline/internal/database"
	"github.com/insiderwatch/pipeline/internal/dbschema"
	"github.com/insiderwatch/pipeline/internal/events"
	"github.com/insiderwatch/pipeline/internal/httpapi"
	"github.com/insiderwatch/pipeline/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(logging.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Msg("starting insider event pipeline api")

	db, err := database.New(database.Config{Path: cfg.DBDSN})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(dbschema.SQL); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	if err := cfg.UpdateFromSettings(db.Conn()); err != nil {
		log.Warn().Err(err).Msg("failed to layer settings overrides, using environment variables")
	}

	bus := events.NewBus()

	srv := httpapi.New(httpapi.Config{
		Port:                   cfg.HTTPPort,
		DB:                     db.Conn(),
		Bus:                    bus,
		AdminToken:             cfg.AdminToken,
		BenchmarkSymbol:        cfg.BenchmarkSymbol,
		CurrentParseVersion:    cfg.CurrentParseVersion,
		CurrentOutcomesVersion: cfg.CurrentOutcomesVersion,
		PromptVersion:          cfg.PromptVersion,
		Log:                    log,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("http api stopped unexpectedly")
		}
	}()
	log.Info().Int("port", cfg.HTTPPort).Msg("http api started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http api forced to shutdown")
	}
	log.Info().Msg("http api stopped")
}
