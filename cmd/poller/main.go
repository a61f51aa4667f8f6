// Command poller runs the optional SEC EDGAR "current" Form 4 feed
// watcher on a fixed interval. It is off by default; set
// ENABLE_FORM4_POLLER=true to run it alongside the worker fleet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/insiderwatch/pipeline/internal/config"
	"github.com/insiderwatch/pipeline/internal/database"
	"github.com/insiderwatch/pipeline/internal/dbschema"
	"github.com/insiderwatch/pipeline/internal/logging"
	"github.com/insiderwatch/pipeline/internal/poller"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel})
	log = logging.Component(log, "poller")

	if !cfg.EnableForm4Poller {
		log.Info().Msg("ENABLE_FORM4_POLLER is false, nothing to do")
		return
	}

	db, err := database.New(database.Config{Path: cfg.DBDSN})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(dbschema.SQL); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}
	if err := cfg.UpdateFromSettings(db.Conn()); err != nil {
		log.Warn().Err(err).Msg("failed to layer settings overrides")
	}

	pollerCfg := poller.Config{FeedURL: cfg.Form4PollerFeedURL, UserAgent: cfg.SECUserAgent}

	c := cron.New()
	spec := fmt.Sprintf("@every %ds", cfg.Form4PollerIntervalSeconds)
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		result, err := poller.Poll(ctx, db.Conn(), pollerCfg, log)
		if err != nil {
			log.Error().Err(err).Msg("poll tick failed")
			return
		}
		log.Info().
			Int("tracked_issuers", result.TrackedIssuers).
			Int("feed_entries", result.FeedEntries).
			Int("enqueued", result.Enqueued).
			Msg("poll tick complete")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule poll tick")
	}

	c.Start()
	log.Info().Str("schedule", spec).Msg("poller started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	log.Info().Msg("poller stopped")
}
