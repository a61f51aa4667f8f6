// Command worker runs one half of the pipeline's two-role worker
// fleet: an io-role process that talks to SEC EDGAR and the EODHD
// vendor API, or a compute-role process that parses, aggregates, and
// scores what io has fetched. Which role a given process plays is
// fixed at startup by -role/WORKER_ROLE so the two roles can be
// scaled and rate-limited independently.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/insiderwatch/pipeline/internal/ai/gemini"
	"github.com/insiderwatch/pipeline/internal/ai/judge"
	"github.com/insiderwatch/pipeline/internal/aggregator"
	"github.com/insiderwatch/pipeline/internal/archive"
	"github.com/insiderwatch/pipeline/internal/clusters"
	"github.com/insiderwatch/pipeline/internal/config"
	"github.com/insiderwatch/pipeline/internal/database"
	"github.com/insiderwatch/pipeline/internal/dbschema"
	"github.com/insiderwatch/pipeline/internal/events"
	"github.com/insiderwatch/pipeline/internal/external"
	"github.com/insiderwatch/pipeline/internal/ingest"
	"github.com/insiderwatch/pipeline/internal/logging"
	"github.com/insiderwatch/pipeline/internal/outcomes"
	"github.com/insiderwatch/pipeline/internal/queue"
	"github.com/insiderwatch/pipeline/internal/secgateway"
	"github.com/insiderwatch/pipeline/internal/stats"
	"github.com/insiderwatch/pipeline/internal/worker"
)

func main() {
	role := flag.String("role", getEnv("WORKER_ROLE", "io"), "worker role: io or compute")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel})
	log = logging.Component(log, "worker-"+*role)

	db, err := database.New(database.Config{Path: cfg.DBDSN})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(dbschema.SQL); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	if err := cfg.UpdateFromSettings(db.Conn()); err != nil {
		log.Fatal().Err(err).Msg("failed to layer settings overrides")
	}

	secClient := secgateway.New(secgateway.Config{
		UserAgent:          cfg.SECUserAgent,
		MinIntervalSeconds: cfg.SECMinIntervalSeconds,
	}, logging.Component(log, "secgateway"))

	externalCfg := external.Config{
		APIKey:              cfg.EODHDAPIKey,
		BaseURL:             cfg.EODHDBaseURL,
		MarketCapMaxAgeDays: cfg.MarketCapMaxAgeDays,
		NewsMaxAgeHours:     cfg.NewsMaxAgeHours,
	}
	eodhdClient := external.New(externalCfg)

	geminiClient := gemini.New(gemini.Config{
		APIKey:          cfg.GeminiAPIKey,
		BaseURL:         cfg.GeminiBaseURL,
		Model:           cfg.GeminiModel,
		Temperature:     cfg.AITemperature,
		MaxOutputTokens: cfg.AIMaxTokens,
	})

	bus := events.NewBus()
	manager := events.NewManager(bus, logging.Component(log, "events"))

	archiveClient, err := archive.New(context.Background(), archive.Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build filing archive client")
	}
	if archiveClient == nil {
		log.Info().Msg("FILING_ARCHIVE_S3_BUCKET not set, filing archiving disabled")
	}

	deps := &worker.Deps{
		DB:      db.Conn(),
		SEC:     secClient,
		EODHD:   eodhdClient,
		Gemini:  geminiClient,
		Archive: archiveClient,
		Events:  manager,
		Log:     log,

		Ingest:     ingest.Config{CurrentParseVersion: cfg.CurrentParseVersion},
		Aggregator: aggregator.Config{CurrentParseVersion: cfg.CurrentParseVersion},
		Outcomes: outcomes.Config{
			BenchmarkSymbol:        cfg.BenchmarkSymbol,
			CurrentOutcomesVersion: cfg.CurrentOutcomesVersion,
		},
		Stats:    stats.Config{CurrentStatsVersion: cfg.CurrentStatsVersion},
		Clusters: clusters.Config{CurrentClusterVersion: cfg.CurrentClusterVersion},
		Judge: judge.Config{
			GeminiAPIKey:          cfg.GeminiAPIKey,
			GeminiBaseURL:         cfg.GeminiBaseURL,
			GeminiModel:           cfg.GeminiModel,
			AITemperature:         cfg.AITemperature,
			AIMaxTokens:           cfg.AIMaxTokens,
			PromptVersion:         cfg.PromptVersion,
			AIInputSchemaVersion:  cfg.AIInputSchemaVersion,
			AIOutputSchemaVersion: cfg.AIOutputSchemaVersion,
			BenchmarkSymbol:       cfg.BenchmarkSymbol,
		},
		External:        externalCfg,
		TrendVersion:    cfg.CurrentTrendVersion,
		BenchmarkSymbol: cfg.BenchmarkSymbol,
		AIPromptVersion: cfg.PromptVersion,

		BackfillStartYear: cfg.BackfillStartYear,
		BackfillBatchSize: cfg.BackfillBatchSize,
	}

	var jobTypes []string
	switch *role {
	case "io":
		jobTypes = queue.RoleIO
	case "compute":
		jobTypes = queue.RoleCompute
	default:
		log.Fatal().Str("role", *role).Msg("unknown worker role, expected io or compute")
	}

	rt := worker.New(deps, *role, jobTypes, worker.Handlers(), time.Duration(cfg.WorkerPollSeconds)*time.Second, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()

	log.Info().Str("role", *role).Strs("job_types", jobTypes).Msg("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received, draining current job")
	cancel()
	<-done
	log.Info().Msg("worker stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
