package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/insiderwatch/pipeline/internal/aggregator"
	"github.com/insiderwatch/pipeline/internal/ai/judge"
	"github.com/insiderwatch/pipeline/internal/backfill"
	"github.com/insiderwatch/pipeline/internal/clusters"
	"github.com/insiderwatch/pipeline/internal/events"
	"github.com/insiderwatch/pipeline/internal/external"
	"github.com/insiderwatch/pipeline/internal/ingest"
	"github.com/insiderwatch/pipeline/internal/outcomes"
	"github.com/insiderwatch/pipeline/internal/pipeline"
	"github.com/insiderwatch/pipeline/internal/queue"
	"github.com/insiderwatch/pipeline/internal/stats"
	"github.com/insiderwatch/pipeline/internal/trend"
)

// Handlers builds the full job-type-to-handler dispatch table. A
// Runtime only ever claims the job types named in its role's slice, so
// registering every handler here regardless of role is harmless — the
// queue filter, not this map, decides which ones a given process sees.
func Handlers() map[string]Handler {
	return map[string]Handler{
		queue.JobFetchAccessionDocs:         handleFetchAccessionDocs,
		queue.JobParseAccessionDocs:         handleParseAccessionDocs,
		queue.JobAggregateAccession:         handleAggregateAccession,
		queue.JobFetchEODPricesForIssuer:    handleFetchEODPrices,
		queue.JobFetchMarketCapForTicker:    handleFetchMarketCap,
		queue.JobFetchNewsForTicker:         handleFetchNews,
		queue.JobComputeClustersForTicker:   handleComputeClusters,
		queue.JobComputeTrendForEvent:       handleComputeTrend,
		queue.JobComputeOutcomesForEvent:    handleComputeOutcomes,
		queue.JobComputeStatsForOwnerIssuer: handleComputeStats,
		queue.JobFetchBenchmarkPrices:       handleFetchBenchmarkPrices,
		queue.JobRunAIForEvent:              handleRunAI,
		queue.JobBackfillDiscoverIssuer:     handleBackfillDiscoverIssuer,
		queue.JobBackfillEnqueueBatch:       handleBackfillEnqueueBatch,
		queue.JobReparseTicker:              handleReparseTicker,
	}
}

func handleFetchAccessionDocs(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	acc := payloadString(job.Payload, "accession_number")
	if acc == "" {
		return Error(fmt.Errorf("worker: fetch accession docs job missing accession_number"), 0)
	}
	cikHint := payloadString(job.Payload, "issuer_cik_hint")
	force := payloadBool(job.Payload, "force")
	aiRequested := payloadBool(job.Payload, "ai_requested")

	if err := ingest.FetchAccessionDocs(ctx, deps.DB, deps.SEC, acc, cikHint, force); err != nil {
		return Error(fmt.Errorf("fetch accession docs: %w", err), 0)
	}

	if deps.Archive != nil {
		var xmlText string
		if err := deps.DB.QueryRowContext(ctx, `SELECT raw_xml FROM filing_documents WHERE accession_number = ?`, acc).Scan(&xmlText); err != nil {
			return Error(fmt.Errorf("load raw xml for archive: %w", err), 0)
		}
		if _, err := deps.Archive.UploadFiling(ctx, deps.DB, acc, xmlText); err != nil {
			deps.Log.Warn().Err(err).Str("accession_number", acc).Msg("filing archive upload failed, continuing without it")
		}
	}

	if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
		JobType:   queue.JobParseAccessionDocs,
		DedupeKey: queue.DedupeParseAccessionDocs(acc, deps.Ingest.CurrentParseVersion),
		Payload:   map[string]any{"accession_number": acc, "ai_requested": aiRequested},
		Priority:  110,
	}); err != nil {
		return Error(fmt.Errorf("enqueue parse accession docs: %w", err), 0)
	}
	return Success()
}

func handleParseAccessionDocs(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	acc := payloadString(job.Payload, "accession_number")
	if acc == "" {
		return Error(fmt.Errorf("worker: parse accession docs job missing accession_number"), 0)
	}
	aiRequested := payloadBool(job.Payload, "ai_requested")

	keys, err := ingest.ParseAccessionDocs(ctx, deps.DB, deps.Ingest, acc)
	if err != nil {
		return Error(fmt.Errorf("parse accession docs: %w", err), 0)
	}
	if len(keys) == 0 {
		deps.Log.Warn().Str("accession_number", acc).Msg("parse produced no event keys")
		return Success()
	}

	issuerCIK := keys[0].IssuerCIK

	if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
		JobType:   queue.JobAggregateAccession,
		DedupeKey: queue.DedupeAggregateAccession(acc, deps.Ingest.CurrentParseVersion),
		Payload:   map[string]any{"accession_number": acc, "ai_requested": aiRequested},
		Priority:  100,
	}); err != nil {
		return Error(fmt.Errorf("enqueue aggregate accession: %w", err), 0)
	}

	if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
		JobType:   queue.JobFetchEODPricesForIssuer,
		DedupeKey: queue.DedupeFetchEODPrices(issuerCIK),
		Payload:   map[string]any{"issuer_cik": issuerCIK},
		Priority:  90,
	}); err != nil {
		return Error(fmt.Errorf("enqueue fetch eod prices: %w", err), 0)
	}

	var ticker sql.NullString
	if err := deps.DB.QueryRowContext(ctx, `SELECT ticker FROM issuers WHERE issuer_cik = ?`, issuerCIK).Scan(&ticker); err != nil && err != sql.ErrNoRows {
		return Error(fmt.Errorf("load issuer ticker: %w", err), 0)
	}
	if ticker.Valid && strings.TrimSpace(ticker.String) != "" {
		t := strings.TrimSpace(ticker.String)
		if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
			JobType:   queue.JobFetchMarketCapForTicker,
			DedupeKey: queue.DedupeFetchMarketCap(t),
			Payload:   map[string]any{"ticker": t},
			Priority:  80,
		}); err != nil {
			return Error(fmt.Errorf("enqueue fetch market cap: %w", err), 0)
		}
		if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
			JobType:   queue.JobFetchNewsForTicker,
			DedupeKey: queue.DedupeFetchNews(t),
			Payload:   map[string]any{"ticker": t},
			Priority:  80,
		}); err != nil {
			return Error(fmt.Errorf("enqueue fetch news: %w", err), 0)
		}
		if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
			JobType:   queue.JobComputeClustersForTicker,
			DedupeKey: queue.DedupeComputeClusters(t, deps.Clusters.CurrentClusterVersion),
			Payload:   map[string]any{"ticker": t},
			Priority:  70,
		}); err != nil {
			return Error(fmt.Errorf("enqueue compute clusters: %w", err), 0)
		}
	}

	return Success()
}

func handleAggregateAccession(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	acc := payloadString(job.Payload, "accession_number")
	if acc == "" {
		return Error(fmt.Errorf("worker: aggregate accession job missing accession_number"), 0)
	}
	aiRequested := payloadBool(job.Payload, "ai_requested")

	keys, err := aggregator.AggregateAccession(ctx, deps.DB, deps.Aggregator, acc)
	if err != nil {
		return Error(fmt.Errorf("aggregate accession: %w", err), 0)
	}

	for _, key := range keys {
		if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
			JobType:   queue.JobComputeTrendForEvent,
			DedupeKey: queue.DedupeComputeTrend(key.IssuerCIK, key.OwnerKey, key.AccessionNumber, deps.TrendVersion),
			Payload:   eventKeyPayload(key),
			Priority:  60,
		}); err != nil {
			return Error(fmt.Errorf("enqueue compute trend: %w", err), 0)
		}
		if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
			JobType:   queue.JobComputeOutcomesForEvent,
			DedupeKey: queue.DedupeComputeOutcomes(key.IssuerCIK, key.OwnerKey, key.AccessionNumber, deps.Outcomes.CurrentOutcomesVersion),
			Payload:   eventKeyPayload(key),
			Priority:  60,
		}); err != nil {
			return Error(fmt.Errorf("enqueue compute outcomes: %w", err), 0)
		}
		if aiRequested {
			payload := eventKeyPayload(key)
			payload["ai_requested"] = true
			if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
				JobType:   queue.JobRunAIForEvent,
				DedupeKey: queue.DedupeRunAIForEvent(key.IssuerCIK, key.OwnerKey, key.AccessionNumber, deps.AIPromptVersion),
				Payload:   payload,
				Priority:  50,
			}); err != nil {
				return Error(fmt.Errorf("enqueue run ai: %w", err), 0)
			}
		}
	}
	return Success()
}

func handleComputeTrend(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	key, err := eventKeyFromPayload(job.Payload)
	if err != nil {
		return Error(err, 0)
	}
	if err := trend.Compute(ctx, deps.DB, key); err != nil {
		return Error(fmt.Errorf("compute trend: %w", err), 0)
	}
	return Success()
}

func handleComputeOutcomes(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	key, err := eventKeyFromPayload(job.Payload)
	if err != nil {
		return Error(err, 0)
	}
	if err := outcomes.Compute(ctx, deps.DB, deps.Outcomes, key); err != nil {
		return Error(fmt.Errorf("compute outcomes: %w", err), 0)
	}
	if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
		JobType:   queue.JobComputeStatsForOwnerIssuer,
		DedupeKey: queue.DedupeComputeStats(key.IssuerCIK, key.OwnerKey, deps.Stats.CurrentStatsVersion),
		Payload:   map[string]any{"issuer_cik": key.IssuerCIK, "owner_key": key.OwnerKey},
		Priority:  50,
	}); err != nil {
		return Error(fmt.Errorf("enqueue compute stats: %w", err), 0)
	}
	return Success()
}

func handleComputeStats(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	issuerCIK := payloadString(job.Payload, "issuer_cik")
	ownerKey := payloadString(job.Payload, "owner_key")
	if issuerCIK == "" || ownerKey == "" {
		return Error(fmt.Errorf("worker: compute stats job missing issuer_cik/owner_key"), 0)
	}
	key := pipeline.OwnerIssuerKey{IssuerCIK: issuerCIK, OwnerKey: ownerKey}
	if err := stats.ComputeForOwnerIssuer(ctx, deps.DB, deps.Stats, key); err != nil {
		return Error(fmt.Errorf("compute stats: %w", err), 0)
	}
	return Success()
}

func handleComputeClusters(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	ticker := payloadString(job.Payload, "ticker")
	if ticker == "" {
		return Error(fmt.Errorf("worker: compute clusters job missing ticker"), 0)
	}
	if err := clusters.ComputeForTicker(ctx, deps.DB, deps.Clusters, ticker); err != nil {
		return Error(fmt.Errorf("compute clusters: %w", err), 0)
	}
	return Success()
}

func handleFetchEODPrices(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	issuerCIK := payloadString(job.Payload, "issuer_cik")
	if issuerCIK == "" {
		return Error(fmt.Errorf("worker: fetch eod prices job missing issuer_cik"), 0)
	}

	if _, err := external.FetchAndStorePricesForIssuer(ctx, deps.DB, deps.EODHD, issuerCIK, time.Now()); err != nil {
		return Error(fmt.Errorf("fetch eod prices: %w", err), 0)
	}

	if err := requeueMissingTrend(ctx, deps.DB, issuerCIK, "missing_price_series", deps.TrendVersion); err != nil {
		return Error(fmt.Errorf("requeue trend after price fetch: %w", err), 0)
	}
	if err := requeueMissingOutcomes(ctx, deps.DB, issuerCIK, "missing_price_series", deps.Outcomes.CurrentOutcomesVersion); err != nil {
		return Error(fmt.Errorf("requeue outcomes after price fetch: %w", err), 0)
	}
	return Success()
}

func handleFetchBenchmarkPrices(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	symbol := payloadString(job.Payload, "symbol")
	if symbol == "" {
		return Error(fmt.Errorf("worker: fetch benchmark prices job missing symbol"), 0)
	}

	if _, _, err := external.FetchAndStoreBenchmarkPrices(ctx, deps.DB, deps.EODHD, symbol, time.Now()); err != nil {
		return Error(fmt.Errorf("fetch benchmark prices: %w", err), 0)
	}

	rows, err := deps.DB.QueryContext(ctx, `
		SELECT DISTINCT issuer_cik, owner_key, accession_number FROM event_outcomes
		WHERE missing_reason_60d = 'missing_benchmark_series' OR missing_reason_180d = 'missing_benchmark_series'`)
	if err != nil {
		return Error(fmt.Errorf("load outcomes missing benchmark: %w", err), 0)
	}
	defer rows.Close()

	var keys []pipeline.EventKey
	for rows.Next() {
		var k pipeline.EventKey
		if err := rows.Scan(&k.IssuerCIK, &k.OwnerKey, &k.AccessionNumber); err != nil {
			return Error(fmt.Errorf("scan outcomes missing benchmark: %w", err), 0)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return Error(fmt.Errorf("iterate outcomes missing benchmark: %w", err), 0)
	}

	for _, k := range keys {
		if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
			JobType:         queue.JobComputeOutcomesForEvent,
			DedupeKey:       queue.DedupeComputeOutcomes(k.IssuerCIK, k.OwnerKey, k.AccessionNumber, deps.Outcomes.CurrentOutcomesVersion),
			Payload:         eventKeyPayload(k),
			Priority:        120,
			RequeueIfExists: true,
		}); err != nil {
			return Error(fmt.Errorf("requeue outcomes after benchmark fetch: %w", err), 0)
		}
	}
	return Success()
}

func handleFetchMarketCap(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	ticker := payloadString(job.Payload, "ticker")
	if ticker == "" {
		return Error(fmt.Errorf("worker: fetch market cap job missing ticker"), 0)
	}
	if err := external.FetchAndStoreFundamentals(ctx, deps.DB, deps.EODHD, deps.External, ticker, time.Now()); err != nil {
		return Error(fmt.Errorf("fetch fundamentals: %w", err), 0)
	}
	return Success()
}

func handleFetchNews(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	ticker := payloadString(job.Payload, "ticker")
	if ticker == "" {
		return Error(fmt.Errorf("worker: fetch news job missing ticker"), 0)
	}
	if err := external.FetchAndStoreNews(ctx, deps.DB, deps.EODHD, deps.External, ticker, time.Now()); err != nil {
		return Error(fmt.Errorf("fetch news: %w", err), 0)
	}
	return Success()
}

// handleRunAI gates on trend/stats (and, when the event's ticker is
// known, clusters) having already run for this event. A missing
// prerequisite enqueues its producer and defers rather than erroring,
// since the wait is expected, not a failure.
func handleRunAI(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	key, err := eventKeyFromPayload(job.Payload)
	if err != nil {
		return Error(err, 0)
	}

	var ticker sql.NullString
	var trendComputedAt, statsComputedAt, clusterComputedAt sql.NullString
	err = deps.DB.QueryRowContext(ctx, `
		SELECT ticker, trend_computed_at, stats_computed_at, cluster_computed_at
		FROM insider_events WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	).Scan(&ticker, &trendComputedAt, &statsComputedAt, &clusterComputedAt)
	if err == sql.ErrNoRows {
		return Error(fmt.Errorf("worker: event not found for ai job: %+v", key), 0)
	}
	if err != nil {
		return Error(fmt.Errorf("load event for ai gating: %w", err), 0)
	}

	var missing []func() error
	if !trendComputedAt.Valid {
		missing = append(missing, func() error {
			return queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
				JobType:   queue.JobComputeTrendForEvent,
				DedupeKey: queue.DedupeComputeTrend(key.IssuerCIK, key.OwnerKey, key.AccessionNumber, deps.TrendVersion),
				Payload:   eventKeyPayload(key),
				Priority:  130,
			})
		})
	}
	if !statsComputedAt.Valid {
		missing = append(missing, func() error {
			return queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
				JobType:   queue.JobComputeOutcomesForEvent,
				DedupeKey: queue.DedupeComputeOutcomes(key.IssuerCIK, key.OwnerKey, key.AccessionNumber, deps.Outcomes.CurrentOutcomesVersion),
				Payload:   eventKeyPayload(key),
				Priority:  130,
			})
		})
	}
	if ticker.Valid && strings.TrimSpace(ticker.String) != "" && !clusterComputedAt.Valid {
		t := strings.TrimSpace(ticker.String)
		missing = append(missing, func() error {
			return queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
				JobType:   queue.JobComputeClustersForTicker,
				DedupeKey: queue.DedupeComputeClusters(t, deps.Clusters.CurrentClusterVersion),
				Payload:   map[string]any{"ticker": t},
				Priority:  130,
			})
		})
	}

	if len(missing) > 0 {
		for _, enqueue := range missing {
			if err := enqueue(); err != nil {
				return Error(fmt.Errorf("enqueue ai prerequisite: %w", err), 0)
			}
		}
		return Deferred("waiting on trend/stats/cluster prerequisites", 30*time.Second)
	}

	if err := judge.Run(ctx, deps.DB, deps.Gemini, deps.Judge, key, false, nil); err != nil {
		return Error(fmt.Errorf("run ai: %w", err), 0)
	}

	var buyRating, sellRating sql.NullFloat64
	_ = deps.DB.QueryRowContext(ctx, `
		SELECT ai_buy_rating, ai_sell_rating FROM insider_events
		WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	).Scan(&buyRating, &sellRating)
	deps.Events.Emit(events.AIJudgmentReady, "ai", &events.AIJudgmentReadyData{
		IssuerCIK: key.IssuerCIK, AccessionNumber: key.AccessionNumber, OwnerKey: key.OwnerKey,
		BuyRating: nullFloatPtr(buyRating), SellRating: nullFloatPtr(sellRating),
	})
	return Success()
}

func handleBackfillDiscoverIssuer(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	issuerCIK := payloadString(job.Payload, "issuer_cik")
	if issuerCIK == "" {
		return Error(fmt.Errorf("worker: backfill discover job missing issuer_cik"), 0)
	}
	startYear := payloadInt(job.Payload, "start_year", deps.BackfillStartYear)
	batchSize := payloadInt(job.Payload, "batch_size", deps.BackfillBatchSize)

	inserted, err := backfill.DiscoverIssuer(ctx, deps.DB, deps.SEC, issuerCIK, startYear)
	if err != nil {
		return Error(fmt.Errorf("backfill discover issuer: %w", err), 0)
	}
	deps.Log.Info().Str("issuer_cik", issuerCIK).Int("start_year", startYear).Int("inserted", inserted).Msg("backfill discovery complete")

	if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
		JobType:         queue.JobBackfillEnqueueBatch,
		DedupeKey:       queue.DedupeBackfillBatch(issuerCIK, startYear, deps.Ingest.CurrentParseVersion),
		Payload:         map[string]any{"issuer_cik": issuerCIK, "start_year": startYear, "batch_size": batchSize},
		Priority:        5,
		RequeueIfExists: true,
	}); err != nil {
		return Error(fmt.Errorf("enqueue backfill batch: %w", err), 0)
	}
	return Success()
}

func handleBackfillEnqueueBatch(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	issuerCIK := payloadString(job.Payload, "issuer_cik")
	if issuerCIK == "" {
		return Error(fmt.Errorf("worker: backfill batch job missing issuer_cik"), 0)
	}
	startYear := payloadInt(job.Payload, "start_year", deps.BackfillStartYear)
	batchSize := payloadInt(job.Payload, "batch_size", deps.BackfillBatchSize)

	enqueued, hasMore, err := backfill.EnqueueBatch(ctx, deps.DB, issuerCIK, batchSize)
	if err != nil {
		return Error(fmt.Errorf("backfill enqueue batch: %w", err), 0)
	}
	deps.Log.Info().Str("issuer_cik", issuerCIK).Int("enqueued", enqueued).Bool("has_more", hasMore).Msg("backfill batch drained")

	if !hasMore {
		return Success()
	}

	if err := queue.Enqueue(ctx, deps.DB, queue.EnqueueParams{
		JobType:         queue.JobBackfillEnqueueBatch,
		DedupeKey:       queue.DedupeBackfillBatch(issuerCIK, startYear, deps.Ingest.CurrentParseVersion),
		Payload:         map[string]any{"issuer_cik": issuerCIK, "start_year": startYear, "batch_size": batchSize},
		Priority:        5,
		RequeueIfExists: true,
		RunAfter:        time.Now().Add(1 * time.Second).UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z"),
	}); err != nil {
		return Error(fmt.Errorf("enqueue next backfill batch: %w", err), 0)
	}
	return Success()
}

func handleReparseTicker(ctx context.Context, deps *Deps, job *queue.Job) Outcome {
	ticker := payloadString(job.Payload, "ticker")
	if ticker == "" {
		return Error(fmt.Errorf("worker: reparse ticker job missing ticker"), 0)
	}
	n, err := backfill.ReparseTicker(ctx, deps.DB, ticker, deps.Ingest.CurrentParseVersion)
	if err != nil {
		return Error(fmt.Errorf("reparse ticker: %w", err), 0)
	}
	deps.Log.Info().Str("ticker", ticker).Int("accessions", n).Msg("reparse ticker enqueued")
	return Success()
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func eventKeyPayload(key pipeline.EventKey) map[string]any {
	return map[string]any{
		"issuer_cik":       key.IssuerCIK,
		"owner_key":        key.OwnerKey,
		"accession_number": key.AccessionNumber,
	}
}

func eventKeyFromPayload(payload map[string]any) (pipeline.EventKey, error) {
	key := pipeline.EventKey{
		IssuerCIK:       payloadString(payload, "issuer_cik"),
		OwnerKey:        payloadString(payload, "owner_key"),
		AccessionNumber: payloadString(payload, "accession_number"),
	}
	if key.IssuerCIK == "" || key.OwnerKey == "" || key.AccessionNumber == "" {
		return key, fmt.Errorf("worker: job payload missing issuer_cik/owner_key/accession_number")
	}
	return key, nil
}

// requeueMissingTrend resets trend jobs whose last computed result
// recorded reason as the missing_reason for issuerCIK, so a fresh
// price fetch gets a chance to resolve them without waiting for the
// next admin reparse sweep.
func requeueMissingTrend(ctx context.Context, db *sql.DB, issuerCIK, reason string, trendVersion int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT issuer_cik, owner_key, accession_number FROM insider_events
		WHERE issuer_cik = ? AND trend_missing_reason = ?`, issuerCIK, reason)
	if err != nil {
		return err
	}
	defer rows.Close()

	var keys []pipeline.EventKey
	for rows.Next() {
		var k pipeline.EventKey
		if err := rows.Scan(&k.IssuerCIK, &k.OwnerKey, &k.AccessionNumber); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range keys {
		if err := queue.Enqueue(ctx, db, queue.EnqueueParams{
			JobType:         queue.JobComputeTrendForEvent,
			DedupeKey:       queue.DedupeComputeTrend(k.IssuerCIK, k.OwnerKey, k.AccessionNumber, trendVersion),
			Payload:         eventKeyPayload(k),
			Priority:        120,
			RequeueIfExists: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// requeueMissingOutcomes mirrors requeueMissingTrend for event_outcomes
// rows recorded with reason on either horizon.
func requeueMissingOutcomes(ctx context.Context, db *sql.DB, issuerCIK, reason string, outcomesVersion int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT issuer_cik, owner_key, accession_number FROM event_outcomes
		WHERE issuer_cik = ? AND (missing_reason_60d = ? OR missing_reason_180d = ?)`,
		issuerCIK, reason, reason)
	if err != nil {
		return err
	}
	defer rows.Close()

	var keys []pipeline.EventKey
	for rows.Next() {
		var k pipeline.EventKey
		if err := rows.Scan(&k.IssuerCIK, &k.OwnerKey, &k.AccessionNumber); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range keys {
		if err := queue.Enqueue(ctx, db, queue.EnqueueParams{
			JobType:         queue.JobComputeOutcomesForEvent,
			DedupeKey:       queue.DedupeComputeOutcomes(k.IssuerCIK, k.OwnerKey, k.AccessionNumber, outcomesVersion),
			Payload:         eventKeyPayload(k),
			Priority:        120,
			RequeueIfExists: true,
		}); err != nil {
			return err
		}
	}
	return nil
}
