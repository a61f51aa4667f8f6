package queue

import "fmt"

// Job type constants and their dedupe-key templates. Each producer
// call site builds its dedupe key from the matching Dedupe* function
// here rather than formatting its own string, so a key format can
// never drift away from the job type it belongs to.
const (
	JobFetchAccessionDocs         = "FETCH_ACCESSION_DOCS"
	JobParseAccessionDocs         = "PARSE_ACCESSION_DOCS"
	JobAggregateAccession         = "AGGREGATE_ACCESSION"
	JobFetchEODPricesForIssuer    = "FETCH_EOD_PRICES_FOR_ISSUER"
	JobFetchMarketCapForTicker    = "FETCH_MARKET_CAP_FOR_TICKER"
	JobFetchNewsForTicker         = "FETCH_NEWS_FOR_TICKER"
	JobComputeClustersForTicker   = "COMPUTE_CLUSTERS_FOR_TICKER"
	JobComputeTrendForEvent       = "COMPUTE_TREND_FOR_EVENT"
	JobComputeOutcomesForEvent    = "COMPUTE_OUTCOMES_FOR_EVENT"
	JobComputeStatsForOwnerIssuer = "COMPUTE_STATS_FOR_OWNER_ISSUER"
	JobFetchBenchmarkPrices       = "FETCH_BENCHMARK_PRICES"
	JobRunAIForEvent              = "RUN_AI_FOR_EVENT"
	JobBackfillDiscoverIssuer     = "BACKFILL_DISCOVER_ISSUER"
	JobBackfillEnqueueBatch       = "BACKFILL_ENQUEUE_BATCH"
	JobReparseTicker              = "REPARSE_TICKER"
)

// RoleIO handles every job type that does SEC document fetches or
// vendor price/fundamentals/news/benchmark fetches, plus backfill
// discovery/batch-enqueue.
var RoleIO = []string{
	JobFetchAccessionDocs,
	JobFetchEODPricesForIssuer,
	JobFetchMarketCapForTicker,
	JobFetchNewsForTicker,
	JobFetchBenchmarkPrices,
	JobBackfillDiscoverIssuer,
	JobBackfillEnqueueBatch,
}

// RoleCompute handles parsing, aggregation, trend/outcomes/stats,
// clustering, the AI judgment call, and admin-triggered reparse
// sweeps.
var RoleCompute = []string{
	JobParseAccessionDocs,
	JobAggregateAccession,
	JobComputeClustersForTicker,
	JobComputeTrendForEvent,
	JobComputeOutcomesForEvent,
	JobComputeStatsForOwnerIssuer,
	JobRunAIForEvent,
	JobReparseTicker,
}

func DedupeFetchAccessionDocs(accessionNumber string) string {
	return fmt.Sprintf("FETCH|%s", accessionNumber)
}

func DedupeParseAccessionDocs(accessionNumber string, parseVersion int) string {
	return fmt.Sprintf("PARSE|%s|%d", accessionNumber, parseVersion)
}

func DedupeAggregateAccession(accessionNumber string, parseVersion int) string {
	return fmt.Sprintf("AGG|%s|%d", accessionNumber, parseVersion)
}

func DedupeFetchEODPrices(issuerCIK string) string {
	return fmt.Sprintf("PRICES|%s", issuerCIK)
}

func DedupeFetchMarketCap(ticker string) string {
	return fmt.Sprintf("MCAP|%s", ticker)
}

func DedupeFetchNews(ticker string) string {
	return fmt.Sprintf("NEWS|%s", ticker)
}

func DedupeComputeClusters(ticker string, clusterVersion int) string {
	return fmt.Sprintf("CLUSTERS|%s|%d", ticker, clusterVersion)
}

func DedupeComputeTrend(issuerCIK, ownerKey, accessionNumber string, trendVersion int) string {
	return fmt.Sprintf("TREND|%s|%s|%s|%d", issuerCIK, ownerKey, accessionNumber, trendVersion)
}

func DedupeComputeOutcomes(issuerCIK, ownerKey, accessionNumber string, outcomesVersion int) string {
	return fmt.Sprintf("OUT|%s|%s|%s|%d", issuerCIK, ownerKey, accessionNumber, outcomesVersion)
}

func DedupeComputeStats(issuerCIK, ownerKey string, statsVersion int) string {
	return fmt.Sprintf("STATS|%s|%s|%d", issuerCIK, ownerKey, statsVersion)
}

func DedupeFetchBenchmarkPrices(symbol string) string {
	return fmt.Sprintf("BENCH_PRICES|%s", symbol)
}

func DedupeRunAIForEvent(issuerCIK, ownerKey, accessionNumber, promptVersion string) string {
	return fmt.Sprintf("AI|%s|%s|%s|%s", issuerCIK, ownerKey, accessionNumber, promptVersion)
}

func DedupeBackfillDiscover(issuerCIK string, startYear int) string {
	return fmt.Sprintf("BACKFILL_DISCOVER|%s|%d", issuerCIK, startYear)
}

func DedupeBackfillBatch(issuerCIK string, year, parseVersion int) string {
	return fmt.Sprintf("BACKFILL_BATCH|%s|%d|%d", issuerCIK, year, parseVersion)
}

func DedupeReparseTicker(ticker string, parseVersion int) string {
	return fmt.Sprintf("REPARSE|%s|%d", ticker, parseVersion)
}
