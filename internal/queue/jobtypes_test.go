package queue

import "testing"

func TestDedupeKeyTemplates(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"fetch", DedupeFetchAccessionDocs("0001-26-000001"), "FETCH|0001-26-000001"},
		{"parse", DedupeParseAccessionDocs("0001-26-000001", 2), "PARSE|0001-26-000001|2"},
		{"aggregate", DedupeAggregateAccession("0001-26-000001", 2), "AGG|0001-26-000001|2"},
		{"prices", DedupeFetchEODPrices("0000123456"), "PRICES|0000123456"},
		{"mcap", DedupeFetchMarketCap("ACME"), "MCAP|ACME"},
		{"news", DedupeFetchNews("ACME"), "NEWS|ACME"},
		{"clusters", DedupeComputeClusters("ACME", 1), "CLUSTERS|ACME|1"},
		{"trend", DedupeComputeTrend("cik", "owner", "acc", 1), "TREND|cik|owner|acc|1"},
		{"outcomes", DedupeComputeOutcomes("cik", "owner", "acc", 1), "OUT|cik|owner|acc|1"},
		{"stats", DedupeComputeStats("cik", "owner", 1), "STATS|cik|owner|1"},
		{"bench", DedupeFetchBenchmarkPrices("SPY.US"), "BENCH_PRICES|SPY.US"},
		{"ai", DedupeRunAIForEvent("cik", "owner", "acc", "v1"), "AI|cik|owner|acc|v1"},
		{"backfill_discover", DedupeBackfillDiscover("cik", 2020), "BACKFILL_DISCOVER|cik|2020"},
		{"backfill_batch", DedupeBackfillBatch("cik", 2020, 1), "BACKFILL_BATCH|cik|2020|1"},
		{"reparse", DedupeReparseTicker("ACME", 1), "REPARSE|ACME|1"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestRoleListsPartitionJobTypes(t *testing.T) {
	seen := map[string]bool{}
	for _, jt := range RoleIO {
		seen[jt] = true
	}
	for _, jt := range RoleCompute {
		if seen[jt] {
			t.Errorf("job type %q appears in both RoleIO and RoleCompute", jt)
		}
	}
}
