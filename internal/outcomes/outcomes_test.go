package outcomes

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/insiderwatch/pipeline/internal/database"
	"github.com/insiderwatch/pipeline/internal/pipeline"
	"github.com/insiderwatch/pipeline/internal/priceseries"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	schemaSQL, err := os.ReadFile(filepath.Join("..", "dbschema", "schema.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if err := db.Migrate(string(schemaSQL)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.Conn()
}

func seedEvent(t *testing.T, db *sql.DB, key pipeline.EventKey, hasBuy bool, buyTradeDate string, buyVWAP float64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO insider_events (issuer_cik, owner_key, accession_number, event_computed_at, has_buy, buy_trade_date, buy_vwap_price, has_sell)
		VALUES (?,?,?,?,?,?,?,0)`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber, "2024-01-01T00:00:00Z", boolInt(hasBuy), buyTradeDate, buyVWAP,
	)
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func seedIssuerSeries(t *testing.T, db *sql.DB, cik string, n int, startPrice float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		date := seedDate(i)
		if err := priceseries.UpsertIssuerClose(ctx, db, cik, date, startPrice+float64(i)); err != nil {
			t.Fatalf("seed price: %v", err)
		}
	}
}

func seedDate(i int) string {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format("2006-01-02")
}

func TestComputeMissingPriceSeries(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000320193", OwnerKey: "owner-1", AccessionNumber: "acc-1"}
	seedEvent(t, db, key, true, "2024-01-01", 10)

	if err := Compute(ctx, db, Config{BenchmarkSymbol: "SPY.US", CurrentOutcomesVersion: 1}, key); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var reason sql.NullString
	err := db.QueryRow(`SELECT missing_reason_60d FROM event_outcomes WHERE issuer_cik=? AND owner_key=? AND accession_number=? AND side='buy'`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber).Scan(&reason)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reason.Valid || reason.String != "missing_price_series" {
		t.Errorf("missing_reason_60d = %v, want missing_price_series", reason)
	}

	// Missing benchmark series must self-heal by enqueueing a fetch job.
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE job_type='FETCH_BENCHMARK_PRICES'`).Scan(&count); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Errorf("expected one FETCH_BENCHMARK_PRICES job enqueued, got %d", count)
	}
}

func TestComputeBuySideWithFullHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000320193", OwnerKey: "owner-1", AccessionNumber: "acc-1"}
	seedEvent(t, db, key, true, "2024-01-01", 100)
	seedIssuerSeries(t, db, "0000320193", 300, 100)
	for i := 0; i < 300; i++ {
		if err := priceseries.UpsertBenchmarkClose(ctx, db, "SPY.US", seedDate(i), 50+float64(i)*0.1); err != nil {
			t.Fatalf("seed bench: %v", err)
		}
	}

	if err := Compute(ctx, db, Config{BenchmarkSymbol: "SPY.US", CurrentOutcomesVersion: 1}, key); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var ret60, excess60 sql.NullFloat64
	err := db.QueryRow(`SELECT return_60d, excess_return_60d FROM event_outcomes WHERE issuer_cik=? AND owner_key=? AND accession_number=? AND side='buy'`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber).Scan(&ret60, &excess60)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ret60.Valid {
		t.Fatal("expected return_60d to be populated with full price history")
	}
	if !excess60.Valid {
		t.Error("expected excess_return_60d to be populated when both trade and benchmark returns exist")
	}
}

func TestComputeDeletesOutcomesForInactiveSide(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000320193", OwnerKey: "owner-1", AccessionNumber: "acc-1"}

	_, err := db.Exec(`
		INSERT INTO event_outcomes (issuer_cik, owner_key, accession_number, side, outcomes_version, computed_at)
		VALUES (?,?,?,?,1,'2024-01-01T00:00:00Z')`, key.IssuerCIK, key.OwnerKey, key.AccessionNumber, "sell")
	if err != nil {
		t.Fatalf("seed stale outcome: %v", err)
	}

	seedEvent(t, db, key, true, "2024-01-01", 100)
	seedIssuerSeries(t, db, "0000320193", 10, 100)

	if err := Compute(ctx, db, Config{BenchmarkSymbol: "SPY.US", CurrentOutcomesVersion: 1}, key); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_outcomes WHERE issuer_cik=? AND owner_key=? AND accession_number=? AND side='sell'`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Error("expected stale sell-side outcome deleted since has_sell=0")
	}
}
