package clusters

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/insiderwatch/pipeline/internal/database"
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

func insertBuyEvent(t *testing.T, db *sql.DB, owner, accession, tradeDate string, dollars float64, isOfficer bool, pct *float64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO insider_events (
			issuer_cik, owner_key, accession_number, ticker, event_computed_at,
			has_buy, buy_trade_date, buy_dollars_total, is_officer, buy_pct_holdings_change
		) VALUES (?,?,?,?,?,1,?,?,?,?)`,
		"0000320193", owner, accession, "AAPL", "2024-01-01T00:00:00Z",
		tradeDate, dollars, boolToInt(isOfficer), pct,
	)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func f(v float64) *float64 { return &v }

func TestComputeForTickerFormsClusterWithinWindow(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	insertBuyEvent(t, db, "owner-a", "acc-1", "2024-01-01", 10000, true, f(5))
	insertBuyEvent(t, db, "owner-b", "acc-2", "2024-01-10", 20000, false, f(3))

	if err := ComputeForTicker(ctx, db, Config{CurrentClusterVersion: 1}, "AAPL"); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM clusters WHERE ticker='AAPL' AND side='buy'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one cluster, got %d", count)
	}

	var uniqueInsiders int
	var totalDollars float64
	var execsInvolved int
	var maxPct sql.NullFloat64
	err := db.QueryRow(`SELECT unique_insiders, total_dollars, execs_involved, max_pct_holdings_change FROM clusters WHERE ticker='AAPL' AND side='buy'`).
		Scan(&uniqueInsiders, &totalDollars, &execsInvolved, &maxPct)
	if err != nil {
		t.Fatalf("load cluster: %v", err)
	}
	if uniqueInsiders != 2 {
		t.Errorf("unique_insiders = %d, want 2", uniqueInsiders)
	}
	if totalDollars != 30000 {
		t.Errorf("total_dollars = %v, want 30000", totalDollars)
	}
	if execsInvolved != 1 {
		t.Error("expected execs_involved=1 since owner-a is an officer")
	}
	if !maxPct.Valid || maxPct.Float64 != 5 {
		t.Errorf("max_pct_holdings_change = %v, want 5", maxPct)
	}

	var flagA, flagB int
	if err := db.QueryRow(`SELECT cluster_flag_buy FROM insider_events WHERE accession_number='acc-1'`).Scan(&flagA); err != nil {
		t.Fatalf("load flag a: %v", err)
	}
	if err := db.QueryRow(`SELECT cluster_flag_buy FROM insider_events WHERE accession_number='acc-2'`).Scan(&flagB); err != nil {
		t.Fatalf("load flag b: %v", err)
	}
	if flagA != 1 || flagB != 1 {
		t.Error("expected both events flagged as part of the cluster")
	}
}

func TestComputeForTickerNoClusterOutsideWindow(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	insertBuyEvent(t, db, "owner-a", "acc-1", "2024-01-01", 10000, false, nil)
	insertBuyEvent(t, db, "owner-b", "acc-2", "2024-02-01", 20000, false, nil)

	if err := ComputeForTicker(ctx, db, Config{CurrentClusterVersion: 1}, "AAPL"); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM clusters WHERE ticker='AAPL' AND side='buy'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no cluster when trades are 31 days apart, got %d", count)
	}
}

func TestComputeForTickerSameFilingDoesNotCluster(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	// Two reporting owners in the same accession must not manufacture
	// a cluster from what is really one underlying filing.
	insertBuyEvent(t, db, "owner-a", "acc-1", "2024-01-01", 10000, false, nil)
	insertBuyEvent(t, db, "owner-b", "acc-1", "2024-01-02", 20000, false, nil)

	if err := ComputeForTicker(ctx, db, Config{CurrentClusterVersion: 1}, "AAPL"); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM clusters WHERE ticker='AAPL' AND side='buy'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no cluster from a single accession, got %d", count)
	}
}

func TestComputeForTickerResetsStaleClusters(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	insertBuyEvent(t, db, "owner-a", "acc-1", "2024-01-01", 10000, false, nil)
	insertBuyEvent(t, db, "owner-b", "acc-2", "2024-01-05", 10000, false, nil)
	if err := ComputeForTicker(ctx, db, Config{CurrentClusterVersion: 1}, "AAPL"); err != nil {
		t.Fatalf("compute 1: %v", err)
	}

	if _, err := db.Exec(`DELETE FROM insider_events WHERE accession_number='acc-2'`); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	if err := ComputeForTicker(ctx, db, Config{CurrentClusterVersion: 1}, "AAPL"); err != nil {
		t.Fatalf("compute 2: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM clusters WHERE ticker='AAPL' AND side='buy'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected stale cluster cleared after recompute, got %d", count)
	}
	var flag int
	if err := db.QueryRow(`SELECT cluster_flag_buy FROM insider_events WHERE accession_number='acc-1'`).Scan(&flag); err != nil {
		t.Fatalf("load flag: %v", err)
	}
	if flag != 0 {
		t.Error("expected cluster_flag_buy reset to 0 once the cluster no longer forms")
	}
}
