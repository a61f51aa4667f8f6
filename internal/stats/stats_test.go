package stats

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/insiderwatch/pipeline/internal/database"
	"github.com/insiderwatch/pipeline/internal/pipeline"
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

func insertOutcome(t *testing.T, db *sql.DB, accession, side string, excess60, excess180 *float64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO event_outcomes (issuer_cik, owner_key, accession_number, side, excess_return_60d, excess_return_180d, outcomes_version, computed_at)
		VALUES (?,?,?,?,?,?,1,'2024-01-01T00:00:00Z')`,
		"0000320193", "owner-1", accession, side, excess60, excess180,
	)
	if err != nil {
		t.Fatalf("insert outcome: %v", err)
	}
}

func insertEvent(t *testing.T, db *sql.DB, accession string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO insider_events (issuer_cik, owner_key, accession_number, event_computed_at)
		VALUES (?,?,?,'2024-01-01T00:00:00Z')`,
		"0000320193", "owner-1", accession,
	)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func f(v float64) *float64 { return &v }

func TestComputeForOwnerIssuerWinRateAndMean(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	insertEvent(t, db, "acc-1")
	insertEvent(t, db, "acc-2")
	insertEvent(t, db, "acc-3")
	insertOutcome(t, db, "acc-1", "buy", f(0.10), f(0.20))
	insertOutcome(t, db, "acc-2", "buy", f(-0.05), nil)
	insertOutcome(t, db, "acc-3", "buy", f(0.02), f(-0.01))

	key := pipeline.OwnerIssuerKey{IssuerCIK: "0000320193", OwnerKey: "owner-1"}
	if err := ComputeForOwnerIssuer(ctx, db, Config{CurrentStatsVersion: 1}, key); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var n60 int
	var win60, avg60 sql.NullFloat64
	err := db.QueryRow(`SELECT eligible_n_60d, win_rate_60d, avg_return_60d FROM insider_issuer_stats WHERE issuer_cik=? AND owner_key=? AND side='buy'`,
		"0000320193", "owner-1").Scan(&n60, &win60, &avg60)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n60 != 3 {
		t.Errorf("eligible_n_60d = %d, want 3", n60)
	}
	wantWin := 2.0 / 3.0
	if !win60.Valid || win60.Float64 != wantWin {
		t.Errorf("win_rate_60d = %v, want %v", win60, wantWin)
	}
	wantAvg := (0.10 - 0.05 + 0.02) / 3.0
	if !avg60.Valid || abs(avg60.Float64-wantAvg) > 1e-12 {
		t.Errorf("avg_return_60d = %v, want %v", avg60, wantAvg)
	}

	var n180 int
	var win180, avg180 sql.NullFloat64
	err = db.QueryRow(`SELECT eligible_n_180d, win_rate_180d, avg_return_180d FROM insider_issuer_stats WHERE issuer_cik=? AND owner_key=? AND side='buy'`,
		"0000320193", "owner-1").Scan(&n180, &win180, &avg180)
	if err != nil {
		t.Fatalf("load 180d: %v", err)
	}
	if n180 != 2 {
		t.Errorf("eligible_n_180d = %d, want 2 (nil excess_return_180d excluded)", n180)
	}
}

func TestComputeForOwnerIssuerNoEligibleLeavesNull(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertEvent(t, db, "acc-1")

	key := pipeline.OwnerIssuerKey{IssuerCIK: "0000320193", OwnerKey: "owner-1"}
	if err := ComputeForOwnerIssuer(ctx, db, Config{CurrentStatsVersion: 1}, key); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var n int
	var win, avg sql.NullFloat64
	err := db.QueryRow(`SELECT eligible_n_60d, win_rate_60d, avg_return_60d FROM insider_issuer_stats WHERE issuer_cik=? AND owner_key=? AND side='sell'`,
		"0000320193", "owner-1").Scan(&n, &win, &avg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 0 {
		t.Errorf("eligible_n_60d = %d, want 0", n)
	}
	if win.Valid || avg.Valid {
		t.Error("win_rate and avg_return must stay null when eligible_n is 0, not silently zero")
	}
}

func TestComputeForOwnerIssuerStampsEvents(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertEvent(t, db, "acc-1")

	key := pipeline.OwnerIssuerKey{IssuerCIK: "0000320193", OwnerKey: "owner-1"}
	if err := ComputeForOwnerIssuer(ctx, db, Config{CurrentStatsVersion: 1}, key); err != nil {
		t.Fatalf("compute: %v", err)
	}

	var stampedAt sql.NullString
	if err := db.QueryRow(`SELECT stats_computed_at FROM insider_events WHERE accession_number='acc-1'`).Scan(&stampedAt); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !stampedAt.Valid || stampedAt.String == "" {
		t.Error("expected stats_computed_at to be stamped on the event row")
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
