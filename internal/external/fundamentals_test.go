package external

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestBucketMarketCap(t *testing.T) {
	cases := []struct {
		cap  *float64
		want string
	}{
		{nil, "unknown"},
		{floatPtr(100_000_000), "micro"},
		{floatPtr(1_500_000_000), "small"},
		{floatPtr(5_000_000_000), "mid"},
		{floatPtr(50_000_000_000), "large"},
		{floatPtr(500_000_000_000), "mega"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, BucketMarketCap(c.cap))
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestFetchAndStoreFundamentalsPopulatesCaches(t *testing.T) {
	db := openTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search/ACME" {
			w.Write([]byte(`[{"Code":"ACME","Exchange":"US"}]`))
			return
		}
		w.Write([]byte(`{
			"Highlights": {"MarketCapitalization": 4500000000, "PERatio": 22.5, "EarningsShare": 3.1},
			"SharesStats": {"SharesOutstanding": 200000000},
			"General": {"Sector": "Technology"},
			"Technicals": {"Beta": 1.2}
		}`))
	}))
	defer srv.Close()

	client := New(Config{APIKey: "k", BaseURL: srv.URL})
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	err := FetchAndStoreFundamentals(context.Background(), db, client, Config{MarketCapMaxAgeDays: 1}, "acme", now)
	require.NoError(t, err)

	var marketCap, beta float64
	var bucket, sector string
	err = db.QueryRow(`SELECT market_cap, market_cap_bucket FROM market_cap_cache WHERE ticker='ACME'`).Scan(&marketCap, &bucket)
	require.NoError(t, err)
	assert.Equal(t, float64(4500000000), marketCap)
	assert.Equal(t, "mid", bucket)

	var rawPayload []byte
	err = db.QueryRow(`SELECT sector, beta, raw_vendor_payload FROM issuer_fundamentals_cache WHERE ticker='ACME'`).Scan(&sector, &beta, &rawPayload)
	require.NoError(t, err)
	assert.Equal(t, "Technology", sector)
	assert.Equal(t, 1.2, beta)
	assert.NotEmpty(t, rawPayload)
}

func TestFetchAndStoreFundamentalsSkipsWhenFresh(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	_, err := db.Exec(`INSERT INTO issuer_fundamentals_cache (ticker, updated_at) VALUES ('ACME', ?)`, now.Add(-1*time.Hour).Format(time.RFC3339))
	require.NoError(t, err)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(Config{APIKey: "k", BaseURL: srv.URL})
	err = FetchAndStoreFundamentals(context.Background(), db, client, Config{MarketCapMaxAgeDays: 1}, "ACME", now)
	require.NoError(t, err)
	assert.False(t, called, "should not call vendor when cache is fresh")
}
