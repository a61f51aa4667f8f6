package judge

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/insiderwatch/pipeline/internal/ai/gemini"
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

	schemaSQL, err := os.ReadFile(filepath.Join("..", "..", "dbschema", "schema.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if err := db.Migrate(string(schemaSQL)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.Conn()
}

func seedTestEvent(t *testing.T, db *sql.DB, key pipeline.EventKey) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO insider_events (
			issuer_cik, owner_key, accession_number,
			ticker, filing_date, event_trade_date,
			owner_cik, owner_name_display, owner_title, is_officer, is_director, is_ten_percent_owner,
			has_buy, buy_trade_date, buy_shares_total, buy_dollars_total, buy_vwap_price, buy_vwap_is_partial,
			buy_shares_owned_following, buy_pct_holdings_change,
			has_sell, non_open_market_row_count, derivative_row_count,
			cluster_flag_buy, cluster_flag_sell,
			event_computed_at
		) VALUES (?,?,?, ?,?,?, ?,?,?,?,?,?, 1,?,?,?,?,0, ?,?, 0,0,0, 0,0, ?)`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
		"ACME", "2026-06-01", "2026-05-30",
		"0001", "Jane Doe", "Chief Executive Officer", 1, 0, 0,
		"2026-05-30", 10000.0, 500000.0, 50.0,
		15000.0, 200.0,
		"2026-06-01T00:00:00Z",
	)
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	_, err = db.Exec(`INSERT INTO market_cap_cache (ticker, market_cap, market_cap_bucket, market_cap_source, market_cap_updated_at)
		VALUES (?,?,?,?,?)`, "ACME", 5_000_000_000.0, "mid", "eodhd", "2026-05-30T00:00:00Z")
	if err != nil {
		t.Fatalf("seed market cap: %v", err)
	}
}

func stubGeminiClient(t *testing.T, body string) *gemini.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, body)
	}))
	t.Cleanup(srv.Close)
	return gemini.New(gemini.Config{APIKey: "test-key", BaseURL: srv.URL, Model: "gemini-test", Retries: 1})
}

func testConfig() Config {
	return Config{
		GeminiAPIKey:          "test-key",
		GeminiModel:           "gemini-test",
		PromptVersion:         "prompt_ai_v3",
		AIInputSchemaVersion:  "ai_input_v2",
		AIOutputSchemaVersion: "ai_output_v1",
		BenchmarkSymbol:       "SPY.US",
	}
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func validOutputJSON(key pipeline.EventKey) string {
	return `{
		"schema_version":"ai_output_v1",
		"model_id":"gemini-test",
		"prompt_version":"prompt_ai_v3",
		"generated_at_utc":"2026-06-01T00:00:00Z",
		"event_key":{"issuer_cik":"` + key.IssuerCIK + `","owner_key":"` + key.OwnerKey + `","accession_number":"` + key.AccessionNumber + `"},
		"verdict":{
			"buy_signal":{"status":"applicable","rating":8.0,"confidence":0.6,"horizon_days":60,"summary":"Large insider buy."},
			"sell_signal":{"status":"not_applicable","rating":null,"confidence":null,"horizon_days":null,"summary":null}
		},
		"narrative":{"thesis_bullets":["Large buy relative to market cap."],"context_bullets":[],"counterpoints_bullets":[]},
		"risks":[],
		"flags":[],
		"field_citations":[{"claim":"Large buy relative to market cap.","input_paths":["$.event.buy.trade_value_pct_market_cap"]}]
	}`
}

func TestRunBuildsInputCallsModelAndPersists(t *testing.T) {
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000000001", OwnerKey: "owner-1", AccessionNumber: "0000000001-26-000001"}
	seedTestEvent(t, db, key)

	client := stubGeminiClient(t, validOutputJSON(key))
	cfg := testConfig()
	now := fixedClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	if err := Run(context.Background(), db, client, cfg, key, false, now); err != nil {
		t.Fatalf("run: %v", err)
	}

	var buyRating, confidence sql.NullFloat64
	var modelID sql.NullString
	err := db.QueryRow(`SELECT buy_rating, confidence, model_id FROM ai_outputs
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	).Scan(&buyRating, &confidence, &modelID)
	if err != nil {
		t.Fatalf("query ai_outputs: %v", err)
	}
	if !buyRating.Valid || buyRating.Float64 != 8.0 {
		t.Errorf("buy_rating = %v, want 8.0", buyRating)
	}
	if !modelID.Valid || modelID.String != "gemini-test" {
		t.Errorf("model_id = %v", modelID)
	}

	var aiBuyRating sql.NullFloat64
	if err := db.QueryRow(`SELECT ai_buy_rating FROM insider_events WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber).Scan(&aiBuyRating); err != nil {
		t.Fatalf("query insider_events: %v", err)
	}
	if !aiBuyRating.Valid || aiBuyRating.Float64 != 8.0 {
		t.Errorf("denormalized ai_buy_rating = %v, want 8.0", aiBuyRating)
	}
}

func TestRunSkipsWhenAlreadyJudgedWithSameInputs(t *testing.T) {
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000000002", OwnerKey: "owner-2", AccessionNumber: "0000000002-26-000001"}
	seedTestEvent(t, db, key)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, validOutputJSON(key))
	}))
	defer srv.Close()
	client := gemini.New(gemini.Config{APIKey: "test-key", BaseURL: srv.URL, Model: "gemini-test", Retries: 1})

	cfg := testConfig()
	now := fixedClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	if err := Run(context.Background(), db, client, cfg, key, false, now); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls after first run = %d, want 1", calls)
	}

	if err := Run(context.Background(), db, client, cfg, key, false, now); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls after second run = %d, want still 1 (dedup by inputs hash)", calls)
	}

	if err := Run(context.Background(), db, client, cfg, key, true, now); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls after forced run = %d, want 2", calls)
	}
}

func TestRunRepairsInvalidOutputOnce(t *testing.T) {
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000000003", OwnerKey: "owner-3", AccessionNumber: "0000000003-26-000001"}
	seedTestEvent(t, db, key)

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"not json at all"}]}}]}`)
			return
		}
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, validOutputJSON(key))
	}))
	defer srv.Close()
	client := gemini.New(gemini.Config{APIKey: "test-key", BaseURL: srv.URL, Model: "gemini-test", Retries: 1})

	cfg := testConfig()
	now := fixedClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	if err := Run(context.Background(), db, client, cfg, key, false, now); err != nil {
		t.Fatalf("run: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (initial + repair)", attempts)
	}
}

func TestRunFailsWhenRepairedOutputStillInvalid(t *testing.T) {
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000000004", OwnerKey: "owner-4", AccessionNumber: "0000000004-26-000001"}
	seedTestEvent(t, db, key)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"still not json"}]}}]}`)
	}))
	defer srv.Close()
	client := gemini.New(gemini.Config{APIKey: "test-key", BaseURL: srv.URL, Model: "gemini-test", Retries: 1})

	cfg := testConfig()
	now := fixedClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	if err := Run(context.Background(), db, client, cfg, key, false, now); err == nil {
		t.Fatal("expected error when repaired output is still invalid")
	}
}

func TestRunRequiresGeminiAPIKey(t *testing.T) {
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000000005", OwnerKey: "owner-5", AccessionNumber: "0000000005-26-000001"}
	seedTestEvent(t, db, key)

	cfg := testConfig()
	cfg.GeminiAPIKey = ""
	now := fixedClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	if err := Run(context.Background(), db, nil, cfg, key, false, now); err == nil {
		t.Fatal("expected error when GEMINI_API_KEY is unset")
	}
}

func TestBuildAIInputIncludesBaselineForBothSides(t *testing.T) {
	db := openTestDB(t)
	key := pipeline.EventKey{IssuerCIK: "0000000006", OwnerKey: "owner-6", AccessionNumber: "0000000006-26-000001"}
	seedTestEvent(t, db, key)

	cfg := testConfig()
	now := fixedClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	input, err := buildAIInput(context.Background(), db, cfg, key, now)
	if err != nil {
		t.Fatalf("buildAIInput: %v", err)
	}

	baselineMap, ok := input["baseline"].(map[string]any)
	if !ok {
		t.Fatalf("baseline missing or wrong type: %v", input["baseline"])
	}
	buy, ok := baselineMap["buy"].(map[string]any)
	if !ok {
		t.Fatalf("baseline.buy missing: %v", baselineMap)
	}
	if buy["rating"] == nil {
		t.Error("expected a non-nil baseline buy rating for an active buy side")
	}

	sell, ok := baselineMap["sell"].(map[string]any)
	if !ok {
		t.Fatalf("baseline.sell missing: %v", baselineMap)
	}
	if sell["rating"] != nil {
		t.Error("expected a nil baseline sell rating since the event has no sell activity")
	}

	event, ok := input["event"].(map[string]any)
	if !ok {
		t.Fatalf("event missing: %v", input)
	}
	if event["issuer_cik"] != key.IssuerCIK {
		t.Errorf("event.issuer_cik = %v, want %v", event["issuer_cik"], key.IssuerCIK)
	}
}
