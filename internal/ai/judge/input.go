package judge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/insiderwatch/pipeline/internal/ai/baseline"
	"github.com/insiderwatch/pipeline/internal/pipeline"
)

type eventRow struct {
	ticker          sql.NullString
	filingDate      sql.NullString
	eventTradeDate  sql.NullString
	ownerCIK        sql.NullString
	ownerName       sql.NullString
	ownerTitle      sql.NullString
	isOfficer       sql.NullInt64
	isDirector      sql.NullInt64
	isTenPctOwner   sql.NullInt64
	hasBuy          bool
	buyTradeDate    sql.NullString
	buySharesTotal  sql.NullFloat64
	buyDollarsTotal sql.NullFloat64
	buyVWAP         sql.NullFloat64
	buyVWAPPartial  sql.NullInt64
	buySharesAfter  sql.NullFloat64
	buyPctChange    sql.NullFloat64
	hasSell         bool
	sellTradeDate   sql.NullString
	sellSharesTotal sql.NullFloat64
	sellDollars     sql.NullFloat64
	sellVWAP        sql.NullFloat64
	sellVWAPPartial sql.NullInt64
	sellSharesAfter sql.NullFloat64
	sellPctChange   sql.NullFloat64
	nonOpenMktCount sql.NullInt64
	derivRowCount   sql.NullInt64
	clusterIDBuy    sql.NullString
	clusterFlagBuy  sql.NullInt64
	clusterIDSell   sql.NullString
	clusterFlagSell sql.NullInt64
	trendAnchorDate sql.NullString
	trendClose      sql.NullFloat64
	trendRet20d     sql.NullFloat64
	trendRet60d     sql.NullFloat64
	trendDist52High sql.NullFloat64
	trendDist52Low  sql.NullFloat64
	trendAboveSMA50 sql.NullInt64
	trendAboveSMA200 sql.NullInt64
	trendMissingReason sql.NullString
}

func loadEventRow(ctx context.Context, db *sql.DB, key pipeline.EventKey) (*eventRow, error) {
	var r eventRow
	var hasBuyInt, hasSellInt int64
	err := db.QueryRowContext(ctx, `
		SELECT ticker, filing_date, event_trade_date,
		       owner_cik, owner_name_display, owner_title, is_officer, is_director, is_ten_percent_owner,
		       has_buy, buy_trade_date, buy_shares_total, buy_dollars_total, buy_vwap_price, buy_vwap_is_partial,
		       buy_shares_owned_following, buy_pct_holdings_change,
		       has_sell, sell_trade_date, sell_shares_total, sell_dollars_total, sell_vwap_price, sell_vwap_is_partial,
		       sell_shares_owned_following, sell_pct_holdings_change,
		       non_open_market_row_count, derivative_row_count,
		       cluster_id_buy, cluster_flag_buy, cluster_id_sell, cluster_flag_sell,
		       trend_anchor_trading_date, trend_close, trend_ret_20d, trend_ret_60d,
		       trend_dist_52w_high, trend_dist_52w_low, trend_above_sma_50, trend_above_sma_200, trend_missing_reason
		FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	).Scan(
		&r.ticker, &r.filingDate, &r.eventTradeDate,
		&r.ownerCIK, &r.ownerName, &r.ownerTitle, &r.isOfficer, &r.isDirector, &r.isTenPctOwner,
		&hasBuyInt, &r.buyTradeDate, &r.buySharesTotal, &r.buyDollarsTotal, &r.buyVWAP, &r.buyVWAPPartial,
		&r.buySharesAfter, &r.buyPctChange,
		&hasSellInt, &r.sellTradeDate, &r.sellSharesTotal, &r.sellDollars, &r.sellVWAP, &r.sellVWAPPartial,
		&r.sellSharesAfter, &r.sellPctChange,
		&r.nonOpenMktCount, &r.derivRowCount,
		&r.clusterIDBuy, &r.clusterFlagBuy, &r.clusterIDSell, &r.clusterFlagSell,
		&r.trendAnchorDate, &r.trendClose, &r.trendRet20d, &r.trendRet60d,
		&r.trendDist52High, &r.trendDist52Low, &r.trendAboveSMA50, &r.trendAboveSMA200, &r.trendMissingReason,
	)
	if err != nil {
		return nil, fmt.Errorf("judge: load event: %w", err)
	}
	r.hasBuy = hasBuyInt != 0
	r.hasSell = hasSellInt != 0
	return &r, nil
}

type marketCapRow struct {
	marketCap    sql.NullFloat64
	bucket       sql.NullString
	source       sql.NullString
	updatedAt    sql.NullString
}

func loadMarketCap(ctx context.Context, db *sql.DB, ticker string) (*marketCapRow, error) {
	if ticker == "" {
		return nil, nil
	}
	var m marketCapRow
	err := db.QueryRowContext(ctx, `SELECT market_cap, market_cap_bucket, market_cap_source, market_cap_updated_at FROM market_cap_cache WHERE ticker=?`, ticker).
		Scan(&m.marketCap, &m.bucket, &m.source, &m.updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("judge: load market cap: %w", err)
	}
	return &m, nil
}

type fundamentalsRow struct {
	eodhdSymbol       sql.NullString
	marketCap         sql.NullFloat64
	peRatio           sql.NullFloat64
	eps               sql.NullFloat64
	sharesOutstanding sql.NullFloat64
	beta              sql.NullFloat64
	updatedAt         sql.NullString
}

func loadFundamentals(ctx context.Context, db *sql.DB, ticker string) (*fundamentalsRow, error) {
	if ticker == "" {
		return nil, nil
	}
	var f fundamentalsRow
	err := db.QueryRowContext(ctx, `
		SELECT eodhd_symbol, market_cap, pe_ratio, eps, shares_outstanding, beta, updated_at
		FROM issuer_fundamentals_cache WHERE ticker=?`, ticker,
	).Scan(&f.eodhdSymbol, &f.marketCap, &f.peRatio, &f.eps, &f.sharesOutstanding, &f.beta, &f.updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("judge: load fundamentals: %w", err)
	}
	return &f, nil
}

type newsItem struct {
	PublishedAt string   `json:"published_at"`
	Title       *string  `json:"title"`
	Source      *string  `json:"source"`
	URL         *string  `json:"url"`
	Sentiment   *float64 `json:"sentiment"`
}

func loadNews(ctx context.Context, db *sql.DB, ticker string) ([]newsItem, error) {
	if ticker == "" {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT published_at, title, source, url, sentiment FROM issuer_news
		WHERE ticker=? ORDER BY published_at DESC LIMIT 8`, ticker)
	if err != nil {
		return nil, fmt.Errorf("judge: load news: %w", err)
	}
	defer rows.Close()

	var out []newsItem
	for rows.Next() {
		var n newsItem
		var title, source, url sql.NullString
		var sentiment sql.NullFloat64
		if err := rows.Scan(&n.PublishedAt, &title, &source, &url, &sentiment); err != nil {
			return nil, err
		}
		n.Title = nullStrPtr(title)
		n.Source = nullStrPtr(source)
		n.URL = nullStrPtr(url)
		n.Sentiment = nullFloatPtr(sentiment)
		out = append(out, n)
	}
	return out, rows.Err()
}

type clusterContext struct {
	ClusterFlag          bool     `json:"cluster_flag"`
	ClusterID            *string  `json:"cluster_id"`
	WindowDays           int      `json:"window_days"`
	UniqueInsiders       *int     `json:"unique_insiders"`
	TotalDollars         *float64 `json:"total_dollars"`
	ExecsInvolved        *bool    `json:"execs_involved"`
	MaxPctHoldingsChange *float64 `json:"max_pct_holdings_change"`
}

func emptyClusterContext() clusterContext {
	return clusterContext{ClusterFlag: false, WindowDays: 14}
}

func loadClusterContext(ctx context.Context, db *sql.DB, clusterID sql.NullString, flag sql.NullInt64) (clusterContext, error) {
	if !flag.Valid || flag.Int64 == 0 || !clusterID.Valid || clusterID.String == "" {
		return emptyClusterContext(), nil
	}

	var uniqueInsiders int
	var totalDollars sql.NullFloat64
	var execsInvolved int
	var maxPct sql.NullFloat64
	err := db.QueryRowContext(ctx, `
		SELECT unique_insiders, total_dollars, execs_involved, max_pct_holdings_change
		FROM clusters WHERE cluster_id=?`, clusterID.String,
	).Scan(&uniqueInsiders, &totalDollars, &execsInvolved, &maxPct)
	if err == sql.ErrNoRows {
		id := clusterID.String
		return clusterContext{ClusterFlag: true, ClusterID: &id, WindowDays: 14}, nil
	}
	if err != nil {
		return clusterContext{}, fmt.Errorf("judge: load cluster: %w", err)
	}
	id := clusterID.String
	execs := execsInvolved != 0
	return clusterContext{
		ClusterFlag: true, ClusterID: &id, WindowDays: 14,
		UniqueInsiders: &uniqueInsiders, TotalDollars: nullFloatPtr(totalDollars),
		ExecsInvolved: &execs, MaxPctHoldingsChange: nullFloatPtr(maxPct),
	}, nil
}

type statsSide struct {
	EligibleN60d  int      `json:"eligible_n_60d"`
	WinRate60d    *float64 `json:"win_rate_60d"`
	AvgReturn60d  *float64 `json:"avg_return_60d"`
	EligibleN180d int      `json:"eligible_n_180d"`
	WinRate180d   *float64 `json:"win_rate_180d"`
	AvgReturn180d *float64 `json:"avg_return_180d"`
}

func loadStats(ctx context.Context, db *sql.DB, issuerCIK, ownerKey, side string) (statsSide, error) {
	var s statsSide
	var winRate60, avgReturn60, winRate180, avgReturn180 sql.NullFloat64
	err := db.QueryRowContext(ctx, `
		SELECT eligible_n_60d, win_rate_60d, avg_return_60d, eligible_n_180d, win_rate_180d, avg_return_180d
		FROM insider_issuer_stats WHERE issuer_cik=? AND owner_key=? AND side=?`,
		issuerCIK, ownerKey, side,
	).Scan(&s.EligibleN60d, &winRate60, &avgReturn60, &s.EligibleN180d, &winRate180, &avgReturn180)
	if err == sql.ErrNoRows {
		return statsSide{}, nil
	}
	if err != nil {
		return statsSide{}, fmt.Errorf("judge: load stats: %w", err)
	}
	s.WinRate60d = nullFloatPtr(winRate60)
	s.AvgReturn60d = nullFloatPtr(avgReturn60)
	s.WinRate180d = nullFloatPtr(winRate180)
	s.AvgReturn180d = nullFloatPtr(avgReturn180)
	return s, nil
}

type insiderHistory struct {
	WindowYears          *int    `json:"window_years"`
	HistoryScope         string  `json:"history_scope"`
	PriorBuyEventsTotal  *int    `json:"prior_buy_events_total"`
	PriorSellEventsTotal *int    `json:"prior_sell_events_total"`
	PriorBuyEvents12m    *int    `json:"prior_buy_events_12m"`
	PriorSellEvents12m   *int    `json:"prior_sell_events_12m"`
	LastBuyFilingDate    *string `json:"last_buy_filing_date"`
	LastSellFilingDate   *string `json:"last_sell_filing_date"`
}

func loadInsiderHistory(ctx context.Context, db *sql.DB, issuerCIK, ownerKey, filingDate, accession string) (insiderHistory, error) {
	h := insiderHistory{HistoryScope: "all_prior_before_current_filing"}
	if filingDate == "" {
		return h, nil
	}
	cur, err := time.Parse("2006-01-02", filingDate[:minInt(len(filingDate), 10)])
	if err != nil {
		return h, nil
	}
	cutoff12m := cur.AddDate(-1, 0, 0).Format("2006-01-02")

	var buyTotal, sellTotal, buy12m, sell12m sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT
		  SUM(CASE WHEN has_buy=1 THEN 1 ELSE 0 END),
		  SUM(CASE WHEN has_sell=1 THEN 1 ELSE 0 END),
		  SUM(CASE WHEN has_buy=1 AND filing_date>=? THEN 1 ELSE 0 END),
		  SUM(CASE WHEN has_sell=1 AND filing_date>=? THEN 1 ELSE 0 END)
		FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND filing_date<? AND accession_number<>?`,
		cutoff12m, cutoff12m, issuerCIK, ownerKey, filingDate, accession,
	).Scan(&buyTotal, &sellTotal, &buy12m, &sell12m)
	if err != nil {
		return h, fmt.Errorf("judge: load insider history totals: %w", err)
	}

	var lastBuy, lastSell sql.NullString
	_ = db.QueryRowContext(ctx, `
		SELECT MAX(filing_date) FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND has_buy=1 AND filing_date<? AND accession_number<>?`,
		issuerCIK, ownerKey, filingDate, accession,
	).Scan(&lastBuy)
	_ = db.QueryRowContext(ctx, `
		SELECT MAX(filing_date) FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND has_sell=1 AND filing_date<? AND accession_number<>?`,
		issuerCIK, ownerKey, filingDate, accession,
	).Scan(&lastSell)

	h.PriorBuyEventsTotal = nullIntPtr(buyTotal)
	h.PriorSellEventsTotal = nullIntPtr(sellTotal)
	h.PriorBuyEvents12m = nullIntPtr(buy12m)
	h.PriorSellEvents12m = nullIntPtr(sell12m)
	h.LastBuyFilingDate = nullStrPtr(lastBuy)
	h.LastSellFilingDate = nullStrPtr(lastSell)
	return h, nil
}

type recentActivity struct {
	WindowDays     int  `json:"window_days"`
	EventsTotal    *int `json:"events_total"`
	BuyEvents      *int `json:"buy_events"`
	SellEvents     *int `json:"sell_events"`
	UniqueInsiders *int `json:"unique_insiders"`
}

func loadRecentActivity(ctx context.Context, db *sql.DB, issuerCIK, filingDate, accession string) (recentActivity, error) {
	a := recentActivity{WindowDays: 30}
	if filingDate == "" {
		return a, nil
	}
	cur, err := time.Parse("2006-01-02", filingDate[:minInt(len(filingDate), 10)])
	if err != nil {
		return a, nil
	}
	cutoff30 := cur.AddDate(0, 0, -30).Format("2006-01-02")

	var total, buy, sell, unique sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN has_buy=1 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN has_sell=1 THEN 1 ELSE 0 END),
		       COUNT(DISTINCT owner_key)
		FROM insider_events
		WHERE issuer_cik=? AND filing_date>=? AND filing_date<? AND accession_number<>?`,
		issuerCIK, cutoff30, filingDate, accession,
	).Scan(&total, &buy, &sell, &unique)
	if err != nil {
		return a, fmt.Errorf("judge: load recent activity: %w", err)
	}
	a.EventsTotal = nullIntPtr(total)
	a.BuyEvents = nullIntPtr(buy)
	a.SellEvents = nullIntPtr(sell)
	a.UniqueInsiders = nullIntPtr(unique)
	return a, nil
}

func loadFootnotes(ctx context.Context, db *sql.DB, issuerCIK, accession string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT raw_payload_json FROM form4_rows_raw
		WHERE issuer_cik=? AND accession_number=? ORDER BY row_id ASC`, issuerCIK, accession)
	if err != nil {
		return nil, fmt.Errorf("judge: load footnotes: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	var out []string
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if !raw.Valid || raw.String == "" {
			continue
		}
		var payload struct {
			Footnotes []string `json:"footnotes"`
		}
		if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
			continue
		}
		for _, f := range payload.Footnotes {
			txt := normalizeFootnote(f)
			if txt == "" || seen[txt] {
				continue
			}
			seen[txt] = true
			out = append(out, txt)
			if len(out) >= 20 {
				return out, nil
			}
		}
	}
	return out, rows.Err()
}

func nullStrPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func resolveBenchmarkSymbol(ctx context.Context, db *sql.DB, cfg Config) string {
	var resolved sql.NullString
	_ = db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key='benchmark_symbol_resolved'`).Scan(&resolved)
	if resolved.Valid && resolved.String != "" {
		return resolved.String
	}
	if cfg.BenchmarkSymbol != "" {
		return cfg.BenchmarkSymbol
	}
	return "SPY.US"
}

// buildAIInput assembles the ai_input_v2 document from persisted
// computed fields, including the deterministic baseline rating under
// ai_input["baseline"].
func buildAIInput(ctx context.Context, db *sql.DB, cfg Config, key pipeline.EventKey, now Clock) (map[string]any, error) {
	row, err := loadEventRow(ctx, db, key)
	if err != nil {
		return nil, err
	}

	ticker := ""
	if row.ticker.Valid {
		ticker = row.ticker.String
	}

	mcap, err := loadMarketCap(ctx, db, ticker)
	if err != nil {
		return nil, err
	}

	issuerContext := map[string]any{
		"ticker":                nullIfEmpty(ticker),
		"market_cap":            nil,
		"market_cap_bucket":     nil,
		"market_cap_source":     nil,
		"market_cap_updated_at": nil,
	}
	var mcapVal *float64
	if mcap != nil {
		issuerContext["market_cap"] = nullFloatPtr(mcap.marketCap)
		issuerContext["market_cap_bucket"] = nullStrPtr(mcap.bucket)
		issuerContext["market_cap_source"] = nullStrPtr(mcap.source)
		issuerContext["market_cap_updated_at"] = nullStrPtr(mcap.updatedAt)
		mcapVal = nullFloatPtr(mcap.marketCap)
	}

	fundamentals, err := loadFundamentals(ctx, db, ticker)
	if err != nil {
		return nil, err
	}
	if fundamentals != nil {
		issuerContext["fundamentals"] = map[string]any{
			"eodhd_symbol":       nullStrPtr(fundamentals.eodhdSymbol),
			"market_cap":         nullFloatPtr(fundamentals.marketCap),
			"pe_ratio":           nullFloatPtr(fundamentals.peRatio),
			"eps":                nullFloatPtr(fundamentals.eps),
			"shares_outstanding": nullFloatPtr(fundamentals.sharesOutstanding),
			"beta":               nullFloatPtr(fundamentals.beta),
			"updated_at":         nullStrPtr(fundamentals.updatedAt),
		}
	}
	news, err := loadNews(ctx, db, ticker)
	if err != nil {
		return nil, err
	}
	if len(news) > 0 {
		issuerContext["news"] = news
	}

	buyCluster, err := loadClusterContext(ctx, db, row.clusterIDBuy, row.clusterFlagBuy)
	if err != nil {
		return nil, err
	}
	sellCluster, err := loadClusterContext(ctx, db, row.clusterIDSell, row.clusterFlagSell)
	if err != nil {
		return nil, err
	}
	clusterContextMap := map[string]any{"buy_cluster": buyCluster, "sell_cluster": sellCluster}

	statsBuy, err := loadStats(ctx, db, key.IssuerCIK, key.OwnerKey, "buy")
	if err != nil {
		return nil, err
	}
	statsSell, err := loadStats(ctx, db, key.IssuerCIK, key.OwnerKey, "sell")
	if err != nil {
		return nil, err
	}
	benchmarkSymbol := resolveBenchmarkSymbol(ctx, db, cfg)
	insiderStats := map[string]any{
		"buy": statsBuy, "sell": statsSell,
		"notes": "avg_return_* are excess returns vs benchmark (trade_return - benchmark_return); see $.benchmark.symbol",
	}

	trendMissing := row.trendMissingReason.Valid && row.trendMissingReason.String != ""
	trendContext := map[string]any{
		"price_reference": map[string]any{
			"trade_date":           nullStrPtr(row.eventTradeDate),
			"nearest_trading_date": nullStrPtr(row.trendAnchorDate),
			"close":                nullFloatPtr(row.trendClose),
		},
		"pre_returns": map[string]any{
			"ret_20d": nullFloatPtr(row.trendRet20d),
			"ret_60d": nullFloatPtr(row.trendRet60d),
		},
		"range_position": map[string]any{
			"dist_52w_high": nullFloatPtr(row.trendDist52High),
			"dist_52w_low":  nullFloatPtr(row.trendDist52Low),
		},
		"moving_averages": map[string]any{
			"above_sma_50":  nullBoolPtr(row.trendAboveSMA50),
			"above_sma_200": nullBoolPtr(row.trendAboveSMA200),
		},
	}

	filingDate := ""
	if row.filingDate.Valid {
		filingDate = row.filingDate.String
	}

	buySide := sidePayload(row.hasBuy, row.buyTradeDate, row.buySharesTotal, row.buyDollarsTotal, row.buyVWAP, row.buySharesAfter, row.buyPctChange, mcapVal, true)
	sellSide := sidePayload(row.hasSell, row.sellTradeDate, row.sellSharesTotal, row.sellDollars, row.sellVWAP, row.sellSharesAfter, row.sellPctChange, mcapVal, false)

	event := map[string]any{
		"issuer_cik":            key.IssuerCIK,
		"ticker":                nullIfEmpty(ticker),
		"accession_number":      key.AccessionNumber,
		"filing_date":           nullIfEmpty(filingDate),
		"event_trade_date":      nullStrPtr(row.eventTradeDate),
		"owner_key":             key.OwnerKey,
		"owner_cik":             nullStrPtr(row.ownerCIK),
		"owner_name":            nullStrPtr(row.ownerName),
		"owner_title":           nullStrPtr(row.ownerTitle),
		"is_officer":            nullBoolPtr(row.isOfficer),
		"is_director":           nullBoolPtr(row.isDirector),
		"is_ten_percent_owner":  nullBoolPtr(row.isTenPctOwner),
		"buy":                   buySide,
		"sell":                  sellSide,
		"other_activity_summary": map[string]any{
			"non_open_market_row_count": nullIntPtr(row.nonOpenMktCount),
			"derivative_row_count":      nullIntPtr(row.derivRowCount),
			"notes":                     nil,
		},
	}

	history, err := loadInsiderHistory(ctx, db, key.IssuerCIK, key.OwnerKey, filingDate, key.AccessionNumber)
	if err != nil {
		return nil, err
	}
	recent, err := loadRecentActivity(ctx, db, key.IssuerCIK, filingDate, key.AccessionNumber)
	if err != nil {
		return nil, err
	}

	dataQuality := map[string]any{
		"buy_vwap_is_partial":  nullBoolPtr(row.buyVWAPPartial),
		"sell_vwap_is_partial": nullBoolPtr(row.sellVWAPPartial),
		"pct_holdings_change_missing": map[string]any{
			"buy":  !row.buyPctChange.Valid,
			"sell": !row.sellPctChange.Valid,
		},
		"trend_missing":              trendMissing,
		"trend_missing_reason":       nullStrPtr(row.trendMissingReason),
		"market_cap_staleness_days":  marketCapStalenessDays(mcap, now()),
	}

	footnotes, err := loadFootnotes(ctx, db, key.IssuerCIK, key.AccessionNumber)
	if err != nil {
		return nil, err
	}
	filingContext := map[string]any{
		"footnotes": footnotes,
		"notes":     "Footnotes are extracted from the filing when available; treat as context, not as definitive intent.",
	}

	aiInput := map[string]any{
		"schema_version":          cfg.AIInputSchemaVersion,
		"asof_utc":                now().UTC().Format("2006-01-02T15:04:05Z"),
		"event":                   event,
		"issuer_context":          issuerContext,
		"cluster_context":         clusterContextMap,
		"insider_stats":           insiderStats,
		"insider_history":         history,
		"issuer_recent_activity":  recent,
		"trend_context":           trendContext,
		"data_quality":            dataQuality,
		"benchmark":               map[string]any{"symbol": benchmarkSymbol},
		"filing_context":          filingContext,
	}

	aiInput["baseline"] = computeBaselineForInput(event, issuerContext, clusterContextMap, dataQuality, history, trendContext)
	return aiInput, nil
}

func sidePayload(has bool, tradeDate sql.NullString, shares, dollars, vwap, after, pct sql.NullFloat64, mcapVal *float64, isBuy bool) map[string]any {
	var before, multiple *float64
	if shares.Valid && after.Valid && shares.Float64 > 0 {
		var b float64
		if isBuy {
			b = after.Float64 - shares.Float64
		} else {
			b = after.Float64 + shares.Float64
		}
		if b > 0 {
			before = &b
			pctVal := (shares.Float64 / b) * 100.0
			pct = sql.NullFloat64{Valid: true, Float64: pctVal}
			m := after.Float64 / b
			multiple = &m
		}
	}

	var tradeValuePctMcap *float64
	if dollars.Valid && mcapVal != nil && dollars.Float64 > 0 && *mcapVal > 0 {
		v := (dollars.Float64 / *mcapVal) * 100.0
		tradeValuePctMcap = &v
	}

	sideKey := "has_sell"
	if isBuy {
		sideKey = "has_buy"
	}

	return map[string]any{
		sideKey:                      has,
		"trade_date":                 nullStrPtr(tradeDate),
		"shares":                     nullFloatPtr(shares),
		"dollars":                    nullFloatPtr(dollars),
		"vwap_price":                 nullFloatPtr(vwap),
		"trade_value_pct_market_cap": tradeValuePctMcap,
		"shares_owned_before_estimate": before,
		"shares_owned_after":          nullFloatPtr(after),
		"holdings_change_pct":         nullFloatPtr(pct),
		"holdings_change_multiple":    multiple,
	}
}

func marketCapStalenessDays(mcap *marketCapRow, now time.Time) *int {
	if mcap == nil || !mcap.updatedAt.Valid || mcap.updatedAt.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, mcap.updatedAt.String)
	if err != nil {
		t, err = time.Parse("2006-01-02", mcap.updatedAt.String[:minInt(len(mcap.updatedAt.String), 10)])
		if err != nil {
			return nil
		}
	}
	days := int(now.Sub(t).Hours() / 24)
	return &days
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBoolPtr(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64 != 0
}

func computeBaselineForInput(event, issuerContext, clusterCtxMap, dataQuality map[string]any, history insiderHistory, trendContext map[string]any) map[string]any {
	buyMap, _ := event["buy"].(map[string]any)
	sellMap, _ := event["sell"].(map[string]any)
	bucket, _ := issuerContext["market_cap_bucket"].(string)
	title, _ := event["owner_title"].(string)

	buyCluster, _ := clusterCtxMap["buy_cluster"].(clusterContext)
	sellCluster, _ := clusterCtxMap["sell_cluster"].(clusterContext)

	preReturns, _ := trendContext["pre_returns"].(map[string]any)
	ret60, _ := preReturns["ret_60d"].(*float64)

	in := baseline.Input{
		MarketCapBucket: bucket,
		OwnerTitle:      title,
		Buy: baseline.SidePayload{
			HasActivity:            boolField(buyMap, "has_buy"),
			HoldingsChangePct:      floatPtrField(buyMap, "holdings_change_pct"),
			Dollars:                floatPtrField(buyMap, "dollars"),
			TradeValuePctMarketCap: floatPtrFieldAny(buyMap, "trade_value_pct_market_cap"),
		},
		Sell: baseline.SidePayload{
			HasActivity:            boolField(sellMap, "has_sell"),
			HoldingsChangePct:      floatPtrField(sellMap, "holdings_change_pct"),
			Dollars:                floatPtrField(sellMap, "dollars"),
			TradeValuePctMarketCap: floatPtrFieldAny(sellMap, "trade_value_pct_market_cap"),
		},
		BuyClusterFlag:       buyCluster.ClusterFlag,
		SellClusterFlag:      sellCluster.ClusterFlag,
		PriorBuyEventsTotal:  history.PriorBuyEventsTotal,
		PriorSellEventsTotal: history.PriorSellEventsTotal,
		Ret60d:               ret60,
		BuyVWAPIsPartial:     boolFieldAny(dataQuality, "buy_vwap_is_partial"),
		SellVWAPIsPartial:    boolFieldAny(dataQuality, "sell_vwap_is_partial"),
		TrendMissing:         boolFieldAny(dataQuality, "trend_missing"),
	}

	result := baseline.Compute(in)
	return map[string]any{
		"buy":  sideResultToMap(result.Buy),
		"sell": sideResultToMap(result.Sell),
	}
}

func sideResultToMap(r baseline.SideResult) map[string]any {
	return map[string]any{
		"rating":     r.Rating,
		"confidence": r.Confidence,
		"reasons":    r.Reasons,
	}
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func boolFieldAny(m map[string]any, key string) bool {
	v := m[key]
	b, ok := v.(bool)
	if !ok {
		if bp, ok := v.(*bool); ok && bp != nil {
			return *bp
		}
		return false
	}
	return b
}

func floatPtrField(m map[string]any, key string) *float64 {
	v, ok := m[key].(*float64)
	if !ok {
		return nil
	}
	return v
}

func floatPtrFieldAny(m map[string]any, key string) *float64 {
	v := m[key]
	if v == nil {
		return nil
	}
	if fp, ok := v.(*float64); ok {
		return fp
	}
	return nil
}
