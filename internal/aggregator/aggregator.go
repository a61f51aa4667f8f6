// Package aggregator rolls up a filing's raw Form 4 rows into one
// insider_events row per reporting owner, computing the buy-side and
// sell-side VWAP summaries the rest of the pipeline consumes.
package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/insiderwatch/pipeline/internal/database"
	"github.com/insiderwatch/pipeline/internal/pipeline"
)

// RawRow mirrors one form4_rows_raw record.
type RawRow struct {
	RowID                int64
	OwnerCIK             string
	OwnerNameRaw         string
	OwnerNameNormalized  string
	IsDerivative         bool
	TransactionCode      string
	TransactionDate      string
	SharesAbs            sql.NullFloat64
	PriceParsed          sql.NullFloat64
	SharesOwnedFollowing sql.NullFloat64
	RawPayloadJSON       string
}

// reportingOwnerPayload is the subset of a row's raw_payload_json this
// package reads back out; ingestion stores the full parsed reporting
// owner block there since form4_rows_raw has no dedicated columns for
// title/officer flags (they belong to the owner, not the row, and are
// carried per-row only for audit).
type reportingOwnerPayload struct {
	ReportingOwner struct {
		OfficerTitle      string `json:"officer_title"`
		IsOfficer         *bool  `json:"is_officer"`
		IsDirector        *bool  `json:"is_director"`
		IsTenPercentOwner *bool  `json:"is_ten_percent_owner"`
	} `json:"reporting_owner"`
}

// SideRollup is the buy-side or sell-side summary for one owner's
// activity within one accession.
type SideRollup struct {
	Has                  bool
	TradeDate            string
	LastTxDate           string
	SharesTotal          sql.NullFloat64
	DollarsTotal         sql.NullFloat64
	VWAPPrice            sql.NullFloat64
	PricedSharesTotal    float64
	UnpricedSharesTotal  sql.NullFloat64
	VWAPIsPartial        bool
	SharesOwnedFollowing sql.NullFloat64
	PctHoldingsChange    sql.NullFloat64
	MissingReason        string
}

// Config is the subset of application config the aggregator needs.
type Config struct {
	CurrentParseVersion int
}

// AggregateAccession reads every form4_rows_raw row for an accession,
// rolls each distinct owner_key up into an insider_events row, and
// clears the downstream-computed columns so later stages recompute.
func AggregateAccession(ctx context.Context, db *sql.DB, cfg Config, accessionNumber string) ([]pipeline.EventKey, error) {
	var issuerCIK, filingDate string
	err := db.QueryRowContext(ctx,
		`SELECT issuer_cik, filing_date FROM filings WHERE accession_number = ?`,
		accessionNumber,
	).Scan(&issuerCIK, &filingDate)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("aggregator: no filings row for accession %s", accessionNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("aggregator: load filing: %w", err)
	}

	var ticker sql.NullString
	_ = db.QueryRowContext(ctx,
		`SELECT ticker FROM issuers WHERE issuer_cik = ?`, issuerCIK,
	).Scan(&ticker)

	var marketCap sql.NullFloat64
	if ticker.Valid && ticker.String != "" {
		var bucket, updatedAt sql.NullString
		_ = db.QueryRowContext(ctx,
			`SELECT market_cap, market_cap_bucket, market_cap_updated_at FROM market_cap_cache WHERE ticker = ?`,
			ticker.String,
		).Scan(&marketCap, &bucket, &updatedAt)
	}

	ownerKeys, err := distinctOwnerKeys(ctx, db, issuerCIK, accessionNumber)
	if err != nil {
		return nil, err
	}

	var eventKeys []pipeline.EventKey

	err = database.WithTransaction(db, func(tx *sql.Tx) error {
		now := pipeline.UTCNowISO()

		for _, ownerKey := range ownerKeys {
			rows, err := loadRows(ctx, tx, issuerCIK, accessionNumber, ownerKey)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				continue
			}

			eventKeys = append(eventKeys, pipeline.EventKey{
				IssuerCIK: issuerCIK, OwnerKey: ownerKey, AccessionNumber: accessionNumber,
			})

			first := rows[0]
			ownerNameDisplay := first.OwnerNameRaw
			if ownerNameDisplay == "" {
				ownerNameDisplay = first.OwnerNameNormalized
			}

			var ro reportingOwnerPayload
			if first.RawPayloadJSON != "" {
				_ = json.Unmarshal([]byte(first.RawPayloadJSON), &ro)
			}

			derivativeRowCount := 0
			nonOpenMarketRowCount := 0
			for _, r := range rows {
				if r.IsDerivative {
					derivativeRowCount++
					continue
				}
				if r.TransactionCode != "P" && r.TransactionCode != "S" {
					nonOpenMarketRowCount++
				}
			}

			buyRoll := rollupSide(rows, "P")
			sellRoll := rollupSide(rows, "S")

			eventTradeDate := ""
			for _, r := range rows {
				if r.TransactionDate == "" {
					continue
				}
				if eventTradeDate == "" || r.TransactionDate < eventTradeDate {
					eventTradeDate = r.TransactionDate
				}
			}

			if err := upsertEvent(tx, upsertParams{
				issuerCIK: issuerCIK, ownerKey: ownerKey, accessionNumber: accessionNumber,
				ticker: nullableString(ticker), filingDate: filingDate, eventTradeDate: eventTradeDate,
				ownerCIK: first.OwnerCIK, ownerNameDisplay: ownerNameDisplay,
				ownerTitle: ro.ReportingOwner.OfficerTitle,
				isOfficer: ro.ReportingOwner.IsOfficer, isDirector: ro.ReportingOwner.IsDirector,
				isTenPercentOwner: ro.ReportingOwner.IsTenPercentOwner,
				buy: buyRoll, sell: sellRoll,
				nonOpenMarketRowCount: nonOpenMarketRowCount, derivativeRowCount: derivativeRowCount,
				parseVersion: cfg.CurrentParseVersion, now: now,
				marketCap: marketCap,
			}); err != nil {
				return err
			}
		}

		if ticker.Valid && ticker.String != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE insider_events SET ticker = ? WHERE issuer_cik = ?`, ticker.String, issuerCIK,
			); err != nil {
				return fmt.Errorf("aggregator: normalize ticker: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return eventKeys, nil
}

func distinctOwnerKeys(ctx context.Context, db *sql.DB, issuerCIK, accessionNumber string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT owner_key FROM form4_rows_raw WHERE accession_number = ? AND issuer_cik = ?`,
		accessionNumber, issuerCIK,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregator: list owner keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func loadRows(ctx context.Context, tx *sql.Tx, issuerCIK, accessionNumber, ownerKey string) ([]RawRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT row_id, owner_cik, owner_name_raw, owner_name_normalized,
		       is_derivative, transaction_code, transaction_date,
		       shares_abs, price_parsed, shares_owned_following, raw_payload_json
		FROM form4_rows_raw
		WHERE accession_number = ? AND issuer_cik = ? AND owner_key = ?
		ORDER BY row_order`,
		accessionNumber, issuerCIK, ownerKey,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregator: load rows: %w", err)
	}
	defer rows.Close()

	var out []RawRow
	for rows.Next() {
		var r RawRow
		var isDerivative int
		var ownerCIK, ownerNameRaw, ownerNameNormalized, txCode, txDate, payload sql.NullString
		if err := rows.Scan(&r.RowID, &ownerCIK, &ownerNameRaw, &ownerNameNormalized,
			&isDerivative, &txCode, &txDate, &r.SharesAbs, &r.PriceParsed,
			&r.SharesOwnedFollowing, &payload); err != nil {
			return nil, err
		}
		r.OwnerCIK = ownerCIK.String
		r.OwnerNameRaw = ownerNameRaw.String
		r.OwnerNameNormalized = ownerNameNormalized.String
		r.IsDerivative = isDerivative != 0
		r.TransactionCode = txCode.String
		r.TransactionDate = txDate.String
		r.RawPayloadJSON = payload.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// rollupSide rolls up open-market non-derivative rows for one side.
// Derivative rows are excluded even when transaction-coded P or S:
// the derivative table records rights/options activity, not open
// market common-stock trades, so it never feeds the buy/sell rollup.
//
// pct_holdings_change is stored as a PERCENT (190.1 means +190.1%),
// not a ratio.
func rollupSide(rows []RawRow, code string) SideRollup {
	var side []RawRow
	for _, r := range rows {
		if !r.IsDerivative && r.TransactionCode == code {
			side = append(side, r)
		}
	}
	if len(side) == 0 {
		return SideRollup{Has: false}
	}

	tradeDate, lastTxDate := "", ""
	for _, r := range side {
		if r.TransactionDate == "" {
			continue
		}
		if tradeDate == "" || r.TransactionDate < tradeDate {
			tradeDate = r.TransactionDate
		}
		if lastTxDate == "" || r.TransactionDate > lastTxDate {
			lastTxDate = r.TransactionDate
		}
	}

	var sharesTotal float64
	haveShares := false
	for _, r := range side {
		if r.SharesAbs.Valid {
			sharesTotal += r.SharesAbs.Float64
			haveShares = true
		}
	}

	var pricedSharesTotal, dollarsTotal float64
	for _, r := range side {
		if r.SharesAbs.Valid && r.PriceParsed.Valid && r.PriceParsed.Float64 > 0 {
			pricedSharesTotal += r.SharesAbs.Float64
			dollarsTotal += r.SharesAbs.Float64 * r.PriceParsed.Float64
		}
	}

	var unpricedSharesTotal sql.NullFloat64
	if haveShares {
		unpricedSharesTotal = sql.NullFloat64{Float64: sharesTotal - pricedSharesTotal, Valid: true}
	}

	var vwapPrice sql.NullFloat64
	if pricedSharesTotal > 0 {
		vwapPrice = sql.NullFloat64{Float64: dollarsTotal / pricedSharesTotal, Valid: true}
	}

	vwapIsPartial := false
	if haveShares && sharesTotal > 0 {
		vwapIsPartial = pricedSharesTotal < sharesTotal
	}

	// shares_owned_following comes from the LAST transaction row by
	// (date, row_id), not max(shares_owned_following): multiple legs
	// in one filing can make the numeric max wrong.
	var sharesOwnedFollowing sql.NullFloat64
	sofCandidates := make([]RawRow, 0, len(side))
	for _, r := range side {
		if r.SharesOwnedFollowing.Valid {
			sofCandidates = append(sofCandidates, r)
		}
	}
	if len(sofCandidates) > 0 {
		sort.SliceStable(sofCandidates, func(i, j int) bool {
			if sofCandidates[i].TransactionDate != sofCandidates[j].TransactionDate {
				return sofCandidates[i].TransactionDate < sofCandidates[j].TransactionDate
			}
			return sofCandidates[i].RowID < sofCandidates[j].RowID
		})
		last := sofCandidates[len(sofCandidates)-1]
		sharesOwnedFollowing = last.SharesOwnedFollowing
	}

	var pctChange sql.NullFloat64
	missingReason := ""

	switch {
	case !haveShares || sharesTotal <= 0:
		missingReason = "missing_shares_total"
	case !sharesOwnedFollowing.Valid:
		missingReason = "missing_shares_owned_following"
	default:
		// Buy:  after = before + bought => before = after - bought
		// Sell: after = before - sold  => before = after + sold
		var sharesBefore float64
		switch code {
		case "P":
			sharesBefore = sharesOwnedFollowing.Float64 - sharesTotal
		case "S":
			sharesBefore = sharesOwnedFollowing.Float64 + sharesTotal
		}
		if sharesBefore <= 0 {
			missingReason = "nonpositive_shares_before"
		} else {
			pctChange = sql.NullFloat64{Float64: (sharesTotal / sharesBefore) * 100.0, Valid: true}
		}
	}

	result := SideRollup{
		Has:                  true,
		TradeDate:            tradeDate,
		LastTxDate:           lastTxDate,
		VWAPPrice:            vwapPrice,
		VWAPIsPartial:        vwapIsPartial,
		SharesOwnedFollowing: sharesOwnedFollowing,
		PctHoldingsChange:    pctChange,
		MissingReason:        missingReason,
	}
	if haveShares {
		result.SharesTotal = sql.NullFloat64{Float64: sharesTotal, Valid: true}
	}
	if pricedSharesTotal > 0 {
		result.DollarsTotal = sql.NullFloat64{Float64: dollarsTotal, Valid: true}
	}
	result.PricedSharesTotal = pricedSharesTotal
	result.UnpricedSharesTotal = unpricedSharesTotal

	return result
}

func nullableString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

type upsertParams struct {
	issuerCIK, ownerKey, accessionNumber string
	ticker, filingDate, eventTradeDate   string
	ownerCIK, ownerNameDisplay, ownerTitle string
	isOfficer, isDirector, isTenPercentOwner *bool

	buy, sell SideRollup

	nonOpenMarketRowCount, derivativeRowCount int
	parseVersion                              int
	now                                        string

	marketCap sql.NullFloat64
}

func boolPtrToInt(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	if *b {
		return sql.NullInt64{Int64: 1, Valid: true}
	}
	return sql.NullInt64{Int64: 0, Valid: true}
}

func upsertEvent(tx *sql.Tx, p upsertParams) error {
	_, err := tx.Exec(`
		INSERT INTO insider_events (
			issuer_cik, owner_key, accession_number,
			ticker, filing_date, event_trade_date,
			owner_cik, owner_name_display, owner_title,
			is_officer, is_director, is_ten_percent_owner,

			has_buy, buy_trade_date, buy_last_tx_date,
			buy_shares_total, buy_priced_shares_total, buy_dollars_total,
			buy_vwap_price, buy_vwap_is_partial,
			buy_shares_owned_following, buy_pct_holdings_change, buy_missing_reason,

			has_sell, sell_trade_date, sell_last_tx_date,
			sell_shares_total, sell_priced_shares_total, sell_dollars_total,
			sell_vwap_price, sell_vwap_is_partial,
			sell_shares_owned_following, sell_pct_holdings_change, sell_missing_reason,

			non_open_market_row_count, derivative_row_count,

			market_cap_snapshot,
			event_computed_at
		) VALUES (
			?, ?, ?,
			?, ?, ?,
			?, ?, ?,
			?, ?, ?,

			?, ?, ?,
			?, ?, ?,
			?, ?,
			?, ?, ?,

			?, ?, ?,
			?, ?, ?,
			?, ?,
			?, ?, ?,

			?, ?,

			?,
			?
		)
		ON CONFLICT(issuer_cik, owner_key, accession_number) DO UPDATE SET
			ticker = excluded.ticker,
			filing_date = excluded.filing_date,
			event_trade_date = excluded.event_trade_date,

			owner_cik = excluded.owner_cik,
			owner_name_display = excluded.owner_name_display,
			owner_title = excluded.owner_title,
			is_officer = excluded.is_officer,
			is_director = excluded.is_director,
			is_ten_percent_owner = excluded.is_ten_percent_owner,

			has_buy = excluded.has_buy,
			buy_trade_date = excluded.buy_trade_date,
			buy_last_tx_date = excluded.buy_last_tx_date,
			buy_shares_total = excluded.buy_shares_total,
			buy_priced_shares_total = excluded.buy_priced_shares_total,
			buy_dollars_total = excluded.buy_dollars_total,
			buy_vwap_price = excluded.buy_vwap_price,
			buy_vwap_is_partial = excluded.buy_vwap_is_partial,
			buy_shares_owned_following = excluded.buy_shares_owned_following,
			buy_pct_holdings_change = excluded.buy_pct_holdings_change,
			buy_missing_reason = excluded.buy_missing_reason,

			has_sell = excluded.has_sell,
			sell_trade_date = excluded.sell_trade_date,
			sell_last_tx_date = excluded.sell_last_tx_date,
			sell_shares_total = excluded.sell_shares_total,
			sell_priced_shares_total = excluded.sell_priced_shares_total,
			sell_dollars_total = excluded.sell_dollars_total,
			sell_vwap_price = excluded.sell_vwap_price,
			sell_vwap_is_partial = excluded.sell_vwap_is_partial,
			sell_shares_owned_following = excluded.sell_shares_owned_following,
			sell_pct_holdings_change = excluded.sell_pct_holdings_change,
			sell_missing_reason = excluded.sell_missing_reason,

			non_open_market_row_count = excluded.non_open_market_row_count,
			derivative_row_count = excluded.derivative_row_count,

			event_computed_at = excluded.event_computed_at,

			-- force downstream recompute
			trend_computed_at = NULL, trend_anchor_trading_date = NULL, trend_close = NULL,
			trend_ret_20d = NULL, trend_ret_60d = NULL, trend_dist_52w_high = NULL,
			trend_dist_52w_low = NULL, trend_above_sma_50 = NULL, trend_above_sma_200 = NULL,
			trend_missing_reason = NULL, trend_version = NULL,

			outcomes_computed_at = NULL, outcomes_version = NULL,
			stats_computed_at = NULL, stats_version = NULL,

			cluster_flag_buy = 0, cluster_id_buy = NULL,
			cluster_flag_sell = 0, cluster_id_sell = NULL,
			cluster_computed_at = NULL, cluster_version = NULL,

			ai_buy_rating = NULL, ai_sell_rating = NULL, ai_confidence = NULL,
			ai_model_id = NULL, ai_prompt_version = NULL, ai_generated_at = NULL, ai_computed_at = NULL,

			market_cap_snapshot = COALESCE(excluded.market_cap_snapshot, insider_events.market_cap_snapshot)
	`,
		p.issuerCIK, p.ownerKey, p.accessionNumber,
		nullIfEmpty(p.ticker), nullIfEmpty(p.filingDate), nullIfEmpty(p.eventTradeDate),
		nullIfEmpty(p.ownerCIK), nullIfEmpty(p.ownerNameDisplay), nullIfEmpty(p.ownerTitle),
		boolPtrToInt(p.isOfficer), boolPtrToInt(p.isDirector), boolPtrToInt(p.isTenPercentOwner),

		p.buy.Has, nullIfEmpty(p.buy.TradeDate), nullIfEmpty(p.buy.LastTxDate),
		p.buy.SharesTotal, p.buy.PricedSharesTotal, p.buy.DollarsTotal,
		p.buy.VWAPPrice, p.buy.VWAPIsPartial,
		p.buy.SharesOwnedFollowing, p.buy.PctHoldingsChange, nullIfEmpty(p.buy.MissingReason),

		p.sell.Has, nullIfEmpty(p.sell.TradeDate), nullIfEmpty(p.sell.LastTxDate),
		p.sell.SharesTotal, p.sell.PricedSharesTotal, p.sell.DollarsTotal,
		p.sell.VWAPPrice, p.sell.VWAPIsPartial,
		p.sell.SharesOwnedFollowing, p.sell.PctHoldingsChange, nullIfEmpty(p.sell.MissingReason),

		p.nonOpenMarketRowCount, p.derivativeRowCount,

		p.marketCap,
		p.now,
	)
	if err != nil {
		return fmt.Errorf("aggregator: upsert event: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
