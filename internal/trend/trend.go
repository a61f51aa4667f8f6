// Package trend computes price-anchored context for an insider event:
// pre-event 20/60-day returns, 52-week high/low distance, and
// SMA-50/200 position, anchored at the first trading day on or after
// the event's earliest open-market trade date.
package trend

import (
	"context"
	"database/sql"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/insiderwatch/pipeline/internal/pipeline"
	"github.com/insiderwatch/pipeline/internal/priceseries"
)

const (
	sma50Period  = 50
	sma200Period = 200
	lookback52w  = 252
)

// Compute anchors on the event's earliest open-market trade date
// (preferring buy_trade_date/sell_trade_date over the filing-wide
// event_trade_date, so non-open-market rows in the same filing never
// shift the anchor) and writes the trend columns, or a missing_reason
// when there isn't enough price history.
func Compute(ctx context.Context, db *sql.DB, key pipeline.EventKey) error {
	var issuerCIK, eventTradeDate string
	var hasBuy, hasSell int
	var buyTradeDate, sellTradeDate sql.NullString

	err := db.QueryRowContext(ctx, `
		SELECT issuer_cik, event_trade_date, has_buy, has_sell, buy_trade_date, sell_trade_date
		FROM insider_events WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	).Scan(&issuerCIK, &eventTradeDate, &hasBuy, &hasSell, &buyTradeDate, &sellTradeDate)
	if err == sql.ErrNoRows {
		return fmt.Errorf("trend: event not found: %+v", key)
	}
	if err != nil {
		return fmt.Errorf("trend: load event: %w", err)
	}

	tradeDate := ""
	var openMarketDates []string
	if hasBuy == 1 && buyTradeDate.Valid && buyTradeDate.String != "" {
		openMarketDates = append(openMarketDates, buyTradeDate.String)
	}
	if hasSell == 1 && sellTradeDate.Valid && sellTradeDate.String != "" {
		openMarketDates = append(openMarketDates, sellTradeDate.String)
	}
	for _, d := range openMarketDates {
		if tradeDate == "" || d < tradeDate {
			tradeDate = d
		}
	}
	if tradeDate == "" {
		tradeDate = eventTradeDate
	}

	if tradeDate == "" {
		return setMissing(ctx, db, key, "missing_event_trade_date")
	}

	series, err := priceseries.LoadIssuer(ctx, db, issuerCIK)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		return setMissing(ctx, db, key, "missing_price_series")
	}

	i := priceseries.FindAnchorIndex(series, tradeDate)
	if i == -1 {
		return setMissing(ctx, db, key, "anchor_not_found")
	}

	switch {
	case i < sma200Period-1:
		return setMissing(ctx, db, key, "insufficient_history_for_sma200")
	case i < lookback52w-1:
		return setMissing(ctx, db, key, "insufficient_history_for_52w")
	case i < 60:
		return setMissing(ctx, db, key, "insufficient_history_for_60d")
	case i < 20:
		return setMissing(ctx, db, key, "insufficient_history_for_20d")
	}

	closes := make([]float64, len(series))
	for idx, p := range series {
		closes[idx] = p.Close
	}

	anchorDate := series[i].Date
	closeAnchor := closes[i]

	ret20 := (closeAnchor / closes[i-20]) - 1.0
	ret60 := (closeAnchor / closes[i-60]) - 1.0

	window := closes[i-lookback52w+1 : i+1]
	high52, low52 := window[0], window[0]
	for _, c := range window {
		if c > high52 {
			high52 = c
		}
		if c < low52 {
			low52 = c
		}
	}
	distHigh := (closeAnchor / high52) - 1.0
	distLow := (closeAnchor / low52) - 1.0

	sma50 := lastSMA(closes[:i+1], sma50Period)
	sma200 := lastSMA(closes[:i+1], sma200Period)
	aboveSMA50 := closeAnchor > sma50
	aboveSMA200 := closeAnchor > sma200

	now := pipeline.UTCNowISO()
	_, err = db.ExecContext(ctx, `
		UPDATE insider_events
		SET trend_anchor_trading_date = ?, trend_close = ?,
		    trend_ret_20d = ?, trend_ret_60d = ?,
		    trend_dist_52w_high = ?, trend_dist_52w_low = ?,
		    trend_above_sma_50 = ?, trend_above_sma_200 = ?,
		    trend_missing_reason = NULL,
		    trend_computed_at = ?
		WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		anchorDate, closeAnchor,
		ret20, ret60,
		distHigh, distLow,
		aboveSMA50, aboveSMA200,
		now,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	)
	if err != nil {
		return fmt.Errorf("trend: update event: %w", err)
	}
	return nil
}

// lastSMA returns the simple moving average ending at the last
// element of closes.
func lastSMA(closes []float64, period int) float64 {
	out := talib.Sma(closes, period)
	return out[len(out)-1]
}

func setMissing(ctx context.Context, db *sql.DB, key pipeline.EventKey, reason string) error {
	now := pipeline.UTCNowISO()
	_, err := db.ExecContext(ctx, `
		UPDATE insider_events
		SET trend_anchor_trading_date = NULL, trend_close = NULL,
		    trend_ret_20d = NULL, trend_ret_60d = NULL,
		    trend_dist_52w_high = NULL, trend_dist_52w_low = NULL,
		    trend_above_sma_50 = NULL, trend_above_sma_200 = NULL,
		    trend_missing_reason = ?,
		    trend_computed_at = ?
		WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		reason, now, key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	)
	if err != nil {
		return fmt.Errorf("trend: set missing: %w", err)
	}
	return nil
}
