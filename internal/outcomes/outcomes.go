// Package outcomes computes +60/+180 trading-day forward returns for
// each side of an insider event, plus the same horizons on a
// benchmark symbol so a stats/cluster consumer can work off excess
// (trade minus benchmark) return rather than raw market drift.
package outcomes

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/insiderwatch/pipeline/internal/pipeline"
	"github.com/insiderwatch/pipeline/internal/priceseries"
	"github.com/insiderwatch/pipeline/internal/queue"
)

const (
	horizon60  = 60
	horizon180 = 180
)

// Config carries the benchmark symbol and outcomes version stamp.
type Config struct {
	BenchmarkSymbol        string
	CurrentOutcomesVersion int
}

type eventRow struct {
	issuerCIK     string
	buyTradeDate  sql.NullString
	sellTradeDate sql.NullString
	buyVWAP       sql.NullFloat64
	sellVWAP      sql.NullFloat64
	hasBuy        bool
	hasSell       bool
}

// Compute fills event_outcomes for both sides of one event and stamps
// outcomes_computed_at. A side with no activity has its outcome row
// deleted rather than left stale, so a later query can't mistake an
// old buy-side outcome for a sell-side one after reaggregation flips
// which sides are active.
func Compute(ctx context.Context, db *sql.DB, cfg Config, key pipeline.EventKey) error {
	ev, err := loadEvent(ctx, db, key)
	if err != nil {
		return err
	}

	issuerSeries, err := priceseries.LoadIssuer(ctx, db, ev.issuerCIK)
	if err != nil {
		return fmt.Errorf("outcomes: load issuer series: %w", err)
	}

	benchSymbol := resolveBenchmarkSymbol(ctx, db, cfg)
	benchSeries, err := priceseries.LoadBenchmark(ctx, db, benchSymbol)
	if err != nil {
		return fmt.Errorf("outcomes: load benchmark series: %w", err)
	}
	if len(benchSeries) == 0 {
		if err := queue.Enqueue(ctx, db, queue.EnqueueParams{
			JobType:   queue.JobFetchBenchmarkPrices,
			DedupeKey: queue.DedupeFetchBenchmarkPrices(benchSymbol),
			Payload:   map[string]any{"symbol": benchSymbol},
			Priority:  120,
		}); err != nil {
			return fmt.Errorf("outcomes: enqueue benchmark fetch: %w", err)
		}
	}

	if len(issuerSeries) == 0 {
		benchMissing := ""
		if len(benchSeries) == 0 {
			benchMissing = "missing_benchmark_series"
		}
		if ev.hasBuy {
			if err := upsertMissing(ctx, db, cfg, key, pipeline.SideBuy, ev.buyTradeDate, ev.buyVWAP, "missing_price_series", benchSymbol, benchMissing); err != nil {
				return err
			}
		}
		if ev.hasSell {
			if err := upsertMissing(ctx, db, cfg, key, pipeline.SideSell, ev.sellTradeDate, ev.sellVWAP, "missing_price_series", benchSymbol, benchMissing); err != nil {
				return err
			}
		}
		return touchEvent(ctx, db, key)
	}

	if ev.hasBuy {
		if err := computeSide(ctx, db, cfg, key, pipeline.SideBuy, ev.buyTradeDate, ev.buyVWAP, issuerSeries, benchSymbol, benchSeries); err != nil {
			return err
		}
	} else if err := deleteOutcomes(ctx, db, key, pipeline.SideBuy); err != nil {
		return err
	}

	if ev.hasSell {
		if err := computeSide(ctx, db, cfg, key, pipeline.SideSell, ev.sellTradeDate, ev.sellVWAP, issuerSeries, benchSymbol, benchSeries); err != nil {
			return err
		}
	} else if err := deleteOutcomes(ctx, db, key, pipeline.SideSell); err != nil {
		return err
	}

	return touchEvent(ctx, db, key)
}

func loadEvent(ctx context.Context, db *sql.DB, key pipeline.EventKey) (eventRow, error) {
	var ev eventRow
	var hasBuy, hasSell int
	err := db.QueryRowContext(ctx, `
		SELECT issuer_cik, buy_trade_date, sell_trade_date, buy_vwap_price, sell_vwap_price, has_buy, has_sell
		FROM insider_events WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	).Scan(&ev.issuerCIK, &ev.buyTradeDate, &ev.sellTradeDate, &ev.buyVWAP, &ev.sellVWAP, &hasBuy, &hasSell)
	if err == sql.ErrNoRows {
		return ev, fmt.Errorf("outcomes: event not found: %+v", key)
	}
	if err != nil {
		return ev, fmt.Errorf("outcomes: load event: %w", err)
	}
	ev.hasBuy = hasBuy == 1
	ev.hasSell = hasSell == 1
	return ev, nil
}

func resolveBenchmarkSymbol(ctx context.Context, db *sql.DB, cfg Config) string {
	var resolved sql.NullString
	_ = db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = 'benchmark_symbol_resolved'`).Scan(&resolved)
	if resolved.Valid && strings.TrimSpace(resolved.String) != "" {
		return strings.TrimSpace(resolved.String)
	}
	if strings.TrimSpace(cfg.BenchmarkSymbol) != "" {
		return strings.TrimSpace(cfg.BenchmarkSymbol)
	}
	return "SPY.US"
}

func computeSide(ctx context.Context, db *sql.DB, cfg Config, key pipeline.EventKey, side pipeline.Side,
	tradeDate sql.NullString, p0 sql.NullFloat64, issuerSeries []priceseries.Point, benchSymbol string, benchSeries []priceseries.Point) error {

	benchMissingAll := ""
	if len(benchSeries) == 0 {
		benchMissingAll = "missing_benchmark_series"
	}

	if !tradeDate.Valid || tradeDate.String == "" {
		return upsertMissing(ctx, db, cfg, key, side, tradeDate, p0, "missing_trade_date", benchSymbol, benchMissingAll)
	}
	if !p0.Valid || p0.Float64 <= 0 {
		return upsertMissing(ctx, db, cfg, key, side, tradeDate, p0, "missing_or_bad_p0", benchSymbol, benchMissingAll)
	}

	i := priceseries.FindAnchorIndex(issuerSeries, tradeDate.String)
	if i == -1 {
		return upsertMissing(ctx, db, cfg, key, side, tradeDate, p0, "anchor_not_found", benchSymbol, benchMissingAll)
	}

	anchorDate := issuerSeries[i].Date
	p0f := p0.Float64

	fd60, fp60, ret60, reason60 := forwardReturn(issuerSeries, i, horizon60, p0f, side)
	fd180, fp180, ret180, reason180 := forwardReturn(issuerSeries, i, horizon180, p0f, side)

	var benchRet60, benchRet180 sql.NullFloat64
	var benchReason60, benchReason180 string

	if len(benchSeries) == 0 {
		benchReason60, benchReason180 = "missing_benchmark_series", "missing_benchmark_series"
	} else {
		bi := priceseries.FindAnchorIndex(benchSeries, tradeDate.String)
		if bi == -1 {
			benchReason60, benchReason180 = "benchmark_anchor_not_found", "benchmark_anchor_not_found"
		} else {
			b0 := benchSeries[bi].Close
			if b0 <= 0 {
				benchReason60, benchReason180 = "benchmark_bad_p0", "benchmark_bad_p0"
			} else {
				if bi+horizon60 < len(benchSeries) {
					benchRet60 = sql.NullFloat64{Float64: benchReturn(b0, benchSeries[bi+horizon60].Close, side), Valid: true}
				} else {
					benchReason60 = "insufficient_benchmark_future_data"
				}
				if bi+horizon180 < len(benchSeries) {
					benchRet180 = sql.NullFloat64{Float64: benchReturn(b0, benchSeries[bi+horizon180].Close, side), Valid: true}
				} else {
					benchReason180 = "insufficient_benchmark_future_data"
				}
			}
		}
	}

	var excess60, excess180 sql.NullFloat64
	if ret60.Valid && benchRet60.Valid {
		excess60 = sql.NullFloat64{Float64: ret60.Float64 - benchRet60.Float64, Valid: true}
	}
	if ret180.Valid && benchRet180.Valid {
		excess180 = sql.NullFloat64{Float64: ret180.Float64 - benchRet180.Float64, Valid: true}
	}

	now := pipeline.UTCNowISO()
	_, err := db.ExecContext(ctx, `
		INSERT INTO event_outcomes (
			issuer_cik, owner_key, accession_number, side,
			trade_date, anchor_trading_date, p0,
			future_date_60d, price_60d, return_60d, missing_reason_60d,
			future_date_180d, price_180d, return_180d, missing_reason_180d,
			benchmark_symbol, bench_return_60d, bench_missing_reason_60d, excess_return_60d,
			bench_return_180d, bench_missing_reason_180d, excess_return_180d,
			outcomes_version, computed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(issuer_cik, owner_key, accession_number, side) DO UPDATE SET
			trade_date = excluded.trade_date,
			anchor_trading_date = excluded.anchor_trading_date,
			p0 = excluded.p0,
			future_date_60d = excluded.future_date_60d,
			price_60d = excluded.price_60d,
			return_60d = excluded.return_60d,
			missing_reason_60d = excluded.missing_reason_60d,
			future_date_180d = excluded.future_date_180d,
			price_180d = excluded.price_180d,
			return_180d = excluded.return_180d,
			missing_reason_180d = excluded.missing_reason_180d,
			benchmark_symbol = excluded.benchmark_symbol,
			bench_return_60d = excluded.bench_return_60d,
			bench_missing_reason_60d = excluded.bench_missing_reason_60d,
			excess_return_60d = excluded.excess_return_60d,
			bench_return_180d = excluded.bench_return_180d,
			bench_missing_reason_180d = excluded.bench_missing_reason_180d,
			excess_return_180d = excluded.excess_return_180d,
			outcomes_version = excluded.outcomes_version,
			computed_at = excluded.computed_at`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber, string(side),
		tradeDate.String, anchorDate, p0f,
		nullableString(fd60), nullableFloat(fp60, ret60.Valid), ret60, nullableString(reason60),
		nullableString(fd180), nullableFloat(fp180, ret180.Valid), ret180, nullableString(reason180),
		benchSymbol, benchRet60, nullableString(benchReason60), excess60,
		benchRet180, nullableString(benchReason180), excess180,
		cfg.CurrentOutcomesVersion, now,
	)
	if err != nil {
		return fmt.Errorf("outcomes: upsert %s: %w", side, err)
	}
	return nil
}

// forwardReturn computes the return from index i to i+horizon trading
// days ahead, applying the side's sign convention. Returns a non-nil
// missing reason when there isn't that much future price history yet.
func forwardReturn(series []priceseries.Point, i, horizon int, p0 float64, side pipeline.Side) (futureDate string, futurePrice float64, ret sql.NullFloat64, missingReason string) {
	if i+horizon >= len(series) {
		return "", 0, sql.NullFloat64{}, "insufficient_future_data"
	}
	fp := series[i+horizon].Close
	fd := series[i+horizon].Date
	var r float64
	if side == pipeline.SideBuy {
		r = (fp / p0) - 1.0
	} else {
		r = (p0 - fp) / p0
	}
	return fd, fp, sql.NullFloat64{Float64: r, Valid: true}, ""
}

// benchReturn applies the same short-bias sign convention to the
// benchmark leg as to the trade leg, so excess_return is always
// "trade outperformance vs benchmark" regardless of side.
func benchReturn(b0, bf float64, side pipeline.Side) float64 {
	if side == pipeline.SideBuy {
		return (bf / b0) - 1.0
	}
	return (b0 - bf) / b0
}

func upsertMissing(ctx context.Context, db *sql.DB, cfg Config, key pipeline.EventKey, side pipeline.Side,
	tradeDate sql.NullString, p0 sql.NullFloat64, reason, benchSymbol, benchMissingReason string) error {

	now := pipeline.UTCNowISO()
	var p0Val sql.NullFloat64
	if p0.Valid {
		p0Val = p0
	}
	var td sql.NullString
	if tradeDate.Valid {
		td = tradeDate
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO event_outcomes (
			issuer_cik, owner_key, accession_number, side,
			trade_date, anchor_trading_date, p0,
			future_date_60d, price_60d, return_60d, missing_reason_60d,
			future_date_180d, price_180d, return_180d, missing_reason_180d,
			benchmark_symbol, bench_return_60d, bench_missing_reason_60d, excess_return_60d,
			bench_return_180d, bench_missing_reason_180d, excess_return_180d,
			outcomes_version, computed_at
		) VALUES (?,?,?,?,?,NULL,?,NULL,NULL,NULL,?,NULL,NULL,NULL,?,?,NULL,?,NULL,NULL,?,NULL,?,?)
		ON CONFLICT(issuer_cik, owner_key, accession_number, side) DO UPDATE SET
			trade_date = excluded.trade_date,
			anchor_trading_date = NULL,
			p0 = excluded.p0,
			future_date_60d = NULL, price_60d = NULL, return_60d = NULL, missing_reason_60d = excluded.missing_reason_60d,
			future_date_180d = NULL, price_180d = NULL, return_180d = NULL, missing_reason_180d = excluded.missing_reason_180d,
			benchmark_symbol = excluded.benchmark_symbol,
			bench_return_60d = NULL, bench_missing_reason_60d = excluded.bench_missing_reason_60d, excess_return_60d = NULL,
			bench_return_180d = NULL, bench_missing_reason_180d = excluded.bench_missing_reason_180d, excess_return_180d = NULL,
			outcomes_version = excluded.outcomes_version,
			computed_at = excluded.computed_at`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber, string(side),
		td, p0Val, reason,
		reason, benchSymbol, nullableString(benchMissingReason), nullableString(benchMissingReason),
		cfg.CurrentOutcomesVersion, now,
	)
	if err != nil {
		return fmt.Errorf("outcomes: upsert missing %s: %w", side, err)
	}
	return nil
}

func deleteOutcomes(ctx context.Context, db *sql.DB, key pipeline.EventKey, side pipeline.Side) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM event_outcomes WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ? AND side = ?`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber, string(side),
	)
	if err != nil {
		return fmt.Errorf("outcomes: delete %s: %w", side, err)
	}
	return nil
}

func touchEvent(ctx context.Context, db *sql.DB, key pipeline.EventKey) error {
	_, err := db.ExecContext(ctx,
		`UPDATE insider_events SET outcomes_computed_at = ? WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		pipeline.UTCNowISO(), key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	)
	return err
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableFloat(v float64, valid bool) sql.NullFloat64 {
	if !valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
