package external

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/insiderwatch/pipeline/internal/priceseries"
)

// FetchAndStorePricesForIssuer resolves the issuer's current ticker to
// an EODHD symbol and upserts its daily adjusted-close series into
// issuer_prices. A prior max(trade_date) on file shrinks the fetch
// window to the trailing 30 days of overlap rather than refetching
// the full history, grounded on the original ingester's incremental
// refresh; upserts make the overlap safe either way.
func FetchAndStorePricesForIssuer(ctx context.Context, db *sql.DB, client *Client, issuerCIK string, now time.Time) (int, error) {
	var ticker sql.NullString
	err := db.QueryRowContext(ctx, `SELECT ticker FROM issuers WHERE issuer_cik = ?`, issuerCIK).Scan(&ticker)
	if err == sql.ErrNoRows || !ticker.Valid || strings.TrimSpace(ticker.String) == "" {
		return 0, fmt.Errorf("external: no ticker on file for issuer_cik=%s; cannot fetch prices", issuerCIK)
	}
	if err != nil {
		return 0, fmt.Errorf("external: load issuer ticker: %w", err)
	}

	symbol, err := client.ResolveSymbol(ctx, ticker.String)
	if err != nil {
		return 0, fmt.Errorf("external: resolve symbol for %s: %w", ticker.String, err)
	}

	start, err := priceSeriesStart(ctx, db, `SELECT MAX(trade_date) FROM issuer_prices WHERE issuer_cik = ?`, issuerCIK)
	if err != nil {
		return 0, err
	}
	end := now.UTC().Format("2006-01-02")

	points, err := client.FetchEODPrices(ctx, symbol, start, end)
	if err != nil {
		return 0, fmt.Errorf("external: fetch eod prices for %s: %w", symbol, err)
	}

	for _, p := range points {
		if err := priceseries.UpsertIssuerClose(ctx, db, issuerCIK, p.Date, p.AdjClose); err != nil {
			return 0, fmt.Errorf("external: upsert issuer price: %w", err)
		}
	}
	return len(points), nil
}

// FetchAndStoreBenchmarkPrices resolves symbol to an EODHD symbol and
// upserts its daily adjusted-close series into benchmark_prices. The
// resolved symbol is returned so callers can stamp it onto settings
// or outcome rows.
func FetchAndStoreBenchmarkPrices(ctx context.Context, db *sql.DB, client *Client, symbol string, now time.Time) (string, int, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return "", 0, fmt.Errorf("external: benchmark symbol is blank")
	}

	resolved, err := client.ResolveSymbol(ctx, symbol)
	if err != nil {
		return "", 0, fmt.Errorf("external: resolve benchmark symbol %s: %w", symbol, err)
	}

	start, err := priceSeriesStart(ctx, db, `SELECT MAX(trade_date) FROM benchmark_prices WHERE symbol = ?`, resolved)
	if err != nil {
		return "", 0, err
	}
	end := now.UTC().Format("2006-01-02")

	points, err := client.FetchEODPrices(ctx, resolved, start, end)
	if err != nil {
		return "", 0, fmt.Errorf("external: fetch eod benchmark prices for %s: %w", resolved, err)
	}

	for _, p := range points {
		if err := priceseries.UpsertBenchmarkClose(ctx, db, resolved, p.Date, p.AdjClose); err != nil {
			return "", 0, fmt.Errorf("external: upsert benchmark price: %w", err)
		}
	}
	return resolved, len(points), nil
}

// priceSeriesStart shrinks the fetch window to 30 days before the
// latest date already on file, falling back to a fixed floor when the
// series is empty or the date can't be parsed.
func priceSeriesStart(ctx context.Context, db *sql.DB, query, key string) (string, error) {
	var maxDate sql.NullString
	if err := db.QueryRowContext(ctx, query, key).Scan(&maxDate); err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("external: load max price date: %w", err)
	}
	if maxDate.Valid && maxDate.String != "" {
		if t, err := time.Parse("2006-01-02", maxDate.String); err == nil {
			return t.AddDate(0, 0, -30).Format("2006-01-02"), nil
		}
	}
	return "2000-01-01", nil
}
