package external

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// BucketMarketCap classifies a market cap into the same buckets the
// baseline scorer and the prompt's scale guidance reason about.
func BucketMarketCap(marketCap *float64) string {
	if marketCap == nil {
		return "unknown"
	}
	switch {
	case *marketCap < 300_000_000:
		return "micro"
	case *marketCap < 2_000_000_000:
		return "small"
	case *marketCap < 10_000_000_000:
		return "mid"
	case *marketCap < 200_000_000_000:
		return "large"
	default:
		return "mega"
	}
}

// FetchAndStoreFundamentals refreshes issuer_fundamentals_cache and
// market_cap_cache for ticker unless a fresh-enough row already
// exists. The raw vendor payload is kept (msgpack-encoded) alongside
// the extracted highlight fields so later analysis can add fields
// without a re-fetch.
func FetchAndStoreFundamentals(ctx context.Context, db *sql.DB, client *Client, cfg Config, ticker string, now time.Time) error {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if t == "" {
		return fmt.Errorf("external: ticker is blank")
	}

	var updatedAt sql.NullString
	err := db.QueryRowContext(ctx, `SELECT updated_at FROM issuer_fundamentals_cache WHERE ticker=?`, t).Scan(&updatedAt)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("external: check fundamentals cache: %w", err)
	}
	if err == nil && !isStale(updatedAt, cfg.MarketCapMaxAgeDays, now) {
		return nil
	}

	symbol, err := client.ResolveSymbol(ctx, t)
	if err != nil {
		return err
	}
	payload, err := client.FetchFundamentals(ctx, symbol)
	if err != nil {
		return err
	}

	highlights, _ := payload["Highlights"].(map[string]any)
	sharesStats, _ := payload["SharesStats"].(map[string]any)
	general, _ := payload["General"].(map[string]any)
	technicals, _ := payload["Technicals"].(map[string]any)

	marketCap := toFloat(firstNonNil(highlights, "MarketCapitalization", "MarketCapitalizationUSD", "MarketCapitalizationUsd"))
	peRatio := toFloat(firstNonNil(highlights, "PERatio", "PeRatio", "peRatio"))
	eps := toFloat(firstNonNil(highlights, "EarningsShare", "EPS", "Eps", "eps"))
	sharesOutstanding := toFloat(firstNonNil(sharesStats, "SharesOutstanding"))
	if sharesOutstanding == nil {
		sharesOutstanding = toFloat(firstNonNil(highlights, "SharesOutstanding"))
	}
	if sharesOutstanding == nil {
		sharesOutstanding = toFloat(payload["SharesOutstanding"])
	}
	sector := strings.TrimSpace(stringField(general, "Sector", "sector"))
	beta := toFloat(firstNonNil(technicals, "Beta", "beta"))

	rawPayload, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("external: encode fundamentals payload: %w", err)
	}

	nowStr := now.UTC().Format(time.RFC3339)
	bucket := BucketMarketCap(marketCap)

	_, err = db.ExecContext(ctx, `
		INSERT INTO issuer_fundamentals_cache
			(ticker, eodhd_symbol, market_cap, pe_ratio, eps, shares_outstanding, sector, beta, raw_vendor_payload, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(ticker) DO UPDATE SET
			eodhd_symbol=excluded.eodhd_symbol,
			market_cap=excluded.market_cap,
			pe_ratio=excluded.pe_ratio,
			eps=excluded.eps,
			shares_outstanding=excluded.shares_outstanding,
			sector=excluded.sector,
			beta=excluded.beta,
			raw_vendor_payload=excluded.raw_vendor_payload,
			updated_at=excluded.updated_at`,
		t, symbol, nullFloat(marketCap), nullFloat(peRatio), nullFloat(eps), nullFloat(sharesOutstanding),
		nullString(sector), nullFloat(beta), rawPayload, nowStr,
	)
	if err != nil {
		return fmt.Errorf("external: upsert issuer_fundamentals_cache: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO market_cap_cache (ticker, market_cap, market_cap_bucket, market_cap_source, market_cap_updated_at)
		VALUES (?,?,?,'eodhd',?)
		ON CONFLICT(ticker) DO UPDATE SET
			market_cap=excluded.market_cap,
			market_cap_bucket=excluded.market_cap_bucket,
			market_cap_source=excluded.market_cap_source,
			market_cap_updated_at=excluded.market_cap_updated_at`,
		t, nullFloat(marketCap), bucket, nowStr,
	)
	if err != nil {
		return fmt.Errorf("external: upsert market_cap_cache: %w", err)
	}
	return nil
}

func isStale(ts sql.NullString, maxAgeDays int, now time.Time) bool {
	if !ts.Valid || ts.String == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return true
	}
	return now.Sub(t) > time.Duration(maxAgeDays)*24*time.Hour
}

func firstNonNil(m map[string]any, keys ...string) any {
	if m == nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toFloat(v any) *float64 {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case float64:
		return &x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Valid: true, Float64: *v}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: s}
}
