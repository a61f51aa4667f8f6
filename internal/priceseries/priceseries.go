// Package priceseries reads the cached daily close series for an
// issuer or a benchmark symbol, ordered ascending by trade date.
package priceseries

import (
	"context"
	"database/sql"
	"fmt"
)

// Point is one trading day's close.
type Point struct {
	Date  string
	Close float64
}

// LoadIssuer returns the issuer's cached daily closes ascending by
// date.
func LoadIssuer(ctx context.Context, db *sql.DB, issuerCIK string) ([]Point, error) {
	return load(ctx, db, `SELECT trade_date, close FROM issuer_prices WHERE issuer_cik = ? ORDER BY trade_date ASC`, issuerCIK)
}

// LoadBenchmark returns a benchmark symbol's cached daily closes
// ascending by date.
func LoadBenchmark(ctx context.Context, db *sql.DB, symbol string) ([]Point, error) {
	return load(ctx, db, `SELECT trade_date, close FROM benchmark_prices WHERE symbol = ? ORDER BY trade_date ASC`, symbol)
}

func load(ctx context.Context, db *sql.DB, query, key string) ([]Point, error) {
	rows, err := db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("priceseries: query: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Date, &p.Close); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertIssuerClose stores one issuer daily close, keeping the series
// idempotent across repeated gateway fetches.
func UpsertIssuerClose(ctx context.Context, db *sql.DB, issuerCIK, date string, close float64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO issuer_prices (issuer_cik, trade_date, close) VALUES (?, ?, ?)
		 ON CONFLICT(issuer_cik, trade_date) DO UPDATE SET close = excluded.close`,
		issuerCIK, date, close,
	)
	return err
}

// UpsertBenchmarkClose stores one benchmark daily close.
func UpsertBenchmarkClose(ctx context.Context, db *sql.DB, symbol, date string, close float64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO benchmark_prices (symbol, trade_date, close) VALUES (?, ?, ?)
		 ON CONFLICT(symbol, trade_date) DO UPDATE SET close = excluded.close`,
		symbol, date, close,
	)
	return err
}

// FindAnchorIndex returns the index of the first point whose date is
// >= anchor, or -1 if none qualifies.
func FindAnchorIndex(points []Point, anchor string) int {
	for i, p := range points {
		if p.Date >= anchor {
			return i
		}
	}
	return -1
}
