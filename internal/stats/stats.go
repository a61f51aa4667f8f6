// Package stats recomputes an owner's per-issuer, per-side track
// record from event_outcomes: win rate and average return, measured
// over excess returns (trade return minus benchmark return) so the
// figures reflect outperformance against the configured benchmark
// rather than raw market drift.
package stats

import (
	"context"
	"database/sql"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/insiderwatch/pipeline/internal/pipeline"
)

// Config carries the version stamp written alongside every
// recomputed stats row, so a future algorithm change can force a
// recompute across the table.
type Config struct {
	CurrentStatsVersion int
}

// ComputeForOwnerIssuer rebuilds insider_issuer_stats for both sides
// of one owner's history at one issuer, then stamps stats_computed_at
// on every event row in that (issuer, owner) pair so the AI stage can
// gate on "are stats fresh" without re-deriving it.
func ComputeForOwnerIssuer(ctx context.Context, db *sql.DB, cfg Config, key pipeline.OwnerIssuerKey) error {
	now := pipeline.UTCNowISO()

	for _, side := range []pipeline.Side{pipeline.SideBuy, pipeline.SideSell} {
		n60, win60, avg60, err := sideStats(ctx, db, key, side, "excess_return_60d")
		if err != nil {
			return fmt.Errorf("stats: load 60d: %w", err)
		}
		n180, win180, avg180, err := sideStats(ctx, db, key, side, "excess_return_180d")
		if err != nil {
			return fmt.Errorf("stats: load 180d: %w", err)
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO insider_issuer_stats (
				issuer_cik, owner_key, side,
				eligible_n_60d, win_rate_60d, avg_return_60d,
				eligible_n_180d, win_rate_180d, avg_return_180d,
				stats_version, computed_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(issuer_cik, owner_key, side) DO UPDATE SET
				eligible_n_60d = excluded.eligible_n_60d,
				win_rate_60d = excluded.win_rate_60d,
				avg_return_60d = excluded.avg_return_60d,
				eligible_n_180d = excluded.eligible_n_180d,
				win_rate_180d = excluded.win_rate_180d,
				avg_return_180d = excluded.avg_return_180d,
				stats_version = excluded.stats_version,
				computed_at = excluded.computed_at`,
			key.IssuerCIK, key.OwnerKey, string(side),
			n60, win60, avg60,
			n180, win180, avg180,
			cfg.CurrentStatsVersion, now,
		)
		if err != nil {
			return fmt.Errorf("stats: upsert %s: %w", side, err)
		}
	}

	_, err := db.ExecContext(ctx,
		`UPDATE insider_events SET stats_computed_at = ? WHERE issuer_cik = ? AND owner_key = ?`,
		now, key.IssuerCIK, key.OwnerKey,
	)
	if err != nil {
		return fmt.Errorf("stats: stamp events: %w", err)
	}
	return nil
}

// sideStats returns the eligible count, win rate, and mean over the
// named excess-return column for one side. win_rate/avg are left null
// (not zero) when there's no eligible history, so an owner with no
// track record reads as "unknown", not "0% win rate".
func sideStats(ctx context.Context, db *sql.DB, key pipeline.OwnerIssuerKey, side pipeline.Side, column string) (n int, winRate, avg sql.NullFloat64, err error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM event_outcomes
		WHERE issuer_cik = ? AND owner_key = ? AND side = ? AND %s IS NOT NULL`, column, column),
		key.IssuerCIK, key.OwnerKey, string(side),
	)
	if err != nil {
		return 0, winRate, avg, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return 0, winRate, avg, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return 0, winRate, avg, err
	}

	n = len(values)
	if n == 0 {
		return 0, winRate, avg, nil
	}

	wins := 0
	for _, v := range values {
		if v > 0 {
			wins++
		}
	}
	winRate = sql.NullFloat64{Float64: float64(wins) / float64(n), Valid: true}
	avg = sql.NullFloat64{Float64: stat.Mean(values, nil), Valid: true}
	return n, winRate, avg, nil
}
