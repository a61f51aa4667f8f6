// Package clusters detects coordinated insider activity: groups of
// same-direction trades from different filings on the same ticker
// within a 14-calendar-day window.
package clusters

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/insiderwatch/pipeline/internal/pipeline"
)

const windowDays = 14

// Config carries the version stamp written alongside every
// recomputed cluster.
type Config struct {
	CurrentClusterVersion int
}

type candidate struct {
	issuerCIK       string
	ownerKey        string
	accessionNumber string
	tradeDate       string
	dollars         float64
	isExec          bool
	pctChange       sql.NullFloat64
}

// ComputeForTicker rebuilds both sides' clusters for one ticker from
// scratch: existing cluster rows and event flags for the ticker are
// cleared first, so a recompute never leaves a stale cluster id
// behind after the underlying events changed shape.
func ComputeForTicker(ctx context.Context, db *sql.DB, cfg Config, ticker string) error {
	ticker = strings.TrimSpace(ticker)
	if ticker == "" {
		return fmt.Errorf("clusters: ticker is blank")
	}

	for _, side := range []pipeline.Side{pipeline.SideBuy, pipeline.SideSell} {
		if err := computeSide(ctx, db, cfg, ticker, side); err != nil {
			return fmt.Errorf("clusters: %s: %w", side, err)
		}
	}

	_, err := db.ExecContext(ctx, `UPDATE insider_events SET cluster_computed_at = ? WHERE ticker = ?`,
		pipeline.UTCNowISO(), ticker)
	if err != nil {
		return fmt.Errorf("clusters: stamp events: %w", err)
	}
	return nil
}

// computeSide sweeps trade_date-sorted candidates left to right.
// Each unassigned candidate anchors a 14-day window; if the window
// holds activity from two or more distinct filings, every unassigned
// candidate inside it becomes one cluster. This keeps clusters
// non-overlapping and each one's span within the 14-day bound by
// construction, at the cost of never merging two clusters whose
// anchors are more than 14 days apart even if their windows would
// otherwise touch.
func computeSide(ctx context.Context, db *sql.DB, cfg Config, ticker string, side pipeline.Side) error {
	if err := resetSide(ctx, db, ticker, side); err != nil {
		return err
	}

	candidates, err := loadCandidates(ctx, db, ticker, side)
	if err != nil {
		return err
	}
	if len(candidates) < 2 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].tradeDate < candidates[j].tradeDate })
	dates := make([]time.Time, len(candidates))
	for i, c := range candidates {
		d, err := time.Parse("2006-01-02", c.tradeDate)
		if err != nil {
			return fmt.Errorf("clusters: parse trade_date %q: %w", c.tradeDate, err)
		}
		dates[i] = d
	}

	assigned := make([]bool, len(candidates))
	now := pipeline.UTCNowISO()

	for i := 0; i < len(candidates); i++ {
		if assigned[i] {
			continue
		}
		windowEnd := dates[i].AddDate(0, 0, windowDays)

		var idxs []int
		for j := i; j < len(candidates) && !dates[j].After(windowEnd); j++ {
			if !assigned[j] {
				idxs = append(idxs, j)
			}
		}

		filings := map[string]bool{}
		for _, k := range idxs {
			filings[candidates[k].accessionNumber] = true
		}
		if len(filings) < 2 {
			continue
		}

		if err := buildCluster(ctx, db, cfg, ticker, side, candidates, idxs, filings, now); err != nil {
			return err
		}
		for _, k := range idxs {
			assigned[k] = true
		}
	}
	return nil
}

func buildCluster(ctx context.Context, db *sql.DB, cfg Config, ticker string, side pipeline.Side, candidates []candidate, idxs []int, filings map[string]bool, now string) error {
	windowStart := candidates[idxs[0]].tradeDate
	windowEnd := windowStart
	for _, k := range idxs {
		if candidates[k].tradeDate > windowEnd {
			windowEnd = candidates[k].tradeDate
		}
	}

	// A single accession can carry multiple reporting-owner rows;
	// dedupe dollars per filing so one trade isn't counted twice.
	dollarsByFiling := map[string]float64{}
	execsInvolved := false
	var pctVals []float64
	var members []string
	for _, k := range idxs {
		c := candidates[k]
		if c.dollars > dollarsByFiling[c.accessionNumber] {
			dollarsByFiling[c.accessionNumber] = c.dollars
		}
		if c.isExec {
			execsInvolved = true
		}
		if c.pctChange.Valid {
			pctVals = append(pctVals, c.pctChange.Float64)
		}
		members = append(members, c.issuerCIK+"|"+c.ownerKey+"|"+c.accessionNumber)
	}
	totalDollars := 0.0
	for _, d := range dollarsByFiling {
		totalDollars += d
	}
	var maxPct sql.NullFloat64
	if len(pctVals) > 0 {
		m := pctVals[0]
		for _, v := range pctVals[1:] {
			if v > m {
				m = v
			}
		}
		maxPct = sql.NullFloat64{Float64: m, Valid: true}
	}

	sort.Strings(members)
	membersHash := pipeline.SHA256Hex(strings.Join(members, ","))
	clusterID := fmt.Sprintf("clu|%s|%s|%s|%s|%s", ticker, side, windowStart, windowEnd, membersHash[:12])

	_, err := db.ExecContext(ctx, `
		INSERT INTO clusters (
			cluster_id, ticker, issuer_cik, side,
			window_start, window_end,
			unique_insiders, total_dollars, execs_involved, max_pct_holdings_change,
			cluster_version, computed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		clusterID, ticker, candidates[idxs[0]].issuerCIK, string(side),
		windowStart, windowEnd,
		len(filings), totalDollars, boolToInt(execsInvolved), maxPct,
		cfg.CurrentClusterVersion, now,
	)
	if err != nil {
		return fmt.Errorf("insert cluster: %w", err)
	}

	for _, k := range idxs {
		c := candidates[k]
		_, err := db.ExecContext(ctx, `
			INSERT INTO cluster_members (cluster_id, issuer_cik, owner_key, accession_number)
			VALUES (?,?,?,?)
			ON CONFLICT(cluster_id, issuer_cik, owner_key, accession_number) DO NOTHING`,
			clusterID, c.issuerCIK, c.ownerKey, c.accessionNumber,
		)
		if err != nil {
			return fmt.Errorf("insert cluster member: %w", err)
		}

		var col, idCol string
		if side == pipeline.SideBuy {
			col, idCol = "cluster_flag_buy", "cluster_id_buy"
		} else {
			col, idCol = "cluster_flag_sell", "cluster_id_sell"
		}
		_, err = db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE insider_events SET %s = 1, %s = ?
			WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`, col, idCol),
			clusterID, c.issuerCIK, c.ownerKey, c.accessionNumber,
		)
		if err != nil {
			return fmt.Errorf("flag event: %w", err)
		}
	}
	return nil
}

func resetSide(ctx context.Context, db *sql.DB, ticker string, side pipeline.Side) error {
	var flagCol, idCol string
	if side == pipeline.SideBuy {
		flagCol, idCol = "cluster_flag_buy", "cluster_id_buy"
	} else {
		flagCol, idCol = "cluster_flag_sell", "cluster_id_sell"
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE insider_events SET %s = 0, %s = NULL WHERE ticker = ?`, flagCol, idCol), ticker)
	if err != nil {
		return fmt.Errorf("reset event flags: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		DELETE FROM cluster_members WHERE cluster_id IN (SELECT cluster_id FROM clusters WHERE ticker = ? AND side = ?)`,
		ticker, string(side))
	if err != nil {
		return fmt.Errorf("delete cluster members: %w", err)
	}
	_, err = db.ExecContext(ctx, `DELETE FROM clusters WHERE ticker = ? AND side = ?`, ticker, string(side))
	if err != nil {
		return fmt.Errorf("delete clusters: %w", err)
	}
	return nil
}

func loadCandidates(ctx context.Context, db *sql.DB, ticker string, side pipeline.Side) ([]candidate, error) {
	var query string
	if side == pipeline.SideBuy {
		query = `
			SELECT issuer_cik, owner_key, accession_number,
			       buy_trade_date, COALESCE(buy_dollars_total, 0),
			       COALESCE(is_officer, 0), COALESCE(is_director, 0),
			       buy_pct_holdings_change
			FROM insider_events
			WHERE ticker = ? AND has_buy = 1 AND buy_trade_date IS NOT NULL
			ORDER BY rowid`
	} else {
		query = `
			SELECT issuer_cik, owner_key, accession_number,
			       sell_trade_date, COALESCE(sell_dollars_total, 0),
			       COALESCE(is_officer, 0), COALESCE(is_director, 0),
			       sell_pct_holdings_change
			FROM insider_events
			WHERE ticker = ? AND has_sell = 1 AND sell_trade_date IS NOT NULL
			ORDER BY rowid`
	}

	rows, err := db.QueryContext(ctx, query, ticker)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		var isOfficer, isDirector int
		if err := rows.Scan(&c.issuerCIK, &c.ownerKey, &c.accessionNumber, &c.tradeDate, &c.dollars, &isOfficer, &isDirector, &c.pctChange); err != nil {
			return nil, err
		}
		c.isExec = isOfficer == 1 || isDirector == 1
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
