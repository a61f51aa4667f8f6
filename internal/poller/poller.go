// Package poller implements the optional SEC EDGAR "current" Form 4
// feed watcher. It is disabled by default (ENABLE_FORM4_POLLER) since
// the primary ingestion path is admin-triggered backfill/reparse, not
// live tailing.
package poller

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/insiderwatch/pipeline/internal/pipeline"
	"github.com/insiderwatch/pipeline/internal/queue"
)

// Config configures one poller tick.
type Config struct {
	FeedURL   string
	UserAgent string
}

var archiveLinkPattern = regexp.MustCompile(`/Archives/edgar/data/(\d+)/(\d{18})`)

// Result summarizes one poll tick for logging/testing.
type Result struct {
	TrackedIssuers int
	FeedEntries    int
	Enqueued       int
}

// Poll fetches the SEC current Form 4 feed, filters archive links down
// to issuers this pipeline already tracks (present in issuers with a
// non-empty ticker), and enqueues FETCH_ACCESSION_DOCS for any
// accession not already recorded in filings. Poller-discovered
// filings are new by definition, so ai_requested is always true —
// unlike a backfill or reparse sweep, which never triggers AI.
func Poll(ctx context.Context, db *sql.DB, cfg Config, log zerolog.Logger) (Result, error) {
	if cfg.FeedURL == "" {
		return Result{}, fmt.Errorf("poller: FORM4_POLLER_FEED_URL is not set")
	}

	tracked, err := trackedIssuers(ctx, db)
	if err != nil {
		return Result{}, fmt.Errorf("poller: load tracked issuers: %w", err)
	}
	if len(tracked) == 0 {
		log.Info().Msg("no tracked issuers, skipping poll")
		return Result{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.FeedURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("poller: build request: %w", err)
	}
	req.Header.Set("User-Agent", cfg.UserAgent)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("poller: fetch feed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("poller: read feed body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("poller: feed returned %d", resp.StatusCode)
	}

	pairs := extractArchivePairs(string(body))
	result := Result{TrackedIssuers: len(tracked), FeedEntries: len(pairs)}

	for _, p := range pairs {
		if !tracked[p.issuerCIK] {
			continue
		}

		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM filings WHERE accession_number = ? LIMIT 1`, p.accessionNumber).Scan(&exists)
		if err == nil {
			continue // already ingested
		}
		if err != sql.ErrNoRows {
			return result, fmt.Errorf("poller: check existing filing: %w", err)
		}

		enqErr := queue.Enqueue(ctx, db, queue.EnqueueParams{
			JobType:   queue.JobFetchAccessionDocs,
			DedupeKey: queue.DedupeFetchAccessionDocs(p.accessionNumber),
			Payload: map[string]any{
				"accession_number": p.accessionNumber,
				"issuer_cik_hint":  p.issuerCIK,
				"ingest_source":    "poller",
				"ai_requested":     true,
			},
			Priority: 100, // ahead of large historical backfills
		})
		if enqErr != nil {
			return result, fmt.Errorf("poller: enqueue %s: %w", p.accessionNumber, enqErr)
		}
		result.Enqueued++
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at) VALUES ('form4_poller_last_run_utc', ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		pipeline.UTCNowISO(), pipeline.UTCNowISO()); err != nil {
		return result, fmt.Errorf("poller: record last run: %w", err)
	}

	return result, nil
}

func trackedIssuers(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT issuer_cik FROM issuers WHERE ticker IS NOT NULL AND ticker != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tracked := map[string]bool{}
	for rows.Next() {
		var cik string
		if err := rows.Scan(&cik); err != nil {
			return nil, err
		}
		tracked[cik] = true
	}
	return tracked, rows.Err()
}

type archivePair struct {
	issuerCIK       string
	accessionNumber string
}

// extractArchivePairs mirrors the original poller's regex-based
// extraction: archive links encode the issuer's un-padded CIK and an
// 18-digit no-dash accession number.
func extractArchivePairs(text string) []archivePair {
	matches := archiveLinkPattern.FindAllStringSubmatch(text, -1)
	seen := map[archivePair]bool{}
	var out []archivePair
	for _, m := range matches {
		cikRaw, accNoDash := m[1], m[2]
		var cikInt int
		if _, err := fmt.Sscanf(cikRaw, "%d", &cikInt); err != nil {
			continue
		}
		pair := archivePair{
			issuerCIK:       fmt.Sprintf("%010d", cikInt),
			accessionNumber: fmt.Sprintf("%s-%s-%s", accNoDash[:10], accNoDash[10:12], accNoDash[12:]),
		}
		if !seen[pair] {
			seen[pair] = true
			out = append(out, pair)
		}
	}
	return out
}
