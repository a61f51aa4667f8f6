// Package backfill discovers an issuer's historical Form 4 accessions
// from SEC EDGAR and drains them into the job queue in bounded
// batches, and reparses a ticker's already-ingested accessions when a
// parse version bump makes their stored fields stale.
//
// Discovery and draining are split into two job types
// (BACKFILL_DISCOVER_ISSUER, BACKFILL_ENQUEUE_BATCH) so a single
// admin-triggered backfill for a large issuer never holds an IO worker
// for longer than one page of EDGAR requests at a time.
package backfill

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/insiderwatch/pipeline/internal/pipeline"
	"github.com/insiderwatch/pipeline/internal/queue"
	"github.com/insiderwatch/pipeline/internal/secgateway"
)

// DiscoverIssuer walks issuerCIK's submissions history for Form 4/4-A
// accessions filed since startYear and upserts them into
// backfill_queue as pending. Accessions already present in filings are
// skipped, and an existing backfill_queue row's filing_date/form_type
// are never overwritten once set, so a repeat discovery run is
// idempotent and cannot downgrade a row past pending.
func DiscoverIssuer(ctx context.Context, db *sql.DB, sec *secgateway.Client, issuerCIK string, startYear int) (int, error) {
	existing, err := existingAccessions(ctx, db, issuerCIK)
	if err != nil {
		return 0, fmt.Errorf("backfill: load existing filings: %w", err)
	}

	filings, err := sec.DiscoverIssuerForm4Accessions(ctx, issuerCIK, startYear)
	if err != nil {
		return 0, fmt.Errorf("backfill: discover accessions: %w", err)
	}

	now := pipeline.UTCNowISO()
	inserted := 0
	for _, f := range filings {
		if existing[f.AccessionNumber] {
			continue
		}
		res, err := db.ExecContext(ctx, `
			INSERT INTO backfill_queue (issuer_cik, accession_number, filing_date, form_type, status, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', NULL, ?, ?)
			ON CONFLICT(issuer_cik, accession_number) DO UPDATE SET
				filing_date = COALESCE(backfill_queue.filing_date, excluded.filing_date),
				form_type   = COALESCE(backfill_queue.form_type, excluded.form_type),
				updated_at  = excluded.updated_at`,
			issuerCIK, f.AccessionNumber, nullIfEmpty(f.FilingDate), nullIfEmpty(f.FormType), now, now)
		if err != nil {
			return inserted, fmt.Errorf("backfill: upsert queue row %s: %w", f.AccessionNumber, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func existingAccessions(ctx context.Context, db *sql.DB, issuerCIK string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT accession_number FROM filings WHERE issuer_cik = ?`, issuerCIK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			return nil, err
		}
		out[acc] = true
	}
	return out, rows.Err()
}

// BatchRow is one pending backfill_queue entry ready to be enqueued.
type BatchRow struct {
	AccessionNumber string
	FilingDate      sql.NullString
	FormType        sql.NullString
}

// EnqueueBatch claims up to batchSize pending backfill_queue rows for
// issuerCIK (oldest filing_date first), marks them queued, and
// enqueues a FETCH_ACCESSION_DOCS job for each. Backfilled filings
// never request AI judgment — that budget is reserved for
// poller-discovered, genuinely new filings. It reports whether any
// pending rows remain so the caller can decide to schedule another
// batch.
func EnqueueBatch(ctx context.Context, db *sql.DB, issuerCIK string, batchSize int) (enqueued int, hasMore bool, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT accession_number, filing_date, form_type
		FROM backfill_queue
		WHERE issuer_cik = ? AND status = 'pending'
		ORDER BY filing_date ASC
		LIMIT ?`, issuerCIK, batchSize)
	if err != nil {
		return 0, false, fmt.Errorf("backfill: load pending batch: %w", err)
	}
	var batch []BatchRow
	for rows.Next() {
		var r BatchRow
		if scanErr := rows.Scan(&r.AccessionNumber, &r.FilingDate, &r.FormType); scanErr != nil {
			rows.Close()
			return 0, false, fmt.Errorf("backfill: scan pending batch: %w", scanErr)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, false, fmt.Errorf("backfill: iterate pending batch: %w", err)
	}
	rows.Close()

	if len(batch) == 0 {
		return 0, false, nil
	}

	now := pipeline.UTCNowISO()
	for _, r := range batch {
		if _, err := db.ExecContext(ctx, `
			UPDATE backfill_queue SET status = 'queued', updated_at = ?
			WHERE issuer_cik = ? AND accession_number = ? AND status = 'pending'`,
			now, issuerCIK, r.AccessionNumber); err != nil {
			return enqueued, false, fmt.Errorf("backfill: mark queued %s: %w", r.AccessionNumber, err)
		}

		payload := map[string]any{
			"accession_number": r.AccessionNumber,
			"issuer_cik_hint":  issuerCIK,
			"ingest_source":    "backfill",
			"ai_requested":     false,
		}
		if r.FilingDate.Valid {
			payload["filing_date"] = r.FilingDate.String
		}
		if r.FormType.Valid {
			payload["form_type"] = r.FormType.String
		}

		if err := queue.Enqueue(ctx, db, queue.EnqueueParams{
			JobType:         queue.JobFetchAccessionDocs,
			DedupeKey:       queue.DedupeFetchAccessionDocs(r.AccessionNumber),
			Payload:         payload,
			Priority:        5,
			RequeueIfExists: true,
		}); err != nil {
			return enqueued, false, fmt.Errorf("backfill: enqueue fetch accession docs %s: %w", r.AccessionNumber, err)
		}
		enqueued++
	}

	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backfill_queue WHERE issuer_cik = ? AND status = 'pending'`, issuerCIK).Scan(&remaining); err != nil {
		return enqueued, false, fmt.Errorf("backfill: count remaining: %w", err)
	}
	return enqueued, remaining > 0, nil
}

// ReparseTicker re-enqueues every accession already attributed to
// ticker: PARSE_ACCESSION_DOCS when its raw documents are already on
// disk, FETCH_ACCESSION_DOCS when they need to be fetched again. Like
// a backfill batch, a reparse sweep never requests AI judgment.
func ReparseTicker(ctx context.Context, db *sql.DB, ticker string, parseVersion int) (int, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT accession_number FROM insider_events WHERE ticker = ?`, ticker)
	if err != nil {
		return 0, fmt.Errorf("backfill: load ticker accessions: %w", err)
	}
	var accessions []string
	for rows.Next() {
		var acc string
		if scanErr := rows.Scan(&acc); scanErr != nil {
			rows.Close()
			return 0, fmt.Errorf("backfill: scan ticker accessions: %w", scanErr)
		}
		accessions = append(accessions, acc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("backfill: iterate ticker accessions: %w", err)
	}
	rows.Close()

	for _, acc := range accessions {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM filing_documents WHERE accession_number = ? LIMIT 1`, acc).Scan(&exists)
		switch {
		case err == nil:
			enqErr := queue.Enqueue(ctx, db, queue.EnqueueParams{
				JobType:         queue.JobParseAccessionDocs,
				DedupeKey:       queue.DedupeParseAccessionDocs(acc, parseVersion),
				Payload:         map[string]any{"accession_number": acc, "ingest_source": "reparse", "ai_requested": false},
				Priority:        5,
				RequeueIfExists: true,
			})
			if enqErr != nil {
				return len(accessions), fmt.Errorf("backfill: enqueue parse for reparse %s: %w", acc, enqErr)
			}
		case err == sql.ErrNoRows:
			enqErr := queue.Enqueue(ctx, db, queue.EnqueueParams{
				JobType:         queue.JobFetchAccessionDocs,
				DedupeKey:       queue.DedupeFetchAccessionDocs(acc),
				Payload:         map[string]any{"accession_number": acc, "ingest_source": "reparse", "ai_requested": false},
				Priority:        5,
				RequeueIfExists: true,
			})
			if enqErr != nil {
				return len(accessions), fmt.Errorf("backfill: enqueue fetch for reparse %s: %w", acc, enqErr)
			}
		default:
			return len(accessions), fmt.Errorf("backfill: check filing documents %s: %w", acc, err)
		}
	}
	return len(accessions), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
