// Package ingest turns one SEC accession number into database rows:
// FetchAccessionDocs is the network-bound leg (SEC gateway calls),
// ParseAccessionDocs is the CPU/DB-bound leg (XML parsing, owner
// identity resolution, raw-row persistence) — split the same way the
// original ingester splits them so an I/O worker and a compute worker
// can each own one half.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/insiderwatch/pipeline/internal/database"
	"github.com/insiderwatch/pipeline/internal/form4parser"
	"github.com/insiderwatch/pipeline/internal/identity"
	"github.com/insiderwatch/pipeline/internal/pipeline"
	"github.com/insiderwatch/pipeline/internal/secgateway"
)

// Config carries the version stamp written onto every row this
// package parses.
type Config struct {
	CurrentParseVersion int
}

// FetchAccessionDocs resolves filing metadata and the raw ownershipDocument XML for an accession, then persists
// both into filings/filing_documents. Idempotent unless force is set:
// an accession already on file in filing_documents is left untouched.
func FetchAccessionDocs(ctx context.Context, db *sql.DB, sec *secgateway.Client, accessionNumber, issuerCIKHint string, force bool) error {
	acc := strings.TrimSpace(accessionNumber)
	if acc == "" {
		return fmt.Errorf("ingest: accession_number is blank")
	}

	if !force {
		var fetchedAt sql.NullString
		err := db.QueryRowContext(ctx, `SELECT fetched_at FROM filing_documents WHERE accession_number = ?`, acc).Scan(&fetchedAt)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("ingest: check existing filing_documents: %w", err)
		}
		if err == nil && fetchedAt.Valid && fetchedAt.String != "" {
			return nil
		}
	}

	meta, err := sec.FetchFilingMetadata(ctx, acc, issuerCIKHint)
	if err != nil {
		return fmt.Errorf("ingest: fetch filing metadata: %w", err)
	}

	xmlText, sourceURL, err := sec.FetchForm4XML(ctx, acc, firstNonEmpty(issuerCIKHint, meta.IssuerCIK))
	if err != nil {
		return fmt.Errorf("ingest: fetch form4 xml: %w", err)
	}

	now := pipeline.UTCNowISO()

	return database.WithTransaction(db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO filings (accession_number, issuer_cik, ticker_as_reported, form_type, filing_date, source_url, parse_version, ingested_at)
			VALUES (?, ?, NULL, ?, ?, ?, 0, ?)
			ON CONFLICT(accession_number) DO UPDATE SET
				issuer_cik   = COALESCE(excluded.issuer_cik, filings.issuer_cik),
				form_type    = COALESCE(excluded.form_type, filings.form_type),
				filing_date  = COALESCE(excluded.filing_date, filings.filing_date),
				source_url   = COALESCE(excluded.source_url, filings.source_url)`,
			acc, meta.IssuerCIK, meta.FormType, meta.FilingDate, sourceURL, now,
		); err != nil {
			return fmt.Errorf("ingest: upsert filings: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO filing_documents (accession_number, raw_xml, fetched_at)
			VALUES (?, ?, ?)
			ON CONFLICT(accession_number) DO UPDATE SET
				raw_xml = excluded.raw_xml, fetched_at = excluded.fetched_at`,
			acc, xmlText, now,
		); err != nil {
			return fmt.Errorf("ingest: upsert filing_documents: %w", err)
		}

		if meta.IssuerCIK != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE backfill_queue SET status = 'fetched', updated_at = ?, last_error = NULL
				WHERE issuer_cik = ? AND accession_number = ? AND status IN ('pending', 'queued', 'error')`,
				now, meta.IssuerCIK, acc,
			); err != nil {
				return fmt.Errorf("ingest: mark backfill fetched: %w", err)
			}
		}

		return nil
	})
}

// ParseAccessionDocs parses a previously-fetched filing_documents row,
// upserts the issuer and filings rows, replaces form4_rows_raw for the
// accession (a parse is always a full redo, never incremental, so a
// reparse of the same accession under a new parse version can't leave
// stale rows from the old one behind), and returns the set of event
// keys the aggregator must now roll up.
func ParseAccessionDocs(ctx context.Context, db *sql.DB, cfg Config, accessionNumber string) ([]pipeline.EventKey, error) {
	acc := strings.TrimSpace(accessionNumber)
	if acc == "" {
		return nil, fmt.Errorf("ingest: accession_number is blank")
	}

	var rawXML string
	var issuerCIKOnFile, filingDate, formType, sourceURL sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT fd.raw_xml, f.issuer_cik, f.filing_date, f.form_type, f.source_url
		FROM filing_documents fd
		JOIN filings f ON f.accession_number = fd.accession_number
		WHERE fd.accession_number = ?`, acc,
	).Scan(&rawXML, &issuerCIKOnFile, &filingDate, &formType, &sourceURL)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ingest: no filing_documents row for accession %s; fetch it first", acc)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: load filing document: %w", err)
	}
	if strings.TrimSpace(rawXML) == "" {
		return nil, fmt.Errorf("ingest: filing_documents row for accession %s has no xml", acc)
	}

	parsed, err := form4parser.Parse(rawXML)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse accession %s: %w", acc, err)
	}

	issuerCIK := identity.ZeroPadCIK(firstNonEmpty(parsed.IssuerCIK, issuerCIKOnFile.String))
	if issuerCIK == "" {
		return nil, fmt.Errorf("ingest: could not resolve issuer_cik for accession %s", acc)
	}

	ticker := strings.TrimSpace(parsed.IssuerTradingSymbol)
	issuerName := parsed.IssuerName
	effectiveFilingDate := filingDate.String
	effectiveFormType := firstNonEmpty(formType.String, parsed.DocumentType, "4")

	now := pipeline.UTCNowISO()
	var eventKeys []pipeline.EventKey

	err = database.WithTransaction(db, func(tx *sql.Tx) error {
		if err := upsertIssuer(ctx, tx, issuerCIK, ticker, issuerName, effectiveFilingDate, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE filings
			SET issuer_cik = ?, ticker_as_reported = ?, form_type = ?, filing_date = ?, parse_version = ?, ingested_at = ?
			WHERE accession_number = ?`,
			issuerCIK, nullIfEmpty(ticker), effectiveFormType, effectiveFilingDate, cfg.CurrentParseVersion, now, acc,
		); err != nil {
			return fmt.Errorf("ingest: update filings: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM form4_rows_raw WHERE accession_number = ?`, acc); err != nil {
			return fmt.Errorf("ingest: clear existing raw rows: %w", err)
		}

		owners := parsed.ReportingOwners
		if len(owners) == 0 {
			owners = []form4parser.ReportingOwner{{}}
		}

		rowOrder := 0
		for _, ro := range owners {
			oid := identity.Normalize(ro.OwnerCIK, ro.OwnerName)
			eventKeys = append(eventKeys, pipeline.EventKey{
				IssuerCIK: issuerCIK, OwnerKey: oid.OwnerKey, AccessionNumber: acc,
			})

			for _, txRow := range parsed.Transactions {
				if err := insertRawRow(ctx, tx, issuerCIK, acc, ro, oid, txRow, rowOrder); err != nil {
					return err
				}
				rowOrder++
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE backfill_queue SET status = 'parsed', updated_at = ?, last_error = NULL
			WHERE issuer_cik = ? AND accession_number = ?`,
			now, issuerCIK, acc,
		); err != nil {
			return fmt.Errorf("ingest: mark backfill parsed: %w", err)
		}

		if sourceURL.Valid && sourceURL.String != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE filings SET source_url = ? WHERE accession_number = ?`, sourceURL.String, acc); err != nil {
				return fmt.Errorf("ingest: stamp source_url: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return eventKeys, nil
}

// upsertIssuer only overwrites ticker/issuer_name when the new parse
// actually has a value, and keeps last_filing_date at the max of the
// two dates (ISO dates sort lexically), so a reparse of an older
// filing never regresses the issuer's latest-known filing date.
func upsertIssuer(ctx context.Context, tx *sql.Tx, issuerCIK, ticker, issuerName, filingDate, now string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO issuers (issuer_cik, ticker, issuer_name, last_filing_date, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(issuer_cik) DO UPDATE SET
			ticker           = COALESCE(NULLIF(excluded.ticker, ''), issuers.ticker),
			issuer_name      = COALESCE(NULLIF(excluded.issuer_name, ''), issuers.issuer_name),
			last_filing_date = CASE
				WHEN issuers.last_filing_date IS NULL THEN excluded.last_filing_date
				WHEN excluded.last_filing_date IS NULL THEN issuers.last_filing_date
				WHEN excluded.last_filing_date > issuers.last_filing_date THEN excluded.last_filing_date
				ELSE issuers.last_filing_date
			END,
			updated_at = excluded.updated_at`,
		issuerCIK, ticker, issuerName, nullIfEmpty(filingDate), now,
	)
	if err != nil {
		return fmt.Errorf("ingest: upsert issuer: %w", err)
	}
	return nil
}

func insertRawRow(ctx context.Context, tx *sql.Tx, issuerCIK, acc string, ro form4parser.ReportingOwner, oid identity.Result, txRow form4parser.TransactionRow, rowOrder int) error {
	var warnings []string
	if txRow.TransactionDate == "" {
		warnings = append(warnings, "missing_transaction_date")
	}

	var sharesSigned, sharesAbs sql.NullFloat64
	if txRow.Shares != nil {
		sharesAbs = sql.NullFloat64{Float64: abs(*txRow.Shares), Valid: true}
		sign := 1.0
		if acqDisp, _ := txRow.RawPayload["acquired_disposed"].(string); acqDisp == "D" {
			sign = -1.0
		}
		sharesSigned = sql.NullFloat64{Float64: sign * abs(*txRow.Shares), Valid: true}
	}

	var pricedParsed sql.NullFloat64
	priceRaw := strings.TrimSpace(txRow.Price)
	if priceRaw != "" {
		cleaned := strings.ReplaceAll(priceRaw, ",", "")
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			pricedParsed = sql.NullFloat64{Float64: f, Valid: true}
		} else {
			warnings = append(warnings, "bad_price")
		}
	}

	var sharesOwnedFollowing sql.NullFloat64
	if txRow.SharesOwnedFollowing != nil {
		sharesOwnedFollowing = sql.NullFloat64{Float64: *txRow.SharesOwnedFollowing, Valid: true}
	}

	payload := map[string]any{}
	for k, v := range txRow.RawPayload {
		payload[k] = v
	}
	payload["reporting_owner"] = map[string]any{
		"owner_key":             oid.OwnerKey,
		"owner_cik":             nullIfEmpty(ro.OwnerCIK),
		"owner_name_raw":        nullIfEmpty(ro.OwnerName),
		"owner_name_normalized": nullIfEmpty(oid.NormalizedName),
		"is_director":           ro.IsDirector,
		"is_officer":            ro.IsOfficer,
		"is_ten_percent_owner":  ro.IsTenPercentOwner,
		"officer_title":         nullIfEmpty(ro.OfficerTitle),
		"is_entity_guess":       oid.IsEntityNameGuess,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ingest: marshal raw payload: %w", err)
	}
	payloadJSON := string(payloadBytes)

	var warningsJSON any
	if len(warnings) > 0 {
		wj, err := json.Marshal(warnings)
		if err != nil {
			return fmt.Errorf("ingest: marshal parser warnings: %w", err)
		}
		warningsJSON = string(wj)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO form4_rows_raw (
			issuer_cik, accession_number, owner_key, owner_cik, owner_name_raw, owner_name_normalized,
			is_entity_name_guess, is_derivative, transaction_code, transaction_date,
			shares_signed, shares_abs, price_raw, price_parsed, shares_owned_following,
			parser_warnings, raw_payload_json, row_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issuerCIK, acc, oid.OwnerKey, nullIfEmpty(ro.OwnerCIK), nullIfEmpty(ro.OwnerName), nullIfEmpty(oid.NormalizedName),
		boolToInt(oid.IsEntityNameGuess), boolToInt(txRow.IsDerivative), nullIfEmpty(txRow.TransactionCode), nullIfEmpty(txRow.TransactionDate),
		sharesSigned, sharesAbs, nullIfEmpty(priceRaw), pricedParsed, sharesOwnedFollowing,
		warningsJSON, payloadJSON, rowOrder,
	)
	if err != nil {
		return fmt.Errorf("ingest: insert raw row: %w", err)
	}
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
