package ingest

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insiderwatch/pipeline/internal/database"
	"github.com/insiderwatch/pipeline/internal/secgateway"
)

const sampleForm4 = `<?xml version="1.0"?>
<ownershipDocument>
  <documentType>4</documentType>
  <issuer>
    <issuerCik>0000320193</issuerCik>
    <issuerName>Apple Inc.</issuerName>
    <issuerTradingSymbol>AAPL</issuerTradingSymbol>
  </issuer>
  <reportingOwner>
    <reportingOwnerId>
      <rptOwnerCik>0001214156</rptOwnerCik>
      <rptOwnerName>COOK TIMOTHY D</rptOwnerName>
    </reportingOwnerId>
    <reportingOwnerRelationship>
      <isDirector>1</isDirector>
      <isOfficer>1</isOfficer>
      <isTenPercentOwner>0</isTenPercentOwner>
      <officerTitle>Chief Executive Officer</officerTitle>
    </reportingOwnerRelationship>
  </reportingOwner>
  <nonDerivativeTable>
    <nonDerivativeTransaction>
      <securityTitle><value>Common Stock</value></securityTitle>
      <transactionDate><value>2024-03-01</value></transactionDate>
      <transactionCoding>
        <transactionCode>S</transactionCode>
      </transactionCoding>
      <transactionAmounts>
        <transactionShares><value>5,000</value></transactionShares>
        <transactionPricePerShare><value>180.50</value></transactionPricePerShare>
        <transactionAcquiredDisposedCode><value>D</value></transactionAcquiredDisposedCode>
      </transactionAmounts>
      <postTransactionAmounts>
        <sharesOwnedFollowingTransaction><value>3300000</value></sharesOwnedFollowingTransaction>
      </postTransactionAmounts>
      <transactionFootnoteIds>
        <footnoteId id="F1"/>
      </transactionFootnoteIds>
    </nonDerivativeTransaction>
  </nonDerivativeTable>
  <footnotes>
    <footnote id="F1">Sale pursuant to a Rule 10b5-1 trading plan.</footnote>
  </footnotes>
</ownershipDocument>`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schemaSQL, err := os.ReadFile(filepath.Join("..", "dbschema", "schema.sql"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(string(schemaSQL)))
	return db.Conn()
}

// TestFetchAccessionDocsSkipsWhenAlreadyFetched exercises the
// not-force short-circuit without reaching the network: the real SEC
// gateway calls are covered by internal/secgateway's own httptest-
// backed tests, since secgateway's base URLs are not injectable.
func TestFetchAccessionDocsSkipsWhenAlreadyFetched(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	acc := "0000320193-24-000050"
	now := "2024-03-04T00:00:00Z"
	_, err := db.ExecContext(ctx, `INSERT INTO filing_documents (accession_number, raw_xml, fetched_at) VALUES (?, ?, ?)`, acc, sampleForm4, now)
	require.NoError(t, err)

	sec := secgateway.New(secgateway.Config{UserAgent: "test test@example.com"}, zerolog.Nop())
	err = FetchAccessionDocs(ctx, db, sec, acc, "0000320193", false)
	require.NoError(t, err)

	var rawXML string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT raw_xml FROM filing_documents WHERE accession_number = ?`, acc).Scan(&rawXML))
	assert.Equal(t, sampleForm4, rawXML)
}

func TestParseAccessionDocsWritesIssuerAndRawRows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	acc := "0000320193-24-000050"
	now := "2024-03-04T00:00:00Z"
	_, err := db.ExecContext(ctx, `
		INSERT INTO filings (accession_number, issuer_cik, form_type, filing_date, source_url, parse_version, ingested_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		acc, "0000320193", "4", "2024-03-04", "https://example.com/doc.xml", now,
	)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO filing_documents (accession_number, raw_xml, fetched_at) VALUES (?, ?, ?)`, acc, sampleForm4, now)
	require.NoError(t, err)

	keys, err := ParseAccessionDocs(ctx, db, Config{CurrentParseVersion: 1}, acc)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "0000320193", keys[0].IssuerCIK)
	assert.Equal(t, acc, keys[0].AccessionNumber)
	assert.Equal(t, "0001214156", keys[0].OwnerKey)

	var ticker, issuerName string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT ticker, issuer_name FROM issuers WHERE issuer_cik = ?`, "0000320193").Scan(&ticker, &issuerName))
	assert.Equal(t, "AAPL", ticker)
	assert.Equal(t, "Apple Inc.", issuerName)

	var parseVersion int
	var tickerAsReported string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT parse_version, ticker_as_reported FROM filings WHERE accession_number = ?`, acc).Scan(&parseVersion, &tickerAsReported))
	assert.Equal(t, 1, parseVersion)
	assert.Equal(t, "AAPL", tickerAsReported)

	var rowCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM form4_rows_raw WHERE accession_number = ?`, acc).Scan(&rowCount))
	assert.Equal(t, 1, rowCount)

	var ownerKey, txCode string
	var sharesSigned, sharesAbs, pricedParsed float64
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT owner_key, transaction_code, shares_signed, shares_abs, price_parsed
		FROM form4_rows_raw WHERE accession_number = ?`, acc,
	).Scan(&ownerKey, &txCode, &sharesSigned, &sharesAbs, &pricedParsed))
	assert.Equal(t, "0001214156", ownerKey)
	assert.Equal(t, "S", txCode)
	assert.Equal(t, -5000.0, sharesSigned)
	assert.Equal(t, 5000.0, sharesAbs)
	assert.Equal(t, 180.50, pricedParsed)
}

func TestParseAccessionDocsIsIdempotentAcrossReparse(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	acc := "0000320193-24-000050"
	now := "2024-03-04T00:00:00Z"
	_, err := db.ExecContext(ctx, `
		INSERT INTO filings (accession_number, issuer_cik, form_type, filing_date, source_url, parse_version, ingested_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		acc, "0000320193", "4", "2024-03-04", "https://example.com/doc.xml", now,
	)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO filing_documents (accession_number, raw_xml, fetched_at) VALUES (?, ?, ?)`, acc, sampleForm4, now)
	require.NoError(t, err)

	_, err = ParseAccessionDocs(ctx, db, Config{CurrentParseVersion: 1}, acc)
	require.NoError(t, err)
	_, err = ParseAccessionDocs(ctx, db, Config{CurrentParseVersion: 2}, acc)
	require.NoError(t, err)

	var rowCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM form4_rows_raw WHERE accession_number = ?`, acc).Scan(&rowCount))
	assert.Equal(t, 1, rowCount)
}

func TestParseAccessionDocsMissingDocumentErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := ParseAccessionDocs(ctx, db, Config{CurrentParseVersion: 1}, "0000000000-24-000001")
	require.Error(t, err)
}
