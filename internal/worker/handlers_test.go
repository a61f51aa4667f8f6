package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insiderwatch/pipeline/internal/ingest"
	"github.com/insiderwatch/pipeline/internal/queue"
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
    </nonDerivativeTransaction>
  </nonDerivativeTable>
</ownershipDocument>`

func TestHandleParseAccessionDocsEnqueuesDownstreamJobs(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.Ingest = ingest.Config{CurrentParseVersion: 1}

	acc := "0000320193-24-000050"
	now := "2024-03-04T00:00:00Z"
	_, err := deps.DB.ExecContext(ctx, `
		INSERT INTO filings (accession_number, issuer_cik, form_type, filing_date, source_url, parse_version, ingested_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		acc, "0000320193", "4", "2024-03-04", "https://example.com/doc.xml", now,
	)
	require.NoError(t, err)
	_, err = deps.DB.ExecContext(ctx, `INSERT INTO filing_documents (accession_number, raw_xml, fetched_at) VALUES (?, ?, ?)`, acc, sampleForm4, now)
	require.NoError(t, err)

	job := &queue.Job{JobType: queue.JobParseAccessionDocs, Payload: map[string]any{"accession_number": acc, "ai_requested": true}}
	outcome := handleParseAccessionDocs(ctx, deps, job)
	require.Equal(t, kindSuccess, outcome.kind)

	var n int
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobAggregateAccession).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobFetchEODPricesForIssuer).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobFetchMarketCapForTicker).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobComputeClustersForTicker).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestHandleRunAIDefersWhenPrerequisitesMissing(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.TrendVersion = 1

	_, err := deps.DB.ExecContext(ctx, `
		INSERT INTO insider_events (issuer_cik, owner_key, accession_number, ticker)
		VALUES ('0000320193', '0001214156', 'acc-1', 'AAPL')`)
	require.NoError(t, err)

	job := &queue.Job{JobType: queue.JobRunAIForEvent, Payload: map[string]any{
		"issuer_cik": "0000320193", "owner_key": "0001214156", "accession_number": "acc-1",
	}}
	outcome := handleRunAI(ctx, deps, job)
	require.Equal(t, kindDeferred, outcome.kind)

	var n int
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobComputeTrendForEvent).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobComputeOutcomesForEvent).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobComputeClustersForTicker).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestEventKeyFromPayloadRejectsMissingFields(t *testing.T) {
	_, err := eventKeyFromPayload(map[string]any{"issuer_cik": "x"})
	require.Error(t, err)
}

func TestHandleBackfillDiscoverIssuerRequiresIssuerCIK(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	job := &queue.Job{JobType: queue.JobBackfillDiscoverIssuer, Payload: map[string]any{}}
	outcome := handleBackfillDiscoverIssuer(ctx, deps, job)
	require.Equal(t, kindError, outcome.kind)
}

func TestHandleBackfillEnqueueBatchDrainsAndReenqueuesWhenMoreRemain(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.Ingest.CurrentParseVersion = 1

	rows := []struct{ acc, filingDate string }{
		{"0000320193-24-000001", "2024-01-01"},
		{"0000320193-24-000002", "2024-02-01"},
		{"0000320193-24-000003", "2024-03-01"},
	}
	for _, r := range rows {
		_, err := deps.DB.ExecContext(ctx, `
			INSERT INTO backfill_queue (issuer_cik, accession_number, filing_date, form_type, status, last_error, created_at, updated_at)
			VALUES (?, ?, ?, '4', 'pending', NULL, '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
			"0000320193", r.acc, r.filingDate)
		require.NoError(t, err)
	}

	job := &queue.Job{JobType: queue.JobBackfillEnqueueBatch, Payload: map[string]any{
		"issuer_cik": "0000320193", "start_year": 2020, "batch_size": 2,
	}}
	outcome := handleBackfillEnqueueBatch(ctx, deps, job)
	require.Equal(t, kindSuccess, outcome.kind)

	var fetchJobs, requeuedBatches int
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobFetchAccessionDocs).Scan(&fetchJobs))
	assert.Equal(t, 2, fetchJobs)
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobBackfillEnqueueBatch).Scan(&requeuedBatches))
	assert.Equal(t, 1, requeuedBatches)
}

func TestHandleBackfillEnqueueBatchRequiresIssuerCIK(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	job := &queue.Job{JobType: queue.JobBackfillEnqueueBatch, Payload: map[string]any{}}
	outcome := handleBackfillEnqueueBatch(ctx, deps, job)
	require.Equal(t, kindError, outcome.kind)
}

func TestHandleReparseTickerEnqueuesPerAccession(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.Ingest.CurrentParseVersion = 2

	_, err := deps.DB.ExecContext(ctx, `
		INSERT INTO insider_events (issuer_cik, owner_key, accession_number, ticker)
		VALUES ('0000320193', '0001214156', 'acc-1', 'AAPL')`)
	require.NoError(t, err)

	job := &queue.Job{JobType: queue.JobReparseTicker, Payload: map[string]any{"ticker": "AAPL"}}
	outcome := handleReparseTicker(ctx, deps, job)
	require.Equal(t, kindSuccess, outcome.kind)

	var n int
	require.NoError(t, deps.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_type = ?`, queue.JobFetchAccessionDocs).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestHandleReparseTickerRequiresTicker(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	job := &queue.Job{JobType: queue.JobReparseTicker, Payload: map[string]any{}}
	outcome := handleReparseTicker(ctx, deps, job)
	require.Equal(t, kindError, outcome.kind)
}
