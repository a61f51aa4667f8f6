package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/insiderwatch/pipeline/internal/health"
	"github.com/insiderwatch/pipeline/internal/queue"
)

// handleListTickers returns every distinct ticker with at least one
// parsed insider event, most recently filed first.
func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.DB.QueryContext(r.Context(), `
		SELECT ticker, COUNT(*) n, MAX(filing_date) last_filing_date
		FROM insider_events
		WHERE ticker IS NOT NULL AND ticker != ''
		GROUP BY ticker
		ORDER BY last_filing_date DESC`)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	type row struct {
		Ticker          string `json:"ticker"`
		EventCount      int    `json:"event_count"`
		LastFilingDate  string `json:"last_filing_date"`
	}
	var out []row
	for rows.Next() {
		var rr row
		var lastFiling sql.NullString
		if err := rows.Scan(&rr.Ticker, &rr.EventCount, &lastFiling); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		rr.LastFilingDate = lastFiling.String
		out = append(out, rr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleTickerEvents lists insider events for one ticker, newest
// filing first, with a simple limit/offset page.
func (s *Server) handleTickerEvents(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	rows, err := s.cfg.DB.QueryContext(r.Context(), `
		SELECT issuer_cik, owner_key, accession_number, owner_name_display, filing_date,
		       has_buy, has_sell, buy_dollars_total, sell_dollars_total,
		       ai_buy_rating, ai_sell_rating
		FROM insider_events
		WHERE ticker = ?
		ORDER BY filing_date DESC
		LIMIT ? OFFSET ?`, ticker, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	out, err := scanEventSummaries(rows)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGlobalEvents lists the most recently computed events across
// every ticker, for a dashboard-style feed.
func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	rows, err := s.cfg.DB.QueryContext(r.Context(), `
		SELECT issuer_cik, owner_key, accession_number, owner_name_display, filing_date,
		       has_buy, has_sell, buy_dollars_total, sell_dollars_total,
		       ai_buy_rating, ai_sell_rating
		FROM insider_events
		ORDER BY event_computed_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	out, err := scanEventSummaries(rows)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

type eventSummary struct {
	IssuerCIK        string   `json:"issuer_cik"`
	OwnerKey         string   `json:"owner_key"`
	AccessionNumber  string   `json:"accession_number"`
	OwnerNameDisplay string   `json:"owner_name_display"`
	FilingDate       string   `json:"filing_date"`
	HasBuy           bool     `json:"has_buy"`
	HasSell          bool     `json:"has_sell"`
	BuyDollarsTotal  *float64 `json:"buy_dollars_total,omitempty"`
	SellDollarsTotal *float64 `json:"sell_dollars_total,omitempty"`
	AIBuyRating      *float64 `json:"ai_buy_rating,omitempty"`
	AISellRating     *float64 `json:"ai_sell_rating,omitempty"`
}

func scanEventSummaries(rows *sql.Rows) ([]eventSummary, error) {
	var out []eventSummary
	for rows.Next() {
		var es eventSummary
		var ownerName, filingDate sql.NullString
		var hasBuy, hasSell int
		var buyDollars, sellDollars, aiBuy, aiSell sql.NullFloat64
		if err := rows.Scan(&es.IssuerCIK, &es.OwnerKey, &es.AccessionNumber, &ownerName, &filingDate,
			&hasBuy, &hasSell, &buyDollars, &sellDollars, &aiBuy, &aiSell); err != nil {
			return nil, err
		}
		es.OwnerNameDisplay = ownerName.String
		es.FilingDate = filingDate.String
		es.HasBuy = hasBuy != 0
		es.HasSell = hasSell != 0
		es.BuyDollarsTotal = nullFloatPtr(buyDollars)
		es.SellDollarsTotal = nullFloatPtr(sellDollars)
		es.AIBuyRating = nullFloatPtr(aiBuy)
		es.AISellRating = nullFloatPtr(aiSell)
		out = append(out, es)
	}
	return out, nil
}

// handleEventDetail returns the full insider_events row plus its
// outcomes rows for one (issuer, owner, accession) triple.
func (s *Server) handleEventDetail(w http.ResponseWriter, r *http.Request) {
	issuerCIK := chi.URLParam(r, "issuerCik")
	ownerKey := chi.URLParam(r, "ownerKey")
	accessionNumber := chi.URLParam(r, "accessionNumber")

	row := s.cfg.DB.QueryRowContext(r.Context(), `
		SELECT issuer_cik, owner_key, accession_number, ticker, owner_name_display, owner_title,
		       has_buy, has_sell, buy_dollars_total, sell_dollars_total,
		       trend_ret_20d, trend_ret_60d, ai_buy_rating, ai_sell_rating, ai_confidence
		FROM insider_events
		WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		issuerCIK, ownerKey, accessionNumber)

	var detail struct {
		IssuerCIK        string   `json:"issuer_cik"`
		OwnerKey         string   `json:"owner_key"`
		AccessionNumber  string   `json:"accession_number"`
		Ticker           *string  `json:"ticker,omitempty"`
		OwnerNameDisplay *string  `json:"owner_name_display,omitempty"`
		OwnerTitle       *string  `json:"owner_title,omitempty"`
		HasBuy           bool     `json:"has_buy"`
		HasSell          bool     `json:"has_sell"`
		BuyDollarsTotal  *float64 `json:"buy_dollars_total,omitempty"`
		SellDollarsTotal *float64 `json:"sell_dollars_total,omitempty"`
		TrendRet20d      *float64 `json:"trend_ret_20d,omitempty"`
		TrendRet60d      *float64 `json:"trend_ret_60d,omitempty"`
		AIBuyRating      *float64 `json:"ai_buy_rating,omitempty"`
		AISellRating     *float64 `json:"ai_sell_rating,omitempty"`
		AIConfidence     *float64 `json:"ai_confidence,omitempty"`
	}

	var ticker, ownerName, ownerTitle sql.NullString
	var hasBuy, hasSell int
	var buyDollars, sellDollars, ret20, ret60, aiBuy, aiSell, aiConf sql.NullFloat64
	err := row.Scan(&detail.IssuerCIK, &detail.OwnerKey, &detail.AccessionNumber, &ticker, &ownerName, &ownerTitle,
		&hasBuy, &hasSell, &buyDollars, &sellDollars, &ret20, &ret60, &aiBuy, &aiSell, &aiConf)
	if err == sql.ErrNoRows {
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail.Ticker = nullStringPtr(ticker)
	detail.OwnerNameDisplay = nullStringPtr(ownerName)
	detail.OwnerTitle = nullStringPtr(ownerTitle)
	detail.HasBuy = hasBuy != 0
	detail.HasSell = hasSell != 0
	detail.BuyDollarsTotal = nullFloatPtr(buyDollars)
	detail.SellDollarsTotal = nullFloatPtr(sellDollars)
	detail.TrendRet20d = nullFloatPtr(ret20)
	detail.TrendRet60d = nullFloatPtr(ret60)
	detail.AIBuyRating = nullFloatPtr(aiBuy)
	detail.AISellRating = nullFloatPtr(aiSell)
	detail.AIConfidence = nullFloatPtr(aiConf)

	outcomeRows, err := s.cfg.DB.QueryContext(r.Context(), `
		SELECT side, return_60d, return_180d, excess_return_60d, excess_return_180d, missing_reason_60d, missing_reason_180d
		FROM event_outcomes
		WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		issuerCIK, ownerKey, accessionNumber)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer outcomeRows.Close()

	type outcomeRow struct {
		Side              string   `json:"side"`
		Return60d         *float64 `json:"return_60d,omitempty"`
		Return180d        *float64 `json:"return_180d,omitempty"`
		ExcessReturn60d   *float64 `json:"excess_return_60d,omitempty"`
		ExcessReturn180d  *float64 `json:"excess_return_180d,omitempty"`
		MissingReason60d  *string  `json:"missing_reason_60d,omitempty"`
		MissingReason180d *string  `json:"missing_reason_180d,omitempty"`
	}
	var outcomes []outcomeRow
	for outcomeRows.Next() {
		var or outcomeRow
		var r60, r180, er60, er180 sql.NullFloat64
		var mr60, mr180 sql.NullString
		if err := outcomeRows.Scan(&or.Side, &r60, &r180, &er60, &er180, &mr60, &mr180); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		or.Return60d = nullFloatPtr(r60)
		or.Return180d = nullFloatPtr(r180)
		or.ExcessReturn60d = nullFloatPtr(er60)
		or.ExcessReturn180d = nullFloatPtr(er180)
		or.MissingReason60d = nullStringPtr(mr60)
		or.MissingReason180d = nullStringPtr(mr180)
		outcomes = append(outcomes, or)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"event":    detail,
		"outcomes": outcomes,
	})
}

// handleTickerPrices returns the cached daily adjusted-close series
// for the issuer behind one ticker.
func (s *Server) handleTickerPrices(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	var issuerCIK sql.NullString
	err := s.cfg.DB.QueryRowContext(r.Context(), `SELECT issuer_cik FROM insider_events WHERE ticker = ? LIMIT 1`, ticker).Scan(&issuerCIK)
	if err == sql.ErrNoRows || !issuerCIK.Valid {
		s.writeError(w, http.StatusNotFound, "no issuer known for ticker")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rows, err := s.cfg.DB.QueryContext(r.Context(), `
		SELECT trade_date, close FROM issuer_prices WHERE issuer_cik = ? ORDER BY trade_date ASC`, issuerCIK.String)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	type pricePoint struct {
		TradeDate string  `json:"trade_date"`
		Close     float64 `json:"close"`
	}
	var out []pricePoint
	for rows.Next() {
		var p pricePoint
		if err := rows.Scan(&p.TradeDate, &p.Close); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, p)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleAdminMetrics reports process/host resource usage and queue
// depth by status.
func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, health.Collect(r.Context(), s.cfg.DB))
}

// handleAdminJobs lists the most recently updated jobs, for eyeballing
// what the worker fleet is doing.
func (s *Server) handleAdminJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	rows, err := s.cfg.DB.QueryContext(r.Context(), `
		SELECT job_id, job_type, status, priority, attempts, max_attempts, last_error, updated_at
		FROM jobs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	type jobRow struct {
		JobID       int64   `json:"job_id"`
		JobType     string  `json:"job_type"`
		Status      string  `json:"status"`
		Priority    int     `json:"priority"`
		Attempts    int     `json:"attempts"`
		MaxAttempts int     `json:"max_attempts"`
		LastError   *string `json:"last_error,omitempty"`
		UpdatedAt   string  `json:"updated_at"`
	}
	var out []jobRow
	for rows.Next() {
		var jr jobRow
		var lastError sql.NullString
		if err := rows.Scan(&jr.JobID, &jr.JobType, &jr.Status, &jr.Priority, &jr.Attempts, &jr.MaxAttempts, &lastError, &jr.UpdatedAt); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jr.LastError = nullStringPtr(lastError)
		out = append(out, jr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleReparseTicker enqueues REPARSE_TICKER for every filing known
// to belong to one ticker's issuer.
func (s *Server) handleReparseTicker(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	err := queue.Enqueue(r.Context(), s.cfg.DB, queue.EnqueueParams{
		JobType:   queue.JobReparseTicker,
		DedupeKey: queue.DedupeReparseTicker(ticker, s.cfg.CurrentParseVersion),
		Payload:   map[string]any{"ticker": ticker},
		Priority:  50,
	})
	s.respondEnqueue(w, err)
}

// handleIngestAccession enqueues a single accession fetch, e.g. to
// backfill one filing an operator spotted missing.
func (s *Server) handleIngestAccession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessionNumber string `json:"accession_number"`
		IssuerCIK       string `json:"issuer_cik"`
		AIRequested     bool   `json:"ai_requested"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccessionNumber == "" {
		s.writeError(w, http.StatusBadRequest, "accession_number is required")
		return
	}
	err := queue.Enqueue(r.Context(), s.cfg.DB, queue.EnqueueParams{
		JobType:   queue.JobFetchAccessionDocs,
		DedupeKey: queue.DedupeFetchAccessionDocs(body.AccessionNumber),
		Payload: map[string]any{
			"accession_number": body.AccessionNumber,
			"issuer_cik":       body.IssuerCIK,
			"ai_requested":     body.AIRequested,
		},
		Priority: 50,
	})
	s.respondEnqueue(w, err)
}

// handleBackfillTicker enqueues discovery for one ticker's issuer CIK
// starting from the start_year query parameter (2020 when absent).
func (s *Server) handleBackfillTicker(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	var issuerCIK sql.NullString
	err := s.cfg.DB.QueryRowContext(r.Context(), `SELECT issuer_cik FROM insider_events WHERE ticker = ? LIMIT 1`, ticker).Scan(&issuerCIK)
	if err != nil || !issuerCIK.Valid {
		s.writeError(w, http.StatusNotFound, "issuer CIK not yet known for ticker; ingest an accession first")
		return
	}

	startYear := queryInt(r, "start_year", 2020)
	enqErr := queue.Enqueue(r.Context(), s.cfg.DB, queue.EnqueueParams{
		JobType:   queue.JobBackfillDiscoverIssuer,
		DedupeKey: queue.DedupeBackfillDiscover(issuerCIK.String, startYear),
		Payload:   map[string]any{"issuer_cik": issuerCIK.String, "start_year": startYear},
		Priority:  25,
	})
	s.respondEnqueue(w, enqErr)
}

// handleFetchBenchmarkPrices force-enqueues a benchmark refresh.
func (s *Server) handleFetchBenchmarkPrices(w http.ResponseWriter, r *http.Request) {
	err := queue.Enqueue(r.Context(), s.cfg.DB, queue.EnqueueParams{
		JobType:         queue.JobFetchBenchmarkPrices,
		DedupeKey:       queue.DedupeFetchBenchmarkPrices(s.cfg.BenchmarkSymbol),
		Payload:         map[string]any{"symbol": s.cfg.BenchmarkSymbol},
		Priority:        50,
		RequeueIfExists: true,
	})
	s.respondEnqueue(w, err)
}

// handleRegenerateAI force re-enqueues RUN_AI_FOR_EVENT for one event,
// bypassing the usual ai_requested gate set at ingest time.
func (s *Server) handleRegenerateAI(w http.ResponseWriter, r *http.Request) {
	issuerCIK := chi.URLParam(r, "issuerCik")
	ownerKey := chi.URLParam(r, "ownerKey")
	accessionNumber := chi.URLParam(r, "accessionNumber")

	err := queue.Enqueue(r.Context(), s.cfg.DB, queue.EnqueueParams{
		JobType:   queue.JobRunAIForEvent,
		DedupeKey: queue.DedupeRunAIForEvent(issuerCIK, ownerKey, accessionNumber, s.cfg.PromptVersion),
		Payload: map[string]any{
			"issuer_cik":       issuerCIK,
			"owner_key":        ownerKey,
			"accession_number": accessionNumber,
		},
		Priority:        10,
		RequeueIfExists: true,
	})
	s.respondEnqueue(w, err)
}

func (s *Server) respondEnqueue(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
