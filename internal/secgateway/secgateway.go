// Package secgateway is the single point of contact with SEC EDGAR:
// a polite, rate-limited, retrying HTTP client that fetches filing
// metadata and the raw Form 4 ownershipDocument XML.
package secgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxRetries     = 5
	baseRetryDelay = 1 * time.Second
	requestTimeout = 60 * time.Second
)

// Config configures the gateway's identity and politeness window.
type Config struct {
	UserAgent          string // required by EDGAR's fair-access policy
	MinIntervalSeconds int
}

// FilingMetadata is what a submissions lookup resolves for one
// accession.
type FilingMetadata struct {
	IssuerCIK       string
	AccessionNumber string
	FilingDate      string
	FormType        string
}

// Client is the shared EDGAR HTTP client. One instance should be
// reused process-wide so the request-interval throttle is effective.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger

	mu              sync.Mutex
	lastRequestTime time.Time
}

// New builds a gateway client. UserAgent must be a descriptive
// contact string per SEC's fair-access policy.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.MinIntervalSeconds <= 0 {
		cfg.MinIntervalSeconds = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.With().Str("component", "secgateway").Logger(),
	}
}

// throttle blocks the caller until at least MinIntervalSeconds has
// elapsed since the last request this process made to EDGAR, the same
// per-process polite-throttling contract as the original ingester.
func (c *Client) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	minInterval := time.Duration(c.cfg.MinIntervalSeconds) * time.Second
	elapsed := time.Since(c.lastRequestTime)
	if elapsed < minInterval {
		time.Sleep(minInterval - elapsed)
	}
	c.lastRequestTime = time.Now()
}

// get performs a rate-limited, retrying GET, returning the response
// body. A 429 or 5xx status, a transport error or a body read error is
// retried with exponential backoff, for at most maxRetries attempts in
// all; any other non-200 status fails at once.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		c.throttle()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("secgateway: build request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		c.log.Debug().Str("url", url).Int("attempt", attempt+1).Msg("GET")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.sleepBackoff(attempt)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			c.sleepBackoff(attempt)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("secgateway: %s returned %d", url, resp.StatusCode)
			c.sleepBackoff(attempt)
			continue
		}
		return nil, fmt.Errorf("secgateway: %s returned %d: %s", url, resp.StatusCode, string(body))
	}
	return nil, fmt.Errorf("secgateway: exhausted %d retries: %w", maxRetries, lastErr)
}

func (c *Client) sleepBackoff(attempt int) {
	time.Sleep(baseRetryDelay * time.Duration(1<<uint(attempt)))
}

// FetchFilingMetadata resolves filing_date/form_type for an accession
// from the issuer's submissions JSON, scanning the "recent" block and
// falling back to older paginated index files when not found there.
func (c *Client) FetchFilingMetadata(ctx context.Context, accessionNumber, issuerCIKHint string) (FilingMetadata, error) {
	acc := strings.TrimSpace(accessionNumber)
	issuerCIK := issuerCIKHint
	if issuerCIK == "" {
		issuerCIK = cikFromAccession(acc)
	} else {
		issuerCIK = zeroPadCIK(digitsOnly(issuerCIK))
	}

	url := fmt.Sprintf("https://data.sec.gov/submissions/CIK%s.json", issuerCIK)
	body, err := c.get(ctx, url)
	if err != nil {
		return FilingMetadata{}, err
	}

	var data submissionsResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return FilingMetadata{}, fmt.Errorf("secgateway: decode submissions: %w", err)
	}

	filingDate, formType := scanRecentBlock(data.Filings.Recent, acc)
	if filingDate == "" && formType == "" {
		for _, f := range data.Filings.Files {
			if f.Name == "" {
				continue
			}
			pageURL := "https://data.sec.gov/submissions/" + f.Name
			pageBody, err := c.get(ctx, pageURL)
			if err != nil {
				continue
			}
			var page submissionsResponse
			if err := json.Unmarshal(pageBody, &page); err != nil {
				continue
			}
			filingDate, formType = scanRecentBlock(page.Filings.Recent, acc)
			if filingDate != "" || formType != "" {
				break
			}
		}
	}

	return FilingMetadata{
		IssuerCIK:       issuerCIK,
		AccessionNumber: acc,
		FilingDate:      filingDate,
		FormType:        formType,
	}, nil
}

// DiscoverIssuerForm4Accessions walks an issuer's full submissions
// history (the "recent" block plus every paginated historical file)
// and returns every Form 4 / 4-A accession filed on or after
// startYear, for backfill discovery. Unlike FetchFilingMetadata, which
// resolves one known accession, this enumerates accessions the caller
// does not know about yet.
func (c *Client) DiscoverIssuerForm4Accessions(ctx context.Context, issuerCIK string, startYear int) ([]FilingMetadata, error) {
	cik10 := zeroPadCIK(digitsOnly(issuerCIK))
	startDate := fmt.Sprintf("%04d-01-01", startYear)

	url := fmt.Sprintf("https://data.sec.gov/submissions/CIK%s.json", cik10)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var data submissionsResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("secgateway: decode submissions: %w", err)
	}

	var out []FilingMetadata
	out = append(out, form4Filings(data.Filings.Recent, cik10, startDate)...)

	for _, f := range data.Filings.Files {
		if f.Name == "" {
			continue
		}
		pageBody, err := c.get(ctx, "https://data.sec.gov/submissions/"+f.Name)
		if err != nil {
			c.log.Warn().Err(err).Str("file", f.Name).Msg("skipping unreadable submissions history block")
			continue
		}
		var page submissionsResponse
		if err := json.Unmarshal(pageBody, &page); err != nil {
			c.log.Warn().Err(err).Str("file", f.Name).Msg("skipping unparseable submissions history block")
			continue
		}
		out = append(out, form4Filings(page.Filings.Recent, cik10, startDate)...)
	}

	return out, nil
}

func form4Filings(recent recentBlock, issuerCIK, startDate string) []FilingMetadata {
	var out []FilingMetadata
	for i, acc := range recent.AccessionNumber {
		acc = strings.TrimSpace(acc)
		if acc == "" {
			continue
		}
		var form, filingDate string
		if i < len(recent.Form) {
			form = recent.Form[i]
		}
		if i < len(recent.FilingDate) {
			filingDate = recent.FilingDate[i]
		}
		if !isForm4(form) {
			continue
		}
		if filingDate != "" && filingDate < startDate {
			continue
		}
		out = append(out, FilingMetadata{IssuerCIK: issuerCIK, AccessionNumber: acc, FilingDate: filingDate, FormType: form})
	}
	return out
}

func isForm4(form string) bool {
	f := strings.ToUpper(strings.TrimSpace(form))
	return f == "4" || f == "4/A" || strings.HasPrefix(f, "4 ")
}

// FetchForm4XML fetches the Form 4 ownershipDocument XML fragment for
// an accession, trying the hinted issuer CIK first and then the CIK
// embedded in the accession number, since a small number of filings
// are only reachable under one or the other.
func (c *Client) FetchForm4XML(ctx context.Context, accessionNumber, issuerCIKHint string) (xmlText, sourceURL string, err error) {
	acc := strings.TrimSpace(accessionNumber)

	var ciks []string
	if issuerCIKHint != "" {
		if d := digitsOnly(issuerCIKHint); d != "" {
			ciks = append(ciks, zeroPadCIK(d))
		}
	}
	if prefix := cikFromAccession(acc); prefix != "" && !contains(ciks, prefix) {
		ciks = append(ciks, prefix)
	}

	var lastErr error
	for _, cik10 := range ciks {
		text, url, fetchErr := c.fetchForm4XMLForCIK(ctx, acc, cik10)
		if fetchErr == nil {
			return text, url, nil
		}
		lastErr = fetchErr
	}
	return "", "", fmt.Errorf("secgateway: could not fetch ownershipDocument for accession=%s: %w", acc, lastErr)
}

func (c *Client) fetchForm4XMLForCIK(ctx context.Context, acc, cik10 string) (string, string, error) {
	cikPath := strconv.Itoa(mustAtoi(cik10))
	accND := strings.ReplaceAll(acc, "-", "")

	indexURL := fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s/index.json", cikPath, accND)
	body, err := c.get(ctx, indexURL)
	if err != nil {
		return "", "", err
	}

	var idx directoryIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return "", "", fmt.Errorf("secgateway: decode index: %w", err)
	}

	var candidates []string
	for _, item := range idx.Directory.Item {
		name := strings.TrimSpace(item.Name)
		lower := strings.ToLower(name)
		if strings.HasSuffix(lower, ".xml") || strings.HasSuffix(lower, ".txt") ||
			strings.HasSuffix(lower, ".htm") || strings.HasSuffix(lower, ".html") {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", "", fmt.Errorf("secgateway: no XML/TXT/HTM files in accession directory: %s", indexURL)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidateScore(candidates[i]) < candidateScore(candidates[j]) })

	baseDir := fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s/", cikPath, accND)

	var lastErr error
	for _, name := range candidates {
		url := baseDir + name
		body, err := c.get(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if frag := extractOwnershipDocument(string(body)); frag != "" {
			c.log.Debug().Str("file", name).Str("cik10", cik10).Msg("selected ownershipDocument file")
			return frag, url, nil
		}
	}
	return "", "", fmt.Errorf("secgateway: could not locate ownershipDocument in %s: %w", indexURL, lastErr)
}

// candidateScore ranks filenames the way the original ingester's
// heuristic does: lower score sorts first. XML extensions, and names
// containing "ownership"/"form"/"4", are preferred; XSD schema files
// are penalized so they never get picked over an actual document.
func candidateScore(name string) int {
	n := strings.ToLower(name)
	s := 0
	if strings.HasSuffix(n, ".xml") {
		s += 3
	}
	if strings.Contains(n, "ownership") {
		s += 4
	}
	if strings.Contains(n, "form") {
		s += 2
	}
	if strings.Contains(n, "4") {
		s += 1
	}
	if strings.HasSuffix(n, ".xsd") {
		s -= 5
	}
	return -s
}

var ownershipStartRe = regexp.MustCompile(`(?i)<ownershipdocument\b`)
var ownershipEndRe = regexp.MustCompile(`(?i)</ownershipdocument>`)

func extractOwnershipDocument(text string) string {
	startLoc := ownershipStartRe.FindStringIndex(text)
	if startLoc == nil {
		return ""
	}
	endLoc := ownershipEndRe.FindStringIndex(text)
	if endLoc == nil {
		return ""
	}
	if endLoc[1] <= startLoc[0] {
		return ""
	}
	return text[startLoc[0]:endLoc[1]]
}

type submissionsResponse struct {
	Filings struct {
		Recent recentBlock `json:"recent"`
		Files  []struct {
			Name string `json:"name"`
		} `json:"files"`
	} `json:"filings"`
}

type recentBlock struct {
	AccessionNumber []string `json:"accessionNumber"`
	Form            []string `json:"form"`
	FilingDate      []string `json:"filingDate"`
}

func scanRecentBlock(recent recentBlock, acc string) (filingDate, formType string) {
	for i, a := range recent.AccessionNumber {
		if strings.TrimSpace(a) == acc {
			if i < len(recent.FilingDate) {
				filingDate = recent.FilingDate[i]
			}
			if i < len(recent.Form) {
				formType = recent.Form[i]
			}
			return filingDate, formType
		}
	}
	return "", ""
}

type directoryIndex struct {
	Directory struct {
		Item []struct {
			Name string `json:"name"`
		} `json:"item"`
	} `json:"directory"`
}

func cikFromAccession(acc string) string {
	part := acc
	if idx := strings.Index(acc, "-"); idx >= 0 {
		part = acc[:idx]
	}
	return zeroPadCIK(digitsOnly(part))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func zeroPadCIK(digits string) string {
	if digits == "" {
		return ""
	}
	for len(digits) < 10 {
		digits = "0" + digits
	}
	return digits
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(strings.TrimLeft(s, "0"))
	if err != nil {
		return 0
	}
	return n
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
