// Package external fetches and caches vendor fundamentals and news
// data from EODHD, the single external market-data vendor this
// pipeline depends on at runtime besides SEC EDGAR itself.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config carries the vendor connection knobs sourced from process
// configuration.
type Config struct {
	APIKey              string
	BaseURL             string
	TimeoutSeconds      int
	MarketCapMaxAgeDays int
	NewsMaxAgeHours     int
	NewsLookbackDays    int
	NewsLimit           int
}

// Client is a thin EODHD REST client. It holds no cache state of its
// own; callers (FetchAndStoreFundamentals, FetchAndStoreNews) own the
// staleness check and the database write.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a Client. TimeoutSeconds defaults to 120 (fundamentals
// and news payloads can be large).
func New(cfg Config) *Client {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://eodhd.com/api"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

var symbolWithExchangeRe = regexp.MustCompile(`^[A-Za-z0-9\-]+\.[A-Za-z]{2,4}$`)

// ResolveSymbol maps a plain SEC trading symbol to an EODHD
// CODE.EXCHANGE symbol. A ticker already shaped like CODE.EXCHANGE
// (e.g. AAPL.US) is returned unchanged; BRK.B-style SEC tickers
// contain a dot but are not already EODHD symbols, so the shape check
// requires a 2-4 letter exchange suffix before treating the input as
// pre-resolved.
func (c *Client) ResolveSymbol(ctx context.Context, ticker string) (string, error) {
	t := strings.TrimSpace(ticker)
	if t == "" {
		return "", fmt.Errorf("external: ticker is blank")
	}
	if strings.Contains(t, ".") && symbolWithExchangeRe.MatchString(t) {
		return t, nil
	}

	reqURL := fmt.Sprintf("%s/search/%s", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(t))
	body, err := c.get(ctx, reqURL, url.Values{"fmt": {"json"}})
	if err != nil {
		return "", err
	}

	var results []map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &results); err != nil {
			return "", fmt.Errorf("external: decode search response: %w", err)
		}
	}
	if len(results) == 0 {
		return "", fmt.Errorf("external: symbol search returned no results for %s", t)
	}

	for _, r := range results {
		code := strings.TrimSpace(stringField(r, "Code", "code"))
		exch := strings.TrimSpace(stringField(r, "Exchange", "exchange"))
		if strings.EqualFold(code, t) && strings.EqualFold(exch, "US") {
			return fmt.Sprintf("%s.%s", strings.ToUpper(code), strings.ToUpper(exch)), nil
		}
	}

	first := results[0]
	code := strings.TrimSpace(stringField(first, "Code", "code"))
	if code == "" {
		code = t
	}
	exch := strings.TrimSpace(stringField(first, "Exchange", "exchange"))
	if exch == "" {
		exch = "US"
	}
	return fmt.Sprintf("%s.%s", strings.ToUpper(code), strings.ToUpper(exch)), nil
}

// FetchFundamentals returns the full, vendor-shaped fundamentals
// payload for an already-resolved EODHD symbol.
func (c *Client) FetchFundamentals(ctx context.Context, symbol string) (map[string]any, error) {
	reqURL := fmt.Sprintf("%s/fundamentals/%s", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(symbol))
	body, err := c.get(ctx, reqURL, url.Values{"fmt": {"json"}})
	if err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("external: decode fundamentals response: %w", err)
		}
	}
	return payload, nil
}

// NewsFetchOptions narrows a news request to a window of interest.
type NewsFetchOptions struct {
	Symbol   string
	Limit    int
	Offset   int
	DateFrom string
	DateTo   string
}

// FetchNews returns financial news/sentiment items for a symbol.
func (c *Client) FetchNews(ctx context.Context, opts NewsFetchOptions) ([]map[string]any, error) {
	if opts.Symbol == "" {
		return nil, fmt.Errorf("external: FetchNews requires a symbol")
	}
	params := url.Values{
		"fmt":    {"json"},
		"s":      {opts.Symbol},
		"limit":  {strconv.Itoa(opts.Limit)},
		"offset": {strconv.Itoa(opts.Offset)},
	}
	if opts.DateFrom != "" {
		params.Set("from", opts.DateFrom)
	}
	if opts.DateTo != "" {
		params.Set("to", opts.DateTo)
	}

	reqURL := fmt.Sprintf("%s/news", strings.TrimRight(c.cfg.BaseURL, "/"))
	body, err := c.get(ctx, reqURL, params)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("external: decode news response: %w", err)
		}
	}
	return items, nil
}

// EODPricePoint is one daily adjusted close from the EOD endpoint.
type EODPricePoint struct {
	Date     string
	AdjClose float64
}

// FetchEODPrices returns the daily adjusted-close series for an
// already-resolved EODHD symbol between from and to (both
// YYYY-MM-DD, inclusive).
func (c *Client) FetchEODPrices(ctx context.Context, symbol, from, to string) ([]EODPricePoint, error) {
	reqURL := fmt.Sprintf("%s/eod/%s", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(symbol))
	params := url.Values{"fmt": {"json"}, "period": {"d"}}
	if from != "" {
		params.Set("from", from)
	}
	if to != "" {
		params.Set("to", to)
	}
	body, err := c.get(ctx, reqURL, params)
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("external: decode eod response: %w", err)
		}
	}

	out := make([]EODPricePoint, 0, len(rows))
	for _, r := range rows {
		date := stringField(r, "date")
		if date == "" {
			continue
		}
		adjClose := toFloat(r["adjusted_close"])
		if adjClose == nil {
			adjClose = toFloat(r["close"])
		}
		if adjClose == nil {
			continue
		}
		out = append(out, EODPricePoint{Date: date, AdjClose: *adjClose})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, base string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_token", c.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("external: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("external: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external: eodhd error %d: %s", resp.StatusCode, truncate(string(body), 500))
	}
	return body, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
