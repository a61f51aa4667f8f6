package external

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// FetchAndStoreNews refreshes the cached headlines for ticker unless
// a fetch within cfg.NewsMaxAgeHours already ran. Items without a
// usable URL are skipped since (ticker, published_at, url) is the
// dedupe key.
func FetchAndStoreNews(ctx context.Context, db *sql.DB, client *Client, cfg Config, ticker string, now time.Time) error {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if t == "" {
		return fmt.Errorf("external: ticker is blank")
	}

	var lastFetch sql.NullString
	err := db.QueryRowContext(ctx, `SELECT MAX(fetched_at) FROM issuer_news WHERE ticker=?`, t).Scan(&lastFetch)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("external: check news cache: %w", err)
	}
	if isFresh(lastFetch, cfg.NewsMaxAgeHours, now) {
		return nil
	}

	symbol, err := client.ResolveSymbol(ctx, t)
	if err != nil {
		return err
	}

	lookbackDays := cfg.NewsLookbackDays
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	limit := cfg.NewsLimit
	if limit <= 0 {
		limit = 50
	}

	items, err := client.FetchNews(ctx, NewsFetchOptions{
		Symbol:   symbol,
		Limit:    limit,
		DateFrom: now.AddDate(0, 0, -lookbackDays).UTC().Format("2006-01-02"),
		DateTo:   now.UTC().Format("2006-01-02"),
	})
	if err != nil {
		return err
	}

	fetchedAt := now.UTC().Format(time.RFC3339)
	for _, item := range items {
		u := strings.TrimSpace(stringField(item, "link", "url"))
		if u == "" {
			continue
		}
		title := nullString(strings.TrimSpace(stringField(item, "title")))
		source := nullString(strings.TrimSpace(firstNonEmpty(stringField(item, "source"), stringField(item, "site"))))
		publishedAt := strings.TrimSpace(firstNonEmpty(stringField(item, "date"), stringField(item, "datetime"), stringField(item, "published_at")))
		if publishedAt == "" {
			publishedAt = fetchedAt
		}
		sentiment := extractSentiment(item)

		rawPayload, err := msgpack.Marshal(item)
		if err != nil {
			continue
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO issuer_news (ticker, published_at, title, source, url, sentiment, raw_vendor_payload, fetched_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(ticker, published_at, url) DO UPDATE SET
				title=excluded.title,
				source=excluded.source,
				sentiment=excluded.sentiment,
				raw_vendor_payload=excluded.raw_vendor_payload,
				fetched_at=excluded.fetched_at`,
			t, publishedAt, title, source, u, nullFloat(sentiment), rawPayload, fetchedAt,
		)
		if err != nil {
			return fmt.Errorf("external: upsert issuer_news: %w", err)
		}
	}
	return nil
}

func isFresh(ts sql.NullString, maxAgeHours int, now time.Time) bool {
	if !ts.Valid || ts.String == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return false
	}
	return now.Sub(t) <= time.Duration(maxAgeHours)*time.Hour
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func extractSentiment(item map[string]any) *float64 {
	sent, ok := item["sentiment"].(map[string]any)
	if !ok {
		return nil
	}
	for _, k := range []string{"polarity", "score", "compound"} {
		if v, ok := sent[k]; ok {
			if f := toFloat(v); f != nil {
				return f
			}
		}
	}
	return nil
}
