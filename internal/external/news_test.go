package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchAndStoreNewsUpsertsDedupedByURL(t *testing.T) {
	db := openTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search/ACME" {
			w.Write([]byte(`[{"Code":"ACME","Exchange":"US"}]`))
			return
		}
		w.Write([]byte(`[
			{"title":"First headline","link":"https://example.com/1","date":"2026-01-10T00:00:00+00:00","source":"Wire","sentiment":{"polarity":0.4}},
			{"title":"No url here"},
			{"title":"Second headline","url":"https://example.com/2","source":"Wire"}
		]`))
	}))
	defer srv.Close()

	client := New(Config{APIKey: "k", BaseURL: srv.URL})
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	err := FetchAndStoreNews(context.Background(), db, client, Config{NewsMaxAgeHours: 6}, "acme", now)
	require.NoError(t, err)

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM issuer_news WHERE ticker='ACME'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "item with no url should be skipped")

	var sentiment float64
	err = db.QueryRow(`SELECT sentiment FROM issuer_news WHERE url='https://example.com/1'`).Scan(&sentiment)
	require.NoError(t, err)
	assert.Equal(t, 0.4, sentiment)
}

func TestFetchAndStoreNewsSkipsWhenFresh(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	_, err := db.Exec(`
		INSERT INTO issuer_news (ticker, published_at, title, url, fetched_at)
		VALUES ('ACME', '2026-01-14T00:00:00Z', 'old', 'https://example.com/old', ?)`,
		now.Add(-1*time.Hour).Format(time.RFC3339))
	require.NoError(t, err)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := New(Config{APIKey: "k", BaseURL: srv.URL})
	err = FetchAndStoreNews(context.Background(), db, client, Config{NewsMaxAgeHours: 6}, "ACME", now)
	require.NoError(t, err)
	assert.False(t, called, "should not call vendor when cache is fresh")
}

func TestExtractSentimentTriesMultipleKeys(t *testing.T) {
	item := map[string]any{"sentiment": map[string]any{"compound": 0.75}}
	got := extractSentiment(item)
	require.NotNil(t, got)
	assert.Equal(t, 0.75, *got)

	assert.Nil(t, extractSentiment(map[string]any{}))
}
