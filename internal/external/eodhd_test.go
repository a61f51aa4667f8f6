package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSymbolPassesThroughAlreadyResolvedSymbol(t *testing.T) {
	c := New(Config{APIKey: "k", BaseURL: "http://unused.invalid"})
	symbol, err := c.ResolveSymbol(context.Background(), "AAPL.US")
	require.NoError(t, err)
	assert.Equal(t, "AAPL.US", symbol)
}

func TestResolveSymbolTreatsDottedTickerWithoutExchangeAsUnresolved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/search/")
		w.Write([]byte(`[{"Code":"BRK-B","Exchange":"US"}]`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	symbol, err := c.ResolveSymbol(context.Background(), "BRK.B")
	require.NoError(t, err)
	assert.Equal(t, "BRK-B.US", symbol)
}

func TestResolveSymbolPrefersExactCodeOnUSExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Code":"ACME","Exchange":"LSE"},{"Code":"ACME","Exchange":"US"}]`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	symbol, err := c.ResolveSymbol(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, "ACME.US", symbol)
}

func TestResolveSymbolFallsBackToFirstResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Code":"ACME","Exchange":"LSE"}]`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	symbol, err := c.ResolveSymbol(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, "ACME.LSE", symbol)
}

func TestResolveSymbolErrorsOnEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.ResolveSymbol(context.Background(), "NOPE")
	assert.Error(t, err)
}

func TestFetchFundamentalsReturnsParsedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/fundamentals/AAPL.US")
		assert.Equal(t, "k", r.URL.Query().Get("api_token"))
		w.Write([]byte(`{"Highlights":{"MarketCapitalization":3000000000000}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	payload, err := c.FetchFundamentals(context.Background(), "AAPL.US")
	require.NoError(t, err)
	highlights, ok := payload["Highlights"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3000000000000), highlights["MarketCapitalization"])
}

func TestFetchFundamentalsReturnsErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.FetchFundamentals(context.Background(), "AAPL.US")
	assert.Error(t, err)
}

func TestFetchNewsRequiresSymbol(t *testing.T) {
	c := New(Config{APIKey: "k", BaseURL: "http://unused.invalid"})
	_, err := c.FetchNews(context.Background(), NewsFetchOptions{})
	assert.Error(t, err)
}

func TestFetchNewsBuildsExpectedQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "AAPL.US", q.Get("s"))
		assert.Equal(t, "5", q.Get("limit"))
		w.Write([]byte(`[{"title":"headline","link":"https://example.com/a"}]`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	items, err := c.FetchNews(context.Background(), NewsFetchOptions{Symbol: "AAPL.US", Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "headline", items[0]["title"])
}
