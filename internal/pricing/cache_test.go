package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type scriptedSource struct {
	calls   int
	results []func() (decimal.Decimal, error)
}

func (s *scriptedSource) FetchSpot(ctx context.Context) (decimal.Decimal, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx]()
}

func ok(v int64) func() (decimal.Decimal, error) {
	return func() (decimal.Decimal, error) { return decimal.NewFromInt(v), nil }
}

func fail() func() (decimal.Decimal, error) {
	return func() (decimal.Decimal, error) { return decimal.Decimal{}, errors.New("quote source down") }
}

func TestCacheUnsetBeforeFirstFetch(t *testing.T) {
	src := &scriptedSource{results: []func() (decimal.Decimal, error){fail()}}
	cache := NewCache(src, time.Minute, zerolog.Nop())

	if _, set := cache.Snapshot(); set {
		t.Fatal("cache must start unset")
	}
	if _, set := cache.Price(context.Background()); set {
		t.Fatal("failed first fetch must leave the cache unset, not zero")
	}
}

func TestCacheServesStaleValueOnRefreshFailure(t *testing.T) {
	src := &scriptedSource{results: []func() (decimal.Decimal, error){ok(100), fail()}}
	cache := NewCache(src, time.Minute, zerolog.Nop())

	clock := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	price, set := cache.Price(context.Background())
	if !set || !price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("first fetch should cache 100, got %s set=%v", price, set)
	}

	// Age the cache past the TTL so the next read attempts a refresh.
	clock = clock.Add(2 * time.Minute)

	price, set = cache.Price(context.Background())
	if !set {
		t.Fatal("stale value must remain available after a failed refresh")
	}
	if !price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected stale 100 after failure, got %s", price)
	}
	if src.calls != 2 {
		t.Fatalf("expected 2 source calls, got %d", src.calls)
	}
}

func TestCacheServesFreshValueWithinTTL(t *testing.T) {
	src := &scriptedSource{results: []func() (decimal.Decimal, error){ok(100), ok(200)}}
	cache := NewCache(src, time.Minute, zerolog.Nop())

	clock := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	cache.Price(context.Background())
	clock = clock.Add(30 * time.Second)

	price, _ := cache.Price(context.Background())
	if !price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("within TTL the cached value should be served, got %s", price)
	}
	if src.calls != 1 {
		t.Fatalf("refresh should not fire within TTL, calls=%d", src.calls)
	}
}

func TestCoinGeckoFetchSpot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "solana" {
			t.Fatalf("unexpected ids param: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]map[string]float64{
			"solana": {"usd": 151.25},
		})
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{QuoteURL: srv.URL, AssetID: "solana", Timeout: time.Second}, zerolog.Nop())
	price, err := cg.FetchSpot(context.Background())
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(151.25)) {
		t.Fatalf("expected 151.25, got %s", price)
	}
}

func TestCoinGeckoRejectsZeroQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]map[string]float64{"solana": {"usd": 0}})
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{QuoteURL: srv.URL, AssetID: "solana", Timeout: time.Second}, zerolog.Nop())
	if _, err := cg.FetchSpot(context.Background()); err == nil {
		t.Fatal("zero quote must be rejected as unset")
	}
}

func TestCoinGeckoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{QuoteURL: srv.URL, AssetID: "solana", Timeout: time.Second}, zerolog.Nop())
	if _, err := cg.FetchSpot(context.Background()); err == nil {
		t.Fatal("HTTP 429 must return an error")
	}
}
