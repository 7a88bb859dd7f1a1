package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:   baseURL,
		APIKey:    "test-key",
		Timeout:   time.Second,
		UserAgent: "test",
	}, zerolog.Nop())
}

func TestListingsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/listings" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Fatalf("api key header missing, got %q", got)
		}
		_, _ = w.Write([]byte(`[
			{"token_mint":"m1","name":"Charizard #4","cartel_category":"GOOD","price_amount":12.5,"listed_at":"2026-08-30T10:00:00Z"},
			{"token_mint":"m2","name":"Squirtle #1","cartel_category":"OK","price_amount":null,"listed_at":"not-a-date"}
		]`))
	}))
	defer srv.Close()

	listings, err := newTestClient(srv.URL).Listings(context.Background())
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(listings))
	}
	if listings[0].PriceAmount == nil || !listings[0].PriceAmount.Equal(decimal.NewFromFloat(12.5)) {
		t.Fatalf("price decoded wrong: %v", listings[0].PriceAmount)
	}
	if listings[1].PriceAmount != nil {
		t.Fatal("null price must decode as nil, not zero")
	}
	if !listings[1].ListedAt.IsZero() {
		t.Fatal("unparseable listed_at must decode as zero time, not error")
	}
}

func TestListingsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "backend down"})
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Listings(context.Background()); err == nil {
		t.Fatal("non-2xx must return an error")
	}
}

func TestListingsMissingBaseURL(t *testing.T) {
	if _, err := newTestClient("").Listings(context.Background()); err == nil {
		t.Fatal("missing base url must return an error")
	}
}

func TestAdminListingsParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("page") != "2" || q.Get("limit") != "50" || q.Get("sort_by") != "listed_at" ||
			q.Get("order") != "desc" || q.Get("is_listed") != "true" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"data":[{"token_mint":"m1","name":"x"}],"pagination":{"page":2,"limit":50,"total":120,"total_pages":3}}`))
	}))
	defer srv.Close()

	isListed := true
	page, err := newTestClient(srv.URL).AdminListings(context.Background(), AdminQuery{
		Page: 2, Limit: 50, SortBy: "listed_at", Order: "desc", IsListed: &isListed,
	})
	if err != nil {
		t.Fatalf("admin fetch should succeed: %v", err)
	}
	if page.Pagination.TotalPages != 3 || len(page.Data) != 1 {
		t.Fatalf("envelope decoded wrong: %+v", page.Pagination)
	}
}

func TestWalletTokensShapes(t *testing.T) {
	bare := `[{"mint":"m1","name":"Pika","img":"a.png","attributes":[{"trait_type":"Category","value":"Pokemon"}]}]`
	wrapped := `{"tokens":[{"token_mint":"m2","name":"Zard","image":"b.png"}]}`

	for _, payload := range []string{bare, wrapped} {
		payload := payload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/wallets/w1/tokens" {
				t.Fatalf("unexpected path %s", r.URL.Path)
			}
			_, _ = w.Write([]byte(payload))
		}))

		tokens, err := newTestClient(srv.URL).WalletTokens(context.Background(), "w1", 0, 0)
		srv.Close()
		if err != nil {
			t.Fatalf("holdings fetch should succeed: %v", err)
		}
		if len(tokens) != 1 {
			t.Fatalf("expected 1 token, got %d", len(tokens))
		}
		if tokens[0].ImageURL() == "" || tokens[0].MintAddress() == "" {
			t.Fatalf("image/mint fallbacks failed: %+v", tokens[0])
		}
	}
}

func TestBuyInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("buyer") != "wallet" || q.Get("tokenMint") != "mint" || q.Get("price") != "1.5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"tx": "c2lnbmFibGU="})
	}))
	defer srv.Close()

	tx, err := newTestClient(srv.URL).BuyInstruction(context.Background(), BuyRequest{
		Buyer: "wallet", TokenMint: "mint", Price: decimal.NewFromFloat(1.5),
	})
	if err != nil {
		t.Fatalf("buy instruction should succeed: %v", err)
	}
	if tx != "c2lnbmFibGU=" {
		t.Fatalf("unexpected tx: %q", tx)
	}
}

func TestBuyInstructionValidation(t *testing.T) {
	c := newTestClient("http://localhost")
	if _, err := c.BuyInstruction(context.Background(), BuyRequest{Buyer: "w"}); err == nil {
		t.Fatal("missing tokenMint/price must be rejected")
	}
}
