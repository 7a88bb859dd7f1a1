package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func proxyOnlyRouter(target string) http.Handler {
	return NewRouter(Options{
		Source:      &fakeSource{},
		Market:      &fakeMarket{},
		Hub:         NewHub(zerolog.Nop()),
		Sessions:    NewSessionStore(disabledAuth(), zerolog.Nop()),
		ProxyTarget: target,
	}, zerolog.Nop())
}

func TestProxyForwardsRequestVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method not forwarded, got %s", r.Method)
		}
		if r.URL.Path != "/collections/pokemon" {
			t.Errorf("path not forwarded, got %s", r.URL.Path)
		}
		if r.URL.RawQuery != "limit=5" {
			t.Errorf("query not forwarded, got %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("header not forwarded, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"a":1}` {
			t.Errorf("body not forwarded, got %s", body)
		}
		w.Header().Set("X-Upstream", "hit")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "brew")
	}))
	defer upstream.Close()

	router := proxyOnlyRouter(upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/collections/pokemon?limit=5", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Custom", "yes")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("upstream status must pass through, got %d", rec.Code)
	}
	if rec.Body.String() != "brew" {
		t.Fatalf("upstream body must pass through, got %q", rec.Body.String())
	}
	if got := rec.Header().Get("X-Upstream"); got != "hit" {
		t.Fatalf("upstream header must pass through, got %q", got)
	}
}

func TestProxyStripsAPIPrefix(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/foo" {
			t.Errorf("/api prefix must be stripped, upstream saw %s", r.URL.Path)
		}
		if r.URL.RawQuery != "x=1" {
			t.Errorf("query not forwarded, got %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "down")
	}))
	defer upstream.Close()

	router := proxyOnlyRouter(upstream.URL)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/foo?x=1", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("upstream status must pass through unchanged, got %d", rec.Code)
	}
	if rec.Body.String() != "down" {
		t.Fatalf("upstream body must pass through unchanged, got %q", rec.Body.String())
	}
}

func TestProxyAnswers502WhenUpstreamUnreachable(t *testing.T) {
	// A closed server guarantees a connection failure.
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstream.Close()

	router := proxyOnlyRouter(upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unreachable upstream must answer 502, got %d", rec.Code)
	}
}

func TestProxyAnswers500WhenUnconfigured(t *testing.T) {
	router := proxyOnlyRouter("")
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("missing proxy target must answer 500, got %d", rec.Code)
	}
}

func TestProxyStripsHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Proxy-Authorization"); got != "" {
			t.Errorf("hop-by-hop header must be stripped, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	router := proxyOnlyRouter(upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}
