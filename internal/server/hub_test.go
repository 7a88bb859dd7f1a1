package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"card-deal-alerts/internal/listing"
)

func TestHubBroadcastReachesSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Broadcast([]listing.Listing{{TokenMint: "m1", CartelCategory: listing.CategoryAutoBuy}})

	select {
	case payload := <-ch:
		var batch []listing.Listing
		if err := json.Unmarshal(payload, &batch); err != nil {
			t.Fatalf("decode broadcast payload: %v", err)
		}
		if len(batch) != 1 || batch[0].TokenMint != "m1" {
			t.Fatalf("unexpected batch: %+v", batch)
		}
	default:
		t.Fatal("subscriber did not receive the broadcast")
	}
}

func TestHubCancelRemovesSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	_, cancel := hub.Subscribe()
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Subscribers())
	}

	cancel()
	if hub.Subscribers() != 0 {
		t.Fatalf("cancel must unsubscribe, got %d", hub.Subscribers())
	}
}

func TestEventsEndpointStreamsBroadcasts(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	router := NewRouter(Options{
		Source:      &fakeSource{},
		Market:      &fakeMarket{},
		Hub:         hub,
		Sessions:    NewSessionStore(disabledAuth(), zerolog.Nop()),
		ProxyTarget: "http://unused.invalid",
	}, zerolog.Nop())
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("wrong content type %q", got)
	}

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Subscribers() == 0 {
		t.Fatal("stream client never subscribed")
	}

	hub.Broadcast([]listing.Listing{{TokenMint: "m1", CartelCategory: listing.CategoryAutoBuy}})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var batch []listing.Listing
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if err := json.Unmarshal([]byte(payload), &batch); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		if len(batch) != 1 || batch[0].TokenMint != "m1" {
			t.Fatalf("unexpected batch: %+v", batch)
		}
		return
	}
}

func TestHubDropsFramesForSlowSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ch, cancel := hub.Subscribe()
	defer cancel()

	// Fill the buffer past capacity; the hub must not block.
	for i := 0; i < 20; i++ {
		hub.Broadcast([]listing.Listing{{TokenMint: "m"}})
	}

	if got := len(ch); got != cap(ch) {
		t.Fatalf("expected a full buffer of %d frames, got %d", cap(ch), got)
	}
}
