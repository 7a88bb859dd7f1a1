package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"card-deal-alerts/internal/listing"
)

// Hub rebroadcasts deal batches to connected event-stream subscribers. Slow
// subscribers drop frames rather than stall the hub.
type Hub struct {
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub constructs an empty broadcast hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "event_hub").Logger(),
		subs:   make(map[chan []byte]struct{}),
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 8)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast fans one listing batch out to every subscriber.
func (h *Hub) Broadcast(batch []listing.Listing) {
	payload, err := json.Marshal(batch)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal broadcast batch failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
			h.logger.Debug().Msg("subscriber lagging, frame dropped")
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleEvents streams broadcast batches to one client as server-sent events.
func (h *Hub) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(interface{ Flush() })
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ch, cancel := h.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case payload := <-ch:
			if err := sse.Encode(c.Writer, sse.Event{Data: string(payload)}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
