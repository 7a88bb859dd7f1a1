package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Cache is the process-wide USD spot price with bounded staleness. Before
// the first successful fetch it is unset, which callers must treat as
// unknown rather than zero. A failed refresh keeps serving the previous
// value; staleness, not freshness, is the only guarantee.
type Cache struct {
	source Source
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	price     decimal.Decimal
	set       bool
	fetchedAt time.Time
}

// NewCache wraps a spot price source with a TTL cache.
func NewCache(src Source, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		source: src,
		ttl:    ttl,
		logger: logger.With().Str("component", "price_cache").Logger(),
		now:    time.Now,
	}
}

// Price returns the cached spot price, refreshing it when stale. The second
// return value is false while the cache has never been filled. Overlapping
// refreshes are allowed; the last writer wins.
func (c *Cache) Price(ctx context.Context) (decimal.Decimal, bool) {
	c.mu.Lock()
	if c.set && c.now().Sub(c.fetchedAt) < c.ttl {
		price := c.price
		c.mu.Unlock()
		return price, true
	}
	c.mu.Unlock()

	// Fetch outside the lock so a slow quote source never blocks readers.
	fresh, err := c.source.FetchSpot(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Bool("stale_available", c.set).
			Msg("spot refresh failed; serving previous cached value")
		return c.price, c.set
	}

	c.price = fresh
	c.set = true
	c.fetchedAt = c.now()
	c.logger.Debug().Str("usd", fresh.String()).Msg("spot price refreshed")
	return fresh, true
}

// Snapshot returns the cached value without triggering a refresh.
func (c *Cache) Snapshot() (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price, c.set
}
