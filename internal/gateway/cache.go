package gateway

import (
	"sync"
	"time"

	"aifx-advisor/internal/market"
)

// cacheEntry holds one cached series with its fetch time.
type cacheEntry struct {
	series    *market.BarSeries
	fetchedAt time.Time
}

// barCache is a TTL cache keyed by pair:timeframe. Fresh entries short-circuit
// provider calls; expired entries are retained for stale fallback.
type barCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxTTL  time.Duration
}

func newBarCache(maxTTL time.Duration) *barCache {
	return &barCache{
		entries: make(map[string]*cacheEntry),
		maxTTL:  maxTTL,
	}
}

func cacheKey(pair market.Pair, tf market.Timeframe) string {
	return string(pair) + ":" + string(tf)
}

// ttlFor is min(timeframe duration, maxTTL). Short timeframes expire with the
// bar; long timeframes are capped so a 1d series is still refetched often.
func (c *barCache) ttlFor(tf market.Timeframe) time.Duration {
	d := tf.Duration()
	if d == 0 || d > c.maxTTL {
		return c.maxTTL
	}
	return d
}

// getFresh returns the cached series only while it is within TTL.
func (c *barCache) getFresh(pair market.Pair, tf market.Timeframe, now time.Time) *market.BarSeries {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey(pair, tf)]
	if !ok {
		return nil
	}
	if now.Sub(e.fetchedAt) > c.ttlFor(tf) {
		return nil
	}
	return e.series
}

// getAny returns the cached series regardless of TTL, with its age.
func (c *barCache) getAny(pair market.Pair, tf market.Timeframe, now time.Time) (*market.BarSeries, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey(pair, tf)]
	if !ok {
		return nil, 0
	}
	return e.series, now.Sub(e.fetchedAt)
}

// put stores a freshly fetched series.
func (c *barCache) put(pair market.Pair, tf market.Timeframe, series *market.BarSeries, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(pair, tf)] = &cacheEntry{series: series, fetchedAt: now}
}
