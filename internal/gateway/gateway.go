package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
)

// Sentinel errors for callers to branch on.
var (
	// ErrProviderUnavailable means every ranked provider failed and no
	// cached series exists to fall back on.
	ErrProviderUnavailable = errors.New("market data provider unavailable")
	// ErrRateLimited means the local token bucket refused the call.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrBadSymbol means the provider does not know the requested pair.
	ErrBadSymbol = errors.New("unknown symbol")
	// ErrStale means every provider served out-of-date bars (last bar
	// older than twice the timeframe) and no cached series exists to fall
	// back on.
	ErrStale = errors.New("stale market data")
)

// DefaultBarCount is how many bars a fetch requests. Enough history for the
// slowest indicator window plus warm-up.
const DefaultBarCount = 200

// rankedProvider pairs a provider with its rate limiter.
type rankedProvider struct {
	provider Provider
	bucket   *TokenBucket
}

// Gateway serves bar series from ranked providers with a TTL cache and
// stale fallback. Callers never see provider-specific details.
type Gateway struct {
	mu        sync.Mutex
	providers []rankedProvider
	cache     *barCache
	barCount  int
	log       *logging.Logger
	now       func() time.Time

	// per-provider consecutive failure counts, for health reporting
	failures map[string]int
}

// ProviderSpec describes one upstream in rank order.
type ProviderSpec struct {
	Provider       Provider
	RequestsPerMin int
	BurstSize      int
}

// New creates a gateway over providers in rank order. maxTTL caps how long
// a cached series is considered fresh.
func New(specs []ProviderSpec, maxTTL time.Duration, log *logging.Logger) *Gateway {
	ranked := make([]rankedProvider, 0, len(specs))
	for _, s := range specs {
		rpm := s.RequestsPerMin
		if rpm <= 0 {
			rpm = 60
		}
		burst := s.BurstSize
		if burst <= 0 {
			burst = 10
		}
		ranked = append(ranked, rankedProvider{
			provider: s.Provider,
			bucket:   NewTokenBucket(float64(burst), float64(rpm)/60.0),
		})
	}
	return &Gateway{
		providers: ranked,
		cache:     newBarCache(maxTTL),
		barCount:  DefaultBarCount,
		log:       log,
		failures:  make(map[string]int),
		now:       time.Now,
	}
}

// GetBars returns the latest series for (pair, tf). Resolution order:
//  1. fresh cache hit
//  2. ranked providers, skipping rate-limited, failing and stale-serving
//     ones (a series whose last bar is older than 2x the timeframe fails
//     over to the next provider)
//  3. stale cache fallback with Stale=true and Age set
//
// A bad symbol short-circuits the chain: no provider will know it either.
func (g *Gateway) GetBars(ctx context.Context, pair market.Pair, tf market.Timeframe) (*market.BarSeries, error) {
	now := g.now()

	if series := g.cache.getFresh(pair, tf, now); series != nil {
		return series, nil
	}

	var lastErr error
	for _, rp := range g.providers {
		if !rp.bucket.TryTake() {
			lastErr = fmt.Errorf("%s: %w", rp.provider.Name(), ErrRateLimited)
			continue
		}

		bars, err := rp.provider.Fetch(ctx, pair, tf, g.barCount)
		if err != nil {
			if errors.Is(err, ErrBadSymbol) {
				return nil, err
			}
			g.recordFailure(rp.provider.Name())
			g.log.Warn("provider fetch failed",
				"provider", rp.provider.Name(), "pair", pair, "timeframe", tf, "error", err)
			lastErr = err
			continue
		}

		series := &market.BarSeries{Pair: pair, Timeframe: tf, Bars: bars}
		if err := series.Validate(); err != nil {
			g.recordFailure(rp.provider.Name())
			g.log.Warn("provider returned malformed series",
				"provider", rp.provider.Name(), "pair", pair, "error", err)
			lastErr = err
			continue
		}
		if age := staleAge(series, tf, now); age > 0 {
			g.recordFailure(rp.provider.Name())
			g.log.Warn("provider returned stale bars",
				"provider", rp.provider.Name(), "pair", pair, "timeframe", tf, "age", age.String())
			lastErr = fmt.Errorf("%s: %w: last bar %s old", rp.provider.Name(), ErrStale, age)
			continue
		}

		g.recordSuccess(rp.provider.Name())
		g.cache.put(pair, tf, series, now)
		return series, nil
	}

	// Every provider failed. Serve the last known series, marked stale.
	if cached, age := g.cache.getAny(pair, tf, now); cached != nil {
		stale := *cached
		stale.Stale = true
		stale.Age = age
		g.log.Warn("serving stale market data",
			"pair", pair, "timeframe", tf, "age", age.String())
		return &stale, nil
	}

	if lastErr != nil {
		if errors.Is(lastErr, ErrStale) {
			return nil, lastErr
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
	}
	return nil, ErrProviderUnavailable
}

// staleAge returns the last bar's age when it exceeds the freshness
// horizon of two bar lengths, or 0 for a fresh series.
func staleAge(series *market.BarSeries, tf market.Timeframe, now time.Time) time.Duration {
	last, ok := series.Last()
	if !ok {
		return 0
	}
	if age := now.Sub(last.Timestamp); age > 2*tf.Duration() {
		return age
	}
	return 0
}

func (g *Gateway) recordFailure(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[name]++
}

func (g *Gateway) recordSuccess(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[name] = 0
}

// Health reports consecutive failure counts per provider.
func (g *Gateway) Health() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]int, len(g.failures))
	for k, v := range g.failures {
		out[k] = v
	}
	return out
}
