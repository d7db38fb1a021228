package ml

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Short-circuiting to unavailable
	StateHalfOpen BreakerState = "half_open" // Single probe allowed
)

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures to trip
	FailureWindow    time.Duration `json:"failure_window"`    // window the failures must fall in
	OpenDuration     time.Duration `json:"open_duration"`     // how long the breaker stays open
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		OpenDuration:     30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. After FailureThreshold
// failures inside FailureWindow the breaker opens for OpenDuration, then
// lets one probe through in half-open state.
type Breaker struct {
	mu           sync.Mutex
	config       *BreakerConfig
	state        BreakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
	now          func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open state only one
// in-flight probe is allowed at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.OpenDuration {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure. A failed half-open probe reopens
// immediately; in closed state the breaker trips once the threshold is
// reached within the window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		return
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > b.config.FailureWindow {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++

	if b.failures >= b.config.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.failures = 0
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.OpenDuration {
		return StateHalfOpen
	}
	return b.state
}

// Stats reports breaker internals for health endpoints.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"state":     string(b.state),
		"failures":  b.failures,
		"opened_at": b.openedAt,
	}
}
