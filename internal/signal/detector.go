package signal

import (
	"math"
	"time"
)

// confidenceDelta is the minimum confidence move that is notifiable on its
// own. The boundary is inclusive.
const confidenceDelta = 0.1

// Detect decides whether the new signal constitutes a notifiable change
// against the prior persisted one. Pure of (prior, new); cooldown is
// enforced downstream by the Delivery Planner.
func Detect(prior, new *Signal) bool {
	if prior == nil {
		return true
	}
	if new.Action != prior.Action {
		return true
	}
	if math.Abs(new.Confidence-prior.Confidence) >= confidenceDelta {
		return true
	}
	// Band upgrades notify; downgrades inside the delta do not.
	if new.Strength.Rank() > prior.Strength.Rank() {
		return true
	}
	return false
}

// NewChange builds the change-log record for a detected change. prior may
// be nil for the first signal of a stream.
func NewChange(prior, new *Signal, detectedAt time.Time) *Change {
	c := &Change{
		ID:              NewID(),
		Pair:            new.Pair,
		Timeframe:       new.Timeframe,
		NewAction:       new.Action,
		NewConfidence:   new.Confidence,
		Strength:        new.Strength,
		MarketCondition: new.MarketCondition,
		DetectedAt:      detectedAt.UTC(),
	}
	if prior != nil {
		c.OldAction = prior.Action
		c.OldConfidence = prior.Confidence
	}
	return c
}
