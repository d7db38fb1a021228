package planner

import (
	"context"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/signal"
	"aifx-advisor/internal/store"
)

// Delivery is one planned send: a change going to one subscriber on one
// transport. The monitoring loop also enqueues deliveries with an empty
// ChangeID (no cooldown stamping) and a prerendered Text.
type Delivery struct {
	SubscriberID string
	Transport    registry.Transport
	ChangeID     string
	Change       *signal.Change
	Signal       *signal.Signal

	// Kind labels the payload on the wire; empty means "signal.change".
	Kind string
	// Text overrides the default rendering when set.
	Text string
}

// Planner turns a change event into the set of deliveries that survive
// policy filtering. It never sends anything itself.
type Planner struct {
	registry *registry.Registry
	signals  store.SignalStore
	log      *logging.Logger
}

func New(reg *registry.Registry, signals store.SignalStore, log *logging.Logger) *Planner {
	return &Planner{registry: reg, signals: signals, log: log}
}

// Plan evaluates every subscriber of the change's stream against their
// policy at now. Filters run cheapest first; the store is only consulted
// for subscribers that survive the in-memory checks.
func (p *Planner) Plan(ctx context.Context, change *signal.Change, sig *signal.Signal, now time.Time) ([]Delivery, error) {
	subscribers := p.registry.ListSubscribers(change.Pair, change.Timeframe)

	var planned []Delivery
	for _, sub := range subscribers {
		policy := sub.Policy

		if !policy.TimeframeEnabled(change.Timeframe) {
			continue
		}
		if !policy.TransportEnabled(sub.Transport) {
			continue
		}
		if sig.Confidence < policy.MinConfidence {
			continue
		}
		if sig.Action == signal.ActionHold && !policy.NotifyHold {
			continue
		}
		if !policy.AcceptsStrength(sig.Strength) {
			continue
		}
		if policy.Muted(now) {
			continue
		}

		if policy.CooldownMinutes > 0 {
			last, found, err := p.signals.LastNotified(ctx, change.Pair, change.Timeframe, sub.ID)
			if err != nil {
				return nil, err
			}
			if found && now.Sub(last) < time.Duration(policy.CooldownMinutes)*time.Minute {
				continue
			}
		}

		if policy.DailyCap > 0 {
			count, err := p.signals.CountNotified(ctx, sub.ID, policy.LocalMidnight(now))
			if err != nil {
				return nil, err
			}
			if count >= policy.DailyCap {
				continue
			}
		}

		planned = append(planned, Delivery{
			SubscriberID: sub.ID,
			Transport:    sub.Transport,
			ChangeID:     change.ID,
			Change:       change,
			Signal:       sig,
		})
	}

	p.log.Debug("deliveries planned",
		"pair", change.Pair, "timeframe", change.Timeframe,
		"subscribers", len(subscribers), "planned", len(planned))
	return planned, nil
}
