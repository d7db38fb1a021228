package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
)

// Subscription is one fan-out row: a subscriber wants a stream on a
// transport. Unique on the full tuple.
type Subscription struct {
	SubscriberID string           `json:"subscriber_id"`
	Transport    Transport        `json:"transport"`
	Pair         market.Pair      `json:"pair"`
	Timeframe    market.Timeframe `json:"timeframe"`
}

func (s Subscription) key() string {
	return s.SubscriberID + "|" + string(s.Transport) + "|" + string(s.Pair) + "|" + string(s.Timeframe)
}

// Subscriber is what the planner iterates: one (subscriber, transport) with
// its resolved policy.
type Subscriber struct {
	ID        string
	Transport Transport
	Policy    *Policy
}

// Store persists subscriptions and policies. The registry keeps the
// authoritative working set in memory and writes through.
type Store interface {
	LoadSubscriptions(ctx context.Context) ([]Subscription, error)
	LoadPolicies(ctx context.Context) ([]*Policy, error)
	UpsertSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, sub Subscription) error
	UpsertPolicy(ctx context.Context, policy *Policy) error
}

// snapshot is an immutable view for readers. Replaced wholesale on writes
// so ListSubscribers never blocks behind a writer.
type snapshot struct {
	subscriptions map[string][]Subscription // keyed pair:timeframe
	policies      map[string]*Policy
}

// Registry owns subscriptions and per-subscriber policies. Reads serve from
// a copy-on-write snapshot; writes go through the store then rebuild.
type Registry struct {
	mu    sync.Mutex // serializes writers
	store Store
	log   *logging.Logger
	view  atomic.Value // *snapshot

	subscriptions map[string]Subscription
	policies      map[string]*Policy
}

// New creates a registry backed by store and loads the working set.
func New(ctx context.Context, store Store, log *logging.Logger) (*Registry, error) {
	r := &Registry{
		store:         store,
		log:           log,
		subscriptions: make(map[string]Subscription),
		policies:      make(map[string]*Policy),
	}

	subs, err := store.LoadSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	for _, sub := range subs {
		r.subscriptions[sub.key()] = sub
	}

	policies, err := store.LoadPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	for _, p := range policies {
		r.policies[p.SubscriberID] = p
	}

	r.rebuild()
	log.Info("subscription registry loaded",
		"subscriptions", len(r.subscriptions), "policies", len(r.policies))
	return r, nil
}

// rebuild publishes a fresh snapshot. Callers hold r.mu.
func (r *Registry) rebuild() {
	view := &snapshot{
		subscriptions: make(map[string][]Subscription),
		policies:      make(map[string]*Policy, len(r.policies)),
	}
	for _, sub := range r.subscriptions {
		key := string(sub.Pair) + ":" + string(sub.Timeframe)
		view.subscriptions[key] = append(view.subscriptions[key], sub)
	}
	for id, p := range r.policies {
		view.policies[id] = p.clone()
	}
	r.view.Store(view)
}

func (r *Registry) current() *snapshot {
	return r.view.Load().(*snapshot)
}

// Subscribe upserts a subscription row. Repeating the same tuple is a no-op.
func (r *Registry) Subscribe(ctx context.Context, sub Subscription) error {
	if _, err := market.ParsePair(string(sub.Pair)); err != nil {
		return err
	}
	if !sub.Timeframe.Valid() {
		return fmt.Errorf("unknown timeframe %q", sub.Timeframe)
	}
	if !ValidTransport(sub.Transport) {
		return fmt.Errorf("unknown transport %q", sub.Transport)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscriptions[sub.key()]; exists {
		return nil
	}
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	r.subscriptions[sub.key()] = sub
	r.rebuild()
	return nil
}

// Unsubscribe removes a subscription row; idempotent.
func (r *Registry) Unsubscribe(ctx context.Context, sub Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscriptions[sub.key()]; !exists {
		return nil
	}
	if err := r.store.DeleteSubscription(ctx, sub); err != nil {
		return err
	}
	delete(r.subscriptions, sub.key())
	r.rebuild()
	return nil
}

// ListSubscribers returns every (subscriber, transport) subscribed to the
// stream, each carrying its resolved policy. Reads a consistent snapshot.
func (r *Registry) ListSubscribers(pair market.Pair, tf market.Timeframe) []Subscriber {
	view := r.current()

	key := string(pair) + ":" + string(tf)
	subs := view.subscriptions[key]
	out := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		policy := view.policies[sub.SubscriberID]
		if policy == nil {
			policy = DefaultPolicy(sub.SubscriberID)
		} else {
			policy = policy.clone()
		}
		out = append(out, Subscriber{ID: sub.SubscriberID, Transport: sub.Transport, Policy: policy})
	}
	return out
}

// GetPolicy returns the subscriber's policy, or the default when none is
// recorded.
func (r *Registry) GetPolicy(subscriberID string) *Policy {
	view := r.current()
	if p, ok := view.policies[subscriberID]; ok {
		return p.clone()
	}
	return DefaultPolicy(subscriberID)
}

// UpdatePolicy applies a partial update to the subscriber's policy,
// creating it from defaults if absent.
func (r *Registry) UpdatePolicy(ctx context.Context, subscriberID string, patch *PolicyPatch) (*Policy, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	policy, ok := r.policies[subscriberID]
	if !ok {
		policy = DefaultPolicy(subscriberID)
	} else {
		policy = policy.clone()
	}

	if patch.MinConfidence != nil {
		policy.MinConfidence = *patch.MinConfidence
	}
	if patch.CooldownMinutes != nil {
		policy.CooldownMinutes = *patch.CooldownMinutes
	}
	if patch.DailyCap != nil {
		policy.DailyCap = *patch.DailyCap
	}
	if patch.MuteWindows != nil {
		windows := make([]MuteWindow, 0, len(*patch.MuteWindows))
		for _, s := range *patch.MuteWindows {
			w, err := ParseMuteWindow(s)
			if err != nil {
				return nil, err
			}
			windows = append(windows, w)
		}
		policy.MuteWindows = windows
	}
	if patch.Timezone != nil {
		policy.Timezone = *patch.Timezone
	}
	if patch.EnabledTimeframes != nil {
		policy.EnabledTimeframes = append([]market.Timeframe(nil), *patch.EnabledTimeframes...)
	}
	if patch.TransportsEnabled != nil {
		policy.TransportsEnabled = append([]Transport(nil), *patch.TransportsEnabled...)
	}
	if patch.NotifyHold != nil {
		policy.NotifyHold = *patch.NotifyHold
	}
	if patch.StrongOnly != nil {
		policy.StrongOnly = *patch.StrongOnly
	}

	if err := r.store.UpsertPolicy(ctx, policy); err != nil {
		return nil, err
	}
	r.policies[subscriberID] = policy
	r.rebuild()
	return policy.clone(), nil
}

// Subscriptions returns every subscription row, for admin listings.
func (r *Registry) Subscriptions(subscriberID string) []Subscription {
	view := r.current()

	var out []Subscription
	for _, subs := range view.subscriptions {
		for _, sub := range subs {
			if sub.SubscriberID == subscriberID {
				out = append(out, sub)
			}
		}
	}
	return out
}
