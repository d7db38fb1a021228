package registry

import (
	"context"
	"fmt"

	"aifx-advisor/internal/market"
	"aifx-advisor/internal/store"
)

// PgStore persists the registry in PostgreSQL.
type PgStore struct {
	db *store.DB
}

func NewPgStore(db *store.DB) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) LoadSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT subscriber_id, transport, pair, timeframe FROM subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.SubscriberID, &sub.Transport, &sub.Pair, &sub.Timeframe); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PgStore) LoadPolicies(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT subscriber_id, min_confidence, cooldown_minutes,
		daily_cap, mute_windows, timezone, enabled_timeframes, transports_enabled,
		notify_hold, strong_only
		FROM subscriber_policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		var (
			p          Policy
			windows    []string
			timeframes []string
			transports []string
		)
		err := rows.Scan(&p.SubscriberID, &p.MinConfidence, &p.CooldownMinutes,
			&p.DailyCap, &windows, &p.Timezone, &timeframes, &transports,
			&p.NotifyHold, &p.StrongOnly)
		if err != nil {
			return nil, err
		}
		for _, w := range windows {
			mw, err := ParseMuteWindow(w)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", p.SubscriberID, err)
			}
			p.MuteWindows = append(p.MuteWindows, mw)
		}
		for _, tf := range timeframes {
			p.EnabledTimeframes = append(p.EnabledTimeframes, market.Timeframe(tf))
		}
		for _, tr := range transports {
			p.TransportsEnabled = append(p.TransportsEnabled, Transport(tr))
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PgStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.Pool.Exec(ctx, `INSERT INTO subscriptions (subscriber_id, transport, pair, timeframe)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscriber_id, transport, pair, timeframe) DO NOTHING`,
		sub.SubscriberID, sub.Transport, sub.Pair, sub.Timeframe)
	return err
}

func (s *PgStore) DeleteSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM subscriptions
		WHERE subscriber_id = $1 AND transport = $2 AND pair = $3 AND timeframe = $4`,
		sub.SubscriberID, sub.Transport, sub.Pair, sub.Timeframe)
	return err
}

func (s *PgStore) UpsertPolicy(ctx context.Context, p *Policy) error {
	windows := make([]string, len(p.MuteWindows))
	for i, w := range p.MuteWindows {
		windows[i] = w.String()
	}
	timeframes := make([]string, len(p.EnabledTimeframes))
	for i, tf := range p.EnabledTimeframes {
		timeframes[i] = string(tf)
	}
	transports := make([]string, len(p.TransportsEnabled))
	for i, tr := range p.TransportsEnabled {
		transports[i] = string(tr)
	}

	_, err := s.db.Pool.Exec(ctx, `INSERT INTO subscriber_policies
		(subscriber_id, min_confidence, cooldown_minutes, daily_cap, mute_windows,
		 timezone, enabled_timeframes, transports_enabled, notify_hold, strong_only, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, CURRENT_TIMESTAMP)
		ON CONFLICT (subscriber_id) DO UPDATE SET
			min_confidence = EXCLUDED.min_confidence,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			daily_cap = EXCLUDED.daily_cap,
			mute_windows = EXCLUDED.mute_windows,
			timezone = EXCLUDED.timezone,
			enabled_timeframes = EXCLUDED.enabled_timeframes,
			transports_enabled = EXCLUDED.transports_enabled,
			notify_hold = EXCLUDED.notify_hold,
			strong_only = EXCLUDED.strong_only,
			updated_at = CURRENT_TIMESTAMP`,
		p.SubscriberID, p.MinConfidence, p.CooldownMinutes, p.DailyCap, windows,
		p.Timezone, timeframes, transports, p.NotifyHold, p.StrongOnly)
	return err
}

// MemoryStore is the in-memory registry store for tests and local runs.
type MemoryStore struct {
	subscriptions map[string]Subscription
	policies      map[string]*Policy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]Subscription),
		policies:      make(map[string]*Policy),
	}
}

func (s *MemoryStore) LoadSubscriptions(ctx context.Context) ([]Subscription, error) {
	out := make([]Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	return out, nil
}

func (s *MemoryStore) LoadPolicies(ctx context.Context) ([]*Policy, error) {
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.clone())
	}
	return out, nil
}

func (s *MemoryStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	s.subscriptions[sub.key()] = sub
	return nil
}

func (s *MemoryStore) DeleteSubscription(ctx context.Context, sub Subscription) error {
	delete(s.subscriptions, sub.key())
	return nil
}

func (s *MemoryStore) UpsertPolicy(ctx context.Context, p *Policy) error {
	s.policies[p.SubscriberID] = p.clone()
	return nil
}
