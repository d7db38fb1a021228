package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aifx-advisor/internal/market"
	"aifx-advisor/internal/signal"
)

// MemorySignalStore is an in-memory SignalStore with the same transactional
// semantics as the PostgreSQL store. Used in tests and for local development
// without a database.
type MemorySignalStore struct {
	mu      sync.Mutex
	signals map[string][]*signal.Signal // keyed pair:timeframe, ordered by generated_at
	changes map[string][]*signal.Change
	byID    map[string]*signal.Signal
}

func NewMemorySignalStore() *MemorySignalStore {
	return &MemorySignalStore{
		signals: make(map[string][]*signal.Signal),
		changes: make(map[string][]*signal.Change),
		byID:    make(map[string]*signal.Signal),
	}
}

func streamKey(pair market.Pair, tf market.Timeframe) string {
	return string(pair) + ":" + string(tf)
}

func (m *MemorySignalStore) GetLatest(ctx context.Context, pair market.Pair, tf market.Timeframe) (*signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.signals[streamKey(pair, tf)]
	if len(list) == 0 {
		return nil, nil
	}
	copied := *list[len(list)-1]
	return &copied, nil
}

func (m *MemorySignalStore) Put(ctx context.Context, sig *signal.Signal, change *signal.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := streamKey(sig.Pair, sig.Timeframe)
	copied := *sig
	m.signals[key] = append(m.signals[key], &copied)
	sort.SliceStable(m.signals[key], func(i, j int) bool {
		return m.signals[key][i].GeneratedAt.Before(m.signals[key][j].GeneratedAt)
	})
	m.byID[sig.ID] = &copied

	if change != nil {
		changeCopy := *change
		ckey := streamKey(change.Pair, change.Timeframe)
		m.changes[ckey] = append(m.changes[ckey], &changeCopy)
	}
	return nil
}

func (m *MemorySignalStore) UpdateStatus(ctx context.Context, id string, newStatus signal.Status, fields StatusFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("signal %s not found", id)
	}
	if sig.Status == newStatus && sig.Status.Terminal() {
		return nil
	}
	if !canTransition(sig.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sig.Status, newStatus)
	}

	sig.Status = newStatus
	if !fields.TriggeredAt.IsZero() {
		sig.TriggeredAt = fields.TriggeredAt
	}
	if fields.TriggeredPrice != 0 {
		sig.TriggeredPrice = fields.TriggeredPrice
	}
	if fields.Outcome != "" {
		sig.ActualOutcome = fields.Outcome
	}
	return nil
}

func (m *MemorySignalStore) LastChange(ctx context.Context, pair market.Pair, tf market.Timeframe) (*signal.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.changes[streamKey(pair, tf)]
	if len(list) == 0 {
		return nil, nil
	}
	copied := *list[len(list)-1]
	return &copied, nil
}

func (m *MemorySignalStore) MarkNotified(ctx context.Context, changeID, subscriberID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, list := range m.changes {
		for _, c := range list {
			if c.ID != changeID {
				continue
			}
			for _, s := range c.NotifiedSubscribers {
				if s == subscriberID {
					return nil
				}
			}
			if c.NotifiedAt.IsZero() {
				c.NotifiedAt = at
			}
			c.NotifiedSubscribers = append(c.NotifiedSubscribers, subscriberID)
			return nil
		}
	}
	return fmt.Errorf("change %s not found", changeID)
}

func (m *MemorySignalStore) LastNotified(ctx context.Context, pair market.Pair, tf market.Timeframe, subscriberID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best  time.Time
		found bool
	)
	for _, c := range m.changes[streamKey(pair, tf)] {
		if c.NotifiedAt.IsZero() {
			continue
		}
		for _, s := range c.NotifiedSubscribers {
			if s == subscriberID && c.NotifiedAt.After(best) {
				best = c.NotifiedAt
				found = true
			}
		}
	}
	return best, found, nil
}

func (m *MemorySignalStore) CountNotified(ctx context.Context, subscriberID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, list := range m.changes {
		for _, c := range list {
			if c.NotifiedAt.IsZero() || c.NotifiedAt.Before(since) {
				continue
			}
			for _, s := range c.NotifiedSubscribers {
				if s == subscriberID {
					count++
					break
				}
			}
		}
	}
	return count, nil
}

func (m *MemorySignalStore) ListActiveExpired(ctx context.Context, now time.Time) ([]*signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*signal.Signal
	for _, list := range m.signals {
		for _, s := range list {
			if s.Status == signal.StatusActive && !s.ExpiresAt.After(now) {
				copied := *s
				out = append(out, &copied)
			}
		}
	}
	return out, nil
}

func (m *MemorySignalStore) ListActive(ctx context.Context) ([]*signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*signal.Signal
	for _, list := range m.signals {
		for _, s := range list {
			if s.Status == signal.StatusActive {
				copied := *s
				out = append(out, &copied)
			}
		}
	}
	return out, nil
}
