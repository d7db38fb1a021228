package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"aifx-advisor/internal/market"
	"aifx-advisor/internal/signal"
)

// ErrInvalidTransition is returned for illegal status changes. The only
// legal transitions are active to a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// StatusFields carries the optional fields recorded with a transition.
type StatusFields struct {
	TriggeredAt    time.Time
	TriggeredPrice float64
	Outcome        signal.Outcome
}

// SignalStore persists signals and the append-only change log.
type SignalStore interface {
	GetLatest(ctx context.Context, pair market.Pair, tf market.Timeframe) (*signal.Signal, error)
	// Put appends a new signal row; when change is non-nil it is written in
	// the same transaction.
	Put(ctx context.Context, sig *signal.Signal, change *signal.Change) error
	UpdateStatus(ctx context.Context, id string, newStatus signal.Status, fields StatusFields) error
	LastChange(ctx context.Context, pair market.Pair, tf market.Timeframe) (*signal.Change, error)
	// MarkNotified appends the subscriber to the change's notified set and
	// stamps notified_at if not yet set.
	MarkNotified(ctx context.Context, changeID, subscriberID string, at time.Time) error
	// LastNotified returns when the subscriber was last notified for the
	// stream, for cooldown evaluation.
	LastNotified(ctx context.Context, pair market.Pair, tf market.Timeframe, subscriberID string) (time.Time, bool, error)
	// CountNotified counts deliveries to the subscriber since the cutoff,
	// for the daily cap.
	CountNotified(ctx context.Context, subscriberID string, since time.Time) (int, error)
	// ListActiveExpired returns active signals past their expiry for the sweep.
	ListActiveExpired(ctx context.Context, now time.Time) ([]*signal.Signal, error)
	// ListActive returns every signal still in active status, for the
	// outcome sweep.
	ListActive(ctx context.Context) ([]*signal.Signal, error)
}

// canTransition reports whether from -> to is legal. Re-applying the same
// terminal status is treated as a no-op by callers, not an error.
func canTransition(from, to signal.Status) bool {
	if from != signal.StatusActive {
		return false
	}
	switch to {
	case signal.StatusTriggered, signal.StatusStopped, signal.StatusExpired, signal.StatusCancelled:
		return true
	}
	return false
}

// streamLocks hands out one mutex per (pair, timeframe) so concurrent
// writers for the same stream serialize while other streams proceed.
type streamLocks struct {
	locks sync.Map
}

func (s *streamLocks) lock(pair market.Pair, tf market.Timeframe) *sync.Mutex {
	key := string(pair) + ":" + string(tf)
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// PgSignalStore is the PostgreSQL-backed signal store.
type PgSignalStore struct {
	db    *DB
	locks streamLocks
}

func NewPgSignalStore(db *DB) *PgSignalStore {
	return &PgSignalStore{db: db}
}

const signalColumns = `id, pair, timeframe, generated_at, action, confidence, strength,
	entry_price, stop_loss, take_profit, risk_reward_ratio,
	market_condition, source, model_version,
	factor_technical, factor_sentiment, factor_pattern,
	status, expires_at, triggered_at, triggered_price, actual_outcome`

func scanSignal(row pgx.Row) (*signal.Signal, error) {
	var (
		s              signal.Signal
		stopLoss       *float64
		takeProfit     *float64
		riskReward     *float64
		modelVersion   *string
		triggeredAt    *time.Time
		triggeredPrice *float64
	)
	err := row.Scan(
		&s.ID, &s.Pair, &s.Timeframe, &s.GeneratedAt, &s.Action, &s.Confidence, &s.Strength,
		&s.EntryPrice, &stopLoss, &takeProfit, &riskReward,
		&s.MarketCondition, &s.Source, &modelVersion,
		&s.Factors.Technical, &s.Factors.Sentiment, &s.Factors.Pattern,
		&s.Status, &s.ExpiresAt, &triggeredAt, &triggeredPrice, &s.ActualOutcome,
	)
	if err != nil {
		return nil, err
	}
	if stopLoss != nil {
		s.StopLoss = *stopLoss
	}
	if takeProfit != nil {
		s.TakeProfit = *takeProfit
	}
	if riskReward != nil {
		s.RiskRewardRatio = *riskReward
	}
	if modelVersion != nil {
		s.ModelVersion = *modelVersion
	}
	if triggeredAt != nil {
		s.TriggeredAt = *triggeredAt
	}
	if triggeredPrice != nil {
		s.TriggeredPrice = *triggeredPrice
	}
	return &s, nil
}

func (r *PgSignalStore) GetLatest(ctx context.Context, pair market.Pair, tf market.Timeframe) (*signal.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals
		WHERE pair = $1 AND timeframe = $2
		ORDER BY generated_at DESC LIMIT 1`
	s, err := scanSignal(r.db.Pool.QueryRow(ctx, query, pair, tf))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *PgSignalStore) Put(ctx context.Context, sig *signal.Signal, change *signal.Change) error {
	mu := r.locks.lock(sig.Pair, sig.Timeframe)
	mu.Lock()
	defer mu.Unlock()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSignal := `INSERT INTO signals (` + signalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err = tx.Exec(ctx, insertSignal,
		sig.ID, sig.Pair, sig.Timeframe, sig.GeneratedAt, sig.Action, sig.Confidence, sig.Strength,
		sig.EntryPrice, nullFloat(sig.StopLoss), nullFloat(sig.TakeProfit), nullFloat(sig.RiskRewardRatio),
		sig.MarketCondition, sig.Source, nullString(sig.ModelVersion),
		sig.Factors.Technical, sig.Factors.Sentiment, sig.Factors.Pattern,
		sig.Status, sig.ExpiresAt, nullTime(sig.TriggeredAt), nullFloat(sig.TriggeredPrice), sig.ActualOutcome,
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}

	if change != nil {
		insertChange := `INSERT INTO signal_changes
			(id, pair, timeframe, old_action, new_action, old_confidence, new_confidence,
			 strength, market_condition, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		_, err = tx.Exec(ctx, insertChange,
			change.ID, change.Pair, change.Timeframe,
			nullString(string(change.OldAction)), change.NewAction,
			nullFloatPtr(change.OldAction != "", change.OldConfidence), change.NewConfidence,
			change.Strength, change.MarketCondition, change.DetectedAt,
		)
		if err != nil {
			return fmt.Errorf("insert change: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PgSignalStore) UpdateStatus(ctx context.Context, id string, newStatus signal.Status, fields StatusFields) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current signal.Status
	err = tx.QueryRow(ctx, `SELECT status FROM signals WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		return fmt.Errorf("load signal %s: %w", id, err)
	}

	// Re-applying the same terminal status is idempotent.
	if current == newStatus && current.Terminal() {
		return tx.Commit(ctx)
	}
	if !canTransition(current, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
	}

	outcome := fields.Outcome
	if outcome == "" {
		outcome = signal.OutcomePending
	}
	_, err = tx.Exec(ctx, `UPDATE signals
		SET status = $2, triggered_at = COALESCE($3, triggered_at),
		    triggered_price = COALESCE($4, triggered_price), actual_outcome = $5
		WHERE id = $1`,
		id, newStatus, nullTime(fields.TriggeredAt), nullFloat(fields.TriggeredPrice), outcome,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PgSignalStore) LastChange(ctx context.Context, pair market.Pair, tf market.Timeframe) (*signal.Change, error) {
	query := `SELECT id, pair, timeframe, old_action, new_action, old_confidence, new_confidence,
		strength, market_condition, detected_at, notified_at, notified_subscribers
		FROM signal_changes
		WHERE pair = $1 AND timeframe = $2
		ORDER BY detected_at DESC LIMIT 1`

	c, err := scanChange(r.db.Pool.QueryRow(ctx, query, pair, tf))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func scanChange(row pgx.Row) (*signal.Change, error) {
	var (
		c          signal.Change
		oldAction  *string
		oldConf    *float64
		notifiedAt *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Pair, &c.Timeframe, &oldAction, &c.NewAction, &oldConf, &c.NewConfidence,
		&c.Strength, &c.MarketCondition, &c.DetectedAt, &notifiedAt, &c.NotifiedSubscribers,
	)
	if err != nil {
		return nil, err
	}
	if oldAction != nil {
		c.OldAction = signal.Action(*oldAction)
	}
	if oldConf != nil {
		c.OldConfidence = *oldConf
	}
	if notifiedAt != nil {
		c.NotifiedAt = *notifiedAt
	}
	return &c, nil
}

func (r *PgSignalStore) MarkNotified(ctx context.Context, changeID, subscriberID string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE signal_changes
		SET notified_at = COALESCE(notified_at, $2),
		    notified_subscribers = array_append(notified_subscribers, $3)
		WHERE id = $1 AND NOT ($3 = ANY(notified_subscribers))`,
		changeID, at, subscriberID,
	)
	return err
}

func (r *PgSignalStore) LastNotified(ctx context.Context, pair market.Pair, tf market.Timeframe, subscriberID string) (time.Time, bool, error) {
	var at time.Time
	err := r.db.Pool.QueryRow(ctx, `SELECT notified_at FROM signal_changes
		WHERE pair = $1 AND timeframe = $2 AND notified_at IS NOT NULL
		  AND $3 = ANY(notified_subscribers)
		ORDER BY notified_at DESC LIMIT 1`,
		pair, tf, subscriberID,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (r *PgSignalStore) CountNotified(ctx context.Context, subscriberID string, since time.Time) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM signal_changes
		WHERE notified_at >= $2 AND $1 = ANY(notified_subscribers)`,
		subscriberID, since,
	).Scan(&count)
	return count, err
}

func (r *PgSignalStore) ListActiveExpired(ctx context.Context, now time.Time) ([]*signal.Signal, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	return collectSignals(rows)
}

func (r *PgSignalStore) ListActive(ctx context.Context) ([]*signal.Signal, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	return collectSignals(rows)
}

func collectSignals(rows pgx.Rows) ([]*signal.Signal, error) {
	defer rows.Close()

	var out []*signal.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullFloat(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullFloatPtr(present bool, v float64) *float64 {
	if !present {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullTime(v time.Time) *time.Time {
	if v.IsZero() {
		return nil
	}
	return &v
}
