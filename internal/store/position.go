package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"aifx-advisor/internal/market"
)

// PositionDirection is long or short.
type PositionDirection string

const (
	DirectionLong  PositionDirection = "long"
	DirectionShort PositionDirection = "short"
)

// PositionStatus is open or closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// PositionResult is derived when a position closes.
type PositionResult string

const (
	ResultWin       PositionResult = "win"
	ResultLoss      PositionResult = "loss"
	ResultBreakeven PositionResult = "breakeven"
)

// Position is a subscriber's tracked trade.
type Position struct {
	ID             string            `json:"id"`
	SubscriberID   string            `json:"subscriber_id"`
	Pair           market.Pair       `json:"pair"`
	Direction      PositionDirection `json:"direction"`
	EntryPrice     float64           `json:"entry_price"`
	StopLoss       float64           `json:"stop_loss"`
	TakeProfit     float64           `json:"take_profit"`
	PositionSize   float64           `json:"position_size"`
	OpenedAt       time.Time         `json:"opened_at"`
	Status         PositionStatus    `json:"status"`
	ClosedAt       time.Time         `json:"closed_at,omitempty"`
	ExitPrice      float64           `json:"exit_price,omitempty"`
	RealizedPnLPips float64          `json:"realized_pnl_pips,omitempty"`
	Result         PositionResult    `json:"result,omitempty"`
}

// UnrealizedPips returns the current P&L in pips for the position at price.
func (p *Position) UnrealizedPips(price float64) float64 {
	mult := p.Pair.PipMultiplier()
	if p.Direction == DirectionShort {
		return (p.EntryPrice - price) * mult
	}
	return (price - p.EntryPrice) * mult
}

// Recommendation is the monitoring advice for an open position.
type Recommendation string

const (
	RecommendHold         Recommendation = "hold"
	RecommendExit         Recommendation = "exit"
	RecommendTakePartial  Recommendation = "take_partial"
	RecommendAdjustSL     Recommendation = "adjust_sl"
	RecommendAdjustTP     Recommendation = "adjust_tp"
	RecommendTrailingStop Recommendation = "trailing_stop"
)

// MonitoringRecord is one periodic snapshot of an open position.
type MonitoringRecord struct {
	ID                  string         `json:"id"`
	PositionID          string         `json:"position_id"`
	RecordedAt          time.Time      `json:"recorded_at"`
	CurrentPrice        float64        `json:"current_price"`
	UnrealizedPnLPips   float64        `json:"unrealized_pnl_pips"`
	TrendDirection      string         `json:"trend_direction,omitempty"`
	ReversalProbability float64        `json:"reversal_probability,omitempty"`
	Recommendation      Recommendation `json:"recommendation"`
	NotificationLevel   int            `json:"notification_level"`
	NotificationSent    bool           `json:"notification_sent"`
}

// ErrPositionClosed is returned when closing an already-closed position.
var ErrPositionClosed = errors.New("position already closed")

// PositionStore persists positions and monitoring snapshots.
type PositionStore interface {
	Open(ctx context.Context, p *Position) error
	Get(ctx context.Context, id string) (*Position, error)
	ListOpen(ctx context.Context) ([]*Position, error)
	ListBySubscriber(ctx context.Context, subscriberID string) ([]*Position, error)
	// Close transitions the position to closed with exit details. Closing a
	// closed position fails with ErrPositionClosed.
	Close(ctx context.Context, id string, exitPrice float64, pnlPips float64, result PositionResult, at time.Time) error
	RecordMonitoring(ctx context.Context, rec *MonitoringRecord) error
	LastMonitoring(ctx context.Context, positionID string) (*MonitoringRecord, error)
}

// PgPositionStore is the PostgreSQL-backed position store.
type PgPositionStore struct {
	db *DB
}

func NewPgPositionStore(db *DB) *PgPositionStore {
	return &PgPositionStore{db: db}
}

const positionColumns = `id, subscriber_id, pair, direction, entry_price, stop_loss, take_profit,
	position_size, opened_at, status, closed_at, exit_price, realized_pnl_pips, result`

func scanPosition(row pgx.Row) (*Position, error) {
	var (
		p        Position
		closedAt *time.Time
		exit     *float64
		pnl      *float64
		result   *string
	)
	err := row.Scan(
		&p.ID, &p.SubscriberID, &p.Pair, &p.Direction, &p.EntryPrice, &p.StopLoss, &p.TakeProfit,
		&p.PositionSize, &p.OpenedAt, &p.Status, &closedAt, &exit, &pnl, &result,
	)
	if err != nil {
		return nil, err
	}
	if closedAt != nil {
		p.ClosedAt = *closedAt
	}
	if exit != nil {
		p.ExitPrice = *exit
	}
	if pnl != nil {
		p.RealizedPnLPips = *pnl
	}
	if result != nil {
		p.Result = PositionResult(*result)
	}
	return &p, nil
}

func (r *PgPositionStore) Open(ctx context.Context, p *Position) error {
	_, err := r.db.Pool.Exec(ctx, `INSERT INTO positions
		(id, subscriber_id, pair, direction, entry_price, stop_loss, take_profit, position_size, opened_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open')`,
		p.ID, p.SubscriberID, p.Pair, p.Direction, p.EntryPrice, p.StopLoss, p.TakeProfit,
		p.PositionSize, p.OpenedAt,
	)
	return err
}

func (r *PgPositionStore) Get(ctx context.Context, id string) (*Position, error) {
	p, err := scanPosition(r.db.Pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *PgPositionStore) ListOpen(ctx context.Context) ([]*Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = 'open' ORDER BY opened_at`)
}

func (r *PgPositionStore) ListBySubscriber(ctx context.Context, subscriberID string) ([]*Position, error) {
	return r.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE subscriber_id = $1 ORDER BY opened_at DESC`, subscriberID)
}

func (r *PgPositionStore) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PgPositionStore) Close(ctx context.Context, id string, exitPrice, pnlPips float64, result PositionResult, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE positions
		SET status = 'closed', closed_at = $2, exit_price = $3, realized_pnl_pips = $4, result = $5
		WHERE id = $1 AND status = 'open'`,
		id, at, exitPrice, pnlPips, result,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	return nil
}

func (r *PgPositionStore) RecordMonitoring(ctx context.Context, rec *MonitoringRecord) error {
	_, err := r.db.Pool.Exec(ctx, `INSERT INTO position_monitoring
		(id, position_id, recorded_at, current_price, unrealized_pnl_pips,
		 trend_direction, reversal_probability, recommendation, notification_level, notification_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.PositionID, rec.RecordedAt, rec.CurrentPrice, rec.UnrealizedPnLPips,
		rec.TrendDirection, rec.ReversalProbability, rec.Recommendation,
		rec.NotificationLevel, rec.NotificationSent,
	)
	return err
}

func (r *PgPositionStore) LastMonitoring(ctx context.Context, positionID string) (*MonitoringRecord, error) {
	var rec MonitoringRecord
	err := r.db.Pool.QueryRow(ctx, `SELECT id, position_id, recorded_at, current_price, unrealized_pnl_pips,
		trend_direction, reversal_probability, recommendation, notification_level, notification_sent
		FROM position_monitoring WHERE position_id = $1
		ORDER BY recorded_at DESC LIMIT 1`, positionID,
	).Scan(
		&rec.ID, &rec.PositionID, &rec.RecordedAt, &rec.CurrentPrice, &rec.UnrealizedPnLPips,
		&rec.TrendDirection, &rec.ReversalProbability, &rec.Recommendation,
		&rec.NotificationLevel, &rec.NotificationSent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MemoryPositionStore is the in-memory PositionStore for tests and local runs.
type MemoryPositionStore struct {
	mu         sync.Mutex
	positions  map[string]*Position
	monitoring map[string][]*MonitoringRecord
}

func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{
		positions:  make(map[string]*Position),
		monitoring: make(map[string][]*MonitoringRecord),
	}
}

func (m *MemoryPositionStore) Open(ctx context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *p
	copied.Status = PositionOpen
	m.positions[p.ID] = &copied
	return nil
}

func (m *MemoryPositionStore) Get(ctx context.Context, id string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (m *MemoryPositionStore) ListOpen(ctx context.Context) ([]*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Position
	for _, p := range m.positions {
		if p.Status == PositionOpen {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemoryPositionStore) ListBySubscriber(ctx context.Context, subscriberID string) ([]*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Position
	for _, p := range m.positions {
		if p.SubscriberID == subscriberID {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemoryPositionStore) Close(ctx context.Context, id string, exitPrice, pnlPips float64, result PositionResult, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if p.Status == PositionClosed {
		return fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	p.Status = PositionClosed
	p.ClosedAt = at
	p.ExitPrice = exitPrice
	p.RealizedPnLPips = pnlPips
	p.Result = result
	return nil
}

func (m *MemoryPositionStore) RecordMonitoring(ctx context.Context, rec *MonitoringRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *rec
	m.monitoring[rec.PositionID] = append(m.monitoring[rec.PositionID], &copied)
	return nil
}

func (m *MemoryPositionStore) LastMonitoring(ctx context.Context, positionID string) (*MonitoringRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.monitoring[positionID]
	if len(list) == 0 {
		return nil, nil
	}
	copied := *list[len(list)-1]
	return &copied, nil
}
