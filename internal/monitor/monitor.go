package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"aifx-advisor/internal/bus"
	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/ml"
	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/signal"
	"aifx-advisor/internal/store"
)

// Notification levels for open-position updates. Level 1 bypasses all
// throttling; levels 2 and 3 carry their own cooldowns; level 4 fires
// once per subscriber-local day at the configured hour.
const (
	LevelUrgent    = 1
	LevelImportant = 2
	LevelGeneral   = 3
	LevelSummary   = 4

	importantCooldown = 5 * time.Minute
	generalCooldown   = 30 * time.Minute
)

// PriceSource supplies current bars. The market data gateway satisfies it.
type PriceSource interface {
	GetBars(ctx context.Context, pair market.Pair, tf market.Timeframe) (*market.BarSeries, error)
}

// Enqueuer accepts planned deliveries. The dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(deliveries []planner.Delivery) error
}

// ReversalSource estimates reversal probability for an open position.
// Optional; the ML predictor satisfies it.
type ReversalSource interface {
	Predict(ctx context.Context, series *market.BarSeries) (*ml.Prediction, error)
}

// PricePusher streams observed prices to pair watchers. Optional; the
// websocket transport satisfies it.
type PricePusher interface {
	PushPrice(pair string, price float64, at time.Time)
}

// Config holds monitoring loop settings.
type Config struct {
	Interval    time.Duration // default 60s
	SummaryHour int           // subscriber-local hour for the daily summary
	PriceTF     market.Timeframe
}

// Monitor is the position monitoring loop. Every interval it sweeps
// expired signals and re-evaluates every open position against the
// current price.
type Monitor struct {
	config    Config
	positions store.PositionStore
	signals   store.SignalStore
	prices    PriceSource
	reversal  ReversalSource
	registry  *registry.Registry
	bus       *bus.Bus
	dispatch  Enqueuer
	log       *logging.Logger

	pricePush PricePusher

	mu     sync.Mutex
	cycles int
	closed int

	now func() time.Time
}

// SetPricePusher attaches a price stream sink. Call before Run.
func (m *Monitor) SetPricePusher(p PricePusher) { m.pricePush = p }

func New(cfg Config, positions store.PositionStore, signals store.SignalStore,
	prices PriceSource, reversal ReversalSource, reg *registry.Registry,
	eventBus *bus.Bus, dispatch Enqueuer, log *logging.Logger) *Monitor {

	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.PriceTF == "" {
		cfg.PriceTF = market.TF1m
	}
	return &Monitor{
		config:    cfg,
		positions: positions,
		signals:   signals,
		prices:    prices,
		reversal:  reversal,
		registry:  reg,
		bus:       eventBus,
		dispatch:  dispatch,
		log:       log,
		now:       time.Now,
	}
}

// Run loops until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.log.Info("position monitor started", "interval", m.config.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle runs one monitoring pass: expire stale signals, settle active
// signals whose levels were reached, then evaluate every open position.
func (m *Monitor) Cycle(ctx context.Context) {
	now := m.now().UTC()
	m.sweepExpired(ctx, now)

	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		m.log.Error("list open positions", "error", err)
		return
	}
	active, err := m.signals.ListActive(ctx)
	if err != nil {
		m.log.Error("list active signals", "error", err)
		active = nil
	}

	// One price fetch per pair, shared across signals and positions.
	prices := make(map[market.Pair]*market.BarSeries)
	fetch := func(pair market.Pair) {
		if _, ok := prices[pair]; ok {
			return
		}
		series, err := m.prices.GetBars(ctx, pair, m.config.PriceTF)
		if err != nil || series == nil {
			m.log.Warn("price fetch failed, skipping pair", "pair", pair, "error", err)
			return
		}
		prices[pair] = series
	}
	for _, p := range open {
		fetch(p.Pair)
	}
	for _, s := range active {
		if s.Action != signal.ActionHold {
			fetch(s.Pair)
		}
	}

	if m.pricePush != nil {
		for pair, series := range prices {
			if series.Len() > 0 {
				m.pricePush.PushPrice(string(pair), series.LastClose(), now)
			}
		}
	}

	for _, s := range active {
		series, ok := prices[s.Pair]
		if !ok || series.Len() == 0 {
			continue
		}
		m.settleSignal(ctx, s, series.LastClose(), now)
	}

	for _, p := range open {
		series, ok := prices[p.Pair]
		if !ok || series.Len() == 0 {
			continue
		}
		m.evaluate(ctx, p, series, now)
	}

	m.mu.Lock()
	m.cycles++
	m.mu.Unlock()
}

// settleSignal resolves an active signal whose price reached a protective
// level: take-profit marks it triggered with a win, stop-loss marks it
// stopped with a loss. Hold signals carry no levels and are left alone.
func (m *Monitor) settleSignal(ctx context.Context, s *signal.Signal, price float64, now time.Time) {
	if s.Action == signal.ActionHold || s.StopLoss == 0 || s.TakeProfit == 0 {
		return
	}

	var (
		status  signal.Status
		outcome signal.Outcome
	)
	if s.Action == signal.ActionBuy {
		switch {
		case price >= s.TakeProfit:
			status, outcome = signal.StatusTriggered, signal.OutcomeWin
		case price <= s.StopLoss:
			status, outcome = signal.StatusStopped, signal.OutcomeLoss
		}
	} else {
		switch {
		case price <= s.TakeProfit:
			status, outcome = signal.StatusTriggered, signal.OutcomeWin
		case price >= s.StopLoss:
			status, outcome = signal.StatusStopped, signal.OutcomeLoss
		}
	}
	if status == "" {
		return
	}

	fields := store.StatusFields{Outcome: outcome}
	if status == signal.StatusTriggered {
		fields.TriggeredAt = now
		fields.TriggeredPrice = price
	}
	if err := m.signals.UpdateStatus(ctx, s.ID, status, fields); err != nil {
		m.log.Error("settle signal", "id", s.ID, "error", err)
		return
	}
	m.log.Info("signal settled",
		"id", s.ID, "pair", s.Pair, "timeframe", s.Timeframe,
		"status", status, "outcome", outcome, "price", price)
}

// sweepExpired transitions active signals past expires_at to expired.
func (m *Monitor) sweepExpired(ctx context.Context, now time.Time) {
	expired, err := m.signals.ListActiveExpired(ctx, now)
	if err != nil {
		m.log.Error("list expired signals", "error", err)
		return
	}
	for _, sig := range expired {
		if err := m.signals.UpdateStatus(ctx, sig.ID, signal.StatusExpired, store.StatusFields{}); err != nil {
			m.log.Error("expire signal", "id", sig.ID, "error", err)
			continue
		}
		m.log.Info("signal expired", "id", sig.ID, "pair", sig.Pair, "timeframe", sig.Timeframe)
	}
}

func (m *Monitor) evaluate(ctx context.Context, p *store.Position, series *market.BarSeries, now time.Time) {
	price := series.LastClose()
	pnl := p.UnrealizedPips(price)

	if hit, result := hitLevel(p, price); hit != "" {
		m.closePosition(ctx, p, price, pnl, hit, result, now)
		return
	}

	rec := &store.MonitoringRecord{
		ID:                signal.NewID(),
		PositionID:        p.ID,
		RecordedAt:        now,
		CurrentPrice:      price,
		UnrealizedPnLPips: pnl,
		TrendDirection:    trendDirection(series),
		Recommendation:    recommend(p, price, pnl),
	}
	if m.reversal != nil {
		if pred, err := m.reversal.Predict(ctx, series); err == nil && opposes(p.Direction, pred.Direction) {
			rec.ReversalProbability = pred.Confidence
		}
	}
	rec.NotificationLevel = m.level(p, rec, now)

	rec.NotificationSent = m.maybeNotify(p, rec, now)
	if err := m.positions.RecordMonitoring(ctx, rec); err != nil {
		m.log.Error("record monitoring", "position", p.ID, "error", err)
	}
}

// hitLevel reports which protective level the price crossed, if any.
func hitLevel(p *store.Position, price float64) (hit string, result store.PositionResult) {
	if p.Direction == store.DirectionLong {
		switch {
		case price <= p.StopLoss:
			return "stop_loss", store.ResultLoss
		case price >= p.TakeProfit:
			return "take_profit", store.ResultWin
		}
		return "", ""
	}
	switch {
	case price >= p.StopLoss:
		return "stop_loss", store.ResultLoss
	case price <= p.TakeProfit:
		return "take_profit", store.ResultWin
	}
	return "", ""
}

func (m *Monitor) closePosition(ctx context.Context, p *store.Position, price, pnl float64, hit string, result store.PositionResult, now time.Time) {
	if pnl == 0 {
		result = store.ResultBreakeven
	}
	if err := m.positions.Close(ctx, p.ID, price, pnl, result, now); err != nil {
		m.log.Error("close position", "position", p.ID, "error", err)
		return
	}
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	m.log.Info("position closed",
		"position", p.ID, "pair", p.Pair, "hit", hit, "result", result, "pnl_pips", pnl)

	m.bus.Publish(ctx, &bus.Message{
		Topic: bus.TopicPositionUpdate,
		Pair:  p.Pair,
		Payload: map[string]interface{}{
			"position_id": p.ID,
			"event":       hit,
			"result":      string(result),
			"exit_price":  price,
			"pnl_pips":    pnl,
		},
		PublishedAt: now,
	})

	rec := &store.MonitoringRecord{
		ID:                signal.NewID(),
		PositionID:        p.ID,
		RecordedAt:        now,
		CurrentPrice:      price,
		UnrealizedPnLPips: pnl,
		Recommendation:    store.RecommendExit,
		NotificationLevel: LevelUrgent,
	}
	rec.NotificationSent = m.maybeNotify(p, rec, now)
	if err := m.positions.RecordMonitoring(ctx, rec); err != nil {
		m.log.Error("record monitoring", "position", p.ID, "error", err)
	}
}

// trendDirection is a coarse read of the recent bars.
func trendDirection(series *market.BarSeries) string {
	n := series.Len()
	if n < 10 {
		return "flat"
	}
	recent := series.Bars[n-1].Close
	earlier := series.Bars[n-10].Close
	switch {
	case recent > earlier:
		return "up"
	case recent < earlier:
		return "down"
	default:
		return "flat"
	}
}

// recommend maps the position's progress toward TP (or SL) to advice.
func recommend(p *store.Position, price, pnl float64) store.Recommendation {
	tpDist := p.TakeProfit - p.EntryPrice
	if p.Direction == store.DirectionShort {
		tpDist = p.EntryPrice - p.TakeProfit
	}
	if tpDist <= 0 {
		return store.RecommendHold
	}
	move := price - p.EntryPrice
	if p.Direction == store.DirectionShort {
		move = p.EntryPrice - price
	}
	progress := move / tpDist

	switch {
	case progress >= 0.75:
		return store.RecommendTakePartial
	case progress >= 0.5:
		return store.RecommendTrailingStop
	case progress >= 0.25 && pnl > 0:
		return store.RecommendAdjustSL
	default:
		return store.RecommendHold
	}
}

// level classifies a non-terminal snapshot. Important when the position
// is deep in either direction or a reversal looks likely; the daily
// summary slot takes precedence over general.
func (m *Monitor) level(p *store.Position, rec *store.MonitoringRecord, now time.Time) int {
	policy := m.registry.GetPolicy(p.SubscriberID)
	local := now.In(policy.Location())
	if local.Hour() == m.config.SummaryHour {
		return LevelSummary
	}
	if rec.ReversalProbability >= 0.6 {
		return LevelImportant
	}
	if rec.Recommendation == store.RecommendTakePartial || rec.Recommendation == store.RecommendTrailingStop {
		return LevelImportant
	}
	return LevelGeneral
}

// maybeNotify applies per-level throttling and enqueues the delivery.
// Reports whether a notification went out.
func (m *Monitor) maybeNotify(p *store.Position, rec *store.MonitoringRecord, now time.Time) bool {
	if rec.NotificationLevel != LevelUrgent && !m.throttleAllows(p, rec, now) {
		return false
	}

	policy := m.registry.GetPolicy(p.SubscriberID)
	if rec.NotificationLevel >= LevelGeneral && policy.Muted(now) {
		return false
	}

	text := renderUpdate(p, rec)
	var deliveries []planner.Delivery
	for _, tr := range policy.TransportsEnabled {
		deliveries = append(deliveries, planner.Delivery{
			SubscriberID: p.SubscriberID,
			Transport:    tr,
			Kind:         "position.update",
			Text:         text,
		})
	}
	if len(deliveries) == 0 {
		return false
	}
	if err := m.dispatch.Enqueue(deliveries); err != nil {
		m.log.Warn("position update not queued", "position", p.ID, "error", err)
		return false
	}
	return true
}

// throttleAllows consults the last sent snapshot for this position:
// level 2 every 5 minutes, level 3 every 30 minutes, level 4 once per
// subscriber-local day.
func (m *Monitor) throttleAllows(p *store.Position, rec *store.MonitoringRecord, now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last, err := m.positions.LastMonitoring(ctx, p.ID)
	if err != nil {
		m.log.Error("last monitoring", "position", p.ID, "error", err)
		return false
	}
	if last == nil || !last.NotificationSent {
		return true
	}

	switch rec.NotificationLevel {
	case LevelImportant:
		return now.Sub(last.RecordedAt) >= importantCooldown
	case LevelGeneral:
		return now.Sub(last.RecordedAt) >= generalCooldown
	case LevelSummary:
		policy := m.registry.GetPolicy(p.SubscriberID)
		loc := policy.Location()
		return last.RecordedAt.In(loc).YearDay() != now.In(loc).YearDay() ||
			last.NotificationLevel != LevelSummary
	default:
		return true
	}
}

func renderUpdate(p *store.Position, rec *store.MonitoringRecord) string {
	var b strings.Builder
	emoji := "📈"
	if rec.UnrealizedPnLPips < 0 {
		emoji = "📉"
	}
	if rec.NotificationLevel == LevelUrgent {
		emoji = "🚨"
	}
	fmt.Fprintf(&b, "%s %s %s position\n", emoji, p.Pair, p.Direction)
	fmt.Fprintf(&b, "Price: %.5f | P&L: %+.1f pips\n", rec.CurrentPrice, rec.UnrealizedPnLPips)
	if rec.TrendDirection != "" {
		fmt.Fprintf(&b, "Trend: %s", rec.TrendDirection)
		if rec.ReversalProbability > 0 {
			fmt.Fprintf(&b, " | Reversal risk: %.0f%%", rec.ReversalProbability*100)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Advice: %s", rec.Recommendation)
	return b.String()
}

func opposes(dir store.PositionDirection, predicted ml.Direction) bool {
	return (dir == store.DirectionLong && predicted == ml.DirectionSell) ||
		(dir == store.DirectionShort && predicted == ml.DirectionBuy)
}

// Stats reports loop counters for the health endpoint.
func (m *Monitor) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{"cycles": m.cycles, "closed": m.closed}
}
