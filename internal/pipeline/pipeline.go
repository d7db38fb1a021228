package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"aifx-advisor/internal/bus"
	"aifx-advisor/internal/indicators"
	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/ml"
	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/scheduler"
	"aifx-advisor/internal/signal"
	"aifx-advisor/internal/store"
)

// BarSource supplies bar series. The market data gateway satisfies it.
type BarSource interface {
	GetBars(ctx context.Context, pair market.Pair, tf market.Timeframe) (*market.BarSeries, error)
}

// PredictionSource supplies ML predictions. The predictor client
// satisfies it; a nil source runs the pipeline in technical-only mode.
type PredictionSource interface {
	Predict(ctx context.Context, series *market.BarSeries) (*ml.Prediction, error)
}

// Enqueuer accepts planned deliveries. The dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(deliveries []planner.Delivery) error
}

// Config holds pipeline settings.
type Config struct {
	Workers int // tick consumers, default 4
}

// Pipeline runs one full signal pass per tick: fetch bars, compute
// indicators, consult the predictor, synthesize, persist, and fan out
// the change when it is notifiable.
type Pipeline struct {
	config    Config
	bars      BarSource
	spec      indicators.Spec
	predictor PredictionSource
	synth     *signal.Synthesizer
	signals   store.SignalStore
	bus       *bus.Bus
	planner   *planner.Planner
	dispatch  Enqueuer
	log       *logging.Logger

	mu        sync.Mutex
	processed int
	skipped   int
	failures  int

	now func() time.Time
}

func New(cfg Config, bars BarSource, spec indicators.Spec, predictor PredictionSource,
	synth *signal.Synthesizer, signals store.SignalStore, eventBus *bus.Bus,
	plan *planner.Planner, dispatch Enqueuer, log *logging.Logger) *Pipeline {

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{
		config:    cfg,
		bars:      bars,
		spec:      spec,
		predictor: predictor,
		synth:     synth,
		signals:   signals,
		bus:       eventBus,
		planner:   plan,
		dispatch:  dispatch,
		log:       log,
		now:       time.Now,
	}
}

// Run consumes scheduler ticks until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context, ticks <-chan scheduler.Tick) {
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tick, ok := <-ticks:
					if !ok {
						return
					}
					if _, err := p.Process(ctx, tick.Pair, tick.Timeframe); err != nil {
						p.log.Warn("tick processing failed",
							"pair", tick.Pair, "timeframe", tick.Timeframe, "error", err)
					}
				}
			}
		}()
	}
	wg.Wait()
}

// Process runs one pass for the stream and returns the synthesized
// signal. The interactive request path calls this directly, bypassing
// the scheduler.
func (p *Pipeline) Process(ctx context.Context, pair market.Pair, tf market.Timeframe) (*signal.Signal, error) {
	series, err := p.bars.GetBars(ctx, pair, tf)
	if err != nil {
		p.count(&p.failures)
		return nil, err
	}

	ind, err := indicators.Compute(series, p.spec)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientHistory) {
			p.count(&p.skipped)
			p.log.Warn("insufficient history, skipping stream",
				"pair", pair, "timeframe", tf, "bars", series.Len())
			return nil, err
		}
		p.count(&p.failures)
		return nil, err
	}

	// Predictor failures degrade to technical-only; the breaker inside
	// the client keeps a dead service from stalling every tick.
	var prediction *ml.Prediction
	if p.predictor != nil {
		prediction, err = p.predictor.Predict(ctx, series)
		if err != nil {
			p.log.Debug("predictor unavailable, technical-only pass",
				"pair", pair, "timeframe", tf, "error", err)
			prediction = nil
		}
	}

	now := p.now().UTC()
	sig := p.synth.Synthesize(series, ind, prediction, now)

	prior, err := p.signals.GetLatest(ctx, pair, tf)
	if err != nil {
		p.count(&p.failures)
		return nil, err
	}

	var change *signal.Change
	if signal.Detect(prior, sig) {
		change = signal.NewChange(prior, sig, now)
	}
	if err := p.signals.Put(ctx, sig, change); err != nil {
		p.count(&p.failures)
		return nil, err
	}
	p.count(&p.processed)

	if change != nil {
		p.fanOut(ctx, sig, change, now)
	}
	return sig, nil
}

// fanOut plans deliveries, publishes the change with its eligible
// subscribers, and hands the deliveries to the dispatcher. Delivery
// problems never fail the pipeline pass: the signal and change are
// already durable.
func (p *Pipeline) fanOut(ctx context.Context, sig *signal.Signal, change *signal.Change, now time.Time) {
	deliveries, err := p.planner.Plan(ctx, change, sig, now)
	if err != nil {
		p.log.Error("delivery planning failed",
			"pair", sig.Pair, "timeframe", sig.Timeframe, "error", err)
		deliveries = nil
	}

	// External consumers get the change, the signal snapshot and the ids
	// of the subscribers the planner let through.
	p.bus.Publish(ctx, &bus.Message{
		Topic:     bus.TopicSignalChange,
		Pair:      sig.Pair,
		Timeframe: sig.Timeframe,
		Payload: map[string]interface{}{
			"change":      change,
			"signal":      sig,
			"subscribers": subscriberIDs(deliveries),
		},
		PublishedAt: now,
	})

	if len(deliveries) == 0 {
		return
	}
	if err := p.dispatch.Enqueue(deliveries); err != nil {
		p.log.Warn("deliveries rejected",
			"pair", sig.Pair, "timeframe", sig.Timeframe,
			"count", len(deliveries), "error", err)
	}
}

// subscriberIDs returns the distinct subscriber ids across deliveries,
// in planning order.
func subscriberIDs(deliveries []planner.Delivery) []string {
	seen := make(map[string]bool, len(deliveries))
	out := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		if seen[d.SubscriberID] {
			continue
		}
		seen[d.SubscriberID] = true
		out = append(out, d.SubscriberID)
	}
	return out
}

func (p *Pipeline) count(field *int) {
	p.mu.Lock()
	*field++
	p.mu.Unlock()
}

// Stats reports pass counters for the health endpoint.
func (p *Pipeline) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]int{
		"processed": p.processed,
		"skipped":   p.skipped,
		"failures":  p.failures,
	}
}
