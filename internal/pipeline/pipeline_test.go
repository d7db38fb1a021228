package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aifx-advisor/internal/bus"
	"aifx-advisor/internal/indicators"
	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/ml"
	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/scheduler"
	"aifx-advisor/internal/signal"
	"aifx-advisor/internal/store"
)

func quietLog() *logging.Logger {
	return logging.New(&logging.Config{Level: "FATAL", Output: "stderr"})
}

type fakeBars struct {
	series *market.BarSeries
	err    error
}

func (f *fakeBars) GetBars(ctx context.Context, pair market.Pair, tf market.Timeframe) (*market.BarSeries, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.series, nil
}

type fakePredictor struct {
	prediction *ml.Prediction
	err        error
}

func (f *fakePredictor) Predict(ctx context.Context, series *market.BarSeries) (*ml.Prediction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prediction, nil
}

type fakeDispatch struct {
	mu       sync.Mutex
	enqueued []planner.Delivery
}

func (f *fakeDispatch) Enqueue(deliveries []planner.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, deliveries...)
	return nil
}

func (f *fakeDispatch) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

// risingSeries builds n steadily climbing bars.
func risingSeries(pair market.Pair, tf market.Timeframe, n int) *market.BarSeries {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s := &market.BarSeries{Pair: pair, Timeframe: tf}
	price := 1.1000
	for i := 0; i < n; i++ {
		open := price
		price += 0.0005
		s.Bars = append(s.Bars, market.Bar{
			Timestamp: start.Add(time.Duration(i) * tf.Duration()),
			Open:      open, High: price + 0.0002, Low: open - 0.0002, Close: price,
			Volume: 1000,
		})
	}
	return s
}

type fixture struct {
	pipeline *Pipeline
	signals  *store.MemorySignalStore
	registry *registry.Registry
	dispatch *fakeDispatch
	bus      *bus.Bus
}

func newFixture(t *testing.T, bars BarSource, predictor PredictionSource) *fixture {
	t.Helper()
	log := quietLog()
	signals := store.NewMemorySignalStore()
	reg, err := registry.New(context.Background(), registry.NewMemoryStore(), log)
	if err != nil {
		t.Fatal(err)
	}
	dispatch := &fakeDispatch{}
	eventBus := bus.New(16, nil, log)
	t.Cleanup(eventBus.Close)

	p := New(Config{Workers: 1}, bars, indicators.DefaultSpec(), predictor,
		signal.NewSynthesizer(log), signals, eventBus,
		planner.New(reg, signals, log), dispatch, log)
	return &fixture{pipeline: p, signals: signals, registry: reg, dispatch: dispatch, bus: eventBus}
}

func TestProcessPersistsSignalAndChange(t *testing.T) {
	ctx := context.Background()
	bars := &fakeBars{series: risingSeries("EUR/USD", market.TF1h, 60)}
	fx := newFixture(t, bars, &fakePredictor{
		prediction: &ml.Prediction{Direction: ml.DirectionBuy, Confidence: 0.9, ModelVersion: "v3"},
	})
	changes := fx.bus.Subscribe(bus.TopicSignalChange)

	t1 := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	fx.pipeline.now = func() time.Time { return t1 }

	sig, err := fx.pipeline.Process(ctx, "EUR/USD", market.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Action != signal.ActionBuy || sig.Source != signal.SourceMLEnhanced {
		t.Errorf("signal = %s/%s, want buy/ml_enhanced", sig.Action, sig.Source)
	}

	stored, _ := fx.signals.GetLatest(ctx, "EUR/USD", market.TF1h)
	if stored == nil || stored.ID != sig.ID {
		t.Fatal("signal not persisted")
	}
	change, _ := fx.signals.LastChange(ctx, "EUR/USD", market.TF1h)
	if change == nil || !change.DetectedAt.Equal(t1) {
		t.Fatalf("change = %+v, want one detected at %s", change, t1)
	}

	select {
	case msg := <-changes:
		if msg.Pair != "EUR/USD" || msg.Timeframe != market.TF1h {
			t.Errorf("published message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no signal.change published")
	}
}

func TestProcessUnchangedSignalAppendsNoChange(t *testing.T) {
	ctx := context.Background()
	bars := &fakeBars{series: risingSeries("EUR/USD", market.TF1h, 60)}
	fx := newFixture(t, bars, &fakePredictor{
		prediction: &ml.Prediction{Direction: ml.DirectionBuy, Confidence: 0.9},
	})

	t1 := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	fx.pipeline.now = func() time.Time { return t1 }
	if _, err := fx.pipeline.Process(ctx, "EUR/USD", market.TF1h); err != nil {
		t.Fatal(err)
	}

	// Same inputs one hour later: same action and confidence, so the
	// change log must not grow.
	fx.pipeline.now = func() time.Time { return t1.Add(time.Hour) }
	if _, err := fx.pipeline.Process(ctx, "EUR/USD", market.TF1h); err != nil {
		t.Fatal(err)
	}

	change, _ := fx.signals.LastChange(ctx, "EUR/USD", market.TF1h)
	if !change.DetectedAt.Equal(t1) {
		t.Errorf("change log grew on an unchanged signal: detected at %s", change.DetectedAt)
	}
	if fx.pipeline.Stats()["processed"] != 2 {
		t.Errorf("stats = %v", fx.pipeline.Stats())
	}
}

func TestProcessPlansDeliveriesForSubscribers(t *testing.T) {
	ctx := context.Background()
	bars := &fakeBars{series: risingSeries("EUR/USD", market.TF1h, 60)}
	fx := newFixture(t, bars, &fakePredictor{
		prediction: &ml.Prediction{Direction: ml.DirectionBuy, Confidence: 0.95},
	})

	err := fx.registry.Subscribe(ctx, registry.Subscription{
		SubscriberID: "user-1", Transport: registry.TransportWebSocket,
		Pair: "EUR/USD", Timeframe: market.TF1h,
	})
	if err != nil {
		t.Fatal(err)
	}
	changes := fx.bus.Subscribe(bus.TopicSignalChange)

	if _, err := fx.pipeline.Process(ctx, "EUR/USD", market.TF1h); err != nil {
		t.Fatal(err)
	}
	if fx.dispatch.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", fx.dispatch.count())
	}
	d := fx.dispatch.enqueued[0]
	if d.SubscriberID != "user-1" || d.Transport != registry.TransportWebSocket || d.ChangeID == "" {
		t.Errorf("delivery = %+v", d)
	}

	// The published message carries the eligible subscriber ids.
	select {
	case msg := <-changes:
		payload, ok := msg.Payload.(map[string]interface{})
		if !ok {
			t.Fatalf("payload = %T", msg.Payload)
		}
		subs, _ := payload["subscribers"].([]string)
		if len(subs) != 1 || subs[0] != "user-1" {
			t.Errorf("published subscribers = %v, want [user-1]", subs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no signal.change published")
	}
}

func TestInsufficientHistorySkipsStream(t *testing.T) {
	ctx := context.Background()
	bars := &fakeBars{series: risingSeries("EUR/USD", market.TF1h, 5)}
	fx := newFixture(t, bars, nil)

	_, err := fx.pipeline.Process(ctx, "EUR/USD", market.TF1h)
	if !errors.Is(err, indicators.ErrInsufficientHistory) {
		t.Fatalf("err = %v, want ErrInsufficientHistory", err)
	}
	stored, _ := fx.signals.GetLatest(ctx, "EUR/USD", market.TF1h)
	if stored != nil {
		t.Error("signal persisted despite short history")
	}
	if fx.pipeline.Stats()["skipped"] != 1 {
		t.Errorf("stats = %v", fx.pipeline.Stats())
	}
}

func TestPredictorFailureDegradesToTechnicalOnly(t *testing.T) {
	ctx := context.Background()
	bars := &fakeBars{series: risingSeries("EUR/USD", market.TF1h, 60)}
	fx := newFixture(t, bars, &fakePredictor{err: ml.ErrPredictorUnavailable})

	sig, err := fx.pipeline.Process(ctx, "EUR/USD", market.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Source != signal.SourceTechnicalOnly {
		t.Errorf("source = %s, want technical_only", sig.Source)
	}
	if sig.ModelVersion != "" {
		t.Errorf("model version = %q on a technical-only signal", sig.ModelVersion)
	}
}

func TestGatewayFailureFailsPass(t *testing.T) {
	ctx := context.Background()
	bars := &fakeBars{err: errors.New("provider unavailable")}
	fx := newFixture(t, bars, nil)

	if _, err := fx.pipeline.Process(ctx, "EUR/USD", market.TF1h); err == nil {
		t.Fatal("expected error")
	}
	if fx.pipeline.Stats()["failures"] != 1 {
		t.Errorf("stats = %v", fx.pipeline.Stats())
	}
}

func TestRunConsumesTicks(t *testing.T) {
	bars := &fakeBars{series: risingSeries("EUR/USD", market.TF1h, 60)}
	fx := newFixture(t, bars, nil)

	ticks := make(chan scheduler.Tick, 1)
	ticks <- scheduler.Tick{Pair: "EUR/USD", Timeframe: market.TF1h, ScheduledAt: time.Now().UTC()}
	close(ticks)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fx.pipeline.Run(ctx, ticks)

	stored, _ := fx.signals.GetLatest(ctx, "EUR/USD", market.TF1h)
	if stored == nil {
		t.Fatal("tick did not produce a signal")
	}
}
