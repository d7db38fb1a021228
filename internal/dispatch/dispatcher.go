package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/store"
)

// ErrQueueFull is returned when the delivery queue is at capacity. New
// deliveries are rejected; the cooldown log makes a later retry harmless.
var ErrQueueFull = errors.New("dispatch queue full")

// DeliveryState tracks one planned delivery through the worker pool.
type DeliveryState string

const (
	StateQueued    DeliveryState = "queued"
	StateInFlight  DeliveryState = "in_flight"
	StateSucceeded DeliveryState = "succeeded"
	StateRetrying  DeliveryState = "retrying"
	StateFailed    DeliveryState = "failed"
)

// task wraps a delivery with its retry bookkeeping.
type task struct {
	delivery *planner.Delivery
	state    DeliveryState
	requeued bool // 429 requeue happens at most once
}

// Config holds dispatcher settings.
type Config struct {
	Workers          int           // default 32
	QueueSize        int           // default 1024
	TransportTimeout time.Duration // per-send deadline
	DrainGrace       time.Duration // how long Stop waits for in-flight work
}

// Dispatcher runs a bounded worker pool sending planned deliveries through
// transport adapters. Per-subscriber deliveries are serialized so cooldown
// evaluation stays consistent; ordering across subscribers is not
// guaranteed.
type Dispatcher struct {
	config     Config
	transports map[registry.Transport]Transport
	signals    store.SignalStore
	logger     zerolog.Logger

	queue    chan *task
	qmu      sync.Mutex
	closed   bool
	subLocks sync.Map // subscriberID -> *sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	stats map[DeliveryState]int
}

// New creates a dispatcher over the given transports.
func New(cfg Config, transports []Transport, signals store.SignalStore, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = 10 * time.Second
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 30 * time.Second
	}

	byName := make(map[registry.Transport]Transport, len(transports))
	for _, t := range transports {
		byName[t.Name()] = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		config:     cfg,
		transports: byName,
		signals:    signals,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		queue:      make(chan *task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		stats:      make(map[DeliveryState]int),
	}
}

// Start launches the worker pool. Idempotent calls are the caller's
// responsibility; Start is invoked once from main.
func (d *Dispatcher) Start() {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info().Int("workers", d.config.Workers).Int("queue", d.config.QueueSize).Msg("dispatcher started")
}

// Enqueue queues planned deliveries. Returns ErrQueueFull for the first
// delivery that does not fit; earlier ones stay queued.
func (d *Dispatcher) Enqueue(deliveries []planner.Delivery) error {
	for i := range deliveries {
		t := &task{delivery: &deliveries[i], state: StateQueued}
		if err := d.enqueueTask(t); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueueTask(t *task) error {
	d.qmu.Lock()
	defer d.qmu.Unlock()

	if d.closed {
		return ErrQueueFull
	}
	select {
	case d.queue <- t:
		d.count(StateQueued)
		return nil
	default:
		d.logger.Warn().
			Str("subscriber", t.delivery.SubscriberID).
			Str("transport", string(t.delivery.Transport)).
			Msg("queue full, rejecting delivery")
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.queue {
		d.process(t)
	}
}

func (d *Dispatcher) subscriberLock(id string) *sync.Mutex {
	mu, _ := d.subLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (d *Dispatcher) process(t *task) {
	transport, ok := d.transports[t.delivery.Transport]
	if !ok {
		t.state = StateFailed
		d.count(StateFailed)
		d.logger.Error().Str("transport", string(t.delivery.Transport)).Msg("no adapter for transport")
		return
	}

	mu := d.subscriberLock(t.delivery.SubscriberID)
	mu.Lock()
	defer mu.Unlock()

	t.state = StateInFlight
	err := d.sendWithRetry(transport, t)

	switch {
	case err == nil:
		t.state = StateSucceeded
		d.count(StateSucceeded)
		d.stampNotified(t)

	case errors.Is(err, ErrNoRecipient):
		// Not connected is a drop, not a failure; never stamps cooldown.
		t.state = StateFailed
		d.count(StateFailed)
		d.logger.Debug().
			Str("subscriber", t.delivery.SubscriberID).
			Msg("no connected socket, dropping")

	default:
		var rateLimited *RateLimitError
		if errors.As(err, &rateLimited) && !t.requeued {
			t.requeued = true
			t.state = StateRetrying
			d.count(StateRetrying)
			d.requeueAfter(t, rateLimited.RetryAfter)
			return
		}
		t.state = StateFailed
		d.count(StateFailed)
		d.logger.Warn().
			Err(err).
			Str("subscriber", t.delivery.SubscriberID).
			Str("transport", string(t.delivery.Transport)).
			Msg("delivery failed")
	}
}

// sendWithRetry attempts the send, retrying transient errors with
// exponential backoff up to 3 times. Rate limits and permanent errors
// break out immediately.
func (d *Dispatcher) sendWithRetry(transport Transport, t *task) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt <= 3; attempt++ {
		if attempt > 0 {
			select {
			case <-d.ctx.Done():
				return d.ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.config.TransportTimeout)
		err = transport.Send(ctx, t.delivery)
		cancel()

		if err == nil {
			return nil
		}
		var permanent *PermanentError
		var rateLimited *RateLimitError
		if errors.Is(err, ErrNoRecipient) || errors.As(err, &permanent) || errors.As(err, &rateLimited) {
			return err
		}
		// Transient (5xx, connect failure): loop into backoff.
	}
	return err
}

// requeueAfter waits out the Retry-After window then requeues the task
// without holding the subscriber lock.
func (d *Dispatcher) requeueAfter(t *task, wait time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := d.enqueueTask(t); err != nil {
			t.state = StateFailed
			d.count(StateFailed)
		}
	}()
}

// stampNotified records the first successful delivery for the change:
// notified_at set once, subscriber appended. Monitor deliveries carry no
// change id and bypass the cooldown log.
func (d *Dispatcher) stampNotified(t *task) {
	if t.delivery.ChangeID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.signals.MarkNotified(ctx, t.delivery.ChangeID, t.delivery.SubscriberID, time.Now().UTC()); err != nil {
		d.logger.Error().
			Err(err).
			Str("change", t.delivery.ChangeID).
			Str("subscriber", t.delivery.SubscriberID).
			Msg("failed to stamp notified_at")
	}
}

func (d *Dispatcher) count(state DeliveryState) {
	d.mu.Lock()
	d.stats[state]++
	d.mu.Unlock()
}

// Stats reports per-state counters for the health endpoint.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]int, len(d.stats))
	for k, v := range d.stats {
		out[string(k)] = v
	}
	out["depth"] = len(d.queue)
	return out
}

// Stop rejects new work, drains the queue within the grace window, then
// cancels whatever is still in flight.
func (d *Dispatcher) Stop() {
	d.qmu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.qmu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.config.DrainGrace):
		d.logger.Warn().Msg("drain grace expired, cancelling in-flight deliveries")
	}
	d.cancel()
}
