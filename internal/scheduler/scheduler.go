package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
)

// Stream is one (pair, timeframe) the scheduler drives.
type Stream struct {
	Pair      market.Pair
	Timeframe market.Timeframe
}

func (s Stream) key() string { return string(s.Pair) + ":" + string(s.Timeframe) }

// Tick is a trigger for one pipeline run.
type Tick struct {
	Pair        market.Pair
	Timeframe   market.Timeframe
	ScheduledAt time.Time
}

// Config holds scheduler settings.
type Config struct {
	// MinPeriod floors the trigger period so 1m streams do not hammer
	// providers. Default 15s.
	MinPeriod time.Duration
	// JitterFraction desynchronizes streams: each period gets a uniform
	// [0, fraction*period] addition. Default 0.10.
	JitterFraction float64
	// DrainGrace bounds how long Stop waits for queued ticks to be
	// consumed. Default 10s.
	DrainGrace time.Duration
}

// Scheduler fires periodic ticks per stream onto a bounded queue. The
// queue holds at most one pending tick per stream: a new fire for a
// stream with a tick already queued replaces it (last writer wins for
// the current bar).
type Scheduler struct {
	config  Config
	streams []Stream
	log     *logging.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	paused  map[market.Pair]bool
	queue   []Tick // bounded at 2 * len(streams)
	fired   int
	dropped int

	out  chan Tick
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a scheduler for the given streams.
func New(cfg Config, streams []Stream, log *logging.Logger) *Scheduler {
	if cfg.MinPeriod <= 0 {
		cfg.MinPeriod = 15 * time.Second
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = 0.10
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:  cfg,
		streams: streams,
		log:     log,
		paused:  make(map[market.Pair]bool),
		out:     make(chan Tick),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Ticks is the consumer side of the trigger queue.
func (s *Scheduler) Ticks() <-chan Tick { return s.out }

// Start begins firing. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for _, stream := range s.streams {
		s.wg.Add(1)
		go s.run(stream)
	}
	s.wg.Add(1)
	go s.pump()

	s.log.Info("scheduler started", "streams", len(s.streams))
}

// Stop drains queued ticks within the grace window, then cancels.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	deadline := time.Now().Add(s.config.DrainGrace)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.cancel()
	s.wg.Wait()
}

// Pause suppresses ticks for every stream of the pair.
func (s *Scheduler) Pause(pair market.Pair) {
	s.mu.Lock()
	s.paused[pair] = true
	s.mu.Unlock()
	s.log.Info("pair paused", "pair", pair)
}

// Resume re-enables ticks for the pair.
func (s *Scheduler) Resume(pair market.Pair) {
	s.mu.Lock()
	delete(s.paused, pair)
	s.mu.Unlock()
	s.log.Info("pair resumed", "pair", pair)
}

// IsPaused reports whether the pair is currently paused.
func (s *Scheduler) IsPaused(pair market.Pair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[pair]
}

// Stats reports counters for the health endpoint.
func (s *Scheduler) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	paused := 0
	for _, p := range s.paused {
		if p {
			paused++
		}
	}
	return map[string]int{
		"streams":      len(s.streams),
		"paused_pairs": paused,
		"queue_depth":  len(s.queue),
		"fired":        s.fired,
		"dropped":      s.dropped,
	}
}

// period returns the trigger period for a stream: the bar length,
// floored at MinPeriod.
func (s *Scheduler) period(stream Stream) time.Duration {
	p := stream.Timeframe.Duration()
	if p < s.config.MinPeriod {
		p = s.config.MinPeriod
	}
	return p
}

func (s *Scheduler) jitter(period time.Duration) time.Duration {
	return time.Duration(rand.Float64() * s.config.JitterFraction * float64(period))
}

func (s *Scheduler) run(stream Stream) {
	defer s.wg.Done()
	period := s.period(stream)

	// Initial fire is spread across the jitter window rather than
	// stampeding all streams at startup.
	timer := time.NewTimer(s.jitter(period))
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.fire(stream, s.now().UTC())
			timer.Reset(period + s.jitter(period))
		}
	}
}

// fire enqueues a tick. One pending tick per stream: a queued tick for
// the same stream is replaced in place. When the queue is at its bound
// with no same-stream entry, the oldest tick is dropped.
func (s *Scheduler) fire(stream Stream, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused[stream.Pair] || s.stopped {
		return
	}

	tick := Tick{Pair: stream.Pair, Timeframe: stream.Timeframe, ScheduledAt: at}
	s.fired++

	for i := range s.queue {
		if s.queue[i].Pair == tick.Pair && s.queue[i].Timeframe == tick.Timeframe {
			s.queue[i] = tick
			s.dropped++
			s.kick()
			return
		}
	}

	bound := 2 * len(s.streams)
	if len(s.queue) >= bound {
		s.log.Warn("tick queue full, dropping oldest",
			"pair", s.queue[0].Pair, "timeframe", s.queue[0].Timeframe)
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, tick)
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves ticks from the coalescing queue to the consumer channel.
func (s *Scheduler) pump() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var tick Tick
		have := len(s.queue) > 0
		if have {
			tick = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case s.out <- tick:
		}
	}
}
