package scheduler

import (
	"testing"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
)

func quietLog() *logging.Logger {
	return logging.New(&logging.Config{Level: "FATAL", Output: "stderr"})
}

func testStreams() []Stream {
	return []Stream{
		{Pair: "EUR/USD", Timeframe: market.TF1h},
		{Pair: "GBP/USD", Timeframe: market.TF1h},
	}
}

func TestPeriodFloorsShortTimeframes(t *testing.T) {
	s := New(Config{}, testStreams(), quietLog())

	if got := s.period(Stream{Pair: "EUR/USD", Timeframe: market.TF1m}); got != 15*time.Second {
		t.Errorf("1m period = %s, want 15s floor", got)
	}
	if got := s.period(Stream{Pair: "EUR/USD", Timeframe: market.TF1h}); got != time.Hour {
		t.Errorf("1h period = %s, want 1h", got)
	}
}

func TestJitterStaysInsideWindow(t *testing.T) {
	s := New(Config{}, testStreams(), quietLog())
	for i := 0; i < 100; i++ {
		j := s.jitter(time.Hour)
		if j < 0 || j > 6*time.Minute {
			t.Fatalf("jitter %s outside [0, 10%% of period]", j)
		}
	}
}

func TestFireCoalescesSameStream(t *testing.T) {
	s := New(Config{}, testStreams(), quietLog())
	at1 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	at2 := at1.Add(time.Hour)

	s.fire(testStreams()[0], at1)
	s.fire(testStreams()[0], at2)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) != 1 {
		t.Fatalf("queue depth = %d, want 1 (one pending tick per stream)", len(s.queue))
	}
	if !s.queue[0].ScheduledAt.Equal(at2) {
		t.Errorf("queued tick at %s, want the later fire %s", s.queue[0].ScheduledAt, at2)
	}
}

func TestFireDropsOldestWhenFull(t *testing.T) {
	streams := []Stream{{Pair: "EUR/USD", Timeframe: market.TF1h}}
	s := New(Config{}, streams, quietLog())
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Bound is 2 * 1 stream. Fires for foreign streams exercise the
	// overflow path directly.
	s.fire(Stream{Pair: "USD/JPY", Timeframe: market.TF1h}, at)
	s.fire(Stream{Pair: "AUD/USD", Timeframe: market.TF1h}, at)
	s.fire(Stream{Pair: "NZD/USD", Timeframe: market.TF1h}, at)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) != 2 {
		t.Fatalf("queue depth = %d, want bound 2", len(s.queue))
	}
	if s.queue[0].Pair != "AUD/USD" || s.queue[1].Pair != "NZD/USD" {
		t.Errorf("oldest not dropped: %v", s.queue)
	}
}

func TestPausedPairDoesNotFire(t *testing.T) {
	s := New(Config{}, testStreams(), quietLog())
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s.Pause("EUR/USD")
	s.fire(testStreams()[0], at)
	s.fire(testStreams()[1], at)

	s.mu.Lock()
	depth := len(s.queue)
	pair := s.queue[0].Pair
	s.mu.Unlock()
	if depth != 1 || pair != "GBP/USD" {
		t.Fatalf("paused pair fired: depth=%d", depth)
	}

	s.Resume("EUR/USD")
	if s.IsPaused("EUR/USD") {
		t.Error("pair still paused after Resume")
	}
	s.fire(testStreams()[0], at)
	s.mu.Lock()
	depth = len(s.queue)
	s.mu.Unlock()
	if depth != 2 {
		t.Errorf("resumed pair did not fire: depth=%d", depth)
	}
}

func TestPumpDeliversQueuedTicks(t *testing.T) {
	s := New(Config{DrainGrace: 500 * time.Millisecond}, testStreams(), quietLog())
	s.Start()
	s.Start() // idempotent
	defer s.Stop()

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.fire(testStreams()[0], at)

	select {
	case tick := <-s.Ticks():
		if tick.Pair != "EUR/USD" || tick.Timeframe != market.TF1h || !tick.ScheduledAt.Equal(at) {
			t.Errorf("tick = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}
}

func TestStats(t *testing.T) {
	s := New(Config{}, testStreams(), quietLog())
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.fire(testStreams()[0], at)
	s.fire(testStreams()[0], at.Add(time.Hour))

	stats := s.Stats()
	if stats["streams"] != 2 || stats["fired"] != 2 || stats["queue_depth"] != 1 || stats["dropped"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}
