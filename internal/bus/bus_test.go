package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
)

func quietLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "FATAL", Output: "stderr"})
}

func TestPublishSubscribe(t *testing.T) {
	b := New(8, nil, quietLogger())
	defer b.Close()

	ch := b.Subscribe(TopicSignalChange)
	b.Publish(context.Background(), &Message{
		Topic: TopicSignalChange, Pair: "EUR/USD", Timeframe: market.TF1h, Payload: "hello",
	})

	select {
	case msg := <-ch:
		if msg.Pair != "EUR/USD" || msg.Payload != "hello" {
			t.Errorf("message = %+v", msg)
		}
		if msg.PublishedAt.IsZero() {
			t.Error("published_at not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestFanOut(t *testing.T) {
	b := New(8, nil, quietLogger())
	defer b.Close()

	a := b.Subscribe(TopicPositionUpdate)
	c := b.Subscribe(TopicPositionUpdate)
	b.Publish(context.Background(), &Message{Topic: TopicPositionUpdate, Pair: "USD/JPY"})

	for _, ch := range []<-chan Message{a, c} {
		select {
		case msg := <-ch:
			if msg.Pair != "USD/JPY" {
				t.Errorf("message = %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("fan-out delivery missing")
		}
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	b := New(8, nil, quietLogger())
	defer b.Close()

	changes := b.Subscribe(TopicSignalChange)
	b.Publish(context.Background(), &Message{Topic: TopicPositionUpdate, Pair: "EUR/USD"})

	select {
	case msg := <-changes:
		t.Errorf("cross-topic delivery: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOverflowCoalescesSameStream(t *testing.T) {
	b := New(2, nil, quietLogger())
	defer b.Close()

	// No subscriber: messages queue up and the third publish overflows.
	ctx := context.Background()
	publish := func(pair market.Pair, seq int) {
		b.Publish(ctx, &Message{Topic: TopicSignalChange, Pair: pair, Timeframe: market.TF1h, Payload: seq})
	}
	publish("EUR/USD", 1)
	publish("GBP/USD", 2)
	publish("EUR/USD", 3) // coalesces against the older EUR/USD message

	tq := b.topic(TopicSignalChange)

	tq.mu.Lock()
	defer tq.mu.Unlock()
	if len(tq.queue) > 2 {
		t.Fatalf("queue length = %d, want <= bound 2", len(tq.queue))
	}
	// The GBP/USD message must have survived coalescing.
	foundGBP := false
	for _, m := range tq.queue {
		if m.Pair == "GBP/USD" {
			foundGBP = true
		}
		if m.Pair == "EUR/USD" && m.Payload == 1 {
			t.Error("older EUR/USD message should have been coalesced away")
		}
	}
	if !foundGBP {
		t.Error("GBP/USD message dropped instead of same-stream coalescing")
	}
}

type recordingMirror struct {
	mu       sync.Mutex
	messages []*Message
}

func (m *recordingMirror) Publish(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func TestMirrorReceivesPublishes(t *testing.T) {
	mirror := &recordingMirror{}
	b := New(8, mirror, quietLogger())

	b.Publish(context.Background(), &Message{Topic: TopicSignalChange, Pair: "EUR/USD"})
	b.Close() // waits for the async mirror publish

	if mirror.count() != 1 {
		t.Errorf("mirror publishes = %d, want 1", mirror.count())
	}
}
