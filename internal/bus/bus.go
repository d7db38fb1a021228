package bus

import (
	"context"
	"sync"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
)

// Topic names. The Redis mirror maps these to its external channel names.
const (
	TopicSignalChange   = "signal.change"
	TopicPositionUpdate = "position.update"
)

// Message is one bus event. Pair and Timeframe key coalescing: on overflow
// the oldest undelivered message for the same stream is dropped.
type Message struct {
	Topic       string           `json:"topic"`
	Pair        market.Pair      `json:"pair"`
	Timeframe   market.Timeframe `json:"timeframe,omitempty"`
	Payload     interface{}      `json:"payload"`
	PublishedAt time.Time        `json:"published_at"`
}

func (m *Message) streamKey() string {
	return string(m.Pair) + ":" + string(m.Timeframe)
}

// Mirror publishes messages onto an external pub/sub. At-most-once;
// consumers must be idempotent.
type Mirror interface {
	Publish(ctx context.Context, msg *Message) error
}

// topicQueue is a bounded FIFO with stream coalescing and fan-out to
// subscriber channels.
type topicQueue struct {
	mu          sync.Mutex
	name        string
	bound       int
	queue       []*Message
	subscribers []chan Message
	wake        chan struct{}
}

// Bus is the in-process publish/subscribe hub. Publishing never blocks past
// the topic bound; a per-topic pump fans messages out in order.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicQueue
	bound  int
	mirror Mirror
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus. bound caps each topic's undelivered queue; mirror may
// be nil for purely in-process operation.
func New(bound int, mirror Mirror, log *logging.Logger) *Bus {
	if bound <= 0 {
		bound = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		topics: make(map[string]*topicQueue),
		bound:  bound,
		mirror: mirror,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Bus) topic(name string) *topicQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	tq, ok := b.topics[name]
	if !ok {
		tq = &topicQueue{name: name, bound: b.bound, wake: make(chan struct{}, 1)}
		b.topics[name] = tq
		b.wg.Add(1)
		go b.pump(tq)
	}
	return tq
}

// Subscribe returns a channel receiving every message published to the
// topic after this call. The channel is bounded; a slow consumer loses its
// oldest buffered message, never blocks the bus.
func (b *Bus) Subscribe(topicName string) <-chan Message {
	tq := b.topic(topicName)

	ch := make(chan Message, b.bound)
	tq.mu.Lock()
	tq.subscribers = append(tq.subscribers, ch)
	tq.mu.Unlock()

	// Kick the pump in case messages queued up before this subscriber.
	select {
	case tq.wake <- struct{}{}:
	default:
	}
	return ch
}

// Publish enqueues the message. On a full topic queue the oldest
// undelivered message for the same (pair, timeframe) is replaced; if none
// exists the oldest message overall is dropped.
func (b *Bus) Publish(ctx context.Context, msg *Message) {
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	tq := b.topic(msg.Topic)

	tq.mu.Lock()
	if len(tq.queue) >= tq.bound {
		dropped := tq.coalesce(msg.streamKey())
		b.log.Warn("bus queue full, coalescing",
			"topic", tq.name, "dropped_stream", dropped.streamKey())
	}
	tq.queue = append(tq.queue, msg)
	tq.mu.Unlock()

	select {
	case tq.wake <- struct{}{}:
	default:
	}

	if b.mirror != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			mctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
			defer cancel()
			if err := b.mirror.Publish(mctx, msg); err != nil {
				b.log.Warn("mirror publish failed", "topic", msg.Topic, "error", err)
			}
		}()
	}
}

// coalesce removes and returns the oldest message for the stream, or the
// oldest overall. Callers hold tq.mu.
func (tq *topicQueue) coalesce(streamKey string) *Message {
	for i, m := range tq.queue {
		if m.streamKey() == streamKey {
			dropped := tq.queue[i]
			tq.queue = append(tq.queue[:i], tq.queue[i+1:]...)
			return dropped
		}
	}
	dropped := tq.queue[0]
	tq.queue = tq.queue[1:]
	return dropped
}

// pump drains the topic queue to subscribers in publish order.
func (b *Bus) pump(tq *topicQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-tq.wake:
		}

		for {
			tq.mu.Lock()
			// Hold messages until a consumer exists; changes published
			// across a consumer restart are not lost to the void.
			if len(tq.queue) == 0 || len(tq.subscribers) == 0 {
				tq.mu.Unlock()
				break
			}
			msg := tq.queue[0]
			tq.queue = tq.queue[1:]
			subs := append([]chan Message(nil), tq.subscribers...)
			tq.mu.Unlock()

			for _, ch := range subs {
				select {
				case ch <- *msg:
				default:
					// Slow consumer: shed its oldest buffered message.
					select {
					case <-ch:
					default:
					}
					select {
					case ch <- *msg:
					default:
					}
				}
			}
		}
	}
}

// Close stops the pumps and waits for in-flight mirror publishes.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}
