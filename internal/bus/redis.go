package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"aifx-advisor/internal/logging"
)

// External channel names. Chat-bot processes subscribe to these, so they
// stay stable even if the in-process topic constants move.
var mirrorChannels = map[string]string{
	TopicSignalChange:   "trading-signals",
	TopicPositionUpdate: "position-updates",
}

// RedisMirror publishes bus messages onto Redis pub/sub so chat-bot
// processes outside this binary can consume changes. At-most-once: a
// restart of a consumer loses in-between messages, which the cooldown log
// absorbs.
type RedisMirror struct {
	client *redis.Client
	log    *logging.Logger
}

// NewRedisMirror connects and verifies the Redis endpoint.
func NewRedisMirror(ctx context.Context, addr, password string, db int, log *logging.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("redis mirror connected", "addr", addr)
	return &RedisMirror{client: client, log: log}, nil
}

func (r *RedisMirror) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	channel, ok := mirrorChannels[msg.Topic]
	if !ok {
		channel = msg.Topic
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// HealthCheck pings Redis.
func (r *RedisMirror) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (r *RedisMirror) Close() error {
	return r.client.Close()
}
