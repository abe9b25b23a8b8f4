package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisNotifier publishes notices to a Redis channel so that SSE clients
// attached to other console replicas see toasts for transitions this
// replica's watcher observed.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notice) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Relay subscribes to the Redis channel and forwards decoded notices into
// the hub until the context is cancelled. Malformed payloads are logged
// and skipped.
func Relay(ctx context.Context, client *redis.Client, channel string, hub *Hub, log *zap.Logger) {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var n Notice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				log.Warn("drop malformed notice", zap.Error(err))
				continue
			}
			_ = hub.Notify(ctx, n)
		}
	}
}
