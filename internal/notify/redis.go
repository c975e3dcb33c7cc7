package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/metrics"
)

// DefaultRedisChannel is the pub/sub channel notifications are published on.
const DefaultRedisChannel = "huddle:notifications"

// Redis publishes notifications as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedis creates a Redis notifier. An empty channel uses
// DefaultRedisChannel.
func NewRedis(client *redis.Client, channel string, logger *zap.Logger) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:  client,
		channel: channel,
		timeout: 5 * time.Second,
		logger:  logger.Named("redis"),
	}
}

func (r *Redis) Notify(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		r.logger.Error("failed to encode notification", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Error("unable to publish notification",
			zap.String("channel", r.channel),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
		metrics.RecordNotification(string(n.Kind), "redis", "failed")
		return
	}
	metrics.RecordNotification(string(n.Kind), "redis", "sent")
}
