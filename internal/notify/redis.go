package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis stream notifier.
type RedisConfig struct {
	URL          string        `json:"url" yaml:"url"`
	Stream       string        `json:"stream" yaml:"stream"`
	MaxLen       int64         `json:"max_len" yaml:"max_len"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// RedisNotifier appends triggers to a Redis stream that the webhook dispatcher
// consumes with a consumer group.
type RedisNotifier struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewRedisNotifier connects to Redis and checks the connection.
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.URL == "" || cfg.Stream == "" {
		return nil, fmt.Errorf("notify: redis url and stream are required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis URL: %w", err)
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: redis ping failed: %w", err)
	}
	return NewRedisNotifierWithClient(client, cfg), nil
}

// NewRedisNotifierWithClient wraps an existing client.
func NewRedisNotifierWithClient(client *redis.Client, cfg RedisConfig) *RedisNotifier {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisNotifier{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen, timeout: timeout}
}

// Notify implements Notifier with XADD. The stream is trimmed approximately when
// MaxLen is set.
func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	value, err := n.Encode()
	if err != nil {
		return fmt.Errorf("notify: encode notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"event_id": n.EventID,
			"tenant":   n.Scope.TenantID,
			"payload":  value,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("notify: xadd %s: %w", r.stream, err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
