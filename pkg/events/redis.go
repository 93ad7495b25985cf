package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream is the Redis stream events are appended to
const Stream = "prefork:events"

// streamMaxLen bounds the stream with approximate trimming
const streamMaxLen = 10000

// RedisPublisher appends events to a capped Redis stream
type RedisPublisher struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisPublisher connects to the Redis server named by url
func NewRedisPublisher(ctx context.Context, url string, log *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{client: client, log: log}, nil
}

// ReportLifecycleEvent appends the event to the stream
func (p *RedisPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	ev := newEvent(eventType, message, metadata)

	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      ev.Type,
			"message":   ev.Message,
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
			"host":      ev.Host,
			"pid":       ev.PID,
			"metadata":  string(meta),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", eventType, err)
	}
	return nil
}

// Close closes the client
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
