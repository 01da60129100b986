package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/clawback/clawback/pkg/saga"
)

// RedisClient is the slice of redis.UniversalClient the publisher uses,
// narrowed so tests can stub it without a server.
type RedisClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	// StreamKey is the stream history events are appended to.
	StreamKey string
	// ChannelPrefix prefixes the per-order live status channels.
	ChannelPrefix string
	// MaxStreamLen bounds the history stream; trimming is approximate.
	MaxStreamLen int64
}

// RedisPublisher appends saga events to a Redis stream and pushes live
// status updates over per-order pub/sub channels. It serves as both a
// history Transport and a StatusSink.
type RedisPublisher struct {
	client RedisClient
	cfg    RedisConfig
}

var (
	_ Transport  = (*RedisPublisher)(nil)
	_ StatusSink = (*RedisPublisher)(nil)
)

// NewRedisPublisher builds a Redis sink over an existing client.
func NewRedisPublisher(client RedisClient, cfg RedisConfig) *RedisPublisher {
	if cfg.StreamKey == "" {
		cfg.StreamKey = "clawback:saga:events"
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "clawback:status:"
	}
	if cfg.MaxStreamLen <= 0 {
		cfg.MaxStreamLen = 10000
	}
	return &RedisPublisher{client: client, cfg: cfg}
}

// Publish implements Transport by appending to the history stream.
func (p *RedisPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.StreamKey,
		MaxLen: p.cfg.MaxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"subject": subject,
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("events: xadd: %w", err)
	}
	return nil
}

// PublishStatus implements StatusSink over a per-order channel.
func (p *RedisPublisher) PublishStatus(ctx context.Context, update saga.StatusUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("events: marshal status: %w", err)
	}
	if err := p.client.Publish(ctx, p.cfg.ChannelPrefix+update.OrderID, payload).Err(); err != nil {
		return fmt.Errorf("events: publish status: %w", err)
	}
	return nil
}

// Healthy pings the server.
func (p *RedisPublisher) Healthy() bool {
	return p.client.Ping(context.Background()).Err() == nil
}
