package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

const (
	DefaultRedisKey = "dm:messages"
	DefaultRedisMax = 1000
)

// ListClient is the subset of the Redis API the mirror needs.
// *redis.Client satisfies it.
type ListClient interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// OpenRedis connects to url and verifies the connection with a ping.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: redis ping: %w", ErrUnavailable, err)
	}
	return c, nil
}

// RedisMirror keeps the newest messages in a capped Redis list so other
// processes can read recent table activity. With a nil client every
// operation is a no-op.
type RedisMirror struct {
	client ListClient
	key    string
	max    int64
	logger *slog.Logger
}

// NewRedisMirror creates a mirror writing to key, capped at max entries.
func NewRedisMirror(client ListClient, key string, max int, logger *slog.Logger) *RedisMirror {
	if key == "" {
		key = DefaultRedisKey
	}
	if max <= 0 {
		max = DefaultRedisMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{client: client, key: key, max: int64(max), logger: logger}
}

// Available reports whether the mirror has a client.
func (r *RedisMirror) Available() bool { return r.client != nil }

// Archive implements comms.Archiver.
func (r *RedisMirror) Archive(ctx context.Context, msg comms.Message) error {
	if r.client == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	if err := r.client.LPush(ctx, r.key, raw).Err(); err != nil {
		return fmt.Errorf("%w: lpush %s: %w", ErrUnavailable, r.key, err)
	}
	if err := r.client.LTrim(ctx, r.key, 0, r.max-1).Err(); err != nil {
		return fmt.Errorf("%w: ltrim %s: %w", ErrUnavailable, r.key, err)
	}
	return nil
}

// Recent returns up to limit mirrored messages, oldest first.
func (r *RedisMirror) Recent(ctx context.Context, limit int) ([]comms.Message, error) {
	if r.client == nil {
		return nil, nil
	}
	if limit <= 0 || int64(limit) > r.max {
		limit = int(r.max)
	}
	vals, err := r.client.LRange(ctx, r.key, 0, int64(limit)-1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: lrange %s: %w", ErrUnavailable, r.key, err)
	}
	msgs := make([]comms.Message, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		var m comms.Message
		if err := json.Unmarshal([]byte(vals[i]), &m); err != nil {
			r.logger.Warn("skipping malformed mirrored message", "key", r.key, "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
