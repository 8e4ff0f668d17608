// Package receipts remembers acknowledged deliveries so a resumed run does
// not resend them.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Receipt is what a provider acknowledged for one destination.
type Receipt struct {
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}

// Cache is consulted before each send and written after each success.
type Cache interface {
	Put(ctx context.Context, messageID, destination string, r Receipt) error
	Get(ctx context.Context, messageID, destination string) (Receipt, bool, error)
}

type Config struct {
	Enabled  bool          `json:"enabled"`
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
	Prefix   string        `json:"prefix"`
}

type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if prefix == "" {
		prefix = "receipt"
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

// Open dials redis and checks it answers.
func Open(ctx context.Context, cfg Config) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCache(rdb, cfg.TTL, cfg.Prefix), nil
}

func (c *RedisCache) key(messageID, destination string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, messageID, destination)
}

func (c *RedisCache) Put(ctx context.Context, messageID, destination string, r Receipt) error {
	r.SentAt = r.SentAt.UTC()
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(messageID, destination), b, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, messageID, destination string) (Receipt, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(messageID, destination)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt: %w", err)
	}
	return r, true, nil
}

func (c *RedisCache) Close() error { return c.rdb.Close() }

// Nop never hits.
type Nop struct{}

func (Nop) Put(context.Context, string, string, Receipt) error { return nil }

func (Nop) Get(context.Context, string, string) (Receipt, bool, error) {
	return Receipt{}, false, nil
}
