package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisOutcomeCache keeps the first recorded delivery of each inbound event so replays can be
// answered without a database round trip.
type RedisOutcomeCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisOutcomeCache(ctx context.Context, url string, ttl time.Duration) (*RedisOutcomeCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return &RedisOutcomeCache{client: client, ttl: ttl}, nil
}

func outcomeKey(key domain.IdempotenceKey) string {
	return "bankops:outcome:" + key.String()
}

func (c *RedisOutcomeCache) Get(ctx context.Context, key domain.IdempotenceKey) (*domain.EventDelivery, error) {
	raw, err := c.client.Get(ctx, outcomeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("outcome %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis: %v", domain.ErrTransient, err)
	}
	var d domain.EventDelivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("outcome %s: %w", key, err)
	}
	return &d, nil
}

// Put stores d unless an outcome is already cached for key.
func (c *RedisOutcomeCache) Put(ctx context.Context, key domain.IdempotenceKey, d *domain.EventDelivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := c.client.SetNX(ctx, outcomeKey(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", domain.ErrTransient, err)
	}
	return nil
}

func (c *RedisOutcomeCache) Close() error {
	return c.client.Close()
}
