// Package cache keeps the latest order book snapshot of every instrument in
// redis, so late subscribers can start from a full ladder and apply deltas
// with a higher sequence.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
)

// kv is the subset of redis commands the cache needs.
type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type SnapshotCache struct {
	client kv
	ttl    time.Duration
	closer func() error
}

func NewSnapshotCache(addr string, ttl time.Duration) *SnapshotCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // No password by default
		DB:       0,
	})
	return &SnapshotCache{client: client, ttl: ttl, closer: client.Close}
}

func bookKey(symbol string) string { return "book:" + symbol }

// Handle stores snapshots and ignores every other event.
func (c *SnapshotCache) Handle(ctx context.Context, ev events.Event) error {
	snap, ok := ev.(events.OrderBookSnapshot)
	if !ok {
		return nil
	}
	return c.Put(ctx, snap)
}

func (c *SnapshotCache) Put(ctx context.Context, snap events.OrderBookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, bookKey(snap.Symbol), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache %s snapshot: %w", snap.Symbol, err)
	}
	return nil
}

// Get returns the cached snapshot, or nil if there is none or it expired.
func (c *SnapshotCache) Get(ctx context.Context, symbol string) (*events.OrderBookSnapshot, error) {
	data, err := c.client.Get(ctx, bookKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s snapshot: %w", symbol, err)
	}
	var snap events.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *SnapshotCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

var _ events.Handler = (*SnapshotCache)(nil)
