package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
)

type memKV struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *memKV) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newMemKV()
	c := &SnapshotCache{client: store, ttl: time.Minute}
	ctx := context.Background()

	got, err := c.Get(ctx, "XYZ-USD")
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := events.OrderBookSnapshot{
		Symbol:   "XYZ-USD",
		Sequence: 42,
		Bids:     []events.Level{{Price: decimal.RequireFromString("9.99"), Quantity: decimal.NewFromInt(3), Orders: 2}},
	}
	require.NoError(t, c.Handle(ctx, snap))
	require.NoError(t, c.Handle(ctx, events.TradeEvent{Symbol: "XYZ-USD"}))
	assert.Len(t, store.data, 1, "only snapshots are cached")
	assert.Equal(t, time.Minute, store.ttls["book:XYZ-USD"])

	got, err = c.Get(ctx, "XYZ-USD")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(42), got.Sequence)
	require.Len(t, got.Bids, 1)
	assert.True(t, got.Bids[0].Price.Equal(snap.Bids[0].Price))
	assert.Empty(t, got.Asks)
	require.NoError(t, c.Close())
}
