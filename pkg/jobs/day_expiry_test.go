package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingExpirer struct {
	calls int
	err   error
}

func (c *countingExpirer) ExpireDayOrders(context.Context) (int, error) {
	c.calls++
	return 3, c.err
}

func TestNewDayExpiryValidatesTime(t *testing.T) {
	for _, at := range []string{"", "5pm", "25:00:00", "17:00"} {
		_, err := NewDayExpiry(&countingExpirer{}, at, zap.NewNop().Sugar())
		assert.Error(t, err, at)
	}
	_, err := NewDayExpiry(&countingExpirer{}, "17:00:00", zap.NewNop().Sugar())
	assert.NoError(t, err)
}

func TestExpireCallsExchange(t *testing.T) {
	exp := &countingExpirer{}
	j, err := NewDayExpiry(exp, "17:00:00", zap.NewNop().Sugar())
	require.NoError(t, err)

	j.Expire(context.Background())
	exp.err = errors.New("engine stopped")
	j.Expire(context.Background())
	assert.Equal(t, 2, exp.calls)
}

func TestRunStopsWithContext(t *testing.T) {
	exp := &countingExpirer{}
	j, err := NewDayExpiry(exp, "17:00:00", zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
