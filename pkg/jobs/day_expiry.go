// Package jobs holds scheduled maintenance that drives the exchange from
// outside the request path.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jasonlvhit/gocron"
	"go.uber.org/zap"
)

// DayOrderExpirer is the exchange's session-close cancel path.
type DayOrderExpirer interface {
	ExpireDayOrders(ctx context.Context) (int, error)
}

// DayExpiry expires every resting DAY order once a day at the session close.
type DayExpiry struct {
	expirer DayOrderExpirer
	at      string // "HH:MM:SS" local time
	logger  *zap.SugaredLogger
}

func NewDayExpiry(expirer DayOrderExpirer, at string, logger *zap.SugaredLogger) (*DayExpiry, error) {
	if _, err := time.Parse("15:04:05", at); err != nil {
		return nil, fmt.Errorf("invalid session close %q: %w", at, err)
	}
	return &DayExpiry{expirer: expirer, at: at, logger: logger}, nil
}

func (j *DayExpiry) Run(ctx context.Context) error {
	s := gocron.NewScheduler()
	s.Every(1).Day().At(j.at).Do(j.Expire, ctx)
	stopped := s.Start()
	j.logger.Infow("day_expiry_scheduled", "at", j.at)

	<-ctx.Done()
	stopped <- true
	s.Clear()
	return nil
}

// Expire runs one session close.
func (j *DayExpiry) Expire(ctx context.Context) {
	start := time.Now()
	n, err := j.expirer.ExpireDayOrders(ctx)
	if err != nil {
		j.logger.Errorw("day_expiry_failed", "expired", n, "err", err)
		return
	}
	j.logger.Infow("day_orders_expired", "count", n, "took", time.Since(start))
}
