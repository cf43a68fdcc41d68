package loadgen

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchcore/params"
	"github.com/uhyunpark/matchcore/pkg/app/core/market"
	"github.com/uhyunpark/matchcore/pkg/app/core/matching"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

// Exchange is the part of the exchange the feeder drives.
type Exchange interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (matching.Result, error)
	CancelOrder(ctx context.Context, req order.CancelOrderRequest) (order.Order, error)
	Deposit(accountID, currency string, amount decimal.Decimal) error
}

// Starting balance of every simulated trader, per currency.
var fundingAmount = decimal.NewFromInt(10_000_000)

// Stats for load testing analysis
type Stats struct {
	Orders   int
	Cancels  int
	Trades   int
	Rejected int
}

type Feeder struct {
	exchange Exchange
	gen      *Generator
	cfg      params.LoadGen
	logger   *zap.SugaredLogger
	stats    Stats
}

func NewFeeder(exchange Exchange, instruments []market.Instrument, cfg params.LoadGen, seed int64, logger *zap.SugaredLogger) *Feeder {
	return &Feeder{
		exchange: exchange,
		gen:      NewGenerator(cfg.Accounts, instruments, seed),
		cfg:      cfg,
		logger:   logger,
	}
}

// Fund deposits a starting balance of every instrument currency into every
// simulated account.
func (f *Feeder) Fund() error {
	currencies := make(map[string]bool)
	for _, inst := range f.gen.instruments {
		currencies[inst.BaseCurrency] = true
		currencies[inst.QuoteCurrency] = true
	}
	for _, id := range f.gen.Accounts() {
		for cur := range currencies {
			if err := f.exchange.Deposit(id, cur, fundingAmount); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run funds the traders and sends a batch every interval until ctx is done.
func (f *Feeder) Run(ctx context.Context) error {
	if len(f.gen.instruments) == 0 || len(f.gen.accounts) == 0 {
		return errors.New("load generator needs instruments and accounts")
	}
	if err := f.Fund(); err != nil {
		return err
	}

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	report := time.NewTicker(10 * time.Second)
	defer report.Stop()

	start := time.Now()
	f.logger.Infow("loadgen_started",
		"accounts", f.cfg.Accounts,
		"batch", f.cfg.BatchSize,
		"interval", f.cfg.Interval,
	)

	for {
		select {
		case <-ctx.Done():
			f.logStats("loadgen_stopped", time.Since(start))
			return nil
		case <-report.C:
			f.logStats("loadgen_stats", time.Since(start))
		case <-ticker.C:
			if err := f.Batch(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				return err
			}
		}
	}
}

// Batch sends one batch: 90% new orders, 10% cancels of tracked orders.
func (f *Feeder) Batch(ctx context.Context) error {
	for i := 0; i < f.cfg.BatchSize; i++ {
		if f.gen.rng.Intn(100) < 10 {
			if req, ok := f.gen.GenerateCancel(); ok {
				if _, err := f.exchange.CancelOrder(ctx, req); err != nil && !expected(err) {
					return err
				}
				f.stats.Cancels++
				continue
			}
		}

		res, err := f.exchange.PlaceOrder(ctx, f.gen.GenerateOrder())
		f.stats.Orders++
		if err != nil {
			if !expected(err) {
				return err
			}
			f.stats.Rejected++
			continue
		}
		f.stats.Trades += len(res.Trades)
		f.gen.Track(res.Order)
	}
	return nil
}

// expected reports business rejections that random flow runs into.
// Context errors map to CodeInternal.
func expected(err error) bool {
	switch order.CodeOf(err) {
	case order.CodeInternal, order.CodeEngineStopped:
		return false
	}
	return true
}

func (f *Feeder) Stats() Stats { return f.stats }

func (f *Feeder) logStats(msg string, elapsed time.Duration) {
	secs := elapsed.Seconds()
	if secs == 0 {
		secs = 1
	}
	f.logger.Infow(msg,
		"orders", f.stats.Orders,
		"cancels", f.stats.Cancels,
		"trades", f.stats.Trades,
		"rejected", f.stats.Rejected,
		"orders_per_sec", float64(f.stats.Orders)/secs,
	)
}
