// Package matching runs one single-writer engine per instrument. Every book
// mutation happens on the engine goroutine, in the order commands arrive.
package matching

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/matchcore/pkg/app/core/account"
	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
	"github.com/uhyunpark/matchcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/matchcore/pkg/app/core/risk"
	"github.com/uhyunpark/matchcore/pkg/app/core/sequence"
	"github.com/uhyunpark/matchcore/pkg/app/core/settlement"
	"github.com/uhyunpark/matchcore/pkg/util"
)

type Config struct {
	InboxSize     int
	SnapshotEvery int // deltas between periodic snapshots, 0 = never
	SnapshotDepth int
}

// Result is what a placement produced: the order as it stands after matching
// and the trades it took part in, in sequence order.
type Result struct {
	Order  order.Order
	Trades []order.Trade
}

type command func()

type Engine struct {
	symbol string
	cfg    Config

	book   *orderbook.Book
	orders map[string]*order.Order // live resting orders only

	arrivals *sequence.Sequencer
	trades   *sequence.Sequencer
	deltas   *sequence.Sequencer

	checker  *risk.Checker
	accounts *account.Manager
	applier  *settlement.Applier
	sink     events.Sink
	clock    util.Clock
	logger   *zap.SugaredLogger

	inbox         chan command
	done          chan struct{}
	sinceSnapshot int
}

func NewEngine(symbol string, cfg Config, checker *risk.Checker, accounts *account.Manager, applier *settlement.Applier, sink events.Sink, clock util.Clock, logger *zap.SugaredLogger) *Engine {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1
	}
	e := &Engine{
		symbol:   symbol,
		cfg:      cfg,
		orders:   make(map[string]*order.Order),
		arrivals: sequence.New(0),
		trades:   sequence.New(0),
		deltas:   sequence.New(0),
		checker:  checker,
		accounts: accounts,
		applier:  applier,
		sink:     sink,
		clock:    clock,
		logger:   logger.With("symbol", symbol),
		inbox:    make(chan command, cfg.InboxSize),
		done:     make(chan struct{}),
	}
	e.book = orderbook.New(symbol, e.arrivals.Next)
	return e
}

func (e *Engine) Symbol() string { return e.symbol }

// Run processes commands until ctx is cancelled. Commands still queued at
// that point are never executed; their callers get ErrEngineStopped.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.logger.Infow("engine_started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Infow("engine_stopped", "resting", e.book.Len(), "trades", e.trades.Current())
			return nil
		case cmd := <-e.inbox:
			cmd()
		}
	}
}

type reply[T any] struct {
	val T
	err error
}

// call runs fn on the engine goroutine and waits for its result. Once a
// command is queued it is waited for regardless of ctx, so a caller never
// sees an error for a command that did run.
func call[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	out := make(chan reply[T], 1)
	cmd := func() {
		v, err := fn()
		out <- reply[T]{v, err}
	}

	select {
	case e.inbox <- cmd:
	case <-e.done:
		return zero, order.ErrEngineStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-out:
		return r.val, r.err
	case <-e.done:
		select {
		case r := <-out:
			return r.val, r.err
		default:
			return zero, order.ErrEngineStopped
		}
	}
}

// Place admits req and matches it. A rejected request returns the Rejected
// order together with the typed error.
func (e *Engine) Place(ctx context.Context, req order.PlaceOrderRequest) (Result, error) {
	if req.InstrumentSymbol != e.symbol {
		return Result{}, fmt.Errorf("%w: %s routed to %s engine", order.ErrUnknownInstrument, req.InstrumentSymbol, e.symbol)
	}
	return call(ctx, e, func() (Result, error) { return e.place(req) })
}

// Cancel removes a resting order. An order that already left the book fails
// with ErrOrderNotActive.
func (e *Engine) Cancel(ctx context.Context, orderID string) (order.Order, error) {
	return call(ctx, e, func() (order.Order, error) { return e.cancel(orderID, false) })
}

// Expire is the session-end variant of Cancel.
func (e *Engine) Expire(ctx context.Context, orderID string) (order.Order, error) {
	return call(ctx, e, func() (order.Order, error) { return e.cancel(orderID, true) })
}

// Modify cancels a resting order and places its replacement with a new id
// and arrival sequence. On failure the original is left as it was.
func (e *Engine) Modify(ctx context.Context, req order.ModifyOrderRequest) (Result, error) {
	return call(ctx, e, func() (Result, error) { return e.modify(req) })
}

// ExpireDay expires every resting DAY order and returns how many there were.
func (e *Engine) ExpireDay(ctx context.Context) (int, error) {
	return call(ctx, e, func() (int, error) {
		return e.expireWhere(func(o *order.Order) bool { return o.TimeInForce == order.DAY }, order.ReasonExpired), nil
	})
}

// Settle expires every resting order ahead of instrument settlement.
func (e *Engine) Settle(ctx context.Context) (int, error) {
	return call(ctx, e, func() (int, error) {
		return e.expireWhere(func(*order.Order) bool { return true }, order.ReasonSettled), nil
	})
}

// Snapshot returns the aggregated book to depth levels per side (0 = all)
// and publishes it for late subscribers.
func (e *Engine) Snapshot(ctx context.Context, depth int) (events.OrderBookSnapshot, error) {
	return call(ctx, e, func() (events.OrderBookSnapshot, error) {
		snap := e.snapshot(depth)
		e.sink.Publish(snap)
		return snap, nil
	})
}

// Order returns a copy of a live resting order.
func (e *Engine) Order(ctx context.Context, orderID string) (order.Order, error) {
	return call(ctx, e, func() (order.Order, error) {
		o, ok := e.orders[orderID]
		if !ok {
			return order.Order{}, fmt.Errorf("%w: %s", order.ErrOrderNotActive, orderID)
		}
		return o.Clone(), nil
	})
}

// Resting returns the number of orders on the book.
func (e *Engine) Resting(ctx context.Context) (int, error) {
	return call(ctx, e, func() (int, error) { return e.book.Len(), nil })
}

func (e *Engine) snapshot(depth int) events.OrderBookSnapshot {
	bids, asks := e.book.Snapshot(depth)
	return events.OrderBookSnapshot{
		Symbol:    e.symbol,
		Sequence:  e.deltas.Current(),
		Bids:      bids,
		Asks:      asks,
		Timestamp: e.clock.Now(),
	}
}

// flush publishes the level changes of the last command as one delta and a
// periodic snapshot when due.
func (e *Engine) flush() {
	changes := e.book.DrainChanges()
	if len(changes) == 0 {
		return
	}
	e.sink.Publish(events.OrderBookDelta{
		Symbol:    e.symbol,
		Sequence:  e.deltas.Next(),
		Changes:   changes,
		Timestamp: e.clock.Now(),
	})
	e.sinceSnapshot++
	if e.cfg.SnapshotEvery > 0 && e.sinceSnapshot >= e.cfg.SnapshotEvery {
		e.sinceSnapshot = 0
		e.sink.Publish(e.snapshot(e.cfg.SnapshotDepth))
	}
}
