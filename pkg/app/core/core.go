// Package core is the entry point into matching and settlement. An Exchange
// owns the instrument registry, the account manager and one matching engine
// per instrument.
package core

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/matchcore/params"
	"github.com/uhyunpark/matchcore/pkg/app/core/account"
	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/market"
	"github.com/uhyunpark/matchcore/pkg/app/core/matching"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
	"github.com/uhyunpark/matchcore/pkg/app/core/risk"
	"github.com/uhyunpark/matchcore/pkg/app/core/settlement"
	"github.com/uhyunpark/matchcore/pkg/util"
)

var ErrAlreadyRunning = errors.New("exchange already running")

// OrderLookup answers for orders that are no longer live, typically from the
// durable projection. LoadOrder returns (nil, nil) for an order never seen.
type OrderLookup interface {
	LoadOrder(orderID string) (*events.OrderStatusEvent, error)
}

type Exchange struct {
	cfg      matching.Config
	registry *market.Registry
	accounts *account.Manager
	checker  *risk.Checker
	applier  *settlement.Applier
	sink     events.Sink
	index    *orderIndex
	lookup   OrderLookup // optional
	clock    util.Clock
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	engines map[string]*matching.Engine
	running bool
}

// New wires an exchange. store may be nil, in which case every account
// starts empty. If store also implements OrderLookup, ids of finished orders
// are told apart from ids that never existed.
func New(cfg params.Engine, store account.Store, sink events.Sink, clock util.Clock, logger *zap.SugaredLogger) *Exchange {
	registry := market.NewRegistry()
	accounts := account.NewManager(store, sink, clock, logger.Named("accounts"))
	lookup, _ := store.(OrderLookup)
	return &Exchange{
		cfg: matching.Config{
			InboxSize:     cfg.InboxSize,
			SnapshotEvery: cfg.SnapshotEvery,
			SnapshotDepth: cfg.SnapshotDepth,
		},
		registry: registry,
		accounts: accounts,
		checker:  risk.NewChecker(registry, accounts, clock, logger.Named("risk")),
		applier:  settlement.NewApplier(accounts, cfg.FeeAccount, logger.Named("settlement")),
		sink:     sink,
		index:    newOrderIndex(sink),
		lookup:   lookup,
		clock:    clock,
		logger:   logger,
		engines:  make(map[string]*matching.Engine),
	}
}

func (x *Exchange) Registry() *market.Registry { return x.registry }

func (x *Exchange) Accounts() *account.Manager { return x.accounts }

// AddInstrument registers inst and creates its engine. Instruments must be
// added before Run.
func (x *Exchange) AddInstrument(inst market.Instrument) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.running {
		return fmt.Errorf("add %s: %w", inst.Symbol, ErrAlreadyRunning)
	}
	if err := x.registry.Register(inst); err != nil {
		return err
	}
	x.engines[inst.Symbol] = matching.NewEngine(inst.Symbol, x.cfg, x.checker, x.accounts, x.applier, x.index, x.clock, x.logger.Named("engine"))
	x.logger.Infow("instrument_added", "symbol", inst.Symbol, "base", inst.BaseCurrency, "quote", inst.QuoteCurrency)
	return nil
}

// Run drives every engine until ctx is cancelled or one of them fails.
func (x *Exchange) Run(ctx context.Context) error {
	x.mu.Lock()
	if x.running {
		x.mu.Unlock()
		return ErrAlreadyRunning
	}
	x.running = true
	engines := make([]*matching.Engine, 0, len(x.engines))
	for _, e := range x.engines {
		engines = append(engines, e)
	}
	x.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		e := e
		g.Go(func() error { return e.Run(gctx) })
	}
	x.logger.Infow("exchange_started", "instruments", len(engines))
	return g.Wait()
}

func (x *Exchange) engine(symbol string) (*matching.Engine, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.engines[symbol]
	return e, ok
}

// engineFor finds the engine holding orderID. Only live orders are indexed;
// anything else is ErrOrderNotActive if the lookup has seen it and
// ErrUnknownOrder otherwise.
func (x *Exchange) engineFor(orderID string) (*matching.Engine, error) {
	if symbol, ok := x.index.symbol(orderID); ok {
		if e, ok := x.engine(symbol); ok {
			return e, nil
		}
	}
	if x.lookup != nil {
		ev, err := x.lookup.LoadOrder(orderID)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return nil, fmt.Errorf("%w: %s is %s", order.ErrOrderNotActive, orderID, ev.Status)
		}
	}
	return nil, fmt.Errorf("%w: %s", order.ErrUnknownOrder, orderID)
}

// PlaceOrder admits and matches req. A rejected request publishes a REJECTED
// status event and returns the typed error; nothing is reserved.
func (x *Exchange) PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (matching.Result, error) {
	e, ok := x.engine(req.InstrumentSymbol)
	if !ok {
		err := fmt.Errorf("%w: %s", order.ErrUnknownInstrument, req.InstrumentSymbol)
		o := order.New(uuid.NewString(), req, x.clock.Now())
		_ = o.Reject(string(order.CodeOf(err)), x.clock.Now())
		x.sink.Publish(events.OrderStatus(o))
		return matching.Result{Order: o.Clone()}, err
	}

	return e.Place(ctx, req)
}

func (x *Exchange) CancelOrder(ctx context.Context, req order.CancelOrderRequest) (order.Order, error) {
	e, err := x.engineFor(req.OrderID)
	if err != nil {
		return order.Order{}, err
	}
	return e.Cancel(ctx, req.OrderID)
}

// ModifyOrder replaces a resting order. The replacement carries a new id.
func (x *Exchange) ModifyOrder(ctx context.Context, req order.ModifyOrderRequest) (matching.Result, error) {
	e, err := x.engineFor(req.OrderID)
	if err != nil {
		return matching.Result{}, err
	}
	return e.Modify(ctx, req)
}

// ExpireOrder is the scheduler's cancel path for a single order.
func (x *Exchange) ExpireOrder(ctx context.Context, orderID string) (order.Order, error) {
	e, err := x.engineFor(orderID)
	if err != nil {
		return order.Order{}, err
	}
	return e.Expire(ctx, orderID)
}

// ExpireDayOrders expires every resting DAY order on every instrument.
func (x *Exchange) ExpireDayOrders(ctx context.Context) (int, error) {
	total := 0
	for _, symbol := range x.symbols() {
		e, _ := x.engine(symbol)
		n, err := e.ExpireDay(ctx)
		if err != nil {
			return total, fmt.Errorf("expire %s: %w", symbol, err)
		}
		total += n
	}
	return total, nil
}

func (x *Exchange) Snapshot(ctx context.Context, symbol string, depth int) (events.OrderBookSnapshot, error) {
	e, ok := x.engine(symbol)
	if !ok {
		return events.OrderBookSnapshot{}, fmt.Errorf("%w: %s", order.ErrUnknownInstrument, symbol)
	}
	return e.Snapshot(ctx, depth)
}

// SettleInstrument closes an instrument: new orders stop, every resting
// order expires, and all positions are marked to closePrice.
func (x *Exchange) SettleInstrument(ctx context.Context, symbol string, closePrice decimal.Decimal) error {
	inst, err := x.registry.Get(symbol)
	if err != nil {
		return err
	}
	e, ok := x.engine(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrUnknownInstrument, symbol)
	}
	if err := inst.ValidatePrice(closePrice); err != nil {
		return err
	}

	// A settlement that failed part way leaves the instrument Settling and
	// can simply be run again.
	if inst.Status != market.Settling {
		if err := x.registry.UpdateStatus(symbol, market.Settling); err != nil {
			return err
		}
	}
	expired, err := e.Settle(ctx)
	if err != nil {
		x.logger.Errorw("instrument_settle_failed", "symbol", symbol, "err", err)
		return fmt.Errorf("settle %s: %w", symbol, err)
	}
	if err := x.registry.Settle(symbol, closePrice); err != nil {
		return err
	}
	marked := x.accounts.MarkPositions(symbol, closePrice)
	x.logger.Infow("instrument_settled",
		"symbol", symbol,
		"close_price", closePrice,
		"orders_expired", expired,
		"accounts_marked", marked,
	)
	return nil
}

func (x *Exchange) PauseInstrument(symbol string) error {
	return x.registry.UpdateStatus(symbol, market.Paused)
}

func (x *Exchange) ResumeInstrument(symbol string) error {
	return x.registry.UpdateStatus(symbol, market.Active)
}

func (x *Exchange) Deposit(accountID, currency string, amount decimal.Decimal) error {
	return x.accounts.Deposit(accountID, currency, amount)
}

func (x *Exchange) Withdraw(accountID, currency string, amount decimal.Decimal) error {
	return x.accounts.Withdraw(accountID, currency, amount)
}

// Account returns a copy of the account's balances, reservations and
// positions.
func (x *Exchange) Account(id string) (account.Account, error) {
	return x.accounts.Snapshot(id)
}

// ResumeAccount lifts a settlement halt once the account reconciles.
func (x *Exchange) ResumeAccount(id string) error {
	return x.accounts.Resume(id)
}

func (x *Exchange) symbols() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.engines))
	for s := range x.engines {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Digest hashes the visible state: every book's levels by symbol, then every
// loaded account's balances by id. Two exchanges fed the same commands
// produce the same digest.
func (x *Exchange) Digest(ctx context.Context) ([32]byte, error) {
	h := sha256.New()
	var buf [8]byte

	for _, symbol := range x.symbols() {
		snap, err := x.Snapshot(ctx, symbol, 0)
		if err != nil {
			return [32]byte{}, err
		}
		h.Write([]byte(symbol))
		binary.BigEndian.PutUint64(buf[:], snap.Sequence)
		h.Write(buf[:])
		for _, levels := range [][]events.Level{snap.Bids, snap.Asks} {
			for _, lvl := range levels {
				h.Write([]byte(lvl.Price.String()))
				h.Write([]byte(lvl.Quantity.String()))
			}
			h.Write([]byte{0})
		}
	}

	for _, id := range x.accounts.IDs() {
		acc, err := x.accounts.Snapshot(id)
		if err != nil {
			return [32]byte{}, err
		}
		h.Write([]byte(id))
		currencies := make([]string, 0, len(acc.Balances))
		for cur := range acc.Balances {
			currencies = append(currencies, cur)
		}
		sort.Strings(currencies)
		for _, cur := range currencies {
			b := acc.Balances[cur]
			h.Write([]byte(cur))
			h.Write([]byte(b.Total.String()))
			h.Write([]byte(b.Reserved.String()))
		}
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
