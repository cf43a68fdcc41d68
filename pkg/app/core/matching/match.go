package matching

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/market"
	"github.com/uhyunpark/matchcore/pkg/app/core/money"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
	"github.com/uhyunpark/matchcore/pkg/app/core/orderbook"
)

func (e *Engine) place(req order.PlaceOrderRequest) (Result, error) {
	o, inst, err := e.checker.Admit(req)
	if err != nil {
		e.sink.Publish(events.OrderStatus(o))
		return Result{Order: o.Clone()}, err
	}
	trades := e.execute(inst, o)
	e.flush()
	return Result{Order: o.Clone(), Trades: trades}, nil
}

// execute takes an admitted Pending order through acceptance, matching and
// its remainder policy.
func (e *Engine) execute(inst market.Instrument, o *order.Order) []order.Trade {
	now := e.clock.Now()
	if err := o.Accept(e.arrivals.Next(), now); err != nil {
		e.logger.Errorw("order_accept_failed", "order", o.ID, "err", err)
		e.release(o)
		return nil
	}
	e.sink.Publish(events.OrderStatus(o))

	if o.TimeInForce == order.FOK && !e.fillable(o) {
		e.terminate(o, order.ReasonFOKUnfilled)
		return nil
	}

	trades := e.match(inst, o)

	switch {
	case o.Status.Terminal():
		// filled, or cancelled mid-match
	case o.Type == order.Limit && o.TimeInForce.Rests():
		e.rest(o)
	case o.Type == order.Market:
		e.terminate(o, order.ReasonNoLiquidity)
	case o.TimeInForce == order.FOK:
		e.terminate(o, order.ReasonFOKUnfilled)
	default:
		e.terminate(o, order.ReasonIOCRemainder)
	}
	if o.Status == order.Filled {
		// Price improvement and fee headroom leave change behind.
		e.release(o)
	}
	return trades
}

// fillable runs the all-or-nothing check for FOK against current depth,
// skipping makers that would be evicted instead of matched.
func (e *Engine) fillable(o *order.Order) bool {
	var limit *decimal.Decimal
	if o.Type == order.Limit {
		p := o.Price
		limit = &p
	}
	got := e.book.FillableQuantity(o.Side, limit, o.Remaining, e.accounts.IsHalted)
	return got.GreaterThanOrEqual(o.Remaining)
}

// match crosses o against the opposite side in price-time order at the maker
// price until o is exhausted or nothing crosses.
func (e *Engine) match(inst market.Instrument, o *order.Order) []order.Trade {
	var trades []order.Trade
	for o.Remaining.IsPositive() && o.Status.Live() {
		maker, ok := e.book.BestOpposite(o.Side)
		if !ok || !o.Crosses(maker.Price) {
			break
		}
		if e.accounts.IsHalted(maker.AccountID) {
			e.evict(maker, order.ReasonHalted)
			continue
		}

		qty := money.Min(o.Remaining, maker.Visible)
		t := order.Trade{
			Symbol:    e.symbol,
			Price:     maker.Price,
			Quantity:  qty,
			TakerSide: o.Side,
			Timestamp: e.clock.Now(),
		}
		if o.Side == order.Buy {
			t.BuyOrderID, t.BuyerID = o.ID, o.AccountID
			t.SellOrderID, t.SellerID = maker.OrderID, maker.AccountID
		} else {
			t.BuyOrderID, t.BuyerID = maker.OrderID, maker.AccountID
			t.SellOrderID, t.SellerID = o.ID, o.AccountID
		}

		if err := e.applier.Apply(inst, &t); err != nil {
			if !e.settlementFailed(o, maker, err) {
				break
			}
			continue
		}
		// Numbered only once settled, so the tape has no gaps. Apply reports
		// failures by order id.
		t.Sequence = e.trades.Next()

		e.fillMaker(maker, qty, t.Price)
		if err := o.Fill(qty, t.Price, t.Timestamp); err != nil {
			e.logger.Errorw("taker_fill_failed", "order", o.ID, "err", err)
			break
		}
		e.sink.Publish(events.OrderStatus(o))
		e.sink.Publish(events.Trade(&t))
		trades = append(trades, t)
	}
	return trades
}

// settlementFailed resolves a trade that could not settle and reports whether
// matching may continue with the next maker.
func (e *Engine) settlementFailed(o *order.Order, maker orderbook.Entry, err error) bool {
	e.logger.Warnw("settlement_failed",
		"taker", o.ID,
		"maker", maker.OrderID,
		"code", order.CodeOf(err),
		"err", err,
	)
	if e.accounts.IsHalted(o.AccountID) {
		e.terminate(o, order.ReasonHalted)
		return false
	}
	if e.accounts.IsHalted(maker.AccountID) {
		e.evict(maker, order.ReasonHalted)
		return true
	}
	e.terminate(o, string(order.CodeOf(err)))
	return false
}

func (e *Engine) fillMaker(maker orderbook.Entry, qty, price decimal.Decimal) {
	removed, err := e.book.Reduce(maker.OrderID, qty)
	if err != nil {
		e.logger.Errorw("book_reduce_failed", "order", maker.OrderID, "err", err)
		return
	}
	mo, ok := e.orders[maker.OrderID]
	if !ok {
		e.logger.Errorw("resting_order_missing", "order", maker.OrderID)
		return
	}
	if err := mo.Fill(qty, price, e.clock.Now()); err != nil {
		e.logger.Errorw("maker_fill_failed", "order", mo.ID, "err", err)
	}
	e.sink.Publish(events.OrderStatus(mo))
	if removed {
		delete(e.orders, mo.ID)
		e.release(mo)
	}
}

func (e *Engine) rest(o *order.Order) {
	err := e.book.Insert(orderbook.Entry{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Side:      o.Side,
		Price:     o.Price,
		Seq:       o.Sequence,
		Visible:   o.Remaining,
		Display:   o.DisplayQuantity,
	})
	if err != nil {
		e.logger.Errorw("book_insert_failed", "order", o.ID, "err", err)
		e.terminate(o, string(order.CodeInternal))
		return
	}
	e.orders[o.ID] = o
}

// terminate cancels a live order that is not on the book and releases what
// is left of its reservation.
func (e *Engine) terminate(o *order.Order, reason string) {
	if err := o.Cancel(reason, e.clock.Now()); err != nil {
		e.logger.Errorw("order_cancel_failed", "order", o.ID, "err", err)
	}
	e.release(o)
	e.sink.Publish(events.OrderStatus(o))
}

// evict takes a resting order off the book and cancels it.
func (e *Engine) evict(entry orderbook.Entry, reason string) {
	e.book.Remove(entry.OrderID)
	o, ok := e.orders[entry.OrderID]
	if !ok {
		return
	}
	delete(e.orders, o.ID)
	e.terminate(o, reason)
}

func (e *Engine) release(o *order.Order) {
	if _, err := e.accounts.Release(o.AccountID, o.ID); err != nil {
		e.logger.Errorw("reservation_release_failed", "account", o.AccountID, "order", o.ID, "err", err)
	}
}

func (e *Engine) cancel(orderID string, expire bool) (order.Order, error) {
	o, ok := e.orders[orderID]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrOrderNotActive, orderID)
	}
	e.book.Remove(orderID)
	delete(e.orders, orderID)

	now := e.clock.Now()
	var err error
	if expire {
		err = o.Expire(now)
	} else {
		err = o.Cancel(order.ReasonUserCancel, now)
	}
	if err != nil {
		e.logger.Errorw("order_cancel_failed", "order", o.ID, "err", err)
	}
	e.release(o)
	e.sink.Publish(events.OrderStatus(o))
	e.flush()
	return o.Clone(), nil
}

func (e *Engine) modify(req order.ModifyOrderRequest) (Result, error) {
	old, ok := e.orders[req.OrderID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", order.ErrOrderNotActive, req.OrderID)
	}
	next, inst, err := e.checker.Readmit(old, req.Replacement(old))
	if err != nil {
		e.logger.Infow("order_modify_rejected", "order", old.ID, "code", order.CodeOf(err), "err", err)
		return Result{Order: old.Clone()}, err
	}

	// The old reservation is already gone; only book and status remain.
	e.book.Remove(old.ID)
	delete(e.orders, old.ID)
	if err := old.Cancel(order.ReasonReplaced, e.clock.Now()); err != nil {
		e.logger.Errorw("order_cancel_failed", "order", old.ID, "err", err)
	}
	old.ReplacedBy = next.ID
	e.sink.Publish(events.OrderStatus(old))

	trades := e.execute(inst, next)
	e.flush()
	return Result{Order: next.Clone(), Trades: trades}, nil
}

// expireWhere expires every resting order selected by match. Orders with fills
// end Cancelled with reason.
func (e *Engine) expireWhere(match func(*order.Order) bool, reason string) int {
	n := 0
	now := e.clock.Now()
	for _, entry := range e.book.Entries() {
		o, ok := e.orders[entry.OrderID]
		if !ok || !match(o) {
			continue
		}
		e.book.Remove(o.ID)
		delete(e.orders, o.ID)

		var err error
		if o.Filled.IsPositive() {
			err = o.Cancel(reason, now)
		} else {
			err = o.Expire(now)
			o.Reason = reason
		}
		if err != nil {
			e.logger.Errorw("order_expire_failed", "order", o.ID, "err", err)
		}
		e.release(o)
		e.sink.Publish(events.OrderStatus(o))
		n++
	}
	e.flush()
	if n > 0 {
		e.logger.Infow("orders_expired", "count", n, "reason", reason)
	}
	return n
}
