// Package orderbook holds resting orders for one instrument. It is driven by
// a single matching goroutine and is not safe for concurrent use.
package orderbook

import (
	"container/list"
	"fmt"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/money"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

// Entry is the book's view of a resting order: identity and quantities only.
// Visible is what the market sees; Hidden is the undisplayed iceberg reserve.
type Entry struct {
	OrderID   string
	AccountID string
	Side      order.Side
	Price     decimal.Decimal
	Seq       uint64
	Visible   decimal.Decimal
	Hidden    decimal.Decimal
	Display   decimal.Decimal // slice size, zero = fully displayed
}

func (e *Entry) Remaining() decimal.Decimal { return e.Visible.Add(e.Hidden) }

type level struct {
	price   decimal.Decimal
	orders  *list.List // *Entry in arrival order
	visible decimal.Decimal
}

type bookSide struct {
	tree *rbt.Tree // decimal.Decimal -> *level, best price first
	best *level
}

func ascending(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

func descending(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}

func (s *bookSide) refreshBest() {
	if node := s.tree.Left(); node != nil {
		s.best = node.Value.(*level)
		return
	}
	s.best = nil
}

// Book is a price-time priority book. Bids iterate high to low and asks low
// to high, so Left() of either tree is the best level.
type Book struct {
	symbol  string
	bids    *bookSide
	asks    *bookSide
	index   map[string]*list.Element
	nextSeq func() uint64 // fresh arrival sequence for iceberg refills

	changes []events.LevelChange
}

// New creates an empty book. nextSeq must hand out the same sequence space as
// order arrivals.
func New(symbol string, nextSeq func() uint64) *Book {
	return &Book{
		symbol:  symbol,
		bids:    &bookSide{tree: rbt.NewWith(descending)},
		asks:    &bookSide{tree: rbt.NewWith(ascending)},
		index:   make(map[string]*list.Element),
		nextSeq: nextSeq,
	}
}

func (b *Book) Symbol() string { return b.symbol }

func (b *Book) sideOf(s order.Side) *bookSide {
	if s == order.Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests e. e.Visible carries the full remaining quantity on entry and
// is split into a displayed slice and a hidden reserve when e.Display is set.
func (b *Book) Insert(e Entry) error {
	if _, exists := b.index[e.OrderID]; exists {
		return fmt.Errorf("order %s already resting", e.OrderID)
	}
	if !e.Side.Valid() {
		return fmt.Errorf("order %s has invalid side", e.OrderID)
	}
	total := e.Remaining()
	if !money.IsPositive(total) {
		return fmt.Errorf("order %s has no remaining quantity", e.OrderID)
	}
	if money.IsPositive(e.Display) && e.Display.LessThan(total) {
		e.Visible, e.Hidden = e.Display, total.Sub(e.Display)
	} else {
		e.Visible, e.Hidden = total, decimal.Zero
	}

	side := b.sideOf(e.Side)
	var lvl *level
	if v, found := side.tree.Get(e.Price); found {
		lvl = v.(*level)
	} else {
		lvl = &level{price: e.Price, orders: list.New()}
		side.tree.Put(e.Price, lvl)
		side.refreshBest()
	}

	entry := e
	b.index[e.OrderID] = lvl.orders.PushBack(&entry)
	lvl.visible = lvl.visible.Add(entry.Visible)
	b.record(e.Side, lvl)
	return nil
}

// Best returns the first entry at the best price of side.
func (b *Book) Best(side order.Side) (Entry, bool) {
	lvl := b.sideOf(side).best
	if lvl == nil {
		return Entry{}, false
	}
	return *lvl.orders.Front().Value.(*Entry), true
}

// BestOpposite returns the best resting entry an order on side would meet.
func (b *Book) BestOpposite(side order.Side) (Entry, bool) {
	return b.Best(side.Opposite())
}

// BestPrice returns the best price on side.
func (b *Book) BestPrice(side order.Side) (decimal.Decimal, bool) {
	lvl := b.sideOf(side).best
	if lvl == nil {
		return decimal.Zero, false
	}
	return lvl.price, true
}

func (b *Book) Get(orderID string) (Entry, bool) {
	el, ok := b.index[orderID]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

func (b *Book) Len() int { return len(b.index) }

// Reduce takes qty off the visible slice of a resting order. An exhausted
// slice is refilled from the hidden reserve with a new sequence at the back of
// its level; an exhausted order is removed. It reports whether the order is
// gone.
func (b *Book) Reduce(orderID string, qty decimal.Decimal) (removed bool, err error) {
	el, ok := b.index[orderID]
	if !ok {
		return false, fmt.Errorf("%w: %s not resting", order.ErrUnknownOrder, orderID)
	}
	e := el.Value.(*Entry)
	if !money.IsPositive(qty) || qty.GreaterThan(e.Visible) {
		return false, fmt.Errorf("cannot reduce %s by %s (visible %s)", orderID, qty, e.Visible)
	}

	lvl := b.levelOf(e)
	e.Visible = e.Visible.Sub(qty)
	lvl.visible = lvl.visible.Sub(qty)

	if e.Visible.IsZero() {
		if e.Hidden.IsZero() {
			b.unlink(e, el, lvl)
			return true, nil
		}
		slice := money.Min(e.Display, e.Hidden)
		e.Visible = slice
		e.Hidden = e.Hidden.Sub(slice)
		e.Seq = b.nextSeq()
		lvl.orders.MoveToBack(el)
		lvl.visible = lvl.visible.Add(slice)
	}
	b.record(e.Side, lvl)
	return false, nil
}

// Remove deletes a resting order (cancel and expiry path).
func (b *Book) Remove(orderID string) (Entry, bool) {
	el, ok := b.index[orderID]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	lvl := b.levelOf(e)
	lvl.visible = lvl.visible.Sub(e.Visible)
	b.unlink(e, el, lvl)
	return *e, true
}

func (b *Book) levelOf(e *Entry) *level {
	v, _ := b.sideOf(e.Side).tree.Get(e.Price)
	return v.(*level)
}

func (b *Book) unlink(e *Entry, el *list.Element, lvl *level) {
	lvl.orders.Remove(el)
	delete(b.index, e.OrderID)
	if lvl.orders.Len() == 0 {
		side := b.sideOf(e.Side)
		side.tree.Remove(lvl.price)
		side.refreshBest()
		lvl.visible = decimal.Zero
	}
	b.record(e.Side, lvl)
}

// record notes the level's current visible quantity for the next drain.
func (b *Book) record(side order.Side, lvl *level) {
	for i := range b.changes {
		c := &b.changes[i]
		if c.Side == side && c.Price.Equal(lvl.price) {
			c.Quantity = lvl.visible
			return
		}
	}
	b.changes = append(b.changes, events.LevelChange{Side: side, Price: lvl.price, Quantity: lvl.visible})
}

// DrainChanges returns the level changes since the last drain, in the order
// levels were first touched. A zero quantity means the level is gone.
func (b *Book) DrainChanges() []events.LevelChange {
	out := b.changes
	b.changes = nil
	return out
}

// Depth aggregates up to limit levels of side (limit <= 0 means all).
func (b *Book) Depth(side order.Side, limit int) []events.Level {
	tree := b.sideOf(side).tree
	out := make([]events.Level, 0, min(tree.Size(), max(limit, 0)))
	it := tree.Iterator()
	for it.Next() {
		if limit > 0 && len(out) == limit {
			break
		}
		lvl := it.Value().(*level)
		out = append(out, events.Level{Price: lvl.price, Quantity: lvl.visible, Orders: lvl.orders.Len()})
	}
	return out
}

func (b *Book) Snapshot(limit int) (bids, asks []events.Level) {
	return b.Depth(order.Buy, limit), b.Depth(order.Sell, limit)
}

// FillableQuantity simulates an order on side with an optional limit price
// and reports how much of want the opposite side could fill, hidden reserves
// included. Entries of excluded accounts are skipped.
func (b *Book) FillableQuantity(side order.Side, limit *decimal.Decimal, want decimal.Decimal, exclude func(accountID string) bool) decimal.Decimal {
	got := decimal.Zero
	it := b.sideOf(side.Opposite()).tree.Iterator()
	for it.Next() && got.LessThan(want) {
		lvl := it.Value().(*level)
		if limit != nil && !crosses(side, *limit, lvl.price) {
			break
		}
		for el := lvl.orders.Front(); el != nil; el = el.Next() {
			e := el.Value.(*Entry)
			if exclude != nil && exclude(e.AccountID) {
				continue
			}
			got = got.Add(e.Remaining())
			if got.GreaterThanOrEqual(want) {
				return want
			}
		}
	}
	return got
}

func crosses(side order.Side, limit, resting decimal.Decimal) bool {
	if side == order.Buy {
		return limit.GreaterThanOrEqual(resting)
	}
	return limit.LessThanOrEqual(resting)
}

// Entries returns every resting entry, bids then asks, each in priority order.
func (b *Book) Entries() []Entry {
	out := make([]Entry, 0, len(b.index))
	for _, side := range []*bookSide{b.bids, b.asks} {
		it := side.tree.Iterator()
		for it.Next() {
			for el := it.Value().(*level).orders.Front(); el != nil; el = el.Next() {
				out = append(out, *el.Value.(*Entry))
			}
		}
	}
	return out
}
