package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
	"github.com/uhyunpark/matchcore/pkg/app/core/sequence"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newBook() (*Book, *sequence.Sequencer) {
	seq := sequence.New(0)
	return New("BTC-USD", seq.Next), seq
}

func rest(t *testing.T, b *Book, seq *sequence.Sequencer, id string, side order.Side, qty, price string) {
	t.Helper()
	err := b.Insert(Entry{OrderID: id, AccountID: "acct-" + id, Side: side, Price: d(price), Seq: seq.Next(), Visible: d(qty)})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestBestPricesAndPriority(t *testing.T) {
	b, seq := newBook()
	rest(t, b, seq, "b1", order.Buy, "1", "99")
	rest(t, b, seq, "b2", order.Buy, "1", "100")
	rest(t, b, seq, "b3", order.Buy, "1", "100")
	rest(t, b, seq, "a1", order.Sell, "1", "102")
	rest(t, b, seq, "a2", order.Sell, "1", "101")

	bid, ok := b.Best(order.Buy)
	if !ok || bid.OrderID != "b2" {
		t.Fatalf("best bid = %+v, want b2 (highest price, earliest seq)", bid)
	}
	ask, ok := b.BestOpposite(order.Buy)
	if !ok || ask.OrderID != "a2" {
		t.Fatalf("best ask = %+v, want a2", ask)
	}

	// b2 leaves, b3 is next in time at the same price.
	if _, ok := b.Remove("b2"); !ok {
		t.Fatal("remove b2 failed")
	}
	if bid, _ := b.Best(order.Buy); bid.OrderID != "b3" {
		t.Errorf("best bid after removal = %s, want b3", bid.OrderID)
	}
	if _, ok := b.Remove("b3"); !ok {
		t.Fatal("remove b3 failed")
	}
	if p, _ := b.BestPrice(order.Buy); !p.Equal(d("99")) {
		t.Errorf("best bid price = %s, want 99", p)
	}
	if b.Len() != 3 {
		t.Errorf("len = %d, want 3", b.Len())
	}
}

func TestReduceRemovesAtZero(t *testing.T) {
	b, seq := newBook()
	rest(t, b, seq, "a1", order.Sell, "1.0", "50000")
	rest(t, b, seq, "a2", order.Sell, "0.5", "50000")
	b.DrainChanges()

	removed, err := b.Reduce("a1", d("1.0"))
	if err != nil || !removed {
		t.Fatalf("reduce a1 = %v, %v", removed, err)
	}
	removed, err = b.Reduce("a2", d("0.2"))
	if err != nil || removed {
		t.Fatalf("reduce a2 = %v, %v", removed, err)
	}
	e, ok := b.Get("a2")
	if !ok || !e.Visible.Equal(d("0.3")) {
		t.Fatalf("a2 = %+v", e)
	}
	if _, ok := b.Get("a1"); ok {
		t.Error("a1 must be gone")
	}
	if _, err := b.Reduce("a2", d("0.4")); err == nil {
		t.Error("reducing beyond visible must fail")
	}

	changes := b.DrainChanges()
	if len(changes) != 1 || !changes[0].Quantity.Equal(d("0.3")) {
		t.Errorf("changes = %+v, want one level at 0.3", changes)
	}
}

func TestLevelRemovalDelta(t *testing.T) {
	b, seq := newBook()
	rest(t, b, seq, "b1", order.Buy, "2", "10")
	b.DrainChanges()

	b.Remove("b1")
	changes := b.DrainChanges()
	want := events.LevelChange{Side: order.Buy, Price: d("10"), Quantity: decimal.Zero}
	if len(changes) != 1 || changes[0].Side != want.Side || !changes[0].Price.Equal(want.Price) || !changes[0].Quantity.IsZero() {
		t.Errorf("changes = %+v, want %+v", changes, want)
	}
	if _, ok := b.Best(order.Buy); ok {
		t.Error("bid side should be empty")
	}
	if len(b.DrainChanges()) != 0 {
		t.Error("drain must reset")
	}
}

func TestIcebergRefillLosesPriority(t *testing.T) {
	b, seq := newBook()
	err := b.Insert(Entry{OrderID: "ice", Side: order.Sell, Price: d("100"), Seq: seq.Next(), Visible: d("5"), Display: d("2")})
	if err != nil {
		t.Fatal(err)
	}
	rest(t, b, seq, "plain", order.Sell, "1", "100")

	ice, _ := b.Get("ice")
	if !ice.Visible.Equal(d("2")) || !ice.Hidden.Equal(d("3")) {
		t.Fatalf("iceberg split = %s/%s, want 2/3", ice.Visible, ice.Hidden)
	}
	if lvl := b.Depth(order.Sell, 1); !lvl[0].Quantity.Equal(d("3")) {
		t.Errorf("displayed depth = %s, want 3 (2 + 1)", lvl[0].Quantity)
	}

	removed, err := b.Reduce("ice", d("2"))
	if err != nil || removed {
		t.Fatalf("reduce = %v, %v", removed, err)
	}
	ice, _ = b.Get("ice")
	if !ice.Visible.Equal(d("2")) || !ice.Hidden.Equal(d("1")) {
		t.Errorf("after refill = %s/%s, want 2/1", ice.Visible, ice.Hidden)
	}
	if first, _ := b.Best(order.Sell); first.OrderID != "plain" {
		t.Errorf("refilled iceberg must go to the back, front is %s", first.OrderID)
	}
	if ice.Seq <= 2 {
		t.Errorf("refill must take a fresh sequence, got %d", ice.Seq)
	}

	// Last refill is smaller than the display size.
	_, _ = b.Reduce("ice", d("2"))
	ice, _ = b.Get("ice")
	if !ice.Visible.Equal(d("1")) || !ice.Hidden.IsZero() {
		t.Errorf("final slice = %s/%s, want 1/0", ice.Visible, ice.Hidden)
	}
}

func TestFillableQuantity(t *testing.T) {
	b, seq := newBook()
	rest(t, b, seq, "a1", order.Sell, "1", "100")
	rest(t, b, seq, "a2", order.Sell, "2", "101")
	_ = b.Insert(Entry{OrderID: "a3", AccountID: "halted", Side: order.Sell, Price: d("101"), Seq: seq.Next(), Visible: d("4"), Display: d("1")})

	limit := d("100")
	if got := b.FillableQuantity(order.Buy, &limit, d("5"), nil); !got.Equal(d("1")) {
		t.Errorf("fillable at 100 = %s, want 1", got)
	}
	limit = d("101")
	if got := b.FillableQuantity(order.Buy, &limit, d("5"), nil); !got.Equal(d("5")) {
		t.Errorf("fillable at 101 counting hidden = %s, want 5", got)
	}
	skip := func(acct string) bool { return acct == "halted" }
	if got := b.FillableQuantity(order.Buy, &limit, d("5"), skip); !got.Equal(d("3")) {
		t.Errorf("fillable excluding halted = %s, want 3", got)
	}
	if got := b.FillableQuantity(order.Buy, nil, d("100"), nil); !got.Equal(d("7")) {
		t.Errorf("market fillable = %s, want 7", got)
	}
	if got := b.FillableQuantity(order.Sell, nil, d("1"), nil); !got.IsZero() {
		t.Errorf("empty bid side fillable = %s", got)
	}
}

func TestSnapshotDepth(t *testing.T) {
	b, seq := newBook()
	rest(t, b, seq, "b1", order.Buy, "1", "98")
	rest(t, b, seq, "b2", order.Buy, "2", "99")
	rest(t, b, seq, "b3", order.Buy, "3", "99")
	rest(t, b, seq, "a1", order.Sell, "4", "101")

	bids, asks := b.Snapshot(10)
	if len(bids) != 2 || len(asks) != 1 {
		t.Fatalf("levels = %d bids %d asks", len(bids), len(asks))
	}
	if !bids[0].Price.Equal(d("99")) || !bids[0].Quantity.Equal(d("5")) || bids[0].Orders != 2 {
		t.Errorf("top bid = %+v", bids[0])
	}
	if top := b.Depth(order.Buy, 1); len(top) != 1 {
		t.Errorf("depth limit ignored: %d", len(top))
	}
	if len(b.Entries()) != 4 {
		t.Errorf("entries = %d, want 4", len(b.Entries()))
	}
}

func TestInsertRejectsBadEntries(t *testing.T) {
	b, seq := newBook()
	rest(t, b, seq, "x", order.Buy, "1", "1")
	if err := b.Insert(Entry{OrderID: "x", Side: order.Buy, Price: d("1"), Visible: d("1")}); err == nil {
		t.Error("duplicate id must fail")
	}
	if err := b.Insert(Entry{OrderID: "y", Side: order.Buy, Price: d("1")}); err == nil {
		t.Error("zero quantity must fail")
	}
}
