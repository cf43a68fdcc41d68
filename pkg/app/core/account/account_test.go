package account

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
	"github.com/uhyunpark/matchcore/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memStore map[string]*Account

func (s memStore) LoadAccount(id string) (*Account, error) {
	acc, ok := s[id]
	if !ok {
		return nil, nil
	}
	cp := acc.Clone()
	return &cp, nil
}

func newTestManager(t *testing.T, store Store) (*Manager, *events.Recorder) {
	t.Helper()
	rec := events.NewRecorder()
	clock := util.NewManualClock(time.Unix(1700000000, 0))
	return NewManager(store, rec, clock, zap.NewNop().Sugar()), rec
}

func mustValidate(t *testing.T, m *Manager, id string) {
	t.Helper()
	if err := m.ValidateAccount(id); err != nil {
		t.Fatalf("account %s invalid: %v", id, err)
	}
}

func TestReserveAndRelease(t *testing.T) {
	m, rec := newTestManager(t, nil)

	if err := m.Deposit("alice", "USD", d("100.00")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := m.Reserve("alice", Reservation{OrderID: "o1", Symbol: "XYZ-USD", Currency: "USD", Amount: d("150.00")})
	if !errors.Is(err, order.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	snap, _ := m.Snapshot("alice")
	if len(snap.Reservations) != 0 || !snap.Balance("USD").Available.Equal(d("100")) {
		t.Fatalf("failed reservation mutated state: %+v", snap.Balance("USD"))
	}

	if err := m.Reserve("alice", Reservation{OrderID: "o2", Symbol: "XYZ-USD", Currency: "USD", Amount: d("60")}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	b, _ := m.Snapshot("alice")
	if bal := b.Balance("USD"); !bal.Available.Equal(d("40")) || !bal.Reserved.Equal(d("60")) || !bal.Total.Equal(d("100")) {
		t.Fatalf("after reserve: %+v", bal)
	}
	mustValidate(t, m, "alice")

	released, err := m.Release("alice", "o2")
	if err != nil || !released.Equal(d("60")) {
		t.Fatalf("release = %s, %v", released, err)
	}
	if again, _ := m.Release("alice", "o2"); !again.IsZero() {
		t.Errorf("second release should be a no-op, got %s", again)
	}
	mustValidate(t, m, "alice")

	if n := len(events.Filter[events.BalanceEvent](rec)); n != 4 {
		t.Errorf("balance events = %d, want 4 (deposit, reserve, 2 releases)", n)
	}
}

func TestReplaceIsAtomic(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_ = m.Deposit("bob", "USD", d("100"))
	_ = m.Reserve("bob", Reservation{OrderID: "old", Currency: "USD", Amount: d("80")})

	// 80 freed + 20 available covers 100 but not 101.
	err := m.Replace("bob", "old", Reservation{OrderID: "new", Currency: "USD", Amount: d("101")})
	if !errors.Is(err, order.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	snap, _ := m.Snapshot("bob")
	if snap.Reservation("old") == nil || snap.Reservation("new") != nil {
		t.Fatal("failed replace must leave the old reservation untouched")
	}

	if err := m.Replace("bob", "old", Reservation{OrderID: "new", Currency: "USD", Amount: d("100")}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	snap, _ = m.Snapshot("bob")
	if snap.Reservation("old") != nil || snap.Reservation("new") == nil {
		t.Fatal("replace did not swap reservations")
	}
	if !snap.Balance("USD").Available.IsZero() {
		t.Errorf("available = %s, want 0", snap.Balance("USD").Available)
	}
	mustValidate(t, m, "bob")

	if err := m.Replace("bob", "missing", Reservation{OrderID: "x", Currency: "USD", Amount: d("1")}); !errors.Is(err, order.ErrOrderNotActive) {
		t.Errorf("replace of unknown order: got %v", err)
	}
}

func TestHaltBlocksMutation(t *testing.T) {
	m, rec := newTestManager(t, nil)
	_ = m.Deposit("eve", "USD", d("10"))
	if err := m.Halt("eve", "reconcile"); err != nil {
		t.Fatal(err)
	}
	if !m.IsHalted("eve") {
		t.Fatal("account should be halted")
	}
	if err := m.Reserve("eve", Reservation{OrderID: "o", Currency: "USD", Amount: d("1")}); !errors.Is(err, order.ErrAccountHalted) {
		t.Errorf("reserve on halted account: got %v", err)
	}
	if err := m.Withdraw("eve", "USD", d("1")); !errors.Is(err, order.ErrAccountHalted) {
		t.Errorf("withdraw on halted account: got %v", err)
	}
	if halts := events.Filter[events.AccountHaltedEvent](rec); len(halts) != 1 || !halts[0].Halted {
		t.Errorf("halt events = %+v", halts)
	}

	if err := m.Resume("eve"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if m.IsHalted("eve") {
		t.Error("account should be resumed")
	}
}

func TestDoFailureEmitsNothing(t *testing.T) {
	m, rec := newTestManager(t, nil)
	_ = m.Deposit("a", "USD", d("5"))
	rec.Reset()

	err := m.Do([]string{"a", "b", "a"}, func(tx *Tx) error {
		if tx.Account("a") == nil || tx.Account("b") == nil {
			t.Fatal("locked accounts must be visible")
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rec.Events()) != 0 {
		t.Errorf("failed Do published %d events", len(rec.Events()))
	}
}

// gateSink holds every Publish until release is closed.
type gateSink struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateSink) Publish(events.Event) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
}

func within(t *testing.T, limit time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		t.Fatalf("%s blocked for more than %s", what, limit)
	}
}

func TestPublishHappensOutsideAccountLock(t *testing.T) {
	gate := &gateSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewManager(nil, gate, util.NewManualClock(time.Unix(1700000000, 0)), zap.NewNop().Sugar())
	defer close(gate.release)

	go func() { _ = m.Deposit("alice", "USD", d("10")) }()
	<-gate.entered

	// The deposit is parked in the sink; the account must already be free.
	within(t, 500*time.Millisecond, "IsHalted(alice)", func() {
		if m.IsHalted("alice") {
			t.Error("alice should not be halted")
		}
	})
	within(t, 500*time.Millisecond, "Snapshot(alice)", func() {
		snap, err := m.Snapshot("alice")
		if err != nil || !snap.Balance("USD").Total.Equal(d("10")) {
			t.Errorf("snapshot = %+v, %v", snap.Balance("USD"), err)
		}
	})
}

func TestStalledDispatcherDoesNotBlockAccounts(t *testing.T) {
	logger := zap.NewNop().Sugar()
	dispatcher := events.NewDispatcher(4, logger) // never run
	m := NewManager(nil, dispatcher, util.NewManualClock(time.Unix(1700000000, 0)), logger)

	within(t, 500*time.Millisecond, "deposits", func() {
		for i := 0; i < 10; i++ {
			if err := m.Deposit("alice", "USD", d("1")); err != nil {
				t.Errorf("deposit %d: %v", i, err)
			}
		}
	})
	within(t, 500*time.Millisecond, "IsHalted(alice)", func() { _ = m.IsHalted("alice") })
	if n := dispatcher.Backlog(); n != 10 {
		t.Errorf("backlog = %d, want 10", n)
	}
}

func TestAccountEventVersionsIncrease(t *testing.T) {
	m, rec := newTestManager(t, nil)
	_ = m.Deposit("eve", "USD", d("10"))
	_ = m.Reserve("eve", Reservation{OrderID: "o", Currency: "USD", Amount: d("4")})
	_ = m.Halt("eve", "reconcile")
	_ = m.Resume("eve")

	var last uint64
	for _, ev := range rec.Events() {
		var v uint64
		switch e := ev.(type) {
		case events.BalanceEvent:
			v = e.Version
		case events.AccountHaltedEvent:
			v = e.Version
		default:
			continue
		}
		if v <= last {
			t.Fatalf("version %d after %d in %T", v, last, ev)
		}
		last = v
	}
	snap, _ := m.Snapshot("eve")
	if snap.Version != last {
		t.Errorf("account version = %d, last event version = %d", snap.Version, last)
	}
}

func TestLoadReleasesStaleReservations(t *testing.T) {
	stored := NewAccount("carol")
	stored.Balances["USD"] = &Balance{Total: d("100"), Available: d("30"), Reserved: d("70")}
	stored.Reservations["gone"] = &Reservation{OrderID: "gone", Currency: "USD", Amount: d("70"), Remaining: d("70")}
	stored.Positions["BTC-USD"] = &Position{Symbol: "BTC-USD", Quantity: d("1"), AvgEntryPrice: d("50000")}

	m, _ := newTestManager(t, memStore{"carol": stored})
	snap, err := m.Snapshot("carol")
	if err != nil {
		t.Fatal(err)
	}
	bal := snap.Balance("USD")
	if !bal.Available.Equal(d("100")) || !bal.Reserved.IsZero() || len(snap.Reservations) != 0 {
		t.Errorf("stale reservations not released: %+v", bal)
	}
	if !snap.Positions["BTC-USD"].Quantity.Equal(d("1")) {
		t.Error("positions must survive a reload")
	}
	mustValidate(t, m, "carol")
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_ = m.Deposit("dan", "USD", d("1000"))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.Reserve("dan", Reservation{OrderID: fmt.Sprintf("o-%d", i), Currency: "USD", Amount: d("30")})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ok != 33 {
		t.Errorf("accepted %d reservations of 30 against 1000, want 33", ok)
	}
	mustValidate(t, m, "dan")
}

func TestValidateDetectsDrift(t *testing.T) {
	acc := NewAccount("x")
	acc.Credit("USD", d("10"))
	if err := acc.Validate(); err != nil {
		t.Fatalf("fresh account invalid: %v", err)
	}
	acc.Balances["USD"].Reserved = d("1")
	if err := acc.Validate(); err == nil {
		t.Error("expected total != available + reserved")
	}
	acc.Balances["USD"].Available = d("9")
	if err := acc.Validate(); err == nil {
		t.Error("expected reserved != sum of reservations")
	}
}

func TestPositionApply(t *testing.T) {
	at := time.Unix(0, 0)
	tests := []struct {
		name         string
		fills        [][2]string // signed qty, price
		wantQty      string
		wantEntry    string
		wantRealized string
	}{
		{"open long", [][2]string{{"1", "100"}}, "1", "100", "0"},
		{"add long vwap", [][2]string{{"1", "100"}, {"3", "200"}}, "4", "175", "0"},
		{"reduce long", [][2]string{{"2", "100"}, {"-1", "150"}}, "1", "100", "50"},
		{"close short", [][2]string{{"-2", "100"}, {"2", "90"}}, "0", "0", "20"},
		{"flip long to short", [][2]string{{"1", "100"}, {"-3", "120"}}, "-2", "120", "20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{Symbol: "BTC-USD"}
			for _, f := range tt.fills {
				p.Apply(d(f[0]), d(f[1]), at)
			}
			if !p.Quantity.Equal(d(tt.wantQty)) {
				t.Errorf("quantity = %s, want %s", p.Quantity, tt.wantQty)
			}
			if !p.AvgEntryPrice.Equal(d(tt.wantEntry)) {
				t.Errorf("entry = %s, want %s", p.AvgEntryPrice, tt.wantEntry)
			}
			if !p.RealizedPnL.Equal(d(tt.wantRealized)) {
				t.Errorf("realized = %s, want %s", p.RealizedPnL, tt.wantRealized)
			}
		})
	}
}

func TestPositionMarginAndUnrealized(t *testing.T) {
	p := &Position{Symbol: "BTC-USD", MarginRate: d("0.1")}
	p.Apply(d("-2"), d("100"), time.Unix(0, 0))
	p.Mark(d("90"), time.Unix(1, 0))

	if got := p.UnrealizedPnL(); !got.Equal(d("20")) {
		t.Errorf("unrealized = %s, want 20", got)
	}
	if got := p.State().RequiredMargin; !got.Equal(d("18")) {
		t.Errorf("margin = %s, want 18", got)
	}
}

func TestReservationNextFeeCumulative(t *testing.T) {
	r := &Reservation{}
	rate := d("0.001")
	// Each fill alone is 0.005, which would round up to 0.01 three times.
	// Rounded cumulatively the order pays round(0.015) = 0.02.
	want := []string{"0.01", "0", "0.01"}
	for i, w := range want {
		fee, basis := r.NextFee(d("5"), rate, 2)
		if !fee.Equal(d(w)) {
			t.Errorf("fill %d fee = %s, want %s", i, fee, w)
		}
		r.FeeBasis = basis
		r.FeesCharged = r.FeesCharged.Add(fee)
	}
	if !r.FeesCharged.Equal(d("0.02")) {
		t.Errorf("fees charged = %s, want 0.02", r.FeesCharged)
	}
}
