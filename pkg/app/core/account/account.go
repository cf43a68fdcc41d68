package account

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/money"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

// Balance tracks one currency. Total = Available + Reserved at all times.
type Balance struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// Reservation holds funds aside for one live order.
type Reservation struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`    // initially reserved
	Remaining decimal.Decimal `json:"remaining"` // not yet consumed

	// FeeBasis is the exact sum of notional*rate over the order's fills.
	// FeesCharged is what has actually been charged so far, so the next fee
	// is RoundFee(basis) - FeesCharged.
	FeeBasis    decimal.Decimal `json:"fee_basis"`
	FeesCharged decimal.Decimal `json:"fees_charged"`
}

// NextFee returns the fee for a fill of notional at rate and the basis to
// record once the fill is applied. It does not mutate r.
func (r *Reservation) NextFee(notional, rate decimal.Decimal, scale int32) (fee, basis decimal.Decimal) {
	basis = r.FeeBasis.Add(notional.Mul(rate))
	fee = money.RoundFee(basis, scale).Sub(r.FeesCharged)
	if fee.Sign() < 0 {
		fee = decimal.Zero
	}
	return fee, basis
}

// Account is the in-memory state of one trader. All access goes through the
// Manager, which holds the account's lock.
type Account struct {
	ID           string                  `json:"id"`
	Balances     map[string]*Balance     `json:"balances"`
	Reservations map[string]*Reservation `json:"reservations"` // order id -> reservation
	Positions    map[string]*Position    `json:"positions"`    // symbol -> position
	Halted       bool                    `json:"halted"`
	HaltReason   string                  `json:"halt_reason,omitempty"`
	TradeCount   int64                   `json:"trade_count"`
	// Version increases with every event the account emits. Events are
	// published after the account lock is released, so consumers use it to
	// discard a state that arrives after a newer one.
	Version uint64 `json:"version"`
}

// NewAccount creates an account with no balances
func NewAccount(id string) *Account {
	return &Account{
		ID:           id,
		Balances:     make(map[string]*Balance),
		Reservations: make(map[string]*Reservation),
		Positions:    make(map[string]*Position),
	}
}

func (a *Account) balance(currency string) *Balance {
	b, ok := a.Balances[currency]
	if !ok {
		b = &Balance{}
		a.Balances[currency] = b
	}
	return b
}

// Balance returns a copy of the balance in currency (zero if none).
func (a *Account) Balance(currency string) Balance {
	if b, ok := a.Balances[currency]; ok {
		return *b
	}
	return Balance{}
}

// Credit adds amount to the available balance.
func (a *Account) Credit(currency string, amount decimal.Decimal) {
	b := a.balance(currency)
	b.Total = b.Total.Add(amount)
	b.Available = b.Available.Add(amount)
}

// Debit removes amount from the available balance.
func (a *Account) Debit(currency string, amount decimal.Decimal) error {
	b := a.balance(currency)
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: have %s %s available, need %s", order.ErrInsufficientBalance, b.Available, currency, amount)
	}
	b.Total = b.Total.Sub(amount)
	b.Available = b.Available.Sub(amount)
	return nil
}

func (a *Account) reserve(r Reservation) error {
	if _, exists := a.Reservations[r.OrderID]; exists {
		return fmt.Errorf("reservation for order %s already exists", r.OrderID)
	}
	b := a.balance(r.Currency)
	if b.Available.LessThan(r.Amount) {
		return fmt.Errorf("%w: have %s %s available, need %s", order.ErrInsufficientBalance, b.Available, r.Currency, r.Amount)
	}
	b.Available = b.Available.Sub(r.Amount)
	b.Reserved = b.Reserved.Add(r.Amount)
	r.Remaining = r.Amount
	a.Reservations[r.OrderID] = &r
	return nil
}

// Release returns whatever is left of an order's reservation to available.
func (a *Account) Release(orderID string) decimal.Decimal {
	r, ok := a.Reservations[orderID]
	if !ok {
		return decimal.Zero
	}
	b := a.balance(r.Currency)
	b.Reserved = b.Reserved.Sub(r.Remaining)
	b.Available = b.Available.Add(r.Remaining)
	delete(a.Reservations, orderID)
	return r.Remaining
}

// Reservation returns the live reservation for an order, or nil.
func (a *Account) Reservation(orderID string) *Reservation {
	return a.Reservations[orderID]
}

// Consume spends amount out of an order's reservation. The funds leave the
// account entirely.
func (a *Account) Consume(orderID string, amount decimal.Decimal) error {
	r, ok := a.Reservations[orderID]
	if !ok {
		return fmt.Errorf("%w: no reservation for order %s", order.ErrInvariantViolation, orderID)
	}
	if r.Remaining.LessThan(amount) {
		return fmt.Errorf("%w: order %s consumes %s, only %s reserved", order.ErrInvariantViolation, orderID, amount, r.Remaining)
	}
	b := a.balance(r.Currency)
	r.Remaining = r.Remaining.Sub(amount)
	b.Reserved = b.Reserved.Sub(amount)
	b.Total = b.Total.Sub(amount)
	return nil
}

// ReleaseAll drops every reservation. Used when a restarted process finds
// reservations for orders that no longer rest anywhere.
func (a *Account) ReleaseAll() {
	for id := range a.Reservations {
		a.Release(id)
	}
}

// Position returns the position for symbol, creating an empty one.
func (a *Account) Position(symbol string) *Position {
	p, ok := a.Positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		a.Positions[symbol] = p
	}
	return p
}

// Validate checks account invariants
func (a *Account) Validate() error {
	reserved := make(map[string]decimal.Decimal)
	for id, r := range a.Reservations {
		if r.OrderID != id {
			return fmt.Errorf("reservation key mismatch: map key=%s, order=%s", id, r.OrderID)
		}
		if r.Remaining.Sign() < 0 || r.Remaining.GreaterThan(r.Amount) {
			return fmt.Errorf("reservation %s remaining %s outside [0, %s]", id, r.Remaining, r.Amount)
		}
		reserved[r.Currency] = reserved[r.Currency].Add(r.Remaining)
	}

	for cur, b := range a.Balances {
		if b.Total.Sign() < 0 || b.Available.Sign() < 0 || b.Reserved.Sign() < 0 {
			return fmt.Errorf("negative %s balance: total=%s available=%s reserved=%s", cur, b.Total, b.Available, b.Reserved)
		}
		if !b.Total.Equal(b.Available.Add(b.Reserved)) {
			return fmt.Errorf("%s total %s != available %s + reserved %s", cur, b.Total, b.Available, b.Reserved)
		}
		if !b.Reserved.Equal(reserved[cur]) {
			return fmt.Errorf("%s reserved %s != sum of reservations %s", cur, b.Reserved, reserved[cur])
		}
	}
	for cur, sum := range reserved {
		if _, ok := a.Balances[cur]; !ok && !sum.IsZero() {
			return fmt.Errorf("reservations in %s without a balance", cur)
		}
	}

	for symbol, p := range a.Positions {
		if p.Symbol != symbol {
			return fmt.Errorf("position symbol mismatch: map key=%s, pos.Symbol=%s", symbol, p.Symbol)
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand out of the manager.
func (a *Account) Clone() Account {
	cp := *a
	cp.Balances = make(map[string]*Balance, len(a.Balances))
	for k, v := range a.Balances {
		b := *v
		cp.Balances[k] = &b
	}
	cp.Reservations = make(map[string]*Reservation, len(a.Reservations))
	for k, v := range a.Reservations {
		r := *v
		cp.Reservations[k] = &r
	}
	cp.Positions = make(map[string]*Position, len(a.Positions))
	for k, v := range a.Positions {
		p := *v
		cp.Positions[k] = &p
	}
	return cp
}

func (a *Account) BalanceEvent(at time.Time) events.BalanceEvent {
	out := make(map[string]events.BalanceState, len(a.Balances))
	for cur, b := range a.Balances {
		out[cur] = events.BalanceState{Total: b.Total, Available: b.Available, Reserved: b.Reserved}
	}
	return events.BalanceEvent{AccountID: a.ID, Balances: out, Version: a.Version, Timestamp: at}
}

// PositionEvent reports every position, sorted by symbol.
func (a *Account) PositionEvent(at time.Time) events.PositionEvent {
	symbols := make([]string, 0, len(a.Positions))
	for s := range a.Positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	states := make([]events.PositionState, 0, len(symbols))
	for _, s := range symbols {
		states = append(states, a.Positions[s].State())
	}
	return events.PositionEvent{AccountID: a.ID, Positions: states, Version: a.Version, Timestamp: at}
}
