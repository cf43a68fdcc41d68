package account

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/money"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
	"github.com/uhyunpark/matchcore/pkg/util"
)

// Store loads previously projected account state. LoadAccount returns
// (nil, nil) for an unknown account.
type Store interface {
	LoadAccount(id string) (*Account, error)
}

// Manager serializes every mutation of an account behind that account's own
// mutex. Multi-account operations lock in sorted id order, so two callers
// can never deadlock on the same pair.
type Manager struct {
	mu       sync.Mutex // guards accounts and locks, never held while an account lock is awaited
	accounts map[string]*Account
	locks    map[string]*sync.Mutex

	store  Store // optional
	sink   events.Sink
	clock  util.Clock
	logger *zap.SugaredLogger
}

func NewManager(store Store, sink events.Sink, clock util.Clock, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		accounts: make(map[string]*Account),
		locks:    make(map[string]*sync.Mutex),
		store:    store,
		sink:     sink,
		clock:    clock,
		logger:   logger,
	}
}

// Tx is the view fn gets inside Do. Only the locked accounts are visible.
type Tx struct {
	accounts  map[string]*Account
	out       []events.Event
	positions map[string]bool
	at        time.Time
}

func (tx *Tx) Account(id string) *Account { return tx.accounts[id] }

func (tx *Tx) Now() time.Time { return tx.at }

// Halt stops further mutation of a locked account. The halt sticks even if
// fn then returns an error.
func (tx *Tx) Halt(id, reason string) {
	acc, ok := tx.accounts[id]
	if !ok || acc.Halted {
		return
	}
	acc.Halted = true
	acc.HaltReason = reason
	tx.emitHalt(acc)
}

func (tx *Tx) emitHalt(acc *Account) {
	acc.Version++
	tx.out = append(tx.out, events.AccountHaltedEvent{
		AccountID: acc.ID,
		Halted:    acc.Halted,
		Reason:    acc.HaltReason,
		Version:   acc.Version,
		Timestamp: tx.at,
	})
}

// PositionsChanged asks for a PositionEvent for id once fn succeeds.
func (tx *Tx) PositionsChanged(id string) {
	if _, ok := tx.accounts[id]; ok {
		tx.positions[id] = true
	}
}

// Do locks the given accounts, runs fn, and publishes a BalanceEvent for each
// of them if fn succeeds. fn must not call back into the Manager.
//
// Events are built under the locks and published after they are released,
// in lock order, so a slow sink never holds an account.
func (m *Manager) Do(ids []string, fn func(tx *Tx) error) error {
	return m.do(ids, true, fn)
}

func (m *Manager) do(ids []string, balances bool, fn func(tx *Tx) error) error {
	ids = distinctSorted(ids)
	if len(ids) == 0 {
		return fmt.Errorf("no accounts to lock")
	}

	out, err := m.locked(ids, balances, fn)
	for _, ev := range out {
		m.sink.Publish(ev)
	}
	return err
}

// locked runs fn under the locks of ids and returns the events it produced.
func (m *Manager) locked(ids []string, balances bool, fn func(tx *Tx) error) ([]events.Event, error) {
	accs, locks, err := m.acquire(ids)
	if err != nil {
		return nil, err
	}
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	tx := &Tx{accounts: accs, positions: make(map[string]bool), at: m.clock.Now()}
	err = fn(tx)

	for _, ev := range tx.out {
		if h, ok := ev.(events.AccountHaltedEvent); ok && h.Halted {
			m.logger.Errorw("account_halted", "account", h.AccountID, "reason", h.Reason)
		}
	}
	if err != nil {
		return tx.out, err
	}
	for _, id := range ids {
		acc := accs[id]
		if balances {
			acc.Version++
			tx.out = append(tx.out, acc.BalanceEvent(tx.at))
		}
		if tx.positions[id] {
			acc.Version++
			tx.out = append(tx.out, acc.PositionEvent(tx.at))
		}
	}
	return tx.out, nil
}

// view runs fn under a single account's lock without publishing anything.
func (m *Manager) view(id string, fn func(acc *Account)) error {
	accs, locks, err := m.acquire([]string{id})
	if err != nil {
		return err
	}
	locks[0].Lock()
	defer locks[0].Unlock()
	fn(accs[id])
	return nil
}

func (m *Manager) acquire(ids []string) (map[string]*Account, []*sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accs := make(map[string]*Account, len(ids))
	locks := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		acc, err := m.loadLocked(id)
		if err != nil {
			return nil, nil, err
		}
		accs[id] = acc
		locks = append(locks, m.locks[id])
	}
	return accs, locks, nil
}

// loadLocked returns the cached account, loading or creating it on first use.
// Caller holds m.mu.
func (m *Manager) loadLocked(id string) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("account id cannot be empty")
	}
	if acc, ok := m.accounts[id]; ok {
		return acc, nil
	}

	var acc *Account
	if m.store != nil {
		loaded, err := m.store.LoadAccount(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load account %s: %w", id, err)
		}
		acc = loaded
	}
	if acc == nil {
		acc = NewAccount(id)
	}
	normalize(acc)
	if n := len(acc.Reservations); n > 0 {
		// Books start empty, so nothing can still be holding these.
		m.logger.Infow("stale_reservations_released", "account", id, "count", n)
		acc.ReleaseAll()
	}

	m.accounts[id] = acc
	m.locks[id] = &sync.Mutex{}
	return acc, nil
}

func normalize(acc *Account) {
	if acc.Balances == nil {
		acc.Balances = make(map[string]*Balance)
	}
	if acc.Reservations == nil {
		acc.Reservations = make(map[string]*Reservation)
	}
	if acc.Positions == nil {
		acc.Positions = make(map[string]*Position)
	}
}

// Deposit credits funds from an external collaborator.
func (m *Manager) Deposit(id, currency string, amount decimal.Decimal) error {
	if !money.IsPositive(amount) {
		return fmt.Errorf("deposit amount must be positive: %s", amount)
	}
	return m.Do([]string{id}, func(tx *Tx) error {
		acc := tx.Account(id)
		if acc.Halted {
			return fmt.Errorf("%w: %s", order.ErrAccountHalted, id)
		}
		acc.Credit(currency, amount)
		return nil
	})
}

// Withdraw debits available funds only; reserved funds stay put.
func (m *Manager) Withdraw(id, currency string, amount decimal.Decimal) error {
	if !money.IsPositive(amount) {
		return fmt.Errorf("withdraw amount must be positive: %s", amount)
	}
	return m.Do([]string{id}, func(tx *Tx) error {
		acc := tx.Account(id)
		if acc.Halted {
			return fmt.Errorf("%w: %s", order.ErrAccountHalted, id)
		}
		return acc.Debit(currency, amount)
	})
}

// Reserve moves r.Amount from available to reserved for r.OrderID, or does
// nothing and returns ErrInsufficientBalance / ErrAccountHalted.
func (m *Manager) Reserve(id string, r Reservation) error {
	if r.Amount.Sign() < 0 {
		return fmt.Errorf("reservation amount cannot be negative: %s", r.Amount)
	}
	return m.Do([]string{id}, func(tx *Tx) error {
		acc := tx.Account(id)
		if acc.Halted {
			return fmt.Errorf("%w: %s", order.ErrAccountHalted, id)
		}
		return acc.reserve(r)
	})
}

// Release returns an order's unconsumed reservation. Releasing an unknown
// order is a no-op so terminal paths can release unconditionally.
func (m *Manager) Release(id, orderID string) (decimal.Decimal, error) {
	released := decimal.Zero
	err := m.Do([]string{id}, func(tx *Tx) error {
		released = tx.Account(id).Release(orderID)
		return nil
	})
	return released, err
}

// Replace swaps oldOrderID's reservation for r in one step. Funds freed by the
// old reservation count toward the new one. On error nothing changes.
func (m *Manager) Replace(id, oldOrderID string, r Reservation) error {
	return m.Do([]string{id}, func(tx *Tx) error {
		acc := tx.Account(id)
		if acc.Halted {
			return fmt.Errorf("%w: %s", order.ErrAccountHalted, id)
		}
		old := acc.Reservation(oldOrderID)
		if old == nil {
			return fmt.Errorf("%w: no reservation for order %s", order.ErrOrderNotActive, oldOrderID)
		}

		available := acc.Balance(r.Currency).Available
		if old.Currency == r.Currency {
			available = available.Add(old.Remaining)
		}
		if available.LessThan(r.Amount) {
			return fmt.Errorf("%w: have %s %s available, need %s", order.ErrInsufficientBalance, available, r.Currency, r.Amount)
		}

		acc.Release(oldOrderID)
		return acc.reserve(r)
	})
}

// Halt freezes an account pending reconciliation.
func (m *Manager) Halt(id, reason string) error {
	return m.Do([]string{id}, func(tx *Tx) error {
		tx.Halt(id, reason)
		return nil
	})
}

// Resume lifts a halt once the account validates again.
func (m *Manager) Resume(id string) error {
	return m.Do([]string{id}, func(tx *Tx) error {
		acc := tx.Account(id)
		if !acc.Halted {
			return nil
		}
		if err := acc.Validate(); err != nil {
			return fmt.Errorf("account %s still inconsistent: %w", id, err)
		}
		acc.Halted = false
		acc.HaltReason = ""
		m.logger.Infow("account_resumed", "account", id)
		tx.emitHalt(acc)
		return nil
	})
}

func (m *Manager) IsHalted(id string) bool {
	halted := false
	_ = m.view(id, func(acc *Account) { halted = acc.Halted })
	return halted
}

// Snapshot returns a deep copy of the account.
func (m *Manager) Snapshot(id string) (Account, error) {
	var out Account
	err := m.view(id, func(acc *Account) { out = acc.Clone() })
	return out, err
}

// ValidateAccount checks account invariants
func (m *Manager) ValidateAccount(id string) error {
	var verr error
	if err := m.view(id, func(acc *Account) { verr = acc.Validate() }); err != nil {
		return err
	}
	return verr
}

// MarkPositions marks every loaded position in symbol to price and publishes
// a PositionEvent for each affected account. Returns the number of accounts
// marked.
func (m *Manager) MarkPositions(symbol string, price decimal.Decimal) int {
	marked := 0
	for _, id := range m.IDs() {
		_ = m.do([]string{id}, false, func(tx *Tx) error {
			p, ok := tx.Account(id).Positions[symbol]
			if !ok {
				return nil
			}
			p.Mark(price, tx.Now())
			tx.PositionsChanged(id)
			marked++
			return nil
		})
	}
	return marked
}

// IDs returns the ids of all loaded accounts, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of loaded accounts
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

func distinctSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
