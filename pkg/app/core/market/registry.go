package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

// Registry manages all instruments in a thread-safe manner.
// Readers always get value copies so status changes never race with them.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument
}

// NewRegistry creates an empty instrument registry
func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[string]*Instrument),
	}
}

// Register adds a new instrument to the registry
// Returns error if the instrument is invalid or the symbol already exists
func (r *Registry) Register(inst Instrument) error {
	if err := inst.Validate(); err != nil {
		return fmt.Errorf("invalid instrument %s: %w", inst.Symbol, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[inst.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", inst.Symbol)
	}

	cp := inst
	r.instruments[inst.Symbol] = &cp
	return nil
}

// Get retrieves an instrument by symbol
func (r *Registry) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.instruments[symbol]
	if !exists {
		return Instrument{}, fmt.Errorf("%w: %s", order.ErrUnknownInstrument, symbol)
	}
	return *inst, nil
}

// List returns all registered instruments sorted by symbol
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdateStatus changes the trading status of an instrument
func (r *Registry) UpdateStatus(symbol string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instruments[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", order.ErrUnknownInstrument, symbol)
	}
	if err := validateStatusTransition(inst.Status, status); err != nil {
		return fmt.Errorf("instrument %s: %w", symbol, err)
	}

	inst.Status = status
	return nil
}

// Settle records the close price and moves the instrument to Settled.
func (r *Registry) Settle(symbol string, closePrice decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instruments[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", order.ErrUnknownInstrument, symbol)
	}
	if inst.Status != Settling {
		return fmt.Errorf("instrument %s must be Settling to settle (status: %s)", symbol, inst.Status)
	}

	inst.ClosePrice = closePrice
	inst.Status = Settled
	return nil
}

// validateStatusTransition checks if status change is valid
//
//	Active <-> Paused      trading halt / resume
//	Active|Paused -> Settling
//	Settling -> Settled
//	Settled -> *           not allowed (terminal state)
func validateStatusTransition(from, to Status) error {
	if from == Settled {
		return fmt.Errorf("cannot change status from Settled (terminal state)")
	}
	switch to {
	case Active, Paused:
		if from == Settling {
			return fmt.Errorf("cannot move from %s to %s", from, to)
		}
	case Settling:
	case Settled:
		if from != Settling {
			return fmt.Errorf("cannot move from %s to %s", from, to)
		}
	default:
		return fmt.Errorf("unknown status %d", to)
	}
	return nil
}

// Count returns the total number of registered instruments
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
