package risk

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchcore/pkg/app/core/account"
	"github.com/uhyunpark/matchcore/pkg/app/core/market"
	"github.com/uhyunpark/matchcore/pkg/app/core/money"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
	"github.com/uhyunpark/matchcore/pkg/util"
)

// Checker is the single gate between a request and the book: an order that
// gets past Admit is valid and fully funded.
type Checker struct {
	registry *market.Registry
	accounts *account.Manager
	clock    util.Clock
	logger   *zap.SugaredLogger
	newID    func() string
}

func NewChecker(registry *market.Registry, accounts *account.Manager, clock util.Clock, logger *zap.SugaredLogger) *Checker {
	return &Checker{
		registry: registry,
		accounts: accounts,
		clock:    clock,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// Validate applies the instrument rules to req, in order. No state is read
// beyond the instrument.
func (c *Checker) Validate(req order.PlaceOrderRequest) (market.Instrument, error) {
	if req.AccountID == "" {
		return market.Instrument{}, fmt.Errorf("%w: account id is required", order.ErrInvalidOrder)
	}
	if !req.Side.Valid() {
		return market.Instrument{}, fmt.Errorf("%w: side %d", order.ErrInvalidOrder, req.Side)
	}
	if req.Type != order.Limit && req.Type != order.Market {
		return market.Instrument{}, fmt.Errorf("%w: order type %d", order.ErrInvalidOrder, req.Type)
	}

	inst, err := c.registry.Get(req.InstrumentSymbol)
	if err != nil {
		return market.Instrument{}, err
	}
	if !inst.Tradable() {
		return inst, fmt.Errorf("%w: %s is %s", order.ErrInstrumentInactive, inst.Symbol, inst.Status)
	}

	if err := inst.ValidateQuantity(req.Quantity); err != nil {
		return inst, err
	}

	switch req.TimeInForce {
	case order.GTC, order.DAY, order.IOC, order.FOK:
	default:
		return inst, fmt.Errorf("%w: %d", order.ErrInvalidTimeInForce, req.TimeInForce)
	}

	if req.Type == order.Limit {
		if err := inst.ValidatePrice(req.Price); err != nil {
			return inst, err
		}
	} else {
		if !req.Price.IsZero() {
			return inst, fmt.Errorf("%w: market orders carry no price", order.ErrInvalidPrice)
		}
		if req.TimeInForce.Rests() {
			return inst, fmt.Errorf("%w: market orders must be IOC or FOK, got %s", order.ErrInvalidTimeInForce, req.TimeInForce)
		}
	}

	if err := validateDisplay(inst, req); err != nil {
		return inst, err
	}
	return inst, nil
}

// validateDisplay: zero means fully displayed, otherwise a lot multiple no
// larger than the order and only on orders that can rest.
func validateDisplay(inst market.Instrument, req order.PlaceOrderRequest) error {
	display := req.DisplayQuantity
	if display.IsZero() {
		return nil
	}
	if display.IsNegative() {
		return fmt.Errorf("%w: %s is negative", order.ErrInvalidDisplayQuantity, display)
	}
	if req.Type != order.Limit || !req.TimeInForce.Rests() {
		return fmt.Errorf("%w: only resting limit orders may hide quantity", order.ErrInvalidDisplayQuantity)
	}
	if !money.IsMultiple(display, inst.LotSize) {
		return fmt.Errorf("%w: %s is not a multiple of lot size %s", order.ErrInvalidDisplayQuantity, display, inst.LotSize)
	}
	if display.GreaterThan(req.Quantity) {
		return fmt.Errorf("%w: %s exceeds quantity %s", order.ErrInvalidDisplayQuantity, display, req.Quantity)
	}
	return nil
}

// ReservationFor computes what must be held aside for o.
//
//	BUY:  qty * px + ceil(qty * px * takerRate)  in quote, px = limit or MaxPrice
//	SELL: qty                                    in base
//
// Fills happen at or better than px and charge at most the taker rate, so
// cumulative fees never outgrow the headroom.
func ReservationFor(inst market.Instrument, o *order.Order) account.Reservation {
	r := account.Reservation{OrderID: o.ID, Symbol: inst.Symbol}
	if o.Side == order.Sell {
		r.Currency = inst.BaseCurrency
		r.Amount = o.Remaining
		return r
	}

	px := o.Price
	if o.Type == order.Market {
		px = inst.MaxPrice
	}
	notional := money.Notional(px, o.Remaining)
	r.Currency = inst.QuoteCurrency
	r.Amount = notional.Add(money.CeilAt(notional.Mul(inst.TakerFeeRate), inst.QuoteScale))
	return r
}

// Admit validates req and reserves funds for it. The returned order is
// Pending on success. On failure it is Rejected with the error code as its
// reason and nothing was reserved.
func (c *Checker) Admit(req order.PlaceOrderRequest) (*order.Order, market.Instrument, error) {
	o := order.New(c.newID(), req, c.clock.Now())

	inst, err := c.Validate(req)
	if err == nil {
		err = c.accounts.Reserve(req.AccountID, ReservationFor(inst, o))
	}
	if err != nil {
		_ = o.Reject(string(order.CodeOf(err)), c.clock.Now())
		c.logger.Infow("order_rejected",
			"account", req.AccountID,
			"symbol", req.InstrumentSymbol,
			"side", req.Side,
			"qty", req.Quantity,
			"price", req.Price,
			"code", order.CodeOf(err),
			"err", err,
		)
		return o, inst, err
	}
	return o, inst, nil
}

// Readmit validates a replacement for old and swaps old's reservation for the
// replacement's in one step. On failure old's reservation is untouched.
func (c *Checker) Readmit(old *order.Order, req order.PlaceOrderRequest) (*order.Order, market.Instrument, error) {
	inst, err := c.Validate(req)
	if err != nil {
		return nil, inst, err
	}
	o := order.New(c.newID(), req, c.clock.Now())
	if err := c.accounts.Replace(old.AccountID, old.ID, ReservationFor(inst, o)); err != nil {
		return nil, inst, err
	}
	return o, inst, nil
}
