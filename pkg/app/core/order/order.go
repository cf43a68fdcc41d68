package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/money"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func (s Side) Opposite() Side { return -s }

func (s Side) Valid() bool { return s == Buy || s == Sell }

type Type int8

const (
	Limit Type = iota
	Market
)

func (t Type) String() string {
	switch t {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

type TimeInForce int8

const (
	GTC TimeInForce = iota
	DAY
	IOC
	FOK
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case DAY:
		return "DAY"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

// Rests reports whether an unfilled remainder may stay on the book.
func (t TimeInForce) Rests() bool { return t == GTC || t == DAY }

// Status represents the lifecycle state of an order
type Status int8

const (
	Pending Status = iota
	Working
	PartiallyFilled
	Filled
	Cancelled
	Rejected
	Expired
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Working:
		return "WORKING"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	case Rejected:
		return "REJECTED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected || s == Expired
}

// Live reports whether an order in this status may rest on the book.
func (s Status) Live() bool { return s == Working || s == PartiallyFilled }

var transitions = map[Status][]Status{
	Pending:         {Working, Rejected},
	Working:         {PartiallyFilled, Filled, Cancelled, Expired},
	PartiallyFilled: {PartiallyFilled, Filled, Cancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reasons attached to cancellations and rejections.
const (
	ReasonUserCancel   = "user_cancel"
	ReasonIOCRemainder = "ioc_remainder"
	ReasonFOKUnfilled  = "fok_unfillable"
	ReasonNoLiquidity  = "market_no_liquidity"
	ReasonReplaced     = "replaced"
	ReasonExpired      = "expired"
	ReasonSettled      = "instrument_settled"
	ReasonHalted       = "account_halted"
)

// Order is owned by the engine of its instrument once accepted. The book only
// references it by ID.
type Order struct {
	ID              string
	ClientOrderID   string
	AccountID       string
	Symbol          string
	Side            Side
	Type            Type
	TimeInForce     TimeInForce
	Price           decimal.Decimal // zero for market orders
	Quantity        decimal.Decimal
	DisplayQuantity decimal.Decimal // zero = fully displayed

	Status         Status
	Sequence       uint64 // arrival sequence, reassigned on replace
	Filled         decimal.Decimal
	Remaining      decimal.Decimal
	FilledNotional decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Reason         string
	ReplacedBy     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New builds a Pending order from a request.
func New(id string, req PlaceOrderRequest, at time.Time) *Order {
	price := req.Price
	if req.Type == Market {
		price = decimal.Zero
	}
	return &Order{
		ID:              id,
		ClientOrderID:   req.ClientOrderID,
		AccountID:       req.AccountID,
		Symbol:          req.InstrumentSymbol,
		Side:            req.Side,
		Type:            req.Type,
		TimeInForce:     req.TimeInForce,
		Price:           price,
		Quantity:        req.Quantity,
		DisplayQuantity: req.DisplayQuantity,
		Status:          Pending,
		Remaining:       req.Quantity,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func (o *Order) transition(to Status, at time.Time) error {
	if !canTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrIllegalTransition, o.Status, to, o.ID)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// Accept moves a Pending order to Working with its arrival sequence.
func (o *Order) Accept(seq uint64, at time.Time) error {
	if err := o.transition(Working, at); err != nil {
		return err
	}
	o.Sequence = seq
	return nil
}

// Fill records an execution of qty at price.
func (o *Order) Fill(qty, price decimal.Decimal, at time.Time) error {
	if !money.IsPositive(qty) {
		return fmt.Errorf("fill quantity must be positive, got %s", qty)
	}
	if qty.GreaterThan(o.Remaining) {
		return fmt.Errorf("fill %s exceeds remaining %s (order %s)", qty, o.Remaining, o.ID)
	}
	next := PartiallyFilled
	if qty.Equal(o.Remaining) {
		next = Filled
	}
	if err := o.transition(next, at); err != nil {
		return err
	}
	o.Filled = o.Filled.Add(qty)
	o.Remaining = o.Remaining.Sub(qty)
	o.FilledNotional = o.FilledNotional.Add(money.Notional(price, qty))
	o.AvgFillPrice = money.Average(o.FilledNotional, o.Filled)
	return nil
}

// Cancel terminates a live order; filled quantity is kept.
func (o *Order) Cancel(reason string, at time.Time) error {
	if err := o.transition(Cancelled, at); err != nil {
		return err
	}
	o.Reason = reason
	return nil
}

// Reject terminates a Pending order.
func (o *Order) Reject(reason string, at time.Time) error {
	if err := o.transition(Rejected, at); err != nil {
		return err
	}
	o.Reason = reason
	return nil
}

// Expire terminates a live order at session end. Expired carries no fills,
// so an order that already traded ends Cancelled instead.
func (o *Order) Expire(at time.Time) error {
	if o.Filled.IsPositive() {
		return o.Cancel(ReasonExpired, at)
	}
	if err := o.transition(Expired, at); err != nil {
		return err
	}
	o.Reason = ReasonExpired
	return nil
}

// Crosses reports whether this order may trade against a resting price.
func (o *Order) Crosses(resting decimal.Decimal) bool {
	if o.Type == Market {
		return true
	}
	if o.Side == Buy {
		return o.Price.GreaterThanOrEqual(resting)
	}
	return o.Price.LessThanOrEqual(resting)
}

// Iceberg reports whether only a slice of the order is displayed.
func (o *Order) Iceberg() bool {
	return o.DisplayQuantity.IsPositive() && o.DisplayQuantity.LessThan(o.Quantity)
}

func (o *Order) Clone() Order { return *o }

func (s Side) MarshalText() ([]byte, error)        { return []byte(s.String()), nil }
func (t Type) MarshalText() ([]byte, error)        { return []byte(t.String()), nil }
func (t TimeInForce) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
func (s Status) MarshalText() ([]byte, error)      { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "BUY":
		*s = Buy
	case "SELL":
		*s = Sell
	default:
		return fmt.Errorf("unknown side %q", b)
	}
	return nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for st := Pending; st <= Expired; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown order status %q", b)
}

func (t *Type) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LIMIT":
		*t = Limit
	case "MARKET":
		*t = Market
	default:
		return fmt.Errorf("unknown order type %q", b)
	}
	return nil
}

func (t *TimeInForce) UnmarshalText(b []byte) error {
	for tif := GTC; tif <= FOK; tif++ {
		if tif.String() == string(b) {
			*t = tif
			return nil
		}
	}
	return fmt.Errorf("unknown time in force %q", b)
}
