package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/money"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

// Status defines the trading status of an instrument
type Status int8

const (
	Active   Status = iota // Trading enabled
	Paused                 // Trading halted, cancels still accepted
	Settling               // Resting orders being expired
	Settled                // Closed at ClosePrice
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settling:
		return "Settling"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Instrument defines all parameters for a tradable symbol (e.g., BTC-USD spot)
type Instrument struct {
	Symbol        string
	BaseCurrency  string // delivered by sellers
	QuoteCurrency string // paid by buyers, fees are charged in it

	// Every price is an integer multiple of TickSize within [MinPrice, MaxPrice].
	// MaxPrice doubles as the worst-case price reserved for market buys.
	TickSize decimal.Decimal
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal

	// Every quantity is an integer multiple of LotSize. A zero MaxQuantity
	// means unbounded.
	LotSize     decimal.Decimal
	MinQuantity decimal.Decimal
	MaxQuantity decimal.Decimal

	MarginRate decimal.Decimal // reported margin on open positions

	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
	QuoteScale   int32 // fee rounding places in the quote currency

	Status     Status
	ClosePrice decimal.Decimal
}

// Validate checks instrument parameter sanity
func (i *Instrument) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if i.BaseCurrency == "" || i.QuoteCurrency == "" {
		return fmt.Errorf("base and quote currencies must be specified")
	}
	if i.BaseCurrency == i.QuoteCurrency {
		return fmt.Errorf("base and quote currencies must differ")
	}
	if !money.IsPositive(i.TickSize) {
		return fmt.Errorf("tick size must be positive")
	}
	if !money.IsPositive(i.LotSize) {
		return fmt.Errorf("lot size must be positive")
	}
	if !money.IsPositive(i.MinPrice) || !money.IsPositive(i.MaxPrice) {
		return fmt.Errorf("price bounds must be positive")
	}
	if i.MinPrice.GreaterThan(i.MaxPrice) {
		return fmt.Errorf("min price %s exceeds max price %s", i.MinPrice, i.MaxPrice)
	}
	if !money.IsMultiple(i.MinPrice, i.TickSize) || !money.IsMultiple(i.MaxPrice, i.TickSize) {
		return fmt.Errorf("price bounds must be multiples of tick size %s", i.TickSize)
	}
	if i.MinQuantity.IsNegative() || i.MaxQuantity.IsNegative() {
		return fmt.Errorf("quantity bounds cannot be negative")
	}
	if !i.MaxQuantity.IsZero() && i.MinQuantity.GreaterThan(i.MaxQuantity) {
		return fmt.Errorf("min quantity %s exceeds max quantity %s", i.MinQuantity, i.MaxQuantity)
	}
	if i.MakerFeeRate.IsNegative() || i.TakerFeeRate.IsNegative() {
		return fmt.Errorf("fee rates cannot be negative")
	}
	if i.MakerFeeRate.GreaterThan(i.TakerFeeRate) {
		return fmt.Errorf("maker fee rate cannot exceed taker fee rate")
	}
	if i.TakerFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("taker fee rate must be below 1")
	}
	if i.MarginRate.IsNegative() || i.MarginRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("margin rate must be within [0, 1]")
	}
	if i.QuoteScale < 0 {
		return fmt.Errorf("quote scale cannot be negative")
	}
	return nil
}

// Tradable reports whether new orders may be accepted.
func (i *Instrument) Tradable() bool {
	return i.Status == Active
}

// ValidatePrice checks tick alignment and bounds of a limit price
func (i *Instrument) ValidatePrice(price decimal.Decimal) error {
	if !money.IsPositive(price) {
		return fmt.Errorf("%w: price must be positive, got %s", order.ErrInvalidPrice, price)
	}
	if !money.IsMultiple(price, i.TickSize) {
		return fmt.Errorf("%w: price %s is not a multiple of tick size %s", order.ErrInvalidPrice, price, i.TickSize)
	}
	if price.LessThan(i.MinPrice) || price.GreaterThan(i.MaxPrice) {
		return fmt.Errorf("%w: price %s outside [%s, %s]", order.ErrPriceOutOfBounds, price, i.MinPrice, i.MaxPrice)
	}
	return nil
}

// ValidateQuantity checks lot alignment and size limits
func (i *Instrument) ValidateQuantity(qty decimal.Decimal) error {
	if !money.IsPositive(qty) {
		return fmt.Errorf("%w: quantity must be positive, got %s", order.ErrInvalidQuantity, qty)
	}
	if !money.IsMultiple(qty, i.LotSize) {
		return fmt.Errorf("%w: quantity %s is not a multiple of lot size %s", order.ErrInvalidQuantity, qty, i.LotSize)
	}
	if qty.LessThan(i.MinQuantity) {
		return fmt.Errorf("%w: quantity %s below minimum %s", order.ErrInvalidQuantity, qty, i.MinQuantity)
	}
	if !i.MaxQuantity.IsZero() && qty.GreaterThan(i.MaxQuantity) {
		return fmt.Errorf("%w: quantity %s exceeds maximum %s", order.ErrInvalidQuantity, qty, i.MaxQuantity)
	}
	return nil
}

// FeeRate returns the maker or taker rate.
func (i *Instrument) FeeRate(taker bool) decimal.Decimal {
	if taker {
		return i.TakerFeeRate
	}
	return i.MakerFeeRate
}
