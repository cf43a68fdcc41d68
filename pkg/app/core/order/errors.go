package order

import "errors"

// Code is the stable, user-visible identifier of a failure.
type Code string

const (
	CodeOK                     Code = ""
	CodeInvalidOrder           Code = "invalid_order"
	CodeUnknownInstrument      Code = "unknown_instrument"
	CodeInstrumentInactive     Code = "instrument_inactive"
	CodeInvalidPrice           Code = "invalid_price"
	CodeInvalidQuantity        Code = "invalid_quantity"
	CodePriceOutOfBounds       Code = "price_out_of_bounds"
	CodeInvalidTimeInForce     Code = "invalid_time_in_force"
	CodeInvalidDisplayQuantity Code = "invalid_display_quantity"
	CodeInsufficientBalance    Code = "insufficient_balance"
	CodeAccountHalted          Code = "account_halted"
	CodeUnknownOrder           Code = "unknown_order"
	CodeOrderNotActive         Code = "order_not_active"
	CodeEngineStopped          Code = "engine_stopped"
	CodeInvariantViolation     Code = "invariant_violation"
	CodeInternal               Code = "internal"
)

// Validation errors: rejected before reservation, nothing mutated.
var (
	ErrInvalidOrder           = errors.New("malformed order")
	ErrUnknownInstrument      = errors.New("unknown instrument")
	ErrInstrumentInactive     = errors.New("instrument is not active")
	ErrInvalidPrice           = errors.New("invalid price")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrPriceOutOfBounds       = errors.New("price out of bounds")
	ErrInvalidTimeInForce     = errors.New("invalid time in force")
	ErrInvalidDisplayQuantity = errors.New("invalid display quantity")
)

// Risk errors: rejected before the order reaches the book.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountHalted       = errors.New("account halted pending reconciliation")
)

var (
	ErrUnknownOrder      = errors.New("unknown order")
	ErrOrderNotActive    = errors.New("order already filled or cancelled")
	ErrEngineStopped     = errors.New("matching engine stopped")
	ErrIllegalTransition = errors.New("illegal order status transition")

	// ErrInvariantViolation is fatal for the affected account.
	ErrInvariantViolation = errors.New("settlement invariant violation")
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrInvalidOrder, CodeInvalidOrder},
	{ErrUnknownInstrument, CodeUnknownInstrument},
	{ErrInstrumentInactive, CodeInstrumentInactive},
	{ErrInvalidPrice, CodeInvalidPrice},
	{ErrInvalidQuantity, CodeInvalidQuantity},
	{ErrPriceOutOfBounds, CodePriceOutOfBounds},
	{ErrInvalidTimeInForce, CodeInvalidTimeInForce},
	{ErrInvalidDisplayQuantity, CodeInvalidDisplayQuantity},
	{ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrAccountHalted, CodeAccountHalted},
	{ErrUnknownOrder, CodeUnknownOrder},
	{ErrOrderNotActive, CodeOrderNotActive},
	{ErrEngineStopped, CodeEngineStopped},
	{ErrInvariantViolation, CodeInvariantViolation},
}

// CodeOf maps an error (possibly wrapped) to its Code.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
