package order

import "github.com/shopspring/decimal"

// PlaceOrderRequest is a typed submission from an authenticated account.
type PlaceOrderRequest struct {
	InstrumentSymbol string
	AccountID        string
	ClientOrderID    string
	Side             Side
	Quantity         decimal.Decimal
	Price            decimal.Decimal // ignored for market orders
	Type             Type
	TimeInForce      TimeInForce
	DisplayQuantity  decimal.Decimal // zero = fully displayed
}

type CancelOrderRequest struct {
	OrderID string
}

// ModifyOrderRequest replaces a resting order. Nil fields keep the current
// price and remaining quantity.
type ModifyOrderRequest struct {
	OrderID  string
	Quantity *decimal.Decimal
	Price    *decimal.Decimal
}

// Replacement builds the placement request that supersedes o.
func (r ModifyOrderRequest) Replacement(o *Order) PlaceOrderRequest {
	req := PlaceOrderRequest{
		InstrumentSymbol: o.Symbol,
		AccountID:        o.AccountID,
		ClientOrderID:    o.ClientOrderID,
		Side:             o.Side,
		Quantity:         o.Remaining,
		Price:            o.Price,
		Type:             o.Type,
		TimeInForce:      o.TimeInForce,
		DisplayQuantity:  o.DisplayQuantity,
	}
	if r.Quantity != nil {
		req.Quantity = *r.Quantity
	}
	if r.Price != nil {
		req.Price = *r.Price
	}
	if req.DisplayQuantity.GreaterThan(req.Quantity) {
		req.DisplayQuantity = decimal.Zero
	}
	return req
}
