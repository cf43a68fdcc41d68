package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one match between a taker and a resting maker. It is built by the
// matching engine; settlement fills in the fees before it is published.
type Trade struct {
	Sequence    uint64
	Symbol      string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TakerSide   Side
	BuyOrderID  string
	SellOrderID string
	BuyerID     string
	SellerID    string
	BuyerFee    decimal.Decimal
	SellerFee   decimal.Decimal
	FeeCurrency string
	Timestamp   time.Time
}

func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// BuyerIsTaker reports whether the buy side arrived last.
func (t *Trade) BuyerIsTaker() bool { return t.TakerSide == Buy }
