package account

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/money"
)

// Position is the per-instrument aggregate of an account's fills.
type Position struct {
	Symbol string `json:"symbol"`

	// Quantity is signed: positive = long, negative = short
	Quantity decimal.Decimal `json:"quantity"`

	// Volume-weighted average entry price of the open quantity
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`

	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	MarginRate  decimal.Decimal `json:"margin_rate"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Apply books a fill of delta (signed) at price and returns the PnL realized
// on any quantity that closed an opposing position.
//
//	same direction:  entry = (entry*|old| + price*|delta|) / |new|
//	reducing:        realized = (price - entry) * closed * sign(old)
//	flipping:        entry = price for the new side
func (p *Position) Apply(delta, price decimal.Decimal, at time.Time) decimal.Decimal {
	if delta.IsZero() {
		return decimal.Zero
	}
	old := p.Quantity
	next := old.Add(delta)
	realized := decimal.Zero

	switch {
	case old.IsZero() || old.Sign() == delta.Sign():
		weighted := p.AvgEntryPrice.Mul(old.Abs()).Add(price.Mul(delta.Abs()))
		p.AvgEntryPrice = weighted.DivRound(next.Abs(), money.DivisionPrecision)
	default:
		closed := money.Min(old.Abs(), delta.Abs())
		realized = price.Sub(p.AvgEntryPrice).Mul(closed)
		if old.Sign() < 0 {
			realized = realized.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(realized)

		switch {
		case next.IsZero():
			p.AvgEntryPrice = decimal.Zero
		case next.Sign() != old.Sign():
			p.AvgEntryPrice = price
		}
	}

	p.Quantity = next
	p.Mark(price, at)
	return realized
}

func (p *Position) Mark(price decimal.Decimal, at time.Time) {
	p.MarkPrice = price
	p.UpdatedAt = at
}

// UnrealizedPnL is (mark - entry) * quantity at the last mark.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.MarkPrice.Sub(p.AvgEntryPrice).Mul(p.Quantity)
}

// RequiredMargin is |quantity| * mark * rate.
func (p *Position) RequiredMargin(rate decimal.Decimal) decimal.Decimal {
	return p.Quantity.Abs().Mul(p.MarkPrice).Mul(rate)
}

func (p *Position) State() events.PositionState {
	return events.PositionState{
		Symbol:         p.Symbol,
		Quantity:       p.Quantity,
		AvgEntryPrice:  p.AvgEntryPrice,
		MarkPrice:      p.MarkPrice,
		RealizedPnL:    p.RealizedPnL,
		UnrealizedPnL:  p.UnrealizedPnL(),
		RequiredMargin: p.RequiredMargin(p.MarginRate),
		MarginRate:     p.MarginRate,
		UpdatedAt:      p.UpdatedAt,
	}
}
