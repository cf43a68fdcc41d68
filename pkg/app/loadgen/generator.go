// Package loadgen feeds random order flow into an exchange for soak runs.
package loadgen

import (
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/market"
	"github.com/uhyunpark/matchcore/pkg/app/core/money"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

// Generator creates random trading requests for load testing
type Generator struct {
	accounts    []string // simulated traders
	instruments []market.Instrument
	live        []string // ids of orders that may still rest
	rng         *rand.Rand
}

// NewGenerator creates a generator over numAccounts traders named
// trader_1..trader_N.
func NewGenerator(numAccounts int, instruments []market.Instrument, seed int64) *Generator {
	accounts := make([]string, numAccounts)
	for i := 0; i < numAccounts; i++ {
		accounts[i] = fmt.Sprintf("trader_%d", i+1)
	}
	return &Generator{
		accounts:    accounts,
		instruments: instruments,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (g *Generator) Accounts() []string { return g.accounts }

// GenerateOrder creates a random order request
func (g *Generator) GenerateOrder() order.PlaceOrderRequest {
	inst := g.instruments[g.rng.Intn(len(g.instruments))]
	req := order.PlaceOrderRequest{
		InstrumentSymbol: inst.Symbol,
		AccountID:        g.accounts[g.rng.Intn(len(g.accounts))],
		Side:             order.Buy,
		Quantity:         g.quantity(inst),
		Type:             order.Limit,
	}
	if g.rng.Intn(2) == 1 {
		req.Side = order.Sell
	}

	// 70% GTC, 15% IOC, 5% DAY, 5% FOK, 5% market
	switch r := g.rng.Intn(100); {
	case r < 70:
		req.TimeInForce = order.GTC
	case r < 85:
		req.TimeInForce = order.IOC
	case r < 90:
		req.TimeInForce = order.DAY
	case r < 95:
		req.TimeInForce = order.FOK
	default:
		req.Type = order.Market
		req.TimeInForce = order.IOC
		return req
	}
	req.Price = g.price(inst)
	return req
}

// price picks a tick within ±5% of the middle of the instrument's band.
func (g *Generator) price(inst market.Instrument) decimal.Decimal {
	mid := money.TruncateToStep(inst.MinPrice.Add(inst.MaxPrice).Div(decimal.NewFromInt(2)), inst.TickSize)
	spread := mid.Mul(decimal.RequireFromString("0.05")).Div(inst.TickSize).IntPart()
	if spread < 1 {
		spread = 1
	}
	if spread > 1_000_000 {
		spread = 1_000_000
	}
	offset := g.rng.Int63n(2*spread+1) - spread
	p := mid.Add(inst.TickSize.Mul(decimal.NewFromInt(offset)))
	if p.LessThan(inst.MinPrice) || !money.IsPositive(p) {
		return mid
	}
	if p.GreaterThan(inst.MaxPrice) {
		return inst.MaxPrice
	}
	return p
}

// quantity picks 0 to 9 lots above the instrument's minimum.
func (g *Generator) quantity(inst market.Instrument) decimal.Decimal {
	minLots := inst.MinQuantity.Div(inst.LotSize).Ceil().IntPart()
	if minLots < 1 {
		minLots = 1
	}
	q := inst.LotSize.Mul(decimal.NewFromInt(minLots + int64(g.rng.Intn(10))))
	if money.IsPositive(inst.MaxQuantity) && q.GreaterThan(inst.MaxQuantity) {
		q = money.TruncateToStep(inst.MaxQuantity, inst.LotSize)
	}
	return q
}

// Track remembers orders that rested so later cancels hit real ids.
func (g *Generator) Track(o order.Order) {
	if o.Status.Live() {
		g.live = append(g.live, o.ID)
	}
}

// GenerateCancel picks a tracked order to cancel. It reports false when
// nothing is tracked.
func (g *Generator) GenerateCancel() (order.CancelOrderRequest, bool) {
	if len(g.live) == 0 {
		return order.CancelOrderRequest{}, false
	}
	i := g.rng.Intn(len(g.live))
	id := g.live[i]
	g.live[i] = g.live[len(g.live)-1]
	g.live = g.live[:len(g.live)-1]
	return order.CancelOrderRequest{OrderID: id}, true
}
