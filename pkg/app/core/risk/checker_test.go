package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchcore/pkg/app/core/account"
	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/market"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
	"github.com/uhyunpark/matchcore/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func xyzUSD() market.Instrument {
	return market.Instrument{
		Symbol:        "XYZ-USD",
		BaseCurrency:  "XYZ",
		QuoteCurrency: "USD",
		TickSize:      d("0.01"),
		LotSize:       d("1"),
		MinPrice:      d("0.01"),
		MaxPrice:      d("1000"),
		MakerFeeRate:  d("0.001"),
		TakerFeeRate:  d("0.002"),
		QuoteScale:    2,
	}
}

func newChecker(t *testing.T) (*Checker, *account.Manager, *market.Registry) {
	t.Helper()
	reg := market.NewRegistry()
	require.NoError(t, reg.Register(xyzUSD()))
	clock := util.NewManualClock(time.Unix(1700000000, 0))
	logger := zap.NewNop().Sugar()
	accounts := account.NewManager(nil, events.Discard, clock, logger)
	return NewChecker(reg, accounts, clock, logger), accounts, reg
}

func limit(side order.Side, qty, price string) order.PlaceOrderRequest {
	return order.PlaceOrderRequest{
		InstrumentSymbol: "XYZ-USD",
		AccountID:        "alice",
		Side:             side,
		Quantity:         d(qty),
		Price:            d(price),
		Type:             order.Limit,
		TimeInForce:      order.GTC,
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	c, accounts, _ := newChecker(t)
	require.NoError(t, accounts.Deposit("alice", "USD", d("100.00")))

	o, _, err := c.Admit(limit(order.Buy, "1", "150.00"))
	require.ErrorIs(t, err, order.ErrInsufficientBalance)
	assert.Equal(t, order.CodeInsufficientBalance, order.CodeOf(err))
	assert.Equal(t, order.Rejected, o.Status)
	assert.Equal(t, string(order.CodeInsufficientBalance), o.Reason)

	snap, err := accounts.Snapshot("alice")
	require.NoError(t, err)
	assert.Empty(t, snap.Reservations, "no reservation may be created")
	assert.True(t, snap.Balance("USD").Available.Equal(d("100")))
}

func TestValidateRules(t *testing.T) {
	c, _, reg := newChecker(t)

	mkt := func(tif order.TimeInForce) order.PlaceOrderRequest {
		r := limit(order.Buy, "1", "0")
		r.Type = order.Market
		r.TimeInForce = tif
		return r
	}
	iceberg := func(display string, tif order.TimeInForce) order.PlaceOrderRequest {
		r := limit(order.Sell, "10", "5")
		r.DisplayQuantity = d(display)
		r.TimeInForce = tif
		return r
	}

	tests := []struct {
		name string
		req  order.PlaceOrderRequest
		want error
	}{
		{"valid limit", limit(order.Buy, "1", "150"), nil},
		{"unknown symbol", func() order.PlaceOrderRequest { r := limit(order.Buy, "1", "1"); r.InstrumentSymbol = "NOPE"; return r }(), order.ErrUnknownInstrument},
		{"no account", func() order.PlaceOrderRequest { r := limit(order.Buy, "1", "1"); r.AccountID = ""; return r }(), order.ErrInvalidOrder},
		{"bad side", limit(0, "1", "1"), order.ErrInvalidOrder},
		{"fractional lot", limit(order.Buy, "1.5", "1"), order.ErrInvalidQuantity},
		{"zero qty", limit(order.Buy, "0", "1"), order.ErrInvalidQuantity},
		{"off tick", limit(order.Buy, "1", "1.001"), order.ErrInvalidPrice},
		{"above max", limit(order.Buy, "1", "1000.01"), order.ErrPriceOutOfBounds},
		{"market ioc", mkt(order.IOC), nil},
		{"market fok", mkt(order.FOK), nil},
		{"market gtc", mkt(order.GTC), order.ErrInvalidTimeInForce},
		{"market with price", func() order.PlaceOrderRequest { r := mkt(order.IOC); r.Price = d("5"); return r }(), order.ErrInvalidPrice},
		{"iceberg", iceberg("2", order.GTC), nil},
		{"iceberg ioc", iceberg("2", order.IOC), order.ErrInvalidDisplayQuantity},
		{"iceberg too large", iceberg("11", order.DAY), order.ErrInvalidDisplayQuantity},
		{"iceberg off lot", iceberg("2.5", order.GTC), order.ErrInvalidDisplayQuantity},
		{"bad tif", func() order.PlaceOrderRequest { r := limit(order.Buy, "1", "1"); r.TimeInForce = 9; return r }(), order.ErrInvalidTimeInForce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Validate(tt.req)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}

	require.NoError(t, reg.UpdateStatus("XYZ-USD", market.Paused))
	_, err := c.Validate(limit(order.Buy, "1", "1"))
	assert.ErrorIs(t, err, order.ErrInstrumentInactive)
}

func TestReservationFor(t *testing.T) {
	inst := xyzUSD()
	at := time.Unix(0, 0)

	buy := order.New("b", limit(order.Buy, "3", "33.33"), at)
	r := ReservationFor(inst, buy)
	// 99.99 + ceil(0.19998) = 99.99 + 0.20
	assert.Equal(t, "USD", r.Currency)
	assert.True(t, r.Amount.Equal(d("100.19")), "got %s", r.Amount)

	mreq := limit(order.Buy, "2", "0")
	mreq.Type, mreq.TimeInForce = order.Market, order.IOC
	r = ReservationFor(inst, order.New("m", mreq, at))
	// 2 * 1000 + ceil(4.00)
	assert.True(t, r.Amount.Equal(d("2004")), "got %s", r.Amount)

	sell := order.New("s", limit(order.Sell, "7", "10"), at)
	r = ReservationFor(inst, sell)
	assert.Equal(t, "XYZ", r.Currency)
	assert.True(t, r.Amount.Equal(d("7")))
}

func TestAdmitReservesAndReadmitSwaps(t *testing.T) {
	c, accounts, _ := newChecker(t)
	require.NoError(t, accounts.Deposit("alice", "XYZ", d("10")))

	o, _, err := c.Admit(limit(order.Sell, "6", "10"))
	require.NoError(t, err)
	assert.Equal(t, order.Pending, o.Status)
	assert.NotEmpty(t, o.ID)

	snap, _ := accounts.Snapshot("alice")
	assert.True(t, snap.Balance("XYZ").Reserved.Equal(d("6")))

	// 6 freed + 4 free covers 10 but not 11.
	_, _, err = c.Readmit(o, limit(order.Sell, "11", "10"))
	require.ErrorIs(t, err, order.ErrInsufficientBalance)
	snap, _ = accounts.Snapshot("alice")
	require.NotNil(t, snap.Reservation(o.ID))

	next, _, err := c.Readmit(o, limit(order.Sell, "10", "9"))
	require.NoError(t, err)
	assert.NotEqual(t, o.ID, next.ID)
	snap, _ = accounts.Snapshot("alice")
	assert.Nil(t, snap.Reservation(o.ID))
	assert.True(t, snap.Reservation(next.ID).Amount.Equal(d("10")))
	require.NoError(t, accounts.ValidateAccount("alice"))
}
