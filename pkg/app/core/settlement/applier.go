package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchcore/pkg/app/core/account"
	"github.com/uhyunpark/matchcore/pkg/app/core/market"
	"github.com/uhyunpark/matchcore/pkg/app/core/money"
	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

// Applier moves funds and positions for matched trades. Each trade is applied
// under the locks of buyer, seller and the fee account together.
type Applier struct {
	accounts   *account.Manager
	feeAccount string
	logger     *zap.SugaredLogger
}

func NewApplier(accounts *account.Manager, feeAccount string, logger *zap.SugaredLogger) *Applier {
	return &Applier{
		accounts:   accounts,
		feeAccount: feeAccount,
		logger:     logger,
	}
}

func (a *Applier) FeeAccount() string { return a.feeAccount }

// Apply settles t and fills in its fees. Every check runs before the first
// mutation: a halted party yields ErrAccountHalted, a reservation that cannot
// cover the trade halts the offending account and yields
// ErrInvariantViolation. Either way nothing is moved. An account failing
// validation after the move is halted but the trade is kept.
//
// t has no sequence yet; the engine numbers it only once Apply succeeds, so
// failures are reported by order id.
func (a *Applier) Apply(inst market.Instrument, t *order.Trade) error {
	ids := []string{t.BuyerID, t.SellerID, a.feeAccount}
	return a.accounts.Do(ids, func(tx *account.Tx) error {
		buyer, seller, house := tx.Account(t.BuyerID), tx.Account(t.SellerID), tx.Account(a.feeAccount)

		for _, acc := range []*account.Account{buyer, seller} {
			if acc.Halted {
				return fmt.Errorf("%w: %s (orders %s/%s)", order.ErrAccountHalted, acc.ID, t.BuyOrderID, t.SellOrderID)
			}
		}

		qty := t.Quantity
		notional := t.Notional()
		buyRes := buyer.Reservation(t.BuyOrderID)
		sellRes := seller.Reservation(t.SellOrderID)

		if buyRes == nil || buyRes.Currency != inst.QuoteCurrency {
			return a.violation(tx, t, buyer.ID, fmt.Sprintf("no %s reservation for buy order %s", inst.QuoteCurrency, t.BuyOrderID))
		}
		if sellRes == nil || sellRes.Currency != inst.BaseCurrency {
			return a.violation(tx, t, seller.ID, fmt.Sprintf("no %s reservation for sell order %s", inst.BaseCurrency, t.SellOrderID))
		}

		buyerFee, buyerBasis := buyRes.NextFee(notional, inst.FeeRate(t.TakerSide == order.Buy), inst.QuoteScale)
		sellerFee, sellerBasis := sellRes.NextFee(notional, inst.FeeRate(t.TakerSide == order.Sell), inst.QuoteScale)
		// Seller fees come out of proceeds, which can never go negative.
		sellerFee = money.Min(sellerFee, notional)

		buyerCost := notional.Add(buyerFee)
		if buyRes.Remaining.LessThan(buyerCost) {
			return a.violation(tx, t, buyer.ID, fmt.Sprintf("buy order %s reserved %s, trade needs %s", t.BuyOrderID, buyRes.Remaining, buyerCost))
		}
		if sellRes.Remaining.LessThan(qty) {
			return a.violation(tx, t, seller.ID, fmt.Sprintf("sell order %s reserved %s, trade needs %s", t.SellOrderID, sellRes.Remaining, qty))
		}

		if err := buyer.Consume(t.BuyOrderID, buyerCost); err != nil {
			return a.violation(tx, t, buyer.ID, err.Error())
		}
		buyRes.FeeBasis = buyerBasis
		buyRes.FeesCharged = buyRes.FeesCharged.Add(buyerFee)
		buyer.Credit(inst.BaseCurrency, qty)

		if err := seller.Consume(t.SellOrderID, qty); err != nil {
			return a.violation(tx, t, seller.ID, err.Error())
		}
		sellRes.FeeBasis = sellerBasis
		sellRes.FeesCharged = sellRes.FeesCharged.Add(sellerFee)
		seller.Credit(inst.QuoteCurrency, notional.Sub(sellerFee))

		if total := buyerFee.Add(sellerFee); total.IsPositive() {
			house.Credit(inst.QuoteCurrency, total)
		}

		at := tx.Now()
		applyPosition(buyer, inst, qty, t.Price, at)
		applyPosition(seller, inst, qty.Neg(), t.Price, at)
		buyer.TradeCount++
		seller.TradeCount++

		t.BuyerFee = buyerFee
		t.SellerFee = sellerFee
		t.FeeCurrency = inst.QuoteCurrency

		// Funds have moved, so the trade stands. An account that no longer
		// validates is frozen for reconciliation.
		for _, acc := range []*account.Account{buyer, seller, house} {
			if err := acc.Validate(); err != nil {
				_ = a.violation(tx, t, acc.ID, err.Error())
			}
		}

		tx.PositionsChanged(buyer.ID)
		tx.PositionsChanged(seller.ID)
		return nil
	})
}

func (a *Applier) violation(tx *account.Tx, t *order.Trade, accountID, detail string) error {
	a.logger.Errorw("settlement_invariant_violation",
		"account", accountID,
		"symbol", t.Symbol,
		"buy_order", t.BuyOrderID,
		"sell_order", t.SellOrderID,
		"detail", detail,
	)
	tx.Halt(accountID, detail)
	return fmt.Errorf("%w: account %s: %s", order.ErrInvariantViolation, accountID, detail)
}

func applyPosition(acc *account.Account, inst market.Instrument, delta, price decimal.Decimal, at time.Time) {
	p := acc.Position(inst.Symbol)
	p.MarginRate = inst.MarginRate
	p.Apply(delta, price, at)
}
