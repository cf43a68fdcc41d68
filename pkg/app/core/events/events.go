// Package events defines everything the core emits for persistence and
// market-data collaborators, and the sinks that carry it out of the core.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

type Kind string

const (
	KindOrderStatus   Kind = "order_status"
	KindTrade         Kind = "trade"
	KindPosition      Kind = "position"
	KindBalance       Kind = "balance"
	KindAccountHalted Kind = "account_halted"
	KindBookDelta     Kind = "book_delta"
	KindBookSnapshot  Kind = "book_snapshot"
)

// Event is one outbound record. Key is the partition key: the symbol for
// market data, the account id for account state.
type Event interface {
	Kind() Kind
	Key() string
}

// Sink accepts events from the core. Implementations must not perform I/O on
// the caller's goroutine.
type Sink interface {
	Publish(Event)
}

type OrderStatusEvent struct {
	OrderID           string            `json:"order_id"`
	ClientOrderID     string            `json:"client_order_id,omitempty"`
	AccountID         string            `json:"account_id"`
	Symbol            string            `json:"symbol"`
	Side              order.Side        `json:"side"`
	Type              order.Type        `json:"type"`
	TimeInForce       order.TimeInForce `json:"time_in_force"`
	Status            order.Status      `json:"status"`
	Price             decimal.Decimal   `json:"price"`
	Quantity          decimal.Decimal   `json:"quantity"`
	FilledQuantity    decimal.Decimal   `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal   `json:"remaining_quantity"`
	AvgFillPrice      decimal.Decimal   `json:"avg_fill_price"`
	Reason            string            `json:"reason,omitempty"`
	ReplacedBy        string            `json:"replaced_by,omitempty"`
	Sequence          uint64            `json:"sequence"`
	Timestamp         time.Time         `json:"timestamp"`
}

func (OrderStatusEvent) Kind() Kind    { return KindOrderStatus }
func (e OrderStatusEvent) Key() string { return e.AccountID }

// OrderStatus captures the current state of o.
func OrderStatus(o *order.Order) OrderStatusEvent {
	return OrderStatusEvent{
		OrderID:           o.ID,
		ClientOrderID:     o.ClientOrderID,
		AccountID:         o.AccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		Type:              o.Type,
		TimeInForce:       o.TimeInForce,
		Status:            o.Status,
		Price:             o.Price,
		Quantity:          o.Quantity,
		FilledQuantity:    o.Filled,
		RemainingQuantity: o.Remaining,
		AvgFillPrice:      o.AvgFillPrice,
		Reason:            o.Reason,
		ReplacedBy:        o.ReplacedBy,
		Sequence:          o.Sequence,
		Timestamp:         o.UpdatedAt,
	}
}

type TradeEvent struct {
	Sequence    uint64          `json:"sequence"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Side        order.Side      `json:"side"` // taker side
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	BuyerFee    decimal.Decimal `json:"buyer_fee"`
	SellerFee   decimal.Decimal `json:"seller_fee"`
	FeeCurrency string          `json:"fee_currency"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (TradeEvent) Kind() Kind    { return KindTrade }
func (e TradeEvent) Key() string { return e.Symbol }

func Trade(t *order.Trade) TradeEvent {
	return TradeEvent{
		Sequence:    t.Sequence,
		Symbol:      t.Symbol,
		Price:       t.Price,
		Quantity:    t.Quantity,
		Side:        t.TakerSide,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		BuyerFee:    t.BuyerFee,
		SellerFee:   t.SellerFee,
		FeeCurrency: t.FeeCurrency,
		Timestamp:   t.Timestamp,
	}
}

type PositionState struct {
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	RequiredMargin decimal.Decimal `json:"required_margin"`
	MarginRate     decimal.Decimal `json:"margin_rate"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type PositionEvent struct {
	AccountID string          `json:"account_id"`
	Positions []PositionState `json:"positions"`
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
}

func (PositionEvent) Kind() Kind    { return KindPosition }
func (e PositionEvent) Key() string { return e.AccountID }

type BalanceState struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

type BalanceEvent struct {
	AccountID string                  `json:"account_id"`
	Balances  map[string]BalanceState `json:"balances"`
	Version   uint64                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
}

func (BalanceEvent) Kind() Kind    { return KindBalance }
func (e BalanceEvent) Key() string { return e.AccountID }

// AccountHaltedEvent surfaces an account for manual reconciliation. Halted is
// false when an operator lifts the halt.
type AccountHaltedEvent struct {
	AccountID string    `json:"account_id"`
	Halted    bool      `json:"halted"`
	Reason    string    `json:"reason,omitempty"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (AccountHaltedEvent) Kind() Kind    { return KindAccountHalted }
func (e AccountHaltedEvent) Key() string { return e.AccountID }

// LevelChange is the new aggregate visible quantity at a price. Zero means
// the level was removed.
type LevelChange struct {
	Side     order.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type OrderBookDelta struct {
	Symbol    string        `json:"symbol"`
	Sequence  uint64        `json:"sequence"`
	Changes   []LevelChange `json:"changes"`
	Timestamp time.Time     `json:"timestamp"`
}

func (OrderBookDelta) Kind() Kind    { return KindBookDelta }
func (e OrderBookDelta) Key() string { return e.Symbol }

type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderBookSnapshot is a full ladder at Sequence, the last delta sequence
// it includes.
type OrderBookSnapshot struct {
	Symbol    string    `json:"symbol"`
	Sequence  uint64    `json:"sequence"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

func (OrderBookSnapshot) Kind() Kind    { return KindBookSnapshot }
func (e OrderBookSnapshot) Key() string { return e.Symbol }

// Envelope is the wire form of an event.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: ev.Kind(), Key: ev.Key(), Payload: payload})
}

// Decode parses an envelope back into its concrete event type.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	var ev Event
	switch env.Kind {
	case KindOrderStatus:
		var e OrderStatusEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindTrade:
		var e TradeEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindPosition:
		var e PositionEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindBalance:
		var e BalanceEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindAccountHalted:
		var e AccountHaltedEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindBookDelta:
		var e OrderBookDelta
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindBookSnapshot:
		var e OrderBookSnapshot
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		ev = e
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	return ev, nil
}
