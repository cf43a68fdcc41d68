package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Key schema:
//
//	acc:<accountID>                  → accountRecord
//	ord:<orderID>                    → events.OrderStatusEvent (latest)
//	trade:<symbol>:<sequence>        → events.TradeEvent
//	out:<sequence>                   → outboxRecord
//
// Sequences are zero-padded (20 digits) for lexicographic sorting.
const (
	prefixAccount = "acc:"
	prefixOrder   = "ord:"
	prefixTrade   = "trade:"
	prefixOutbox  = "out:"
)

func accountKey(id string) []byte {
	return []byte(prefixAccount + id)
}

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// tradeKey orders a symbol's trades by their engine sequence.
// Format: "trade:{symbol}:{sequence}"
func tradeKey(symbol string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, symbol, seq))
}

// tradePrefix returns the prefix for all trades of a symbol
// Format: "trade:{symbol}:"
func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

func outboxKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOutbox, seq))
}

func outboxSeq(key []byte) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(string(key), prefixOutbox), 10, 64)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
