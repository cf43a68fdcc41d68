package core

import (
	"sync"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
)

// orderIndex maps live order ids to their instrument. The engines publish
// through it, so it sees every status change in the order the engine made
// it: an order is added when it starts resting and removed as soon as it is
// filled, cancelled, replaced or expired.
type orderIndex struct {
	sink events.Sink

	mu   sync.RWMutex
	live map[string]string // order id -> symbol
}

func newOrderIndex(sink events.Sink) *orderIndex {
	return &orderIndex{sink: sink, live: make(map[string]string)}
}

func (ix *orderIndex) Publish(ev events.Event) {
	if st, ok := ev.(events.OrderStatusEvent); ok {
		ix.mu.Lock()
		if st.Status.Live() {
			ix.live[st.OrderID] = st.Symbol
		} else {
			delete(ix.live, st.OrderID)
		}
		ix.mu.Unlock()
	}
	ix.sink.Publish(ev)
}

func (ix *orderIndex) symbol(orderID string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s, ok := ix.live[orderID]
	return s, ok
}

func (ix *orderIndex) size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.live)
}
