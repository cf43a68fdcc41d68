// Package storage is the durable projection of core events: account state,
// the latest status of every order, the trade tape, and an outbox that the
// relay drains to the message bus.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/matchcore/pkg/app/core/account"
	"github.com/uhyunpark/matchcore/pkg/app/core/events"
)

var keyOutboxSeq = []byte("meta:outbox_seq")

// PebbleStore implements account.Store and events.Handler. Every handled
// event updates its projection and appends one outbox entry in a single
// atomic batch.
type PebbleStore struct {
	db *pebble.DB

	mu     sync.Mutex // serializes projection writes and guards outSeq
	outSeq uint64
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	s := &PebbleStore{db: db}

	val, closer, err := db.Get(keyOutboxSeq)
	switch {
	case err == nil:
		s.outSeq = binary.BigEndian.Uint64(val)
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		db.Close()
		return nil, fmt.Errorf("failed to read outbox sequence: %w", err)
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// accountRecord is what the projection knows about an account. Reservations
// are not projected: books start empty after a restart, so a reloaded
// balance is fully available.
//
// Account events can reach the projection out of order, so each part keeps
// the version it was last written at and older events are ignored.
type accountRecord struct {
	ID         string                          `json:"id"`
	Balances   map[string]events.BalanceState  `json:"balances"`
	Positions  map[string]events.PositionState `json:"positions"`
	Halted     bool                            `json:"halted"`
	HaltReason string                          `json:"halt_reason,omitempty"`

	BalanceVersion  uint64 `json:"balance_version"`
	PositionVersion uint64 `json:"position_version"`
	HaltVersion     uint64 `json:"halt_version"`
}

// stale reports whether an event at version got must not overwrite state
// written at have. Unversioned events always apply.
func stale(have, got uint64) bool { return got != 0 && got <= have }

func (r *accountRecord) version() uint64 {
	return max(r.BalanceVersion, r.PositionVersion, r.HaltVersion)
}

// Handle projects ev and queues it for the relay.
func (s *PebbleStore) Handle(_ context.Context, ev events.Event) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := s.project(batch, ev); err != nil {
		return fmt.Errorf("failed to project %s: %w", ev.Kind(), err)
	}

	seq := s.outSeq + 1
	rec, err := json.Marshal(outboxRecord{
		State:   StateNew,
		Kind:    ev.Kind(),
		Key:     ev.Key(),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if err := batch.Set(outboxKey(seq), rec, nil); err != nil {
		return err
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	if err := batch.Set(keyOutboxSeq, seqBuf[:], nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit %s batch: %w", ev.Kind(), err)
	}
	s.outSeq = seq
	return nil
}

func (s *PebbleStore) project(batch *pebble.Batch, ev events.Event) error {
	switch e := ev.(type) {
	case events.OrderStatusEvent:
		return setJSON(batch, orderKey(e.OrderID), e)
	case events.TradeEvent:
		return setJSON(batch, tradeKey(e.Symbol, e.Sequence), e)
	case events.BalanceEvent:
		return s.updateAccount(batch, e.AccountID, func(rec *accountRecord) {
			if stale(rec.BalanceVersion, e.Version) {
				return
			}
			rec.Balances = e.Balances
			rec.BalanceVersion = e.Version
		})
	case events.PositionEvent:
		return s.updateAccount(batch, e.AccountID, func(rec *accountRecord) {
			if stale(rec.PositionVersion, e.Version) {
				return
			}
			for _, p := range e.Positions {
				rec.Positions[p.Symbol] = p
			}
			rec.PositionVersion = e.Version
		})
	case events.AccountHaltedEvent:
		return s.updateAccount(batch, e.AccountID, func(rec *accountRecord) {
			if stale(rec.HaltVersion, e.Version) {
				return
			}
			rec.Halted = e.Halted
			rec.HaltReason = e.Reason
			rec.HaltVersion = e.Version
		})
	}
	// book deltas and snapshots only go to the outbox
	return nil
}

// updateAccount is a read-modify-write of one account record. Caller holds
// s.mu, so no other projection write can interleave.
func (s *PebbleStore) updateAccount(batch *pebble.Batch, id string, fn func(*accountRecord)) error {
	rec, err := s.loadRecord(id)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &accountRecord{ID: id}
	}
	if rec.Balances == nil {
		rec.Balances = make(map[string]events.BalanceState)
	}
	if rec.Positions == nil {
		rec.Positions = make(map[string]events.PositionState)
	}
	fn(rec)
	return setJSON(batch, accountKey(id), rec)
}

func (s *PebbleStore) loadRecord(id string) (*accountRecord, error) {
	var rec accountRecord
	found, err := s.getJSON(accountKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// LoadAccount rebuilds an account from its projection.
// Returns nil if the account doesn't exist
func (s *PebbleStore) LoadAccount(id string) (*account.Account, error) {
	rec, err := s.loadRecord(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	if rec == nil {
		return nil, nil
	}

	acc := account.NewAccount(id)
	for cur, b := range rec.Balances {
		acc.Balances[cur] = &account.Balance{Total: b.Total, Available: b.Total}
	}
	for sym, p := range rec.Positions {
		acc.Positions[sym] = &account.Position{
			Symbol:        sym,
			Quantity:      p.Quantity,
			AvgEntryPrice: p.AvgEntryPrice,
			RealizedPnL:   p.RealizedPnL,
			MarkPrice:     p.MarkPrice,
			MarginRate:    p.MarginRate,
			UpdatedAt:     p.UpdatedAt,
		}
	}
	acc.Halted = rec.Halted
	acc.HaltReason = rec.HaltReason
	acc.Version = rec.version()
	return acc, nil
}

// LoadOrder returns the last projected status of an order.
// Returns nil if the order was never seen
func (s *PebbleStore) LoadOrder(orderID string) (*events.OrderStatusEvent, error) {
	var ev events.OrderStatusEvent
	found, err := s.getJSON(orderKey(orderID), &ev)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if !found {
		return nil, nil
	}
	return &ev, nil
}

// LoadRecentTrades loads the most recent N trades for a symbol
// Trades are returned newest first
func (s *PebbleStore) LoadRecentTrades(symbol string, limit int) ([]events.TradeEvent, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []events.TradeEvent
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t events.TradeEvent
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue // Skip invalid entries
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func setJSON(batch *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Set(key, data, nil)
}

var (
	_ account.Store  = (*PebbleStore)(nil)
	_ events.Handler = (*PebbleStore)(nil)
)
