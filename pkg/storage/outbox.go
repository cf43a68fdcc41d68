package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/matchcore/pkg/app/core/events"
)

type OutboxState uint8

const (
	StateNew OutboxState = iota
	StateSent
)

func (s OutboxState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	default:
		return "UNKNOWN"
	}
}

type outboxRecord struct {
	State       OutboxState `json:"state"`
	Retries     uint32      `json:"retries"`
	LastAttempt int64       `json:"last_attempt"`
	Kind        events.Kind `json:"kind"`
	Key         string      `json:"key"`
	Payload     []byte      `json:"payload"`
}

// OutboxEntry is one encoded event waiting for the relay.
type OutboxEntry struct {
	Seq     uint64
	Kind    events.Kind
	Key     string
	Payload []byte // events.Encode envelope
	Retries uint32
}

// ScanPending returns up to limit NEW entries in outbox order.
func (s *PebbleStore) ScanPending(limit int) ([]OutboxEntry, error) {
	var out []OutboxEntry
	err := s.scanOutbox(func(seq uint64, rec outboxRecord) bool {
		if rec.State != StateNew {
			return true
		}
		out = append(out, OutboxEntry{
			Seq:     seq,
			Kind:    rec.Kind,
			Key:     rec.Key,
			Payload: rec.Payload,
			Retries: rec.Retries,
		})
		return len(out) < limit
	})
	return out, err
}

// MarkSent records that a publish attempt is in flight for seqs.
func (s *PebbleStore) MarkSent(seqs ...uint64) error {
	return s.updateOutbox(seqs, func(rec *outboxRecord) {
		rec.State = StateSent
		rec.LastAttempt = time.Now().UnixNano()
	})
}

// MarkFailed puts seqs back to NEW for the next relay pass.
func (s *PebbleStore) MarkFailed(seqs ...uint64) error {
	return s.updateOutbox(seqs, func(rec *outboxRecord) {
		rec.State = StateNew
		rec.Retries++
	})
}

// MarkAcked removes entries the broker has acknowledged.
func (s *PebbleStore) MarkAcked(seqs ...uint64) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, seq := range seqs {
		if err := batch.Delete(outboxKey(seq), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// RequeueSent resets entries left SENT by a crash between publish and ack.
// Delivery is at least once.
func (s *PebbleStore) RequeueSent() (int, error) {
	var seqs []uint64
	err := s.scanOutbox(func(seq uint64, rec outboxRecord) bool {
		if rec.State == StateSent {
			seqs = append(seqs, seq)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	return len(seqs), s.updateOutbox(seqs, func(rec *outboxRecord) { rec.State = StateNew })
}

func (s *PebbleStore) updateOutbox(seqs []uint64, fn func(*outboxRecord)) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, seq := range seqs {
		var rec outboxRecord
		found, err := s.getJSON(outboxKey(seq), &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("outbox entry %d not found", seq)
		}
		fn(&rec)
		if err := setJSON(batch, outboxKey(seq), rec); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// scanOutbox visits entries in sequence order until fn returns false.
func (s *PebbleStore) scanOutbox(fn func(seq uint64, rec outboxRecord) bool) error {
	prefix := []byte(prefixOutbox)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := outboxSeq(iter.Key())
		if err != nil {
			return fmt.Errorf("bad outbox key %q: %w", iter.Key(), err)
		}
		var rec outboxRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("bad outbox entry %d: %w", seq, err)
		}
		if !fn(seq, rec) {
			break
		}
	}
	return iter.Error()
}
