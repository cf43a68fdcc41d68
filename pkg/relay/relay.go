// Package relay moves outbox entries to the message bus. Entries are marked
// SENT before publishing and removed only after the broker acknowledges
// them, so delivery is at least once.
package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/matchcore/pkg/storage"
)

// Outbox is the durable queue the relay drains.
type Outbox interface {
	ScanPending(limit int) ([]storage.OutboxEntry, error)
	MarkSent(seqs ...uint64) error
	MarkFailed(seqs ...uint64) error
	MarkAcked(seqs ...uint64) error
}

type Relay struct {
	outbox    Outbox
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *zap.SugaredLogger
}

func New(outbox Outbox, publisher Publisher, interval time.Duration, batch int, logger *zap.SugaredLogger) *Relay {
	if batch <= 0 {
		batch = 1
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		logger:    logger,
	}
}

// Run relays on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Infow("relay_started", "interval", r.interval, "batch", r.batch)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("relay_stopped")
			return nil
		case <-ticker.C:
			// drain everything that is ready before waiting again
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					r.logger.Warnw("relay_failed", "err", err)
					break
				}
				if n < r.batch {
					break
				}
			}
		}
	}
}

// RelayOnce publishes one batch and returns how many entries were acked.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.ScanPending(r.batch)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	seqs := make([]uint64, len(pending))
	msgs := make([]Message, len(pending))
	for i, e := range pending {
		seqs[i] = e.Seq
		msgs[i] = Message{Key: []byte(e.Key), Value: e.Payload}
	}

	if err := r.outbox.MarkSent(seqs...); err != nil {
		return 0, err
	}
	if err := r.publisher.Publish(ctx, msgs); err != nil {
		if markErr := r.outbox.MarkFailed(seqs...); markErr != nil {
			r.logger.Errorw("outbox_mark_failed", "first", seqs[0], "count", len(seqs), "err", markErr)
		}
		return 0, err
	}
	if err := r.outbox.MarkAcked(seqs...); err != nil {
		return 0, err
	}
	r.logger.Debugw("events_relayed", "first", seqs[0], "count", len(seqs))
	return len(seqs), nil
}
