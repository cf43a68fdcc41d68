package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"go.uber.org/zap"
)

// Handler consumes events off the dispatcher goroutine.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Dispatcher decouples the core from its collaborators. Publish never waits:
// events go onto an unbounded backlog and handlers run on the Run goroutine
// in publish order. A slow handler grows the backlog instead of stalling the
// engines and account locks upstream.
type Dispatcher struct {
	mu        sync.Mutex
	backlog   *linkedlistqueue.Queue
	highWater int
	warned    bool
	closed    bool

	notify   chan struct{}
	handlers []Handler
	logger   *zap.SugaredLogger
	dropped  atomic.Uint64
}

// NewDispatcher creates a dispatcher. highWater is the backlog size at which
// a warning is logged; it does not bound the backlog.
func NewDispatcher(highWater int, logger *zap.SugaredLogger, handlers ...Handler) *Dispatcher {
	if highWater <= 0 {
		highWater = 1
	}
	return &Dispatcher{
		backlog:   linkedlistqueue.New(),
		highWater: highWater,
		notify:    make(chan struct{}, 1),
		handlers:  handlers,
		logger:    logger,
	}
}

// Publish enqueues ev and returns immediately. Events published after Run
// has returned are dropped and counted.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.dropped.Add(1)
		return
	}
	d.backlog.Enqueue(ev)
	size := d.backlog.Size()
	warn := size >= d.highWater && !d.warned
	if warn {
		d.warned = true
	}
	d.mu.Unlock()

	if warn {
		d.logger.Warnw("event_backlog_high", "size", size, "high_water", d.highWater)
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Backlog returns the number of events waiting for delivery.
func (d *Dispatcher) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backlog.Size()
}

// Dropped counts events published after shutdown.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run delivers events until ctx is done, then drains what is already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-d.notify:
			d.flush(ctx, false)
		case <-ctx.Done():
			d.flush(context.Background(), true)
			return nil
		}
	}
}

// flush delivers until the backlog is empty. With last set, the dispatcher
// is closed under the same lock that observed the empty backlog, so nothing
// published concurrently is lost.
func (d *Dispatcher) flush(ctx context.Context, last bool) {
	for {
		d.mu.Lock()
		v, ok := d.backlog.Dequeue()
		if !ok {
			d.warned = false
			if last {
				d.closed = true
			}
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.deliver(ctx, v.(Event))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, h := range d.handlers {
		if err := h.Handle(ctx, ev); err != nil {
			d.logger.Warnw("event_handler_failed", "kind", ev.Kind(), "key", ev.Key(), "err", err)
		}
	}
}
