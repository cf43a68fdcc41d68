package events

import "sync"

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Filter returns the recorded events of type T in publish order.
func Filter[T Event](r *Recorder) []T {
	var out []T
	for _, ev := range r.Events() {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}
