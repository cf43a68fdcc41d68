package sequence

import "sync/atomic"

// Sequencer hands out strictly monotonic sequence numbers. Values are never
// reused; zero means "none issued yet".
type Sequencer struct {
	last atomic.Uint64
}

// New creates a sequencer whose first Next returns start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued value.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Reset moves the sequencer forward to v. It refuses to move backwards so a
// restored counter can never hand out a number twice.
func (s *Sequencer) Reset(v uint64) bool {
	for {
		cur := s.last.Load()
		if v < cur {
			return false
		}
		if s.last.CompareAndSwap(cur, v) {
			return true
		}
	}
}
