package fusion

import (
	"sync"

	"lessonlens-server/internal/action"
)

// Sequencer restores window-close order after concurrent evidence collection.
// Verified actions may arrive out of order; they leave strictly by sequence
// number.
type Sequencer struct {
	mu      sync.Mutex
	next    uint64
	waiting map[uint64]*action.VerifiedAction
}

func NewSequencer() *Sequencer {
	return &Sequencer{waiting: make(map[uint64]*action.VerifiedAction)}
}

// Add accepts one verified action and returns the batch now ready for
// emission, in order. The batch is empty while an earlier window is still in
// flight. Duplicate or stale sequence numbers are dropped.
func (s *Sequencer) Add(va *action.VerifiedAction) []*action.VerifiedAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if va.Seq < s.next {
		return nil
	}
	if _, dup := s.waiting[va.Seq]; dup {
		return nil
	}
	s.waiting[va.Seq] = va

	var ready []*action.VerifiedAction
	for {
		next, ok := s.waiting[s.next]
		if !ok {
			break
		}
		delete(s.waiting, s.next)
		ready = append(ready, next)
		s.next++
	}
	return ready
}

// Pending reports how many actions are buffered behind a gap.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// NextSeq reports the sequence number the sequencer is waiting for.
func (s *Sequencer) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
