package framequeue

import (
	"sync"
	"time"

	"github.com/zsiec/metronome/media"
)

// Shared guards a Queue for one producer goroutine and one consumer
// goroutine. Frames are copied in and out under the lock so neither side
// holds it while doing real work.
type Shared struct {
	mu    sync.Mutex
	q     *Queue
	ready chan struct{}
}

// NewShared wraps q. q must not be used directly afterwards.
func NewShared(q *Queue) *Shared {
	return &Shared{q: q, ready: make(chan struct{}, 1)}
}

// Write copies src into the rear slot and publishes it. A full queue drops
// its newest frames first; the count is returned.
func (s *Shared) Write(src *media.Frame) (int, error) {
	s.mu.Lock()
	f, dropped := s.q.ForcedWriteSlot()
	f.CopyFrom(src)
	err := s.q.CommitWrite()
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped, err
}

// Read copies the next ready frame into dst and retires it. It reports
// false when no frame has aged past the delay.
func (s *Shared) Read(dst *media.Frame) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.q.TryReadSlot()
	if !ok {
		return false, nil
	}
	dst.CopyFrom(f)
	return true, s.q.CommitRead()
}

// ReadForced copies the next ready frame into dst and retires it, or, when
// none is ready, copies the most recently retired frame and reports fresh
// false. Before anything was ever written the copied frame is empty.
func (s *Shared) ReadForced(dst *media.Frame) (fresh bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, fresh := s.q.ForcedReadSlot()
	dst.CopyFrom(f)
	if !fresh {
		return false, nil
	}
	return true, s.q.CommitRead()
}

// Ready is signaled after each write. It holds at most one pending signal.
func (s *Shared) Ready() <-chan struct{} { return s.ready }

// Stats returns the wrapped queue's counters.
func (s *Shared) Stats() Stats { return s.q.Stats() }

// SetDelay changes the readiness delay of the wrapped queue.
func (s *Shared) SetDelay(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SetDelay(d)
}
