// Package framequeue implements a fixed-capacity circular queue of reusable
// frame slots between two pipeline stages. A frame at the front becomes
// readable only once it has aged past a configurable delay, which absorbs
// jitter before a frame is considered stable.
//
// The queue never blocks. Besides the regular try/commit pairs it offers two
// lossy recovery paths for live media: ForcedWriteSlot drops the newest
// unconsumed frame to make room for a producer, and ForcedReadSlot re-delivers
// the most recently retired frame to a starving consumer. Both are counted.
//
// One producer and one consumer may use a Queue concurrently only if the
// caller serializes access; the queue itself holds no locks.
package framequeue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/metronome/media"
)

// Sentinel errors for commit calls made in an invalid state.
var (
	ErrQueueFull  = errors.New("framequeue: queue full")
	ErrQueueEmpty = errors.New("framequeue: queue empty")
)

// Stats is a snapshot of queue counters.
type Stats struct {
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Written  uint64 `json:"written"`
	Read     uint64 `json:"read"`
	Dropped  uint64 `json:"dropped"`
	Reused   uint64 `json:"reused"`
}

// Queue is a ring of pre-allocated frame slots.
type Queue struct {
	log      *slog.Logger
	now      func() time.Time
	frames   []*media.Frame
	max      int
	front    int
	rear     int
	elements int
	delay    time.Duration

	written atomic.Uint64
	read    atomic.Uint64
	dropped atomic.Uint64
	reused  atomic.Uint64
	depth   atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for readiness checks.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLogger sets the logger. Drop and reuse events are logged at debug level.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log.With("component", "frame-queue")
		}
	}
}

// WithDelay sets the read-readiness delay.
func WithDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.delay = d
	}
}

// New allocates a queue of max slots, each holding a reusable frame.
func New(max int, opts ...Option) (*Queue, error) {
	if max <= 0 {
		return nil, fmt.Errorf("framequeue: invalid capacity %d", max)
	}
	q := &Queue{
		log:    slog.Default().With("component", "frame-queue"),
		now:    time.Now,
		frames: make([]*media.Frame, max),
		max:    max,
	}
	for i := range q.frames {
		q.frames[i] = &media.Frame{}
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.delay < 0 {
		return nil, fmt.Errorf("framequeue: negative delay %v", q.delay)
	}
	return q, nil
}

// TryWriteSlot returns the frame at the rear for the producer to fill, or
// false when the queue is full. The slot is published by CommitWrite.
func (q *Queue) TryWriteSlot() (*media.Frame, bool) {
	if q.elements >= q.max {
		return nil, false
	}
	return q.frames[q.rear], true
}

// CommitWrite publishes the rear slot, stamping its update time.
func (q *Queue) CommitWrite() error {
	if q.elements >= q.max {
		return ErrQueueFull
	}
	q.frames[q.rear].UpdatedAt = q.now()
	q.frames[q.rear].Consumed = false
	q.rear = (q.rear + 1) % q.max
	q.elements++
	q.written.Add(1)
	q.depth.Store(int64(q.elements))
	return nil
}

// TryReadSlot returns the frame at the front if one is buffered and has aged
// strictly past the readiness delay.
func (q *Queue) TryReadSlot() (*media.Frame, bool) {
	if !q.frameToRead() {
		return nil, false
	}
	return q.frames[q.front], true
}

// CommitRead retires the front slot.
func (q *Queue) CommitRead() error {
	if q.elements <= 0 {
		return ErrQueueEmpty
	}
	q.frames[q.front].Consumed = true
	q.front = (q.front + 1) % q.max
	q.elements--
	q.read.Add(1)
	q.depth.Store(int64(q.elements))
	return nil
}

// DiscardNewest rewinds the rear by one slot when the queue is full, dropping
// the most recently written frame. It reports whether a frame was dropped.
func (q *Queue) DiscardNewest() bool {
	if q.elements != q.max {
		return false
	}
	q.rear = (q.rear + q.max - 1) % q.max
	q.elements--
	q.dropped.Add(1)
	q.depth.Store(int64(q.elements))
	q.log.Debug("frame discarded", "seq", q.frames[q.rear].SequenceNumber)
	return true
}

// ForcedWriteSlot always returns a writable slot, discarding the newest
// frames as needed. It returns the number of frames dropped to make room.
func (q *Queue) ForcedWriteSlot() (*media.Frame, int) {
	dropped := 0
	for {
		if f, ok := q.TryWriteSlot(); ok {
			return f, dropped
		}
		if q.DiscardNewest() {
			dropped++
		}
	}
}

// ForcedReadSlot returns the front frame when it is ready, with fresh set.
// Otherwise it returns the most recently retired slot (front-1) with fresh
// false; the caller must not assume that frame is new and must not call
// CommitRead for it.
func (q *Queue) ForcedReadSlot() (f *media.Frame, fresh bool) {
	if f, ok := q.TryReadSlot(); ok {
		return f, true
	}
	f = q.frames[(q.front+q.max-1)%q.max]
	q.reused.Add(1)
	q.log.Debug("frame reused", "seq", f.SequenceNumber)
	return f, false
}

func (q *Queue) frameToRead() bool {
	if q.elements <= 0 {
		return false
	}
	return q.now().Sub(q.frames[q.front].UpdatedAt) > q.delay
}

// SetDelay changes the read-readiness delay. Negative values are rejected.
func (q *Queue) SetDelay(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("framequeue: negative delay %v", d)
	}
	q.delay = d
	return nil
}

// Delay returns the read-readiness delay.
func (q *Queue) Delay() time.Duration { return q.delay }

// Len returns the number of buffered frames.
func (q *Queue) Len() int { return q.elements }

// Cap returns the slot count.
func (q *Queue) Cap() int { return q.max }

// Empty reports whether no frames are buffered.
func (q *Queue) Empty() bool { return q.elements == 0 }

// Full reports whether every slot is buffered.
func (q *Queue) Full() bool { return q.elements == q.max }

// Stats returns a snapshot of the queue counters. Safe to call from any
// goroutine.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:    int(q.depth.Load()),
		Capacity: q.max,
		Written:  q.written.Load(),
		Read:     q.read.Load(),
		Dropped:  q.dropped.Load(),
		Reused:   q.reused.Load(),
	}
}
