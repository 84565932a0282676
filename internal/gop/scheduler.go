// Package gop decides when an encoder must emit a synchronization (key)
// frame based on media time rather than frame count.
package gop

import (
	"fmt"
	"time"
)

// DefaultMinQuantum is the floor applied to non-zero quanta so GOPs never
// degenerate below a usable length.
const DefaultMinQuantum = time.Second

// Scheduler tracks the next scheduled keyframe boundary. It starts
// unanchored; the first observed frame anchors it and is treated as the
// start of the first GOP. A zero quantum disables time-based forcing.
type Scheduler struct {
	quantum    time.Duration
	minQuantum time.Duration
	reference  time.Duration
	anchored   bool
	forced     uint64
}

// New creates a scheduler with the given quantum, clamped to
// DefaultMinQuantum when non-zero.
func New(quantum time.Duration) (*Scheduler, error) {
	s := &Scheduler{minQuantum: DefaultMinQuantum}
	if err := s.SetQuantum(quantum); err != nil {
		return nil, err
	}
	return s, nil
}

// Observe reports whether the frame at pts crosses the scheduled boundary
// and the encoder must force a synchronization frame. The signal is one-shot.
func (s *Scheduler) Observe(pts time.Duration) bool {
	if s.quantum == 0 {
		return false
	}
	if !s.anchored {
		s.reference = pts + s.quantum
		s.anchored = true
		return false
	}
	if s.reference-pts > 0 {
		return false
	}
	// One boundary per forced frame. After a gap the following frames keep
	// forcing until the schedule catches up with media time.
	s.reference += s.quantum
	s.forced++
	return true
}

// SetQuantum changes the GOP duration. Non-zero values below the floor are
// clamped up to it; zero disables forcing.
func (s *Scheduler) SetQuantum(q time.Duration) error {
	if q < 0 {
		return fmt.Errorf("gop: negative quantum %v", q)
	}
	if q > 0 && q < s.minQuantum {
		q = s.minQuantum
	}
	s.quantum = q
	return nil
}

// SetMinQuantum changes the floor and re-applies it to the current quantum.
func (s *Scheduler) SetMinQuantum(floor time.Duration) error {
	if floor <= 0 {
		return fmt.Errorf("gop: invalid quantum floor %v", floor)
	}
	s.minQuantum = floor
	return s.SetQuantum(s.quantum)
}

// SetReference anchors the scheduler so the next boundary is at ref. Used
// to align keyframes across several encoders.
func (s *Scheduler) SetReference(ref time.Duration) {
	s.reference = ref
	s.anchored = true
}

// Reset returns the scheduler to the unanchored state.
func (s *Scheduler) Reset() {
	s.reference = 0
	s.anchored = false
}

// Quantum returns the effective quantum.
func (s *Scheduler) Quantum() time.Duration { return s.quantum }

// MinQuantum returns the configured floor.
func (s *Scheduler) MinQuantum() time.Duration { return s.minQuantum }

// Reference returns the next scheduled boundary and whether it is anchored.
func (s *Scheduler) Reference() (time.Duration, bool) { return s.reference, s.anchored }

// Forced returns how many boundaries have been signaled.
func (s *Scheduler) Forced() uint64 { return s.forced }
