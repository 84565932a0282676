// Package reorder keeps the timing metadata of frames that are in flight
// inside a stateful encoder. An encoder with lookahead or B-frames emits
// output in a different order than input was submitted; the set is keyed by
// the submission index so the stage can reattach the right presentation,
// origin, and sequence values to each output.
//
// The set is keyed, not ordered. Callers that need FIFO semantics over the
// indices track the index order themselves.
package reorder

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. ErrLookupMiss indicates a pipeline ordering bug upstream:
// the output frame it belongs to must be dropped, never emitted with
// fabricated timing.
var (
	ErrDuplicateIndex = errors.New("reorder: index already recorded")
	ErrLookupMiss     = errors.New("reorder: index not recorded")
)

// Record is the timing metadata captured at submission.
type Record struct {
	PresentationTime time.Duration
	// DecodeTime is the decode time the frame arrived with, if any.
	DecodeTime     time.Duration
	OriginTime     time.Time
	SequenceNumber uint64
}

// IndexError carries the index that caused a failed Record or Retrieve.
type IndexError struct {
	Index int64
	Err   error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%v: %d", e.Err, e.Index)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Set maps submission indices to timing records.
type Set struct {
	records    map[int64]Record
	misses     uint64
	duplicates uint64
}

// New creates an empty Set.
func New() *Set {
	return &Set{records: make(map[int64]Record)}
}

// Record stores r under index. A live index is rejected with
// ErrDuplicateIndex and the existing record is kept.
func (s *Set) Record(index int64, r Record) error {
	if _, ok := s.records[index]; ok {
		s.duplicates++
		return &IndexError{Index: index, Err: ErrDuplicateIndex}
	}
	s.records[index] = r
	return nil
}

// Retrieve returns the record for index, or ErrLookupMiss.
func (s *Set) Retrieve(index int64) (Record, error) {
	r, ok := s.records[index]
	if !ok {
		s.misses++
		return Record{}, &IndexError{Index: index, Err: ErrLookupMiss}
	}
	return r, nil
}

// Release removes index. Releasing an absent index is a no-op and reports false.
func (s *Set) Release(index int64) bool {
	if _, ok := s.records[index]; !ok {
		return false
	}
	delete(s.records, index)
	return true
}

// Len returns the number of in-flight records.
func (s *Set) Len() int { return len(s.records) }

// Misses returns how many Retrieve calls failed.
func (s *Set) Misses() uint64 { return s.misses }

// Duplicates returns how many Record calls were rejected.
func (s *Set) Duplicates() uint64 { return s.duplicates }

// Reset drops all records, used when the encoder is re-created.
func (s *Set) Reset() {
	clear(s.records)
}
