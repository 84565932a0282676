// Package sink delivers fMP4 output to its destinations: a directory on
// disk with an HLS playlist, or a remote receiver over QUIC.
package sink

import (
	"context"
	"errors"

	"github.com/zsiec/metronome/internal/segmenter"
)

// Sink consumes one initialization segment followed by media segments.
type Sink interface {
	WriteInit(ctx context.Context, init []byte) error
	WriteSegment(ctx context.Context, seg *segmenter.Segment) error
	Close() error
}

// Tee fans every write out to all sinks. Writes continue past a failing
// sink and the errors are joined.
type Tee []Sink

func (t Tee) WriteInit(ctx context.Context, init []byte) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.WriteInit(ctx, init))
	}
	return errors.Join(errs...)
}

func (t Tee) WriteSegment(ctx context.Context, seg *segmenter.Segment) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.WriteSegment(ctx, seg))
	}
	return errors.Join(errs...)
}

func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
