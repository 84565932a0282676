// Package audio regroups planar PCM arriving in arbitrary chunk sizes into
// fixed-size blocks, the shape audio encoders consume.
package audio

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/metronome/internal/audiobuf"
	"github.com/zsiec/metronome/media"
)

// Defaults for NewRebuffer.
const (
	DefaultDepthBlocks = 8
	DefaultTolerance   = 100 * time.Millisecond
)

// Stats is a snapshot of rebuffer counters.
type Stats struct {
	Buffered       int    `json:"buffered"`
	Blocks         uint64 `json:"blocks"`
	DroppedSamples uint64 `json:"droppedSamples"`
	Resyncs        uint64 `json:"resyncs"`
}

// Config describes the PCM layout and block size.
type Config struct {
	Channels       int
	SampleRate     int
	BytesPerSample int
	BlockSamples   int
	// DepthBlocks is the ring capacity in blocks.
	DepthBlocks int
	// Tolerance is how far an incoming chunk's timestamp may stray from the
	// sample-count position before the buffer is resynchronized.
	Tolerance time.Duration
}

// Rebuffer is a live audio rebuffer. Push never blocks: when the ring is
// full the oldest audio is dropped to make room. Not safe for concurrent
// use; callers serialize Push and Pull.
type Rebuffer struct {
	log  *slog.Logger
	cfg  Config
	ring *audiobuf.RingBuffer

	anchored bool
	base     time.Duration
	consumed int64

	buffered atomic.Int64
	blocks   atomic.Uint64
	dropped  atomic.Uint64
	resyncs  atomic.Uint64
}

// NewRebuffer validates cfg and allocates the ring.
func NewRebuffer(cfg Config, log *slog.Logger) (*Rebuffer, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DepthBlocks == 0 {
		cfg.DepthBlocks = DefaultDepthBlocks
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	switch {
	case cfg.SampleRate <= 0:
		return nil, fmt.Errorf("audio: invalid sample rate %d", cfg.SampleRate)
	case cfg.BlockSamples <= 0:
		return nil, fmt.Errorf("audio: invalid block size %d", cfg.BlockSamples)
	case cfg.DepthBlocks < 2:
		return nil, fmt.Errorf("audio: ring must hold at least 2 blocks, got %d", cfg.DepthBlocks)
	}
	ring, err := audiobuf.New(cfg.Channels, cfg.BlockSamples*cfg.DepthBlocks, cfg.BytesPerSample)
	if err != nil {
		return nil, err
	}
	return &Rebuffer{
		log:  log.With("component", "audio-rebuffer"),
		cfg:  cfg,
		ring: ring,
	}, nil
}

// Push appends samples samples per plane, stamped with the presentation
// time of the first one.
func (r *Rebuffer) Push(pts time.Duration, planes [][]byte, samples int) error {
	if samples*r.cfg.BytesPerSample > r.ring.Capacity() {
		return fmt.Errorf("%w: chunk of %d samples", audiobuf.ErrCapacityExceeded, samples)
	}

	if !r.anchored {
		r.anchor(pts)
	} else if drift := pts - r.writePosition(); drift > r.cfg.Tolerance || drift < -r.cfg.Tolerance {
		r.resyncs.Add(1)
		r.log.Info("audio timestamp jump, resynchronizing",
			"drift", drift, "buffered_samples", r.ring.Samples())
		r.dropped.Add(uint64(r.ring.Samples()))
		r.ring.Reset()
		r.anchor(pts)
	}

	need := samples * r.cfg.BytesPerSample
	for r.ring.Free() < need {
		n := min(r.cfg.BlockSamples, r.ring.Samples())
		if err := r.ring.Discard(n); err != nil {
			return err
		}
		r.consumed += int64(n)
		r.dropped.Add(uint64(n))
		r.log.Debug("audio ring full, dropped oldest samples", "samples", n)
	}
	if err := r.ring.Append(planes, samples); err != nil {
		return err
	}
	r.buffered.Store(int64(r.ring.Samples()))
	return nil
}

// Pull fills b with the next block. It reports false when less than a full
// block is buffered. b's planes are reused when large enough.
func (r *Rebuffer) Pull(b *media.AudioBlock) (bool, error) {
	if r.ring.Samples() < r.cfg.BlockSamples {
		return false, nil
	}

	size := r.cfg.BlockSamples * r.cfg.BytesPerSample
	if len(b.Planes) != r.cfg.Channels {
		b.Planes = make([][]byte, r.cfg.Channels)
	}
	for i := range b.Planes {
		if cap(b.Planes[i]) < size {
			b.Planes[i] = make([]byte, size)
		}
		b.Planes[i] = b.Planes[i][:size]
	}

	if err := r.ring.Consume(b.Planes, r.cfg.BlockSamples); err != nil {
		return false, err
	}
	b.PTS = r.position(r.consumed)
	b.SampleCount = r.cfg.BlockSamples
	b.SampleRate = r.cfg.SampleRate
	b.BytesPerSample = r.cfg.BytesPerSample
	r.consumed += int64(r.cfg.BlockSamples)
	r.blocks.Add(1)
	r.buffered.Store(int64(r.ring.Samples()))
	return true, nil
}

func (r *Rebuffer) anchor(pts time.Duration) {
	r.anchored = true
	r.base = pts
	r.consumed = 0
}

// writePosition is the presentation time the next pushed sample should have.
func (r *Rebuffer) writePosition() time.Duration {
	return r.position(r.consumed + int64(r.ring.Samples()))
}

func (r *Rebuffer) position(samples int64) time.Duration {
	return r.base + time.Duration(samples)*time.Second/time.Duration(r.cfg.SampleRate)
}

// Stats returns rebuffer counters. Safe to call from any goroutine.
func (r *Rebuffer) Stats() Stats {
	return Stats{
		Buffered:       int(r.buffered.Load()),
		Blocks:         r.blocks.Load(),
		DroppedSamples: r.dropped.Load(),
		Resyncs:        r.resyncs.Load(),
	}
}
