package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/metronome/internal/avc"
	"github.com/zsiec/metronome/internal/framequeue"
	"github.com/zsiec/metronome/internal/mpegts"
	"github.com/zsiec/metronome/media"
)

// SourceStats counts what a Source delivered to its queue.
type SourceStats struct {
	Frames    uint64
	Keyframes uint64
	Dropped   uint64
	Demux     mpegts.DemuxStats
}

// Source turns a transport stream into coded video frames written to a
// shared frame queue. Timestamps are rebased so the first access unit's
// decode time is zero.
type Source struct {
	log *slog.Logger
	out *framequeue.Shared
	now func() time.Time

	frames    atomic.Uint64
	keyframes atomic.Uint64
	dropped   atomic.Uint64

	mu    sync.Mutex
	demux mpegts.DemuxStats
}

// NewSource creates a Source writing into out.
func NewSource(out *framequeue.Shared, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log: log.With("component", "ingest-source"),
		out: out,
		now: time.Now,
	}
}

// Run demuxes r until it ends or ctx is cancelled. End of input is not an
// error.
func (s *Source) Run(ctx context.Context, r io.Reader) error {
	d := mpegts.NewDemuxer(ctx, r, s.log)
	vr := mpegts.NewVideoReader(d)

	var (
		base    time.Duration
		started bool
		seq     uint64
		frame   media.Frame
	)
	defer func() {
		s.mu.Lock()
		s.demux = d.Stats()
		s.mu.Unlock()
	}()

	for {
		au, err := vr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("input ended", "frames", s.frames.Load())
				return nil
			}
			return fmt.Errorf("ingest: reading video: %w", err)
		}
		if len(au.Data) == 0 {
			continue
		}
		if !started {
			base, started = au.DTS, true
		}

		seq++
		frame.PresentationTime = au.PTS - base
		frame.DecodeTime = au.DTS - base
		frame.OriginTime = s.now()
		frame.SequenceNumber = seq
		frame.IsKeyframe = avc.IsSync(au.Data)
		frame.Codec = "h264"
		frame.Data = au.Data

		dropped, err := s.out.Write(&frame)
		if err != nil {
			return fmt.Errorf("ingest: queueing frame %d: %w", seq, err)
		}
		s.frames.Add(1)
		if frame.IsKeyframe {
			s.keyframes.Add(1)
		}
		if dropped > 0 {
			s.dropped.Add(uint64(dropped))
			s.log.Debug("queue full, dropped newest", "seq", seq, "dropped", dropped)
		}

		if seq%256 == 0 {
			s.mu.Lock()
			s.demux = d.Stats()
			s.mu.Unlock()
		}
	}
}

// Stats returns delivery counters. Demux counters are refreshed
// periodically while running and once at exit.
func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	demux := s.demux
	s.mu.Unlock()
	return SourceStats{
		Frames:    s.frames.Load(),
		Keyframes: s.keyframes.Load(),
		Dropped:   s.dropped.Load(),
		Demux:     demux,
	}
}
