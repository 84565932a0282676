// Package pipeline runs one stream end to end: ingest frames into a slot
// queue, pace them through the encoder stage, segment the coded output and
// hand segments to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/metronome/internal/encoder"
	"github.com/zsiec/metronome/internal/framequeue"
	"github.com/zsiec/metronome/internal/ingest"
	"github.com/zsiec/metronome/internal/metrics"
	"github.com/zsiec/metronome/internal/mpegts"
	"github.com/zsiec/metronome/internal/reorder"
	"github.com/zsiec/metronome/internal/segmenter"
	"github.com/zsiec/metronome/internal/sink"
	"github.com/zsiec/metronome/media"
)

// Timescale is the fMP4 track timescale used for video.
const Timescale = 90000

// Config tunes a Pipeline.
type Config struct {
	StreamKey string
	// QueueSize is the slot count between ingest and encoder.
	QueueSize int
	// QueueDelay holds each frame in the queue before it becomes readable.
	QueueDelay time.Duration
	// TargetDuration is the minimum segment length.
	TargetDuration time.Duration
	// Repeat re-encodes the last frame when the queue starves on a tick,
	// keeping output cadence constant. Only meaningful for encoders that
	// take raw pictures; coded passthrough input must not be repeated.
	Repeat bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = media.VideoQueueSize
	}
	if c.TargetDuration <= 0 {
		c.TargetDuration = segmenter.DefaultTargetDuration
	}
	return c
}

// Stats is a snapshot of one pipeline.
type Stats struct {
	StreamKey string             `json:"streamKey"`
	UptimeMs  int64              `json:"uptimeMs"`
	Queue     framequeue.Stats   `json:"queue"`
	Encoder   encoder.Stats      `json:"encoder"`
	Segmenter segmenter.Stats    `json:"segmenter"`
	Ingest    ingest.SourceStats `json:"ingest"`
	Repeated  uint64             `json:"repeated"`
	SinkErrs  uint64             `json:"sinkErrors"`
}

// Pipeline wires the stages of one stream. Create one per session.
type Pipeline struct {
	log     *slog.Logger
	cfg     Config
	queue   *framequeue.Shared
	source  *ingest.Source
	stage   *encoder.Stage
	seg     *segmenter.Segmenter
	out     sink.Sink
	metrics *metrics.Metrics
	start   time.Time

	repeated atomic.Uint64
	sinkErrs atomic.Uint64
}

// New builds a pipeline around stage writing to out. m may be nil.
func New(cfg Config, stage *encoder.Stage, out sink.Sink, m *metrics.Metrics, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	log = log.With("component", "pipeline", "stream", cfg.StreamKey)

	q, err := framequeue.New(cfg.QueueSize,
		framequeue.WithDelay(cfg.QueueDelay),
		framequeue.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	seg, err := segmenter.New(Timescale,
		segmenter.WithTargetDuration(cfg.TargetDuration),
		segmenter.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	queue := framequeue.NewShared(q)
	return &Pipeline{
		log:     log,
		cfg:     cfg,
		queue:   queue,
		source:  ingest.NewSource(queue, log),
		stage:   stage,
		seg:     seg,
		out:     out,
		metrics: m,
		start:   time.Now(),
	}, nil
}

// Stage returns the encoder stage for runtime control.
func (p *Pipeline) Stage() *encoder.Stage { return p.stage }

// Stats returns counters from every stage.
func (p *Pipeline) Stats() Stats {
	return Stats{
		StreamKey: p.cfg.StreamKey,
		UptimeMs:  time.Since(p.start).Milliseconds(),
		Queue:     p.queue.Stats(),
		Encoder:   p.stage.Stats(),
		Segmenter: p.seg.Stats(),
		Ingest:    p.source.Stats(),
		Repeated:  p.repeated.Load(),
		SinkErrs:  p.sinkErrs.Load(),
	}
}

// Run demuxes input and drives the worker until input ends or ctx is
// cancelled. At end of input every buffered frame is encoded, the encoder
// drained, and the final segment flushed. Input without any video is not
// an error.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) error {
	if p.metrics != nil {
		detach := p.metrics.Attach(p.cfg.StreamKey, metrics.Sources{
			Queue:     p.queue.Stats,
			Encoder:   p.stage.Stats,
			Segmenter: p.seg.Stats,
			Ingest:    p.source.Stats,
		})
		defer detach()
	}

	if c, ok := input.(io.Closer); ok {
		// Unblocks a source waiting on a live connection.
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	p.log.Info("pipeline started", "repeat", p.cfg.Repeat, "queue", p.cfg.QueueSize)
	sourceDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(sourceDone)
		err := p.source.Run(gctx, input)
		if err != nil && ctx.Err() != nil {
			// Closing the input on shutdown surfaces as a read error.
			return ctx.Err()
		}
		if errors.Is(err, mpegts.ErrNoVideo) {
			p.log.Warn("input carried no video")
			return nil
		}
		return err
	})
	g.Go(func() error {
		return p.work(gctx, sourceDone)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	st := p.Stats()
	p.log.Info("pipeline stopped",
		"frames_in", st.Ingest.Frames, "encoded", st.Encoder.Encoded,
		"segments", st.Segmenter.Segments, "dropped", st.Queue.Dropped,
		"repeated", st.Repeated, "error", err)
	return err
}

func (p *Pipeline) work(ctx context.Context, sourceDone <-chan struct{}) error {
	period := p.stage.Config().FrameTime()
	tick := time.NewTicker(period)
	defer tick.Stop()

	w := worker{p: p}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sourceDone:
			if err := w.finish(ctx); err != nil {
				return err
			}
			return nil
		case <-p.queue.Ready():
			if !p.cfg.Repeat {
				if err := w.drainReady(ctx); err != nil {
					return err
				}
			}
		case <-tick.C:
			var err error
			if p.cfg.Repeat {
				err = w.paced(ctx)
			} else {
				err = w.drainReady(ctx)
			}
			if err != nil {
				return err
			}
			period = p.retime(tick, period)
		}
	}
}

// retime resets tick when the stage's frame rate was changed at runtime and
// returns the period now in effect.
func (p *Pipeline) retime(tick *time.Ticker, period time.Duration) time.Duration {
	ft := p.stage.Config().FrameTime()
	if ft <= 0 || ft == period {
		return period
	}
	tick.Reset(ft)
	p.log.Info("output cadence changed", "from", period, "to", ft)
	return ft
}

// worker holds the frames owned by the worker goroutine.
type worker struct {
	p         *Pipeline
	in, coded media.Frame
	last      time.Duration
	have      bool
}

// drainReady encodes every frame that has aged past the queue delay.
func (w *worker) drainReady(ctx context.Context) error {
	for {
		ok, err := w.p.queue.Read(&w.in)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := w.encode(ctx); err != nil {
			return err
		}
	}
}

// paced encodes exactly one frame per tick, repeating the previous picture
// with an advanced timestamp when nothing new is ready.
func (w *worker) paced(ctx context.Context) error {
	fresh, err := w.p.queue.ReadForced(&w.in)
	if err != nil {
		return err
	}
	if !fresh {
		if !w.have {
			return nil
		}
		ft := w.p.stage.Config().FrameTime()
		w.in.PresentationTime = w.last + ft
		w.in.DecodeTime += ft
		w.p.repeated.Add(1)
		if w.p.metrics != nil {
			w.p.metrics.FrameRepeated(w.p.cfg.StreamKey)
		}
	}
	return w.encode(ctx)
}

func (w *worker) encode(ctx context.Context) error {
	if w.have && w.in.PresentationTime <= w.last && w.p.cfg.Repeat {
		// A late fresh frame behind a run of repeats would step time back.
		w.p.log.Debug("skipping frame behind repeated output", "seq", w.in.SequenceNumber)
		return nil
	}
	w.last, w.have = w.in.PresentationTime, true

	ok, err := w.p.stage.Process(&w.in, &w.coded)
	switch {
	case errors.Is(err, reorder.ErrLookupMiss):
		return nil
	case err != nil:
		w.p.log.Warn("encode failed", "seq", w.in.SequenceNumber, "error", err)
		return nil
	case !ok:
		return nil
	}
	return w.segment(ctx)
}

func (w *worker) segment(ctx context.Context) error {
	res, err := w.p.seg.Push(&w.coded)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if res.Init != nil {
		w.p.deliver(func() error { return w.p.out.WriteInit(ctx, res.Init) }, "init")
	}
	if res.Segment != nil {
		w.p.deliverSegment(ctx, res.Segment)
	}
	return nil
}

// finish encodes what is left in the queue, drains the encoder, and flushes
// the last segment.
func (w *worker) finish(ctx context.Context) error {
	for w.p.queue.Stats().Depth > 0 {
		if err := w.drainReady(ctx); err != nil {
			return err
		}
		if w.p.queue.Stats().Depth == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	for {
		ok, err := w.p.stage.Drain(&w.coded)
		if err != nil && !errors.Is(err, reorder.ErrLookupMiss) {
			return err
		}
		if !ok {
			if err != nil {
				continue
			}
			break
		}
		if err := w.segment(ctx); err != nil {
			return err
		}
	}

	last, err := w.p.seg.Flush()
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if last != nil {
		w.p.deliverSegment(ctx, last)
	}
	return nil
}

func (p *Pipeline) deliverSegment(ctx context.Context, s *segmenter.Segment) {
	p.log.Debug("segment ready", "seq", s.SequenceNumber, "samples", s.Samples,
		"seconds", s.Seconds(), "bytes", len(s.Data))
	p.deliver(func() error { return p.out.WriteSegment(ctx, s) }, "segment")
}

// deliver runs a sink write. Failures are counted and logged; a live
// pipeline keeps going when a destination misbehaves.
func (p *Pipeline) deliver(write func() error, what string) {
	if err := write(); err != nil {
		p.sinkErrs.Add(1)
		if p.metrics != nil {
			p.metrics.SinkError(p.cfg.StreamKey)
		}
		p.log.Error("sink write failed", "what", what, "error", err)
	}
}
