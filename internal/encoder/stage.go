// Package encoder wraps an external video encoder with the timing handshake
// a live pipeline needs around it: time-based keyframe forcing, recovery of
// presentation and decode timestamps after the encoder reorders frames
// internally, and runtime reconfiguration through named events.
package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/metronome/internal/gop"
	"github.com/zsiec/metronome/internal/reorder"
	"github.com/zsiec/metronome/media"
)

var errNilFrame = errors.New("encoder: nil frame")

// Output is one unit of coded data returned by an Encoder. DisplayIndex is
// the submission index of the picture the output presents; DecodeIndex is
// the submission index whose presentation time is the output's decode time.
// The two differ when the encoder uses B-frames. A reordering encoder shifts
// DecodeIndex back by its reorder delay, so its first outputs report
// negative decode indices.
//
// An encoder that forwards already coded units sets Coded and reports the
// unit's own index for both; the output then keeps the decode time the
// unit was submitted with, so B-frames arriving in decode order stay in
// decode order.
type Output struct {
	Data         []byte
	Keyframe     bool
	DisplayIndex int64
	DecodeIndex  int64
	Coded        bool
}

// Encoder is the external codec. Encode submits one raw frame under index
// and returns coded output when the encoder has some ready.
type Encoder interface {
	Configure(cfg Config) error
	Encode(in *media.Frame, index int64, forceSync bool) (Output, bool, error)
}

// Drainer is implemented by encoders that hold delayed output which can be
// flushed at end of stream.
type Drainer interface {
	Drain() (Output, bool, error)
}

// Stats is a snapshot of stage counters.
type Stats struct {
	Submitted       uint64 `json:"submitted"`
	Encoded         uint64 `json:"encoded"`
	LookupMisses    uint64 `json:"lookupMisses"`
	ForcedKeyframes uint64 `json:"forcedKeyframes"`
	InFlight        int64  `json:"inFlight"`
}

// State is the externally visible configuration and timing state.
type State struct {
	Config
	GopTimeMs int64  `json:"gopTime"`
	RefTime   string `json:"refTime"`
	Anchored  bool   `json:"anchored"`
	InFlight  int    `json:"inFlight"`
}

// Stage drives an Encoder. Process is called from one worker goroutine;
// the event methods may be called concurrently from a control goroutine.
type Stage struct {
	log   *slog.Logger
	enc   Encoder
	codec string

	mu          sync.Mutex
	cfg         Config
	minGopTime  time.Duration
	needsConfig bool
	forceIntra  bool
	gop         *gop.Scheduler
	timestamps  *reorder.Set
	inIndex     int64
	firstPTS    time.Duration

	submitted       atomic.Uint64
	encoded         atomic.Uint64
	misses          atomic.Uint64
	forcedKeyframes atomic.Uint64
	inFlight        atomic.Int64
}

// Option configures a Stage.
type Option func(*Stage)

// WithLogger sets the stage logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Stage) {
		if log != nil {
			s.log = log.With("component", "encoder")
		}
	}
}

// WithMinGopTime overrides the floor applied to a non-zero GopTime.
func WithMinGopTime(floor time.Duration) Option {
	return func(s *Stage) {
		s.minGopTime = floor
	}
}

// WithCodec sets the codec name stamped on output frames.
func WithCodec(codec string) Option {
	return func(s *Stage) {
		s.codec = codec
	}
}

// NewStage validates cfg and creates a stage around enc.
func NewStage(enc Encoder, cfg Config, opts ...Option) (*Stage, error) {
	if enc == nil {
		return nil, errors.New("encoder: nil encoder")
	}
	s := &Stage{
		log:        slog.Default().With("component", "encoder"),
		enc:        enc,
		codec:      "h264",
		minGopTime: gop.DefaultMinQuantum,
		timestamps: reorder.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sched, err := gop.New(0)
	if err != nil {
		return nil, err
	}
	if err := sched.SetMinQuantum(s.minGopTime); err != nil {
		return nil, err
	}
	s.gop = sched
	s.apply(cfg)
	return s, nil
}

// apply installs a validated configuration. Caller holds mu or owns s.
func (s *Stage) apply(cfg Config) {
	cfg = cfg.normalize(s.minGopTime)
	// SetQuantum only fails on negative values, which Validate rejects.
	_ = s.gop.SetQuantum(cfg.GopTime)
	s.cfg = cfg
	s.needsConfig = true
}

// Process submits in to the encoder and, when the encoder produced output,
// fills out with the coded data and recovered timing. It reports whether out
// was filled. An output whose timing cannot be recovered is dropped and the
// returned error wraps reorder.ErrLookupMiss.
func (s *Stage) Process(in, out *media.Frame) (bool, error) {
	if in == nil || out == nil {
		return false, errNilFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.needsConfig {
		if err := s.enc.Configure(s.cfg); err != nil {
			return false, fmt.Errorf("encoder: configure: %w", err)
		}
		s.needsConfig = false
	}

	if s.gop.Observe(in.PresentationTime) {
		s.forceIntra = true
		s.forcedKeyframes.Add(1)
	}

	index := s.inIndex
	if index == 0 {
		s.firstPTS = in.PresentationTime
	}
	err := s.timestamps.Record(index, reorder.Record{
		PresentationTime: in.PresentationTime,
		DecodeTime:       in.DecodeTime,
		OriginTime:       in.OriginTime,
		SequenceNumber:   in.SequenceNumber,
	})
	if err != nil {
		return false, err
	}
	s.inIndex++
	s.submitted.Add(1)

	force := s.forceIntra
	s.forceIntra = false
	defer func() { s.inFlight.Store(int64(s.timestamps.Len())) }()

	o, ok, err := s.enc.Encode(in, index, force)
	if err != nil {
		s.timestamps.Release(index)
		s.forceIntra = force
		return false, fmt.Errorf("encoder: encode frame %d: %w", in.SequenceNumber, err)
	}
	if !ok {
		return false, nil
	}
	return s.emit(o, out)
}

// Drain flushes one delayed output from the encoder, if it supports it.
func (s *Stage) Drain(out *media.Frame) (bool, error) {
	d, ok := s.enc.(Drainer)
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.inFlight.Store(int64(s.timestamps.Len())) }()

	o, ok, err := d.Drain()
	if err != nil {
		return false, fmt.Errorf("encoder: drain: %w", err)
	}
	if !ok {
		return false, nil
	}
	return s.emit(o, out)
}

func (s *Stage) emit(o Output, out *media.Frame) (bool, error) {
	disp, dispErr := s.timestamps.Retrieve(o.DisplayIndex)
	var (
		dec    reorder.Record
		decErr error
	)
	if o.DecodeIndex < 0 {
		// Pre-roll of a reordering encoder: the decode time lies before the
		// first submission and is extrapolated from the nominal frame time.
		dec.PresentationTime = s.firstPTS + time.Duration(o.DecodeIndex)*s.cfg.FrameTime()
	} else {
		dec, decErr = s.timestamps.Retrieve(o.DecodeIndex)
		s.timestamps.Release(o.DecodeIndex)
	}

	if err := errors.Join(dispErr, decErr); err != nil {
		s.misses.Add(1)
		s.log.Warn("dropping encoded frame with unknown timing",
			"display_index", o.DisplayIndex,
			"decode_index", o.DecodeIndex,
			"error", err)
		return false, err
	}

	out.SetData(o.Data)
	out.PresentationTime = disp.PresentationTime
	out.DecodeTime = dec.PresentationTime
	if o.Coded {
		out.DecodeTime = dec.DecodeTime
	}
	out.OriginTime = disp.OriginTime
	out.SequenceNumber = disp.SequenceNumber
	out.IsKeyframe = o.Keyframe
	out.Codec = s.codec
	s.encoded.Add(1)
	return true, nil
}

// Configure merges p over the current configuration. An invalid result is
// rejected and the previous configuration stays in effect.
func (s *Stage) Configure(p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := p.Apply(s.cfg)
	if err := next.Validate(); err != nil {
		s.log.Warn("rejecting encoder configuration", "error", err)
		return err
	}
	s.apply(next)
	s.log.Info("encoder reconfigured",
		"bitrate", s.cfg.Bitrate, "fps", s.cfg.FPS, "gop", s.cfg.GOP,
		"gop_time", s.cfg.GopTime, "preset", s.cfg.Preset)
	return nil
}

// ForceIntra requests a synchronization frame on the next submission.
func (s *Stage) ForceIntra() {
	s.mu.Lock()
	s.forceIntra = true
	s.mu.Unlock()
}

// SetGopReference anchors the time-based GOP boundary at ref.
func (s *Stage) SetGopReference(ref time.Duration) {
	s.mu.Lock()
	s.gop.SetReference(ref)
	s.mu.Unlock()
}

// Config returns the current configuration.
func (s *Stage) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State returns the configuration and GOP timing state.
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, anchored := s.gop.Reference()
	return State{
		Config:    s.cfg,
		GopTimeMs: s.cfg.GopTime.Milliseconds(),
		RefTime:   fmt.Sprintf("%d", ref.Microseconds()),
		Anchored:  anchored,
		InFlight:  s.timestamps.Len(),
	}
}

// Stats returns stage counters. Safe to call from any goroutine.
func (s *Stage) Stats() Stats {
	return Stats{
		Submitted:       s.submitted.Load(),
		Encoded:         s.encoded.Load(),
		LookupMisses:    s.misses.Load(),
		ForcedKeyframes: s.forcedKeyframes.Load(),
		InFlight:        s.inFlight.Load(),
	}
}
