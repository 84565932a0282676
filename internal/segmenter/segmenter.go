// Package segmenter packages coded H.264 access units into fragmented MP4:
// one initialization segment carrying the decoder configuration and a run
// of media segments, each starting on a sync sample.
//
// Sample timing comes from a segclock.Clock, so decode times and durations
// are whole ticks of the track timescale and the summed durations of a
// segment never drift from the media time they cover.
package segmenter

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/metronome/internal/avc"
	"github.com/zsiec/metronome/internal/segclock"
	"github.com/zsiec/metronome/media"
)

// DefaultTargetDuration is the minimum media time a segment covers before
// it may be cut at the next sync sample.
const DefaultTargetDuration = 2 * time.Second

const videoTrackID = 1

var errNotH264 = errors.New("segmenter: frame is not h264")

// Segment is one fMP4 media segment (moof+mdat).
type Segment struct {
	SequenceNumber uint32
	// BaseDecodeTime is the decode time of the first sample in track ticks,
	// relative to the first sample of the stream.
	BaseDecodeTime uint64
	StartPTS       time.Duration
	// Duration is the summed sample duration in track ticks.
	Duration  uint64
	Timescale uint32
	Samples   int
	Data      []byte
}

// Seconds returns the segment duration in seconds.
func (s *Segment) Seconds() float64 {
	if s.Timescale == 0 {
		return 0
	}
	return float64(s.Duration) / float64(s.Timescale)
}

// Result is what a single Push produced. Init is set once, when the
// parameter sets first become known; Segment is set when a segment closed.
type Result struct {
	Init    []byte
	Segment *Segment
}

// Stats is a snapshot of segmenter counters.
type Stats struct {
	Segments     uint64 `json:"segments"`
	Samples      uint64 `json:"samples"`
	Bytes        uint64 `json:"bytes"`
	Skipped      uint64 `json:"skipped"`
	ParamChanges uint64 `json:"paramChanges"`
	// Codec is the RFC 6381 codec string of the latched parameter sets.
	Codec string `json:"codec,omitempty"`
	// DecoderConfig is the AVC decoder configuration record a player needs
	// to join the stream.
	DecoderConfig []byte `json:"decoderConfig,omitempty"`
}

type trackInfo struct {
	codec  string
	record []byte
}

type heldSample struct {
	decodeTicks uint64
	dts         time.Duration
	pts         time.Duration
	offset      int32
	sync        bool
	payload     []byte
}

// Segmenter accumulates samples for a single video track. Not safe for
// concurrent use.
type Segmenter struct {
	log    *slog.Logger
	clock  *segclock.Clock
	target time.Duration

	sps, pps []byte
	started  bool
	initial  time.Duration
	held     *heldSample
	lastDur  uint32

	samples  []*fmp4.Sample
	segBase  uint64
	segStart time.Duration
	seq      uint32

	segments     atomic.Uint64
	sampleCount  atomic.Uint64
	bytesOut     atomic.Uint64
	skipped      atomic.Uint64
	paramChanges atomic.Uint64
	track        atomic.Pointer[trackInfo]
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithLogger sets the segmenter logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Segmenter) {
		if log != nil {
			s.log = log.With("component", "segmenter")
		}
	}
}

// WithTargetDuration sets the minimum segment duration.
func WithTargetDuration(d time.Duration) Option {
	return func(s *Segmenter) {
		s.target = d
	}
}

// New creates a segmenter whose track timescale is frequency Hz.
func New(frequency uint32, opts ...Option) (*Segmenter, error) {
	clock, err := segclock.New(frequency)
	if err != nil {
		return nil, err
	}
	s := &Segmenter{
		log:    slog.Default().With("component", "segmenter"),
		clock:  clock,
		target: DefaultTargetDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.target <= 0 {
		return nil, fmt.Errorf("segmenter: invalid target duration %v", s.target)
	}
	return s, nil
}

// Push adds one coded access unit in decode order. Units that arrive before
// the first sync sample with parameter sets are skipped, since no decoder
// could start from them.
func (s *Segmenter) Push(f *media.Frame) (Result, error) {
	var res Result
	if f.Codec != "" && f.Codec != "h264" {
		return res, fmt.Errorf("%w: %q", errNotH264, f.Codec)
	}
	au, err := avc.Parse(f.Data)
	if err != nil {
		s.skipped.Add(1)
		return res, fmt.Errorf("segmenter: frame %d: %w", f.SequenceNumber, err)
	}

	if au.SPS != nil && au.PPS != nil {
		switch {
		case s.sps == nil:
			s.sps = bytes.Clone(au.SPS)
			s.pps = bytes.Clone(au.PPS)
			res.Init, err = s.marshalInit()
			if err != nil {
				s.sps, s.pps = nil, nil
				return Result{}, err
			}
			s.latchTrack()
		case !bytes.Equal(s.sps, au.SPS) || !bytes.Equal(s.pps, au.PPS):
			// The init segment is already out; a receiver keeps using it.
			s.paramChanges.Add(1)
			s.log.Warn("parameter sets changed mid-stream, keeping initial ones")
		}
	}

	if !s.started {
		if s.sps == nil || !au.IsIDR {
			s.skipped.Add(1)
			return res, nil
		}
		s.started = true
		s.initial = f.DecodeTime
	}

	cur := &heldSample{
		decodeTicks: s.clock.DecodeTime(f.DecodeTime, s.initial),
		dts:         f.DecodeTime,
		pts:         f.PresentationTime,
		offset:      offsetTicks(f.PresentationTime-f.DecodeTime, s.clock.Frequency()),
		sync:        au.IsIDR,
		payload:     avc.ToAVCC(au.NALUs),
	}

	if s.held != nil {
		d := s.clock.SegmentDuration(cur.dts, s.held.dts)
		s.appendHeld(d)
		s.lastDur = d
	}

	if cur.sync && len(s.samples) > 0 && s.clock.TotalDuration() >= s.targetTicks() {
		res.Segment, err = s.cut(s.clock.TakeTotalDuration())
		if err != nil {
			return res, err
		}
	}
	s.held = cur
	return res, nil
}

// Flush closes the pending segment at end of stream. The last sample has no
// successor, so it is given the duration of the one before it.
func (s *Segmenter) Flush() (*Segment, error) {
	if s.held == nil {
		return nil, nil
	}
	s.appendHeld(s.lastDur)
	s.held = nil
	return s.cut(s.clock.TakeTotalDuration() + uint64(s.lastDur))
}

func (s *Segmenter) appendHeld(duration uint32) {
	h := s.held
	if len(s.samples) == 0 {
		s.segBase = h.decodeTicks
		s.segStart = h.pts
	}
	s.samples = append(s.samples, &fmp4.Sample{
		Duration:        duration,
		PTSOffset:       h.offset,
		IsNonSyncSample: !h.sync,
		Payload:         h.payload,
	})
}

func (s *Segmenter) cut(duration uint64) (*Segment, error) {
	if len(s.samples) == 0 {
		return nil, nil
	}
	s.seq++
	part := fmp4.Part{
		SequenceNumber: s.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       videoTrackID,
			BaseTime: s.segBase,
			Samples:  s.samples,
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("segmenter: marshal segment %d: %w", s.seq, err)
	}

	seg := &Segment{
		SequenceNumber: s.seq,
		BaseDecodeTime: s.segBase,
		StartPTS:       s.segStart,
		Duration:       duration,
		Timescale:      s.clock.Frequency(),
		Samples:        len(s.samples),
		Data:           buf.Bytes(),
	}
	s.samples = nil

	s.segments.Add(1)
	s.sampleCount.Add(uint64(seg.Samples))
	s.bytesOut.Add(uint64(len(seg.Data)))
	s.log.Debug("segment closed",
		"seq", seg.SequenceNumber,
		"samples", seg.Samples,
		"duration_s", seg.Seconds(),
		"bytes", len(seg.Data))
	return seg, nil
}

func (s *Segmenter) marshalInit() ([]byte, error) {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: s.clock.Frequency(),
			Codec: &mp4.CodecH264{
				SPS: s.sps,
				PPS: s.pps,
			},
		}},
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("segmenter: marshal init: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Segmenter) targetTicks() uint64 {
	return uint64(s.target.Microseconds()) * uint64(s.clock.Frequency()) / 1_000_000
}

func (s *Segmenter) latchTrack() {
	info := &trackInfo{codec: avc.CodecString(s.sps)}
	rec, err := avc.DecoderConfig(s.sps, s.pps)
	if err != nil {
		s.log.Warn("building decoder configuration", "error", err)
	}
	info.record = rec
	s.track.Store(info)
	s.log.Info("parameter sets received", "codec", info.codec)
}

// DecoderConfig returns the AVC decoder configuration record for the
// latched parameter sets, or nil before they are known. Safe to call from
// any goroutine.
func (s *Segmenter) DecoderConfig() []byte {
	if t := s.track.Load(); t != nil {
		return t.record
	}
	return nil
}

// Stats returns segmenter counters. Safe to call from any goroutine.
func (s *Segmenter) Stats() Stats {
	var codec string
	var record []byte
	if t := s.track.Load(); t != nil {
		codec, record = t.codec, t.record
	}
	return Stats{
		Segments:      s.segments.Load(),
		Samples:       s.sampleCount.Load(),
		Bytes:         s.bytesOut.Load(),
		Skipped:       s.skipped.Load(),
		ParamChanges:  s.paramChanges.Load(),
		Codec:         codec,
		DecoderConfig: record,
	}
}

// offsetTicks converts a composition offset to ticks, rounding half-up.
func offsetTicks(d time.Duration, frequency uint32) int32 {
	if d <= 0 {
		return 0
	}
	return int32((d.Microseconds()*int64(frequency) + 500_000) / 1_000_000)
}
