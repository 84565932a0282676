package mpegts

import (
	"errors"
	"io"
	"time"
)

// ClockRate is the MPEG-TS PTS/DTS clock.
const ClockRate = 90000

const timestampWrap = int64(1) << 33

// ErrNoVideo is returned when the stream ends before a video PID is found.
var ErrNoVideo = errors.New("mpegts: no H.264 stream in program")

// Unwrapper extends 33-bit timestamps into a monotonic 64-bit timeline.
// A step of more than half the wrap period is taken as a wrap in the
// direction that keeps the timeline continuous.
type Unwrapper struct {
	started bool
	last    int64
	offset  int64
}

// Unwrap returns ts placed on the extended timeline.
func (u *Unwrapper) Unwrap(ts int64) int64 {
	ts &= timestampWrap - 1
	if u.started {
		switch diff := ts - u.last; {
		case diff < -timestampWrap/2:
			u.offset += timestampWrap
		case diff > timestampWrap/2:
			u.offset -= timestampWrap
		}
	}
	u.started = true
	u.last = ts
	return ts + u.offset
}

// TicksToDuration converts 90 kHz ticks to a time.Duration.
func TicksToDuration(ticks int64) time.Duration {
	sec := ticks / ClockRate
	rem := ticks % ClockRate
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/ClockRate
}

// AccessUnit is one coded video access unit with unwrapped timestamps on
// the 90 kHz clock converted to durations.
type AccessUnit struct {
	PTS  time.Duration
	DTS  time.Duration
	Data []byte
}

// VideoReader pulls H.264 access units out of a demuxed stream. It follows
// the first program's first H.264 stream.
type VideoReader struct {
	d       *Demuxer
	program uint16
	pid     uint16
	found   bool
	pts     Unwrapper
	dts     Unwrapper
	lastPTS int64
}

// NewVideoReader creates a reader over d.
func NewVideoReader(d *Demuxer) *VideoReader {
	return &VideoReader{d: d}
}

// Next returns the next access unit. PES packets without a PTS reuse the
// last one seen. It returns ErrNoVideo if input ends before any video
// stream was announced, otherwise io.EOF.
func (v *VideoReader) Next() (AccessUnit, error) {
	for {
		u, err := v.d.Next()
		if err != nil {
			if errors.Is(err, io.EOF) && !v.found {
				return AccessUnit{}, ErrNoVideo
			}
			return AccessUnit{}, err
		}

		switch {
		case u.PAT != nil && v.program == 0:
			for num := range u.PAT.Programs {
				if v.program == 0 || num < v.program {
					v.program = num
				}
			}
		case u.PMT != nil && !v.found && u.PMT.Program == v.program:
			if s, ok := u.PMT.Find(StreamTypeH264); ok {
				v.pid, v.found = s.PID, true
				v.d.log.Info("video stream selected", "pid", s.PID, "program", u.PMT.Program)
			}
		case u.PES != nil && v.found && u.PES.PID == v.pid:
			return v.unit(u.PES), nil
		}
	}
}

func (v *VideoReader) unit(p *PES) AccessUnit {
	pts := v.lastPTS
	if p.HasPTS {
		pts = v.pts.Unwrap(p.PTS)
		v.lastPTS = pts
	}
	dts := pts
	if p.HasDTS {
		dts = v.dts.Unwrap(p.DTS)
	}
	return AccessUnit{
		PTS:  TicksToDuration(pts),
		DTS:  TicksToDuration(dts),
		Data: p.Data,
	}
}

// PID returns the selected video PID, or false before the PMT was seen.
func (v *VideoReader) PID() (uint16, bool) { return v.pid, v.found }
