// Package segclock converts presentation-time deltas into integer decode
// times and sample durations in a fixed target timescale, as required by
// segment formats whose sample tables count whole clock ticks.
//
// The two outputs round differently and must stay that way. Decode time is
// derived from an absolute offset, so each call rounds half-up on its own.
// Duration is summed by the consumer, so its fractional remainder is carried
// between calls and the cumulative duration tracks real elapsed time to
// within one tick however many samples are emitted.
package segclock

import (
	"fmt"
	"time"
)

// Common target timescales.
const (
	H264Frequency  = 90000
	AudioFrequency = 48000
)

// Clock holds the rounding state for one track.
type Clock struct {
	frequency     uint32
	decodeRem     float64
	durationRem   float64
	totalDuration uint64
}

// New creates a clock for the given tick frequency in Hz.
func New(frequency uint32) (*Clock, error) {
	c := &Clock{}
	if err := c.SetFrequency(frequency); err != nil {
		return nil, err
	}
	return c, nil
}

// ticks splits delta into whole ticks and the exact fractional tick count.
func (c *Clock) ticks(delta time.Duration) (uint64, float64) {
	if delta <= 0 {
		return 0, 0
	}
	ns, f := uint64(delta), uint64(c.frequency)
	// Split at whole seconds so ns*f cannot overflow for long streams.
	whole := ns/uint64(time.Second)*f + ns%uint64(time.Second)*f/uint64(time.Second)
	exact := float64(delta) * float64(c.frequency) / float64(time.Second)
	return whole, exact
}

// DecodeTime returns current-previous expressed in ticks, rounded half-up.
// Non-positive deltas yield zero.
func (c *Clock) DecodeTime(current, previous time.Duration) uint64 {
	whole, exact := c.ticks(current - previous)
	c.decodeRem = exact - float64(whole)
	if c.decodeRem >= 0.5 {
		whole++
	}
	return whole
}

// SegmentDuration returns current-previous in whole ticks, carrying the
// fractional remainder into later calls, and adds the result to the running
// segment total.
func (c *Clock) SegmentDuration(current, previous time.Duration) uint32 {
	whole, exact := c.ticks(current - previous)
	c.durationRem += exact - float64(whole)
	if c.durationRem >= 1 {
		whole++
		c.durationRem--
	}
	c.totalDuration += whole
	return uint32(whole)
}

// TotalDuration returns the ticks accumulated since the last segment boundary.
func (c *Clock) TotalDuration() uint64 { return c.totalDuration }

// TakeTotalDuration returns the accumulated segment duration and resets it
// for the next segment. Fractional remainders carry across the boundary.
func (c *Clock) TakeTotalDuration() uint64 {
	d := c.totalDuration
	c.totalDuration = 0
	return d
}

// DecodeRemainder returns the fractional tick left by the last DecodeTime call.
func (c *Clock) DecodeRemainder() float64 { return c.decodeRem }

// DurationRemainder returns the carried fractional duration tick.
func (c *Clock) DurationRemainder() float64 { return c.durationRem }

// Frequency returns the tick frequency in Hz.
func (c *Clock) Frequency() uint32 { return c.frequency }

// SetFrequency changes the tick frequency and clears all rounding state.
func (c *Clock) SetFrequency(frequency uint32) error {
	if frequency == 0 {
		return fmt.Errorf("segclock: invalid frequency %d", frequency)
	}
	c.frequency = frequency
	c.Reset()
	return nil
}

// Reset clears remainders and the segment total.
func (c *Clock) Reset() {
	c.decodeRem = 0
	c.durationRem = 0
	c.totalDuration = 0
}
