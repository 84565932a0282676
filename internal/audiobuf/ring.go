// Package audiobuf implements a fixed-capacity circular store for planar
// multi-channel sample data. All channels share one pair of byte offsets so
// they stay time-aligned; appends and consumes either succeed completely or
// leave the buffer untouched.
//
// A RingBuffer is not safe for concurrent use beyond one producer and one
// consumer serialized by the caller.
package audiobuf

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Append and Consume.
var (
	ErrCapacityExceeded = errors.New("audiobuf: capacity exceeded")
	ErrInsufficientData = errors.New("audiobuf: insufficient data")
	ErrChannelMismatch  = errors.New("audiobuf: channel buffer mismatch")
)

// MaxChannels bounds the channel count accepted by New.
const MaxChannels = 8

// RingBuffer is a byte ring of channelMaxLength bytes per channel.
type RingBuffer struct {
	data             [][]byte
	channels         int
	bytesPerSample   int
	channelMaxLength int
	front            int
	rear             int
	byteCounter      int
}

// New allocates a ring of maxSamples samples per channel.
func New(channels, maxSamples, bytesPerSample int) (*RingBuffer, error) {
	switch {
	case channels <= 0 || channels > MaxChannels:
		return nil, fmt.Errorf("audiobuf: invalid channel count %d", channels)
	case maxSamples <= 0:
		return nil, fmt.Errorf("audiobuf: invalid capacity %d samples", maxSamples)
	case bytesPerSample <= 0:
		return nil, fmt.Errorf("audiobuf: invalid sample width %d", bytesPerSample)
	}

	rb := &RingBuffer{
		data:             make([][]byte, channels),
		channels:         channels,
		bytesPerSample:   bytesPerSample,
		channelMaxLength: maxSamples * bytesPerSample,
	}
	for i := range rb.data {
		rb.data[i] = make([]byte, rb.channelMaxLength)
	}
	return rb, nil
}

// Append copies samples samples from each plane in bufs into the ring.
// It fails with ErrCapacityExceeded when the request does not fit in the
// remaining free space; a request of exactly the free space succeeds.
func (rb *RingBuffer) Append(bufs [][]byte, samples int) error {
	n := samples * rb.bytesPerSample
	if err := rb.checkPlanes(bufs, n); err != nil {
		return err
	}
	if n > rb.channelMaxLength-rb.byteCounter {
		return ErrCapacityExceeded
	}

	first := min(n, rb.channelMaxLength-rb.rear)
	for i, buf := range bufs[:rb.channels] {
		copy(rb.data[i][rb.rear:], buf[:first])
		copy(rb.data[i], buf[first:n])
	}

	rb.byteCounter += n
	rb.rear = (rb.rear + n) % rb.channelMaxLength
	return nil
}

// Consume copies samples samples per channel out of the ring into bufs.
// It fails with ErrInsufficientData when fewer bytes are buffered.
func (rb *RingBuffer) Consume(bufs [][]byte, samples int) error {
	n := samples * rb.bytesPerSample
	if err := rb.checkPlanes(bufs, n); err != nil {
		return err
	}
	if n > rb.byteCounter {
		return ErrInsufficientData
	}

	first := min(n, rb.channelMaxLength-rb.front)
	for i, buf := range bufs[:rb.channels] {
		copy(buf, rb.data[i][rb.front:rb.front+first])
		copy(buf[first:n], rb.data[i])
	}

	rb.byteCounter -= n
	rb.front = (rb.front + n) % rb.channelMaxLength
	return nil
}

// Discard drops samples samples per channel from the front without copying.
func (rb *RingBuffer) Discard(samples int) error {
	n := samples * rb.bytesPerSample
	if n < 0 || n > rb.byteCounter {
		return ErrInsufficientData
	}
	rb.byteCounter -= n
	rb.front = (rb.front + n) % rb.channelMaxLength
	return nil
}

// Reset empties the ring.
func (rb *RingBuffer) Reset() {
	rb.front, rb.rear, rb.byteCounter = 0, 0, 0
}

func (rb *RingBuffer) checkPlanes(bufs [][]byte, n int) error {
	if n < 0 || len(bufs) < rb.channels {
		return ErrChannelMismatch
	}
	for _, buf := range bufs[:rb.channels] {
		if len(buf) < n {
			return ErrChannelMismatch
		}
	}
	return nil
}

// Channels returns the channel count.
func (rb *RingBuffer) Channels() int { return rb.channels }

// BytesPerSample returns the per-sample width in bytes.
func (rb *RingBuffer) BytesPerSample() int { return rb.bytesPerSample }

// Capacity returns the per-channel capacity in bytes.
func (rb *RingBuffer) Capacity() int { return rb.channelMaxLength }

// Len returns the buffered bytes per channel.
func (rb *RingBuffer) Len() int { return rb.byteCounter }

// Free returns the free bytes per channel.
func (rb *RingBuffer) Free() int { return rb.channelMaxLength - rb.byteCounter }

// Samples returns the buffered sample count per channel.
func (rb *RingBuffer) Samples() int { return rb.byteCounter / rb.bytesPerSample }
