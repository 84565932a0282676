package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/zsiec/metronome/media"
)

// Silence is the level reported for an all-zero block.
const Silence = -120.0

// Deinterleave splits interleaved little-endian PCM into per-channel planes,
// reusing planes when large enough. It returns the samples per channel.
func Deinterleave(planes [][]byte, src []byte, channels, bytesPerSample int) ([][]byte, int) {
	frame := channels * bytesPerSample
	samples := len(src) / frame
	if len(planes) != channels {
		planes = make([][]byte, channels)
	}
	for c := range planes {
		n := samples * bytesPerSample
		if cap(planes[c]) < n {
			planes[c] = make([]byte, n)
		}
		planes[c] = planes[c][:n]
	}
	for i := 0; i < samples; i++ {
		for c := 0; c < channels; c++ {
			off := i*frame + c*bytesPerSample
			copy(planes[c][i*bytesPerSample:], src[off:off+bytesPerSample])
		}
	}
	return planes, samples
}

// Meter tracks the peak level of 16-bit blocks in dBFS.
type Meter struct {
	peak atomic.Uint64 // math.Float64bits
}

// NewMeter returns a meter reading Silence.
func NewMeter() *Meter {
	m := &Meter{}
	m.peak.Store(math.Float64bits(Silence))
	return m
}

// Observe measures b. Blocks that are not 16-bit are ignored.
func (m *Meter) Observe(b *media.AudioBlock) {
	if b.BytesPerSample != 2 {
		return
	}
	var peak int32
	for _, p := range b.Planes {
		for i := 0; i+1 < len(p); i += 2 {
			v := int32(int16(binary.LittleEndian.Uint16(p[i:])))
			if v < 0 {
				v = -v
			}
			peak = max(peak, v)
		}
	}
	db := Silence
	if peak > 0 {
		db = max(20*math.Log10(float64(peak)/32768), Silence)
	}
	m.peak.Store(math.Float64bits(db))
}

// Peak returns the level of the last observed block.
func (m *Meter) Peak() float64 {
	return math.Float64frombits(m.peak.Load())
}
