// Package media defines the frame types that flow between metronome pipeline
// stages, from ingest through encoding and segmentation.
package media

import "time"

// VideoQueueSize is the default slot count of the frame queue between
// ingest and the encoder, about two seconds of 30 fps video.
const VideoQueueSize = 60

// Frame is one discrete unit of media (a picture or a coded access unit)
// with its timing metadata. Frames are allocated once per queue slot and
// reused in place: stages overwrite Data and the timing fields rather than
// allocating a new Frame per picture.
type Frame struct {
	// PresentationTime is the stream-relative presentation timestamp.
	PresentationTime time.Duration
	// DecodeTime is set by the encoder stage; zero for raw frames.
	DecodeTime time.Duration
	// OriginTime is the wall-clock capture or ingest time.
	OriginTime     time.Time
	SequenceNumber uint64
	// UpdatedAt is stamped when the frame is committed to a queue and drives
	// read-readiness.
	UpdatedAt  time.Time
	Consumed   bool
	IsKeyframe bool
	Codec      string // "h264" for coded video, empty for raw
	Data       []byte
}

// SetData copies b into the frame's buffer, growing it only when the
// existing capacity is too small.
func (f *Frame) SetData(b []byte) {
	if cap(f.Data) < len(b) {
		f.Data = make([]byte, len(b))
	}
	f.Data = f.Data[:len(b)]
	copy(f.Data, b)
}

// CopyTiming copies presentation, decode, origin, and sequence fields from src.
func (f *Frame) CopyTiming(src *Frame) {
	f.PresentationTime = src.PresentationTime
	f.DecodeTime = src.DecodeTime
	f.OriginTime = src.OriginTime
	f.SequenceNumber = src.SequenceNumber
}

// CopyFrom makes f a deep copy of src, reusing f's buffer.
func (f *Frame) CopyFrom(src *Frame) {
	f.CopyTiming(src)
	f.SetData(src.Data)
	f.UpdatedAt = src.UpdatedAt
	f.Consumed = src.Consumed
	f.IsKeyframe = src.IsKeyframe
	f.Codec = src.Codec
}

// AudioBlock is a fixed-size block of planar PCM samples. Planes holds one
// byte slice per channel, each SampleCount*BytesPerSample long.
type AudioBlock struct {
	PTS            time.Duration
	Planes         [][]byte
	SampleCount    int
	SampleRate     int
	BytesPerSample int
}

// Channels returns the number of planes in the block.
func (b *AudioBlock) Channels() int {
	return len(b.Planes)
}
