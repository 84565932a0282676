package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/metronome/internal/segmenter"
)

// Message kinds on the segment transport.
const (
	KindInit    byte = 1
	KindSegment byte = 2
)

// MaxMessageSize bounds a single payload on the wire.
const MaxMessageSize = 64 << 20

var errMessageTooLarge = errors.New("sink: message exceeds size limit")

// header precedes every payload: kind, sequence, base decode time,
// duration, timescale, payload length. Big endian.
type header struct {
	Kind           byte
	SequenceNumber uint32
	BaseDecodeTime uint64
	Duration       uint64
	Timescale      uint32
	Length         uint32
}

const headerSize = 1 + 4 + 8 + 8 + 4 + 4

// Message is one decoded transport unit. Segment is nil for init messages.
type Message struct {
	Kind    byte
	Init    []byte
	Segment *segmenter.Segment
}

func writeMessage(w io.Writer, kind byte, seg *segmenter.Segment, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return errMessageTooLarge
	}
	h := header{Kind: kind, Length: uint32(len(payload))}
	if seg != nil {
		h.SequenceNumber = seg.SequenceNumber
		h.BaseDecodeTime = seg.BaseDecodeTime
		h.Duration = seg.Duration
		h.Timescale = seg.Timescale
	}
	buf := make([]byte, 0, headerSize+len(payload))
	buf, _ = binary.Append(buf, binary.BigEndian, h)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) (Message, error) {
	var h header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return Message{}, fmt.Errorf("sink: read header: %w", err)
	}
	if h.Length > MaxMessageSize {
		return Message{}, errMessageTooLarge
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("sink: read payload: %w", err)
	}

	switch h.Kind {
	case KindInit:
		return Message{Kind: KindInit, Init: payload}, nil
	case KindSegment:
		return Message{Kind: KindSegment, Segment: &segmenter.Segment{
			SequenceNumber: h.SequenceNumber,
			BaseDecodeTime: h.BaseDecodeTime,
			Duration:       h.Duration,
			Timescale:      h.Timescale,
			Data:           payload,
		}}, nil
	default:
		return Message{}, fmt.Errorf("sink: unknown message kind %d", h.Kind)
	}
}
