// Package mpegts demuxes an MPEG transport stream far enough to hand timed
// elementary-stream payloads to the pipeline: PAT/PMT discovery, per-PID
// payload reassembly with continuity checking, and PES header parsing.
package mpegts

import (
	"errors"
	"fmt"
)

const (
	PacketSize = 188
	syncByte   = 0x47
)

var errShortPES = errors.New("mpegts: PES packet too short")

// Packet is one transport stream packet.
type Packet struct {
	PID               uint16
	ContinuityCounter uint8
	PayloadStart      bool
	HasPayload        bool
	HasAdaptation     bool
	TransportError    bool
	Discontinuity     bool
	Payload           []byte
}

// PES is a reassembled packetized elementary stream packet. Timestamps are
// raw 33-bit values on the 90 kHz clock.
type PES struct {
	PID      uint16
	StreamID uint8
	PTS      int64
	DTS      int64
	HasPTS   bool
	HasDTS   bool
	Data     []byte
}

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{
		TransportError:    buf[1]&0x80 != 0,
		PayloadStart:      buf[1]&0x40 != 0,
		PID:               uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		HasAdaptation:     buf[3]&0x20 != 0,
		HasPayload:        buf[3]&0x10 != 0,
		ContinuityCounter: buf[3] & 0x0F,
	}

	off := 4
	if p.HasAdaptation {
		afLen := int(buf[off])
		if afLen > 0 {
			p.Discontinuity = buf[off+1]&0x80 != 0
		}
		off = min(off+1+afLen, PacketSize)
	}
	if p.HasPayload && off < PacketSize {
		p.Payload = append([]byte(nil), buf[off:]...)
	}
	return p, nil
}

func hasStartCode(b []byte) bool {
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// streamHasHeader reports whether a PES stream_id carries the optional
// header with timestamps. Padding, private_stream_2, ECM, EMM, DSMCC,
// H.222.1 type E, and the program stream directory do not.
func streamHasHeader(id uint8) bool {
	switch id {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(pid uint16, b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, errShortPES
	}
	if !hasStartCode(b) {
		return nil, errors.New("mpegts: missing PES start code")
	}

	pes := &PES{PID: pid, StreamID: b[3]}
	length := int(b[4])<<8 | int(b[5])
	end := len(b)
	if length > 0 && 6+length < end {
		end = 6 + length
	}

	if !streamHasHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if len(b) < 9 {
		return nil, errShortPES
	}

	flags := b[7] >> 6
	start := min(9+int(b[8]), end)
	switch flags {
	case 0b10:
		if len(b) >= 14 {
			pes.PTS, pes.HasPTS = readTimestamp(b[9:14]), true
		}
	case 0b11:
		if len(b) >= 19 {
			pes.PTS, pes.HasPTS = readTimestamp(b[9:14]), true
			pes.DTS, pes.HasDTS = readTimestamp(b[14:19]), true
		}
	}
	pes.Data = b[start:end]
	return pes, nil
}

// readTimestamp decodes the 33-bit PTS/DTS spread over five bytes with
// marker bits.
func readTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
