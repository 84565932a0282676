package mpegts

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Default PIDs used by Muxer.
const (
	MuxPMTPID   = 0x1000
	MuxVideoPID = 0x0100
)

const (
	videoStreamID  = 0xE0
	payloadPerPkt  = PacketSize - 4
	maxPESLength   = 0xFFFF
	pesFixedHeader = 6
)

// DurationToTicks converts d to the 90 kHz clock, truncating.
func DurationToTicks(d time.Duration) int64 {
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return sec*ClockRate + rem*ClockRate/int64(time.Second)
}

// Muxer writes a single-program transport stream carrying one H.264 video
// stream. PAT and PMT are repeated ahead of every keyframe.
type Muxer struct {
	w       io.Writer
	cc      map[uint16]uint8
	pkt     [PacketSize]byte
	written bool
}

// NewMuxer creates a muxer writing packets to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w, cc: make(map[uint16]uint8)}
}

// WriteAccessUnit writes au as one PES packet. A DTS equal to PTS is
// omitted from the header.
func (m *Muxer) WriteAccessUnit(au AccessUnit, keyframe bool) error {
	if keyframe || !m.written {
		if err := m.writeTables(); err != nil {
			return err
		}
		m.written = true
	}

	pts := DurationToTicks(au.PTS) & (timestampWrap - 1)
	dts := DurationToTicks(au.DTS) & (timestampWrap - 1)

	var hdr []byte
	flags := byte(0x80)
	if dts != pts {
		flags = 0xC0
		hdr = appendTimestamp(appendTimestamp(nil, 0x3, pts), 0x1, dts)
	} else {
		hdr = appendTimestamp(nil, 0x2, pts)
	}

	pes := make([]byte, 0, 9+len(hdr)+len(au.Data))
	pes = append(pes, 0, 0, 1, videoStreamID, 0, 0, 0x80, flags, byte(len(hdr)))
	pes = append(pes, hdr...)
	pes = append(pes, au.Data...)
	if n := len(pes) - pesFixedHeader; n <= maxPESLength {
		binary.BigEndian.PutUint16(pes[4:], uint16(n))
	}
	return m.packetize(MuxVideoPID, pes)
}

func (m *Muxer) writeTables() error {
	pat := []byte{tableIDPAT, 0xB0, 13, 0, 1, 0xC1, 0, 0,
		0, 1, 0xE0 | MuxPMTPID>>8, MuxPMTPID & 0xFF}
	if err := m.packetize(pidPAT, psiSection(pat)); err != nil {
		return err
	}
	pmt := []byte{tableIDPMT, 0xB0, 18, 0, 1, 0xC1, 0, 0,
		0xE0 | MuxVideoPID>>8, MuxVideoPID & 0xFF, 0xF0, 0,
		StreamTypeH264, 0xE0 | MuxVideoPID>>8, MuxVideoPID & 0xFF, 0xF0, 0}
	return m.packetize(MuxPMTPID, psiSection(pmt))
}

func psiSection(s []byte) []byte {
	s = binary.BigEndian.AppendUint32(s, crc32MPEG(s))
	return append([]byte{0}, s...)
}

func appendTimestamp(b []byte, marker byte, v int64) []byte {
	return append(b,
		marker<<4|byte(v>>29)&0x0E|1,
		byte(v>>22),
		byte(v>>14)&0xFE|1,
		byte(v>>7),
		byte(v<<1)&0xFE|1,
	)
}

// packetize splits payload over packets on pid, padding the last one with
// adaptation-field stuffing.
func (m *Muxer) packetize(pid uint16, payload []byte) error {
	first := true
	for len(payload) > 0 {
		p := m.pkt[:]
		p[0] = syncByte
		p[1] = byte(pid>>8) & 0x1F
		if first {
			p[1] |= 0x40
		}
		p[2] = byte(pid)
		cc := m.cc[pid]
		m.cc[pid] = (cc + 1) & 0x0F
		p[3] = 0x10 | cc

		off := 4
		if n := len(payload); n < payloadPerPkt {
			stuff := payloadPerPkt - n
			p[3] |= 0x20
			p[4] = byte(stuff - 1)
			if stuff > 1 {
				p[5] = 0
				for i := 6; i < 4+stuff; i++ {
					p[i] = 0xFF
				}
			}
			off = 4 + stuff
		}
		n := copy(p[off:], payload)
		payload = payload[n:]
		first = false

		if _, err := m.w.Write(p); err != nil {
			return fmt.Errorf("mpegts: writing packet: %w", err)
		}
	}
	return nil
}
