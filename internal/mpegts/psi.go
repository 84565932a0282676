package mpegts

import (
	"errors"
	"fmt"
)

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// Elementary stream types carried in the PMT.
const (
	StreamTypeAAC  = 0x0F
	StreamTypeH264 = 0x1B
	StreamTypeH265 = 0x24
)

var errCRC = errors.New("CRC32 mismatch")

// PAT maps program numbers to PMT PIDs.
type PAT struct {
	Programs map[uint16]uint16
}

// PMT lists the elementary streams of one program.
type PMT struct {
	Program uint16
	Streams []ElementaryStream
}

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID  uint16
	Type uint8
}

// Find returns the first stream of type t.
func (m *PMT) Find(t uint8) (ElementaryStream, bool) {
	for _, s := range m.Streams {
		if s.Type == t {
			return s, true
		}
	}
	return ElementaryStream{}, false
}

// sections walks the PSI sections of a reassembled payload. It stops at
// stuffing or at a header without the syntax indicator, and reports whether
// every section it saw was complete.
func sections(payload []byte, fn func(section []byte)) (complete bool) {
	if len(payload) == 0 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if payload[off+1]&0x80 == 0 {
			return true
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			return false
		}
		if fn != nil {
			fn(payload[off:end])
		}
		off = end
	}
	return true
}

func parsePAT(section []byte) (*PAT, error) {
	if len(section) < 12 {
		return nil, errors.New("mpegts: PAT too short")
	}
	if crc32MPEG(section) != 0 {
		return nil, fmt.Errorf("mpegts: PAT %w", errCRC)
	}
	pat := &PAT{Programs: make(map[uint16]uint16)}
	for i := 8; i+4 <= len(section)-4; i += 4 {
		num := uint16(section[i])<<8 | uint16(section[i+1])
		if num == 0 {
			continue // network PID
		}
		pat.Programs[num] = uint16(section[i+2]&0x1F)<<8 | uint16(section[i+3])
	}
	return pat, nil
}

func parsePMT(section []byte) (*PMT, error) {
	if len(section) < 16 {
		return nil, errors.New("mpegts: PMT too short")
	}
	if crc32MPEG(section) != 0 {
		return nil, fmt.Errorf("mpegts: PMT %w", errCRC)
	}
	pmt := &PMT{Program: uint16(section[3])<<8 | uint16(section[4])}
	off := 12 + (int(section[10]&0x0F)<<8 | int(section[11]))
	for off+5 <= len(section)-4 {
		pmt.Streams = append(pmt.Streams, ElementaryStream{
			Type: section[off],
			PID:  uint16(section[off+1]&0x1F)<<8 | uint16(section[off+2]),
		})
		off += 5 + (int(section[off+3]&0x0F)<<8 | int(section[off+4]))
	}
	return pmt, nil
}

var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// crc32MPEG computes the MPEG-2 CRC. Over a section including its trailing
// CRC field the result is zero.
func crc32MPEG(b []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, v := range b {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^v]
	}
	return crc
}
