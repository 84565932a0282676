// Package avc holds the small amount of H.264 bitstream handling the
// encoder and segmentation stages need: Annex B splitting, AVCC conversion,
// NAL classification, and decoder configuration records.
package avc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

var errNoNALUs = errors.New("avc: no NAL units")

// NALType returns the nal_unit_type of a NAL unit without start code.
func NALType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// SplitAnnexB returns the NAL units of an Annex B access unit with their
// start codes removed. The returned slices alias au.
func SplitAnnexB(au []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+3 <= len(au) {
		if au[i] == 0 && au[i+1] == 0 && au[i+2] == 1 {
			if start >= 0 {
				nalus = appendTrimmed(nalus, au[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(au) {
		nalus = appendTrimmed(nalus, au[start:])
	}
	return nalus
}

// appendTrimmed drops trailing zero bytes, which belong to the next 4-byte
// start code.
func appendTrimmed(nalus [][]byte, n []byte) [][]byte {
	for len(n) > 0 && n[len(n)-1] == 0 {
		n = n[:len(n)-1]
	}
	if len(n) == 0 {
		return nalus
	}
	return append(nalus, n)
}

// ToAVCC converts NAL units (without start codes) to AVCC form: each unit
// prefixed by its 4-byte big-endian length. SPS, PPS, and AUD units are
// left out since they travel in the decoder configuration record.
func ToAVCC(nalus [][]byte) []byte {
	var total int
	for _, n := range nalus {
		if inBand(n) {
			total += 4 + len(n)
		}
	}

	out := make([]byte, 0, total)
	for _, n := range nalus {
		if !inBand(n) {
			continue
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(n)))
		out = append(out, lenBuf[:]...)
		out = append(out, n...)
	}
	return out
}

func inBand(n []byte) bool {
	switch NALType(n) {
	case NALTypeSPS, NALTypePPS, NALTypeAUD:
		return false
	}
	return len(n) > 0
}

// AccessUnit summarizes one Annex B access unit.
type AccessUnit struct {
	NALUs    [][]byte
	SPS      []byte
	PPS      []byte
	IsIDR    bool
	HasSlice bool
}

// Parse splits an Annex B access unit and classifies its NAL units.
func Parse(au []byte) (AccessUnit, error) {
	nalus := SplitAnnexB(au)
	if len(nalus) == 0 {
		return AccessUnit{}, errNoNALUs
	}
	u := AccessUnit{NALUs: nalus}
	for _, n := range nalus {
		switch NALType(n) {
		case NALTypeSPS:
			u.SPS = n
		case NALTypePPS:
			u.PPS = n
		case NALTypeIDR:
			u.IsIDR = true
			u.HasSlice = true
		case NALTypeSlice:
			u.HasSlice = true
		}
	}
	return u, nil
}

// IsSync reports whether the Annex B access unit contains an IDR slice.
func IsSync(au []byte) bool {
	for _, n := range SplitAnnexB(au) {
		if NALType(n) == NALTypeIDR {
			return true
		}
	}
	return false
}

// DecoderConfig builds an AVCDecoderConfigurationRecord (ISO 14496-15
// 5.2.4.1.1) from SPS and PPS without start codes.
func DecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("avc: incomplete parameter sets (sps=%d pps=%d bytes)", len(sps), len(pps))
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf, nil
}

// CodecString returns the RFC 6381 codec string (e.g. "avc1.42C01E").
func CodecString(sps []byte) string {
	if len(sps) < 4 {
		return "avc1"
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3])
}
