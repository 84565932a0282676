package avc

import (
	"bytes"
	"testing"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xDA, 0x02, 0x80}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x21}
	testP   = []byte{0x41, 0x9A, 0x02}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for i, n := range nalus {
		if i%2 == 0 {
			out = append(out, 0, 0, 0, 1)
		} else {
			out = append(out, 0, 0, 1)
		}
		out = append(out, n...)
	}
	return out
}

func TestSplitAnnexB(t *testing.T) {
	t.Parallel()

	nalus := SplitAnnexB(annexB(testSPS, testPPS, testIDR))
	if len(nalus) != 3 {
		t.Fatalf("got %d NALUs, want 3", len(nalus))
	}
	for i, want := range [][]byte{testSPS, testPPS, testIDR} {
		if !bytes.Equal(nalus[i], want) {
			t.Errorf("NALU %d: got %X, want %X", i, nalus[i], want)
		}
	}

	if got := SplitAnnexB([]byte{0x01, 0x02}); got != nil {
		t.Errorf("no start code: got %d NALUs, want none", len(got))
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		au      []byte
		idr     bool
		slice   bool
		wantSPS bool
	}{
		{name: "keyframe with headers", au: annexB(testSPS, testPPS, testIDR), idr: true, slice: true, wantSPS: true},
		{name: "p frame", au: annexB(testP), slice: true},
		{name: "headers only", au: annexB(testSPS, testPPS), wantSPS: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			u, err := Parse(tc.au)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if u.IsIDR != tc.idr {
				t.Errorf("IsIDR: got %v, want %v", u.IsIDR, tc.idr)
			}
			if u.HasSlice != tc.slice {
				t.Errorf("HasSlice: got %v, want %v", u.HasSlice, tc.slice)
			}
			if (u.SPS != nil) != tc.wantSPS {
				t.Errorf("SPS present: got %v, want %v", u.SPS != nil, tc.wantSPS)
			}
			if IsSync(tc.au) != tc.idr {
				t.Errorf("IsSync: got %v, want %v", IsSync(tc.au), tc.idr)
			}
		})
	}

	if _, err := Parse(nil); err == nil {
		t.Error("Parse(nil) should fail")
	}
}

func TestToAVCC(t *testing.T) {
	t.Parallel()

	got := ToAVCC([][]byte{testSPS, testPPS, testIDR})
	want := append([]byte{0, 0, 0, byte(len(testIDR))}, testIDR...)
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestDecoderConfig(t *testing.T) {
	t.Parallel()

	rec, err := DecoderConfig(testSPS, testPPS)
	if err != nil {
		t.Fatalf("DecoderConfig: %v", err)
	}
	if rec[0] != 1 || rec[1] != 0x42 || rec[2] != 0xC0 || rec[3] != 0x1E {
		t.Errorf("header: got %X", rec[:4])
	}
	if len(rec) != 11+len(testSPS)+len(testPPS) {
		t.Errorf("length: got %d, want %d", len(rec), 11+len(testSPS)+len(testPPS))
	}

	if _, err := DecoderConfig(testSPS[:2], testPPS); err == nil {
		t.Error("short SPS should fail")
	}
	if got := CodecString(testSPS); got != "avc1.42C01E" {
		t.Errorf("CodecString: got %q", got)
	}
}
