package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestDurationToTicks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want int64
	}{
		{0, 0},
		{40 * time.Millisecond, 3600},
		{time.Second, 90000},
		{30 * time.Hour, 30 * 3600 * 90000},
	}
	for _, tc := range tests {
		if got := DurationToTicks(tc.d); got != tc.want {
			t.Errorf("DurationToTicks(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestMuxerRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewMuxer(&buf)

	big := bytes.Repeat([]byte{0xAB}, 3*PacketSize)
	units := []AccessUnit{
		{PTS: 80 * time.Millisecond, DTS: 0, Data: append([]byte{0, 0, 0, 1, 0x65}, big...)},
		{PTS: 160 * time.Millisecond, DTS: 40 * time.Millisecond, Data: []byte{0, 0, 0, 1, 0x41, 1}},
		{PTS: 120 * time.Millisecond, DTS: 80 * time.Millisecond, Data: []byte{0, 0, 0, 1, 0x01, 2}},
		{PTS: 200 * time.Millisecond, DTS: 200 * time.Millisecond, Data: []byte{0, 0, 0, 1, 0x65, 3}},
	}
	for i, au := range units {
		if err := m.WriteAccessUnit(au, i == 0 || i == 3); err != nil {
			t.Fatal(err)
		}
	}
	if buf.Len()%PacketSize != 0 {
		t.Fatalf("output is %d bytes, not whole packets", buf.Len())
	}

	d := NewDemuxer(context.Background(), &buf, nil)
	vr := NewVideoReader(d)
	var got []AccessUnit
	for {
		au, err := vr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, au)
	}

	if len(got) != len(units) {
		t.Fatalf("got %d units, want %d", len(got), len(units))
	}
	for i := range units {
		if got[i].PTS != units[i].PTS || got[i].DTS != units[i].DTS {
			t.Errorf("unit %d timing = %v/%v, want %v/%v", i, got[i].PTS, got[i].DTS, units[i].PTS, units[i].DTS)
		}
		if !bytes.Equal(got[i].Data, units[i].Data) {
			t.Errorf("unit %d payload differs", i)
		}
	}
	if pid, ok := vr.PID(); !ok || pid != MuxVideoPID {
		t.Errorf("PID = %#x, %v", pid, ok)
	}
	if st := d.Stats(); st.CCErrors != 0 || st.BadSections != 0 {
		t.Errorf("stats = %+v, want a clean stream", st)
	}
}
