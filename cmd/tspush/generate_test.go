package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/metronome/internal/avc"
	"github.com/zsiec/metronome/internal/mpegts"
)

type recorder struct {
	writes [][]byte
}

func (r *recorder) Write(p []byte) (int, error) {
	r.writes = append(r.writes, bytes.Clone(p))
	return len(p), nil
}

func TestChunkWriterBatches(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w := newChunkWriter(rec)
	n, err := w.Write(make([]byte, chunkSize*2+10))
	require.NoError(t, err)
	assert.Equal(t, chunkSize*2+10, n)
	require.Len(t, rec.writes, 2)

	require.NoError(t, w.Flush())
	require.Len(t, rec.writes, 3)
	assert.Len(t, rec.writes[2], 10)

	require.NoError(t, w.Flush())
	assert.Len(t, rec.writes, 3, "empty flush writes nothing")
}

func TestGeneratorStreamDemuxes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	g := newGenerator(newChunkWriter(&buf), 50, 10)
	var paced []int
	require.NoError(t, g.run(25, func(n int) { paced = append(paced, n) }))
	assert.Len(t, paced, 25)
	assert.Zero(t, buf.Len()%mpegts.PacketSize)

	vr := mpegts.NewVideoReader(mpegts.NewDemuxer(context.Background(), &buf, nil))
	var got, keys int
	for {
		au, err := vr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, time.Duration(got)*20*time.Millisecond, au.PTS, "frame %d", got)
		if avc.IsSync(au.Data) {
			keys++
		}
		got++
	}
	assert.Equal(t, 25, got)
	assert.Equal(t, 3, keys)
}

func TestGeneratorDefaults(t *testing.T) {
	t.Parallel()

	g := newGenerator(newChunkWriter(io.Discard), 0, 0)
	assert.Equal(t, 40*time.Millisecond, g.frameTime())
	assert.Equal(t, 50, g.gop)
}
