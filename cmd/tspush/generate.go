package main

import (
	"io"
	"time"

	"github.com/zsiec/metronome/internal/mpegts"
)

// chunkSize is seven transport packets, the usual SRT payload.
const chunkSize = mpegts.PacketSize * 7

// Baseline profile parameter sets.
var (
	syntheticSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	syntheticPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// chunkWriter batches writes into chunkSize messages.
type chunkWriter struct {
	w   io.Writer
	buf []byte
}

func newChunkWriter(w io.Writer) *chunkWriter {
	return &chunkWriter{w: w, buf: make([]byte, 0, chunkSize)}
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		k := min(chunkSize-len(c.buf), len(p))
		c.buf = append(c.buf, p[:k]...)
		p = p[k:]
		if len(c.buf) == chunkSize {
			if err := c.Flush(); err != nil {
				return n - len(p), err
			}
		}
	}
	return n, nil
}

// Flush writes any partial chunk.
func (c *chunkWriter) Flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	_, err := c.w.Write(c.buf)
	c.buf = c.buf[:0]
	return err
}

// generator produces a synthetic H.264 stream. Slice payloads carry the
// frame number so a receiver can tell frames apart.
type generator struct {
	mux *mpegts.Muxer
	out *chunkWriter
	fps int
	gop int
	n   int
}

func newGenerator(out *chunkWriter, fps, gop int) *generator {
	if fps <= 0 {
		fps = 25
	}
	if gop <= 0 {
		gop = 2 * fps
	}
	return &generator{mux: mpegts.NewMuxer(out), out: out, fps: fps, gop: gop}
}

func (g *generator) frameTime() time.Duration {
	return time.Second / time.Duration(g.fps)
}

// next muxes one frame and flushes it so each frame leaves on its own.
func (g *generator) next() error {
	key := g.n%g.gop == 0
	seq := []byte{byte(g.n >> 8), byte(g.n)}

	var data []byte
	if key {
		data = appendNALU(data, syntheticSPS)
		data = appendNALU(data, syntheticPPS)
		data = appendNALU(data, append([]byte{0x65, 0x88, 0x84}, seq...))
	} else {
		data = appendNALU(data, append([]byte{0x41, 0x9a, 0x02}, seq...))
	}

	ts := time.Duration(g.n) * g.frameTime()
	g.n++
	au := mpegts.AccessUnit{PTS: ts, DTS: ts, Data: data}
	if err := g.mux.WriteAccessUnit(au, key); err != nil {
		return err
	}
	return g.out.Flush()
}

// run writes frames until limit is reached, or forever when limit is 0.
// pace is called with the index of the next frame before it is written.
func (g *generator) run(limit int, pace func(n int)) error {
	for limit == 0 || g.n < limit {
		if pace != nil {
			pace(g.n)
		}
		if err := g.next(); err != nil {
			return err
		}
	}
	return nil
}

func appendNALU(dst, nalu []byte) []byte {
	dst = append(dst, 0, 0, 0, 1)
	return append(dst, nalu...)
}
