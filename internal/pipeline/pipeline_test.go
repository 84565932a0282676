package pipeline

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/metronome/internal/encoder"
	"github.com/zsiec/metronome/internal/ingest"
	"github.com/zsiec/metronome/internal/metrics"
	"github.com/zsiec/metronome/internal/mpegts"
	"github.com/zsiec/metronome/internal/segmenter"
	"github.com/zsiec/metronome/internal/sink"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

// tsStream muxes n frames at 40ms with an IDR every gop frames.
func tsStream(t *testing.T, w io.Writer, first, n, gop int) {
	t.Helper()
	m := mpegts.NewMuxer(w)
	for i := first; i < first+n; i++ {
		key := i%gop == 0
		data := annexB([]byte{0x41, 0x9a, 0x02, byte(i)})
		if key {
			data = annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84, byte(i)})
		}
		ts := 5*time.Second + time.Duration(i)*40*time.Millisecond
		require.NoError(t, m.WriteAccessUnit(mpegts.AccessUnit{PTS: ts, DTS: ts, Data: data}, key))
	}
}

type recordingSink struct {
	mu       sync.Mutex
	init     []byte
	segments []*segmenter.Segment
	closed   bool
}

func (r *recordingSink) WriteInit(_ context.Context, init []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init = bytes.Clone(init)
	return nil
}

func (r *recordingSink) WriteSegment(_ context.Context, s *segmenter.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, s)
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func newStage(t *testing.T) *encoder.Stage {
	t.Helper()
	st, err := encoder.NewStage(encoder.NewPassthrough(2, nil), encoder.DefaultConfig())
	require.NoError(t, err)
	return st
}

func TestPipelineSegmentsStream(t *testing.T) {
	t.Parallel()

	var ts bytes.Buffer
	tsStream(t, &ts, 0, 110, 25)

	out := &recordingSink{}
	m := metrics.New()
	p, err := New(Config{StreamKey: "cam", QueueSize: 256}, newStage(t), out, m, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, &ts))

	require.NotNil(t, out.init, "init segment delivered")
	require.Len(t, out.segments, 3)
	var samples int
	var next uint64
	for i, s := range out.segments {
		assert.Equal(t, uint32(i+1), s.SequenceNumber)
		assert.Equal(t, next, s.BaseDecodeTime, "segment %d is contiguous", i)
		next += s.Duration
		samples += s.Samples
	}
	assert.Equal(t, 110, samples)
	assert.Equal(t, []uint64{180000, 180000, 36000},
		[]uint64{out.segments[0].Duration, out.segments[1].Duration, out.segments[2].Duration})

	st := p.Stats()
	assert.Equal(t, uint64(110), st.Ingest.Frames)
	assert.Equal(t, uint64(110), st.Encoder.Encoded)
	assert.Zero(t, st.Queue.Dropped)
	assert.Zero(t, st.SinkErrs)
	assert.Equal(t, "cam", st.StreamKey)
	assert.Equal(t, "avc1.42C028", st.Segmenter.Codec)
	require.NotEmpty(t, st.Segmenter.DecoderConfig)
	assert.Equal(t, byte(1), st.Segmenter.DecoderConfig[0], "configurationVersion")
}

func TestPipelineEmptyInput(t *testing.T) {
	t.Parallel()

	out := &recordingSink{}
	p, err := New(Config{StreamKey: "empty"}, newStage(t), out, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), strings.NewReader("")))
	assert.Nil(t, out.init)
	assert.Empty(t, out.segments)
}

type failingSink struct{ recordingSink }

func (f *failingSink) WriteSegment(context.Context, *segmenter.Segment) error {
	return io.ErrClosedPipe
}

func TestPipelineSurvivesSinkErrors(t *testing.T) {
	t.Parallel()

	var ts bytes.Buffer
	tsStream(t, &ts, 0, 60, 25)

	p, err := New(Config{StreamKey: "cam", QueueSize: 128}, newStage(t), &failingSink{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), &ts))
	assert.Equal(t, uint64(2), p.Stats().SinkErrs)
	assert.Equal(t, uint64(60), p.Stats().Encoder.Encoded)
}

func TestPipelineRepeatsWhenStarved(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	out := &recordingSink{}
	cfg := encoder.DefaultConfig()
	cfg.FPS = 100
	stage, err := encoder.NewStage(encoder.NewPassthrough(0, nil), cfg)
	require.NoError(t, err)
	p, err := New(Config{StreamKey: "cam", Repeat: true}, stage, out, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, pr) }()

	// The last unit is held by the demuxer until the next one starts, so
	// write one more than is expected to arrive.
	tsStream(t, pw, 0, 4, 25)

	require.Eventually(t, func() bool { return p.Stats().Repeated >= 5 },
		5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop on cancel")
	}

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Queue.Read)
	assert.GreaterOrEqual(t, st.Encoder.Submitted, st.Repeated+1)
}

func TestPipelineFollowsFrameRateChange(t *testing.T) {
	t.Parallel()

	stage := newStage(t)
	p, err := New(Config{StreamKey: "cam"}, stage, &recordingSink{}, nil, nil)
	require.NoError(t, err)

	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	period := stage.Config().FrameTime()
	assert.Equal(t, period, p.retime(tick, period), "unchanged rate keeps the period")

	fps := 100
	require.NoError(t, stage.Configure(encoder.Params{FPS: &fps}))
	period = p.retime(tick, period)
	assert.Equal(t, 10*time.Millisecond, period)
	select {
	case <-tick.C:
	case <-time.After(time.Second):
		t.Fatal("ticker still runs at the old period")
	}
}

func TestManagerRunsSessionPerStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	sinks := map[string]*recordingSink{}
	factory := func(key string) (*encoder.Stage, sink.Sink, error) {
		st, err := encoder.NewStage(encoder.NewPassthrough(1, nil), encoder.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		s := &recordingSink{}
		mu.Lock()
		sinks[key] = s
		mu.Unlock()
		return st, s, nil
	}
	mgr := NewManager(ctx, Config{QueueSize: 128}, factory, nil, nil)
	reg := ingest.NewRegistry(mgr.HandleStream, nil)

	s, err := reg.Register("studio")
	require.NoError(t, err)
	var ts bytes.Buffer
	tsStream(t, &ts, 0, 30, 25)
	_, err = s.Write(ts.Bytes())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := mgr.Get("studio")
		return ok
	}, 5*time.Second, time.Millisecond)
	assert.Len(t, mgr.List(), 1)

	reg.Unregister("studio")
	require.Eventually(t, func() bool { return len(mgr.List()) == 0 }, 5*time.Second, time.Millisecond)
	mgr.Wait()

	mu.Lock()
	defer mu.Unlock()
	got := sinks["studio"]
	require.NotNil(t, got)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.True(t, got.closed, "sink closed at session end")
	assert.NotNil(t, got.init)
	require.Len(t, got.segments, 1)
	assert.Equal(t, 30, got.segments[0].Samples)
}
