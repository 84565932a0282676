package encoder

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/metronome/internal/reorder"
	"github.com/zsiec/metronome/media"
)

const frameTime = 40 * time.Millisecond

// bframeEncoder emits outputs in I P B B order two submissions behind the
// input, with decode indices shifted back by one like a real encoder.
type bframeEncoder struct {
	display    []int64
	lag        int64
	out        int64
	forced     []int64
	configured int
}

func (e *bframeEncoder) Configure(Config) error {
	e.configured++
	return nil
}

func (e *bframeEncoder) Encode(in *media.Frame, index int64, force bool) (Output, bool, error) {
	if force {
		e.forced = append(e.forced, index)
	}
	if index < e.lag || e.out >= int64(len(e.display)) {
		return Output{}, false, nil
	}
	k := e.out
	e.out++
	return Output{
		Data:         []byte{byte(e.display[k])},
		Keyframe:     k == 0,
		DisplayIndex: e.display[k],
		DecodeIndex:  k - 1,
	}, true, nil
}

// rogueEncoder reports an output index that was never submitted.
type rogueEncoder struct{}

func (rogueEncoder) Configure(Config) error { return nil }

func (rogueEncoder) Encode(in *media.Frame, index int64, _ bool) (Output, bool, error) {
	return Output{Data: []byte{1}, DisplayIndex: index + 100, DecodeIndex: index}, true, nil
}

type failingEncoder struct{ calls int }

func (f *failingEncoder) Configure(Config) error { return nil }

func (f *failingEncoder) Encode(*media.Frame, int64, bool) (Output, bool, error) {
	f.calls++
	return Output{}, false, errors.New("codec exploded")
}

func rawFrame(i int) *media.Frame {
	return &media.Frame{
		PresentationTime: time.Duration(i) * frameTime,
		OriginTime:       time.Unix(1_700_000_000, 0).Add(time.Duration(i) * frameTime),
		SequenceNumber:   uint64(500 + i),
		Data:             []byte{0xAA},
	}
}

func TestNewStageRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Preset = ""
	_, err := NewStage(&bframeEncoder{}, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "preset", ce.Field)

	_, err = NewStage(nil, DefaultConfig())
	require.Error(t, err)
}

func TestStageRecoversReorderedTiming(t *testing.T) {
	t.Parallel()

	enc := &bframeEncoder{display: []int64{0, 3, 1, 2, 6, 4, 5}, lag: 2}
	s, err := NewStage(enc, DefaultConfig())
	require.NoError(t, err)

	var pts, dts []time.Duration
	var seqs []uint64
	out := &media.Frame{}
	for i := 0; i < 9; i++ {
		ok, err := s.Process(rawFrame(i), out)
		require.NoError(t, err)
		if ok {
			pts = append(pts, out.PresentationTime)
			dts = append(dts, out.DecodeTime)
			seqs = append(seqs, out.SequenceNumber)
			assert.LessOrEqual(t, out.DecodeTime, out.PresentationTime)
		}
	}

	ms := func(v ...int) []time.Duration {
		out := make([]time.Duration, len(v))
		for i, x := range v {
			out[i] = time.Duration(x) * frameTime
		}
		return out
	}
	assert.Equal(t, ms(0, 3, 1, 2, 6, 4, 5), pts)
	assert.Equal(t, ms(-1, 0, 1, 2, 3, 4, 5), dts)
	assert.Equal(t, []uint64{500, 503, 501, 502, 506, 504, 505}, seqs)
	assert.Equal(t, 1, enc.configured)

	st := s.Stats()
	assert.Equal(t, uint64(9), st.Submitted)
	assert.Equal(t, uint64(7), st.Encoded)
	assert.Zero(t, st.LookupMisses)
	// Indices 6, 7, 8 are still inside the encoder.
	assert.Equal(t, int64(3), st.InFlight)
}

func TestStageDropsOutputOnLookupMiss(t *testing.T) {
	t.Parallel()

	s, err := NewStage(rogueEncoder{}, DefaultConfig())
	require.NoError(t, err)

	out := &media.Frame{}
	ok, err := s.Process(rawFrame(0), out)
	require.ErrorIs(t, err, reorder.ErrLookupMiss)
	assert.False(t, ok)
	assert.Nil(t, out.Data, "dropped output must not be written")
	assert.Equal(t, uint64(1), s.Stats().LookupMisses)
}

func TestStageEncodeErrorReleasesRecord(t *testing.T) {
	t.Parallel()

	enc := &failingEncoder{}
	s, err := NewStage(enc, DefaultConfig())
	require.NoError(t, err)

	_, err = s.Process(rawFrame(0), &media.Frame{})
	require.Error(t, err)
	assert.Equal(t, 0, s.State().InFlight)

	_, err = s.Process(nil, &media.Frame{})
	require.Error(t, err)
}

func TestStageForcesKeyframesOnGopTime(t *testing.T) {
	t.Parallel()

	enc := &bframeEncoder{lag: 1 << 30}
	cfg := DefaultConfig()
	cfg.GopTime = time.Second
	s, err := NewStage(enc, cfg)
	require.NoError(t, err)

	for i := 0; i < 100; i++ { // 4 seconds at 25 fps
		_, err := s.Process(rawFrame(i), &media.Frame{})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{25, 50, 75}, enc.forced)
	assert.Equal(t, uint64(3), s.Stats().ForcedKeyframes)
}

func TestStageForceIntraIsOneShot(t *testing.T) {
	t.Parallel()

	enc := &bframeEncoder{lag: 1 << 30}
	s, err := NewStage(enc, DefaultConfig())
	require.NoError(t, err)

	s.ForceIntra()
	for i := 0; i < 3; i++ {
		_, err := s.Process(rawFrame(i), &media.Frame{})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{0}, enc.forced)
}

func TestConfigureMergesAndRejects(t *testing.T) {
	t.Parallel()

	enc := &bframeEncoder{lag: 1 << 30}
	s, err := NewStage(enc, DefaultConfig(), WithMinGopTime(500*time.Millisecond))
	require.NoError(t, err)

	bitrate := 4000
	gopMs := 100
	require.NoError(t, s.Configure(Params{Bitrate: &bitrate, GopTime: &gopMs}))
	cfg := s.Config()
	assert.Equal(t, 4000, cfg.Bitrate)
	assert.Equal(t, DefaultPreset, cfg.Preset, "unset fields keep their value")
	assert.Equal(t, 500*time.Millisecond, cfg.GopTime, "gop time clamped to floor")

	threads := 0
	err = s.Configure(Params{Threads: &threads, Bitrate: &bitrate})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, DefaultThreads, s.Config().Threads, "previous config stays in effect")

	_, err = s.Process(rawFrame(0), &media.Frame{})
	require.NoError(t, err)
	assert.Equal(t, 1, enc.configured, "encoder configured once before first frame")

	require.NoError(t, s.Configure(Params{Bitrate: &bitrate}))
	_, err = s.Process(rawFrame(1), &media.Frame{})
	require.NoError(t, err)
	assert.Equal(t, 2, enc.configured)
}

func TestFPSDefault(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FPS = 0
	s, err := NewStage(&bframeEncoder{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultFPS, s.Config().FPS)
	assert.Equal(t, 40*time.Millisecond, s.Config().FrameTime())
}

func TestHandleEvent(t *testing.T) {
	t.Parallel()

	enc := &bframeEncoder{lag: 1 << 30}
	s, err := NewStage(enc, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, s.HandleEvent(EventConfigure, json.RawMessage(`{"fps":30,"gopTime":2000,"preset":"veryfast"}`)))
	cfg := s.Config()
	assert.Equal(t, 30, cfg.FPS)
	assert.Equal(t, 2*time.Second, cfg.GopTime)
	assert.Equal(t, "veryfast", cfg.Preset)

	require.ErrorIs(t, s.HandleEvent(EventConfigure, json.RawMessage(`{"preset":""}`)), ErrInvalidConfig)
	require.ErrorIs(t, s.HandleEvent(EventConfigure, json.RawMessage(`{"fps":"x"}`)), ErrInvalidConfig)
	require.ErrorIs(t, s.HandleEvent(EventConfigure, nil), ErrInvalidConfig)

	require.NoError(t, s.HandleEvent(EventGopReferenceTime, json.RawMessage(`{"referenceTime":"120000"}`)))
	st := s.State()
	assert.Equal(t, "120000", st.RefTime)
	assert.True(t, st.Anchored)
	require.ErrorIs(t, s.HandleEvent(EventGopReferenceTime, json.RawMessage(`{"referenceTime":"soon"}`)), ErrInvalidConfig)

	require.NoError(t, s.HandleEvent(EventForceIntra, nil))
	_, err = s.Process(rawFrame(0), &media.Frame{})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, enc.forced)

	require.ErrorIs(t, s.HandleEvent("reboot", nil), ErrUnknownEvent)
}

func TestStateJSON(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.GopTime = 2 * time.Second
	s, err := NewStage(&bframeEncoder{}, cfg)
	require.NoError(t, err)

	b, err := json.Marshal(s.State())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, float64(2000), m["gopTime"])
	assert.Equal(t, "superfast", m["preset"])
	assert.Equal(t, "0", m["refTime"])
}
