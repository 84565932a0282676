package framequeue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/metronome/media"
)

func TestSharedCopiesInAndOut(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 2, 0)
	s := NewShared(q)

	src := &media.Frame{SequenceNumber: 1, IsKeyframe: true, Codec: "h264", Data: []byte{1, 2, 3}}
	dropped, err := s.Write(src)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	src.Data[0] = 9 // the queue holds its own copy

	select {
	case <-s.Ready():
	default:
		t.Fatal("write did not signal readiness")
	}

	clk.advance(1)
	var dst media.Frame
	ok, err := s.Read(&dst)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, dst.Data)
	assert.True(t, dst.IsKeyframe)
	assert.Equal(t, "h264", dst.Codec)

	ok, err = s.Read(&dst)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedWriteDropsNewestWhenFull(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 2, 0)
	s := NewShared(q)
	for i := uint64(1); i <= 3; i++ {
		_, err := s.Write(&media.Frame{SequenceNumber: i})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), s.Stats().Dropped)

	clk.advance(1)
	var got []uint64
	var dst media.Frame
	for {
		ok, err := s.Read(&dst)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, dst.SequenceNumber)
	}
	assert.Equal(t, []uint64{1, 3}, got, "frame 2 was the newest when 3 arrived")
}

func TestSharedReadForcedRepeatsLastFrame(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 4, 0)
	s := NewShared(q)
	_, err := s.Write(&media.Frame{SequenceNumber: 7, Data: []byte{7}})
	require.NoError(t, err)
	clk.advance(1)

	var dst media.Frame
	fresh, err := s.ReadForced(&dst)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, uint64(7), dst.SequenceNumber)

	fresh, err = s.ReadForced(&dst)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, uint64(7), dst.SequenceNumber)
	assert.Equal(t, uint64(1), s.Stats().Reused)
	assert.Equal(t, uint64(1), s.Stats().Read)
}

func TestSharedConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	q, err := New(8)
	require.NoError(t, err)
	s := NewShared(q)

	const n = 2000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= n; i++ {
			_, err := s.Write(&media.Frame{SequenceNumber: i})
			assert.NoError(t, err)
		}
	}()

	var last uint64
	var dst media.Frame
	for last < n {
		ok, err := s.Read(&dst)
		require.NoError(t, err)
		if !ok {
			select {
			case <-s.Ready():
			case <-time.After(time.Millisecond):
			}
			continue
		}
		require.Greater(t, dst.SequenceNumber, last, "frames stay in order")
		last = dst.SequenceNumber
	}
	wg.Wait()

	st := s.Stats()
	assert.Equal(t, uint64(n), st.Written)
	assert.Equal(t, st.Written, st.Read+st.Dropped+uint64(st.Depth))
}
