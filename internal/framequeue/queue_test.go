package framequeue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, max int, delay time.Duration) (*Queue, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	q, err := New(max, WithClock(clk.now), WithDelay(delay))
	require.NoError(t, err)
	return q, clk
}

func write(t *testing.T, q *Queue, seq uint64) {
	t.Helper()
	f, ok := q.TryWriteSlot()
	require.True(t, ok, "write slot for seq %d", seq)
	f.SequenceNumber = seq
	require.NoError(t, q.CommitWrite())
}

func TestNewRejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := New(0)
	require.Error(t, err)
	_, err = New(-3)
	require.Error(t, err)
	_, err = New(4, WithDelay(-time.Millisecond))
	require.Error(t, err)
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 4, 0)
	for round := 0; round < 3; round++ {
		for i := 0; i < 3; i++ {
			write(t, q, uint64(round*10+i))
		}
		for i := 0; i < 3; i++ {
			f, ok := q.TryReadSlot()
			require.True(t, ok)
			assert.Equal(t, uint64(round*10+i), f.SequenceNumber)
			require.NoError(t, q.CommitRead())
		}
	}
	assert.True(t, q.Empty())
}

func TestFullAfterNWrites(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 5; n++ {
		q, _ := newTestQueue(t, n, 0)
		for i := 0; i < n; i++ {
			write(t, q, uint64(i))
		}
		_, ok := q.TryWriteSlot()
		assert.False(t, ok, "capacity %d", n)
		assert.ErrorIs(t, q.CommitWrite(), ErrQueueFull)
		assert.True(t, q.Full())

		f, dropped := q.ForcedWriteSlot()
		require.NotNil(t, f)
		assert.LessOrEqual(t, dropped, n)
		assert.Equal(t, 1, dropped)
		assert.Equal(t, n-1, q.Len())
		assert.Equal(t, uint64(1), q.Stats().Dropped)
	}
}

func TestDiscardNewestDropsMostRecent(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 3, 0)
	assert.False(t, q.DiscardNewest(), "no-op when not full")

	write(t, q, 1)
	write(t, q, 2)
	write(t, q, 3)
	require.True(t, q.DiscardNewest())

	f, dropped := q.ForcedWriteSlot()
	assert.Equal(t, 0, dropped)
	f.SequenceNumber = 4
	require.NoError(t, q.CommitWrite())

	var got []uint64
	for !q.Empty() {
		f, ok := q.TryReadSlot()
		require.True(t, ok)
		got = append(got, f.SequenceNumber)
		require.NoError(t, q.CommitRead())
	}
	assert.Equal(t, []uint64{1, 2, 4}, got)
}

func TestCapacityOneDiscard(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 1, 0)
	write(t, q, 1)
	require.True(t, q.DiscardNewest())
	assert.Equal(t, 0, q.Len())

	f, ok := q.TryWriteSlot()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.SequenceNumber, "slot object is reused in place")
}

func TestReadinessDelayIsStrict(t *testing.T) {
	t.Parallel()

	const delay = 40 * time.Millisecond
	q, clk := newTestQueue(t, 4, delay)
	write(t, q, 1)

	_, ok := q.TryReadSlot()
	assert.False(t, ok, "fresh frame not ready")

	clk.advance(delay)
	_, ok = q.TryReadSlot()
	assert.False(t, ok, "exactly delay is not ready")

	clk.advance(time.Nanosecond)
	f, ok := q.TryReadSlot()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.SequenceNumber)
}

func TestZeroDelayReadyWhenTimeMoves(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 2, 0)
	write(t, q, 1)
	clk.advance(time.Nanosecond)
	_, ok := q.TryReadSlot()
	assert.True(t, ok)
}

func TestEmptyQueueNotReadable(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 2, 0)
	clk.advance(time.Hour)
	_, ok := q.TryReadSlot()
	assert.False(t, ok)
	assert.ErrorIs(t, q.CommitRead(), ErrQueueEmpty)
}

func TestForcedReadSlotReusesLastRetired(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 3, 10*time.Millisecond)
	write(t, q, 7)
	clk.advance(20 * time.Millisecond)

	f, fresh := q.ForcedReadSlot()
	require.True(t, fresh)
	assert.Equal(t, uint64(7), f.SequenceNumber)
	require.NoError(t, q.CommitRead())

	// Queue empty: the retired frame comes back.
	f, fresh = q.ForcedReadSlot()
	assert.False(t, fresh)
	assert.Equal(t, uint64(7), f.SequenceNumber)
	assert.True(t, f.Consumed)

	// A new frame that has not aged yet: still the retired one.
	write(t, q, 8)
	f, fresh = q.ForcedReadSlot()
	assert.False(t, fresh)
	assert.Equal(t, uint64(7), f.SequenceNumber)

	assert.Equal(t, uint64(2), q.Stats().Reused)
}

func TestForcedReadSlotAcrossWrap(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 2, 0)
	for seq := uint64(1); seq <= 5; seq++ {
		write(t, q, seq)
		clk.advance(time.Millisecond)
		_, ok := q.TryReadSlot()
		require.True(t, ok)
		require.NoError(t, q.CommitRead())

		f, fresh := q.ForcedReadSlot()
		assert.False(t, fresh)
		assert.Equal(t, seq, f.SequenceNumber)
	}
}

func TestSetDelay(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 2, 0)
	require.NoError(t, q.SetDelay(5*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, q.Delay())
	require.Error(t, q.SetDelay(-1))
	assert.Equal(t, 5*time.Millisecond, q.Delay(), "rejected value keeps previous delay")
}

func TestStats(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 2, 0)
	write(t, q, 1)
	write(t, q, 2)
	q.ForcedWriteSlot()
	clk.advance(time.Millisecond)
	_, ok := q.TryReadSlot()
	require.True(t, ok)
	require.NoError(t, q.CommitRead())

	s := q.Stats()
	assert.Equal(t, Stats{Depth: 0, Capacity: 2, Written: 2, Read: 1, Dropped: 1}, s)
}
