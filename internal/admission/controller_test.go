package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotsFor(t *testing.T) {
	testCases := []struct {
		in, expected int
	}{
		{0, 2}, {1, 2}, {2, 2}, {8, 8}, {16, 16}, {64, 16},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, SlotsFor(tc.in), "parallelism %d", tc.in)
	}
}

func TestAcquireTimesOutAsBusy(t *testing.T) {
	c := NewController(1, 20*time.Millisecond)

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	start := time.Now()
	_, err = c.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrServerBusy)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	c := NewController(1, time.Minute)
	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewController(1, 20*time.Millisecond)

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()
	slot.Release()
	assert.EqualValues(t, 0, c.Stats().InUse)

	a, err := c.Acquire(context.Background())
	require.NoError(t, err)
	_, err = c.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrServerBusy, "double release must not grow the pool")
	a.Release()

	var nilSlot *Slot
	assert.NotPanics(t, nilSlot.Release)
}

func TestConcurrencyNeverExceedsCapacity(t *testing.T) {
	c := NewController(3, time.Second)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := c.Acquire(context.Background())
			if err != nil {
				return
			}
			defer slot.Release()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.EqualValues(t, 0, c.Stats().InUse)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	c := NewController(2, time.Second)
	id := "0123456789abcdef0123456789abcdef"

	require.True(t, c.Register(id))
	assert.False(t, c.Register(id))
	assert.True(t, c.IsActive(id))
	assert.EqualValues(t, 1, c.Stats().ActiveUploads)

	c.Unregister(id)
	c.Unregister(id)
	assert.False(t, c.IsActive(id))
	assert.EqualValues(t, 0, c.Stats().ActiveUploads)
	assert.True(t, c.Register(id))
}

func TestRegisterIndependentOfSlots(t *testing.T) {
	c := NewController(1, 10*time.Millisecond)
	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	assert.True(t, c.Register("a"), "id registration does not need a slot")
}
