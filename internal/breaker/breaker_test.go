package breaker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_ReserveAndRelease(t *testing.T) {
	b := New(100)

	require.NoError(t, b.Reserve(60))
	assert.Equal(t, int64(60), b.Used())

	require.NoError(t, b.Reserve(40))
	assert.Equal(t, int64(100), b.Used())

	b.Release(60)
	assert.Equal(t, int64(40), b.Used())
	b.Release(40)
	assert.Equal(t, int64(0), b.Used())
}

func TestBreaker_RejectsOverBudget(t *testing.T) {
	b := New(100)

	require.NoError(t, b.Reserve(80))
	err := b.Reserve(30)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// A rejected reservation leaves the accounting unchanged.
	assert.Equal(t, int64(80), b.Used())
	assert.Equal(t, int64(1), b.TripCount())

	// A smaller reservation still fits.
	require.NoError(t, b.Reserve(20))
	assert.Equal(t, int64(100), b.Used())
}

func TestBreaker_ZeroLimitNeverRejects(t *testing.T) {
	b := New(0)
	require.NoError(t, b.Reserve(1<<40))
	assert.Equal(t, int64(1<<40), b.Used())
}

func TestBreaker_ReserveUnchecked(t *testing.T) {
	b := New(10)
	require.NoError(t, b.Reserve(10))

	// Exempt traffic pushes past the limit without tripping.
	b.ReserveUnchecked(50)
	assert.Equal(t, int64(60), b.Used())
	assert.Equal(t, int64(0), b.TripCount())

	// And checked traffic is now rejected until it drains.
	require.ErrorIs(t, b.Reserve(1), ErrBudgetExceeded)
	b.Release(50)
	b.Release(10)
}

func TestBreaker_ReleaseBelowZeroPanics(t *testing.T) {
	b := New(100)
	require.NoError(t, b.Reserve(10))
	b.Release(10)

	assert.Panics(t, func() { b.Release(1) })
}

func TestBreaker_NegativeReservationPanics(t *testing.T) {
	b := New(100)
	assert.Panics(t, func() { _ = b.Reserve(-1) })
	assert.Panics(t, func() { b.ReserveUnchecked(-1) })
	assert.Panics(t, func() { b.Release(-1) })
}

func TestBreaker_ConcurrentAccounting(t *testing.T) {
	b := New(0)

	const goroutines = 16
	const rounds = 1000

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if err := b.Reserve(7); err != nil {
					t.Error(err)
					return
				}
				b.Release(7)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), b.Used())
}
