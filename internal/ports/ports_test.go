package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveDistinctPorts(t *testing.T) {
	a := New()
	got, err := a.Reserve(3, Range{Lo: 20000, Hi: 20100})
	require.NoError(t, err)
	require.Len(t, got, 3)

	seen := map[int]bool{}
	for _, p := range got {
		assert.False(t, seen[p], "port %d reserved twice", p)
		assert.GreaterOrEqual(t, p, 20000)
		assert.Less(t, p, 20100)
		seen[p] = true
	}
}

func TestReserveThenRelease(t *testing.T) {
	a := New()
	got, err := a.Reserve(1, Range{Lo: 21000, Hi: 21001})
	require.NoError(t, err)
	a.Release(got)

	got2, err := a.Reserve(1, Range{Lo: 21000, Hi: 21001})
	require.NoError(t, err)
	assert.Equal(t, got, got2)
}

func TestReserveExhausted(t *testing.T) {
	a := New()
	_, err := a.Reserve(2, Range{Lo: 22000, Hi: 22001})
	assert.Error(t, err)
}

func TestConcurrentReservationsDisjoint(t *testing.T) {
	a := New()
	const workers = 8
	results := make([][]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := a.Reserve(2, Range{Lo: 23000, Hi: 23100})
			require.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, got := range results {
		for _, p := range got {
			assert.False(t, seen[p], "port %d double-reserved across goroutines", p)
			seen[p] = true
		}
	}
}
