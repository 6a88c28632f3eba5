package counter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrement(t *testing.T) {
	assert := assert.New(t)
	store := New(16)

	_, ok := store.Lookup(0x0a000005)
	assert.False(ok)

	for i := uint64(1); i <= 3; i++ {
		count, err := store.Increment(0x0a000005)
		assert.NoError(err)
		assert.Equal(i, count)
	}
	count, err := store.Increment(0)
	assert.NoError(err)
	assert.Equal(uint64(1), count)

	count, ok = store.Lookup(0x0a000005)
	assert.True(ok)
	assert.Equal(uint64(3), count)
	assert.Equal(2, store.Len())
	assert.Equal(16, store.Capacity())

	snapshot, err := Snapshot(store)
	assert.NoError(err)
	assert.Equal(map[uint32]uint64{
		0x0a000005: 3,
		0:          1,
	}, snapshot)
}

func TestCapacity(t *testing.T) {
	assert := assert.New(t)
	const capacity = 8
	store := New(capacity)

	for key := uint32(1); key <= capacity; key++ {
		for i := uint32(0); i < key; i++ {
			_, err := store.Increment(key)
			assert.NoError(err)
		}
	}

	// Inserting more distinct keys fails safely.
	for key := uint32(100); key < 200; key++ {
		_, err := store.Increment(key)
		assert.Equal(ErrFull, err)
		_, ok := store.Lookup(key)
		assert.False(ok)
	}
	assert.Equal(capacity, store.Len())

	// Existing keys are untouched and still updatable.
	for key := uint32(1); key <= capacity; key++ {
		count, ok := store.Lookup(key)
		assert.True(ok)
		assert.Equal(uint64(key), count)
	}
	count, err := store.Increment(capacity)
	assert.NoError(err)
	assert.Equal(uint64(capacity+1), count)
}

func TestConcurrentApproximate(t *testing.T) {
	const workers = 32
	const rounds = 1000
	store := New(4)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				_, _ = store.Increment(0x0a000005)
			}
		}()
	}
	wg.Wait()

	count, ok := store.Lookup(0x0a000005)
	require.True(t, ok)
	assert.GreaterOrEqual(t, count, uint64(1))
	assert.LessOrEqual(t, count, uint64(workers*rounds))
	assert.Equal(t, 1, store.Len())
}

func TestConcurrentExact(t *testing.T) {
	const workers = 32
	const rounds = 1000
	store := NewExact(64)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				_, _ = store.Increment(0x0a000005)
				_, _ = store.Increment(uint32(i))
			}
		}(i)
	}
	wg.Wait()

	count, ok := store.Lookup(0x0a000005)
	require.True(t, ok)
	assert.Equal(t, uint64(workers*rounds), count)
	for i := 0; i < workers; i++ {
		count, ok := store.Lookup(uint32(i))
		require.True(t, ok)
		assert.Equal(t, uint64(rounds), count)
	}
	assert.Equal(t, workers+1, store.Len())
}

func TestConcurrentInsertCapacity(t *testing.T) {
	const capacity = 16
	store := NewExact(capacity)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for key := uint32(0); key < 256; key++ {
				_, _ = store.Increment(key*8 + uint32(i))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, store.Len())
	snapshot, err := Snapshot(store)
	assert.NoError(t, err)
	assert.Len(t, snapshot, capacity)
	for _, count := range snapshot {
		assert.Equal(t, uint64(1), count)
	}
}

func TestTop(t *testing.T) {
	assert := assert.New(t)
	store := New(8)
	for key, n := range map[uint32]int{1: 2, 2: 5, 3: 2, 4: 1} {
		for i := 0; i < n; i++ {
			_, _ = store.Increment(key)
		}
	}
	top, err := Top(store, 3)
	assert.NoError(err)
	assert.Equal([]Entry{
		{Key: 2, Count: 5},
		{Key: 1, Count: 2},
		{Key: 3, Count: 2},
	}, top)
}
