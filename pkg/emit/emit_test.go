package emit

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chaitin/sshtrace/pkg/record"
)

func TestEmitDropOnFull(t *testing.T) {
	assert := assert.New(t)
	channel := New(2, 2)
	assert.Equal(2, channel.CPUs())

	assert.True(channel.Emit(0, record.Record{Timestamp: 3}))
	assert.True(channel.Emit(0, record.Record{Timestamp: 4}))
	assert.False(channel.Emit(0, record.Record{Timestamp: 5}))

	// Other rings are unaffected by the full one.
	assert.True(channel.Emit(1, record.Record{Timestamp: 1}))
	assert.True(channel.Emit(3, record.Record{Timestamp: 2}))
	assert.Equal(uint64(4), channel.Emitted())
	assert.Equal(uint64(1), channel.Dropped())

	records := channel.Drain()
	var timestamps []uint64
	for _, r := range records {
		timestamps = append(timestamps, r.Timestamp)
	}
	assert.Equal([]uint64{1, 2, 3, 4}, timestamps)
	assert.Empty(channel.Drain())
}

func TestEmitFoldsOutOfRangeCPU(t *testing.T) {
	assert := assert.New(t)
	channel := New(3, 4)
	for _, cpu := range []int{-1, -7, math.MinInt, math.MaxInt, 5} {
		assert.NotPanics(func() {
			assert.True(channel.Emit(cpu, record.Record{}))
		}, "cpu %d", cpu)
	}
	assert.Len(channel.Drain(), 5)
}

func TestEmitConcurrent(t *testing.T) {
	const producers = 16
	const rounds = 200
	channel := New(4, 64)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				channel.Emit(cpu, record.Record{PID: uint32(cpu)})
			}
		}(i)
	}
	wg.Wait()

	// Every record is either delivered or accounted.
	received := len(channel.Drain())
	assert.Equal(t, uint64(received), channel.Emitted())
	assert.Equal(t, uint64(producers*rounds),
		channel.Emitted()+channel.Dropped())
	assert.LessOrEqual(t, received, 4*64)
}

func TestRun(t *testing.T) {
	assert := assert.New(t)
	channel := New(2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan record.Record)
	done := make(chan error, 1)
	go func() { done <- channel.Run(ctx, out) }()

	channel.Emit(0, record.Record{Port: 22, Timestamp: 1})
	channel.Emit(1, record.Record{Port: 22, Timestamp: 2})
	received := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-out:
			received[r.Timestamp] = true
		case <-time.After(5 * time.Second):
			t.Fatal("record not forwarded")
		}
	}
	assert.Equal(map[uint64]bool{1: true, 2: true}, received)

	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("run not terminated")
	}
}
