package probe

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/pkg/emit"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/pkg/sockaddr"
)

// sockaddrIn builds the raw sockaddr_in buffer.
func sockaddrIn(family uint16, port uint16, addr [4]byte) []byte {
	return []byte{
		byte(family), byte(family >> 8),
		byte(port >> 8), byte(port),
		addr[0], addr[1], addr[2], addr[3],
		0, 0, 0, 0, 0, 0, 0, 0,
	}
}

// sourceAt places the address at the primary offset of
// the connection object, in memory order.
func sourceAt(addr [4]byte) sockaddr.Words {
	return sockaddr.Words{
		sockaddr.PrimarySourceOffset: uint32(addr[0]) |
			uint32(addr[1])<<8 | uint32(addr[2])<<16 |
			uint32(addr[3])<<24,
		sockaddr.SecondarySourceOffset: 0,
	}
}

// fixture wires a probe with in memory stores and channel.
type fixture struct {
	attempts counter.Store
	failures counter.Store
	channel  *emit.Channel
	probe    *Probe
	now      atomic.Uint64
}

func newFixture(capacity int, options ...Option) *fixture {
	f := &fixture{
		attempts: counter.New(capacity),
		failures: counter.New(capacity),
		channel:  emit.New(4, 1024),
	}
	options = append([]Option{WithClock(func() uint64 {
		return f.now.Add(10)
	})}, options...)
	f.probe = New(f.attempts, f.failures, f.channel, options...)
	return f
}

func TestFilteredFamily(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(16)

	for _, family := range []uint16{0, 1, 10, 17, 0x0200} {
		state := f.probe.OnConnect(Invocation{
			PID:  1,
			Addr: sockaddrIn(family, 22, [4]byte{10, 0, 0, 1}),
			Sock: sourceAt([4]byte{10, 0, 0, 5}),
		})
		assert.Equal(StateFiltered, state)
	}
	assert.Equal(0, f.attempts.Len())
	assert.Empty(f.channel.Drain())
	assert.Equal(uint64(5), f.probe.Stats().Filtered)
}

func TestFilteredPort(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(16)

	for _, port := range []uint16{0, 21, 23, 80, 443, 2222, 5632} {
		state := f.probe.OnConnect(Invocation{
			PID:  1,
			Addr: sockaddrIn(sockaddr.FamilyInet, port, [4]byte{10, 0, 0, 1}),
			Sock: sourceAt([4]byte{10, 0, 0, 5}),
		})
		assert.Equal(StateFiltered, state, "port %d", port)
	}

	// Unreadable buffers are filtered as well.
	assert.Equal(StateFiltered, f.probe.OnConnect(Invocation{}))
	assert.Equal(0, f.attempts.Len())
	assert.Empty(f.channel.Drain())
}

func TestObserved(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(16)

	state := f.probe.OnConnect(Invocation{
		CPU:  2,
		PID:  4242,
		Addr: sockaddrIn(sockaddr.FamilyInet, 22, [4]byte{192, 168, 1, 1}),
		Sock: sourceAt([4]byte{10, 0, 0, 5}),
	})
	assert.Equal(StateObserved, state)

	count, ok := f.attempts.Lookup(0x0a000005)
	assert.True(ok)
	assert.Equal(uint64(1), count)
	assert.Equal(0, f.failures.Len())

	records := f.channel.Drain()
	require.Len(t, records, 1)
	assert.Equal(record.Record{
		Address:   0x0a000005,
		Port:      22,
		PID:       4242,
		Kind:      record.KindAttempt,
		Timestamp: 10,
	}, records[0])
	assert.False(records[0].Degraded())
}

func TestTracerTimestamp(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(16)

	f.probe.OnConnect(Invocation{
		Addr:      sockaddrIn(sockaddr.FamilyInet, 22, [4]byte{192, 168, 1, 1}),
		Sock:      sourceAt([4]byte{10, 0, 0, 5}),
		Timestamp: 123456789,
	})
	records := f.channel.Drain()
	require.Len(t, records, 1)
	assert.Equal(uint64(123456789), records[0].Timestamp)
	assert.Equal(uint64(0), f.now.Load())
}

func TestDegradedResolution(t *testing.T) {
	assert := assert.New(t)
	core, logs := observer.New(zap.DebugLevel)
	var hooked []uint32
	f := newFixture(16,
		WithLogger(zap.New(core)),
		WithDegradedHook(func(src, dst uint32) {
			hooked = append(hooked, src, dst)
		}))

	state := f.probe.OnConnect(Invocation{
		PID:  7,
		Addr: sockaddrIn(sockaddr.FamilyInet, 22, [4]byte{192, 168, 1, 1}),
		Sock: sockaddr.Words{
			sockaddr.PrimarySourceOffset:   0,
			sockaddr.SecondarySourceOffset: 0,
		},
	})
	assert.Equal(StateObserved, state)
	assert.Equal([]uint32{0xc0a80101, 0xc0a80101}, hooked)

	records := f.channel.Drain()
	require.Len(t, records, 1)
	assert.Equal(uint32(0xc0a80101), records[0].Address)
	assert.True(records[0].Degraded())

	count, _ := f.attempts.Lookup(0xc0a80101)
	assert.Equal(uint64(1), count)
	assert.Equal(uint64(1), f.probe.Stats().Degraded)
	assert.Equal(1, logs.FilterMessageSnippet("unresolved").Len())
}

func TestThreeSequentialAttempts(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(16)

	for i := 0; i < 3; i++ {
		f.probe.OnConnect(Invocation{
			CPU:  i,
			PID:  uint32(100 + i),
			Addr: sockaddrIn(sockaddr.FamilyInet, 22, [4]byte{172, 16, 0, 1}),
			Sock: sourceAt([4]byte{10, 0, 0, 5}),
		})
	}

	count, ok := f.attempts.Lookup(0x0a000005)
	assert.True(ok)
	assert.Equal(uint64(3), count)

	records := f.channel.Drain()
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(record.KindAttempt, r.Kind)
		assert.Equal("10.0.0.5", r.IP().String())
		assert.Equal(uint16(22), r.Port)
		assert.Equal(uint32(100+i), r.PID)
		if i > 0 {
			assert.GreaterOrEqual(r.Timestamp, records[i-1].Timestamp)
		}
	}
}

func TestCounterFullStillEmits(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(2)

	for i := byte(1); i <= 4; i++ {
		state := f.probe.OnConnect(Invocation{
			Addr: sockaddrIn(sockaddr.FamilyInet, 22, [4]byte{192, 168, 1, 1}),
			Sock: sourceAt([4]byte{10, 0, 0, i}),
		})
		assert.Equal(StateObserved, state)
	}

	assert.Equal(2, f.attempts.Len())
	count, _ := f.attempts.Lookup(0x0a000001)
	assert.Equal(uint64(1), count)
	count, _ = f.attempts.Lookup(0x0a000002)
	assert.Equal(uint64(1), count)
	assert.Len(f.channel.Drain(), 4)
	assert.Equal(uint64(2), f.probe.Stats().CounterErrors)
}

func TestChannelFullStillCounts(t *testing.T) {
	assert := assert.New(t)
	attempts := counter.New(4)
	channel := emit.New(1, 1)
	p := New(attempts, counter.New(4), channel)

	for i := 0; i < 3; i++ {
		p.OnConnect(Invocation{
			Addr: sockaddrIn(sockaddr.FamilyInet, 22, [4]byte{192, 168, 1, 1}),
			Sock: sourceAt([4]byte{10, 0, 0, 5}),
		})
	}
	count, _ := attempts.Lookup(0x0a000005)
	assert.Equal(uint64(3), count)
	assert.Len(channel.Drain(), 1)
	assert.Equal(uint64(2), channel.Dropped())
	assert.Equal(uint64(2), p.Stats().Dropped)
}

func TestConcurrentInvocations(t *testing.T) {
	const n = 64
	f := newFixture(16)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			f.probe.OnConnect(Invocation{
				CPU:  cpu,
				Addr: sockaddrIn(sockaddr.FamilyInet, 22, [4]byte{192, 168, 1, 1}),
				Sock: sourceAt([4]byte{10, 0, 0, 5}),
			})
		}(i)
	}
	wg.Wait()

	count, ok := f.attempts.Lookup(0x0a000005)
	require.True(t, ok)
	assert.GreaterOrEqual(t, count, uint64(1))
	assert.LessOrEqual(t, count, uint64(n))
	assert.Equal(t, uint64(n), f.probe.Stats().Observed)
}

func TestStubs(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(16)

	var v6 Connector = NopV6{}
	assert.Equal(StateFiltered, v6.OnConnect(Invocation{
		Addr: sockaddrIn(sockaddr.FamilyInet, 22, [4]byte{10, 0, 0, 1}),
	}))

	var completion Completion = NopCompletion{}
	completion.OnReturn(ReturnInvocation{PID: 1, Retval: -111})
	assert.Equal(0, f.failures.Len())
	assert.Equal("filtered", StateFiltered.String())
	assert.Equal("observed", StateObserved.String())
}
