package connect

import (
	"context"
	"encoding/binary"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaitin/sshtrace"
	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/pkg/emit"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/probe"
)

type fakeTrace struct {
	location  string
	condition string
	enabled   bool
	closed    bool
	lost      uint64
}

func (t *fakeTrace) ID() uint64              { return 1 }
func (t *fakeTrace) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *fakeTrace) GetDone() uint64         { return 0 }
func (t *fakeTrace) GetLost() uint64         { return t.lost }
func (t *fakeTrace) Close()                  { t.closed = true }

func (t *fakeTrace) SetCondition(condition string) error {
	t.condition = condition
	return nil
}

// fakeManager records the handlers instead of tracing.
type fakeManager struct {
	mu       sync.Mutex
	traces   []*fakeTrace
	handlers []interface{}
	noV6     bool
}

func (m *fakeManager) TraceKProbe(
	location string, handler interface{},
) (sshtrace.Trace, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noV6 && location == locationConnectV6 {
		return nil, nil, sshtrace.ErrBadTracePoint
	}
	trace := &fakeTrace{location: location}
	m.traces = append(m.traces, trace)
	m.handlers = append(m.handlers, handler)
	syncCh := make(chan struct{})
	close(syncCh)
	return trace, syncCh, nil
}

// call invokes the registered handler taking the event.
func (m *fakeManager) call(event interface{}) bool {
	for _, handler := range m.handlers {
		f := reflect.ValueOf(handler)
		if f.Type().In(0) == reflect.TypeOf(event) {
			f.Call([]reflect.Value{reflect.ValueOf(event)})
			return true
		}
	}
	return false
}

// connectEvent builds the entry record of a connect to
// 192.168.1.1 on port from the source in memory order.
func connectEvent(port uint16, word12, word16 uint32) entryTCPConnect {
	var addr [16]byte
	binary.LittleEndian.PutUint16(addr[0:2], 2)
	binary.BigEndian.PutUint16(addr[2:4], port)
	copy(addr[4:8], []byte{192, 168, 1, 1})
	var event entryTCPConnect
	event.TaskPID = 4242
	event.CPU = 1
	event.Epoch = 12345
	event.Head = binary.LittleEndian.Uint64(addr[0:8])
	event.Tail = binary.LittleEndian.Uint64(addr[8:16])
	event.Family = binary.LittleEndian.Uint16(addr[0:2])
	event.Port = binary.LittleEndian.Uint16(addr[2:4])
	event.Sock.Word12 = word12
	event.Sock.Word16 = word16
	return event
}

func TestInvocation(t *testing.T) {
	assert := assert.New(t)

	event := connectEvent(22, 0x0500000a, 0)
	assert.Equal(uint16(5632), event.Port, "prefilter port value")
	inv := event.invocation()
	assert.Equal(1, inv.CPU)
	assert.Equal(uint32(4242), inv.PID)
	assert.Equal(uint64(12345), inv.Timestamp)
	assert.Equal([]byte{2, 0, 0, 22, 192, 168, 1, 1}, inv.Addr[:8])
	word, err := inv.Sock.ReadUint32(12)
	assert.NoError(err)
	assert.Equal(uint32(0x0500000a), word)
}

func TestAttach(t *testing.T) {
	assert := assert.New(t)
	attempts := counter.New(16)
	channel := emit.New(2, 16)
	p := probe.New(attempts, counter.New(16), channel)
	col := &collector{
		connector:  p,
		v6:         probe.NopV6{},
		completion: probe.NopCompletion{},
	}
	manager := &fakeManager{}

	attached, err := attach(context.Background(), manager, col, true)
	require.NoError(t, err)
	require.Len(t, manager.traces, 3)
	assert.Equal(prefilterCondition, manager.traces[0].condition)
	for _, trace := range manager.traces {
		assert.True(trace.enabled, trace.location)
	}

	assert.True(manager.call(connectEvent(22, 0x0500000a, 0)))
	assert.True(manager.call(connectEvent(80, 0x0500000a, 0)))
	assert.True(manager.call(exitTCPConnect{Retval: -111}))
	assert.True(manager.call(entryTCPv6Connect{Head: 10}))

	count, ok := attempts.Lookup(0x0a000005)
	assert.True(ok)
	assert.Equal(uint64(1), count)
	records := channel.Drain()
	require.Len(t, records, 1)
	assert.Equal(record.Record{
		Address:   0x0a000005,
		Port:      22,
		PID:       4242,
		Kind:      record.KindAttempt,
		Timestamp: 12345,
	}, records[0])
	assert.Equal(uint64(1), p.Stats().Filtered)

	// Records the trace manager could not handle are lost.
	assert.Equal(uint64(0), attached.lost())
	manager.traces[0].lost = 2
	manager.traces[2].lost = 1
	assert.Equal(uint64(3), attached.lost())

	attached.detach()
	for _, trace := range manager.traces {
		assert.True(trace.closed, trace.location)
	}
}

func TestAttachWithoutIPv6(t *testing.T) {
	assert := assert.New(t)
	manager := &fakeManager{noV6: true}
	col := &collector{
		connector:  probe.NopV6{},
		v6:         probe.NopV6{},
		completion: probe.NopCompletion{},
	}
	attached, err := attach(context.Background(), manager, col, false)
	require.NoError(t, err)
	defer attached.detach()
	require.Len(t, manager.traces, 2)
	assert.Equal("", manager.traces[0].condition)
}

func TestAttachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	manager := &blockingManager{}
	_, err := attach(ctx, manager, &collector{}, false)
	assert.ErrorIs(t, err, context.Canceled)
	for _, trace := range manager.traces {
		assert.True(t, trace.closed)
	}
}

// blockingManager never synchronizes its traces.
type blockingManager struct {
	traces []*fakeTrace
}

func (m *blockingManager) TraceKProbe(
	location string, handler interface{},
) (sshtrace.Trace, <-chan struct{}, error) {
	trace := &fakeTrace{location: location}
	m.traces = append(m.traces, trace)
	return trace, make(chan struct{}), nil
}
