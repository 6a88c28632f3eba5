package sshtrace

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type portEvent struct {
	ProbeEvent
	Port    uint16 `tracing:"+2(%si),,bigendian"`
	Address uint32 `tracing:"+4(%si),,bigendian"`
}

// traceLine renders a record the way the trace pipe does.
func traceLine(
	handle *traceHandle, pid uint32, cpu int, epoch string,
	args string,
) string {
	return fmt.Sprintf("%16s-%d [%03d] d... %s: %s: "+
		"(tcp_v4_connect+0x0/0x4b0) %s\n",
		"<...>", pid, cpu, epoch, handle.getProbeName(), args)
}

func newTestWriter(
	t *testing.T, enabled bool, handler func(portEvent),
) (*traceWriterState, *traceHandle) {
	desc, err := parseEventHandler(handler)
	require.NoError(t, err)
	handle := &traceHandle{
		id:         7,
		createTime: 0x1234,
		handler:    reflect.ValueOf(handler),
		desc:       desc,
		enabled:    enabled,
	}
	return &traceWriterState{
		registries: map[uint64]*traceHandle{handle.id: handle},
		baseTime:   time.Unix(1000, 0),
		baseEpoch:  10 * time.Second,
		logger:     zap.NewNop().Sugar(),
	}, handle
}

func TestHandleData(t *testing.T) {
	assert := assert.New(t)
	var events []portEvent
	state, handle := newTestWriter(t, true, func(e portEvent) {
		events = append(events, e)
	})

	data := traceLine(handle, 4242, 3, "12.500000",
		"Port=5632 Address=83886090") +
		"garbage line\n" +
		traceLine(handle, 4243, 11, "12.600000",
			"Port=5632 Address=16885952")
	state.handleData([]byte(data))

	require.Len(t, events, 2)
	assert.Equal(uint32(4242), events[0].TaskPID)
	assert.Equal(3, events[0].CPU)
	assert.Equal(12500*time.Millisecond, events[0].Epoch)
	assert.Equal(time.Unix(1002, 500000000), events[0].Timestamp)
	assert.Equal(uint16(22), events[0].Port)
	assert.Equal(uint32(0x0a000005), events[0].Address)
	assert.Equal(11, events[1].CPU)
	assert.Equal(uint32(0xc0a80101), events[1].Address)
	assert.Equal(uint64(2), handle.GetDone())
}

func TestHandleDataInterleavedEpochs(t *testing.T) {
	assert := assert.New(t)
	var cpus []int
	state, handle := newTestWriter(t, true, func(e portEvent) {
		cpus = append(cpus, e.CPU)
	})

	// Processors stamp with the same clock at microsecond
	// resolution, so equal and earlier epochs interleave.
	data := traceLine(handle, 1, 0, "12.500000",
		"Port=5632 Address=83886090") +
		traceLine(handle, 2, 1, "12.500000",
			"Port=5632 Address=83886090") +
		traceLine(handle, 3, 2, "12.499999",
			"Port=5632 Address=83886090")
	state.handleData([]byte(data))
	assert.Equal([]int{0, 1, 2}, cpus)

	// Reading the same records again dispatches them again.
	state.handleData([]byte(data))
	assert.Len(cpus, 6)
	assert.Equal(uint64(6), handle.GetDone())
	assert.Equal(uint64(0), handle.GetLost())
}

func TestHandleDataDisabled(t *testing.T) {
	assert := assert.New(t)
	called := false
	state, handle := newTestWriter(t, false, func(portEvent) {
		called = true
	})
	state.handleData([]byte(traceLine(handle, 1, 0, "1.0",
		"Port=5632 Address=83886090")))
	assert.False(called)
	assert.Equal(uint64(0), handle.GetDone())
	assert.Equal(uint64(1), handle.GetLost())

	// Unknown probes are ignored without accounting.
	other := &traceHandle{id: 8, createTime: 0x1234}
	state.handleData([]byte(traceLine(other, 1, 0, "2.0",
		"Port=5632 Address=83886090")))
	assert.Equal(uint64(1), handle.GetLost())
}

func TestParseColumns(t *testing.T) {
	assert := assert.New(t)

	d, err := parseSecond([]byte("12345.678901"))
	assert.NoError(err)
	assert.Equal(12345*time.Second+678901*time.Microsecond, d)
	d, err = parseSecond([]byte("3"))
	assert.NoError(err)
	assert.Equal(3*time.Second, d)
	_, err = parseSecond([]byte("x.1"))
	assert.Error(err)

	cpu, err := parseCPU([]byte("[007]"))
	assert.NoError(err)
	assert.Equal(7, cpu)
	_, err = parseCPU([]byte("007"))
	assert.Error(err)

	createTime, id := parseProbeName([]byte("probe_1234_7"))
	assert.Equal(uint64(0x1234), createTime)
	assert.Equal(uint64(7), id)
	_, id = parseProbeName([]byte("sched_switch"))
	assert.Equal(uint64(0), id)

	assert.Equal("0", evaluateCondition("", ""))
	assert.Equal("a", evaluateCondition("a", ""))
	assert.Equal("b", evaluateCondition("", "b"))
	assert.Equal("(a) && (b)", evaluateCondition("a", "b"))
}
