// Package sshtrace is the kprobe tracing framework under
// the SSH connection attempt monitor.
//
// Probes are registered into "<tracefs>/kprobe_events" and
// their records are consumed from the trace pipe of a
// dedicated instance, then decoded into the argument of
// the registered handler.
package sshtrace

import (
	"reflect"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrBadTracePoint is the error returned when the target
// trace point cannot be attached to.
var ErrBadTracePoint = errors.New("bad tracepoint")

// Condition is common embed field for defining an extra
// condition for current field.
type Condition struct{}

// typeCondition is the specified case for condition.
var typeCondition = reflect.TypeOf(Condition{})

// Event stores common event data made by all types of
// concrete tracing events. The format is defined by
// "<tracefs>/trace" file:
//
//	<comm>-<pid> [<cpu>] <flags> <epoch>: <probe>: <args>
//
// The comm field is omitted since it is always incomplete
// (rendered as "<...>") and is not required by any event.
type Event struct {
	TaskPID   uint32
	CPU       int
	Timestamp time.Time

	// Epoch is the time of the trace clock when the event
	// is recorded, which is CLOCK_MONOTONIC when the clock
	// "mono" is available.
	Epoch time.Duration
}

// ProbeEvent is the event triggered when touching any
// of the breakpoint inside a function.
type ProbeEvent struct {
	Event
}

// typeProbeEvent is the event kind of probe.
var typeProbeEvent = reflect.TypeOf(ProbeEvent{})

// ReturnEvent is the event triggered when a return
// instruction in function is executed.
type ReturnEvent struct {
	Event
}

// typeReturnEvent is the event kind of return.
var typeReturnEvent = reflect.TypeOf(ReturnEvent{})

// Trace is a controlling handle for trace events.
//
// The trace handle is initially not started, the caller
// must manually activate them after all traces of the
// same source have been registered, so that no event is
// correlated against a missing counterpart.
type Trace interface {
	ID() uint64
	SetCondition(string) error
	SetEnabled(bool)
	GetDone() uint64
	GetLost() uint64
	Close()
}

// Manager is the manager of traces.
//
// The manager is the monolithic consumer to read from
// trace pipe "<tracefs>/instances/<namespace>/trace_pipe"
// and generate events per registered events.
type Manager interface {
	// TraceKProbe creates either a kprobe (when handled
	// event is ProbeEvent) or a kretprobe (when handled
	// event is ReturnEvent).
	TraceKProbe(
		location string, handler interface{},
	) (Trace, <-chan struct{}, error)
}

type option struct {
	tracefsPath   string
	instanceName  string
	traceClock    string
	limitInterval time.Duration
	logger        *zap.Logger
}

// Option to initialize the tracing subsystem.
type Option func(*option)

// WithTraceFSPath is the path of the tracefs. The
// default value is "/sys/kernel/debug/tracing".
func WithTraceFSPath(path string) Option {
	return func(opt *option) {
		opt.tracefsPath = path
	}
}

// WithInstanceName is the name of the trace instance.
// The default value is "sshtrace".
func WithInstanceName(name string) Option {
	return func(opt *option) {
		opt.instanceName = name
	}
}

// WithTraceClock is the clock stamping the events. The
// default value is "mono", and "global" is used instead
// when the kernel does not provide the former.
func WithTraceClock(clock string) Option {
	return func(opt *option) {
		opt.traceClock = clock
	}
}

// WithLimitInterval specifies the interval of receiving
// event from trace pipe. Setting this value to 0 will
// disable the reception limit. The default value is 0.
func WithLimitInterval(dur time.Duration) Option {
	return func(opt *option) {
		opt.limitInterval = dur
	}
}

// WithLogger specifies the logger for the manager.
// The default value is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(opt *option) {
		opt.logger = logger
	}
}

// WithOptions aggregate a set of options together.
func WithOptions(opts ...Option) Option {
	return func(o *option) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// newOption creates the option with all default values.
func newOption() *option {
	return &option{
		tracefsPath:  "/sys/kernel/debug/tracing",
		instanceName: "sshtrace",
		traceClock:   "mono",
		logger:       zap.L(),
	}
}
