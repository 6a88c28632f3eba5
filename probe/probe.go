// Package probe is the connection attempt probe invoked on
// every outbound TCP connect.
//
// The probe decodes the destination, keeps only the SSH
// attempts over IPv4, resolves the source address, counts
// the attempt and emits a record. It never blocks and every
// failure is handled locally: the caller can only observe
// the absence of data, never an error.
package probe

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/pkg/sockaddr"
)

// State is the outcome of a single invocation.
type State uint8

const (
	// StateFiltered means the invocation has been rejected
	// without any observable side effect.
	StateFiltered = State(iota)

	// StateObserved means an attempt has been counted and
	// its record handed to the emitter.
	StateObserved
)

// String returns the name of the state.
func (s State) String() string {
	if s == StateObserved {
		return "observed"
	}
	return "filtered"
}

// Invocation carries the arguments of the hooked connect
// call, as they are received by the real call.
type Invocation struct {
	// CPU is the processor running the connecting task.
	CPU int

	// PID is the process owning the connecting task.
	PID uint32

	// Addr is the readable prefix of the destination
	// socket address argument.
	Addr []byte

	// Sock reads the connection object.
	Sock sockaddr.SocketReader

	// Timestamp is the monotonic time of the call when it
	// has been stamped by the tracer, otherwise the clock
	// of the probe is read.
	Timestamp uint64
}

// Connector is the entry hook of a connect function.
type Connector interface {
	OnConnect(inv Invocation) State
}

// Emitter is the hand off of records to the consumer. Emit
// must not block and reports whether it has been accepted.
type Emitter interface {
	Emit(cpu int, r record.Record) bool
}

// Stats are the cumulated statistics of the probe.
type Stats struct {
	Filtered      uint64
	Observed      uint64
	Degraded      uint64
	CounterErrors uint64
	Dropped       uint64
}

type option struct {
	clock    func() uint64
	logger   *zap.Logger
	degraded func(src, dst uint32)
}

// Option to initialize the probe.
type Option func(*option)

// WithClock specifies the monotonic nanosecond clock used
// for stamping records. The default value reads the
// CLOCK_MONOTONIC.
func WithClock(clock func() uint64) Option {
	return func(opt *option) {
		opt.clock = clock
	}
}

// WithLogger specifies the logger for the probe. The
// default value is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(opt *option) {
		opt.logger = logger
	}
}

// WithDegradedHook registers the function called whenever
// the source address falls back to the destination.
func WithDegradedHook(hook func(src, dst uint32)) Option {
	return func(opt *option) {
		opt.degraded = hook
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

// MonotonicClock reads CLOCK_MONOTONIC in nanoseconds.
func MonotonicClock() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

// newOption creates the option with all default values.
func newOption() *option {
	return &option{
		clock:  MonotonicClock,
		logger: zap.L(),
	}
}

// Probe is the IPv4 connection attempt probe.
type Probe struct {
	attempts counter.Store
	failures counter.Store
	emitter  Emitter
	clock    func() uint64
	logger   *zap.SugaredLogger
	degraded func(src, dst uint32)

	numFiltered      atomic.Uint64
	numObserved      atomic.Uint64
	numDegraded      atomic.Uint64
	numCounterErrors atomic.Uint64
	numDropped       atomic.Uint64
}

// New creates the probe over the counter stores and the
// emitter, all of which must have been sized beforehand.
func New(
	attempts, failures counter.Store, emitter Emitter,
	options ...Option,
) *Probe {
	option := newOption()
	WithOptions(options...)(option)
	return &Probe{
		attempts: attempts,
		failures: failures,
		emitter:  emitter,
		clock:    option.clock,
		logger:   option.logger.Named("probe").Sugar(),
		degraded: option.degraded,
	}
}

// Attempts returns the attempts counter store.
func (p *Probe) Attempts() counter.Store {
	return p.attempts
}

// Failures returns the failures counter store, which is
// never populated by the probe itself.
func (p *Probe) Failures() counter.Store {
	return p.failures
}

// Stats returns the statistics of the probe.
func (p *Probe) Stats() Stats {
	return Stats{
		Filtered:      p.numFiltered.Load(),
		Observed:      p.numObserved.Load(),
		Degraded:      p.numDegraded.Load(),
		CounterErrors: p.numCounterErrors.Load(),
		Dropped:       p.numDropped.Load(),
	}
}

// OnConnect implements Connector.
func (p *Probe) OnConnect(inv Invocation) State {
	addr, err := sockaddr.Decode(inv.Addr)
	if err != nil {
		p.numFiltered.Add(1)
		return StateFiltered
	}

	// Resolve the initiator, which might degrade into the
	// destination when the connection object is unset.
	src, degraded := sockaddr.ResolveSource(inv.Sock, addr.Address)
	r := record.Record{
		Address: src,
		Port:    addr.Port,
		PID:     inv.PID,
		Kind:    record.KindAttempt,
	}
	if degraded {
		r.Flags |= record.FlagDegraded
		p.numDegraded.Add(1)
		p.logger.Debugf("source of pid %d unresolved, "+
			"substituting destination %s", inv.PID, r.IP())
		if p.degraded != nil {
			p.degraded(src, addr.Address)
		}
	}

	// The record is still emitted when the store is full.
	if _, err := p.attempts.Increment(src); err != nil {
		p.numCounterErrors.Add(1)
		p.logger.Debugf("count attempt of %s: %s", r.IP(), err)
	}

	r.Timestamp = inv.Timestamp
	if r.Timestamp == 0 {
		r.Timestamp = p.clock()
	}
	if !p.emitter.Emit(inv.CPU, r) {
		p.numDropped.Add(1)
	}
	p.numObserved.Add(1)
	return StateObserved
}

// NopV6 is the IPv6 entry hook. IPv6 attempts are not
// tracked, every invocation is filtered.
type NopV6 struct{}

// OnConnect implements Connector.
func (NopV6) OnConnect(Invocation) State {
	return StateFiltered
}
