// Package connect attaches the connection attempt probe to
// tcp_v4_connect through the tracefs kprobes.
//
// The kernel only fetches the raw arguments: the prefix of
// the destination sockaddr and the words of the connection
// object where the source address might be found. The probe
// itself then runs in user space for every trace record.
package connect

import (
	"context"
	"encoding/binary"

	"github.com/aegistudio/shaft"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/sshtrace"
	"github.com/chaitin/sshtrace/pkg/emit"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/pkg/sockaddr"
	"github.com/chaitin/sshtrace/probe"
)

// Backend is the name of this backend.
const Backend = "tracefs"

// Locations of the kprobes.
const (
	locationConnect   = "tcp_v4_connect"
	locationConnectV6 = "tcp_v6_connect"
)

// prefilterCondition drops the records of other families
// and ports inside the kernel. The port is printed as the
// host order value of its big endian bytes.
const prefilterCondition = "Family == 2 && Port == 5632"

// socketWords are the words of the connection object
// where the source address is looked up.
type socketWords struct {
	Word12 uint32 `tracing:"+12({1})"`
	Word16 uint32 `tracing:"+16({1})"`
}

// invocation converts the record of the entry point into
// the arguments of the probe.
func (e entryTCPConnect) invocation() probe.Invocation {
	addr := make([]byte, 16)
	binary.LittleEndian.PutUint64(addr[0:8], e.Head)
	binary.LittleEndian.PutUint64(addr[8:16], e.Tail)
	return probe.Invocation{
		CPU:  e.CPU,
		PID:  e.TaskPID,
		Addr: addr,
		Sock: sockaddr.Words{
			sockaddr.PrimarySourceOffset:   e.Sock.Word12,
			sockaddr.SecondarySourceOffset: e.Sock.Word16,
		},
		Timestamp: uint64(e.Epoch),
	}
}

// collector dispatches the records to the hooks.
type collector struct {
	connector  probe.Connector
	v6         probe.Connector
	completion probe.Completion
}

func (c *collector) handleConnect(event entryTCPConnect) {
	c.connector.OnConnect(event.invocation())
}

func (c *collector) handleConnectV6(event entryTCPv6Connect) {
	addr := make([]byte, 8)
	binary.LittleEndian.PutUint64(addr, event.Head)
	c.v6.OnConnect(probe.Invocation{
		CPU:  event.CPU,
		PID:  event.TaskPID,
		Addr: addr,
	})
}

func (c *collector) handleReturn(event exitTCPConnect) {
	c.completion.OnReturn(probe.ReturnInvocation{
		CPU:    event.CPU,
		PID:    event.TaskPID,
		Retval: int64(event.Retval),
	})
}

type option struct {
	capacity     int
	exact        bool
	perCPU       int
	prefilter    bool
	probeOptions []probe.Option
}

// Option to initialize the backend.
type Option func(*option)

// WithCapacity is the capacity of each counter store. The
// default value is 10000.
func WithCapacity(capacity int) Option {
	return func(opt *option) {
		opt.capacity = capacity
	}
}

// WithExact selects the counter store with atomic
// increments instead of the approximate one.
func WithExact(exact bool) Option {
	return func(opt *option) {
		opt.exact = exact
	}
}

// WithPerCPUBuffer is the number of records buffered per
// processor. The default value is 256.
func WithPerCPUBuffer(n int) Option {
	return func(opt *option) {
		opt.perCPU = n
	}
}

// WithPrefilter installs the filter of family and port
// inside the kernel, so that the other connections are not
// even printed into the trace pipe.
func WithPrefilter(prefilter bool) Option {
	return func(opt *option) {
		opt.prefilter = prefilter
	}
}

// WithProbeOptions forwards the options to the probe.
func WithProbeOptions(options ...probe.Option) Option {
	return func(opt *option) {
		opt.probeOptions = append(opt.probeOptions, options...)
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

func newOption() *option {
	return &option{
		capacity: 10000,
		perCPU:   256,
	}
}

// attachment is the set of attached traces.
type attachment struct {
	traces []sshtrace.Trace
}

// detach closes the traces.
func (a *attachment) detach() {
	for _, trace := range a.traces {
		trace.Close()
	}
}

// lost sums the records which reached the trace pipe but
// were never handled.
func (a *attachment) lost() uint64 {
	var result uint64
	for _, trace := range a.traces {
		result += trace.GetLost()
	}
	return result
}

// attach registers the probes and enables them once they
// have all been synchronized with the trace manager.
func attach(
	ctx context.Context, manager sshtrace.Manager,
	col *collector, prefilter bool,
) (*attachment, error) {
	a := &attachment{}
	ok := false
	defer func() {
		if !ok {
			a.detach()
		}
	}()

	entry, syncCh, err := manager.TraceKProbe(
		locationConnect, col.handleConnect)
	if err != nil {
		return nil, errors.Wrapf(err, "trace %s", locationConnect)
	}
	a.traces = append(a.traces, entry)
	if prefilter {
		if err := entry.SetCondition(prefilterCondition); err != nil {
			return nil, err
		}
	}

	exit, exitSyncCh, err := manager.TraceKProbe(
		locationConnect, col.handleReturn)
	if err != nil {
		return nil, errors.Wrapf(err, "trace %s return", locationConnect)
	}
	a.traces = append(a.traces, exit)
	syncCh = exitSyncCh

	// The IPv6 entry is optional since the kernel might
	// have been built without IPv6.
	entryV6, v6SyncCh, err := manager.TraceKProbe(
		locationConnectV6, col.handleConnectV6)
	if err != nil && err != sshtrace.ErrBadTracePoint {
		return nil, errors.Wrapf(err, "trace %s", locationConnectV6)
	}
	if entryV6 != nil {
		a.traces = append(a.traces, entryV6)
		syncCh = v6SyncCh
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-syncCh:
	}
	for _, trace := range a.traces {
		trace.SetEnabled(true)
	}
	ok = true
	return a, nil
}

func stackSource(
	options []Option,
	next func(*probe.Source) error,
	rootCtx context.Context, group *errgroup.Group,
	manager sshtrace.Manager, logger *zap.Logger,
) error {
	option := newOption()
	WithOptions(options...)(option)
	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	attempts, failures := probe.NewStores(option.capacity, option.exact)
	channel := emit.New(probe.PossibleCPUs(), option.perCPU)
	p := probe.New(attempts, failures, channel,
		probe.WithOptions(option.probeOptions...),
		probe.WithLogger(logger))
	col := &collector{
		connector:  p,
		v6:         probe.NopV6{},
		completion: probe.NopCompletion{},
	}
	attached, err := attach(ctx, manager, col, option.prefilter)
	if err != nil {
		return err
	}
	defer attached.detach()

	recordCh := make(chan record.Record, option.perCPU)
	group.Go(func() error {
		defer close(recordCh)
		return channel.Run(ctx, recordCh)
	})
	logger.Named("connect").Sugar().Infof(
		"probe attached to %s, %d rings of %d records",
		locationConnect, channel.CPUs(), option.perCPU)
	return next(&probe.Source{
		Backend:  Backend,
		Records:  recordCh,
		Attempts: attempts,
		Failures: failures,
		Stats: func() probe.Stats {
			stats := p.Stats()
			stats.Dropped = channel.Dropped() + attached.lost()
			return stats
		},
	})
}

// Module is the DI module of the tracefs backend.
//
// The module requires a context, an errgroup, a trace
// manager and a logger, and injects the *probe.Source fed
// by the probe running in user space.
func Module(options ...Option) shaft.Option {
	return shaft.Stack(func(
		next func(*probe.Source) error,
		rootCtx context.Context, group *errgroup.Group,
		manager sshtrace.Manager, logger *zap.Logger,
	) error {
		return stackSource(options, next,
			rootCtx, group, manager, logger)
	})
}
