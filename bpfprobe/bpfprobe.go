// Package bpfprobe runs the connection attempt probe inside
// the kernel as an eBPF kprobe program on tcp_v4_connect.
//
// The program is assembled at runtime, so no compiler is
// needed on the host. The counters live in BPF hash maps
// which can be pinned and read by other processes, and the
// records are sent through a perf event array.
package bpfprobe

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/aegistudio/shaft"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/pkg/kallsyms"
	"github.com/chaitin/sshtrace/pkg/kversion"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/probe"
)

// Backend is the name of this backend.
const Backend = "bpf"

// Locations of the kprobes.
const (
	locationConnect   = "tcp_v4_connect"
	locationConnectV6 = "tcp_v6_connect"
)

// ErrUnsupportedArch is returned on architectures whose
// registers are not mapped by the program.
var ErrUnsupportedArch = errors.New("architecture not supported by bpf backend")

type option struct {
	capacity  int
	exact     bool
	perCPU    int
	pinPath   string
	kallsyms  string
	probeRead asm.BuiltinFunc
	logger    *zap.Logger
}

// Option to initialize the backend.
type Option func(*option)

// WithCapacity is the max entries of each counter map.
// The default value is 10000.
func WithCapacity(capacity int) Option {
	return func(opt *option) {
		opt.capacity = capacity
	}
}

// WithExact selects the atomic increment of counters.
func WithExact(exact bool) Option {
	return func(opt *option) {
		opt.exact = exact
	}
}

// WithPerCPUBuffer is the number of records buffered by
// the perf ring of each processor. The default is 256.
func WithPerCPUBuffer(n int) Option {
	return func(opt *option) {
		opt.perCPU = n
	}
}

// WithPinPath pins the counter maps under the directory
// of a bpffs. The maps are not pinned by default.
func WithPinPath(path string) Option {
	return func(opt *option) {
		opt.pinPath = path
	}
}

// WithKallsyms is the path of the kernel symbol table used
// for verifying the attach points. The default value is
// "/proc/kallsyms", and empty string disables it.
func WithKallsyms(path string) Option {
	return func(opt *option) {
		opt.kallsyms = path
	}
}

// WithLogger specifies the logger. The default value is
// zap.L().
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

// probeReadHelper selects bpf_probe_read_kernel when the
// kernel provides it.
func probeReadHelper(v kversion.Version) asm.BuiltinFunc {
	if v != 0 && !v.AtLeast("5.5") {
		return asm.FnProbeRead
	}
	return asm.FnProbeReadKernel
}

func newOption() *option {
	return &option{
		capacity:  10000,
		perCPU:    256,
		kallsyms:  kallsyms.Path,
		probeRead: probeReadHelper(kversion.Current),
		logger:    zap.L(),
	}
}

// Objects are the loaded and attached kernel objects.
type Objects struct {
	collection *ebpf.Collection
	links      []link.Link
	attempts   *counter.MapStore
	failures   *counter.MapStore
	degraded   *ebpf.Map
	events     *ebpf.Map
	observed   atomic.Uint64
	lost       atomic.Uint64
	logger     *zap.SugaredLogger
}

// Attempts returns the attempts counter map store.
func (o *Objects) Attempts() *counter.MapStore {
	return o.attempts
}

// Failures returns the failures counter map store.
func (o *Objects) Failures() *counter.MapStore {
	return o.failures
}

// Degraded sums the degraded resolutions of processors.
func (o *Objects) Degraded() uint64 {
	var values []uint64
	if err := o.degraded.Lookup(uint32(0), &values); err != nil {
		return 0
	}
	var sum uint64
	for _, value := range values {
		sum += value
	}
	return sum
}

// Stats returns the statistics observable from user
// space, the filtered invocations are never reported.
func (o *Objects) Stats() probe.Stats {
	lost := o.lost.Load()
	return probe.Stats{
		Observed: o.observed.Load() + lost,
		Degraded: o.Degraded(),
		Dropped:  lost,
	}
}

// Close detaches the probes and releases the maps. The
// pinned maps remain in the bpffs.
func (o *Objects) Close() error {
	for _, l := range o.links {
		_ = l.Close()
	}
	o.links = nil
	o.collection.Close()
	return nil
}

// checkSymbols verifies the attach point exists before
// attaching, which gives a clearer error than the kprobe.
func checkSymbols(path string, logger *zap.SugaredLogger) error {
	if path == "" {
		return nil
	}
	table, err := kallsyms.LoadKernel(path)
	if err != nil {
		logger.Debugf("skip symbol check: %s", err)
		return nil
	}
	if !table.Has(locationConnect) {
		return errors.Errorf("symbol %s not found", locationConnect)
	}
	return nil
}

// Load assembles, loads and attaches the programs.
func Load(options ...Option) (*Objects, error) {
	option := newOption()
	WithOptions(options...)(option)
	logger := option.logger.Named("bpfprobe").Sugar()
	if !supportedArch {
		return nil, ErrUnsupportedArch
	}
	if err := checkSymbols(option.kallsyms, logger); err != nil {
		return nil, err
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, errors.Wrap(err, "remove memlock")
	}

	spec := collectionSpec(programConfig{
		exact:     option.exact,
		probeRead: option.probeRead,
	}, option.capacity, option.pinPath != "")
	var opts ebpf.CollectionOptions
	if option.pinPath != "" {
		if err := os.MkdirAll(option.pinPath, 0700); err != nil {
			return nil, errors.Wrap(err, "create pin path")
		}
		opts.Maps.PinPath = option.pinPath
	}
	collection, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		var verifierErr *ebpf.VerifierError
		if errors.As(err, &verifierErr) {
			logger.Errorf("verifier rejects program: %+v", verifierErr)
		}
		return nil, errors.Wrap(err, "load collection")
	}
	objs := &Objects{
		collection: collection,
		attempts:   counter.NewMap(collection.Maps[MapAttempts]),
		failures:   counter.NewMap(collection.Maps[MapFailures]),
		degraded:   collection.Maps[MapDegraded],
		events:     collection.Maps[MapEvents],
		logger:     logger,
	}
	ok := false
	defer func() {
		if !ok {
			_ = objs.Close()
		}
	}()

	entry, err := link.Kprobe(locationConnect,
		collection.Programs[programConnect], nil)
	if err != nil {
		return nil, errors.Wrapf(err, "attach %s", locationConnect)
	}
	objs.links = append(objs.links, entry)
	exit, err := link.Kretprobe(locationConnect,
		collection.Programs[programReturn], nil)
	if err != nil {
		return nil, errors.Wrapf(err, "attach %s return", locationConnect)
	}
	objs.links = append(objs.links, exit)

	// The IPv6 entry is optional.
	entryV6, err := link.Kprobe(locationConnectV6,
		collection.Programs[programConnectV6], nil)
	if err != nil {
		logger.Warnf("attach %s: %s", locationConnectV6, err)
	} else {
		objs.links = append(objs.links, entryV6)
	}
	logger.Infof("program attached to %s, helper %s",
		locationConnect, option.probeRead)
	ok = true
	return objs, nil
}

// Run reads the records from the perf rings into out until
// the context is done.
func (o *Objects) Run(
	ctx context.Context, perCPU int, out chan<- record.Record,
) error {
	reader, err := perf.NewReader(o.events,
		perCPU*(record.Size+8))
	if err != nil {
		return errors.Wrap(err, "create perf reader")
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return reader.Close()
	})
	group.Go(func() error {
		for {
			sample, err := reader.Read()
			if err != nil {
				if errors.Is(err, perf.ErrClosed) {
					return nil
				}
				return errors.Wrap(err, "read perf ring")
			}
			if sample.LostSamples > 0 {
				o.lost.Add(sample.LostSamples)
				continue
			}
			r, err := record.Decode(sample.RawSample)
			if err != nil {
				o.logger.Debugf("decode sample of cpu %d: %s",
					sample.CPU, err)
				continue
			}
			o.observed.Add(1)
			select {
			case <-ctx.Done():
				return nil
			case out <- r:
			}
		}
	})
	return group.Wait()
}

func stackSource(
	options []Option,
	next func(*probe.Source) error,
	rootCtx context.Context, group *errgroup.Group,
	logger *zap.Logger,
) error {
	option := newOption()
	WithOptions(options...)(option)
	objs, err := Load(WithOptions(options...), WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = objs.Close() }()
	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	recordCh := make(chan record.Record, option.perCPU)
	group.Go(func() error {
		defer close(recordCh)
		return objs.Run(ctx, option.perCPU, recordCh)
	})
	return next(&probe.Source{
		Backend:  Backend,
		Records:  recordCh,
		Attempts: objs.Attempts(),
		Failures: objs.Failures(),
		Stats:    objs.Stats,
	})
}

// Module is the DI module of the bpf backend.
//
// The module requires a context, an errgroup and a logger,
// and injects the *probe.Source.
func Module(options ...Option) shaft.Option {
	return shaft.Stack(func(
		next func(*probe.Source) error,
		rootCtx context.Context, group *errgroup.Group,
		logger *zap.Logger,
	) error {
		return stackSource(options, next,
			rootCtx, group, logger)
	})
}
