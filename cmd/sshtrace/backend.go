package main

import (
	"context"
	"time"

	"github.com/aegistudio/shaft"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/sshtrace"
	"github.com/chaitin/sshtrace/bpfprobe"
	"github.com/chaitin/sshtrace/connect"
)

var (
	backend       = connect.Backend
	capacity      = 10000
	exact         bool
	perCPUBuffer  = 256
	prefilter     = true
	tracefsPath   = "/sys/kernel/debug/tracing"
	instanceName  = "sshtrace"
	traceClock    = "mono"
	limitInterval time.Duration
	pinPath       string
)

func initBackendModule() (shaft.Option, error) {
	switch backend {
	case connect.Backend:
		return shaft.Module(
			connect.Module(
				connect.WithCapacity(capacity),
				connect.WithExact(exact),
				connect.WithPerCPUBuffer(perCPUBuffer),
				connect.WithPrefilter(prefilter),
			),
			shaft.Provide(func(
				ctx context.Context, group *errgroup.Group,
				logger *zap.Logger,
			) (sshtrace.Manager, error) {
				return sshtrace.New(ctx, group,
					sshtrace.WithTraceFSPath(tracefsPath),
					sshtrace.WithInstanceName(instanceName),
					sshtrace.WithTraceClock(traceClock),
					sshtrace.WithLimitInterval(limitInterval),
					sshtrace.WithLogger(logger))
			}),
		), nil
	case bpfprobe.Backend:
		return bpfprobe.Module(
			bpfprobe.WithCapacity(capacity),
			bpfprobe.WithExact(exact),
			bpfprobe.WithPerCPUBuffer(perCPUBuffer),
			bpfprobe.WithPinPath(pinPath),
		), nil
	default:
		return nil, errors.Errorf("unknown backend %q", backend)
	}
}

func init() {
	moduleInits = append(moduleInits, initBackendModule)
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&backend, "backend", backend,
		"attach backend, either tracefs or bpf")
	flags.IntVar(&capacity, "capacity", capacity,
		"capacity of each counter store")
	flags.BoolVar(&exact, "exact", exact,
		"increment the counters atomically")
	flags.IntVar(&perCPUBuffer, "per-cpu-buffer", perCPUBuffer,
		"number of records buffered per processor")
	flags.BoolVar(&prefilter, "prefilter", prefilter,
		"filter family and port inside the kernel (tracefs)")
	flags.StringVar(&tracefsPath, "tracefs", tracefsPath,
		"path of the mounted tracefs (tracefs)")
	flags.StringVar(&instanceName, "instance", instanceName,
		"name of the trace instance (tracefs)")
	flags.StringVar(&traceClock, "trace-clock", traceClock,
		"clock stamping the records, global if unavailable (tracefs)")
	flags.DurationVar(&limitInterval, "limit-interval", limitInterval,
		"interval between reads of the trace pipe, 0 reads at once (tracefs)")
	flags.StringVar(&pinPath, "pin-path", pinPath,
		"bpffs directory to pin the counter maps (bpf)")
}
