package main

import (
	"context"
	"time"

	"github.com/aegistudio/shaft"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/sshtrace/detect"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/probe"
)

var (
	resolveComm bool
	threshold   = 5
	window      = time.Minute
)

// processName returns the name of the connecting process,
// or an empty string when it has already exited.
func processName(ctx context.Context, pid uint32) string {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

func initRecordModule() (shaft.Option, error) {
	return shaft.Provide(func(
		ctx context.Context, group *errgroup.Group,
		logger *zap.SugaredLogger, source *probe.Source,
	) ([]moduleBarrier, error) {
		detector, err := detect.New(threshold, window)
		if err != nil {
			return nil, err
		}
		group.Go(func() error {
			sweepTicker := time.NewTicker(window)
			defer sweepTicker.Stop()
			for {
				var r record.Record
				var ok bool
				select {
				case <-ctx.Done():
					return nil
				case <-sweepTicker.C:
					detector.Sweep()
					continue
				case r, ok = <-source.Records:
					if !ok {
						return nil
					}
				}
				comm := ""
				if resolveComm {
					if name := processName(ctx, r.PID); name != "" {
						comm = " comm=" + name
					}
				}
				logger.Infof("%s%s", r, comm)
				if alert, ok := detector.Observe(r); ok {
					logger.Warnf("burst of attempts: %s", alert)
				}
			}
		})
		return nil, nil
	}), nil
}

func init() {
	moduleInits = append(moduleInits, initRecordModule)
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&resolveComm, "resolve-comm", resolveComm,
		"resolve the process name of each attempt")
	flags.IntVar(&threshold, "threshold", threshold,
		"attempts within the window before alerting")
	flags.DurationVar(&window, "window", window,
		"sliding window of the burst detection")
}
