package main

import (
	"context"
	"strings"
	"time"

	"github.com/aegistudio/shaft"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/probe"
)

var (
	reportInterval = 30 * time.Second
	reportTop      = 10
)

// formatReport formats the top sources and statistics
// with grouped digits.
func formatReport(
	printer *message.Printer, entries []counter.Entry, stats probe.Stats,
) string {
	var builder strings.Builder
	builder.WriteString(printer.Sprintf(
		"observed %d, degraded %d, dropped %d, counter errors %d",
		stats.Observed, stats.Degraded, stats.Dropped,
		stats.CounterErrors))
	for _, entry := range entries {
		builder.WriteString(printer.Sprintf("\n  %-15s %d",
			record.IPv4(entry.Key), entry.Count))
	}
	return builder.String()
}

func initReportModule() (shaft.Option, error) {
	if reportInterval <= 0 {
		return shaft.Module(), nil
	}
	return shaft.Provide(func(
		ctx context.Context, group *errgroup.Group,
		logger *zap.SugaredLogger, source *probe.Source,
	) ([]moduleBarrier, error) {
		printer := message.NewPrinter(language.English)
		group.Go(func() error {
			ticker := time.NewTicker(reportInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				entries, err := counter.Top(source.Attempts, reportTop)
				if err != nil {
					logger.Warnf("read attempts: %s", err)
					continue
				}
				var stats probe.Stats
				if source.Stats != nil {
					stats = source.Stats()
				}
				logger.Infof("attempts by source, %s",
					formatReport(printer, entries, stats))
			}
		})
		return nil, nil
	}), nil
}

func init() {
	moduleInits = append(moduleInits, initReportModule)
	flags := rootCmd.PersistentFlags()
	flags.DurationVar(&reportInterval, "report-interval", reportInterval,
		"interval of the counter report, 0 disables it")
	flags.IntVar(&reportTop, "report-top", reportTop,
		"number of sources in the counter report")
}
