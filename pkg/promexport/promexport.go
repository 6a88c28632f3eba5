// Package promexport exposes the counters of an attached
// source as prometheus metrics.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/probe"
)

const namespace = "sshtrace"

// Collector is the prometheus.Collector of a source.
//
// The stores are walked at every scrape, so each entry is
// reported as a counter labelled with its source address.
type Collector struct {
	source *probe.Source
	logger *zap.SugaredLogger

	attempts      *prometheus.Desc
	failures      *prometheus.Desc
	observed      *prometheus.Desc
	filtered      *prometheus.Desc
	degraded      *prometheus.Desc
	counterErrors *prometheus.Desc
	dropped       *prometheus.Desc
	entries       *prometheus.Desc
	capacity      *prometheus.Desc
}

// New creates the collector of the source.
func New(source *probe.Source, logger *zap.Logger) *Collector {
	constLabels := prometheus.Labels{"backend": source.Backend}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(
			namespace, "", name), help, labels, constLabels)
	}
	return &Collector{
		source: source,
		logger: logger.Named("promexport").Sugar(),
		attempts: desc("attempts_total",
			"Connection attempts to port 22 by source address.", "source"),
		failures: desc("failures_total",
			"Failed connection attempts by source address.", "source"),
		observed: desc("observed_total",
			"Invocations passing the family and port filter."),
		filtered: desc("filtered_total",
			"Invocations rejected by the family and port filter."),
		degraded: desc("degraded_total",
			"Attempts whose source fell back to the destination."),
		counterErrors: desc("counter_errors_total",
			"Increments rejected by a full counter store."),
		dropped: desc("dropped_total",
			"Records dropped by a full channel."),
		entries: desc("counter_entries",
			"Entries of the counter store.", "store"),
		capacity: desc("counter_capacity",
			"Capacity of the counter store.", "store"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.attempts
	ch <- c.failures
	ch <- c.observed
	ch <- c.filtered
	ch <- c.degraded
	ch <- c.counterErrors
	ch <- c.dropped
	ch <- c.entries
	ch <- c.capacity
}

func (c *Collector) collectStore(
	ch chan<- prometheus.Metric, desc *prometheus.Desc,
	name string, store counter.Store,
) {
	if err := store.Iterate(func(key uint32, count uint64) bool {
		ch <- prometheus.MustNewConstMetric(desc,
			prometheus.CounterValue, float64(count),
			record.IPv4(key).String())
		return true
	}); err != nil {
		c.logger.Warnf("iterate %s: %s", name, err)
	}
	ch <- prometheus.MustNewConstMetric(c.entries,
		prometheus.GaugeValue, float64(store.Len()), name)
	ch <- prometheus.MustNewConstMetric(c.capacity,
		prometheus.GaugeValue, float64(store.Capacity()), name)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectStore(ch, c.attempts, "attempts", c.source.Attempts)
	c.collectStore(ch, c.failures, "failures", c.source.Failures)
	if c.source.Stats == nil {
		return
	}
	stats := c.source.Stats()
	for desc, value := range map[*prometheus.Desc]uint64{
		c.observed:      stats.Observed,
		c.filtered:      stats.Filtered,
		c.degraded:      stats.Degraded,
		c.counterErrors: stats.CounterErrors,
		c.dropped:       stats.Dropped,
	} {
		ch <- prometheus.MustNewConstMetric(desc,
			prometheus.CounterValue, float64(value))
	}
}
