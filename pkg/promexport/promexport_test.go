package promexport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/probe"
)

// gather collects the values of the registry by metric
// name and the value of its first variable label.
func gather(t *testing.T, registry *prometheus.Registry) map[string]float64 {
	families, err := registry.Gather()
	require.NoError(t, err)
	result := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := family.GetName()
			for _, label := range metric.GetLabel() {
				if label.GetName() != "backend" {
					key += "/" + label.GetValue()
				}
			}
			switch {
			case metric.GetCounter() != nil:
				result[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				result[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return result
}

func TestCollector(t *testing.T) {
	assert := assert.New(t)
	attempts := counter.New(8)
	for i := 0; i < 3; i++ {
		_, err := attempts.Increment(0x0a000005)
		require.NoError(t, err)
	}
	_, err := attempts.Increment(0xc0a80101)
	require.NoError(t, err)

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(New(&probe.Source{
		Backend:  "tracefs",
		Attempts: attempts,
		Failures: counter.New(8),
		Stats: func() probe.Stats {
			return probe.Stats{
				Filtered: 7,
				Observed: 4,
				Degraded: 1,
				Dropped:  2,
			}
		},
	}, zap.NewNop())))

	values := gather(t, registry)
	assert.Equal(3.0, values["sshtrace_attempts_total/10.0.0.5"])
	assert.Equal(1.0, values["sshtrace_attempts_total/192.168.1.1"])
	assert.NotContains(values, "sshtrace_failures_total/10.0.0.5")
	assert.Equal(2.0, values["sshtrace_counter_entries/attempts"])
	assert.Equal(0.0, values["sshtrace_counter_entries/failures"])
	assert.Equal(8.0, values["sshtrace_counter_capacity/failures"])
	assert.Equal(7.0, values["sshtrace_filtered_total"])
	assert.Equal(4.0, values["sshtrace_observed_total"])
	assert.Equal(1.0, values["sshtrace_degraded_total"])
	assert.Equal(2.0, values["sshtrace_dropped_total"])
	assert.Equal(0.0, values["sshtrace_counter_errors_total"])
}

func TestCollectorWithoutStats(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(New(&probe.Source{
		Backend:  "bpf",
		Attempts: counter.New(4),
		Failures: counter.New(4),
	}, zap.NewNop())))
	values := gather(t, registry)
	assert.Equal(t, 4.0, values["sshtrace_counter_capacity/attempts"])
	assert.NotContains(t, values, "sshtrace_observed_total")
}
