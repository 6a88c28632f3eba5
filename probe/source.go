package probe

import (
	"runtime"

	"github.com/cilium/ebpf"

	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/pkg/record"
)

// Source is an attached backend producing records.
//
// The records channel is closed once the backend has been
// detached. The stores remain readable afterwards.
type Source struct {
	// Backend is the name of the attach backend.
	Backend string

	Records  <-chan record.Record
	Attempts counter.Store
	Failures counter.Store

	// Stats collects the statistics of the backend.
	Stats func() Stats
}

// NewStores creates the in memory attempts and failures
// stores of the same capacity.
func NewStores(capacity int, exact bool) (attempts, failures counter.Store) {
	if exact {
		return counter.NewExact(capacity), counter.NewExact(capacity)
	}
	return counter.New(capacity), counter.New(capacity)
}

// PossibleCPUs returns the number of processors that may
// invoke the probe, including the offline ones.
func PossibleCPUs() int {
	n, err := ebpf.PossibleCPU()
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}
