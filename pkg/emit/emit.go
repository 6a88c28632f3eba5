// Package emit implements the best effort hand off of the
// records to the consumer.
//
// Every processor owns a bounded ring so that producers
// on different processors never contend with each other.
// A producer never blocks: when the ring is full or no one
// is reading, the record is dropped and accounted.
package emit

import (
	"context"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chaitin/sshtrace/pkg/record"
)

// Channel is the per-processor record channel.
type Channel struct {
	rings   []chan record.Record
	emitted atomic.Uint64
	dropped atomic.Uint64
}

// New creates the channel with cpus rings of perCPU slots.
func New(cpus, perCPU int) *Channel {
	if cpus < 1 {
		cpus = 1
	}
	if perCPU < 1 {
		perCPU = 1
	}
	rings := make([]chan record.Record, cpus)
	for i := range rings {
		rings[i] = make(chan record.Record, perCPU)
	}
	return &Channel{rings: rings}
}

// CPUs returns the number of rings.
func (c *Channel) CPUs() int {
	return len(c.rings)
}

// ring returns the ring of the processor, processors out
// of range are folded into the existing rings.
func (c *Channel) ring(cpu int) chan record.Record {
	return c.rings[uint(cpu)%uint(len(c.rings))]
}

// Emit attempts to push the record into the ring of the
// processor, returning false if it has been dropped.
func (c *Channel) Emit(cpu int, r record.Record) bool {
	select {
	case c.ring(cpu) <- r:
		c.emitted.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Emitted is the number of records accepted.
func (c *Channel) Emitted() uint64 {
	return c.emitted.Load()
}

// Dropped is the number of records dropped on full ring.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Drain removes every pending record from the rings and
// returns them ordered by timestamp.
func (c *Channel) Drain() []record.Record {
	var result []record.Record
	for _, ring := range c.rings {
	drain:
		for {
			select {
			case r := <-ring:
				result = append(result, r)
			default:
				break drain
			}
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result
}

// Run forwards the records of every ring into out until
// the context is done. Order is kept within a ring only.
func (c *Channel) Run(ctx context.Context, out chan<- record.Record) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, ring := range c.rings {
		ring := ring
		group.Go(func() error {
			for {
				var r record.Record
				select {
				case <-ctx.Done():
					return nil
				case r = <-ring:
				}
				select {
				case <-ctx.Done():
					return nil
				case out <- r:
				}
			}
		})
	}
	return group.Wait()
}
