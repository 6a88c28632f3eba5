// Package detect raises alerts on bursts of connection
// attempts from the same source address.
//
// The attempts of each source are tracked in a sliding
// window. An alert is raised when the attempts within the
// window exceed the threshold, and is not raised again for
// that source until its attempts have fallen back under the
// threshold.
package detect

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chaitin/sshtrace/pkg/record"
)

// Alert is raised when a source crosses the threshold.
type Alert struct {
	Address uint32
	Count   int
	Window  time.Duration
	Time    time.Time
}

// String formats the alert for logging.
func (a Alert) String() string {
	return fmt.Sprintf("%s made %d attempts within %s",
		record.IPv4(a.Address), a.Count, a.Window)
}

type option struct {
	clock func() time.Time
}

// Option to initialize the detector.
type Option func(*option)

// WithClock specifies the clock of the sliding windows.
// The default value is time.Now.
func WithClock(clock func() time.Time) Option {
	return func(opt *option) {
		opt.clock = clock
	}
}

type history struct {
	attempts []time.Time
	alerted  bool
}

// prune removes the attempts older than the window.
func (h *history) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(h.attempts) && now.Sub(h.attempts[i]) >= window {
		i++
	}
	h.attempts = h.attempts[i:]
}

// Detector tracks the attempts of each source.
type Detector struct {
	threshold int
	window    time.Duration
	clock     func() time.Time

	mu      sync.Mutex
	sources map[uint32]*history
}

// New creates the detector raising alerts when more than
// threshold attempts are made within window.
func New(threshold int, window time.Duration, options ...Option) (*Detector, error) {
	if threshold < 1 {
		return nil, errors.Errorf("invalid threshold %d", threshold)
	}
	if window <= 0 {
		return nil, errors.Errorf("invalid window %s", window)
	}
	opt := &option{clock: time.Now}
	for _, option := range options {
		option(opt)
	}
	return &Detector{
		threshold: threshold,
		window:    window,
		clock:     opt.clock,
		sources:   make(map[uint32]*history),
	}, nil
}

// Observe accounts the attempt of the record, and returns
// the alert if the source has just crossed the threshold.
// Records of other kinds are ignored.
func (d *Detector) Observe(r record.Record) (Alert, bool) {
	if r.Kind != record.KindAttempt {
		return Alert{}, false
	}
	now := d.clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.sources[r.Address]
	if !ok {
		h = &history{}
		d.sources[r.Address] = h
	}
	h.prune(now, d.window)
	h.attempts = append(h.attempts, now)
	count := len(h.attempts)
	if count <= d.threshold {
		h.alerted = false
		return Alert{}, false
	}
	if h.alerted {
		return Alert{}, false
	}
	h.alerted = true
	return Alert{
		Address: r.Address,
		Count:   count,
		Window:  d.window,
		Time:    now,
	}, true
}

// Sweep forgets the sources without attempts in the
// window, and returns the number of sources kept.
func (d *Detector) Sweep() int {
	now := d.clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	for address, h := range d.sources {
		h.prune(now, d.window)
		if len(h.attempts) == 0 {
			delete(d.sources, address)
		}
	}
	return len(d.sources)
}
