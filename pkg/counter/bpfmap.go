package counter

import (
	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MapSpec describes the BPF hash map layout of a counter
// store: u32 host order address to u64 count.
func MapSpec(name string, capacity uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: capacity,
	}
}

// MapStore is a Store backed by a BPF hash map, which is
// enumerable by any other privileged process (e.g. with
// bpftool or through its pinned path).
type MapStore struct {
	m *ebpf.Map
}

// NewMap wraps an existing BPF hash map as a store. The map
// is still owned by the caller.
func NewMap(m *ebpf.Map) *MapStore {
	return &MapStore{m: m}
}

// CreateMap creates a standalone BPF hash map store, which
// must be closed after use.
func CreateMap(name string, capacity int) (*MapStore, error) {
	m, err := ebpf.NewMap(MapSpec(name, uint32(capacity)))
	if err != nil {
		return nil, errors.Wrapf(err, "create map %q", name)
	}
	return &MapStore{m: m}, nil
}

// Map returns the underlying BPF map.
func (s *MapStore) Map() *ebpf.Map {
	return s.m
}

// Close releases the underlying map.
func (s *MapStore) Close() error {
	return s.m.Close()
}

// Increment implements Store with the same lookup then
// update sequence as the in-kernel program.
func (s *MapStore) Increment(key uint32) (uint64, error) {
	var count uint64
	if err := s.m.Lookup(key, &count); err != nil {
		if !errors.Is(err, ebpf.ErrKeyNotExist) {
			return 0, errors.Wrap(err, "lookup counter")
		}
		count = 0
	}
	count++
	if err := s.m.Update(key, count, ebpf.UpdateAny); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return 0, ErrFull
		}
		return 0, errors.Wrap(err, "update counter")
	}
	return count, nil
}

// Lookup implements Store.
func (s *MapStore) Lookup(key uint32) (uint64, bool) {
	var count uint64
	if err := s.m.Lookup(key, &count); err != nil {
		return 0, false
	}
	return count, true
}

// Iterate implements Store.
func (s *MapStore) Iterate(fn func(uint32, uint64) bool) error {
	var key uint32
	var count uint64
	iter := s.m.Iterate()
	for iter.Next(&key, &count) {
		if !fn(key, count) {
			return nil
		}
	}
	return errors.Wrap(iter.Err(), "iterate counter")
}

// Len implements Store by enumerating the map.
func (s *MapStore) Len() int {
	n := 0
	_ = s.Iterate(func(uint32, uint64) bool {
		n++
		return true
	})
	return n
}

// Capacity implements Store.
func (s *MapStore) Capacity() int {
	return int(s.m.MaxEntries())
}
