// Package counter implements the shared, capacity bounded
// stores counting observed attempts per source address.
//
// The stores are shared by every concurrent invocation of
// the probe and no lock is ever taken. The default store
// performs a read followed by a write on increment, so two
// racing writers on the same key may lose one update. The
// count is indicative, and is never torn or corrupted.
package counter

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrFull is returned when a new key cannot be inserted
// because the store has reached its capacity.
var ErrFull = errors.New("counter store full")

// Store is a keyed counter shared across invocations.
type Store interface {
	// Increment treats the absent key as zero, stores the
	// incremented value and returns it.
	Increment(key uint32) (uint64, error)

	// Lookup returns the current count of key.
	Lookup(key uint32) (uint64, bool)

	// Iterate visits every entry until fn returns false.
	Iterate(fn func(key uint32, count uint64) bool) error

	// Len is the number of distinct keys inserted.
	Len() int

	// Capacity is the maximum number of distinct keys.
	Capacity() int
}

// slot is an entry of the open addressing table.
//
// The tag holds the key with the occupied bit set above
// it, so that a slot is claimed with a single CAS and never
// observed half written.
type slot struct {
	tag   atomic.Uint64
	count atomic.Uint64
}

const occupied = uint64(1) << 32

// tagOf evaluates the slot tag of the key.
func tagOf(key uint32) uint64 {
	return occupied | uint64(key)
}

// table is the lock-free, fixed size hash table. Entries
// are never removed, so a probe sequence ending in an
// empty slot proves the key absent.
type table struct {
	slots    []slot
	mask     uint64
	size     atomic.Int64
	capacity int64
	exact    bool
}

// newTable allocates the table with twice the capacity
// rounded up to a power of two, keeping probe sequences
// short even when the store is full.
func newTable(capacity int, exact bool) *table {
	if capacity < 1 {
		capacity = 1
	}
	n := uint64(2)
	for n < uint64(capacity)*2 {
		n <<= 1
	}
	return &table{
		slots:    make([]slot, n),
		mask:     n - 1,
		capacity: int64(capacity),
		exact:    exact,
	}
}

// New creates the default store, which counts under races
// approximately, like the reference lookup-then-update.
func New(capacity int) Store {
	return newTable(capacity, false)
}

// NewExact creates the stricter store, where concurrent
// increments on the same key are never lost.
func NewExact(capacity int) Store {
	return newTable(capacity, true)
}

// home evaluates the first slot of the probe sequence.
func (t *table) home(key uint32) uint64 {
	return (uint64(key) * 0x9e3779b1) & t.mask
}

// find returns the slot holding key, claiming an empty
// one when insert is set.
func (t *table) find(key uint32, insert bool) (*slot, error) {
	tag := tagOf(key)
	index := t.home(key)
	for i := uint64(0); i <= t.mask; i++ {
		s := &t.slots[(index+i)&t.mask]
		current := s.tag.Load()
		if current == tag {
			return s, nil
		}
		if current != 0 {
			continue
		}
		if !insert {
			return nil, nil
		}

		// Reserve a unit of capacity before claiming.
		if t.size.Add(1) > t.capacity {
			t.size.Add(-1)
			return nil, ErrFull
		}
		if s.tag.CompareAndSwap(0, tag) {
			return s, nil
		}
		t.size.Add(-1)

		// Lost the race for the slot, someone might have
		// inserted the very same key.
		if s.tag.Load() == tag {
			return s, nil
		}
	}
	return nil, ErrFull
}

// Increment implements Store.
func (t *table) Increment(key uint32) (uint64, error) {
	s, err := t.find(key, true)
	if err != nil {
		return 0, err
	}
	if t.exact {
		return s.count.Add(1), nil
	}
	value := s.count.Load() + 1
	s.count.Store(value)
	return value, nil
}

// Lookup implements Store.
func (t *table) Lookup(key uint32) (uint64, bool) {
	s, _ := t.find(key, false)
	if s == nil {
		return 0, false
	}
	count := s.count.Load()
	return count, count > 0
}

// Iterate implements Store.
func (t *table) Iterate(fn func(uint32, uint64) bool) error {
	for i := range t.slots {
		s := &t.slots[i]
		tag := s.tag.Load()
		if tag == 0 {
			continue
		}
		count := s.count.Load()
		if count == 0 {
			continue
		}
		if !fn(uint32(tag), count) {
			return nil
		}
	}
	return nil
}

// Len implements Store.
func (t *table) Len() int {
	return int(t.size.Load())
}

// Capacity implements Store.
func (t *table) Capacity() int {
	return int(t.capacity)
}

// Snapshot copies the content of the store.
func Snapshot(store Store) (map[uint32]uint64, error) {
	result := make(map[uint32]uint64)
	err := store.Iterate(func(key uint32, count uint64) bool {
		result[key] = count
		return true
	})
	return result, err
}

// Entry is a key and count pair.
type Entry struct {
	Key   uint32
	Count uint64
}

// Top returns at most n entries with the largest counts,
// ties are broken by ascending key.
func Top(store Store, n int) ([]Entry, error) {
	var entries []Entry
	if err := store.Iterate(func(key uint32, count uint64) bool {
		entries = append(entries, Entry{Key: key, Count: count})
		return true
	}); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}
