// Package alloc allocates identities by circulating from
// the last allocated one.
//
// When the identity space is large, the identity next to
// the last one is very likely unused, so an allocation
// mostly costs a single lookup. The worst case is O(N),
// where N is the number of identities in use.
package alloc

// Alloc allocates the ID by circularly seeking for the
// next available identity after id.
//
// The identity 0 is reserved as invalid, and is returned
// whenever every identity up to upperLimit is occupied.
// An upperLimit of 0 means no limit.
func Alloc(
	id, upperLimit uint64, occupied func(uint64) bool,
) uint64 {
	if upperLimit == 0 {
		upperLimit = ^uint64(0)
	}

	// Fast path: the identity next to the last one.
	newID := id + 1
	if newID != 0 && newID <= upperLimit && !occupied(newID) {
		return newID
	}

	// Slow path: seek forward and then wrap around.
	for newID := id + 2; newID > id && newID <= upperLimit; newID++ {
		if !occupied(newID) {
			return newID
		}
	}
	for newID := uint64(1); newID <= id && newID <= upperLimit; newID++ {
		if !occupied(newID) {
			return newID
		}
	}
	return 0
}
