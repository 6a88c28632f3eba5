// Package record defines the fixed-layout event record
// emitted for every observed SSH connection attempt.
//
// The layout is shared by the in-kernel program and the
// user space consumers, it must not be reordered:
//
//	+0  u32 Address   (host order IPv4)
//	+4  u16 Port      (host order)
//	+6  u16 (padding)
//	+8  u32 PID
//	+12 u8  Kind
//	+13 u8  Flags
//	+14 u16 (padding)
//	+16 u64 Timestamp (monotonic nanoseconds)
package record

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Size is the serialized size of a record.
const Size = 24

// Kind is the kind of the observed event.
type Kind uint8

const (
	KindAttempt = Kind(iota)

	// KindFailure and KindSuccess are reserved for the
	// completion probe and never produced for now.
	KindFailure
	KindSuccess
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAttempt:
		return "attempt"
	case KindFailure:
		return "failure"
	case KindSuccess:
		return "success"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flags carries extra information about how the record
// has been produced.
type Flags uint8

// FlagDegraded marks a record whose source address could
// not be resolved, and the destination address has been
// substituted in place.
const FlagDegraded = Flags(1 << 0)

// Record is one observed connection attempt.
type Record struct {
	Address   uint32
	Port      uint16
	PID       uint32
	Kind      Kind
	Flags     Flags
	Timestamp uint64
}

// ErrShortRecord is returned when the raw sample is
// smaller than the record layout.
var ErrShortRecord = errors.New("short record")

// Degraded tells whether the source address has been
// substituted by the destination address.
func (r Record) Degraded() bool {
	return r.Flags&FlagDegraded != 0
}

// IPv4 converts a host order address into net.IP.
func IPv4(address uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, address)
	return ip
}

// IP converts the address of the record into net.IP.
func (r Record) IP() net.IP {
	return IPv4(r.Address)
}

// String formats the record for logging.
func (r Record) String() string {
	result := fmt.Sprintf("%s %s:%d pid=%d ts=%d",
		r.Kind, r.IP(), r.Port, r.PID, r.Timestamp)
	if r.Degraded() {
		result += " degraded"
	}
	return result
}

// MarshalBinary encodes the record in its wire layout.
func (r Record) MarshalBinary() ([]byte, error) {
	data := make([]byte, Size)
	r.put(data)
	return data, nil
}

// put writes the record into data, which must be at
// least Size bytes long.
func (r Record) put(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], r.Address)
	binary.LittleEndian.PutUint16(data[4:6], r.Port)
	binary.LittleEndian.PutUint32(data[8:12], r.PID)
	data[12] = uint8(r.Kind)
	data[13] = uint8(r.Flags)
	binary.LittleEndian.PutUint64(data[16:24], r.Timestamp)
}

// UnmarshalBinary decodes the record from its layout,
// the padding bytes are ignored.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return errors.Wrapf(ErrShortRecord,
			"got %d bytes, want %d", len(data), Size)
	}
	r.Address = binary.LittleEndian.Uint32(data[0:4])
	r.Port = binary.LittleEndian.Uint16(data[4:6])
	r.PID = binary.LittleEndian.Uint32(data[8:12])
	r.Kind = Kind(data[12])
	r.Flags = Flags(data[13])
	r.Timestamp = binary.LittleEndian.Uint64(data[16:24])
	return nil
}

// Decode parses a raw sample read from the channel.
func Decode(raw []byte) (Record, error) {
	var r Record
	err := r.UnmarshalBinary(raw)
	return r, err
}
