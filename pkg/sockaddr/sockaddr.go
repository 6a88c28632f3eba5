// Package sockaddr decodes the destination address passed
// to the connect entry point, and resolves the originating
// address from the in-kernel connection object.
package sockaddr

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// FamilyInet is the AF_INET discriminant.
	FamilyInet = 2

	// TargetPort is the monitored service port.
	TargetPort = 22

	// PrefixSize is the structural prefix of sockaddr_in
	// (family, port and address) that must be readable.
	PrefixSize = 8

	// PrimarySourceOffset and SecondarySourceOffset are
	// the offsets inside the connection object where the
	// source address is looked up, in order.
	PrimarySourceOffset   = 12
	SecondarySourceOffset = 16
)

var (
	// ErrTruncated is returned when the structural prefix
	// could not be read completely.
	ErrTruncated = errors.New("truncated socket address")

	// ErrFamily is returned when the address is not IPv4.
	ErrFamily = errors.New("address family not inet")

	// ErrPort is returned when the destination port is not
	// the monitored one.
	ErrPort = errors.New("port not monitored")
)

// IsRejected tells whether the error is one of the filter
// rejections. Rejections are the expected majority case
// and must not be reported.
func IsRejected(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrTruncated ||
		cause == ErrFamily || cause == ErrPort
}

// Addr is the decoded IPv4 socket address, with port and
// address normalized into host byte order.
type Addr struct {
	Family  uint16
	Port    uint16
	Address uint32
}

// Decode the raw sockaddr buffer.
//
//	sockaddr_in{
//	    .sin_family = AF_INET = 2,   // +0, native order
//	    .sin_port   = Port,          // +2, big endian
//	    .sin_addr   = { Address },   // +4, big endian
//	}
//
// Only the family discriminant is validated, the rest of
// the bytes are taken as they are.
func Decode(buf []byte) (Addr, error) {
	var addr Addr
	if len(buf) < PrefixSize {
		return addr, ErrTruncated
	}
	addr.Family = binary.LittleEndian.Uint16(buf[0:2])
	if addr.Family != FamilyInet {
		return addr, ErrFamily
	}
	addr.Port = binary.BigEndian.Uint16(buf[2:4])
	addr.Address = binary.BigEndian.Uint32(buf[4:8])
	if addr.Port != TargetPort {
		return addr, ErrPort
	}
	return addr, nil
}

// SocketReader reads fixed-width words from the kernel
// connection object. An error means the memory could not
// be read and the value is considered unset.
type SocketReader interface {
	ReadUint32(offset uint32) (uint32, error)
}

// readSource reads the address word at offset, which is
// stored in network byte order.
func readSource(sk SocketReader, offset uint32) uint32 {
	if sk == nil {
		return 0
	}
	value, err := sk.ReadUint32(offset)
	if err != nil {
		return 0
	}
	return NetworkToHost(value)
}

// ResolveSource attempts to find the originating address of
// the connection, falling back from the primary offset to
// the secondary offset, and finally to the destination.
//
// The degraded flag is set when the destination has been
// substituted, and the counters keyed by the result are
// then counting targets instead of initiators.
func ResolveSource(
	sk SocketReader, dst uint32,
) (src uint32, degraded bool) {
	if src = readSource(sk, PrimarySourceOffset); src != 0 {
		return src, false
	}
	if src = readSource(sk, SecondarySourceOffset); src != 0 {
		return src, false
	}
	return dst, true
}

// NetworkToHost converts a word read from memory in native
// order holding a big endian address into host order.
func NetworkToHost(value uint32) uint32 {
	return bits.ReverseBytes32(value)
}

// Words is a SocketReader over prefetched words, used when
// the memory has been read ahead of time by the tracer.
type Words map[uint32]uint32

// ErrUnreadable is returned by Words when the offset has
// not been fetched.
var ErrUnreadable = errors.New("unreadable offset")

// ReadUint32 returns the prefetched word at offset.
func (w Words) ReadUint32(offset uint32) (uint32, error) {
	value, ok := w[offset]
	if !ok {
		return 0, ErrUnreadable
	}
	return value, nil
}
