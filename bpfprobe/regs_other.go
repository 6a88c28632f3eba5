//go:build !amd64 && !arm64

package bpfprobe

const (
	offsetSock    = 0
	offsetSockarg = 0
)

// The registers of the other architectures are not mapped,
// the tracefs backend must be used there.
const supportedArch = false
