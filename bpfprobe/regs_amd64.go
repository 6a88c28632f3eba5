package bpfprobe

// Offsets of %di and %si inside struct pt_regs.
const (
	offsetSock    = 112
	offsetSockarg = 104
)

const supportedArch = true
