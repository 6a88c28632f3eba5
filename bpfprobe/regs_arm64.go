package bpfprobe

// Offsets of x0 and x1 inside struct user_pt_regs.
const (
	offsetSock    = 0
	offsetSockarg = 8
)

const supportedArch = true
