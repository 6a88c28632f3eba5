package connect

import (
	"github.com/chaitin/sshtrace"
)

// The kernel is built with regparm(3), so the arguments
// are passed in %ax, %dx and %cx.
type entryTCPConnect struct {
	sshtrace.ProbeEvent
	Head   uint64      `tracing:"+0(%dx)"`
	Tail   uint64      `tracing:"+8(%dx)"`
	Family uint16      `tracing:"+0(%dx)"`
	Port   uint16      `tracing:"+2(%dx)"`
	Sock   socketWords `tracing:"%ax"`
}

type entryTCPv6Connect struct {
	sshtrace.ProbeEvent
	Head uint64 `tracing:"+0(%dx)"`
}

type exitTCPConnect struct {
	sshtrace.ReturnEvent
	Retval int32 `tracing:"%ax"`
}
