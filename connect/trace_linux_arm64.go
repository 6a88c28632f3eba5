package connect

import (
	"github.com/chaitin/sshtrace"
)

type entryTCPConnect struct {
	sshtrace.ProbeEvent
	Head   uint64      `tracing:"+0(%x1)"`
	Tail   uint64      `tracing:"+8(%x1)"`
	Family uint16      `tracing:"+0(%x1)"`
	Port   uint16      `tracing:"+2(%x1)"`
	Sock   socketWords `tracing:"%x0"`
}

type entryTCPv6Connect struct {
	sshtrace.ProbeEvent
	Head uint64 `tracing:"+0(%x1)"`
}

type exitTCPConnect struct {
	sshtrace.ReturnEvent
	Retval int32 `tracing:"%x0"`
}
