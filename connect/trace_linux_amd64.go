package connect

import (
	"github.com/chaitin/sshtrace"
)

// entryTCPConnect is the entry of tcp_v4_connect(sk, uaddr,
// addr_len), with the sockaddr prefix fetched as two raw
// words in memory order.
type entryTCPConnect struct {
	sshtrace.ProbeEvent
	Head   uint64      `tracing:"+0(%si)"`
	Tail   uint64      `tracing:"+8(%si)"`
	Family uint16      `tracing:"+0(%si)"`
	Port   uint16      `tracing:"+2(%si)"`
	Sock   socketWords `tracing:"%di"`
}

type entryTCPv6Connect struct {
	sshtrace.ProbeEvent
	Head uint64 `tracing:"+0(%si)"`
}

type exitTCPConnect struct {
	sshtrace.ReturnEvent
	Retval int32 `tracing:"%ax"`
}
