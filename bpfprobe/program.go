package bpfprobe

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/chaitin/sshtrace/pkg/counter"
	"github.com/chaitin/sshtrace/pkg/record"
	"github.com/chaitin/sshtrace/pkg/sockaddr"
)

// Names of the maps and programs in the collection.
const (
	MapAttempts = "ssh_attempts"
	MapFailures = "ssh_failures"
	MapEvents   = "ssh_events"
	MapDegraded = "ssh_degraded"

	programConnect   = "ssh_connect"
	programReturn    = "ssh_connect_ret"
	programConnectV6 = "ssh_connect_v6"
)

// Flags of bpf_map_update_elem.
const (
	updateAny     = 0
	updateNoExist = 1
)

// currentCPU is BPF_F_CURRENT_CPU.
const currentCPU = 0xffffffff

// Stack layout of the connect program, relative to the
// frame pointer.
const (
	stackSockaddr = -16 // sockaddr_in prefix
	stackKey      = -24 // u32 source address
	stackValue    = -32 // u64 count
	stackRecord   = -56 // record.Record
	stackZero     = -60 // u32 zero key
)

// Labels of the connect program.
const (
	labelResolved = "resolved"
	labelCount    = "count"
	labelStore    = "store"
	labelInsert   = "insert"
	labelEmit     = "emit"
	labelExit     = "exit"
)

// programConfig is the parameters of the connect program.
type programConfig struct {
	exact     bool
	probeRead asm.BuiltinFunc
}

// probeRead reads size bytes from the kernel address in
// src into the stack slot at offset.
func probeRead(fn asm.BuiltinFunc, offset int16, size int32, src asm.Register, add int32) asm.Instructions {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, int32(offset)),
		asm.Mov.Imm(asm.R2, size),
		asm.Mov.Reg(asm.R3, src),
	}
	if add != 0 {
		insns = append(insns, asm.Add.Imm(asm.R3, add))
	}
	return append(insns, fn.Call())
}

// lookupKey looks up the map with the key on stack,
// leaving the value pointer or NULL in R0.
func lookupKey(name string, key int16) asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0).WithReference(name),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(key)),
		asm.FnMapLookupElem.Call(),
	}
}

// updateKey updates the map with the key and value on
// stack, leaving the result in R0.
func updateKey(name string, key, value int16, flags int32) asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0).WithReference(name),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(key)),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, int32(value)),
		asm.Mov.Imm(asm.R4, flags),
		asm.FnMapUpdateElem.Call(),
	}
}

// countApproximate increments the attempts counter with a
// lookup followed by an update, so concurrent attempts of
// the same source may overwrite each other.
func countApproximate() asm.Instructions {
	insns := lookupKey(MapAttempts, stackKey)
	insns[0] = insns[0].WithSymbol(labelCount)
	insns = append(insns,
		asm.Mov.Imm(asm.R1, 1),
		asm.JEq.Imm(asm.R0, 0, labelStore),
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.RFP, stackValue, asm.R1, asm.DWord).
			WithSymbol(labelStore),
	)
	return append(insns,
		updateKey(MapAttempts, stackKey, stackValue, updateAny)...)
}

// countExact increments the attempts counter atomically,
// inserting the first count when the source is new.
func countExact() asm.Instructions {
	insns := lookupKey(MapAttempts, stackKey)
	insns[0] = insns[0].WithSymbol(labelCount)
	insns = append(insns,
		asm.JEq.Imm(asm.R0, 0, labelInsert),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Ja.Label(labelEmit),
		asm.StoreImm(asm.RFP, stackValue, 1, asm.DWord).
			WithSymbol(labelInsert),
	)
	insns = append(insns,
		updateKey(MapAttempts, stackKey, stackValue, updateNoExist)...)
	insns = append(insns, asm.JEq.Imm(asm.R0, 0, labelEmit))

	// Another processor has inserted the source meanwhile,
	// or the map is full and the lookup fails again.
	insns = append(insns, lookupKey(MapAttempts, stackKey)...)
	return append(insns,
		asm.JEq.Imm(asm.R0, 0, labelEmit),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
	)
}

// connectProgram assembles the probe of tcp_v4_connect.
//
// R6 holds the context, R7 the connection object, R8 the
// sockaddr and later the record flags, and R9 the host
// order destination address.
func connectProgram(cfg programConfig) asm.Instructions {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R7, asm.R6, offsetSock, asm.DWord),
		asm.LoadMem(asm.R8, asm.R6, offsetSockarg, asm.DWord),
		asm.StoreImm(asm.RFP, stackSockaddr, 0, asm.DWord),
	}

	// Decode the sockaddr prefix, filtering everything
	// but IPv4 connections to the monitored port.
	insns = append(insns, probeRead(cfg.probeRead,
		stackSockaddr, sockaddr.PrefixSize, asm.R8, 0)...)
	insns = append(insns,
		asm.JNE.Imm(asm.R0, 0, labelExit),
		asm.LoadMem(asm.R1, asm.RFP, stackSockaddr, asm.Half),
		asm.JNE.Imm(asm.R1, sockaddr.FamilyInet, labelExit),
		asm.LoadMem(asm.R1, asm.RFP, stackSockaddr+2, asm.Half),
		asm.HostTo(asm.BE, asm.R1, asm.Half),
		asm.JNE.Imm(asm.R1, sockaddr.TargetPort, labelExit),
		asm.LoadMem(asm.R9, asm.RFP, stackSockaddr+4, asm.Word),
		asm.HostTo(asm.BE, asm.R9, asm.Word),
		asm.Mov.Imm(asm.R8, 0),
	)

	// Resolve the source from the connection object.
	for _, offset := range []int32{
		sockaddr.PrimarySourceOffset,
		sockaddr.SecondarySourceOffset,
	} {
		insns = append(insns,
			asm.StoreImm(asm.RFP, stackKey, 0, asm.Word))
		insns = append(insns, probeRead(cfg.probeRead,
			stackKey, 4, asm.R7, offset)...)
		insns = append(insns,
			asm.LoadMem(asm.R1, asm.RFP, stackKey, asm.Word),
			asm.JNE.Imm(asm.R1, 0, labelResolved),
		)
	}

	// Substitute the destination and account it.
	insns = append(insns,
		asm.Mov.Imm(asm.R8, int32(record.FlagDegraded)),
		asm.StoreMem(asm.RFP, stackKey, asm.R9, asm.Word),
		asm.StoreImm(asm.RFP, stackZero, 0, asm.Word),
	)
	insns = append(insns, lookupKey(MapDegraded, stackZero)...)
	insns = append(insns,
		asm.JEq.Imm(asm.R0, 0, labelCount),
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),
		asm.Ja.Label(labelCount),
		asm.HostTo(asm.BE, asm.R1, asm.Word).WithSymbol(labelResolved),
		asm.StoreMem(asm.RFP, stackKey, asm.R1, asm.Word),
	)

	if cfg.exact {
		insns = append(insns, countExact()...)
	} else {
		insns = append(insns, countApproximate()...)
	}

	// Build the record and output it on this processor.
	insns = append(insns,
		asm.LoadMem(asm.R1, asm.RFP, stackKey, asm.Word).
			WithSymbol(labelEmit),
		asm.StoreMem(asm.RFP, stackRecord, asm.R1, asm.Word),
		asm.StoreImm(asm.RFP, stackRecord+4, sockaddr.TargetPort, asm.Half),
		asm.StoreImm(asm.RFP, stackRecord+6, 0, asm.Half),
		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, stackRecord+8, asm.R0, asm.Word),
		asm.StoreImm(asm.RFP, stackRecord+12, int64(record.KindAttempt), asm.Byte),
		asm.StoreMem(asm.RFP, stackRecord+13, asm.R8, asm.Byte),
		asm.StoreImm(asm.RFP, stackRecord+14, 0, asm.Half),
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.RFP, stackRecord+16, asm.R0, asm.DWord),
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, 0).WithReference(MapEvents),
		asm.LoadImm(asm.R3, currentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, stackRecord),
		asm.Mov.Imm(asm.R5, record.Size),
		asm.FnPerfEventOutput.Call(),
		asm.Mov.Imm(asm.R0, 0).WithSymbol(labelExit),
		asm.Return(),
	)
	return insns
}

// stubProgram is attached to the return point and to the
// IPv6 entry point, it does nothing.
func stubProgram() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	}
}

// collectionSpec describes the maps and programs.
func collectionSpec(cfg programConfig, capacity int, pin bool) *ebpf.CollectionSpec {
	pinning := ebpf.PinNone
	if pin {
		pinning = ebpf.PinByName
	}
	attempts := counter.MapSpec(MapAttempts, uint32(capacity))
	attempts.Pinning = pinning
	failures := counter.MapSpec(MapFailures, uint32(capacity))
	failures.Pinning = pinning
	program := func(name string, insns asm.Instructions) *ebpf.ProgramSpec {
		return &ebpf.ProgramSpec{
			Name:         name,
			Type:         ebpf.Kprobe,
			Instructions: insns,
			License:      "Dual BSD/GPL",
		}
	}
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			MapAttempts: attempts,
			MapFailures: failures,
			MapEvents: {
				Name: MapEvents,
				Type: ebpf.PerfEventArray,
			},
			MapDegraded: {
				Name:       MapDegraded,
				Type:       ebpf.PerCPUArray,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: 1,
				Pinning:    pinning,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			programConnect:   program(programConnect, connectProgram(cfg)),
			programReturn:    program(programReturn, stubProgram()),
			programConnectV6: program(programConnectV6, stubProgram()),
		},
	}
}
