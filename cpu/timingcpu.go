// Package cpu implements the CPU-side half of the timing interface:
// a single-issue, one-instruction-in-flight in-order core that talks
// to one or more memory-side caches through the request/response
// protocol. Instruction decode, ISA semantics, address translation,
// and fault handling are out of scope; they are represented here only
// by the narrow Program interface this package consumes.
package cpu

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/cachesim/mem"
	"github.com/sarchlab/cachesim/sim"
)

// State names the TimingCPU's position in its fetch/execute state
// machine.
type State int

const (
	// Idle is the quiescent pre-run state.
	Idle State = iota
	// Running means the core is between accesses, free to fetch.
	Running
	// IcacheRetry holds a fetch packet the icache refused.
	IcacheRetry
	// IcacheWaitResponse is waiting for the fetch response.
	IcacheWaitResponse
	// DcacheRetry holds a data packet the dcache refused.
	DcacheRetry
	// DcacheWaitResponse is waiting for the data response.
	DcacheWaitResponse
	// Draining means a switch-out was requested mid-access; the core
	// must finish the pending access before switching out.
	Draining
	// SwitchedOut is the terminal state.
	SwitchedOut
)

// Fault is returned by Program.Decode when translation or decode
// fails; a nil Fault means the instruction is valid.
type Fault error

// Instruction is everything the timing model needs to know about one
// instruction, as produced by an external decoder/translator. The
// timing core treats it as an opaque descriptor: it never interprets
// opcodes itself.
type Instruction struct {
	PC, NextPC uint64

	IsMemRef  bool
	MemAddr   uint64
	MemSize   int
	MemWrite  bool
	MemLocked bool
	// WriteData is the store payload, used when MemWrite is true.
	WriteData []byte
}

// Program is the external collaborator that stands in for instruction
// fetch, decode, and translation: given a PC, it returns the
// instruction's timing-relevant shape, or a Fault if the PC cannot be
// fetched/decoded.
type Program interface {
	Decode(pc uint64) (*Instruction, Fault)
}

// FaultHandler is invoked when Program.Decode or an issued access
// returns a Fault. The default handler just logs and halts the core;
// a richer one could redirect the PC to a handler routine.
type FaultHandler func(cpu *TimingCPU, f Fault)

// TimingCPU is a single-thread, one-instruction-in-flight in-order
// core.
type TimingCPU struct {
	ICacheSide *mem.Port
	DCacheSide *mem.Port

	sched   sim.Scheduler
	prog    Program
	onFault FaultHandler
	log     *logrus.Entry

	pc        uint64
	state     State
	threadID  int
	masterID  int

	pendingInstr *Instruction

	heldICachePkt *mem.Packet
	heldDCachePkt *mem.Packet

	fetchEvent sim.Event

	halted bool

	// reservationHeld records whether the core's most recent locked
	// access was a load that successfully reserved its address (set by
	// completeDataAccess's locked-read bookkeeping).
	reservationHeld bool
}

// NewTimingCPU creates a TimingCPU. onFault may be nil, in which case
// a default handler that logs and halts is used.
func NewTimingCPU(threadID, masterID int, prog Program, sched sim.Scheduler, onFault FaultHandler, log *logrus.Entry) *TimingCPU {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if onFault == nil {
		onFault = func(cpu *TimingCPU, f Fault) {
			cpu.log.WithError(f).Error("unhandled fault; halting core")
			cpu.halted = true
		}
	}

	cpu := &TimingCPU{
		sched:    sched,
		prog:     prog,
		onFault:  onFault,
		log:      log.WithField("thread", threadID),
		threadID: threadID,
		masterID: masterID,
		state:    Idle,
	}
	cpu.ICacheSide = mem.NewPort("cpu.icache_side", &icacheReceiver{cpu})
	cpu.DCacheSide = mem.NewPort("cpu.dcache_side", &dcacheReceiver{cpu})
	return cpu
}

// SetPC sets the program counter and moves the core to Running.
func (cpu *TimingCPU) SetPC(pc uint64) {
	cpu.pc = pc
	cpu.state = Running
}

// State returns the core's current state.
func (cpu *TimingCPU) State() State { return cpu.state }

// Halted reports whether the core has stopped due to an unhandled
// fault.
func (cpu *TimingCPU) Halted() bool { return cpu.halted }

func (cpu *TimingCPU) now() sim.Tick { return cpu.sched.CurrentTick() }

// ---- fetch ------------------------------------------------------------

// Fetch implements fetch(): decode/translate the current
// PC, build an instruction-fetch packet, and send it on the icache
// port.
func (cpu *TimingCPU) Fetch() {
	if cpu.halted || cpu.state == SwitchedOut {
		return
	}

	instr, fault := cpu.prog.Decode(cpu.pc)
	if fault != nil {
		cpu.onFault(cpu, fault)
		return
	}
	cpu.pendingInstr = instr

	req := &mem.Request{PAddr: cpu.pc, VAddr: cpu.pc, Size: 4, PC: cpu.pc,
		ThreadID: cpu.threadID, MasterID: cpu.masterID, IssueTick: cpu.now(),
		Flags: mem.Instruction}
	pkt := mem.NewPacket(req, mem.ReadReq, cpu.pc, 4)

	if cpu.ICacheSide.SendTiming(pkt) {
		cpu.state = IcacheWaitResponse
	} else {
		cpu.heldICachePkt = pkt
		cpu.state = IcacheRetry
	}
}

// completeIfetch implements completeIfetch(pkt): the
// fetch response has arrived; if the decoded instruction is a memory
// reference, issue the corresponding dcache packet, otherwise advance
// the PC and fetch again.
func (cpu *TimingCPU) completeIfetch(pkt *mem.Packet) {
	if cpu.state == Draining {
		cpu.state = SwitchedOut
		return
	}

	instr := cpu.pendingInstr
	if instr == nil {
		panic("cpu: icache response arrived with no pending instruction")
	}

	if !instr.IsMemRef {
		cpu.pc = instr.NextPC
		cpu.state = Running
		cpu.Fetch()
		return
	}

	cpu.issueDataAccess(instr)
}

func (cpu *TimingCPU) issueDataAccess(instr *Instruction) {
	req := &mem.Request{PAddr: instr.MemAddr, VAddr: instr.MemAddr, Size: instr.MemSize,
		PC: instr.PC, ThreadID: cpu.threadID, MasterID: cpu.masterID, IssueTick: cpu.now()}
	if instr.MemLocked {
		req.Flags |= mem.Locked
	}

	var pkt *mem.Packet
	if instr.MemWrite {
		pkt = mem.NewPacketStatic(req, mem.WriteReq, instr.MemAddr, instr.WriteData)
	} else {
		pkt = mem.NewPacket(req, mem.ReadReq, instr.MemAddr, instr.MemSize)
	}

	if cpu.DCacheSide.SendTiming(pkt) {
		cpu.state = DcacheWaitResponse
	} else {
		cpu.heldDCachePkt = pkt
		cpu.state = DcacheRetry
	}
}

// completeDataAccess implements completeDataAccess(pkt):
// finalize the instruction and advance to the next one.
func (cpu *TimingCPU) completeDataAccess(pkt *mem.Packet) {
	if cpu.state == Draining {
		cpu.state = SwitchedOut
		return
	}

	if pkt.ResultOf() == mem.BadAddress {
		cpu.onFault(cpu, Fault(errBadAddress{pkt.Address}))
		return
	}

	instr := cpu.pendingInstr
	if instr.MemLocked {
		// Locked-read bookkeeping: a locked load establishes the
		// reservation a later locked store needs to succeed; a locked
		// store consumes it regardless of whether the cache honored it.
		cpu.reservationHeld = !instr.MemWrite
	}
	cpu.advanceInst(instr)
}

// ReservationHeld reports whether the core's most recent locked access
// was a load that is still holding its address reservation.
func (cpu *TimingCPU) ReservationHeld() bool { return cpu.reservationHeld }

func (cpu *TimingCPU) advanceInst(instr *Instruction) {
	cpu.pc = instr.NextPC
	cpu.pendingInstr = nil
	cpu.state = Running
	cpu.Fetch()
}

// ---- retry --------------------------------------------------------------

func (cpu *TimingCPU) recvICacheRetry() {
	if cpu.heldICachePkt == nil {
		panic("cpu: icache retry arrived with nothing held")
	}
	pkt := cpu.heldICachePkt
	if cpu.ICacheSide.SendTiming(pkt) {
		cpu.heldICachePkt = nil
		cpu.state = IcacheWaitResponse
	}
}

func (cpu *TimingCPU) recvDCacheRetry() {
	if cpu.heldDCachePkt == nil {
		panic("cpu: dcache retry arrived with nothing held")
	}
	pkt := cpu.heldDCachePkt
	if cpu.DCacheSide.SendTiming(pkt) {
		cpu.heldDCachePkt = nil
		cpu.state = DcacheWaitResponse
	}
}

// ---- suspension -----------------------------------------------------------

// SwitchOut requests that the core stop issuing new work. Suspension
// from Running or Idle is immediate; suspension while an access is
// outstanding defers until that access completes (the core enters
// Draining).
func (cpu *TimingCPU) SwitchOut() {
	switch cpu.state {
	case Running, Idle:
		cpu.state = SwitchedOut
		if cpu.fetchEvent != nil {
			cpu.sched.Deschedule(cpu.fetchEvent)
			cpu.fetchEvent = nil
		}
	case IcacheWaitResponse, DcacheWaitResponse, IcacheRetry, DcacheRetry:
		cpu.state = Draining
	default:
		cpu.state = SwitchedOut
	}
}

// Draining reports whether the core is waiting on an in-flight access
// before it can switch out.
func (cpu *TimingCPU) Draining() bool { return cpu.state == Draining }

type errBadAddress struct{ addr uint64 }

func (e errBadAddress) Error() string { return "bad address on data access" }

// ---- port adapters --------------------------------------------------------

type icacheReceiver struct{ cpu *TimingCPU }

func (r *icacheReceiver) RecvTiming(pkt *mem.Packet) bool {
	if r.cpu.state != IcacheWaitResponse && r.cpu.state != Draining {
		panic("cpu: unexpected icache response outside IcacheWaitResponse or Draining")
	}
	r.cpu.completeIfetch(pkt)
	return true
}

func (r *icacheReceiver) RecvAtomic(pkt *mem.Packet) sim.Tick {
	panic("cpu: icache port does not expect atomic callbacks")
}
func (r *icacheReceiver) RecvFunctional(pkt *mem.Packet) {
	panic("cpu: icache port does not expect functional callbacks")
}
func (r *icacheReceiver) RecvRetry() { r.cpu.recvICacheRetry() }

type dcacheReceiver struct{ cpu *TimingCPU }

func (r *dcacheReceiver) RecvTiming(pkt *mem.Packet) bool {
	if r.cpu.state != DcacheWaitResponse && r.cpu.state != Draining {
		panic("cpu: unexpected dcache response outside DcacheWaitResponse or Draining")
	}
	r.cpu.completeDataAccess(pkt)
	return true
}

func (r *dcacheReceiver) RecvAtomic(pkt *mem.Packet) sim.Tick {
	panic("cpu: dcache port does not expect atomic callbacks")
}
func (r *dcacheReceiver) RecvFunctional(pkt *mem.Packet) {
	panic("cpu: dcache port does not expect functional callbacks")
}
func (r *dcacheReceiver) RecvRetry() { r.cpu.recvDCacheRetry() }
