package mem

import "github.com/sarchlab/cachesim/sim"

// MSHR tracks one outstanding miss: the request sent to memory and the
// ordered list of CPU-side packets waiting on its data.
type MSHR struct {
	BlockAddr uint64
	Size      int
	IssueTick sim.Tick

	// InService is true once a request for this line has been sent to
	// the memory-side port.
	InService bool

	// OrigCmd is the command of the packet that first allocated this
	// MSHR. BusCmd is what was actually put on the bus, which the
	// controller may have rewritten (e.g. WriteReq -> ReadReq when a
	// write miss fetches the line).
	OrigCmd, BusCmd Command

	// Targets is the ordered list of packets awaiting this miss's
	// data; replies are scheduled to the CPU in this order.
	Targets []*Packet

	// InvalidateOnFill is set by a snoop that arrived while this MSHR
	// was in service: once the fill lands, the block self-invalidates
	// instead of staying valid.
	InvalidateOnFill bool

	// SenderPkt is the in-flight packet sent to memory. It has its own
	// identity, distinct from any target packet.
	SenderPkt *Packet
}

// AddTarget appends pkt to the MSHR's target list, coalescing it onto
// this miss.
func (m *MSHR) AddTarget(pkt *Packet) {
	m.Targets = append(m.Targets, pkt)
}
