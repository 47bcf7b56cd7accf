package mem

import "github.com/sarchlab/cachesim/sim"

// Command identifies the bus operation a Packet carries.
type Command int

const (
	// ReadReq is a load request.
	ReadReq Command = iota
	// WriteReq is a store request.
	WriteReq
	// WritebackReq carries an evicted dirty block to the next level.
	WritebackReq
	// UpgradeReq asks for write permission on an already-shared line.
	UpgradeReq
	// InvalidateReq asks the recipient to invalidate a line.
	InvalidateReq
	// WriteInvalidateReq is a full-block write that also invalidates
	// other copies (used by the fast write-allocate path).
	WriteInvalidateReq
	// HardPFReq is a prefetcher-issued fill request.
	HardPFReq
	// ReadResp is the response to a ReadReq.
	ReadResp
	// WriteResp is the response to a WriteReq.
	WriteResp
)

// String names a Command for logging.
func (c Command) String() string {
	switch c {
	case ReadReq:
		return "ReadReq"
	case WriteReq:
		return "WriteReq"
	case WritebackReq:
		return "WritebackReq"
	case UpgradeReq:
		return "UpgradeReq"
	case InvalidateReq:
		return "InvalidateReq"
	case WriteInvalidateReq:
		return "WriteInvalidateReq"
	case HardPFReq:
		return "HardPFReq"
	case ReadResp:
		return "ReadResp"
	case WriteResp:
		return "WriteResp"
	default:
		return "Unknown"
	}
}

// IsRequest reports whether c is a request command (as opposed to a
// response).
func (c Command) IsRequest() bool {
	return c != ReadResp && c != WriteResp
}

// IsCacheFill reports whether a response of this command installs data
// into the tag store (as opposed to e.g. a bare WriteResp
// acknowledgement).
func (c Command) IsCacheFill() bool {
	return c == ReadResp
}

// Flag is a bit in a Packet's flag set: a small set of named booleans
// packed into one word, not a type-erased bitfield.
type Flag uint32

const (
	// Satisfied marks a packet whose data/response is ready to be
	// consumed by its sender; the sender may free/reuse it after this.
	Satisfied Flag = 1 << iota
	// NackedLine marks a snoop response that both acknowledges and
	// refuses to supply data (the responder itself has a miss in
	// flight for the line).
	NackedLine
	// SharedLine marks a response indicating the line is now shared
	// between requester and responder.
	SharedLine
	// SnoopCommit marks a snoop packet that, once handled, commits its
	// coherence effect (as opposed to a speculative probe).
	SnoopCommit
	// CacheLineFill marks a response that should install a full block.
	CacheLineFill
	// NoAllocate marks a response that must not install a block even
	// if it would otherwise qualify as a fill.
	NoAllocate
)

// Has reports whether flag is set.
func (f Flag) Has(flag Flag) bool { return f&flag != 0 }

// Result is the outcome recorded on a packet once it is resolved.
type Result int

const (
	// Pending means the packet has not yet been resolved.
	Pending Result = iota
	// Success means the access completed normally.
	Success
	// BadAddress means the access targeted an address with no backing
	// resource.
	BadAddress
	// Nacked means a bus agent refused the packet; the sender must
	// retry later (never retried internally by the cache).
	Nacked
)

// MSHRToken is a typed back-reference from a packet to the MSHR that
// originated it. It names a block address rather than holding a raw
// pointer, so the identity of the owning MSHR is always resolved
// through MSHRQueue.FindMSHR — there is no aliasing to a freed struct.
type MSHRToken struct {
	BlockAddr uint64
	// IsWriteback is true when the token refers to a writeback buffer
	// entry rather than a miss MSHR.
	IsWriteback bool
}

// Packet is an owned message carrying a Request plus optional payload.
// At any instant a Packet has exactly one owner; ownership transfers
// atomically when Port.SendTiming returns true (see Port).
type Packet struct {
	Req *Request

	Command Command
	Address uint64
	Size    int

	// data is the payload. A packet either borrows a caller-owned
	// slice (Static) or owns a freshly allocated one (Dynamic); either
	// way Data() returns a slice the caller may read or, for a
	// request packet, write through to deliver write data.
	data      []byte
	dataOwned bool

	flags  Flag
	result Result

	// SenderState carries the MSHRToken that lets a response find its
	// way back to the MSHR that is waiting for it. nil on packets that
	// did not originate from a miss (e.g. a hit response, a snoop).
	SenderState *MSHRToken

	// Time is the earliest tick at which this packet may be delivered.
	Time sim.Tick
}

// NewPacket allocates a fresh Packet with freshly-owned, zeroed data of
// length size.
func NewPacket(req *Request, cmd Command, addr uint64, size int) *Packet {
	return &Packet{
		Req:       req,
		Command:   cmd,
		Address:   addr,
		Size:      size,
		data:      make([]byte, size),
		dataOwned: true,
	}
}

// NewPacketStatic allocates a Packet whose data slice is borrowed from
// the caller (the "static" payload case): the packet does not own it
// and must not outlive the caller's buffer.
func NewPacketStatic(req *Request, cmd Command, addr uint64, data []byte) *Packet {
	return &Packet{
		Req:       req,
		Command:   cmd,
		Address:   addr,
		Size:      len(data),
		data:      data,
		dataOwned: false,
	}
}

// MakeResponse turns a request packet into its response in place,
// preserving identity and clearing any request-time flags. Callers
// that need a response flag (e.g. Satisfied) must set it after calling
// MakeResponse, not before.
func (p *Packet) MakeResponse() {
	switch p.Command {
	case ReadReq, HardPFReq:
		p.Command = ReadResp
	case WriteReq, WriteInvalidateReq, UpgradeReq:
		p.Command = WriteResp
	}
	p.flags = 0
}

// Data returns the packet's payload slice.
func (p *Packet) Data() []byte { return p.data }

// SetFlag sets flag on the packet.
func (p *Packet) SetFlag(flag Flag) { p.flags |= flag }

// ClearFlag clears flag on the packet.
func (p *Packet) ClearFlag(flag Flag) { p.flags &^= flag }

// HasFlag reports whether flag is set.
func (p *Packet) HasFlag(flag Flag) bool { return p.flags.Has(flag) }

// SetResult records the outcome of the access.
func (p *Packet) SetResult(r Result) { p.result = r }

// ResultOf returns the packet's recorded outcome.
func (p *Packet) ResultOf() Result { return p.result }

// IsWrite reports whether this packet carries a write.
func (p *Packet) IsWrite() bool {
	switch p.Command {
	case WriteReq, WriteInvalidateReq, WritebackReq:
		return true
	default:
		return false
	}
}

// IsRead reports whether this packet carries a read.
func (p *Packet) IsRead() bool {
	return p.Command == ReadReq || p.Command == HardPFReq
}

// NeedsResponse reports whether the original requester expects a reply
// packet (as opposed to e.g. a writeback, which is fire-and-forget).
func (p *Packet) NeedsResponse() bool {
	return p.Command != WritebackReq
}
