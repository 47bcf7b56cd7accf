package mem

import "github.com/sarchlab/cachesim/sim"

// MSHRQueue holds two fixed-capacity tables: outstanding misses and
// pending writebacks. At most one MSHR exists per block address in the
// outstanding table; this is a global invariant the queue enforces.
type MSHRQueue struct {
	missCapacity int
	wbCapacity   int

	misses      map[uint64]*MSHR
	writebacks  map[uint64]*Writeback
	wbInService map[uint64]bool
}

// NewMSHRQueue creates an MSHRQueue with the given fixed capacities.
func NewMSHRQueue(missCapacity, wbCapacity int) *MSHRQueue {
	return &MSHRQueue{
		missCapacity: missCapacity,
		wbCapacity:   wbCapacity,
		misses:       make(map[uint64]*MSHR),
		writebacks:   make(map[uint64]*Writeback),
		wbInService:  make(map[uint64]bool),
	}
}

// FindMSHR returns the outstanding MSHR for addr's block, if any.
func (q *MSHRQueue) FindMSHR(blockAddr uint64) *MSHR {
	return q.misses[blockAddr]
}

// Full reports whether the outstanding-miss table is at capacity.
func (q *MSHRQueue) Full() bool {
	return len(q.misses) >= q.missCapacity
}

// HandleMiss creates a new MSHR for pkt's block, or appends pkt as a
// coalesced target on an existing one. It returns the MSHR and whether
// a new one was allocated (the caller uses that to decide whether to
// issue a memory-side request).
func (q *MSHRQueue) HandleMiss(pkt *Packet, size int, readyTick sim.Tick) (*MSHR, bool) {
	blockAddr := BlockAlign(pkt.Address, size)
	if m, ok := q.misses[blockAddr]; ok {
		m.AddTarget(pkt)
		return m, false
	}

	if q.Full() {
		panic("mem: MSHR table full, caller must have checked capacity before issuing")
	}

	m := &MSHR{
		BlockAddr: blockAddr,
		Size:      size,
		IssueTick: readyTick,
		OrigCmd:   pkt.Command,
		BusCmd:    pkt.Command,
	}
	m.AddTarget(pkt)
	q.misses[blockAddr] = m
	return m, true
}

// MarkInService records that the bus now carries a request for m.
func (q *MSHRQueue) MarkInService(pkt *Packet, m *MSHR) {
	m.InService = true
	m.SenderPkt = pkt
}

// RetireMSHR frees m once all of its targets have been serviced.
func (q *MSHRQueue) RetireMSHR(m *MSHR) {
	delete(q.misses, m.BlockAddr)
}

// RestoreOrigCmd undoes any coherence-driven command rewrite on pkt
// after a failed send, resetting both pkt and m to the CPU's original
// command. The caller is expected to re-derive the bus command fresh
// before the next retry, rather than assume the rewrite still holds.
func (q *MSHRQueue) RestoreOrigCmd(pkt *Packet, m *MSHR) {
	pkt.Command = m.OrigCmd
	m.BusCmd = m.OrigCmd
}

// DoWriteback enqueues wb's block on the writeback side. It panics if
// the writeback table is already full; callers are expected to check
// capacity (or drain) before evicting.
func (q *MSHRQueue) DoWriteback(wb Writeback) {
	if len(q.writebacks) >= q.wbCapacity {
		panic("mem: writeback buffer full")
	}
	cp := wb
	q.writebacks[wb.BlockAddr] = &cp
}

// FindWrites appends every pending writeback at addr's block to out
// and returns the extended slice.
func (q *MSHRQueue) FindWrites(blockAddr uint64, out []*Writeback) []*Writeback {
	if wb, ok := q.writebacks[blockAddr]; ok {
		out = append(out, wb)
	}
	return out
}

// MarkWritebackInService records that the line's writeback has been
// handed off (e.g. another cache just took ownership via a snoop).
func (q *MSHRQueue) MarkWritebackInService(blockAddr uint64) {
	q.wbInService[blockAddr] = true
}

// WritebackInService reports whether the writeback at blockAddr has
// already been handed off.
func (q *MSHRQueue) WritebackInService(blockAddr uint64) bool {
	return q.wbInService[blockAddr]
}

// RetireWriteback removes the writeback entry for blockAddr once it
// has been transmitted.
func (q *MSHRQueue) RetireWriteback(blockAddr uint64) {
	delete(q.writebacks, blockAddr)
	delete(q.wbInService, blockAddr)
}

// HavePending reports whether there is any miss or writeback work
// waiting to be sent to the memory-side port.
func (q *MSHRQueue) HavePending() bool {
	for _, m := range q.misses {
		if !m.InService {
			return true
		}
	}
	return len(q.writebacks) > 0
}
