package mem

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/cachesim/sim"
)

// Cache is the controller: the state machine that, on every request,
// reconciles tag lookup, MSHR accounting, the coherence protocol, and
// the writeback buffer. It exposes a CPU-side and a
// memory-side Port and dispatches by direction and mode.
type Cache struct {
	name string
	cfg  Config

	tags       *TagStore
	mshrs      *MSHRQueue
	coherence  CoherenceDriver
	prefetcher Prefetcher
	stats      *Statistics
	sched      sim.Scheduler
	log        *logrus.Entry

	// CPUSide faces the requester (a TimingCPU or an inner cache).
	CPUSide *Port
	// MemSide faces the next memory level (or the shared bus).
	MemSide *Port

	cpuRetryQueue []*Packet
	memRetryPkt   *Packet

	// cpuBlocked records that the CPU-side port last refused a request
	// for lack of MSHR room; CPUSide.SendRetry is called the next time
	// an MSHR retires or a writeback is sent, so the held packet gets
	// re-issued.
	cpuBlocked bool

	// reservations implements locked-load/store-conditional bookkeeping:
	// masterID -> the block address its most recent locked read
	// reserved.
	reservations map[int]uint64
}

// NewCache builds a Cache and wires its two ports. prefetcher may be
// nil, in which case a StridePrefetcher is used if cfg.PrefetchOnAccess
// is set, and no speculative fills are issued otherwise.
func NewCache(name string, cfg Config, coherence CoherenceDriver, prefetcher Prefetcher, sched sim.Scheduler, log *logrus.Entry) *Cache {
	if prefetcher == nil {
		if cfg.PrefetchOnAccess {
			prefetcher = NewStridePrefetcher(1)
		} else {
			prefetcher = NullPrefetcher{}
		}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Cache{
		name:       name,
		cfg:        cfg,
		tags:       NewTagStore(cfg.NumSets, cfg.Associativity, cfg.BlockSize),
		mshrs:      NewMSHRQueue(cfg.MSHREntries, cfg.WritebackEntries),
		coherence:  coherence,
		prefetcher: prefetcher,
		stats:      NewStatistics(),
		sched:      sched,
		log:        log.WithField("cache", name),
	}
	c.CPUSide = NewPort(name+".cpu_side", &cpuSideReceiver{c})
	c.MemSide = NewPort(name+".mem_side", &memSideReceiver{c})
	return c
}

// Stats returns the component's live statistics.
func (c *Cache) Stats() *Statistics { return c.stats }

// InstallForTest directly installs a block into the tag store,
// bypassing the timing/atomic/functional request paths. It exists so
// tests can set up the pre-states a test wants to describe (e.g.
// "block at addr 0x1000 is (Valid, Writable)") without driving a full
// miss sequence first.
func (c *Cache) InstallForTest(blockAddr uint64, data []byte, state BlkState) *BlkRef {
	return c.tags.HandleFill(blockAddr, data, state, 0, uint64(c.now()), nil)
}

// Name returns the component's qualified name, used for statistics
// keys.
func (c *Cache) Name() string { return c.name }

func (c *Cache) blockAddr(addr uint64) uint64 { return BlockAlign(addr, c.cfg.BlockSize) }

func (c *Cache) now() sim.Tick { return c.sched.CurrentTick() }

// ---- port adapters -------------------------------------------------

// cpuSideReceiver is the Receiver wired to CPUSide: messages arriving
// here are requests from the CPU (or an inner cache).
type cpuSideReceiver struct{ c *Cache }

func (r *cpuSideReceiver) RecvTiming(pkt *Packet) bool     { return r.c.recvTimingFromCPU(pkt) }
func (r *cpuSideReceiver) RecvAtomic(pkt *Packet) sim.Tick { return r.c.doAtomicAccess(pkt) }
func (r *cpuSideReceiver) RecvFunctional(pkt *Packet)      { r.c.doFunctionalAccess(pkt) }
func (r *cpuSideReceiver) RecvRetry()                      { r.c.retryToCPU() }

// memSideReceiver is the Receiver wired to MemSide: messages arriving
// here are either responses to our own outstanding misses, or snoops
// originating from another bus agent.
type memSideReceiver struct{ c *Cache }

func (r *memSideReceiver) RecvTiming(pkt *Packet) bool {
	return r.c.recvTimingFromMem(pkt)
}

func (r *memSideReceiver) RecvAtomic(pkt *Packet) sim.Tick {
	panic("mem: cache received an unexpected atomic callback on its memory-side port")
}

func (r *memSideReceiver) RecvFunctional(pkt *Packet) {
	panic("mem: cache received an unexpected functional callback on its memory-side port")
}

func (r *memSideReceiver) RecvRetry() { r.c.retryToMem() }

// ---- CPU-side timing -------------------------------------------------

// recvTimingFromCPU handles a request arriving from the CPU side: a
// tag lookup, a fast-write-allocate check, then the hit or miss path.
func (c *Cache) recvTimingFromCPU(pkt *Packet) bool {
	now := c.now()
	blockAddr := c.blockAddr(pkt.Address)

	if pkt.Req.Flags.Has(Locked) {
		c.recordLockedAccess(pkt, blockAddr)
	}

	hit, blk, writebacks := c.access(pkt, now)
	c.drainWritebacks(writebacks)

	if !hit && c.canFastWriteAllocate(pkt, blockAddr) {
		c.installFastWrite(pkt, blockAddr, now)
		return true
	}

	c.prefetcher.Notify(pkt.Address, pkt.IsWrite())

	if hit {
		c.stats.RecordHit(pkt.Command, pkt.Req.MasterID)
		if pkt.Command == WritebackReq {
			pkt.SetFlag(Satisfied)
			return true
		}
		if pkt.HasFlag(Satisfied) {
			// A failed store-conditional: the reservation check already
			// resolved it, nothing more to apply.
			c.scheduleReplyToCPU(pkt, now+sim.Tick(c.cfg.HitLatency))
			return true
		}
		c.serviceHit(pkt, blk, now)
		c.issuePrefetches(pkt.Address, now)
		return true
	}

	c.stats.RecordMiss(pkt.Command, pkt.Req.MasterID)

	if pkt.HasFlag(Satisfied) {
		// A failed store-conditional that missed completely: nothing
		// more to fetch, just reply.
		c.scheduleReplyToCPU(pkt, now+sim.Tick(c.cfg.HitLatency))
		return true
	}

	if c.mshrs.FindMSHR(blockAddr) == nil && c.mshrs.Full() {
		// No room for a new miss: block the CPU-side port. The caller
		// must retry once RecvRetry fires.
		c.cpuBlocked = true
		return false
	}

	m, isNew := c.mshrs.HandleMiss(pkt, c.cfg.BlockSize, now+sim.Tick(c.cfg.HitLatency))
	if isNew {
		c.issueMemRequest(m, blockAddr, now)
	}
	// The demand miss has already claimed its MSHR slot; only now does
	// a speculative prefetch compete for whatever room remains.
	c.issuePrefetches(pkt.Address, now)
	return true
}

// recordLockedAccess implements load-linked/store-conditional
// bookkeeping: a locked read reserves its block for the issuing
// master; a locked write succeeds only if that reservation still
// holds, and is otherwise marked Satisfied with no effect (a failed
// store-conditional), per the hit- and miss-path checks that follow.
func (c *Cache) recordLockedAccess(pkt *Packet, blockAddr uint64) {
	if c.reservations == nil {
		c.reservations = make(map[int]uint64)
	}
	masterID := pkt.Req.MasterID

	if pkt.IsRead() {
		c.reservations[masterID] = blockAddr
		return
	}

	if addr, ok := c.reservations[masterID]; !ok || addr != blockAddr {
		pkt.SetResult(Success)
		pkt.SetFlag(Satisfied)
	}
	delete(c.reservations, masterID)
}

// access runs the tag-store lookup for pkt. Uncacheable requests skip
// the tag lookup entirely and are treated as a miss with no
// writebacks.
func (c *Cache) access(pkt *Packet, now sim.Tick) (hit bool, blk *BlkRef, writebacks []Writeback) {
	if pkt.Req.IsUncacheable() {
		return false, nil, nil
	}
	res := c.tags.HandleAccess(pkt.Address, pkt.IsWrite(), uint64(now))
	if res.Blk != nil {
		return true, res.Blk, nil
	}
	return false, nil, res.Writebacks
}

func (c *Cache) drainWritebacks(writebacks []Writeback) {
	for _, wb := range writebacks {
		c.mshrs.DoWriteback(wb)
		c.tryIssueWriteback(wb)
	}
}

// serviceHit satisfies a hit by scheduling a reply at now+hit_latency.
func (c *Cache) serviceHit(pkt *Packet, blk *BlkRef, now sim.Tick) {
	if pkt.IsRead() {
		off := int(pkt.Address - blk.Tag())
		copy(pkt.Data(), blk.Data()[off:off+pkt.Size])
	} else if pkt.IsWrite() {
		off := int(pkt.Address - blk.Tag())
		copy(blk.Data()[off:off+pkt.Size], pkt.Data())
	}
	pkt.SetResult(Success)
	pkt.MakeResponse()
	pkt.SetFlag(Satisfied)
	if pkt.NeedsResponse() {
		c.scheduleReplyToCPU(pkt, now+sim.Tick(c.cfg.HitLatency))
	}
}

// canFastWriteAllocate implements the WH64 full-block-write fast path:
// when the write covers an entire line, the cache can install it
// locally without fetching the old contents first. A concurrent
// outstanding miss under WriteInvalidate is permitted with only a
// warning.
func (c *Cache) canFastWriteAllocate(pkt *Packet, blockAddr uint64) bool {
	if pkt.Req.IsUncacheable() || !c.coherence.AllowFastWrites() {
		return false
	}
	if pkt.Command != WriteReq && pkt.Command != WriteInvalidateReq {
		return false
	}
	if pkt.Size != c.cfg.BlockSize {
		return false
	}

	existing := c.mshrs.FindMSHR(blockAddr)
	if existing == nil {
		return true
	}
	if pkt.Command == WriteInvalidateReq {
		c.log.WithField("addr", blockAddr).
			Warn("fast write-allocate racing an outstanding miss under WriteInvalidate; proceeding")
		return true
	}
	return false
}

func (c *Cache) installFastWrite(pkt *Packet, blockAddr uint64, now sim.Tick) {
	var writebacks []Writeback
	c.tags.HandleFill(blockAddr, pkt.Data(), BlkState{Valid: true, Writable: true, Readable: true, Dirty: true},
		pkt.Req.MasterID, uint64(now), &writebacks)
	c.drainWritebacks(writebacks)
	c.stats.RecordFastWrite()

	pkt.SetResult(Success)
	pkt.MakeResponse()
	pkt.SetFlag(Satisfied)
	if pkt.NeedsResponse() {
		c.scheduleReplyToCPU(pkt, now+sim.Tick(c.cfg.HitLatency))
	}
}

// issuePrefetches asks the prefetcher for candidates following addr
// and enqueues each one as a speculative miss, skipping anything
// already resident or already outstanding. A full MSHR table simply
// stops prefetching for this access rather than blocking the demand
// request behind it.
func (c *Cache) issuePrefetches(addr uint64, now sim.Tick) {
	for _, candidate := range c.prefetcher.Candidates(addr, c.cfg.BlockSize) {
		if c.tags.Lookup(candidate) != nil {
			continue
		}
		if c.mshrs.FindMSHR(candidate) != nil {
			continue
		}
		if c.mshrs.Full() {
			return
		}

		req := &Request{PAddr: candidate, Size: c.cfg.BlockSize, Flags: PrefetchFlag, IssueTick: now}
		pfPkt := NewPacket(req, HardPFReq, candidate, c.cfg.BlockSize)
		m, isNew := c.mshrs.HandleMiss(pfPkt, c.cfg.BlockSize, now+sim.Tick(c.cfg.HitLatency))
		if isNew {
			c.issueMemRequest(m, candidate, now)
		}
	}
}

// ---- memory-side issue/retry -----------------------------------------

// busCommandFor derives the command actually placed on the bus for a
// miss originally issued as origCmd: the coherence driver's own
// translation, asked with an empty (absent-line) block state, further
// normalized so a write miss fetches the old contents (write-allocate)
// instead of issuing a bare write the memory side wouldn't know how to
// fill from. Because the state is always empty, the result is never an
// UpgradeReq.
func (c *Cache) busCommandFor(origCmd Command) Command {
	cmd := c.coherence.BusCmd(origCmd, BlkState{})
	if cmd == WriteReq || cmd == WriteInvalidateReq {
		cmd = ReadReq
	}
	return cmd
}

func (c *Cache) issueMemRequest(m *MSHR, blockAddr uint64, now sim.Tick) {
	busCmd := c.busCommandFor(m.OrigCmd)
	m.BusCmd = busCmd

	req := &Request{PAddr: blockAddr, Size: c.cfg.BlockSize, MasterID: m.Targets[0].Req.MasterID, IssueTick: now}
	sendPkt := NewPacket(req, busCmd, blockAddr, c.cfg.BlockSize)
	sendPkt.SenderState = &MSHRToken{BlockAddr: blockAddr}

	if c.memRetryPkt != nil {
		// Already blocked sending to memory; this request waits its
		// turn behind whatever is already held.
		m.SenderPkt = sendPkt
		return
	}

	if c.MemSide.SendTiming(sendPkt) {
		c.mshrs.MarkInService(sendPkt, m)
	} else {
		c.mshrs.RestoreOrigCmd(sendPkt, m)
		m.SenderPkt = sendPkt
		c.memRetryPkt = sendPkt
	}
}

func (c *Cache) tryIssueWriteback(wb Writeback) {
	req := &Request{PAddr: wb.BlockAddr, Size: c.cfg.BlockSize, MasterID: wb.SrcMaster}
	pkt := NewPacketStatic(req, WritebackReq, wb.BlockAddr, wb.Data)

	if c.memRetryPkt != nil {
		return
	}
	if !c.MemSide.SendTiming(pkt) {
		c.memRetryPkt = pkt
	} else {
		c.mshrs.RetireWriteback(wb.BlockAddr)
		c.maybeRetryCPU()
	}
}

// retryToMem is called back when the memory side, having been blocked,
// can accept a send again.
func (c *Cache) retryToMem() {
	if c.memRetryPkt == nil {
		return
	}
	pkt := c.memRetryPkt
	if pkt.Command != WritebackReq {
		if m := c.mshrs.FindMSHR(pkt.Address); m != nil {
			pkt.Command = c.busCommandFor(m.OrigCmd)
			m.BusCmd = pkt.Command
		}
	}
	if !c.MemSide.SendTiming(pkt) {
		return
	}
	c.memRetryPkt = nil

	if pkt.Command == WritebackReq {
		c.mshrs.RetireWriteback(pkt.Address)
		c.maybeRetryCPU()
		return
	}
	if m := c.mshrs.FindMSHR(pkt.Address); m != nil {
		c.mshrs.MarkInService(pkt, m)
	}
}

// ---- CPU-side reply scheduling ---------------------------------------

type replyEvent struct {
	tick sim.Tick
	h    sim.Handler
	pkt  *Packet
}

func (e *replyEvent) Time() sim.Tick       { return e.tick }
func (e *replyEvent) Handler() sim.Handler { return e.h }

// replyHandler adapts Cache to sim.Handler for scheduled reply events.
type replyHandler struct{ c *Cache }

func (h *replyHandler) Handle(e sim.Event) {
	re := e.(*replyEvent)
	h.c.cpuRetryQueue = append(h.c.cpuRetryQueue, re.pkt)
	h.c.drainCPURetryQueue()
}

// scheduleReplyToCPU schedules pkt to be handed to CPUSide at tick.
// Scheduling multiple targets of the same MSHR at the same tick
// preserves their arrival order because events scheduled for the same
// tick fire FIFO and each handler appends to the queue before
// attempting to drain it.
func (c *Cache) scheduleReplyToCPU(pkt *Packet, tick sim.Tick) {
	c.sched.Schedule(&replyEvent{tick: tick, h: &replyHandler{c}, pkt: pkt})
}

func (c *Cache) drainCPURetryQueue() {
	for len(c.cpuRetryQueue) > 0 {
		pkt := c.cpuRetryQueue[0]
		if !c.CPUSide.SendTiming(pkt) {
			return
		}
		c.cpuRetryQueue = c.cpuRetryQueue[1:]
	}
}

func (c *Cache) retryToCPU() {
	c.drainCPURetryQueue()
}

// ---- memory-side timing -----------------------------------------------

// recvTimingFromMem dispatches a memory-side arrival between a
// response to one of our own misses and an incoming snoop.
func (c *Cache) recvTimingFromMem(pkt *Packet) bool {
	if !pkt.Command.IsRequest() {
		c.handleResponse(pkt)
		return true
	}
	c.snoop(pkt)
	return true
}

// handleResponse processes a response to one of this cache's
// outstanding misses: install the fill, satisfy every coalesced
// target in arrival order, and retire the MSHR.
func (c *Cache) handleResponse(pkt *Packet) {
	token := pkt.SenderState
	if token == nil {
		panic("mem: response packet carries no MSHR token")
	}
	m := c.mshrs.FindMSHR(token.BlockAddr)
	if m == nil {
		panic("mem: response arrived for a block with no outstanding MSHR")
	}

	now := c.now()

	if pkt.ResultOf() == Nacked {
		c.log.WithField("addr", token.BlockAddr).
			Warn("cross-bus NACK received; unsupported, retry mechanism not modeled")
		return
	}

	if pkt.ResultOf() == BadAddress {
		for _, target := range m.Targets {
			if target.Req.Flags.Has(PrefetchFlag) {
				continue
			}
			target.SetResult(BadAddress)
			target.MakeResponse()
			c.scheduleReplyToCPU(target, now+sim.Tick(c.cfg.HitLatency))
		}
		c.retireMSHR(m)
		return
	}

	var blk *BlkRef
	if pkt.Command.IsCacheFill() && !pkt.HasFlag(NoAllocate) {
		newState := c.coherence.NextState(pkt, BlkState{})
		if m.InvalidateOnFill {
			newState = BlkState{}
		}
		if len(m.Targets) == 1 && m.Targets[0].Req.Flags.Has(PrefetchFlag) {
			newState.Prefetched = true
		}
		var writebacks []Writeback
		blk = c.tags.HandleFill(m.BlockAddr, pkt.Data(), newState, pkt.Req.MasterID, uint64(now), &writebacks)
		c.drainWritebacks(writebacks)
	} else if pkt.Command == WriteResp {
		// UpgradeReq success: apply the new coherence state and copy
		// current block data into the response so a waiting target
		// sees it, without re-fetching from memory.
		existing := c.tags.Lookup(m.BlockAddr)
		newState := c.coherence.NextState(pkt, BlkState{})
		if existing != nil {
			c.tags.HandleSnoop(existing, newState)
			blk = existing
		}
	}

	for _, target := range m.Targets {
		if target.Req.Flags.Has(PrefetchFlag) {
			continue
		}
		if blk != nil && target.IsRead() {
			off := int(target.Address - blk.Tag())
			copy(target.Data(), blk.Data()[off:off+target.Size])
		} else if blk != nil && target.IsWrite() {
			off := int(target.Address - blk.Tag())
			copy(blk.Data()[off:off+target.Size], target.Data())
			blk.SetDirty(true)
		}
		target.SetResult(Success)
		target.MakeResponse()
		target.SetFlag(Satisfied)
		c.scheduleReplyToCPU(target, now+sim.Tick(c.cfg.HitLatency))
	}

	c.retireMSHR(m)
}

// retireMSHR frees m and, if the CPU-side port was previously blocked
// for lack of MSHR room, notifies it that a slot is now free.
func (c *Cache) retireMSHR(m *MSHR) {
	c.mshrs.RetireMSHR(m)
	c.maybeRetryCPU()
}

// maybeRetryCPU calls CPUSide.SendRetry once, if the CPU-side port was
// previously refused a request for lack of MSHR room.
func (c *Cache) maybeRetryCPU() {
	if !c.cpuBlocked {
		return
	}
	c.cpuBlocked = false
	c.CPUSide.SendRetry()
}

// snoop services a coherence request arriving from another bus agent.
func (c *Cache) snoop(pkt *Packet) {
	if pkt.Req.IsUncacheable() {
		return
	}

	now := c.now()
	blockAddr := c.blockAddr(pkt.Address)

	if c.coherence.HasProtocol() {
		c.coherence.PropagateInvalidate(pkt, true)
	}

	blk := c.tags.Lookup(pkt.Address)
	m := c.mshrs.FindMSHR(blockAddr)

	if m != nil && m.InService {
		isInvalidateIntent := m.BusCmd == InvalidateReq || m.BusCmd == UpgradeReq
		snoopIsInvalidate := pkt.Command == InvalidateReq || pkt.Command == WriteInvalidateReq
		if isInvalidateIntent && !snoopIsInvalidate {
			pkt.SetFlag(Satisfied | NackedLine)
			c.scheduleSnoopReply(pkt, now+sim.Tick(c.cfg.HitLatency))
			return
		}
		m.InvalidateOnFill = true
		return
	}

	var wbs []*Writeback
	wbs = c.mshrs.FindWrites(blockAddr, wbs)
	if len(wbs) > 0 {
		wb := wbs[0]
		if pkt.IsRead() {
			off := int(pkt.Address - wb.BlockAddr)
			copy(pkt.Data(), wb.Data[off:off+pkt.Size])
			pkt.SetFlag(Satisfied | SharedLine)
			c.scheduleSnoopReply(pkt, now+sim.Tick(c.cfg.HitLatency))
			return
		}
		if pkt.Command == InvalidateReq || pkt.Command == WriteInvalidateReq {
			c.mshrs.MarkWritebackInService(blockAddr)
			return
		}
	}

	state := BlkState{}
	hasBlock := blk != nil
	if hasBlock {
		state = BlkState{Valid: blk.Valid(), Writable: blk.Writable(), Dirty: blk.Dirty(), Readable: blk.Readable(), Prefetched: blk.Prefetched()}
	}

	satisfy, newState := c.coherence.HandleBusRequest(pkt, hasBlock, state, m != nil)
	if hasBlock {
		c.tags.HandleSnoop(blk, newState)
	}
	if !satisfy {
		return
	}

	if pkt.IsRead() && hasBlock {
		off := int(pkt.Address - blk.Tag())
		copy(pkt.Data(), blk.Data()[off:off+pkt.Size])
	}
	pkt.SetFlag(Satisfied)
	c.scheduleSnoopReply(pkt, now+sim.Tick(c.cfg.HitLatency))
}

// scheduleSnoopReply schedules a snoop response back out the memory
// side (the bus the snoop arrived on), as opposed to a CPU-side reply.
func (c *Cache) scheduleSnoopReply(pkt *Packet, tick sim.Tick) {
	c.sched.Schedule(&replyEvent{tick: tick, h: &snoopReplyHandler{c}, pkt: pkt})
}

type snoopReplyHandler struct{ c *Cache }

func (h *snoopReplyHandler) Handle(e sim.Event) {
	re := e.(*replyEvent)
	if !h.c.MemSide.SendTiming(re.pkt) {
		h.c.memRetryPkt = re.pkt
	}
}

// ---- atomic mode --------------------------------------------------------

// doAtomicAccess gives atomic mode the same logical effects as timing
// mode, but the memory-side request (if any) is fulfilled
// synchronously. No MSHR is used.
func (c *Cache) doAtomicAccess(pkt *Packet) sim.Tick {
	now := c.now()
	blockAddr := c.blockAddr(pkt.Address)

	hit, blk, writebacks := c.access(pkt, now)
	for _, wb := range writebacks {
		wbReq := &Request{PAddr: wb.BlockAddr, Size: c.cfg.BlockSize, MasterID: wb.SrcMaster}
		wbPkt := NewPacketStatic(wbReq, WritebackReq, wb.BlockAddr, wb.Data)
		c.MemSide.SendAtomic(wbPkt)
	}

	if hit {
		c.stats.RecordHit(pkt.Command, pkt.Req.MasterID)
		c.copyHitData(pkt, blk)
		return sim.Tick(c.cfg.HitLatency)
	}

	c.stats.RecordMiss(pkt.Command, pkt.Req.MasterID)

	if c.canFastWriteAllocate(pkt, blockAddr) {
		var wbs []Writeback
		c.tags.HandleFill(blockAddr, pkt.Data(), BlkState{Valid: true, Writable: true, Readable: true, Dirty: true},
			pkt.Req.MasterID, uint64(now), &wbs)
		c.stats.RecordFastWrite()
		return sim.Tick(c.cfg.HitLatency)
	}

	req := &Request{PAddr: blockAddr, Size: c.cfg.BlockSize, MasterID: pkt.Req.MasterID}
	fillPkt := NewPacket(req, pkt.Command, blockAddr, c.cfg.BlockSize)
	lat := c.MemSide.SendAtomic(fillPkt)
	fillPkt.MakeResponse()

	var wbs []Writeback
	newState := c.coherence.NextState(fillPkt, BlkState{})
	newBlk := c.tags.HandleFill(blockAddr, fillPkt.Data(), newState, pkt.Req.MasterID, uint64(now), &wbs)
	for _, wb := range wbs {
		wbReq := &Request{PAddr: wb.BlockAddr, Size: c.cfg.BlockSize}
		wbPkt := NewPacketStatic(wbReq, WritebackReq, wb.BlockAddr, wb.Data)
		c.MemSide.SendAtomic(wbPkt)
	}

	c.copyHitData(pkt, newBlk)
	return lat + sim.Tick(c.cfg.HitLatency)
}

func (c *Cache) copyHitData(pkt *Packet, blk *BlkRef) {
	off := int(pkt.Address - blk.Tag())
	if pkt.IsRead() {
		copy(pkt.Data(), blk.Data()[off:off+pkt.Size])
	} else if pkt.IsWrite() {
		copy(blk.Data()[off:off+pkt.Size], pkt.Data())
		blk.SetDirty(true)
	}
}

// ---- functional mode -----------------------------------------------------

// doFunctionalAccess causes no state mutation beyond satisfying pkt,
// and must see through in-flight data held by an MSHR target or a
// buffered writeback before falling back to the committed tag-store
// state or the memory side.
func (c *Cache) doFunctionalAccess(pkt *Packet) {
	blockAddr := c.blockAddr(pkt.Address)

	if m := c.mshrs.FindMSHR(blockAddr); m != nil {
		for _, target := range m.Targets {
			fixPacket(pkt, target.Address, target.Size, target.Data(), target.IsWrite())
		}
		if m.SenderPkt != nil {
			fixPacket(pkt, m.SenderPkt.Address, m.SenderPkt.Size, m.SenderPkt.Data(), false)
		}
	}

	var wbs []*Writeback
	wbs = c.mshrs.FindWrites(blockAddr, wbs)
	for _, wb := range wbs {
		fixPacket(pkt, wb.BlockAddr, len(wb.Data), wb.Data, false)
	}

	if blk := c.tags.Lookup(pkt.Address); blk != nil {
		off := int(pkt.Address - blk.Tag())
		if pkt.IsRead() {
			copy(pkt.Data(), blk.Data()[off:off+pkt.Size])
		} else if pkt.IsWrite() {
			copy(blk.Data()[off:off+pkt.Size], pkt.Data())
		}
		pkt.SetFlag(Satisfied)
		return
	}

	if pkt.IsRead() && c.MemSide.Peer() != nil {
		c.MemSide.SendFunctional(pkt)
	}
}

// fixPacket merges bytes from a candidate in-flight buffer (a target's
// payload or a writeback's data) into pkt, wherever their address
// ranges overlap. For a write source, the bytes are the most recently
// written value and should win over whatever the probe would
// otherwise see; for a read target's buffer there is nothing useful to
// merge until its response lands, so only write sources move bytes.
func fixPacket(pkt *Packet, srcAddr uint64, srcSize int, srcData []byte, srcIsWrite bool) {
	if !srcIsWrite || !pkt.IsRead() {
		return
	}

	pktEnd := pkt.Address + uint64(pkt.Size)
	srcEnd := srcAddr + uint64(srcSize)
	lo := max64(pkt.Address, srcAddr)
	hi := min64(pktEnd, srcEnd)
	if lo >= hi {
		return
	}

	dst := pkt.Data()
	for a := lo; a < hi; a++ {
		dst[a-pkt.Address] = srcData[a-srcAddr]
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
