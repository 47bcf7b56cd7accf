package mem_test

import (
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cachesim/mem"
	"github.com/sarchlab/cachesim/sim"
)

// testRequester stands in for a CPU or inner cache on the CPU-side
// port: it records whatever is delivered to it.
type testRequester struct {
	port     *mem.Port
	received []*mem.Packet
	blocked  bool
	retries  int
}

func newTestRequester() *testRequester {
	r := &testRequester{}
	r.port = mem.NewPort("requester", r)
	return r
}

func (r *testRequester) RecvTiming(pkt *mem.Packet) bool {
	if r.blocked {
		return false
	}
	r.received = append(r.received, pkt)
	return true
}
func (r *testRequester) RecvAtomic(pkt *mem.Packet) sim.Tick { panic("not used") }
func (r *testRequester) RecvFunctional(pkt *mem.Packet)      {}
func (r *testRequester) RecvRetry()                          { r.retries++ }

// testMemory stands in for the next memory level on the mem-side port:
// it answers ReadReq/WriteReq/WriteInvalidateReq with a block of
// configurable latency and absorbs WritebackReq packets.
type testMemory struct {
	port    *mem.Port
	sched   *sim.EventQueue
	latency sim.Tick
	data    map[uint64][]byte
	sent    []*mem.Packet
}

func newTestMemory(sched *sim.EventQueue, latency sim.Tick) *testMemory {
	m := &testMemory{sched: sched, latency: latency, data: make(map[uint64][]byte)}
	m.port = mem.NewPort("memory", m)
	return m
}

func (m *testMemory) RecvTiming(pkt *mem.Packet) bool {
	m.sent = append(m.sent, pkt)
	if pkt.Command == mem.WritebackReq {
		m.data[pkt.Address] = append([]byte(nil), pkt.Data()...)
		return true
	}

	respondTick := m.sched.CurrentTick() + m.latency
	m.sched.Schedule(sim.NewEvent(respondTick, sim.HandlerFunc(func(e sim.Event) {
		block := m.data[pkt.Address]
		if block == nil {
			block = make([]byte, pkt.Size)
		}
		copy(pkt.Data(), block)
		pkt.SetResult(mem.Success)
		pkt.MakeResponse()
		m.port.SendTiming(pkt)
	})))
	return true
}

func (m *testMemory) RecvAtomic(pkt *mem.Packet) sim.Tick {
	block := m.data[pkt.Address]
	if block == nil {
		block = make([]byte, pkt.Size)
	}
	copy(pkt.Data(), block)
	pkt.SetResult(mem.Success)
	return m.latency
}

func (m *testMemory) RecvFunctional(pkt *mem.Packet) {
	block := m.data[pkt.Address]
	if block != nil {
		copy(pkt.Data(), block)
	}
}

func (m *testMemory) RecvRetry() {}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(GinkgoWriter)
	return logrus.NewEntry(l)
}

func blockFilledWith(size int, v byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = v + byte(i)
	}
	return b
}

var _ = Describe("Cache controller", func() {
	var (
		sched *sim.EventQueue
		c     *mem.Cache
		req   *testRequester
		memo  *testMemory
		cfg   mem.Config
	)

	BeforeEach(func() {
		sched = sim.NewEventQueue()
		cfg = mem.Config{
			BlockSize:        64,
			Associativity:    4,
			NumSets:          4,
			HitLatency:       2,
			MSHREntries:      4,
			WritebackEntries: 4,
		}
		c = mem.NewCache("L1", cfg, mem.NewMSIDriver(true), nil, sched, discardLogger())
		req = newTestRequester()
		memo = newTestMemory(sched, 100)

		c.CPUSide.SetPeer(req.port)
		req.port.SetPeer(c.CPUSide)
		c.MemSide.SetPeer(memo.port)
		memo.port.SetPeer(c.MemSide)
	})

	issueRead := func(addr uint64, size int) *mem.Packet {
		r := &mem.Request{PAddr: addr, Size: size, MasterID: 1}
		pkt := mem.NewPacket(r, mem.ReadReq, addr, size)
		Expect(req.port.SendTiming(pkt)).To(BeTrue())
		return pkt
	}

	It("replies to a load hit at now+hit_latency with the requested bytes", func() {
		data := blockFilledWith(64, 0)
		c.InstallForTest(0x1000, data, mem.BlkState{Valid: true, Writable: true, Readable: true})

		pkt := issueRead(0x1008, 8)
		sched.RunUntil(sched.CurrentTick() + 2)

		Expect(req.received).To(HaveLen(1))
		Expect(req.received[0]).To(BeIdenticalTo(pkt))
		Expect(pkt.HasFlag(mem.Satisfied)).To(BeTrue())
		Expect(pkt.Data()).To(Equal(data[8:16]))
		Expect(c.Stats().Hits[mem.ReadReq]).To(Equal(uint64(1)))
	})

	It("allocates an MSHR on miss and replies once the fill lands", func() {
		pkt := issueRead(0x2040, 4)
		sched.RunUntil(200)

		Expect(memo.sent).To(HaveLen(1))
		Expect(memo.sent[0].Command).To(Equal(mem.ReadReq))
		Expect(req.received).To(HaveLen(1))
		Expect(req.received[0]).To(BeIdenticalTo(pkt))
		Expect(c.Stats().Misses[mem.ReadReq]).To(Equal(uint64(1)))
	})

	It("emits a writeback before overwriting a dirty victim", func() {
		data := blockFilledWith(64, 1)
		// Fill all four ways of set 0 so the next access evicts.
		c.InstallForTest(0x0000, data, mem.BlkState{Valid: true, Dirty: true, Writable: true})
		c.InstallForTest(0x0100, data, mem.BlkState{Valid: true})
		c.InstallForTest(0x0200, data, mem.BlkState{Valid: true})
		c.InstallForTest(0x0300, data, mem.BlkState{Valid: true})

		issueRead(0x0400, 4)
		sched.RunUntil(200)

		var sawWriteback bool
		for _, p := range memo.sent {
			if p.Command == mem.WritebackReq && p.Address == 0x0000 {
				sawWriteback = true
			}
		}
		Expect(sawWriteback).To(BeTrue())
	})

	It("coalesces two loads to the same miss line onto one MSHR and replies in order", func() {
		p1 := issueRead(0x3000, 4)
		p2 := issueRead(0x3004, 4)

		// Only one memory request should have gone out.
		sched.RunUntil(1)
		Expect(memo.sent).To(HaveLen(1))

		sched.RunUntil(200)
		Expect(req.received).To(Equal([]*mem.Packet{p1, p2}))
	})

	It("invalidates on fill when a snoop arrives while a miss is in service", func() {
		pkt := issueRead(0xA00, 4)

		snoopReq := &mem.Request{PAddr: 0xA00}
		snoopPkt := mem.NewPacket(snoopReq, mem.InvalidateReq, 0xA00, 64)
		Expect(memo.port.SendTiming(snoopPkt)).To(BeTrue())

		sched.RunUntil(200)
		Expect(req.received).To(ContainElement(pkt))
		Expect(pkt.HasFlag(mem.Satisfied)).To(BeTrue())

		// The line was invalidated on fill rather than left valid, so a
		// second access to the same block must miss again.
		sentBefore := len(memo.sent)
		issueRead(0xA00, 4)
		sched.RunUntil(sched.CurrentTick() + 1)
		Expect(len(memo.sent)).To(BeNumerically(">", sentBefore))
	})

	It("issues a speculative fill for the next block once a stride is confirmed", func() {
		cfg.PrefetchOnAccess = true
		c = mem.NewCache("L1", cfg, mem.NewMSIDriver(true), nil, sched, discardLogger())
		c.CPUSide.SetPeer(req.port)
		req.port.SetPeer(c.CPUSide)
		c.MemSide.SetPeer(memo.port)
		memo.port.SetPeer(c.MemSide)

		issueRead(0x5000, 4)
		issueRead(0x5040, 4)
		issueRead(0x5080, 4)

		var sawPrefetch bool
		for _, p := range memo.sent {
			if p.Command == mem.HardPFReq && p.Address == 0x50c0 {
				sawPrefetch = true
			}
		}
		Expect(sawPrefetch).To(BeTrue())

		sched.RunUntil(500)
		// The prefetch fill is never handed to the CPU-side requester.
		for _, p := range req.received {
			Expect(p.Address).NotTo(Equal(uint64(0x50c0)))
		}
	})

	It("retries the CPU-side port once a full MSHR table frees a slot", func() {
		cfg.MSHREntries = 1
		c = mem.NewCache("L1", cfg, mem.NewMSIDriver(true), nil, sched, discardLogger())
		c.CPUSide.SetPeer(req.port)
		req.port.SetPeer(c.CPUSide)
		c.MemSide.SetPeer(memo.port)
		memo.port.SetPeer(c.MemSide)

		issueRead(0x6000, 4) // claims the cache's only MSHR slot

		second := &mem.Request{PAddr: 0x7000, Size: 4, MasterID: 1}
		blocked := mem.NewPacket(second, mem.ReadReq, 0x7000, 4)
		Expect(req.port.SendTiming(blocked)).To(BeFalse())

		sched.RunUntil(200)
		Expect(req.retries).To(Equal(1))
	})

	It("fetches the old contents and applies the store on a timing write miss", func() {
		data := blockFilledWith(64, 9)
		memo.data[0x4000] = data

		storeData := []byte{1, 2, 3, 4}
		r := &mem.Request{PAddr: 0x4008, Size: 4, MasterID: 1}
		pkt := mem.NewPacketStatic(r, mem.WriteReq, 0x4008, storeData)
		Expect(req.port.SendTiming(pkt)).To(BeTrue())

		sched.RunUntil(200)
		Expect(req.received).To(ContainElement(pkt))
		Expect(pkt.HasFlag(mem.Satisfied)).To(BeTrue())

		readBack := issueRead(0x4008, 4)
		sched.RunUntil(sched.CurrentTick() + 2)
		Expect(readBack.Data()).To(Equal(storeData))

		readOther := issueRead(0x4000, 4)
		sched.RunUntil(sched.CurrentTick() + 2)
		Expect(readOther.Data()).To(Equal(data[:4]))
	})

	It("fails a locked store when no matching reservation is held", func() {
		data := blockFilledWith(64, 3)
		c.InstallForTest(0x9000, data, mem.BlkState{Valid: true, Writable: true, Readable: true})

		storeReq := &mem.Request{PAddr: 0x9000, Size: 4, MasterID: 1, Flags: mem.Locked}
		storePkt := mem.NewPacketStatic(storeReq, mem.WriteReq, 0x9000, []byte{9, 9, 9, 9})
		Expect(req.port.SendTiming(storePkt)).To(BeTrue())
		sched.RunUntil(sched.CurrentTick() + 2)

		Expect(storePkt.HasFlag(mem.Satisfied)).To(BeTrue())

		readBack := issueRead(0x9000, 4)
		sched.RunUntil(sched.CurrentTick() + 2)
		Expect(readBack.Data()).To(Equal(data[:4]))
	})

	It("applies a locked store whose reservation still holds", func() {
		data := blockFilledWith(64, 4)
		c.InstallForTest(0xA000, data, mem.BlkState{Valid: true, Writable: true, Readable: true})

		loadReq := &mem.Request{PAddr: 0xA000, Size: 4, MasterID: 1, Flags: mem.Locked}
		loadPkt := mem.NewPacket(loadReq, mem.ReadReq, 0xA000, 4)
		Expect(req.port.SendTiming(loadPkt)).To(BeTrue())
		sched.RunUntil(sched.CurrentTick() + 2)

		storeData := []byte{5, 6, 7, 8}
		storeReq := &mem.Request{PAddr: 0xA000, Size: 4, MasterID: 1, Flags: mem.Locked}
		storePkt := mem.NewPacketStatic(storeReq, mem.WriteReq, 0xA000, storeData)
		Expect(req.port.SendTiming(storePkt)).To(BeTrue())
		sched.RunUntil(sched.CurrentTick() + 2)

		Expect(storePkt.HasFlag(mem.Satisfied)).To(BeTrue())
		Expect(storePkt.ResultOf()).To(Equal(mem.Success))

		readBack := issueRead(0xA000, 4)
		sched.RunUntil(sched.CurrentTick() + 2)
		Expect(readBack.Data()).To(Equal(storeData))
	})

	It("installs a full-block write locally without memory traffic", func() {
		data := blockFilledWith(64, 7)
		r := &mem.Request{PAddr: 0x3000, Size: 64, MasterID: 1}
		pkt := mem.NewPacketStatic(r, mem.WriteReq, 0x3000, data)

		Expect(req.port.SendTiming(pkt)).To(BeTrue())

		Expect(memo.sent).To(BeEmpty())
		Expect(c.Stats().FastWrites).To(Equal(uint64(1)))

		readBack := issueRead(0x3000, 8)
		sched.RunUntil(sched.CurrentTick() + 2)
		Expect(readBack.Data()).To(Equal(data[:8]))
	})
})
