package mem_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cachesim/mem"
)

var _ = Describe("MSHRQueue", func() {
	var q *mem.MSHRQueue

	BeforeEach(func() {
		q = mem.NewMSHRQueue(4, 4)
	})

	It("allocates a new MSHR on first miss", func() {
		req := &mem.Request{PAddr: 0x1000, Size: 8}
		pkt := mem.NewPacket(req, mem.ReadReq, 0x1000, 8)

		m, isNew := q.HandleMiss(pkt, 64, 10)
		Expect(isNew).To(BeTrue())
		Expect(m.Targets).To(HaveLen(1))
		Expect(q.FindMSHR(0x1000)).To(Equal(m))
	})

	It("coalesces a second miss to the same block", func() {
		req1 := &mem.Request{PAddr: 0x1000}
		req2 := &mem.Request{PAddr: 0x1004}
		pkt1 := mem.NewPacket(req1, mem.ReadReq, 0x1000, 4)
		pkt2 := mem.NewPacket(req2, mem.ReadReq, 0x1000, 4)

		m1, _ := q.HandleMiss(pkt1, 64, 0)
		m2, isNew := q.HandleMiss(pkt2, 64, 1)

		Expect(isNew).To(BeFalse())
		Expect(m1).To(Equal(m2))
		Expect(m1.Targets).To(Equal([]*mem.Packet{pkt1, pkt2}))
	})

	It("retires an MSHR so a later miss to the same line allocates fresh", func() {
		req := &mem.Request{PAddr: 0x1000}
		pkt := mem.NewPacket(req, mem.ReadReq, 0x1000, 4)
		m, _ := q.HandleMiss(pkt, 64, 0)
		q.RetireMSHR(m)

		Expect(q.FindMSHR(0x1000)).To(BeNil())
	})

	It("tracks writebacks separately from misses", func() {
		q.DoWriteback(mem.Writeback{BlockAddr: 0x2000, Data: make([]byte, 64)})

		var out []*mem.Writeback
		out = q.FindWrites(0x2000, out)
		Expect(out).To(HaveLen(1))
		Expect(q.HavePending()).To(BeTrue())

		q.RetireWriteback(0x2000)
		Expect(q.HavePending()).To(BeFalse())
	})

	It("panics when the miss table is full", func() {
		for i := 0; i < 4; i++ {
			req := &mem.Request{PAddr: uint64(i * 64)}
			pkt := mem.NewPacket(req, mem.ReadReq, uint64(i*64), 4)
			q.HandleMiss(pkt, 64, 0)
		}

		req := &mem.Request{PAddr: 0x10000}
		pkt := mem.NewPacket(req, mem.ReadReq, 0x10000, 4)

		Expect(func() { q.HandleMiss(pkt, 64, 0) }).To(Panic())
	})
})
