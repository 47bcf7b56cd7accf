package mem_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cachesim/mem"
)

var _ = Describe("MSIDriver", func() {
	var d *mem.MSIDriver

	BeforeEach(func() {
		d = mem.NewMSIDriver(true)
	})

	It("upgrades a write to a shared-readable line instead of re-fetching", func() {
		cmd := d.BusCmd(mem.WriteReq, mem.BlkState{Valid: true, Readable: true})
		Expect(cmd).To(Equal(mem.UpgradeReq))
	})

	It("leaves a write to an invalid line as a plain write", func() {
		cmd := d.BusCmd(mem.WriteReq, mem.BlkState{})
		Expect(cmd).To(Equal(mem.WriteReq))
	})

	It("installs Modified state on a WriteResp fill", func() {
		req := &mem.Request{PAddr: 0x1000}
		pkt := mem.NewPacket(req, mem.WriteResp, 0x1000, 64)
		st := d.NextState(pkt, mem.BlkState{})
		Expect(st).To(Equal(mem.BlkState{Valid: true, Readable: true, Writable: true, Dirty: true}))
	})

	It("installs Shared state on a ReadResp fill marked SharedLine", func() {
		req := &mem.Request{PAddr: 0x1000}
		pkt := mem.NewPacket(req, mem.ReadResp, 0x1000, 64)
		pkt.SetFlag(mem.SharedLine)
		st := d.NextState(pkt, mem.BlkState{})
		Expect(st).To(Equal(mem.BlkState{Valid: true, Readable: true}))
	})

	It("satisfies a snoop read against a dirty block and demotes to shared", func() {
		req := &mem.Request{PAddr: 0x1000}
		pkt := mem.NewPacket(req, mem.ReadReq, 0x1000, 64)
		satisfy, st := d.HandleBusRequest(pkt, true, mem.BlkState{Valid: true, Writable: true, Dirty: true}, false)
		Expect(satisfy).To(BeTrue())
		Expect(st).To(Equal(mem.BlkState{Valid: true, Readable: true}))
	})

	It("invalidates on a snoop invalidate and reports dirty-ness for the writeback decision", func() {
		req := &mem.Request{PAddr: 0x1000}
		pkt := mem.NewPacket(req, mem.InvalidateReq, 0x1000, 64)
		satisfy, st := d.HandleBusRequest(pkt, true, mem.BlkState{Valid: true, Dirty: true}, false)
		Expect(satisfy).To(BeTrue())
		Expect(st).To(Equal(mem.BlkState{}))
	})
})
