package mem_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cachesim/mem"
)

var _ = Describe("TagStore", func() {
	var t *mem.TagStore

	BeforeEach(func() {
		// 4KB, 4-way, 64B lines -> 16 sets.
		t = mem.NewTagStore(16, 4, 64)
	})

	It("misses on an empty store", func() {
		Expect(t.Lookup(0x1000)).To(BeNil())
	})

	It("fills and then hits", func() {
		data := make([]byte, 64)
		for i := range data {
			data[i] = byte(i)
		}
		t.HandleFill(0x1000, data, mem.BlkState{Valid: true, Writable: true, Readable: true}, 1, 10, nil)

		blk := t.Lookup(0x1000)
		Expect(blk).NotTo(BeNil())
		Expect(blk.Tag()).To(Equal(uint64(0x1000)))
		Expect(blk.Valid()).To(BeTrue())
		Expect(blk.Data()[8]).To(Equal(byte(8)))
	})

	It("produces a writeback when evicting a dirty block", func() {
		data := make([]byte, 64)
		t.HandleFill(0x0000, data, mem.BlkState{Valid: true, Dirty: true, Writable: true}, 1, 0, nil)

		// Fill the rest of set 0's ways (4KB/64B/4-way -> 16 sets, so
		// addresses spaced by numSets*blockSize = 1024 map to set 0).
		t.HandleFill(0x0400, data, mem.BlkState{Valid: true}, 1, 0, nil)
		t.HandleFill(0x0800, data, mem.BlkState{Valid: true}, 1, 0, nil)
		t.HandleFill(0x0C00, data, mem.BlkState{Valid: true}, 1, 0, nil)

		var wbs []mem.Writeback
		t.HandleFill(0x1000, data, mem.BlkState{Valid: true}, 1, 1, &wbs)

		Expect(wbs).To(HaveLen(1))
		Expect(wbs[0].BlockAddr).To(Equal(uint64(0x0000)))
	})

	It("HandleAccess reports a hit without mutating validity", func() {
		data := make([]byte, 64)
		t.HandleFill(0x2000, data, mem.BlkState{Valid: true}, 1, 0, nil)

		res := t.HandleAccess(0x2000, false, 5)
		Expect(res.Blk).NotTo(BeNil())
		Expect(res.Blk.Valid()).To(BeTrue())
		Expect(res.Blk.LastRefTick()).To(Equal(uint64(5)))
	})

	It("HandleAccess on a miss does not install anything", func() {
		res := t.HandleAccess(0x3000, false, 0)
		Expect(res.Blk).To(BeNil())
		Expect(t.Lookup(0x3000)).To(BeNil())
	})

	It("InvalidateBlk demotes a valid block", func() {
		data := make([]byte, 64)
		t.HandleFill(0x4000, data, mem.BlkState{Valid: true}, 1, 0, nil)
		t.InvalidateBlk(0x4000)
		Expect(t.Lookup(0x4000)).To(BeNil())
	})
})
