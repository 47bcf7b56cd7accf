package mem

import (
	"sync/atomic"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

var masterIDSeq int32

// NextMasterID allocates a fresh, process-unique Master ID: a
// per-system unique identifier for a memory-requesting agent, used for
// statistics attribution.
func NextMasterID() int {
	return int(atomic.AddInt32(&masterIDSeq, 1))
}

// blkMeta holds the CacheBlk status bits that akita's Block does not
// itself model: Writable/Readable/Prefetched permission state, the
// last-reference tick, and the installing master for statistics.
type blkMeta struct {
	writable   bool
	readable   bool
	prefetched bool
	lastRef    uint64
	srcMaster  int
}

// BlkRef is a handle onto one CacheBlk: a fixed block_size slot in the
// tag store's backing array, described by akita's directory Block for
// tag/valid/dirty/LRU bookkeeping and by the store's parallel blkMeta
// for the coherence status bits the coherence layer adds on top.
type BlkRef struct {
	store *TagStore
	blk   *akitacache.Block
	idx   int
}

// Tag returns the block-aligned address installed in this slot.
func (r *BlkRef) Tag() uint64 { return r.blk.Tag }

// SetIndex returns the set this block lives in.
func (r *BlkRef) SetIndex() int { return r.blk.SetID }

// WayIndex returns the way within its set.
func (r *BlkRef) WayIndex() int { return r.blk.WayID }

// Valid reports the Valid status bit.
func (r *BlkRef) Valid() bool { return r.blk.IsValid }

// Dirty reports the Dirty status bit.
func (r *BlkRef) Dirty() bool { return r.blk.IsDirty }

// Writable reports the Writable status bit.
func (r *BlkRef) Writable() bool { return r.store.meta[r.idx].writable }

// Readable reports the Readable status bit.
func (r *BlkRef) Readable() bool { return r.store.meta[r.idx].readable }

// Prefetched reports the Prefetched status bit.
func (r *BlkRef) Prefetched() bool { return r.store.meta[r.idx].prefetched }

// LastRefTick returns the tick of the block's most recent reference, as
// recorded by HandleAccess and HandleFill. Victim selection does not
// read it; akita's LRU victim finder keeps its own order.
func (r *BlkRef) LastRefTick() uint64 { return r.store.meta[r.idx].lastRef }

// SrcMasterID returns the Master ID that installed this block.
func (r *BlkRef) SrcMasterID() int { return r.store.meta[r.idx].srcMaster }

// Data returns the block's backing bytes.
func (r *BlkRef) Data() []byte { return r.store.data[r.idx] }

// SetDirty sets the Dirty status bit.
func (r *BlkRef) SetDirty(v bool) { r.blk.IsDirty = v }

// SetWritable sets the Writable status bit.
func (r *BlkRef) SetWritable(v bool) { r.store.meta[r.idx].writable = v }

// SetReadable sets the Readable status bit.
func (r *BlkRef) SetReadable(v bool) { r.store.meta[r.idx].readable = v }

// SetPrefetched sets the Prefetched status bit.
func (r *BlkRef) SetPrefetched(v bool) { r.store.meta[r.idx].prefetched = v }
