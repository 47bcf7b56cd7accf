package mem

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Writeback describes one evicted dirty block that must be transmitted
// to the next memory level.
type Writeback struct {
	BlockAddr uint64
	Data      []byte
	SrcMaster int
}

// TagStore is the set-associative array of CacheBlks. Replacement is
// pluggable; NewTagStore wires the default LRU policy (tie breaks favor the
// lowest way index, which is exactly akita's NewLRUVictimFinder
// behavior).
type TagStore struct {
	blockSize int
	assoc     int
	directory *akitacache.DirectoryImpl
	data      [][]byte
	meta      []blkMeta
}

// NewTagStore builds a TagStore with the given geometry.
func NewTagStore(numSets, associativity, blockSize int) *TagStore {
	total := numSets * associativity
	data := make([][]byte, total)
	for i := range data {
		data[i] = make([]byte, blockSize)
	}

	return &TagStore{
		blockSize: blockSize,
		assoc:     associativity,
		directory: akitacache.NewDirectory(
			numSets, associativity, blockSize,
			akitacache.NewLRUVictimFinder(),
		),
		data: data,
		meta: make([]blkMeta, total),
	}
}

// BlockSize returns the configured cache line size.
func (t *TagStore) BlockSize() int { return t.blockSize }

func (t *TagStore) ref(blk *akitacache.Block) *BlkRef {
	if blk == nil {
		return nil
	}
	return &BlkRef{store: t, blk: blk, idx: t.index(blk)}
}

func (t *TagStore) index(blk *akitacache.Block) int {
	return blk.SetID*t.assoc + blk.WayID
}

// Lookup is a pure tag probe: it does not mutate LRU/dirty state.
func (t *TagStore) Lookup(addr uint64) *BlkRef {
	blockAddr := BlockAlign(addr, t.blockSize)
	blk := t.directory.Lookup(0, blockAddr)
	if blk == nil || !blk.IsValid {
		return nil
	}
	return t.ref(blk)
}

// AccessResult is returned by HandleAccess.
type AccessResult struct {
	Blk        *BlkRef
	Writebacks []Writeback
}

// HandleAccess looks up addr. On hit it updates LRU (and dirty, for a
// write) and returns the block. On miss it selects a victim and, if
// the victim is dirty and valid, enqueues its writeback — but does NOT
// install anything; the caller must call HandleFill once the new data
// is available.
func (t *TagStore) HandleAccess(addr uint64, isWrite bool, now uint64) AccessResult {
	blockAddr := BlockAlign(addr, t.blockSize)
	blk := t.directory.Lookup(0, blockAddr)
	if blk != nil && blk.IsValid {
		t.directory.Visit(blk)
		ref := t.ref(blk)
		t.meta[ref.idx].lastRef = now
		if isWrite {
			blk.IsDirty = true
		}
		return AccessResult{Blk: ref}
	}

	victim := t.directory.FindVictim(blockAddr)
	if victim == nil {
		return AccessResult{}
	}

	var wbs []Writeback
	if victim.IsValid && victim.IsDirty {
		idx := t.index(victim)
		wbs = append(wbs, Writeback{
			BlockAddr: victim.Tag,
			Data:      append([]byte(nil), t.data[idx]...),
			SrcMaster: t.meta[idx].srcMaster,
		})
	}
	return AccessResult{Writebacks: wbs}
}

// HandleFill installs fillData into the block at blockAddr (selecting
// the same victim HandleAccess would have chosen), transitions it to
// newState, and appends any additional writeback victim eviction
// produces to writebacks.
func (t *TagStore) HandleFill(blockAddr uint64, fillData []byte, newState BlkState, srcMaster int, now uint64, writebacks *[]Writeback) *BlkRef {
	victim := t.directory.FindVictim(blockAddr)
	if victim == nil {
		panic("mem: no victim available for fill")
	}

	idx := t.index(victim)
	if victim.IsValid && victim.IsDirty && writebacks != nil {
		*writebacks = append(*writebacks, Writeback{
			BlockAddr: victim.Tag,
			Data:      append([]byte(nil), t.data[idx]...),
			SrcMaster: t.meta[idx].srcMaster,
		})
	}

	copy(t.data[idx], fillData)
	victim.Tag = blockAddr
	victim.IsValid = newState.Valid
	victim.IsDirty = newState.Dirty
	t.meta[idx] = blkMeta{
		writable:   newState.Writable,
		readable:   newState.Readable,
		prefetched: newState.Prefetched,
		lastRef:    now,
		srcMaster:  srcMaster,
	}
	t.directory.Visit(victim)

	return t.ref(victim)
}

// BlkState is the status bitset (Valid, Writable, Dirty, Readable,
// Prefetched), expressed as named booleans rather than a type-erased
// bitfield.
type BlkState struct {
	Valid, Writable, Dirty, Readable, Prefetched bool
}

// HandleSnoop applies an externally-driven coherence transition to an
// already-resident block.
func (t *TagStore) HandleSnoop(ref *BlkRef, newState BlkState) {
	ref.blk.IsValid = newState.Valid
	ref.blk.IsDirty = newState.Dirty
	t.meta[ref.idx].writable = newState.Writable
	t.meta[ref.idx].readable = newState.Readable
	t.meta[ref.idx].prefetched = newState.Prefetched
}

// InvalidateBlk unconditionally demotes the block at addr to Invalid,
// if resident.
func (t *TagStore) InvalidateBlk(addr uint64) {
	blockAddr := BlockAlign(addr, t.blockSize)
	blk := t.directory.Lookup(0, blockAddr)
	if blk == nil {
		return
	}
	blk.IsValid = false
	blk.IsDirty = false
}
