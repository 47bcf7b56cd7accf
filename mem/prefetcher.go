package mem

// Prefetcher observes the access stream and enqueues speculative fills
// via the MSHRQueue; the controller talks to it through this narrow
// interface. This package ships a simple stride detector as the
// default implementation.
type Prefetcher interface {
	// Notify is called on demand accesses (hit or miss) so the
	// prefetcher can update its stream-detection state. A write
	// installed by the fast write-allocate path is not reported.
	Notify(addr uint64, isWrite bool)
	// Candidates returns block-aligned addresses the prefetcher would
	// like fetched next, given the current demand address.
	Candidates(addr uint64, blockSize int) []uint64
}

// StridePrefetcher detects a constant stride between consecutive
// accesses and, once confirmed, requests the next block(s) along that
// stride.
type StridePrefetcher struct {
	degree int

	lastAddr  uint64
	lastValid bool
	stride    int64
	confirmed bool
}

// NewStridePrefetcher creates a StridePrefetcher that issues degree
// speculative fills ahead of the detected stream.
func NewStridePrefetcher(degree int) *StridePrefetcher {
	if degree < 1 {
		degree = 1
	}
	return &StridePrefetcher{degree: degree}
}

// Notify implements Prefetcher.
func (p *StridePrefetcher) Notify(addr uint64, isWrite bool) {
	if !p.lastValid {
		p.lastAddr, p.lastValid = addr, true
		return
	}

	delta := int64(addr) - int64(p.lastAddr)
	if delta == p.stride && delta != 0 {
		p.confirmed = true
	} else {
		p.confirmed = false
		p.stride = delta
	}
	p.lastAddr = addr
}

// Candidates implements Prefetcher.
func (p *StridePrefetcher) Candidates(addr uint64, blockSize int) []uint64 {
	if !p.confirmed || p.stride == 0 {
		return nil
	}

	out := make([]uint64, 0, p.degree)
	cur := int64(addr)
	for i := 0; i < p.degree; i++ {
		cur += p.stride
		if cur < 0 {
			break
		}
		out = append(out, BlockAlign(uint64(cur), blockSize))
	}
	return out
}

// NullPrefetcher issues no speculative fills. It is the default when a
// configuration does not request prefetching.
type NullPrefetcher struct{}

// Notify implements Prefetcher.
func (NullPrefetcher) Notify(addr uint64, isWrite bool) {}

// Candidates implements Prefetcher.
func (NullPrefetcher) Candidates(addr uint64, blockSize int) []uint64 { return nil }
