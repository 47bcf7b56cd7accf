package mem

// CoherenceDriver is the pluggable protocol consumed by Cache. The
// controller treats it as a pure function of the state it
// is given, plus its own internal bookkeeping; no locking is required
// beyond what the cache itself holds.
type CoherenceDriver interface {
	// BusCmd translates a CPU-issued command into the command actually
	// placed on the bus, given the current block state (e.g. a read
	// miss against a remotely-exclusive line may become an upgrade).
	BusCmd(cpuCmd Command, state BlkState) Command

	// NextState computes the block state that should result from
	// applying pkt, given the block's prior state. Used both when a
	// miss response arrives and when a snoop is serviced.
	NextState(pkt *Packet, old BlkState) BlkState

	// HandleBusRequest decides how to react to an incoming snoop:
	// whether the local cache should supply data (satisfy) and what
	// state the block transitions to.
	HandleBusRequest(pkt *Packet, hasBlock bool, state BlkState, hasMSHR bool) (satisfy bool, newState BlkState)

	// PropagateInvalidate forwards an invalidate to any inner
	// (CPU-side) caches. isTiming distinguishes timing from
	// atomic/functional propagation.
	PropagateInvalidate(pkt *Packet, isTiming bool)

	// AllowFastWrites reports whether this protocol permits the fast
	// write-allocate (WH64) optimization.
	AllowFastWrites() bool

	// HasProtocol reports whether this driver implements real
	// multi-cache coherence (false for a single-cache/no-coherence
	// configuration, which skips snoop propagation entirely).
	HasProtocol() bool
}

// MSIDriver is a minimal MSI (Modified/Shared/Invalid) protocol over a
// single shared bus. It is the only protocol this module ships; it is
// original to this repository, built directly from the CoherenceDriver
// contract, with three deliberate resolutions for cases the contract
// leaves open:
//   - a cross-bus NACK is a protocol warning, never a panic;
//   - a successful UpgradeReq response applies the new state, copies
//     current block data into the response, and satisfies the target;
//   - fast-write-allocate racing a WriteInvalidate miss proceeds with
//     only a warning.
type MSIDriver struct {
	FastWrites bool
}

// NewMSIDriver creates an MSIDriver. fastWrites enables the WH64
// optimization.
func NewMSIDriver(fastWrites bool) *MSIDriver {
	return &MSIDriver{FastWrites: fastWrites}
}

// BusCmd implements CoherenceDriver.
func (d *MSIDriver) BusCmd(cpuCmd Command, state BlkState) Command {
	switch cpuCmd {
	case WriteReq:
		if state.Valid && state.Readable && !state.Writable {
			// Already shared: just need permission, not data.
			return UpgradeReq
		}
		return WriteReq
	default:
		return cpuCmd
	}
}

// NextState implements CoherenceDriver.
func (d *MSIDriver) NextState(pkt *Packet, old BlkState) BlkState {
	switch pkt.Command {
	case ReadResp:
		if pkt.HasFlag(SharedLine) {
			return BlkState{Valid: true, Readable: true}
		}
		return BlkState{Valid: true, Readable: true, Writable: true}
	case WriteResp:
		// Covers both a fresh WriteReq fill and a successful
		// UpgradeReq: either way the requester now owns the line
		// exclusively and dirty.
		return BlkState{Valid: true, Readable: true, Writable: true, Dirty: true}
	default:
		return old
	}
}

// HandleBusRequest implements CoherenceDriver.
func (d *MSIDriver) HandleBusRequest(pkt *Packet, hasBlock bool, state BlkState, hasMSHR bool) (bool, BlkState) {
	if !hasBlock {
		return false, state
	}

	switch pkt.Command {
	case InvalidateReq, WriteInvalidateReq:
		return state.Dirty, BlkState{}
	case ReadReq, UpgradeReq:
		if pkt.Command == UpgradeReq {
			return false, BlkState{}
		}
		// Supply data, demote to shared.
		return true, BlkState{Valid: true, Readable: true}
	default:
		return false, state
	}
}

// PropagateInvalidate implements CoherenceDriver. It forwards nothing:
// MSIDriver holds no reference to any inner cache.
func (d *MSIDriver) PropagateInvalidate(pkt *Packet, isTiming bool) {}

// AllowFastWrites implements CoherenceDriver.
func (d *MSIDriver) AllowFastWrites() bool { return d.FastWrites }

// HasProtocol implements CoherenceDriver.
func (d *MSIDriver) HasProtocol() bool { return true }
