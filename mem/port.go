package mem

import "github.com/sarchlab/cachesim/sim"

// Receiver is implemented by anything wired to the far end of a Port.
// The cache controller and the CPU timing model both implement it for
// their respective ports.
type Receiver interface {
	// RecvTiming delivers pkt asynchronously. Returning false means the
	// receiver is currently blocked; the sender must retain pkt and
	// re-issue it once RecvRetry is called back.
	RecvTiming(pkt *Packet) bool
	// RecvAtomic synchronously services pkt, mutating state as needed,
	// and returns the latency incurred.
	RecvAtomic(pkt *Packet) sim.Tick
	// RecvFunctional services pkt without affecting timing state.
	RecvFunctional(pkt *Packet)
	// RecvRetry is called when a previously-blocked receiver becomes
	// able to accept a timing send again.
	RecvRetry()
}

// Port is a bidirectional endpoint with exactly one peer, wired once.
// The same pair of ports carries all three transport modes: timing,
// atomic, and functional. Mode is a property of the whole system at a
// given instant (see CoherenceDriver and Cache), not of an individual
// Port.
type Port struct {
	name  string
	owner Receiver
	peer  *Port
}

// NewPort creates a Port backed by owner. name is used only for
// diagnostics (panics, logging).
func NewPort(name string, owner Receiver) *Port {
	return &Port{name: name, owner: owner}
}

// Name returns the port's diagnostic name.
func (p *Port) Name() string { return p.name }

// SetPeer wires p to peer. Wiring is expected to happen once, before
// any simulation activity; it is not safe to rewire a live port.
func (p *Port) SetPeer(peer *Port) {
	p.peer = peer
}

// Peer returns the port this one is wired to.
func (p *Port) Peer() *Port { return p.peer }

// SendTiming asynchronously hands pkt to the peer. If it returns true,
// ownership of pkt has transferred to the peer and the sender must not
// retain a usable reference.
// If it returns false, the peer is blocked and the sender keeps pkt to
// retry after RecvRetry.
func (p *Port) SendTiming(pkt *Packet) bool {
	if p.peer == nil {
		panic("mem: SendTiming on an unwired port " + p.name)
	}
	return p.peer.owner.RecvTiming(pkt)
}

// SendAtomic synchronously pushes pkt through the peer and returns the
// cumulative latency, recursing through any further levels the peer
// itself talks to.
func (p *Port) SendAtomic(pkt *Packet) sim.Tick {
	if p.peer == nil {
		panic("mem: SendAtomic on an unwired port " + p.name)
	}
	return p.peer.owner.RecvAtomic(pkt)
}

// SendFunctional pushes pkt through the peer with no timing side
// effects.
func (p *Port) SendFunctional(pkt *Packet) {
	if p.peer == nil {
		panic("mem: SendFunctional on an unwired port " + p.name)
	}
	p.peer.owner.RecvFunctional(pkt)
}

// SendRetry notifies the peer that this port, having been blocked, can
// now accept a timing send again.
func (p *Port) SendRetry() {
	if p.peer == nil {
		panic("mem: SendRetry on an unwired port " + p.name)
	}
	p.peer.owner.RecvRetry()
}
