// Command cachesim drives a timing simulation of a one- or two-level
// cache hierarchy against a memory-reference trace.
//
// Usage:
//
//	go run ./cmd/cachesim [flags] <trace-file>
//
// Flags:
//
//	-l1-config  path to an L1 JSON config (defaults built in)
//	-l2-config  path to an L2 JSON config (omit to run L1-only)
//	-limit      tick limit to run for (0 = until the trace drains)
//	-v          verbose per-access logging
//
// The trace format is one reference per line: "R|W <hex-addr> <size>".
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/cachesim/mem"
	"github.com/sarchlab/cachesim/sim"
)

func main() {
	l1ConfigPath := flag.String("l1-config", "", "Path to an L1 JSON config (defaults built in)")
	l2ConfigPath := flag.String("l2-config", "", "Path to an L2 JSON config (omit to run L1-only)")
	limit := flag.Uint64("limit", 0, "Tick limit to run for (0 = until the trace drains)")
	verbose := flag.Bool("v", false, "Verbose per-access logging")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: cachesim [options] <trace-file>\n\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	defaultL1 := mem.DefaultL1Config()
	l1cfg, err := loadOrDefault(*l1ConfigPath, &defaultL1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading L1 config: %v\n", err)
		os.Exit(1)
	}

	refs, err := loadTrace(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading trace: %v\n", err)
		os.Exit(1)
	}

	sched := sim.NewEventQueue()

	mainMem := &backingStore{sched: sched, latency: 100}
	mainMem.port = mem.NewPort("mainmem", mainMem)

	l1 := mem.NewCache("L1", *l1cfg, mem.NewMSIDriver(true), nil, sched, log.WithField("cache", "L1"))

	if *l2ConfigPath != "" {
		defaultL2 := mem.DefaultL2Config()
		l2cfg, err := loadOrDefault(*l2ConfigPath, &defaultL2)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading L2 config: %v\n", err)
			os.Exit(1)
		}
		l2 := mem.NewCache("L2", *l2cfg, mem.NewMSIDriver(true), nil, sched, log.WithField("cache", "L2"))
		l1.MemSide.SetPeer(l2.CPUSide)
		l2.CPUSide.SetPeer(l1.MemSide)
		l2.MemSide.SetPeer(mainMem.port)
		mainMem.port.SetPeer(l2.MemSide)
	} else {
		l1.MemSide.SetPeer(mainMem.port)
		mainMem.port.SetPeer(l1.MemSide)
	}

	driver := &traceDriver{refs: refs, cache: l1, sched: sched, log: log}
	driver.port = mem.NewPort("driver", driver)
	driver.port.SetPeer(l1.CPUSide)
	l1.CPUSide.SetPeer(driver.port)

	driver.issueNext()

	if *limit > 0 {
		sched.RunUntil(sim.Tick(*limit))
	} else {
		for !driver.done() {
			if sched.Empty() {
				break
			}
			sched.Tick()
		}
	}

	fmt.Printf("L1: hits=%d misses=%d fastwrites=%d evictions=%d writebacks=%d\n",
		sumCounts(l1.Stats().Hits), sumCounts(l1.Stats().Misses), l1.Stats().FastWrites,
		l1.Stats().Evictions, l1.Stats().Writebacks)
}

func sumCounts(m map[mem.Command]uint64) uint64 {
	var total uint64
	for _, v := range m {
		total += v
	}
	return total
}

func loadOrDefault(path string, def *mem.Config) (*mem.Config, error) {
	if path == "" {
		return def, nil
	}
	return mem.LoadConfig(path)
}

// reference is one parsed trace entry.
type reference struct {
	write bool
	addr  uint64
	size  int
}

func loadTrace(path string) ([]reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var refs []reference
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed trace line: %q", line)
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad address in trace line %q: %w", line, err)
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("bad size in trace line %q: %w", line, err)
		}
		refs = append(refs, reference{write: fields[0] == "W", addr: addr, size: size})
	}
	return refs, sc.Err()
}

// traceDriver replays a reference trace onto a cache's CPU-side port,
// one outstanding access at a time.
type traceDriver struct {
	port  *mem.Port
	refs  []reference
	next  int
	cache *mem.Cache
	sched *sim.EventQueue
	log   *logrus.Logger

	pending *mem.Packet
}

func (d *traceDriver) done() bool { return d.next >= len(d.refs) && d.pending == nil }

func (d *traceDriver) issueNext() {
	if d.next >= len(d.refs) {
		return
	}
	ref := d.refs[d.next]
	d.next++

	req := &mem.Request{PAddr: ref.addr, Size: ref.size, MasterID: 0, IssueTick: d.sched.CurrentTick()}
	cmd := mem.ReadReq
	var pkt *mem.Packet
	if ref.write {
		cmd = mem.WriteReq
		pkt = mem.NewPacketStatic(req, cmd, ref.addr, make([]byte, ref.size))
	} else {
		pkt = mem.NewPacket(req, cmd, ref.addr, ref.size)
	}

	if d.port.SendTiming(pkt) {
		d.pending = pkt
		d.log.WithField("addr", ref.addr).Debug("issued reference")
	} else {
		d.next--
		d.log.Debug("cache blocked; waiting for retry")
	}
}

func (d *traceDriver) RecvTiming(pkt *mem.Packet) bool {
	d.pending = nil
	d.issueNext()
	return true
}
func (d *traceDriver) RecvAtomic(pkt *mem.Packet) sim.Tick { panic("cachesim: driver is timing-only") }
func (d *traceDriver) RecvFunctional(pkt *mem.Packet)      {}
func (d *traceDriver) RecvRetry()                          { d.issueNext() }

// backingStore is main memory: it answers every request after a fixed
// latency and absorbs writebacks, with no further level beneath it.
type backingStore struct {
	port    *mem.Port
	sched   *sim.EventQueue
	latency sim.Tick
	data    map[uint64][]byte
}

func (b *backingStore) RecvTiming(pkt *mem.Packet) bool {
	if pkt.Command == mem.WritebackReq {
		if b.data == nil {
			b.data = make(map[uint64][]byte)
		}
		b.data[pkt.Address] = append([]byte(nil), pkt.Data()...)
		return true
	}
	respondAt := b.sched.CurrentTick() + b.latency
	b.sched.Schedule(sim.NewEvent(respondAt, sim.HandlerFunc(func(e sim.Event) {
		if block := b.data[pkt.Address]; block != nil {
			copy(pkt.Data(), block)
		}
		pkt.SetResult(mem.Success)
		pkt.MakeResponse()
		b.port.SendTiming(pkt)
	})))
	return true
}

func (b *backingStore) RecvAtomic(pkt *mem.Packet) sim.Tick {
	if block := b.data[pkt.Address]; block != nil {
		copy(pkt.Data(), block)
	}
	pkt.SetResult(mem.Success)
	return b.latency
}

func (b *backingStore) RecvFunctional(pkt *mem.Packet) {
	if block := b.data[pkt.Address]; block != nil {
		copy(pkt.Data(), block)
	}
}

func (b *backingStore) RecvRetry() {}
