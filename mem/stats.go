package mem

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics holds the plain in-process counters: hits/misses per
// command, fast-write count, and per-master accounting, broken down
// per command and per master.
type Statistics struct {
	Hits       map[Command]uint64
	Misses     map[Command]uint64
	FastWrites uint64
	Evictions  uint64
	Writebacks uint64

	// PerMaster accumulates total accesses attributed to each Master
	// ID.
	PerMaster map[int]uint64
}

// NewStatistics creates a zeroed Statistics.
func NewStatistics() *Statistics {
	return &Statistics{
		Hits:      make(map[Command]uint64),
		Misses:    make(map[Command]uint64),
		PerMaster: make(map[int]uint64),
	}
}

// RecordHit increments the hit counter for cmd.
func (s *Statistics) RecordHit(cmd Command, masterID int) {
	s.Hits[cmd]++
	s.PerMaster[masterID]++
}

// RecordMiss increments the miss counter for cmd.
func (s *Statistics) RecordMiss(cmd Command, masterID int) {
	s.Misses[cmd]++
	s.PerMaster[masterID]++
}

// RecordFastWrite increments the fast-write-allocate counter.
func (s *Statistics) RecordFastWrite() { s.FastWrites++ }

// RecordEviction increments the eviction counter, optionally a
// writeback alongside it.
func (s *Statistics) RecordEviction(wroteBack bool) {
	s.Evictions++
	if wroteBack {
		s.Writebacks++
	}
}

// Reset clears every counter.
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}

// Collector exports a component's Statistics as Prometheus metrics
// under component-qualified names, e.g. "L2_hits_total{cmd=\"ReadReq\"}".
type Collector struct {
	mu        sync.Mutex
	component string
	stats     func() *Statistics

	hitsDesc       *prometheus.Desc
	missesDesc     *prometheus.Desc
	fastWritesDesc *prometheus.Desc
	evictionsDesc  *prometheus.Desc
	writebacksDesc *prometheus.Desc
}

// NewCollector creates a Collector that reports statsFn()'s counters
// qualified by component (e.g. "L2").
func NewCollector(component string, statsFn func() *Statistics) *Collector {
	return &Collector{
		component: component,
		stats:     statsFn,
		hitsDesc: prometheus.NewDesc(
			component+"_hits_total", "Cache hits by command.",
			[]string{"cmd"}, nil),
		missesDesc: prometheus.NewDesc(
			component+"_misses_total", "Cache misses by command.",
			[]string{"cmd"}, nil),
		fastWritesDesc: prometheus.NewDesc(
			component+"_fast_writes_total", "Fast write-allocate installs.",
			nil, nil),
		evictionsDesc: prometheus.NewDesc(
			component+"_evictions_total", "Block evictions.",
			nil, nil),
		writebacksDesc: prometheus.NewDesc(
			component+"_writebacks_total", "Writebacks transmitted.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.hitsDesc
	descs <- c.missesDesc
	descs <- c.fastWritesDesc
	descs <- c.evictionsDesc
	descs <- c.writebacksDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats()
	for cmd, v := range s.Hits {
		metrics <- prometheus.MustNewConstMetric(c.hitsDesc, prometheus.CounterValue, float64(v), cmd.String())
	}
	for cmd, v := range s.Misses {
		metrics <- prometheus.MustNewConstMetric(c.missesDesc, prometheus.CounterValue, float64(v), cmd.String())
	}
	metrics <- prometheus.MustNewConstMetric(c.fastWritesDesc, prometheus.CounterValue, float64(s.FastWrites))
	metrics <- prometheus.MustNewConstMetric(c.evictionsDesc, prometheus.CounterValue, float64(s.Evictions))
	metrics <- prometheus.MustNewConstMetric(c.writebacksDesc, prometheus.CounterValue, float64(s.Writebacks))
}
