package mem

import (
	"encoding/json"
	"fmt"
	"os"
)

// Mode selects the simulation mode a Cache operates in. Mode is a
// system-wide property, not a per-port one.
type Mode int

const (
	// Timing mode: every access is an asynchronous request/response
	// pair dispatched through the event scheduler.
	Timing Mode = iota
	// Atomic mode: accesses complete synchronously with a returned
	// latency; no packet scheduling, no MSHRs.
	Atomic
	// AtomicNoncaching mode: like Atomic, but caches are bypassed
	// entirely (every access forwards straight to the memory side).
	AtomicNoncaching
)

// Config holds the parameters that describe one cache instance,
// following the shape of timing/latency.TimingConfig:
// a plain struct with JSON tags, a default constructor, Validate, and
// Clone.
type Config struct {
	// BlockSize is the cache line size in bytes.
	BlockSize int `json:"block_size"`
	// Associativity is the number of ways per set.
	Associativity int `json:"associativity"`
	// NumSets is the number of sets.
	NumSets int `json:"num_sets"`
	// HitLatency is the latency, in cycles, of a tag-store hit.
	HitLatency uint64 `json:"hit_latency"`
	// MSHREntries is the outstanding-miss table capacity.
	MSHREntries int `json:"mshr_entries"`
	// WritebackEntries is the writeback buffer capacity.
	WritebackEntries int `json:"writeback_entries"`
	// CoherenceProtocol names the protocol to instantiate ("msi" is
	// the only one this module ships).
	CoherenceProtocol string `json:"coherence_protocol"`
	// PrefetchOnAccess enables the stride prefetcher.
	PrefetchOnAccess bool `json:"prefetch_on_access"`
	// SimMode selects atomic/atomic_noncaching/timing.
	SimMode Mode `json:"sim_mode"`
}

// DefaultL1Config returns a representative single-level L1 cache
// configuration, in the spirit of DefaultL1DConfig.
func DefaultL1Config() Config {
	return Config{
		BlockSize:         64,
		Associativity:     8,
		NumSets:           64, // 32KB
		HitLatency:        2,
		MSHREntries:       8,
		WritebackEntries:  8,
		CoherenceProtocol: "msi",
		SimMode:           Timing,
	}
}

// DefaultL2Config returns a representative shared L2 configuration.
func DefaultL2Config() Config {
	return Config{
		BlockSize:         128,
		Associativity:     16,
		NumSets:           1024, // 2MB
		HitLatency:        12,
		MSHREntries:       16,
		WritebackEntries:  16,
		CoherenceProtocol: "msi",
		SimMode:           Timing,
	}
}

// LoadConfig loads a Config from a JSON file, starting from
// DefaultL1Config so unspecified fields keep sane values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache config file: %w", err)
	}

	cfg := DefaultL1Config()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cache config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes c to path as JSON.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize cache config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache config file: %w", err)
	}
	return nil
}

// Validate checks that c describes a buildable cache.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a positive power of two")
	}
	if c.Associativity <= 0 {
		return fmt.Errorf("associativity must be > 0")
	}
	if c.NumSets <= 0 {
		return fmt.Errorf("num_sets must be > 0")
	}
	if c.MSHREntries <= 0 {
		return fmt.Errorf("mshr_entries must be > 0")
	}
	if c.WritebackEntries <= 0 {
		return fmt.Errorf("writeback_entries must be > 0")
	}
	return nil
}

// Clone returns a deep copy of c (Config has no reference fields
// today, but Clone is kept for parity with a conventional
// TimingConfig.Clone and to stay safe if fields grow one).
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
