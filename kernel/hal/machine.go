// Package hal provides a software model of an Itanium platform: per-processor
// translation caches, region registers, the purge instructions and the
// firmware procedures the memory subsystem depends on.
package hal

import (
	"io"
	"sync"
	"sync/atomic"

	"ia64vm/kernel/cpu"
	"ia64vm/kernel/kfmt"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/pal"
)

// Config describes the simulated platform.
type Config struct {
	// CPUs is the number of processors.
	CPUs int

	// RegionIDBits is the region id width reported by the firmware.
	RegionIDBits uint

	// Purge is the ptc.e loop reported by the firmware. The TLB of each
	// processor is split into Count1*Count2 sets, one per loop address.
	Purge pal.PurgeParams

	// TLBWays is the number of translations each TLB set can hold.
	TLBWays int

	// FailPurgeInfo makes the ptc.e info procedure fail.
	FailPurgeInfo bool

	// FailVMSummary makes the VM summary procedure fail.
	FailVMSummary bool
}

// DefaultConfig returns a four processor platform with 24 region id bits.
func DefaultConfig() Config {
	return Config{
		CPUs:         4,
		RegionIDBits: 24,
		Purge: pal.PurgeParams{
			Base:    0x10000,
			Count1:  2,
			Count2:  4,
			Stride1: 0x100000,
			Stride2: 0x2000,
		},
		TLBWays: 16,
	}
}

// Stats counts the primitives executed by the machine.
type Stats struct {
	GlobalPurges   uint64
	LocalPurges    uint64
	EntryPurges    uint64
	PurgeConflicts uint64
	ICacheSyncs    uint64
	DCacheFlushes  uint64
	Fences         uint64
	SerializeInstr uint64
	SerializeData  uint64
	Invala         uint64
	Inserts        uint64
}

type tlbEntry struct {
	rid  uint32
	vpn  uint64
	pte  uint64
	itir uint64
}

type processorState struct {
	mu   sync.Mutex
	rr   [mm.Regions]uint64
	sets [][]tlbEntry

	// palCalls is indexed by firmware procedure for the procedures the
	// machine implements.
	palCalls map[pal.Proc]uint64
}

// Machine implements cpu.Hardware and pal.Firmware.
type Machine struct {
	cfg     Config
	cpus    []*processorState
	purgeAt map[uint64]int

	// purging is set while a ptc.ga is in flight.
	purging int32

	globalPurges   uint64
	localPurges    uint64
	entryPurges    uint64
	purgeConflicts uint64
	icacheSyncs    uint64
	dcacheFlushes  uint64
	fences         uint64
	srlzI          uint64
	srlzD          uint64
	invala         uint64
	inserts        uint64
}

// New returns a machine configured with cfg. Missing values are taken from
// DefaultConfig.
func New(cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.CPUs <= 0 {
		cfg.CPUs = def.CPUs
	}
	if cfg.Purge.Count1 == 0 || cfg.Purge.Count2 == 0 {
		cfg.Purge = def.Purge
	}
	if cfg.RegionIDBits == 0 {
		cfg.RegionIDBits = def.RegionIDBits
	}
	if cfg.TLBWays <= 0 {
		cfg.TLBWays = def.TLBWays
	}

	m := &Machine{
		cfg:     cfg,
		cpus:    make([]*processorState, cfg.CPUs),
		purgeAt: make(map[uint64]int),
	}

	set := 0
	cfg.Purge.Visit(func(addr uint64) {
		m.purgeAt[addr] = set
		set++
	})

	for i := range m.cpus {
		ps := &processorState{
			sets:     make([][]tlbEntry, set),
			palCalls: make(map[pal.Proc]uint64),
		}
		for r := range ps.rr {
			ps.rr[r] = cpu.RegionValue(uint32(r))
		}
		m.cpus[i] = ps
	}

	return m
}

// Config returns the configuration the machine was built with.
func (m *Machine) Config() Config { return m.cfg }

// Processors returns one cpu.Processor per simulated processor.
func (m *Machine) Processors() []*cpu.Processor {
	procs := make([]*cpu.Processor, len(m.cpus))
	for i := range procs {
		procs[i] = cpu.NewProcessor(i, m)
	}
	return procs
}

// Describe prints the platform inventory to w.
func (m *Machine) Describe(w io.Writer) {
	pw := kfmt.PrefixWriter{Sink: w, Prefix: []byte("[hal] ")}
	kfmt.Fprintf(&pw, "%d processors, %d TLB sets x %d ways\n", len(m.cpus), len(m.cpus[0].sets), m.cfg.TLBWays)
	kfmt.Fprintf(&pw, "pal: ptc.e base=0x%x count1=%d count2=%d\n", m.cfg.Purge.Base, m.cfg.Purge.Count1, m.cfg.Purge.Count2)
}

// Stats returns a snapshot of the primitive counters.
func (m *Machine) Stats() Stats {
	return Stats{
		GlobalPurges:   atomic.LoadUint64(&m.globalPurges),
		LocalPurges:    atomic.LoadUint64(&m.localPurges),
		EntryPurges:    atomic.LoadUint64(&m.entryPurges),
		PurgeConflicts: atomic.LoadUint64(&m.purgeConflicts),
		ICacheSyncs:    atomic.LoadUint64(&m.icacheSyncs),
		DCacheFlushes:  atomic.LoadUint64(&m.dcacheFlushes),
		Fences:         atomic.LoadUint64(&m.fences),
		SerializeInstr: atomic.LoadUint64(&m.srlzI),
		SerializeData:  atomic.LoadUint64(&m.srlzD),
		Invala:         atomic.LoadUint64(&m.invala),
		Inserts:        atomic.LoadUint64(&m.inserts),
	}
}

// TLBPopulation returns the number of translations cached by a processor.
func (m *Machine) TLBPopulation(cpuID int) int {
	ps := m.cpus[cpuID]
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n := 0
	for _, set := range ps.sets {
		n += len(set)
	}
	return n
}

// FirmwareCalls returns how many times proc ran on a processor.
func (m *Machine) FirmwareCalls(cpuID int, proc pal.Proc) uint64 {
	ps := m.cpus[cpuID]
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.palCalls[proc]
}
