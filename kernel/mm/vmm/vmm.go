// Package vmm implements the virtual memory mapping engine: the VHPT that
// the translation miss handler walks, the translation entries behind it, the
// reverse maps of managed pages and the address spaces that own them.
package vmm

import (
	"io"
	"sync"
	"sync/atomic"

	"ia64vm/kernel"
	"ia64vm/kernel/cpu"
	"ia64vm/kernel/kfmt"
	"ia64vm/kernel/mm/pmm"
	"ia64vm/kernel/pal"
	ksync "ia64vm/kernel/sync"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrResourceShortage is returned by operations that were asked not to
	// wait for memory.
	ErrResourceShortage = &kernel.Error{Module: "vmm", Message: "resource shortage"}

	errVHPTNotFound = &kernel.Error{Module: "vmm", Message: "translation missing from the VHPT"}
)

// Config holds the tunables of the mapping engine.
type Config struct {
	// VHPTLog2Size is the log2 of the VHPT size in bytes. It is clamped to
	// [16, 28] and rounded down to an even value; zero selects 20.
	VHPTLog2Size uint

	// PTEZoneLimit caps the number of user translation entries. Zero means
	// no cap.
	PTEZoneLimit int

	// MaxKernelPTPages caps the number of pages backing the kernel
	// directory. Zero selects enough pages for the whole kernel region.
	MaxKernelPTPages int

	// Verbose prints the boot parameters.
	Verbose bool

	// Output receives diagnostics. Nil selects the kernel console.
	Output io.Writer
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{VHPTLog2Size: defaultVHPTLog2Size}
}

// Engine is the mapping engine of one machine.
type Engine struct {
	cfg Config
	log *kfmt.PrefixWriter

	mem   *pmm.Memory
	hw    cpu.Hardware
	fw    pal.Firmware
	purge pal.PurgeParams

	rids  *ridAllocator
	arena *entryArena
	zone  *pteZone
	kdir  *kernelDirectory
	vhpt  *vhpt

	// ptcLock serializes global purges.
	ptcLock ksync.Spinlock

	// pvLock is the global reverse-map lock. It is ordered before every
	// address space lock and is always taken exclusively.
	pvLock  sync.RWMutex
	pvLRU   tailq[pvChunk]
	pvStats PVStats
	pages   []pageMD

	kernel      *AddressSpace
	nextSpaceID uint64
}

// Bootstrap builds the mapping engine for the memory and processors of a
// machine. It queries the firmware for the purge loop and the region id
// width and flushes the translation cache of every processor.
func Bootstrap(cfg Config, mem *pmm.Memory, hw cpu.Hardware, fw pal.Firmware) *Engine {
	out := cfg.Output
	if out == nil {
		out = kfmt.Console
	}

	e := &Engine{
		cfg:   cfg,
		log:   &kfmt.PrefixWriter{Sink: out, Prefix: []byte("[vmm] ")},
		mem:   mem,
		hw:    hw,
		fw:    fw,
		pvLRU: newTailq(chunkLRULink),
		pages: make([]pageMD, mem.TotalFrames()),
	}

	purge, err := pal.QueryPurgeParams(fw, issuingCPU)
	if err != nil {
		panicFn(err)
		return nil
	}
	e.purge = purge
	if cfg.Verbose {
		kfmt.Fprintf(e.log, "ptc.e base=0x%x, count1=%d, count2=%d, stride1=0x%x, stride2=0x%x\n",
			purge.Base, purge.Count1, purge.Count2, purge.Stride1, purge.Stride2)
	}

	ridBits, ok := pal.QueryRegionIDBits(fw, issuingCPU)
	if !ok {
		kfmt.Fprintf(e.log, "Can't read VM Summary - assuming 18 Region ID bits\n")
		ridBits = defaultRIDBits
	}
	e.rids = newRIDAllocator(ridBits)

	e.arena = newEntryArena(mem.TotalFrames())
	e.zone = newPTEZone(e.arena, mem, cfg.PTEZoneLimit)
	e.kdir = newKernelDirectory(e.arena, mem, cfg.MaxKernelPTPages)
	e.vhpt = newVHPT(cfg.VHPTLog2Size, e.arena, hw)
	if cfg.Verbose {
		kfmt.Fprintf(e.log, "VHPT: size=0x%x, nbuckets=%d\n", uint64(1)<<e.vhpt.log2size, e.vhpt.nbuckets())
	}

	for i := range e.pages {
		e.pages[i].pvList = newTailq(pvListLink)
	}

	e.kernel = e.newAddressSpace(true)

	for cpuID := 0; cpuID < hw.NumCPU(); cpuID++ {
		e.invalidateAll(cpuID)
	}

	return e
}

// Memory returns the physical memory managed by the engine.
func (e *Engine) Memory() *pmm.Memory { return e.mem }

// VHPTLog2Size returns the log2 of the VHPT size in use.
func (e *Engine) VHPTLog2Size() uint { return e.vhpt.log2size }

// VHPTBuckets returns the number of VHPT collision chains.
func (e *Engine) VHPTBuckets() int { return e.vhpt.nbuckets() }

// VHPTPopulation returns the number of translations linked in the VHPT.
func (e *Engine) VHPTPopulation() int { return e.vhpt.population() }

// VHPTInserts returns the number of VHPT insertions since boot.
func (e *Engine) VHPTInserts() uint64 { return atomic.LoadUint64(&e.vhpt.inserts) }

// VHPTChainLengths returns the collision chain length of every bucket,
// indexed by bucket.
func (e *Engine) VHPTChainLengths() []int { return e.vhpt.chainLengths() }

// RegionIDsInUse returns the number of allocated region ids.
func (e *Engine) RegionIDsInUse() int { return int(e.rids.inUse()) }

// PurgeParams returns the purge loop reported by the firmware at boot.
func (e *Engine) PurgeParams() pal.PurgeParams { return e.purge }

// PTEStats returns the number of user translation entries in use and the
// number of frames carved into entries.
func (e *Engine) PTEStats() (inUse, slabs int) { return e.zone.stats() }

// KernelPTPages returns the number of pages backing the kernel directory.
func (e *Engine) KernelPTPages() int { return e.kdir.pages() }
