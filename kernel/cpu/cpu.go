// Package cpu models the per-processor state and privileged primitives that
// the mapping engine drives: region registers, translation cache purges and
// cache maintenance.
package cpu

import (
	"ia64vm/kernel"
	"ia64vm/kernel/mm"
)

var (
	// ErrHalted is the cause reported when Halt is invoked without one.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "processor halted"}
)

// Hardware exposes the privileged instructions executed against the
// translation caches of the processors in the system. All methods must be
// safe for concurrent use.
type Hardware interface {
	// NumCPU returns the number of processors.
	NumCPU() int

	// SetRegion loads a region register (mov rr[]) on a processor.
	SetRegion(cpu int, region uint, value uint64)

	// Region reads back a region register.
	Region(cpu int, region uint) uint64

	// InsertTranslation installs a translation in a processor's TLB
	// (itc.d/itc.i).
	InsertTranslation(cpu int, rid uint32, va uintptr, pte, itir uint64)

	// LookupTranslation probes a processor's TLB (tpa/tak).
	LookupTranslation(cpu int, rid uint32, va uintptr) (pte uint64, ok bool)

	// PurgeGlobal removes translations overlapping va from the TLBs of
	// every processor (ptc.ga). The caller serializes issuers.
	PurgeGlobal(rid uint32, va uintptr, log2size uint)

	// PurgeLocal removes translations overlapping va from the TLB of one
	// processor (ptc.l).
	PurgeLocal(cpu int, rid uint32, va uintptr, log2size uint)

	// PurgeEntries clears the TLB set selected by addr (ptc.e).
	PurgeEntries(cpu int, addr uint64)

	// SyncICache makes stores to [va, va+size) visible to instruction
	// fetch (fc.i, sync.i).
	SyncICache(va, size uintptr)

	// FlushDCache writes back and invalidates [va, va+size) (fc).
	FlushDCache(va, size uintptr)

	// Fence orders all previous memory accesses (mf).
	Fence()

	// SerializeInstr is srlz.i.
	SerializeInstr(cpu int)

	// SerializeData is srlz.d.
	SerializeData(cpu int)

	// Invala invalidates the ALAT of a processor.
	Invala(cpu int)
}

// RegionValue encodes a region register that tags region accesses with rid,
// uses the base page size and enables the VHPT walker.
func RegionValue(rid uint32) uint64 {
	return uint64(rid)<<8 | uint64(mm.PageShift)<<2 | 1
}

// RegionID decodes the region id held in a region register value.
func RegionID(rr uint64) uint32 {
	return uint32(rr>>8) & 0xffffff
}

// HaltError is the value carried by the panic raised by Halt.
type HaltError struct {
	Cause *kernel.Error
}

// Error implements error.
func (e *HaltError) Error() string {
	if e.Cause == nil {
		return ErrHalted.Message
	}
	return e.Cause.Module + ": " + e.Cause.Message
}

// Halt stops instruction execution on the calling processor. The calling
// goroutine never returns from Halt; it unwinds with a *HaltError panic.
func Halt(cause *kernel.Error) {
	if cause == nil {
		cause = ErrHalted
	}
	panic(&HaltError{Cause: cause})
}
