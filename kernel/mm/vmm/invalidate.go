package vmm

import (
	"sync/atomic"

	"ia64vm/kernel/cpu"
	"ia64vm/kernel/mm"
)

// issuingCPU is the processor that serialization after a global purge is
// reported against. Engine callers are not bound to a processor.
const issuingCPU = 0

// invalidatePage removes the translation of va under rid from the VHPT heads
// of every processor and from every translation cache. Only one global purge
// may be in flight at a time.
func (e *Engine) invalidatePage(rid uint32, va uintptr) {
	var (
		idx = e.vhpt.hash(rid, va)
		tag = translationTag(rid, va)
	)

	for cpuID := range e.vhpt.heads {
		head := e.vhpt.head(cpuID, idx)
		atomic.CompareAndSwapUint64(&head.tag, tag, invalidTag)
	}

	e.ptcLock.Acquire()
	e.hw.PurgeGlobal(rid, va, uint(mm.PageShift))
	e.hw.Fence()
	e.hw.SerializeInstr(issuingCPU)
	e.ptcLock.Release()

	e.hw.Invala(issuingCPU)
}

// invalidateAll flushes the whole translation cache of a processor by
// replaying the purge loop reported by the firmware.
func (e *Engine) invalidateAll(cpuID int) {
	e.purge.Visit(func(addr uint64) {
		e.hw.PurgeEntries(cpuID, addr)
	})
	e.hw.SerializeInstr(cpuID)
}

// InvalidateAll flushes every translation cached by p. It is meant for
// processor bring-up and is no substitute for targeted invalidation.
func (e *Engine) InvalidateAll(p *cpu.Processor) {
	e.invalidateAll(p.ID())
}
