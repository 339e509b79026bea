package vmm

import (
	"ia64vm/kernel"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
	"ia64vm/kernel/pal"
)

var (
	errUnalignedRange = &kernel.Error{Module: "vmm", Message: "unaligned addresses"}
	errNotWired       = &kernel.Error{Module: "vmm", Message: "translation isn't wired"}
)

// flushDirty moves the dirty bit of pte to m. The page is marked dirty
// before the bit is cleared so the modification is never lost.
func flushDirty(pte *pageTableEntry, m *pmm.Page) {
	for pte.bits().dirty() {
		m.SetDirty()
		if pte.testAndClear(pteDirty) {
			return
		}
	}
}

// Protect changes the access rights of the translations of s in
// [low, high). Removing read access removes the translations. Granting write
// and execute access together is ignored.
func (s *AddressSpace) Protect(low, high uintptr, prot Prot) {
	if prot&ProtRead == 0 {
		s.Remove(low, high)
		return
	}
	if prot&(ProtWrite|ProtExecute) == ProtWrite|ProtExecute {
		return
	}
	if low&mm.PageMask != 0 || high&mm.PageMask != 0 {
		panicFn(errUnalignedRange)
		return
	}

	e := s.e
	e.pvLock.Lock()
	s.mu.Lock()
	for va := low; va < high; va += mm.PageSize {
		rid := s.ridFor(va)
		pte := e.vhpt.find(rid, va)
		if pte == nil {
			continue
		}

		b := pte.bits()
		if b.prot() == prot {
			continue
		}

		if prot&ProtWrite == 0 && b.managed() && b.dirty() {
			flushDirty(pte, e.mem.PageFromAddress(b.ppn()))
		}
		if prot&ProtExecute != 0 {
			e.hw.SyncICache(va, mm.PageSize)
		}

		pte.setProt(prot, s.isKernel())
		e.invalidatePage(rid, va)
	}
	s.mu.Unlock()
	e.pvLock.Unlock()
}

// Unwire clears the wired flag of the translations of s in [low, high).
// Finding a translation that is not wired is fatal.
func (s *AddressSpace) Unwire(low, high uintptr) {
	e := s.e
	s.mu.Lock()
	defer s.mu.Unlock()

	for va := mm.TruncPage(low); va < high; va += mm.PageSize {
		pte := e.vhpt.find(s.ridFor(va), va)
		if pte == nil {
			continue
		}
		if !pte.bits().wired() {
			panicFn(errNotWired)
			return
		}
		s.addWired(-1)
		pte.clearWired()
	}
}

// Advise clears the modified and referenced state of the managed
// translations of s in [low, high). With AdviseDontNeed the modified state
// is first moved to the pages.
func (s *AddressSpace) Advise(low, high uintptr, advice Advice) {
	e := s.e
	s.mu.Lock()
	defer s.mu.Unlock()

	for va := mm.TruncPage(low); va < high; va += mm.PageSize {
		rid := s.ridFor(va)
		pte := e.vhpt.find(rid, va)
		if pte == nil || !pte.bits().managed() {
			continue
		}

		b := pte.bits()
		switch {
		case b.dirty():
			if advice == AdviseDontNeed {
				flushDirty(pte, e.mem.PageFromAddress(b.ppn()))
			} else {
				pte.clearDirty()
			}
		case !b.accessed():
			continue
		}
		pte.clearAccessed()
		e.invalidatePage(rid, va)
	}
}

// forEachMapping calls fn for every translation of m, with the owning space
// locked. Iteration stops when fn returns false. The reverse-map lock must
// be held.
func (e *Engine) forEachMapping(m *pmm.Page, fn func(s *AddressSpace, va uintptr, pte *pageTableEntry) bool) {
	md := e.pageMD(m)
	for pv := md.pvList.first(); pv != nil; pv = md.pvList.next(pv) {
		s := pv.chunk.owner
		s.mu.Lock()
		pte := e.vhpt.find(s.ridFor(pv.va), pv.va)
		if pte == nil {
			s.mu.Unlock()
			panicFn(errPVNoPTE)
			return
		}
		more := fn(s, pv.va, pte)
		s.mu.Unlock()
		if !more {
			return
		}
	}
}

// RemoveWrite revokes write access from every translation of m.
func (e *Engine) RemoveWrite(m *pmm.Page) {
	if !m.Managed() {
		panicFn(errUnmanagedPage)
		return
	}
	if !m.Busied() && !m.Writeable() {
		return
	}

	e.pvLock.Lock()
	attr := e.pageMD(m).attr()
	e.forEachMapping(m, func(s *AddressSpace, va uintptr, pte *pageTableEntry) bool {
		prot := pte.bits().prot()
		if prot&ProtWrite != 0 {
			flushDirty(pte, m)
			pte.setProt(prot&^ProtWrite, s.isKernel())
			pte.setAttr(attr)
			e.invalidatePage(s.ridFor(va), va)
		}
		return true
	})
	m.ClearWriteable()
	e.pvLock.Unlock()
}

// ClearModify clears the dirty bit of every translation of m.
func (e *Engine) ClearModify(m *pmm.Page) {
	if !m.Managed() {
		panicFn(errUnmanagedPage)
		return
	}
	if !m.Writeable() {
		return
	}

	e.pvLock.Lock()
	e.forEachMapping(m, func(s *AddressSpace, va uintptr, pte *pageTableEntry) bool {
		if pte.testAndClear(pteDirty) {
			e.invalidatePage(s.ridFor(va), va)
		}
		return true
	})
	e.pvLock.Unlock()
}

// PageSetMemAttr changes the memory attribute of m and of every translation
// of it. Making a page uncacheable also flushes it from the caches.
func (e *Engine) PageSetMemAttr(m *pmm.Page, attr MemAttr) {
	e.pvLock.Lock()
	e.pageMD(m).setAttr(attr)
	e.forEachMapping(m, func(s *AddressSpace, va uintptr, pte *pageTableEntry) bool {
		pte.setAttr(attr)
		e.invalidatePage(s.ridFor(va), va)
		return true
	})
	e.pvLock.Unlock()

	if attr == MemAttrUncacheable {
		e.firmwareOnEachCPU(pal.ProcPrefetchVisibility)
		e.hw.FlushDCache(e.PageToVA(m), mm.PageSize)
		e.firmwareOnEachCPU(pal.ProcMCDrain)
	}
}

// PageMemAttr returns the memory attribute of m.
func (e *Engine) PageMemAttr(m *pmm.Page) MemAttr {
	return e.pageMD(m).attr()
}
