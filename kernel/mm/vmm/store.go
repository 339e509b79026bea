package vmm

import "ia64vm/kernel/mm"

// findPTE returns the entry for va in s, allocating a user entry if none is
// linked. It returns nil only when no user entry could be allocated.
func (e *Engine) findPTE(s *AddressSpace, va uintptr) *pageTableEntry {
	if va >= mm.MaxUserAddress {
		return e.kdir.find(va)
	}

	if pte := e.vhpt.find(s.ridFor(va), va); pte != nil {
		return pte
	}
	return e.zone.alloc()
}

// freePTE retires an entry that has been unlinked from the VHPT. Kernel
// directory entries stay in place and are only marked not present.
func (e *Engine) freePTE(pte *pageTableEntry, va uintptr) {
	if va < mm.MaxUserAddress {
		e.zone.release(pte)
		return
	}
	pte.clearPresent()
}

// setPTE installs the translation fields of pte and publishes its tag last.
func (e *Engine) setPTE(pte *pageTableEntry, rid uint32, va, pa uintptr, wired, managed bool) {
	pte.fill(pa, wired, managed)
	e.hw.Fence()
	pte.storeTag(translationTag(rid, va))
}

// removePTE tears down the translation held by pte for va in s: it is
// unlinked and invalidated, its accounting and reverse-map entry are
// dropped and, when free is set, the entry itself is retired. The
// reverse-map lock and the lock of s must be held.
func (e *Engine) removePTE(s *AddressSpace, pte *pageTableEntry, va uintptr, pv *pvEntry, free bool) {
	rid := s.ridFor(va)
	if !e.vhpt.remove(rid, va) {
		panicFn(errVHPTNotFound)
		return
	}
	e.invalidatePage(rid, va)

	b := pte.bits()
	if b.wired() {
		s.addWired(-1)
	}
	s.addResident(-1)

	if b.managed() {
		m := e.mem.PageFromAddress(b.ppn())
		if b.dirty() {
			m.SetDirty()
		}
		if b.accessed() {
			m.SetReferenced()
		}
		e.removeEntry(s, m, va, pv)
	}

	if free {
		e.freePTE(pte, va)
	}
}
