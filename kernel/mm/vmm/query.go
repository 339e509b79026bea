package vmm

import (
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
)

// Extract returns the physical address of the frame va is mapped to in s.
// The second return value is false if va is not mapped.
func (s *AddressSpace) Extract(va uintptr) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pte := s.e.vhpt.find(s.ridFor(va), va)
	if pte == nil || !pte.bits().present() {
		return 0, false
	}
	return pte.bits().ppn(), true
}

// ExtractAndHold returns the page va is mapped to in s if the translation
// grants every right in prot. The page is returned held.
func (s *AddressSpace) ExtractAndHold(va uintptr, prot Prot) *pmm.Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	pte := s.e.vhpt.find(s.ridFor(va), va)
	if pte == nil {
		return nil
	}

	b := pte.bits()
	if !b.present() || b.prot()&prot != prot {
		return nil
	}

	m := s.e.mem.PageFromAddress(b.ppn())
	if m != nil {
		m.Hold()
	}
	return m
}

// Mincore reports the residency of va in s as a set of Mincore flags.
func (s *AddressSpace) Mincore(va uintptr) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pte := s.e.vhpt.find(s.ridFor(va), va)
	if pte == nil {
		return 0
	}

	b := pte.bits()
	if !b.present() {
		return 0
	}

	val := MincoreInCore
	if b.dirty() {
		val |= MincoreModified | MincoreModifiedOther
	}
	if b.accessed() {
		val |= MincoreReferenced | MincoreReferencedOther
	}
	return val
}

// IsPrefaultable returns true if va is not mapped in s.
func (s *AddressSpace) IsPrefaultable(va uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pte := s.e.vhpt.find(s.ridFor(va), va)
	return pte == nil || !pte.bits().present()
}

// SyncICache makes the instruction cache coherent with memory for the mapped
// parts of [va, va+size) in s.
func (s *AddressSpace) SyncICache(va, size uintptr) {
	size += va & (icacheLine - 1)
	va &^= icacheLine - 1
	size = (size + icacheLine - 1) &^ (icacheLine - 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	for size > 0 {
		n := mm.TruncPage(va) + mm.PageSize - va
		if n > size {
			n = size
		}
		pte := s.e.vhpt.find(s.ridFor(va), va)
		if pte != nil && pte.bits().present() {
			s.e.hw.SyncICache(va, n)
		}
		va += n
		size -= n
	}
}

// PageExistsQuick returns true if one of the first few mappings of m belongs
// to s.
func (e *Engine) PageExistsQuick(s *AddressSpace, m *pmm.Page) bool {
	if !m.Managed() {
		panicFn(errUnmanagedPage)
		return false
	}

	e.pvLock.Lock()
	defer e.pvLock.Unlock()

	md := e.pageMD(m)
	loops := 0
	for pv := md.pvList.first(); pv != nil; pv = md.pvList.next(pv) {
		if pv.chunk.owner == s {
			return true
		}
		if loops++; loops >= pageExistsScan {
			break
		}
	}
	return false
}

// PageWiredMappings returns the number of wired translations of m.
func (e *Engine) PageWiredMappings(m *pmm.Page) int {
	if !m.Managed() {
		return 0
	}

	count := 0
	e.pvLock.Lock()
	e.forEachMapping(m, func(_ *AddressSpace, _ uintptr, pte *pageTableEntry) bool {
		if pte.bits().wired() {
			count++
		}
		return true
	})
	e.pvLock.Unlock()
	return count
}

// PageMappings returns the number of translations of m.
func (e *Engine) PageMappings(m *pmm.Page) int {
	e.pvLock.Lock()
	defer e.pvLock.Unlock()
	return e.pageMD(m).pvList.len
}

// IsModified returns true if any translation of m has been written to.
func (e *Engine) IsModified(m *pmm.Page) bool {
	if !m.Managed() {
		panicFn(errUnmanagedPage)
		return false
	}
	if !m.Busied() && !m.Writeable() {
		return false
	}
	return e.anyMapping(m, pteBits.dirty)
}

// IsReferenced returns true if any translation of m has been accessed.
func (e *Engine) IsReferenced(m *pmm.Page) bool {
	if !m.Managed() {
		panicFn(errUnmanagedPage)
		return false
	}
	return e.anyMapping(m, pteBits.accessed)
}

func (e *Engine) anyMapping(m *pmm.Page, test func(pteBits) bool) bool {
	found := false
	e.pvLock.Lock()
	e.forEachMapping(m, func(_ *AddressSpace, _ uintptr, pte *pageTableEntry) bool {
		found = test(pte.bits())
		return !found
	})
	e.pvLock.Unlock()
	return found
}

// TSReferenced returns the number of translations of m that were accessed
// and clears their accessed bits.
func (e *Engine) TSReferenced(m *pmm.Page) int {
	if !m.Managed() {
		panicFn(errUnmanagedPage)
		return 0
	}

	count := 0
	e.pvLock.Lock()
	e.forEachMapping(m, func(s *AddressSpace, va uintptr, pte *pageTableEntry) bool {
		if pte.testAndClear(pteAccessed) {
			count++
			e.invalidatePage(s.ridFor(va), va)
		}
		return true
	})
	e.pvLock.Unlock()
	return count
}
