package vmm

import (
	"sync/atomic"

	"ia64vm/kernel"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
)

var errUnmanagedPage = &kernel.Error{Module: "vmm", Message: "reverse map operation on an unmanaged page"}

// Remove destroys every translation of s in [low, high). Absent pages are
// skipped.
func (s *AddressSpace) Remove(low, high uintptr) {
	if atomic.LoadInt64(&s.resident) == 0 {
		return
	}

	e := s.e
	e.pvLock.Lock()
	s.mu.Lock()
	for va := mm.TruncPage(low); va < high; va += mm.PageSize {
		if pte := e.vhpt.find(s.ridFor(va), va); pte != nil {
			e.removePTE(s, pte, va, nil, true)
		}
		if va+mm.PageSize < va {
			break
		}
	}
	s.mu.Unlock()
	e.pvLock.Unlock()
}

// RemoveAll destroys every mapping of the managed page m in every address
// space.
func (e *Engine) RemoveAll(m *pmm.Page) {
	if !m.Managed() {
		panicFn(errUnmanagedPage)
		return
	}

	md := e.pageMD(m)

	e.pvLock.Lock()
	for pv := md.pvList.first(); pv != nil; pv = md.pvList.first() {
		var (
			s  = pv.chunk.owner
			va = pv.va
		)

		s.mu.Lock()
		pte := e.vhpt.find(s.ridFor(va), va)
		if pte == nil {
			s.mu.Unlock()
			e.pvLock.Unlock()
			panicFn(errPVNoPTE)
			return
		}
		if pte.bits().ppn() != m.PhysAddr() {
			s.mu.Unlock()
			e.pvLock.Unlock()
			panicFn(errPVInconsistent)
			return
		}
		e.removePTE(s, pte, va, pv, true)
		s.mu.Unlock()
	}
	m.ClearWriteable()
	e.pvLock.Unlock()
}

// RemovePages destroys every unwired managed mapping of s. It is used when
// the address space is being torn down.
func (s *AddressSpace) RemovePages() {
	e := s.e
	e.pvLock.Lock()
	s.mu.Lock()

	for _, list := range []*tailq[pvChunk]{&s.partial, &s.full} {
		for pc := list.first(); pc != nil; {
			next := list.next(pc)

			if e.evictUnwired(pc) > 0 {
				pc.unlinkFromOwner()
				if pc.inUse == 0 {
					e.freePVChunk(pc)
				} else {
					s.partial.insertTail(pc)
				}
			}
			pc = next
		}
	}

	s.mu.Unlock()
	e.pvLock.Unlock()
}
