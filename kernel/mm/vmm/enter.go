package vmm

import (
	"ia64vm/kernel"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
)

var errAddressTooHigh = &kernel.Error{Module: "vmm", Message: "virtual address above the kernel region"}

// noPhysAddr marks the absence of a previous translation.
const noPhysAddr = ^uintptr(0)

// Enter maps va in s to the page m with the requested protection. An
// existing translation of va is replaced. Unless EnterNoSleep is set, Enter
// waits for memory when no translation or reverse-map entry is available;
// with EnterNoSleep it returns ErrResourceShortage instead.
func (s *AddressSpace) Enter(va uintptr, m *pmm.Page, prot Prot, flags EnterFlag) *kernel.Error {
	va = mm.TruncPage(va)
	if va > maxKernelAddress {
		panicFn(errAddressTooHigh)
		return nil
	}

	var (
		e     = s.e
		rid   = s.ridFor(va)
		wired = flags&EnterWired != 0
		pa    = m.PhysAddr()
	)

	for {
		e.pvLock.Lock()
		s.mu.Lock()

		pte := e.findPTE(s, va)
		if pte == nil {
			s.mu.Unlock()
			e.pvLock.Unlock()
			if flags&EnterNoSleep != 0 {
				return ErrResourceShortage
			}
			e.zone.wait()
			continue
		}

		orig := pte.bits()
		opa := noPhysAddr
		if orig.present() {
			opa = orig.ppn()
		}

		var (
			managed    bool
			pvShortage bool
			changed    bool
			syncICache = prot&ProtExecute != 0
		)

		if opa == pa {
			// Protection or wiring change of an existing mapping.
			switch {
			case wired && !orig.wired():
				s.addWired(1)
			case !wired && orig.wired():
				s.addWired(-1)
			}
			managed = orig.managed()
			if managed && orig.dirty() {
				m.SetDirty()
			} else if orig.exec() {
				syncICache = false
			}
			changed = true
		} else {
			// The previous translation is gone even if no reverse-map
			// entry can be found for the new one.
			if opa != noPhysAddr {
				e.removePTE(s, pte, va, nil, false)
				pte.clearPresent()
			}

			// pte is unlinked here, so reclaim cannot reach it.
			var pv *pvEntry
			if m.Managed() {
				if pv = e.acquirePV(s, false); pv == nil {
					pvShortage = true
				}
			}

			if !pvShortage {
				e.vhpt.insert(pte, rid, va)
				if pv != nil {
					e.insertPV(m, va, pv)
					managed = true
				}
				s.addResident(1)
				if wired {
					s.addWired(1)
				}
			}
		}

		if pvShortage {
			e.freePTE(pte, va)
			s.mu.Unlock()
			e.pvLock.Unlock()
			if flags&EnterNoSleep != 0 {
				return ErrResourceShortage
			}
			e.mem.Wait()
			continue
		}

		pte.setProt(prot, s.isKernel())
		pte.setAttr(e.pageMD(m).attr())
		e.setPTE(pte, rid, va, pa, wired, managed)
		if changed {
			// A miss racing with the update may have cached the old
			// rights.
			e.invalidatePage(rid, va)
		}

		if syncICache {
			e.hw.SyncICache(va, mm.PageSize)
		}
		if prot&ProtWrite != 0 && managed {
			m.SetWriteable()
		}

		s.mu.Unlock()
		e.pvLock.Unlock()
		return nil
	}
}

// enterQuick maps va to m read-only or read/execute unless va is already
// mapped. Reverse-map entries are only taken if available without reclaim.
// The reverse-map lock and the lock of s must be held.
func (e *Engine) enterQuick(s *AddressSpace, va uintptr, m *pmm.Page, prot Prot) {
	pte := e.findPTE(s, va)
	if pte == nil || pte.bits().present() {
		return
	}

	managed := false
	if m.Managed() {
		pv := e.acquirePV(s, true)
		if pv == nil {
			e.freePTE(pte, va)
			return
		}
		e.insertPV(m, va, pv)
		managed = true
	}

	rid := s.ridFor(va)
	s.addResident(1)
	e.vhpt.insert(pte, rid, va)

	pte.setProt(prot&(ProtRead|ProtExecute), s.isKernel())
	pte.setAttr(e.pageMD(m).attr())
	e.setPTE(pte, rid, va, m.PhysAddr(), false, managed)

	if prot&ProtExecute != 0 {
		e.hw.SyncICache(va, mm.PageSize)
	}
}

// EnterQuick maps va to m with at most read and execute access, leaving any
// existing translation in place. It never waits and never reclaims.
func (s *AddressSpace) EnterQuick(va uintptr, m *pmm.Page, prot Prot) {
	e := s.e
	e.pvLock.Lock()
	s.mu.Lock()
	e.enterQuick(s, mm.TruncPage(va), m, prot)
	s.mu.Unlock()
	e.pvLock.Unlock()
}

// EnterObject maps the consecutive pages of an object starting at start with
// at most read and execute access. Pages that are nil are skipped and
// existing translations are kept. Mapping stops at end.
func (s *AddressSpace) EnterObject(start, end uintptr, pages []*pmm.Page, prot Prot) {
	e := s.e
	start = mm.TruncPage(start)

	e.pvLock.Lock()
	s.mu.Lock()
	for i, m := range pages {
		va := start + uintptr(i)*mm.PageSize
		if va >= end {
			break
		}
		if m == nil {
			continue
		}
		e.enterQuick(s, va, m, prot)
	}
	s.mu.Unlock()
	e.pvLock.Unlock()
}
