package vmm

import (
	"ia64vm/kernel/kfmt"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
	"ia64vm/kernel/pal"
)

// GrowKernel extends the kernel address space so that it covers addr.
// Running out of directory pages or address space is fatal.
func (e *Engine) GrowKernel(addr uintptr) {
	e.kdir.grow(addr)
}

// KernelVMEnd returns the end of the usable kernel address space.
func (e *Engine) KernelVMEnd() uintptr { return e.kdir.vmEnd() }

// kenter installs an unmanaged kernel translation. Only the bucket lock is
// taken; callers own the address.
func (e *Engine) kenter(va, pa uintptr, attr MemAttr) {
	var (
		pte = e.kdir.find(va)
		rid = e.kernel.ridFor(va)
	)
	if pte == nil {
		return
	}

	present := pte.bits().present()
	if !present {
		e.vhpt.insert(pte, rid, va)
	}
	pte.setProt(ProtAll, true)
	pte.setAttr(attr)
	e.setPTE(pte, rid, va, pa, false, false)
	if present {
		e.invalidatePage(rid, va)
	}
}

// kremove tears down a kernel translation installed by kenter.
func (e *Engine) kremove(va uintptr) {
	pte := e.kdir.find(va)
	if pte == nil || !pte.bits().present() {
		return
	}

	rid := e.kernel.ridFor(va)
	if !e.vhpt.remove(rid, va) {
		panicFn(errVHPTNotFound)
		return
	}
	e.invalidatePage(rid, va)
	pte.clearPresent()
}

// KEnter maps the kernel address va to pa with every access right.
func (e *Engine) KEnter(va, pa uintptr) {
	e.kenter(mm.TruncPage(va), pa, MemAttrWriteBack)
}

// KRemove removes the kernel translation of va.
func (e *Engine) KRemove(va uintptr) {
	e.kremove(mm.TruncPage(va))
}

// QEnter maps pages at consecutive kernel addresses starting at va.
func (e *Engine) QEnter(va uintptr, pages []*pmm.Page) {
	va = mm.TruncPage(va)
	for i, m := range pages {
		e.kenter(va+uintptr(i)*mm.PageSize, m.PhysAddr(), e.pageMD(m).attr())
	}
}

// QRemove removes count consecutive kernel translations starting at va.
func (e *Engine) QRemove(va uintptr, count int) {
	va = mm.TruncPage(va)
	for i := 0; i < count; i++ {
		e.kremove(va + uintptr(i)*mm.PageSize)
	}
}

// KExtract returns the physical address backing the kernel address va, or 0
// if va is not mapped.
func (e *Engine) KExtract(va uintptr) uintptr {
	switch {
	case mm.IsDirectMapped(va):
		return mm.RegionOffset(va)
	case mm.RegionOf(va) == mm.KernelRegion && va < e.kdir.vmEnd():
		pte := e.kdir.find(va)
		if pte == nil || !pte.bits().present() {
			return 0
		}
		return pte.bits().ppn() | va&mm.PageMask
	}

	kfmt.Fprintf(e.log, "kextract: va=0x%x is invalid\n", va)
	return 0
}

// MapDirect returns the cacheable direct-mapped address of the physical
// range starting at start.
func (e *Engine) MapDirect(start uintptr) uintptr {
	return mm.PhysToRR7(start)
}

// MapDev returns a direct-mapped address for the device range [pa, pa+size).
// Write-back ranges use the cacheable region. Ranges inside physical memory
// are refused with a zero address.
func (e *Engine) MapDev(pa, size uintptr, attr MemAttr) uintptr {
	if mm.FrameFromAddress(pa) < mm.Frame(e.mem.TotalFrames()) {
		kfmt.Fprintf(e.log, "mapdev: [0x%x..0x%x] is in DRAM\n", pa, pa+size-1)
		return 0
	}
	if attr == MemAttrWriteBack {
		return mm.PhysToRR7(pa)
	}
	return mm.PhysToRR6(pa)
}

// PageToVA returns the direct-mapped address of m that matches its memory
// attribute.
func (e *Engine) PageToVA(m *pmm.Page) uintptr {
	if e.pageMD(m).attr() == MemAttrUncacheable {
		return mm.PhysToRR6(m.PhysAddr())
	}
	return mm.PhysToRR7(m.PhysAddr())
}

// PageInit resets the machine-dependent state of a page before it is first
// used.
func (e *Engine) PageInit(m *pmm.Page) {
	e.pageMD(m).setAttr(MemAttrWriteBack)
}

// ZeroPage clears the contents of m.
func (e *Engine) ZeroPage(m *pmm.Page) {
	e.mem.Zero(m, 0, mm.PageSize)
}

// ZeroPageArea clears size bytes of m starting at off.
func (e *Engine) ZeroPageArea(m *pmm.Page, off, size uintptr) {
	e.mem.Zero(m, off, size)
}

// CopyPage copies the contents of src to dst.
func (e *Engine) CopyPage(src, dst *pmm.Page) {
	e.mem.Copy(dst, src)
}

// CopyPages copies n bytes from the byte offset aOff of the page run ma to
// the byte offset bOff of the page run mb.
func (e *Engine) CopyPages(ma []*pmm.Page, aOff uintptr, mb []*pmm.Page, bOff uintptr, n uintptr) {
	for n > 0 {
		var (
			aPage = aOff & mm.PageMask
			bPage = bOff & mm.PageMask
			cnt   = n
		)
		if room := mm.PageSize - aPage; cnt > room {
			cnt = room
		}
		if room := mm.PageSize - bPage; cnt > room {
			cnt = room
		}

		src := e.mem.Bytes(ma[aOff>>mm.PageShift])
		dst := e.mem.Bytes(mb[bOff>>mm.PageShift])
		copy(dst[bPage:bPage+cnt], src[aPage:aPage+cnt])

		aOff += cnt
		bOff += cnt
		n -= cnt
	}
}

// AlignSuperpage returns addr unchanged; only base pages are mapped.
func (e *Engine) AlignSuperpage(offset, addr, size uintptr) uintptr {
	return addr
}

// firmwareOnEachCPU runs a firmware procedure on every processor.
func (e *Engine) firmwareOnEachCPU(proc pal.Proc) {
	for cpuID := 0; cpuID < e.hw.NumCPU(); cpuID++ {
		e.fw.Call(cpuID, proc, 0, 0, 0)
	}
}
