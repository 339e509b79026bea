package vmm

import (
	"sync"
	"sync/atomic"

	"ia64vm/kernel"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
)

var (
	errKernelVAExhausted = &kernel.Error{Module: "vmm", Message: "out of kernel address space"}
	errNoDirectoryPage   = &kernel.Error{Module: "vmm", Message: "cannot allocate kernel page table page"}
	errKernelVARange     = &kernel.Error{Module: "vmm", Message: "kernel address outside the grown kernel region"}
)

// kptDir1 is the second directory level. Its leaves are slabs of translation
// entries.
type kptDir1 struct {
	page   *pmm.Page
	leaves [kptDirEntries]atomic.Pointer[pteSlab]
}

// kernelDirectory maps the region 5 kernel address space through a two
// level directory of translation entry pages. It only ever grows.
type kernelDirectory struct {
	mu    sync.Mutex
	dir0  [kptDirEntries]atomic.Pointer[kptDir1]
	arena *entryArena
	mem   *pmm.Memory

	nkpt     int
	maxPages int

	// end is the first address not yet backed by a leaf.
	end uintptr
}

func newKernelDirectory(arena *entryArena, mem *pmm.Memory, maxPages int) *kernelDirectory {
	if maxPages <= 0 {
		maxPages = defaultMaxKernelPTPages
	}
	return &kernelDirectory{
		arena:    arena,
		mem:      mem,
		maxPages: maxPages,
		end:      mm.KernelBase,
	}
}

func kptDir0Index(va uintptr) uintptr { return (va >> kptDir0Shift) & kptDirMask }
func kptDir1Index(va uintptr) uintptr { return (va >> kptDir1Shift) & kptDirMask }
func kptePageIndex(va uintptr) uintptr { return (va >> kptePageShift) & kptePageMask }

// vmEnd returns the end of the grown kernel address space.
func (d *kernelDirectory) vmEnd() uintptr {
	return atomic.LoadUintptr(&d.end)
}

// find returns the entry describing va. Addresses outside the grown part of
// region 5 are a fatal error.
func (d *kernelDirectory) find(va uintptr) *pageTableEntry {
	if mm.RegionOf(va) != mm.KernelRegion || va >= d.vmEnd() {
		panicFn(errKernelVARange)
		return nil
	}

	dir1 := d.dir0[kptDir0Index(va)].Load()
	if dir1 == nil {
		return nil
	}
	leaf := dir1.leaves[kptDir1Index(va)].Load()
	if leaf == nil {
		return nil
	}
	return &leaf.entries[kptePageIndex(va)]
}

// lookup is find without the range check. It returns nil for addresses not
// backed by a leaf.
func (d *kernelDirectory) lookup(va uintptr) *pageTableEntry {
	if mm.RegionOf(va) != mm.KernelRegion || va >= d.vmEnd() {
		return nil
	}
	return d.find(va)
}

// grow backs the kernel address space with leaves until it covers addr.
func (d *kernelDirectory) grow(addr uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := d.end
	for end <= addr {
		if d.nkpt >= d.maxPages {
			panicFn(errKernelVAExhausted)
			return
		}

		dir1 := d.dir0[kptDir0Index(end)].Load()
		if dir1 == nil {
			dir1 = &kptDir1{page: d.allocPage()}
			if dir1.page == nil {
				return
			}
			d.nkpt++
			d.dir0[kptDir0Index(end)].Store(dir1)
		}

		page := d.allocPage()
		if page == nil {
			return
		}
		d.nkpt++
		dir1.leaves[kptDir1Index(end)].Store(d.arena.carve(page))

		end += nkptePage
		atomic.StoreUintptr(&d.end, end)
	}
}

func (d *kernelDirectory) allocPage() *pmm.Page {
	page, err := d.mem.AllocFrame(pmm.AllocWired | pmm.AllocZero | pmm.AllocUnmanaged)
	if err != nil {
		panicFn(errNoDirectoryPage)
		return nil
	}
	return page
}

// pages returns the number of directory and leaf pages allocated so far.
func (d *kernelDirectory) pages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nkpt
}
