package vmm

import (
	"sync"
	"sync/atomic"

	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
)

// pteSlab is a frame worth of translation entries.
type pteSlab struct {
	page    *pmm.Page
	entries [ptesPerPage]pageTableEntry
}

// entryArena resolves the physical address of a translation entry, as
// stored in chain links, back to the entry. Slabs are indexed by the frame
// that backs them and are never released.
type entryArena struct {
	slabs []atomic.Pointer[pteSlab]
}

func newEntryArena(frames int) *entryArena {
	return &entryArena{slabs: make([]atomic.Pointer[pteSlab], frames)}
}

// carve formats page as a slab of free entries and publishes it.
func (a *entryArena) carve(page *pmm.Page) *pteSlab {
	slab := &pteSlab{page: page}
	base := uint64(page.PhysAddr())
	for i := range slab.entries {
		slab.entries[i].pa = base + uint64(i*pageTableEntrySize)
		slab.entries[i].reset()
	}
	a.slabs[page.Frame()].Store(slab)
	return slab
}

// entryAt returns the entry located at pa or nil if pa does not name one.
func (a *entryArena) entryAt(pa uint64) *pageTableEntry {
	f := mm.FrameFromAddress(uintptr(pa))
	if int(f) >= len(a.slabs) || pa&(pageTableEntrySize-1) != 0 {
		return nil
	}
	slab := a.slabs[f].Load()
	if slab == nil {
		return nil
	}
	return &slab.entries[(uintptr(pa)&mm.PageMask)/pageTableEntrySize]
}

// pteZone hands out translation entries for user mappings. Its slabs are
// never returned to physical memory.
type pteZone struct {
	mu    sync.Mutex
	cond  *sync.Cond
	arena *entryArena
	mem   *pmm.Memory

	free  []*pageTableEntry
	inUse int
	slabs int

	// limit caps the number of entries in use; zero means no cap.
	limit int
}

func newPTEZone(arena *entryArena, mem *pmm.Memory, limit int) *pteZone {
	z := &pteZone{arena: arena, mem: mem, limit: limit}
	z.cond = sync.NewCond(&z.mu)
	return z
}

// alloc returns a reset entry or nil when either the zone limit is reached
// or no frame is available for a new slab. It never blocks.
func (z *pteZone) alloc() *pageTableEntry {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.limit > 0 && z.inUse >= z.limit {
		return nil
	}

	if len(z.free) == 0 {
		page, err := z.mem.AllocFrame(pmm.AllocWired | pmm.AllocUnmanaged)
		if err != nil {
			return nil
		}
		slab := z.arena.carve(page)
		for i := len(slab.entries) - 1; i >= 0; i-- {
			z.free = append(z.free, &slab.entries[i])
		}
		z.slabs++
	}

	e := z.free[len(z.free)-1]
	z.free = z.free[:len(z.free)-1]
	z.inUse++
	e.reset()
	return e
}

// release returns e to the zone. The tag is left as is until the entry is
// allocated again.
func (z *pteZone) release(e *pageTableEntry) {
	z.mu.Lock()
	z.free = append(z.free, e)
	z.inUse--
	z.cond.Broadcast()
	z.mu.Unlock()
}

// wait blocks until a later alloc may succeed.
func (z *pteZone) wait() {
	z.mu.Lock()
	if z.limit > 0 && z.inUse >= z.limit {
		for z.inUse >= z.limit {
			z.cond.Wait()
		}
		z.mu.Unlock()
		return
	}
	z.mu.Unlock()
	z.mem.Wait()
}

// stats returns the entries in use and the slabs carved so far.
func (z *pteZone) stats() (inUse, slabs int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.inUse, z.slabs
}
