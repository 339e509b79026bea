package vmm

import (
	"math/bits"
	"sync/atomic"

	"ia64vm/kernel"
	"ia64vm/kernel/mm/pmm"
)

var (
	errPVNoPTE        = &kernel.Error{Module: "vmm", Message: "reverse map entry without translation entry"}
	errPVInconsistent = &kernel.Error{Module: "vmm", Message: "pv_table: pte and page disagree"}
	errPVNotFound     = &kernel.Error{Module: "vmm", Message: "reverse map entry not found"}
)

// pvEntry records one virtual mapping of a managed page.
type pvEntry struct {
	va    uintptr
	chunk *pvChunk
	slot  uint16
	link  link[pvEntry]
}

// pvChunk is a frame worth of reverse-map entries owned by one address
// space. A set bit in free marks an unused slot.
type pvChunk struct {
	owner *AddressSpace
	page  *pmm.Page
	free  [pvChunkWords]uint64
	inUse int
	full  bool

	spaceLink link[pvChunk]
	lruLink   link[pvChunk]

	entries [pvChunkEntries]pvEntry
}

func pvListLink(pv *pvEntry) *link[pvEntry]     { return &pv.link }
func chunkSpaceLink(pc *pvChunk) *link[pvChunk] { return &pc.spaceLink }
func chunkLRULink(pc *pvChunk) *link[pvChunk]   { return &pc.lruLink }

// chunkFreeMask returns the valid bits of bitmap word field.
func chunkFreeMask(field int) uint64 {
	if field == pvChunkWords-1 {
		return pvChunkLastMask
	}
	return ^uint64(0)
}

// PVStats counts reverse-map pool activity.
type PVStats struct {
	Chunks        int
	ChunkAllocs   uint64
	ChunkFrees    uint64
	ChunkTryFails uint64
	Entries       int
	EntryAllocs   uint64
	EntryFrees    uint64
	Spare         int
}

// pageMD is the machine-dependent state of a physical page. The reverse-map
// list is guarded by the reverse-map lock.
type pageMD struct {
	pvList  tailq[pvEntry]
	memattr uint32
}

func (md *pageMD) attr() MemAttr { return MemAttr(atomic.LoadUint32(&md.memattr)) }

func (md *pageMD) setAttr(attr MemAttr) { atomic.StoreUint32(&md.memattr, uint32(attr)) }

func (e *Engine) pageMD(m *pmm.Page) *pageMD { return &e.pages[m.Frame()] }

func newPVChunk(owner *AddressSpace, page *pmm.Page) *pvChunk {
	pc := &pvChunk{owner: owner, page: page}
	for i := range pc.free {
		pc.free[i] = chunkFreeMask(i)
	}
	for i := range pc.entries {
		pc.entries[i].chunk = pc
		pc.entries[i].slot = uint16(i)
	}
	return pc
}

// freeSlots returns the number of set bits in the free bitmap.
func (pc *pvChunk) freeSlots() int {
	n := 0
	for _, w := range pc.free {
		n += bits.OnesCount64(w)
	}
	return n
}

// claim takes the first free slot. It returns nil if the chunk is full.
func (pc *pvChunk) claim() *pvEntry {
	for field, w := range pc.free {
		if w == 0 {
			continue
		}
		bit := bits.TrailingZeros64(w)
		pc.free[field] &^= 1 << uint(bit)
		pc.inUse++
		return &pc.entries[field*64+bit]
	}
	return nil
}

// unlinkFromOwner removes pc from whichever list of its owner holds it.
func (pc *pvChunk) unlinkFromOwner() {
	if pc.full {
		pc.owner.full.remove(pc)
		pc.full = false
		return
	}
	pc.owner.partial.remove(pc)
}

// acquirePV returns an unused reverse-map entry owned by s. New chunks are
// allocated when s has none with a free slot; unless try is set, reclaim is
// used when physical memory is exhausted. A nil return means no entry could
// be found. The reverse-map lock and the lock of s must be held.
func (e *Engine) acquirePV(s *AddressSpace, try bool) *pvEntry {
	for {
		if pc := s.partial.first(); pc != nil {
			pv := pc.claim()
			if pc.inUse == pvChunkEntries {
				s.partial.remove(pc)
				s.full.insertTail(pc)
				pc.full = true
			}
			e.pvStats.EntryAllocs++
			e.pvStats.Entries++
			e.pvStats.Spare--
			return pv
		}

		page, err := e.mem.AllocFrame(pmm.AllocWired | pmm.AllocUnmanaged)
		if err != nil {
			if try {
				e.pvStats.ChunkTryFails++
				return nil
			}

			var progress bool
			if page, progress = e.reclaimPV(s); page == nil {
				if progress {
					continue
				}
				return nil
			}
		}

		pc := newPVChunk(s, page)
		pv := pc.claim()
		e.pvLRU.insertTail(pc)
		s.partial.insertHead(pc)

		e.pvStats.Chunks++
		e.pvStats.ChunkAllocs++
		e.pvStats.EntryAllocs++
		e.pvStats.Entries++
		e.pvStats.Spare += pvChunkEntries - 1
		return pv
	}
}

// releasePV returns pv to its chunk. A chunk left without entries is freed.
// The reverse-map lock and the lock of the owning space must be held.
func (e *Engine) releasePV(pv *pvEntry) {
	pc := pv.chunk
	pc.free[pv.slot/64] |= 1 << (pv.slot % 64)
	pc.inUse--
	pv.va = 0

	e.pvStats.EntryFrees++
	e.pvStats.Entries--
	e.pvStats.Spare++

	pc.unlinkFromOwner()
	if pc.inUse != 0 {
		pc.owner.partial.insertHead(pc)
		return
	}
	e.freePVChunk(pc)
}

// freePVChunk returns an empty chunk to physical memory. The chunk must no
// longer be on its owner's lists.
func (e *Engine) freePVChunk(pc *pvChunk) {
	e.pvLRU.remove(pc)
	e.pvStats.Chunks--
	e.pvStats.ChunkFrees++
	e.pvStats.Spare -= pvChunkEntries
	e.mem.FreeFrame(pc.page)
}

// insertPV records that va maps m. The owner of pv is the address space.
func (e *Engine) insertPV(m *pmm.Page, va uintptr, pv *pvEntry) {
	pv.va = va
	e.pageMD(m).pvList.insertTail(pv)
}

// removeEntry drops the reverse-map entry recording that va in s maps m.
// If pv is nil it is looked up in the page's list.
func (e *Engine) removeEntry(s *AddressSpace, m *pmm.Page, va uintptr, pv *pvEntry) {
	md := e.pageMD(m)
	if pv == nil {
		for pv = md.pvList.first(); pv != nil; pv = md.pvList.next(pv) {
			if pv.chunk.owner == s && pv.va == va {
				break
			}
		}
		if pv == nil {
			panicFn(errPVNotFound)
			return
		}
	}

	md.pvList.remove(pv)
	if md.pvList.empty() {
		m.ClearWriteable()
	}
	e.releasePV(pv)
}

// PVStats returns a snapshot of the reverse-map pool counters.
func (e *Engine) PVStats() PVStats {
	e.pvLock.Lock()
	defer e.pvLock.Unlock()
	return e.pvStats
}
