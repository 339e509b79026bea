package vmm

import (
	"math/bits"

	"ia64vm/kernel/mm/pmm"
)

// reclaimResult is the outcome of evicting the mappings of one chunk.
type reclaimResult uint8

const (
	// reclaimNone means every live entry of the chunk is wired.
	reclaimNone reclaimResult = iota

	// reclaimPartial means some entries were freed but the chunk still
	// has live ones.
	reclaimPartial

	// reclaimEmptied means the chunk is now empty and its page is free for
	// the caller to reuse.
	reclaimEmptied
)

// reclaimPV frees reverse-map entries by destroying the unwired mappings of
// the least recently allocated chunks. It stops as soon as it frees an entry
// owned by locked or empties a chunk, whose page is returned. The second
// return value reports whether any entry was freed.
//
// The walk locks the owner of each chunk it visits. Owners ordered after
// locked are locked unconditionally; owners ordered before it are only
// try-locked and their chunks are deferred to a second pass when that
// fails. The reverse-map lock and the lock of locked must be held.
func (e *Engine) reclaimPV(locked *AddressSpace) (*pmm.Page, bool) {
	var (
		newtail  = newTailq(chunkLRULink)
		deferred = newTailq(chunkLRULink)
		owner    *AddressSpace
		progress bool
		page     *pmm.Page
	)

	releaseOwner := func() {
		if owner != nil && owner != locked {
			owner.mu.Unlock()
		}
		owner = nil
	}

phase1:
	for pc := e.pvLRU.first(); pc != nil; pc = e.pvLRU.first() {
		e.pvLRU.remove(pc)

		if pc.owner != owner {
			releaseOwner()
			switch s := pc.owner; {
			case s == locked:
			case s.id > locked.id:
				s.mu.Lock()
			case !s.mu.TryLock():
				deferred.insertTail(pc)
				continue
			}
			owner = pc.owner
		}

		switch e.reclaimChunk(pc, &newtail) {
		case reclaimNone:
			continue
		case reclaimPartial:
			progress = true
			if owner == locked {
				break phase1
			}
		case reclaimEmptied:
			progress = true
			page = pc.page
			break phase1
		}
	}
	releaseOwner()

	// Second pass over the chunks whose owner could not be locked in
	// order. Nothing is ever waited for here.
	for pc := deferred.first(); pc != nil; pc = deferred.first() {
		deferred.remove(pc)
		if page != nil || !pc.owner.mu.TryLock() {
			newtail.insertTail(pc)
			continue
		}

		switch e.reclaimChunk(pc, &newtail) {
		case reclaimPartial:
			progress = true
		case reclaimEmptied:
			progress = true
			page = pc.page
		}
		pc.owner.mu.Unlock()
	}

	e.pvLRU.concat(&newtail)
	return page, progress
}

// reclaimChunk evicts the unwired mappings recorded in pc, which must be off
// the LRU list. Chunks that keep live entries are queued on newtail. The
// lock of the chunk's owner must be held.
func (e *Engine) reclaimChunk(pc *pvChunk, newtail *tailq[pvChunk]) reclaimResult {
	if e.evictUnwired(pc) == 0 {
		newtail.insertTail(pc)
		return reclaimNone
	}

	pc.unlinkFromOwner()
	if pc.inUse != 0 {
		pc.owner.partial.insertHead(pc)
		newtail.insertTail(pc)
		return reclaimPartial
	}

	e.pvStats.Spare -= pvChunkEntries
	e.pvStats.Chunks--
	e.pvStats.ChunkFrees++
	return reclaimEmptied
}

// evictUnwired destroys every unwired mapping recorded in pc and returns how
// many were destroyed. The chunk stays on the lists it is on. The lock of
// the chunk's owner must be held.
func (e *Engine) evictUnwired(pc *pvChunk) int {
	s := pc.owner
	freed := 0

	for field := range pc.free {
		for inuse := ^pc.free[field] & chunkFreeMask(field); inuse != 0; {
			bit := bits.TrailingZeros64(inuse)
			inuse &^= 1 << uint(bit)

			pv := &pc.entries[field*64+bit]
			rid := s.ridFor(pv.va)
			pte := e.vhpt.find(rid, pv.va)
			if pte == nil {
				panicFn(errPVNoPTE)
				return freed
			}
			if pte.bits().wired() {
				continue
			}

			e.vhpt.remove(rid, pv.va)
			e.invalidatePage(rid, pv.va)

			b := pte.bits()
			m := e.mem.PageFromAddress(b.ppn())
			if b.accessed() {
				m.SetReferenced()
			}
			if b.dirty() {
				m.SetDirty()
			}
			e.freePTE(pte, pv.va)

			md := e.pageMD(m)
			md.pvList.remove(pv)
			if md.pvList.empty() {
				m.ClearWriteable()
			}

			pv.va = 0
			pc.free[field] |= 1 << uint(bit)
			freed++
		}
	}

	s.addResident(-freed)
	pc.inUse -= freed
	e.pvStats.EntryFrees += uint64(freed)
	e.pvStats.Spare += freed
	e.pvStats.Entries -= freed
	return freed
}
