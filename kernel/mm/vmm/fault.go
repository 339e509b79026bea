package vmm

import (
	"sync/atomic"

	"ia64vm/kernel"
	"ia64vm/kernel/cpu"
	"ia64vm/kernel/mm"
)

var (
	// ErrPageFault is returned by HandleMiss when no translation exists.
	ErrPageFault = &kernel.Error{Module: "vmm", Message: "page not present"}

	// ErrAccessRights is returned by HandleMiss when the translation does
	// not grant the requested access.
	ErrAccessRights = &kernel.Error{Module: "vmm", Message: "access rights violation"}
)

// grantedBy returns the rights encoded in the access rights field of b.
func grantedBy(b pteBits) Prot {
	switch b & pteARMask {
	case pteARRX:
		return ProtRead | ProtExecute
	case pteARRW:
		return ProtRead | ProtWrite
	case pteARRWX:
		return ProtAll
	}
	return ProtRead
}

// allows returns true if b is present and grants access at the requested
// privilege level.
func allows(b pteBits, access Prot, user bool) bool {
	if !b.present() {
		return false
	}
	if user && b&ptePLMask != ptePLUser {
		return false
	}
	return access&^grantedBy(b) == 0
}

// satisfies returns true if a cached translation can serve access without
// updating its accessed and dirty bits.
func satisfies(b pteBits, access Prot, user bool) bool {
	if !allows(b, access, user) || !b.accessed() {
		return false
	}
	return access&ProtWrite == 0 || b.dirty()
}

// HandleMiss resolves a translation miss raised on p for va. It is the
// software counterpart of the VHPT walker: the processor's head entry is
// tried first, then the collision chain is walked under the bucket lock.
// The accessed bit, and for writes the dirty bit, of the translation are set
// and it is inserted in the TLB of p. Direct-mapped addresses never miss.
func (e *Engine) HandleMiss(p *cpu.Processor, va uintptr, access Prot, user bool) *kernel.Error {
	if mm.IsDirectMapped(va) {
		return nil
	}
	va = mm.TruncPage(va)

	var (
		cpuID = p.ID()
		rid   = p.RegionID(mm.RegionOf(va))
		tag   = translationTag(rid, va)
		idx   = e.vhpt.hash(rid, va)
		head  = e.vhpt.head(cpuID, idx)
	)

	if cached, ok := e.hw.LookupTranslation(cpuID, rid, va); ok && satisfies(pteBits(cached), access, user) {
		return nil
	}

	if head.loadTag() == tag {
		var (
			b    = head.bits()
			itir = atomic.LoadUint64(&head.itir)
		)
		if satisfies(b, access, user) {
			e.hw.InsertTranslation(cpuID, rid, va, uint64(b), itir)
			if head.loadTag() == tag {
				return nil
			}
			e.hw.PurgeLocal(cpuID, rid, va, uint(mm.PageShift))
		}
	}

	bucket := e.vhpt.bucketAt(head.loadChain())
	if bucket == nil {
		return ErrPageFault
	}

	set := pteAccessed
	if access&ProtWrite != 0 {
		set |= pteDirty
	}

	bucket.lock.Acquire()
	defer bucket.lock.Release()

	for {
		pte := e.vhpt.walk(bucket, tag)
		if pte == nil || !pte.bits().present() {
			return ErrPageFault
		}
		if !allows(pte.bits(), access, user) {
			return ErrAccessRights
		}

		var (
			b    = pte.update(func(b pteBits) pteBits { return b | set })
			itir = atomic.LoadUint64(&pte.itir)
		)

		head.storeTag(invalidTag)
		atomic.StoreUint64(&head.pte, uint64(b))
		atomic.StoreUint64(&head.itir, itir)
		e.hw.Fence()
		head.storeTag(tag)
		e.hw.InsertTranslation(cpuID, rid, va, uint64(b), itir)

		// A concurrent change to the entry is followed by an invalidation
		// that may have run before the insertion above.
		if pte.bits() == b && pte.loadTag() == tag {
			return nil
		}
		atomic.CompareAndSwapUint64(&head.tag, tag, invalidTag)
		e.hw.PurgeLocal(cpuID, rid, va, uint(mm.PageShift))
	}
}
