package vmm

import (
	"sync/atomic"

	"ia64vm/kernel/mm"
)

// pteBits is the first word of a long format translation entry.
type pteBits uint64

const (
	ptePresent  pteBits = 0x0000000000000001
	pteMAMask   pteBits = 0x000000000000001c
	pteAccessed pteBits = 0x0000000000000020
	pteDirty    pteBits = 0x0000000000000040
	ptePLMask   pteBits = 0x0000000000000180
	ptePLKern   pteBits = 0x0000000000000000
	ptePLUser   pteBits = 0x0000000000000180
	pteARMask   pteBits = 0x0000000000000e00
	pteARR      pteBits = 0x0000000000000000
	pteARRX     pteBits = 0x0000000000000200
	pteARRW     pteBits = 0x0000000000000400
	pteARRWX    pteBits = 0x0000000000000600
	ptePPNMask  pteBits = 0x0003fffffffff000
	pteED       pteBits = 0x0010000000000000

	// Software bits ignored by the hardware walker.
	pteWired    pteBits = 0x0020000000000000
	pteManaged  pteBits = 0x0040000000000000
	pteProtMask pteBits = 0x0700000000000000

	pteProtShift = 56

	// pteKeepMask selects the fields preserved when a translation is
	// (re)installed.
	pteKeepMask = pteProtMask | pteMAMask | ptePLMask | pteARMask | pteED

	// invalidTag is a tag no translation ever carries.
	invalidTag = uint64(1) << 63

	// pageItir encodes the base page size in the itir word.
	pageItir = uint64(mm.PageShift) << 2
)

// prot2ar maps the write and execute bits of a Prot to access rights.
var prot2ar = [4]pteBits{
	pteARR,
	pteARRW,
	pteARRX | pteED,
	pteARRWX | pteED,
}

func (b pteBits) present() bool  { return b&ptePresent != 0 }
func (b pteBits) accessed() bool { return b&pteAccessed != 0 }
func (b pteBits) dirty() bool    { return b&pteDirty != 0 }
func (b pteBits) wired() bool    { return b&pteWired != 0 }
func (b pteBits) managed() bool  { return b&pteManaged != 0 }

// prot returns the access rights recorded when the entry was installed.
func (b pteBits) prot() Prot { return Prot((b & pteProtMask) >> pteProtShift) }

// exec returns true if the recorded rights allow instruction fetch.
func (b pteBits) exec() bool { return b.prot()&ProtExecute != 0 }

// ppn returns the physical address of the mapped frame.
func (b pteBits) ppn() uintptr { return uintptr(b & ptePPNMask) }

func (b pteBits) attr() MemAttr { return MemAttr(b & pteMAMask) }

// pageTableEntry is a long format translation entry. Words are accessed
// atomically since the miss handler reads and updates them without taking
// any software lock.
type pageTableEntry struct {
	pte   uint64
	itir  uint64
	tag   uint64
	chain uint64

	// pa is the physical address of the entry itself. It is the value
	// stored in chain links.
	pa uint64
}

func (e *pageTableEntry) bits() pteBits { return pteBits(atomic.LoadUint64(&e.pte)) }

func (e *pageTableEntry) loadTag() uint64 { return atomic.LoadUint64(&e.tag) }

func (e *pageTableEntry) storeTag(tag uint64) { atomic.StoreUint64(&e.tag, tag) }

func (e *pageTableEntry) loadChain() uint64 { return atomic.LoadUint64(&e.chain) }

func (e *pageTableEntry) storeChain(pa uint64) { atomic.StoreUint64(&e.chain, pa) }

// update atomically replaces the first word with fn(old).
func (e *pageTableEntry) update(fn func(pteBits) pteBits) pteBits {
	for {
		old := atomic.LoadUint64(&e.pte)
		next := uint64(fn(pteBits(old)))
		if old == next || atomic.CompareAndSwapUint64(&e.pte, old, next) {
			return pteBits(next)
		}
	}
}

func (e *pageTableEntry) setBits(mask pteBits) {
	e.update(func(b pteBits) pteBits { return b | mask })
}

func (e *pageTableEntry) clearBits(mask pteBits) {
	e.update(func(b pteBits) pteBits { return b &^ mask })
}

// testAndClear clears mask and returns true if any of its bits were set.
func (e *pageTableEntry) testAndClear(mask pteBits) bool {
	for {
		old := atomic.LoadUint64(&e.pte)
		if pteBits(old)&mask == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&e.pte, old, old&^uint64(mask)) {
			return true
		}
	}
}

func (e *pageTableEntry) clearPresent()  { e.clearBits(ptePresent) }
func (e *pageTableEntry) clearAccessed() { e.clearBits(pteAccessed) }
func (e *pageTableEntry) clearDirty()    { e.clearBits(pteDirty) }
func (e *pageTableEntry) clearWired()    { e.clearBits(pteWired) }

// setProt records prot and derives the privilege level and access rights
// from it. Kernel mappings and mappings without access use the kernel
// privilege level.
func (e *pageTableEntry) setProt(prot Prot, kernel bool) {
	prot &= ProtAll
	pl := ptePLUser
	if prot == ProtNone || kernel {
		pl = ptePLKern
	}
	ar := prot2ar[prot>>1]

	e.update(func(b pteBits) pteBits {
		b &^= pteProtMask | ptePLMask | pteARMask | pteED
		return b | pteBits(prot)<<pteProtShift | pl | ar
	})
}

func (e *pageTableEntry) setAttr(ma MemAttr) {
	e.update(func(b pteBits) pteBits {
		return b&^pteMAMask | pteBits(ma)&pteMAMask
	})
}

// fill writes the translation fields of the entry. The tag is left to the
// caller so that it can be published last.
func (e *pageTableEntry) fill(pa uintptr, wired, managed bool) {
	e.update(func(b pteBits) pteBits {
		b = b&pteKeepMask | ptePresent
		if managed {
			b |= pteManaged
		} else {
			b |= pteDirty | pteAccessed
		}
		if wired {
			b |= pteWired
		}
		return b | pteBits(pa)&ptePPNMask
	})
	atomic.StoreUint64(&e.itir, pageItir)
}

// reset returns the entry to its freshly allocated state.
func (e *pageTableEntry) reset() {
	atomic.StoreUint64(&e.pte, 0)
	atomic.StoreUint64(&e.itir, 0)
	atomic.StoreUint64(&e.chain, 0)
	e.storeTag(invalidTag)
}

// vpnOf returns the virtual page number of va within its region.
func vpnOf(va uintptr) uint64 {
	return uint64(mm.RegionOffset(va)&(1<<mm.ImplVABits-1)) >> mm.PageShift
}

// translationTag returns the tag that identifies the translation of va under
// rid (ttag).
func translationTag(rid uint32, va uintptr) uint64 {
	return uint64(rid)<<(mm.ImplVABits-mm.PageShift) | vpnOf(va)
}
