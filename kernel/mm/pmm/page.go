package pmm

import (
	"sync/atomic"

	"ia64vm/kernel/mm"
)

const (
	aflagReferenced uint32 = 1 << iota
	aflagWriteable
)

// Page is the descriptor of one physical frame. The dirty and access flags
// are updated atomically; the remaining fields follow the locking rules of
// the code that owns the page.
type Page struct {
	frame mm.Frame

	aflags    uint32
	dirty     uint32
	unmanaged bool
	allocated bool

	busy      int32
	wireCount int32
	holdCount int32
}

// Frame returns the frame described by this page.
func (p *Page) Frame() mm.Frame { return p.frame }

// PhysAddr returns the physical address of the first byte of the page.
func (p *Page) PhysAddr() uintptr { return p.frame.Address() }

// Managed returns false for pages that are never tracked by reverse maps
// (device and firmware memory).
func (p *Page) Managed() bool { return !p.unmanaged }

// Dirty returns true if the page has been modified since it was last cleaned.
func (p *Page) Dirty() bool { return atomic.LoadUint32(&p.dirty) != 0 }

// SetDirty marks the page as modified.
func (p *Page) SetDirty() { atomic.StoreUint32(&p.dirty, 1) }

// ClearDirty marks the page as clean.
func (p *Page) ClearDirty() { atomic.StoreUint32(&p.dirty, 0) }

// Referenced returns the referenced hint.
func (p *Page) Referenced() bool { return p.hasAflag(aflagReferenced) }

// SetReferenced sets the referenced hint.
func (p *Page) SetReferenced() { p.setAflag(aflagReferenced) }

// ClearReferenced clears the referenced hint.
func (p *Page) ClearReferenced() { p.clearAflag(aflagReferenced) }

// Writeable returns true if the page may have writable mappings.
func (p *Page) Writeable() bool { return p.hasAflag(aflagWriteable) }

// SetWriteable records that a writable mapping of the page exists.
func (p *Page) SetWriteable() { p.setAflag(aflagWriteable) }

// ClearWriteable records that no writable mapping of the page exists.
func (p *Page) ClearWriteable() { p.clearAflag(aflagWriteable) }

// TryBusy acquires the exclusive busy state of the page. It returns false if
// some other party already holds it.
func (p *Page) TryBusy() bool { return atomic.CompareAndSwapInt32(&p.busy, 0, 1) }

// Unbusy releases the exclusive busy state.
func (p *Page) Unbusy() { atomic.StoreInt32(&p.busy, 0) }

// Busied returns true while the page is exclusively busied.
func (p *Page) Busied() bool { return atomic.LoadInt32(&p.busy) != 0 }

// Wire increments the wire count.
func (p *Page) Wire() { atomic.AddInt32(&p.wireCount, 1) }

// Unwire decrements the wire count.
func (p *Page) Unwire() { atomic.AddInt32(&p.wireCount, -1) }

// WireCount returns the wire count.
func (p *Page) WireCount() int { return int(atomic.LoadInt32(&p.wireCount)) }

// Hold increments the hold count.
func (p *Page) Hold() { atomic.AddInt32(&p.holdCount, 1) }

// Unhold decrements the hold count.
func (p *Page) Unhold() { atomic.AddInt32(&p.holdCount, -1) }

// HoldCount returns the hold count.
func (p *Page) HoldCount() int { return int(atomic.LoadInt32(&p.holdCount)) }

func (p *Page) hasAflag(f uint32) bool { return atomic.LoadUint32(&p.aflags)&f != 0 }

func (p *Page) setAflag(f uint32) {
	for {
		old := atomic.LoadUint32(&p.aflags)
		if old&f == f || atomic.CompareAndSwapUint32(&p.aflags, old, old|f) {
			return
		}
	}
}

func (p *Page) clearAflag(f uint32) {
	for {
		old := atomic.LoadUint32(&p.aflags)
		if old&f == 0 || atomic.CompareAndSwapUint32(&p.aflags, old, old&^f) {
			return
		}
	}
}

// reset returns the descriptor to its unallocated state.
func (p *Page) reset() {
	atomic.StoreUint32(&p.aflags, 0)
	atomic.StoreUint32(&p.dirty, 0)
	atomic.StoreInt32(&p.busy, 0)
	atomic.StoreInt32(&p.wireCount, 0)
	atomic.StoreInt32(&p.holdCount, 0)
	p.unmanaged = false
}
