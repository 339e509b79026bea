package vmm

import (
	"math/bits"
	"sync"

	"ia64vm/kernel"
)

const (
	// defaultRIDBits is used when the firmware cannot report the
	// implemented region id width.
	defaultRIDBits = 18

	// minRIDBits and maxRIDBits bound the size of the region id bitmap.
	minRIDBits = 6
	maxRIDBits = 19

	// reservedRIDs are the ids used by the kernel regions and the kernel
	// address space.
	reservedRIDs = 8
)

var (
	errRIDExhausted    = &kernel.Error{Module: "vmm", Message: "All Region IDs used"}
	errRIDNotAllocated = &kernel.Error{Module: "vmm", Message: "freeing a region id that is not allocated"}
)

// ridAllocator hands out region ids from a bitmap. Ids below reservedRIDs
// are never returned.
type ridAllocator struct {
	mu     sync.Mutex
	bitmap []uint64
	max    uint32
	count  uint32

	// idx is the word where the next search starts.
	idx int
}

func newRIDAllocator(ridBits uint) *ridAllocator {
	if ridBits > maxRIDBits {
		ridBits = maxRIDBits
	}
	if ridBits < minRIDBits {
		ridBits = minRIDBits
	}

	a := &ridAllocator{
		max:    uint32(1) << ridBits,
		bitmap: make([]uint64, (1<<ridBits)/64),
	}
	a.bitmap[0] |= 1<<reservedRIDs - 1
	a.count = reservedRIDs
	return a
}

// allocate returns an unused region id. Running out of ids is fatal.
func (a *ridAllocator) allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == a.max {
		panicFn(errRIDExhausted)
		return 0
	}

	for a.bitmap[a.idx] == ^uint64(0) {
		a.idx = (a.idx + 1) % len(a.bitmap)
	}

	bit := bits.TrailingZeros64(^a.bitmap[a.idx])
	a.bitmap[a.idx] |= 1 << uint(bit)
	a.count++
	return uint32(a.idx*64 + bit)
}

// free returns rid to the allocator. Freeing a reserved id or one that is
// not allocated is fatal.
func (a *ridAllocator) free(rid uint32) {
	a.mu.Lock()
	mask := uint64(1) << (rid % 64)
	if rid < reservedRIDs || rid >= a.max || a.bitmap[rid/64]&mask == 0 {
		a.mu.Unlock()
		panicFn(errRIDNotAllocated)
		return
	}
	a.bitmap[rid/64] &^= mask
	a.count--
	a.mu.Unlock()
}

// inUse returns the number of allocated ids, including the reserved ones.
func (a *ridAllocator) inUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
