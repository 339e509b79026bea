package vmm

import (
	"sync/atomic"

	"ia64vm/kernel/cpu"
	ksync "ia64vm/kernel/sync"
)

const (
	minVHPTLog2Size     = 16
	maxVHPTLog2Size     = 28
	defaultVHPTLog2Size = 20

	// bucketBase is the physical address where bucket headers are placed.
	// It lies above any frame so bucket and entry addresses never clash.
	bucketBase   = uint64(1) << 50
	bucketStride = uint64(32)

	// ridHashMul spreads region ids over the table.
	ridHashMul = 0x9e3779b9
)

// vhptBucket is the head of a collision chain.
type vhptBucket struct {
	chain  uint64
	lock   ksync.Spinlock
	length uint32
}

// vhpt is the virtual hashed page table: one array of head entries per
// processor, sharing a table of collision chains. Chains are mutated under
// the bucket lock and walked without it by the miss handler.
type vhpt struct {
	log2size uint
	mask     uint64
	buckets  []vhptBucket
	heads    [][]pageTableEntry
	arena    *entryArena
	hw       cpu.Hardware

	inserts uint64
}

// clampVHPTLog2Size returns the table size actually used for a requested one.
func clampVHPTLog2Size(size uint) uint {
	if size == 0 {
		size = defaultVHPTLog2Size
	}
	if size < minVHPTLog2Size {
		size = minVHPTLog2Size
	} else if size > maxVHPTLog2Size {
		size = maxVHPTLog2Size
	}
	return size &^ 1
}

func newVHPT(log2size uint, arena *entryArena, hw cpu.Hardware) *vhpt {
	log2size = clampVHPTLog2Size(log2size)
	var (
		nbuckets = (uint64(1) << log2size) / pageTableEntrySize
		v        = &vhpt{
			log2size: log2size,
			mask:     nbuckets - 1,
			buckets:  make([]vhptBucket, nbuckets),
			heads:    make([][]pageTableEntry, hw.NumCPU()),
			arena:    arena,
			hw:       hw,
		}
	)

	for cpuID := range v.heads {
		heads := make([]pageTableEntry, nbuckets)
		for i := range heads {
			heads[i].pa = bucketBase + uint64(i)*bucketStride
			heads[i].tag = invalidTag
			heads[i].chain = bucketBase + uint64(i)*bucketStride
		}
		v.heads[cpuID] = heads
	}

	return v
}

func (v *vhpt) nbuckets() int { return len(v.buckets) }

// hash returns the bucket index for va under rid (thash).
func (v *vhpt) hash(rid uint32, va uintptr) uint64 {
	return (vpnOf(va) ^ uint64(rid)*ridHashMul) & v.mask
}

// bucketAt resolves the bucket address stored in a head's chain field.
func (v *vhpt) bucketAt(pa uint64) *vhptBucket {
	if pa < bucketBase {
		return nil
	}
	idx := (pa - bucketBase) / bucketStride
	if idx >= uint64(len(v.buckets)) {
		return nil
	}
	return &v.buckets[idx]
}

// head returns the head entry of bucket idx on a processor.
func (v *vhpt) head(cpuID int, idx uint64) *pageTableEntry {
	return &v.heads[cpuID][idx]
}

// insert links pte at the head of the chain for va. The new entry is made
// reachable only after its own link is in place.
func (v *vhpt) insert(pte *pageTableEntry, rid uint32, va uintptr) {
	var (
		pa = pte.pa
		b  = &v.buckets[v.hash(rid, va)]
	)

	b.lock.Acquire()
	pte.storeChain(atomic.LoadUint64(&b.chain))
	v.hw.Fence()
	atomic.StoreUint64(&b.chain, pa)
	atomic.AddUint32(&b.length, 1)
	atomic.AddUint64(&v.inserts, 1)
	b.lock.Release()
}

// remove unlinks the entry translating va. It returns false if there is
// none.
func (v *vhpt) remove(rid uint32, va uintptr) bool {
	var (
		tag = translationTag(rid, va)
		b   = &v.buckets[v.hash(rid, va)]
	)

	b.lock.Acquire()
	defer b.lock.Release()

	var prev *pageTableEntry
	for chain := atomic.LoadUint64(&b.chain); chain != 0; {
		pte := v.arena.entryAt(chain)
		if pte == nil {
			return false
		}
		next := pte.loadChain()
		if pte.loadTag() == tag {
			if prev == nil {
				atomic.StoreUint64(&b.chain, next)
			} else {
				prev.storeChain(next)
			}
			atomic.AddUint32(&b.length, ^uint32(0))
			return true
		}
		prev, chain = pte, next
	}
	return false
}

// find returns the entry translating va or nil.
func (v *vhpt) find(rid uint32, va uintptr) *pageTableEntry {
	b := &v.buckets[v.hash(rid, va)]
	b.lock.Acquire()
	pte := v.walk(b, translationTag(rid, va))
	b.lock.Release()
	return pte
}

// walk scans the chain of b for tag.
func (v *vhpt) walk(b *vhptBucket, tag uint64) *pageTableEntry {
	for chain := atomic.LoadUint64(&b.chain); chain != 0; {
		pte := v.arena.entryAt(chain)
		if pte == nil {
			return nil
		}
		if pte.loadTag() == tag {
			return pte
		}
		chain = pte.loadChain()
	}
	return nil
}

// population returns the number of entries linked in all chains.
func (v *vhpt) population() int {
	n := 0
	for i := range v.buckets {
		n += int(atomic.LoadUint32(&v.buckets[i].length))
	}
	return n
}

// chainLengths returns the number of entries linked in each bucket.
func (v *vhpt) chainLengths() []int {
	lengths := make([]int, len(v.buckets))
	for i := range v.buckets {
		lengths[i] = int(atomic.LoadUint32(&v.buckets[i].length))
	}
	return lengths
}
