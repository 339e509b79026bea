package vmm

import (
	"testing"

	"ia64vm/kernel/mm"
)

func TestVHPTInsertRemove(t *testing.T) {
	env := newTestEnv(t, 64)
	v := env.e.vhpt

	// Addresses that differ by a multiple of the table size collide.
	var (
		rid  = uint32(8)
		vas  = []uintptr{0x2000, 0x2000 + uintptr(v.nbuckets())<<mm.PageShift, 0x2000 + uintptr(2*v.nbuckets())<<mm.PageShift}
		ptes []*pageTableEntry
	)
	for _, va := range vas {
		if v.hash(rid, va) != v.hash(rid, vas[0]) {
			t.Fatalf("expected va 0x%x to share the bucket of 0x%x", va, vas[0])
		}
	}

	for _, va := range vas {
		pte := env.e.zone.alloc()
		if pte == nil {
			t.Fatal("expected a translation entry")
		}
		v.insert(pte, rid, va)
		env.e.setPTE(pte, rid, va, 0x40000, false, false)
		ptes = append(ptes, pte)
	}

	if exp, got := len(vas), v.population(); got != exp {
		t.Fatalf("expected %d linked entries; got %d", exp, got)
	}
	for i, va := range vas {
		if got := v.find(rid, va); got != ptes[i] {
			t.Fatalf("expected find(0x%x) to return entry %d", va, i)
		}
	}
	if v.find(rid+1, vas[0]) != nil {
		t.Fatal("expected lookup under another rid to miss")
	}

	lengths := env.e.VHPTChainLengths()
	if exp, got := v.nbuckets(), len(lengths); got != exp {
		t.Fatalf("expected %d chain lengths; got %d", exp, got)
	}
	if exp, got := len(vas), lengths[v.hash(rid, vas[0])]; got != exp {
		t.Fatalf("expected a chain of %d entries; got %d", exp, got)
	}

	// Unlink from the middle, the head and the tail of the chain.
	for _, i := range []int{1, 2, 0} {
		if !v.remove(rid, vas[i]) {
			t.Fatalf("expected entry %d to be removed", i)
		}
		if v.find(rid, vas[i]) != nil {
			t.Fatalf("expected entry %d to be gone", i)
		}
		if v.remove(rid, vas[i]) {
			t.Fatalf("expected second removal of entry %d to fail", i)
		}
	}

	if got := v.population(); got != 0 {
		t.Fatalf("expected an empty table; got %d entries", got)
	}
	if exp, got := uint64(len(vas)), env.e.VHPTInserts(); got != exp {
		t.Fatalf("expected %d inserts; got %d", exp, got)
	}
}

func TestVHPTHeads(t *testing.T) {
	env := newTestEnv(t, 64)
	v := env.e.vhpt

	for cpuID := 0; cpuID < env.hw.NumCPU(); cpuID++ {
		for _, idx := range []uint64{0, 1, uint64(v.nbuckets() - 1)} {
			head := v.head(cpuID, idx)
			if head.loadTag() != invalidTag {
				t.Errorf("expected cpu %d head %d to start invalid", cpuID, idx)
			}
			if v.bucketAt(head.loadChain()) != &v.buckets[idx] {
				t.Errorf("expected cpu %d head %d to link to its bucket", cpuID, idx)
			}
		}
	}

	if v.bucketAt(0x2000) != nil {
		t.Error("expected a frame address not to resolve to a bucket")
	}
}

func TestEntryArena(t *testing.T) {
	env := newTestEnv(t, 64)

	pte := env.e.zone.alloc()
	if got := env.e.arena.entryAt(pte.pa); got != pte {
		t.Fatalf("expected entryAt(0x%x) to resolve the entry", pte.pa)
	}
	if env.e.arena.entryAt(pte.pa+1) != nil {
		t.Fatal("expected an unaligned address not to resolve")
	}
	if env.e.arena.entryAt(uint64(63) << mm.PageShift) != nil {
		t.Fatal("expected a frame without a slab not to resolve")
	}

	if inUse, slabs := env.e.PTEStats(); inUse != 1 || slabs != 1 {
		t.Fatalf("expected 1 entry from 1 slab; got %d from %d", inUse, slabs)
	}
	env.e.zone.release(pte)
	if inUse, _ := env.e.PTEStats(); inUse != 0 {
		t.Fatalf("expected no entries in use; got %d", inUse)
	}
}
