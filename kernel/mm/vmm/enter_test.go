package vmm

import (
	"sync"
	"testing"
	"time"

	"ia64vm/kernel/hal"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
)

func TestEnterExtract(t *testing.T) {
	env := newTestEnv(t, 64)
	s := env.e.NewAddressSpace()

	// Frames are handed out in increasing order.
	m := env.allocPage(t)
	for m.Frame() != 0x20 {
		m = env.allocPage(t)
	}

	if err := s.Enter(0x1000, m, ProtRead|ProtWrite, 0); err != nil {
		t.Fatal(err)
	}

	pa, ok := s.Extract(0x1000)
	if !ok || pa != 0x20<<mm.PageShift {
		t.Fatalf("expected va 0x1000 to map pa 0x%x; got 0x%x (mapped: %t)", uintptr(0x20)<<mm.PageShift, pa, ok)
	}
	if _, ok := s.Extract(0x4000); ok {
		t.Fatal("expected va 0x4000 to be unmapped")
	}
	if !m.Writeable() {
		t.Fatal("expected a writeable managed mapping to mark the page writeable")
	}

	if exp, got := (Stats{Resident: 1}), s.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}
	if exp, got := 1, env.e.PageMappings(m); got != exp {
		t.Fatalf("expected %d mappings; got %d", exp, got)
	}
	if !env.e.PageExistsQuick(s, m) || env.e.PageExistsQuick(env.e.NewAddressSpace(), m) {
		t.Fatal("PageExistsQuick reported the wrong owner")
	}
}

func TestEnterReplace(t *testing.T) {
	env := newTestEnv(t, 64)
	s := env.e.NewAddressSpace()
	m1, m2 := env.allocPage(t), env.allocPage(t)

	if err := s.Enter(0x2000, m1, ProtRead|ProtWrite, 0); err != nil {
		t.Fatal(err)
	}

	// Same page, new protection and wiring.
	if err := s.Enter(0x2000, m1, ProtRead, EnterWired); err != nil {
		t.Fatal(err)
	}
	if exp, got := (Stats{Resident: 1, Wired: 1}), s.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}
	if got := s.e.vhpt.find(s.ridFor(0x2000), 0x2000).bits().prot(); got != ProtRead {
		t.Fatalf("expected prot %d; got %d", ProtRead, got)
	}

	// Different page: the old mapping is torn down.
	if err := s.Enter(0x2000, m2, ProtRead, 0); err != nil {
		t.Fatal(err)
	}
	if exp, got := (Stats{Resident: 1}), s.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}
	if pa, _ := s.Extract(0x2000); pa != m2.PhysAddr() {
		t.Fatalf("expected va to map 0x%x; got 0x%x", m2.PhysAddr(), pa)
	}
	if env.e.PageMappings(m1) != 0 || env.e.PageMappings(m2) != 1 {
		t.Fatal("expected the reverse map to follow the replacement")
	}
	if exp, got := 1, env.e.VHPTPopulation(); got != exp {
		t.Fatalf("expected %d linked entries; got %d", exp, got)
	}
	if m1.Writeable() {
		t.Fatal("expected the replaced page to lose its writeable state")
	}
}

func TestEnterAddressTooHigh(t *testing.T) {
	env := newTestEnv(t, 64)
	m := env.allocPage(t)

	expectFatal(t, errAddressTooHigh, func() {
		env.e.KernelSpace().Enter(mm.RegionBase(7), m, ProtRead, 0)
	})
}

func TestEnterUnmanagedPage(t *testing.T) {
	env := newTestEnv(t, 64)
	s := env.e.NewAddressSpace()

	m, err := env.mem.AllocFrame(pmm.AllocUnmanaged)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enter(0x2000, m, ProtRead, 0); err != nil {
		t.Fatal(err)
	}

	b := s.e.vhpt.find(s.ridFor(0x2000), 0x2000).bits()
	if b.managed() || !b.accessed() || !b.dirty() {
		t.Fatalf("expected an unmanaged pre-referenced entry; got 0x%x", uint64(b))
	}
	if env.e.PVStats().Entries != 0 {
		t.Fatal("expected no reverse-map entry for an unmanaged page")
	}

	expectFatal(t, errUnmanagedPage, func() { env.e.RemoveAll(m) })
}

func TestEnterChunkAccounting(t *testing.T) {
	env := newTestEnv(t, 64)
	s := env.e.NewAddressSpace()
	m := env.allocPage(t)

	for i := 0; i < pvChunkEntries+1; i++ {
		if err := s.Enter(uintptr(i)<<mm.PageShift, m, ProtRead, 0); err != nil {
			t.Fatalf("[mapping %d] unexpected error: %v", i, err)
		}
	}

	stats := env.e.PVStats()
	if stats.Chunks != 2 || stats.Entries != pvChunkEntries+1 {
		t.Fatalf("expected 2 chunks holding %d entries; got %+v", pvChunkEntries+1, stats)
	}
	if exp, got := 2*pvChunkEntries-(pvChunkEntries+1), stats.Spare; got != exp {
		t.Fatalf("expected %d spare entries; got %d", exp, got)
	}

	full := s.full.first()
	if full == nil || s.full.len != 1 || full.freeSlots() != 0 {
		t.Fatal("expected the first chunk to be full with no free bits")
	}
	partial := s.partial.first()
	if partial == nil || partial.inUse != 1 {
		t.Fatal("expected the second chunk to hold one entry")
	}
	for _, pc := range []*pvChunk{full, partial} {
		if exp, got := pvChunkEntries, pc.inUse+pc.freeSlots(); got != exp {
			t.Fatalf("expected inUse+free to be %d; got %d", exp, got)
		}
	}

	// Removing one entry of the full chunk moves it back to the partial
	// list.
	s.Remove(0, mm.PageSize)
	if s.full.len != 0 || s.partial.len != 2 || s.partial.first() != full {
		t.Fatal("expected the chunk with a free slot at the head of the partial list")
	}

	s.Remove(0, uintptr(pvChunkEntries+1)<<mm.PageShift)
	if stats = env.e.PVStats(); stats.Chunks != 0 || stats.Entries != 0 || stats.Spare != 0 {
		t.Fatalf("expected every chunk to be freed; got %+v", stats)
	}
	if exp, got := (Stats{}), s.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}
}

func TestEnterNoSleep(t *testing.T) {
	env := newTestEnvWith(t, 64, Config{VHPTLog2Size: 16, PTEZoneLimit: 1}, hal.Config{CPUs: 2})
	s := env.e.NewAddressSpace()
	m := env.allocPage(t)

	if err := s.Enter(0x2000, m, ProtRead, EnterNoSleep); err != nil {
		t.Fatal(err)
	}
	if err := s.Enter(0x4000, m, ProtRead, EnterNoSleep); err != ErrResourceShortage {
		t.Fatalf("expected ErrResourceShortage; got %v", err)
	}

	// A blocking Enter completes once an entry is released.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Enter(0x4000, m, ProtRead, 0); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatal("expected Enter to wait for a translation entry")
	case <-time.After(50 * time.Millisecond):
	}

	s.Remove(0x2000, 0x4000)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Enter to complete")
	}

	if _, ok := s.Extract(0x4000); !ok {
		t.Fatal("expected the waiting Enter to install its mapping")
	}
}

func TestEnterQuick(t *testing.T) {
	env := newTestEnv(t, 64)
	s := env.e.NewAddressSpace()
	m1, m2 := env.allocPage(t), env.allocPage(t)

	s.EnterQuick(0x2000, m1, ProtAll)
	b := s.e.vhpt.find(s.ridFor(0x2000), 0x2000).bits()
	if b.prot() != ProtRead|ProtExecute {
		t.Fatalf("expected quick mappings to drop write access; got prot %d", b.prot())
	}
	if exp, got := uint64(1), env.hw.Stats().ICacheSyncs; got != exp {
		t.Fatalf("expected %d icache syncs; got %d", exp, got)
	}

	// Existing mappings are kept.
	s.EnterQuick(0x2000, m2, ProtRead)
	if pa, _ := s.Extract(0x2000); pa != m1.PhysAddr() {
		t.Fatalf("expected the existing mapping to be kept; got 0x%x", pa)
	}

	pages := []*pmm.Page{m1, nil, m2, m1}
	s.EnterObject(0x10000, 0x10000+3*mm.PageSize, pages, ProtRead)

	specs := []struct {
		va     uintptr
		mapped bool
	}{
		{0x10000, true},
		{0x10000 + mm.PageSize, false},
		{0x10000 + 2*mm.PageSize, true},
		{0x10000 + 3*mm.PageSize, false},
	}
	for specIndex, spec := range specs {
		if _, ok := s.Extract(spec.va); ok != spec.mapped {
			t.Errorf("[spec %d] expected va 0x%x mapped to be %t; got %t", specIndex, spec.va, spec.mapped, ok)
		}
	}
	if exp, got := (Stats{Resident: 3}), s.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}
}

func TestConcurrentEnterRemove(t *testing.T) {
	const (
		workers = 4
		rounds  = 50
		npages  = 8
	)

	env := newTestEnv(t, 256)

	pages := make([]*pmm.Page, npages)
	for i := range pages {
		pages[i] = env.allocPage(t)
	}

	spaces := make([]*AddressSpace, workers)
	for i := range spaces {
		spaces[i] = env.e.NewAddressSpace()
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(s *AddressSpace) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for i, m := range pages {
					va := uintptr(i) << mm.PageShift
					if err := s.Enter(va, m, ProtRead|ProtWrite, 0); err != nil {
						t.Errorf("unexpected error: %v", err)
						return
					}
				}
				env.e.TSReferenced(pages[r%npages])
				s.Remove(0, npages/2*mm.PageSize)
			}
		}(spaces[w])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for r := 0; r < rounds; r++ {
			env.e.RemoveAll(pages[r%npages])
		}
	}()
	wg.Wait()

	for _, m := range pages {
		env.e.RemoveAll(m)
		if got := env.e.PageMappings(m); got != 0 {
			t.Fatalf("expected no mappings after RemoveAll; got %d", got)
		}
	}
	for i, s := range spaces {
		if exp, got := (Stats{}), s.Stats(); got != exp {
			t.Errorf("expected space %d stats %+v; got %+v", i, exp, got)
		}
	}

	if got := env.e.VHPTPopulation(); got != 0 {
		t.Fatalf("expected an empty VHPT; got %d entries", got)
	}
	if stats := env.e.PVStats(); stats.Entries != 0 || stats.Chunks != 0 {
		t.Fatalf("expected an empty reverse-map pool; got %+v", stats)
	}
	if got := env.hw.Stats().PurgeConflicts; got != 0 {
		t.Fatalf("expected global purges to never overlap; got %d conflicts", got)
	}
}

func TestEnterShortageKernelRetry(t *testing.T) {
	env := newTestEnv(t, 64)
	env.e.GrowKernel(mm.KernelBase)

	var (
		k  = env.e.KernelSpace()
		m  = env.allocPage(t)
		va = mm.KernelBase
	)
	hog := env.exhaust()

	// No reverse-map chunk can be found for the managed page.
	for i := 0; i < 2; i++ {
		if err := k.Enter(va, m, ProtRead, EnterNoSleep); err != ErrResourceShortage {
			t.Fatalf("[attempt %d] expected ErrResourceShortage; got %v", i, err)
		}
		if got := env.e.VHPTPopulation(); got != 0 {
			t.Fatalf("[attempt %d] expected an empty VHPT; got %d entries", i, got)
		}
		if got := env.e.KExtract(va); got != 0 {
			t.Fatalf("[attempt %d] expected no translation; got 0x%x", i, got)
		}
	}

	env.mem.FreeFrame(hog[0])
	if err := k.Enter(va, m, ProtRead, EnterNoSleep); err != nil {
		t.Fatal(err)
	}
	if exp, got := m.PhysAddr(), env.e.KExtract(va); got != exp {
		t.Fatalf("expected KExtract to return 0x%x; got 0x%x", exp, got)
	}
	if exp, got := 1, env.e.VHPTPopulation(); got != exp {
		t.Fatalf("expected %d linked entries; got %d", exp, got)
	}

	k.Remove(va, va+mm.PageSize)
	if got := env.e.VHPTPopulation(); got != 0 {
		t.Fatalf("expected an empty VHPT; got %d entries", got)
	}
}
