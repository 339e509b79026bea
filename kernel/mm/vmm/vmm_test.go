package vmm

import (
	"bytes"
	"strings"
	"testing"

	"ia64vm/kernel"
	"ia64vm/kernel/hal"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
	"ia64vm/kernel/pal"
)

var errTestFatal = &kernel.Error{Module: "test", Message: "fatal error raised"}

type testEnv struct {
	e   *Engine
	hw  *hal.Machine
	mem *pmm.Memory
	out *bytes.Buffer
}

func newTestEnvWith(t *testing.T, frames int, cfg Config, hwCfg hal.Config) *testEnv {
	t.Helper()

	env := &testEnv{
		hw:  hal.New(hwCfg),
		mem: pmm.New(frames),
		out: new(bytes.Buffer),
	}
	cfg.Output = env.out
	if env.e = Bootstrap(cfg, env.mem, env.hw, env.hw); env.e == nil {
		t.Fatal("expected Bootstrap to return an engine")
	}
	return env
}

func newTestEnv(t *testing.T, frames int) *testEnv {
	return newTestEnvWith(t, frames, Config{VHPTLog2Size: 16}, hal.Config{CPUs: 2})
}

// allocPage returns a managed page or fails the test.
func (env *testEnv) allocPage(t *testing.T) *pmm.Page {
	t.Helper()
	m, err := env.mem.AllocFrame(0)
	if err != nil {
		t.Fatalf("unexpected error allocating a page: %v", err)
	}
	env.e.PageInit(m)
	return m
}

// exhaust allocates every remaining frame.
func (env *testEnv) exhaust() []*pmm.Page {
	var hog []*pmm.Page
	for {
		p, err := env.mem.AllocFrame(pmm.AllocUnmanaged)
		if err != nil {
			return hog
		}
		hog = append(hog, p)
	}
}

// expectFatal runs fn and checks that it raises exp through panicFn.
func expectFatal(t *testing.T, exp *kernel.Error, fn func()) {
	t.Helper()
	defer func(origPanicFn func(interface{})) { panicFn = origPanicFn }(panicFn)

	var got interface{}
	panicFn = func(e interface{}) {
		got = e
		panic(errTestFatal)
	}

	func() {
		defer func() {
			if r := recover(); r != nil && r != errTestFatal {
				panic(r)
			}
		}()
		fn()
	}()

	if got != exp {
		t.Fatalf("expected fatal error %v; got %v", exp, got)
	}
}

func TestBootstrap(t *testing.T) {
	env := newTestEnvWith(t, 64, Config{VHPTLog2Size: 16, Verbose: true}, hal.Config{CPUs: 2})

	if exp, got := uint(16), env.e.VHPTLog2Size(); got != exp {
		t.Errorf("expected VHPT log2 size %d; got %d", exp, got)
	}
	if exp, got := 2048, env.e.VHPTBuckets(); got != exp {
		t.Errorf("expected %d VHPT buckets; got %d", exp, got)
	}
	if exp, got := env.hw.Config().Purge, env.e.PurgeParams(); got != exp {
		t.Errorf("expected purge params %+v; got %+v", exp, got)
	}

	for _, exp := range []string{
		"[vmm] ptc.e base=0x10000, count1=2, count2=4, stride1=0x100000, stride2=0x2000\n",
		"[vmm] VHPT: size=0x10000, nbuckets=2048\n",
	} {
		if !strings.Contains(env.out.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, env.out.String())
		}
	}

	// Every processor replays the whole ptc.e loop at boot.
	if exp, got := uint64(2*2*4), env.hw.Stats().EntryPurges; got != exp {
		t.Errorf("expected %d ptc.e purges; got %d", exp, got)
	}

	if exp, got := reservedRIDs, env.e.RegionIDsInUse(); got != exp {
		t.Errorf("expected %d region ids in use; got %d", exp, got)
	}
	if s := env.e.KernelSpace(); s == nil || !s.isKernel() || s.id != 0 {
		t.Error("expected the kernel space to be created with id 0")
	}
}

func TestBootstrapVHPTSize(t *testing.T) {
	specs := []struct {
		req uint
		exp uint
	}{
		{0, defaultVHPTLog2Size},
		{8, minVHPTLog2Size},
		{17, 16},
		{22, 22},
		{40, maxVHPTLog2Size},
	}

	for specIndex, spec := range specs {
		if got := clampVHPTLog2Size(spec.req); got != spec.exp {
			t.Errorf("[spec %d] expected log2 size %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestBootstrapFirmwareFailures(t *testing.T) {
	t.Run("purge info", func(t *testing.T) {
		hw := hal.New(hal.Config{CPUs: 1, FailPurgeInfo: true})
		expectFatal(t, pal.ErrPurgeInfo, func() {
			Bootstrap(Config{Output: new(bytes.Buffer)}, pmm.New(16), hw, hw)
		})
	})

	t.Run("vm summary", func(t *testing.T) {
		env := newTestEnvWith(t, 16, Config{VHPTLog2Size: 16}, hal.Config{CPUs: 1, FailVMSummary: true})

		if exp := "[vmm] Can't read VM Summary - assuming 18 Region ID bits\n"; !strings.Contains(env.out.String(), exp) {
			t.Errorf("expected output to contain %q; got %q", exp, env.out.String())
		}
		if exp, got := uint32(1)<<defaultRIDBits, env.e.rids.max; got != exp {
			t.Errorf("expected %d region ids; got %d", exp, got)
		}
	})
}

func TestInvalidateAll(t *testing.T) {
	env := newTestEnv(t, 64)
	procs := env.hw.Processors()

	for i := uintptr(0); i < 8; i++ {
		env.hw.InsertTranslation(0, 9, i*mm.PageSize, 0x41, 13<<2)
	}
	if env.hw.TLBPopulation(0) == 0 {
		t.Fatal("expected translations to be cached")
	}

	env.e.InvalidateAll(procs[0])
	if got := env.hw.TLBPopulation(0); got != 0 {
		t.Fatalf("expected an empty translation cache; got %d entries", got)
	}
}

func TestInvalidatePageClearsHeads(t *testing.T) {
	env := newTestEnv(t, 64)

	var (
		rid = uint32(9)
		va  = uintptr(0x6000)
		idx = env.e.vhpt.hash(rid, va)
		tag = translationTag(rid, va)
	)

	for cpuID := 0; cpuID < env.hw.NumCPU(); cpuID++ {
		env.e.vhpt.head(cpuID, idx).storeTag(tag)
		env.hw.InsertTranslation(cpuID, rid, va, 0x41, 13<<2)
	}

	before := env.hw.Stats()
	env.e.invalidatePage(rid, va)
	after := env.hw.Stats()

	for cpuID := 0; cpuID < env.hw.NumCPU(); cpuID++ {
		if got := env.e.vhpt.head(cpuID, idx).loadTag(); got != invalidTag {
			t.Errorf("expected cpu %d head tag to be invalidated; got 0x%x", cpuID, got)
		}
		if _, ok := env.hw.LookupTranslation(cpuID, rid, va); ok {
			t.Errorf("expected cpu %d TLB entry to be purged", cpuID)
		}
	}

	if exp, got := before.GlobalPurges+1, after.GlobalPurges; got != exp {
		t.Errorf("expected %d global purges; got %d", exp, got)
	}
	if after.Invala != before.Invala+1 || after.SerializeInstr != before.SerializeInstr+1 {
		t.Error("expected the purge to be followed by srlz.i and invala")
	}
}
