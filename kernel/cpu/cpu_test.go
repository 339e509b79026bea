package cpu

import (
	"testing"

	"ia64vm/kernel"
)

type regionWrite struct {
	cpu    int
	region uint
	value  uint64
}

type recordingHW struct {
	rr      [2][8]uint64
	writes  []regionWrite
	srlzD   int
	fences  int
	noopHW  bool
	purgeVA []uintptr
}

func (hw *recordingHW) NumCPU() int { return len(hw.rr) }
func (hw *recordingHW) SetRegion(cpu int, region uint, value uint64) {
	hw.rr[cpu][region] = value
	hw.writes = append(hw.writes, regionWrite{cpu, region, value})
}
func (hw *recordingHW) Region(cpu int, region uint) uint64                       { return hw.rr[cpu][region] }
func (hw *recordingHW) InsertTranslation(_ int, _ uint32, _ uintptr, _, _ uint64) {}
func (hw *recordingHW) LookupTranslation(_ int, _ uint32, _ uintptr) (uint64, bool) {
	return 0, false
}
func (hw *recordingHW) PurgeGlobal(_ uint32, va uintptr, _ uint) { hw.purgeVA = append(hw.purgeVA, va) }
func (hw *recordingHW) PurgeLocal(_ int, _ uint32, _ uintptr, _ uint) {}
func (hw *recordingHW) PurgeEntries(_ int, _ uint64)             {}
func (hw *recordingHW) SyncICache(_, _ uintptr)                  {}
func (hw *recordingHW) FlushDCache(_, _ uintptr)                 {}
func (hw *recordingHW) Fence()                                   { hw.fences++ }
func (hw *recordingHW) SerializeInstr(_ int)                     {}
func (hw *recordingHW) SerializeData(_ int)                      { hw.srlzD++ }
func (hw *recordingHW) Invala(_ int)                             {}

type ridContext [4]uint32

func (c *ridContext) RegionID(r uint) uint32 { return c[r] }

func TestRegionValue(t *testing.T) {
	specs := []struct {
		rid uint32
		exp uint64
	}{
		{0, 0x35},
		{5, 0x535},
		{0x7ffff, 0x7ffff35},
	}

	for specIndex, spec := range specs {
		got := RegionValue(spec.rid)
		if got != spec.exp {
			t.Errorf("[spec %d] expected region value 0x%x; got 0x%x", specIndex, spec.exp, got)
		}

		if rid := RegionID(got); rid != spec.rid {
			t.Errorf("[spec %d] expected decoded rid %d; got %d", specIndex, spec.rid, rid)
		}
	}
}

func TestProcessorSwitch(t *testing.T) {
	var (
		hw   recordingHW
		proc = NewProcessor(1, &hw)
		ctxA = &ridContext{8, 9, 10, 11}
		ctxB = &ridContext{12, 13, 14, 15}
	)

	if proc.ID() != 1 {
		t.Fatal("expected processor to retain its id")
	}

	if prev := proc.Switch(ctxA); prev != nil {
		t.Fatalf("expected no previously active context; got %v", prev)
	}

	for r := uint(0); r < 4; r++ {
		if exp, got := ctxA[r], proc.RegionID(r); got != exp {
			t.Errorf("expected region %d to hold rid %d; got %d", r, exp, got)
		}
	}

	if exp, got := 4, len(hw.writes); got != exp {
		t.Fatalf("expected %d region register writes; got %d", exp, got)
	}

	// Switching to the active context must not touch the registers.
	if prev := proc.Switch(ctxA); prev != ctxA {
		t.Fatalf("expected previous context to be ctxA; got %v", prev)
	}
	if exp, got := 4, len(hw.writes); got != exp {
		t.Fatalf("expected %d region register writes; got %d", exp, got)
	}

	if prev := proc.Switch(ctxB); prev != ctxA {
		t.Fatalf("expected previous context to be ctxA; got %v", prev)
	}
	if proc.Active() != ctxB {
		t.Fatal("expected ctxB to be active")
	}

	proc.Switch(nil)
	for r := uint(0); r < 4; r++ {
		if got := proc.RegionID(r); got != uint32(r) {
			t.Errorf("expected region %d to hold identity rid; got %d", r, got)
		}
	}

	if exp := 3; hw.srlzD != exp {
		t.Errorf("expected %d data serializations; got %d", exp, hw.srlzD)
	}

	for _, w := range hw.writes {
		if w.cpu != 1 {
			t.Errorf("expected all writes to target cpu 1; got write to cpu %d", w.cpu)
		}
	}
}

func TestHalt(t *testing.T) {
	specs := []struct {
		cause    *kernel.Error
		expCause *kernel.Error
		expMsg   string
	}{
		{
			&kernel.Error{Module: "vmm", Message: "All Region IDs used"},
			nil,
			"vmm: All Region IDs used",
		},
		{
			nil,
			ErrHalted,
			"cpu: processor halted",
		},
	}

	for specIndex, spec := range specs {
		func() {
			defer func() {
				haltErr, ok := recover().(*HaltError)
				if !ok {
					t.Errorf("[spec %d] expected Halt to panic with a *HaltError", specIndex)
					return
				}

				expCause := spec.expCause
				if expCause == nil {
					expCause = spec.cause
				}
				if haltErr.Cause != expCause {
					t.Errorf("[spec %d] expected cause %v; got %v", specIndex, expCause, haltErr.Cause)
				}
				if got := haltErr.Error(); got != spec.expMsg {
					t.Errorf("[spec %d] expected message %q; got %q", specIndex, spec.expMsg, got)
				}
			}()

			Halt(spec.cause)
		}()
	}
}
