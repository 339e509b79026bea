package kmain

import (
	"io"

	"ia64vm/kernel"
	"ia64vm/kernel/hal"
	"ia64vm/kernel/kfmt"
	"ia64vm/kernel/mm"
	"ia64vm/kernel/mm/pmm"
	"ia64vm/kernel/mm/vmm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errSelfTestMiss    = &kernel.Error{Module: "kmain", Message: "self test: translation miss not resolved"}
	errSelfTestExtract = &kernel.Error{Module: "kmain", Message: "self test: extracted address mismatch"}
	errSelfTestRights  = &kernel.Error{Module: "kmain", Message: "self test: write to a read-only page allowed"}
	errSelfTestRemove  = &kernel.Error{Module: "kmain", Message: "self test: removed page still translated"}
)

// Config selects the platform booted by Kmain.
type Config struct {
	Machine hal.Config
	Frames  int
	VM      vmm.Config

	// Output receives the boot report. Nil selects the kernel console.
	Output io.Writer
}

// DefaultConfig returns a four processor machine with 64M of memory.
func DefaultConfig() Config {
	return Config{
		Machine: hal.DefaultConfig(),
		Frames:  8192,
		VM:      vmm.DefaultConfig(),
	}
}

// Kmain boots the simulated machine described by cfg, brings up the mapping
// engine on it and exercises the engine with a short self test. A failing
// self test halts the machine.
//
//go:noinline
func Kmain(cfg Config) *vmm.Engine {
	out := cfg.Output
	if out == nil {
		out = kfmt.Console
	}
	if cfg.VM.Output == nil {
		cfg.VM.Output = out
	}
	log := &kfmt.PrefixWriter{Sink: out, Prefix: []byte("[kmain] ")}

	hw := hal.New(cfg.Machine)
	hw.Describe(out)

	mem := pmm.New(cfg.Frames)
	e := vmm.Bootstrap(cfg.VM, mem, hw, hw)
	if e == nil {
		return nil
	}

	if err := selfTest(e, hw); err != nil {
		panicFn(err)
		return nil
	}

	kfmt.Fprintf(log, "%d frames, %d free\n", mem.TotalFrames(), mem.FreeFrames())
	kfmt.Fprintf(log, "self test passed: %d VHPT inserts, %d region ids in use\n", e.VHPTInserts(), e.RegionIDsInUse())
	return e
}

// selfTest maps a page in a fresh address space and in the kernel region and
// walks it through a miss, a protection change and a removal.
func selfTest(e *vmm.Engine, hw *hal.Machine) *kernel.Error {
	m, err := e.Memory().AllocFrame(0)
	if err != nil {
		return err
	}
	e.PageInit(m)
	defer e.Memory().FreeFrame(m)

	var (
		p  = hw.Processors()[0]
		s  = e.NewAddressSpace()
		va = uintptr(0x2000)
	)
	defer s.Release()

	if err = s.Enter(va, m, vmm.ProtRead|vmm.ProtWrite, vmm.EnterNoSleep); err != nil {
		return err
	}
	prev := e.Switch(p, s)
	defer e.Switch(p, prev)

	if e.HandleMiss(p, va, vmm.ProtWrite, true) != nil {
		return errSelfTestMiss
	}
	if pa, ok := s.Extract(va); !ok || pa != m.PhysAddr() {
		return errSelfTestExtract
	}

	s.Protect(va, va+mm.PageSize, vmm.ProtRead)
	if e.HandleMiss(p, va, vmm.ProtWrite, true) != vmm.ErrAccessRights {
		return errSelfTestRights
	}

	s.Remove(va, va+mm.PageSize)
	if e.HandleMiss(p, va, vmm.ProtRead, true) != vmm.ErrPageFault {
		return errSelfTestRemove
	}

	// Kernel region translations are reachable through KExtract.
	kva := e.KernelVMEnd()
	e.GrowKernel(kva)
	e.KEnter(kva, m.PhysAddr())
	if e.KExtract(kva) != m.PhysAddr() {
		return errSelfTestExtract
	}
	if e.HandleMiss(p, kva, vmm.ProtRead, false) != nil {
		return errSelfTestMiss
	}
	e.KRemove(kva)
	if e.KExtract(kva) != 0 {
		return errSelfTestRemove
	}

	return nil
}
