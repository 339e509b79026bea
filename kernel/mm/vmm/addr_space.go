package vmm

import (
	"sync"
	"sync/atomic"

	"ia64vm/kernel"
	"ia64vm/kernel/cpu"
	"ia64vm/kernel/mm"
)

var errReleaseBusy = &kernel.Error{Module: "vmm", Message: "address space released with resident mappings"}

// AddressSpace is the set of translations of one process, or of the kernel.
// Its region ids are loaded into the user regions of a processor by Switch.
type AddressSpace struct {
	e  *Engine
	id uint64

	// mu guards the counters and chunk lists below and serializes updates
	// to the translations of the space.
	mu sync.Mutex

	rids [mm.UserRegions]uint32

	resident int64
	wired    int64

	// partial holds the chunks with a free slot, most recently used first.
	// full holds the chunks without one.
	partial tailq[pvChunk]
	full    tailq[pvChunk]
}

// Stats describes the mappings of an address space.
type Stats struct {
	Resident int
	Wired    int
}

func (e *Engine) newAddressSpace(kernel bool) *AddressSpace {
	s := &AddressSpace{
		e:       e,
		id:      atomic.AddUint64(&e.nextSpaceID, 1) - 1,
		partial: newTailq(chunkSpaceLink),
		full:    newTailq(chunkSpaceLink),
	}
	if !kernel {
		for r := range s.rids {
			s.rids[r] = e.rids.allocate()
		}
	}
	return s
}

// NewAddressSpace returns an empty address space with its own region ids.
// Running out of region ids is fatal.
func (e *Engine) NewAddressSpace() *AddressSpace {
	return e.newAddressSpace(false)
}

// KernelSpace returns the kernel address space. It uses region id 0 for the
// user regions.
func (e *Engine) KernelSpace() *AddressSpace { return e.kernel }

// Release returns the region ids of s. The space must not hold any mapping.
func (s *AddressSpace) Release() {
	if s == s.e.kernel {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if atomic.LoadInt64(&s.resident) != 0 {
		panicFn(errReleaseBusy)
		return
	}
	for r, rid := range s.rids {
		if rid != 0 {
			s.e.rids.free(rid)
			s.rids[r] = 0
		}
	}
}

// RegionID implements cpu.Context.
func (s *AddressSpace) RegionID(r uint) uint32 {
	if r < mm.UserRegions {
		return s.rids[r]
	}
	return uint32(r)
}

// ridFor returns the region id va is translated under.
func (s *AddressSpace) ridFor(va uintptr) uint32 {
	return s.RegionID(mm.RegionOf(va))
}

// isKernel returns true for the kernel address space.
func (s *AddressSpace) isKernel() bool { return s == s.e.kernel }

func (s *AddressSpace) addResident(n int) { atomic.AddInt64(&s.resident, int64(n)) }

func (s *AddressSpace) addWired(n int) { atomic.AddInt64(&s.wired, int64(n)) }

// Stats returns the mapping counters of s.
func (s *AddressSpace) Stats() Stats {
	return Stats{
		Resident: int(atomic.LoadInt64(&s.resident)),
		Wired:    int(atomic.LoadInt64(&s.wired)),
	}
}

// Switch installs the region ids of s on processor p and returns the space
// that was active before. A nil s installs the identity region ids.
func (e *Engine) Switch(p *cpu.Processor, s *AddressSpace) *AddressSpace {
	var prev cpu.Context
	if s == nil {
		prev = p.Switch(nil)
	} else {
		s.mu.Lock()
		prev = p.Switch(s)
		s.mu.Unlock()
	}

	prevSpace, _ := prev.(*AddressSpace)
	return prevSpace
}

// Activate makes s the active address space of p.
func (e *Engine) Activate(p *cpu.Processor, s *AddressSpace) {
	e.Switch(p, s)
}
