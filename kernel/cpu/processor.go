package cpu

import "ia64vm/kernel/mm"

// Context is an address space whose region ids can be loaded into the user
// regions of a processor.
type Context interface {
	RegionID(region uint) uint32
}

// Processor holds the state of one logical processor. A Processor is driven
// by one goroutine at a time.
type Processor struct {
	id     int
	hw     Hardware
	active Context
}

// NewProcessor returns the processor with the given index.
func NewProcessor(id int, hw Hardware) *Processor {
	return &Processor{id: id, hw: hw}
}

// ID returns the processor index.
func (p *Processor) ID() int { return p.id }

// Active returns the context installed by the last call to Switch.
func (p *Processor) Active() Context { return p.active }

// RegionID returns the region id currently loaded for region r.
func (p *Processor) RegionID(r uint) uint32 {
	return RegionID(p.hw.Region(p.id, r))
}

// Switch installs the region ids of ctx into the user regions and returns
// the previously active context. A nil ctx installs region id i into region
// i. Switching to the already active context leaves the registers untouched.
func (p *Processor) Switch(ctx Context) Context {
	prev := p.active
	if prev == ctx {
		return prev
	}

	for r := uint(0); r < mm.UserRegions; r++ {
		rid := uint32(r)
		if ctx != nil {
			rid = ctx.RegionID(r)
		}
		p.hw.SetRegion(p.id, r, RegionValue(rid))
	}

	p.active = ctx
	p.hw.SerializeData(p.id)
	return prev
}
