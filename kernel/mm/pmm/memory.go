// Package pmm models physical memory: a fixed set of frames with per-frame
// descriptors, byte contents and a bitmap frame allocator.
package pmm

import (
	"math/bits"
	"sync"

	"ia64vm/kernel"
	"ia64vm/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when no free frame is available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errDoubleFree = &kernel.Error{Module: "pmm", Message: "frame freed twice"}

	// panicFn is mocked by tests.
	panicFn = func(err *kernel.Error) { panic(err) }
)

// AllocFlag selects allocation behavior.
type AllocFlag uint8

const (
	// AllocWired returns the page with a wire count of one.
	AllocWired AllocFlag = 1 << iota

	// AllocZero clears the page contents.
	AllocZero

	// AllocUnmanaged returns a page that is never reverse mapped.
	AllocUnmanaged
)

// Memory is the physical memory of the machine. Frame 0 is reserved so that
// a zero physical address never names an allocated frame.
type Memory struct {
	mu   sync.Mutex
	cond *sync.Cond

	// freeBitmap has one bit per frame; a set bit marks a free frame.
	freeBitmap []uint64
	freeCount  int
	nextWord   int

	pages []Page
	data  [][]byte
}

// New returns physical memory with the given number of frames.
func New(frames int) *Memory {
	if frames < 2 {
		frames = 2
	}

	m := &Memory{
		freeBitmap: make([]uint64, (frames+63)>>6),
		pages:      make([]Page, frames),
		data:       make([][]byte, frames),
	}
	m.cond = sync.NewCond(&m.mu)

	for i := range m.pages {
		m.pages[i].frame = mm.Frame(i)
		if i > 0 {
			m.freeBitmap[i>>6] |= 1 << uint(i&63)
			m.freeCount++
		}
	}

	return m
}

// TotalFrames returns the number of frames, including the reserved frame 0.
func (m *Memory) TotalFrames() int { return len(m.pages) }

// FreeFrames returns the number of free frames.
func (m *Memory) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeCount
}

// AllocFrame reserves a free frame and returns its descriptor. It never
// blocks; ErrOutOfMemory is returned when memory is exhausted.
func (m *Memory) AllocFrame(flags AllocFlag) (*Page, *kernel.Error) {
	m.mu.Lock()
	if m.freeCount == 0 {
		m.mu.Unlock()
		return nil, ErrOutOfMemory
	}

	words := len(m.freeBitmap)
	for i := 0; i < words; i++ {
		w := (m.nextWord + i) % words
		if m.freeBitmap[w] == 0 {
			continue
		}

		bit := bits.TrailingZeros64(m.freeBitmap[w])
		m.freeBitmap[w] &^= 1 << uint(bit)
		m.freeCount--
		m.nextWord = w

		p := &m.pages[w<<6+bit]
		p.allocated = true
		m.mu.Unlock()

		p.unmanaged = flags&AllocUnmanaged != 0
		if flags&AllocWired != 0 {
			p.Wire()
		}
		if flags&AllocZero != 0 {
			m.zero(p)
		}
		return p, nil
	}

	m.mu.Unlock()
	return nil, ErrOutOfMemory
}

// FreeFrame returns a page to the allocator and wakes any waiter.
func (m *Memory) FreeFrame(p *Page) {
	m.mu.Lock()
	if !p.allocated {
		m.mu.Unlock()
		panicFn(errDoubleFree)
		return
	}

	p.allocated = false
	p.reset()

	f := int(p.frame)
	m.freeBitmap[f>>6] |= 1 << uint(f&63)
	m.freeCount++
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Wait blocks the caller until at least one frame is free.
func (m *Memory) Wait() {
	m.mu.Lock()
	for m.freeCount == 0 {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

// PageAt returns the descriptor of frame f or nil if f is not backed by
// memory.
func (m *Memory) PageAt(f mm.Frame) *Page {
	if !f.Valid() || int(f) >= len(m.pages) {
		return nil
	}
	return &m.pages[f]
}

// PageFromAddress returns the descriptor of the frame containing pa.
func (m *Memory) PageFromAddress(pa uintptr) *Page {
	return m.PageAt(mm.FrameFromAddress(pa))
}

// Allocated returns true if p is currently reserved.
func (m *Memory) Allocated(p *Page) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return p.allocated
}
