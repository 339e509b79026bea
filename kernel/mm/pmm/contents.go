package pmm

import "ia64vm/kernel/mm"

// Bytes returns the contents of p. The backing store is materialized on
// first use; callers serialize access to a page's contents themselves.
func (m *Memory) Bytes(p *Page) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := int(p.frame)
	if m.data[f] == nil {
		m.data[f] = make([]byte, mm.PageSize)
	}
	return m.data[f]
}

// Zero clears the byte range [off, off+size) of p.
func (m *Memory) Zero(p *Page, off, size uintptr) {
	b := m.Bytes(p)[off : off+size]
	for i := range b {
		b[i] = 0
	}
}

// Copy copies the contents of src to dst.
func (m *Memory) Copy(dst, src *Page) {
	copy(m.Bytes(dst), m.Bytes(src))
}

func (m *Memory) zero(p *Page) {
	m.mu.Lock()
	buf := m.data[p.frame]
	m.mu.Unlock()

	for i := range buf {
		buf[i] = 0
	}
}
