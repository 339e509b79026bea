package hal

import (
	"sync/atomic"

	"ia64vm/kernel/mm"
)

func vpnOf(va uintptr) uint64 {
	return uint64(mm.RegionOffset(va) >> mm.PageShift)
}

func (m *Machine) setIndex(rid uint32, vpn uint64) int {
	return int((vpn ^ uint64(rid)) % uint64(len(m.cpus[0].sets)))
}

// NumCPU implements cpu.Hardware.
func (m *Machine) NumCPU() int { return len(m.cpus) }

// SetRegion implements cpu.Hardware.
func (m *Machine) SetRegion(cpuID int, region uint, value uint64) {
	ps := m.cpus[cpuID]
	ps.mu.Lock()
	ps.rr[region] = value
	ps.mu.Unlock()
}

// Region implements cpu.Hardware.
func (m *Machine) Region(cpuID int, region uint) uint64 {
	ps := m.cpus[cpuID]
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.rr[region]
}

// InsertTranslation implements cpu.Hardware. A full set evicts its oldest
// translation.
func (m *Machine) InsertTranslation(cpuID int, rid uint32, va uintptr, pte, itir uint64) {
	var (
		ps  = m.cpus[cpuID]
		vpn = vpnOf(va)
		idx = m.setIndex(rid, vpn)
	)

	atomic.AddUint64(&m.inserts, 1)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	set := ps.sets[idx]
	for i := range set {
		if set[i].rid == rid && set[i].vpn == vpn {
			set[i].pte, set[i].itir = pte, itir
			return
		}
	}

	if len(set) == m.cfg.TLBWays {
		set = append(set[:0], set[1:]...)
	}
	ps.sets[idx] = append(set, tlbEntry{rid: rid, vpn: vpn, pte: pte, itir: itir})
}

// LookupTranslation implements cpu.Hardware.
func (m *Machine) LookupTranslation(cpuID int, rid uint32, va uintptr) (uint64, bool) {
	var (
		ps  = m.cpus[cpuID]
		vpn = vpnOf(va)
	)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, e := range ps.sets[m.setIndex(rid, vpn)] {
		if e.rid == rid && e.vpn == vpn {
			return e.pte, true
		}
	}
	return 0, false
}

// PurgeGlobal implements cpu.Hardware. Overlapping issuers are counted as
// purge conflicts.
func (m *Machine) PurgeGlobal(rid uint32, va uintptr, log2size uint) {
	if !atomic.CompareAndSwapInt32(&m.purging, 0, 1) {
		atomic.AddUint64(&m.purgeConflicts, 1)
	} else {
		defer atomic.StoreInt32(&m.purging, 0)
	}
	atomic.AddUint64(&m.globalPurges, 1)

	for _, ps := range m.cpus {
		m.purge(ps, rid, va, log2size)
	}
}

// PurgeLocal implements cpu.Hardware.
func (m *Machine) PurgeLocal(cpuID int, rid uint32, va uintptr, log2size uint) {
	atomic.AddUint64(&m.localPurges, 1)
	m.purge(m.cpus[cpuID], rid, va, log2size)
}

func (m *Machine) purge(ps *processorState, rid uint32, va uintptr, log2size uint) {
	if log2size < uint(mm.PageShift) {
		log2size = uint(mm.PageShift)
	}
	var (
		pages = uint64(1) << (log2size - uint(mm.PageShift))
		first = vpnOf(va) &^ (pages - 1)
	)

	ps.mu.Lock()
	for vpn := first; vpn < first+pages; vpn++ {
		idx := m.setIndex(rid, vpn)
		set := ps.sets[idx]
		for i := 0; i < len(set); i++ {
			if set[i].rid == rid && set[i].vpn == vpn {
				set = append(set[:i], set[i+1:]...)
				i--
			}
		}
		ps.sets[idx] = set
	}
	ps.mu.Unlock()
}

// PurgeEntries implements cpu.Hardware. Addresses outside the firmware
// reported loop are ignored.
func (m *Machine) PurgeEntries(cpuID int, addr uint64) {
	atomic.AddUint64(&m.entryPurges, 1)

	idx, ok := m.purgeAt[addr]
	if !ok {
		return
	}

	ps := m.cpus[cpuID]
	ps.mu.Lock()
	ps.sets[idx] = ps.sets[idx][:0]
	ps.mu.Unlock()
}

// SyncICache implements cpu.Hardware.
func (m *Machine) SyncICache(_, _ uintptr) { atomic.AddUint64(&m.icacheSyncs, 1) }

// FlushDCache implements cpu.Hardware.
func (m *Machine) FlushDCache(_, _ uintptr) { atomic.AddUint64(&m.dcacheFlushes, 1) }

// Fence implements cpu.Hardware.
func (m *Machine) Fence() { atomic.AddUint64(&m.fences, 1) }

// SerializeInstr implements cpu.Hardware.
func (m *Machine) SerializeInstr(_ int) { atomic.AddUint64(&m.srlzI, 1) }

// SerializeData implements cpu.Hardware.
func (m *Machine) SerializeData(_ int) { atomic.AddUint64(&m.srlzD, 1) }

// Invala implements cpu.Hardware.
func (m *Machine) Invala(_ int) { atomic.AddUint64(&m.invala, 1) }
