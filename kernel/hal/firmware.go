package hal

import "ia64vm/kernel/pal"

// Call implements pal.Firmware.
func (m *Machine) Call(cpuID int, proc pal.Proc, _, _, _ uint64) pal.Result {
	ps := m.cpus[cpuID]
	ps.mu.Lock()
	ps.palCalls[proc]++
	ps.mu.Unlock()

	switch proc {
	case pal.ProcPTCEInfo:
		if m.cfg.FailPurgeInfo {
			return pal.Result{Status: pal.StatusError}
		}
		pp := m.cfg.Purge
		return pal.Result{Value: [3]uint64{
			pp.Base,
			uint64(pp.Count1)<<32 | uint64(pp.Count2),
			uint64(pp.Stride1)<<32 | uint64(pp.Stride2),
		}}
	case pal.ProcVMSummary:
		if m.cfg.FailVMSummary {
			return pal.Result{Status: pal.StatusUnimplemented}
		}
		return pal.Result{Value: [3]uint64{0, uint64(m.cfg.RegionIDBits&0xff) << 8, 0}}
	case pal.ProcPrefetchVisibility, pal.ProcMCDrain:
		return pal.Result{}
	default:
		return pal.Result{Status: pal.StatusUnimplemented}
	}
}
