// Package pal describes the processor abstraction layer firmware procedures
// consulted by the memory subsystem.
package pal

import "ia64vm/kernel"

// Proc is a firmware procedure index.
type Proc uint64

// Procedure indices used by the memory subsystem.
const (
	ProcPTCEInfo           Proc = 6
	ProcVMSummary          Proc = 8
	ProcMCDrain            Proc = 31
	ProcPrefetchVisibility Proc = 41
)

// Status is the status word returned by a firmware call.
type Status int64

// Status codes.
const (
	StatusOK            Status = 0
	StatusUnimplemented Status = -1
	StatusInvalidArg    Status = -2
	StatusError         Status = -3
)

// Result carries the status and return registers of a firmware call.
type Result struct {
	Status Status
	Value  [3]uint64
}

// Firmware executes static firmware procedures on a given processor.
type Firmware interface {
	Call(cpu int, proc Proc, arg1, arg2, arg3 uint64) Result
}

var (
	// ErrPurgeInfo is returned when the firmware cannot report the ptc.e
	// loop parameters.
	ErrPurgeInfo = &kernel.Error{Module: "pal", Message: "Can't configure ptc.e parameters"}
)

// PurgeParams describes the nested ptc.e loop that flushes the whole
// translation cache of a processor.
type PurgeParams struct {
	Base    uint64
	Count1  uint32
	Count2  uint32
	Stride1 uint32
	Stride2 uint32
}

// QueryPurgeParams asks the firmware for the ptc.e loop parameters.
func QueryPurgeParams(fw Firmware, cpu int) (PurgeParams, *kernel.Error) {
	res := fw.Call(cpu, ProcPTCEInfo, 0, 0, 0)
	if res.Status != StatusOK {
		return PurgeParams{}, ErrPurgeInfo
	}

	return PurgeParams{
		Base:    res.Value[0],
		Count1:  uint32(res.Value[1] >> 32),
		Count2:  uint32(res.Value[1]),
		Stride1: uint32(res.Value[2] >> 32),
		Stride2: uint32(res.Value[2]),
	}, nil
}

// Visit invokes fn with every address of the purge loop in issue order.
func (pp PurgeParams) Visit(fn func(addr uint64)) {
	addr := pp.Base
	for i := uint32(0); i < pp.Count1; i++ {
		for j := uint32(0); j < pp.Count2; j++ {
			fn(addr)
			addr += uint64(pp.Stride2)
		}
		addr += uint64(pp.Stride1)
	}
}

// QueryRegionIDBits returns the number of implemented region id bits. The
// second return value is false if the firmware could not report it.
func QueryRegionIDBits(fw Firmware, cpu int) (uint, bool) {
	res := fw.Call(cpu, ProcVMSummary, 0, 0, 0)
	if res.Status != StatusOK {
		return 0, false
	}

	return uint(res.Value[1]>>8) & 0xff, true
}
