package mm

// RegionBase returns the first virtual address of region r.
func RegionBase(r uint) uintptr {
	return uintptr(r) << RegionShift
}

// RegionOf returns the region number encoded in the top bits of va.
func RegionOf(va uintptr) uint {
	return uint(va >> RegionShift)
}

// RegionOffset strips the region number from va.
func RegionOffset(va uintptr) uintptr {
	return va & (RegionBase(1) - 1)
}

// PhysToRR6 returns the uncacheable direct-mapped alias of pa.
func PhysToRR6(pa uintptr) uintptr {
	return RegionBase(6) | pa
}

// PhysToRR7 returns the cacheable direct-mapped alias of pa.
func PhysToRR7(pa uintptr) uintptr {
	return RegionBase(7) | pa
}

// IsDirectMapped returns true if va lies in one of the two direct-mapped
// regions (6 and 7).
func IsDirectMapped(va uintptr) bool {
	return RegionOf(va) >= 6
}
