package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(13)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageMask selects the offset of an address within its page.
	PageMask = PageSize - 1

	// RegionShift is the position of the 3-bit virtual region number.
	RegionShift = 61

	// Regions is the number of virtual regions.
	Regions = 8

	// UserRegions is the number of regions (0 to UserRegions-1) whose
	// region ids belong to an address space. Regions at or above it are
	// kernel regions.
	UserRegions = 4

	// KernelRegion is the region that holds the dynamically grown kernel
	// virtual address space.
	KernelRegion = 5

	// ImplVABits is the number of implemented virtual address bits within a
	// region.
	ImplVABits = 51
)

var (
	// MaxUserAddress is the first address past the user regions.
	MaxUserAddress = RegionBase(UserRegions)

	// KernelBase is the first address of the directory-mapped kernel region.
	KernelBase = RegionBase(KernelRegion)
)
