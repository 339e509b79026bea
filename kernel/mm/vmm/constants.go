package vmm

import "ia64vm/kernel/mm"

// Prot is a set of access rights requested for a mapping.
type Prot uint8

const (
	// ProtNone grants no access.
	ProtNone Prot = 0

	// ProtRead grants read access.
	ProtRead Prot = 1

	// ProtWrite grants write access.
	ProtWrite Prot = 2

	// ProtExecute grants instruction fetch.
	ProtExecute Prot = 4

	// ProtAll grants every access right.
	ProtAll = ProtRead | ProtWrite | ProtExecute
)

// EnterFlag modifies the behavior of Enter.
type EnterFlag uint8

const (
	// EnterWired marks the new mapping as wired. Wired mappings are never
	// reclaimed.
	EnterWired EnterFlag = 1 << iota

	// EnterNoSleep makes Enter fail with ErrResourceShortage instead of
	// waiting for memory.
	EnterNoSleep
)

// MemAttr is the memory attribute of a mapping. The values are the encoded
// memory attribute field of a translation entry.
type MemAttr uint8

const (
	MemAttrWriteBack           MemAttr = 0x00
	MemAttrUncacheable         MemAttr = 0x10
	MemAttrUncacheableExported MemAttr = 0x14
	MemAttrWriteCombining      MemAttr = 0x18
	MemAttrNaTPage             MemAttr = 0x1c
)

// Advice is a hint passed to Advise.
type Advice uint8

const (
	// AdviseDontNeed declares that the range will not be accessed soon. The
	// modified state of its pages is preserved.
	AdviseDontNeed Advice = iota

	// AdviseFree declares that the contents of the range can be discarded.
	AdviseFree
)

// Residency flags returned by Mincore.
const (
	MincoreInCore          = 0x1
	MincoreReferenced      = 0x2
	MincoreModified        = 0x4
	MincoreReferencedOther = 0x8
	MincoreModifiedOther   = 0x10
)

const (
	// pageTableEntrySize is the size of a long format translation entry.
	pageTableEntrySize = 32

	// ptesPerPage is the number of translation entries backed by a frame.
	ptesPerPage = int(mm.PageSize / pageTableEntrySize)

	// kptDirEntries is the fan-out of the two directory levels.
	kptDirEntries = int(mm.PageSize / 8)

	// Shifts and masks that split a region 5 offset into directory
	// indices.
	kptePageShift = uint(mm.PageShift)
	kptePageMask  = uintptr(ptesPerPage - 1)
	kptDir1Shift  = kptePageShift + 8
	kptDir0Shift  = kptDir1Shift + 10
	kptDirMask    = uintptr(kptDirEntries - 1)

	// nkptePage is the address space covered by one leaf page.
	nkptePage = uintptr(ptesPerPage) << kptePageShift

	// defaultMaxKernelPTPages is the number of directory and leaf pages
	// needed to describe the whole kernel region.
	defaultMaxKernelPTPages = kptDirEntries + kptDirEntries*kptDirEntries

	// pvChunkEntries is the number of reverse-map entries that fit in a
	// chunk page next to its header.
	pvChunkEntries = 337

	// pvChunkWords is the size of the free bitmap of a chunk.
	pvChunkWords = (pvChunkEntries + 63) / 64

	// pvChunkLastMask covers the valid bits of the last bitmap word.
	pvChunkLastMask = uint64(1)<<(pvChunkEntries%64) - 1

	// pageExistsScan is the number of reverse-map entries examined by
	// PageExistsQuick.
	pageExistsScan = 16

	// icacheLine is the granule used by SyncICache.
	icacheLine = uintptr(32)
)

var (
	// maxKernelAddress is the last address of the directory-mapped region.
	maxKernelAddress = mm.KernelBase + (uintptr(1) << (kptDir0Shift + 10)) - 1
)
