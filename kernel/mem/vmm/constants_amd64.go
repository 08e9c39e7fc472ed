// +build amd64

package vmm

import "crackos/kernel/mem"

// pageLevels is the depth of the amd64 paging hierarchy (PML4, PDPT, PD, PT).
const pageLevels = 4

// pageLevelShifts holds, for each level, the bit offset of the index field
// inside a canonical 48-bit virtual address.
var pageLevelShifts = [pageLevels]uintptr{39, 30, 21, 12}

// pageLevelBits holds the width (in bits) of the index field at each level.
// All four levels use a 9-bit index on amd64.
var pageLevelBits = [pageLevels]uintptr{9, 9, 9, 9}

// ptePhysPageMask isolates the physical frame address encoded in a page
// table entry, excluding the flag bits in the low 12 and the NX bit at 63.
const ptePhysPageMask = 0x000ffffffffff000

// Fixed virtual layout (see spec §6). Rather than gopher-os's recursively
// self-mapped PML4, this kernel dedicates a linear window to the first
// 512 GiB of physical memory and derives every other region from it.
const (
	// identityLimit is the extent of the bootstrap identity map handed off
	// by the 32-bit stub; the linear window below covers the same range.
	identityLimit = 512 << 30

	// tempWindowUserBase is the start of the per-user temporary mapping
	// arena (C3, user callers).
	tempWindowUserBase uintptr = 32 << 40

	// KernelHeapBase is the start of the kernel heap arena (C4). Exported
	// so kernel/mem/kheap can anchor its virtual arena without duplicating
	// the address layout from spec §6.
	KernelHeapBase uintptr = 80 << 40

	// tempWindowNonUserBase is the start of the linear physical window:
	// phys address p is always reachable at tempWindowNonUserBase+p for
	// p < identityLimit. This is also the base non-user C3 uses.
	tempWindowNonUserBase uintptr = 96 << 40

	// tempMappingAddr is the fixed virtual page used by MapTemporary. It
	// must land in the gap between KernelHeapBase's arena and
	// tempWindowNonUserBase: installLinearWindow maps
	// [tempWindowNonUserBase, tempWindowNonUserBase+identityLimit) as
	// 1 GiB huge pages, and a huge-page leaf can't be walked any deeper by
	// Map, so a temp-mapping target inside that range always fails with
	// errNoHugePageSupport. One page below tempWindowNonUserBase keeps the
	// entire gap free for the heap arena to grow into while staying well
	// clear of the huge-page window.
	tempMappingAddr uintptr = tempWindowNonUserBase - uintptr(mem.PageSize)
)

// Page table entry flags. Bit positions follow the amd64 architecture manual;
// FlagCopyOnWrite reuses one of the three software-available bits (9-11).
const (
	FlagPresent      PageTableEntryFlag = 1 << 0
	FlagRW           PageTableEntryFlag = 1 << 1
	FlagUser         PageTableEntryFlag = 1 << 2
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	FlagCacheDisable PageTableEntryFlag = 1 << 4
	FlagHugePage     PageTableEntryFlag = 1 << 7
	FlagCopyOnWrite  PageTableEntryFlag = 1 << 9
	FlagNoExecute    PageTableEntryFlag = 1 << 63
)
