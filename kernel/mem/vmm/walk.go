package vmm

import (
	"crackos/kernel/cpu"
	"crackos/kernel/mem"
	"unsafe"
)

var (
	// tableAtFn resolves the virtual address at which the page table
	// starting at the given physical frame address can be dereferenced.
	// In the running kernel this is arithmetic: tableFrameAddr +
	// tempWindowNonUserBase, valid because C2 bootstrap installs a linear
	// mapping for the first 512 GiB at that base (see constants_amd64.go
	// and spec §6). Tests override it to index into a Go byte slice that
	// stands in for physical memory.
	tableAtFn = func(tableFrameAddr uintptr) uintptr {
		return tableFrameAddr + tempWindowNonUserBase
	}

	// cr3Fn returns the physical address of the currently active top-level
	// page table. Tests override it; the kernel uses cpu.ActivePDT.
	cr3Fn = cpu.ActivePDT

	// entryPtrFn casts an entry's computed virtual address to a pointer.
	// Tests override it to bypass the address arithmetic entirely and
	// hand walk() a fixed in-process pageTableEntry.
	entryPtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address, starting
// from the currently active top-level table (CR3). It calls the supplied
// walkFn with the page table entry that corresponds to each page table
// level; walkFn is responsible for creating missing intermediate tables, as
// Map does, before walk descends into them.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		tableFrame = cr3Fn()
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level = 0; level < pageLevels; level++ {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = (*pageTableEntry)(entryPtrFn(tableAtFn(tableFrame) + entryIndex<<mem.PointerShift))

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame().Address()
	}
}
