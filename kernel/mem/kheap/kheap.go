// Package kheap implements the kernel's small-object allocator (C4): a
// virtual arena above the linear physical window, backed by frames drawn
// from kernel/mem/pmm/allocator and mapped kernel-only through
// kernel/mem/vmm.
package kheap

import (
	"crackos/kernel"
	"crackos/kernel/mem"
	"crackos/kernel/mem/pmm"
	"crackos/kernel/mem/pmm/allocator"
	"crackos/kernel/mem/vmm"
	"unsafe"
)

// header is the allocation metadata embedded immediately before every
// pointer Alloc returns. The heap is a doubly linked list of headers
// threaded through virtual addresses, starting at dummy, the list's
// permanent, never-freed sentinel node. The list is not circular: the last
// header's nextVirtual is 0 and dummy's prevVirtual stays 0.
type header struct {
	size        uintptr // requested size + headerSize
	nextVirtual uintptr
	prevVirtual uintptr
}

const headerSize = unsafe.Sizeof(header{})

var dummy header

func headerAt(addr uintptr) *header {
	return (*header)(unsafe.Pointer(addr))
}

var (
	// mapFn, unmapFn and translateFn indirect over vmm so tests can swap
	// in stubs that don't require a live page table.
	mapFn       = vmm.Map
	unmapFn     = vmm.Unmap
	translateFn = vmm.Translate

	// allocFramesFn and freeFrameFn indirect over the physical allocator.
	allocFramesFn = allocator.AllocFrames
	freeFrameFn   = allocator.FreeFrame

	// heapBaseFn returns the virtual address the arena starts at once the
	// very first allocation is made. Split out as its own seam (rather
	// than referencing vmm.KernelHeapBase directly) because tests need to
	// redirect header reads/writes into real, addressable Go memory.
	heapBaseFn = func() uintptr { return vmm.KernelHeapBase }
)

// Init prepares the heap for use. It must be called once, after C2/C3 are
// initialized and before the first call to Alloc.
func Init() {
	dummy = header{size: headerSize}
}

// Alloc reserves a region of at least size bytes and returns its virtual
// address. See spec §4.4 for the placement strategy: small requests first
// try to fit in the trailing padding of an already-mapped block; otherwise
// the allocator looks for a virtual gap between existing blocks before
// extending the arena at the tail.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	pageSize := uintptr(mem.PageSize)
	realSize := size + headerSize
	pageCount := (realSize + pageSize - 1) / pageSize

	if addr, ok := fitInPadding(realSize, pageSize); ok {
		return addr, nil
	}

	physBase, err := allocFramesFn(uint64(pageCount))
	if err != nil {
		return 0, err
	}

	if addr, ok, err := fitInGap(realSize, pageCount, pageSize, physBase); err != nil {
		return 0, err
	} else if ok {
		return addr, nil
	}

	return extendAtTail(realSize, pageCount, pageSize, physBase)
}

// fitInPadding scans existing blocks for trailing padding, within their
// final page, that can absorb a small request without crossing into a page
// already owned by the following block.
func fitInPadding(realSize, pageSize uintptr) (uintptr, bool) {
	data := &dummy
	for data.nextVirtual != 0 {
		data = headerAt(data.nextVirtual)
		if realSize > pageSize/2 {
			continue
		}

		startOfThisBlock := uintptr(unsafe.Pointer(data))
		endOfThisBlock := startOfThisBlock + data.size
		endOfThisBlockPage := endOfThisBlock &^ (pageSize - 1)

		if data.nextVirtual > endOfThisBlockPage && data.nextVirtual < endOfThisBlockPage+pageSize {
			continue
		}

		remainingSize := endOfThisBlockPage + pageSize - endOfThisBlock
		if remainingSize > realSize {
			newData := headerAt(endOfThisBlock)
			*newData = header{size: realSize, nextVirtual: data.nextVirtual, prevVirtual: startOfThisBlock}
			if data.nextVirtual != 0 {
				headerAt(data.nextVirtual).prevVirtual = endOfThisBlock
			}
			data.nextVirtual = endOfThisBlock
			return endOfThisBlock + headerSize, true
		}
	}

	return 0, false
}

// fitInGap looks for a virtual gap of at least pageCount pages between two
// adjacent blocks and, if found, maps physBase there.
func fitInGap(realSize, pageCount, pageSize, physBase uintptr) (uintptr, bool, *kernel.Error) {
	data := &dummy
	for data.nextVirtual != 0 {
		data = headerAt(data.nextVirtual)
		if data.nextVirtual == 0 {
			break
		}

		startOfThisBlock := uintptr(unsafe.Pointer(data))
		endOfThisBlock := startOfThisBlock + data.size
		lastUsedPageIndex := (endOfThisBlock + pageSize - 1) / pageSize
		startOfNextBlockPageIndex := data.nextVirtual / pageSize
		unusedPages := startOfNextBlockPageIndex - lastUsedPageIndex

		if unusedPages >= pageCount {
			virtualBase := lastUsedPageIndex * pageSize
			if err := mapPages(virtualBase, physBase, pageCount); err != nil {
				return 0, false, err
			}

			newData := headerAt(virtualBase)
			*newData = header{size: realSize, nextVirtual: data.nextVirtual, prevVirtual: startOfThisBlock}
			headerAt(data.nextVirtual).prevVirtual = virtualBase
			data.nextVirtual = virtualBase
			return virtualBase + headerSize, true, nil
		}
	}

	return 0, false, nil
}

// extendAtTail grows the arena past the last block (or starts it at
// heapBaseFn() if this is the very first allocation).
func extendAtTail(realSize, pageCount, pageSize, physBase uintptr) (uintptr, *kernel.Error) {
	data := &dummy
	for data.nextVirtual != 0 {
		data = headerAt(data.nextVirtual)
	}

	var virtualBase uintptr
	if data == &dummy {
		virtualBase = heapBaseFn()
	} else {
		virtualBase = (uintptr(unsafe.Pointer(data)) + data.size + pageSize - 1) &^ (pageSize - 1)
	}

	if err := mapPages(virtualBase, physBase, pageCount); err != nil {
		return 0, err
	}

	newData := headerAt(virtualBase)
	*newData = header{size: realSize, nextVirtual: 0, prevVirtual: uintptr(unsafe.Pointer(data))}
	data.nextVirtual = virtualBase

	return virtualBase + headerSize, nil
}

func mapPages(virtualBase, physBase, pageCount uintptr) *kernel.Error {
	for i := uintptr(0); i < pageCount; i++ {
		page := vmm.PageFromAddress(virtualBase + i*uintptr(mem.PageSize))
		frame := pmm.FrameFromAddress(physBase) + pmm.Frame(i)
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
	}
	return nil
}

// Free releases a region previously returned by Alloc. Every page the block
// spans is released except a first or last page that it shares with the
// preceding or following block; this is a minimal anti-fragmentation
// policy, with no coalescing of adjacent free space across calls.
func Free(ptr uintptr) {
	pageSize := uintptr(mem.PageSize)
	data := headerAt(ptr - headerSize)

	if data.nextVirtual == 0 && data.prevVirtual == 0 {
		return // not a live allocation (double free, or a bogus pointer)
	}

	startOfThisBlock := uintptr(unsafe.Pointer(data))
	endOfThisBlock := startOfThisBlock + data.size
	extendedEnd := (endOfThisBlock | (pageSize - 1)) + 1
	pageStart := startOfThisBlock &^ (pageSize - 1)
	pageCount := (extendedEnd - pageStart) / pageSize

	endPageUsed := data.nextVirtual != 0 && data.nextVirtual < extendedEnd && data.nextVirtual >= extendedEnd-pageSize
	beginPageUsed := data.prevVirtual != 0 && data.prevVirtual < pageStart+pageSize &&
		data.prevVirtual+headerAt(data.prevVirtual).size > pageStart

	if data.nextVirtual != 0 {
		headerAt(data.nextVirtual).prevVirtual = data.prevVirtual
	}
	if data.prevVirtual != 0 {
		headerAt(data.prevVirtual).nextVirtual = data.nextVirtual
	}
	data.nextVirtual = 0
	data.prevVirtual = 0

	if pageCount == 1 {
		if !endPageUsed && !beginPageUsed {
			releasePages(pageStart, 1)
		}
		return
	}

	start := pageStart + pageSize
	count := pageCount - 2
	if !beginPageUsed {
		start -= pageSize
		count++
	}
	if !endPageUsed {
		count++
	}
	releasePages(start, count)
}

func releasePages(virtualStart, pageCount uintptr) {
	pageSize := uintptr(mem.PageSize)
	for i := uintptr(0); i < pageCount; i++ {
		virtAddr := virtualStart + i*pageSize
		if phys, err := translateFn(virtAddr); err == nil {
			freeFrameFn(pmm.FrameFromAddress(phys))
		}
		_ = unmapFn(vmm.PageFromAddress(virtAddr))
	}
}
