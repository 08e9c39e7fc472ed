// Package allocator implements the kernel's physical frame allocator.
package allocator

import (
	"crackos/kernel"
	"crackos/kernel/hal/multiboot"
	"crackos/kernel/kfmt/early"
	"crackos/kernel/mem"
	"crackos/kernel/mem/pmm"
	"unsafe"
)

// regionKind classifies a live region descriptor.
type regionKind uint8

const (
	// kindIgnore marks the singleton list head; it never describes real memory.
	kindIgnore regionKind = iota
	kindUnclaimed
	kindUnusable
	kindAcpiReclaimable
	kindClaimed
)

// descriptor is the in-band record that describes a contiguous run of
// frames. Descriptors for Unclaimed regions are stored inside the first
// frame of the region they describe; this is what lets the allocator work
// before a heap exists. Unusable/AcpiReclaimable descriptors and the list
// head are packed into physical frame 0 instead (see headPage below).
type descriptor struct {
	startPage   pmm.Frame
	pageCount   uint64
	kind        regionKind
	nextPhysPtr uint64 // physical address of the next live Unclaimed descriptor; 0 == end of list
}

// maxHeadSlots bounds the number of Unusable/AcpiReclaimable descriptors that
// can be packed into the head page. Exceeding it is a corruption: the memory
// map handed to us by the bootloader is assumed sane, so running out of
// slots means something is very wrong.
const maxHeadSlots = (int(mem.PageSize) - 40) / 32

// headPage is the layout of physical frame 0: a list head followed by the
// packed array of non-Unclaimed descriptors.
type headPage struct {
	head  descriptor
	count uint32
	_     uint32 // keeps slots 8-byte aligned; head+count+pad take 40 bytes
	slots [maxHeadSlots]descriptor
}

var (
	errOutOfMemory = &kernel.Error{Module: "pmm_alloc", Message: "out of memory"}
	errCorruptHead = &kernel.Error{Module: "pmm_alloc", Message: "head page descriptor count exceeds one page"}
	errDoubleFree  = &kernel.Error{Module: "pmm_alloc", Message: "double free or free of unusable memory"}
)

// descAtFn resolves a physical address to a pointer to the descriptor stored
// there. In the running kernel this goes through the temporary mapping
// window's non-user arithmetic alias (phys + 96TiB, see kernel/mem/vmm);
// tests override it to point into a Go byte slice that stands in for
// physical RAM.
var descAtFn = func(phys uint64) *descriptor {
	return (*descriptor)(unsafe.Pointer(uintptr(phys)))
}

// headAtFn resolves the head page. It is always frame 0; split out as its
// own seam for the same reason as descAtFn.
var headAtFn = func() *headPage {
	return (*headPage)(unsafe.Pointer(uintptr(0)))
}

// FreeListAllocator is the physical frame allocator described in spec.md
// §4.1: free Unclaimed regions are threaded into a singly linked list whose
// node storage is the first frame of the region it describes.
type FreeListAllocator struct {
	initialized bool
}

// Init partitions physical frame 0 into the list head plus the packed
// Unusable/AcpiReclaimable array, walks the Multiboot2 memory map building
// the Unclaimed chain, and finally marks the kernel image and real-mode
// trampoline ranges as used.
func (a *FreeListAllocator) Init(kernelStart, kernelEnd, trampolineStart, trampolineEnd uintptr) *kernel.Error {
	hp := headAtFn()
	*hp = headPage{}
	hp.head.kind = kindIgnore

	var (
		tailPhys uint64
		err      *kernel.Error
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if err != nil {
			return false
		}

		switch classify(region) {
		case kindUnusable, kindAcpiReclaimable:
			if int(hp.count) >= maxHeadSlots {
				err = errCorruptHead
				return false
			}
			hp.slots[hp.count] = descriptor{
				startPage: pmm.FrameFromAddress(uintptr(region.PhysAddress)),
				pageCount: region.Length / uint64(mem.PageSize),
				kind:      classify(region),
			}
			hp.count++
		case kindUnclaimed:
			pageCount := region.Length / uint64(mem.PageSize)
			if pageCount == 0 {
				return true
			}

			d := descAtFn(region.PhysAddress)
			*d = descriptor{
				startPage: pmm.FrameFromAddress(uintptr(region.PhysAddress)),
				pageCount: pageCount,
				kind:      kindUnclaimed,
			}

			if tailPhys == 0 {
				hp.head.nextPhysPtr = region.PhysAddress
			} else {
				descAtFn(tailPhys).nextPhysPtr = region.PhysAddress
			}
			tailPhys = region.PhysAddress
		}
		return true
	})

	if err != nil {
		return err
	}

	a.initialized = true

	if err = a.setUsed(kernelStart, kernelEnd-kernelStart); err != nil {
		return err
	}
	if trampolineEnd > trampolineStart {
		if err = a.setUsed(trampolineStart, trampolineEnd-trampolineStart); err != nil {
			return err
		}
	}

	return nil
}

func classify(region *multiboot.MemoryMapEntry) regionKind {
	switch {
	case region.Type == multiboot.MemAvailable:
		return kindUnclaimed
	case region.Type == multiboot.MemAcpiReclaimable:
		return kindAcpiReclaimable
	default:
		return kindUnusable
	}
}

// Allocate reserves n contiguous frames, carving them from the back of the
// first Unclaimed region large enough to hold them.
func (a *FreeListAllocator) Allocate(n uint64) (uintptr, *kernel.Error) {
	hp := headAtFn()

	var (
		prevPhys uint64
		curPhys  = hp.head.nextPhysPtr
	)

	for curPhys != 0 {
		cur := descAtFn(curPhys)
		if cur.pageCount >= n {
			startPage := cur.startPage + pmm.Frame(cur.pageCount-n)
			cur.pageCount -= n

			if cur.pageCount == 0 {
				if prevPhys == 0 {
					hp.head.nextPhysPtr = cur.nextPhysPtr
				} else {
					descAtFn(prevPhys).nextPhysPtr = cur.nextPhysPtr
				}
			}

			return startPage.Address(), nil
		}

		prevPhys = curPhys
		curPhys = cur.nextPhysPtr
	}

	return 0, errOutOfMemory
}

// Free releases n frames starting at physAddr back to the Unclaimed list.
// Frees that land inside an Unusable region, or that overlap an already-free
// Unclaimed region (a double free), are ignored: the lists are left
// unchanged and one diagnostic line is printed through early.Printf.
func (a *FreeListAllocator) Free(physAddr uintptr, n uint64) {
	hp := headAtFn()
	startPage := pmm.FrameFromAddress(physAddr)
	endPage := startPage + pmm.Frame(n)

	for i := uint32(0); i < hp.count; i++ {
		s := hp.slots[i]
		if s.kind != kindUnusable {
			continue
		}
		if rangesOverlap(startPage, endPage, s.startPage, s.startPage+pmm.Frame(s.pageCount)) {
			early.Printf("[pmm_alloc] %s: 0x%x\n", errDoubleFree.Message, physAddr)
			return
		}
	}

	for curPhys := hp.head.nextPhysPtr; curPhys != 0; curPhys = descAtFn(curPhys).nextPhysPtr {
		cur := descAtFn(curPhys)
		if rangesOverlap(startPage, endPage, cur.startPage, cur.startPage+pmm.Frame(cur.pageCount)) {
			early.Printf("[pmm_alloc] %s: 0x%x\n", errDoubleFree.Message, physAddr)
			return
		}
	}

	d := descAtFn(uint64(physAddr))
	*d = descriptor{startPage: startPage, pageCount: n, kind: kindUnclaimed, nextPhysPtr: hp.head.nextPhysPtr}
	hp.head.nextPhysPtr = uint64(physAddr)

	a.coalesce()
}

func rangesOverlap(aStart, aEnd, bStart, bEnd pmm.Frame) bool {
	return aStart < bEnd && bStart < aEnd
}

// coalesce repeatedly merges adjacent Unclaimed regions until none abut.
// Quadratic in the number of live regions, which is acceptable: there are
// never more than a handful of Unclaimed regions on real hardware.
func (a *FreeListAllocator) coalesce() {
	hp := headAtFn()

	for {
		merged := false

		for curPhys := hp.head.nextPhysPtr; curPhys != 0 && !merged; curPhys = descAtFn(curPhys).nextPhysPtr {
			cur := descAtFn(curPhys)
			curEnd := cur.startPage + pmm.Frame(cur.pageCount)

			prevPhys := uint64(0)
			for otherPhys := hp.head.nextPhysPtr; otherPhys != 0; otherPhys = descAtFn(otherPhys).nextPhysPtr {
				if otherPhys != curPhys {
					other := descAtFn(otherPhys)

					if other.startPage == curEnd {
						cur.pageCount += other.pageCount
						removeNode(hp, prevPhys, otherPhys, other.nextPhysPtr)
						merged = true
						break
					}
					if other.startPage+pmm.Frame(other.pageCount) == cur.startPage {
						other.pageCount += cur.pageCount
						removeNode(hp, findPrev(hp, curPhys), curPhys, cur.nextPhysPtr)
						merged = true
						break
					}
				}
				prevPhys = otherPhys
			}
		}

		if !merged {
			return
		}
	}
}

// removeNode unlinks the node at targetPhys (whose predecessor is prevPhys,
// 0 meaning the list head) from the list, splicing in targetNext.
func removeNode(hp *headPage, prevPhys, targetPhys, targetNext uint64) {
	if prevPhys == 0 {
		hp.head.nextPhysPtr = targetNext
		return
	}
	descAtFn(prevPhys).nextPhysPtr = targetNext
}

// findPrev returns the physical address of the node preceding targetPhys in
// the Unclaimed list, or 0 if targetPhys is the first node.
func findPrev(hp *headPage, targetPhys uint64) uint64 {
	prev := uint64(0)
	for phys := hp.head.nextPhysPtr; phys != 0; phys = descAtFn(phys).nextPhysPtr {
		if phys == targetPhys {
			return prev
		}
		prev = phys
	}
	return 0
}

// setUsed removes [start, start+length) from the Unclaimed list, splitting
// or trimming descriptors as needed (disjoint / cover / trim-front /
// trim-back / split).
func (a *FreeListAllocator) setUsed(start, length uintptr) *kernel.Error {
	hp := headAtFn()

	if length == 0 {
		return nil
	}

	alignedStart := pmm.FrameFromAddress(start)
	alignedEnd := pmm.FrameFromAddress((start + length + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1))

	prevPhys := uint64(0)
	curPhys := hp.head.nextPhysPtr

	for curPhys != 0 {
		cur := descAtFn(curPhys)
		regionStart := cur.startPage
		regionEnd := cur.startPage + pmm.Frame(cur.pageCount)
		nextPhys := cur.nextPhysPtr

		switch {
		case alignedEnd <= regionStart || alignedStart >= regionEnd:
			// disjoint: nothing to do; keep prevPhys pointing at this node.
			prevPhys = curPhys

		case alignedStart <= regionStart && alignedEnd >= regionEnd:
			// cover: the whole region becomes used; unlink it.
			if prevPhys == 0 {
				hp.head.nextPhysPtr = nextPhys
			} else {
				descAtFn(prevPhys).nextPhysPtr = nextPhys
			}
			// prevPhys is unchanged: the node after the removed one becomes
			// its successor for the next iteration.

		case alignedStart <= regionStart:
			// trim-front: relocate the descriptor to the new start frame,
			// which itself lives inside the region being trimmed.
			newStartAddr := alignedEnd.Address()
			*descAtFn(newStartAddr) = descriptor{
				startPage:   alignedEnd,
				pageCount:   uint64(regionEnd - alignedEnd),
				kind:        kindUnclaimed,
				nextPhysPtr: nextPhys,
			}
			if prevPhys == 0 {
				hp.head.nextPhysPtr = newStartAddr
			} else {
				descAtFn(prevPhys).nextPhysPtr = newStartAddr
			}
			prevPhys = newStartAddr

		case alignedEnd >= regionEnd:
			// trim-back: the descriptor's home frame is unaffected.
			cur.pageCount = uint64(alignedStart - regionStart)
			prevPhys = curPhys

		default:
			// split: shrink the front half in place, allocate a new
			// descriptor at the aligned end of the hole for the back half.
			backAddr := alignedEnd.Address()
			*descAtFn(backAddr) = descriptor{
				startPage:   alignedEnd,
				pageCount:   uint64(regionEnd - alignedEnd),
				kind:        kindUnclaimed,
				nextPhysPtr: nextPhys,
			}
			cur.pageCount = uint64(alignedStart - regionStart)
			cur.nextPhysPtr = backAddr
			prevPhys = backAddr
		}

		curPhys = nextPhys
	}

	return nil
}

// PrintMemoryMap logs the regions currently tracked by the allocator.
func (a *FreeListAllocator) PrintMemoryMap() {
	hp := headAtFn()
	early.Printf("[pmm_alloc] unusable/reclaimable regions: %d\n", hp.count)
	for i := uint32(0); i < hp.count; i++ {
		s := hp.slots[i]
		early.Printf("\t[0x%x - 0x%x) kind=%d\n", s.startPage.Address(), s.startPage.Address()+uintptr(s.pageCount)*uintptr(mem.PageSize), s.kind)
	}

	early.Printf("[pmm_alloc] unclaimed regions:\n")
	for phys := hp.head.nextPhysPtr; phys != 0; phys = descAtFn(phys).nextPhysPtr {
		d := descAtFn(phys)
		early.Printf("\t[0x%x - 0x%x)\n", d.startPage.Address(), d.startPage.Address()+uintptr(d.pageCount)*uintptr(mem.PageSize))
	}
}

// defaultAllocator is the singleton FreeListAllocator wired up by Init and
// used by the package-level AllocFrame/FreeFrame helpers. Callers that need
// direct access to the allocator (e.g. to call PrintMemoryMap) can still
// construct their own FreeListAllocator value.
var defaultAllocator FreeListAllocator

// Init partitions physical memory using the default allocator instance; see
// (*FreeListAllocator).Init.
func Init(kernelStart, kernelEnd, trampolineStart, trampolineEnd uintptr) *kernel.Error {
	return defaultAllocator.Init(kernelStart, kernelEnd, trampolineStart, trampolineEnd)
}

// AllocFrame allocates a single physical frame using the default allocator
// instance. It is used to satisfy vmm.FrameAllocatorFn wherever a single
// frame (rather than a run of n frames) is required.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	addr, err := defaultAllocator.Allocate(1)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return pmm.FrameFromAddress(addr), nil
}

// FreeFrame releases a single physical frame previously handed out by
// AllocFrame back to the default allocator instance.
func FreeFrame(frame pmm.Frame) {
	defaultAllocator.Free(frame.Address(), 1)
}

// AllocFrames allocates n contiguous physical frames using the default
// allocator instance and returns the physical address of the first one. It
// is used by callers (e.g. kernel/mem/kheap) that need a multi-page region
// backed by contiguous physical memory rather than a single frame.
func AllocFrames(n uint64) (uintptr, *kernel.Error) {
	return defaultAllocator.Allocate(n)
}

// FreeFrames releases n contiguous physical frames previously handed out by
// AllocFrames back to the default allocator instance.
func FreeFrames(physAddr uintptr, n uint64) {
	defaultAllocator.Free(physAddr, n)
}

// PrintMemoryMap logs the regions tracked by the default allocator instance.
func PrintMemoryMap() {
	defaultAllocator.PrintMemoryMap()
}
