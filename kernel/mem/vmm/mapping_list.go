package vmm

import (
	"crackos/kernel"
	"crackos/kernel/mem"
	"crackos/kernel/mem/pmm"
)

// MappingFlags carries the permission bits spec.md's mapping-range type
// exposes to callers, independent of the larger PageTableEntryFlag bit set
// Map itself understands.
type MappingFlags struct {
	Writable   bool
	Executable bool
}

func (f MappingFlags) pteFlags() PageTableEntryFlag {
	flags := FlagPresent
	if f.Writable {
		flags |= FlagRW
	}
	if !f.Executable {
		flags |= FlagNoExecute
	}
	return flags
}

// Range is one node of an AddressSpace's mapping list: a single
// virtually-and-physically-contiguous run of pages sharing one set of
// flags.
type Range struct {
	VirtAddr uintptr
	PhysAddr uintptr
	Size     uintptr
	Flags    MappingFlags

	next *Range
}

func (r *Range) end() uintptr { return r.VirtAddr + r.Size }

// AddressSpace owns a singly linked list of Ranges. Nodes are never shared
// across address spaces; each process gets its own.
type AddressSpace struct {
	head *Range
}

var errNoMapping = &kernel.Error{Module: "vmm", Message: "no mapping range contains the requested region"}

// Map prepends a new Range describing [virt, virt+size) to the list.
func (as *AddressSpace) Map(virt, phys, size uintptr, flags MappingFlags) {
	as.head = &Range{VirtAddr: virt, PhysAddr: phys, Size: size, Flags: flags, next: as.head}
}

// Unmap removes [virt, virt+size) from whichever Range contains it: deleting
// the node on an exact cover, trimming one end, or splitting the node into
// two around an interior cut (spec.md §4.9).
func (as *AddressSpace) Unmap(virt, size uintptr) *kernel.Error {
	reqEnd := virt + size

	var prev *Range
	for r := as.head; r != nil; prev, r = r, r.next {
		if virt < r.VirtAddr || reqEnd > r.end() {
			continue
		}

		switch {
		case virt == r.VirtAddr && reqEnd == r.end():
			if prev == nil {
				as.head = r.next
			} else {
				prev.next = r.next
			}

		case virt == r.VirtAddr:
			r.PhysAddr += size
			r.VirtAddr += size
			r.Size -= size

		case reqEnd == r.end():
			r.Size -= size

		default:
			tail := &Range{
				VirtAddr: reqEnd,
				PhysAddr: r.PhysAddr + (reqEnd - r.VirtAddr),
				Size:     r.end() - reqEnd,
				Flags:    r.Flags,
				next:     r.next,
			}
			r.Size = virt - r.VirtAddr
			r.next = tail
		}

		return nil
	}

	return errNoMapping
}

// Compact repeatedly fuses consecutive list nodes that are both virtually
// and physically adjacent and carry identical flags (spec.md §4.9).
func (as *AddressSpace) Compact() {
	for r := as.head; r != nil && r.next != nil; {
		n := r.next
		if r.end() == n.VirtAddr && r.PhysAddr+r.Size == n.PhysAddr && r.Flags == n.Flags {
			r.Size += n.Size
			r.next = n.next
			continue
		}
		r = r.next
	}
}

// Load installs every Range's pages into the active page tables via Map
// (spec.md §4.9 load()).
func (as *AddressSpace) Load() *kernel.Error {
	for r := as.head; r != nil; r = r.next {
		if err := loadRange(r); err != nil {
			return err
		}
	}
	return nil
}

// Unload tears down every Range's pages via Unmap, symmetric to Load.
func (as *AddressSpace) Unload() *kernel.Error {
	for r := as.head; r != nil; r = r.next {
		if err := unloadRange(r); err != nil {
			return err
		}
	}
	return nil
}

func loadRange(r *Range) *kernel.Error {
	flags := r.Flags.pteFlags()
	pageCount := r.Size / uintptr(mem.PageSize)
	for i := uintptr(0); i < pageCount; i++ {
		page := PageFromAddress(r.VirtAddr + i*uintptr(mem.PageSize))
		frame := pmm.FrameFromAddress(r.PhysAddr + i*uintptr(mem.PageSize))
		if err := mapFn(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

func unloadRange(r *Range) *kernel.Error {
	pageCount := r.Size / uintptr(mem.PageSize)
	for i := uintptr(0); i < pageCount; i++ {
		page := PageFromAddress(r.VirtAddr + i*uintptr(mem.PageSize))
		if err := unmapFn(page); err != nil {
			return err
		}
	}
	return nil
}
