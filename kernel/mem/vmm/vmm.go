package vmm

import (
	"crackos/kernel"
	"crackos/kernel/cpu"
	"crackos/kernel/irq"
	"crackos/kernel/kfmt"
	"crackos/kernel/mem"
	"crackos/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    pmm.Frame
			tmpPage Page
			err     *kernel.Error
		)

		if copy, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			mem.Memcopy(faultPage.Address(), tmpPage.Address(), mem.PageSize)
			unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	// TODO: Revisit this when user-mode tasks are implemented
	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	// TODO: Revisit this when user-mode tasks are implemented
	panic(errUnrecoverableFault)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init initializes the vmm system: it installs the linear physical window
// used by C3's non-user arithmetic alias and by walk() to dereference
// intermediate page tables, then installs paging-related exception handlers.
func Init() *kernel.Error {
	if err := installLinearWindow(); err != nil {
		return err
	}

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

// installLinearWindow maps the first identityLimit bytes of physical memory
// as 1 GiB huge pages starting at virtual address tempWindowNonUserBase. This
// is what makes the tableAtFn/C3 arithmetic (phys + 96 TiB) valid, and is
// also what lets walk() dereference any page table CR3 or an intermediate
// entry points at, since those tables are always allocated below
// identityLimit.
func installLinearWindow() *kernel.Error {
	const hugePageSize = uintptr(1) << 30

	for phys := uintptr(0); phys < identityLimit; phys += hugePageSize {
		if err := mapHugeGigabyte(phys, tempWindowNonUserBase+phys); err != nil {
			return err
		}
	}

	return nil
}

// mapHugeGigabyte installs a 1 GiB-huge, writable, cache-disabled,
// kernel-only leaf entry at the PDPT level (pteLevel 1) for the given
// virtual address, allocating any missing PML4 entry along the way.
func mapHugeGigabyte(physAddr, virtAddr uintptr) *kernel.Error {
	var err *kernel.Error

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		switch pteLevel {
		case 0:
			if !pte.HasFlags(FlagPresent) {
				var newTableFrame pmm.Frame
				if newTableFrame, err = frameAllocator(); err != nil {
					return false
				}

				*pte = 0
				pte.SetFrame(newTableFrame)
				pte.SetFlags(FlagPresent | FlagRW)
				mem.Memset(tableAtFn(newTableFrame.Address()), 0, mem.PageSize)
			}
			return true
		case 1:
			*pte = 0
			pte.SetFrame(pmm.Frame(physAddr >> mem.PageShift))
			pte.SetFlags(FlagPresent | FlagRW | FlagHugePage | FlagWriteThrough | FlagCacheDisable | FlagNoExecute)
			return false
		default:
			return false
		}
	})

	return err
}
