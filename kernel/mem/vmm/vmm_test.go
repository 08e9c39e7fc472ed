package vmm

import (
	"bytes"
	"fmt"
	"crackos/kernel"
	"crackos/kernel/cpu"
	"crackos/kernel/irq"
	"crackos/kernel/kfmt"
	"crackos/kernel/mem"
	"crackos/kernel/mem/pmm"
	"strings"
	"testing"
	"unsafe"
)

func TestRecoverablePageFault(t *testing.T) {
	var (
		frame      irq.Frame
		regs       irq.Regs
		pageEntry  pageTableEntry
		origPage   = make([]byte, mem.PageSize)
		clonedPage = make([]byte, mem.PageSize)
		err        = &kernel.Error{Module: "test", Message: "something went wrong"}
	)

	defer func(origEntryPtr func(uintptr) unsafe.Pointer) {
		entryPtrFn = origEntryPtr
		readCR2Fn = cpu.ReadCR2
		frameAllocator = nil
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		flushTLBEntryFn = cpu.FlushTLBEntry
	}(entryPtrFn)

	specs := []struct {
		pteFlags   PageTableEntryFlag
		allocError *kernel.Error
		mapError   *kernel.Error
		expPanic   bool
	}{
		// Missing pge
		{0, nil, nil, true},
		// Page is present but CoW flag not set
		{FlagPresent, nil, nil, true},
		// Page is present but both CoW and RW flags set
		{FlagPresent | FlagRW | FlagCopyOnWrite, nil, nil, true},
		// Page is present with CoW flag set but allocating a page copy fails
		{FlagPresent | FlagCopyOnWrite, err, nil, true},
		// Page is present with CoW flag set but mapping the page copy fails
		{FlagPresent | FlagCopyOnWrite, nil, err, true},
		// Page is present with CoW flag set
		{FlagPresent | FlagCopyOnWrite, nil, nil, false},
	}

	entryPtrFn = func(entry uintptr) unsafe.Pointer { return unsafe.Pointer(&pageEntry) }
	readCR2Fn = func() uint64 { return uint64(uintptr(unsafe.Pointer(&origPage[0]))) }
	unmapFn = func(_ Page) *kernel.Error { return nil }
	flushTLBEntryFn = func(_ uintptr) {}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			defer func() {
				err := recover()
				if spec.expPanic && err == nil {
					t.Error("expected a panic")
				} else if !spec.expPanic {
					if err != nil {
						t.Error("unexpected panic")
						return
					}

					for i := 0; i < len(origPage); i++ {
						if origPage[i] != clonedPage[i] {
							t.Errorf("expected clone page to be a copy of the original page; mismatch at index %d", i)
						}
					}
				}
			}()

			mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), spec.mapError }
			SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
				addr := uintptr(unsafe.Pointer(&clonedPage[0]))
				return pmm.Frame(addr >> mem.PageShift), spec.allocError
			})

			for i := 0; i < len(origPage); i++ {
				origPage[i] = byte(i % 256)
				clonedPage[i] = 0
			}

			pageEntry = 0
			pageEntry.SetFlags(spec.pteFlags)

			pageFaultHandler(2, &frame, &regs)
		})
	}

}

func TestNonRecoverablePageFault(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
	}()

	specs := []struct {
		errCode   uint64
		expReason string
	}{
		{
			0,
			"read from non-present page",
		},
		{
			1,
			"page protection violation (read)",
		},
		{
			2,
			"write to non-present page",
		},
		{
			3,
			"page protection violation (write)",
		},
		{
			4,
			"page-fault in user-mode",
		},
		{
			8,
			"page table has reserved bit set",
		},
		{
			16,
			"instruction fetch",
		},
		{
			0xf00,
			"unknown",
		},
	}

	var (
		regs  irq.Regs
		frame irq.Frame
		buf   bytes.Buffer
	)

	kfmt.SetOutputSink(&buf)
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			defer func() {
				if err := recover(); err != errUnrecoverableFault {
					t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
				}
			}()

			nonRecoverablePageFault(0xbadf00d000, spec.errCode, &frame, &regs, errUnrecoverableFault)
			if got := buf.String(); !strings.Contains(got, spec.expReason) {
				t.Errorf("expected reason %q; got output:\n%q", spec.expReason, got)
			}
		})
	}
}

func TestGPFHandler(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
	}()

	var (
		regs  irq.Regs
		frame irq.Frame
	)

	readCR2Fn = func() uint64 {
		return 0xbadf00d000
	}

	defer func() {
		if err := recover(); err != errUnrecoverableFault {
			t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
		}
	}()

	generalProtectionFaultHandler(0, &frame, &regs)
}

func TestInit(t *testing.T) {
	defer func() {
		frameAllocator = nil
		tableAtFn = func(tableFrameAddr uintptr) uintptr { return tableFrameAddr + tempWindowNonUserBase }
		cr3Fn = cpu.ActivePDT
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	}()

	// Back the whole identity-mapped window with one in-process buffer so
	// installLinearWindow's table allocations and huge-page writes land
	// somewhere safe to dereference.
	phys := make([]byte, mem.PageSize*8)
	base := uintptr(unsafe.Pointer(&phys[0]))
	tableAtFn = func(tableFrameAddr uintptr) uintptr { return base + tableFrameAddr }
	cr3Fn = func() uintptr { return 0 }

	reservedPage := make([]byte, mem.PageSize)

	t.Run("success", func(t *testing.T) {
		for i := 0; i < len(reservedPage); i++ {
			reservedPage[i] = byte(i % 256)
		}

		// installLinearWindow needs exactly one frame (the PDPT table); its
		// contents are cleared through tableAtFn, so any page-aligned
		// number works. reserveZeroedFrame's frame is cleared directly
		// through mapTemporaryFn/Page.Address() with no base redirection,
		// so it must resolve to real, writable memory.
		allocCount := 0
		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			defer func() { allocCount++ }()
			if allocCount == 0 {
				return pmm.Frame(1), nil
			}
			addr := uintptr(unsafe.Pointer(&reservedPage[0]))
			return pmm.Frame(addr >> mem.PageShift), nil
		})
		unmapFn = func(p Page) *kernel.Error { return nil }
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), nil }
		handleExceptionWithCodeFn = func(_ irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {}

		if err := Init(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("linear window fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			return pmm.InvalidFrame, expErr
		})

		if err := Init(); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})
}

func TestInstallLinearWindow(t *testing.T) {
	defer func() {
		frameAllocator = nil
		tableAtFn = func(tableFrameAddr uintptr) uintptr { return tableFrameAddr + tempWindowNonUserBase }
		cr3Fn = cpu.ActivePDT
	}()

	phys := make([]byte, mem.PageSize*4)
	base := uintptr(unsafe.Pointer(&phys[0]))
	tableAtFn = func(tableFrameAddr uintptr) uintptr { return base + tableFrameAddr }
	cr3Fn = func() uintptr { return 0 }

	t.Run("allocation failure propagates", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}
		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr })

		if err := installLinearWindow(); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})

	t.Run("installs a present, huge, NX leaf for the first gigabyte", func(t *testing.T) {
		nextFrame := uintptr(mem.PageSize)
		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			defer func() { nextFrame += uintptr(mem.PageSize) }()
			return pmm.Frame(nextFrame >> mem.PageShift), nil
		})

		if err := mapHugeGigabyte(0, tempWindowNonUserBase); err != nil {
			t.Fatal(err)
		}

		pml4Index := (tempWindowNonUserBase >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1)
		pml4Entry := (*pageTableEntry)(unsafe.Pointer(tableAtFn(0) + pml4Index<<mem.PointerShift))
		if !pml4Entry.HasFlags(FlagPresent) {
			t.Fatal("expected PML4 entry to be present")
		}

		pdptIndex := (tempWindowNonUserBase >> pageLevelShifts[1]) & ((1 << pageLevelBits[1]) - 1)
		pdptEntry := (*pageTableEntry)(unsafe.Pointer(tableAtFn(pml4Entry.Frame().Address()) + pdptIndex<<mem.PointerShift))
		if !pdptEntry.HasFlags(FlagPresent | FlagHugePage | FlagNoExecute) {
			t.Error("expected PDPT leaf to be present, huge and non-executable")
		}
		if pdptEntry.Frame() != 0 {
			t.Errorf("expected PDPT leaf to point at frame 0; got %d", pdptEntry.Frame())
		}
	})
}

// TestMapTemporaryAfterLinearWindow guards against tempMappingAddr landing
// inside the linear window's huge-page range: it installs the real linear
// window and then drives the real MapTemporary (not a stub) against it, so a
// regression that moves tempMappingAddr back under tempWindowNonUserBase
// fails with errNoHugePageSupport here instead of only at boot.
func TestMapTemporaryAfterLinearWindow(t *testing.T) {
	defer func() {
		frameAllocator = nil
		tableAtFn = func(tableFrameAddr uintptr) uintptr { return tableFrameAddr + tempWindowNonUserBase }
		cr3Fn = cpu.ActivePDT
	}()

	// One page backs the PML4 table itself (frame 0); one more backs
	// installLinearWindow's single PDPT table (reused for all 512 GiB of
	// huge-page entries since they all share the same PML4 slot); three
	// more back tempMappingAddr's own PDPT/PD/PT tables, which live under a
	// different PML4 slot since tempMappingAddr sits one page below the
	// window.
	const tableCount = 5
	phys := make([]byte, mem.PageSize*tableCount)
	base := uintptr(unsafe.Pointer(&phys[0]))
	tableAtFn = func(tableFrameAddr uintptr) uintptr { return base + tableFrameAddr }
	cr3Fn = func() uintptr { return 0 }

	nextFrame := uintptr(mem.PageSize)
	SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
		defer func() { nextFrame += uintptr(mem.PageSize) }()
		return pmm.Frame(nextFrame >> mem.PageShift), nil
	})

	if err := installLinearWindow(); err != nil {
		t.Fatal(err)
	}

	scratchFrame := pmm.Frame(0xabcd)
	page, err := MapTemporary(scratchFrame)
	if err != nil {
		t.Fatalf("expected MapTemporary to succeed once the linear window is live; got %v", err)
	}

	if got := page.Address(); got != tempMappingAddr {
		t.Fatalf("expected temp mapping virtual address to be %x; got %x", tempMappingAddr, got)
	}

	// Walk tempMappingAddr by hand to confirm it descends through ordinary
	// 4 KiB tables all the way to a leaf, rather than stopping early on one
	// of the window's huge-page entries.
	addr := tempMappingAddr
	tableFrame := uintptr(0)
	for level := 0; level < pageLevels; level++ {
		entryIndex := (addr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := (*pageTableEntry)(unsafe.Pointer(tableAtFn(tableFrame) + entryIndex<<mem.PointerShift))

		if !pte.HasFlags(FlagPresent) {
			t.Fatalf("expected level %d entry to be present", level)
		}
		if level < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			t.Fatalf("expected level %d entry not to be a huge page", level)
		}

		if level == pageLevels-1 {
			if pte.Frame() != scratchFrame {
				t.Fatalf("expected leaf frame to be %d; got %d", scratchFrame, pte.Frame())
			}
		}

		tableFrame = pte.Frame().Address()
	}
}
