package ahci

import (
	"crackos/kernel"
	"crackos/kernel/mem"
	"testing"
	"unsafe"
)

// hwBuf backs the port register window with real addressable memory so
// readPort/writePort's unsafe.Pointer accesses land somewhere legitimate.
var hwBuf [0x200]byte

// dmaBuf backs every DMA allocation a test's allocDMAFn hands out.
var dmaBuf [8192]byte

func resetAHCITestState() {
	for i := range hwBuf {
		hwBuf[i] = 0
	}
	for i := range dmaBuf {
		dmaBuf[i] = 0
	}
}

// installFakeHardware points physAddrFn/translateFn at identity functions so
// addresses computed against hwBuf/dmaBuf are dereferenceable directly, hands
// out DMA regions out of dmaBuf, and silences the IO-wait spin (a privileged
// instruction in a hosted test binary). It returns hwBuf's base address to
// use as the fake ABAR.
func installFakeHardware(t *testing.T) uintptr {
	t.Helper()
	resetAHCITestState()

	origPhys, origTranslate, origAlloc, origWait := physAddrFn, translateFn, allocDMAFn, ioWaitFn
	t.Cleanup(func() {
		physAddrFn, translateFn, allocDMAFn, ioWaitFn = origPhys, origTranslate, origAlloc, origWait
	})

	physAddrFn = func(phys uintptr) uintptr { return phys }
	translateFn = func(virt uintptr) (uintptr, *kernel.Error) { return virt, nil }
	ioWaitFn = func() {}

	dmaBase := uintptr(unsafe.Pointer(&dmaBuf[0]))
	var dmaNext uintptr
	allocDMAFn = func(pageCount uint64) (uintptr, *kernel.Error) {
		addr := dmaBase + dmaNext
		dmaNext += uintptr(pageCount) * uintptr(mem.PageSize)
		return addr, nil
	}

	return uintptr(unsafe.Pointer(&hwBuf[0]))
}

func TestInitPortHappyPath(t *testing.T) {
	hwBase := installFakeHardware(t)
	dmaBase := uintptr(unsafe.Pointer(&dmaBuf[0]))
	// With NCS=1: region1 (command list + received FIS) takes one page,
	// so region2 (command tables) starts at dmaBase+page size.
	cmdTablePhys := dmaBase + uintptr(mem.PageSize)

	writePort(hwBase, 0, portSSTS, sstsDETPresentPhyUp|sstsIPMActive<<sstsIPMShift)
	writePort(hwBase, 0, portSIG, sigSATA)

	const fakeSectorCount = uint64(2_000_000)
	origWrite := mmioWriteFn
	t.Cleanup(func() { mmioWriteFn = origWrite })
	mmioWriteFn = func(addr uintptr, v uint32) {
		// SERR is write-1-to-clear on real hardware.
		if addr == portReg(hwBase, 0, portSERR) {
			mmioWrite32(addr, mmioRead32(addr)&^v)
			return
		}
		mmioWrite32(addr, v)
		if addr != portReg(hwBase, 0, portCI) || v == 0 {
			return
		}
		table := (*commandTable)(unsafe.Pointer(cmdTablePhys))
		if table.cfis[2] == ataCmdIdentify && table.prdt[0].dataBase != 0 {
			*(*uint64)(unsafe.Pointer(uintptr(table.prdt[0].dataBase) + 200)) = fakeSectorCount
		}
		mmioWrite32(addr, 0)
	}

	p, err := InitPort(hwBase, 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SectorCount != fakeSectorCount {
		t.Fatalf("expected sector count %d; got %d", fakeSectorCount, p.SectorCount)
	}
	if !p.LBA48 {
		t.Fatal("expected LBA48 to be set from the qword sector count")
	}
	if p.Kind != KindSATA {
		t.Fatalf("expected KindSATA from SIG; got %v", p.Kind)
	}
}

func TestInitPortNoDeviceTimesOut(t *testing.T) {
	hwBase := installFakeHardware(t)
	// SSTS left at 0: no device ever reports present.
	if _, err := InitPort(hwBase, 0, 1); err != errPortNotPresent {
		t.Fatalf("expected errPortNotPresent; got %v", err)
	}
}

func TestClassifySignature(t *testing.T) {
	specs := []struct {
		sig  uint32
		want Kind
	}{
		{sigSATA, KindSATA},
		{sigSATAPI, KindSATAPI},
		{sigSEMB, KindSEMB},
		{sigPortMultiplier, KindPortMultiplier},
		{0xDEADBEEF, KindUnknown},
	}
	for _, s := range specs {
		if got := classifySignature(s.sig); got != s.want {
			t.Errorf("classifySignature(%#x) = %v; want %v", s.sig, got, s.want)
		}
	}
}

func TestFindSlotSkipsBusySlots(t *testing.T) {
	hwBase := installFakeHardware(t)
	p := &Port{abar: hwBase, num: 0, ncs: 4}

	writePort(hwBase, 0, portSACT, 0b0011)
	writePort(hwBase, 0, portCI, 0b0100)

	slot, err := p.findSlot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot != 3 {
		t.Fatalf("expected slot 3 (the only clear bit); got %d", slot)
	}
}

func TestFindSlotOutOfSlots(t *testing.T) {
	hwBase := installFakeHardware(t)
	p := &Port{abar: hwBase, num: 0, ncs: 2}
	writePort(hwBase, 0, portSACT, 0b11)

	if _, err := p.findSlot(); err != errOutOfSlots {
		t.Fatalf("expected errOutOfSlots; got %v", err)
	}
}

func TestBuildPRDTMergesAdjacentRuns(t *testing.T) {
	origTranslate := translateFn
	t.Cleanup(func() { translateFn = origTranslate })

	// Two virtual pages that translate to physically adjacent frames should
	// collapse into a single PRDT entry.
	translateFn = func(virt uintptr) (uintptr, *kernel.Error) {
		page := virt / uintptr(mem.PageSize)
		return page * uintptr(mem.PageSize), nil
	}

	entries, consumed := buildPRDT(0, uint64(mem.PageSize)*2)
	if consumed != uint64(mem.PageSize)*2 {
		t.Fatalf("expected to consume %d bytes; consumed %d", uint64(mem.PageSize)*2, consumed)
	}
	if len(entries) != 1 {
		t.Fatalf("expected adjacent runs to merge into 1 entry; got %d", len(entries))
	}
	gotCount := uint64(entries[0].byteCountIOC&prdtByteCountMask) + 1
	if gotCount != uint64(mem.PageSize)*2 {
		t.Fatalf("expected merged byte count %d; got %d", uint64(mem.PageSize)*2, gotCount)
	}
}

func TestBuildPRDTSplitsNonAdjacentRuns(t *testing.T) {
	origTranslate := translateFn
	t.Cleanup(func() { translateFn = origTranslate })

	// Virtual page N maps to a physical frame that is never adjacent to its
	// predecessor, forcing a new PRDT entry per page.
	translateFn = func(virt uintptr) (uintptr, *kernel.Error) {
		page := virt / uintptr(mem.PageSize)
		return page * uintptr(mem.PageSize) * 2, nil
	}

	entries, consumed := buildPRDT(0, uint64(mem.PageSize)*3)
	if consumed != uint64(mem.PageSize)*3 {
		t.Fatalf("expected to consume %d bytes; consumed %d", uint64(mem.PageSize)*3, consumed)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 distinct entries; got %d", len(entries))
	}
}

func TestBuildPRDTStopsAtMaxEntries(t *testing.T) {
	origTranslate := translateFn
	t.Cleanup(func() { translateFn = origTranslate })

	translateFn = func(virt uintptr) (uintptr, *kernel.Error) {
		page := virt / uintptr(mem.PageSize)
		return page * uintptr(mem.PageSize) * 2, nil
	}

	total := uint64(mem.PageSize) * uint64(maxPRDTEntries+5)
	entries, consumed := buildPRDT(0, total)
	if len(entries) != maxPRDTEntries {
		t.Fatalf("expected to stop at %d entries; got %d", maxPRDTEntries, len(entries))
	}
	if consumed != uint64(mem.PageSize)*uint64(maxPRDTEntries) {
		t.Fatalf("expected consumed to stop at %d bytes; got %d", uint64(mem.PageSize)*uint64(maxPRDTEntries), consumed)
	}
}
