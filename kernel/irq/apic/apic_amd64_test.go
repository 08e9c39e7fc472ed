package apic

import "testing"

// fakeIOSpace simulates both the LAPIC's directly-addressed register block
// and an IOAPIC's indirect IOREGSEL/IOWIN pair: writes to ioWin land in the
// register currently selected via ioRegSel, while every other offset is
// addressed directly (as the real LAPIC block is).
type fakeIOSpace struct {
	selected map[uint32]uint32            // per-base currently selected indirect register
	direct   map[[2]uint32]uint32         // (base, offset) -> value, for non-indirect offsets
	indirect map[[2]uint32]uint32         // (base, selected register) -> value
}

func installFakeMMIO(t *testing.T) *fakeIOSpace {
	t.Helper()
	origRead, origWrite := mmioReadFn, mmioWriteFn

	fi := &fakeIOSpace{
		selected: make(map[uint32]uint32),
		direct:   make(map[[2]uint32]uint32),
		indirect: make(map[[2]uint32]uint32),
	}

	mmioReadFn = func(base, offset uint32) uint32 {
		if offset == ioWin {
			return fi.indirect[[2]uint32{base, fi.selected[base]}]
		}
		return fi.direct[[2]uint32{base, offset}]
	}
	mmioWriteFn = func(base, offset, value uint32) {
		switch offset {
		case ioRegSel:
			fi.selected[base] = value
		case ioWin:
			fi.indirect[[2]uint32{base, fi.selected[base]}] = value
		default:
			fi.direct[[2]uint32{base, offset}] = value
		}
	}

	t.Cleanup(func() { mmioReadFn, mmioWriteFn = origRead, origWrite })
	return fi
}

func setupOneIOAPIC(t *testing.T, fi *fakeIOSpace) IOAPIC {
	t.Helper()
	Reset()
	localAPICBase = 0xFEE00000

	io := IOAPIC{ID: 0, Address: 0xFEC00000, GSIBase: 0}
	ioAPICs = []IOAPIC{io}

	// 24 redirection entries, matching a typical single IOAPIC.
	fi.indirect[[2]uint32{io.Address, ioAPICVER}] = 23 << 16
	return io
}

func TestSwitchToAPICModeSetsSpuriousVectorAndMasksEntries(t *testing.T) {
	fi := installFakeMMIO(t)
	io := setupOneIOAPIC(t, fi)

	SwitchToAPICMode()

	if !Enabled() {
		t.Fatal("expected Enabled() to be true after SwitchToAPICMode")
	}

	svr := fi.direct[[2]uint32{localAPICBase, regSVR}]
	if svr&0xFF != 0xFF || svr&svrAPICEnable == 0 {
		t.Fatalf("expected SVR to carry vector 0xFF and the enable bit; got %#x", svr)
	}

	for i := uint32(0); i < 24; i++ {
		entry := fi.indirect[[2]uint32{io.Address, ioRedTbl + 2*i}]
		if entry&maskedBit == 0 {
			t.Fatalf("expected redirection entry %d to be masked; got %#x", i, entry)
		}
	}
}

func TestSetupHardwareInterruptProgramsOwningIOAPIC(t *testing.T) {
	fi := installFakeMMIO(t)
	setupOneIOAPIC(t, fi)

	if err := SetupHardwareInterrupt(SourceAPIC, 5, 0x41, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vector, err := HardwareToVector(SourceAPIC, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vector != 0x41 {
		t.Fatalf("expected vector 0x41 to be programmed for GSI 5; got %#x", vector)
	}
}

func TestSetupHardwareInterruptAppliesSourceOverride(t *testing.T) {
	fi := installFakeMMIO(t)
	setupOneIOAPIC(t, fi)
	overrides = []SourceOverride{{IRQSrc: 0, GlobalInterrupt: 9}}

	if err := SetupHardwareInterrupt(SourcePIC, 0, 0x30, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vector, err := HardwareToVector(SourcePIC, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vector != 0x30 {
		t.Fatalf("expected the overridden GSI to carry vector 0x30; got %#x", vector)
	}
}

func TestSetupHardwareInterruptNoOwningIOAPIC(t *testing.T) {
	fi := installFakeMMIO(t)
	setupOneIOAPIC(t, fi)

	if err := SetupHardwareInterrupt(SourceAPIC, 200, 0x50, 0); err != errNoIOAPICForGSI {
		t.Fatalf("expected errNoIOAPICForGSI; got %v", err)
	}
}

func TestSendEOIWritesLocalAPICRegister(t *testing.T) {
	fi := installFakeMMIO(t)
	localAPICBase = 0xFEE00000
	fi.direct[[2]uint32{localAPICBase, regEOI}] = 0xDEADBEEF

	SendEOI(0x41)

	if fi.direct[[2]uint32{localAPICBase, regEOI}] != 0 {
		t.Fatalf("expected EOI register write of 0; got %#x", fi.direct[[2]uint32{localAPICBase, regEOI}])
	}
}
