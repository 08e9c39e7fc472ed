// Package apic parses the ACPI MADT table and drives the local APIC and I/O
// APIC(s) it describes: LAPIC/IOAPIC enumeration, switching the hardware
// interrupt path over from the legacy 8259 PIC, programming IOAPIC
// redirection entries for individual IRQ sources, and sending end-of
// -interrupt notifications once APIC mode is active.
package apic

import (
	"crackos/kernel"
	"crackos/kernel/irq/pic"
	"crackos/kernel/mem/vmm"
	"unsafe"
)

// Local APIC MMIO register offsets (Intel SDM Vol. 3A, Table 10-1).
const (
	regID         = 0x020
	regVersion    = 0x030
	regEOI        = 0x0B0
	regSVR        = 0x0F0
	regICRLow     = 0x300
	regICRHigh    = 0x310
	svrAPICEnable = 0x100

	icrLevelAssert = 1 << 14
)

// I/O APIC MMIO register offsets (indirect: select then window).
const (
	ioRegSel = 0x00
	ioWin    = 0x10

	ioAPICID  = 0x00
	ioAPICVER = 0x01
	ioAPICArb = 0x02
	ioRedTbl  = 0x10 // low dword of entry n is at ioRedTbl + 2n
)

const (
	deliveryModeFixed = 0 << 8
	triggerEdge       = 0 << 15
	maskedBit         = 1 << 16
)

// LocalAPIC describes one enumerated processor from the MADT.
type LocalAPIC struct {
	ProcessorID uint8
	ID          uint8
	Enabled     bool
}

// IOAPIC describes one I/O APIC and the global system interrupt range it
// owns: [GSIBase, GSIBase+redirectionEntryCount).
type IOAPIC struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// SourceOverride remaps an ISA IRQ number onto a different GSI, as recorded
// by a MADT Interrupt Source Override entry.
type SourceOverride struct {
	BusSrc          uint8
	IRQSrc          uint8
	GlobalInterrupt uint32
}

// HardwareInterruptSource distinguishes the two numbering spaces callers of
// SetupHardwareInterrupt/HardwareToVector may address an interrupt line by.
type HardwareInterruptSource uint8

const (
	// SourcePIC addresses interrupts the way the legacy 8259 does: ISA IRQ
	// numbers 0-15, subject to MADT interrupt source overrides.
	SourcePIC HardwareInterruptSource = iota
	// SourceAPIC addresses interrupts directly by global system interrupt
	// number, bypassing ISA override lookups.
	SourceAPIC
)

var (
	localAPICBase uint32
	processors    []LocalAPIC
	ioAPICs       []IOAPIC
	overrides     []SourceOverride

	enabled bool

	mmioReadFn  = mmioRead32
	mmioWriteFn = mmioWrite32
)

var errNoIOAPICForGSI = &kernel.Error{Module: "apic", Message: "no IOAPIC owns the requested global system interrupt"}

func mmioAddr(physBase uint32, offset uint32) uintptr {
	return vmm.LinearWindow(uintptr(physBase)) + uintptr(offset)
}

func mmioRead32(physBase uint32, offset uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(mmioAddr(physBase, offset)))
}

func mmioWrite32(physBase uint32, offset uint32, value uint32) {
	*(*uint32)(unsafe.Pointer(mmioAddr(physBase, offset))) = value
}

// Reset clears all enumerated state. Exposed for tests; ParseMADT always
// starts from a clean slate.
func Reset() {
	localAPICBase = 0
	processors = nil
	ioAPICs = nil
	overrides = nil
	enabled = false
}

// ProcessorCount returns the number of enumerated, enabled local APICs (one
// per usable logical CPU).
func ProcessorCount() int {
	count := 0
	for _, p := range processors {
		if p.Enabled {
			count++
		}
	}
	return count
}

// Processors returns the enumerated local APICs.
func Processors() []LocalAPIC { return append([]LocalAPIC(nil), processors...) }

// IOAPICs returns the enumerated I/O APICs.
func IOAPICs() []IOAPIC { return append([]IOAPIC(nil), ioAPICs...) }

// Enabled reports whether SwitchToAPICMode has run.
func Enabled() bool { return enabled }

// ioAPICIORead/ioAPICIOWrite manipulate an I/O APIC's indirect register
// window: write the target register index to IOREGSEL, then read/write
// IOWIN.
func ioAPICIORead(io IOAPIC, reg uint32) uint32 {
	mmioWriteFn(io.Address, ioRegSel, reg)
	return mmioReadFn(io.Address, ioWin)
}

func ioAPICIOWrite(io IOAPIC, reg uint32, value uint32) {
	mmioWriteFn(io.Address, ioRegSel, reg)
	mmioWriteFn(io.Address, ioWin, value)
}

// redirectionEntryCount reads how many redirection table entries an IOAPIC
// exposes from bits 16-23 of its version register.
func redirectionEntryCount(io IOAPIC) uint32 {
	return ((ioAPICIORead(io, ioAPICVER) >> 16) & 0xFF) + 1
}

// resolveGSI applies any matching interrupt source override to an ISA IRQ
// number, returning the resulting global system interrupt.
func resolveGSI(source HardwareInterruptSource, irq uint8) uint32 {
	if source == SourceAPIC {
		return uint32(irq)
	}
	for _, o := range overrides {
		if o.IRQSrc == irq {
			return o.GlobalInterrupt
		}
	}
	return uint32(irq)
}

// ioAPICForGSI finds the I/O APIC whose redirection table covers gsi, and the
// entry index within it.
func ioAPICForGSI(gsi uint32) (IOAPIC, uint32, *kernel.Error) {
	for _, io := range ioAPICs {
		count := redirectionEntryCount(io)
		if gsi >= io.GSIBase && gsi < io.GSIBase+count {
			return io, gsi - io.GSIBase, nil
		}
	}
	return IOAPIC{}, 0, errNoIOAPICForGSI
}

// SwitchToAPICMode permanently disables the legacy PIC and brings up the
// local APIC and every enumerated I/O APIC. ParseMADT must have already run.
func SwitchToAPICMode() {
	pic.Disable()

	svr := mmioReadFn(localAPICBase, regSVR)
	svr = (svr &^ 0xFF) | 0xFF | svrAPICEnable
	mmioWriteFn(localAPICBase, regSVR, svr)

	for _, io := range ioAPICs {
		count := redirectionEntryCount(io)
		for i := uint32(0); i < count; i++ {
			low := ioAPICIORead(io, ioRedTbl+2*i)
			ioAPICIOWrite(io, ioRedTbl+2*i, low|maskedBit)
		}
	}

	enabled = true
}

// SetupHardwareInterrupt programs the IOAPIC redirection entry owning
// (source, irq) to deliver vector to the local APIC identified by cpuID,
// using fixed delivery mode and edge triggering, and unmasks it.
func SetupHardwareInterrupt(source HardwareInterruptSource, irq uint8, vector uint8, cpuID uint8) *kernel.Error {
	gsi := resolveGSI(source, irq)
	io, idx, err := ioAPICForGSI(gsi)
	if err != nil {
		return err
	}

	low := uint32(vector) | deliveryModeFixed | triggerEdge
	high := uint32(cpuID) << 24

	ioAPICIOWrite(io, ioRedTbl+2*idx+1, high)
	ioAPICIOWrite(io, ioRedTbl+2*idx, low)
	return nil
}

// HardwareToVector performs the inverse lookup of SetupHardwareInterrupt: it
// returns the vector currently programmed into the redirection entry owning
// (source, irq).
func HardwareToVector(source HardwareInterruptSource, irq uint8) (uint8, *kernel.Error) {
	gsi := resolveGSI(source, irq)
	io, idx, err := ioAPICForGSI(gsi)
	if err != nil {
		return 0, err
	}
	low := ioAPICIORead(io, ioRedTbl+2*idx)
	return uint8(low & 0xFF), nil
}

// SendEOI writes to the local APIC's EOI register. Callers only invoke this
// once Enabled(); kernel/irq's dispatcher picks PIC vs. APIC EOI based on
// pic.Active().
func SendEOI(uint8) {
	mmioWriteFn(localAPICBase, regEOI, 0)
}

// SendIPI writes an inter-processor interrupt to the local APIC's interrupt
// command register, targeting the LAPIC identified by targetAPICID with the
// given delivery mode (5 = INIT, 6 = Startup) and vector. Used by
// kernel/cpu/smp to drive the INIT/SIPI sequence during AP bring-up.
func SendIPI(targetAPICID uint8, deliveryMode uint8, vector uint8) {
	mmioWriteFn(localAPICBase, regICRHigh, uint32(targetAPICID)<<24)
	mmioWriteFn(localAPICBase, regICRLow, uint32(vector)|uint32(deliveryMode)<<8|icrLevelAssert)
}

// CurrentCPUID reads the running CPU's local APIC ID out of its own ID
// register. Callers (kernel/irq/hpet among them) use this to target
// SetupHardwareInterrupt's delivery at whichever CPU is performing setup.
func CurrentCPUID() uint8 {
	return uint8(mmioReadFn(localAPICBase, regID) >> 24)
}
