// Package hpet drives the system's High Precision Event Timer: reading its
// tick period out of the capabilities register, disabling legacy
// replacement routing, and programming individual comparators for one-shot
// delivery through the I/O APIC.
package hpet

import (
	"crackos/device/acpi/table"
	"crackos/kernel"
	"crackos/kernel/irq/apic"
	"crackos/kernel/mem/vmm"
	"unsafe"
)

// Register byte offsets within the HPET's memory-mapped block.
const (
	regCapabilities   = 0x000
	regConfig         = 0x010
	regMainCounter    = 0x0F0
	comparatorStride  = 0x20
	regComparatorBase = 0x100 // config/capabilities for comparator n: base + n*stride
	comparatorCompOff = 0x08  // comparator value register offset within a comparator's block

	configEnable = 1 << 0

	// IOAPIC hardware IRQ lines 23 down to 0 map to HPET comparators 0..23;
	// comparator n always routes to (24-1-n), matching the fixed wiring the
	// reference firmware programs into each comparator's routing field.
	totalHardwareLines = 24

	comparatorRouteShift = 9
	comparatorRouteMask  = 0b11111100001110
	comparatorIntEnable  = 1 << 2
)

var errUnsupportedAddressSpace = &kernel.Error{Module: "hpet", Message: "HPET base register is not in system memory address space"}
var errNoHPETTable = &kernel.Error{Module: "hpet", Message: "ACPI HPET table not present"}
var errInvalidComparator = &kernel.Error{Module: "hpet", Message: "comparator index out of range"}

var (
	base            uintptr
	tickPeriodFemto uint64
	comparatorCount uint8
)

func mmioAddr(offset uintptr) uintptr { return base + offset }

func mmioRead64(offset uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(mmioAddr(offset)))
}

func mmioWrite64(offset uintptr, value uint64) {
	*(*uint64)(unsafe.Pointer(mmioAddr(offset))) = value
}

// Init resolves the ACPI HPET table through r, maps its register block via
// the kernel's linear physical window, reads the tick period and comparator
// count out of the capabilities register, disables legacy replacement
// routing, enables the main counter, and rewires every comparator's
// interrupt route to totalHardwareLines-1-index (undoing whatever boot
// firmware left programmed, matching the original rewiring every comparator
// unconditionally rather than trusting its reset state).
func Init(r table.Resolver) *kernel.Error {
	header := r.LookupTable("HPET")
	if header == nil {
		return errNoHPETTable
	}

	t := (*table.HPET)(unsafe.Pointer(header))
	if t.Address.AddressSpaceID != 0 {
		return errUnsupportedAddressSpace
	}

	base = vmm.LinearWindow(uintptr(t.Address.Address))

	caps := mmioRead64(regCapabilities)
	tickPeriodFemto = caps >> 32
	comparatorCount = uint8((caps>>8)&0x1F) + 1

	mmioWrite64(regConfig, configEnable)

	for i := uint8(0); i < comparatorCount; i++ {
		off := uintptr(regComparatorBase) + uintptr(i)*comparatorStride
		config := mmioRead64(off)
		config &^= comparatorRouteMask
		config |= uint64(totalHardwareLines-1-i) << comparatorRouteShift
		mmioWrite64(off, config)
	}

	return nil
}

// TickPeriodNanoseconds returns the duration of one main-counter tick.
func TickPeriodNanoseconds() uint64 { return tickPeriodFemto / 1_000_000 }

// ComparatorCount returns the number of comparators the HPET exposes.
func ComparatorCount() uint8 { return comparatorCount }

// SetTimer programs comparator idx to fire once, ns nanoseconds from now,
// and routes its fixed hardware line (totalHardwareLines-1-idx) to vector on
// the CPU running the call via apic.SetupHardwareInterrupt.
func SetTimer(ns uint64, idx uint8, vector uint8) *kernel.Error {
	if idx >= comparatorCount {
		return errInvalidComparator
	}

	line := uint8(totalHardwareLines - 1 - idx)
	if err := apic.SetupHardwareInterrupt(apic.SourceAPIC, line, vector, apic.CurrentCPUID()); err != nil {
		return err
	}

	configOff := uintptr(regComparatorBase) + uintptr(idx)*comparatorStride
	comparatorOff := configOff + comparatorCompOff

	ticks := ns * 1_000_000 / tickPeriodFemto
	now := mmioRead64(regMainCounter)
	mmioWrite64(comparatorOff, ticks+now)

	config := mmioRead64(configOff)
	config |= comparatorIntEnable
	mmioWrite64(configOff, config)

	return nil
}
