// Package pci enumerates the PCI/PCIe hierarchy described by the ACPI MCFG
// table, walking each memory-mapped configuration (ECAM) segment's bus
// range and notifying registered handlers of every function it finds.
package pci

import (
	"crackos/device"
	"crackos/device/acpi/table"
	"crackos/kernel"
	"crackos/kernel/mem/vmm"
	"io"
	"unsafe"
)

// Config space offsets relevant to enumeration (PCI Local Bus spec 3.0).
const (
	offVendorID     = 0x00
	offDeviceID     = 0x02
	offRevisionID   = 0x08
	offProgIF       = 0x09
	offSubclass     = 0x0A
	offClass        = 0x0B
	offHeaderType   = 0x0E
	offSecondaryBus = 0x19

	vendorIDAbsent = 0xFFFF

	headerTypeMultiFunction = 0x80

	classBridge    = 0x06
	subclassPCIPCI = 0x04
)

// Device describes one enumerated PCI/PCIe function.
type Device struct {
	Bus, Dev, Fn uint8
	PhysECAM     uintptr

	VendorID, DeviceID                 uint16
	Class, Subclass, ProgIF, RevisionID uint8
	HeaderType                          uint8
}

// Handler is notified once per enumerated function, in registration order.
// Any handler may claim the device (e.g. by stashing Device.PhysECAM and
// reading further BARs); enumeration never stops early on a match, since
// more than one handler may care about the same class of device.
type Handler func(Device)

var handlers []Handler

// AddHandler registers h to be invoked for every function Enumerate visits.
func AddHandler(h Handler) {
	handlers = append(handlers, h)
}

var errNoMCFGTable = &kernel.Error{Module: "pci", Message: "ACPI MCFG table not present"}

// linearWindowFn indirects over vmm.LinearWindow so tests can point ECAM
// reads at a real Go-backed buffer instead of the kernel's linear physical
// window.
var linearWindowFn = vmm.LinearWindow

func ecamAddr(segBase uint64, bus, dev, fn uint8) uintptr {
	offset := uintptr(bus)<<20 | uintptr(dev)<<15 | uintptr(fn)<<12
	return linearWindowFn(uintptr(segBase)) + offset
}

func read8(addr uintptr) uint8   { return *(*uint8)(unsafe.Pointer(addr)) }
func read16(addr uintptr) uint16 { return *(*uint16)(unsafe.Pointer(addr)) }

// probeFunction reads the common header fields of (bus, dev, fn) within
// segment segBase, reporting ok=false if no device responds (vendor ID
// 0xFFFF).
func probeFunction(segBase uint64, bus, dev, fn uint8) (Device, bool) {
	addr := ecamAddr(segBase, bus, dev, fn)

	vendor := read16(addr + offVendorID)
	if vendor == vendorIDAbsent {
		return Device{}, false
	}

	return Device{
		Bus: bus, Dev: dev, Fn: fn,
		PhysECAM:   addr,
		VendorID:   vendor,
		DeviceID:   read16(addr + offDeviceID),
		RevisionID: read8(addr + offRevisionID),
		ProgIF:     read8(addr + offProgIF),
		Subclass:   read8(addr + offSubclass),
		Class:      read8(addr + offClass),
		HeaderType: read8(addr + offHeaderType),
	}, true
}

func notify(d Device) {
	for _, h := range handlers {
		h(d)
	}
}

// visitedBuses records the buses already walked during the current segment
// of Enumerate, so a bus reached both through a bridge and through the
// segment's bus range is only walked once.
var visitedBuses [256]bool

// walkBus visits every device/function on bus within segment segBase,
// recursing into PCI-to-PCI bridges via their secondary bus number. A bus
// already walked for the current segment is skipped.
func walkBus(segBase uint64, bus uint8) {
	if visitedBuses[bus] {
		return
	}
	visitedBuses[bus] = true

	for dev := uint8(0); dev < 32; dev++ {
		fn0, ok := probeFunction(segBase, bus, dev, 0)
		if !ok {
			continue
		}

		visitFunction(segBase, fn0)

		if fn0.HeaderType&headerTypeMultiFunction == 0 {
			continue
		}

		for fn := uint8(1); fn < 8; fn++ {
			d, ok := probeFunction(segBase, bus, dev, fn)
			if !ok {
				continue
			}
			visitFunction(segBase, d)
		}
	}
}

func visitFunction(segBase uint64, d Device) {
	notify(d)

	if d.Class == classBridge && d.Subclass == subclassPCIPCI {
		secondary := read8(ecamAddr(segBase, d.Bus, d.Dev, d.Fn) + offSecondaryBus)
		walkBus(segBase, secondary)
	}
}

// Enumerate resolves the ACPI MCFG table through r and walks every segment's
// bus range [StartBus, EndBus], invoking every registered Handler for each
// function found.
func Enumerate(r table.Resolver) *kernel.Error {
	header := r.LookupTable("MCFG")
	if header == nil {
		return errNoMCFGTable
	}

	mcfg := (*table.MCFG)(unsafe.Pointer(header))
	segTableAddr := uintptr(unsafe.Pointer(mcfg)) + unsafe.Sizeof(*mcfg)
	segCount := (uintptr(mcfg.Length) - unsafe.Sizeof(*mcfg)) / unsafe.Sizeof(table.MCFGSegment{})

	for i := uintptr(0); i < segCount; i++ {
		seg := (*table.MCFGSegment)(unsafe.Pointer(segTableAddr + i*unsafe.Sizeof(table.MCFGSegment{})))
		visitedBuses = [256]bool{}
		for bus := uint16(seg.StartBus); bus <= uint16(seg.EndBus); bus++ {
			walkBus(seg.BaseAddress, uint8(bus))
		}
	}

	return nil
}

type pciDriver struct {
	resolver table.Resolver
}

func (d *pciDriver) DriverInit(_ io.Writer) *kernel.Error {
	return Enumerate(d.resolver)
}

func (*pciDriver) DriverName() string { return "PCI" }

func (*pciDriver) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

// probeForPCI defers to whatever ACPI resolver the driver registry's ACPI
// entry already established; it only runs (DetectOrderLast) after the ACPI
// driver has mapped the MCFG table, so any table.Resolver implementation
// reaching this far is already populated.
var resolverFn func() table.Resolver

func probeForPCI() device.Driver {
	if resolverFn == nil {
		return nil
	}
	r := resolverFn()
	if r == nil {
		return nil
	}
	return &pciDriver{resolver: r}
}

// SetResolver installs the function used to obtain the ACPI table resolver
// at probe time; the kernel entrypoint wires this to the ACPI driver once
// both are constructed, since device/pci cannot import device/acpi directly
// without an import cycle through device.RegisterDriver's init-time probing.
func SetResolver(fn func() table.Resolver) {
	resolverFn = fn
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderLast,
		Probe: probeForPCI,
	})
}
