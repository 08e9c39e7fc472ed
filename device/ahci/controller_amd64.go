// Package ahci's controller bring-up is driven by device/pci: any function
// whose class/subclass/progIF identifies it as an AHCI HBA is handed here via
// AddHandler, the same registration style device/pci itself uses to join the
// ACPI-driven probe chain.
package ahci

import (
	"crackos/device/pci"
	"crackos/device/storage"
	"crackos/kernel"
	"unsafe"
)

// PCI class/subclass/progIF identifying an AHCI SATA controller (spec.md
// §6, "external interfaces").
const (
	pciClassStorage   = 0x01
	pciSubclassSATA   = 0x06
	pciProgIFAHCI     = 0x01
	pciBAR5Offset     = 0x24
	pciBARMemTypeMask = 0xF
)

var (
	errControllerResetTimeout = &kernel.Error{Module: "ahci", Message: "GHC.HR did not clear"}
	errBIOSHandoffTimeout     = &kernel.Error{Module: "ahci", Message: "BIOS/OS handoff did not complete"}
)

// Controller is one bound AHCI HBA: its MMIO base and the ports that
// completed bring-up.
type Controller struct {
	abar  uintptr
	Ports []*Port
}

// InitController performs controller bring-up (spec.md §4.8.1) against the
// HBA mapped at abar, returning a Controller populated with every port that
// completed per-port init.
func InitController(abar uintptr) (*Controller, *kernel.Error) {
	c := &Controller{abar: abar}

	// 1. Reset, with AHCI-Enable held.
	writeHBA(abar, regGHC, ghcHR|ghcAE)
	if !pollSpin(func() bool {
		return readHBA(abar, regGHC)&ghcHR == 0
	}) {
		return nil, errControllerResetTimeout
	}
	writeHBA(abar, regGHC, readHBA(abar, regGHC)|ghcAE)

	// 2. Latch the registers that describe this controller's shape.
	pi := readHBA(abar, regPI)
	cap_ := readHBA(abar, regCAP)
	cap2 := readHBA(abar, regCAP2)
	_ = readHBA(abar, regVS)
	ncs := uint8((cap_>>capNCSShift)&capNCSMask) + 1

	// 3. BIOS/OS handoff, if the controller advertises it.
	if cap2&cap2BOH != 0 && readHBA(abar, regBOHC)&bohcBOS != 0 {
		writeHBA(abar, regBOHC, readHBA(abar, regBOHC)|bohcOOS)
		if !pollSpin(func() bool {
			bohc := readHBA(abar, regBOHC)
			return bohc&bohcOOS != 0 && bohc&bohcBOS == 0
		}) {
			return nil, errBIOSHandoffTimeout
		}
	}

	// 4. Bring up every implemented port; failures are reported by omission.
	for i := uint8(0); i < 32; i++ {
		if pi&(1<<i) == 0 {
			continue
		}

		p, err := InitPort(abar, i, ncs)
		if err != nil {
			continue
		}

		c.Ports = append(c.Ports, p)
		storage.Register(&blockDevice{port: p})
	}

	return c, nil
}

// probeAHCIFunction is registered with device/pci.AddHandler and attempts
// controller bring-up against every function matching the AHCI class code.
func probeAHCIFunction(d pci.Device) {
	if d.Class != pciClassStorage || d.Subclass != pciSubclassSATA || d.ProgIF != pciProgIFAHCI {
		return
	}

	bar5 := *(*uint32)(unsafe.Pointer(d.PhysECAM + pciBAR5Offset))
	abarPhys := uintptr(bar5 &^ pciBARMemTypeMask)

	// InitController's failure means this HBA never contributes devices;
	// spec.md's device-class error policy (§7) is to abandon and move on.
	InitController(abarPhys)
}

func init() {
	pci.AddHandler(probeAHCIFunction)
}
