// Package kmain sequences kernel bring-up: the physical/virtual memory
// managers, the kernel heap, the Go runtime shims, interrupt dispatch, device
// detection (ACPI, PCI, AHCI among them), and, where present, the local/IO
// APICs, the HPET and the other logical CPUs.
package kmain

import (
	"crackos/device/acpi"
	"crackos/device/acpi/table"
	"crackos/device/pci"
	"crackos/kernel"
	"crackos/kernel/cpu"
	"crackos/kernel/cpu/smp"
	"crackos/kernel/goruntime"
	"crackos/kernel/hal"
	"crackos/kernel/hal/multiboot"
	"crackos/kernel/irq"
	"crackos/kernel/irq/apic"
	"crackos/kernel/irq/hpet"
	"crackos/kernel/irq/pic"
	"crackos/kernel/kfmt"
	"crackos/kernel/kfmt/early"
	"crackos/kernel/mem/kheap"
	"crackos/kernel/mem/pmm/allocator"
	"crackos/kernel/mem/vmm"
)

// Kmain is the only Go symbol the rt0 initialization code calls. It is
// invoked after rt0 has set up the GDT and a minimal g0 struct that lets Go
// code run on the small bootstrap stack rt0 allocated.
//
// rt0 supplies the multiboot info payload's address along with the physical
// bounds of the kernel image and of the real-mode AP trampoline it copied
// below 1 MiB (trampolineStart == trampolineEnd if this build has no SMP
// trampoline to hand off to).
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, trampolineStart, trampolineEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd, trampolineStart, trampolineEnd); err != nil {
		kfmt.Panic(err)
	}

	// Mask and remap the legacy PIC before any interrupt can fire, whether
	// or not this machine turns out to have a usable APIC: IRQ0-7 reset to
	// vectors 0x08-0x0F, squarely inside the CPU exception range, and must
	// be moved out of the way before interrupts are ever enabled.
	pic.Remap()

	irq.Init()

	if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	}

	kheap.Init()

	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	early.Printf("Starting crackos\n")

	// device/pci cannot import device/acpi directly without an import
	// cycle through device.RegisterDriver's init-time probing, so the
	// resolver is wired here once both packages exist.
	pci.SetResolver(acpi.ActiveResolver)

	hal.DetectHardware()

	if resolver := acpi.ActiveResolver(); resolver != nil {
		bringUpAPIC(resolver, trampolineStart)
	}

	cpu.EnableInterrupts()

	// Prevent Kmain from returning.
	for {
		cpu.Halt()
	}
}

// bringUpAPIC switches hardware interrupt delivery from the legacy PIC over
// to the local/IO APICs described by the ACPI MADT, brings up the HPET for
// timekeeping, and starts every other enumerated logical CPU. Any failure
// here just leaves the machine on the PIC path pic.Remap already prepared
// with the boot CPU alone; none of it is fatal to booting.
func bringUpAPIC(resolver table.Resolver, trampolineAddr uintptr) {
	if err := apic.ParseMADT(resolver); err != nil {
		early.Printf("[kmain] no usable APIC: %s\n", err.Message)
		return
	}

	apic.SwitchToAPICMode()
	bootCPUID := apic.CurrentCPUID()

	if err := hpet.Init(resolver); err != nil {
		early.Printf("[kmain] HPET unavailable: %s\n", err.Message)
	}

	if err := smp.InitAllCPUs(trampolineAddr, bootCPUID); err != nil {
		early.Printf("[kmain] SMP bring-up skipped: %s\n", err.Message)
	}
}
