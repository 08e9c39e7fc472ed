// Package pic implements the legacy 8259A programmable interrupt controller
// path: remapping the two cascaded chips past the CPU exception vectors and
// masking/unmasking individual IRQ lines. It is superseded by kernel/irq/apic
// once the ACPI MADT table has been parsed and switching to APIC mode is
// requested, but stays the only interrupt path on systems without one.
package pic

import "crackos/kernel/cpu"

const (
	port1Command = 0x20
	port1Data    = 0x21
	port2Command = 0xA0
	port2Data    = 0xA1

	icw1Init = 0x10
	icw1ICW4 = 0x01
	icw4Mode8086 = 0x01

	picEOI = 0x20
)

// Offset is the vector the master PIC's IRQ0 is remapped to; IRQn therefore
// lands on vector Offset+n. 256-16 keeps the full legacy IRQ0-15 range inside
// the top 16 vectors of the IDT, out of the way of CPU exceptions and
// whatever range the I/O APIC path assigns.
const Offset = 256 - 16

var (
	active bool
	mask   uint16 = 0xFFFF
)

// outFn indirects over cpu.Out8 so tests can intercept port writes.
var (
	outFn    = cpu.Out8
	inFn     = cpu.In8
	ioWaitFn = cpu.IOWait
)

// Remap masks every line, reprograms both chips to route IRQ0-15 onto
// Offset..Offset+15, and marks the PIC as the active hardware-interrupt path.
// It must run before interrupts are enabled.
func Remap() {
	mask = 0xFFFF
	active = true

	outFn(port1Data, 0xFF)
	outFn(port2Data, 0xFF)

	outFn(port1Command, icw1Init|icw1ICW4)
	ioWaitFn()
	outFn(port2Command, icw1Init|icw1ICW4)
	ioWaitFn()
	outFn(port1Data, Offset)
	ioWaitFn()
	outFn(port2Data, Offset+8)
	ioWaitFn()
	outFn(port1Data, 4) // tell master there's a slave wired to IRQ2
	ioWaitFn()
	outFn(port2Data, 2) // tell slave its cascade identity
	ioWaitFn()

	outFn(port1Data, icw4Mode8086)
	ioWaitFn()
	outFn(port2Data, icw4Mode8086)
	ioWaitFn()

	outFn(port1Data, uint8(mask))
	outFn(port2Data, uint8(mask>>8))
}

// Active reports whether the PIC (rather than the APIC) currently owns
// hardware interrupt delivery.
func Active() bool { return active }

// Disable permanently masks every line on both chips. Called when switching
// to APIC mode; the PIC path is never re-armed afterwards.
func Disable() {
	active = false
	outFn(port1Data, 0xFF)
	outFn(port2Data, 0xFF)
}

// SetEnabled masks or unmasks IRQ line n (0-15) and writes the updated mask
// to both chips.
func SetEnabled(line uint8, enabled bool) {
	if enabled {
		mask &^= 1 << line
	} else {
		mask |= 1 << line
	}
	outFn(port1Data, uint8(mask))
	outFn(port2Data, uint8(mask>>8))
}

// IsEnabled reports whether IRQ line n is currently unmasked.
func IsEnabled(line uint8) bool {
	return mask&(1<<line) == 0
}

// SendEOI acknowledges vector v. The slave chip is only acknowledged when v
// was raised on one of its lines (v >= Offset+8).
func SendEOI(vector uint8) {
	if vector < Offset {
		return
	}
	if vector >= Offset+8 {
		outFn(port2Command, picEOI)
	}
	outFn(port1Command, picEOI)
}
