package irq

import (
	"crackos/kernel/irq/apic"
	"crackos/kernel/irq/pic"
)

// SendEOI acknowledges vector, routing to whichever hardware interrupt
// controller currently owns delivery. dispatchInterrupt calls this after
// invoking a HardwareHandler; exception vectors (< pic.Offset) never reach
// here since they have no EOI to send.
func SendEOI(vector uint8) {
	if pic.Active() {
		pic.SendEOI(vector)
		return
	}
	if apic.Enabled() {
		apic.SendEOI(vector)
	}
}
