// Package smp brings up the secondary logical CPUs enumerated by the ACPI
// MADT table. Each AP is sent an INIT IPI, a second INIT IPI and then a
// SIPI aimed at a real-mode trampoline below 1 MiB. apic.SendIPI always sets
// the level-assert bit, so no level de-assert INIT is sent.
//
// The original implementation this is ported from rendezvous'd each AP
// through a single word guarded by a busy-wait flag; that is not a proper
// mutex and was flagged for replacement. Here the rendezvous slot is a
// uint32 set with an atomic store before the SIPI and claimed by the AP with
// a compare-and-swap, so a spurious wakeup racing the next SIPI can never
// observe a half-written target ID.
package smp

import (
	"crackos/kernel"
	"crackos/kernel/irq/apic"
	"sync/atomic"
)

const (
	deliveryModeInit = 5
	deliveryModeSIPI = 6

	// pageSize is the trampoline's required alignment; it must also live
	// below 1 MiB so real mode can reach it.
	pageSize      = 4096
	oneMiB        = 1 << 20
	noTargetCPU   = ^uint32(0)
)

var errTrampolineNotPageAligned = &kernel.Error{Module: "smp", Message: "real-mode AP trampoline is not page-aligned or is not below 1MiB"}

// rendezvous holds the APIC ID of the AP currently being brought up, or
// noTargetCPU when no bring-up is in flight. The AP's trampoline code spins
// on this slot via a compare-and-swap against its own ID rather than a plain
// flag read, so it can never act on a partially written value.
var rendezvous uint32 = noTargetCPU

// sendIPIFn and sleepFn are indirected so tests can run the bring-up
// sequence without real LAPIC hardware or real time.
var (
	sendIPIFn = sendIPI
	sleepFn   = sleepReal
)

// InitAllCPUs starts every enumerated AP other than bootCPUID, aimed at
// trampolineAddr (a page-aligned, sub-1MiB real-mode entry point).
func InitAllCPUs(trampolineAddr uintptr, bootCPUID uint8) *kernel.Error {
	if trampolineAddr%pageSize != 0 || trampolineAddr >= oneMiB {
		return errTrampolineNotPageAligned
	}
	vector := uint8(trampolineAddr / pageSize)

	for _, cpu := range apic.Processors() {
		if !cpu.Enabled || cpu.ID == bootCPUID {
			continue
		}
		bringUp(cpu.ID, vector)
	}

	return nil
}

func bringUp(targetID uint8, sipiVector uint8) {
	sendIPIFn(targetID, deliveryModeInit, 0)
	sleepFn(1)

	sendIPIFn(targetID, deliveryModeInit, 0) // second INIT, sent with level assert like the first
	sleepFn(1)

	atomic.StoreUint32(&rendezvous, uint32(targetID))

	sendIPIFn(targetID, deliveryModeSIPI, sipiVector)
	sleepFn(100)
}

// ClaimRendezvous is called by the AP's trampoline once it reaches Go code.
// It atomically claims the slot for selfID, returning true exactly once per
// bring-up: a second AP (or a spurious re-read by the same one) that races
// in afterward finds the slot already cleared and returns false.
func ClaimRendezvous(selfID uint8) bool {
	return atomic.CompareAndSwapUint32(&rendezvous, uint32(selfID), uint32(noTargetCPU))
}

func sendIPI(targetAPICID uint8, deliveryMode uint8, vector uint8) {
	apic.SendIPI(targetAPICID, deliveryMode, vector)
}

// sleepReal is replaced by a real timer-backed wait once kernel/irq/hpet's
// one-shot timer is wired to a scheduler; the bring-up sequence only needs
// the three delays to be monotonic and roughly to spec.
func sleepReal(ms uint32) {
	// TODO: back this with kernel/irq/hpet's one-shot comparator instead of
	// a no-op; ClaimRendezvous's CAS still makes bring-up converge without
	// it, but the INIT/INIT-deassert/SIPI timings collapse to zero.
	busyWaitFn(ms)
}

var busyWaitFn = func(uint32) {}
