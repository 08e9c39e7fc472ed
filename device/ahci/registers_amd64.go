// Package ahci drives AHCI SATA controllers: generic host control bring-up,
// per-port initialization, command submission, and the alignment-repair
// wrapper that lets callers issue arbitrary (offset, size, buffer) requests
// over a DMA engine that only understands 512-byte sectors.
package ahci

import (
	"crackos/kernel/mem/vmm"
	"unsafe"
)

// Generic Host Control register byte offsets (Intel AHCI spec 1.3.1 §3.1).
const (
	regCAP     = 0x00
	regGHC     = 0x04
	regIS      = 0x08
	regPI      = 0x0C
	regVS      = 0x10
	regCAP2    = 0x24
	regBOHC    = 0x28
	portBase   = 0x100
	portStride = 0x80
)

// GHC bits.
const (
	ghcHR = 1 << 0
	ghcAE = 1 << 31
)

// CAP bits.
const (
	capNCSShift = 8
	capNCSMask  = 0x1F
)

// CAP2/BOHC bits (BIOS/OS handoff).
const (
	cap2BOH  = 1 << 0
	bohcBOS  = 1 << 0
	bohcOOS  = 1 << 1
)

// Port register byte offsets, relative to a port's own base.
const (
	portCLB  = 0x00
	portCLBU = 0x04
	portFB   = 0x08
	portFBU  = 0x0C
	portIS   = 0x10
	portIE   = 0x14
	portCMD  = 0x18
	portTFD  = 0x20
	portSIG  = 0x24
	portSSTS = 0x28
	portSCTL = 0x2C
	portSERR = 0x30
	portSACT = 0x34
	portCI   = 0x38
)

// Port CMD bits.
const (
	cmdST  = 1 << 0
	cmdFRE = 1 << 4
	cmdFR  = 1 << 14
	cmdCR  = 1 << 15
)

// Port TFD (task file data) bits.
const (
	tfdSTSERR = 1 << 0
	tfdSTSDRQ = 1 << 3
	tfdSTSBSY = 1 << 7
)

// SSTS (SATA status) field helpers.
const (
	sstsDETMask = 0xF
	sstsIPMMask = 0xF
	sstsIPMShift = 8
	sstsDETPresentPhyUp = 3
	sstsIPMActive       = 1
)

// Port signature values identifying the attached device class.
const (
	sigSATA          = 0x00000101
	sigSATAPI        = 0xEB140101
	sigSEMB          = 0xC33C0101
	sigPortMultiplier = 0x96690101
)

// mmioReadFn/mmioWriteFn indirect every register access so tests can run the
// bring-up/command state machines against a plain byte slice instead of real
// MMIO; physAddrFn resolves an ABAR's physical BAR value to a dereferenceable
// virtual address.
var (
	mmioReadFn  = mmioRead32
	mmioWriteFn = mmioWrite32
	physAddrFn  = vmm.LinearWindow
)

func mmioRead32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

func mmioWrite32(addr uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = value
}

func hbaReg(abar uintptr, offset uintptr) uintptr { return physAddrFn(abar) + offset }

func portReg(abar uintptr, port uint8, offset uintptr) uintptr {
	return physAddrFn(abar) + portBase + uintptr(port)*portStride + offset
}

func readHBA(abar uintptr, offset uintptr) uint32 { return mmioReadFn(hbaReg(abar, offset)) }

func writeHBA(abar uintptr, offset uintptr, v uint32) { mmioWriteFn(hbaReg(abar, offset), v) }

func readPort(abar uintptr, port uint8, offset uintptr) uint32 {
	return mmioReadFn(portReg(abar, port, offset))
}

func writePort(abar uintptr, port uint8, offset uintptr, v uint32) {
	mmioWriteFn(portReg(abar, port, offset), v)
}
