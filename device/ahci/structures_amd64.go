package ahci

import "unsafe"

// maxPRDTEntries bounds each command table's scatter-gather list. Not
// specified by the source (its feature-complete AHCI/SATA implementation
// did not survive in the retrieval pack — see DESIGN.md); 8 entries cover a
// 32 KiB transfer in the worst (one-page-per-entry) case, comfortably above
// this kernel's largest expected single request.
const maxPRDTEntries = 8

// The controller's advertised command slot count (NCS) is read from CAP at
// runtime and kept per port; ahci never issues more than this many
// concurrent commands per port (enforced by findSlot).

// commandHeader is one 32-byte entry of a port's command list (AHCI spec
// §4.2.2). cmdTableBase must be 128-byte aligned.
type commandHeader struct {
	flags        uint16
	prdtLength   uint16
	prdByteCount uint32
	cmdTableBase uint64
	reserved     [4]uint32
}

// commandHeader.flags bit layout.
const (
	chFISLengthMask = 0x1F
	chATAPI         = 1 << 5
	chWrite         = 1 << 6
	chPrefetchable  = 1 << 7
)

// prdtEntry is one 16-byte physical region descriptor (AHCI spec §4.2.3.3).
type prdtEntry struct {
	dataBase      uint64
	reserved      uint32
	byteCountIOC  uint32 // bits 0-21: byte count - 1; bit 31: interrupt on completion
}

const prdtByteCountMask = (1 << 22) - 1

// commandTable is the 128-byte-aligned structure a command header's
// cmdTableBase points to: the command FIS, an (unused, ATAPI-only) ATAPI
// command area, and the PRDT.
type commandTable struct {
	cfis     [64]byte
	acmd     [16]byte
	reserved [48]byte
	prdt     [maxPRDTEntries]prdtEntry
}

// fisRegH2D is the 20-byte Register Host-to-Device FIS (AHCI spec §10.3.4),
// embedded at the start of a command table's cfis area.
type fisRegH2D struct {
	fisType    uint8
	flags      uint8 // bit7: command (vs. control); bits0-3: port multiplier
	command    uint8
	featureLow uint8

	lba0, lba1, lba2 uint8
	device           uint8

	lba3, lba4, lba5 uint8
	featureHigh      uint8

	countLow, countHigh uint8
	icc                 uint8
	control             uint8

	reserved [4]uint8
}

const (
	fisTypeRegH2D = 0x27
	fisH2DCommand = 1 << 7 // flags bit7: this FIS updates the command register

	ataDeviceLBA = 0x40

	ataCmdIdentify    = 0xEC
	ataCmdReadDMA     = 0xC8
	ataCmdReadDMAExt  = 0x25
	ataCmdWriteDMA    = 0xCA
	ataCmdWriteDMAExt = 0x35
)

// receivedFIS is the 256-byte region the HBA DMAs incoming FISes into. This
// core only consults the port's own TFD register for completion status, so
// the layout beyond "256 bytes, 256-byte aligned" is never interpreted.
type receivedFIS [256]byte

func writeCommandHeader(addr uintptr, h commandHeader) {
	*(*commandHeader)(unsafe.Pointer(addr)) = h
}

func readCommandHeader(addr uintptr) commandHeader {
	return *(*commandHeader)(unsafe.Pointer(addr))
}

func writeCommandTable(addr uintptr, t *commandTable) {
	*(*commandTable)(unsafe.Pointer(addr)) = *t
}
