package ahci

import (
	"crackos/kernel"
	"crackos/kernel/cpu"
	"crackos/kernel/mem"
	"crackos/kernel/mem/pmm/allocator"
	"crackos/kernel/mem/vmm"
	"unsafe"
)

// spinLimit bounds every busy-wait in this package; the AHCI spins (COMRESET
// presence, port stop, command-ready, command-complete) have no natural
// completion event this core can block on, so each is a polling loop capped
// at spinLimit iterations rather than an unbounded wait.
const spinLimit = 1_000_000

// comresetDelayIterations approximates the 1ms COMRESET hold spec.md calls
// for; there is no timer available this early in bring-up (HPET may not be
// initialized yet), so the delay is expressed as a bounded spin like every
// other wait in this package.
const comresetDelayIterations = 1000

var ioWaitFn = cpu.IOWait

func comresetDelay() {
	for i := 0; i < comresetDelayIterations; i++ {
		ioWaitFn()
	}
}

// pollSpin calls cond up to spinLimit times, pausing between attempts with
// ioWaitFn, until it reports true. It returns false if the limit is reached
// first.
func pollSpin(cond func() bool) bool {
	for i := 0; i < spinLimit; i++ {
		if cond() {
			return true
		}
		ioWaitFn()
	}
	return false
}

// Kind classifies the device attached to a port, read out of its SIG
// register once bring-up completes.
type Kind int

const (
	KindUnknown Kind = iota
	KindSATA
	KindSATAPI
	KindSEMB
	KindPortMultiplier
)

func (k Kind) String() string {
	switch k {
	case KindSATA:
		return "SATA"
	case KindSATAPI:
		return "SATAPI"
	case KindSEMB:
		return "SEMB"
	case KindPortMultiplier:
		return "PortMultiplier"
	default:
		return "Unknown"
	}
}

// Port holds the bring-up state of a single AHCI port: its DMA structures
// and the identity established by IDENTIFY.
type Port struct {
	abar uintptr
	num  uint8
	ncs  uint8

	cmdListPhys  uintptr
	fisPhys      uintptr
	cmdTblPhys   []uintptr

	SectorCount uint64
	LBA48       bool
	Kind        Kind
}

var (
	allocDMAFn  = allocDMAPages
	translateFn = vmm.Translate
)

func allocDMAPages(pageCount uint64) (uintptr, *kernel.Error) {
	return allocator.AllocFrames(pageCount)
}

func pagesFor(size uintptr) uint64 {
	return uint64((mem.Size(size) + mem.PageSize - 1) / mem.PageSize)
}

var (
	errPortNotPresent   = &kernel.Error{Module: "ahci", Message: "no device present after COMRESET"}
	errPortStopTimeout  = &kernel.Error{Module: "ahci", Message: "port did not stop (CMD.CR/CMD.FR stuck)"}
	errPortStartTimeout = &kernel.Error{Module: "ahci", Message: "port command list engine did not clear CMD.CR"}
	errOutOfSlots       = &kernel.Error{Module: "ahci", Message: "no free command slot"}
	errCommandBusy      = &kernel.Error{Module: "ahci", Message: "device did not clear BSY/DRQ before submission"}
	errCommandTimeout   = &kernel.Error{Module: "ahci", Message: "command did not complete"}
	errIoError          = &kernel.Error{Module: "ahci", Message: "command completed with SERR or TFD.ERR set"}
	errPRDTOverflow     = &kernel.Error{Module: "ahci", Message: "buffer could not be fully described by the PRDT"}
)

const sectorSize = 512

// InitPort performs per-port bring-up (spec.md §4.8.2) for port index num on
// the controller mapped at abar, which advertises ncs command slots.
func InitPort(abar uintptr, num uint8, ncs uint8) (*Port, *kernel.Error) {
	p := &Port{abar: abar, num: num, ncs: ncs}

	// 1. COMRESET.
	writePort(abar, num, portSCTL, 1)
	comresetDelay()
	writePort(abar, num, portSCTL, 0)

	// 2. Wait for device presence and PHY activity.
	if !pollSpin(func() bool {
		ssts := readPort(abar, num, portSSTS)
		det := ssts & sstsDETMask
		ipm := (ssts >> sstsIPMShift) & sstsIPMMask
		return det == sstsDETPresentPhyUp && ipm == sstsIPMActive
	}) {
		return nil, errPortNotPresent
	}

	// 3. Clear SERR.
	writePort(abar, num, portSERR, 0xFFFFFFFF)

	// 4. Stop the port and wait for the engines to actually halt.
	cmd := readPort(abar, num, portCMD)
	cmd &^= cmdST | cmdFRE
	writePort(abar, num, portCMD, cmd)
	if !pollSpin(func() bool {
		return readPort(abar, num, portCMD)&(cmdCR|cmdFR) == 0
	}) {
		return nil, errPortStopTimeout
	}

	// 5. Allocate and wire up DMA structures.
	if err := p.allocDMA(); err != nil {
		return nil, err
	}

	// 6. Start the port.
	if !pollSpin(func() bool {
		return readPort(abar, num, portCMD)&cmdCR == 0
	}) {
		return nil, errPortStartTimeout
	}
	cmd = readPort(abar, num, portCMD)
	cmd |= cmdST | cmdFRE
	writePort(abar, num, portCMD, cmd)

	// 7. IDENTIFY, to learn sector addressing.
	if err := p.identify(); err != nil {
		return nil, err
	}

	// 8. Classify the attached device from its signature.
	p.Kind = classifySignature(readPort(abar, num, portSIG))

	return p, nil
}

func classifySignature(sig uint32) Kind {
	switch sig {
	case sigSATA:
		return KindSATA
	case sigSATAPI:
		return KindSATAPI
	case sigSEMB:
		return KindSEMB
	case sigPortMultiplier:
		return KindPortMultiplier
	default:
		return KindUnknown
	}
}

// allocDMA reserves the command-list/received-FIS region and the command
// tables, zeroes them, links each command header to its table, and programs
// CLB/CLBU/FB/FBU (spec.md §4.8.2 step 5).
func (p *Port) allocDMA() *kernel.Error {
	headerStride := unsafe.Sizeof(commandHeader{})
	clSize := uintptr(p.ncs) * headerStride

	// The received-FIS area must start on a 256-byte boundary; round the
	// command list's size up to satisfy that regardless of NCS.
	fisOffset := (clSize + 0xFF) &^ 0xFF
	region1Size := fisOffset + unsafe.Sizeof(receivedFIS{})

	region1Phys, err := allocDMAFn(pagesFor(region1Size))
	if err != nil {
		return err
	}

	tableStride := unsafe.Sizeof(commandTable{})
	region2Size := uintptr(p.ncs) * tableStride
	region2Phys, err := allocDMAFn(pagesFor(region2Size))
	if err != nil {
		return err
	}

	mem.Memset(physAddrFn(region1Phys), 0, mem.Size(region1Size))
	mem.Memset(physAddrFn(region2Phys), 0, mem.Size(region2Size))

	p.cmdListPhys = region1Phys
	p.fisPhys = region1Phys + fisOffset
	p.cmdTblPhys = make([]uintptr, p.ncs)

	for i := uint8(0); i < p.ncs; i++ {
		tablePhys := region2Phys + uintptr(i)*tableStride
		p.cmdTblPhys[i] = tablePhys

		headerAddr := physAddrFn(p.cmdListPhys) + uintptr(i)*headerStride
		h := readCommandHeader(headerAddr)
		h.cmdTableBase = uint64(tablePhys)
		writeCommandHeader(headerAddr, h)
	}

	writePort(p.abar, p.num, portCLB, uint32(region1Phys))
	writePort(p.abar, p.num, portCLBU, uint32(region1Phys>>32))
	writePort(p.abar, p.num, portFB, uint32(p.fisPhys))
	writePort(p.abar, p.num, portFBU, uint32(p.fisPhys>>32))

	return nil
}

// identify issues ATA IDENTIFY and parses the LBA48/LBA28 sector count out
// of the returned data (spec.md §4.8.2 step 7).
func (p *Port) identify() *kernel.Error {
	buf := make([]byte, sectorSize)
	if err := p.submit(ataCmdIdentify, 0, 1, buf, false); err != nil {
		return err
	}

	lba48Count := *(*uint64)(unsafe.Pointer(&buf[200]))
	if lba48Count != 0 {
		p.SectorCount = lba48Count
		p.LBA48 = true
		return nil
	}

	p.SectorCount = uint64(*(*uint32)(unsafe.Pointer(&buf[120])))
	p.LBA48 = false
	return nil
}

// findSlot returns the lowest command slot not currently active in either
// SACT or CI (spec.md §4.8.3 find_slot).
func (p *Port) findSlot() (uint8, *kernel.Error) {
	busy := readPort(p.abar, p.num, portSACT) | readPort(p.abar, p.num, portCI)
	for s := uint8(0); s < p.ncs; s++ {
		if busy&(1<<s) == 0 {
			return s, nil
		}
	}
	return 0, errOutOfSlots
}

// submit fills a command slot with an H2D Register FIS for command against
// lba/sectorCount, builds its PRDT over buf, and waits for completion
// (spec.md §4.8.3). write selects the transfer direction.
func (p *Port) submit(command uint8, lba uint64, sectorCount uint16, buf []byte, write bool) *kernel.Error {
	slot, err := p.findSlot()
	if err != nil {
		return err
	}

	var entries []prdtEntry
	if len(buf) > 0 {
		virtStart := uintptr(unsafe.Pointer(&buf[0]))
		var consumed uint64
		entries, consumed = buildPRDT(virtStart, uint64(len(buf)))
		if consumed != uint64(len(buf)) {
			return errPRDTOverflow
		}
	}

	tableAddr := physAddrFn(p.cmdTblPhys[slot])
	table := (*commandTable)(unsafe.Pointer(tableAddr))
	*table = commandTable{}
	copy(table.prdt[:], entries)

	fis := (*fisRegH2D)(unsafe.Pointer(&table.cfis[0]))
	*fis = fisRegH2D{}
	fis.fisType = fisTypeRegH2D
	fis.flags = fisH2DCommand
	fis.command = command
	fis.device = ataDeviceLBA
	fis.lba0, fis.lba1, fis.lba2 = uint8(lba), uint8(lba>>8), uint8(lba>>16)
	fis.lba3, fis.lba4, fis.lba5 = uint8(lba>>24), uint8(lba>>32), uint8(lba>>40)
	fis.countLow, fis.countHigh = uint8(sectorCount), uint8(sectorCount>>8)

	h := commandHeader{
		flags:        uint16(unsafe.Sizeof(fisRegH2D{})/4) & chFISLengthMask,
		prdtLength:   uint16(len(entries)),
		cmdTableBase: uint64(p.cmdTblPhys[slot]),
	}
	if write {
		h.flags |= chWrite
	}
	headerAddr := physAddrFn(p.cmdListPhys) + uintptr(slot)*unsafe.Sizeof(commandHeader{})
	writeCommandHeader(headerAddr, h)

	if !pollSpin(func() bool {
		tfd := readPort(p.abar, p.num, portTFD)
		return tfd&(tfdSTSBSY|tfdSTSDRQ) == 0
	}) {
		return errCommandBusy
	}

	writePort(p.abar, p.num, portCI, 1<<slot)

	if !pollSpin(func() bool {
		return readPort(p.abar, p.num, portCI)&(1<<slot) == 0
	}) {
		return errCommandTimeout
	}

	serr := readPort(p.abar, p.num, portSERR)
	tfd := readPort(p.abar, p.num, portTFD)
	if serr != 0 || tfd&tfdSTSERR != 0 {
		// The source leaves SERR set and the port otherwise running after a
		// failed command (spec.md Redesign Flags); clear it here so the next
		// command on this port starts from a clean slate.
		writePort(p.abar, p.num, portSERR, serr)
		return errIoError
	}

	return nil
}

// buildPRDT walks the virtual range [virtStart, virtStart+remaining),
// translating each page-sized run to its physical address and merging
// adjacent runs, per spec.md §4.8.4. It returns the entries produced and the
// number of bytes they describe; a short count (less than remaining) means
// either maxPRDTEntries or an unmapped page was hit first.
func buildPRDT(virtStart uintptr, remaining uint64) ([]prdtEntry, uint64) {
	var entries []prdtEntry
	var consumed uint64
	curVirt := virtStart

	const runLimit = 4 * 1024 * 1024

	for remaining > 0 && len(entries) < maxPRDTEntries {
		runStart, err := translateFn(curVirt)
		if err != nil {
			break
		}

		pageRem := uint64(mem.PageSize) - uint64(curVirt&(uintptr(mem.PageSize)-1))
		chunk := remaining
		if chunk > pageRem {
			chunk = pageRem
		}

		if n := len(entries); n > 0 {
			last := &entries[n-1]
			lastCount := uint64(last.byteCountIOC&prdtByteCountMask) + 1
			if last.dataBase+lastCount == uint64(runStart) && lastCount+chunk <= runLimit {
				last.byteCountIOC = uint32((lastCount+chunk-1)&prdtByteCountMask)
				curVirt += uintptr(chunk)
				remaining -= chunk
				consumed += chunk
				continue
			}
		}

		entries = append(entries, prdtEntry{
			dataBase:     uint64(runStart),
			byteCountIOC: uint32(chunk-1) & prdtByteCountMask,
		})
		curVirt += uintptr(chunk)
		remaining -= chunk
		consumed += chunk
	}

	return entries, consumed
}
