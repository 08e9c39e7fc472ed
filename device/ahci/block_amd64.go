package ahci

import (
	"crackos/kernel"
	"unsafe"
)

// blockDevice adapts a bring-up-complete Port to storage.Device, resolving
// arbitrary (offset, size, buffer) requests down to the sector-aligned,
// word-aligned DMA the port's command submission understands (spec.md
// §4.8.5).
type blockDevice struct {
	port *Port

	// submitFn overrides how rawRead/rawWrite issue a command, defaulting to
	// port.submit; tests substitute a fake device so the repair logic above
	// can be exercised without a real AHCI controller.
	submitFn func(cmd uint8, lba uint64, count uint16, buf []byte, write bool) *kernel.Error
}

func (b *blockDevice) doSubmit(cmd uint8, lba uint64, count uint16, buf []byte, write bool) *kernel.Error {
	if b.submitFn != nil {
		return b.submitFn(cmd, lba, count, buf, write)
	}
	return b.port.submit(cmd, lba, count, buf, write)
}

func (b *blockDevice) GetSize() uint64 { return b.port.SectorCount * sectorSize }

func (b *blockDevice) TypeName() string { return b.port.Kind.String() }

func (b *blockDevice) Read(offset, size uint64, buf []byte) int64 {
	if uint64(len(buf)) < size {
		return -1
	}
	return repairReadOffset(b, offset, size, buf)
}

func (b *blockDevice) Write(offset, size uint64, buf []byte) int64 {
	if uint64(len(buf)) < size {
		return -1
	}
	return repairWriteOffset(b, offset, size, buf)
}

func (b *blockDevice) readCmd() uint8 {
	if b.port.LBA48 {
		return ataCmdReadDMAExt
	}
	return ataCmdReadDMA
}

func (b *blockDevice) writeCmd() uint8 {
	if b.port.LBA48 {
		return ataCmdWriteDMAExt
	}
	return ataCmdWriteDMA
}

// rawRead/rawWrite issue exactly one command against an already
// sector-aligned, word-aligned request; every repair* wrapper below bottoms
// out here.
func rawRead(b *blockDevice, offset, size uint64, buf []byte) int64 {
	if size == 0 {
		return 0
	}
	lba := offset / sectorSize
	count := size / sectorSize
	if err := b.doSubmit(b.readCmd(), lba, uint16(count), buf[:size], false); err != nil {
		return -1
	}
	return int64(size)
}

func rawWrite(b *blockDevice, offset, size uint64, buf []byte) int64 {
	if size == 0 {
		return 0
	}
	lba := offset / sectorSize
	count := size / sectorSize
	if err := b.doSubmit(b.writeCmd(), lba, uint16(count), buf[:size], true); err != nil {
		return -1
	}
	return int64(size)
}

func bufAligned(buf []byte) bool {
	return len(buf) == 0 || uintptr(unsafe.Pointer(&buf[0]))%2 == 0
}

// repairReadBuffer/repairWriteBuffer handle the innermost repair step: a
// caller buffer that isn't 2-byte aligned is staged through a temporary
// aligned heap buffer.
func repairReadBuffer(b *blockDevice, offset, size uint64, buf []byte) int64 {
	if bufAligned(buf) {
		return rawRead(b, offset, size, buf)
	}
	tmp := make([]byte, size)
	n := rawRead(b, offset, size, tmp)
	if n < 0 {
		return -1
	}
	copy(buf, tmp[:n])
	return n
}

func repairWriteBuffer(b *blockDevice, offset, size uint64, buf []byte) int64 {
	if bufAligned(buf) {
		return rawWrite(b, offset, size, buf)
	}
	tmp := make([]byte, size)
	copy(tmp, buf[:size])
	return rawWrite(b, offset, size, tmp)
}

// repairReadSize/repairWriteSize handle a misaligned size: the aligned
// prefix goes through in one call, and the final partial sector is read (or
// read-modify-written) through a stack buffer.
func repairReadSize(b *blockDevice, offset, size uint64, buf []byte) int64 {
	if size%sectorSize == 0 {
		return repairReadBuffer(b, offset, size, buf)
	}

	alignedSize := size - size%sectorSize
	var n int64
	if alignedSize > 0 {
		n = repairReadBuffer(b, offset, alignedSize, buf[:alignedSize])
		if n != int64(alignedSize) {
			return -1
		}
	}

	var stackBuf [sectorSize]byte
	lastSectorOffset := offset + alignedSize
	if m := repairReadBuffer(b, lastSectorOffset, sectorSize, stackBuf[:]); m != sectorSize {
		return -1
	}

	tail := size - alignedSize
	copy(buf[alignedSize:], stackBuf[:tail])
	return n + int64(tail)
}

func repairWriteSize(b *blockDevice, offset, size uint64, buf []byte) int64 {
	if size%sectorSize == 0 {
		return repairWriteBuffer(b, offset, size, buf)
	}

	alignedSize := size - size%sectorSize
	var n int64
	if alignedSize > 0 {
		n = repairWriteBuffer(b, offset, alignedSize, buf[:alignedSize])
		if n != int64(alignedSize) {
			return -1
		}
	}

	lastSectorOffset := offset + alignedSize
	var stackBuf [sectorSize]byte
	if m := repairReadBuffer(b, lastSectorOffset, sectorSize, stackBuf[:]); m != sectorSize {
		return -1
	}

	tail := size - alignedSize
	copy(stackBuf[:tail], buf[alignedSize:])
	if wn := repairWriteBuffer(b, lastSectorOffset, sectorSize, stackBuf[:]); wn != sectorSize {
		return -1
	}

	return n + int64(tail)
}

// repairReadOffset/repairWriteOffset handle a misaligned starting offset,
// the outermost repair step: the first partial sector is read (or
// read-modify-written) through a stack buffer, and any remainder is issued
// as an aligned-offset call that falls through to the size/buffer repairs.
func repairReadOffset(b *blockDevice, offset, size uint64, buf []byte) int64 {
	if offset%sectorSize == 0 {
		return repairReadSize(b, offset, size, buf)
	}

	sectorStart := offset - offset%sectorSize
	partialOff := offset - sectorStart

	var stackBuf [sectorSize]byte
	if n := repairReadSize(b, sectorStart, sectorSize, stackBuf[:]); n != sectorSize {
		return -1
	}

	head := sectorSize - partialOff
	if head > size {
		head = size
	}
	copy(buf[:head], stackBuf[partialOff:partialOff+head])

	if size <= head {
		return int64(head)
	}

	rest := repairReadSize(b, sectorStart+sectorSize, size-head, buf[head:])
	if rest < 0 {
		return -1
	}
	return int64(head) + rest
}

func repairWriteOffset(b *blockDevice, offset, size uint64, buf []byte) int64 {
	if offset%sectorSize == 0 {
		return repairWriteSize(b, offset, size, buf)
	}

	sectorStart := offset - offset%sectorSize
	partialOff := offset - sectorStart

	var stackBuf [sectorSize]byte
	if n := repairReadSize(b, sectorStart, sectorSize, stackBuf[:]); n != sectorSize {
		return -1
	}

	head := sectorSize - partialOff
	if head > size {
		head = size
	}
	copy(stackBuf[partialOff:partialOff+head], buf[:head])

	if wn := repairWriteSize(b, sectorStart, sectorSize, stackBuf[:]); wn != sectorSize {
		return -1
	}

	if size <= head {
		return int64(head)
	}

	rest := repairWriteSize(b, sectorStart+sectorSize, size-head, buf[head:])
	if rest < 0 {
		return -1
	}
	return int64(head) + rest
}
