package apic

import (
	"crackos/device/acpi/table"
	"crackos/kernel"
	"unsafe"
)

var errNoMADT = &kernel.Error{Module: "apic", Message: "ACPI APIC (MADT) table not present"}

const madtSignature = "APIC"

var entryHeaderSize = unsafe.Sizeof(table.MADTEntry{})

// ParseMADT walks the ACPI MADT ("APIC") table, resolved through r, and
// populates the local APIC base address plus the processor/IOAPIC/override
// lists SwitchToAPICMode and SetupHardwareInterrupt consult. It must run
// before either of those.
func ParseMADT(r table.Resolver) *kernel.Error {
	header := r.LookupTable(madtSignature)
	if header == nil {
		return errNoMADT
	}

	Reset()

	madt := (*table.MADT)(unsafe.Pointer(header))
	localAPICBase = madt.LocalControllerAddress

	tableSize := unsafe.Sizeof(*madt)
	cur := uintptr(unsafe.Pointer(madt)) + tableSize
	remaining := uintptr(madt.Length) - tableSize

	for remaining >= entryHeaderSize {
		entry := (*table.MADTEntry)(unsafe.Pointer(cur))
		if entry.Length == 0 || uintptr(entry.Length) > remaining {
			break
		}

		payload := cur + entryHeaderSize
		switch entry.Type {
		case table.MADTEntryTypeLocalAPIC:
			la := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(payload))
			processors = append(processors, LocalAPIC{
				ProcessorID: la.ProcessorID,
				ID:          la.APICID,
				Enabled:     la.Flags&1 != 0,
			})
		case table.MADTEntryTypeIOAPIC:
			io := (*table.MADTEntryIOAPIC)(unsafe.Pointer(payload))
			ioAPICs = append(ioAPICs, IOAPIC{
				ID:      io.APICID,
				Address: io.Address,
				GSIBase: io.SysInterruptBase,
			})
		case table.MADTEntryTypeIntSrcOverride:
			so := (*table.MADTEntryInterruptSrcOverride)(unsafe.Pointer(payload))
			overrides = append(overrides, SourceOverride{
				BusSrc:          so.BusSrc,
				IRQSrc:          so.IRQSrc,
				GlobalInterrupt: so.GlobalInterrupt,
			})
		}

		cur += uintptr(entry.Length)
		remaining -= uintptr(entry.Length)
	}

	return nil
}
