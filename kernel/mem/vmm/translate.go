package vmm

import "crackos/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// LinearWindow returns the virtual address at which physAddr is reachable
// through the linear physical window installed by installLinearWindow.
// Callers that need to touch a fixed-purpose physical address directly (e.g.
// the local APIC's MMIO register block) use this instead of MapTemporary,
// since the window already covers all of identityLimit with huge pages.
func LinearWindow(physAddr uintptr) uintptr {
	return tempWindowNonUserBase + physAddr
}
