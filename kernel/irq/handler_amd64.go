package irq

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = ExceptionNum(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = ExceptionNum(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = ExceptionNum(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = ExceptionNum(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = ExceptionNum(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = ExceptionNum(7)

	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = ExceptionNum(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = ExceptionNum(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = ExceptionNum(12)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)

	// FloatingPointException occurs while invoking an FP instruction while
	// CR0.NE = 1 or an unmasked FP exception is pending.
	FloatingPointException = ExceptionNum(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = ExceptionNum(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = ExceptionNum(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1.
	SIMDFloatingPointException = ExceptionNum(19)
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler)

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode)

// HardwareHandler handles an interrupt raised by a device routed through the
// 8259 PIC or the I/O APIC (vector >= 0x20). Unlike ExceptionHandler it never
// receives a CPU-pushed error code.
type HardwareHandler func(*Frame, *Regs)

// HandleHardwareInterrupt registers the handler invoked by dispatch when the
// given vector fires. Vector ownership (PIC offset vs. IOAPIC redirection
// entry) is arbitrated by the packages in kernel/irq/pic and kernel/irq/apic;
// this call only wires the vector to a handler in the shared 256-entry table.
func HandleHardwareInterrupt(vector uint8, handler HardwareHandler)

// Init builds the 256-gate IDT (one page, 4 KiB aligned) and loads it. All
// gates are initially non-present; HandleException, HandleExceptionWithCode
// and HandleHardwareInterrupt populate individual entries.
func Init() {
	installIDT()
}

// installIDT allocates the interrupt descriptor table and loads it via LIDT.
func installIDT()

// dispatchInterrupt is invoked by each of the 256 per-vector trampolines. It
// looks up handlers[vector], invokes it if present, and for hardware vectors
// calls SendEOI.
func dispatchInterrupt()

// interruptGateEntries emits the 256 per-vector trampolines referenced by the
// IDT built in installIDT. Vectors 8, 10-14, 17 and 21 push an error code and
// are emitted with the has_error_code flag set; all others pass 0.
func interruptGateEntries()
