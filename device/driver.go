package device

import (
	"crackos/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver, writing detection/progress
	// output to w.
	DriverInit(w io.Writer) *kernel.Error
}

// DetectOrder specifies when a driver's Probe function should run relative
// to the others registered with RegisterDriver.
type DetectOrder int

const (
	// DetectOrderEarly runs first, before ACPI tables are available (e.g. the
	// text console and virtual terminal drivers).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI runs after early detection. The ACPI driver
	// registers here, so its tables are enumerated before any
	// DetectOrderACPI or DetectOrderLast driver is probed.
	DetectOrderBeforeACPI

	// DetectOrderACPI runs after the ACPI driver has been probed and
	// initialized.
	DetectOrderACPI

	// DetectOrderLast runs after every ACPI-dependent driver (e.g. PCI
	// enumeration, which needs the MCFG table) has had a chance to detect
	// its devices.
	DetectOrderLast
)

// DriverInfo describes a detectable driver: when its Probe function should
// run, relative to the other registered drivers.
type DriverInfo struct {
	// Order controls where this entry sorts in DriverList's output.
	Order DetectOrder

	// Probe attempts to detect the device this driver manages, returning a
	// ready-to-init Driver or nil if the device is not present.
	Probe func() Driver
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers []*DriverInfo

// RegisterDriver adds info to the set of drivers probed during boot. Drivers
// call this from an init() function, the same way device/acpi's probe does.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns a copy of the registered driver list, unsorted (callers
// that care about detection order should sort.Sort it themselves, since two
// callers may want different stability guarantees).
func DriverList() DriverInfoList {
	return append(DriverInfoList(nil), registeredDrivers...)
}
