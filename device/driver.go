package device

import (
	"io"

	"anyos/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output is
	// written to w, already prefixed by the caller with the driver's
	// name and version.
	DriverInit(w io.Writer) *kernel.Error
}

// Detection order for probe functions registered via RegisterDriver. Drivers
// with a lower Order are probed first, so dependents (e.g. the ACPI-derived
// timer/SMP drivers) can rely on an earlier driver having already run.
const (
	DetectOrderEarly = iota
	DetectOrderBeforeACPI
	DetectOrderACPI
	DetectOrderAfterACPI
	DetectOrderLast
)

// DriverInfo describes a probe-able driver and its preferred detection
// order.
type DriverInfo struct {
	// Order controls when Probe is invoked relative to other registered
	// drivers; see the DetectOrder* constants.
	Order int

	// Probe attempts to detect and initialize the driver's hardware,
	// returning nil if the hardware is not present.
	Probe func() Driver
}

// DriverInfoList implements sort.Interface, ordering by DriverInfo.Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of drivers probed by
// hal.DetectHardware. It is meant to be called from a driver package's
// init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the drivers registered so far.
func DriverList() DriverInfoList {
	return registeredDrivers
}
