// Package pci enumerates devices on the PCI bus through the legacy
// configuration-space I/O ports (0xCF8/0xCFC), the same brute-force
// bus/device/function scan every PC BIOS and early-boot OS has used since
// the original PCI access mechanism #1 was defined. There is no MMCONFIG
// (PCIe extended config space) support: anyOS only needs enough of the bus
// to locate a handful of legacy/transitional virtio devices.
package pci

import "anyos/kernel/cpu"

const (
	configAddressPort = 0x0CF8
	configDataPort    = 0x0CFC

	configAddressEnable = 1 << 31

	maxBus      = 256
	maxDevice   = 32
	maxFunction = 8

	headerTypeMultiFunction = 1 << 7
)

// Config register offsets, shared by every PCI header type.
const (
	OffsetVendorID   = 0x00
	OffsetDeviceID   = 0x02
	OffsetCommand    = 0x04
	OffsetStatus     = 0x06
	OffsetClassRev   = 0x08
	OffsetHeaderType = 0x0E
	OffsetBAR0       = 0x10
	OffsetInterrupt  = 0x3C
)

const (
	CommandIOSpace     = 1 << 0
	CommandMemSpace    = 1 << 1
	CommandBusMaster   = 1 << 2
)

var (
	portReadDWordFn  = cpu.PortReadDWord
	portWriteDWordFn = cpu.PortWriteDWord
)

func configAddress(bus, device, function uint8, offset uint8) uint32 {
	return configAddressEnable |
		uint32(bus)<<16 |
		uint32(device&0x1F)<<11 |
		uint32(function&0x07)<<8 |
		uint32(offset&0xFC)
}

// ReadConfigDWord reads a 32-bit little-endian value at offset (rounded down
// to a 4-byte boundary) from a device's configuration space.
func ReadConfigDWord(bus, device, function, offset uint8) uint32 {
	portWriteDWordFn(configAddressPort, configAddress(bus, device, function, offset))
	return portReadDWordFn(configDataPort)
}

// WriteConfigDWord writes a 32-bit little-endian value to a device's
// configuration space.
func WriteConfigDWord(bus, device, function, offset uint8, val uint32) {
	portWriteDWordFn(configAddressPort, configAddress(bus, device, function, offset))
	portWriteDWordFn(configDataPort, val)
}

// ReadConfigWord reads a 16-bit value at offset.
func ReadConfigWord(bus, device, function, offset uint8) uint16 {
	shift := (offset & 2) * 8
	return uint16(ReadConfigDWord(bus, device, function, offset) >> shift)
}

// Device describes one PCI function discovered during enumeration.
type Device struct {
	Bus, Slot, Function uint8

	VendorID, DeviceID uint16
	ClassCode, Subclass, ProgIF, Revision uint8
	HeaderType uint8
}

// BAR returns the raw contents of base-address-register n (0..5), undecoded:
// bit 0 distinguishes I/O-space (1) from memory-space (0) BARs.
func (d Device) BAR(n int) uint32 {
	return ReadConfigDWord(d.Bus, d.Slot, d.Function, uint8(OffsetBAR0+4*n))
}

// IOBase decodes BAR n as an I/O-space BAR, returning its port base address.
// It returns 0, false if the BAR is a memory-space BAR.
func (d Device) IOBase(n int) (uint16, bool) {
	bar := d.BAR(n)
	if bar&1 == 0 {
		return 0, false
	}
	return uint16(bar &^ 0x3), true
}

// EnableCommand ORs flags into the device's PCI command register, e.g. to
// turn on bus-mastering DMA and I/O-space decoding after a BAR has been
// programmed.
func (d Device) EnableCommand(flags uint16) {
	cur := ReadConfigWord(d.Bus, d.Slot, d.Function, OffsetCommand)
	val := ReadConfigDWord(d.Bus, d.Slot, d.Function, OffsetCommand&^3)
	val = val&^0xFFFF | uint32(cur|flags)
	WriteConfigDWord(d.Bus, d.Slot, d.Function, OffsetCommand&^3, val)
}

// Enumerate walks every bus/device/function looking for a present device
// (vendor ID 0xFFFF means "not present") and returns all of them. Bridges
// are returned like any other function; anyOS has no need to recurse
// through secondary buses since QEMU's default topology keeps every device
// of interest on bus 0.
func Enumerate() []Device {
	var found []Device
	for bus := 0; bus < maxBus; bus++ {
		for slot := 0; slot < maxDevice; slot++ {
			funcCount := 1
			header0 := ReadConfigWord(uint8(bus), uint8(slot), 0, OffsetHeaderType)
			if header0&headerTypeMultiFunction != 0 {
				funcCount = maxFunction
			}
			for fn := 0; fn < funcCount; fn++ {
				vendor := ReadConfigWord(uint8(bus), uint8(slot), uint8(fn), OffsetVendorID)
				if vendor == 0xFFFF {
					continue
				}
				classRev := ReadConfigDWord(uint8(bus), uint8(slot), uint8(fn), OffsetClassRev)
				found = append(found, Device{
					Bus:        uint8(bus),
					Slot:       uint8(slot),
					Function:   uint8(fn),
					VendorID:   vendor,
					DeviceID:   ReadConfigWord(uint8(bus), uint8(slot), uint8(fn), OffsetDeviceID),
					Revision:   uint8(classRev),
					ProgIF:     uint8(classRev >> 8),
					Subclass:   uint8(classRev >> 16),
					ClassCode:  uint8(classRev >> 24),
					HeaderType: uint8(ReadConfigWord(uint8(bus), uint8(slot), uint8(fn), OffsetHeaderType)),
				})
			}
		}
	}
	return found
}

// Find returns the first enumerated device matching vendorID/deviceID.
func Find(vendorID, deviceID uint16) (Device, bool) {
	for _, d := range Enumerate() {
		if d.VendorID == vendorID && d.DeviceID == deviceID {
			return d, true
		}
	}
	return Device{}, false
}
