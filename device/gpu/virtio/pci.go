// Package virtio drives a virtio-gpu device over modern (1.0) virtio-pci:
// the capability list in PCI config space locates a handful of
// memory-mapped register blocks (common config, notify, ISR, device config)
// the way device/acpi locates its tables by walking a chain of headers, and
// device/storage's ATADevice shows the same "a handful of package-level
// swappable port functions plus a struct holding one device's base
// addresses" shape this driver reuses for its own register accessors.
package virtio

import (
	"anyos/device"
	"anyos/device/pci"
	"anyos/kernel"
	"anyos/kernel/kfmt"
	"anyos/kernel/mem"
	"anyos/kernel/mem/pmm"
	"anyos/kernel/mem/pmm/allocator"
	"anyos/kernel/mem/vmm"
	"io"
	"unsafe"
)

const (
	vendorIDVirtIO = 0x1AF4
	deviceIDGPU    = 0x1050 // virtio-gpu, modern/transitional device ID
)

// PCI capability types carried in a virtio-pci vendor-specific capability's
// cfg_type field (virtio-v1.0-cs04 section 4.1.4).
const (
	capCommonCfg = 1
	capNotifyCfg = 2
	capISRCfg    = 3
	capDeviceCfg = 4
)

const pciCapVendorSpecific = 0x09

// Device status bits written to commonCfg.deviceStatus (section 2.1).
const (
	statusAcknowledge = 1 << 0
	statusDriver      = 1 << 1
	statusDriverOK    = 1 << 2
	statusFeaturesOK  = 1 << 3
	statusFailed      = 1 << 7
)

// featureVersion1 is VIRTIO_F_VERSION_1 (bit 32 overall; bit 0 of feature
// word select 1). Declining every other feature bit keeps this driver to the
// plain split-virtqueue layout the rest of the package assumes.
const featureVersion1 = 1 << 0

// commonCfg mirrors struct virtio_pci_common_cfg. It is overlaid directly
// onto the mapped common-configuration BAR region, the same struct-over-raw-
// memory idiom hal/multiboot and device/acpi's table headers use.
type commonCfg struct {
	DeviceFeatureSelect uint32
	DeviceFeature       uint32
	GuestFeatureSelect  uint32
	GuestFeature        uint32
	MSIXConfig          uint16
	NumQueues           uint16
	DeviceStatus        uint8
	ConfigGeneration    uint8

	QueueSelect     uint16
	QueueSize       uint16
	QueueMSIXVector uint16
	QueueEnable     uint16
	QueueNotifyOff  uint16
	QueueDesc       uint64
	QueueDriver     uint64
	QueueDevice     uint64
}

// gpuDeviceCfg mirrors struct virtio_gpu_config.
type gpuDeviceCfg struct {
	EventsRead  uint32
	EventsClear uint32
	NumScanouts uint32
	NumCapsets  uint32
}

// pciCap mirrors struct virtio_pci_cap in full, including the generic PCI
// capability header (cap_vndr/cap_next/cap_len) so it can be overlaid
// directly onto the raw bytes read from config space starting at the
// capability pointer.
type pciCap struct {
	CapVndr uint8
	CapNext uint8
	CapLen  uint8
	CfgType uint8
	Bar     uint8
	_       [3]uint8
	Offset  uint32
	Length  uint32
}

var (
	errNoCapability  = &kernel.Error{Module: "virtio", Message: "virtio-gpu device is missing a required PCI capability"}
	errFeaturesNotOK = &kernel.Error{Module: "virtio", Message: "virtio-gpu device rejected requested feature set"}

	allocFrameRangeFn = allocator.AllocFrameRange
	allocFrameFn      = allocator.AllocFrame
	mapRegionFn       = vmm.MapRegion

	flagsRW = vmm.FlagPresent | vmm.FlagRW
)

// barMapper caches one mapped view per BAR index so two capabilities that
// share a BAR (common practice for notify+ISR) don't map the same physical
// range twice.
type barMapper struct {
	dev    pci.Device
	mapped map[uint8]uintptr
}

func newBARMapper(dev pci.Device) *barMapper {
	return &barMapper{dev: dev, mapped: make(map[uint8]uintptr)}
}

func (m *barMapper) base(bar uint8) (uintptr, *kernel.Error) {
	if addr, ok := m.mapped[bar]; ok {
		return addr, nil
	}

	raw := m.dev.BAR(int(bar))
	if raw&1 != 0 {
		return 0, errNoCapability // I/O-space BAR; this driver only maps memory BARs
	}
	physBase := uintptr(raw &^ 0xF)
	// A 64-bit BAR's upper half lives in the next BAR slot; virtio-gpu's
	// QEMU implementation always advertises its register BARs as 64-bit.
	if raw&0x6 == 0x4 {
		hi := m.dev.BAR(int(bar) + 1)
		physBase |= uintptr(hi) << 32
	}

	page, err := mapRegionFn(pmm.FrameFromAddress(physBase), mem.PageSize*4, flagsRW)
	if err != nil {
		return 0, err
	}
	addr := page.Address()
	m.mapped[bar] = addr
	return addr, nil
}

// probeForGPU is registered with the hal driver registry and runs once PCI
// is assumed to be enumerable (after ACPI, since legacy-free PCI access
// needs no ACPI help but keeping this late avoids competing with earlier,
// more time-sensitive probes).
func probeForGPU() device.Driver {
	dev, ok := pci.Find(vendorIDVirtIO, deviceIDGPU)
	if !ok {
		return nil
	}
	return &Driver{pciDev: dev}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderAfterACPI,
		Probe: probeForGPU,
	})
}

// activeDriver records the most recently initialized virtio-gpu driver, the
// same pattern device/acpi uses for its own activeDriver/CPUCount so code
// that runs after hal.DetectHardware can still reach it.
var activeDriver *Driver

// ActiveDriver returns the initialized virtio-gpu driver, or nil if none was
// detected.
func ActiveDriver() *Driver { return activeDriver }

// Driver is the virtio-gpu reference driver: it implements device.Driver for
// hal.DetectHardware, and compositor.GPUPresenter/GPUCursor once attached.
type Driver struct {
	pciDev pci.Device

	common *commonCfg
	gpuCfg *gpuDeviceCfg

	notifyBase          uintptr
	notifyOffMultiplier uint32

	controlQ *queue
	cursorQ  *queue

	req, resp scratch

	scanoutWidth, scanoutHeight uint32

	fbVA uintptr
	fbPA uint64

	cursorVA         uintptr
	cursorPA         uint64
	cursorX, cursorY int32
}

func (d *Driver) DriverName() string { return "virtio-gpu" }

func (d *Driver) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit walks the device's PCI capability list, maps every register
// block it needs, negotiates features and brings the device to DRIVER_OK,
// then creates the control and cursor virtqueues.
func (d *Driver) DriverInit(w io.Writer) *kernel.Error {
	mapper := newBARMapper(d.pciDev)

	var notifyCap *pciCap
	var notifyMult uint32

	if err := walkCapabilities(d.pciDev, func(cap pciCap, raw []byte) *kernel.Error {
		switch cap.CfgType {
		case capCommonCfg:
			base, err := mapper.base(cap.Bar)
			if err != nil {
				return err
			}
			d.common = (*commonCfg)(unsafe.Pointer(base + uintptr(cap.Offset)))
		case capDeviceCfg:
			base, err := mapper.base(cap.Bar)
			if err != nil {
				return err
			}
			d.gpuCfg = (*gpuDeviceCfg)(unsafe.Pointer(base + uintptr(cap.Offset)))
		case capNotifyCfg:
			base, err := mapper.base(cap.Bar)
			if err != nil {
				return err
			}
			d.notifyBase = base + uintptr(cap.Offset)
			capCopy := cap
			notifyCap = &capCopy
			if len(raw) >= int(unsafe.Sizeof(pciCap{}))+4 {
				notifyMult = *(*uint32)(unsafe.Pointer(&raw[unsafe.Sizeof(pciCap{})]))
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if d.common == nil || d.gpuCfg == nil || notifyCap == nil {
		return errNoCapability
	}
	d.notifyOffMultiplier = notifyMult

	d.pciDev.EnableCommand(pci.CommandMemSpace | pci.CommandBusMaster)

	d.common.DeviceStatus = 0 // reset
	d.common.DeviceStatus |= statusAcknowledge
	d.common.DeviceStatus |= statusDriver

	d.common.DeviceFeatureSelect = 1
	hostFeatures := d.common.DeviceFeature
	d.common.GuestFeatureSelect = 1
	if hostFeatures&featureVersion1 != 0 {
		d.common.GuestFeature = featureVersion1
	}
	d.common.DeviceStatus |= statusFeaturesOK
	if d.common.DeviceStatus&statusFeaturesOK == 0 {
		return errFeaturesNotOK
	}

	controlQ, err := newQueue(d.common, d.notifyBase, d.notifyOffMultiplier, 0)
	if err != nil {
		return err
	}
	cursorQ, err := newQueue(d.common, d.notifyBase, d.notifyOffMultiplier, 1)
	if err != nil {
		return err
	}
	d.controlQ = controlQ
	d.cursorQ = cursorQ

	d.common.DeviceStatus |= statusDriverOK

	kfmt.Fprintf(w, "scanouts=%d capsets=%d\n", d.gpuCfg.NumScanouts, d.gpuCfg.NumCapsets)

	if err := d.initDisplay(); err != nil {
		return err
	}
	return nil
}

// walkCapabilities reads the PCI capability list starting at the
// capabilities-pointer offset (0x34) and invokes fn for every vendor-
// specific (virtio) capability found.
func walkCapabilities(dev pci.Device, fn func(pciCap, []byte) *kernel.Error) *kernel.Error {
	status := pci.ReadConfigWord(dev.Bus, dev.Slot, dev.Function, 0x06)
	if status&(1<<4) == 0 {
		return errNoCapability // no capability list present
	}

	ptr := uint8(pci.ReadConfigDWord(dev.Bus, dev.Slot, dev.Function, 0x34) & 0xFC)
	seen := 0
	for ptr != 0 && seen < 64 {
		seen++
		header := pci.ReadConfigDWord(dev.Bus, dev.Slot, dev.Function, ptr&^3)
		capID := uint8(header)
		capNext := uint8(header >> 8)
		capLen := uint8(header >> 16)

		if capID == pciCapVendorSpecific && capLen >= uint8(unsafe.Sizeof(pciCap{})) {
			raw := make([]byte, capLen)
			for i := uint8(0); i < capLen; i += 4 {
				word := pci.ReadConfigDWord(dev.Bus, dev.Slot, dev.Function, ptr+i)
				raw[i] = byte(word)
				if int(i)+1 < len(raw) {
					raw[i+1] = byte(word >> 8)
				}
				if int(i)+2 < len(raw) {
					raw[i+2] = byte(word >> 16)
				}
				if int(i)+3 < len(raw) {
					raw[i+3] = byte(word >> 24)
				}
			}
			cap := *(*pciCap)(unsafe.Pointer(&raw[0]))
			if err := fn(cap, raw); err != nil {
				return err
			}
		}
		ptr = capNext
	}
	return nil
}
