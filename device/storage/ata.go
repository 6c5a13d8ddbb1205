package storage

import "anyos/kernel/cpu"

// ATA PIO I/O port offsets relative to a channel's I/O base.
const (
	ataRegData     = 0x0
	ataRegError    = 0x1
	ataRegSecCount = 0x2
	ataRegLBALo    = 0x3
	ataRegLBAMid   = 0x4
	ataRegLBAHi    = 0x5
	ataRegDrive    = 0x6
	ataRegStatus   = 0x7
	ataRegCommand  = 0x7
)

const (
	ataStatusErr = 1 << 0
	ataStatusDRQ = 1 << 3
	ataStatusSRV = 1 << 4
	ataStatusDF  = 1 << 5
	ataStatusBSY = 1 << 7
)

const (
	ataCmdReadSectors  = 0x20
	ataCmdWriteSectors = 0x30
	ataCmdFlushCache   = 0xE7
)

// PrimaryIOBase and PrimaryControlBase are the standard legacy IDE primary
// channel port assignments.
const (
	PrimaryIOBase      = 0x1F0
	PrimaryControlBase = 0x3F6
)

var (
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
	portReadWordFn  = cpu.PortReadWord
	portWriteWordFn = cpu.PortWriteWord
)

// ATADevice drives a single ATA disk over legacy PIO, LBA28 addressing, on
// the primary or secondary IDE channel. It is the reference BlockDevice used
// to mount the exFAT filesystem.
type ATADevice struct {
	ioBase      uint16
	controlBase uint16
	slave       bool
}

// NewATADevice returns an ATADevice for the given channel. slave selects the
// channel's secondary drive (master otherwise).
func NewATADevice(ioBase, controlBase uint16, slave bool) *ATADevice {
	return &ATADevice{ioBase: ioBase, controlBase: controlBase, slave: slave}
}

func (d *ATADevice) driveSelectByte(lbaHiNibble uint8) uint8 {
	sel := uint8(0xE0) | (lbaHiNibble & 0x0F)
	if d.slave {
		sel |= 0x10
	}
	return sel
}

func (d *ATADevice) waitNotBusy() bool {
	for i := 0; i < 1_000_000; i++ {
		status := portReadByteFn(d.ioBase + ataRegStatus)
		if status&ataStatusBSY == 0 {
			return status&ataStatusErr == 0 && status&ataStatusDF == 0
		}
	}
	return false
}

func (d *ATADevice) waitDRQ() bool {
	for i := 0; i < 1_000_000; i++ {
		status := portReadByteFn(d.ioBase + ataRegStatus)
		if status&(ataStatusErr|ataStatusDF) != 0 {
			return false
		}
		if status&ataStatusDRQ != 0 {
			return true
		}
	}
	return false
}

func (d *ATADevice) setupTransfer(lba, count uint32) {
	portWriteByteFn(d.ioBase+ataRegDrive, d.driveSelectByte(uint8(lba>>24)))
	portWriteByteFn(d.ioBase+ataRegSecCount, uint8(count))
	portWriteByteFn(d.ioBase+ataRegLBALo, uint8(lba))
	portWriteByteFn(d.ioBase+ataRegLBAMid, uint8(lba>>8))
	portWriteByteFn(d.ioBase+ataRegLBAHi, uint8(lba>>16))
}

// ReadSectors implements BlockDevice.
func (d *ATADevice) ReadSectors(lba uint32, count uint32, buf []byte) bool {
	if count == 0 || len(buf) < int(count)*SectorSize {
		return false
	}
	if !d.waitNotBusy() {
		return false
	}
	d.setupTransfer(lba, count)
	portWriteByteFn(d.ioBase+ataRegCommand, ataCmdReadSectors)

	for sec := uint32(0); sec < count; sec++ {
		if !d.waitDRQ() {
			return false
		}
		off := int(sec) * SectorSize
		for i := 0; i < SectorSize; i += 2 {
			word := portReadWordFn(d.ioBase + ataRegData)
			buf[off+i] = uint8(word)
			buf[off+i+1] = uint8(word >> 8)
		}
	}
	return true
}

// WriteSectors implements BlockDevice.
func (d *ATADevice) WriteSectors(lba uint32, count uint32, buf []byte) bool {
	if count == 0 || len(buf) < int(count)*SectorSize {
		return false
	}
	if !d.waitNotBusy() {
		return false
	}
	d.setupTransfer(lba, count)
	portWriteByteFn(d.ioBase+ataRegCommand, ataCmdWriteSectors)

	for sec := uint32(0); sec < count; sec++ {
		if !d.waitDRQ() {
			return false
		}
		off := int(sec) * SectorSize
		for i := 0; i < SectorSize; i += 2 {
			word := uint16(buf[off+i]) | uint16(buf[off+i+1])<<8
			portWriteWordFn(d.ioBase+ataRegData, word)
		}
	}

	portWriteByteFn(d.ioBase+ataRegCommand, ataCmdFlushCache)
	return d.waitNotBusy()
}
