package acpi

import (
	"unsafe"

	"anyos/device/acpi/table"
)

// localAPICEnabled is bit 0 of MADTEntryLocalAPIC.Flags; a local APIC entry
// with this bit clear describes a processor socket that isn't populated.
const localAPICEnabled = 1

// CPUCount returns the number of enabled logical CPUs described by the
// system's MADT (signature "APIC"). It returns 1 (the boot processor) if no
// ACPI driver has been initialized yet or the platform doesn't expose a MADT.
func CPUCount() int {
	if activeDriver == nil {
		return 1
	}
	return activeDriver.cpuCount()
}

// cpuCount walks the variable-length MADT entry list counting enabled local
// APIC entries. Each entry begins with the common (Type, Length) header
// defined by MADTEntry; Length lets us skip over entry kinds we don't care
// about without knowing their concrete layout.
func (drv *acpiDriver) cpuCount() int {
	madtHeader, ok := drv.tableMap["APIC"]
	if !ok {
		return 1
	}

	entriesStart := uintptr(unsafe.Pointer(madtHeader)) + unsafe.Sizeof(table.MADT{})
	entriesEnd := uintptr(unsafe.Pointer(madtHeader)) + uintptr(madtHeader.Length)

	count := 0
	for ptr := entriesStart; ptr+unsafe.Sizeof(table.MADTEntry{}) <= entriesEnd; {
		entry := (*table.MADTEntry)(unsafe.Pointer(ptr))
		if entry.Length == 0 {
			break
		}

		if entry.Type == table.MADTEntryTypeLocalAPIC {
			lapic := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(ptr + unsafe.Sizeof(table.MADTEntry{})))
			if lapic.Flags&localAPICEnabled != 0 {
				count++
			}
		}

		ptr += uintptr(entry.Length)
	}

	if count == 0 {
		return 1
	}
	return count
}
