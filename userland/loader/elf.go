// Package loader parses a 64-bit ELF executable and maps it into a fresh
// process address space, the way kmain brings up the very first kernel
// threads except aimed at user mode: read the file, walk its PT_LOAD
// program headers, allocate and map frames for each, copy in the file
// bytes and zero the rest.
package loader

import (
	"anyos/kernel"
	"anyos/kernel/fs/vfs"
	"anyos/kernel/mem"
	"anyos/kernel/mem/pmm"
	"anyos/kernel/mem/pmm/allocator"
	"anyos/kernel/mem/vmm"
	"unsafe"
)

const (
	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7F, 'E', 'L', 'F'

	elfClass64   = 2
	elfData2LSB  = 1
	elfTypeExec  = 2
	elfTypeShare = 3 // ET_DYN; position-independent executables link as this
	elfMachineX8664 = 0x3E

	ptLoad = 1

	pfExecute = 1 << 0
	pfWrite   = 1 << 1
)

// elf64Header mirrors the on-disk Elf64_Ehdr layout; overlaid directly onto
// the file's first 64 bytes the same way hal/multiboot overlays its tag
// structs onto the multiboot info blob.
type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

// elf64ProgramHeader mirrors Elf64_Phdr.
type elf64ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

var (
	errNotELF       = &kernel.Error{Module: "loader", Message: "not a 64-bit little-endian ELF executable"}
	errUnsupported  = &kernel.Error{Module: "loader", Message: "unsupported ELF machine or file type"}
	errBadSegment   = &kernel.Error{Module: "loader", Message: "program header describes an invalid segment"}
	errReadTruncate = &kernel.Error{Module: "loader", Message: "executable file is shorter than its program headers claim"}
)

// Image describes a loaded, but not yet scheduled, process image.
type Image struct {
	Entry     uintptr
	StackTop  uintptr
	AddrSpace *vmm.AddrSpace
}

// userStackPages is the number of pages mapped for the initial user stack of
// every loaded image; growth beyond this is out of scope (no page-fault-driven
// stack growth is implemented).
const userStackPages = 8

// userStackTop is where the initial stack is mapped, comfortably below
// vmm.UserSpaceEnd so the guard gap catches a runaway stack rather than
// colliding with the shared kernel half.
const userStackTop = vmm.UserSpaceEnd - uintptr(userStackPages+1)*uintptr(mem.PageSize)

// LoadPath resolves path on the mounted root filesystem, reads it whole and
// loads it via Load.
func LoadPath(path string) (*Image, *kernel.Error) {
	fs := vfs.Root()
	if fs == nil {
		return nil, &kernel.Error{Module: "loader", Message: "no filesystem mounted"}
	}

	inode, kind, size, fsErr := fs.Lookup(path)
	if fsErr != nil || kind != vfs.FileTypeFile {
		return nil, &kernel.Error{Module: "loader", Message: "executable not found: " + path}
	}

	data := make([]byte, size)
	if _, fsErr := fs.ReadFile(inode, 0, data); fsErr != nil {
		return nil, &kernel.Error{Module: "loader", Message: "could not read executable: " + path}
	}

	return Load(data)
}

// Load parses an in-memory ELF64 executable, builds a fresh AddrSpace for it
// and maps every PT_LOAD segment plus an initial user stack. It does not
// touch the scheduler: the caller (proc.Process.Spawn) decides how the
// resulting Image becomes a runnable thread.
func Load(data []byte) (*Image, *kernel.Error) {
	if len(data) < int(unsafe.Sizeof(elf64Header{})) {
		return nil, errNotELF
	}

	hdr := (*elf64Header)(unsafe.Pointer(&data[0]))
	if hdr.Ident[0] != elfMagic0 || hdr.Ident[1] != elfMagic1 ||
		hdr.Ident[2] != elfMagic2 || hdr.Ident[3] != elfMagic3 {
		return nil, errNotELF
	}
	if hdr.Ident[4] != elfClass64 || hdr.Ident[5] != elfData2LSB {
		return nil, errNotELF
	}
	if hdr.Machine != elfMachineX8664 || (hdr.Type != elfTypeExec && hdr.Type != elfTypeShare) {
		return nil, errUnsupported
	}

	pdtFrame, err := allocFrameFn()
	if err != nil {
		return nil, err
	}
	as, err := vmm.NewAddrSpace(pdtFrame)
	if err != nil {
		return nil, err
	}

	phEntSize := uint64(hdr.PhEntSize)
	for i := uint16(0); i < hdr.PhNum; i++ {
		off := hdr.PhOff + uint64(i)*phEntSize
		if off+phEntSize > uint64(len(data)) {
			return nil, errReadTruncate
		}
		ph := (*elf64ProgramHeader)(unsafe.Pointer(&data[off]))
		if ph.Type != ptLoad {
			continue
		}
		if err := mapSegment(as, ph, data); err != nil {
			return nil, err
		}
	}

	if err := mapUserStack(as); err != nil {
		return nil, err
	}

	return &Image{
		Entry:     uintptr(hdr.Entry),
		StackTop:  userStackTop + uintptr(userStackPages)*uintptr(mem.PageSize),
		AddrSpace: as,
	}, nil
}

// mapSegment allocates and maps the frames backing one PT_LOAD entry,
// copying in its file-backed prefix and zeroing the rest (the .bss tail
// when MemSz > FileSz).
func mapSegment(as *vmm.AddrSpace, ph *elf64ProgramHeader, data []byte) *kernel.Error {
	if ph.FileSz > ph.MemSz {
		return errBadSegment
	}
	if ph.Offset+ph.FileSz > uint64(len(data)) {
		return errReadTruncate
	}

	flags := vmm.FlagPresent
	if ph.Flags&pfWrite != 0 {
		flags |= vmm.FlagRW
	}

	base, end := segmentBounds(ph.VAddr, ph.MemSz)

	for addr := base; addr < end; addr += uintptr(mem.PageSize) {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		page := vmm.PageFromAddress(addr)
		if err := as.MapUser(page, frame, flags); err != nil {
			return err
		}

		dst := kernel.BytesAt(page.Address(), int(mem.PageSize))
		for i := range dst {
			dst[i] = 0
		}

		// Copy only the slice of this page that falls within [VAddr, VAddr+FileSz).
		pageStart := uint64(addr)
		pageEnd := pageStart + uint64(mem.PageSize)
		segStart := uint64(ph.VAddr)
		segFileEnd := segStart + ph.FileSz
		copyStart := max64(pageStart, segStart)
		copyEnd := min64(pageEnd, segFileEnd)
		if copyEnd > copyStart {
			n := copyEnd - copyStart
			srcOff := ph.Offset + (copyStart - segStart)
			copy(dst[copyStart-pageStart:], data[srcOff:srcOff+n])
		}
	}
	return nil
}

// segmentBounds rounds a segment's [vaddr, vaddr+memSz) range out to whole
// pages, the granularity every MapUser call must work at.
func segmentBounds(vaddr, memSz uint64) (base, end uintptr) {
	pageSize := uint64(mem.PageSize)
	base = uintptr(vaddr &^ (pageSize - 1))
	end = uintptr((vaddr + memSz + pageSize - 1) &^ (pageSize - 1))
	return base, end
}

func mapUserStack(as *vmm.AddrSpace) *kernel.Error {
	for i := 0; i < userStackPages; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		addr := userStackTop + uintptr(i)*uintptr(mem.PageSize)
		if err := as.MapUser(vmm.PageFromAddress(addr), frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
	}
	return nil
}

// allocFrameFn is swappable so tests can exercise Load without a real
// physical frame allocator behind it, the same pattern kernel/ipc uses for
// allocFrameRangeFn.
var allocFrameFn func() (pmm.Frame, *kernel.Error) = allocator.AllocFrame

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
