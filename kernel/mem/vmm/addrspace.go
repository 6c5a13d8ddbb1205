package vmm

import (
	"anyos/kernel"
	"anyos/kernel/mem/pmm"
)

// UserSpaceEnd is the exclusive upper bound of the lower half of the virtual
// address space. Every process gets its own mappings below this address;
// everything at or above it is the single, shared kernel half mapped
// identically into every AddrSpace's PDT.
const UserSpaceEnd uintptr = 0x0000_7FFF_FFFF_F000

// FrameFreerFn releases a physical frame previously handed out by a
// FrameAllocatorFn.
type FrameFreerFn func(pmm.Frame) *kernel.Error

// frameFreer is used by AddrSpace.Destroy to release a process's frames. It
// is registered once, analogous to SetFrameAllocator, since vmm cannot
// import the pmm allocator package without creating an import cycle.
var frameFreer FrameFreerFn

// SetFrameFreer registers the function AddrSpace uses to return frames to
// the physical frame allocator on Destroy.
func SetFrameFreer(freeFn FrameFreerFn) {
	frameFreer = freeFn
}

var errNotUserAddress = &kernel.Error{Module: "vmm", Message: "address is not part of the user-mappable lower half"}

// AddrSpace is a process's private address space: its own PageDirectoryTable
// for the lower half (0 .. UserSpaceEnd), with the upper half inherited
// as-is from the kernel's PDT by construction (see NewAddrSpace), so every
// process shares one kernel mapping without needing to copy it.
type AddrSpace struct {
	pdt PageDirectoryTable

	// owned tracks every user-half frame mapped into this address space so
	// Destroy can return them all to the frame allocator.
	owned map[Page]pmm.Frame
}

// NewAddrSpace allocates a fresh PDT rooted at pdtFrame. Init bootstraps the
// frame's recursive mapping and, for a non-active PDT, copies the kernel's
// upper-half entries so every address space sees the same kernel mappings;
// PageDirectoryTable.Init already performs this copy via its recursive slot
// setup, so no separate step is needed here.
func NewAddrSpace(pdtFrame pmm.Frame) (*AddrSpace, *kernel.Error) {
	as := &AddrSpace{owned: make(map[Page]pmm.Frame)}
	if err := as.pdt.Init(pdtFrame); err != nil {
		return nil, err
	}
	return as, nil
}

// CR3 returns the physical address to load into CR3 to activate this
// address space.
func (as *AddrSpace) CR3() uintptr {
	return as.pdt.pdtFrame.Address()
}

// Activate installs this address space's PDT as the active one.
func (as *AddrSpace) Activate() {
	as.pdt.Activate()
}

// MapUser maps page to frame inside the lower half of this address space,
// always forcing FlagUserAccessible so the mapping is reachable from
// user-mode. It refuses to map at or above UserSpaceEnd: the upper half is
// the kernel's domain and must never be touched on a per-process basis.
func (as *AddrSpace) MapUser(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if page.Address() >= UserSpaceEnd {
		return errNotUserAddress
	}

	if err := as.pdt.Map(page, frame, flags|FlagUserAccessible); err != nil {
		return err
	}
	as.owned[page] = frame
	return nil
}

// UnmapUser removes a mapping previously installed by MapUser.
func (as *AddrSpace) UnmapUser(page Page) *kernel.Error {
	if page.Address() >= UserSpaceEnd {
		return errNotUserAddress
	}
	if err := as.pdt.Unmap(page); err != nil {
		return err
	}
	delete(as.owned, page)
	return nil
}

// Destroy releases every frame this address space owns back to the
// physical frame allocator. The caller must ensure this AddrSpace is not
// the currently active one.
func (as *AddrSpace) Destroy() *kernel.Error {
	for page, frame := range as.owned {
		if err := as.pdt.Unmap(page); err != nil {
			return err
		}
		if frameFreer != nil {
			if err := frameFreer(frame); err != nil {
				return err
			}
		}
		delete(as.owned, page)
	}
	return nil
}
