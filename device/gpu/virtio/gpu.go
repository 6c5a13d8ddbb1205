package virtio

import (
	"anyos/compositor"
	"anyos/kernel"
	"anyos/kernel/mem"
	"unsafe"
)

// Control and cursor queue command types (virtio-v1.0-cs04 section 5.7.6).
const (
	cmdGetDisplayInfo        = 0x0100
	cmdResourceCreate2D      = 0x0101
	cmdResourceUnref         = 0x0102
	cmdSetScanout            = 0x0103
	cmdResourceFlush         = 0x0104
	cmdTransferToHost2D      = 0x0105
	cmdResourceAttachBacking = 0x0106

	cmdUpdateCursor = 0x0300
	cmdMoveCursor   = 0x0301
)

const respOKNoData = 0x1100

const formatB8G8R8A8Unorm = 1

const maxScanouts = 16

type ctrlHdr struct {
	Type    uint32
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	_       uint32
}

type gpuRect struct {
	X, Y, Width, Height uint32
}

type displayOne struct {
	R       gpuRect
	Enabled uint32
	Flags   uint32
}

type respDisplayInfo struct {
	Hdr      ctrlHdr
	Displays [maxScanouts]displayOne
}

type reqResourceCreate2D struct {
	Hdr        ctrlHdr
	ResourceID uint32
	Format     uint32
	Width      uint32
	Height     uint32
}

type memEntry struct {
	Addr   uint64
	Length uint32
	_      uint32
}

type reqResourceAttachBacking struct {
	Hdr        ctrlHdr
	ResourceID uint32
	NrEntries  uint32
	Entry      memEntry
}

type reqSetScanout struct {
	Hdr        ctrlHdr
	R          gpuRect
	ScanoutID  uint32
	ResourceID uint32
}

type reqTransferToHost2D struct {
	Hdr        ctrlHdr
	R          gpuRect
	Offset     uint64
	ResourceID uint32
	_          uint32
}

type reqResourceFlush struct {
	Hdr        ctrlHdr
	R          gpuRect
	ResourceID uint32
	_          uint32
}

type cursorPos struct {
	ScanoutID uint32
	X, Y      uint32
	_         uint32
}

type reqUpdateCursor struct {
	Hdr        ctrlHdr
	Pos        cursorPos
	ResourceID uint32
	HotX, HotY uint32
	_          uint32
}

// scratch is a page-backed, physically contiguous buffer the driver reuses
// for every outgoing request and incoming response; synchronous, one
// command in flight at a time, exactly like queue.submit assumes.
type scratch struct {
	va uintptr
	pa uint64
}

func newScratch() (scratch, *kernel.Error) {
	f, err := allocFrameFn()
	if err != nil {
		return scratch{}, err
	}
	va, err := mapFrame(f)
	if err != nil {
		return scratch{}, err
	}
	return scratch{va: va, pa: uint64(f.Address())}, nil
}

const (
	scanoutID     = 0
	gpuResourceID = 1
	cursorResID   = 2
)

// initDisplay queries display geometry, creates the scanout resource backed
// by a driver-owned pixel buffer sized to match it, and attaches the
// compositor to this driver once everything is wired.
func (d *Driver) initDisplay() *kernel.Error {
	req, err := newScratch()
	if err != nil {
		return err
	}
	resp, err := newScratch()
	if err != nil {
		return err
	}
	d.req, d.resp = req, resp

	width, height, err := d.queryDisplayInfo()
	if err != nil {
		return err
	}
	d.scanoutWidth, d.scanoutHeight = width, height

	fbVA, fbPA, err := d.allocPixelBuffer(width, height)
	if err != nil {
		return err
	}
	d.fbVA, d.fbPA = fbVA, fbPA

	if err := d.createResource2D(gpuResourceID, width, height); err != nil {
		return err
	}
	if err := d.attachBacking(gpuResourceID, fbPA, uint32(width)*uint32(height)*4); err != nil {
		return err
	}
	if err := d.setScanout(scanoutID, gpuResourceID, width, height); err != nil {
		return err
	}

	cursorVA, cursorPA, err := d.allocPixelBuffer(compositor.CursorSize, compositor.CursorSize)
	if err != nil {
		return err
	}
	d.cursorVA, d.cursorPA = cursorVA, cursorPA
	if err := d.createResource2D(cursorResID, compositor.CursorSize, compositor.CursorSize); err != nil {
		return err
	}
	if err := d.attachBacking(cursorResID, cursorPA, compositor.CursorSize*compositor.CursorSize*4); err != nil {
		return err
	}

	// hal.DetectHardware runs before compositor.Init, so the compositor
	// singleton doesn't exist yet; kmain attaches this driver to it once
	// it does, the same deferred-wiring pattern device/acpi uses for
	// activeDriver/CPUCount.
	activeDriver = d
	return nil
}

func (d *Driver) allocPixelBuffer(width, height uint32) (uintptr, uint64, *kernel.Error) {
	byteSize := uint64(width) * uint64(height) * 4
	pages := uint32((mem.Size(byteSize) + mem.PageSize - 1) / mem.PageSize)
	if pages == 0 {
		pages = 1
	}
	frame, err := allocFrameRangeFn(pages)
	if err != nil {
		return 0, 0, err
	}
	page, err := mapRegionFn(frame, mem.Size(pages)*mem.PageSize, flagsRW)
	if err != nil {
		return 0, 0, err
	}
	return page.Address(), uint64(frame.Address()), nil
}

func (d *Driver) queryDisplayInfo() (width, height uint32, err *kernel.Error) {
	*(*ctrlHdr)(unsafe.Pointer(d.req.va)) = ctrlHdr{Type: cmdGetDisplayInfo}
	if err := d.controlQ.submit(uintptr(d.req.pa), uint32(unsafe.Sizeof(ctrlHdr{})), uintptr(d.resp.pa), uint32(unsafe.Sizeof(respDisplayInfo{}))); err != nil {
		return 0, 0, err
	}
	info := (*respDisplayInfo)(unsafe.Pointer(d.resp.va))
	disp := info.Displays[scanoutID]
	if disp.R.Width == 0 || disp.R.Height == 0 {
		// Fall back to a conservative default resolution if the device
		// reports a disabled scanout; QEMU always enables scanout 0 but a
		// future host might not.
		return 1024, 768, nil
	}
	return disp.R.Width, disp.R.Height, nil
}

func (d *Driver) createResource2D(resourceID, width, height uint32) *kernel.Error {
	*(*reqResourceCreate2D)(unsafe.Pointer(d.req.va)) = reqResourceCreate2D{
		Hdr:        ctrlHdr{Type: cmdResourceCreate2D},
		ResourceID: resourceID,
		Format:     formatB8G8R8A8Unorm,
		Width:      width,
		Height:     height,
	}
	return d.roundtrip(unsafe.Sizeof(reqResourceCreate2D{}))
}

func (d *Driver) attachBacking(resourceID uint32, phys uint64, length uint32) *kernel.Error {
	*(*reqResourceAttachBacking)(unsafe.Pointer(d.req.va)) = reqResourceAttachBacking{
		Hdr:        ctrlHdr{Type: cmdResourceAttachBacking},
		ResourceID: resourceID,
		NrEntries:  1,
		Entry:      memEntry{Addr: phys, Length: length},
	}
	return d.roundtrip(unsafe.Sizeof(reqResourceAttachBacking{}))
}

func (d *Driver) setScanout(scanout, resourceID, width, height uint32) *kernel.Error {
	*(*reqSetScanout)(unsafe.Pointer(d.req.va)) = reqSetScanout{
		Hdr:        ctrlHdr{Type: cmdSetScanout},
		R:          gpuRect{Width: width, Height: height},
		ScanoutID:  scanout,
		ResourceID: resourceID,
	}
	return d.roundtrip(unsafe.Sizeof(reqSetScanout{}))
}

func (d *Driver) transferAndFlushResource(resourceID uint32, r gpuRect) *kernel.Error {
	*(*reqTransferToHost2D)(unsafe.Pointer(d.req.va)) = reqTransferToHost2D{
		Hdr:        ctrlHdr{Type: cmdTransferToHost2D},
		R:          r,
		ResourceID: resourceID,
	}
	if err := d.roundtrip(unsafe.Sizeof(reqTransferToHost2D{})); err != nil {
		return err
	}

	*(*reqResourceFlush)(unsafe.Pointer(d.req.va)) = reqResourceFlush{
		Hdr:        ctrlHdr{Type: cmdResourceFlush},
		R:          r,
		ResourceID: resourceID,
	}
	return d.roundtrip(unsafe.Sizeof(reqResourceFlush{}))
}

// roundtrip submits the command already written into d.req and checks that
// the device replied OK_NODATA.
func (d *Driver) roundtrip(reqSize uintptr) *kernel.Error {
	if err := d.controlQ.submit(uintptr(d.req.pa), uint32(reqSize), uintptr(d.resp.pa), uint32(unsafe.Sizeof(ctrlHdr{}))); err != nil {
		return err
	}
	hdr := (*ctrlHdr)(unsafe.Pointer(d.resp.va))
	if hdr.Type != respOKNoData {
		return errDeviceRejected
	}
	return nil
}

// cursorRoundtrip is roundtrip's twin for UPDATE_CURSOR/MOVE_CURSOR: the
// virtio-gpu spec carries cursor commands on their own queue (index 1) so
// cursor tracking never has to wait behind a queued 2D transfer.
func (d *Driver) cursorRoundtrip(reqSize uintptr) *kernel.Error {
	if err := d.cursorQ.submit(uintptr(d.req.pa), uint32(reqSize), uintptr(d.resp.pa), uint32(unsafe.Sizeof(ctrlHdr{}))); err != nil {
		return err
	}
	hdr := (*ctrlHdr)(unsafe.Pointer(d.resp.va))
	if hdr.Type != respOKNoData {
		return errDeviceRejected
	}
	return nil
}

var errDeviceRejected = &kernel.Error{Module: "virtio", Message: "virtio-gpu device rejected a control command"}

// TransferAndFlush implements compositor.GPUPresenter: it copies the
// compositor's software framebuffer into the resource's backing memory and
// asks the device to transfer+flush just the damaged rectangles.
func (d *Driver) TransferAndFlush(fb []uint32, pitch int32, damage []compositor.Rect) {
	dst := kernel.Uint32SliceAt(d.fbVA, len(fb))
	for _, r := range damage {
		if r.Empty() {
			continue
		}
		for y := r.Y; y < r.Y+r.H; y++ {
			srcOff := y*pitch + r.X
			dstOff := y*pitch + r.X
			if srcOff < 0 || int(srcOff)+int(r.W) > len(fb) || int(dstOff)+int(r.W) > len(dst) {
				continue
			}
			copy(dst[dstOff:dstOff+r.W], fb[srcOff:srcOff+r.W])
		}
		d.transferAndFlushResource(gpuResourceID, gpuRect{
			X: uint32(r.X), Y: uint32(r.Y), Width: uint32(r.W), Height: uint32(r.H),
		})
	}
}

// SetCursorImage implements compositor.GPUCursor.
func (d *Driver) SetCursorImage(argb []uint32) bool {
	if d.cursorVA == 0 || len(argb) != compositor.CursorSize*compositor.CursorSize {
		return false
	}
	dst := kernel.Uint32SliceAt(d.cursorVA, len(argb))
	copy(dst, argb)
	if err := d.attachBacking(cursorResID, d.cursorPA, compositor.CursorSize*compositor.CursorSize*4); err != nil {
		return false
	}
	*(*reqUpdateCursor)(unsafe.Pointer(d.req.va)) = reqUpdateCursor{
		Hdr:        ctrlHdr{Type: cmdUpdateCursor},
		Pos:        cursorPos{ScanoutID: scanoutID, X: uint32(d.cursorX), Y: uint32(d.cursorY)},
		ResourceID: cursorResID,
	}
	return d.cursorRoundtrip(unsafe.Sizeof(reqUpdateCursor{})) == nil
}

// MoveCursor implements compositor.GPUCursor.
func (d *Driver) MoveCursor(x, y int32) {
	d.cursorX, d.cursorY = x, y
	*(*reqUpdateCursor)(unsafe.Pointer(d.req.va)) = reqUpdateCursor{
		Hdr:        ctrlHdr{Type: cmdMoveCursor},
		Pos:        cursorPos{ScanoutID: scanoutID, X: uint32(x), Y: uint32(y)},
		ResourceID: cursorResID,
	}
	d.cursorRoundtrip(unsafe.Sizeof(reqUpdateCursor{}))
}

// ShowCursor implements compositor.GPUCursor. virtio-gpu has no separate
// visibility flag: hiding the cursor means pointing UPDATE_CURSOR at resource
// 0 (no resource), showing it means pointing it back at cursorResID.
func (d *Driver) ShowCursor(visible bool) {
	resourceID := uint32(cursorResID)
	if !visible {
		resourceID = 0
	}
	*(*reqUpdateCursor)(unsafe.Pointer(d.req.va)) = reqUpdateCursor{
		Hdr:        ctrlHdr{Type: cmdUpdateCursor},
		Pos:        cursorPos{ScanoutID: scanoutID, X: uint32(d.cursorX), Y: uint32(d.cursorY)},
		ResourceID: resourceID,
	}
	d.cursorRoundtrip(unsafe.Sizeof(reqUpdateCursor{}))
}
