package compositor

import (
	"anyos/kernel"
	"anyos/kernel/ipc"
	"anyos/kernel/mem"
)

// CreateSHMWindow creates a window whose content buffer lives in a freshly
// allocated SHM region sized for contentW x contentH ARGB pixels. If the
// backing pages cannot be allocated the create request fails and no layer
// or window is added.
func (d *Desktop) CreateSHMWindow(title string, x, y int32, contentW, contentH uint32, flags uint32, ownerTID uint32) (uint32, *kernel.Error) {
	pageCount := (contentW*contentH*4 + uint32(mem.PageSize) - 1) / uint32(mem.PageSize)
	region, err := ipc.CreateSHM(pageCount)
	if err != nil {
		return 0, err
	}

	d.lock.Acquire()
	id := d.createWindowLocked(title, x, y, contentW, contentH, flags, ownerTID)
	w, _ := d.windowByID(id)
	w.shm = region
	d.lock.Release()

	return id, nil
}

// CreateVRAMWindow creates a window backed directly by a VRAM surface the
// GPU driver already allocated. If vramPhysBase is zero (the driver failed
// to reserve VRAM) the create request fails: no layer is added and no SHM
// mapping is left dangling.
func (d *Desktop) CreateVRAMWindow(title string, x, y int32, contentW, contentH, stride uint32, vramPhysBase uintptr, flags uint32, ownerTID uint32) (uint32, *kernel.Error) {
	if vramPhysBase == 0 {
		return 0, errVRAMExhausted
	}

	region := ipc.CreateVRAMSurface(vramPhysBase, contentW, contentH, stride)

	d.lock.Acquire()
	id := d.createWindowLocked(title, x, y, contentW, contentH, flags, ownerTID)
	w, idx := d.windowByID(id)
	if w == nil {
		d.lock.Release()
		ipc.Release(region.ID)
		return 0, errVRAMExhausted
	}
	w.shm = region

	layer := d.layers.layerByID(w.LayerID)
	if layer == nil {
		// Layer allocation failed after the window was registered: roll
		// back both the window and the SHM mapping we just created.
		d.windows = append(d.windows[:idx], d.windows[idx+1:]...)
		d.lock.Release()
		ipc.Release(region.ID)
		return 0, errVRAMExhausted
	}
	layer.SHM = region
	layer.Pixels = nil // VRAM-direct: the GPU driver owns the pixel store
	d.lock.Release()

	return id, nil
}

// PresentWindow copies dirtyRect (or the full content area if nil) from a
// window's SHM-backed buffer into its layer and damages the corresponding
// screen region. If the SHM region is smaller than the window's declared
// dimensions the present is skipped and the window keeps its stale
// content, per the documented failure semantics.
func (d *Desktop) PresentWindow(id uint32, src []uint32, dirty *Rect) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	w, _ := d.windowByID(id)
	if w == nil {
		return errBadHandle
	}

	required := uint64(w.ContentWidth) * uint64(w.ContentHeight)
	if uint64(len(src)) < required {
		warnf("window %d: SHM buffer smaller than declared dimensions, skipping present\n", id)
		return nil
	}

	layer := d.layers.layerByID(w.LayerID)
	if layer == nil || layer.Pixels == nil {
		return nil
	}

	contentY := int32(0)
	if !w.isBorderless() {
		contentY = TitleBarHeight
	}

	rect := Rect{X: 0, Y: 0, W: int32(w.ContentWidth), H: int32(w.ContentHeight)}
	if dirty != nil {
		rect = rect.Intersect(*dirty)
	}

	stride := layer.Stride
	if stride == 0 {
		stride = layer.W
	}
	for row := rect.Y; row < rect.Y+rect.H; row++ {
		srcOff := uint32(row) * w.ContentWidth
		dstOff := uint32(row+contentY)*stride + uint32(rect.X)
		copy(layer.Pixels[dstOff:dstOff+uint32(rect.W)], src[srcOff+uint32(rect.X):srcOff+uint32(rect.X)+uint32(rect.W)])
	}

	d.layers.addDamage(Rect{X: layer.X + rect.X, Y: layer.Y + contentY + rect.Y, W: rect.W, H: rect.H})
	return nil
}
