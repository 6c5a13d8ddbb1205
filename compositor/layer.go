package compositor

import "anyos/kernel/ipc"

// Layer is one entry of the compositor's z-ordered stack. Its pixels are
// either owned by the compositor (a plain RAM buffer) or backed by an SHM
// region shared with the owning application; a VRAM-direct surface carries
// no local Pixels at all and is presented by the GPU driver directly.
type Layer struct {
	ID int

	X, Y int32
	W, H uint32

	Pixels []uint32 // nil for a VRAM-direct layer
	Stride uint32   // in pixels; 0 means Stride == W

	SHM *ipc.SHMRegion // nil unless backed by shared memory

	Opaque  bool
	Shadow  bool
	Dirty   bool
	Focused bool
}

// Bounds returns the layer's current screen-space rectangle.
func (l *Layer) Bounds() Rect {
	return Rect{X: l.X, Y: l.Y, W: int32(l.W), H: int32(l.H)}
}

// at returns the ARGB pixel at layer-local coordinates (px, py), or 0 if out
// of bounds or the layer has no local pixel buffer (VRAM-direct).
func (l *Layer) at(px, py int32) (uint32, bool) {
	if l.Pixels == nil || px < 0 || py < 0 || uint32(px) >= l.W || uint32(py) >= l.H {
		return 0, false
	}
	stride := l.Stride
	if stride == 0 {
		stride = l.W
	}
	return l.Pixels[uint32(py)*stride+uint32(px)], true
}

// layerStack holds the layers from bottom (index 0) to top (last index) and
// the pending union of screen-space damage rectangles.
type layerStack struct {
	layers []*Layer
	nextID int
	damage []Rect
}

func newLayerStack() *layerStack {
	return &layerStack{nextID: 1}
}

// addLayer appends a new layer at the top of the stack and marks its full
// bounds as damaged.
func (ls *layerStack) addLayer(x, y int32, w, h uint32, opaque bool) *Layer {
	l := &Layer{ID: ls.nextID, X: x, Y: y, W: w, H: h, Opaque: opaque, Dirty: true}
	if w > 0 && h > 0 {
		l.Pixels = make([]uint32, uint64(w)*uint64(h))
	}
	ls.nextID++
	ls.layers = append(ls.layers, l)
	ls.addDamage(l.Bounds())
	return l
}

// layerByID returns the layer with the given id, or nil.
func (ls *layerStack) layerByID(id int) *Layer {
	for _, l := range ls.layers {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// removeLayer drops a layer from the stack and damages the area it used to
// occupy so the layers below it repaint.
func (ls *layerStack) removeLayer(id int) {
	for i, l := range ls.layers {
		if l.ID == id {
			ls.addDamage(l.Bounds())
			ls.layers = append(ls.layers[:i], ls.layers[i+1:]...)
			return
		}
	}
}

// raiseLayer moves a layer to the top of the stack.
func (ls *layerStack) raiseLayer(id int) {
	for i, l := range ls.layers {
		if l.ID == id {
			ls.layers = append(ls.layers[:i], ls.layers[i+1:]...)
			ls.layers = append(ls.layers, l)
			ls.addDamage(l.Bounds())
			return
		}
	}
}

// moveLayer repositions a layer, damaging both its old and new bounds.
func (ls *layerStack) moveLayer(id int, x, y int32) {
	l := ls.layerByID(id)
	if l == nil {
		return
	}
	ls.addDamage(l.Bounds())
	l.X, l.Y = x, y
	l.Dirty = true
	ls.addDamage(l.Bounds())
}

// resizeLayer changes a layer's dimensions, reallocating its pixel buffer
// if it owns one. Both the old and new bounds are damaged.
func (ls *layerStack) resizeLayer(id int, w, h uint32) {
	l := ls.layerByID(id)
	if l == nil {
		return
	}
	ls.addDamage(l.Bounds())
	l.W, l.H = w, h
	if l.Pixels != nil {
		l.Pixels = make([]uint32, uint64(w)*uint64(h))
		l.Stride = 0
	}
	l.Dirty = true
	ls.addDamage(l.Bounds())
}

// markDirty flags a layer for repaint without changing its geometry.
func (ls *layerStack) markDirty(id int) {
	l := ls.layerByID(id)
	if l == nil {
		return
	}
	l.Dirty = true
	ls.addDamage(l.Bounds())
}

// addDamage unions r into the pending damage list.
func (ls *layerStack) addDamage(r Rect) {
	if r.Empty() {
		return
	}
	ls.damage = append(ls.damage, r)
}

// damageAll marks the entire screen dirty; used after a theme change where
// every layer repaints.
func (ls *layerStack) damageAll(screenW, screenH int32) {
	ls.addDamage(Rect{X: 0, Y: 0, W: screenW, H: screenH})
}

// takeDamage returns the accumulated damage rectangles and clears both the
// pending list and every layer's dirty flag.
func (ls *layerStack) takeDamage() []Rect {
	d := ls.damage
	ls.damage = nil
	for _, l := range ls.layers {
		l.Dirty = false
	}
	return d
}

// compose blends every layer intersecting each damaged rectangle into dst
// (a screen-sized ARGB framebuffer with the given pitch, in pixels).
func (ls *layerStack) compose(dst []uint32, dstStride, screenW, screenH int32, damage []Rect) {
	for _, rect := range damage {
		rect = rect.Intersect(Rect{X: 0, Y: 0, W: screenW, H: screenH})
		if rect.Empty() {
			continue
		}
		ls.composeRect(dst, dstStride, rect)
	}
}

func (ls *layerStack) composeRect(dst []uint32, dstStride int32, rect Rect) {
	// Find the topmost layer that is fully opaque over rect; nothing below
	// it can possibly show through, so compositing can start there.
	bottom := 0
	for i := len(ls.layers) - 1; i >= 0; i-- {
		l := ls.layers[i]
		if l.Opaque && l.Bounds().Intersect(rect) == rect {
			bottom = i
			break
		}
	}

	for y := rect.Y; y < rect.Y+rect.H; y++ {
		for x := rect.X; x < rect.X+rect.W; x++ {
			var argb uint32
			for i := bottom; i < len(ls.layers); i++ {
				l := ls.layers[i]
				px, py := x-l.X, y-l.Y
				c, ok := l.at(px, py)
				if !ok {
					continue
				}
				argb = blend(argb, c)
			}
			dst[y*dstStride+x] = argb
		}
	}
}

// blend composites src over dst using src's alpha channel (bits 24-31).
func blend(dst, src uint32) uint32 {
	alpha := src >> 24
	if alpha == 0xFF || dst == 0 {
		return src
	}
	if alpha == 0 {
		return dst
	}
	inv := 255 - alpha

	sr, sg, sb := (src>>16)&0xFF, (src>>8)&0xFF, src&0xFF
	dr, dg, db := (dst>>16)&0xFF, (dst>>8)&0xFF, dst&0xFF

	r := (sr*alpha + dr*inv) / 255
	g := (sg*alpha + dg*inv) / 255
	b := (sb*alpha + db*inv) / 255
	return 0xFF000000 | (r << 16) | (g << 8) | b
}
