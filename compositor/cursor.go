package compositor

// CursorSize is the fixed dimension of the cursor bitmap, used by both the
// hardware-cursor overlay path and the software-cursor layer fallback.
const CursorSize = 64

// GPUCursor is the hook a GPU driver implements to expose a hardware cursor
// plane. When present, the compositor hands cursor updates to the GPU
// instead of compositing a cursor layer every frame.
type GPUCursor interface {
	SetCursorImage(argb []uint32) bool
	MoveCursor(x, y int32)
	ShowCursor(visible bool)
}

// cursor tracks the pointer's position and backing image, routing updates
// either to a GPUCursor or to a top-most software layer.
type cursor struct {
	x, y    int32
	visible bool
	image   []uint32 // CursorSize*CursorSize ARGB, nil until setImage

	gpu       GPUCursor
	layerID   int // valid only when gpu == nil
}

func newCursor() *cursor {
	return &cursor{visible: true}
}

// attachGPU switches the cursor to hardware-overlay mode.
func (c *cursor) attachGPU(gpu GPUCursor) {
	c.gpu = gpu
	if c.image != nil {
		gpu.SetCursorImage(c.image)
	}
	gpu.ShowCursor(c.visible)
	gpu.MoveCursor(c.x, c.y)
}

// setImage installs a new CursorSize x CursorSize ARGB bitmap.
func (c *cursor) setImage(argb []uint32) {
	c.image = argb
	if c.gpu != nil {
		c.gpu.SetCursorImage(argb)
	}
}

// move updates the pointer position.
func (c *cursor) move(x, y int32) {
	c.x, c.y = x, y
	if c.gpu != nil {
		c.gpu.MoveCursor(x, y)
	}
}

// setVisible toggles cursor visibility.
func (c *cursor) setVisible(visible bool) {
	c.visible = visible
	if c.gpu != nil {
		c.gpu.ShowCursor(visible)
	}
}

// usesSoftwareLayer reports whether the cursor must be composited as a
// regular top-most layer because no GPU cursor overlay is attached.
func (c *cursor) usesSoftwareLayer() bool {
	return c.gpu == nil
}
