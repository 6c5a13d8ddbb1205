package compositor

import "anyos/kernel/ipc"

// Window is one application window: its chrome geometry, flags, owning
// layer and the queue of input/lifecycle events its app has not yet
// polled.
type Window struct {
	ID      uint32
	LayerID int

	Title string

	X, Y             int32
	ContentWidth     uint32
	ContentHeight    uint32
	Flags            uint32
	OwnerTID         uint32
	Focused          bool
	Maximized        bool
	savedBounds      Rect
	hasSavedBounds   bool
	shadowSuppressed bool // drag in progress: drop shadow temporarily off
	events           []Event

	shm *ipc.SHMRegion // nil for a compositor-owned (VRAM-direct-free) window
}

// SHM returns the shared memory region backing this window's content
// buffer, or nil for a window whose pixels the compositor owns outright.
func (w *Window) SHM() *ipc.SHMRegion { return w.shm }

// Event is the 5-word shape delivered to a window's event queue.
type Event struct {
	Type, Arg0, Arg1, Arg2, Arg3 uint32
}

const windowEventQueueCap = 256

func (w *Window) isBorderless() bool   { return w.Flags&FlagBorderless != 0 }
func (w *Window) isResizable() bool    { return w.Flags&FlagNotResizable == 0 }
func (w *Window) isAlwaysOnTop() bool  { return w.Flags&FlagAlwaysOnTop != 0 }
func (w *Window) isMovable() bool      { return w.Flags&FlagNoMove == 0 }

// fullHeight is the layer height including the title bar, if any.
func (w *Window) fullHeight() uint32 {
	if w.isBorderless() {
		return w.ContentHeight
	}
	return w.ContentHeight + TitleBarHeight
}

func (w *Window) fullWidth() uint32 { return w.ContentWidth }

// pushEvent appends ev to the window's queue, dropping it once the queue is
// at capacity (drop-newest, matching the IPC event channel's policy).
func (w *Window) pushEvent(ev Event) {
	if len(w.events) >= windowEventQueueCap {
		return
	}
	w.events = append(w.events, ev)
}

// popEvent removes and returns the oldest queued event.
func (w *Window) popEvent() (Event, bool) {
	if len(w.events) == 0 {
		return Event{}, false
	}
	ev := w.events[0]
	w.events = w.events[1:]
	return ev, true
}

// hitTest classifies a point given in screen coordinates against the
// window's current chrome layout. It returns HitNone if the point falls
// outside the window's full bounds.
func (w *Window) hitTest(screenX, screenY int32) HitCategory {
	px, py := screenX-w.X, screenY-w.Y
	fw, fh := int32(w.fullWidth()), int32(w.fullHeight())

	if px < 0 || py < 0 || px >= fw || py >= fh {
		return HitNone
	}

	if w.isBorderless() {
		return HitContent
	}

	if w.isResizable() && !w.Maximized {
		edge := int32(resizeEdgeWidth)
		top, bottom := py < edge, py >= fh-edge
		left, right := px < edge, px >= fw-edge

		switch {
		case top && left:
			return HitResizeTopLeft
		case top && right:
			return HitResizeTopRight
		case bottom && left:
			return HitResizeBottomLeft
		case bottom && right:
			return HitResizeBottomRight
		case top:
			return HitResizeTop
		case bottom:
			return HitResizeBottom
		case left:
			return HitResizeLeft
		case right:
			return HitResizeRight
		}
	}

	if py < TitleBarHeight {
		if py >= titleBtnY && py < titleBtnY+titleBtnSize {
			r := titleBtnSize / 2
			if cx := int32(8 + r); abs32(px-cx) <= r && abs32(py-titleBtnY-r) <= r {
				return HitCloseButton
			}
			if cx := int32(28 + r); abs32(px-cx) <= r && abs32(py-titleBtnY-r) <= r {
				return HitMinButton
			}
			if cx := int32(48 + r); abs32(px-cx) <= r && abs32(py-titleBtnY-r) <= r {
				return HitMaxButton
			}
		}
		return HitTitleBar
	}

	return HitContent
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// computeResize derives the new (x, y, w, h) for a window being dragged by
// its edge/corner, clamping both dimensions to the minimum window size.
func computeResize(edge HitCategory, startX, startY int32, startW, startH uint32, dx, dy int32) (int32, int32, uint32, uint32) {
	x, y, w, h := startX, startY, startW, startH

	clampW := func(v int32) uint32 {
		if v < minWindowWidth {
			return minWindowWidth
		}
		return uint32(v)
	}
	clampH := func(v int32) uint32 {
		if v < minWindowHeight {
			return minWindowHeight
		}
		return uint32(v)
	}

	switch edge {
	case HitResizeRight:
		w = clampW(int32(startW) + dx)
	case HitResizeBottom:
		h = clampH(int32(startH) + dy)
	case HitResizeLeft:
		newW := clampW(int32(startW) - dx)
		x = startX + int32(startW) - int32(newW)
		w = newW
	case HitResizeTop:
		newH := clampH(int32(startH) - dy)
		y = startY + int32(startH) - int32(newH)
		h = newH
	case HitResizeBottomRight:
		w = clampW(int32(startW) + dx)
		h = clampH(int32(startH) + dy)
	case HitResizeBottomLeft:
		newW := clampW(int32(startW) - dx)
		x = startX + int32(startW) - int32(newW)
		w = newW
		h = clampH(int32(startH) + dy)
	case HitResizeTopRight:
		w = clampW(int32(startW) + dx)
		newH := clampH(int32(startH) - dy)
		y = startY + int32(startH) - int32(newH)
		h = newH
	case HitResizeTopLeft:
		newW := clampW(int32(startW) - dx)
		x = startX + int32(startW) - int32(newW)
		w = newW
		newH := clampH(int32(startH) - dy)
		y = startY + int32(startH) - int32(newH)
		h = newH
	}

	return x, y, w, h
}
