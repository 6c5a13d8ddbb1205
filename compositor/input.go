package compositor

// InputEvent is the raw 5-word shape the kernel's mouse/keyboard driver
// feeds into the compositor; Arg0..Arg3 are interpreted per Type the same
// way as the Event delivered to applications.
type InputEvent struct {
	Type, Arg0, Arg1, Arg2, Arg3 uint32
}

const (
	inputMouseMove   = EventMouseMove
	inputMouseDown   = EventMouseDown
	inputMouseUp     = EventMouseUp
	inputMouseScroll = EventMouseScroll
	inputKeyDown     = EventKeyDown
	inputKeyUp       = EventKeyUp
)

// ProcessInput drains a batch of raw input events, updating drag/resize/
// menubar state and routing clicks to window chrome or application event
// queues. It is the first step of the compositor's per-pass loop.
func (d *Desktop) ProcessInput(events []InputEvent) {
	d.lock.Acquire()
	defer d.lock.Release()

	for _, ev := range events {
		switch ev.Type {
		case inputMouseMove:
			d.handleMouseMoveLocked(int32(ev.Arg0), int32(ev.Arg1))
		case inputMouseDown:
			d.handleMouseButtonLocked(int32(ev.Arg0), int32(ev.Arg1), true)
		case inputMouseUp:
			d.handleMouseButtonLocked(int32(ev.Arg0), int32(ev.Arg1), false)
		case inputMouseScroll:
			d.handleScrollLocked(int32(ev.Arg0), int32(ev.Arg1), int32(ev.Arg2))
		case inputKeyDown:
			d.handleKeyLocked(ev.Arg0, ev.Arg1, true)
		case inputKeyUp:
			d.handleKeyLocked(ev.Arg0, ev.Arg1, false)
		}
	}
}

// handleMouseMoveLocked updates drag/resize/dropdown-hover state for an
// absolute cursor position. Callers hold d.lock.
func (d *Desktop) handleMouseMoveLocked(x, y int32) {
	d.cursor.move(x, y)

	if d.drag != nil {
		if w, _ := d.windowByID(d.drag.windowID); w != nil {
			w.X = x - d.drag.offsetX
			w.Y = y - d.drag.offsetY
			d.layers.moveLayer(w.LayerID, w.X, w.Y)
		}
		return
	}

	if d.resize != nil {
		dx, dy := x-d.resize.startMouseX, y-d.resize.startMouseY
		rx, ry, rw, rh := computeResize(d.resize.edge, d.resize.startX, d.resize.startY, d.resize.startW, d.resize.startH, dx, dy)
		d.layers.addDamage(Rect{X: rx, Y: ry, W: int32(rw), H: int32(rh)})
		return
	}

	if d.menu.isOpen() && y < MenubarHeight {
		d.updateMenuHoverLocked(x)
	}
}

// updateMenuHoverLocked implements hover-across: moving the pointer over a
// different top-level menu title while a dropdown is open switches the
// open submenu without requiring a click.
func (d *Desktop) updateMenuHoverLocked(x int32) {
	idx, _ := d.menuTitleAt(x)
	if idx == -1 || idx == d.menu.openIndex {
		return
	}
	d.menu.hoverTo(d.menu.openWindowID, idx)
	d.layers.addDamage(Rect{X: 0, Y: 0, W: d.screenWidth, H: MenubarHeight + 1})
}

// menuTitleAt returns the top-level menu index under screen x and the
// pixel x-offset its title begins at, or (-1, 0) if none.
func (d *Desktop) menuTitleAt(x int32) (int, int32) {
	const titleWidth = 80
	menus := d.menu.activeMenus()
	for i := range menus {
		left := int32(i) * titleWidth
		if x >= left && x < left+titleWidth {
			return i, left
		}
	}
	return -1, 0
}

// handleMouseButtonLocked dispatches a button press or release.
func (d *Desktop) handleMouseButtonLocked(x, y int32, down bool) {
	if !down {
		d.handleMouseUpLocked(x, y)
		return
	}

	if d.menu.isOpen() {
		if y < MenubarHeight {
			d.handleMenubarClickLocked(x)
			return
		}
		d.handleDropdownClickLocked(x, y)
		d.menu.closeDropdown()
		d.closeDropdownLayerLocked()
		return
	}

	if y < MenubarHeight {
		if id, ok := d.statusIconAtLocked(x); ok {
			d.handleStatusIconClickLocked(id)
			return
		}
		d.handleMenubarClickLocked(x)
		return
	}

	winID, hit := d.topWindowHitLocked(x, y)
	if winID == 0 {
		return
	}
	w, _ := d.windowByID(winID)
	if w.ID != d.focusedWindow {
		d.focusWindowLocked(w.ID)
	}

	switch hit {
	case HitCloseButton:
		w.pushEvent(Event{Type: EventWindowClose})
	case HitMinButton:
		d.minimizeLocked(w)
	case HitMaxButton:
		d.toggleMaximizeLocked(w)
	case HitTitleBar:
		if w.isMovable() {
			d.startDragLocked(w, x, y)
		}
	case HitContent:
		if w.OwnerTID != 0 {
			lx, ly := x-w.X, y-w.Y
			if !w.isBorderless() {
				ly -= TitleBarHeight
			}
			w.pushEvent(Event{Type: EventMouseDown, Arg0: uint32(lx), Arg1: uint32(ly)})
		}
	default:
		if IsResizeEdge(hit) && w.isResizable() {
			d.startResizeLocked(w, hit, x, y)
		}
	}
}

func (d *Desktop) topWindowHitLocked(x, y int32) (uint32, HitCategory) {
	for i := len(d.windows) - 1; i >= 0; i-- {
		w := d.windows[i]
		if ht := w.hitTest(x, y); ht != HitNone {
			return w.ID, ht
		}
	}
	return 0, HitNone
}

// startDragLocked begins a title-bar drag, suppressing the window's drop
// shadow for the duration to cut per-frame compositing cost.
func (d *Desktop) startDragLocked(w *Window, x, y int32) {
	layer := d.layers.layerByID(w.LayerID)
	shadowWasOn := layer != nil && layer.Shadow
	if layer != nil {
		layer.Shadow = false
	}
	w.shadowSuppressed = true
	d.drag = &dragState{windowID: w.ID, offsetX: x - w.X, offsetY: y - w.Y, shadowWasOn: shadowWasOn}
}

func (d *Desktop) startResizeLocked(w *Window, edge HitCategory, x, y int32) {
	d.resize = &resizeState{
		windowID:    w.ID,
		startMouseX: x, startMouseY: y,
		startX: w.X, startY: w.Y,
		startW: w.ContentWidth, startH: w.fullHeight(),
		edge: edge,
	}
}

// handleMouseUpLocked ends any in-flight drag or resize, restoring the
// window's shadow and committing a rubber-banded resize.
func (d *Desktop) handleMouseUpLocked(x, y int32) {
	if d.drag != nil {
		if w, _ := d.windowByID(d.drag.windowID); w != nil {
			w.shadowSuppressed = false
			if layer := d.layers.layerByID(w.LayerID); layer != nil {
				layer.Shadow = d.drag.shadowWasOn
				d.layers.markDirty(layer.ID)
			}
		}
		d.drag = nil
	}

	if d.resize != nil {
		r := d.resize
		dx, dy := x-r.startMouseX, y-r.startMouseY
		rx, ry, rw, rh := computeResize(r.edge, r.startX, r.startY, r.startW, r.startH, dx, dy)
		if w, _ := d.windowByID(r.windowID); w != nil {
			contentH := rh
			if !w.isBorderless() {
				contentH -= TitleBarHeight
			}
			w.X, w.Y = rx, ry
			w.ContentWidth, w.ContentHeight = rw, contentH
			d.layers.moveLayer(w.LayerID, rx, ry)
			d.layers.resizeLayer(w.LayerID, rw, rh)
			w.pushEvent(Event{Type: EventResize, Arg0: rw, Arg1: contentH})
		}
		d.resize = nil
	}
}

func (d *Desktop) minimizeLocked(w *Window) {
	if w.Flags&FlagNoMinimize != 0 {
		return
	}
	d.layers.moveLayer(w.LayerID, d.screenWidth, d.screenHeight)
	if d.focusedWindow == w.ID {
		d.focusedWindow = 0
	}
	w.Focused = false
}

func (d *Desktop) toggleMaximizeLocked(w *Window) {
	if w.Flags&FlagNoMaximize != 0 {
		return
	}
	if w.Maximized {
		if w.hasSavedBounds {
			w.X, w.Y = w.savedBounds.X, w.savedBounds.Y
			w.ContentWidth, w.ContentHeight = uint32(w.savedBounds.W), uint32(w.savedBounds.H)
			w.Maximized = false
			d.layers.moveLayer(w.LayerID, w.X, w.Y)
			d.layers.resizeLayer(w.LayerID, w.fullWidth(), w.fullHeight())
		}
		return
	}
	w.savedBounds = Rect{X: w.X, Y: w.Y, W: int32(w.ContentWidth), H: int32(w.ContentHeight)}
	w.hasSavedBounds = true
	w.Maximized = true
	w.X, w.Y = 0, MenubarHeight+1
	w.ContentWidth = uint32(d.screenWidth)
	w.ContentHeight = uint32(d.screenHeight - MenubarHeight - 1 - TitleBarHeight)
	d.layers.moveLayer(w.LayerID, w.X, w.Y)
	d.layers.resizeLayer(w.LayerID, w.fullWidth(), w.fullHeight())
}

// handleMenubarClickLocked opens or closes the dropdown for the menu title
// under x, creating/removing the overlay layer as needed.
func (d *Desktop) handleMenubarClickLocked(x int32) {
	idx, _ := d.menuTitleAt(x)
	if idx == -1 {
		return
	}

	owner := d.focusedWindow
	menus := d.menu.activeMenus()
	d.menu.openAt(owner, idx)

	bounds := dropdownBounds(idx, int32(idx)*80, menus[idx].Items)
	if d.dropdownLayer != 0 {
		d.layers.removeLayer(d.dropdownLayer)
	}
	d.dropdownLayer = d.layers.addLayer(bounds.X, bounds.Y, uint32(bounds.W), uint32(bounds.H), true).ID
	d.layers.raiseLayer(d.dropdownLayer)
	d.layers.addDamage(Rect{X: 0, Y: 0, W: d.screenWidth, H: MenubarHeight + 1})
}

// systemMenuAction IDs, matching menuBar.systemMenu's item IDs.
const (
	systemMenuAbout    = 1
	systemMenuRestart  = 2
	systemMenuShutdown = 3
)

// handleDropdownClickLocked resolves a click while a dropdown is open into
// either a system menu action or an EventMenuItem delivered to the
// dropdown's owning window.
func (d *Desktop) handleDropdownClickLocked(x, y int32) {
	idx := d.menu.openIndex
	if idx < 0 {
		return
	}
	menus := d.menu.activeMenus()
	if idx >= len(menus) {
		return
	}
	menu := menus[idx]

	anchorX := int32(idx) * 80
	bounds := dropdownBounds(idx, anchorX, menu.Items)
	if !(x >= bounds.X && x < bounds.X+bounds.W && y >= bounds.Y && y < bounds.Y+bounds.H) {
		return
	}

	const itemHeight = 22
	itemIdx := int((y - bounds.Y) / itemHeight)
	if itemIdx < 0 || itemIdx >= len(menu.Items) {
		return
	}
	item := menu.Items[itemIdx]
	if item.Disabled {
		return
	}

	if idx == 0 {
		d.handleSystemMenuActionLocked(item.ID)
		return
	}

	if w, _ := d.windowByID(d.menu.openWindowID); w != nil {
		w.pushEvent(Event{Type: EventMenuItem, Arg0: uint32(idx), Arg1: item.ID})
	}
}

// handleSystemMenuActionLocked handles the fixed system menu entries.
// Restart/Shutdown requests are recorded as a pending power action and
// drained by the kernel's power-management path after the lock is
// released — the compositor itself never blocks on that work.
func (d *Desktop) handleSystemMenuActionLocked(itemID uint32) {
	switch itemID {
	case systemMenuRestart:
		d.pendingPowerAction = powerActionRestart
	case systemMenuShutdown:
		d.pendingPowerAction = powerActionShutdown
	case systemMenuAbout:
	}
}

func (d *Desktop) closeDropdownLayerLocked() {
	if d.dropdownLayer != 0 {
		d.layers.removeLayer(d.dropdownLayer)
		d.dropdownLayer = 0
	}
}

func (d *Desktop) handleScrollLocked(x, y, delta int32) {
	winID, _ := d.topWindowHitLocked(x, y)
	if winID == 0 {
		return
	}
	w, _ := d.windowByID(winID)
	if w.OwnerTID != 0 {
		w.pushEvent(Event{Type: EventMouseScroll, Arg0: uint32(delta)})
	}
}

func (d *Desktop) handleKeyLocked(scancode, mods uint32, down bool) {
	if d.focusedWindow == 0 {
		return
	}
	w, _ := d.windowByID(d.focusedWindow)
	if w == nil || w.OwnerTID == 0 {
		return
	}
	evType := uint32(EventKeyUp)
	if down {
		evType = EventKeyDown
	}
	w.pushEvent(Event{Type: evType, Arg0: scancode, Arg1: mods})
}
