package compositor

import (
	"anyos/kernel"
	"anyos/kernel/ipc"
	"anyos/kernel/kfmt"
	"anyos/kernel/sync"
)

var (
	errBadHandle     = &kernel.Error{Module: "compositor", Message: "invalid window id"}
	errVRAMExhausted = &kernel.Error{Module: "compositor", Message: "VRAM allocation failed"}
)

// GPUPresenter is the hook a GPU driver implements to receive the damaged
// rectangles of a completed compose pass (step 3 of the compose algorithm):
// transfer-to-host plus flush. When no GPU driver is attached the
// framebuffer is assumed to already be scanout memory and Present is a
// no-op.
type GPUPresenter interface {
	TransferAndFlush(fb []uint32, pitch int32, damage []Rect)
}

// Desktop is the single compositor instance: the layer stack, every
// tracked window, the menubar, the cursor and the animation table, all
// guarded by one spinlock. The only deferred work is a system-menu power
// action, recorded in pendingPowerAction for the caller to act on after
// the lock is released; Desktop does not spawn processes or launch apps.
type Desktop struct {
	lock sync.Spinlock

	screenWidth, screenHeight int32
	fb                        []uint32
	pitch                     int32

	layers  layerStack
	windows []*Window

	desktopLayerID int
	menubarLayerID int
	dropdownLayer  int

	focusedWindow uint32
	menu          menuBar
	cursor        cursor
	anim          animationTable

	drag   *dragState
	resize *resizeState

	cascadeX, cascadeY int32

	gpu   GPUPresenter
	ticks uint64

	pendingPowerAction powerAction
}

// powerAction is a system-menu request the compositor defers to its
// caller instead of acting on directly: power management is the kernel's
// job, not the compositor's.
type powerAction int

const (
	powerActionNone powerAction = iota
	powerActionRestart
	powerActionShutdown
)

// TakePendingPowerAction returns and clears whatever restart/shutdown
// request the system menu queued, or powerActionNone.
func (d *Desktop) TakePendingPowerAction() powerAction {
	d.lock.Acquire()
	defer d.lock.Release()
	a := d.pendingPowerAction
	d.pendingPowerAction = powerActionNone
	return a
}

// IsShutdownRequest and IsRestartRequest let callers branch on a value
// returned by TakePendingPowerAction without exporting powerAction's
// underlying representation.
func IsShutdownRequest(a powerAction) bool { return a == powerActionShutdown }
func IsRestartRequest(a powerAction) bool  { return a == powerActionRestart }

type dragState struct {
	windowID       uint32
	offsetX        int32
	offsetY        int32
	shadowWasOn    bool
}

type resizeState struct {
	windowID                     uint32
	startMouseX, startMouseY     int32
	startX, startY               int32
	startW, startH               uint32
	edge                         HitCategory
}

// desktop is the package-level singleton; anyOS runs exactly one compositor.
var desktop *Desktop

// Get returns the compositor singleton, or nil if Init has not run yet.
func Get() *Desktop { return desktop }

// Init creates the Desktop singleton backed by a screenWidth x screenHeight
// ARGB framebuffer with the given pitch (in pixels). It must run once,
// before any window or input operation.
func Init(screenWidth, screenHeight, pitch int32, fb []uint32) *Desktop {
	d := &Desktop{
		screenWidth:  screenWidth,
		screenHeight: screenHeight,
		pitch:        pitch,
		fb:           fb,
		layers:       *newLayerStack(),
		menu:         *newMenuBar(),
		cursor:       *newCursor(),
		cascadeX:     120,
		cascadeY:     MenubarHeight + 50,
	}

	d.desktopLayerID = d.layers.addLayer(0, 0, uint32(screenWidth), uint32(screenHeight), true).ID
	d.menubarLayerID = d.layers.addLayer(0, 0, uint32(screenWidth), MenubarHeight, true).ID

	desktop = d
	return d
}

// SetWindowMenus installs the application menu set a window exposes in
// the menubar while it has focus.
func (d *Desktop) SetWindowMenus(windowID uint32, menus []Menu) {
	d.lock.Acquire()
	defer d.lock.Release()
	d.menu.setMenus(windowID, menus)
}

// StartButtonHover begins the hover-in color transition for a chrome
// button, driven by the shared animation table.
func (d *Desktop) StartButtonHover(windowID uint32, button int, hovering bool) {
	d.lock.Acquire()
	defer d.lock.Release()

	key := animationKey{windowID: windowID, button: button}
	from, to := uint32(0), uint32(1000)
	if !hovering {
		from, to = 1000, 0
	}
	d.anim.start(key, from, to, d.ticks, 150, EaseInOutQuad)
	if w, _ := d.windowByID(windowID); w != nil {
		d.layers.markDirty(w.LayerID)
	}
}

// AttachGPU wires a GPU driver's presenter and cursor hooks into the
// compositor; called once hardware detection finds a suitable device.
func (d *Desktop) AttachGPU(presenter GPUPresenter, cur GPUCursor) {
	d.lock.Acquire()
	defer d.lock.Release()
	d.gpu = presenter
	if cur != nil {
		d.cursor.attachGPU(cur)
	}
}

func (d *Desktop) windowByID(id uint32) (*Window, int) {
	for i, w := range d.windows {
		if w.ID == id {
			return w, i
		}
	}
	return nil, -1
}

var nextWindowID uint32 = 1

// CreateWindow creates a new chrome window at an explicit position and
// returns its id.
func (d *Desktop) CreateWindow(title string, x, y int32, contentW, contentH uint32, flags uint32, ownerTID uint32) uint32 {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.createWindowLocked(title, x, y, contentW, contentH, flags, ownerTID)
}

func (d *Desktop) createWindowLocked(title string, x, y int32, contentW, contentH uint32, flags uint32, ownerTID uint32) uint32 {
	id := nextWindowID
	nextWindowID++

	borderless := flags&FlagBorderless != 0
	fullH := contentH
	if !borderless {
		fullH += TitleBarHeight
	}

	forceShadow := flags&FlagShadow != 0
	opaque := borderless && !forceShadow
	layer := d.layers.addLayer(x, y, contentW, fullH, opaque)
	if !borderless || forceShadow {
		layer.Shadow = true
	}

	w := &Window{
		ID:            id,
		LayerID:       layer.ID,
		Title:         title,
		X:             x,
		Y:             y,
		ContentWidth:  contentW,
		ContentHeight: contentH,
		Flags:         flags,
		OwnerTID:      ownerTID,
	}
	d.windows = append(d.windows, w)
	d.focusWindowLocked(id)
	return id
}

// nextAutoPosition returns the next cascading placement and advances the
// cascade cursor, wrapping per the documented wrap geometry.
func (d *Desktop) nextAutoPosition(w, h uint32) (int32, int32) {
	x, y := d.cascadeX, d.cascadeY

	d.cascadeX += 30
	d.cascadeY += 30

	if d.cascadeX+int32(w) > d.screenWidth-60 {
		d.cascadeX = 120
		d.cascadeY += 30
	}
	if d.cascadeY+int32(h) > d.screenHeight-80 {
		d.cascadeX = 120
		d.cascadeY = MenubarHeight + 50
	}

	return x, y
}

// CreateWindowAuto creates a window using cascading auto-placement when x
// or y is CWUseDefault.
func (d *Desktop) CreateWindowAuto(title string, x, y int32, contentW, contentH uint32, flags uint32, ownerTID uint32) uint32 {
	d.lock.Acquire()
	defer d.lock.Release()

	fullH := contentH
	if flags&FlagBorderless == 0 {
		fullH += TitleBarHeight
	}
	if x == CWUseDefault || y == CWUseDefault {
		x, y = d.nextAutoPosition(contentW, fullH)
	}
	return d.createWindowLocked(title, x, y, contentW, contentH, flags, ownerTID)
}

// DestroyWindow removes a window and its layer. Returns errBadHandle if id
// is unknown; compositor state is otherwise untouched by a failed call.
func (d *Desktop) DestroyWindow(id uint32) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	w, idx := d.windowByID(id)
	if w == nil {
		return errBadHandle
	}

	d.layers.removeLayer(w.LayerID)
	d.windows = append(d.windows[:idx], d.windows[idx+1:]...)
	d.menu.removeMenu(id)

	if w.SHM() != nil {
		ipc.Release(w.SHM().ID)
	}

	if d.focusedWindow == id {
		d.focusedWindow = 0
		if len(d.windows) > 0 {
			d.focusWindowLocked(d.windows[len(d.windows)-1].ID)
		} else if d.menu.onFocusChange(0) {
			d.layers.addDamage(Rect{X: 0, Y: 0, W: d.screenWidth, H: MenubarHeight + 1})
		}
	}
	return nil
}

// OnProcessExit destroys every window and status icon owned by tid,
// matching the compositor's process-exit fan-out contract.
func (d *Desktop) OnProcessExit(tid uint32) {
	d.lock.Acquire()
	var owned []uint32
	for _, w := range d.windows {
		if w.OwnerTID == tid {
			owned = append(owned, w.ID)
		}
	}
	d.menu.removeIconsOwnedBy(tid)
	d.lock.Release()

	for _, id := range owned {
		d.DestroyWindow(id)
	}
}

// MoveWindow repositions a window unless FlagNoMove forbids it.
func (d *Desktop) MoveWindow(id uint32, x, y int32) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	w, _ := d.windowByID(id)
	if w == nil {
		return errBadHandle
	}
	if !w.isMovable() {
		return nil
	}
	w.X, w.Y = x, y
	d.layers.moveLayer(w.LayerID, x, y)
	return nil
}

// ResizeWindow changes a window's content size, clamped to the minimum
// window dimensions, unless the window is not resizable.
func (d *Desktop) ResizeWindow(id uint32, contentW, contentH uint32) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	w, _ := d.windowByID(id)
	if w == nil {
		return errBadHandle
	}
	if !w.isResizable() {
		return nil
	}
	if contentW < minWindowWidth {
		contentW = minWindowWidth
	}
	if contentH < minWindowHeight {
		contentH = minWindowHeight
	}
	w.ContentWidth, w.ContentHeight = contentW, contentH
	d.layers.resizeLayer(w.LayerID, w.fullWidth(), w.fullHeight())
	w.pushEvent(Event{Type: EventResize, Arg0: contentW, Arg1: contentH})
	return nil
}

// RaiseWindow brings a window to the top of the stack without changing
// focus.
func (d *Desktop) RaiseWindow(id uint32) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	w, _ := d.windowByID(id)
	if w == nil {
		return errBadHandle
	}
	d.layers.raiseLayer(w.LayerID)
	d.ensureTopLayersLocked()
	return nil
}

// FocusWindow gives a window input focus and raises it to the top.
func (d *Desktop) FocusWindow(id uint32) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	if _, idx := d.windowByID(id); idx == -1 {
		return errBadHandle
	}
	d.focusWindowLocked(id)
	return nil
}

func (d *Desktop) focusWindowLocked(id uint32) {
	if d.focusedWindow != 0 && d.focusedWindow != id {
		if old, _ := d.windowByID(d.focusedWindow); old != nil {
			old.Focused = false
			d.layers.markDirty(old.LayerID)
		}
	}

	w, idx := d.windowByID(id)
	if w == nil {
		return
	}
	w.Focused = true
	d.focusedWindow = id
	d.layers.raiseLayer(w.LayerID)

	d.windows = append(append(d.windows[:idx], d.windows[idx+1:]...), w)

	d.ensureTopLayersLocked()
	d.layers.markDirty(w.LayerID)

	if d.menu.onFocusChange(id) {
		d.layers.addDamage(Rect{X: 0, Y: 0, W: d.screenWidth, H: MenubarHeight + 1})
	}
}

// ensureTopLayersLocked re-raises always-on-top windows and the menubar
// above everything a focus/raise just reordered.
func (d *Desktop) ensureTopLayersLocked() {
	for _, w := range d.windows {
		if w.isAlwaysOnTop() {
			d.layers.raiseLayer(w.LayerID)
		}
	}
	d.layers.raiseLayer(d.menubarLayerID)
	if d.dropdownLayer != 0 {
		d.layers.raiseLayer(d.dropdownLayer)
	}
}

// ToggleMaximize maximizes a restored window or restores a maximized one.
func (d *Desktop) ToggleMaximize(id uint32) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	w, _ := d.windowByID(id)
	if w == nil {
		return errBadHandle
	}
	if w.Flags&FlagNoMaximize != 0 {
		return nil
	}

	if w.Maximized {
		if w.hasSavedBounds {
			w.X, w.Y = w.savedBounds.X, w.savedBounds.Y
			w.ContentWidth, w.ContentHeight = uint32(w.savedBounds.W), uint32(w.savedBounds.H)
			w.Maximized = false
			d.layers.moveLayer(w.LayerID, w.X, w.Y)
			d.layers.resizeLayer(w.LayerID, w.fullWidth(), w.fullHeight())
		}
		return nil
	}

	w.savedBounds = Rect{X: w.X, Y: w.Y, W: int32(w.ContentWidth), H: int32(w.ContentHeight)}
	w.hasSavedBounds = true
	w.Maximized = true

	newX, newY := int32(0), int32(MenubarHeight+1)
	newW := uint32(d.screenWidth)
	newCH := uint32(d.screenHeight - MenubarHeight - 1 - TitleBarHeight)

	w.X, w.Y = newX, newY
	w.ContentWidth, w.ContentHeight = newW, newCH
	d.layers.moveLayer(w.LayerID, newX, newY)
	d.layers.resizeLayer(w.LayerID, w.fullWidth(), w.fullHeight())
	return nil
}

// MinimizeWindow hides a window's layer by moving it off-screen and
// dropping focus; restoring is done by the app re-raising/focusing it.
func (d *Desktop) MinimizeWindow(id uint32) *kernel.Error {
	d.lock.Acquire()
	defer d.lock.Release()

	w, _ := d.windowByID(id)
	if w == nil {
		return errBadHandle
	}
	if w.Flags&FlagNoMinimize != 0 {
		return nil
	}
	d.layers.moveLayer(w.LayerID, d.screenWidth, d.screenHeight)
	if d.focusedWindow == id {
		d.focusedWindow = 0
	}
	w.Focused = false
	return nil
}

// HitTest walks the tracked windows from the most recently focused (or, if
// none was focused since, most recently created) back to the oldest and
// returns the first non-None hit category. RaiseWindow reorders only the
// layer stack, not this walk order.
func (d *Desktop) HitTest(x, y int32) (uint32, HitCategory) {
	d.lock.Acquire()
	defer d.lock.Release()

	for i := len(d.windows) - 1; i >= 0; i-- {
		w := d.windows[i]
		if ht := w.hitTest(x, y); ht != HitNone {
			return w.ID, ht
		}
	}
	return 0, HitNone
}

// PollEvent dequeues the next event for window id.
func (d *Desktop) PollEvent(id uint32) (Event, bool) {
	d.lock.Acquire()
	defer d.lock.Release()

	w, _ := d.windowByID(id)
	if w == nil {
		return Event{}, false
	}
	return w.popEvent()
}

// OnThemeChange re-renders the menubar and every window's chrome, then
// damages the whole screen.
func (d *Desktop) OnThemeChange() {
	d.lock.Acquire()
	defer d.lock.Release()

	d.layers.markDirty(d.menubarLayerID)
	for _, w := range d.windows {
		if !w.isBorderless() {
			d.layers.markDirty(w.LayerID)
		}
	}
	d.layers.damageAll(d.screenWidth, d.screenHeight)
}

// Tick advances the animation table and marks dirty the layer of every
// window (or the menubar) whose animation completed; the caller follows
// with Compose.
func (d *Desktop) Tick() {
	d.lock.Acquire()
	defer d.lock.Release()

	d.ticks++
	done := d.anim.tick(d.ticks)
	for _, key := range done {
		if w, _ := d.windowByID(key.windowID); w != nil {
			d.layers.markDirty(w.LayerID)
		} else if key.windowID == 0 {
			d.layers.markDirty(d.menubarLayerID)
		}
	}
}

// Compose runs the three-step compose/present algorithm: collect damage,
// blend bottom-to-top into the framebuffer, then hand the damaged
// rectangles to the GPU driver (or rely on the framebuffer already being
// scanout memory).
func (d *Desktop) Compose() {
	d.lock.Acquire()
	defer d.lock.Release()

	damage := d.layers.takeDamage()
	if len(damage) == 0 {
		return
	}

	d.layers.compose(d.fb, d.pitch, d.screenWidth, d.screenHeight, damage)

	if d.gpu != nil {
		d.gpu.TransferAndFlush(d.fb, d.pitch, damage)
	}
}

// Run is the compositor's cooperative loop body for a single pass: tick
// animations, then compose/present. Input is drained by a separate call to
// ProcessInput from whatever IPC/interrupt plumbing feeds mouse/keyboard
// events; Run never blocks.
func (d *Desktop) Run() {
	d.Tick()
	d.Compose()
}

func warnf(format string, args ...interface{}) {
	kfmt.Printf("compositor: "+format, args...)
}

// statusIconWidth is the fixed tray slot width, anchored to the right
// edge of the menubar.
const statusIconWidth = 24

// AddStatusIcon registers a status tray icon owned by ownerTID.
func (d *Desktop) AddStatusIcon(id uint32, ownerTID uint32, glyph uint32) {
	d.lock.Acquire()
	defer d.lock.Release()
	d.menu.addIcon(StatusIcon{ID: id, OwnerTID: ownerTID, Glyph: glyph})
	d.layers.addDamage(Rect{X: 0, Y: 0, W: d.screenWidth, H: MenubarHeight + 1})
}

// statusIconAtLocked returns the icon id under screen x within the tray,
// or ok=false.
func (d *Desktop) statusIconAtLocked(x int32) (uint32, bool) {
	n := len(d.menu.icons)
	if n == 0 {
		return 0, false
	}
	trayLeft := d.screenWidth - int32(n)*statusIconWidth
	if x < trayLeft {
		return 0, false
	}
	idx := (x - trayLeft) / statusIconWidth
	if int(idx) >= n {
		return 0, false
	}
	return d.menu.icons[idx].ID, true
}

// handleStatusIconClickLocked delivers EventStatusIconClick to the icon's
// owning thread's window, if it has one registered.
func (d *Desktop) handleStatusIconClickLocked(iconID uint32) {
	for _, ic := range d.menu.icons {
		if ic.ID != iconID {
			continue
		}
		for _, w := range d.windows {
			if w.OwnerTID == ic.OwnerTID {
				w.pushEvent(Event{Type: EventStatusIconClick, Arg0: iconID})
			}
		}
		return
	}
}
