package compositor

// MenuItem is one entry of a dropdown menu.
type MenuItem struct {
	Label    string
	ID       uint32
	Disabled bool
}

// Menu is one top-level menubar entry (e.g. a window's "File" menu, or the
// system menu) together with its dropdown contents.
type Menu struct {
	Title string
	Items []MenuItem
}

// StatusIcon is one entry of the status tray, owned by the thread that
// registered it.
type StatusIcon struct {
	ID       uint32
	OwnerTID uint32
	Glyph    uint32 // a small ARGB glyph id/index, app-defined
}

// menuBar owns the system menu, the focused window's menus, and the status
// tray, plus whatever dropdown is currently open.
type menuBar struct {
	systemMenu Menu
	winMenus   map[uint32][]Menu // per-window menu set, set by the app
	icons      []StatusIcon

	openWindowID uint32 // 0 == system menu, else a window id
	openIndex    int    // index into the open menu set, -1 if none open

	titleWindowID uint32 // window whose title is shown; 0 if none focused
}

func newMenuBar() *menuBar {
	return &menuBar{
		systemMenu: Menu{Title: "anyOS", Items: []MenuItem{
			{Label: "About", ID: 1},
			{Label: "Restart", ID: 2},
			{Label: "Shut Down", ID: 3},
		}},
		winMenus:  make(map[uint32][]Menu),
		openIndex: -1,
	}
}

// setMenus installs the menu set an application window exposes.
func (m *menuBar) setMenus(windowID uint32, menus []Menu) {
	m.winMenus[windowID] = menus
}

// removeMenu drops a destroyed window's menu set and closes any dropdown it
// owned.
func (m *menuBar) removeMenu(windowID uint32) {
	delete(m.winMenus, windowID)
	if m.openWindowID == windowID {
		m.closeDropdown()
	}
}

// onFocusChange updates the title shown in the menubar and reports whether
// the menubar needs to repaint.
func (m *menuBar) onFocusChange(windowID uint32) bool {
	if m.titleWindowID == windowID {
		return false
	}
	m.titleWindowID = windowID
	return true
}

// addIcon registers a new status tray icon.
func (m *menuBar) addIcon(icon StatusIcon) {
	m.icons = append(m.icons, icon)
}

// removeIconsOwnedBy drops every status icon owned by a given thread
// (process-exit cleanup).
func (m *menuBar) removeIconsOwnedBy(tid uint32) {
	kept := m.icons[:0]
	for _, ic := range m.icons {
		if ic.OwnerTID != tid {
			kept = append(kept, ic)
		}
	}
	m.icons = kept
}

// activeMenus returns the currently visible top-level menu titles: the
// system menu plus the focused window's own menus.
func (m *menuBar) activeMenus() []Menu {
	menus := []Menu{m.systemMenu}
	if m.titleWindowID != 0 {
		menus = append(menus, m.winMenus[m.titleWindowID]...)
	}
	return menus
}

// openAt opens the dropdown for the menu at top-level index idx, owned by
// ownerWindow (0 for the system menu).
func (m *menuBar) openAt(ownerWindow uint32, idx int) {
	m.openWindowID = ownerWindow
	m.openIndex = idx
}

// hoverTo switches the open dropdown to a different top-level index without
// requiring the mouse button to be released and pressed again, matching
// desktop menubar hover-across behavior.
func (m *menuBar) hoverTo(ownerWindow uint32, idx int) {
	if m.openIndex == -1 {
		return
	}
	m.openAt(ownerWindow, idx)
}

// closeDropdown dismisses whatever dropdown is open.
func (m *menuBar) closeDropdown() {
	m.openWindowID = 0
	m.openIndex = -1
}

// isOpen reports whether a dropdown is currently shown.
func (m *menuBar) isOpen() bool {
	return m.openIndex != -1
}

// dropdownBounds returns the screen rectangle the open dropdown's overlay
// layer should occupy, anchored below top-level menu item idx starting at
// x pixels from the screen edge.
func dropdownBounds(idx int, anchorX int32, items []MenuItem) Rect {
	const itemHeight = 22
	const width = 160
	return Rect{X: anchorX, Y: MenubarHeight, W: width, H: int32(len(items)) * itemHeight}
}
