package compositor

import "testing"

func newTestDesktop() *Desktop {
	fb := make([]uint32, 800*600)
	return Init(800, 600, 800, fb)
}

func TestCreateWindowFocusesAndRaises(t *testing.T) {
	d := newTestDesktop()

	a := d.CreateWindow("A", 10, 10, 200, 100, 0, 1)
	b := d.CreateWindow("B", 20, 20, 200, 100, 0, 1)

	if d.focusedWindow != b {
		t.Fatalf("focusedWindow = %d; want %d", d.focusedWindow, b)
	}
	wa, _ := d.windowByID(a)
	if wa.Focused {
		t.Fatal("window A should have lost focus to B")
	}
}

func TestDestroyWindowBadHandle(t *testing.T) {
	d := newTestDesktop()
	if err := d.DestroyWindow(9999); err != errBadHandle {
		t.Fatalf("DestroyWindow(unknown) = %v; want errBadHandle", err)
	}
}

func TestDestroyFocusedWindowRefocusesRemaining(t *testing.T) {
	d := newTestDesktop()
	a := d.CreateWindow("A", 0, 0, 100, 100, 0, 1)
	b := d.CreateWindow("B", 0, 0, 100, 100, 0, 1)

	if err := d.DestroyWindow(b); err != nil {
		t.Fatalf("DestroyWindow failed: %v", err)
	}
	if d.focusedWindow != a {
		t.Fatalf("focusedWindow = %d; want %d", d.focusedWindow, a)
	}
}

func TestResizeWindowClampsToMinimumAndEmitsResizeEvent(t *testing.T) {
	d := newTestDesktop()
	id := d.CreateWindow("A", 0, 0, 200, 200, 0, 1)

	if err := d.ResizeWindow(id, 10, 10); err != nil {
		t.Fatalf("ResizeWindow failed: %v", err)
	}
	w, _ := d.windowByID(id)
	if w.ContentWidth != minWindowWidth || w.ContentHeight != minWindowHeight {
		t.Fatalf("content size = %dx%d; want clamp to %dx%d", w.ContentWidth, w.ContentHeight, minWindowWidth, minWindowHeight)
	}

	ev, ok := d.PollEvent(id)
	if !ok || ev.Type != EventResize {
		t.Fatalf("PollEvent = %+v, %v; want an EventResize", ev, ok)
	}
}

func TestToggleMaximizeRestoresSavedBounds(t *testing.T) {
	d := newTestDesktop()
	id := d.CreateWindow("A", 50, 50, 300, 200, 0, 1)

	if err := d.ToggleMaximize(id); err != nil {
		t.Fatalf("ToggleMaximize failed: %v", err)
	}
	w, _ := d.windowByID(id)
	if !w.Maximized || w.X != 0 {
		t.Fatalf("window not maximized: %+v", w)
	}

	if err := d.ToggleMaximize(id); err != nil {
		t.Fatalf("ToggleMaximize (restore) failed: %v", err)
	}
	w, _ = d.windowByID(id)
	if w.Maximized || w.X != 50 || w.Y != 50 || w.ContentWidth != 300 || w.ContentHeight != 200 {
		t.Fatalf("window not restored to saved bounds: %+v", w)
	}
}

func TestMinimizeWindowDropsFocus(t *testing.T) {
	d := newTestDesktop()
	id := d.CreateWindow("A", 0, 0, 100, 100, 0, 1)

	if err := d.MinimizeWindow(id); err != nil {
		t.Fatalf("MinimizeWindow failed: %v", err)
	}
	if d.focusedWindow != 0 {
		t.Fatalf("focusedWindow = %d; want 0 after minimize", d.focusedWindow)
	}
}

func TestHitTestWalksTopToBottom(t *testing.T) {
	d := newTestDesktop()
	d.CreateWindow("A", 0, MenubarHeight+10, 200, 200, 0, 1)
	d.CreateWindow("B", 50, MenubarHeight+10, 200, 200, 0, 1)

	id, ht := d.HitTest(100, MenubarHeight+50)
	if ht == HitNone {
		t.Fatal("expected a hit on overlapping windows")
	}
	wb, _ := d.windowByID(id)
	if wb.Title != "B" {
		t.Fatalf("expected topmost window B to win the hit test, got %q", wb.Title)
	}
}

func TestCascadingAutoPlacementAdvances(t *testing.T) {
	d := newTestDesktop()

	x1, y1 := d.nextAutoPosition(100, 100)
	x2, y2 := d.nextAutoPosition(100, 100)

	if x2 != x1+30 || y2 != y1+30 {
		t.Fatalf("cascade advanced to (%d,%d) after (%d,%d); want +30,+30", x2, y2, x1, y1)
	}
}

func TestCascadingWrapsHorizontally(t *testing.T) {
	d := newTestDesktop()
	d.cascadeX = d.screenWidth - 100
	startY := d.cascadeY

	d.nextAutoPosition(200, 50)

	if d.cascadeX != 120 {
		t.Fatalf("cascadeX after horizontal wrap = %d; want 120", d.cascadeX)
	}
	if d.cascadeY != startY+30+30 {
		t.Fatalf("cascadeY after horizontal wrap = %d; want %d", d.cascadeY, startY+60)
	}
}

func TestPresentWindowSkipsWhenSHMTooSmall(t *testing.T) {
	d := newTestDesktop()
	id := d.CreateWindow("A", 0, 0, 100, 100, 0, 1)

	tooSmall := make([]uint32, 10)
	if err := d.PresentWindow(id, tooSmall, nil); err != nil {
		t.Fatalf("PresentWindow with undersized buffer should not error, got %v", err)
	}
}

func TestPresentWindowBadHandle(t *testing.T) {
	d := newTestDesktop()
	if err := d.PresentWindow(9999, nil, nil); err != errBadHandle {
		t.Fatalf("PresentWindow(unknown) = %v; want errBadHandle", err)
	}
}

func TestCreateVRAMWindowFailsWithoutVRAM(t *testing.T) {
	d := newTestDesktop()
	id, err := d.CreateVRAMWindow("A", 0, 0, 100, 100, 400, 0, 0, 1)
	if err != errVRAMExhausted || id != 0 {
		t.Fatalf("CreateVRAMWindow with no VRAM = (%d, %v); want (0, errVRAMExhausted)", id, err)
	}
	if len(d.windows) != 0 {
		t.Fatal("a failed VRAM window create must not leave a window registered")
	}
}

func TestOnProcessExitDestroysOwnedWindows(t *testing.T) {
	d := newTestDesktop()
	a := d.CreateWindow("A", 0, 0, 100, 100, 0, 1)
	b := d.CreateWindow("B", 0, 0, 100, 100, 0, 2)

	d.OnProcessExit(1)

	if _, idx := d.windowByID(a); idx != -1 {
		t.Fatal("window owned by exited thread should be destroyed")
	}
	if _, idx := d.windowByID(b); idx == -1 {
		t.Fatal("window owned by a different thread must survive")
	}
}

func TestStatusIconClickDeliversEventToOwner(t *testing.T) {
	d := newTestDesktop()
	id := d.CreateWindow("A", 0, 0, 100, 100, 0, 7)
	d.AddStatusIcon(42, 7, 1)

	d.lock.Acquire()
	iconID, ok := d.statusIconAtLocked(d.screenWidth - 1)
	d.lock.Release()
	if !ok || iconID != 42 {
		t.Fatalf("statusIconAtLocked = (%d, %v); want (42, true)", iconID, ok)
	}

	d.lock.Acquire()
	d.handleStatusIconClickLocked(42)
	d.lock.Release()

	ev, ok := d.PollEvent(id)
	if !ok || ev.Type != EventStatusIconClick || ev.Arg0 != 42 {
		t.Fatalf("PollEvent = %+v, %v; want EventStatusIconClick arg0=42", ev, ok)
	}
}

func TestDragSuppressesShadowUntilMouseUp(t *testing.T) {
	d := newTestDesktop()
	id := d.CreateWindow("A", 100, 100, 200, 100, FlagShadow, 1)
	w, _ := d.windowByID(id)

	d.ProcessInput([]InputEvent{
		{Type: inputMouseDown, Arg0: 150, Arg1: 105},
	})

	layer := d.layers.layerByID(w.LayerID)
	if layer.Shadow {
		t.Fatal("expected shadow suppressed while dragging")
	}

	d.ProcessInput([]InputEvent{
		{Type: inputMouseMove, Arg0: 160, Arg1: 115},
		{Type: inputMouseUp, Arg0: 160, Arg1: 115},
	})

	layer = d.layers.layerByID(w.LayerID)
	if !layer.Shadow {
		t.Fatal("expected shadow restored after drag ends")
	}
	if w.X == 100 && w.Y == 100 {
		t.Fatal("expected window to have moved with the drag")
	}
}
