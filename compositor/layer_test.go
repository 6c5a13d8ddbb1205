package compositor

import "testing"

func TestLayerStackAddRemoveDamagesBounds(t *testing.T) {
	ls := newLayerStack()
	l := ls.addLayer(10, 10, 20, 20, true)

	d := ls.takeDamage()
	if len(d) != 1 || d[0] != (Rect{X: 10, Y: 10, W: 20, H: 20}) {
		t.Fatalf("addLayer damage = %+v", d)
	}

	ls.removeLayer(l.ID)
	d = ls.takeDamage()
	if len(d) != 1 || d[0] != (Rect{X: 10, Y: 10, W: 20, H: 20}) {
		t.Fatalf("removeLayer damage = %+v", d)
	}
	if ls.layerByID(l.ID) != nil {
		t.Fatal("expected layer to be gone")
	}
}

func TestLayerStackRaiseLayerReordersTop(t *testing.T) {
	ls := newLayerStack()
	a := ls.addLayer(0, 0, 10, 10, true)
	b := ls.addLayer(0, 0, 10, 10, true)
	ls.takeDamage()

	ls.raiseLayer(a.ID)
	if ls.layers[len(ls.layers)-1].ID != a.ID {
		t.Fatalf("top layer = %d; want %d", ls.layers[len(ls.layers)-1].ID, a.ID)
	}
	if ls.layers[0].ID != b.ID {
		t.Fatalf("bottom layer = %d; want %d", ls.layers[0].ID, b.ID)
	}
}

func TestRectIntersectAndUnion(t *testing.T) {
	a := Rect{X: 0, Y: 0, W: 10, H: 10}
	b := Rect{X: 5, Y: 5, W: 10, H: 10}

	got := a.Intersect(b)
	want := Rect{X: 5, Y: 5, W: 5, H: 5}
	if got != want {
		t.Fatalf("Intersect = %+v; want %+v", got, want)
	}

	u := a.Union(b)
	want = Rect{X: 0, Y: 0, W: 15, H: 15}
	if u != want {
		t.Fatalf("Union = %+v; want %+v", u, want)
	}

	if !a.Intersects(b) {
		t.Fatal("expected a and b to intersect")
	}
	if a.Intersects(Rect{X: 100, Y: 100, W: 5, H: 5}) {
		t.Fatal("did not expect disjoint rects to intersect")
	}
}

func TestComposeBlendsOpaqueLayerOverDestination(t *testing.T) {
	ls := newLayerStack()
	l := ls.addLayer(0, 0, 4, 4, true)
	for i := range l.Pixels {
		l.Pixels[i] = 0xFF112233
	}
	damage := ls.takeDamage()

	fb := make([]uint32, 4*4)
	ls.compose(fb, 4, 4, 4, damage)

	for _, px := range fb {
		if px != 0xFF112233 {
			t.Fatalf("pixel = %#x; want 0xFF112233", px)
		}
	}
}
