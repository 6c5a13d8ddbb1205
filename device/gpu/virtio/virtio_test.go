package virtio

import (
	"anyos/kernel"
	"anyos/kernel/mem"
	"anyos/kernel/mem/pmm"
	"anyos/kernel/mem/vmm"
	"testing"
	"unsafe"
)

func newHeapQueue() *queue {
	return &queue{
		desc:  new([queueSize]virtqDesc),
		avail: new(virtqAvail),
		used:  new(virtqUsed),
	}
}

func TestSubmitChainsRequestAndResponseDescriptors(t *testing.T) {
	q := newHeapQueue()
	origNotify := notifyFn
	defer func() { notifyFn = origNotify }()
	notifyFn = func(addr uintptr, index uint16) {
		q.used.Idx++ // simulate an instantly-completing device
	}

	if err := q.submit(0x1000, 24, 0x2000, 24); err != nil {
		t.Fatalf("submit failed: %s", err.Message)
	}

	if q.desc[0].Addr != 0x1000 || q.desc[0].Flags&descFlagNext == 0 {
		t.Errorf("request descriptor malformed: %+v", q.desc[0])
	}
	if q.desc[0].Next != 1 {
		t.Errorf("request descriptor should chain to index 1, got %d", q.desc[0].Next)
	}
	if q.desc[1].Addr != 0x2000 || q.desc[1].Flags&descFlagWrite == 0 {
		t.Errorf("response descriptor malformed: %+v", q.desc[1])
	}
	if q.avail.Idx != 1 {
		t.Errorf("avail.Idx = %d, want 1", q.avail.Idx)
	}
	if q.avail.Ring[0] != 0 {
		t.Errorf("avail ring should point at the request descriptor, got %d", q.avail.Ring[0])
	}
}

func TestSubmitAdvancesDescriptorPairsAcrossCalls(t *testing.T) {
	q := newHeapQueue()
	origNotify := notifyFn
	defer func() { notifyFn = origNotify }()
	notifyFn = func(addr uintptr, index uint16) { q.used.Idx++ }

	q.submit(0x1000, 8, 0x2000, 8)
	q.submit(0x3000, 8, 0x4000, 8)

	if q.desc[2].Addr != 0x3000 {
		t.Errorf("second request should land at descriptor 2, got addr %#x", q.desc[2].Addr)
	}
	if q.desc[2].Next != 3 {
		t.Errorf("second request should chain to descriptor 3, got %d", q.desc[2].Next)
	}
}

func TestSubmitTimesOutWhenDeviceNeverCompletes(t *testing.T) {
	q := newHeapQueue()
	origLimit := submitSpinLimit
	origNotify := notifyFn
	defer func() {
		submitSpinLimit = origLimit
		notifyFn = origNotify
	}()
	submitSpinLimit = 10
	notifyFn = func(addr uintptr, index uint16) {} // never advances used.Idx

	if err := q.submit(0x1000, 8, 0x2000, 8); err != errQueueTimeout {
		t.Fatalf("expected errQueueTimeout, got %v", err)
	}
}

func TestDriverNameAndVersion(t *testing.T) {
	d := &Driver{}
	if d.DriverName() != "virtio-gpu" {
		t.Errorf("DriverName() = %q", d.DriverName())
	}
	major, minor, patch := d.DriverVersion()
	if major != 1 || minor != 0 || patch != 0 {
		t.Errorf("DriverVersion() = %d.%d.%d", major, minor, patch)
	}
}

func TestProtocolStructSizesMatchSpec(t *testing.T) {
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"ctrlHdr", unsafe.Sizeof(ctrlHdr{}), 24},
		{"reqResourceCreate2D", unsafe.Sizeof(reqResourceCreate2D{}), 40},
		{"reqResourceAttachBacking", unsafe.Sizeof(reqResourceAttachBacking{}), 48},
		{"reqSetScanout", unsafe.Sizeof(reqSetScanout{}), 48},
		{"reqTransferToHost2D", unsafe.Sizeof(reqTransferToHost2D{}), 56},
		{"reqResourceFlush", unsafe.Sizeof(reqResourceFlush{}), 48},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: size = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestAllocPixelBufferRoundsUpToWholePages(t *testing.T) {
	origAllocRange := allocFrameRangeFn
	origMap := mapRegionFn
	defer func() {
		allocFrameRangeFn = origAllocRange
		mapRegionFn = origMap
	}()

	var gotCount uint32
	var gotSize mem.Size
	backing := make([]byte, int(mem.PageSize)*4)

	allocFrameRangeFn = func(count uint32) (pmm.Frame, *kernel.Error) {
		gotCount = count
		return pmm.Frame(0), nil
	}
	mapRegionFn = func(f pmm.Frame, size mem.Size, flags vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
		gotSize = size
		return vmm.PageFromAddress(uintptr(unsafe.Pointer(&backing[0]))), nil
	}

	d := &Driver{}
	// A 64x64 ARGB cursor is 16384 bytes, exactly 4 pages; a display
	// resolution that doesn't divide evenly should still round up.
	if _, _, err := d.allocPixelBuffer(64, 64); err != nil {
		t.Fatalf("allocPixelBuffer failed: %v", err)
	}
	if gotCount != 4 {
		t.Errorf("frame count = %d, want 4", gotCount)
	}
	if gotSize != mem.PageSize*4 {
		t.Errorf("mapped size = %d, want %d", gotSize, mem.PageSize*4)
	}
}
