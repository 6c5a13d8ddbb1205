package virtio

import (
	"anyos/kernel"
	"anyos/kernel/mem"
	"anyos/kernel/mem/pmm"
	"unsafe"
)

// queueSize is the split-virtqueue ring size this driver asks for. It is
// no larger than what QEMU's virtio-gpu normally advertises (64/256) and more
// than enough for a driver that only ever has one request in flight at a
// time, the same one-command-at-a-time assumption device/storage's ATADevice
// makes about its own command register.
const queueSize = 64

const (
	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1
)

// virtqDesc mirrors struct virtq_desc (virtio-v1.0-cs04 section 2.6.5).
type virtqDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// virtqAvail mirrors struct virtq_avail.
type virtqAvail struct {
	Flags uint16
	Idx   uint16
	Ring  [queueSize]uint16
}

type usedElem struct {
	ID  uint32
	Len uint32
}

// virtqUsed mirrors struct virtq_used.
type virtqUsed struct {
	Flags uint16
	Idx   uint16
	Ring  [queueSize]usedElem
}

// queue is one split virtqueue: a descriptor table plus the avail/used
// rings, each backed by its own page so the device (which only ever sees
// physical addresses) and the driver (which only ever sees the mapped
// virtual alias) agree on where everything lives.
type queue struct {
	index uint16

	desc  *[queueSize]virtqDesc
	avail *virtqAvail
	used  *virtqUsed

	notifyAddr uintptr
	lastUsed   uint16
	nextDesc   uint16
}

var errQueueTimeout = &kernel.Error{Module: "virtio", Message: "virtqueue did not complete in time"}

// newQueue selects queue index on common, allocates and installs its three
// rings, and enables it. notifyBase/notifyMult locate the doorbell register
// this queue's notify_off is relative to.
func newQueue(common *commonCfg, notifyBase uintptr, notifyMult uint32, index uint16) (*queue, *kernel.Error) {
	common.QueueSelect = index
	if common.QueueSize == 0 || common.QueueSize > queueSize {
		common.QueueSize = queueSize
	}

	descFrame, availFrame, usedFrame, err := allocQueueFrames()
	if err != nil {
		return nil, err
	}

	descAddr, err := mapFrame(descFrame)
	if err != nil {
		return nil, err
	}
	availAddr, err := mapFrame(availFrame)
	if err != nil {
		return nil, err
	}
	usedAddr, err := mapFrame(usedFrame)
	if err != nil {
		return nil, err
	}

	common.QueueDesc = uint64(descFrame.Address())
	common.QueueDriver = uint64(availFrame.Address())
	common.QueueDevice = uint64(usedFrame.Address())
	common.QueueEnable = 1

	q := &queue{
		index:      index,
		desc:       (*[queueSize]virtqDesc)(unsafe.Pointer(descAddr)),
		avail:      (*virtqAvail)(unsafe.Pointer(availAddr)),
		used:       (*virtqUsed)(unsafe.Pointer(usedAddr)),
		notifyAddr: notifyBase + uintptr(common.QueueNotifyOff)*uintptr(notifyMult),
	}
	return q, nil
}

func allocQueueFrames() (desc, avail, used pmm.Frame, err *kernel.Error) {
	if desc, err = allocFrameFn(); err != nil {
		return
	}
	if avail, err = allocFrameFn(); err != nil {
		return
	}
	used, err = allocFrameFn()
	return
}

func mapFrame(f pmm.Frame) (uintptr, *kernel.Error) {
	page, err := mapRegionFn(f, mem.PageSize, flagsRW)
	if err != nil {
		return 0, err
	}
	return page.Address(), nil
}

// submit posts a two-buffer descriptor chain (a device-readable request
// followed by a device-writable response) and busy-polls the used ring for
// its completion, the same bounded-spin idiom device/storage's ATADevice
// uses to wait out BSY instead of relying on an interrupt it has no handler
// wired for.
func (q *queue) submit(reqAddr uintptr, reqLen uint32, respAddr uintptr, respLen uint32) *kernel.Error {
	reqIdx := q.nextDesc
	respIdx := (q.nextDesc + 1) % queueSize
	q.nextDesc = (q.nextDesc + 2) % queueSize

	q.desc[reqIdx] = virtqDesc{Addr: uint64(reqAddr), Len: reqLen, Flags: descFlagNext, Next: respIdx}
	q.desc[respIdx] = virtqDesc{Addr: uint64(respAddr), Len: respLen, Flags: descFlagWrite}

	q.avail.Ring[q.avail.Idx%queueSize] = reqIdx
	q.avail.Idx++

	notifyFn(q.notifyAddr, q.index)

	for i := 0; i < submitSpinLimit; i++ {
		if q.used.Idx != q.lastUsed {
			q.lastUsed = q.used.Idx
			return nil
		}
	}
	return errQueueTimeout
}

// submitSpinLimit bounds the busy-wait in submit; tests shrink it so a
// device that never completes doesn't hang the test process.
var submitSpinLimit = 50_000_000

// notify writes the queue index to its doorbell register. Real hardware
// access goes through notifyFn so tests can swap in a no-op.
func notify(addr uintptr, index uint16) {
	*(*uint16)(unsafe.Pointer(addr)) = index
}

var notifyFn = notify
