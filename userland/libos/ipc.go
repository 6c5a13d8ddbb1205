package libos

// Request is one entry of the client-to-server ring, mirroring
// kernel/ipc.Request's wire shape by value.
type Request struct {
	Opcode uint32
	Data   [4]uint32
	SHM    uint32
}

// Response mirrors kernel/ipc.Response's wire shape.
type Response struct {
	Data [4]uint32
}

// Event mirrors kernel/ipc.Event's wire shape.
type Event struct {
	Type uint32
	Arg0 uint32
	Arg1 uint32
	Arg2 uint32
	Arg3 uint32
}

// SendRequest enqueues a request addressed to the calling process's server
// channel (e.g. the compositor).
func SendRequest(req Request) error {
	rax, _ := trap(sysIPCSendRequest, uint64(req.Opcode),
		uint64(req.Data[0]), uint64(req.Data[1]), uint64(req.Data[2]), uint64(req.Data[3]), uint64(req.SHM))
	return errFromRAX(rax)
}

// RecvRequest dequeues the next pending request addressed to this process
// acting as a server, or ok=false if none is queued.
func RecvRequest() (Request, bool) {
	rax, opcode, d0, d1, d2, d3, shm := trap6(sysIPCRecvRequest, 0, 0, 0, 0, 0, 0)
	if errFromRAX(rax) != nil {
		return Request{}, false
	}
	return Request{
		Opcode: uint32(opcode),
		Data:   [4]uint32{uint32(d0), uint32(d1), uint32(d2), uint32(d3)},
		SHM:    uint32(shm),
	}, true
}

// SendResponse answers the oldest pending request this process received as
// a server.
func SendResponse(resp Response) error {
	rax, _ := trap(sysIPCSendResponse,
		uint64(resp.Data[0]), uint64(resp.Data[1]), uint64(resp.Data[2]), uint64(resp.Data[3]), 0, 0)
	return errFromRAX(rax)
}

// RecvResponse dequeues the next response to one of this process's own
// requests, or ok=false if none is queued yet.
func RecvResponse() (Response, bool) {
	rax, d0, d1, d2, d3, _, _ := trap6(sysIPCRecvResponse, 0, 0, 0, 0, 0, 0)
	if errFromRAX(rax) != nil {
		return Response{}, false
	}
	return Response{Data: [4]uint32{uint32(d0), uint32(d1), uint32(d2), uint32(d3)}}, true
}

// PopEvent dequeues the oldest unsolicited event addressed to this process
// (e.g. a compositor window event), or ok=false if none is queued.
func PopEvent() (Event, bool) {
	rax, t, a0, a1, a2, a3, _ := trap6(sysIPCPopEvent, 0, 0, 0, 0, 0, 0)
	if errFromRAX(rax) != nil {
		return Event{}, false
	}
	return Event{Type: uint32(t), Arg0: uint32(a0), Arg1: uint32(a1), Arg2: uint32(a2), Arg3: uint32(a3)}, true
}

// SHMCreate allocates a pageCount-page shared memory region and maps it
// into the caller, returning its id and mapped virtual address.
func SHMCreate(pageCount uint32) (id uint32, addr uintptr, err error) {
	rax, rID, rAddr, _, _, _, _ := trap6(sysSHMCreate, uint64(pageCount), 0, 0, 0, 0, 0)
	if e := errFromRAX(rax); e != nil {
		return 0, 0, e
	}
	return uint32(rID), uintptr(rAddr), nil
}

// SHMMap maps an existing region (created by another process, e.g. the
// compositor handing back a window's backing surface) into the caller.
func SHMMap(id uint32) (addr uintptr, err error) {
	rax, _, rAddr, _, _, _, _ := trap6(sysSHMMap, uint64(id), 0, 0, 0, 0, 0)
	if e := errFromRAX(rax); e != nil {
		return 0, e
	}
	return uintptr(rAddr), nil
}

// SHMRelease drops the caller's reference to a mapped region.
func SHMRelease(id uint32) error {
	rax, _ := trap(sysSHMRelease, uint64(id), 0, 0, 0, 0, 0)
	return errFromRAX(rax)
}
