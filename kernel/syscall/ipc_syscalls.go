package syscall

import (
	"anyos/kernel/gate"
	"anyos/kernel/ipc"
	"anyos/kernel/mem/vmm"
	"anyos/kernel/proc"
	"anyos/kernel/sync"
)

var (
	channelsLock sync.Spinlock
	channels     = make(map[uint32]*ipc.Channel)
)

// channelOf returns p's IPC channel, creating it on first use. Every
// process gets exactly one channel for its lifetime; a future
// multi-server client would need a (process, server) keyed table, but
// nothing in this kernel's scope requires that yet.
func channelOf(p *proc.Process) *ipc.Channel {
	channelsLock.Acquire()
	defer channelsLock.Release()

	c, ok := channels[p.PID]
	if !ok {
		c = ipc.NewChannel()
		channels[p.PID] = c
	}
	return c
}

func sysIPCSendRequest(p *proc.Process, regs *gate.Registers) {
	req := ipc.Request{
		Opcode: ipc.Opcode(regs.RDI),
		Data:   [4]uint32{uint32(regs.RSI), uint32(regs.RDX), uint32(regs.R10), uint32(regs.R8)},
		SHM:    uint32(regs.R9),
	}
	err := channelOfFn(p).SendRequest(req)
	regs.RAX = kernelErrno(err)
}

func sysIPCRecvRequest(p *proc.Process, regs *gate.Registers) {
	req, ok := channelOfFn(p).ReceiveRequest()
	if !ok {
		regs.RAX = errAgain
		return
	}
	regs.RAX = errOK
	regs.RDI = uint64(req.Opcode)
	regs.RSI = uint64(req.Data[0])
	regs.RDX = uint64(req.Data[1])
	regs.R10 = uint64(req.Data[2])
	regs.R8 = uint64(req.Data[3])
	regs.R9 = uint64(req.SHM)
}

func sysIPCSendResponse(p *proc.Process, regs *gate.Registers) {
	resp := ipc.Response{
		Data: [4]uint32{uint32(regs.RDI), uint32(regs.RSI), uint32(regs.RDX), uint32(regs.R10)},
	}
	err := channelOfFn(p).SendResponse(resp)
	regs.RAX = kernelErrno(err)
}

func sysIPCRecvResponse(p *proc.Process, regs *gate.Registers) {
	resp, ok := channelOfFn(p).ReceiveResponse()
	if !ok {
		regs.RAX = errAgain
		return
	}
	regs.RAX = errOK
	regs.RDI = uint64(resp.Data[0])
	regs.RSI = uint64(resp.Data[1])
	regs.RDX = uint64(resp.Data[2])
	regs.R10 = uint64(resp.Data[3])
}

func sysIPCPopEvent(p *proc.Process, regs *gate.Registers) {
	ev, ok := channelOfFn(p).PopEvent()
	if !ok {
		regs.RAX = errAgain
		return
	}
	regs.RAX = errOK
	regs.RDI = uint64(ev.Type)
	regs.RSI = uint64(ev.Arg0)
	regs.RDX = uint64(ev.Arg1)
	regs.R10 = uint64(ev.Arg2)
	regs.R8 = uint64(ev.Arg3)
}

// sysSHMCreate allocates a pageCount-page SHM region (RDI) and maps it into
// the caller's address space, returning its id in RDI and the mapped
// virtual page address in RSI.
func sysSHMCreate(p *proc.Process, regs *gate.Registers) {
	region, err := ipc.CreateSHM(uint32(regs.RDI))
	if err != nil {
		regs.RAX = errNoSpace
		return
	}

	page, mapErr := ipc.MapInto(region, vmm.FlagPresent|vmm.FlagRW)
	if mapErr != nil {
		ipc.Release(region.ID)
		regs.RAX = errNoSpace
		return
	}

	p.AttachSHM(region.ID)
	regs.RAX = errOK
	regs.RDI = uint64(region.ID)
	regs.RSI = uint64(page.Address())
}

// sysSHMMap maps an existing SHM region (RDI, created by another process)
// into the caller's address space.
func sysSHMMap(p *proc.Process, regs *gate.Registers) {
	region := ipc.Lookup(uint32(regs.RDI))
	if region == nil {
		regs.RAX = errNotFound
		return
	}

	page, err := ipc.MapInto(region, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		regs.RAX = errNoSpace
		return
	}

	ipc.AddRef(region)
	p.AttachSHM(region.ID)
	regs.RAX = errOK
	regs.RSI = uint64(page.Address())
}

func sysSHMRelease(p *proc.Process, regs *gate.Registers) {
	id := uint32(regs.RDI)
	if err := ipc.Release(id); err != nil {
		regs.RAX = errNotFound
		return
	}
	p.DetachSHM(id)
	regs.RAX = errOK
}
