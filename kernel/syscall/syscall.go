// Package syscall installs the int 0x80 dispatch table that binds every
// user-mode entrypoint (process lifecycle, fd I/O, the filesystem, IPC and
// SHM) to the kernel subsystems that implement them.
package syscall

import (
	"anyos/kernel"
	"anyos/kernel/cpu"
	"anyos/kernel/fs/vfs"
	"anyos/kernel/gate"
	"anyos/kernel/hal"
	"anyos/kernel/ipc"
	"anyos/kernel/proc"
	"anyos/kernel/sched"
)

// Number identifies a syscall, passed to the kernel in Registers.Info by
// the int 0x80 entry stub.
type Number uint64

// The syscall surface. Argument registers follow the System V register
// order (RDI, RSI, RDX, R10) so a libos shim can populate Registers the way
// a real syscall trampoline would.
const (
	SysExit Number = iota
	SysYield
	SysWrite
	SysRead
	SysOpen
	SysClose
	SysReadDir
	SysCreateEntry
	SysDeleteEntry
	SysTruncate
	SysIPCSendRequest
	SysIPCRecvRequest
	SysIPCSendResponse
	SysIPCRecvResponse
	SysIPCPopEvent
	SysSHMCreate
	SysSHMMap
	SysSHMRelease
	SysUptime
)

// errno values returned in Registers.RAX on failure. 0 always means success.
const (
	errOK uint64 = iota
	errBadFD
	errBadArg
	errIO
	errNotFound
	errExists
	errNoSpace
	errNoSuchSyscall
	errAgain
)

// fdEntry is what proc.Process.AddFD stores for a syscall-opened file; it
// remembers the inode and a monotonically advancing read/write cursor.
type fdEntry struct {
	inode  vfs.Inode
	offset uint64
}

type handlerFn func(p *proc.Process, regs *gate.Registers)

var handlers map[Number]handlerFn

// The following are mocked by tests and automatically inlined by the
// compiler otherwise.
var (
	coreIDFn          = cpu.CoreID
	channelOfFn       = channelOf
	handleInterruptFn = gate.HandleInterrupt
)

// Init installs the syscall dispatch table on the int 0x80 gate. It must
// run after gate/irq initialization and before any user thread is spawned.
func Init() {
	handlers = map[Number]handlerFn{
		SysExit:            sysExit,
		SysYield:           sysYield,
		SysWrite:           sysWrite,
		SysRead:            sysRead,
		SysOpen:            sysOpen,
		SysClose:           sysClose,
		SysReadDir:         sysReadDir,
		SysCreateEntry:     sysCreateEntry,
		SysDeleteEntry:     sysDeleteEntry,
		SysTruncate:        sysTruncate,
		SysIPCSendRequest:  sysIPCSendRequest,
		SysIPCRecvRequest:  sysIPCRecvRequest,
		SysIPCSendResponse: sysIPCSendResponse,
		SysIPCRecvResponse: sysIPCRecvResponse,
		SysIPCPopEvent:     sysIPCPopEvent,
		SysSHMCreate:       sysSHMCreate,
		SysSHMMap:          sysSHMMap,
		SysSHMRelease:      sysSHMRelease,
		SysUptime:          sysUptime,
	}

	handleInterruptFn(gate.InterruptNumber(0x80), 0, dispatch)
}

// dispatch is the int 0x80 entrypoint. It resolves the calling process from
// the current CPU's running thread, looks up the requested syscall number
// and invokes its handler, always leaving an errno (0 on success) in RAX.
func dispatch(regs *gate.Registers) {
	core := int(coreIDFn())
	t := sched.Current(core)
	if t == nil {
		regs.RAX = errBadArg
		return
	}

	p := proc.Lookup(t.ProcessID)
	if p == nil {
		regs.RAX = errBadArg
		return
	}

	fn, ok := handlers[Number(regs.Info)]
	if !ok {
		regs.RAX = errNoSuchSyscall
		return
	}
	fn(p, regs)
}

func sysExit(p *proc.Process, regs *gate.Registers) {
	sched.ExitCurrent(int(coreIDFn()), int(regs.RDI))
}

func sysYield(p *proc.Process, regs *gate.Registers) {
	sched.Yield()
	regs.RAX = errOK
}

func sysUptime(p *proc.Process, regs *gate.Registers) {
	regs.RAX = errOK
	regs.RDI = sched.Uptime()
}

// sysWrite writes RDX bytes from the user buffer at RSI to fd RDI. fd 1 and
// 2 (stdout/stderr) go straight to the active TTY; any other fd must have
// been opened via sysOpen.
func sysWrite(p *proc.Process, regs *gate.Registers) {
	fd := proc.FD(regs.RDI)
	buf := kernel.BytesAt(uintptr(regs.RSI), int(regs.RDX))

	if fd == 1 || fd == 2 {
		if tty := hal.ActiveTTY(); tty != nil {
			n, _ := tty.Write(buf)
			regs.RAX = errOK
			regs.RDI = uint64(n)
			return
		}
		regs.RAX = errIO
		return
	}

	obj, err := p.FD(fd)
	if err != nil {
		regs.RAX = errBadFD
		return
	}
	entry, ok := obj.(*fdEntry)
	if !ok {
		regs.RAX = errBadFD
		return
	}

	fs := vfs.Root()
	if fs == nil {
		regs.RAX = errIO
		return
	}
	_, newSize, fsErr := fs.WriteFile(entry.inode, entry.offset, buf, entry.offset)
	if fsErr != nil {
		regs.RAX = errIO
		return
	}
	entry.offset = newSize
	regs.RAX = errOK
	regs.RDI = uint64(len(buf))
}

// sysRead reads up to RDX bytes from fd RDI into the user buffer at RSI.
func sysRead(p *proc.Process, regs *gate.Registers) {
	fd := proc.FD(regs.RDI)
	buf := kernel.BytesAt(uintptr(regs.RSI), int(regs.RDX))

	obj, err := p.FD(fd)
	if err != nil {
		regs.RAX = errBadFD
		return
	}
	entry, ok := obj.(*fdEntry)
	if !ok {
		regs.RAX = errBadFD
		return
	}

	fs := vfs.Root()
	if fs == nil {
		regs.RAX = errIO
		return
	}
	n, fsErr := fs.ReadFile(entry.inode, entry.offset, buf)
	if fsErr != nil {
		regs.RAX = errIO
		return
	}
	entry.offset += uint64(n)
	regs.RAX = errOK
	regs.RDI = uint64(n)
}

// sysOpen resolves the path at RDI (RSI bytes long) and installs a fresh fd
// entry for it.
func sysOpen(p *proc.Process, regs *gate.Registers) {
	fs := vfs.Root()
	if fs == nil {
		regs.RAX = errIO
		return
	}

	path := string(kernel.BytesAt(uintptr(regs.RDI), int(regs.RSI)))
	inode, _, _, fsErr := fs.Lookup(path)
	if fsErr != nil {
		regs.RAX = toErrno(fsErr)
		return
	}

	fd := p.AddFD(&fdEntry{inode: inode})
	regs.RAX = errOK
	regs.RDI = uint64(fd)
}

func sysClose(p *proc.Process, regs *gate.Registers) {
	if err := p.CloseFD(proc.FD(regs.RDI)); err != nil {
		regs.RAX = errBadFD
		return
	}
	regs.RAX = errOK
}

func sysReadDir(p *proc.Process, regs *gate.Registers) {
	fs := vfs.Root()
	if fs == nil {
		regs.RAX = errIO
		return
	}

	obj, err := p.FD(proc.FD(regs.RDI))
	if err != nil {
		regs.RAX = errBadFD
		return
	}
	entry, ok := obj.(*fdEntry)
	if !ok {
		regs.RAX = errBadFD
		return
	}

	entries, fsErr := fs.ReadDir(entry.inode)
	if fsErr != nil {
		regs.RAX = toErrno(fsErr)
		return
	}
	regs.RAX = errOK
	regs.RDI = uint64(len(entries))
}

func sysCreateEntry(p *proc.Process, regs *gate.Registers) {
	fs := vfs.Root()
	if fs == nil {
		regs.RAX = errIO
		return
	}

	dirObj, err := p.FD(proc.FD(regs.RDI))
	if err != nil {
		regs.RAX = errBadFD
		return
	}
	dirEntry, ok := dirObj.(*fdEntry)
	if !ok {
		regs.RAX = errBadFD
		return
	}

	name := string(kernel.BytesAt(uintptr(regs.RSI), int(regs.RDX)))
	kind := vfs.FileType(regs.R10)

	inode, fsErr := fs.CreateEntry(dirEntry.inode, name, kind)
	if fsErr != nil {
		regs.RAX = toErrno(fsErr)
		return
	}

	fd := p.AddFD(&fdEntry{inode: inode})
	regs.RAX = errOK
	regs.RDI = uint64(fd)
}

func sysDeleteEntry(p *proc.Process, regs *gate.Registers) {
	fs := vfs.Root()
	if fs == nil {
		regs.RAX = errIO
		return
	}

	dirObj, err := p.FD(proc.FD(regs.RDI))
	if err != nil {
		regs.RAX = errBadFD
		return
	}
	dirEntry, ok := dirObj.(*fdEntry)
	if !ok {
		regs.RAX = errBadFD
		return
	}

	name := string(kernel.BytesAt(uintptr(regs.RSI), int(regs.RDX)))
	if fsErr := fs.DeleteEntry(dirEntry.inode, name); fsErr != nil {
		regs.RAX = toErrno(fsErr)
		return
	}
	regs.RAX = errOK
}

func sysTruncate(p *proc.Process, regs *gate.Registers) {
	fs := vfs.Root()
	if fs == nil {
		regs.RAX = errIO
		return
	}

	obj, err := p.FD(proc.FD(regs.RDI))
	if err != nil {
		regs.RAX = errBadFD
		return
	}
	entry, ok := obj.(*fdEntry)
	if !ok {
		regs.RAX = errBadFD
		return
	}

	if fsErr := fs.TruncateFile(entry.inode, regs.RSI); fsErr != nil {
		regs.RAX = toErrno(fsErr)
		return
	}
	entry.offset = 0
	regs.RAX = errOK
}

func toErrno(e *vfs.FsError) uint64 {
	switch e.Kind {
	case vfs.NotFound:
		return errNotFound
	case vfs.AlreadyExists:
		return errExists
	case vfs.NoSpace:
		return errNoSpace
	default:
		return errIO
	}
}

// kernelErrno maps a *kernel.Error IPC failure onto a generic errno; IPC
// errors don't currently need finer-grained codes than "try again".
func kernelErrno(err *kernel.Error) uint64 {
	if err == nil {
		return errOK
	}
	return errAgain
}
