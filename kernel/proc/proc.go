// Package proc implements the process table: address space ownership, fd
// tables, thread sets, SHM mappings and IPC subscriptions, plus the
// process-exit hook fan-out to the compositor and IPC layers.
package proc

import (
	"anyos/kernel"
	"anyos/kernel/mem/vmm"
	"anyos/kernel/sched"
	"anyos/kernel/sync"
)

const maxProcesses = 256

// FD is an opaque per-process file descriptor.
type FD uint32

// Process owns an address space, a fd table, its threads, its mapped SHM
// regions and its IPC subscriptions.
type Process struct {
	PID uint32
	CR3 uintptr

	// AddrSpace is the process's private lower-half page table, isolating
	// it from every other process while sharing the kernel's upper half
	// by construction. It is nil for processes created via New directly
	// (e.g. the kernel's own bootstrap threads), which run entirely in
	// the shared kernel address space.
	AddrSpace *vmm.AddrSpace

	lock      sync.Spinlock
	threads   map[uint32]*sched.Thread
	fds       map[FD]interface{}
	nextFD    FD
	shmRegion map[uint32]struct{}
	ipcSubs   map[uint32]struct{}

	exited bool
}

var (
	table     [maxProcesses]*Process
	tableLock sync.Spinlock
	nextPID   uint32 = 1

	// onProcessExitFn is invoked once a process's last thread exits. The
	// compositor package registers itself here to destroy windows whose
	// owner_tid belonged to this process.
	onProcessExitFn func(pid uint32)

	errTableFull  = &kernel.Error{Module: "proc", Message: "process table is full"}
	errNoSuchFD   = &kernel.Error{Module: "proc", Message: "no such file descriptor"}
	errNoSuchProc = &kernel.Error{Module: "proc", Message: "no such process"}
)

func init() {
	sched.SetOnProcessExit(onThreadExit)
}

// New allocates a Process with the given address space root and registers
// it in the process table.
func New(cr3 uintptr) (*Process, *kernel.Error) {
	tableLock.Acquire()
	defer tableLock.Release()

	slot := -1
	for i := 0; i < maxProcesses; i++ {
		if table[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, errTableFull
	}

	p := &Process{
		PID:       nextPID,
		CR3:       cr3,
		threads:   make(map[uint32]*sched.Thread),
		fds:       make(map[FD]interface{}),
		nextFD:    3, // 0,1,2 reserved (stdin/stdout/stderr equivalents)
		shmRegion: make(map[uint32]struct{}),
		ipcSubs:   make(map[uint32]struct{}),
	}
	nextPID++
	table[slot] = p
	return p, nil
}

// NewIsolated allocates a Process backed by its own address space, giving it
// memory isolation from every other process in the system: as's lower half
// is private to this process while the kernel's upper half remains shared,
// matching the split enforced by vmm.AddrSpace.
func NewIsolated(as *vmm.AddrSpace) (*Process, *kernel.Error) {
	p, err := New(as.CR3())
	if err != nil {
		return nil, err
	}
	p.AddrSpace = as
	return p, nil
}

// Lookup returns the process with the given pid, or nil.
func Lookup(pid uint32) *Process {
	tableLock.Acquire()
	defer tableLock.Release()
	for i := 0; i < maxProcesses; i++ {
		if table[i] != nil && table[i].PID == pid {
			return table[i]
		}
	}
	return nil
}

// SetOnProcessExit registers the hook invoked once a process's last thread
// has exited and its resources have been released.
func SetOnProcessExit(fn func(pid uint32)) {
	onProcessExitFn = fn
}

// Spawn creates a new thread belonging to p and adds it to the thread set.
func (p *Process) Spawn(name string, entry, userStack uintptr) *sched.Thread {
	t := sched.Spawn(p.PID, name, p.CR3, entry, userStack)

	p.lock.Acquire()
	p.threads[t.TID] = t
	p.lock.Release()
	return t
}

// AddFD installs obj under a freshly allocated descriptor.
func (p *Process) AddFD(obj interface{}) FD {
	p.lock.Acquire()
	defer p.lock.Release()
	fd := p.nextFD
	p.nextFD++
	p.fds[fd] = obj
	return fd
}

// FD returns the object installed under fd.
func (p *Process) FD(fd FD) (interface{}, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()
	obj, ok := p.fds[fd]
	if !ok {
		return nil, errNoSuchFD
	}
	return obj, nil
}

// CloseFD removes fd from the table.
func (p *Process) CloseFD(fd FD) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()
	if _, ok := p.fds[fd]; !ok {
		return errNoSuchFD
	}
	delete(p.fds, fd)
	return nil
}

// AttachSHM records that p has mapped the given SHM region id.
func (p *Process) AttachSHM(regionID uint32) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.shmRegion[regionID] = struct{}{}
}

// DetachSHM forgets a previously attached SHM region id.
func (p *Process) DetachSHM(regionID uint32) {
	p.lock.Acquire()
	defer p.lock.Release()
	delete(p.shmRegion, regionID)
}

// SHMRegions returns the set of SHM region ids currently mapped by p.
func (p *Process) SHMRegions() []uint32 {
	p.lock.Acquire()
	defer p.lock.Release()
	ids := make([]uint32, 0, len(p.shmRegion))
	for id := range p.shmRegion {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe records an IPC event-queue subscription.
func (p *Process) Subscribe(queueID uint32) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.ipcSubs[queueID] = struct{}{}
}

// onThreadExit is the scheduler hook: it drops the exited thread from its
// owning process and, once no threads remain, releases the process and
// fans the exit out to the compositor/IPC layers.
func onThreadExit(pid uint32, t *sched.Thread) {
	p := Lookup(pid)
	if p == nil {
		return
	}

	p.lock.Acquire()
	delete(p.threads, t.TID)
	last := len(p.threads) == 0
	p.lock.Release()

	if !last {
		return
	}

	tableLock.Acquire()
	for i := 0; i < maxProcesses; i++ {
		if table[i] == p {
			table[i] = nil
			break
		}
	}
	tableLock.Release()

	p.lock.Acquire()
	p.exited = true
	p.lock.Release()

	if p.AddrSpace != nil {
		p.AddrSpace.Destroy()
	}

	if onProcessExitFn != nil {
		onProcessExitFn(pid)
	}
}
