// Package sched implements the preemptive, per-CPU round-robin scheduler.
package sched

import (
	"anyos/kernel/gate"
	"anyos/kernel/sync"
)

// State describes where a Thread sits in its lifecycle.
type State uint8

const (
	// Runnable threads are queued on some CPU's ready queue.
	Runnable State = iota
	// Blocked threads wait on a wait-object and are not queued anywhere.
	Blocked
	// Zombie threads have exited; they retain tid + exit signal until reaped.
	Zombie
)

// String implements fmt.Stringer for use in kfmt.Printf %s verbs.
func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

const nameLen = 32

// Thread is the scheduling unit. tid 0 is reserved for the per-CPU idle
// context and is never placed on a ready queue.
type Thread struct {
	TID uint32

	// SavedRegs holds the full machine state snapshot used to resume this
	// thread when it is restored from a timer-tick preemption: the gate
	// dispatch trampoline IRETQs using whatever the tick handler leaves
	// in the live gate.Registers, so resuming a thread is just copying
	// SavedRegs over the interrupted thread's frame.
	SavedRegs gate.Registers

	// KernelSP is a saved kernel stack pointer slot in the form
	// cpu.SwitchContext takes. Nothing in this package sets or reads it:
	// Yield goes through the timer-tick path instead.
	KernelSP uintptr

	// CR3 is the physical address of this thread's root page table.
	CR3 uintptr

	// ProcessID identifies the owning process; 0 for kernel-only threads.
	ProcessID uint32

	Name [nameLen]byte

	state      State
	stateLock  sync.Spinlock
	ExitSignal int

	// next links threads within a ready queue's intrusive list.
	next *Thread
}

// NewThread allocates a Thread with the given tid/process/name, initially
// Runnable. Callers are responsible for placing it on a ready queue.
func NewThread(tid uint32, processID uint32, name string) *Thread {
	t := &Thread{
		TID:       tid,
		ProcessID: processID,
		state:     Runnable,
	}
	copy(t.Name[:], name)
	return t
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.stateLock.Acquire()
	defer t.stateLock.Release()
	return t.state
}

// SetState transitions the thread to a new state.
func (t *Thread) SetState(s State) {
	t.stateLock.Acquire()
	t.state = s
	t.stateLock.Release()
}
