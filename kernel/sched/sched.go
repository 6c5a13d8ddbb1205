package sched

import (
	"anyos/kernel"
	"anyos/kernel/cpu"
	"anyos/kernel/gate"
	"anyos/kernel/sync"
	"sync/atomic"
)

// MaxCPU bounds the number of CPUs this kernel can schedule across. It is a
// fixed array size rather than a slice since Init runs before the heap is
// reliably usable on every core.
const MaxCPU = 32

// TickHz is the timer tick rate exported via the uptime syscall.
const TickHz = 100

// TimerVector is the interrupt vector the APIC/PIT timer is remapped to.
const TimerVector = gate.InterruptNumber(0x20)

type perCPU struct {
	ready   readyQueue
	current *Thread
	idle    *Thread
}

var (
	cpus        [MaxCPU]perCPU
	cpuCount    int
	nextTID     uint32 = 1
	tidLock     sync.Spinlock
	uptimeTicks uint64
	nextCore    uint32

	sendEOIFn       = cpu.SendEOI
	coreIDFn        = cpu.CoreID
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT
	haltFn          = cpu.Halt
	handleInterrupt = gate.HandleInterrupt

	onExitFn func(processID uint32, t *Thread)

	errTooManyCPUs = &kernel.Error{Module: "sched", Message: "cpu count exceeds MaxCPU"}
)

// Init sets up one idle context per CPU and installs the timer tick handler.
// coreCount is the number of CPUs detected during SMP bring-up.
func Init(coreCount int) *kernel.Error {
	if coreCount <= 0 || coreCount > MaxCPU {
		return errTooManyCPUs
	}

	cpuCount = coreCount
	for i := 0; i < coreCount; i++ {
		idle := NewThread(0, 0, "idle")
		cpus[i].idle = idle
		cpus[i].current = idle
	}

	handleInterrupt(TimerVector, 0, tick)
	return nil
}

// SetOnProcessExit registers the hook invoked when a thread transitions to
// Zombie, fanning the notification out to the owning process (and, from
// there, to the compositor's process-exit cleanup).
func SetOnProcessExit(fn func(processID uint32, t *Thread)) {
	onExitFn = fn
}

// Spawn creates a new Runnable thread belonging to processID and enqueues it
// on the least-loaded CPU's ready queue.
func Spawn(processID uint32, name string, cr3 uintptr, entry uintptr, userStack uintptr) *Thread {
	tidLock.Acquire()
	tid := nextTID
	nextTID++
	tidLock.Release()

	t := NewThread(tid, processID, name)
	t.CR3 = cr3
	t.SavedRegs.RIP = uint64(entry)
	t.SavedRegs.RSP = uint64(userStack)
	t.SavedRegs.RFlags = 0x202 // IF=1, reserved bit 1 always set

	core := pickLeastLoadedCore()
	cpus[core].ready.pushBack(t)
	return t
}

// pickLeastLoadedCore returns the index of the CPU with the shortest ready
// queue; ties go to the lowest-numbered CPU.
func pickLeastLoadedCore() int {
	best := 0
	bestLen := cpus[0].ready.Len()
	for i := 1; i < cpuCount; i++ {
		if l := cpus[i].ready.Len(); l < bestLen {
			best, bestLen = i, l
		}
	}
	return best
}

// tick is the timer interrupt handler. Per the scheduler contract, EOI must
// be sent to the LAPIC before any action that might not return, so that a
// long-running incoming thread never starves subsequent timer interrupts.
func tick(regs *gate.Registers) {
	sendEOIFn()
	atomic.AddUint64(&uptimeTicks, 1)

	core := int(coreIDFn())
	reschedule(core, regs)
}

// reschedule requeues the outgoing thread (if still runnable), pops the next
// thread from this CPU's ready queue (or falls back to idle) and copies its
// saved register state into regs so the interrupt return resumes it.
func reschedule(core int, regs *gate.Registers) {
	cp := &cpus[core]
	outgoing := cp.current

	if outgoing != nil && outgoing.TID != 0 {
		outgoing.SavedRegs = *regs
		if outgoing.State() == Runnable {
			cp.ready.pushBack(outgoing)
		}
	}

	next := cp.ready.popFront()
	if next == nil {
		next = cp.idle
	}

	if next.CR3 != 0 && next.CR3 != activePDTFn() {
		switchPDTFn(next.CR3)
	}

	*regs = next.SavedRegs
	cp.current = next
}

// Current returns the thread currently executing on the given CPU.
func Current(core int) *Thread {
	if core < 0 || core >= cpuCount {
		return nil
	}
	return cpus[core].current
}

// Uptime returns the number of timer ticks elapsed since Init, exposed via
// the uptime syscall.
func Uptime() uint64 {
	return atomic.LoadUint64(&uptimeTicks)
}

// ExitCurrent transitions the calling thread to Zombie with the given exit
// signal and never returns: it halts this CPU until the next timer tick
// picks a different runnable thread. Per-process cleanup (owned windows,
// SHM, fds) runs through the registered process-exit hook before the halt.
func ExitCurrent(core int, signal int) {
	cp := &cpus[core]
	t := cp.current
	t.ExitSignal = signal
	t.SetState(Zombie)

	if onExitFn != nil {
		onExitFn(t.ProcessID, t)
	}

	for {
		haltFn()
	}
}

// Yield voluntarily surrenders the remainder of the current thread's time
// slice. It self-triggers the timer vector, reusing the same tick/reschedule
// path a hardware interrupt would take.
func Yield() {
	cpu.TriggerSoftIRQ(uint8(TimerVector))
}

// Block transitions the current thread on core to Blocked and yields; the
// thread leaves the ready queue entirely and will not run again until
// Unblock is called on it.
func Block(core int) *Thread {
	t := cpus[core].current
	t.SetState(Blocked)
	Yield()
	return t
}

// Unblock transitions a Blocked thread back to Runnable and enqueues it on
// the least-loaded CPU.
func Unblock(t *Thread) {
	t.SetState(Runnable)
	core := pickLeastLoadedCore()
	cpus[core].ready.pushBack(t)
}

// FaultSignal translates a CPU exception vector into the POSIX-style signal
// value reported to a thread's parent on wait(), per the 128+vector
// encoding. cpl is the privilege level of the faulting context (bits 0-1 of
// the interrupted CS selector).
func FaultSignal(vector uint8, cpl uint8) (signal int, fatal bool) {
	if cpl == 0 {
		// True kernel-context fault: unrecoverable.
		return 0, true
	}
	return 128 + int(vector), false
}
