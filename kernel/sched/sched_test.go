package sched

import (
	"anyos/kernel/cpu"
	"anyos/kernel/gate"
	"testing"
)

func resetCPUState(n int) {
	cpuCount = n
	for i := 0; i < n; i++ {
		cpus[i] = perCPU{}
	}
	nextTID = 1
	uptimeTicks = 0
	onExitFn = nil
}

func TestInitInstallsIdlePerCPU(t *testing.T) {
	defer func() { handleInterrupt = gate.HandleInterrupt }()

	var registeredVector gate.InterruptNumber
	handleInterrupt = func(v gate.InterruptNumber, _ uint8, _ func(*gate.Registers)) {
		registeredVector = v
	}

	if err := Init(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if registeredVector != TimerVector {
		t.Fatalf("expected timer vector %d to be registered; got %d", TimerVector, registeredVector)
	}

	for core := 0; core < 2; core++ {
		cur := Current(core)
		if cur == nil || cur.TID != 0 {
			t.Fatalf("expected core %d to run idle thread; got %+v", core, cur)
		}
	}
}

func TestInitRejectsTooManyCPUs(t *testing.T) {
	if err := Init(MaxCPU + 1); err != errTooManyCPUs {
		t.Fatalf("expected errTooManyCPUs; got %v", err)
	}
	if err := Init(0); err != errTooManyCPUs {
		t.Fatalf("expected errTooManyCPUs for 0 cores; got %v", err)
	}
}

func TestSpawnPicksLeastLoadedCore(t *testing.T) {
	defer func() { handleInterrupt = gate.HandleInterrupt }()
	handleInterrupt = func(gate.InterruptNumber, uint8, func(*gate.Registers)) {}
	resetCPUState(2)
	if err := Init(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Pre-load core 0 so core 1 is the least loaded.
	cpus[0].ready.pushBack(NewThread(100, 1, "preload"))

	spawned := Spawn(2, "worker", 0, 0x1000, 0x2000)
	if spawned.ProcessID != 2 {
		t.Fatalf("expected spawned thread to belong to process 2; got %d", spawned.ProcessID)
	}
	if cpus[1].ready.Len() != 1 {
		t.Fatalf("expected the new thread on core 1 (least loaded); core0=%d core1=%d", cpus[0].ready.Len(), cpus[1].ready.Len())
	}
}

func TestTickSendsEOIBeforeReschedule(t *testing.T) {
	defer func() {
		sendEOIFn = cpu.SendEOI
		coreIDFn = cpu.CoreID
		switchPDTFn = cpu.SwitchPDT
		activePDTFn = cpu.ActivePDT
	}()
	resetCPUState(1)
	cpus[0].idle = NewThread(0, 0, "idle")
	cpus[0].current = NewThread(1, 1, "first")

	var order []string
	sendEOIFn = func() { order = append(order, "eoi") }
	coreIDFn = func() uint32 { return 0 }
	switchPDTFn = func(uintptr) { order = append(order, "switch") }
	activePDTFn = func() uintptr { return 0 }

	next := NewThread(2, 1, "second")
	next.CR3 = 0xdead
	cpus[0].ready.pushBack(next)

	regs := &gate.Registers{}
	tick(regs)

	if len(order) == 0 || order[0] != "eoi" {
		t.Fatalf("expected EOI to be sent before any other action; got order=%v", order)
	}
	if cpus[0].current.TID != 2 {
		t.Fatalf("expected thread 2 to become current; got %d", cpus[0].current.TID)
	}
	if cpus[0].ready.Len() != 1 {
		t.Fatalf("expected outgoing thread to be requeued; ready len=%d", cpus[0].ready.Len())
	}
}

func TestRescheduleFallsBackToIdleWhenQueueEmpty(t *testing.T) {
	defer func() {
		sendEOIFn = cpu.SendEOI
		coreIDFn = cpu.CoreID
		switchPDTFn = cpu.SwitchPDT
		activePDTFn = cpu.ActivePDT
	}()
	resetCPUState(1)
	idle := NewThread(0, 0, "idle")
	cpus[0].idle = idle
	cpus[0].current = NewThread(1, 1, "only")

	sendEOIFn = func() {}
	coreIDFn = func() uint32 { return 0 }
	switchPDTFn = func(uintptr) {}
	activePDTFn = func() uintptr { return 0 }

	cpus[0].current.SetState(Zombie) // simulate the thread having exited

	regs := &gate.Registers{}
	tick(regs)

	if cpus[0].current.TID != 0 {
		t.Fatalf("expected idle thread to run when ready queue is empty; got tid=%d", cpus[0].current.TID)
	}
}

func TestExitCurrentNotifiesHookAndHalts(t *testing.T) {
	defer func() { haltFn = cpu.Halt }()
	resetCPUState(1)
	cpus[0].idle = NewThread(0, 0, "idle")
	victim := NewThread(5, 7, "victim")
	cpus[0].current = victim

	var hookProcess uint32
	var hookThread *Thread
	onExitFn = func(pid uint32, th *Thread) {
		hookProcess = pid
		hookThread = th
	}

	halted := false
	haltFn = func() {
		halted = true
		panic("halt reached")
	}

	func() {
		defer func() { recover() }()
		ExitCurrent(0, 132)
	}()

	if !halted {
		t.Fatal("expected ExitCurrent to reach the halt loop")
	}
	if hookProcess != 7 || hookThread != victim {
		t.Fatalf("expected process-exit hook to fire for process 7/victim; got pid=%d thread=%+v", hookProcess, hookThread)
	}
	if victim.State() != Zombie {
		t.Fatalf("expected victim to become Zombie; got %s", victim.State())
	}
	if victim.ExitSignal != 132 {
		t.Fatalf("expected exit signal 132; got %d", victim.ExitSignal)
	}
}

func TestFaultSignalEncoding(t *testing.T) {
	specs := []struct {
		vector     uint8
		cpl        uint8
		wantSignal int
		wantFatal  bool
	}{
		{vector: 14, cpl: 3, wantSignal: 128 + 14, wantFatal: false},
		{vector: 6, cpl: 3, wantSignal: 128 + 6, wantFatal: false},
		{vector: 13, cpl: 0, wantSignal: 0, wantFatal: true},
	}

	for _, spec := range specs {
		signal, fatal := FaultSignal(spec.vector, spec.cpl)
		if signal != spec.wantSignal || fatal != spec.wantFatal {
			t.Errorf("FaultSignal(%d, %d): expected (%d, %t); got (%d, %t)",
				spec.vector, spec.cpl, spec.wantSignal, spec.wantFatal, signal, fatal)
		}
	}
}
