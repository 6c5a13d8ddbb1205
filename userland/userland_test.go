package userland

import "testing"

// SpawnPath must fail before touching proc/sched when there is nothing to
// load from; exercising the full load-and-spawn path needs a real mapped
// address space, which (like kernel/mem/vmm's own AddrSpace tests) isn't
// something a hosted unit test can drive.
func TestSpawnPathFailsWithoutFilesystem(t *testing.T) {
	if _, _, err := SpawnPath("init", "/bin/init"); err == nil {
		t.Fatal("expected an error with no filesystem mounted")
	}
}
