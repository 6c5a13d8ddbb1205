// Package userland is process layer 3: it loads an executable image from
// the root filesystem and spawns it as a freshly isolated process, tying
// together userland/loader, kernel/proc and kernel/sched the way kmain ties
// together the kernel's own subsystems.
package userland

import (
	"anyos/kernel"
	"anyos/kernel/proc"
	"anyos/kernel/sched"
	"anyos/userland/loader"
)

// SpawnPath loads the executable at path and starts it as a new, isolated
// process with a single initial thread at its ELF entry point.
func SpawnPath(name, path string) (*proc.Process, *sched.Thread, *kernel.Error) {
	img, err := loader.LoadPath(path)
	if err != nil {
		return nil, nil, err
	}
	return spawnImage(name, img)
}

func spawnImage(name string, img *loader.Image) (*proc.Process, *sched.Thread, *kernel.Error) {
	p, err := proc.NewIsolated(img.AddrSpace)
	if err != nil {
		img.AddrSpace.Destroy()
		return nil, nil, err
	}

	t := p.Spawn(name, img.Entry, img.StackTop)
	return p, t, nil
}
