// Package kmain wires together every subsystem anyOS needs before it can run
// user code: physical/virtual memory, the Go runtime, hardware detection,
// the scheduler, the syscall gate and the root filesystem.
package kmain

import (
	"anyos/compositor"
	"anyos/device/acpi" // registers the ACPI driver with the hal registry
	"anyos/device/gpu/virtio"
	"anyos/device/storage"
	_ "anyos/device/tty"           // registers the VT100 TTY driver
	_ "anyos/device/video/console" // registers the VESA/VGA console drivers
	"anyos/kernel"
	"anyos/kernel/fs/exfat"
	"anyos/kernel/fs/vfs"
	"anyos/kernel/goruntime"
	"anyos/kernel/hal"
	"anyos/kernel/hal/multiboot"
	"anyos/kernel/kfmt"
	"anyos/kernel/mem"
	"anyos/kernel/mem/pmm"
	"anyos/kernel/mem/pmm/allocator"
	"anyos/kernel/mem/vmm"
	"anyos/kernel/sched"
	"anyos/kernel/syscall"
	"anyos/userland"
)

// kernelVMA is the virtual address the kernel is linked to run at; every
// physical address below the kernel's own load address is mapped at this
// offset, the standard amd64 higher-half split.
const kernelVMA = 0xFFFF_FFFF_8000_0000

// bootDiskIOBase/bootDiskControlBase are the primary ATA channel's standard
// ISA port addresses; anyOS boots from the primary master drive.
const (
	bootDiskIOBase      = 0x1F0
	bootDiskControlBase = 0x3F6

	// rootPartitionLBA is the first sector of the exFAT-formatted root
	// partition. anyOS boot media carries a single partition starting
	// right after a 1MiB-aligned boot sector reservation.
	rootPartitionLBA = 2048
)

// Kmain is the only Go symbol visible from the rt0 assembly trampoline. It
// is invoked once the bootloader has set up long mode, a minimal GDT and a
// 4K stack. Kmain never returns; rt0 halts the CPU if it does.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	if err := allocator.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	if err := vmm.Init(kernelVMA); err != nil {
		kfmt.Panic(err)
	}
	vmm.SetFrameFreer(allocator.FreeFrame)

	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	// Hardware detection must run after the runtime is up: console/TTY
	// drivers allocate via make()/append() while probing.
	hal.DetectHardware()

	if err := sched.Init(acpi.CPUCount()); err != nil {
		kfmt.Panic(err)
	}

	syscall.Init()

	initCompositor()

	mountRootFS()

	spawnInit()

	kfmt.Panic(errKmainReturned)
}

// initPath is the first userland process brought up once the root
// filesystem is mounted; it is expected to bring up every other service
// (the shell, status-tray clients, ...) over IPC from there.
const initPath = "/bin/init"

// spawnInit loads and starts the init process. A missing /bin/init (e.g. an
// exFAT image built without userland binaries) is logged, not fatal: the
// kernel has already reached a stable idle state and a developer can still
// drive it from a debug console.
func spawnInit() {
	if vfs.Root() == nil {
		kfmt.Printf("kmain: no root filesystem mounted, skipping init\n")
		return
	}
	if _, _, err := userland.SpawnPath("init", initPath); err != nil {
		kfmt.Printf("kmain: could not start %s: %s\n", initPath, err.Message)
	}
}

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// initCompositor maps the bootloader-provided linear framebuffer and starts
// the compositor singleton over it. A missing or non-RGB framebuffer (e.g.
// a serial-only boot) is logged, not fatal: the kernel still boots to a
// shell over IPC.
func initCompositor() {
	fbInfo := multiboot.GetFramebufferInfo()
	if fbInfo == nil || fbInfo.Type != multiboot.FramebufferTypeRGB || fbInfo.Bpp != 32 {
		kfmt.Printf("kmain: no usable linear framebuffer, compositor not started\n")
		return
	}

	fbSize := mem.Size(fbInfo.Pitch) * mem.Size(fbInfo.Height)
	fbFrame := pmm.FrameFromAddress(uintptr(fbInfo.PhysAddr))
	fbPage, err := vmm.MapRegion(fbFrame, fbSize, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		kfmt.Printf("kmain: could not map framebuffer: %s\n", err.Message)
		return
	}

	pixelsPerRow := int32(fbInfo.Pitch / 4)
	fb := kernel.Uint32SliceAt(fbPage.Address(), int(fbSize/4))
	desktop := compositor.Init(int32(fbInfo.Width), int32(fbInfo.Height), pixelsPerRow, fb)

	// virtio-gpu, if present, was already probed and initialized by
	// hal.DetectHardware before this function ran, so it can be attached
	// as soon as the compositor singleton exists.
	if gpu := virtio.ActiveDriver(); gpu != nil {
		desktop.AttachGPU(gpu, gpu)
	}
}

// mountRootFS brings up the boot disk and mounts its exFAT partition as the
// single filesystem every syscall resolves paths against. A missing or
// unreadable disk is logged, not fatal: a headless/diskless boot should
// still reach a shell over IPC rather than panic.
func mountRootFS() {
	disk := storage.NewATADevice(bootDiskIOBase, bootDiskControlBase, false)

	fs, err := exfat.Mount(disk, rootPartitionLBA)
	if err != nil {
		kfmt.Printf("kmain: could not mount root filesystem: %s\n", err.Message)
		return
	}

	vfs.Mount(fs)
}
