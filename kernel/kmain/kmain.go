// Package kmain wires every subsystem together into the sequence the rt0
// trampoline calls into after the bootloader hands off: memory management,
// the HAL and its drivers, the process/scheduler pair, the syscall fast
// path and the boot archive.
package kmain

import (
	"github.com/devyn/kit/device/keyboard"
	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/archive"
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/elf"
	"github.com/devyn/kit/kernel/goruntime"
	"github.com/devyn/kit/kernel/hal"
	"github.com/devyn/kit/kernel/hal/multiboot"
	"github.com/devyn/kit/kernel/kfmt"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/kheap"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/mem/pmm/allocator"
	"github.com/devyn/kit/kernel/mem/vmm"
	"github.com/devyn/kit/kernel/pic"
	"github.com/devyn/kit/kernel/proc"
	"github.com/devyn/kit/kernel/sched"
	"github.com/devyn/kit/kernel/sync"
	"github.com/devyn/kit/kernel/syscall"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errOutOfMemory   = &kernel.Error{Module: "kmain", Message: "out of memory"}
)

// masterVector and slaveVector are the interrupt vectors the PIC's IRQ 0-15
// lines are remapped to, clear of the CPU's reserved 0-31 exception range.
const (
	masterVector = 0x20
	slaveVector  = 0x28
	irqKeyboard  = 1
)

// Kmain is the only Go symbol the rt0 assembly calls into, after it has set
// up the GDT and a minimal g0 allowing Go code to run on the boot stack.
//
// Kmain never returns; if it somehow does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.DetectHardware()

	var err *kernel.Error
	if err = allocator.Initialize(); err != nil {
		kfmt.Panic(err)
	}

	vmm.SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
		frame, granted := allocator.Acquire(1)
		if granted == 0 {
			return 0, errOutOfMemory
		}
		return frame, nil
	})
	vmm.SetFrameReleaser(func(frame pmm.Frame) {
		allocator.Release(frame, 1)
	})
	if err = vmm.Initialize(); err != nil {
		kfmt.Panic(err)
	}
	vmm.InstallFaultHandlers()

	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	kheap.Init()
	kheap.SetGrowFunc(func(virtAddr uintptr, pageCount uint64) (uint64, *kernel.Error) {
		frame, granted := allocator.Acquire(pageCount)
		if granted == 0 {
			return 0, errOutOfMemory
		}
		mapped, mapErr := vmm.KernelPageSet().Map(virtAddr, frame, granted, vmm.FlagRW|vmm.FlagNoExecute)
		return mapped, mapErr
	})
	kheap.Relocate(mem.KernelHeapBase)

	proc.SetFrameAcquirer(allocator.Acquire)
	sync.SetYieldFunc(sched.Yield)
	keyboard.WaitFn = sched.Sleep

	syscall.Install()

	pic.Remap(masterVector, slaveVector)
	pic.SetAllMasked(true)

	if err = keyboard.Init(); err == nil {
		pic.SetMasked(irqKeyboard, false)
	}

	multiboot.VisitModules(func(mod *multiboot.ModuleEntry) bool {
		if mod.String() != "archive" {
			return true
		}
		if err := archive.Init(uintptr(mod.ModStart), uint64(mod.ModEnd-mod.ModStart)); err != nil {
			kfmt.Printf("[kmain] failed to map boot archive: %s\n", err.Message)
		}
		return false
	})

	cpu.EnableInterrupts()

	spawnInit()

	sched.Tick()

	kfmt.Panic(errKmainReturned)
}

// initProcessName is the archive entry Kmain loads as the first process,
// the conventional entry point a boot archive is expected to provide.
const initProcessName = "init"

// spawnInit loads and enqueues the init process from the boot archive. A
// missing or malformed init binary leaves the run queue empty; Kmain's
// final Tick then just halts forever, which is the expected behavior for a
// kernel with nothing to run.
func spawnInit() {
	body, _, err := archive.Find(initProcessName)
	if err != nil {
		kfmt.Printf("[kmain] no %q entry in boot archive: %s\n", initProcessName, err.Message)
		return
	}

	p, err := proc.Create(initProcessName)
	if err != nil {
		kfmt.Printf("[kmain] failed to create init process: %s\n", err.Message)
		return
	}

	if err := elf.Load(body, p); err != nil {
		kfmt.Printf("[kmain] failed to load init process: %s\n", err.Message)
		return
	}

	if err := proc.SetArgs(p, []string{initProcessName}); err != nil {
		kfmt.Printf("[kmain] failed to set up init process args: %s\n", err.Message)
		return
	}

	p.SetState(proc.Running)
	sched.Enqueue(p)
}
