// Package syscall implements the kernel side of the syscall surface: the
// numbered dispatch table the assembly entry stub calls into, and each
// syscall's argument marshalling and error convention.
//
// Every handler reads its arguments out of proc.Current.Registers() (the
// entry stub has already copied rdi/rsi/rdx/r10/r8/r9 there) and writes its
// result into RAX. Because a syscall never unmaps the calling process's
// page set before dispatch runs, user pointers passed as arguments can be
// dereferenced directly.
package syscall

import (
	"unsafe"

	"github.com/devyn/kit/device/keyboard"
	"github.com/devyn/kit/kernel/archive"
	"github.com/devyn/kit/kernel/elf"
	"github.com/devyn/kit/kernel/hal"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/vmm"
	"github.com/devyn/kit/kernel/proc"
	"github.com/devyn/kit/kernel/sched"
)

// Number is one of the ten stable syscall opcodes.
type Number uint64

const (
	Exit Number = iota
	Twrite
	KeyGet
	Yield
	Sleep
	Spawn
	WaitProcess
	AdjustHeap
	MmapArchive
	Debug
)

var table [10]func(p *proc.Process)

func init() {
	table[Exit] = sysExit
	table[Twrite] = sysTwrite
	table[KeyGet] = sysKeyGet
	table[Yield] = sysYield
	table[Sleep] = sysSleep
	table[Spawn] = sysSpawn
	table[WaitProcess] = sysWaitProcess
	table[AdjustHeap] = sysAdjustHeap
	table[MmapArchive] = sysMmapArchive
	table[Debug] = sysDebug

	keyboard.WaitFn = sched.Sleep
	keyboard.WakeFn = wakeKeyWaiters
}

// Dispatch routes num to its handler against proc.Current, the process the
// entry stub has already switched onto its kernel stack. Unknown numbers
// write -1 to RAX and otherwise do nothing.
func Dispatch(num uint64) {
	p := proc.Current
	if num >= uint64(len(table)) || table[num] == nil {
		p.Registers().RAX = ^uint64(0)
		return
	}
	table[num](p)
}

func sysExit(p *proc.Process) {
	status := int(int64(p.Registers().RDI))
	waiter := proc.Exit(p, status)
	if waiter != nil {
		sched.Wake(waiter)
	}
	sched.Tick()
}

func sysTwrite(p *proc.Process) {
	length := p.Registers().RDI
	bufAddr := uintptr(p.Registers().RSI)

	buf := (*[1 << 30]byte)(unsafe.Pointer(bufAddr))
	n, _ := hal.ActiveTTY().Write(buf[:length])
	p.Registers().RAX = uint64(n)
}

// keyWaiters holds the processes blocked in key_get on an empty queue, so a
// keyboard IRQ can wake all of them once an event arrives.
var keyWaiters []*proc.Process

func wakeKeyWaiters() {
	for _, waiter := range keyWaiters {
		sched.Wake(waiter)
	}
	keyWaiters = keyWaiters[:0]
}

func sysKeyGet(p *proc.Process) {
	for {
		if event, ok := keyboard.Dequeue(); ok {
			eventAddr := uintptr(p.Registers().RDI)
			dst := (*keyboard.Event)(unsafe.Pointer(eventAddr))
			*dst = event
			p.Registers().RAX = 0
			return
		}
		keyWaiters = append(keyWaiters, p)
		sched.Sleep()
	}
}

func sysYield(p *proc.Process) {
	sched.Yield()
}

func sysSleep(p *proc.Process) {
	sched.Sleep()
}

// spawn error codes, per spec.md's -1..-5 negative result convention.
const (
	spawnErrNotFound    = -1
	spawnErrChecksum    = -2
	spawnErrBadELF      = -3
	spawnErrOutOfMemory = -4
	spawnErrBadName     = -5
)

func sysSpawn(p *proc.Process) {
	nameAddr := uintptr(p.Registers().RDI)
	argc := int64(p.Registers().RSI)
	argvAddr := uintptr(p.Registers().RDX)

	name := cString(nameAddr)
	if len(name) == 0 || len(name) > 255 {
		p.Registers().RAX = uint64(spawnErrBadName)
		return
	}

	body, _, aerr := archive.Find(name)
	if aerr != nil {
		if aerr == archive.ErrChecksum {
			p.Registers().RAX = uint64(spawnErrChecksum)
		} else {
			p.Registers().RAX = uint64(spawnErrNotFound)
		}
		return
	}

	child, perr := proc.Create(name)
	if perr != nil {
		p.Registers().RAX = uint64(spawnErrOutOfMemory)
		return
	}

	if err := elf.Load(body, child); err != nil {
		p.Registers().RAX = uint64(spawnErrBadELF)
		return
	}

	args := readArgv(argc, argvAddr)
	if err := proc.SetArgs(child, args); err != nil {
		p.Registers().RAX = uint64(spawnErrOutOfMemory)
		return
	}

	child.SetState(proc.Running)
	sched.Enqueue(child)

	p.Registers().RAX = uint64(child.ID())
}

func readArgv(argc int64, argvAddr uintptr) []string {
	if argc <= 0 {
		return nil
	}
	argv := (*[1 << 16]uintptr)(unsafe.Pointer(argvAddr))
	args := make([]string, argc)
	for i := int64(0); i < argc; i++ {
		args[i] = cString(argv[i])
	}
	return args
}

func cString(addr uintptr) string {
	bytes := (*[1 << 20]byte)(unsafe.Pointer(addr))
	n := 0
	for bytes[n] != 0 {
		n++
	}
	return string(bytes[:n])
}

func sysWaitProcess(p *proc.Process) {
	id := proc.ID(p.Registers().RDI)
	statusAddr := uintptr(p.Registers().RSI)

	target, ok := proc.Get(id)
	if !ok {
		p.Registers().RAX = ^uint64(0)
		return
	}

	if target.State() == proc.Dead {
		*(*int64)(unsafe.Pointer(statusAddr)) = int64(target.ExitStatus())
		p.Registers().RAX = 0
		return
	}

	target.SetWaiter(p)
	sched.Sleep()

	*(*int64)(unsafe.Pointer(statusAddr)) = int64(target.ExitStatus())
	p.Registers().RAX = 0
}

func sysAdjustHeap(p *proc.Process) {
	delta := int64(p.Registers().RDI)
	newEnd, err := proc.AdjustHeap(p, delta)
	if err != nil {
		p.Registers().RAX = ^uint64(0)
		return
	}
	p.Registers().RAX = uint64(newEnd)
}

func sysMmapArchive(p *proc.Process) {
	archiveBase, archiveFrame := archive.Base()
	if archiveBase == 0 {
		p.Registers().RAX = 0
		return
	}

	size := archive.Size()
	pages := (size + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	mapped, err := p.PageSet().Map(mem.ArchiveMmapBase, archiveFrame, pages, vmm.FlagUser|vmm.FlagPresent)
	if err != nil || mapped != pages {
		p.Registers().RAX = 0
		return
	}

	p.Registers().RAX = uint64(mem.ArchiveMmapBase)
}

// Debug operation 0 dumps the scheduler's run queue and the calling
// process's register snapshot, matching syscall.h's lone documented
// debug-hook operation; others are no-ops that succeed.
func sysDebug(p *proc.Process) {
	op := p.Registers().RDI
	switch op {
	case 0:
		sched.DumpRunQueue()
	}
	p.Registers().RAX = 0
}
