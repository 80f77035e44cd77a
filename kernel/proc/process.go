// Package proc implements the process subsystem: process records, the
// process table, and the operations (create, alloc, set_args, set_entry,
// adjust_heap, exit, wait) the syscall layer drives.
//
// Process records are allocated from the kernel heap and indexed by a
// red-black tree keyed by id, the same intrusive-node pattern the frame
// allocator and the page-set engine's PhyLinMap use.
package proc

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/kheap"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/mem/vmm"
	"github.com/devyn/kit/kernel/rbtree"
)

// ID identifies a process. IDs are assigned monotonically starting at 1;
// once the id space wraps past the maximum, Create fails with
// errTooManyProcs.
type ID uint16

// State is one stage of a process's lifetime.
type State uint8

const (
	// Loading is the state a process is created in: its page set exists
	// but it has not yet been handed to the scheduler.
	Loading State = iota
	// Running means the process is either current or sitting in the run
	// queue waiting for its turn.
	Running
	// Sleeping means the process is blocked on something (wait_process,
	// key_get, or an explicit sleep) and is in neither the run queue nor
	// current.
	Sleeping
	// Dead means the process has exited; its exit_status is valid and it
	// will never be scheduled again.
	Dead
)

// Registers holds the saved user-mode register state needed to resume a
// process: the 16 general-purpose registers, the instruction pointer and
// EFLAGS. This is exactly what the syscall entry stub and process_switch
// save and restore.
type Registers struct {
	RAX, RCX, RDX, RBX uint64
	RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP    uint64
	EFlags uint32
}

// maxNameLength bounds Process.Name, matching process.h's char name[256]
// (255 printable bytes plus a NUL the original null-terminates at).
const maxNameLength = 255

// Process is a single process's kernel-resident record.
type Process struct {
	rbtree.Node

	id    ID
	name  [maxNameLength + 1]byte
	state State

	pageset *vmm.PageSet
	regs    Registers

	kernelStackBase    uintptr
	kernelStackPointer uintptr

	exitStatus int
	waiting    *Process

	schedWaiting  bool
	runQueueNext  *Process

	heapEnd uintptr
}

var (
	table  rbtree.Tree
	nextID ID = 1

	errNameTooLong     = &kernel.Error{Module: "proc", Message: "process name longer than 255 bytes"}
	errTooManyProcs    = &kernel.Error{Module: "proc", Message: "process id space exhausted"}
	errOutOfMemory     = &kernel.Error{Module: "proc", Message: "out of memory"}
	errNegativeArgc    = &kernel.Error{Module: "proc", Message: "negative argc"}
	errBadState        = &kernel.Error{Module: "proc", Message: "operation not valid in current process state"}
	errHeapUnderflow   = &kernel.Error{Module: "proc", Message: "heap shrink past base"}
)

// ID returns the process's id.
func (p *Process) ID() ID { return p.id }

// State returns the process's current lifecycle state.
func (p *Process) State() State { return p.state }

// SetState transitions p to state. Package sched drives Running/Sleeping
// transitions around Tick, Sleep and Wake.
func (p *Process) SetState(s State) { p.state = s }

// KernelStackPointer and SetKernelStackPointer save and restore the saved
// kernel stack pointer Switch reads and writes across a context switch.
func (p *Process) KernelStackPointer() uintptr      { return p.kernelStackPointer }
func (p *Process) SetKernelStackPointer(sp uintptr) { p.kernelStackPointer = sp }

// KernelStackPointerSlot exposes the address of the saved kernel stack
// pointer field so package sched can hand it to Switch, which writes the
// outgoing stack pointer back into whichever process owns it.
func (p *Process) KernelStackPointerSlot() *uintptr { return &p.kernelStackPointer }

// KernelStackTop returns the highest address of p's kernel stack, the stack
// pointer the syscall entry stub switches to before dispatch runs.
func (p *Process) KernelStackTop() uintptr {
	return p.kernelStackBase + uintptr(mem.KernelStackSize)
}

// Name returns the process name as a Go string (trimmed at the first NUL).
func (p *Process) Name() string {
	n := 0
	for n < len(p.name) && p.name[n] != 0 {
		n++
	}
	return string(p.name[:n])
}

// Registers exposes the saved user register state for the syscall dispatch
// layer to read and mutate (e.g. writing a return value into RAX).
func (p *Process) Registers() *Registers { return &p.regs }

// PageSet returns the process's address space.
func (p *Process) PageSet() *vmm.PageSet { return p.pageset }

// ExitStatus returns the status recorded by Exit.
func (p *Process) ExitStatus() int { return p.exitStatus }

// SetSchedWaiting and SchedWaiting/RunQueueNext expose the intrusive
// run-queue fields to package sched, which owns the front/back pointers and
// the tick/sleep/wake state machine.
func (p *Process) SchedWaiting() bool        { return p.schedWaiting }
func (p *Process) SetSchedWaiting(w bool)    { p.schedWaiting = w }
func (p *Process) RunQueueNext() *Process    { return p.runQueueNext }
func (p *Process) SetRunQueueNext(n *Process) { p.runQueueNext = n }

// Waiter returns the process (if any) that is asleep waiting for this one
// to exit.
func (p *Process) Waiter() *Process     { return p.waiting }
func (p *Process) SetWaiter(w *Process) { p.waiting = w }

// Create allocates a fresh process: it builds a new page set, reserves an
// 8 KiB user stack at the top of user space, assigns the next id and
// inserts the record into the process table. It also allocates the kernel
// stack and prepares it with Prepare, so the process can be switched to.
func Create(name string) (*Process, *kernel.Error) {
	if len(name) > maxNameLength {
		return nil, errNameTooLong
	}
	if nextID == 0 {
		return nil, errTooManyProcs
	}

	ptr, err := kheap.AllocAligned(mem.Size(unsafe.Sizeof(Process{})), unsafe.Alignof(Process{}))
	if err != nil {
		return nil, err
	}
	p := (*Process)(unsafe.Pointer(ptr))
	*p = Process{}
	copy(p.name[:], name)

	ps, err := vmm.Create()
	if err != nil {
		return nil, err
	}
	p.pageset = ps
	p.state = Loading
	p.regs.RSP = uint64(mem.UserStackTop)

	if _, err := allocIn(p, mem.UserStackTop-uintptr(mem.UserStackSize), mem.UserStackSize, 0); err != nil {
		return nil, err
	}

	kstack, err := kheap.Alloc(mem.KernelStackSize)
	if err != nil {
		return nil, err
	}
	p.kernelStackBase = kstack
	p.kernelStackPointer = Prepare(kstack + uintptr(mem.KernelStackSize))

	p.id = nextID
	nextID++

	insert(p)
	return p, nil
}

// Get looks up a process by id.
func Get(id ID) (*Process, bool) {
	for node := table.Root; node != nil; {
		owner := rbtree.Of[Process](node)
		switch {
		case id == owner.id:
			return owner, true
		case id < owner.id:
			node = node.Left
		default:
			node = node.Right
		}
	}
	return nil, false
}

func insert(p *Process) {
	if table.Root == nil {
		table.Root = &p.Node
		return
	}
	cur := table.Root
	for {
		owner := rbtree.Of[Process](cur)
		if p.id < owner.id {
			if cur.Left == nil {
				cur.Left = &p.Node
				p.Parent = cur
				break
			}
			cur = cur.Left
		} else {
			if cur.Right == nil {
				cur.Right = &p.Node
				p.Parent = cur
				break
			}
			cur = cur.Right
		}
	}
	table.BalanceInsert(&p.Node)
}

// allocIn is the shared implementation behind Alloc: it acquires physical
// pages (possibly several contiguous runs) and maps each run into p's page
// set with PAGING_USER forced on. A failed run leaves prior runs mapped
// (see spec.md §9's partial-failure cleanup note).
func allocIn(p *Process, address uintptr, length mem.Size, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	base := address &^ (uintptr(mem.PageSize) - 1)
	misalignment := address - base
	total := uint64(length) + uint64(misalignment)
	pages := (total + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	if pages == 0 {
		return address, nil
	}

	flags |= vmm.FlagUser | vmm.FlagPresent

	cur := base
	remaining := pages
	for remaining > 0 {
		frame, granted := acquireFramesFn(remaining)
		if granted == 0 {
			return 0, errOutOfMemory
		}

		if _, err := p.pageset.Map(cur, frame, granted, flags); err != nil {
			return 0, err
		}

		cur += uintptr(granted) * uintptr(mem.PageSize)
		remaining -= granted
	}

	return address, nil
}

// Alloc maps length bytes at address (aligned down to 4 KiB) into the
// process's address space with the given leaf flags. flags should not
// include FlagUser or FlagPresent; both are forced on.
func Alloc(p *Process, address uintptr, length mem.Size, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	return allocIn(p, address, length, flags)
}

// AllocWithKernelAlias maps the same physical pages into both p's page set
// (at userAddress) and the kernel page set (at a fixed alias region), so the
// kernel can populate user memory from its own address space. Callers must
// call UnmapKernelAlias once done; used by SetArgs.
func AllocWithKernelAlias(p *Process, userAddress uintptr, length mem.Size, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	base := userAddress &^ (uintptr(mem.PageSize) - 1)
	misalignment := userAddress - base
	total := uint64(length) + uint64(misalignment)
	pages := (total + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	if pages == 0 {
		return userAddress, nil
	}

	frame, granted := acquireFramesFn(pages)
	if granted != pages {
		return 0, errOutOfMemory
	}

	userFlags := flags | vmm.FlagUser | vmm.FlagPresent
	if _, err := p.pageset.Map(base, frame, granted, userFlags); err != nil {
		return 0, err
	}

	kernFlags := (flags &^ vmm.FlagUser) | vmm.FlagPresent | vmm.FlagRW
	if _, err := vmm.KernelPageSet().Map(mem.KernelAliasBase, frame, granted, kernFlags); err != nil {
		return 0, err
	}

	return userAddress, nil
}

// UnmapKernelAlias tears down the kernel-side alias set up by
// AllocWithKernelAlias for `pages` pages.
func UnmapKernelAlias(pages uint64) *kernel.Error {
	_, err := vmm.KernelPageSet().Unmap(mem.KernelAliasBase, pages)
	return err
}

// SetEntryPoint records rip on a Loading process.
func SetEntryPoint(p *Process, entry uintptr) *kernel.Error {
	if p.state != Loading {
		return errBadState
	}
	p.regs.RIP = uint64(entry)
	return nil
}

// SetArgs lays out argc/argv in the process's address space: the pointer
// array followed by the concatenated, null-terminated argument strings,
// placed just below the user stack via AllocWithKernelAlias so the kernel
// can write them from its own address space. Pointer values written into
// the array are user-space addresses (kernel alias base + offset, per
// SPEC_FULL.md's "pointer-adjustment by base delta" design decision).
func SetArgs(p *Process, args []string) *kernel.Error {
	if len(args) == 0 {
		p.regs.R8 = 0
		p.regs.R9 = 0
		return nil
	}
	if len(args) > 0x7fffffff {
		return errNegativeArgc
	}

	totalBytes := mem.Size(0)
	for _, a := range args {
		totalBytes += mem.Size(unsafe.Sizeof(uintptr(0))) + mem.Size(len(a)) + 1
	}

	intendedBase := (mem.ArgvBase - uintptr(totalBytes)) &^ (uintptr(mem.PageSize) - 1)

	userBase, err := AllocWithKernelAlias(p, intendedBase, totalBytes, vmm.FlagRW)
	if err != nil {
		return err
	}

	kernelPtrArray := (*[1 << 20]uintptr)(unsafe.Pointer(mem.KernelAliasBase))
	dataOffset := uintptr(len(args)) * unsafe.Sizeof(uintptr(0))
	delta := userBase - mem.KernelAliasBase

	cursor := dataOffset
	for i, a := range args {
		userPtr := mem.KernelAliasBase + cursor + delta
		kernelPtrArray[i] = userPtr

		dst := (*[1 << 20]byte)(unsafe.Pointer(mem.KernelAliasBase))
		copy(dst[cursor:], a)
		dst[cursor+uintptr(len(a))] = 0
		cursor += uintptr(len(a)) + 1
	}

	pages := (uint64(totalBytes) + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	if err := UnmapKernelAlias(pages); err != nil {
		return err
	}

	p.regs.R8 = uint64(len(args))
	p.regs.R9 = uint64(mem.KernelAliasBase + dataOffset + delta)
	return nil
}

// AdjustHeap grows or shrinks the process heap between mem.ProcessHeapBase
// and the current end by delta bytes (rounded to whole 4 KiB pages),
// returning the new end. On allocation failure the adjustment is undone.
func AdjustHeap(p *Process, delta int64) (uintptr, *kernel.Error) {
	if p.heapEnd == 0 {
		p.heapEnd = mem.ProcessHeapBase
	}

	if delta == 0 {
		return p.heapEnd, nil
	}

	if delta > 0 {
		pages := (uint64(delta) + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
		if _, err := allocIn(p, p.heapEnd, mem.Size(pages)*mem.PageSize, vmm.FlagRW); err != nil {
			// Undo whatever part of the growth allocIn mapped before failing.
			_, _ = p.pageset.Unmap(p.heapEnd, pages)
			return 0, err
		}
		p.heapEnd += uintptr(pages) * uintptr(mem.PageSize)
		return p.heapEnd, nil
	}

	shrink := uint64(-delta)
	pages := shrink / uint64(mem.PageSize)
	if uintptr(pages)*uintptr(mem.PageSize) > p.heapEnd-mem.ProcessHeapBase {
		return 0, errHeapUnderflow
	}

	newEnd := p.heapEnd - uintptr(pages)*uintptr(mem.PageSize)
	if _, err := p.pageset.Unmap(newEnd, pages); err != nil {
		return 0, err
	}
	p.heapEnd = newEnd
	return p.heapEnd, nil
}

// Exit marks p Dead, records its status, tears down its address space and
// returns the process sleeping on it (if any) for the caller to wake. The caller (the exit syscall, via package
// sched) is responsible for switching away afterwards; a dead process is
// never enqueued again.
func Exit(p *Process, status int) *Process {
	p.state = Dead
	p.exitStatus = status

	// p.pageset is always a user page set (Create never builds a kernel
	// one for a process), so the only error Destroy can return - refusal
	// to destroy the kernel page set - cannot happen here.
	_ = p.pageset.Destroy()

	waiter := p.waiting
	p.waiting = nil
	return waiter
}

// acquireFramesFn is the physical frame source Alloc/AdjustHeap/SetArgs use.
// Kept as a function variable (rather than an import of
// kernel/mem/pmm/allocator) so this package doesn't hard-wire a concrete
// allocator; kmain wires the real one at boot.
type FrameAcquireFn func(pages uint64) (pmm.Frame, uint64)

var acquireFramesFn FrameAcquireFn

// SetFrameAcquirer registers the frame source used by Alloc and friends.
func SetFrameAcquirer(fn FrameAcquireFn) {
	acquireFramesFn = fn
}
