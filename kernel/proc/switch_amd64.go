package proc

// Current is the process presently executing, or nil if the CPU is idle.
// Updated by package sched immediately before every Switch.
var Current *Process

// Prepare installs a saved-register frame at the top of a freshly allocated
// kernel stack (stackTop is the highest address of that stack) so that the
// very first Switch into this process looks identical, from Switch's point
// of view, to resuming after a previous Switch: it manufactures a return
// address pointing at processEntryTrampoline plus six zeroed callee-saved
// registers, matching exactly what Switch itself would have pushed. The
// returned value is the stack pointer to store as kernelStackPointer.
//
//go:noescape
func Prepare(stackTop uintptr) uintptr

// Switch performs a cooperative context switch between kernel stacks: it
// pushes the callee-saved registers (R15, R14, R13, R12, RBX, RBP), saves
// the resulting stack pointer through oldSP, loads newSP into the stack
// pointer, pops the incoming context's callee-saved registers and returns
// into it. The caller must already have rebound CR3 and the per-CPU
// kernel-stack-limit pointer to the target process before calling Switch.
//
//go:noescape
func Switch(oldSP *uintptr, newSP uintptr)

// processEntryTrampoline is the assembly landing pad a freshly Prepare'd
// stack returns into the first time it is switched to. It has no Go body;
// the implementation lives in switch_amd64.s and calls enterCurrent.
func processEntryTrampoline()

// enterCurrent loads Current's saved registers and drops to user mode at
// its recorded RIP. Implemented in switch_amd64.s: Go code can manipulate
// every field of Current.regs right up until the jump, but the jump itself
// (loading every GPR plus RIP/RFLAGS/RSP/CS/SS and executing IRETQ) has no
// safe expression in Go.
func enterCurrent()

// currentEntryRegs hands enterCurrent's assembly a pointer to Current's
// saved register block without the assembly needing to know Process's
// layout, only Registers' (a fixed, package-private struct whose field
// order switch_amd64.s indexes by offset).
func currentEntryRegs() *Registers {
	return &Current.regs
}
