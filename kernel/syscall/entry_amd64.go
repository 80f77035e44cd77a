package syscall

import (
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/proc"
)

// GDT selector indices, matching the layout enterCurrent's IRETQ frame
// already assumes (see switch_amd64.s): user code is always entered at
// GDT_SEL_USER_CODE_64, a fixed 16 bytes above the 32-bit selector STAR
// records for SYSRET to add its own +8/+16 to.
const (
	gdtSelKernelCode = 0x08
	gdtSelUserCode32 = 0x1b
)

// eflagsIF is the EFLAGS interrupt-enable bit; FMASK clears it on SYSCALL
// entry so the entry stub runs with interrupts off until dispatch finishes.
const eflagsIF = 1 << 9

// entryAddr returns entry's code address, for Install to program into
// MSR LSTAR; implemented in entry_amd64.s.
//
//go:noescape
func entryAddr() uint64

// Install configures the SYSCALL/SYSRET fast path: STAR's segment
// selectors, LSTAR's entry point, FMASK's cleared-on-entry flags and
// EFER.SCE. Called once at boot after the GDT is in its final layout.
func Install() {
	star := uint64(gdtSelUserCode32)<<48 | uint64(gdtSelKernelCode)<<32
	cpu.WriteMSR(cpu.MsrSTAR, star)
	cpu.WriteMSR(cpu.MsrLSTAR, entryAddr())
	cpu.WriteMSR(cpu.MsrFMASK, eflagsIF)

	efer := cpu.ReadMSR(cpu.MsrEFER)
	cpu.WriteMSR(cpu.MsrEFER, efer|cpu.EFEREnableSyscall)
}

// scratch holds the caller-saved registers SYSCALL delivers, spilled here by
// entry_amd64.s before it calls into any Go code (which would otherwise
// clobber them), and read back just before SYSRETQ.
var (
	scratchRAX    uint64
	scratchRCX    uint64 // user return RIP
	scratchR11    uint64 // user RFLAGS
	scratchRDI    uint64
	scratchRSI    uint64
	scratchRDX    uint64
	scratchR10    uint64
	scratchR8     uint64
	scratchR9     uint64
	scratchUserSP uint64
	scratchRBX    uint64 // not a syscall argument, but callee-saved in the
	// calling convention the loaded binaries expect; entry_amd64.s uses BX
	// itself as scratch, so the caller's real value is spilled and restored
	// around that rather than silently clobbered.
)

// entry is the raw SYSCALL landing pad installed at MSR LSTAR by Install.
// Implemented in entry_amd64.s: it has no Go body because loading/storing
// the seven caller-saved registers SYSCALL hands it, and the eventual
// SYSRETQ, have no safe expression in Go.
func entry()

// currentRegs hands the assembly entry stub a pointer to Current's saved
// register block, mirroring package proc's currentEntryRegs helper.
func currentRegs() *proc.Registers {
	return proc.Current.Registers()
}

// currentKernelStackTop hands the assembly entry stub the stack pointer to
// switch onto before any dispatch code runs, so nothing ever runs on the
// calling process's user stack.
func currentKernelStackTop() uintptr {
	return proc.Current.KernelStackTop()
}

// dispatchCurrent is the thin wrapper the assembly stub calls into once it
// has copied the caller's registers into Current.Registers (including RAX,
// the syscall number) and switched onto the kernel stack.
func dispatchCurrent() {
	Dispatch(proc.Current.Registers().RAX)
}
