package cpu

// Model-specific register indices used to configure the syscall/sysret
// fast path.
const (
	// MsrEFER is IA32_EFER; bit 0 (SCE) enables the syscall instruction.
	MsrEFER = 0xc0000080
	// MsrSTAR packs the segment selectors sysret and syscall switch to.
	MsrSTAR = 0xc0000081
	// MsrLSTAR holds the syscall entry point.
	MsrLSTAR = 0xc0000082
	// MsrFMASK holds the EFLAGS bits to clear on syscall entry.
	MsrFMASK = 0xc0000084
)

// EFEREnableSyscall is the SCE bit of IA32_EFER.
const EFEREnableSyscall = 1 << 0

// ReadMSR returns the value of the model-specific register at msr.
func ReadMSR(msr uint32) uint64

// WriteMSR writes value to the model-specific register at msr.
func WriteMSR(msr uint32, value uint64)
