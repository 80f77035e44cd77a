// Package vmm implements the kernel's virtual memory manager: a page-set
// engine that creates, destroys, resolves, maps and unmaps linear-to-
// physical mappings across the four amd64 paging levels (PML4, PDPT, PD,
// PT).
//
// Every address space -- the kernel's own plus one per process -- is
// represented by a PageSet. Page tables are reached only by physical
// address from their parent entry, so each PageSet keeps a PhyLinMap to
// recover a writable virtual alias for any table it has allocated.
package vmm

import (
	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/irq"
	"github.com/devyn/kit/kernel/kfmt"
)

var (
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}
)

// InstallFaultHandlers registers the page-fault and general-protection-
// fault handlers. Neither fault is recoverable in this design (there is no
// demand paging or copy-on-write); both report diagnostics and panic.
func InstallFaultHandlers() {
	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\npage fault at 0x%16x\nreason: ", faultAddress)
	switch errorCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page fault in user mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown (code %d)", errorCode)
	}

	kfmt.Printf("\n\nregisters:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\ngeneral protection fault near 0x%x\n", readCR2Fn())
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}
