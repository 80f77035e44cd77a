package vmm

import (
	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when a linear address does not resolve
	// to a mapped physical page.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "linear address does not point to a mapped physical page"}

	// ErrHugePageSplit is returned when an operation would need to split an
	// existing huge page mapping; the engine refuses rather than doing it.
	ErrHugePageSplit = &kernel.Error{Module: "vmm", Message: "refusing to split an existing huge page"}

	// ErrPartialHugePageUnmap is returned when an unmap request covers less
	// than the full span of a huge page it intersects.
	ErrPartialHugePageUnmap = &kernel.Error{Module: "vmm", Message: "refusing to partially unmap a huge page"}

	// ErrAlreadyMapped is returned when Map is asked to overwrite a present
	// leaf entry.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "linear address is already mapped"}

	// ErrDestroyKernelPageSet guards the kernel page set singleton.
	ErrDestroyKernelPageSet = &kernel.Error{Module: "vmm", Message: "the kernel page set cannot be destroyed"}

	// ErrOutOfRange is returned when a linear address's PML4 index falls
	// outside the range a page set is allowed to map (user page sets are
	// confined to indices 0..255; the top half belongs to the kernel).
	ErrOutOfRange = &kernel.Error{Module: "vmm", Message: "linear address is out of range for this page set"}
)

// PageTableEntryFlag describes a flag bit applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent marks the entry as in-use.
	FlagPresent PageTableEntryFlag = 1 << 0
	// FlagRW permits writes through this mapping.
	FlagRW PageTableEntryFlag = 1 << 1
	// FlagUser permits ring-3 access through this mapping.
	FlagUser PageTableEntryFlag = 1 << 2
	// FlagHugePage marks a PDPT or PD entry as a leaf (1 GiB / 2 MiB page)
	// rather than a pointer to the next level.
	FlagHugePage PageTableEntryFlag = 1 << 7
	// FlagNoExecute is the architectural NX bit, bit 63.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// pageTableEntry is a single 8-byte entry at any of the four paging levels.
// The encoding (frame address plus flag bits) is identical across PML4,
// PDPT, PD and PT; only the meaning of the page_size bit changes (it marks
// a huge page at PDPT/PD, and is reserved at PML4/PT).
type pageTableEntry uintptr

const ptePhysPageMask = uintptr(0x000ffffffffff000)

// HasFlags reports whether every bit in flags is set on this entry.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// SetFlags ORs the given flags into the entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears the given flags from the entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame this entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the entry to point at the given physical frame, leaving
// its flags untouched.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// pml4Index returns the top-level table index a linear address would use,
// without requiring a full PageSet to look it up.
func pml4Index(linAddr uintptr) uintptr {
	return (linAddr >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1)
}

// levelIndex returns the index into the table at the given paging level
// (0 = PML4) for linAddr.
func levelIndex(linAddr uintptr, level uint8) uintptr {
	return (linAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// isKernelAddress reports whether linAddr's sign-extended top 16 bits mark
// it as belonging to the shared kernel half of every address space.
func isKernelAddress(linAddr uintptr) bool {
	return linAddr>>48 == 0xffff
}
