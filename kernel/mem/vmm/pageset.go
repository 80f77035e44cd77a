package vmm

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/pmm"
)

var (
	// frameAllocator supplies physical frames for intermediate page tables.
	// Registered via SetFrameAllocator; kept as a function variable rather
	// than a direct import of kernel/mem/pmm/allocator so this package has
	// no hard dependency on a particular frame allocator implementation.
	frameAllocator FrameAllocatorFn

	// tableAliasFn maps a physical frame to the virtual address the kernel
	// edits it through. Tests override this to work against plain Go memory
	// instead of requiring real paging hardware.
	tableAliasFn = func(frame pmm.Frame) uintptr {
		return mem.PhyLinMapBase + frame.Address()
	}

	// entriesFn returns the 512-entry table living at a virtual address.
	// Overridden by tests for the same reason as tableAliasFn.
	entriesFn = func(tableVirt uintptr) *[entriesPerTable]pageTableEntry {
		return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(tableVirt))
	}

	kernelSet *PageSet
)

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers the function PageSet uses to obtain physical
// frames for new intermediate tables.
func SetFrameAllocator(fn FrameAllocatorFn) {
	frameAllocator = fn
}

// FrameReleaserFn returns a single physical frame to the allocator.
type FrameReleaserFn func(pmm.Frame)

// frameReleaser gives PageSet.Destroy a way to free the intermediate table
// frames and leaf data frames it unmaps, without this package importing a
// concrete frame allocator directly (same reasoning as frameAllocator).
var frameReleaser FrameReleaserFn

// SetFrameReleaser registers the function Destroy uses to return physical
// frames to the allocator as it tears down a page set.
func SetFrameReleaser(fn FrameReleaserFn) {
	frameReleaser = fn
}

// PageSet is one address space: a PML4 table plus every table hanging off
// it, and the PhyLinMap needed to edit them. Exactly one PageSet exists per
// process, plus the kernel's own singleton.
type PageSet struct {
	pml4Physical pmm.Frame
	pml4Virtual  uintptr
	tableMap     PhyLinMap
	isKernel     bool
}

// KernelPageSet returns the shared kernel address space singleton. It is
// only valid after Initialize has run.
func KernelPageSet() *PageSet {
	return kernelSet
}

// PML4Physical returns the physical frame backing this page set's top-level
// table, the value CR3 must hold while this page set is active.
func (ps *PageSet) PML4Physical() pmm.Frame {
	return ps.pml4Physical
}

func (ps *PageSet) entries(tableVirt uintptr) *[entriesPerTable]pageTableEntry {
	return entriesFn(tableVirt)
}

// Initialize bootstraps the kernel page set from the page tables the boot
// loader left active in CR3. It records the PML4's own physical/virtual
// pair, walks every present PML4/PDPT/PD entry to seed the PhyLinMap, tears
// down the low 2 MiB identity map the boot stub used before paging-aware
// code took over, and performs the higher-half PDPT propagation hack: it
// maps and immediately unmaps a dummy page inside the PDPT that backs
// KernelHeapBase so that PDPT exists in the kernel PML4 before any user
// page set copies the higher half (see the propagation note in the design
// ledger -- later additions to the kernel PML4 are not retroactively
// visible in page sets that already exist).
func Initialize() *kernel.Error {
	cr3 := cpu.ActivePDT()
	pml4Frame := pmm.FrameFromAddress(cr3 &^ (uintptr(mem.PageSize) - 1))

	ks := &PageSet{
		pml4Physical: pml4Frame,
		pml4Virtual:  tableAliasFn(pml4Frame),
		isKernel:     true,
	}
	if err := ks.tableMap.Insert(pml4Frame, ks.pml4Virtual); err != nil {
		return err
	}

	pml4 := ks.entries(ks.pml4Virtual)
	for i := range pml4 {
		if !pml4[i].HasFlags(FlagPresent) || pml4[i].HasFlags(FlagHugePage) {
			continue
		}
		pdptFrame := pml4[i].Frame()
		pdptVirt := tableAliasFn(pdptFrame)
		if err := ks.tableMap.Insert(pdptFrame, pdptVirt); err != nil {
			return err
		}

		pdpt := ks.entries(pdptVirt)
		for j := range pdpt {
			if !pdpt[j].HasFlags(FlagPresent) || pdpt[j].HasFlags(FlagHugePage) {
				continue
			}
			pdFrame := pdpt[j].Frame()
			pdVirt := tableAliasFn(pdFrame)
			if err := ks.tableMap.Insert(pdFrame, pdVirt); err != nil {
				return err
			}

			pd := ks.entries(pdVirt)
			for k := range pd {
				if !pd[k].HasFlags(FlagPresent) || pd[k].HasFlags(FlagHugePage) {
					continue
				}
				ptFrame := pd[k].Frame()
				if err := ks.tableMap.Insert(ptFrame, tableAliasFn(ptFrame)); err != nil {
					return err
				}
			}
		}
	}

	kernelSet = ks

	for addr := uintptr(0); addr < 2*uintptr(mem.Mb); addr += uintptr(mem.PageSize) {
		if _, err := ks.Unmap(addr, 1); err != nil && err != ErrInvalidMapping {
			return err
		}
	}

	if _, err := ks.Map(mem.KernelHeapBase, pmm.Frame(0), 1, FlagPresent|FlagRW); err != nil {
		return err
	}
	if _, err := ks.Unmap(mem.KernelHeapBase, 1); err != nil {
		return err
	}

	return nil
}

// Resolve walks PML4->PDPT->PD->PT for linAddr, following page_size bits to
// stop at the first entry describing an actual page, and returns the
// corresponding physical address. It returns ErrInvalidMapping if any level
// along the way is not present.
func (ps *PageSet) Resolve(linAddr uintptr) (uintptr, *kernel.Error) {
	set, err := ps.routeForAddress(linAddr)
	if err != nil {
		return 0, err
	}

	tableVirt := set.pml4Virtual
	for level := uint8(0); level < pageLevels; level++ {
		idx := levelIndex(linAddr, level)
		entry := &set.entries(tableVirt)[idx]

		if !entry.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}

		if level == pageLevels-1 || entry.HasFlags(FlagHugePage) {
			shift := pageLevelShifts[level]
			offset := linAddr & ((1 << shift) - 1)
			return entry.Frame().Address() + offset, nil
		}

		childVirt, ok := set.tableMap.Lookup(entry.Frame())
		if !ok {
			return 0, ErrInvalidMapping
		}
		tableVirt = childVirt
	}

	return 0, ErrInvalidMapping
}

// routeForAddress returns the page set that should actually service
// linAddr: a kernel-space address (the 0xffff... prefix) is transparently
// rerouted to the kernel page set when ps itself lacks higher-half entries,
// since every user page set shares (but does not necessarily keep in sync
// with later kernel growth) the kernel's upper half.
func (ps *PageSet) routeForAddress(linAddr uintptr) (*PageSet, *kernel.Error) {
	if isKernelAddress(linAddr) {
		if kernelSet == nil {
			return nil, ErrInvalidMapping
		}
		return kernelSet, nil
	}
	if !ps.isKernel && pml4Index(linAddr) >= mem.PML4UserEntries {
		return nil, ErrOutOfRange
	}
	return ps, nil
}

// Map establishes `pages` consecutive 4 KiB mappings starting at linAddr,
// backed by consecutive physical frames starting at phys, and returns the
// number of pages actually mapped. It stops and returns an error as soon as
// one page in the run cannot be mapped (a present huge page in the way, an
// already-mapped leaf, or out-of-memory while allocating an intermediate
// table); pages mapped before the failing one remain mapped.
func (ps *PageSet) Map(linAddr uintptr, phys pmm.Frame, pages uint64, flags PageTableEntryFlag) (uint64, *kernel.Error) {
	var mapped uint64

	for mapped < pages {
		set, err := ps.routeForAddress(linAddr)
		if err != nil {
			return mapped, err
		}

		if err := set.mapOne(linAddr, phys, flags); err != nil {
			return mapped, err
		}

		mapped++
		linAddr += uintptr(mem.PageSize)
		phys++
	}

	return mapped, nil
}

func (ps *PageSet) mapOne(linAddr uintptr, phys pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	tableVirt := ps.pml4Virtual

	for level := uint8(0); level < pageLevels; level++ {
		idx := levelIndex(linAddr, level)
		entry := &ps.entries(tableVirt)[idx]

		if level == pageLevels-1 {
			if entry.HasFlags(FlagPresent) {
				return ErrAlreadyMapped
			}
			*entry = 0
			entry.SetFrame(phys)
			entry.SetFlags(flags | FlagPresent)
			return nil
		}

		if entry.HasFlags(FlagHugePage) {
			return ErrHugePageSplit
		}

		if !entry.HasFlags(FlagPresent) {
			newFrame, err := frameAllocator()
			if err != nil {
				return err
			}
			newVirt := tableAliasFn(newFrame)
			kernel.Memset(newVirt, 0, uintptr(mem.PageSize))

			*entry = 0
			entry.SetFrame(newFrame)
			// Intermediate tables are permissive; leaf flags alone decide
			// the effective access rights.
			entry.SetFlags(FlagPresent | FlagRW | FlagUser)

			if err := ps.tableMap.Insert(newFrame, newVirt); err != nil {
				return err
			}
			tableVirt = newVirt
			continue
		}

		childVirt, ok := ps.tableMap.Lookup(entry.Frame())
		if !ok {
			return ErrInvalidMapping
		}
		tableVirt = childVirt
	}

	return nil
}

// Unmap clears `pages` consecutive 4 KiB mappings starting at linAddr and
// returns the number of pages actually unmapped. It is idempotent over
// already-absent entries (an absent entry simply counts as unmapped and the
// walk advances past it), and refuses to partially unmap a huge page: if
// the remaining request is smaller than a huge page's span, it aborts with
// ErrPartialHugePageUnmap instead of tearing down more or less than asked.
func (ps *PageSet) Unmap(linAddr uintptr, pages uint64) (uint64, *kernel.Error) {
	var unmapped uint64

	for unmapped < pages {
		set, err := ps.routeForAddress(linAddr)
		if err != nil {
			return unmapped, err
		}

		advance, n, err := set.unmapOne(linAddr, pages-unmapped)
		if err != nil {
			return unmapped, err
		}

		unmapped += n
		linAddr += advance
	}

	return unmapped, nil
}

// unmapOne clears (or skips past) the mapping covering linAddr and reports
// how many linear bytes were consumed and how many 4 KiB pages that
// represents.
func (ps *PageSet) unmapOne(linAddr uintptr, remaining uint64) (advance uintptr, pages uint64, err *kernel.Error) {
	tableVirt := ps.pml4Virtual

	for level := uint8(0); level < pageLevels; level++ {
		idx := levelIndex(linAddr, level)
		entry := &ps.entries(tableVirt)[idx]

		if !entry.HasFlags(FlagPresent) {
			// Skip to the end of the absent entry's span, counting no more
			// pages than are still requested.
			span := uintptr(1) << pageLevelShifts[level]
			advance := span - (linAddr & (span - 1))
			covered := uint64(advance >> mem.PageShift)
			if covered > remaining {
				covered = remaining
			}
			return advance, covered, nil
		}

		if level == pageLevels-1 {
			entry.ClearFlags(FlagPresent)
			cpu.FlushTLBEntry(linAddr)
			return uintptr(mem.PageSize), 1, nil
		}

		if entry.HasFlags(FlagHugePage) {
			span := uintptr(1) << pageLevelShifts[level]
			covered := uint64(span >> mem.PageShift)
			if covered > remaining {
				return 0, 0, ErrPartialHugePageUnmap
			}
			entry.ClearFlags(FlagPresent)
			cpu.FlushTLBEntry(linAddr)
			return span, covered, nil
		}

		childVirt, ok := ps.tableMap.Lookup(entry.Frame())
		if !ok {
			return 0, 0, ErrInvalidMapping
		}
		tableVirt = childVirt
	}

	return uintptr(mem.PageSize), 1, nil
}

// Create allocates a fresh zeroed PML4, copies the kernel's upper half into
// it (so every kernel mapping is immediately visible) and leaves the lower
// half zero, ready for a new process's own mappings.
func Create() (*PageSet, *kernel.Error) {
	frame, err := frameAllocator()
	if err != nil {
		return nil, err
	}
	virt := tableAliasFn(frame)
	kernel.Memset(virt, 0, uintptr(mem.PageSize))

	ps := &PageSet{pml4Physical: frame, pml4Virtual: virt}
	if err := ps.tableMap.Insert(frame, virt); err != nil {
		return nil, err
	}

	dst := ps.entries(virt)
	src := kernelSet.entries(kernelSet.pml4Virtual)
	for i := mem.PML4UserEntries; i < entriesPerTable; i++ {
		dst[i] = src[i]
	}

	return ps, nil
}

// Destroy frees every intermediate table and mapped data frame reachable
// from the lower (user) half of the PML4, then the PML4 itself, then clears
// the PhyLinMap. It refuses to destroy the kernel page set.
func (ps *PageSet) Destroy() *kernel.Error {
	if ps.isKernel {
		return ErrDestroyKernelPageSet
	}

	pml4 := ps.entries(ps.pml4Virtual)
	for i := 0; i < mem.PML4UserEntries; i++ {
		if !pml4[i].HasFlags(FlagPresent) {
			continue
		}
		ps.destroyLevel(pml4[i].Frame(), 1)
		pml4[i].ClearFlags(FlagPresent)
	}

	ps.tableMap.Remove(ps.pml4Physical)
	releaseFrame(ps.pml4Physical)

	ps.tableMap.Clear()
	return nil
}

// destroyLevel recursively frees every intermediate table under frame at
// paging level `level` (1 = PDPT, 2 = PD, 3 = PT), and every leaf data frame
// a PT entry (or a PD huge-page entry) maps. Both the tables themselves and
// the data they back are returned to the allocator via frameReleaser.
func (ps *PageSet) destroyLevel(frame pmm.Frame, level uint8) {
	virt, ok := ps.tableMap.Lookup(frame)
	if !ok {
		return
	}

	table := ps.entries(virt)
	for i := range table {
		if !table[i].HasFlags(FlagPresent) {
			continue
		}
		if level < pageLevels-1 && !table[i].HasFlags(FlagHugePage) {
			ps.destroyLevel(table[i].Frame(), level+1)
			continue
		}
		// A PT entry, or a PD entry mapping a 2 MiB huge page: either
		// way this points at a leaf data frame, not another table.
		releaseFrame(table[i].Frame())
	}

	ps.tableMap.Remove(frame)
	releaseFrame(frame)
}

// releaseFrame returns frame to the allocator if a releaser is registered;
// a no-op otherwise (e.g. in tests that only exercise the walk itself).
func releaseFrame(frame pmm.Frame) {
	if frameReleaser != nil {
		frameReleaser(frame)
	}
}

// Switch writes this page set's PML4 physical frame into CR3, activating
// it. Callers in the scheduler additionally rebind the per-CPU kernel stack
// limit after calling Switch (see the process subsystem).
func (ps *PageSet) Switch() {
	cpu.SwitchPDT(ps.pml4Physical.Address())
}
