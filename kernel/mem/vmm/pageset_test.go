package vmm

import (
	"unsafe"

	"testing"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/kheap"
	"github.com/devyn/kit/kernel/mem/pmm"
)

// fakeHardware stands in for the MMU during tests: physical frames are just
// incrementing integers and their "virtual alias" is the address of a
// plain Go-allocated table, so walkers can run without real paging
// hardware. Mirrors the ptePtrFn/nextAddrFn mocking hooks the teacher's
// walker tests use.
type fakeHardware struct {
	tables    map[pmm.Frame]*[entriesPerTable]pageTableEntry
	nextFrame pmm.Frame
	released  []pmm.Frame
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{tables: make(map[pmm.Frame]*[entriesPerTable]pageTableEntry)}
}

func (fh *fakeHardware) newTable() (pmm.Frame, *[entriesPerTable]pageTableEntry) {
	fh.nextFrame++
	table := &[entriesPerTable]pageTableEntry{}
	fh.tables[fh.nextFrame] = table
	return fh.nextFrame, table
}

func (fh *fakeHardware) alloc() (pmm.Frame, *kernel.Error) {
	frame, _ := fh.newTable()
	return frame, nil
}

func (fh *fakeHardware) install(t *testing.T) {
	t.Helper()
	kheap.Init()

	origAlias, origEntries, origAlloc, origReleaser := tableAliasFn, entriesFn, frameAllocator, frameReleaser
	origKernelSet := kernelSet

	tableAliasFn = func(frame pmm.Frame) uintptr {
		table, ok := fh.tables[frame]
		if !ok {
			t.Fatalf("fake hardware: no table registered for frame %v", frame)
		}
		return uintptr(unsafe.Pointer(table))
	}
	entriesFn = func(tableVirt uintptr) *[entriesPerTable]pageTableEntry {
		return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(tableVirt))
	}
	frameAllocator = fh.alloc
	frameReleaser = func(frame pmm.Frame) { fh.released = append(fh.released, frame) }

	t.Cleanup(func() {
		tableAliasFn = origAlias
		entriesFn = origEntries
		frameAllocator = origAlloc
		frameReleaser = origReleaser
		kernelSet = origKernelSet
	})
}

// newKernelTestSet builds a fresh kernel PageSet backed by fake hardware and
// installs it as the package singleton.
func newKernelTestSet(fh *fakeHardware) *PageSet {
	frame, table := fh.newTable()
	ks := &PageSet{pml4Physical: frame, pml4Virtual: uintptr(unsafe.Pointer(table)), isKernel: true}
	ks.tableMap.Insert(frame, ks.pml4Virtual)
	kernelSet = ks
	return ks
}

const kernelTestAddr = mem.KernelOffset + 0x0000123456789000

func TestMapThenResolveRoundTrips(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	ks := newKernelTestSet(fh)

	target := pmm.Frame(777)
	mapped, err := ks.Map(kernelTestAddr, target, 1, FlagPresent|FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapped != 1 {
		t.Fatalf("expected to map 1 page; got %d", mapped)
	}

	phys, err := ks.Resolve(kernelTestAddr + 0x42)
	if err != nil {
		t.Fatalf("unexpected error resolving: %v", err)
	}
	if want := target.Address() + 0x42; phys != want {
		t.Fatalf("expected resolved address %x; got %x", want, phys)
	}
}

func TestMapRefusesDoubleMap(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	ks := newKernelTestSet(fh)

	if _, err := ks.Map(kernelTestAddr, pmm.Frame(1), 1, FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mapped, err := ks.Map(kernelTestAddr, pmm.Frame(2), 1, FlagPresent|FlagRW)
	if err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped; got %v", err)
	}
	if mapped != 0 {
		t.Fatalf("expected 0 pages mapped on failure; got %d", mapped)
	}
}

func TestMapRefusesHugePageSplit(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	ks := newKernelTestSet(fh)

	// Force the PDPT entry for kernelTestAddr to look like a 1 GiB huge
	// page before attempting to map something beneath it.
	pml4 := ks.entries(ks.pml4Virtual)
	pml4Idx := levelIndex(kernelTestAddr, 0)
	pdptFrame, pdptTable := fh.newTable()
	pml4[pml4Idx] = 0
	pml4[pml4Idx].SetFrame(pdptFrame)
	pml4[pml4Idx].SetFlags(FlagPresent | FlagRW)
	ks.tableMap.Insert(pdptFrame, uintptr(unsafe.Pointer(pdptTable)))

	pdptIdx := levelIndex(kernelTestAddr, 1)
	pdptTable[pdptIdx] = 0
	pdptTable[pdptIdx].SetFrame(pmm.Frame(55))
	pdptTable[pdptIdx].SetFlags(FlagPresent | FlagHugePage)

	if _, err := ks.Map(kernelTestAddr, pmm.Frame(1), 1, FlagPresent|FlagRW); err != ErrHugePageSplit {
		t.Fatalf("expected ErrHugePageSplit; got %v", err)
	}
}

func TestUnmapIsIdempotentOverAbsentLeaf(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	ks := newKernelTestSet(fh)

	// Map one page so the intermediate tables down to PT exist, then
	// unmap a neighbouring, never-mapped page within the same PT.
	if _, err := ks.Map(kernelTestAddr, pmm.Frame(1), 1, FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	neighbour := kernelTestAddr + uintptr(mem.PageSize)
	unmapped, err := ks.Unmap(neighbour, 1)
	if err != nil {
		t.Fatalf("unexpected error unmapping absent page: %v", err)
	}
	if unmapped != 1 {
		t.Fatalf("expected 1 page counted as unmapped; got %d", unmapped)
	}
}

func TestUnmapClearsPresentBit(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	ks := newKernelTestSet(fh)

	if _, err := ks.Map(kernelTestAddr, pmm.Frame(9), 1, FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ks.Unmap(kernelTestAddr, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ks.Resolve(kernelTestAddr); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after unmap; got %v", err)
	}
}

func TestUnmapRefusesPartialHugePage(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	ks := newKernelTestSet(fh)

	pml4 := ks.entries(ks.pml4Virtual)
	pml4Idx := levelIndex(kernelTestAddr, 0)
	pdptFrame, pdptTable := fh.newTable()
	pml4[pml4Idx] = 0
	pml4[pml4Idx].SetFrame(pdptFrame)
	pml4[pml4Idx].SetFlags(FlagPresent | FlagRW)
	ks.tableMap.Insert(pdptFrame, uintptr(unsafe.Pointer(pdptTable)))

	pdFrame, pdTable := fh.newTable()
	pdptIdx := levelIndex(kernelTestAddr, 1)
	pdptTable[pdptIdx] = 0
	pdptTable[pdptIdx].SetFrame(pdFrame)
	pdptTable[pdptIdx].SetFlags(FlagPresent | FlagRW)
	ks.tableMap.Insert(pdFrame, uintptr(unsafe.Pointer(pdTable)))

	pdIdx := levelIndex(kernelTestAddr, 2)
	pdTable[pdIdx] = 0
	pdTable[pdIdx].SetFrame(pmm.Frame(3))
	pdTable[pdIdx].SetFlags(FlagPresent | FlagHugePage)

	if _, err := ks.Unmap(kernelTestAddr, 1); err != ErrPartialHugePageUnmap {
		t.Fatalf("expected ErrPartialHugePageUnmap; got %v", err)
	}
}

func TestCreateCopiesKernelUpperHalfOnly(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	ks := newKernelTestSet(fh)

	kernelPML4 := ks.entries(ks.pml4Virtual)
	kernelPML4[300] = 0
	kernelPML4[300].SetFrame(pmm.Frame(42))
	kernelPML4[300].SetFlags(FlagPresent | FlagRW)
	kernelPML4[10] = 0
	kernelPML4[10].SetFrame(pmm.Frame(99))
	kernelPML4[10].SetFlags(FlagPresent | FlagRW)

	user, err := Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userPML4 := user.entries(user.pml4Virtual)
	if !userPML4[300].HasFlags(FlagPresent) || userPML4[300].Frame() != pmm.Frame(42) {
		t.Error("expected the kernel's high PML4 entry to be copied into the new page set")
	}
	if userPML4[10].HasFlags(FlagPresent) {
		t.Error("expected the low (user) half to start zeroed, not copied from the kernel")
	}
}

func TestDestroyRefusesKernelPageSet(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	ks := newKernelTestSet(fh)

	if err := ks.Destroy(); err != ErrDestroyKernelPageSet {
		t.Fatalf("expected ErrDestroyKernelPageSet; got %v", err)
	}
}

func TestDestroyFreesUserHalfAndClearsMap(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	newKernelTestSet(fh)

	user, err := Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pml4Frame := user.pml4Physical

	userAddr := uintptr(0x0000000000400000)
	dataFrame := pmm.Frame(5)
	if _, err := user.Map(userAddr, dataFrame, 1, FlagPresent|FlagRW|FlagUser); err != nil {
		t.Fatalf("unexpected error mapping user page: %v", err)
	}

	if err := user.Destroy(); err != nil {
		t.Fatalf("unexpected error destroying: %v", err)
	}

	if _, ok := user.tableMap.Lookup(user.pml4Physical); ok {
		t.Error("expected PhyLinMap to be cleared after Destroy")
	}

	released := make(map[pmm.Frame]bool, len(fh.released))
	for _, f := range fh.released {
		released[f] = true
	}
	if !released[dataFrame] {
		t.Errorf("Destroy did not release the mapped data frame %v", dataFrame)
	}
	if !released[pml4Frame] {
		t.Errorf("Destroy did not release the PML4 frame %v", pml4Frame)
	}
	// Map's own PDPT/PD/PT intermediate tables must be released too, not
	// just the PML4 and the leaf data frame.
	if len(fh.released) < 4 {
		t.Errorf("expected at least 4 frames released (PML4 + PDPT + PD + PT), got %d: %v", len(fh.released), fh.released)
	}
}

func TestRouteForAddressConfinesUserPML4Range(t *testing.T) {
	fh := newFakeHardware()
	fh.install(t)
	newKernelTestSet(fh)

	user, err := Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// PML4 index 300 is in the kernel-only range; a user page set must
	// not be allowed to map through it directly (non-kernel-prefixed
	// address whose own index still falls in the upper half is nonsense,
	// but a direct out-of-range low-half index beyond PML4UserEntries
	// exercises the same guard).
	outOfRangeAddr := uintptr(mem.PML4UserEntries) << pageLevelShifts[0]
	if _, err := user.Map(outOfRangeAddr, pmm.Frame(1), 1, FlagPresent|FlagUser); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange; got %v", err)
	}
}
