// +build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// KernelOffset is the virtual address where the higher half (and
	// hence the kernel image) begins. Any linear address with this
	// prefix belongs to kernel space and is shared by every page set.
	KernelOffset = uintptr(0xffff800000000000)

	// LowMemoryReserved is the size of the physical memory region at
	// address 0 that the frame allocator never hands out; it holds the
	// kernel image, the early page tables and the boot stack.
	LowMemoryReserved = 4 * Mb

	// EarlyHeapSize is the size of the statically reserved buffer the
	// kernel heap bootstraps from before paging is initialized.
	EarlyHeapSize = 128 * Kb

	// KernelHeapBase is the start of the growable kernel heap region
	// once paging has been initialized. It lives inside the higher half
	// so it is visible from every page set.
	KernelHeapBase = KernelOffset + uintptr(0x0000100000000000)

	// KernelHeapGrowBuffer pads every heap growth request so repeated
	// small allocations don't each trigger a separate frame acquire.
	KernelHeapGrowBuffer = Size(16 * PageSize)

	// PhyLinMapBase is where the kernel maps intermediate page table
	// frames so they can be edited through a virtual alias.
	PhyLinMapBase = KernelOffset + uintptr(0x0000200000000000)

	// KernelAliasBase is the fixed region the kernel uses to temporarily
	// alias user-process physical pages into its own address space (used
	// by process_alloc_with_kernel).
	KernelAliasBase = KernelOffset + uintptr(0x0000300000000000)

	// ProcessHeapBase is the start of a process's growable heap in user
	// space.
	ProcessHeapBase = uintptr(0x0000000010000000)

	// UserStackTop is the initial stack pointer handed to every new
	// process; the 8 KiB user stack is mapped just below it.
	UserStackTop = uintptr(0x00007ffffffff000)

	// ArgvBase is the highest address argv layout is allowed to reach
	// down from; SetArgs subtracts its total byte count from this and
	// rounds down to a page boundary. Sits just below the user stack
	// region, mirroring process.c's intended_base literal.
	ArgvBase = uintptr(0x00007feeffffffff)

	// UserStackSize is the size of the stack allocated for a process's
	// initial thread.
	UserStackSize = Size(8 * Kb)

	// KernelStackSize is the size of the per-process kernel stack used
	// while executing on behalf of that process inside the kernel.
	KernelStackSize = Size(2 * Kb)

	// PML4UserEntries is the number of low PML4 slots (0..PML4UserEntries)
	// available to user page sets; the remaining high slots are the
	// shared kernel half.
	PML4UserEntries = 256

	// ArchiveBase is the kernel-space virtual address the boot archive
	// module is mapped read-only at, mirroring archive.c's ARCHIVE_OFFSET.
	ArchiveBase = KernelOffset + uintptr(0x0000400000000000)

	// ArchiveMmapBase is the user-space address mmap_archive maps the
	// archive into for the calling process.
	ArchiveMmapBase = uintptr(0x0000200000000000)
)
