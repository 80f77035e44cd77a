// Package kheap implements the kernel's bump allocator.
//
// The allocator starts out serving memory from a small statically reserved
// buffer so that code running before paging is initialized (the frame
// allocator bootstrap, the early page directory setup) has somewhere to put
// its bookkeeping structures. Once paging is up, Relocate moves the heap to
// a growable high-half virtual region: whenever an allocation would run past
// the mapped end, Grow acquires fresh frames from the registered frame
// allocator, maps them immediately after the current end and advances the
// limit.
//
// free is deliberately a no-op (see Free below); this is a bump arena by
// design, matching kernel/mem_util.go's Memset/Memcopy primitives in spirit:
// cheap, allocation-light helpers rather than a general-purpose allocator.
package kheap

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
)

var (
	// earlyBuf backs the heap until Relocate is called.
	earlyBuf [mem.EarlyHeapSize]byte

	start uintptr
	end   uintptr
	limit uintptr

	// growing guards against a Grow call re-entering itself; nested
	// allocations made while growing are satisfied from the headroom
	// left by mem.KernelHeapGrowBuffer instead of recursing into GrowFn.
	growing bool

	growFn GrowFn

	errOutOfMemory   = &kernel.Error{Module: "kheap", Message: "out of memory"}
	errReentrantGrow = &kernel.Error{Module: "kheap", Message: "heap growth re-entered before completing"}
)

// GrowFn acquires physical frames and maps pageCount pages (PAGE_SIZE each,
// read-write, non-user, non-executable) starting at virtAddr. It returns the
// number of pages it actually mapped, which may be less than requested if
// the system is low on memory.
type GrowFn func(virtAddr uintptr, pageCount uint64) (mapped uint64, err *kernel.Error)

// Init sets up the heap to serve allocations from the static early buffer.
// Must be called before any other function in this package.
func Init() {
	start = uintptr(unsafe.Pointer(&earlyBuf[0]))
	end = start
	limit = start + uintptr(mem.EarlyHeapSize)
}

// SetGrowFunc registers the function used to extend the heap's backing
// storage once Relocate has moved it into growable virtual memory. Kept as
// a function variable (rather than an import of kernel/mem/pmm and
// kernel/mem/vmm) so this package has no dependency on either the frame
// allocator or the page-set engine; kmain wires the three together at boot.
func SetGrowFunc(fn GrowFn) {
	growFn = fn
}

// Relocate moves the heap to virtBase, which must already be page-aligned
// and backed by at least enough mapped memory to hold everything allocated
// so far. Used bytes are copied across; the limit becomes virtBase plus the
// amount of memory already in use, so the very next allocation that doesn't
// fit triggers a real Grow call.
func Relocate(virtBase uintptr) {
	used := end - start
	if used > 0 {
		kernel.Memcopy(start, virtBase, used)
	}
	start = virtBase
	end = virtBase + used
	limit = end
}

// Alloc reserves size bytes and returns a pointer to the start of the
// reservation, or an error if the heap could not be grown to fit it.
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return end, nil
	}

	need := end + uintptr(size)
	if need > limit {
		if err := grow(need); err != nil {
			return 0, err
		}
	}

	ptr := end
	end = need
	return ptr, nil
}

// AllocAligned reserves size bytes at an address that is a multiple of
// align, which must be a power of two. The gap between the previous end and
// the returned pointer is wasted (never reused; this is a bump allocator).
func AllocAligned(size mem.Size, align uintptr) (uintptr, *kernel.Error) {
	mask := align - 1
	aligned := (end + mask) &^ mask
	if aligned > end {
		if _, err := Alloc(mem.Size(aligned - end)); err != nil {
			return 0, err
		}
	}
	return Alloc(size)
}

// Free is a deliberate no-op. Reclaiming bump-allocated memory would require
// tracking live ranges the allocator doesn't keep; long-running workloads
// that need that are out of scope (see Non-goals).
func Free(uintptr, mem.Size) {}

// grow extends the mapped heap region so that `needed` becomes a valid
// address below the new limit.
func grow(needed uintptr) *kernel.Error {
	if growing {
		return errReentrantGrow
	}
	if growFn == nil {
		return errOutOfMemory
	}

	growing = true
	defer func() { growing = false }()

	wantBytes := mem.Size(needed-limit) + mem.KernelHeapGrowBuffer
	pages := (uint64(wantBytes) + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	mapped, err := growFn(limit, pages)
	if err != nil {
		return err
	}
	limit += uintptr(mapped) * uintptr(mem.PageSize)
	if needed > limit {
		return errOutOfMemory
	}
	return nil
}

// Len reports how many bytes are currently allocated.
func Len() mem.Size {
	return mem.Size(end - start)
}
