// Package allocator implements the kernel's physical frame allocator: a
// size-ordered red-black tree of free contiguous page regions.
//
// Unlike the bump-only bootstrap allocator an early kernel typically starts
// with (see gopheros/kernel/mem/pmm/allocator/bootmem.go for that shape),
// this allocator supports release as well as acquire, which the page-set
// engine and process subsystem both need once user address spaces start
// tearing down intermediate page tables and process heaps.
package allocator

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/hal/multiboot"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/kheap"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/rbtree"
)

// regionNode is a free contiguous run of physical pages, tracked in the
// global free tree keyed by pages (size-ordered, so Acquire can do a
// best-fit-by-size search without a separate index).
type regionNode struct {
	rbtree.Node
	base  pmm.Frame
	pages uint64
}

var (
	freeTree  rbtree.Tree
	totalFree uint64

	errOutOfMemory = &kernel.Error{Module: "frame_alloc", Message: "out of memory"}
)

// TotalFree returns the number of free pages currently tracked by the
// allocator. It always equals the sum of `pages` over every node in the
// free tree.
func TotalFree() uint64 {
	return totalFree
}

// Initialize scans the Multiboot memory map and releases every available
// range into the free tree, after rounding up to page boundaries and
// excluding the reserved low-memory region that holds the kernel image and
// the early page tables.
func Initialize() *kernel.Error {
	var initErr *kernel.Error

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		pageSizeMinus1 := uint64(mem.PageSize) - 1
		startAddr := (region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1
		endAddr := (region.PhysAddress + region.Length) &^ pageSizeMinus1

		if startAddr < uint64(mem.LowMemoryReserved) {
			startAddr = uint64(mem.LowMemoryReserved)
		}
		if endAddr <= startAddr {
			return true
		}

		pages := (endAddr - startAddr) / uint64(mem.PageSize)
		if err := Release(pmm.Frame(startAddr>>mem.PageShift), pages); err != nil {
			initErr = err
			return false
		}
		return true
	})

	return initErr
}

// Acquire finds the smallest free region with at least `pages` contiguous
// frames and removes that many pages from it, returning the base frame of
// the granted run and the number of pages actually granted. granted may be
// less than pages (including zero) only when no single run of the
// requested size exists; callers should loop, coalesce across multiple
// runs, or treat a partial/zero grant as out-of-memory.
func Acquire(pages uint64) (base pmm.Frame, granted uint64) {
	if pages == 0 {
		return pmm.InvalidFrame, 0
	}

	// Binary search for the left-most node whose pages is >= the
	// request: descend right while the current node is too small, left
	// (remembering the node as a candidate) while it's big enough, since
	// a smaller-but-still-sufficient match may exist further down.
	var candidate *rbtree.Node
	for node := freeTree.Root; node != nil; {
		owner := rbtree.Of[regionNode](node)
		if owner.pages >= pages {
			candidate = node
			node = node.Left
		} else {
			node = node.Right
		}
	}

	if candidate == nil {
		// Last resort: no single region is large enough, so hand out the
		// largest one whole and leave the rest of the request to the caller.
		for node := freeTree.Root; node != nil; node = node.Right {
			candidate = node
		}
		if candidate == nil {
			return pmm.InvalidFrame, 0
		}
	}

	owner := rbtree.Of[regionNode](candidate)

	if owner.pages <= pages {
		freeTree.Delete(candidate)
		totalFree -= owner.pages
		return owner.base, owner.pages
	}

	// Larger: trim from the high end of the region. The subtraction MUST
	// happen before computing the granted base (see the frame-allocator
	// sequencing note this module's design ledger captures) -- the
	// original C allocator had a bug here once where the base was
	// computed using the pre-subtraction page count.
	freeTree.Delete(candidate)
	owner.pages -= pages
	grantedBase := owner.base.Address() + uintptr(owner.pages)*uintptr(mem.PageSize)
	insertNode(owner)

	totalFree -= pages
	return pmm.FrameFromAddress(grantedBase), pages
}

// AllocFrame acquires a single physical frame. It satisfies the
// pmm single-frame allocator shape the page-set engine's Map walker needs
// for allocating intermediate page tables.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	base, granted := Acquire(1)
	if granted != 1 {
		return pmm.InvalidFrame, errOutOfMemory
	}
	return base, nil
}

// Release returns `pages` contiguous frames starting at base to the free
// tree. Released regions are not coalesced with their neighbours: a known
// looseness traded for a simpler allocator (see the design ledger).
func Release(base pmm.Frame, pages uint64) *kernel.Error {
	if pages == 0 {
		return nil
	}

	ptr, err := kheap.AllocAligned(mem.Size(unsafe.Sizeof(regionNode{})), unsafe.Alignof(regionNode{}))
	if err != nil {
		return err
	}

	node := (*regionNode)(unsafe.Pointer(ptr))
	node.Node = rbtree.Node{}
	node.base = base
	node.pages = pages

	insertNode(node)
	totalFree += pages
	return nil
}

// insertNode performs a plain BST insert keyed by pages (ties broken
// arbitrarily -- any traversal order over equal-size regions satisfies
// correctness) and then rebalances.
func insertNode(n *regionNode) {
	if freeTree.Root == nil {
		freeTree.Root = &n.Node
		return
	}

	cur := freeTree.Root
	for {
		owner := rbtree.Of[regionNode](cur)
		if n.pages < owner.pages {
			if cur.Left == nil {
				cur.Left = &n.Node
				n.Parent = cur
				break
			}
			cur = cur.Left
		} else {
			if cur.Right == nil {
				cur.Right = &n.Node
				n.Parent = cur
				break
			}
			cur = cur.Right
		}
	}

	freeTree.BalanceInsert(&n.Node)
}
