package vmm

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/kheap"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/rbtree"
)

// phyLinMapNode is a {physical frame -> kernel-virtual address} entry,
// embedded as an intrusive red-black tree node keyed by frame number.
type phyLinMapNode struct {
	rbtree.Node
	frame pmm.Frame
	addr  uintptr
}

// PhyLinMap maps intermediate page-table physical frames to the virtual
// address the kernel uses to edit them. Intermediate tables are only
// reachable by physical address from their parent entry, so every page set
// keeps one of these to recover a writable alias.
type PhyLinMap struct {
	tree rbtree.Tree
}

// Insert records the virtual alias for a physical frame.
func (m *PhyLinMap) Insert(frame pmm.Frame, addr uintptr) *kernel.Error {
	ptr, err := kheap.AllocAligned(mem.Size(unsafe.Sizeof(phyLinMapNode{})), unsafe.Alignof(phyLinMapNode{}))
	if err != nil {
		return err
	}

	node := (*phyLinMapNode)(unsafe.Pointer(ptr))
	node.Node = rbtree.Node{}
	node.frame = frame
	node.addr = addr

	if m.tree.Root == nil {
		m.tree.Root = &node.Node
		return nil
	}

	cur := m.tree.Root
	for {
		owner := rbtree.Of[phyLinMapNode](cur)
		if frame < owner.frame {
			if cur.Left == nil {
				cur.Left = &node.Node
				node.Parent = cur
				break
			}
			cur = cur.Left
		} else {
			if cur.Right == nil {
				cur.Right = &node.Node
				node.Parent = cur
				break
			}
			cur = cur.Right
		}
	}

	m.tree.BalanceInsert(&node.Node)
	return nil
}

// Lookup returns the virtual alias registered for frame, if any.
func (m *PhyLinMap) Lookup(frame pmm.Frame) (uintptr, bool) {
	for node := m.tree.Root; node != nil; {
		owner := rbtree.Of[phyLinMapNode](node)
		switch {
		case frame == owner.frame:
			return owner.addr, true
		case frame < owner.frame:
			node = node.Left
		default:
			node = node.Right
		}
	}
	return 0, false
}

// Remove drops the mapping for frame, if present. The node's heap storage is
// not reclaimed (kheap.Free is a no-op); this matches the allocator's
// general bump-and-never-free design.
func (m *PhyLinMap) Remove(frame pmm.Frame) {
	for node := m.tree.Root; node != nil; {
		owner := rbtree.Of[phyLinMapNode](node)
		switch {
		case frame == owner.frame:
			m.tree.Delete(node)
			return
		case frame < owner.frame:
			node = node.Left
		default:
			node = node.Right
		}
	}
}

// Clear drops every entry at once, used when a page set is destroyed.
func (m *PhyLinMap) Clear() {
	m.tree = rbtree.Tree{}
}
