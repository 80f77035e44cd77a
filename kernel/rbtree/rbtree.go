// Package rbtree implements a generic intrusive red-black tree.
//
// The implementation follows the classic Cormen/Linux-kernel shape: nodes
// carry parent/child pointers and a colour bit but no key and no payload.
// Callers embed Node as the first field of their own struct, walk the tree
// themselves using their own comparison function to find the insertion
// point, link the new node into place and then call BalanceInsert to
// restore the red-black invariants. This mirrors
// kernel/rbtree.c/kernel/include/rbtree.h from the original C sources: the
// package intentionally avoids any notion of a key or a Less function so it
// can back the frame free-list (keyed by size), the physical-to-virtual
// table map (keyed by frame number) and the process table (keyed by id)
// without three separate implementations.
//
// Invariants maintained after every BalanceInsert/Delete:
//   - the root is black
//   - a red node never has a red child (nil children count as black)
//   - every root-to-nil path contains the same number of black nodes
package rbtree

// Color is the colour of a tree node.
type Color uint8

const (
	// Black is the colour assigned to the root and to every nil leaf.
	Black Color = iota
	// Red marks a node that may still need rebalancing against its parent.
	Red
)

// Node is the intrusive tree link. Embed it as the first field of the
// payload struct and use Of to recover the payload from a *Node.
type Node struct {
	color  Color
	Parent *Node
	Left   *Node
	Right  *Node
}

// Tree is a red-black tree rooted at Root. The zero value is an empty tree.
type Tree struct {
	Root *Node
}

func colorOf(n *Node) Color {
	if n == nil {
		return Black
	}
	return n.color
}

func (t *Tree) rotateLeft(x *Node) {
	y := x.Right
	x.Right = y.Left
	if y.Left != nil {
		y.Left.Parent = x
	}
	y.Parent = x.Parent
	switch {
	case x.Parent == nil:
		t.Root = y
	case x == x.Parent.Left:
		x.Parent.Left = y
	default:
		x.Parent.Right = y
	}
	y.Left = x
	x.Parent = y
}

func (t *Tree) rotateRight(x *Node) {
	y := x.Left
	x.Left = y.Right
	if y.Right != nil {
		y.Right.Parent = x
	}
	y.Parent = x.Parent
	switch {
	case x.Parent == nil:
		t.Root = y
	case x == x.Parent.Right:
		x.Parent.Right = y
	default:
		x.Parent.Left = y
	}
	y.Right = x
	x.Parent = y
}

// BalanceInsert restores the red-black invariants after the caller has
// linked node into the tree at its comparison-determined position (setting
// node.Parent and either parent.Left or parent.Right to node, and leaving
// node.Left/node.Right nil). If the tree was empty, pass a nil parent
// beforehand and set t.Root = node before calling BalanceInsert.
func (t *Tree) BalanceInsert(node *Node) {
	node.color = Red

	for node.Parent != nil && node.Parent.color == Red {
		parent := node.Parent
		grandparent := parent.Parent
		if grandparent == nil {
			break
		}

		if parent == grandparent.Left {
			uncle := grandparent.Right
			if colorOf(uncle) == Red {
				parent.color = Black
				uncle.color = Black
				grandparent.color = Red
				node = grandparent
				continue
			}

			if node == parent.Right {
				node = parent
				t.rotateLeft(node)
				parent = node.Parent
				grandparent = parent.Parent
			}

			parent.color = Black
			grandparent.color = Red
			t.rotateRight(grandparent)
		} else {
			uncle := grandparent.Left
			if colorOf(uncle) == Red {
				parent.color = Black
				uncle.color = Black
				grandparent.color = Red
				node = grandparent
				continue
			}

			if node == parent.Left {
				node = parent
				t.rotateRight(node)
				parent = node.Parent
				grandparent = parent.Parent
			}

			parent.color = Black
			grandparent.color = Red
			t.rotateLeft(grandparent)
		}
	}

	t.Root.color = Black
}

// First returns the left-most (smallest by the caller's ordering) node in
// the tree, or nil if the tree is empty.
func (t *Tree) First() *Node {
	n := t.Root
	if n == nil {
		return nil
	}
	for n.Left != nil {
		n = n.Left
	}
	return n
}

// Successor returns the in-order successor of node, or nil if node is the
// last node in the tree.
func Successor(node *Node) *Node {
	if node == nil {
		return nil
	}

	if node.Right != nil {
		n := node.Right
		for n.Left != nil {
			n = n.Left
		}
		return n
	}

	n, parent := node, node.Parent
	for parent != nil && n == parent.Right {
		n, parent = parent, parent.Parent
	}
	return parent
}

// transplant replaces the subtree rooted at u with the subtree rooted at v.
func (t *Tree) transplant(u, v *Node) {
	switch {
	case u.Parent == nil:
		t.Root = v
	case u == u.Parent.Left:
		u.Parent.Left = v
	default:
		u.Parent.Right = v
	}
	if v != nil {
		v.Parent = u.Parent
	}
}

// Delete detaches node from the tree and rebalances. It does not free or
// otherwise touch the memory backing node; callers own that.
func (t *Tree) Delete(node *Node) {
	y := node
	yOriginalColor := y.color
	var x, xParent *Node

	switch {
	case node.Left == nil:
		x = node.Right
		xParent = node.Parent
		t.transplant(node, node.Right)
	case node.Right == nil:
		x = node.Left
		xParent = node.Parent
		t.transplant(node, node.Left)
	default:
		y = node.Right
		for y.Left != nil {
			y = y.Left
		}
		yOriginalColor = y.color
		x = y.Right

		if y.Parent == node {
			xParent = y
		} else {
			xParent = y.Parent
			t.transplant(y, y.Right)
			y.Right = node.Right
			y.Right.Parent = y
		}

		t.transplant(node, y)
		y.Left = node.Left
		y.Left.Parent = y
		y.color = node.color
	}

	if yOriginalColor == Black {
		t.deleteFixup(x, xParent)
	}

	node.Parent, node.Left, node.Right = nil, nil, nil
}

// deleteFixup restores the red-black invariants after a black node has been
// removed. x may be nil, in which case xParent identifies where it would
// have hung so sibling lookups still work.
func (t *Tree) deleteFixup(x, xParent *Node) {
	for x != t.Root && colorOf(x) == Black && xParent != nil {
		if x == xParent.Left {
			sibling := xParent.Right
			if colorOf(sibling) == Red {
				sibling.color = Black
				xParent.color = Red
				t.rotateLeft(xParent)
				sibling = xParent.Right
			}

			if colorOf(sibling.Left) == Black && colorOf(sibling.Right) == Black {
				if sibling != nil {
					sibling.color = Red
				}
				x, xParent = xParent, xParent.Parent
				continue
			}

			if colorOf(sibling.Right) == Black {
				if sibling.Left != nil {
					sibling.Left.color = Black
				}
				sibling.color = Red
				t.rotateRight(sibling)
				sibling = xParent.Right
			}

			sibling.color = xParent.color
			xParent.color = Black
			if sibling.Right != nil {
				sibling.Right.color = Black
			}
			t.rotateLeft(xParent)
			x = t.Root
			xParent = nil
		} else {
			sibling := xParent.Left
			if colorOf(sibling) == Red {
				sibling.color = Black
				xParent.color = Red
				t.rotateRight(xParent)
				sibling = xParent.Left
			}

			if colorOf(sibling.Right) == Black && colorOf(sibling.Left) == Black {
				if sibling != nil {
					sibling.color = Red
				}
				x, xParent = xParent, xParent.Parent
				continue
			}

			if colorOf(sibling.Left) == Black {
				if sibling.Right != nil {
					sibling.Right.color = Black
				}
				sibling.color = Red
				t.rotateLeft(sibling)
				sibling = xParent.Left
			}

			sibling.color = xParent.color
			xParent.color = Black
			if sibling.Left != nil {
				sibling.Left.color = Black
			}
			t.rotateRight(xParent)
			x = t.Root
			xParent = nil
		}
	}

	if x != nil {
		x.color = Black
	}
}
