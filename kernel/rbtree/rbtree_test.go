package rbtree

import (
	"math/rand"
	"testing"
)

type intNode struct {
	Node
	key int
}

func insert(tree *Tree, n *intNode) {
	if tree.Root == nil {
		tree.Root = &n.Node
		n.color = Black
		return
	}

	cur := tree.Root
	for {
		curOwner := Of[intNode](cur)
		if n.key < curOwner.key {
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
	tree.BalanceInsert(&n.Node)
}

// blackHeight returns the number of black nodes from n down to any nil leaf,
// and false if the two subtrees disagree (which would mean the black-depth
// invariant is broken).
func blackHeight(n *Node) (int, bool) {
	if n == nil {
		return 1, true
	}
	lh, lok := blackHeight(n.Left)
	rh, rok := blackHeight(n.Right)
	if !lok || !rok || lh != rh {
		return 0, false
	}
	add := 0
	if colorOf(n) == Black {
		add = 1
	}
	return lh + add, true
}

func noRedRedViolation(n *Node) bool {
	if n == nil {
		return true
	}
	if n.color == Red {
		if colorOf(n.Left) == Red || colorOf(n.Right) == Red {
			return false
		}
	}
	return noRedRedViolation(n.Left) && noRedRedViolation(n.Right)
}

func checkInvariants(t *testing.T, tree *Tree) {
	t.Helper()
	if tree.Root != nil && tree.Root.color != Black {
		t.Error("root is not black")
	}
	if !noRedRedViolation(tree.Root) {
		t.Error("found a red node with a red child")
	}
	if _, ok := blackHeight(tree.Root); !ok {
		t.Error("black height differs across root-to-nil paths")
	}
}

func inOrderKeys(tree *Tree) []int {
	var out []int
	for n := tree.First(); n != nil; n = Successor(n) {
		out = append(out, Of[intNode](n).key)
	}
	return out
}

func TestInsertMaintainsInvariants(t *testing.T) {
	var tree Tree
	rng := rand.New(rand.NewSource(1))

	keys := rng.Perm(200)
	nodes := make([]*intNode, len(keys))
	for i, k := range keys {
		nodes[i] = &intNode{key: k}
		insert(&tree, nodes[i])
		checkInvariants(t, &tree)
	}

	got := inOrderKeys(&tree)
	if len(got) != len(keys) {
		t.Fatalf("expected %d keys in-order, got %d", len(keys), len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("in-order traversal not ascending at index %d: %v", i, got)
		}
	}
}

func TestDeleteMaintainsInvariantsAndOrder(t *testing.T) {
	var tree Tree
	rng := rand.New(rand.NewSource(2))

	keys := rng.Perm(150)
	nodes := make(map[int]*intNode, len(keys))
	for _, k := range keys {
		n := &intNode{key: k}
		nodes[k] = n
		insert(&tree, n)
	}

	// Delete every third key and check invariants + ordering after each.
	remaining := map[int]bool{}
	for _, k := range keys {
		remaining[k] = true
	}

	for i, k := range keys {
		if i%3 != 0 {
			continue
		}
		tree.Delete(&nodes[k].Node)
		delete(remaining, k)
		checkInvariants(t, &tree)
	}

	got := inOrderKeys(&tree)
	if len(got) != len(remaining) {
		t.Fatalf("expected %d remaining keys, got %d", len(remaining), len(got))
	}
	for _, k := range got {
		if !remaining[k] {
			t.Fatalf("key %d should have been deleted", k)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("in-order traversal not ascending at index %d: %v", i, got)
		}
	}
}

func TestFirstOnEmptyTree(t *testing.T) {
	var tree Tree
	if n := tree.First(); n != nil {
		t.Error("expected First() on empty tree to return nil")
	}
}

func TestSuccessorOfLastNode(t *testing.T) {
	var tree Tree
	for _, k := range []int{5, 3, 8, 1, 4} {
		insert(&tree, &intNode{key: k})
	}

	n := tree.First()
	var last *Node
	for ; n != nil; n = Successor(n) {
		last = n
	}
	if Successor(last) != nil {
		t.Error("expected Successor of last node to be nil")
	}
}
