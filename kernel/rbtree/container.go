package rbtree

import "unsafe"

// Of recovers a pointer to a payload struct of type T from a pointer to the
// Node embedded as its first field. Callers must embed Node as the very
// first field of T; this mirrors the container_of pattern the original C
// sources use to walk from an rbtree_node_t back to the owning
// paging_pageset_t/process_t/free-region struct.
func Of[T any](n *Node) *T {
	if n == nil {
		return nil
	}
	return (*T)(unsafe.Pointer(n))
}
