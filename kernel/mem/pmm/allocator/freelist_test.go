package allocator

import (
	"testing"

	"github.com/devyn/kit/kernel/mem/kheap"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/rbtree"
)

func resetAllocator(t *testing.T) {
	t.Helper()
	kheap.Init()
	freeTree = rbtree.Tree{}
	totalFree = 0
}

func TestAcquireExactMatchRemovesNode(t *testing.T) {
	resetAllocator(t)

	if err := Release(pmm.Frame(0), 16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base, granted := Acquire(16)
	if granted != 16 {
		t.Fatalf("expected to acquire 16 pages; got %d", granted)
	}
	if base != pmm.Frame(0) {
		t.Fatalf("expected base frame 0; got %v", base)
	}
	if TotalFree() != 0 {
		t.Fatalf("expected total_free to be 0 after exhausting the only region; got %d", TotalFree())
	}

	if _, granted := Acquire(1); granted != 0 {
		t.Fatalf("expected a second acquire against an empty tree to grant 0 pages; got %d", granted)
	}
}

func TestAcquireLargerRegionTrimsHighEnd(t *testing.T) {
	resetAllocator(t)

	if err := Release(pmm.Frame(0), 64); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base, granted := Acquire(16)
	if granted != 16 {
		t.Fatalf("expected to acquire 16 pages; got %d", granted)
	}

	// The region covered frames [0, 64); acquiring 16 must trim from the
	// high end, so the granted base is frame 48, not frame 0.
	if exp := pmm.Frame(48); base != exp {
		t.Fatalf("expected granted base %v (high end trimmed); got %v", exp, base)
	}
	if exp := uint64(64 - 16); TotalFree() != exp {
		t.Fatalf("expected total_free=%d; got %d", exp, TotalFree())
	}

	// The remaining 48 pages are still in the tree as [0, 48).
	base2, granted2 := Acquire(48)
	if granted2 != 48 || base2 != pmm.Frame(0) {
		t.Fatalf("expected to acquire the remaining 48 pages at base 0; got base=%v granted=%d", base2, granted2)
	}
}

func TestAcquireDecreasesTotalFreeByExactAmount(t *testing.T) {
	resetAllocator(t)

	if err := Release(pmm.Frame(100), 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := TotalFree()

	if _, granted := Acquire(16); granted != 16 {
		t.Fatalf("expected to acquire 16 pages; got %d", granted)
	}

	if TotalFree() != before-16 {
		t.Fatalf("expected total_free to drop by exactly 16; before=%d after=%d", before, TotalFree())
	}
}

func TestReleaseThenAcquireReusesSameBase(t *testing.T) {
	resetAllocator(t)

	if err := Release(pmm.Frame(1000), 16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base, granted := Acquire(16)
	if granted != 16 || base != pmm.Frame(1000) {
		t.Fatalf("expected first acquire to return base 1000; got base=%v granted=%d", base, granted)
	}

	if err := Release(base, granted); err != nil {
		t.Fatalf("unexpected error releasing: %v", err)
	}

	base2, granted2 := Acquire(16)
	if granted2 != 16 || base2 != pmm.Frame(1000) {
		t.Fatalf("expected re-acquire of a freshly released region to reuse the same base; got base=%v granted=%d", base2, granted2)
	}
}

func TestRoundTripPreservesTotalFree(t *testing.T) {
	resetAllocator(t)

	ranges := []struct {
		base, pages uint64
	}{
		{0, 10},
		{100, 50},
		{1000, 4},
	}
	var want uint64
	for _, r := range ranges {
		if err := Release(pmm.Frame(r.base), r.pages); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want += r.pages
	}

	var runs []struct {
		base   pmm.Frame
		pages  uint64
	}
	for remaining := want; remaining > 0; {
		base, granted := Acquire(1)
		if granted == 0 {
			t.Fatalf("ran out of memory with %d pages still expected", remaining)
		}
		runs = append(runs, struct {
			base  pmm.Frame
			pages uint64
		}{base, granted})
		remaining -= granted
	}

	if TotalFree() != 0 {
		t.Fatalf("expected total_free=0 after acquiring everything; got %d", TotalFree())
	}

	for _, r := range runs {
		if err := Release(r.base, r.pages); err != nil {
			t.Fatalf("unexpected error releasing: %v", err)
		}
	}

	if TotalFree() != want {
		t.Fatalf("expected total_free=%d after releasing every acquired run; got %d", want, TotalFree())
	}
}
