package vmm

import (
	"math/rand"
	"testing"

	"github.com/devyn/kit/kernel/mem/kheap"
	"github.com/devyn/kit/kernel/mem/pmm"
)

func TestPhyLinMapInsertAndLookup(t *testing.T) {
	kheap.Init()

	var m PhyLinMap
	if err := m.Insert(pmm.Frame(5), 0xf000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Insert(pmm.Frame(2), 0x2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Insert(pmm.Frame(9), 0x9000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, ok := m.Lookup(pmm.Frame(2)); !ok || got != 0x2000 {
		t.Errorf("expected frame 2 -> 0x2000; got %x, ok=%v", got, ok)
	}
	if got, ok := m.Lookup(pmm.Frame(9)); !ok || got != 0x9000 {
		t.Errorf("expected frame 9 -> 0x9000; got %x, ok=%v", got, ok)
	}
	if _, ok := m.Lookup(pmm.Frame(42)); ok {
		t.Error("expected lookup of an unregistered frame to miss")
	}
}

func TestPhyLinMapRemove(t *testing.T) {
	kheap.Init()

	var m PhyLinMap
	if err := m.Insert(pmm.Frame(1), 0x1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Remove(pmm.Frame(1))

	if _, ok := m.Lookup(pmm.Frame(1)); ok {
		t.Error("expected frame to be gone after Remove")
	}

	// Removing something never inserted is a no-op, not a crash.
	m.Remove(pmm.Frame(123))
}

func TestPhyLinMapClear(t *testing.T) {
	kheap.Init()

	var m PhyLinMap
	for i := pmm.Frame(0); i < 20; i++ {
		if err := m.Insert(i, uintptr(i)*0x1000); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	m.Clear()

	for i := pmm.Frame(0); i < 20; i++ {
		if _, ok := m.Lookup(i); ok {
			t.Errorf("expected frame %d to be gone after Clear", i)
		}
	}
}

func TestPhyLinMapManyEntriesSurviveRandomOrder(t *testing.T) {
	kheap.Init()

	r := rand.New(rand.NewSource(7))
	frames := r.Perm(200)

	var m PhyLinMap
	for _, f := range frames {
		if err := m.Insert(pmm.Frame(f), uintptr(f)*0x1000+1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	for _, f := range frames {
		want := uintptr(f)*0x1000 + 1
		got, ok := m.Lookup(pmm.Frame(f))
		if !ok || got != want {
			t.Fatalf("frame %d: expected %x, got %x (ok=%v)", f, want, got, ok)
		}
	}
}
