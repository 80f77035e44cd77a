package keyboard

import "testing"

// resetQueue clears the ring buffer and modifier state between tests; the
// package keeps this state in globals, matching the teacher's own
// package-level state in kfmt's ring buffer tests.
func resetQueue(t *testing.T) {
	t.Helper()
	queueStart, queueEnd = 0, 0
	ctrlDown, altDown, shiftDown = false, false, false
	origWait, origWake := WaitFn, WakeFn
	WaitFn, WakeFn = nil, nil
	t.Cleanup(func() {
		WaitFn, WakeFn = origWait, origWake
	})
}

func TestEnqueueDequeueOrder(t *testing.T) {
	resetQueue(t)

	events := []Event{
		{Keycode: 1, Pressed: true},
		{Keycode: 2, Pressed: true},
		{Keycode: 2, Pressed: false},
	}
	for _, e := range events {
		if !Enqueue(e) {
			t.Fatalf("Enqueue(%v) = false, want true", e)
		}
	}

	for i, want := range events {
		got, ok := Dequeue()
		if !ok {
			t.Fatalf("Dequeue() #%d: ok = false, want true", i)
		}
		if got != want {
			t.Fatalf("Dequeue() #%d = %+v, want %+v", i, got, want)
		}
	}

	if _, ok := Dequeue(); ok {
		t.Fatal("Dequeue() on empty queue: ok = true, want false")
	}
}

func TestEnqueueFullQueueDrops(t *testing.T) {
	resetQueue(t)

	accepted := 0
	for i := 0; i < queueCapacity+10; i++ {
		if Enqueue(Event{Keycode: byte(i)}) {
			accepted++
		}
	}
	if accepted != queueCapacity-1 {
		t.Fatalf("accepted = %d, want %d (one slot always kept free to distinguish full from empty)", accepted, queueCapacity-1)
	}
}

func TestEnqueueCallsWakeFn(t *testing.T) {
	resetQueue(t)

	woken := 0
	WakeFn = func() { woken++ }

	Enqueue(Event{Keycode: 1})
	Enqueue(Event{Keycode: 2})

	if woken != 2 {
		t.Fatalf("WakeFn invocations = %d, want 2", woken)
	}
}

func TestWaitDequeueBlocksUntilAvailable(t *testing.T) {
	resetQueue(t)

	waits := 0
	WaitFn = func() {
		waits++
		Enqueue(Event{Keycode: 42, Pressed: true})
	}

	got := WaitDequeue()
	if got.Keycode != 42 {
		t.Fatalf("WaitDequeue() = %+v, want Keycode 42", got)
	}
	if waits != 1 {
		t.Fatalf("WaitFn invocations = %d, want 1", waits)
	}
}

func TestHandleKeypressTracksShiftState(t *testing.T) {
	resetQueue(t)

	handleKeypress(shiftKeycode)
	if !shiftDown {
		t.Fatal("shiftDown = false after pressing the shift keycode")
	}

	handleKeypress(0)
	event, ok := Dequeue()
	if !ok {
		t.Fatal("expected a queued event for the shift-key press itself")
	}
	if event.Keycode != shiftKeycode {
		t.Fatalf("first event keycode = %d, want shiftKeycode", event.Keycode)
	}

	event, ok = Dequeue()
	if !ok || !event.ShiftDown {
		t.Fatalf("second event ShiftDown = %v, want true (shift still held)", event.ShiftDown)
	}

	handleKeyrelease(shiftKeycode)
	if shiftDown {
		t.Fatal("shiftDown = true after releasing the shift keycode")
	}
}
