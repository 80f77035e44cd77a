// Package sched implements the cooperative process scheduler: a FIFO run
// queue of runnable processes and the Tick/Sleep/Wake operations that move
// processes between it and Current.
//
// Unlike a preemptive scheduler, nothing here ever interrupts a running
// process; a process only ever gives up the CPU by calling into a syscall
// that eventually calls Tick (directly, via Yield, or via Sleep).
package sched

import (
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/kfmt"
	"github.com/devyn/kit/kernel/proc"
)

// runQueueFront and runQueueBack hold the intrusive FIFO of runnable
// processes, threaded through Process.RunQueueNext.
var (
	runQueueFront *proc.Process
	runQueueBack  *proc.Process
)

// Enqueue appends process to the back of the run queue.
func Enqueue(p *proc.Process) {
	if runQueueBack == nil {
		runQueueFront = p
		runQueueBack = p
		p.SetRunQueueNext(nil)
	} else {
		runQueueBack.SetRunQueueNext(p)
		runQueueBack = p
	}
}

// Dequeue removes and returns the process at the front of the run queue, or
// nil if it is empty.
func Dequeue() *proc.Process {
	p := runQueueFront
	if p == nil {
		return nil
	}

	runQueueFront = p.RunQueueNext()
	p.SetRunQueueNext(nil)
	if runQueueFront == nil {
		runQueueBack = nil
	}
	return p
}

// Tick is the scheduler's single entry point, called by every syscall that
// may give up the CPU. Its logic is a direct port of scheduler_tick's
// three-step contract:
//
//  1. If Current is Running and not already blocked waiting for the run
//     queue, try to dequeue. If the queue is empty, Current keeps running.
//  2. If Current is nil or not Running, the CPU is idle: loop dequeuing,
//     sleeping on HLT with interrupts enabled between attempts, until a
//     process becomes runnable.
//  3. If the process dequeued differs from Current, re-enqueue Current (if
//     it is still Running) and switch to it.
func Tick() {
	if proc.Current != nil {
		if proc.Current.SchedWaiting() {
			return
		}

		var next *proc.Process
		for {
			next = Dequeue()
			if next != nil {
				break
			}
			if proc.Current.State() == proc.Running {
				return
			}

			proc.Current.SetSchedWaiting(true)
			cpu.EnableInterrupts()
			cpu.Halt()
			cpu.DisableInterrupts()
			proc.Current.SetSchedWaiting(false)
		}

		if next != proc.Current {
			if proc.Current.State() == proc.Running {
				Enqueue(proc.Current)
			}
			switchTo(next)
		}
		return
	}

	var next *proc.Process
	for next == nil {
		next = Dequeue()
		if next == nil {
			cpu.EnableInterrupts()
			cpu.Halt()
			cpu.DisableInterrupts()
		}
	}
	switchTo(next)
}

// Yield voluntarily gives up the remainder of Current's turn; it is Tick
// under another name, matching the syscall surface's separate yield entry
// point.
func Yield() {
	Tick()
}

// Sleep blocks Current until something calls Wake on it.
func Sleep() {
	proc.Current.SetState(proc.Sleeping)
	Tick()
}

// Wake moves a sleeping process back onto the run queue. It reports whether
// the process was actually sleeping.
func Wake(p *proc.Process) bool {
	if p.State() != proc.Sleeping {
		return false
	}
	p.SetState(proc.Running)
	Enqueue(p)
	return true
}

// switchTo rebinds the active page set and per-CPU kernel stack bookkeeping
// to next, then performs the low-level stack switch. The caller has already
// decided next should become Current.
func switchTo(next *proc.Process) {
	prev := proc.Current
	proc.Current = next

	next.PageSet().Switch()

	if prev == nil {
		var discard uintptr
		proc.Switch(&discard, next.KernelStackPointer())
		return
	}

	proc.Switch(prev.KernelStackPointerSlot(), next.KernelStackPointer())
}

// DumpRunQueue prints the id of Current followed by the id of every process
// sitting in the run queue, front to back. Used by the debug syscall.
func DumpRunQueue() {
	if proc.Current != nil {
		kfmt.Printf("current: %d\n", uint16(proc.Current.ID()))
	} else {
		kfmt.Printf("current: none\n")
	}
	kfmt.Printf("queue:")
	for p := runQueueFront; p != nil; p = p.RunQueueNext() {
		kfmt.Printf(" %d", uint16(p.ID()))
	}
	kfmt.Printf("\n")
}
