// Package sched implements per-CPU run queues, preemption bookkeeping, and
// sleep timers. Since processes here are goroutines, the scheduler's job
// is run-queue and preemption bookkeeping, not raw register save/restore:
// the Go runtime already multiplexes the underlying OS threads.
package sched

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrInterruptsHeld flags entering a syscall with hold_interrupts_depth
// non-zero.
var ErrInterruptsHeld = errors.New("sched: entered syscall with interrupts held")

// ThreadID identifies a schedulable thread; the sched package is agnostic
// to what a thread actually is (process.Thread owns that).
type ThreadID uint64

// ticksPerQuantum is how many preemption ticks a thread runs before the
// scheduler considers it for replacement.
const ticksPerQuantum = 10

type sleeper struct {
	tid      ThreadID
	deadline uint64 // ms since boot
	index    int
}

type sleepHeap []*sleeper

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h sleepHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *sleepHeap) Push(x interface{}) { s := x.(*sleeper); s.index = len(*h); *h = append(*h, s) }

func (h *sleepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]

	return s
}

// CPU is one hardware thread's scheduling state.
type CPU struct {
	ID                 int
	Current            ThreadID
	Idle               ThreadID
	TicksLeft          int
	InterruptHeldDepth int32
	runQueue           []ThreadID
}

// Scheduler owns every CPU's run queue plus the global dispatch queue and
// sleep min-heap.
type Scheduler struct {
	mu     sync.Mutex
	cpus   []*CPU
	global []ThreadID
	sleep  sleepHeap
}

// New creates a scheduler for n CPUs, each starting with idle thread id.
func New(n int, idle func(cpu int) ThreadID) *Scheduler {
	s := &Scheduler{cpus: make([]*CPU, n)}

	for i := 0; i < n; i++ {
		s.cpus[i] = &CPU{ID: i, Idle: idle(i), TicksLeft: ticksPerQuantum}
	}

	heap.Init(&s.sleep)

	return s
}

// CPU returns the per-CPU state for index i.
func (s *Scheduler) CPU(i int) *CPU {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cpus[i]
}

// EnqueueGlobal places tid on the shared dispatch queue, used for initial
// dispatch and load spill-over between CPUs.
func (s *Scheduler) EnqueueGlobal(tid ThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.global = append(s.global, tid)
}

// EnqueueLocal places tid directly on one CPU's run queue (e.g. a thread
// waking up pinned to the CPU it blocked on).
func (s *Scheduler) EnqueueLocal(cpu int, tid ThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cpus[cpu].runQueue = append(s.cpus[cpu].runQueue, tid)
}

// PickNext returns the next runnable thread for cpu: its own run queue
// first, then the global queue, then the idle thread.
func (s *Scheduler) PickNext(cpu int) ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cpus[cpu]

	if len(c.runQueue) > 0 {
		tid := c.runQueue[0]
		c.runQueue = c.runQueue[1:]
		c.TicksLeft = ticksPerQuantum
		c.Current = tid

		return tid
	}

	if len(s.global) > 0 {
		tid := s.global[0]
		s.global = s.global[1:]
		c.TicksLeft = ticksPerQuantum
		c.Current = tid

		return tid
	}

	c.Current = c.Idle

	return c.Idle
}

// Tick decrements cpu's ticks-left counter on a preemption-timer
// interrupt and reports whether the current thread should yield.
func (s *Scheduler) Tick(cpu int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cpus[cpu]
	if c.Current == c.Idle {
		return false
	}

	c.TicksLeft--

	return c.TicksLeft <= 0
}

// HoldInterrupts raises cpu's interrupt-held depth, the discipline kernel
// code uses around spinlocks.
func (s *Scheduler) HoldInterrupts(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cpus[cpu].InterruptHeldDepth++
}

// ReleaseInterrupts lowers cpu's interrupt-held depth.
func (s *Scheduler) ReleaseInterrupts(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cpus[cpu].InterruptHeldDepth--
}

// CheckSyscallEntry checks that interrupts are not held on syscall entry;
// callers should treat a non-nil error as a kernel panic.
func (s *Scheduler) CheckSyscallEntry(cpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cpus[cpu].InterruptHeldDepth != 0 {
		return ErrInterruptsHeld
	}

	return nil
}

// Sleep places tid in the min-heap keyed by deadline (ms since boot).
func (s *Scheduler) Sleep(tid ThreadID, deadlineMS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	heap.Push(&s.sleep, &sleeper{tid: tid, deadline: deadlineMS})
}

// WakeExpired drains every sleeper whose deadline is <= now and returns
// their thread IDs for re-enqueue, called from the timer tick before
// picking the next task.
func (s *Scheduler) WakeExpired(nowMS uint64) []ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var woken []ThreadID

	for s.sleep.Len() > 0 && s.sleep[0].deadline <= nowMS {
		sl := heap.Pop(&s.sleep).(*sleeper)
		woken = append(woken, sl.tid)
	}

	return woken
}
