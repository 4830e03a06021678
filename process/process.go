// Package process implements Process and Thread kernel objects: address
// space, handle table, thread list, and exit propagation from a process's
// last thread exiting to the process's PROCESS_EXITED signal. Exit does
// not release the process's handle table or its VM region.
package process

import (
	"errors"
	"sync"

	"github.com/kvmkernel/kernel/handle"
	"github.com/kvmkernel/kernel/kobject"
	"github.com/kvmkernel/kernel/sched"
	"github.com/kvmkernel/kernel/vmo"
)

var ErrStillRunning = errors.New("process: still running")

// RunState is a thread's scheduling state.
type RunState int

const (
	Runnable RunState = iota
	Blocked
	Exited
)

// Process owns a VM region, a handle table, its threads, and the
// process-exited signal object.
type Process struct {
	mu         sync.Mutex
	PID        uint64
	Region     *vmo.Region
	Handles    *handle.Table
	Args       []byte
	threads    []*Thread
	exitCode   int64
	exited     bool
	signals    kobject.SignalState
}

// New creates a process with an empty thread list; the caller installs
// the conventional handles and enqueues the first thread afterward, as
// the process-spawn syscall path does after loading an ELF image.
func New(pid uint64, region *vmo.Region, args []byte) *Process {
	return &Process{
		PID:     pid,
		Region:  region,
		Handles: handle.NewTable(),
		Args:    args,
	}
}

// Type implements kobject.KObject.
func (p *Process) Type() kobject.Type { return kobject.TypeProcess }

// Signals implements kobject.KObject; PROCESS_EXITED fires here.
func (p *Process) Signals() *kobject.SignalState { return &p.signals }

// SpawnThread creates a new thread belonging to this process. Implements
// process_spawn_thread for both the first thread (from the loader) and
// later threads created by a running process.
func (p *Process) SpawnThread(tid uint64, entry, arg uint64) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := &Thread{TID: tid, Proc: p, Entry: entry, Arg: arg, State: Runnable}
	p.threads = append(p.threads, t)

	return t
}

// ExitCode implements process_exit_code: ErrStillRunning while any thread
// is alive, otherwise the code recorded when the last thread exited.
func (p *Process) ExitCode() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.exited {
		return 0, ErrStillRunning
	}

	return p.exitCode, nil
}

// threadExited removes t from the process's thread list and, if it was
// the last one, flips PROCESS_EXITED and records the exit code — the
// exit cascade a process goes through as its threads finish.
func (p *Process) threadExited(t *Thread, code int64) {
	p.mu.Lock()

	for i, other := range p.threads {
		if other == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)

			break
		}
	}

	last := len(p.threads) == 0
	if last {
		p.exited = true
		p.exitCode = code
	}

	p.mu.Unlock()

	if last {
		p.signals.Set(kobject.ProcessExited, true)
	}
}

// Kill marks every thread of p as interrupted, implementing the
// process-kill cancellation path: each blocked thread's syscall should
// return an "interrupted" result and the thread proceeds to exit. Closing
// killedCh both flips Interrupted() and, for a thread parked on a
// kobject.ThreadWaker, lets the caller cancel that wait separately.
func (p *Process) Kill() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)

	for _, t := range out {
		t.markKilled()
	}

	return out
}

func (t *Thread) markKilled() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.killedCh == nil {
		t.killedCh = make(chan struct{})
	}

	select {
	case <-t.killedCh:
	default:
		close(t.killedCh)
	}
}

// Thread owns saved register state (opaque to this package — the
// register file lives in syscalls.Dispatch's argument shape), a run
// state, and optionally the signal or futex it is currently blocked on.
type Thread struct {
	TID      uint64
	Proc     *Process
	Entry    uint64
	Arg      uint64
	State    RunState
	CPU      int
	waiter   *kobject.ThreadWaker
	signals  kobject.SignalState

	mu       sync.Mutex
	killedCh chan struct{}
}

// Type implements kobject.KObject.
func (t *Thread) Type() kobject.Type { return kobject.TypeThread }

// Signals implements kobject.KObject.
func (t *Thread) Signals() *kobject.SignalState { return &t.signals }

// Interrupted reports whether this thread's process has been killed while
// it was blocked, for the blocking syscall wrapper to check on wake.
func (t *Thread) Interrupted() bool {
	t.mu.Lock()
	ch := t.killedCh
	t.mu.Unlock()

	if ch == nil {
		return false
	}

	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Exit terminates this thread with the given code, cascading a process
// exit if it was the last one. Implements sys_exit.
func (t *Thread) Exit(code int64) {
	t.State = Exited
	t.Proc.threadExited(t, code)
}

// ScheduleID adapts TID to sched.ThreadID for the scheduler package,
// which is intentionally agnostic to what a thread actually is.
func (t *Thread) ScheduleID() sched.ThreadID {
	return sched.ThreadID(t.TID)
}
