package cage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cagerun/cage/internal/hostthread"
)

// SuspendState is a thread's trusted/untrusted/suspended state (§3).
type SuspendState int

const (
	Trusted SuspendState = iota
	Untrusted
	Suspended
)

// UserContext captures a user execution context: registers, stacks, TLS
// slots, callee-saved registers, syscall-arg scratch (§3). The concrete
// register layout is host-ABI-specific and out of this runtime's scope
// (§1: "binary compatibility with any specific ABI" is a non-goal beyond
// what the data model dictates) — this struct models exactly the fields
// the broker and fork/exec paths need to read or overwrite.
type UserContext struct {
	PC, SP, FP uintptr
	TLS1, TLS2 uintptr
	Callee     [8]uintptr // callee-saved register scratch
	SyscallArg [6]uint64  // argument scratch the broker pulls scalars from
	ReturnVal  int64      // primary return register (fork's 0-in-child lives here)
}

// Thread is an AppThread: one user execution context layered over one
// host thread (§3).
type Thread struct {
	cage      *Cage
	threadNum int32

	mu           sync.Mutex
	userCtx      UserContext
	suspendState SuspendState
	suspended    *UserContext // snapshot taken while suspended, if any

	tlsSlot int32

	faultSignal     int32
	exceptionStack  uint64
	exceptionFlag   bool

	host *hostthread.Host
}

func (t *Thread) Cage() *Cage        { return t.cage }
func (t *Thread) ThreadNum() int32   { return t.threadNum }
func (t *Thread) TLSSlot() int32     { return t.tlsSlot }

func (t *Thread) SuspendState() SuspendState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendState
}

func (t *Thread) setSuspendState(s SuspendState) {
	t.mu.Lock()
	t.suspendState = s
	t.mu.Unlock()
}

// Context returns a copy of the thread's current user context.
func (t *Thread) Context() UserContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userCtx
}

// SetContext overwrites the thread's user context (used by fork to overlay
// a snapshot of the parent's context onto the child, §4.8).
func (t *Thread) SetContext(ctx UserContext) {
	t.mu.Lock()
	t.userCtx = ctx
	t.mu.Unlock()
}

// Suspend captures a register snapshot and marks the thread suspended.
// Suspension is a suspension point only in the sense that another thread
// may observe it (§5); this runtime never preempts a thread involuntarily,
// matching the non-goal "preemptive scheduling".
func (t *Thread) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.userCtx
	t.suspended = &snap
	t.suspendState = Suspended
}

func (t *Thread) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspended != nil {
		t.userCtx = *t.suspended
		t.suspended = nil
	}
	t.suspendState = Untrusted
}

// threadMake allocates a thread object, reserves a TLS index, and installs
// it in the cage's thread table under threads_mu (§4.5 thread_make /
// "enters the table after thread_num is assigned under the cage's
// threads_mu").
func (c *Cage) threadMake() (*Thread, error) {
	c.threadsMu.Lock()
	num := c.nextTID
	c.nextTID++
	th := &Thread{cage: c, threadNum: num, suspendState: Trusted}
	c.threads[num] = th
	c.threadsMu.Unlock()

	th.tlsSlot = c.rt.reserveTLSSlot(th)
	return th, nil
}

// SetExceptionStack installs the calling thread's alternate fault-dispatch
// stack (§4.4's exception_stack).
func (t *Thread) SetExceptionStack(addr uint64) {
	t.mu.Lock()
	t.exceptionStack = addr
	t.mu.Unlock()
}

// ClearExceptionFlag clears the thread's in-exception flag (§4.4's
// exception_clear_flag), letting a finished handler resume dispatch.
func (t *Thread) ClearExceptionFlag() {
	t.mu.Lock()
	t.exceptionFlag = false
	t.mu.Unlock()
}

// NewThread creates an additional thread in the cage (§4.4's thread_create:
// a running cage starting a sibling thread, as opposed to threadMake's use
// from Fork/Execve for a cage's first thread).
func (c *Cage) NewThread() (*Thread, error) {
	return c.threadMake()
}

// Launch runs entry on a fresh host thread via thread_launcher (§4.5):
// transition trusted -> untrusted, hand control to entry, and run teardown
// when entry returns. No signal stack is registered (signal/exception
// dispatch internals are out of scope, §1) and no TLS is set here; the
// thread's TLS slot is reserved earlier, in threadMake.
func (th *Thread) Launch(entry func(*Thread)) {
	th.host = hostthread.Ctor(func() {
		defer th.teardown()
		th.setSuspendState(Untrusted)
		entry(th)
	})
}

// Join blocks until the thread's host thread exits.
func (th *Thread) Join() error {
	return th.host.Join()
}

// TimedJoin is used by waitpid's time-sliced rotation (§4.4).
func (th *Thread) TimedJoin(deadline time.Time) error {
	return th.host.TimedJoin(context.Background(), deadline)
}

// Exited reports whether the thread's host thread has already finished.
func (th *Thread) Exited() bool { return th.host.Exited() }

// teardown runs thread_teardown (§4.5), without holding any lock on entry.
func (th *Thread) teardown() {
	c := th.cage

	// Step 1: if the cage has a parent, take and release the parent's
	// childrenMu. No child counter or condition is touched here, and this
	// runtime does not block process-wide on a "master" condition the way
	// the source does (§9: global mutable tables are re-architected away):
	// the parent's children set shrinks in teardownCage (removeChild), and
	// a parent blocked in WaitPid wakes when teardownCage closes the cage's
	// exited channel.
	if parent, ok := c.Parent(); ok {
		parent.childrenMu.Lock()
		parent.childrenMu.Unlock()
	}

	// Step 2: the cage's own children are not waited for here. A child is
	// observed as finished through WaitPid, which blocks on the child's
	// exited channel; teardown of a cage whose children are still running
	// proceeds without reaping them (this runtime is a library and cannot
	// force callers to reap).

	// Step 3: notify the debug stub of thread exit. The debug stub itself
	// is an out-of-scope external collaborator (§1); this runtime's hook
	// point is Runtime.releaseTLSSlot, invoked next.

	// Step 4: clear the global thread-index entry, remove from the cage's
	// thread table, and destroy the thread object.
	c.rt.releaseTLSSlot(th.tlsSlot)
	c.threadsMu.Lock()
	delete(c.threads, th.threadNum)
	remaining := len(c.threads)
	c.threadsMu.Unlock()

	if remaining == 0 {
		c.teardownCage()
	}
}

// teardownCage is reached when a cage's last thread exits (§4.6:
// "Destruction: last thread's teardown path is the unique destroyer").
func (c *Cage) teardownCage() {
	c.setRunState(StateExiting)
	c.Descriptors.CloseAll()
	c.rt.unregister(c.id)
	close(c.exited)

	if parent, ok := c.Parent(); ok {
		parent.removeChild(c.id)
	}
}

// ThreadByNum looks up a thread within the cage.
func (c *Cage) ThreadByNum(num int32) *Thread {
	c.threadsMu.Lock()
	defer c.threadsMu.Unlock()
	return c.threads[num]
}

// NumThreads reports the cage's live thread count.
func (c *Cage) NumThreads() int {
	c.threadsMu.Lock()
	defer c.threadsMu.Unlock()
	return len(c.threads)
}

// Exited is closed once the cage's last thread has torn down.
func (c *Cage) Exited() <-chan struct{} { return c.exited }

// ExitCode returns the exit code reported by Exit, valid only after Exited
// is closed.
func (c *Cage) ExitCode() int32 {
	c.exitCodeMu.Lock()
	defer c.exitCodeMu.Unlock()
	return c.exitCode
}

// reportExit records a cage's exit code (§4.4 "exit": "reports the exit
// code to the cage and tears down the calling thread").
func (c *Cage) reportExit(code int32) {
	c.exitCodeMu.Lock()
	c.exitCode = code
	c.exitCodeMu.Unlock()
}

var errNoSuchThread = fmt.Errorf("cage: no such thread")
