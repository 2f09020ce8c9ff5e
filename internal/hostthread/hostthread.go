// Package hostthread implements the host-thread collaborator interface
// (§6: thread_ctor, thread_join, thread_timed_join, thread_exit,
// thread_yield, thread_nice). The runtime multiplexes host threads onto
// cage threads one-to-one, so a Host here is simply a goroutine pinned to
// an OS thread with a done channel the join calls wait on.
package hostthread

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// ErrTimeout is returned by TimedJoin when the deadline elapses first.
var ErrTimeout = errors.New("hostthread: join timed out")

// Host is one host thread backing exactly one cage thread, per §3's
// "exactly one host thread per thread object once host_thread_is_defined".
type Host struct {
	done chan struct{}
	err  error
}

// Ctor launches entry on a new, OS-thread-locked goroutine and returns the
// Host handle immediately; entry runs concurrently. Locking the goroutine
// to its OS thread matters here because the untrusted side of a cage
// thread owns raw register/TLS state that must not migrate between host
// threads mid-flight.
func Ctor(entry func()) *Host {
	h := &Host{done: make(chan struct{})}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(h.done)
		entry()
	}()
	return h
}

// Join blocks until the host thread exits.
func (h *Host) Join() error {
	<-h.done
	return h.err
}

// TimedJoin blocks until the host thread exits or deadline passes,
// whichever is first (§4.4 waitpid's "1-second timeout rotation",
// §5 "timed_wait and timed_join take explicit deadlines").
func (h *Host) TimedJoin(ctx context.Context, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-h.done:
		return h.err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exited reports whether the host thread has already finished, without
// blocking.
func (h *Host) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Yield is the host_thread.thread_yield collaborator: hint the scheduler
// to run something else. Go's runtime.Gosched is the closest equivalent
// available without invoking a specific OS primitive.
func Yield() {
	runtime.Gosched()
}

// Nice is the host_thread.thread_nice collaborator (§6). Go exposes no
// portable thread-priority knob, so this is a best-effort no-op that never
// fails loudly — matching the spec's framing of thread_nice as advisory
// ("returns errno" but the broker treats failure as non-fatal).
func Nice(delta int) error {
	return nil
}
