// Package broker implements the untrusted->trusted syscall boundary
// described by SPEC_FULL.md §4.4/§6: a fixed-size table of handlers
// indexed by syscall number, argument validation and user<->system address
// translation, copy-in/copy-out, and dispatch into the cage/vm/desc
// components.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cagerun/cage"
)

// MaxSyscalls bounds the dense handler table (§6: "a numeric id in
// [0, MAX)").
const MaxSyscalls = 256

// Handler is a syscall implementation. It receives the calling thread and
// the six scalar arguments the caller passed to Dispatch (UserContext's
// SyscallArg scratch is not read), and returns the signed value handed back
// across the boundary: negative in [-4096,-1] is -errno, non-negative is a
// user-space return value (§6).
type Handler func(b *Broker, th *cage.Thread, args [6]uint64) int64

// Broker is the runtime's syscall entry point. One Broker is created per
// Runtime and registers the full operation set §4.4 names.
type Broker struct {
	rt         *cage.Runtime
	handlers   [MaxSyscalls]Handler
	registered [MaxSyscalls]bool
	tracer     trace.Tracer
}

// New constructs a Broker over rt with every default handler set to
// ENOSYS, then registers the full operation table.
func New(rt *cage.Runtime) *Broker {
	b := &Broker{rt: rt, tracer: otel.Tracer("github.com/cagerun/cage/internal/broker")}
	for i := range b.handlers {
		b.handlers[i] = enosysHandler
	}
	registerAll(b)
	return b
}

func enosysHandler(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return int64(cage.ENOSYS)
}

// AddSyscall registers handler at syscall number n. Redundant registration
// (n already bound to something other than the default ENOSYS handler) is
// a fatal programming error, per §6 and the design notes' instruction to
// "keep the table; ensure... that re-registration is a fatal programming
// error".
func (b *Broker) AddSyscall(n int, name string, handler Handler) {
	if n < 0 || n >= MaxSyscalls {
		cage.Fatal("AddSyscall", fmt.Sprintf("syscall number %d out of range [0,%d)", n, MaxSyscalls))
	}
	if b.registered[n] {
		cage.Fatal("AddSyscall", fmt.Sprintf("syscall number %d (%s) already registered", n, name))
	}
	b.handlers[n] = handler
	b.registered[n] = true
	syscallNames[n] = name
}

var syscallNames = map[int]string{}

// Dispatch is the single trap entry point: untrusted code traps in with a
// syscall number, the broker resolves thread->cage (implicit in th),
// passes args through, invokes the handler, and returns its result. Per §4
// ("Control flow per untrusted call") a span is opened around the call for
// observability — the broker's one ambient, always-on instrumentation
// hook.
func (b *Broker) Dispatch(ctx context.Context, th *cage.Thread, n int, args [6]uint64) int64 {
	if n < 0 || n >= MaxSyscalls {
		return int64(cage.ENOSYS)
	}
	name := syscallNames[n]
	if name == "" {
		name = fmt.Sprintf("syscall_%d", n)
	}
	ctx, span := b.tracer.Start(ctx, "syscall."+name,
		trace.WithAttributes(
			attribute.Int64("cage.id", th.Cage().ID()),
			attribute.Int64("cage.thread_num", int64(th.ThreadNum())),
		))
	defer span.End()

	ret := b.handlers[n](b, th, args)
	if ret < 0 {
		span.SetAttributes(attribute.Int64("cage.errno", ret))
		slog.DebugContext(ctx, "broker.Dispatch", "syscall", name, "cage", th.Cage().ID(), "errno", ret)
		if ret == int64(cage.EFAULT) && th.Cage().EnableExceptionHandling {
			reportFault(b, th, int32(ret))
		}
	}
	return ret
}

// Runtime exposes the underlying *cage.Runtime to handler implementations
// in other files of this package.
func (b *Broker) Runtime() *cage.Runtime { return b.rt }

func registerAll(b *Broker) {
	registerMemSyscalls(b)
	registerFDSyscalls(b)
	registerSyncSyscalls(b)
	registerIMCSyscalls(b)
	registerThreadSyscalls(b)
	registerTimeSyscalls(b)
	registerExceptionSyscalls(b)
	registerLifecycleSyscalls(b)
}
