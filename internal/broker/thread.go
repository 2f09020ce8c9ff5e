package broker

import (
	"github.com/cagerun/cage"
)

func registerThreadSyscalls(b *Broker) {
	b.AddSyscall(SysTLSInit, "tls_init", sysTLSInit)
	b.AddSyscall(SysTLSGet, "tls_get", sysTLSGet)
	b.AddSyscall(SysSecondTLSSet, "second_tls_set", sysSecondTLSSet)
	b.AddSyscall(SysSecondTLSGet, "second_tls_get", sysSecondTLSGet)
	b.AddSyscall(SysThreadCreate, "thread_create", sysThreadCreate)
}

// sysTLSInit installs the calling thread's primary TLS base pointer
// (§4.4: "tls_init: establishes thread-pointer for the calling thread").
func sysTLSInit(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	ctx := th.Context()
	ctx.TLS1 = uintptr(args[0])
	th.SetContext(ctx)
	return 0
}

func sysTLSGet(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return int64(th.Context().TLS1)
}

// sysSecondTLSSet/Get manage the secondary TLS slot the source keeps
// alongside the primary one for runtimes that need two (§4.4).
func sysSecondTLSSet(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	ctx := th.Context()
	prev := ctx.TLS2
	ctx.TLS2 = uintptr(args[0])
	th.SetContext(ctx)
	return int64(prev)
}

func sysSecondTLSGet(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return int64(th.Context().TLS2)
}

// sysThreadCreate starts a new thread in the calling thread's own cage at a
// caller-supplied entry point/stack pointer (§4.4). The stack pointer must
// be 16-byte aligned; the entry point is not checked against the
// dynamic-text region or the VM map.
func sysThreadCreate(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	entryPC, stackPtr, tlsBase := args[0], args[1], args[2]

	if stackPtr&0xf != 0 {
		return int64(cage.EINVAL)
	}

	newThread, err := c.NewThread()
	if err != nil {
		return int64(cage.EAGAIN)
	}
	newThread.SetContext(cage.UserContext{
		PC:   uintptr(entryPC),
		SP:   uintptr(stackPtr),
		TLS1: uintptr(tlsBase),
	})
	newThread.Launch(b.entryTrampoline)
	return int64(newThread.ThreadNum())
}

// entryTrampoline is the thread_launcher a freshly created thread runs.
// This runtime owns no instruction interpreter (§1), so it is a no-op: it
// returns at once and the new thread then tears down.
func (b *Broker) entryTrampoline(th *cage.Thread) {
}
