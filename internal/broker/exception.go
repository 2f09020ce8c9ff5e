package broker

import (
	"log/slog"

	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/identity"
)

func registerExceptionSyscalls(b *Broker) {
	b.AddSyscall(SysExceptionHandler, "exception_handler", sysExceptionHandler)
	b.AddSyscall(SysExceptionStack, "exception_stack", sysExceptionStack)
	b.AddSyscall(SysExceptionClearFlag, "exception_clear_flag", sysExceptionClearFlag)
}

// sysExceptionHandler registers the cage's fault handler address (§4.4:
// requires EnableExceptionHandling; serialized per-cage).
func sysExceptionHandler(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	if !c.EnableExceptionHandling {
		return int64(cage.EINVAL)
	}
	c.SetExceptionHandler(args[0])
	return 0
}

// sysExceptionStack installs the alternate stack a fault is dispatched on,
// mirroring exception_handler's gating.
func sysExceptionStack(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	if !c.EnableExceptionHandling {
		return int64(cage.EINVAL)
	}
	th.SetExceptionStack(args[0])
	return 0
}

// sysExceptionClearFlag clears the calling thread's in-exception flag
// (§4.4), letting a handler that has finished cleanup resume normal
// dispatch. Gated like exception_handler.
func sysExceptionClearFlag(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	if !th.Cage().EnableExceptionHandling {
		return int64(cage.EINVAL)
	}
	th.ClearExceptionFlag()
	return 0
}

// reportFault is invoked from the broker's fault path (not a syscall
// itself) when a cage's memory-safety invariant is violated during a
// dispatched operation. It signs an attestation record with the runtime's
// identity key and logs it, standing in for handing the record to the
// debug-stub collaborator (§1, out of scope).
func reportFault(b *Broker, th *cage.Thread, faultSig int32) {
	c := th.Cage()
	rec := b.rt.Identity.Attest(c.ID(), th.ThreadNum(), faultSig)
	verified := identity.Verify(b.rt.Identity.Public, rec)
	slog.Warn("broker.reportFault",
		"cage", c.ID(), "thread", th.ThreadNum(), "signal", faultSig, "attestation_verified", verified)
}
