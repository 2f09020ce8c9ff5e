// Package cage implements the multi-cage process model and syscall broker
// described by SPEC_FULL.md: a trusted runtime that hosts multiple
// independently sandboxed "cages" inside one host process, multiplexes
// host threads onto cage threads, and brokers every interaction between
// untrusted code and the host.
package cage

import (
	"sync"

	"github.com/goombaio/namegenerator"

	"github.com/cagerun/cage/internal/identity"
	"github.com/cagerun/cage/internal/loader"
	"github.com/cagerun/cage/internal/pipe"
	"github.com/cagerun/cage/internal/policy"
	"github.com/cagerun/cage/internal/validator"
)

// Runtime is the single value that owns every process-wide mutable table
// the design notes (§9) call out for re-architecture away from globals:
// the cage registry, the global TLS-index table, and the pipe set. It is
// passed by reference through every entry point; there are no package
// globals.
type Runtime struct {
	// childrenMu is the "master cage"'s children_mu (§4.5 locking order,
	// §4.6): it serializes cross-cage teardown process-wide.
	childrenMu sync.Mutex

	mu          sync.Mutex
	cages       map[int64]*Cage
	nextCageID  int64
	forkCounter uint64

	tlsMu   sync.Mutex
	tlsSlot map[int32]*Thread // reverse lookup: TLS slot -> owning thread

	Pipes    *pipe.Set
	Policy   policy.Policy
	Identity *identity.Key
	Loader   loader.Loader
	Validator validator.Validator

	names namegenerator.Generator
}

// New constructs a Runtime. pol is the default policy new cages inherit;
// ld and val are the external module-loader and code-validator
// collaborators (§1, §6) — both are explicitly out of scope to implement,
// so callers typically pass loader.Fixed{} / validator.AlwaysOK{} or a
// real implementation wired in from outside this module.
func New(pol policy.Policy, ld loader.Loader, val validator.Validator) (*Runtime, error) {
	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	return &Runtime{
		cages:     make(map[int64]*Cage),
		tlsSlot:   make(map[int32]*Thread),
		Pipes:     pipe.NewSet(),
		Policy:    pol,
		Identity:  id,
		Loader:    ld,
		Validator: val,
		names:     namegenerator.NewNameGenerator(0),
	}, nil
}

// register inserts c into the registry under a fresh id and returns it.
func (rt *Runtime) register(c *Cage) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextCageID++
	id := rt.nextCageID
	c.id = id
	c.nickname = rt.names.Generate()
	rt.cages[id] = c
	return id
}

// Lookup returns the cage with the given id, or nil.
func (rt *Runtime) Lookup(id int64) *Cage {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cages[id]
}

// unregister removes a cage from the registry (§4.6: "last thread's
// teardown path is the unique destroyer").
func (rt *Runtime) unregister(id int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.cages, id)
}

// Snapshot returns every live cage, for diagnostics (cagerun ps).
func (rt *Runtime) Snapshot() []*Cage {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Cage, 0, len(rt.cages))
	for _, c := range rt.cages {
		out = append(out, c)
	}
	return out
}

// nextForkSlot increments the fork counter and returns its new value. The
// source's pre-built child-cage pool (§9, Open Questions) is treated as an
// implementation strategy only: this runtime always creates a fresh cage
// with a fresh id for fork, and forkCounter is retained purely as a
// monotonically increasing diagnostic, per §3's cage registry data model.
func (rt *Runtime) nextForkSlot() uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.forkCounter++
	return rt.forkCounter
}

// reserveTLSSlot reserves a fresh TLS slot index in the global reverse
// table (§6 GLOSSARY: "TLS slot... per-thread index in a global table used
// to reach the thread from the signal handler and from context-switch
// code") and binds it to th.
func (rt *Runtime) reserveTLSSlot(th *Thread) int32 {
	rt.tlsMu.Lock()
	defer rt.tlsMu.Unlock()
	var slot int32
	for {
		if _, used := rt.tlsSlot[slot]; !used {
			break
		}
		slot++
	}
	rt.tlsSlot[slot] = th
	return slot
}

// releaseTLSSlot clears the reverse-lookup entry (§4.5 step 4: "clears the
// global thread-index entry... before releasing the thread id").
func (rt *Runtime) releaseTLSSlot(slot int32) {
	rt.tlsMu.Lock()
	defer rt.tlsMu.Unlock()
	delete(rt.tlsSlot, slot)
}

// ThreadBySlot is the reverse lookup the signal/debug-stub path uses.
func (rt *Runtime) ThreadBySlot(slot int32) *Thread {
	rt.tlsMu.Lock()
	defer rt.tlsMu.Unlock()
	return rt.tlsSlot[slot]
}
