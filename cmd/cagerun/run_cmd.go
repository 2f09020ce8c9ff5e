package main

import (
	"context"
	"fmt"

	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/broker"
)

// RunCmd demonstrates the cage lifecycle end to end in a single process:
// create a main cage, fork a handful of children, wait for each, then print
// a ps-style table of whatever is still registered. A real deployment of
// this runtime would drive create/fork/wait from inside brokered syscalls;
// this command drives the same Runtime methods directly, the way a trusted
// host supervisor (rather than an untrusted cage) is allowed to.
type RunCmd struct {
	Children int `default:"3" help:"number of child cages to fork before waiting"`
}

// stubEntry stands in for the bytecode interpreter this runtime does not
// implement (§1, non-goal: executing untrusted instructions): it reports an
// exit code and tears the thread down immediately.
func stubEntry(code int32) func(*cage.Thread) {
	return func(th *cage.Thread) {
		th.Exit(code)
	}
}

func (cmd *RunCmd) Run(ctx *Context) error {
	rt, err := newRuntime(ctx.Policy)
	if err != nil {
		return fmt.Errorf("runtime init: %w", err)
	}

	main, err := rt.NewCage(cage.NewCageParams{
		AddrBits:  20,
		StackSize: cage.Page * 8,
		MaxChildren: cmd.Children + 1,
	}, "cagerun-demo-main")
	if err != nil {
		return fmt.Errorf("create main cage: %w", err)
	}
	fmt.Printf("created cage %d (%s)\n", main.ID(), main.Nickname())

	mainThread, err := main.NewThread()
	if err != nil {
		return fmt.Errorf("main thread: %w", err)
	}

	for i := 0; i < cmd.Children; i++ {
		childParams := cage.NewCageParams{
			AddrBits:  20,
			StackSize: cage.Page * 8,
		}
		childID, err := rt.Fork(main, mainThread, demoSnapshotter{}, childParams, "cagerun-demo-child", stubEntry(int32(i)))
		if err != nil {
			return fmt.Errorf("fork child %d: %w", i, err)
		}
		fmt.Printf("forked child cage %d\n", childID)
	}

	for i := 0; i < cmd.Children; i++ {
		childID, exitCode, ok := main.WaitPid(-1, 0)
		if !ok {
			break
		}
		fmt.Printf("reaped cage %d, exit code %d\n", childID, exitCode)
	}

	// Exercise the brokered syscall path once for the main cage, the way an
	// untrusted module would trap in, so the per-call trace span (broker.go's
	// Dispatch) actually fires for this command.
	b := broker.New(rt)
	pid := b.Dispatch(context.Background(), mainThread, broker.SysGetpid, [6]uint64{})
	pagesize := b.Dispatch(context.Background(), mainThread, broker.SysSysconf, [6]uint64{1})
	fmt.Printf("brokered getpid=%d sysconf(pagesize)=%d\n", pid, pagesize)

	printPS(rt)
	return nil
}

// PsCmd lists every cage still registered with a freshly created runtime. A
// runtime with no forked children simply shows its own main cage; it exists
// mainly to exercise Runtime.Snapshot as a standalone command.
type PsCmd struct{}

func (cmd *PsCmd) Run(ctx *Context) error {
	rt, err := newRuntime(ctx.Policy)
	if err != nil {
		return fmt.Errorf("runtime init: %w", err)
	}
	if _, err := rt.NewCage(cage.NewCageParams{AddrBits: 20, StackSize: cage.Page * 8}, "cagerun-ps"); err != nil {
		return fmt.Errorf("create cage: %w", err)
	}
	printPS(rt)
	return nil
}

func printPS(rt *cage.Runtime) {
	fmt.Printf("%-6s %-16s %-10s %-8s %s\n", "ID", "NICKNAME", "STATE", "THREADS", "MODULE")
	for _, c := range rt.Snapshot() {
		fmt.Printf("%-6d %-16s %-10s %-8d %s\n", c.ID(), c.Nickname(), c.RunState(), c.NumThreads(), c.ModulePath())
	}
}

// demoSnapshotter is a minimal Snapshotter good enough for the CLI demo: it
// copies the parent's memory window into the child, without replaying VM
// map entries (the broker's memcopySnapshotter does that; this command
// never touches untrusted memory through the broker, so a plain copy
// suffices).
type demoSnapshotter struct{}

func (demoSnapshotter) Snapshot(parent *cage.Cage, callerCtx cage.UserContext) (cage.ExecutionSnapshot, error) {
	return cage.ExecutionSnapshot{ParentCtx: callerCtx}, nil
}

func (demoSnapshotter) Install(child *cage.Cage, snap cage.ExecutionSnapshot) error {
	if parent, ok := child.Parent(); ok {
		copy(child.Memory, parent.Memory)
	}
	return nil
}
