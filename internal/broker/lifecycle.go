package broker

import (
	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/hostthread"
	"github.com/cagerun/cage/internal/vm"
)

func registerLifecycleSyscalls(b *Broker) {
	b.AddSyscall(SysExit, "exit", sysExit)
	b.AddSyscall(SysFork, "fork", sysFork)
	b.AddSyscall(SysExecve, "execve", sysExecve)
	b.AddSyscall(SysWaitpid, "waitpid", sysWaitpid)
	b.AddSyscall(SysGetpid, "getpid", sysGetpid)
	b.AddSyscall(SysSysconf, "sysconf", sysSysconf)
	b.AddSyscall(SysThreadNice, "thread_nice", sysThreadNice)
}

// memcopySnapshotter is the runtime's own implementation of the
// copy_execution_context collaborator (§4.8, §9): it snapshots the
// parent's register state and duplicates its address space wholesale into
// the child (private-by-value, the way fork's copy-on-write the source
// approximates with real page tables, approximated here with an actual
// byte-for-byte copy since there is no MMU to share pages behind).
type memcopySnapshotter struct{}

func (memcopySnapshotter) Snapshot(parent *cage.Cage, callerCtx cage.UserContext) (cage.ExecutionSnapshot, error) {
	return cage.ExecutionSnapshot{ParentCtx: callerCtx}, nil
}

func (memcopySnapshotter) Install(child *cage.Cage, snap cage.ExecutionSnapshot) error {
	parent, ok := child.Parent()
	if !ok {
		return nil
	}
	copy(child.Memory, parent.Memory)
	for _, e := range parent.VMMap.Snapshot() {
		child.VMMap.AddWithOverwrite(e.Page, e.NPages, e.Prot, e.Flags, nil)
	}
	return nil
}

func childParamsFrom(parent *cage.Cage) cage.NewCageParams {
	return cage.NewCageParams{
		AddrBits:                parent.AddrBits(),
		StackSize:               parent.StackSize(),
		MemStart:                parent.MemStart(),
		EnableExceptionHandling: parent.EnableExceptionHandling,
		ValidatorPolicy:         parent.ValidatorPolicy,
	}
}

func sysFork(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	parent := th.Cage()
	childID, err := b.rt.Fork(parent, th, memcopySnapshotter{}, childParamsFrom(parent), parent.ModulePath(), b.entryTrampoline)
	if err != nil {
		return int64(cage.EAGAIN)
	}
	return childID
}

func sysExecve(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	path, errno := readPath(c, args[0])
	if errno != 0 {
		return int64(errno)
	}
	argv, errno := readStrVec(c, args[1])
	if errno != 0 {
		return int64(errno)
	}
	envp, errno := readStrVec(c, args[2])
	if errno != 0 {
		return int64(errno)
	}
	if err := b.rt.Execve(th, path, argv, envp, b.entryTrampoline); err != nil {
		return int64(cage.ENOEXEC)
	}
	return 0
}

// readStrVec copies a NUL-terminated vector of NUL-terminated strings out
// of user memory (§4.4: "copy path and argv out of user memory"). addr
// points to an array of user pointers, one per string, terminated by a
// zero pointer; a zero addr yields an empty vector rather than an error,
// matching execve(path, NULL, NULL).
func readStrVec(c *cage.Cage, addr uint64) ([]string, cage.Errno) {
	if addr == 0 {
		return nil, 0
	}
	var out []string
	for i := 0; i < cage.MaxArgv; i++ {
		ptrBytes, ok := c.Bytes(addr+uint64(i)*8, 8, vm.ProtRead)
		if !ok {
			return nil, cage.EFAULT
		}
		var ptr uint64
		for j := 0; j < 8; j++ {
			ptr |= uint64(ptrBytes[j]) << (8 * j)
		}
		if ptr == 0 {
			return out, 0
		}
		s, errno := readArg(c, ptr)
		if errno != 0 {
			return nil, errno
		}
		out = append(out, s)
	}
	return nil, cage.E2BIG
}

// readArg is readPath's bounded NUL-terminated copy, sized for a single
// argv/envp entry rather than a path.
func readArg(c *cage.Cage, u uint64) (string, cage.Errno) {
	buf, ok := c.Bytes(u, cage.MaxArgLen, vm.ProtRead)
	if !ok {
		return "", cage.EFAULT
	}
	for i, ch := range buf {
		if ch == 0 {
			return string(buf[:i]), 0
		}
	}
	return "", cage.E2BIG
}

func sysWaitpid(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	pid, options := int64(args[0]), int(args[1])
	childID, exitCode, ok := c.WaitPid(pid, options)
	if !ok {
		return 0
	}
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[i] = byte(childID >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		out[4+i] = byte(uint32(exitCode) >> (8 * i))
	}
	if _, ok := c.CopyIn(args[2], out); !ok {
		return int64(cage.EFAULT)
	}
	return childID
}

// sysGetpid resolves §9's open question (the source's buggy
// ++num_children-as-pid): it returns the cage id.
func sysGetpid(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return th.Cage().ID()
}

const (
	sysconfPagesize      = 1
	sysconfAllocPagesize = 2
)

func sysSysconf(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	switch args[0] {
	case sysconfPagesize:
		return cage.Page
	case sysconfAllocPagesize:
		return cage.AllocPage
	default:
		return int64(cage.EINVAL)
	}
}

// sysThreadNice delegates to the host thread collaborator's advisory
// priority hint; never fatal (§6).
func sysThreadNice(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	delta := int32(args[0])
	if err := hostthread.Nice(int(delta)); err != nil {
		return int64(cage.EINVAL)
	}
	return 0
}

func sysExit(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	th.Exit(int32(args[0]))
	return 0
}
