package broker

import (
	"context"
	"testing"

	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/loader"
	"github.com/cagerun/cage/internal/policy"
	"github.com/cagerun/cage/internal/validator"
	"github.com/cagerun/cage/internal/vm"
)

func newTestBroker(t *testing.T) (*Broker, *cage.Thread) {
	t.Helper()
	rt, err := cage.New(policy.Policy{BypassACL: true, MaxChildren: 8}, loader.Fixed{
		Image: loader.Image{DataEnd: cage.Page, EntryPoint: 0x1000, StackSize: cage.Page * 4},
	}, validator.AlwaysOK{})
	if err != nil {
		t.Fatalf("cage.New: %v", err)
	}
	c, err := rt.NewCage(cage.NewCageParams{
		AddrBits:  20,
		StackSize: cage.Page * 4,
	}, "test-module")
	if err != nil {
		t.Fatalf("NewCage: %v", err)
	}
	b := New(rt)

	th, err := c.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	return b, th
}

func dispatch(b *Broker, th *cage.Thread, n int, a ...uint64) int64 {
	var args [6]uint64
	copy(args[:], a)
	return b.Dispatch(context.Background(), th, n, args)
}

func TestBrkGrowsAndShrinks(t *testing.T) {
	b, th := newTestBroker(t)
	start := th.Cage().BreakAddr()

	grown := dispatch(b, th, SysBrk, start+cage.Page)
	if uint64(grown) != start+cage.Page {
		t.Fatalf("brk grow = %d, want %d", grown, start+cage.Page)
	}
	shrunk := dispatch(b, th, SysBrk, start)
	if uint64(shrunk) != start {
		t.Fatalf("brk shrink = %d, want %d", shrunk, start)
	}
	if int64(dispatch(b, th, SysBrk, start-1)) != int64(cage.EINVAL) {
		t.Fatal("brk below data end should be EINVAL")
	}
}

func TestMmapAnonThenMunmap(t *testing.T) {
	b, th := newTestBroker(t)
	const length = cage.AllocPage
	addr := dispatch(b, th, SysMmap, 0, length, uint64(vm.ProtRead), uint64(4 /* FlagAnon */), uint64(^uint32(0)), 0)
	if addr <= 0 {
		t.Fatalf("mmap failed: errno %d", addr)
	}
	if ret := dispatch(b, th, SysMunmap, uint64(addr), length); ret != 0 {
		t.Fatalf("munmap = %d, want 0", ret)
	}
}

func TestMutexLockUnlock(t *testing.T) {
	b, th := newTestBroker(t)
	fd := dispatch(b, th, SysMutexCreate)
	if fd < 0 {
		t.Fatalf("mutex_create failed: %d", fd)
	}
	if ret := dispatch(b, th, SysMutexLock, uint64(fd)); ret != 0 {
		t.Fatalf("mutex_lock = %d, want 0", ret)
	}
	if ret := dispatch(b, th, SysMutexTryLock, uint64(fd)); int64(ret) != int64(cage.EBUSY) {
		t.Fatalf("mutex_trylock on held mutex = %d, want EBUSY", ret)
	}
	if ret := dispatch(b, th, SysMutexUnlock, uint64(fd)); ret != 0 {
		t.Fatalf("mutex_unlock = %d, want 0", ret)
	}
	if ret := dispatch(b, th, SysMutexTryLock, uint64(fd)); ret != 0 {
		t.Fatalf("mutex_trylock after unlock = %d, want 0", ret)
	}
}

func TestSemaphoreWaitPost(t *testing.T) {
	b, th := newTestBroker(t)
	fd := dispatch(b, th, SysSemCreate, 1)
	if fd < 0 {
		t.Fatalf("sem_create failed: %d", fd)
	}
	if ret := dispatch(b, th, SysSemWait, uint64(fd)); ret != 0 {
		t.Fatalf("sem_wait = %d, want 0", ret)
	}
	if v := dispatch(b, th, SysSemGetValue, uint64(fd)); v != 0 {
		t.Fatalf("sem_getvalue after wait = %d, want 0", v)
	}
	if ret := dispatch(b, th, SysSemPost, uint64(fd)); ret != 0 {
		t.Fatalf("sem_post = %d, want 0", ret)
	}
	if v := dispatch(b, th, SysSemGetValue, uint64(fd)); v != 1 {
		t.Fatalf("sem_getvalue after post = %d, want 1", v)
	}
}

func TestPipeWriteThenRead(t *testing.T) {
	b, th := newTestBroker(t)
	c := th.Cage()

	outPtr := c.BreakAddr()
	// Grow the break by a page so the scratch buffers below are mapped.
	dispatch(b, th, SysBrk, outPtr+cage.Page)
	if ret := dispatch(b, th, SysPipe, outPtr); ret != 0 {
		t.Fatalf("pipe() = %d, want 0", ret)
	}
	raw := make([]byte, 8)
	if _, ok := c.CopyOut(raw, outPtr); !ok {
		t.Fatal("could not read back pipe fds")
	}
	readFD := int32(uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24)
	writeFD := int32(uint32(raw[4]) | uint32(raw[5])<<8 | uint32(raw[6])<<16 | uint32(raw[7])<<24)

	msgAddr := outPtr + 64
	if _, ok := c.CopyIn(msgAddr, []byte("hello")); !ok {
		t.Fatal("could not stage write buffer")
	}
	if n := dispatch(b, th, SysWrite, uint64(writeFD), msgAddr, 5); n != 5 {
		t.Fatalf("write = %d, want 5", n)
	}
	dispatch(b, th, SysClose, uint64(writeFD))

	readAddr := outPtr + 128
	n := dispatch(b, th, SysRead, uint64(readFD), readAddr, 5)
	if n != 5 {
		t.Fatalf("read = %d, want 5", n)
	}
	got := make([]byte, 5)
	c.CopyOut(got, readAddr)
	if string(got) != "hello" {
		t.Fatalf("read payload = %q, want hello", got)
	}
}

func TestGetpidReturnsCageID(t *testing.T) {
	b, th := newTestBroker(t)
	if got := dispatch(b, th, SysGetpid); got != th.Cage().ID() {
		t.Fatalf("getpid = %d, want %d", got, th.Cage().ID())
	}
}

func TestSysconfPagesize(t *testing.T) {
	b, th := newTestBroker(t)
	if got := dispatch(b, th, SysSysconf, 1); got != cage.Page {
		t.Fatalf("sysconf(pagesize) = %d, want %d", got, cage.Page)
	}
}

func TestUnknownSyscallIsENOSYS(t *testing.T) {
	b, th := newTestBroker(t)
	if got := dispatch(b, th, 255); int64(got) != int64(cage.ENOSYS) {
		t.Fatalf("unregistered syscall = %d, want ENOSYS", got)
	}
}

// TestForkThenWaitpid drives fork's "hardest semantic" end to end: the
// child cage is created and linked, its lone thread runs entryTrampoline
// to completion (a no-op), and its teardown tears the child cage down
// with exit code 0, which waitpid then observes.
func TestForkThenWaitpid(t *testing.T) {
	b, th := newTestBroker(t)
	c := th.Cage()

	childID := dispatch(b, th, SysFork)
	if childID <= 0 {
		t.Fatalf("fork failed: errno %d", childID)
	}
	if got := c.NumChildren(); got != 1 {
		t.Fatalf("NumChildren after fork = %d, want 1", got)
	}

	outPtr := c.BreakAddr()
	// Grow the break by a page so waitpid's output buffer is mapped.
	dispatch(b, th, SysBrk, outPtr+cage.Page)
	if ret := dispatch(b, th, SysWaitpid, uint64(childID), 0, outPtr); ret != childID {
		t.Fatalf("waitpid = %d, want child id %d", ret, childID)
	}

	raw := make([]byte, 8)
	if _, ok := c.CopyOut(raw, outPtr); !ok {
		t.Fatal("could not read back waitpid output")
	}
	gotChild := int64(uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24)
	gotExit := int32(uint32(raw[4]) | uint32(raw[5])<<8 | uint32(raw[6])<<16 | uint32(raw[7])<<24)
	if gotChild != childID {
		t.Fatalf("waitpid wrote child id %d, want %d", gotChild, childID)
	}
	if gotExit != 0 {
		t.Fatalf("waitpid wrote exit code %d, want 0", gotExit)
	}

	if ret := dispatch(b, th, SysWaitpid, uint64(childID), 0, outPtr); ret != 0 {
		t.Fatalf("waitpid on already-reaped child = %d, want 0 (no such child)", ret)
	}
}

// TestExecveCopiesArgvFromUserMemory exercises execve's copy-in path: argv
// is staged as a NUL-terminated vector of user pointers, each pointing to
// a NUL-terminated string, and the runtime must actually read it rather
// than discard it (§4.4: "build a new argv starting with a canonical
// module name").
func TestExecveCopiesArgvFromUserMemory(t *testing.T) {
	b, th := newTestBroker(t)
	c := th.Cage()

	base := c.BreakAddr()
	// Grow the break by two pages: execve reads up to a page past each
	// string's start, so the staging area must be mapped that far.
	dispatch(b, th, SysBrk, base+2*cage.Page)
	pathAddr := base
	if _, ok := c.CopyIn(pathAddr, []byte("test-module\x00")); !ok {
		t.Fatal("could not stage path")
	}

	arg0Addr := pathAddr + 64
	if _, ok := c.CopyIn(arg0Addr, []byte("hello\x00")); !ok {
		t.Fatal("could not stage argv[0]")
	}

	argvVecAddr := arg0Addr + 64
	argvVec := make([]byte, 16)
	for i := 0; i < 8; i++ {
		argvVec[i] = byte(arg0Addr >> (8 * i))
	}
	if _, ok := c.CopyIn(argvVecAddr, argvVec); !ok {
		t.Fatal("could not stage argv vector")
	}

	if ret := dispatch(b, th, SysExecve, pathAddr, argvVecAddr, 0); ret != 0 {
		t.Fatalf("execve = %d, want 0", ret)
	}
	got := c.Argv()
	want := []string{"cage-module", "--library-path", "/glibc", "hello"}
	if len(got) != len(want) {
		t.Fatalf("cage argv after execve = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cage argv after execve = %v, want %v", got, want)
		}
	}
}
