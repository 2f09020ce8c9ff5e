package desc

import "testing"

type fakeDesc struct {
	Base
	closed *bool
}

func newFakeDesc(closed *bool) *fakeDesc {
	return &fakeDesc{Base: NewBase(KindHostIO, func() error { *closed = true; return nil })}
}

func TestSetAvailLowestFree(t *testing.T) {
	tbl := NewTable()
	closed := false
	a := tbl.SetAvail(newFakeDesc(&closed))
	b := tbl.SetAvail(newFakeDesc(&closed))
	if a != 0 || b != 1 {
		t.Fatalf("got fds %d,%d want 0,1", a, b)
	}
	tbl.Close(a)
	c := tbl.SetAvail(newFakeDesc(&closed))
	if c != 0 {
		t.Fatalf("SetAvail after closing 0 = %d, want 0 (lowest free)", c)
	}
}

func TestCloseUnrefsOutsideLock(t *testing.T) {
	tbl := NewTable()
	closed := false
	fd := tbl.SetAvail(newFakeDesc(&closed))
	if !tbl.Close(fd) {
		t.Fatal("Close on occupied fd returned false")
	}
	if !closed {
		t.Fatal("descriptor was not closed when its last reference was released")
	}
	if tbl.Close(fd) {
		t.Fatal("second Close on already-closed fd returned true")
	}
}

func TestGetIncrementsRefcount(t *testing.T) {
	tbl := NewTable()
	closed := false
	d := newFakeDesc(&closed)
	fd := tbl.SetAvail(d)
	got, isSentinel, _ := tbl.Get(fd)
	if isSentinel || got == nil {
		t.Fatalf("Get(%d) = %v, %v", fd, got, isSentinel)
	}
	if got.Refcount() != 2 {
		t.Fatalf("refcount after Get = %d, want 2", got.Refcount())
	}
	got.Unref()
	tbl.Close(fd)
	if !closed {
		t.Fatal("descriptor not closed after both references released")
	}
}

func TestDup2OverwritesAndUnrefsOld(t *testing.T) {
	tbl := NewTable()
	var closedA, closedB bool
	a := tbl.SetAvail(newFakeDesc(&closedA))
	b := tbl.SetAvail(newFakeDesc(&closedB))
	_ = a
	newFD, ok := tbl.Dup2(b, 5)
	if !ok || newFD != 5 {
		t.Fatalf("Dup2 = %d, %v, want 5, true", newFD, ok)
	}
	got, _, _ := tbl.Get(5)
	// fds 1 and 5 each hold a table reference, and Get holds a third.
	if got.Refcount() != 3 {
		t.Fatalf("refcount at dup2 target = %d, want 3", got.Refcount())
	}
	got.Unref()
	// Overwriting fd 5 with a's descriptor releases the reference fd 5 held
	// on b's descriptor, leaving only fd 1's.
	if _, ok := tbl.Dup2(a, 5); !ok {
		t.Fatal("Dup2 onto an occupied fd failed")
	}
	if got.Refcount() != 1 {
		t.Fatalf("refcount of overwritten descriptor = %d, want 1", got.Refcount())
	}
}

func TestDup3ReservesBeyondHighWater(t *testing.T) {
	tbl := NewTable()
	var closed bool
	a := tbl.SetAvail(newFakeDesc(&closed))
	_, ok := tbl.Dup3(a, 100, 0)
	if !ok {
		t.Fatal("Dup3 failed")
	}
	if tbl.HighWater() != 101 {
		t.Fatalf("HighWater = %d, want 101", tbl.HighWater())
	}
}

func TestSentinelBypassesPool(t *testing.T) {
	tbl := NewTable()
	fd := tbl.SetAvailSentinel(7)
	_, isSentinel, sentinel := tbl.Get(fd)
	if !isSentinel || sentinel != 7 {
		t.Fatalf("Get(sentinel fd) = sentinel=%v val=%d, want true,7", isSentinel, sentinel)
	}
}
