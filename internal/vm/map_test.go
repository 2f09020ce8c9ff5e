package vm

import "testing"

func TestFindHoleEmptyMap(t *testing.T) {
	m := New(32)
	page := m.FindHole(4)
	if page != 1 {
		t.Fatalf("FindHole on empty map = %d, want 1", page)
	}
}

func TestAddWithOverwriteAndFindHole(t *testing.T) {
	m := New(32)
	m.AddWithOverwrite(1, 4, ProtRead|ProtWrite, FlagPrivate|FlagAnon, nil)

	if got := m.FindHole(2); got != 5 {
		t.Fatalf("FindHole after reserving [1,5) = %d, want 5", got)
	}

	e := m.FindPage(2)
	if e == nil || e.Page != 1 || e.NPages != 4 {
		t.Fatalf("FindPage(2) = %+v, want entry covering [1,5)", e)
	}
}

func TestAddWithOverwriteSplits(t *testing.T) {
	m := New(32)
	m.AddWithOverwrite(1, 10, ProtRead, FlagPrivate, nil)
	m.AddWithOverwrite(4, 2, ProtRead|ProtWrite, FlagPrivate, nil)

	entries := m.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after split, got %d: %+v", len(entries), entries)
	}
	wantPages := []uint64{1, 4, 6}
	wantLens := []uint64{3, 2, 5}
	for i, e := range entries {
		if e.Page != wantPages[i] || e.NPages != wantLens[i] {
			t.Fatalf("entry %d = %+v, want page=%d npages=%d", i, e, wantPages[i], wantLens[i])
		}
	}
}

func TestRemoveReleasesBacking(t *testing.T) {
	m := New(32)
	released := 0
	m.AddWithOverwrite(1, 4, ProtRead, FlagShared, &Backing{Release: func() { released++ }})
	m.Remove(1, 4)
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	if e := m.FindPage(2); e != nil {
		t.Fatalf("FindPage after Remove = %+v, want nil", e)
	}
}

func TestCheckExisting(t *testing.T) {
	m := New(32)
	m.AddWithOverwrite(1, 4, ProtRead, FlagPrivate, nil)

	if !m.CheckExisting(1, 4, ProtRead) {
		t.Fatal("CheckExisting(1,4,R) = false, want true")
	}
	if m.CheckExisting(1, 4, ProtWrite) {
		t.Fatal("CheckExisting(1,4,W) = true, want false (not covered by W)")
	}
	if m.CheckExisting(1, 5, ProtRead) {
		t.Fatal("CheckExisting(1,5,R) = true, want false (5 is a gap)")
	}
}

func TestChangeProtAtomicFailure(t *testing.T) {
	m := New(32)
	m.AddWithOverwrite(1, 2, ProtRead, FlagPrivate, nil)
	// [3,5) is a gap; a change_prot spanning it must fail entirely.
	ok := m.ChangeProt(1, 4, ProtRead|ProtWrite, nil)
	if ok {
		t.Fatal("ChangeProt across a gap succeeded, want failure")
	}
	e := m.FindPage(1)
	if e.Prot != ProtRead {
		t.Fatalf("entry prot mutated despite failed ChangeProt: %v", e.Prot)
	}
}

func TestChangeProtSplitsPartialRange(t *testing.T) {
	m := New(32)
	m.AddWithOverwrite(1, 10, ProtRead, FlagPrivate, nil)
	if !m.ChangeProt(3, 2, ProtRead|ProtWrite, nil) {
		t.Fatal("ChangeProt on a fully-covered sub-range failed")
	}
	entries := m.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after protection split, got %d: %+v", len(entries), entries)
	}
	mid := m.FindPage(3)
	if mid.Prot != ProtRead|ProtWrite {
		t.Fatalf("mid entry prot = %v, want R|W", mid.Prot)
	}
}
