package desc

import (
	"sync"
)

// SentinelBase marks a high cage-fd range for non-pool handles (the
// in-runtime pipe endpoints, §4.2/§4.7). Neither this package nor the broker
// consults it: pipe endpoints are installed at ordinary fd numbers through
// SetSentinel/SetAvailSentinel and routed by the sentinel value stored
// there.
const SentinelBase = 1 << 24

// Table is a per-cage descriptor table: the user-visible cage-fd →
// descriptor mapping plus a cage-fd → sentinel mapping for in-runtime
// pipe endpoints (§3, §4.2). All table operations are serialized by a single fast lock; the
// lock is dropped before any Unref runs, per §4.2 ("atomically detaches...
// then unrefs outside the lock to avoid recursive holds") and the locking
// order in §4.5 ("descriptor unref never happens while holding the
// descriptor-table fastlock").
type Table struct {
	mu      sync.Mutex
	byFD    map[int32]Descriptor // cage-fd -> descriptor, for pool-backed fds
	sentFD  map[int32]int32      // cage-fd -> sentinel value, for reserved fds
	highWat int32                // highest cage-fd ever issued + 1
}

func NewTable() *Table {
	return &Table{
		byFD:   make(map[int32]Descriptor),
		sentFD: make(map[int32]int32),
	}
}

// lowestFreeLocked returns the lowest cage-fd not currently occupied by
// either a descriptor or a sentinel mapping.
func (t *Table) lowestFreeLocked() int32 {
	for fd := int32(0); ; fd++ {
		if _, ok := t.byFD[fd]; ok {
			continue
		}
		if _, ok := t.sentFD[fd]; ok {
			continue
		}
		return fd
	}
}

// SetAvail installs d at the lowest free cage-fd and returns it (§4.2).
func (t *Table) SetAvail(d Descriptor) int32 {
	t.mu.Lock()
	fd := t.lowestFreeLocked()
	t.byFD[fd] = d
	t.bumpHighWaterLocked(fd)
	t.mu.Unlock()
	return fd
}

// Set replaces the mapping at fd with d, unref'ing whatever was previously
// installed there (after releasing the lock, per the ordering rule above).
func (t *Table) Set(fd int32, d Descriptor) {
	t.mu.Lock()
	old, hadDesc := t.byFD[fd]
	delete(t.sentFD, fd)
	t.byFD[fd] = d
	t.bumpHighWaterLocked(fd)
	t.mu.Unlock()
	if hadDesc {
		old.Unref()
	}
}

// SetSentinel installs a reserved sentinel value (e.g. a pipe slot index)
// at fd, bypassing the descriptor pool entirely.
func (t *Table) SetSentinel(fd int32, sentinel int32) {
	t.mu.Lock()
	old, hadDesc := t.byFD[fd]
	delete(t.byFD, fd)
	t.sentFD[fd] = sentinel
	t.bumpHighWaterLocked(fd)
	t.mu.Unlock()
	if hadDesc {
		old.Unref()
	}
}

// SetAvailSentinel installs a sentinel at the lowest free cage-fd.
func (t *Table) SetAvailSentinel(sentinel int32) int32 {
	t.mu.Lock()
	fd := t.lowestFreeLocked()
	t.sentFD[fd] = sentinel
	t.bumpHighWaterLocked(fd)
	t.mu.Unlock()
	return fd
}

func (t *Table) bumpHighWaterLocked(fd int32) {
	if fd+1 > t.highWat {
		t.highWat = fd + 1
	}
}

// Get looks up fd, incrementing the descriptor's refcount on success (§4.2).
// It returns (nil, false, false) for an unused fd, or (nil, true, sentinel)
// for a reserved fd — the caller is expected to route those to the pipe set.
func (t *Table) Get(fd int32) (d Descriptor, isSentinel bool, sentinel int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sentFD[fd]; ok {
		return nil, true, s
	}
	if d, ok := t.byFD[fd]; ok {
		d.Ref()
		return d, false, 0
	}
	return nil, false, 0
}

// Close detaches fd under the lock, then unrefs outside it (§4.2). It
// reports whether fd was occupied.
func (t *Table) Close(fd int32) bool {
	t.mu.Lock()
	d, hadDesc := t.byFD[fd]
	_, hadSentinel := t.sentFD[fd]
	delete(t.byFD, fd)
	delete(t.sentFD, fd)
	t.mu.Unlock()
	if hadDesc {
		d.Unref()
	}
	return hadDesc || hadSentinel
}

// Dup installs the same descriptor referenced by old at a fresh cage-fd.
func (t *Table) Dup(old int32) (int32, bool) {
	t.mu.Lock()
	d, hadDesc := t.byFD[old]
	s, hadSentinel := t.sentFD[old]
	if !hadDesc && !hadSentinel {
		t.mu.Unlock()
		return 0, false
	}
	fd := t.lowestFreeLocked()
	if hadDesc {
		d.Ref()
		t.byFD[fd] = d
	} else {
		t.sentFD[fd] = s
	}
	t.bumpHighWaterLocked(fd)
	t.mu.Unlock()
	return fd, true
}

// Dup2 overwrites newFD with whatever old points to. If old == newFD and
// old is occupied, it is a no-op that returns newFD.
func (t *Table) Dup2(old, newFD int32) (int32, bool) {
	if old == newFD {
		t.mu.Lock()
		_, hadDesc := t.byFD[old]
		_, hadSentinel := t.sentFD[old]
		t.mu.Unlock()
		if !hadDesc && !hadSentinel {
			return 0, false
		}
		return newFD, true
	}
	t.mu.Lock()
	d, hadDesc := t.byFD[old]
	s, hadSentinel := t.sentFD[old]
	if !hadDesc && !hadSentinel {
		t.mu.Unlock()
		return 0, false
	}
	oldAtNew, hadOldAtNew := t.byFD[newFD]
	if hadDesc {
		d.Ref()
		t.byFD[newFD] = d
		delete(t.sentFD, newFD)
	} else {
		t.sentFD[newFD] = s
		delete(t.byFD, newFD)
	}
	t.bumpHighWaterLocked(newFD)
	t.mu.Unlock()
	if hadOldAtNew {
		oldAtNew.Unref()
	}
	return newFD, true
}

// Dup3 is Dup2 plus an explicit flags argument; newFD beyond the current
// high-water mark additionally reserves it (§4.2). old == newFD is EINVAL
// for dup3 at the broker layer, not handled here.
func (t *Table) Dup3(old, newFD int32, flags int) (int32, bool) {
	t.mu.Lock()
	if newFD >= t.highWat {
		t.highWat = newFD + 1
	}
	t.mu.Unlock()
	return t.Dup2(old, newFD)
}

// HighWater returns the current high-water mark (highest issued fd + 1).
func (t *Table) HighWater() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highWat
}

// CloseAll unrefs every descriptor in the table; used during cage teardown.
func (t *Table) CloseAll() {
	t.mu.Lock()
	descs := make([]Descriptor, 0, len(t.byFD))
	for fd, d := range t.byFD {
		descs = append(descs, d)
		delete(t.byFD, fd)
	}
	for fd := range t.sentFD {
		delete(t.sentFD, fd)
	}
	t.mu.Unlock()
	for _, d := range descs {
		d.Unref()
	}
}
