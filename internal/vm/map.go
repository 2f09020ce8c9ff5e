// Package vm implements a cage's virtual memory map: the ordered,
// non-overlapping table of page intervals that describes which parts of a
// cage's address window are accessible, and with what protection.
package vm

import (
	"sort"
	"sync"
)

// Prot is a page protection bitmask, independent of any host ABI.
type Prot uint8

const (
	ProtNone Prot = 0
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) Readable() bool   { return p&ProtRead != 0 }
func (p Prot) Writable() bool   { return p&ProtWrite != 0 }
func (p Prot) Executable() bool { return p&ProtExec != 0 }

// Flags mirrors the mmap flag set the broker validates (§4.4).
type Flags uint8

const (
	FlagPrivate Flags = 1 << iota
	FlagShared
	FlagAnon
	FlagFixed
)

// Backing describes the descriptor a mapping is backed by, if any. The VM
// map only needs to know that a reference is held and released; it never
// dereferences the descriptor itself, so it takes a release func rather
// than importing the desc package (which would create an import cycle:
// desc tables live inside cages, cages embed vm.Map).
type Backing struct {
	Release    func()
	FileOffset uint64
	FileSize   uint64
}

// Entry is one interval of the map.
type Entry struct {
	Page    uint64 // first page number covered
	NPages  uint64
	Prot    Prot
	Flags   Flags
	Backing *Backing
}

func (e *Entry) end() uint64 { return e.Page + e.NPages }

func (e *Entry) overlaps(page, npages uint64) bool {
	return e.Page < page+npages && page < e.end()
}

func (e *Entry) covers(page, npages uint64) bool {
	return e.Page <= page && page+npages <= e.end()
}

// Map is a cage's VM map. All mutating operations are serialized by mu, per
// §5 ("Operations on the same cage's VM map are serialized by the cage's
// address-space lock").
type Map struct {
	mu       sync.Mutex
	entries  []*Entry // sorted by Page, non-overlapping
	addrBits uint
}

// New creates an empty map over a window of 2^addrBits bytes; NumPages
// reports its size in pages.
func New(addrBits uint) *Map {
	return &Map{addrBits: addrBits}
}

// NumPages is the total page count of the cage's address window.
func (m *Map) NumPages() uint64 {
	return uint64(1) << (m.addrBits - 12)
}

func (m *Map) indexOf(page uint64) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].end() > page
	})
}

// FindHole returns the lowest-addressed page interval of at least npages
// not covered by any entry, or 0 on failure (page 0 is never a valid user
// page, per §4.3).
func (m *Map) FindHole(npages uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findHoleLocked(1, npages)
}

// FindHoleAbove is the hinted variant: search starting at hint, falling
// back to FindHole if the hint doesn't pan out.
func (m *Map) FindHoleAbove(hint, npages uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hint != 0 {
		if page := m.findHoleLocked(hint, npages); page != 0 {
			return page
		}
	}
	return m.findHoleLocked(1, npages)
}

func (m *Map) findHoleLocked(start, npages uint64) uint64 {
	cursor := start
	limit := m.NumPages()
	idx := m.indexOf(cursor)
	for i := idx; i <= len(m.entries); i++ {
		var gapEnd uint64
		if i == len(m.entries) {
			gapEnd = limit
		} else {
			gapEnd = m.entries[i].Page
		}
		if gapEnd > cursor && gapEnd-cursor >= npages {
			return cursor
		}
		if i < len(m.entries) {
			cursor = m.entries[i].end()
		}
	}
	return 0
}

// FindPage returns the entry covering page, or nil.
func (m *Map) FindPage(page uint64) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findPageLocked(page)
}

func (m *Map) findPageLocked(page uint64) *Entry {
	idx := m.indexOf(page)
	if idx < len(m.entries) && m.entries[idx].Page <= page {
		return m.entries[idx]
	}
	return nil
}

// AddWithOverwrite splits or removes any overlapping entries and inserts
// the new one, per §4.3.
func (m *Map) AddWithOverwrite(page, npages uint64, prot Prot, flags Flags, backing *Backing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearRangeLocked(page, npages)
	m.insertLocked(&Entry{Page: page, NPages: npages, Prot: prot, Flags: flags, Backing: backing})
}

// Remove is symmetric to AddWithOverwrite by an empty entry: it clears the
// range and releases any backing references held within it.
func (m *Map) Remove(page, npages uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearRangeLocked(page, npages)
}

// clearRangeLocked removes [page, page+npages), splitting entries that
// straddle the boundary and releasing backing references for any entry
// (or partial entry) that is fully subsumed.
func (m *Map) clearRangeLocked(page, npages uint64) {
	end := page + npages
	out := m.entries[:0:0]
	for _, e := range m.entries {
		if !e.overlaps(page, npages) {
			out = append(out, e)
			continue
		}
		// Left remainder.
		if e.Page < page {
			left := &Entry{Page: e.Page, NPages: page - e.Page, Prot: e.Prot, Flags: e.Flags, Backing: e.Backing}
			out = append(out, left)
		}
		// Right remainder.
		if e.end() > end {
			right := &Entry{Page: end, NPages: e.end() - end, Prot: e.Prot, Flags: e.Flags, Backing: e.Backing}
			out = append(out, right)
		} else if e.Backing != nil && e.Page >= page {
			// Entry fully consumed (or only its left remainder survives,
			// handled above): release the one reference this Entry held.
			e.Backing.Release()
		}
	}
	m.entries = out
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].Page < m.entries[j].Page })
}

func (m *Map) insertLocked(e *Entry) {
	idx := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Page >= e.Page })
	m.entries = append(m.entries, nil)
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = e
}

// CheckExisting requires [page, page+npages) to be fully covered by entries
// compatible with prot.
func (m *Map) CheckExisting(page, npages uint64, prot Prot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coverageLocked(page, npages, func(e *Entry) bool {
		return e.Prot&prot == prot
	})
}

// ChangeProt updates the protection of every entry covered by
// [page, page+npages), failing atomically (no partial update) if any
// covered sub-interval cannot accept the new protection.
func (m *Map) ChangeProt(page, npages uint64, prot Prot, compatible func(Prot) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.coverageLocked(page, npages, func(e *Entry) bool {
		return compatible == nil || compatible(e.Prot)
	}) {
		return false
	}
	end := page + npages
	for _, e := range m.entries {
		if !e.overlaps(page, npages) {
			continue
		}
		lo, hi := e.Page, e.end()
		if lo < page {
			lo = page
		}
		if hi > end {
			hi = end
		}
		if lo == e.Page && hi == e.end() {
			e.Prot = prot
			continue
		}
		// Split the covered sub-range off with the new protection and
		// keep the rest under the old one.
		m.clearRangeLocked(lo, hi-lo)
		m.insertLocked(&Entry{Page: lo, NPages: hi - lo, Prot: prot, Flags: e.Flags})
	}
	return true
}

func (m *Map) coverageLocked(page, npages uint64, ok func(*Entry) bool) bool {
	end := page + npages
	cursor := page
	for _, e := range m.entries {
		if e.end() <= cursor {
			continue
		}
		if e.Page > cursor {
			return false // gap
		}
		if ok != nil && !ok(e) {
			return false
		}
		cursor = e.end()
		if cursor >= end {
			return true
		}
	}
	return cursor >= end
}

// Snapshot returns a copy of the current entries, for diagnostics and tests.
func (m *Map) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}
