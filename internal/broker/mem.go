package broker

import (
	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/desc"
	"github.com/cagerun/cage/internal/vm"
)

func registerMemSyscalls(b *Broker) {
	b.AddSyscall(SysBrk, "brk", sysBrk)
	b.AddSyscall(SysMmap, "mmap", sysMmap)
	b.AddSyscall(SysMunmap, "munmap", sysMunmap)
	b.AddSyscall(SysMprotect, "mprotect", sysMprotect)
}

// sysBrk implements §4.4's brk.
func sysBrk(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	newBreak := args[0]

	if newBreak < c.DataEnd() {
		return int64(cage.EINVAL)
	}

	cur := c.BreakAddr()
	if newBreak <= cur {
		c.SetBreak(newBreak)
		return int64(newBreak)
	}

	oldPage := cur / cage.Page
	newPage := cage.PagesForBytes(newBreak)
	entry := c.VMMap.FindPage(oldPage)
	if entry != nil {
		// Is there room to extend this entry up to newPage without
		// colliding with whatever comes next?
		next := c.VMMap.FindPage(entry.Page + entry.NPages)
		if next != nil && next.Page < newPage {
			return int64(cage.ENOMEM)
		}
	}
	// Newly reserved bytes between old and new break are zero-filled, so a
	// contraction followed by regrowth does not expose earlier contents.
	if end := min(newBreak, uint64(len(c.Memory))); cur < end {
		clear(c.Memory[cur:end])
	}
	npages := newPage - oldPage
	if npages == 0 {
		c.SetBreak(newBreak)
		return int64(newBreak)
	}
	c.VMMap.AddWithOverwrite(oldPage, npages, vm.ProtRead|vm.ProtWrite, vm.FlagPrivate|vm.FlagAnon, nil)
	c.SetBreak(newBreak)
	return int64(newBreak)
}

// sysMmap implements §4.4's mmap.
func sysMmap(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	start, length, prot, flags, fdArg, offset := args[0], args[1], args[2], args[3], int32(args[4]), args[5]

	if length == 0 {
		return int64(cage.EINVAL)
	}
	length = cage.AllocRound(length)
	if !cage.IsAllocAligned(start) || !cage.IsAllocAligned(offset) {
		return int64(cage.EINVAL)
	}

	vprot := vm.Prot(prot)
	vflags := vm.Flags(flags)
	anon := vflags&vm.FlagAnon != 0

	var d desc.Descriptor
	if !anon {
		var isSentinel bool
		var sentinel int32
		d, isSentinel, sentinel = c.Descriptors.Get(fdArg)
		if isSentinel {
			_ = sentinel
			return int64(cage.ENODEV)
		}
		if d == nil {
			return int64(cage.EBADF)
		}
	} else if fdArg != -1 {
		return int64(cage.EINVAL)
	}

	npages := cage.PagesForBytes(length)

	if vprot.Executable() {
		return mmapExecutable(b, c, d, start, length, offset, vflags)
	}

	// Holes are searched with AllocPage-1 pages of slack and the result is
	// rounded up, so the returned address is AllocPage-aligned, as munmap
	// and MAP_FIXED require.
	step := uint64(cage.AllocPage / cage.Page)
	var page uint64
	if vflags&vm.FlagFixed != 0 {
		page = start / cage.Page
		c.VMMap.Remove(page, npages)
	} else if start != 0 {
		page = c.VMMap.FindHoleAbove(start/cage.Page, npages+step-1)
	} else {
		page = c.VMMap.FindHole(npages + step - 1)
	}
	page = (page + step - 1) / step * step
	if page == 0 {
		if d != nil {
			d.Unref()
		}
		return int64(cage.ENOMEM)
	}

	var rel func()
	if d != nil {
		rel = d.Unref
	}
	c.VMMap.AddWithOverwrite(page, npages, vprot, vflags, backingFor(d, rel, offset, length))

	userAddr := page * cage.Page
	if vflags&vm.FlagFixed != 0 && userAddr != start {
		cage.Fatal("mmap", "MAP_FIXED returned an address other than requested")
	}
	return int64(userAddr)
}

func backingFor(d desc.Descriptor, release func(), offset, size uint64) *vm.Backing {
	if d == nil {
		return nil
	}
	return &vm.Backing{Release: release, FileOffset: offset, FileSize: size}
}

// mmapExecutable implements the PROT_EXEC path of §4.4: gate on
// is-safe-for-mmap and the validator, commit as executable+read-only on
// success, or fall back to the dynamic-code insertion interface.
func mmapExecutable(b *Broker, c *cage.Cage, d desc.Descriptor, start, length, offset uint64, flags vm.Flags) int64 {
	if d == nil || !d.IsSafeForMmap() {
		return int64(cage.EINVAL)
	}
	buf := make([]byte, length)
	if _, err := d.Seek(int64(offset), 0); err != nil {
		d.Unref()
		return int64(cage.EIO)
	}
	n, _ := d.Read(buf)
	d.Unref()

	res := b.rt.Validator.Validate(buf[:n], true, c.ValidatorPolicy)
	npages := cage.PagesForBytes(length)
	step := uint64(cage.AllocPage / cage.Page)
	var page uint64
	if start != 0 {
		page = c.VMMap.FindHoleAbove(start/cage.Page, npages+step-1)
	} else {
		page = c.VMMap.FindHole(npages + step - 1)
	}
	page = (page + step - 1) / step * step
	if page == 0 {
		return int64(cage.ENOMEM)
	}
	if !res.OK {
		// Fall back to the dynamic-code insertion interface: the region is
		// still reserved read-only/non-executable, and the call reports
		// EACCES. The actual JIT-insertion mechanism is out of this
		// runtime's scope (§1); this is the bookkeeping half of that fallback.
		c.VMMap.AddWithOverwrite(page, npages, vm.ProtRead, flags, nil)
		return int64(cage.EACCES)
	}
	copy(c.Memory[page*cage.Page:], buf[:n])
	c.VMMap.AddWithOverwrite(page, npages, vm.ProtRead|vm.ProtExec, flags, nil)
	return int64(page * cage.Page)
}

// sysMunmap implements §4.4's munmap: never leaves a hole, refuses to
// touch the executable region.
func sysMunmap(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	start, length := args[0], args[1]
	if !cage.IsAllocAligned(start) || length == 0 {
		return int64(cage.EINVAL)
	}
	length = cage.AllocRound(length)
	page := start / cage.Page
	npages := cage.PagesForBytes(length)

	if e := c.VMMap.FindPage(page); e != nil && e.Prot.Executable() {
		return int64(cage.EINVAL)
	}
	c.VMMap.AddWithOverwrite(page, npages, vm.ProtNone, vm.FlagPrivate|vm.FlagAnon, nil)
	c.VMMap.Remove(page, npages)
	return 0
}

// sysMprotect implements §4.4's mprotect.
func sysMprotect(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	start, length, prot := args[0], args[1], vm.Prot(args[2])
	if !cage.IsPageAligned(start) || length == 0 {
		return int64(cage.EINVAL)
	}
	page := start / cage.Page
	npages := cage.PagesForBytes(length)

	if !c.VMMap.CheckExisting(page, npages, vm.ProtNone) {
		return int64(cage.EACCES)
	}
	if e := c.VMMap.FindPage(page); e != nil && (e.Prot.Executable() || prot.Executable()) {
		return int64(cage.EINVAL)
	}
	if !c.VMMap.ChangeProt(page, npages, prot, func(existing vm.Prot) bool {
		return !existing.Executable() && !prot.Executable()
	}) {
		return int64(cage.EACCES)
	}
	return 0
}
