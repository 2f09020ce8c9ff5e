package broker

import (
	"os"
	"path/filepath"

	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/desc"
	"github.com/cagerun/cage/internal/hostfs"
	"github.com/cagerun/cage/internal/vm"
)

func registerFDSyscalls(b *Broker) {
	b.AddSyscall(SysOpen, "open", sysOpen)
	b.AddSyscall(SysClose, "close", sysClose)
	b.AddSyscall(SysRead, "read", sysRead)
	b.AddSyscall(SysWrite, "write", sysWrite)
	b.AddSyscall(SysLseek, "lseek", sysLseek)
	b.AddSyscall(SysFstat, "fstat", sysFstat)
	b.AddSyscall(SysStat, "stat", sysStat)
	b.AddSyscall(SysGetdents, "getdents", sysGetdents)
	b.AddSyscall(SysMkdir, "mkdir", sysMkdir)
	b.AddSyscall(SysRmdir, "rmdir", sysRmdir)
	b.AddSyscall(SysChdir, "chdir", sysChdir)
	b.AddSyscall(SysGetcwd, "getcwd", sysGetcwd)
	b.AddSyscall(SysUnlink, "unlink", sysUnlink)
	b.AddSyscall(SysDup, "dup", sysDup)
	b.AddSyscall(SysDup2, "dup2", sysDup2)
	b.AddSyscall(SysDup3, "dup3", sysDup3)
	b.AddSyscall(SysPipe, "pipe", sysPipe)
	b.AddSyscall(SysIoctl, "ioctl", sysIoctl)
}

// hostFS is shared across handlers; the host filesystem collaborator has
// no per-cage state (§6).
var hostFS hostfs.FS = hostfs.Host{}

// readPath copies a NUL-bounded path string out of the cage's memory
// (§4.4: "bounded copy from user memory into a trusted buffer;
// path-too-long -> ENAMETOOLONG; not-a-string -> EFAULT").
func readPath(c *cage.Cage, u uint64) (string, cage.Errno) {
	buf, ok := c.Bytes(u, cage.MaxPathLen, vm.ProtRead)
	if !ok {
		return "", cage.EFAULT
	}
	for i, ch := range buf {
		if ch == 0 {
			return string(buf[:i]), 0
		}
		if i == cage.MaxPathLen-1 {
			return "", cage.ENAMETOOLONG
		}
	}
	return "", cage.EFAULT
}

func requireACL(b *Broker) cage.Errno {
	if !b.rt.Policy.BypassACL {
		return cage.EACCES
	}
	return 0
}

// hostFileDescriptor adapts an *os.File to the desc.Descriptor capability
// set for the subset host_io needs (read/write/seek/stat/close).
type hostFileDescriptor struct {
	desc.Base
	f *os.File
}

func newHostFileDescriptor(f *os.File) *hostFileDescriptor {
	hd := &hostFileDescriptor{f: f}
	hd.Base = desc.NewBase(desc.KindHostIO, func() error { return f.Close() })
	return hd
}

func (h *hostFileDescriptor) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *hostFileDescriptor) Write(p []byte) (int, error) { return h.f.Write(p) }
func (h *hostFileDescriptor) Seek(offset int64, whence int) (int64, error) {
	return h.f.Seek(offset, whence)
}
func (h *hostFileDescriptor) Stat() (desc.Stat, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return desc.Stat{}, err
	}
	return desc.Stat{Size: fi.Size(), Mode: uint32(fi.Mode()), IsDir: fi.IsDir()}, nil
}
func (h *hostFileDescriptor) IsSafeForMmap() bool { return true }

var _ desc.Descriptor = (*hostFileDescriptor)(nil)

func sysOpen(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	path, errno := readPath(c, args[0])
	if errno != 0 {
		return int64(errno)
	}
	if e := requireACL(b); e != 0 {
		return int64(e)
	}
	f, err := hostFS.Open(path, int(args[1]), uint32(args[2]))
	if err != nil {
		return int64(cage.ENOENT)
	}
	d := newHostFileDescriptor(f)
	return int64(c.Descriptors.SetAvail(d))
}

func sysClose(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return closeFD(b, th.Cage(), int32(args[0]))
}

func closeFD(b *Broker, c *cage.Cage, fd int32) int64 {
	_, isSentinel, sentinel := c.Descriptors.Get(fd)
	if isSentinel {
		idx, isWriter := slotForSentinel(sentinel)
		if isWriter {
			b.rt.Pipes.Slot(idx).CloseWrite()
		}
	}
	if !c.Descriptors.Close(fd) {
		return int64(cage.EBADF)
	}
	return 0
}

func sysRead(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	fd, u, count := int32(args[0]), args[1], args[2]
	if count > cage.MaxReadWrite {
		count = cage.MaxReadWrite
	}
	d, isSentinel, sentinel := c.Descriptors.Get(fd)
	if isSentinel {
		return pipeReadSlot(b, th, sentinel, u, count)
	}
	if d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()

	buf := make([]byte, count)
	n, err := d.Read(buf)
	if err != nil && n == 0 {
		return int64(cage.EIO)
	}
	if _, ok := c.CopyIn(u, buf[:n]); !ok {
		return int64(cage.EFAULT)
	}
	return int64(n)
}

func sysWrite(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	fd, u, count := int32(args[0]), args[1], args[2]
	if count > cage.MaxReadWrite {
		count = cage.MaxReadWrite
	}
	buf := make([]byte, count)
	if _, ok := c.CopyOut(buf, u); !ok {
		return int64(cage.EFAULT)
	}
	d, isSentinel, sentinel := c.Descriptors.Get(fd)
	if isSentinel {
		return pipeWriteSlot(b, th, sentinel, buf)
	}
	if d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	n, err := d.Write(buf)
	if err != nil && n == 0 {
		return int64(cage.EIO)
	}
	return int64(n)
}

func sysLseek(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	fd := int32(args[0])
	d, isSentinel, _ := c.Descriptors.Get(fd)
	if isSentinel {
		return int64(cage.EINVAL)
	}
	if d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	pos, err := d.Seek(int64(args[1]), int(args[2]))
	if err != nil {
		return int64(cage.EINVAL)
	}
	return pos
}

func statToCage(c *cage.Cage, u uint64, st desc.Stat) int64 {
	type wireStat struct {
		Size  int64
		Mode  uint32
		IsDir uint32
	}
	ws := wireStat{Size: st.Size, Mode: st.Mode}
	if st.IsDir {
		ws.IsDir = 1
	}
	buf := make([]byte, 20)
	putStat(buf, ws.Size, ws.Mode, ws.IsDir)
	if _, ok := c.CopyIn(u, buf); !ok {
		return int64(cage.EFAULT)
	}
	return 0
}

func putStat(buf []byte, size int64, mode, isDir uint32) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(size >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[8+i] = byte(mode >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[12+i] = byte(isDir >> (8 * i))
	}
}

func sysFstat(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	fd := int32(args[0])
	d, isSentinel, _ := c.Descriptors.Get(fd)
	if isSentinel {
		return int64(cage.EINVAL)
	}
	if d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	st, err := d.Stat()
	if err != nil {
		return int64(cage.EIO)
	}
	return statToCage(c, args[1], st)
}

func sysStat(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	path, errno := readPath(c, args[0])
	if errno != 0 {
		return int64(errno)
	}
	if e := requireACL(b); e != 0 {
		return int64(e)
	}
	fi, err := hostFS.Stat(path)
	if err != nil {
		return int64(cage.ENOENT)
	}
	return statToCage(c, args[1], desc.Stat{Size: fi.Size(), Mode: uint32(fi.Mode()), IsDir: fi.IsDir()})
}

func sysGetdents(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	path, errno := readPath(c, args[0])
	if errno != 0 {
		return int64(errno)
	}
	if e := requireACL(b); e != 0 {
		return int64(e)
	}
	entries, err := hostFS.ReadDir(path)
	if err != nil {
		return int64(cage.ENOENT)
	}
	var names []byte
	for _, e := range entries {
		names = append(names, []byte(e.Name())...)
		names = append(names, 0)
	}
	n, ok := c.CopyIn(args[1], names)
	if !ok {
		return int64(cage.EFAULT)
	}
	return int64(n)
}

func sysMkdir(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	path, errno := readPath(c, args[0])
	if errno != 0 {
		return int64(errno)
	}
	if e := requireACL(b); e != 0 {
		return int64(e)
	}
	if err := hostFS.Mkdir(path, uint32(args[1])); err != nil {
		return int64(cage.EIO)
	}
	return 0
}

func sysRmdir(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	path, errno := readPath(c, args[0])
	if errno != 0 {
		return int64(errno)
	}
	if e := requireACL(b); e != 0 {
		return int64(e)
	}
	if err := hostFS.Rmdir(path); err != nil {
		return int64(cage.EIO)
	}
	return 0
}

func sysChdir(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	path, errno := readPath(c, args[0])
	if errno != 0 {
		return int64(errno)
	}
	if e := requireACL(b); e != 0 {
		return int64(e)
	}
	if err := hostFS.Chdir(path); err != nil {
		return int64(cage.ENOENT)
	}
	return 0
}

func sysGetcwd(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	if e := requireACL(b); e != 0 {
		return int64(e)
	}
	wd, err := hostFS.Getwd()
	if err != nil {
		return int64(cage.EIO)
	}
	wd = filepath.Clean(wd)
	n, ok := c.CopyIn(args[0], append([]byte(wd), 0))
	if !ok {
		return int64(cage.EFAULT)
	}
	return int64(n)
}

func sysUnlink(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	path, errno := readPath(c, args[0])
	if errno != 0 {
		return int64(errno)
	}
	if e := requireACL(b); e != 0 {
		return int64(e)
	}
	if err := hostFS.Unlink(path); err != nil {
		return int64(cage.EIO)
	}
	return 0
}

func sysDup(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	fd, ok := th.Cage().Descriptors.Dup(int32(args[0]))
	if !ok {
		return int64(cage.EBADF)
	}
	return int64(fd)
}

func sysDup2(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	fd, ok := th.Cage().Descriptors.Dup2(int32(args[0]), int32(args[1]))
	if !ok {
		return int64(cage.EBADF)
	}
	return int64(fd)
}

// sysDup3 resolves §9's open question: old == newfd is EINVAL (dup3,
// unlike dup2, treats that as an error); a newfd below the table's current
// high-water mark is EBADF (not the source's raw -1), as is an unoccupied
// old. A newfd at or beyond the high-water mark is reserved and filled the
// way dup2 does.
func sysDup3(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	old, newFD, flags := int32(args[0]), int32(args[1]), int(args[2])
	if old == newFD {
		return int64(cage.EINVAL)
	}
	if newFD < th.Cage().Descriptors.HighWater() {
		return int64(cage.EBADF)
	}
	fd, ok := th.Cage().Descriptors.Dup3(old, newFD, flags)
	if !ok {
		return int64(cage.EBADF)
	}
	return int64(fd)
}

// pipe() allocates a reserved in-runtime pipe slot and returns two
// sentinel fds into the user-provided out array (§4.4, §4.7). The slot
// index is carried in the sentinel value itself, per §4.7's open-question
// resolution (decouple routing from cage id).
func sysPipe(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	idx, err := b.rt.Pipes.Alloc()
	if err != nil {
		return int64(cage.ENOMEM)
	}
	readFD := c.Descriptors.SetAvailSentinel(int32(idx)<<1 | 0)
	writeFD := c.Descriptors.SetAvailSentinel(int32(idx)<<1 | 1)

	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[i] = byte(readFD >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		out[4+i] = byte(writeFD >> (8 * i))
	}
	if _, ok := c.CopyIn(args[0], out); !ok {
		return int64(cage.EFAULT)
	}
	return 0
}

// slotForSentinel decodes a pipe sentinel value into (slot index, isWriter).
func slotForSentinel(sentinel int32) (idx int, isWriter bool) {
	return int(sentinel >> 1), sentinel&1 == 1
}

func pipeReadSlot(b *Broker, th *cage.Thread, sentinel int32, u, count uint64) int64 {
	idx, isWriter := slotForSentinel(sentinel)
	if isWriter {
		return int64(cage.EBADF)
	}
	slot := b.rt.Pipes.Slot(idx)
	buf := make([]byte, count)
	n, _ := slot.Read(buf)
	if _, ok := th.Cage().CopyIn(u, buf[:n]); !ok {
		return int64(cage.EFAULT)
	}
	return int64(n)
}

func pipeWriteSlot(b *Broker, th *cage.Thread, sentinel int32, data []byte) int64 {
	idx, isWriter := slotForSentinel(sentinel)
	if !isWriter {
		return int64(cage.EBADF)
	}
	slot := b.rt.Pipes.Slot(idx)
	n, _ := slot.Write(data)
	return int64(n)
}

func sysIoctl(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	if e := requireACL(b); e != 0 {
		return int64(cage.EINVAL)
	}
	c := th.Cage()
	fd := int32(args[0])
	d, isSentinel, _ := c.Descriptors.Get(fd)
	if isSentinel {
		return int64(cage.EINVAL)
	}
	if d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	if err := d.IOCtl(uint32(args[1]), nil); err != nil {
		if err == desc.ErrNotSupported {
			return int64(cage.EINVAL)
		}
		return int64(cage.EIO)
	}
	return 0
}
