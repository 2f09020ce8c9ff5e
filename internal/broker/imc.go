package broker

import (
	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/desc"
	"github.com/cagerun/cage/internal/vm"
)

func registerIMCSyscalls(b *Broker) {
	b.AddSyscall(SysIMCMakeBoundSock, "imc_makeboundsock", sysIMCMakeBoundSock)
	b.AddSyscall(SysIMCAccept, "imc_accept", sysIMCAccept)
	b.AddSyscall(SysIMCConnect, "imc_connect", sysIMCConnect)
	b.AddSyscall(SysIMCSendmsg, "imc_sendmsg", sysIMCSendmsg)
	b.AddSyscall(SysIMCRecvmsg, "imc_recvmsg", sysIMCRecvmsg)
	b.AddSyscall(SysIMCSocketpair, "imc_socketpair", sysIMCSocketpair)
	b.AddSyscall(SysIMCMemObjCreate, "imc_mem_obj_create", sysIMCMemObjCreate)
}

// boundSocket and connectedSocket model the IMC socket pair §4.4 describes:
// a bound listener fd that Accept()s connections, and a connected endpoint
// that carries both byte payloads and descriptor handles across a
// SendMsg/RecvMsg boundary. Both sides of a connected pair share one
// in-process channel of framed messages — there is no real kernel socket
// underneath, just as this runtime has no real separate address spaces.
type imcMessage struct {
	data []byte
	fds  []desc.Descriptor
}

type connectedSocket struct {
	desc.Base
	out  chan imcMessage
	in   chan imcMessage
}

func newConnectedPair() (*connectedSocket, *connectedSocket) {
	a := make(chan imcMessage, 16)
	bCh := make(chan imcMessage, 16)
	s1 := &connectedSocket{out: a, in: bCh}
	s2 := &connectedSocket{out: bCh, in: a}
	s1.Base = desc.NewBase(desc.KindConnectedSocket, nil)
	s2.Base = desc.NewBase(desc.KindConnectedSocket, nil)
	return s1, s2
}

func (s *connectedSocket) SendMsg(iov [][]byte, fds []desc.Descriptor, flags int) (int, error) {
	if len(iov) > cage.MaxIOV || len(fds) > cage.MaxDescVecLen {
		return 0, cage.EMSGSIZE
	}
	total := 0
	buf := make([]byte, 0, 256)
	for _, seg := range iov {
		buf = append(buf, seg...)
		total += len(seg)
	}
	msg := imcMessage{data: buf, fds: append([]desc.Descriptor(nil), fds...)}
	select {
	case s.out <- msg:
		return total, nil
	default:
		return 0, cage.EAGAIN
	}
}

// RecvMsg copies into the caller's iov, truncating the message if it
// doesn't fit (§4.4: "message-truncated and handles-truncated flags are
// reported, never silently dropped"). Descriptors left off the end of a
// truncated handle vector are unref'd here, since they'll never reach a
// receiving table.
func (s *connectedSocket) RecvMsg(iov [][]byte, maxFDs int, flags int) (int, []desc.Descriptor, int, error) {
	msg, ok := <-s.in
	if !ok {
		return 0, nil, 0, cage.EIO
	}
	const flagMessageTruncated = 1
	const flagHandlesTruncated = 2
	outFlags := 0
	n := 0
	data := msg.data
	for _, seg := range iov {
		if len(data) == 0 {
			break
		}
		k := copy(seg, data)
		data = data[k:]
		n += k
	}
	if len(data) > 0 {
		outFlags |= flagMessageTruncated
	}
	fds := msg.fds
	if len(fds) > maxFDs {
		for _, dropped := range fds[maxFDs:] {
			dropped.Unref()
		}
		fds = fds[:maxFDs]
		outFlags |= flagHandlesTruncated
	}
	return n, fds, outFlags, nil
}

func (s *connectedSocket) Close() error {
	close(s.out)
	return nil
}

type boundSocket struct {
	desc.Base
	incoming chan *connectedSocket
}

func newBoundSocket() *boundSocket {
	d := &boundSocket{incoming: make(chan *connectedSocket, 16)}
	d.Base = desc.NewBase(desc.KindBoundSocket, nil)
	return d
}

func (s *boundSocket) Accept() (desc.Descriptor, error) {
	conn, ok := <-s.incoming
	if !ok {
		return nil, cage.EIO
	}
	return conn, nil
}

func sysIMCMakeBoundSock(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return int64(th.Cage().Descriptors.SetAvail(newBoundSocket()))
}

func sysIMCAccept(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	d, isSentinel, _ := c.Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	conn, err := d.Accept()
	if err != nil {
		return int64(cage.EIO)
	}
	return int64(c.Descriptors.SetAvail(conn))
}

// sysIMCConnect is the connecting side of a bound socket: it creates the
// local endpoint for the caller and hands the peer endpoint to the bound
// socket's accept queue directly, since this in-process model has no
// separate dial step the way a real socket would.
func sysIMCConnect(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	d, isSentinel, _ := c.Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	bs, ok := d.(*boundSocket)
	if !ok {
		return int64(cage.EINVAL)
	}
	local, remote := newConnectedPair()
	select {
	case bs.incoming <- remote:
	default:
		return int64(cage.EAGAIN)
	}
	return int64(c.Descriptors.SetAvail(local))
}

// sysIMCSendmsg reads the descriptor vector out of user memory and hands
// the payload to the connected socket, whose SendMsg copies it into the
// queued message (§4.4: "no TOCTOU"). Each cage-fd in the vector resolves
// to the descriptor it names — a negative fd
// number marshals to the invalid descriptor rather than erroring, the way
// the source maps its invalid-descriptor sentinel. args: fd, buf ptr,
// length, flags, fd-vec length, fd-vec ptr.
func sysIMCSendmsg(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	d, isSentinel, _ := c.Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()

	u, length, fdVecLen, fdVecAddr := args[1], args[2], args[4], args[5]
	if fdVecLen > cage.MaxDescVecLen {
		return int64(cage.EMSGSIZE)
	}
	buf, ok := c.Bytes(u, length, vm.ProtRead)
	if !ok {
		return int64(cage.EFAULT)
	}
	fds, ok := readDescVec(c, fdVecAddr, fdVecLen)
	if !ok {
		return int64(cage.EFAULT)
	}

	n, err := d.SendMsg([][]byte{buf}, fds, int(args[3]))
	if err != nil {
		for _, fd := range fds {
			fd.Unref()
		}
		return int64(errnoFor(err))
	}
	return int64(n)
}

// readDescVec reads count cage-fd numbers (int32, little-endian) from user
// memory at addr and resolves each to the descriptor it currently names in
// this cage's table. Descriptors.Get's Ref() travels with the returned
// slice into the outgoing message; the caller owns unref'ing it on error.
func readDescVec(c *cage.Cage, addr, count uint64) ([]desc.Descriptor, bool) {
	if count == 0 {
		return nil, true
	}
	raw, ok := c.Bytes(addr, count*4, vm.ProtRead)
	if !ok {
		return nil, false
	}
	out := make([]desc.Descriptor, count)
	for i := uint64(0); i < count; i++ {
		fdNum := int32(uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24)
		if fdNum < 0 {
			out[i] = desc.NewInvalid()
			continue
		}
		fd, isSentinel, _ := c.Descriptors.Get(fdNum)
		if isSentinel || fd == nil {
			out[i] = desc.NewInvalid()
			continue
		}
		out[i] = fd
	}
	return out, true
}

// sysIMCRecvmsg installs every descriptor received into the caller's own
// table (descriptor passing always lands in a fresh fd local to the
// receiving cage, never the sender's fd number) and writes the resulting
// fd numbers back to the caller alongside the truncation flags §4.4
// requires be preserved: 4 bytes of outFlags followed by one int32 per
// received descriptor, at the pointer in args[5]. args: fd, buf ptr,
// length, max descriptors, flags, out-vec ptr.
func sysIMCRecvmsg(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	d, isSentinel, _ := c.Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()

	u, length, maxFDs := args[1], args[2], args[3]
	if length > cage.MaxReadWrite {
		length = cage.MaxReadWrite
	}
	if maxFDs > cage.MaxDescVecLen {
		return int64(cage.EMSGSIZE)
	}
	local := make([]byte, length)
	n, fds, outFlags, err := d.RecvMsg([][]byte{local}, int(maxFDs), int(args[4]))
	if err != nil {
		return int64(errnoFor(err))
	}
	if _, ok := c.CopyIn(u, local[:n]); !ok {
		for _, fd := range fds {
			fd.Unref()
		}
		return int64(cage.EFAULT)
	}

	out := make([]byte, 4+len(fds)*4)
	putU32(out[0:4], uint32(outFlags))
	for i, fd := range fds {
		newFD := c.Descriptors.SetAvail(fd)
		putU32(out[4+i*4:8+i*4], uint32(newFD))
	}
	if _, ok := c.CopyIn(args[5], out); !ok {
		return int64(cage.EFAULT)
	}
	return int64(n)
}

func putU32(buf []byte, v uint32) {
	for i := 0; i < 4; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func sysIMCSocketpair(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	s1, s2 := newConnectedPair()
	fd1 := c.Descriptors.SetAvail(s1)
	fd2 := c.Descriptors.SetAvail(s2)
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[i] = byte(fd1 >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		out[4+i] = byte(fd2 >> (8 * i))
	}
	if _, ok := c.CopyIn(args[0], out); !ok {
		return int64(cage.EFAULT)
	}
	return 0
}

// sysIMCMemObjCreate models the source's shared-memory object creation
// (§4.4): an anonymous, mmap-able descriptor backed by a host byte slice,
// entirely in-process rather than backed by a real shm_open.
type shmDescriptor struct {
	desc.Base
	buf []byte
}

func (s *shmDescriptor) Read(p []byte) (int, error)  { return copy(p, s.buf), nil }
func (s *shmDescriptor) Write(p []byte) (int, error) { return copy(s.buf, p), nil }
func (s *shmDescriptor) IsSafeForMmap() bool          { return true }
func (s *shmDescriptor) Stat() (desc.Stat, error) {
	return desc.Stat{Size: int64(len(s.buf))}, nil
}

func sysIMCMemObjCreate(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	size := args[0]
	if size == 0 {
		return int64(cage.EINVAL)
	}
	size = cage.AllocRound(size)
	d := &shmDescriptor{buf: make([]byte, size)}
	d.Base = desc.NewBase(desc.KindSHM, nil)
	return int64(th.Cage().Descriptors.SetAvail(d))
}
