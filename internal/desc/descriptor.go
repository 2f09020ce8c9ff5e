// Package desc implements the polymorphic descriptor object (§4.1) and the
// per-cage descriptor table that maps user-visible cage-fds to them (§4.2).
package desc

import (
	"io"
	"sync/atomic"
	"time"
)

// Kind is the descriptor's type tag (§3).
type Kind int

const (
	KindInvalid Kind = iota
	KindHostIO
	KindDir
	KindSHM
	KindMutex
	KindCondvar
	KindSemaphore
	KindConnectedSocket
	KindBoundSocket
	KindConnCap
)

func (k Kind) String() string {
	switch k {
	case KindHostIO:
		return "host_io"
	case KindDir:
		return "dir"
	case KindSHM:
		return "shm"
	case KindMutex:
		return "mutex"
	case KindCondvar:
		return "condvar"
	case KindSemaphore:
		return "semaphore"
	case KindConnectedSocket:
		return "connected_socket"
	case KindBoundSocket:
		return "bound_socket"
	case KindConnCap:
		return "conn_cap"
	default:
		return "invalid"
	}
}

// ErrNotSupported is returned by a capability method a descriptor kind does
// not implement (§4.1: "unimplemented operations return not-supported").
var ErrNotSupported = errNotSupported{}

type errNotSupported struct{}

func (errNotSupported) Error() string { return "not-supported" }

// Descriptor is the capability set a handle may expose. A concrete
// implementation only needs to implement the methods relevant to its Kind;
// the rest inherit NotSupported from Base.
type Descriptor interface {
	Kind() Kind
	Ref()
	Unref() // releases one reference; the last Unref closes the descriptor
	Refcount() int32

	io.Reader
	io.Writer
	io.Seeker
	Stat() (Stat, error)
	Map(prot, flags int, offset, size uint64) (hostAddr uintptr, err error)
	IsSafeForMmap() bool

	Lock() error
	Unlock() error
	TryLock() error
	CondWait(deadline *time.Time) error
	CondSignal() error
	CondBroadcast() error
	SemWait(deadline *time.Time) error
	SemPost() error
	SemGetValue() (int, error)

	SendMsg(iov [][]byte, fds []Descriptor, flags int) (n int, err error)
	RecvMsg(iov [][]byte, maxFDs int, flags int) (n int, fds []Descriptor, outFlags int, err error)
	Accept() (Descriptor, error)
	Connect(addr string) error

	IOCtl(req uint32, arg []byte) error

	Close() error
}

// Stat mirrors the fields the broker's fstat/stat operations need.
type Stat struct {
	Size  int64
	Mode  uint32
	IsDir bool
}

// Base provides the refcount bookkeeping and "not supported" defaults every
// concrete descriptor embeds, the way the spec's §4.1 describes: "every
// operation... unimplemented operations return not-supported".
type Base struct {
	kind   Kind
	refs   int32
	closer func() error
}

// NewBase constructs a Base with an initial refcount of 1 (the reference
// the caller who created the descriptor holds).
func NewBase(kind Kind, closer func() error) Base {
	return Base{kind: kind, refs: 1, closer: closer}
}

func (b *Base) Kind() Kind      { return b.kind }
func (b *Base) Refcount() int32 { return atomic.LoadInt32(&b.refs) }
func (b *Base) Ref()            { atomic.AddInt32(&b.refs, 1) }

// Unref decrements the refcount and, on reaching zero, invokes the closer
// exactly once. Per §4.1/§8(5): references held by the descriptor table and
// by in-flight operations both count, and a descriptor is freed only when
// its refcount reaches zero.
func (b *Base) Unref() {
	if atomic.AddInt32(&b.refs, -1) == 0 && b.closer != nil {
		b.closer()
	}
}

func (b *Base) Read(p []byte) (int, error)  { return 0, ErrNotSupported }
func (b *Base) Write(p []byte) (int, error) { return 0, ErrNotSupported }
func (b *Base) Seek(offset int64, whence int) (int64, error) {
	return 0, ErrNotSupported
}
func (b *Base) Stat() (Stat, error) { return Stat{}, ErrNotSupported }
func (b *Base) Map(prot, flags int, offset, size uint64) (uintptr, error) {
	return 0, ErrNotSupported
}
func (b *Base) IsSafeForMmap() bool                           { return false }
func (b *Base) Lock() error                                   { return ErrNotSupported }
func (b *Base) Unlock() error                                 { return ErrNotSupported }
func (b *Base) TryLock() error                                { return ErrNotSupported }
func (b *Base) CondWait(deadline *time.Time) error            { return ErrNotSupported }
func (b *Base) CondSignal() error                             { return ErrNotSupported }
func (b *Base) CondBroadcast() error                          { return ErrNotSupported }
func (b *Base) SemWait(deadline *time.Time) error             { return ErrNotSupported }
func (b *Base) SemPost() error                                { return ErrNotSupported }
func (b *Base) SemGetValue() (int, error)                     { return 0, ErrNotSupported }
func (b *Base) SendMsg(iov [][]byte, fds []Descriptor, flags int) (int, error) {
	return 0, ErrNotSupported
}
func (b *Base) RecvMsg(iov [][]byte, maxFDs int, flags int) (int, []Descriptor, int, error) {
	return 0, nil, 0, ErrNotSupported
}
func (b *Base) Accept() (Descriptor, error)         { return nil, ErrNotSupported }
func (b *Base) Connect(addr string) error           { return ErrNotSupported }
func (b *Base) IOCtl(req uint32, arg []byte) error  { return ErrNotSupported }
func (b *Base) Close() error                        { return nil }

// Invalid is the descriptor used to represent the "invalid descriptor"
// sentinel when marshalling user invalid-fd values into descriptor
// references (§4.4, imc_sendmsg/recvmsg).
type Invalid struct{ Base }

func NewInvalid() *Invalid {
	return &Invalid{Base: NewBase(KindInvalid, nil)}
}

var _ Descriptor = (*Invalid)(nil)
