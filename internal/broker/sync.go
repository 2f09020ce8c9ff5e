package broker

import (
	"time"

	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/desc"
)

func registerSyncSyscalls(b *Broker) {
	b.AddSyscall(SysMutexCreate, "mutex_create", sysMutexCreate)
	b.AddSyscall(SysMutexLock, "mutex_lock", sysMutexLock)
	b.AddSyscall(SysMutexUnlock, "mutex_unlock", sysMutexUnlock)
	b.AddSyscall(SysMutexTryLock, "mutex_trylock", sysMutexTryLock)
	b.AddSyscall(SysCondCreate, "cond_create", sysCondCreate)
	b.AddSyscall(SysCondWait, "cond_wait", sysCondWait)
	b.AddSyscall(SysCondSignal, "cond_signal", sysCondSignal)
	b.AddSyscall(SysCondBroadcast, "cond_broadcast", sysCondBroadcast)
	b.AddSyscall(SysCondTimedWait, "cond_timed_wait_abs", sysCondTimedWait)
	b.AddSyscall(SysSemCreate, "sem_create", sysSemCreate)
	b.AddSyscall(SysSemWait, "sem_wait", sysSemWait)
	b.AddSyscall(SysSemPost, "sem_post", sysSemPost)
	b.AddSyscall(SysSemGetValue, "sem_getvalue", sysSemGetValue)
}

// mutexDescriptor and condvarDescriptor and semaphoreDescriptor wrap the
// plain host synchronization primitives (sync.Mutex/sync.Cond/a counting
// channel) behind the desc.Descriptor capability set, the way the source's
// NaClMutex/NaClCondVar/NaClSemaphore objects sit behind its descriptor
// vtable (§4.1, §5).
type mutexDescriptor struct {
	desc.Base
	mu lockState
}

type lockState struct {
	ch chan struct{} // 1-buffered: held iff empty
}

func newLockState() lockState {
	ls := lockState{ch: make(chan struct{}, 1)}
	ls.ch <- struct{}{}
	return ls
}

func (l *lockState) Lock() error {
	<-l.ch
	return nil
}

func (l *lockState) TryLock() error {
	select {
	case <-l.ch:
		return nil
	default:
		return cage.EBUSY
	}
}

func (l *lockState) Unlock() error {
	select {
	case l.ch <- struct{}{}:
		return nil
	default:
		return cage.EPERM
	}
}

func newMutexDescriptor() *mutexDescriptor {
	d := &mutexDescriptor{mu: newLockState()}
	d.Base = desc.NewBase(desc.KindMutex, nil)
	return d
}

func (d *mutexDescriptor) Lock() error    { return d.mu.Lock() }
func (d *mutexDescriptor) Unlock() error  { return d.mu.Unlock() }
func (d *mutexDescriptor) TryLock() error { return d.mu.TryLock() }

type condvarDescriptor struct {
	desc.Base
	signal chan struct{}
}

func newCondvarDescriptor() *condvarDescriptor {
	d := &condvarDescriptor{signal: make(chan struct{})}
	d.Base = desc.NewBase(desc.KindCondvar, nil)
	return d
}

// waitOn blocks on the condvar until it is signalled or deadline passes. It
// touches no mutex: this runtime's cond_wait takes a mutex fd and a
// cond fd (§4.4), and the broker-level handler below unlocks/relocks the mutex
// around the actual wait, matching pthread_cond_wait semantics rather than
// modeling a condvar with its own internal lock.
func (d *condvarDescriptor) waitOn(deadline *time.Time) error {
	if deadline == nil {
		<-d.signal
		return nil
	}
	timer := time.NewTimer(time.Until(*deadline))
	defer timer.Stop()
	select {
	case <-d.signal:
		return nil
	case <-timer.C:
		return cage.ETIMEDOUT
	}
}

func (d *condvarDescriptor) CondSignal() error {
	select {
	case d.signal <- struct{}{}:
	default:
	}
	return nil
}

func (d *condvarDescriptor) CondBroadcast() error {
	for {
		select {
		case d.signal <- struct{}{}:
		default:
			return nil
		}
	}
}

type semaphoreDescriptor struct {
	desc.Base
	tokens chan struct{}
}

func newSemaphoreDescriptor(initial int32) *semaphoreDescriptor {
	d := &semaphoreDescriptor{tokens: make(chan struct{}, 1<<20)}
	for i := int32(0); i < initial; i++ {
		d.tokens <- struct{}{}
	}
	d.Base = desc.NewBase(desc.KindSemaphore, nil)
	return d
}

func (d *semaphoreDescriptor) SemWait(deadline *time.Time) error {
	if deadline == nil {
		<-d.tokens
		return nil
	}
	timer := time.NewTimer(time.Until(*deadline))
	defer timer.Stop()
	select {
	case <-d.tokens:
		return nil
	case <-timer.C:
		return cage.ETIMEDOUT
	}
}

func (d *semaphoreDescriptor) SemPost() error {
	select {
	case d.tokens <- struct{}{}:
	default:
	}
	return nil
}

func (d *semaphoreDescriptor) SemGetValue() (int, error) {
	return len(d.tokens), nil
}

func sysMutexCreate(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return int64(th.Cage().Descriptors.SetAvail(newMutexDescriptor()))
}

func lockDescriptor(c *cage.Cage, fd int32) (desc.Descriptor, bool) {
	d, isSentinel, _ := c.Descriptors.Get(fd)
	if isSentinel || d == nil {
		return nil, false
	}
	return d, true
}

func sysMutexLock(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	d, ok := lockDescriptor(th.Cage(), int32(args[0]))
	if !ok {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	if err := d.Lock(); err != nil {
		return int64(errnoFor(err))
	}
	return 0
}

func sysMutexUnlock(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	d, ok := lockDescriptor(th.Cage(), int32(args[0]))
	if !ok {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	if err := d.Unlock(); err != nil {
		return int64(errnoFor(err))
	}
	return 0
}

func sysMutexTryLock(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	d, ok := lockDescriptor(th.Cage(), int32(args[0]))
	if !ok {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	if err := d.TryLock(); err != nil {
		return int64(errnoFor(err))
	}
	return 0
}

func sysCondCreate(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return int64(th.Cage().Descriptors.SetAvail(newCondvarDescriptor()))
}

// sysCondWait implements the mutex-unlock/wait/mutex-relock protocol
// (§4.4: "cond_wait: argument is (mutex_fd, cond_fd); unlocks the mutex,
// waits, relocks before returning").
func sysCondWait(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	mtx, ok := lockDescriptor(c, int32(args[0]))
	if !ok {
		return int64(cage.EBADF)
	}
	defer mtx.Unref()
	cv, ok := lockDescriptor(c, int32(args[1]))
	if !ok {
		return int64(cage.EBADF)
	}
	defer cv.Unref()
	cvd, ok := cv.(*condvarDescriptor)
	if !ok {
		return int64(cage.EINVAL)
	}
	if err := mtx.Unlock(); err != nil {
		return int64(errnoFor(err))
	}
	waitErr := cvd.waitOn(nil)
	if err := mtx.Lock(); err != nil {
		return int64(errnoFor(err))
	}
	if waitErr != nil {
		return int64(errnoFor(waitErr))
	}
	return 0
}

// sysCondTimedWait is cond_wait with an absolute deadline (§5: "timed_wait
// and timed_join take absolute deadlines").
func sysCondTimedWait(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	c := th.Cage()
	mtx, ok := lockDescriptor(c, int32(args[0]))
	if !ok {
		return int64(cage.EBADF)
	}
	defer mtx.Unref()
	cv, ok := lockDescriptor(c, int32(args[1]))
	if !ok {
		return int64(cage.EBADF)
	}
	defer cv.Unref()
	cvd, ok := cv.(*condvarDescriptor)
	if !ok {
		return int64(cage.EINVAL)
	}
	deadline := absDeadline(args[2], args[3])
	if err := mtx.Unlock(); err != nil {
		return int64(errnoFor(err))
	}
	waitErr := cvd.waitOn(&deadline)
	if err := mtx.Lock(); err != nil {
		return int64(errnoFor(err))
	}
	if waitErr != nil {
		return int64(errnoFor(waitErr))
	}
	return 0
}

func sysCondSignal(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	d, isSentinel, _ := th.Cage().Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	d.CondSignal()
	return 0
}

func sysCondBroadcast(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	d, isSentinel, _ := th.Cage().Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	d.CondBroadcast()
	return 0
}

func sysSemCreate(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	return int64(th.Cage().Descriptors.SetAvail(newSemaphoreDescriptor(int32(args[0]))))
}

func sysSemWait(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	d, isSentinel, _ := th.Cage().Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	if err := d.SemWait(nil); err != nil {
		return int64(errnoFor(err))
	}
	return 0
}

func sysSemPost(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	d, isSentinel, _ := th.Cage().Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	d.SemPost()
	return 0
}

func sysSemGetValue(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	d, isSentinel, _ := th.Cage().Descriptors.Get(int32(args[0]))
	if isSentinel || d == nil {
		return int64(cage.EBADF)
	}
	defer d.Unref()
	v, err := d.SemGetValue()
	if err != nil {
		return int64(cage.EINVAL)
	}
	return int64(v)
}

// absDeadline rebuilds a time.Time out of the (seconds, nanoseconds) pair a
// timed syscall receives in its argument registers (§4.4).
func absDeadline(sec, nsec uint64) time.Time {
	return time.Unix(int64(sec), int64(nsec))
}

// errnoFor translates a descriptor-layer error into the errno this
// runtime's ABI returns it as. ErrNotSupported means the fd's Kind does not
// implement this capability; the sync primitives above already return a
// well-formed cage.Errno directly.
func errnoFor(err error) cage.Errno {
	if e, ok := err.(cage.Errno); ok {
		return e
	}
	if err == desc.ErrNotSupported {
		return cage.EINVAL
	}
	return cage.EIO
}
