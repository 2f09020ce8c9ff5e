package broker

import (
	"time"

	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/hostthread"
)

func registerTimeSyscalls(b *Broker) {
	b.AddSyscall(SysNanosleep, "nanosleep", sysNanosleep)
	b.AddSyscall(SysSchedYield, "sched_yield", sysSchedYield)
	b.AddSyscall(SysClockGettime, "clock_gettime", sysClockGettime)
	b.AddSyscall(SysClockGetres, "clock_getres", sysClockGetres)
	b.AddSyscall(SysGettimeofday, "gettimeofday", sysGettimeofday)
}

const (
	clockRealtime  = 0
	clockMonotonic = 1
)

// coarsen rounds d down to the policy's coarse timer granularity unless
// high-resolution timers are enabled (§4.4: "nanosleep/clock_gettime/...
// honor policy.HighResTimer; when false, results are coarsened to
// CoarseTimerUS").
func coarsen(b *Broker, d time.Duration) time.Duration {
	if b.rt.Policy.HighResTimer {
		return d
	}
	unit := time.Duration(cage.CoarseTimerUS) * time.Microsecond
	return (d / unit) * unit
}

func sysNanosleep(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	sec, nsec := int64(args[0]), int64(args[1])
	d := coarsen(b, time.Duration(sec)*time.Second+time.Duration(nsec))
	if d < 0 {
		return int64(cage.EINVAL)
	}
	time.Sleep(d)
	return 0
}

func sysSchedYield(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	hostthread.Yield()
	return 0
}

func putTimespec(c *cage.Cage, u uint64, d time.Duration) bool {
	sec := int64(d / time.Second)
	nsec := int64(d % time.Second)
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(sec >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(nsec >> (8 * i))
	}
	_, ok := c.CopyIn(u, buf)
	return ok
}

func sysClockGettime(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	clockID := args[0]
	if clockID != clockRealtime && clockID != clockMonotonic {
		return int64(cage.EINVAL)
	}
	now := coarsen(b, time.Duration(time.Now().UnixNano()))
	if !putTimespec(th.Cage(), args[1], now) {
		return int64(cage.EFAULT)
	}
	return 0
}

func sysClockGetres(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	clockID := args[0]
	if clockID != clockRealtime && clockID != clockMonotonic {
		return int64(cage.EINVAL)
	}
	res := time.Duration(cage.HighResTimerUS) * time.Microsecond
	if !b.rt.Policy.HighResTimer {
		res = time.Duration(cage.CoarseTimerUS) * time.Microsecond
	}
	if !putTimespec(th.Cage(), args[1], res) {
		return int64(cage.EFAULT)
	}
	return 0
}

func sysGettimeofday(b *Broker, th *cage.Thread, args [6]uint64) int64 {
	now := coarsen(b, time.Duration(time.Now().UnixNano()))
	if !putTimespec(th.Cage(), args[0], now) {
		return int64(cage.EFAULT)
	}
	return 0
}
