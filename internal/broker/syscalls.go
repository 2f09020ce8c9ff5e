package broker

// Syscall numbers. Arbitrary but stable within this runtime; untrusted
// code built against it links against these values the way glibc-on-NaCl
// links against the source's nacl_syscall_handlers.h table (out of scope
// here, §1).
const (
	SysBrk = iota
	SysMmap
	SysMunmap
	SysMprotect

	SysOpen
	SysClose
	SysRead
	SysWrite
	SysLseek
	SysFstat
	SysStat
	SysGetdents
	SysMkdir
	SysRmdir
	SysChdir
	SysGetcwd
	SysUnlink
	SysDup
	SysDup2
	SysDup3
	SysPipe
	SysIoctl

	SysMutexCreate
	SysMutexLock
	SysMutexUnlock
	SysMutexTryLock
	SysCondCreate
	SysCondWait
	SysCondSignal
	SysCondBroadcast
	SysCondTimedWait
	SysSemCreate
	SysSemWait
	SysSemPost
	SysSemGetValue

	SysIMCMakeBoundSock
	SysIMCAccept
	SysIMCConnect
	SysIMCSendmsg
	SysIMCRecvmsg
	SysIMCSocketpair
	SysIMCMemObjCreate

	SysTLSInit
	SysTLSGet
	SysSecondTLSSet
	SysSecondTLSGet
	SysThreadCreate

	SysNanosleep
	SysSchedYield
	SysClockGettime
	SysClockGetres
	SysGettimeofday

	SysExceptionHandler
	SysExceptionStack
	SysExceptionClearFlag

	SysExit
	SysFork
	SysExecve
	SysWaitpid
	SysGetpid
	SysSysconf
	SysThreadNice
)
