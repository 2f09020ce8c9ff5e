package cage

import (
	"fmt"
	"sync"

	"github.com/cagerun/cage/internal/desc"
	"github.com/cagerun/cage/internal/loader"
	"github.com/cagerun/cage/internal/vm"
)

// RunState is a cage's lifecycle state (§3).
type RunState int

const (
	StateLoading RunState = iota
	StateRunning
	StateExiting
)

func (s RunState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// ForkState is the small state machine described in §4.8: idle -> forking
// -> idle, manipulated only by the parent.
type ForkState int

const (
	ForkIdle ForkState = iota
	ForkInProgress
)

// Cage is an isolated user-mode module instance: its own address window,
// VM map, descriptor table, and thread set, per §3.
type Cage struct {
	rt *Runtime

	id       int64
	nickname string

	// parent is a weak back-reference, per the re-architecture note in §9
	// ("cycles... break by weak back-reference"): it is never used to keep
	// the parent alive, only to find it while it still exists.
	parent   *Cage
	parentID int64
	hasParent bool

	childrenMu sync.Mutex
	children   map[int64]*Cage
	maxChildren int

	// Memory backs the cage's entire address window. Real NaCl-style
	// runtimes reserve a host virtual-memory region and let the hardware
	// MMU enforce the window bound; an in-process Go runtime has no
	// equivalent privilege, so the window is modeled directly as a Go byte
	// slice and every user pointer is an offset into it. memStart is kept
	// purely so UserToSys still returns the mem_start+u host address the
	// spec's address-translation contract (§6) describes; callers that
	// need to touch bytes use CopyIn/CopyOut/Bytes below instead of
	// dereferencing that address themselves.
	Memory    []byte
	memStart  uintptr
	addrBits  uint
	breakMu   sync.Mutex
	breakAddr uint64
	dataEnd   uint64
	stackSize uint64

	VMMap      *vm.Map
	Descriptors *desc.Table

	threadsMu sync.Mutex
	threads   map[int32]*Thread
	nextTID   int32

	runStateMu sync.Mutex
	runState   RunState

	forkStateMu sync.Mutex
	forkState   ForkState

	moduleLoadStatus loader.Status
	modulePath       string

	argvMu sync.Mutex
	argv   []string
	envp   []string

	EnableExceptionHandling bool
	ValidatorPolicy         string
	exceptionMu             sync.Mutex
	exceptionHandlerAddr    uint64

	exitCodeMu sync.Mutex
	exitCode   int32
	exited     chan struct{}

	NameServiceCap *desc.Invalid // placeholder capability slot (§3); unused by the core broker
}

// ID is the cage's process-id equivalent. §9's open question about
// getpid's buggy "++num_children" behavior is resolved here: it simply
// returns the cage id.
func (c *Cage) ID() int64         { return c.id }
func (c *Cage) Nickname() string  { return c.nickname }
func (c *Cage) ModulePath() string { return c.modulePath }

// Argv and Envp report the argument/environment vector the cage is
// currently running with — the canonical argv execve built, or the single
// module-name argv a freshly created cage starts with.
func (c *Cage) Argv() []string {
	c.argvMu.Lock()
	defer c.argvMu.Unlock()
	return append([]string(nil), c.argv...)
}

func (c *Cage) Envp() []string {
	c.argvMu.Lock()
	defer c.argvMu.Unlock()
	return append([]string(nil), c.envp...)
}

func (c *Cage) setArgv(argv, envp []string) {
	c.argvMu.Lock()
	c.argv = argv
	c.envp = envp
	c.argvMu.Unlock()
}

func (c *Cage) RunState() RunState {
	c.runStateMu.Lock()
	defer c.runStateMu.Unlock()
	return c.runState
}

func (c *Cage) setRunState(s RunState) {
	c.runStateMu.Lock()
	c.runState = s
	c.runStateMu.Unlock()
}

// UserToSys implements the address translation contract (§6):
// mem_start + u if u < 2^addr_bits, else BAD.
func (c *Cage) UserToSys(u uint64) (uintptr, bool) {
	if u >= uint64(1)<<c.addrBits {
		return 0, false
	}
	return c.memStart + uintptr(u), true
}

// UserToSysRange validates u+len <= 2^addr_bits without overflow.
func (c *Cage) UserToSysRange(u, length uint64) (uintptr, bool) {
	limit := uint64(1) << c.addrBits
	if length > limit || u > limit-length {
		return 0, false // overflow or out of window
	}
	return c.UserToSys(u)
}

// NewCageParams configures cage creation (§4.6).
type NewCageParams struct {
	AddrBits  uint
	StackSize uint64
	MemStart  uintptr // host base of the address window; tests may fake this

	EnableExceptionHandling bool
	ValidatorPolicy         string
	MaxChildren             int
}

// NewCage creates a new, parentless "main" cage (§4.6): it loads the module
// and runs prepare-to-launch through the rt.Loader collaborator, which is
// explicitly out of scope to implement here (§1), then registers the cage.
// The descriptor table starts empty; no standard initial descriptors are
// installed, no CPU-feature check is made and no service threads are
// started. MaxChildren, ValidatorPolicy and EnableExceptionHandling fall
// back to rt.Policy when params leaves them zero.
func (rt *Runtime) NewCage(params NewCageParams, modulePath string) (*Cage, error) {
	img, status := rt.Loader.Load(modulePath)
	if !status.OK() {
		return nil, fmt.Errorf("cage: module load failed: status=%d", status)
	}
	if status := rt.Loader.PrepareToLaunch(img); !status.OK() {
		return nil, fmt.Errorf("cage: prepare-to-launch failed: status=%d", status)
	}

	maxChildren := params.MaxChildren
	if maxChildren == 0 {
		maxChildren = rt.Policy.MaxChildren
	}
	validatorPolicy := params.ValidatorPolicy
	if validatorPolicy == "" {
		validatorPolicy = rt.Policy.ValidatorPolicy
	}

	c := &Cage{
		rt:                      rt,
		children:                make(map[int64]*Cage),
		maxChildren:             maxChildren,
		Memory:                  make([]byte, uint64(1)<<params.AddrBits),
		memStart:                params.MemStart,
		addrBits:                params.AddrBits,
		breakAddr:               img.DataEnd,
		dataEnd:                 img.DataEnd,
		stackSize:               params.StackSize,
		VMMap:                   vm.New(params.AddrBits),
		Descriptors:             desc.NewTable(),
		threads:                 make(map[int32]*Thread),
		runState:                StateLoading,
		moduleLoadStatus:        status,
		modulePath:              modulePath,
		argv:                    []string{modulePath},
		EnableExceptionHandling: params.EnableExceptionHandling || rt.Policy.EnableExceptionHandling,
		ValidatorPolicy:         validatorPolicy,
		exited:                  make(chan struct{}),
	}
	rt.register(c)
	c.setRunState(StateRunning)
	return c, nil
}

// addChild links child under parent while holding the parent's
// childrenMu, failing when the parent's children array is full. Registry
// insertion happens earlier, in NewCage; no condition is broadcast
// here (waiters block on the child's exited channel instead).
func (parent *Cage) addChild(child *Cage) error {
	parent.childrenMu.Lock()
	defer parent.childrenMu.Unlock()
	if len(parent.children) >= parent.maxChildren {
		return fmt.Errorf("cage: parent %d children array is full (max %d)", parent.id, parent.maxChildren)
	}
	parent.children[child.id] = child
	child.parent = parent
	child.parentID = parent.id
	child.hasParent = true
	return nil
}

func (parent *Cage) removeChild(childID int64) {
	parent.childrenMu.Lock()
	delete(parent.children, childID)
	parent.childrenMu.Unlock()
}

// NumChildren is the §8(3) invariant's left-hand side.
func (c *Cage) NumChildren() int {
	c.childrenMu.Lock()
	defer c.childrenMu.Unlock()
	return len(c.children)
}

// ChildIDs returns a snapshot of current children ids.
func (c *Cage) ChildIDs() []int64 {
	c.childrenMu.Lock()
	defer c.childrenMu.Unlock()
	ids := make([]int64, 0, len(c.children))
	for id := range c.children {
		ids = append(ids, id)
	}
	return ids
}

func (c *Cage) Child(id int64) *Cage {
	c.childrenMu.Lock()
	defer c.childrenMu.Unlock()
	return c.children[id]
}

// Parent returns the parent cage and whether one exists.
func (c *Cage) Parent() (*Cage, bool) {
	return c.parent, c.hasParent
}

// BreakAddr returns the current data break.
func (c *Cage) BreakAddr() uint64 {
	c.breakMu.Lock()
	defer c.breakMu.Unlock()
	return c.breakAddr
}

// SetBreak updates the current data break (§4.4 brk).
func (c *Cage) SetBreak(newBreak uint64) {
	c.breakMu.Lock()
	c.breakAddr = newBreak
	c.breakMu.Unlock()
}

// DataEnd returns the initial data segment end (the floor brk can't shrink
// below, §4.4).
func (c *Cage) DataEnd() uint64 { return c.dataEnd }

// AddrBits, StackSize, and MemStart expose the parameters a cage was
// created with, so collaborators like fork can derive a child cage's
// NewCageParams from its parent (§4.8).
func (c *Cage) AddrBits() uint    { return c.addrBits }
func (c *Cage) StackSize() uint64 { return c.stackSize }
func (c *Cage) MemStart() uintptr { return c.memStart }

// SetExceptionHandler installs the cage's fault-handler entry point
// (§4.4's exception_handler). Callers must already have checked
// EnableExceptionHandling.
func (c *Cage) SetExceptionHandler(addr uint64) {
	c.exceptionMu.Lock()
	c.exceptionHandlerAddr = addr
	c.exceptionMu.Unlock()
}

// ExceptionHandler returns the cage's registered fault-handler address, or
// 0 if none has been installed.
func (c *Cage) ExceptionHandler() uint64 {
	c.exceptionMu.Lock()
	defer c.exceptionMu.Unlock()
	return c.exceptionHandlerAddr
}

// Bytes returns a read/write view of the cage's memory at [u, u+length),
// after checking the range lies entirely within the address window and is
// covered by a VM map entry compatible with want (§6's user_to_sys_range,
// folded together with the per-page accessibility check a real mmu would
// perform). ok is false (EFAULT territory) on any violation.
func (c *Cage) Bytes(u, length uint64, want vm.Prot) ([]byte, bool) {
	if _, ok := c.UserToSysRange(u, length); !ok {
		return nil, false
	}
	if length == 0 {
		return c.Memory[u:u], true
	}
	page := u / Page
	npages := PagesForBytes((u%Page)+length)
	if !c.VMMap.CheckExisting(page, npages, want) {
		return nil, false
	}
	return c.Memory[u : u+length], true
}

// CopyOut copies length bytes starting at user offset u into dst (host
// memory, e.g. a broker-local buffer), requiring the range to be readable.
func (c *Cage) CopyOut(dst []byte, u uint64) (int, bool) {
	src, ok := c.Bytes(u, uint64(len(dst)), vm.ProtRead)
	if !ok {
		return 0, false
	}
	return copy(dst, src), true
}

// CopyIn copies src into the cage's memory at user offset u, requiring the
// range to be writable.
func (c *Cage) CopyIn(u uint64, src []byte) (int, bool) {
	dst, ok := c.Bytes(u, uint64(len(src)), vm.ProtWrite)
	if !ok {
		return 0, false
	}
	return copy(dst, src), true
}
