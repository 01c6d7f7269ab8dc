// Package task defines the task control block (TCB) and the priority and
// state types shared by every kernel primitive. Per the kernel's
// arena-and-index redesign (replacing the source's raw intrusive pointer
// graphs, see DESIGN.md), a TCB's stable identity is its ID: an index into
// a Pool. Wait queues and the ready set link TCBs by ID rather than by
// pointer, which makes dangling references impossible.
package task

import (
	"fmt"
)

// Priority is an 8-bit scheduling priority. 0 is highest; 255 is lowest.
// This is a distinct numeric type specifically so the scheduler's ready-set
// indexing operation is total by construction (see DESIGN.md).
type Priority uint8

// Named priority bands, as specified.
const (
	Critical Priority = 0
	High     Priority = 64
	Normal   Priority = 128
	Low      Priority = 192
	Idle     Priority = 255
)

// State is a TCB's lifecycle state.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Suspended
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ID identifies a TCB by its stable position in a Pool, starting at 0 for
// the first TCB allocated. None is used to represent "no task" / "not
// linked".
type ID int32

// None is the sentinel ID meaning "no task" (an empty next-link, an unset
// owner, etc).
const None ID = -1

// NameCap is the maximum number of visible bytes in a task Name, matching
// the persisted-format limit in spec section 6 (15 visible bytes plus a
// terminator in the original fixed-capacity byte string).
const NameCap = 15

// Entry is a task's entry function. arg is the opaque argument supplied at
// creation time.
type Entry func(arg any)

// TCB is a task control block. Fields mutated by the scheduler are only
// ever touched inside the kernel's critical section; application code
// must not reach into a TCB it doesn't own.
type TCB struct {
	ID ID

	Name string // truncated to NameCap visible bytes by Pool.New

	BasePriority      Priority
	EffectivePriority Priority

	State State

	// TimeSlice is the number of ticks remaining before a round-robin
	// rotation at this priority level.
	TimeSlice uint32
	quantum   uint32 // the configured full quantum, reloaded on rotation

	// Runtime is the cumulative number of ticks this task has been the
	// running task, used for CPU usage statistics.
	Runtime uint64

	// DelayUntil is not written by the scheduler: sched.Kernel.Delay
	// records the wake-up tick in its own deadline list instead.
	DelayUntil uint64

	Entry Entry
	Arg   any

	// next is the intrusive link used by whichever queue currently owns
	// this TCB (a ready-set slot, a primitive's wait queue, or the timer
	// list is not applicable to tasks). None when not linked, or when this
	// is the tail of its queue.
	next ID

	// slot records which ready-set priority index this TCB is currently
	// linked into, since EffectivePriority may be mutated (by inheritance
	// or an explicit priority change) after linking but before unlinking.
	slot Priority

	// resume is the baton-passing channel platform.Sim (or any Port built
	// the same way) uses to simulate a context switch into this task. Ports
	// that drive real hardware stacks don't need this field.
	resume chan struct{}
	// done is closed by platform.Sim once the task's Entry function
	// returns. A task that deletes itself ends its goroutine without
	// closing it.
	done chan struct{}
}

// Next returns the intrusive next-link (task.None if untailed/unlinked).
func (t *TCB) Next() ID { return t.next }

// SetNext sets the intrusive next-link. Exported for use by sibling
// packages (sched's ready set, mutex/semaphore/cond/event/queue wait
// queues) that build intrusive FIFO lists over a shared Pool; it must not
// be called by application code.
func (t *TCB) SetNext(id ID) { t.next = id }

// ReadySlot returns the priority index t was last linked into by a ready
// set, valid only while t.State == Ready.
func (t *TCB) ReadySlot() Priority { return t.slot }

// SetReadySlot records the ready-set slot t was linked into. Exported for
// sched's readySet; must not be called by application code.
func (t *TCB) SetReadySlot(p Priority) { t.slot = p }

// Resume returns the task's baton-passing channel, used by platform.Sim.
func (t *TCB) Resume() chan struct{} { return t.resume }

// Done returns the task's completion channel, used by platform.Sim.
func (t *TCB) Done() chan struct{} { return t.done }

func truncateName(name string) string {
	if len(name) <= NameCap {
		return name
	}
	return name[:NameCap]
}

// Pool is a fixed-capacity arena of TCBs, analogous to a statically sized
// array of task control blocks on a real target. Pool is not safe for
// concurrent use by itself; callers (sched.Kernel) serialize access via
// their own critical section.
type Pool struct {
	tasks    []*TCB
	capacity int
}

// NewPool constructs a Pool with room for exactly capacity tasks.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		panic("task: pool capacity must be positive")
	}
	return &Pool{tasks: make([]*TCB, 0, capacity), capacity: capacity}
}

// Len returns the number of tasks currently allocated from the pool
// (including Terminated tasks; deletion does not free the slot, matching
// spec section 4.1: a deleted task's TCB is caller-owned and not freed).
func (p *Pool) Len() int { return len(p.tasks) }

// Capacity returns the pool's fixed capacity.
func (p *Pool) Capacity() int { return p.capacity }

// New allocates a TCB from the pool. It returns (nil, false) if the pool
// is already at capacity, letting the caller translate that into
// rtoserr.NoMemory without this package importing rtoserr.
func (p *Pool) New(name string, entry Entry, arg any, priority Priority, quantum uint32) (*TCB, bool) {
	if len(p.tasks) >= p.capacity {
		return nil, false
	}
	t := &TCB{
		ID:                ID(len(p.tasks)),
		Name:              truncateName(name),
		BasePriority:      priority,
		EffectivePriority: priority,
		State:             Ready,
		TimeSlice:         quantum,
		quantum:           quantum,
		Entry:             entry,
		Arg:               arg,
		next:              None,
		resume:            make(chan struct{}),
		done:               make(chan struct{}),
	}
	p.tasks = append(p.tasks, t)
	return t, true
}

// Get returns the TCB for id, or nil if id is out of range.
func (p *Pool) Get(id ID) *TCB {
	if id == None || int(id) < 0 || int(id) >= len(p.tasks) {
		return nil
	}
	return p.tasks[id]
}

// ReloadQuantum resets TimeSlice to the task's configured full quantum,
// used when a task rotates to the tail of its ready slot.
func (t *TCB) ReloadQuantum() { t.TimeSlice = t.quantum }

// CPUUsagePercent computes (Runtime*100)/globalTicks, clamped to [0,100],
// per spec section 4.12.
func (t *TCB) CPUUsagePercent(globalTicks uint64) int {
	if globalTicks == 0 {
		return 0
	}
	pct := int((t.Runtime * 100) / globalTicks)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func (t *TCB) String() string {
	return fmt.Sprintf("task(%d %q pri=%d/%d state=%s)", t.ID, t.Name, t.EffectivePriority, t.BasePriority, t.State)
}
