// Package sched implements the scheduler core and task lifecycle from
// spec sections 4.1 and 4.2: the ready set, the tick hook, the
// preemptive-with-round-robin selection policy, and task creation,
// deletion, suspend/resume, delay, yield, and priority adjustment.
//
// Every synchronization primitive (mutex, semaphore, cond, event, queue)
// is built on the small set of exported "Locked"/Park/Wake methods below;
// application code is expected to use the higher-level kernel package
// instead of this one directly, the same way eventloop's Loop is the
// surface users reach for even though it's built from registry/ingress/
// poller pieces analogous to this package's readySet/deadlines.
package sched

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/cmc-labo/tinyos-rtos-sub000/platform"
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoslog"
	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

// Token is the opaque critical-section handle from Enter/Exit.
type Token = platform.Token

type deadlineEntry struct {
	id       task.ID
	tick     uint64
	onExpire func(t *task.TCB)
}

// Kernel is the scheduler core plus the task pool it schedules over. It
// corresponds to spec section 3's "Global kernel state".
type Kernel struct {
	port platform.Port
	pool *task.Pool
	log  *rtoslog.Logger

	ready *readySet
	idle  *task.TCB

	current *task.TCB

	tick          uint64 // read with atomic.LoadUint64 outside the critical section
	switchCount   uint64
	quantum       uint32
	tickRateHz    uint32
	deadlines     []deadlineEntry
	tickHooks     []func(now uint64)
	startedFlag   atomic.Bool
	namesByHandle map[string]task.ID
}

// Config collects sched.New's construction-time parameters in a plain
// struct, mirroring microbatch's BatcherConfig; the kernel package's
// functional options fill it in.
type Config struct {
	Port        platform.Port
	MaxTasks    int
	Quantum     uint32 // ticks per round-robin slice
	TickRateHz  uint32
	Logger      *rtoslog.Logger
	IdleHook    func()
}

// New constructs a Kernel and its idle task, but does not start the tick
// source or run the scheduler; call Start for that.
func New(cfg Config) *Kernel {
	if cfg.Port == nil {
		panic("sched: nil Port")
	}
	if cfg.MaxTasks <= 0 {
		panic("sched: MaxTasks must be positive")
	}
	if cfg.Quantum == 0 {
		cfg.Quantum = 10
	}
	if cfg.TickRateHz == 0 {
		cfg.TickRateHz = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = rtoslog.Default()
	}

	pool := task.NewPool(cfg.MaxTasks + 1) // +1 reserved for idle
	k := &Kernel{
		port:          cfg.Port,
		pool:          pool,
		log:           cfg.Logger,
		ready:         newReadySet(pool),
		quantum:       cfg.Quantum,
		tickRateHz:    cfg.TickRateHz,
		namesByHandle: make(map[string]task.ID),
	}

	idleEntry := func(arg any) {
		hook, _ := arg.(func())
		for {
			k.Reschedule()
			if hook != nil {
				hook()
			} else {
				runtime.Gosched()
			}
		}
	}
	idle, ok := pool.New("idle", idleEntry, cfg.IdleHook, task.Idle, cfg.Quantum)
	if !ok {
		panic("sched: failed to allocate idle task")
	}
	k.idle = idle
	k.port.Spawn(idle, func() { idle.Entry(idle.Arg) })

	return k
}

// Enter begins a critical section, per spec section 4.9.
func (k *Kernel) Enter() Token { return k.port.CriticalEnter() }

// Exit ends the critical section started by the matching Enter.
func (k *Kernel) Exit(tok Token) { k.port.CriticalExit(tok) }

// CurrentLocked returns the running TCB. Must be called while holding the
// critical section.
func (k *Kernel) CurrentLocked() *task.TCB { return k.current }

// Current returns the running TCB, taking and releasing the critical
// section itself. Safe for application code (spec section 4.1's
// current_task()).
func (k *Kernel) Current() *task.TCB {
	tok := k.Enter()
	defer k.Exit(tok)
	return k.current
}

// Tick returns the monotonic tick counter.
func (k *Kernel) Tick() uint64 { return atomic.LoadUint64(&k.tick) }

// SwitchCount returns the global context-switch counter, for statistics.
func (k *Kernel) SwitchCount() uint64 {
	tok := k.Enter()
	defer k.Exit(tok)
	return k.switchCount
}

// TaskByIDLocked resolves a TCB by its stable ID. Must be called while
// holding the critical section.
func (k *Kernel) TaskByIDLocked(id task.ID) *task.TCB { return k.pool.Get(id) }

// Idle returns the always-present idle TCB.
func (k *Kernel) Idle() *task.TCB { return k.idle }

// Logger returns the kernel's structured logger, for sibling packages
// (mutex's priority-inheritance and contract-violation events) that want
// to log through the same sink without each constructing their own.
func (k *Kernel) Logger() *rtoslog.Logger { return k.log }

// Pool returns the kernel's task arena, for read-only iteration by
// diagnostics code such as the stats package.
func (k *Kernel) Pool() *task.Pool { return k.pool }

// RegisterTickHook adds a function invoked once per tick, outside the
// scheduler's own critical section, after tick bookkeeping and deadline
// processing. kernel.New uses this to wire the software-timer manager in
// without sched importing the timer package (see DESIGN.md).
func (k *Kernel) RegisterTickHook(fn func(now uint64)) {
	k.tickHooks = append(k.tickHooks, fn)
}

// Create allocates a task from the pool and makes it Ready, per spec
// section 4.2. name is truncated to task.NameCap visible bytes.
func (k *Kernel) Create(name string, entry task.Entry, arg any, priority task.Priority) (task.ID, error) {
	if entry == nil {
		return task.None, rtoserr.InvalidParam
	}
	tok := k.Enter()
	t, ok := k.pool.New(name, entry, arg, priority, k.quantum)
	if !ok {
		k.Exit(tok)
		return task.None, rtoserr.NoMemory
	}
	k.ready.push(t)
	if name != "" {
		k.namesByHandle[t.Name] = t.ID
	}
	k.Exit(tok)
	k.port.Spawn(t, func() { t.Entry(t.Arg) })
	k.log.Debug().Str("task", t.Name).Int("priority", int(priority)).Log("task created")
	return t.ID, nil
}

// TaskByName looks up a task by its (possibly truncated) name. This is a
// supplemented diagnostic feature (see SPEC_FULL.md); it is not part of
// spec.md's original operation list.
func (k *Kernel) TaskByName(name string) (task.ID, bool) {
	tok := k.Enter()
	defer k.Exit(tok)
	id, ok := k.namesByHandle[name]
	return id, ok
}

// Delete transitions t to Terminated and removes it from the ready set
// (and, defensively, from the delay/timeout deadline list). Deleting the
// running task never returns to the caller: per the open question in
// spec section 9 item 4, the source continued executing in the dead
// TCB's stack until the next yield, which is a real bug; this
// implementation schedules away and ends the calling goroutine via
// runtime.Goexit so application code can never observe a Terminated task
// resuming.
func (k *Kernel) Delete(id task.ID) error {
	tok := k.Enter()
	t := k.pool.Get(id)
	if t == nil {
		k.Exit(tok)
		return rtoserr.InvalidParam
	}
	if t == k.idle {
		k.Exit(tok)
		return rtoserr.InvalidParam
	}
	wasCurrent := t == k.current
	if t.State == task.Ready {
		k.ready.remove(t)
	}
	k.disarmDeadlinesForLocked(t)
	t.State = task.Terminated
	k.log.Debug().Str("task", t.Name).Log("task deleted")

	if !wasCurrent {
		k.Exit(tok)
		return nil
	}

	next := k.popReadyOrIdleLocked()
	next.State = task.Running
	k.current = next
	k.switchCount++
	k.Exit(tok)
	// nil prev: this goroutine is about to Goexit and must not park on a
	// resume signal nobody will ever send it.
	k.port.ContextSwitch(nil, next)
	runtime.Goexit()
	return nil // unreachable
}

// Suspend moves t from Ready to Suspended, removing it from the ready
// set. Suspending the running task forces a reschedule.
func (k *Kernel) Suspend(id task.ID) error {
	tok := k.Enter()
	t := k.pool.Get(id)
	if t == nil || t == k.idle {
		k.Exit(tok)
		return rtoserr.InvalidParam
	}
	if t.State != task.Ready && t.State != task.Running {
		k.Exit(tok)
		return rtoserr.InvalidParam
	}
	wasCurrent := t == k.current
	if t.State == task.Ready {
		k.ready.remove(t)
	}
	t.State = task.Suspended
	if !wasCurrent {
		k.Exit(tok)
		k.log.Debug().Str("task", t.Name).Log("task suspended")
		return nil
	}
	next := k.popReadyOrIdleLocked()
	next.State = task.Running
	k.current = next
	k.switchCount++
	k.Exit(tok)
	k.log.Debug().Str("task", t.Name).Log("task suspended")
	k.port.ContextSwitch(t, next)
	return nil
}

// Resume moves t from Suspended back to Ready.
func (k *Kernel) Resume(id task.ID) error {
	tok := k.Enter()
	defer k.Exit(tok)
	t := k.pool.Get(id)
	if t == nil {
		return rtoserr.InvalidParam
	}
	if t.State != task.Suspended {
		return rtoserr.InvalidParam
	}
	t.State = task.Ready
	t.ReloadQuantum()
	k.ready.push(t)
	k.log.Debug().Str("task", t.Name).Log("task resumed")
	return nil
}

// Delay blocks the calling task until the tick counter has advanced by at
// least ticks. Delay(0) behaves as Yield, per spec section 4.2.
func (k *Kernel) Delay(ticks uint64) {
	if ticks == 0 {
		k.Yield()
		return
	}
	tok := k.Enter()
	cur := k.current
	cur.State = task.Blocked
	k.armDeadlineLocked(cur, ticks, nil)
	k.parkCurrentAndSwitchLocked(tok)
}

// Yield voluntarily surrenders the remainder of the current time slice.
func (k *Kernel) Yield() {
	tok := k.Enter()
	k.current.TimeSlice = 0
	k.Exit(tok)
	k.Reschedule()
}

// BlockCurrentLocked marks the running task Blocked. The caller (a
// synchronization primitive) must already have linked it into its own
// wait queue before calling this.
func (k *Kernel) BlockCurrentLocked(t *task.TCB) {
	t.State = task.Blocked
}

// WakeLocked transitions a Blocked task back to Ready and links it into
// the ready set, unless it has been deleted out from under its waiter
// (State == Terminated), in which case this is a no-op.
func (k *Kernel) WakeLocked(t *task.TCB) {
	if t == nil || t.State == task.Terminated {
		return
	}
	t.State = task.Ready
	k.ready.push(t)
}

// ArmDeadlineLocked schedules onExpire to run (under the critical section,
// from the tick-processing context) if t is still waiting when the tick
// counter reaches now+timeoutTicks. timeoutTicks == 0 means "wait
// forever" and arms nothing, per spec section 4.3's timeout convention.
// onExpire may be nil.
func (k *Kernel) ArmDeadlineLocked(t *task.TCB, timeoutTicks uint64, onExpire func(*task.TCB)) {
	k.armDeadlineLocked(t, timeoutTicks, onExpire)
}

func (k *Kernel) armDeadlineLocked(t *task.TCB, timeoutTicks uint64, onExpire func(*task.TCB)) {
	if timeoutTicks == 0 {
		return
	}
	k.deadlines = append(k.deadlines, deadlineEntry{
		id:       t.ID,
		tick:     k.tick + timeoutTicks,
		onExpire: onExpire,
	})
}

// DisarmDeadlineLocked removes any pending deadline for t, used when a
// waiter is woken by a signal before its timeout expires.
func (k *Kernel) DisarmDeadlineLocked(t *task.TCB) {
	k.disarmDeadlinesForLocked(t)
}

func (k *Kernel) disarmDeadlinesForLocked(t *task.TCB) {
	for i := range k.deadlines {
		if k.deadlines[i].id == t.ID {
			k.deadlines = append(k.deadlines[:i], k.deadlines[i+1:]...)
			return
		}
	}
}

// ParkCurrentAndSwitch releases tok and blocks the calling goroutine until
// some other task/tick resumes it, having already marked it Blocked and
// linked it into a wait structure. It returns once the kernel later
// selects this task to run again.
func (k *Kernel) ParkCurrentAndSwitch(tok Token) {
	k.parkCurrentAndSwitchLocked(tok)
}

func (k *Kernel) parkCurrentAndSwitchLocked(tok Token) {
	cur := k.current
	next := k.popReadyOrIdleLocked()
	next.State = task.Running
	k.current = next
	k.switchCount++
	k.Exit(tok)
	k.port.ContextSwitch(cur, next)
}

func (k *Kernel) popReadyOrIdleLocked() *task.TCB {
	if t := k.ready.popHighest(); t != nil {
		return t
	}
	return k.idle
}

// SetPriority mutates both base and effective priority, per spec section
// 4.2.
func (k *Kernel) SetPriority(id task.ID, p task.Priority) error {
	tok := k.Enter()
	defer k.Exit(tok)
	t := k.pool.Get(id)
	if t == nil || t == k.idle {
		return rtoserr.InvalidParam
	}
	old := t.EffectivePriority
	t.BasePriority = p
	k.relinkPriorityLocked(t, p)
	k.forceYieldIfWorsenedLocked(t, old)
	return nil
}

// RaisePriority lowers (numerically) only the effective priority, leaving
// base untouched; used by priority inheritance.
func (k *Kernel) RaisePriority(id task.ID, p task.Priority) error {
	tok := k.Enter()
	defer k.Exit(tok)
	t := k.pool.Get(id)
	if t == nil || t == k.idle {
		return rtoserr.InvalidParam
	}
	k.relinkPriorityLocked(t, p)
	return nil
}

// RaisePriorityLocked is RaisePriority for callers that already hold the
// critical section (mutex's inheritance path).
func (k *Kernel) RaisePriorityLocked(t *task.TCB, p task.Priority) {
	k.relinkPriorityLocked(t, p)
}

// ResetPriority restores effective := base.
func (k *Kernel) ResetPriority(id task.ID) error {
	tok := k.Enter()
	defer k.Exit(tok)
	t := k.pool.Get(id)
	if t == nil || t == k.idle {
		return rtoserr.InvalidParam
	}
	old := t.EffectivePriority
	k.relinkPriorityLocked(t, t.BasePriority)
	k.forceYieldIfWorsenedLocked(t, old)
	return nil
}

// ResetPriorityLocked is ResetPriority for callers already holding the
// critical section.
func (k *Kernel) ResetPriorityLocked(t *task.TCB) {
	old := t.EffectivePriority
	k.relinkPriorityLocked(t, t.BasePriority)
	k.forceYieldIfWorsenedLocked(t, old)
}

func (k *Kernel) relinkPriorityLocked(t *task.TCB, p task.Priority) {
	if t.State == task.Ready {
		k.ready.remove(t)
		t.EffectivePriority = p
		k.ready.push(t)
		return
	}
	t.EffectivePriority = p
}

// forceYieldIfWorsenedLocked implements "when the running task's effective
// priority increases numerically (becomes lower priority), a yield is
// forced" (spec section 4.2). It must be called with the critical section
// still held; the actual switch happens after release via Reschedule.
func (k *Kernel) forceYieldIfWorsenedLocked(t *task.TCB, oldEffective task.Priority) {
	if t == k.current && t.EffectivePriority > oldEffective {
		t.TimeSlice = 0
	}
}

// Reschedule is the cooperative scheduling checkpoint every blocking
// kernel call (and the idle task's loop) invokes. It realizes, as soon as
// the running task next reaches a suspension point, any preemption or
// round-robin rotation the tick hook decided was due. The host simulation
// cannot interrupt a running goroutine, so preemption and rotation take
// effect only at these checkpoints.
func (k *Kernel) Reschedule() {
	tok := k.Enter()
	cur := k.current
	next, switched := k.maybeRotateOrPreemptLocked(cur)
	if !switched {
		k.Exit(tok)
		return
	}
	k.current = next
	next.State = task.Running
	k.switchCount++
	k.Exit(tok)
	k.port.ContextSwitch(cur, next)
}

func (k *Kernel) maybeRotateOrPreemptLocked(cur *task.TCB) (next *task.TCB, switched bool) {
	if p, ok := k.ready.highestNonEmpty(); ok && p < cur.EffectivePriority {
		next = k.ready.popHighest()
		if cur != k.idle {
			cur.State = task.Ready
			k.ready.push(cur)
		}
		return next, true
	}
	if cur.TimeSlice != 0 {
		return nil, false
	}
	cur.ReloadQuantum()
	if cur == k.idle {
		return nil, false
	}
	cur.State = task.Ready
	k.ready.push(cur)
	next = k.ready.popHighest()
	if next == cur {
		cur.State = task.Running
		return nil, false
	}
	return next, true
}

// TickHook advances the monotonic tick counter and performs the
// bookkeeping from spec section 4.1's tick algorithm: runtime/time-slice
// accounting, delay and timeout expirations, and dispatch of registered
// tick hooks (the software-timer manager). It never itself performs a
// context switch; see Reschedule.
func (k *Kernel) TickHook() {
	tok := k.Enter()
	k.tick++
	now := k.tick
	cur := k.current
	cur.Runtime++
	if cur.TimeSlice > 0 {
		cur.TimeSlice--
	}
	k.processDeadlinesLocked()
	k.Exit(tok)

	for _, h := range k.tickHooks {
		h(now)
	}
}

func (k *Kernel) processDeadlinesLocked() {
	if len(k.deadlines) == 0 {
		return
	}
	kept := k.deadlines[:0]
	for _, d := range k.deadlines {
		if d.tick > k.tick {
			kept = append(kept, d)
			continue
		}
		t := k.pool.Get(d.id)
		if t != nil && t.State != task.Terminated {
			if d.onExpire != nil {
				d.onExpire(t)
			}
			k.WakeLocked(t)
		}
	}
	k.deadlines = kept
}

// Start bootstraps the scheduler: it selects the first task to run,
// performs the initial context switch into it, and starts the tick
// source. It blocks until ctx is done, then stops the tick source and
// returns. This is the host-simulation stand-in for spec section 4.1's
// "start() (non-returning)": on real hardware the calling context never
// returns because the CPU is now the RTOS; here, the caller's goroutine
// parks on ctx instead.
func (k *Kernel) Start(ctx context.Context) error {
	if !k.startedFlag.CompareAndSwap(false, true) {
		return rtoserr.Busy
	}
	tok := k.Enter()
	first := k.popReadyOrIdleLocked()
	first.State = task.Running
	k.current = first
	k.switchCount++
	k.Exit(tok)
	k.port.ContextSwitch(nil, first)

	stop, err := k.port.TickSourceInit(k.tickRateHz, k.TickHook)
	if err != nil {
		return err
	}
	<-ctx.Done()
	stop()
	return nil
}
