// Package mutex implements the priority-inheritance mutex from spec
// section 4.4: a binary lock owned by exactly one task at a time, where a
// blocked higher-priority waiter temporarily raises the owner's effective
// priority so it cannot be starved by medium-priority tasks (the classic
// priority-inversion scenario in spec section 8).
package mutex

import (
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
	"github.com/cmc-labo/tinyos-rtos-sub000/sched"
	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

// Mutex is a single priority-inheritance mutex. The zero value is not
// usable; construct with New.
type Mutex struct {
	k *sched.Kernel

	owner     task.ID // task.None when unlocked
	ownerBase task.Priority
	waitHead  task.ID
	waitTail  task.ID
}

// New constructs an unlocked Mutex bound to k.
func New(k *sched.Kernel) *Mutex {
	return &Mutex{k: k, owner: task.None, waitHead: task.None, waitTail: task.None}
}

// Lock acquires the mutex, blocking up to timeoutTicks ticks if it is
// already held (0 means wait forever). It returns rtoserr.Timeout if the
// wait expires, or rtoserr.InvalidParam if the calling task already holds
// it (recursive locking is not supported, per spec section 4.4's
// non-goals).
func (m *Mutex) Lock(timeoutTicks uint64) error {
	tok := m.k.Enter()
	cur := m.k.CurrentLocked()

	if m.owner == task.None {
		m.owner = cur.ID
		m.ownerBase = cur.EffectivePriority
		m.k.Exit(tok)
		return nil
	}
	if m.owner == cur.ID {
		m.k.Exit(tok)
		return rtoserr.InvalidParam
	}

	owner := m.k.TaskByIDLocked(m.owner)
	m.enqueueLocked(cur)
	m.k.BlockCurrentLocked(cur)
	if owner != nil && cur.EffectivePriority < owner.EffectivePriority {
		m.k.Logger().Debug().
			Str("owner", owner.Name).
			Int("owner_priority", int(owner.EffectivePriority)).
			Int("raised_to", int(cur.EffectivePriority)).
			Log("priority inheritance boost")
		m.k.RaisePriorityLocked(owner, cur.EffectivePriority)
	}

	timedOut := false
	m.k.ArmDeadlineLocked(cur, timeoutTicks, func(t *task.TCB) {
		timedOut = true
		m.removeWaiterLocked(t)
	})
	m.k.ParkCurrentAndSwitch(tok)

	if timedOut {
		return rtoserr.Timeout
	}
	return nil
}

// Unlock releases the mutex. The caller must currently hold it. If
// waiters are queued, ownership transfers directly to the
// highest-priority (longest-waiting among equals) waiter, and the
// releasing task's effective priority resets to its base, per spec
// section 4.4.
func (m *Mutex) Unlock() error {
	tok := m.k.Enter()
	defer m.k.Exit(tok)
	return m.unlockLocked()
}

// UnlockLocked is Unlock for a caller that already holds the kernel's
// critical section (cond.Wait, which must release the caller's mutex from
// inside the same section it parks the waiter under, per spec section 4.6's
// atomicity requirement — calling the section-entering Unlock from there
// would re-enter the non-reentrant critical section and deadlock).
func (m *Mutex) UnlockLocked() error {
	return m.unlockLocked()
}

func (m *Mutex) unlockLocked() error {
	cur := m.k.CurrentLocked()
	if m.owner != cur.ID {
		m.k.Logger().Warning().Str("task", cur.Name).Log("unlock by non-owner")
		return rtoserr.PermissionDenied
	}

	m.k.ResetPriorityLocked(cur)

	next := m.dequeueLocked()
	if next == nil {
		m.owner = task.None
		return nil
	}
	m.k.DisarmDeadlineLocked(next)
	m.owner = next.ID
	m.ownerBase = next.EffectivePriority
	m.k.WakeLocked(next)
	return nil
}

// Owner reports the current owner, or task.None if unlocked.
func (m *Mutex) Owner() task.ID {
	tok := m.k.Enter()
	defer m.k.Exit(tok)
	return m.owner
}

func (m *Mutex) enqueueLocked(t *task.TCB) {
	t.SetNext(task.None)
	if m.waitHead == task.None {
		m.waitHead = t.ID
		m.waitTail = t.ID
		return
	}
	m.k.TaskByIDLocked(m.waitTail).SetNext(t.ID)
	m.waitTail = t.ID
}

// dequeueLocked removes and returns the highest-priority waiter
// (FIFO among equal priorities), matching the ready set's own tie-break.
func (m *Mutex) dequeueLocked() *task.TCB {
	var best task.ID = task.None
	var bestPrev task.ID = task.None
	bestPriority := task.Priority(255)

	prev := task.None
	id := m.waitHead
	for id != task.None {
		cur := m.k.TaskByIDLocked(id)
		if cur.EffectivePriority < bestPriority {
			bestPriority = cur.EffectivePriority
			best = id
			bestPrev = prev
		}
		prev = id
		id = cur.Next()
	}
	if best == task.None {
		return nil
	}
	m.unlinkLocked(best, bestPrev)
	return m.k.TaskByIDLocked(best)
}

func (m *Mutex) removeWaiterLocked(t *task.TCB) {
	prev := task.None
	id := m.waitHead
	for id != task.None {
		cur := m.k.TaskByIDLocked(id)
		if id == t.ID {
			m.unlinkLocked(id, prev)
			return
		}
		prev = id
		id = cur.Next()
	}
}

func (m *Mutex) unlinkLocked(id, prev task.ID) {
	cur := m.k.TaskByIDLocked(id)
	if prev == task.None {
		m.waitHead = cur.Next()
	} else {
		m.k.TaskByIDLocked(prev).SetNext(cur.Next())
	}
	if m.waitTail == id {
		m.waitTail = prev
	}
	cur.SetNext(task.None)
}
