// Package cond implements the condition variable from spec section 4.6:
// Wait atomically unlocks a caller-supplied mutex and blocks, re-locking
// it before returning; Signal wakes one waiter, Broadcast wakes all.
// Unlike a pthread-style cond, this one is bound to a mutex only for the
// duration of a single Wait call rather than for its whole lifetime,
// since spec section 4.6 allows a cond to be reused with different
// mutexes across calls.
package cond

import (
	"github.com/cmc-labo/tinyos-rtos-sub000/mutex"
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
	"github.com/cmc-labo/tinyos-rtos-sub000/sched"
	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

// Cond is a condition variable bound to a kernel.
type Cond struct {
	k *sched.Kernel

	waitHead task.ID
	waitTail task.ID
}

// New constructs an empty Cond.
func New(k *sched.Kernel) *Cond {
	return &Cond{k: k, waitHead: task.None, waitTail: task.None}
}

// Wait atomically unlocks m and blocks the calling task until Signal or
// Broadcast wakes it (or timeoutTicks ticks elapse, 0 meaning forever),
// then re-acquires m before returning, even on timeout, per the
// conventional cond-variable contract. The enqueue onto Cond's own wait
// list and the release of m happen under the same critical section so no
// wakeup between them can be missed.
func (c *Cond) Wait(m *mutex.Mutex, timeoutTicks uint64) error {
	tok := c.k.Enter()
	cur := c.k.CurrentLocked()

	c.enqueueLocked(cur)
	c.k.BlockCurrentLocked(cur)

	timedOut := false
	c.k.ArmDeadlineLocked(cur, timeoutTicks, func(t *task.TCB) {
		timedOut = true
		c.removeWaiterLocked(t)
	})

	// Release m only after this task is durably linked into the cond's
	// wait list and blocked, so a concurrent Signal/Broadcast (which must
	// also enter the critical section) can never run between "unlock m"
	// and "start waiting" as it could with separate locks. UnlockLocked is
	// used rather than Unlock because this call is already inside the
	// critical section Unlock would otherwise try to re-enter.
	unlockErr := m.UnlockLocked()
	c.k.ParkCurrentAndSwitch(tok)

	relockErr := m.Lock(0)
	if unlockErr != nil {
		return unlockErr
	}
	if timedOut {
		if relockErr != nil {
			return relockErr
		}
		return rtoserr.Timeout
	}
	return relockErr
}

// Signal wakes the single longest-waiting waiter (the head of the FIFO
// wait list, regardless of priority), if any.
func (c *Cond) Signal() {
	tok := c.k.Enter()
	defer c.k.Exit(tok)
	if next := c.dequeueLocked(); next != nil {
		c.k.DisarmDeadlineLocked(next)
		c.k.WakeLocked(next)
	}
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	tok := c.k.Enter()
	defer c.k.Exit(tok)
	for {
		next := c.dequeueLocked()
		if next == nil {
			return
		}
		c.k.DisarmDeadlineLocked(next)
		c.k.WakeLocked(next)
	}
}

func (c *Cond) enqueueLocked(t *task.TCB) {
	t.SetNext(task.None)
	if c.waitHead == task.None {
		c.waitHead = t.ID
		c.waitTail = t.ID
		return
	}
	c.k.TaskByIDLocked(c.waitTail).SetNext(t.ID)
	c.waitTail = t.ID
}

func (c *Cond) dequeueLocked() *task.TCB {
	if c.waitHead == task.None {
		return nil
	}
	id := c.waitHead
	t := c.k.TaskByIDLocked(id)
	c.waitHead = t.Next()
	if c.waitHead == task.None {
		c.waitTail = task.None
	}
	t.SetNext(task.None)
	return t
}

func (c *Cond) removeWaiterLocked(t *task.TCB) {
	prev := task.None
	id := c.waitHead
	for id != task.None {
		cur := c.k.TaskByIDLocked(id)
		if id == t.ID {
			if prev == task.None {
				c.waitHead = cur.Next()
			} else {
				c.k.TaskByIDLocked(prev).SetNext(cur.Next())
			}
			if c.waitTail == id {
				c.waitTail = prev
			}
			cur.SetNext(task.None)
			return
		}
		prev = id
		id = cur.Next()
	}
}
