// Package semaphore implements the counting semaphore from spec section
// 4.5: a non-negative counter with blocking Wait (decrement-or-block) and
// Post (increment-or-wake-one). Post always succeeds, and waiters queued on
// an empty semaphore are released strictly in FIFO arrival order, one per
// Post — unlike mutex, which transfers ownership to the highest-priority
// waiter, semaphore.Wait carries no such priority-based ordering in spec
// section 4.5 ("multiple waiters are released in FIFO order, one per
// post").
package semaphore

import (
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
	"github.com/cmc-labo/tinyos-rtos-sub000/sched"
	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

// Semaphore is a counting semaphore bound to a kernel.
type Semaphore struct {
	k *sched.Kernel

	count int32

	waitHead task.ID
	waitTail task.ID
}

// New constructs a Semaphore with the given initial count, per spec
// section 4.5's init(sem, n).
func New(k *sched.Kernel, initial int32) *Semaphore {
	return &Semaphore{k: k, count: initial, waitHead: task.None, waitTail: task.None}
}

// Wait decrements the count, blocking up to timeoutTicks ticks (0 = wait
// forever) if it is already zero.
func (s *Semaphore) Wait(timeoutTicks uint64) error {
	tok := s.k.Enter()
	if s.count > 0 {
		s.count--
		s.k.Exit(tok)
		return nil
	}

	cur := s.k.CurrentLocked()
	s.enqueueLocked(cur)
	s.k.BlockCurrentLocked(cur)

	timedOut := false
	s.k.ArmDeadlineLocked(cur, timeoutTicks, func(t *task.TCB) {
		timedOut = true
		s.removeWaiterLocked(t)
	})
	s.k.ParkCurrentAndSwitch(tok)

	if timedOut {
		return rtoserr.Timeout
	}
	return nil
}

// Post always increments, or, if a task is already blocked in Wait, directly
// hands the unit to the longest-waiting one instead of touching count. Post
// is non-blocking and never fails, per spec section 4.5.
func (s *Semaphore) Post() error {
	tok := s.k.Enter()
	defer s.k.Exit(tok)

	if next := s.dequeueLocked(); next != nil {
		s.k.DisarmDeadlineLocked(next)
		s.k.WakeLocked(next)
		return nil
	}
	s.count++
	return nil
}

// Count returns the current count (0 while tasks are blocked waiting).
func (s *Semaphore) Count() int32 {
	tok := s.k.Enter()
	defer s.k.Exit(tok)
	return s.count
}

func (s *Semaphore) enqueueLocked(t *task.TCB) {
	t.SetNext(task.None)
	if s.waitHead == task.None {
		s.waitHead = t.ID
		s.waitTail = t.ID
		return
	}
	s.k.TaskByIDLocked(s.waitTail).SetNext(t.ID)
	s.waitTail = t.ID
}

// dequeueLocked removes and returns the longest-waiting task (strict FIFO,
// with no priority-based reordering), per spec section 4.5's "released in
// FIFO order, one per post".
func (s *Semaphore) dequeueLocked() *task.TCB {
	if s.waitHead == task.None {
		return nil
	}
	id := s.waitHead
	t := s.k.TaskByIDLocked(id)
	s.waitHead = t.Next()
	if s.waitHead == task.None {
		s.waitTail = task.None
	}
	t.SetNext(task.None)
	return t
}

func (s *Semaphore) removeWaiterLocked(t *task.TCB) {
	prev := task.None
	id := s.waitHead
	for id != task.None {
		cur := s.k.TaskByIDLocked(id)
		if id == t.ID {
			s.unlinkLocked(id, prev)
			return
		}
		prev = id
		id = cur.Next()
	}
}

func (s *Semaphore) unlinkLocked(id, prev task.ID) {
	cur := s.k.TaskByIDLocked(id)
	if prev == task.None {
		s.waitHead = cur.Next()
	} else {
		s.k.TaskByIDLocked(prev).SetNext(cur.Next())
	}
	if s.waitTail == id {
		s.waitTail = prev
	}
	cur.SetNext(task.None)
}
