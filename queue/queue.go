// Package queue implements the fixed-capacity message queue from spec
// section 4.8: a ring buffer of copied values with blocking Send and
// Receive, used to move messages between tasks (or an ISR and a task)
// without either side touching the other's memory directly.
//
// The ring-buffer indexing follows the same mask-free modular-index
// scheme as the teacher's catrate package's ring buffer, generalized from
// a fixed float64 element type to any value type via a generic parameter,
// the way golang.org/x/exp/constraints is already used for blockpool's
// size arithmetic (see DESIGN.md).
package queue

import (
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
	"github.com/cmc-labo/tinyos-rtos-sub000/sched"
	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

// Queue is a fixed-capacity FIFO of values of type T, bound to a kernel.
type Queue[T any] struct {
	k *sched.Kernel

	buf        []T
	head, size int

	sendWaitHead, sendWaitTail task.ID
	recvWaitHead, recvWaitTail task.ID
}

// New constructs a Queue with room for exactly capacity items.
func New[T any](k *sched.Kernel, capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue[T]{
		k:            k,
		buf:          make([]T, capacity),
		sendWaitHead: task.None, sendWaitTail: task.None,
		recvWaitHead: task.None, recvWaitTail: task.None,
	}
}

// Len returns the number of items currently queued.
func (q *Queue[T]) Len() int {
	tok := q.k.Enter()
	defer q.k.Exit(tok)
	return q.size
}

// Cap returns the queue's fixed capacity.
func (q *Queue[T]) Cap() int { return len(q.buf) }

// Send appends v to the tail of the queue, blocking up to timeoutTicks
// ticks (0 = forever) if the queue is full.
func (q *Queue[T]) Send(v T, timeoutTicks uint64) error {
	tok := q.k.Enter()
	for {
		if q.size < len(q.buf) {
			q.pushLocked(v)
			q.wakeOneLocked(&q.recvWaitHead, &q.recvWaitTail)
			q.k.Exit(tok)
			return nil
		}

		cur := q.k.CurrentLocked()
		q.enqueueWaiterLocked(&q.sendWaitHead, &q.sendWaitTail, cur)
		q.k.BlockCurrentLocked(cur)

		timedOut := false
		q.k.ArmDeadlineLocked(cur, timeoutTicks, func(t *task.TCB) {
			timedOut = true
			q.removeWaiterLocked(&q.sendWaitHead, &q.sendWaitTail, t)
		})
		q.k.ParkCurrentAndSwitch(tok)

		if timedOut {
			return rtoserr.Timeout
		}

		// Woken because a slot opened up, but another sender may have
		// raced in first (the wakeup only makes this task Ready, it does
		// not reserve the slot); re-enter and recheck rather than assume.
		tok = q.k.Enter()
	}
}

// Receive removes and returns the head of the queue, blocking up to
// timeoutTicks ticks (0 = forever) if the queue is empty.
func (q *Queue[T]) Receive(timeoutTicks uint64) (T, error) {
	tok := q.k.Enter()
	for {
		if q.size > 0 {
			v := q.popLocked()
			q.wakeOneLocked(&q.sendWaitHead, &q.sendWaitTail)
			q.k.Exit(tok)
			return v, nil
		}

		cur := q.k.CurrentLocked()
		q.enqueueWaiterLocked(&q.recvWaitHead, &q.recvWaitTail, cur)
		q.k.BlockCurrentLocked(cur)

		timedOut := false
		q.k.ArmDeadlineLocked(cur, timeoutTicks, func(t *task.TCB) {
			timedOut = true
			q.removeWaiterLocked(&q.recvWaitHead, &q.recvWaitTail, t)
		})
		q.k.ParkCurrentAndSwitch(tok)

		if timedOut {
			var zero T
			return zero, rtoserr.Timeout
		}

		// Woken because an item arrived, but another receiver may have
		// raced in first; re-enter and recheck rather than assume.
		tok = q.k.Enter()
	}
}

func (q *Queue[T]) pushLocked(v T) {
	idx := (q.head + q.size) % len(q.buf)
	q.buf[idx] = v
	q.size++
}

func (q *Queue[T]) popLocked() T {
	v := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v
}

// wakeOneLocked wakes the highest-priority (FIFO among equals) waiter
// linked into the list headed by *head/*tail, if any.
func (q *Queue[T]) wakeOneLocked(head, tail *task.ID) {
	var best, bestPrev task.ID = task.None, task.None
	bestPriority := task.Priority(255)

	prev := task.None
	id := *head
	for id != task.None {
		cur := q.k.TaskByIDLocked(id)
		if cur.EffectivePriority < bestPriority {
			bestPriority = cur.EffectivePriority
			best = id
			bestPrev = prev
		}
		prev = id
		id = cur.Next()
	}
	if best == task.None {
		return
	}
	t := q.unlinkLocked(head, tail, best, bestPrev)
	q.k.DisarmDeadlineLocked(t)
	q.k.WakeLocked(t)
}

func (q *Queue[T]) enqueueWaiterLocked(head, tail *task.ID, t *task.TCB) {
	t.SetNext(task.None)
	if *head == task.None {
		*head = t.ID
		*tail = t.ID
		return
	}
	q.k.TaskByIDLocked(*tail).SetNext(t.ID)
	*tail = t.ID
}

func (q *Queue[T]) removeWaiterLocked(head, tail *task.ID, t *task.TCB) {
	prev := task.None
	id := *head
	for id != task.None {
		cur := q.k.TaskByIDLocked(id)
		if id == t.ID {
			q.unlinkLocked(head, tail, id, prev)
			return
		}
		prev = id
		id = cur.Next()
	}
}

func (q *Queue[T]) unlinkLocked(head, tail *task.ID, id, prev task.ID) *task.TCB {
	cur := q.k.TaskByIDLocked(id)
	if prev == task.None {
		*head = cur.Next()
	} else {
		q.k.TaskByIDLocked(prev).SetNext(cur.Next())
	}
	if *tail == id {
		*tail = prev
	}
	cur.SetNext(task.None)
	return cur
}
