package sched

import "github.com/cmc-labo/tinyos-rtos-sub000/task"

// readySet is the 256-slot array of intrusive FIFO queues from spec
// section 3: entries at index P hold Ready TCBs of priority P in arrival
// order. The idle task is never linked into it; absence of any entry is
// the signal to fall back to idle.
type readySet struct {
	heads [256]task.ID
	tails [256]task.ID
	pool  *task.Pool
}

func newReadySet(pool *task.Pool) *readySet {
	r := &readySet{pool: pool}
	for i := range r.heads {
		r.heads[i] = task.None
		r.tails[i] = task.None
	}
	return r
}

// push enqueues t at the tail of its EffectivePriority slot and records
// that slot on the TCB so a later remove (priority change, suspend) can
// find it without trusting EffectivePriority to still be current.
func (r *readySet) push(t *task.TCB) {
	p := t.EffectivePriority
	t.SetNext(task.None)
	t.SetReadySlot(p)
	if r.heads[p] == task.None {
		r.heads[p] = t.ID
		r.tails[p] = t.ID
		return
	}
	r.pool.Get(r.tails[p]).SetNext(t.ID)
	r.tails[p] = t.ID
}

// remove unlinks t from whichever slot it was pushed into. O(n) in the
// length of that single slot's queue, which is expected to be small.
func (r *readySet) remove(t *task.TCB) {
	p := t.ReadySlot()
	prev := task.None
	id := r.heads[p]
	for id != task.None {
		cur := r.pool.Get(id)
		if id == t.ID {
			if prev == task.None {
				r.heads[p] = cur.Next()
			} else {
				r.pool.Get(prev).SetNext(cur.Next())
			}
			if r.tails[p] == id {
				r.tails[p] = prev
			}
			cur.SetNext(task.None)
			return
		}
		prev = id
		id = cur.Next()
	}
}

// highestNonEmpty scans from priority 0 upward, per spec section 4.1's
// pick_next algorithm.
func (r *readySet) highestNonEmpty() (task.Priority, bool) {
	for p := 0; p < len(r.heads); p++ {
		if r.heads[p] != task.None {
			return task.Priority(p), true
		}
	}
	return 0, false
}

// popHighest removes and returns the head of the lowest-indexed non-empty
// slot, or nil if the ready set is entirely empty.
func (r *readySet) popHighest() *task.TCB {
	p, ok := r.highestNonEmpty()
	if !ok {
		return nil
	}
	id := r.heads[p]
	t := r.pool.Get(id)
	r.heads[p] = t.Next()
	if r.heads[p] == task.None {
		r.tails[p] = task.None
	}
	t.SetNext(task.None)
	return t
}
