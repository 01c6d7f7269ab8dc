// Package event implements the 32-bit event group from spec section 4.7:
// a shared bitmask tasks can wait on in either ANY-bit or ALL-bits mode,
// with an option to clear the matched bits on the way out.
package event

import (
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
	"github.com/cmc-labo/tinyos-rtos-sub000/sched"
	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

// Mode selects how a Wait call's mask is matched against the group's bits.
type Mode int

const (
	// Any is satisfied when at least one requested bit is set.
	Any Mode = iota
	// All is satisfied only once every requested bit is set.
	All
)

type waiter struct {
	id          task.ID
	mask        uint32
	mode        Mode
	clearOnExit bool
	observed    uint32
}

// Group is an event group bound to a kernel.
type Group struct {
	k *sched.Kernel

	bits uint32

	waiters map[task.ID]*waiter
	order   []task.ID // FIFO arrival order, scanned in that order on match
}

// New constructs an empty Group (all bits clear).
func New(k *sched.Kernel) *Group {
	return &Group{k: k, waiters: make(map[task.ID]*waiter)}
}

// SetBits ORs bits into the group, then wakes every waiter whose
// condition is now satisfied.
func (g *Group) SetBits(bits uint32) uint32 {
	tok := g.k.Enter()
	defer g.k.Exit(tok)
	g.bits |= bits
	g.wakeSatisfiedLocked()
	return g.bits
}

// ClearBits ANDs the complement of bits into the group and returns the
// previous value, per spec section 4.7.
func (g *Group) ClearBits(bits uint32) uint32 {
	tok := g.k.Enter()
	defer g.k.Exit(tok)
	old := g.bits
	g.bits &^= bits
	return old
}

// Bits returns the current value of the group's bits.
func (g *Group) Bits() uint32 {
	tok := g.k.Enter()
	defer g.k.Exit(tok)
	return g.bits
}

// Wait blocks until mask is satisfied according to mode (or timeoutTicks
// ticks elapse, 0 meaning forever), returning the bits observed at the
// moment of match (or at timeout). If clearOnExit is set, every bit of
// mask is cleared from the group at the moment of match (in both All and
// Any mode), per spec section 4.7.
func (g *Group) Wait(mask uint32, mode Mode, clearOnExit bool, timeoutTicks uint64) (uint32, error) {
	tok := g.k.Enter()

	if matches(g.bits, mask, mode) {
		observed := g.bits
		if clearOnExit {
			g.bits &^= mask
		}
		g.k.Exit(tok)
		return observed, nil
	}

	cur := g.k.CurrentLocked()
	w := &waiter{id: cur.ID, mask: mask, mode: mode, clearOnExit: clearOnExit}
	g.waiters[cur.ID] = w
	g.order = append(g.order, cur.ID)
	g.k.BlockCurrentLocked(cur)

	timedOut := false
	g.k.ArmDeadlineLocked(cur, timeoutTicks, func(t *task.TCB) {
		timedOut = true
		g.removeWaiterLocked(t.ID)
	})
	g.k.ParkCurrentAndSwitch(tok)

	if timedOut {
		tok2 := g.k.Enter()
		bits := g.bits
		g.k.Exit(tok2)
		return bits, rtoserr.Timeout
	}
	return w.observed, nil
}

func matches(bits, mask uint32, mode Mode) bool {
	if mode == All {
		return bits&mask == mask
	}
	return bits&mask != 0
}

// wakeSatisfiedLocked wakes every waiter whose condition the current bits
// now satisfy. It iterates a snapshot of arrival order since waking a
// waiter mutates g.order via removeWaiterLocked.
func (g *Group) wakeSatisfiedLocked() {
	order := append([]task.ID(nil), g.order...)
	for _, id := range order {
		w, ok := g.waiters[id]
		if !ok || !matches(g.bits, w.mask, w.mode) {
			continue
		}
		w.observed = g.bits
		if w.clearOnExit {
			g.bits &^= w.mask
		}
		t := g.k.TaskByIDLocked(id)
		g.removeWaiterLocked(id)
		g.k.DisarmDeadlineLocked(t)
		g.k.WakeLocked(t)
	}
}

func (g *Group) removeWaiterLocked(id task.ID) {
	delete(g.waiters, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}
