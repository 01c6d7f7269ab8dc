// Package timer implements software timers from spec section 4.10: a
// OneShot timer fires its callback once after its period elapses;
// AutoReload rearms itself immediately after firing. Timers are kept in a
// sorted singly-linked list ordered by next-expiry tick, exactly as spec
// section 3 describes, so Process only ever has to look at the head to
// decide whether there is work to do this tick.
//
// The manager is driven by a tick hook registered on sched.Kernel rather
// than by importing sched directly, so timer has no dependency on the
// scheduler core (only on the plain tick counter it's handed); this
// mirrors how the teacher's eventloop keeps its own timer heap private to
// Loop and reachable only through the loop's single dispatch goroutine
// rather than a shared package.
package timer

import (
	"sync"

	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
)

// Kind selects whether a Timer rearms itself after firing.
type Kind int

const (
	// OneShot fires exactly once, then becomes inactive.
	OneShot Kind = iota
	// AutoReload fires, then immediately rearms for another Period ticks.
	AutoReload
)

// Callback is invoked when a timer fires. It runs on the Manager's
// Process caller's goroutine (the tick hook's goroutine), with neither
// the Manager's lock nor the scheduler's critical section held, so it may
// start or stop timers; it must not block.
type Callback func(id ID)

// ID identifies a Timer within a Manager.
type ID int32

type timerEntry struct {
	id       ID
	kind     Kind
	period   uint64
	next     uint64 // absolute tick at which this timer next fires
	active   bool
	callback Callback

	link ID // the next entry (same or later expiry) in the manager's sorted list, or -1
}

const noID ID = -1

// Manager owns a set of software timers and the sorted expiry list.
// Every method takes the Manager's own mutex, so timers may be created,
// started and stopped from task goroutines while Process runs on the
// tick goroutine (kernel.New registers Process as a sched tick hook),
// without holding the scheduler's critical section.
type Manager struct {
	mu      sync.Mutex
	entries map[ID]*timerEntry
	head    ID
	nextID  ID
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[ID]*timerEntry), head: noID, nextID: 0}
}

// Create registers a new, initially inactive timer. Call Start to arm it.
// periodTicks must be positive; a zero period is rejected per spec section
// 8's boundary behavior ("a timer with period 0 is rejected") — an
// AutoReload timer with period 0 would otherwise rearm to the same tick it
// just fired on and spin Process forever.
func (m *Manager) Create(kind Kind, periodTicks uint64, cb Callback) (ID, error) {
	if periodTicks == 0 {
		return noID, rtoserr.InvalidParam
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.entries[id] = &timerEntry{id: id, kind: kind, period: periodTicks, callback: cb, link: noID}
	return id, nil
}

// Start arms id to fire periodTicks (the timer's configured period) ticks
// from now. Starting an already-active timer restarts it from now. Start
// refuses to arm a timer whose period is 0 (defensive: Create and
// ChangePeriod both already reject a zero period, but Start must never
// insert such an entry regardless of how it got one).
func (m *Manager) Start(id ID, now uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.period == 0 {
		return false
	}
	if e.active {
		m.unlink(e)
	}
	e.next = now + e.period
	e.active = true
	m.insert(e)
	return true
}

// Stop disarms id. A stopped AutoReload timer does not fire again until
// Start is called.
func (m *Manager) Stop(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !e.active {
		return false
	}
	m.unlink(e)
	e.active = false
	return true
}

// Reset restarts an active timer's countdown from now without changing
// its period, per spec section 4.10.
func (m *Manager) Reset(id ID, now uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	if e.active {
		m.unlink(e)
	}
	e.next = now + e.period
	e.active = true
	m.insert(e)
	return true
}

// ChangePeriod updates a timer's period. If the timer is currently
// active, it is re-armed to expire periodTicks after now (its last arm
// time is not tracked); an inactive timer uses the new period from its
// next Start. A zero periodTicks is rejected, same as Create.
func (m *Manager) ChangePeriod(id ID, periodTicks uint64, now uint64) bool {
	if periodTicks == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	e.period = periodTicks
	if e.active {
		m.unlink(e)
		e.next = now + periodTicks
		m.insert(e)
	}
	return true
}

// Delete permanently removes a timer.
func (m *Manager) Delete(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	if e.active {
		m.unlink(e)
	}
	delete(m.entries, id)
	return true
}

// IsActive reports whether id is currently armed.
func (m *Manager) IsActive(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.active
}

// Process fires every timer whose expiry is due at or before now, in
// expiry order, rearming AutoReload timers as it goes. It is meant to be
// called once per tick.
func (m *Manager) Process(now uint64) {
	for {
		m.mu.Lock()
		if m.head == noID {
			m.mu.Unlock()
			return
		}
		e := m.entries[m.head]
		if e.next > now {
			m.mu.Unlock()
			return
		}
		m.unlink(e)
		e.active = false
		if e.kind == AutoReload {
			e.next = now + e.period
			e.active = true
			m.insert(e)
		}
		cb := e.callback
		id := e.id
		m.mu.Unlock()

		if cb != nil {
			cb(id)
		}
	}
}

// insert links e into the sorted list by next-expiry ascending. Caller
// must hold mu.
func (m *Manager) insert(e *timerEntry) {
	if m.head == noID {
		e.link = noID
		m.head = e.id
		return
	}
	if m.entries[m.head].next > e.next {
		e.link = m.head
		m.head = e.id
		return
	}
	cur := m.entries[m.head]
	for cur.link != noID && m.entries[cur.link].next <= e.next {
		cur = m.entries[cur.link]
	}
	e.link = cur.link
	cur.link = e.id
}

// unlink removes e from the sorted list. Caller must hold mu.
func (m *Manager) unlink(e *timerEntry) {
	if m.head == e.id {
		m.head = e.link
		e.link = noID
		return
	}
	cur := m.entries[m.head]
	for cur.link != noID {
		if cur.link == e.id {
			cur.link = e.link
			e.link = noID
			return
		}
		cur = m.entries[cur.link]
	}
}
