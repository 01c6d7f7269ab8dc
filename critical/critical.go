// Package critical implements the critical-section discipline from spec
// section 4.9: a region in which kernel structures (ready set, wait
// queues, timer list, allocator state, event words, semaphore counts) may
// be mutated atomically with respect to every other task and the tick
// interrupt.
//
// On real hardware this is "disable interrupts globally, do a few
// instructions, restore the prior interrupt-enable state" — inherently
// reentrant because disabling already-disabled interrupts is a no-op. In
// this host simulation, multiple goroutines genuinely run in parallel, so
// mutual exclusion needs a real lock rather than a flag. The kernel
// packages built on top of Section follow a simple discipline to keep
// this safe without a reentrant-lock anti-pattern: every public API
// method enters the section exactly once at its outermost call, and the
// private helpers it calls assume the section is already held rather than
// entering it again. Calling Enter while the calling goroutine already
// holds the section is a contract violation, exactly as mismatched
// enter/exit pairs are on real hardware.
package critical

import "sync"

// Token is the opaque value returned by Enter and required by Exit. Its
// only purpose is to catch obviously mismatched call sites at compile
// time; it carries no state because, unlike a hardware interrupt-enable
// flag, this package is the sole source of truth for whether the section
// is held.
type Token struct{ _ byte }

// Section is a single critical section, guarding exactly the state its
// owner associates with it. A blockpool.Pool has its own Section guarding
// only the allocator's free list; the scheduler's structures (ready set,
// tick counter, wait queues) are guarded separately, by the platform
// port's CriticalEnter/CriticalExit, since the two never need to be
// mutated atomically with respect to each other.
type Section struct {
	mu sync.Mutex
}

// Enter disables further entry until the matching Exit, and returns the
// token Exit requires.
func (s *Section) Enter() Token {
	s.mu.Lock()
	return Token{}
}

// Exit releases the section. tok must be the value returned by the
// corresponding Enter; passing a zero Token works too since Token carries
// no state, but callers should still thread the real value through to
// keep call sites self-documenting. An Exit while the section is not held
// (for example a second, unpaired Exit) panics.
func (s *Section) Exit(_ Token) {
	if s.mu.TryLock() {
		s.mu.Unlock()
		panic("critical: Exit without a matching Enter")
	}
	s.mu.Unlock()
}
