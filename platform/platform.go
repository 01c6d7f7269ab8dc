// Package platform defines the port contract spec section 6 requires of
// whatever runs underneath the kernel core, and provides Sim, a
// goroutine-based realization suitable for running the kernel on a host
// (tests, the simulator build) rather than bare
// metal.
//
// Per DESIGN.md's "weak symbols for platform overrides" redesign note, the
// core never reaches for a platform-specific symbol directly; it is
// generic over the Port interface, selected once at kernel construction
// time.
package platform

import (
	"sync"
	"time"

	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

// Port is the platform contract the kernel core requires, mirroring spec
// section 6 items 1-5. A real target implements this against its
// architecture's context-switch assembly, NVIC/PRIMASK-style critical
// section, SysTick-style periodic timer, and MPU registers. Sim
// implements it entirely in terms of goroutines and channels.
type Port interface {
	// TickSourceInit configures a periodic source that calls onTick at the
	// given rate. It returns a stop function.
	TickSourceInit(rateHz uint32, onTick func()) (stop func(), err error)

	// CriticalEnter/CriticalExit implement spec section 4.9.
	CriticalEnter() Token
	CriticalExit(Token)

	// Spawn brings a newly created task's execution context into existence
	// (the Go analogue of synthesizing an initial stack frame per spec
	// section 6 item 5: on a real target this constructs a frame so the
	// first ContextSwitch into the task delivers control to entry(arg); here
	// it starts the task's goroutine, parked until the scheduler first
	// switches to it). Spawn must not let the task run before the first
	// ContextSwitch names it as next.
	Spawn(t *task.TCB, run func())

	// ContextSwitch transfers the CPU from prev to next. prev may be nil
	// (the very first switch, out of the idle bootstrap). next is never nil.
	ContextSwitch(prev, next *task.TCB)

	// MPUWriteRegion programs one of up to 8 memory-protection regions. A
	// Port that has no MPU (or chooses not to expose one) may implement this
	// as a no-op returning nil, per spec section 4.11.
	MPUWriteRegion(region int, base uintptr, sizeLog2 uint8, access uint8) error

	// MPUEnable toggles global enforcement of every previously-programmed
	// MPU region, per spec section 4.11's enable(bool). A Port with no MPU
	// may implement this as a no-op returning nil.
	MPUEnable(enabled bool) error
}

// Token is the opaque critical-section marker a Port hands back from
// CriticalEnter. Kernel packages never inspect it.
type Token = any

// Sim is a Port implementation for running the kernel on a host OS. Each
// TCB's goroutine blocks on its own resume channel until ContextSwitch
// names it as the next task to run, which gives the same
// one-task-runs-at-a-time semantics a single real CPU has, without needing
// real stack pointers or assembly.
type Sim struct {
	mu sync.Mutex
}

// NewSim constructs a Sim port.
func NewSim() *Sim { return &Sim{} }

func (s *Sim) TickSourceInit(rateHz uint32, onTick func()) (func(), error) {
	if rateHz == 0 {
		panic("platform: tick rate must be positive")
	}
	period := time.Second / time.Duration(rateHz)
	if period <= 0 {
		period = time.Nanosecond
	}
	ticker := time.NewTicker(period)
	stopped := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				onTick()
			case <-stopped:
				return
			}
		}
	}()
	stop := func() {
		ticker.Stop()
		close(stopped)
	}
	return stop, nil
}

func (s *Sim) CriticalEnter() Token {
	s.mu.Lock()
	return struct{}{}
}

func (s *Sim) CriticalExit(Token) {
	s.mu.Unlock()
}

// Spawn starts t's goroutine. The goroutine waits for its first resume
// signal (sent by ContextSwitch) before calling t.Entry, exactly as a real
// task waits for the scheduler to first switch into its synthesized
// initial stack frame.
func (s *Sim) Spawn(t *task.TCB, run func()) {
	go func() {
		<-t.Resume()
		run()
		close(t.Done())
	}()
}

// ContextSwitch hands the baton from prev to next. The caller always runs
// on prev's own goroutine (except for the bootstrap call out of Start,
// where prev is nil): it wakes next, then parks itself by blocking on its
// own resume channel, exactly as a real CPU's context switch never
// returns to the old stack until that task is resumed again. Passing a
// nil prev skips the parking step, for the caller that is about to call
// runtime.Goexit (a task deleting itself) and must not block on a resume
// signal nobody will ever send.
func (s *Sim) ContextSwitch(prev, next *task.TCB) {
	next.Resume() <- struct{}{}
	if prev == nil || prev == next {
		return
	}
	<-prev.Resume()
}

func (s *Sim) MPUWriteRegion(region int, base uintptr, sizeLog2 uint8, access uint8) error {
	// No MPU backing a host simulation; accept the write as a no-op success,
	// per spec section 4.11 ("errors are InvalidParam when constraints are
	// violated" — constraint checking itself lives in the mpu package, which
	// calls this only after validating).
	return nil
}

func (s *Sim) MPUEnable(enabled bool) error {
	// No MPU backing a host simulation; accept the toggle as a no-op success.
	return nil
}
