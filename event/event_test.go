package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmc-labo/tinyos-rtos-sub000/platform"
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
	"github.com/cmc-labo/tinyos-rtos-sub000/sched"
	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

func newTestKernel(t *testing.T) *sched.Kernel {
	t.Helper()
	k := sched.New(sched.Config{
		Port:       platform.NewSim(),
		MaxTasks:   16,
		Quantum:    20,
		TickRateHz: 100000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go k.Start(ctx)
	return k
}

func TestEvent_WaitAnyReturnsImmediatelyWhenSatisfied(t *testing.T) {
	k := newTestKernel(t)
	g := New(k)
	g.SetBits(0x1)

	type outcome struct {
		bits uint32
		err  error
	}
	result := make(chan outcome, 1)
	_, err := k.Create("waiter", func(any) {
		bits, waitErr := g.Wait(0x3, Any, false, 0)
		result <- outcome{bits, waitErr}
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	select {
	case o := <-result:
		require.NoError(t, o.err)
		assert.Equal(t, uint32(0x1), o.bits)
	case <-time.After(2 * time.Second):
		t.Fatal("wait never returned")
	}
}

// TestEvent_WaitAllBlocksUntilEveryBitSet exercises spec section 8's
// event-group ALL-semantics scenario: a waiter blocks until all requested
// bits are set, not just some.
func TestEvent_WaitAllBlocksUntilEveryBitSet(t *testing.T) {
	k := newTestKernel(t)
	g := New(k)

	type outcome struct {
		bits uint32
		err  error
	}
	result := make(chan outcome, 1)
	_, err := k.Create("waiter", func(any) {
		bits, waitErr := g.Wait(0x3, All, false, 0)
		result <- outcome{bits, waitErr}
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	g.SetBits(0x1)

	select {
	case <-result:
		t.Fatal("waiter woke before all requested bits were set")
	case <-time.After(50 * time.Millisecond):
	}

	g.SetBits(0x2)

	select {
	case o := <-result:
		require.NoError(t, o.err)
		assert.Equal(t, uint32(0x3), o.bits&0x3)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke once all bits were set")
	}
}

func TestEvent_ClearOnExitClearsOnlyMatchedBits(t *testing.T) {
	k := newTestKernel(t)
	g := New(k)
	g.SetBits(0x7)

	type outcome struct {
		bits uint32
		err  error
	}
	result := make(chan outcome, 1)
	_, err := k.Create("waiter", func(any) {
		bits, waitErr := g.Wait(0x3, All, true, 0)
		result <- outcome{bits, waitErr}
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	select {
	case o := <-result:
		require.NoError(t, o.err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait never returned")
	}

	assert.Equal(t, uint32(0x4), g.Bits())
}

// TestEvent_MultipleWaitersOnlySatisfiedOnesWake checks that SetBits wakes
// every waiter whose condition is now met, while leaving unmatched waiters
// still parked.
func TestEvent_MultipleWaitersOnlySatisfiedOnesWake(t *testing.T) {
	k := newTestKernel(t)
	g := New(k)

	type outcome struct {
		bits uint32
		err  error
	}
	anyResult := make(chan outcome, 1)
	allResult := make(chan outcome, 1)

	_, err := k.Create("any-waiter", func(any) {
		bits, waitErr := g.Wait(0x1, Any, false, 0)
		anyResult <- outcome{bits, waitErr}
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	_, err = k.Create("all-waiter", func(any) {
		bits, waitErr := g.Wait(0x3, All, false, 0)
		allResult <- outcome{bits, waitErr}
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	g.SetBits(0x1)

	select {
	case o := <-anyResult:
		require.NoError(t, o.err)
		assert.NotZero(t, o.bits&0x1)
	case <-time.After(2 * time.Second):
		t.Fatal("any-waiter never woke")
	}

	select {
	case <-allResult:
		t.Fatal("all-waiter woke before its full mask was satisfied")
	case <-time.After(50 * time.Millisecond):
	}

	g.SetBits(0x2)
	select {
	case o := <-allResult:
		require.NoError(t, o.err)
		assert.Equal(t, uint32(0x3), o.bits&0x3)
	case <-time.After(2 * time.Second):
		t.Fatal("all-waiter never woke")
	}
}

func TestEvent_WaitTimesOut(t *testing.T) {
	k := newTestKernel(t)
	g := New(k)

	result := make(chan error, 1)
	_, err := k.Create("waiter", func(any) {
		_, waitErr := g.Wait(0x1, Any, false, 5)
		result <- waitErr
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	select {
	case waitErr := <-result:
		assert.ErrorIs(t, waitErr, rtoserr.Timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("wait never timed out")
	}
}

func TestEvent_ClearBitsReturnsPreviousValue(t *testing.T) {
	k := newTestKernel(t)
	g := New(k)
	g.SetBits(0x5)
	old := g.ClearBits(0x1)
	assert.Equal(t, uint32(0x5), old)
	assert.Equal(t, uint32(0x4), g.Bits())
}
