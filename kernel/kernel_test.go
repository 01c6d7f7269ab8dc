package kernel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmc-labo/tinyos-rtos-sub000/task"
	"github.com/cmc-labo/tinyos-rtos-sub000/timer"

	"github.com/joeycumines/logiface"
)

func TestNew_DefaultsProduceAWorkingKernel(t *testing.T) {
	k := New()
	require.NotNil(t, k.Sched)
	require.NotNil(t, k.Timers)
	require.NotNil(t, k.Blocks)
	require.NotNil(t, k.Log)

	b, err := k.Blocks.Malloc(8)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
}

// TestKernel_WiresTimersThroughTheSchedulerTick exercises the full wiring:
// constructing a Kernel registers the timer manager's Process as a sched
// tick hook (see New in kernel.go), so driving the scheduler's ticks fires
// software timers without the caller calling Timers.Process directly.
func TestKernel_WiresTimersThroughTheSchedulerTick(t *testing.T) {
	k := New(WithMaxTasks(4), WithQuantum(10), WithTickRate(100000))

	fired := make(chan struct{}, 1)
	id, err := k.Timers.Create(timer.OneShot, 3, func(timer.ID) {
		fired <- struct{}{}
	})
	require.NoError(t, err)
	require.True(t, k.Timers.Start(id, k.Sched.Tick()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Sched.Start(ctx)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer registered through the kernel never fired")
	}
}

func TestKernel_TasksRunUnderStart(t *testing.T) {
	k := New(WithMaxTasks(4), WithQuantum(10), WithTickRate(100000))

	ran := make(chan struct{}, 1)
	_, err := k.Sched.Create("worker", func(any) {
		close(ran)
		k.Sched.Delete(k.Sched.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Sched.Start(ctx)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran under the wired kernel")
	}
}

func TestKernel_LoggerWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	k := New(WithLogger(&buf, logiface.LevelDebug))
	k.Log.Info().Str("component", "test").Log("hello")
	assert.NotEmpty(t, buf.String())
}

func TestKernel_StatsReflectCreatedTasks(t *testing.T) {
	k := New(WithMaxTasks(4))
	_, err := k.Sched.Create("worker", func(any) {}, nil, task.Normal)
	require.NoError(t, err)

	snap := k.Stats()
	var found bool
	for _, ts := range snap.Tasks {
		if ts.Name == "worker" {
			found = true
		}
	}
	assert.True(t, found)
}
