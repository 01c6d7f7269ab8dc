package queue

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

func TestQueue_SendReceiveRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	q := New[int](k, 4)
	assert.Equal(t, 4, q.Cap())
	assert.Equal(t, 0, q.Len())

	result := make(chan int, 1)
	_, err := k.Create("receiver", func(any) {
		v, recvErr := q.Receive(0)
		require.NoError(t, recvErr)
		result <- v
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Send(42, 0))

	select {
	case v := <-result:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never got the item")
	}
}

func TestQueue_SendBlocksWhenFullUntilSpaceFrees(t *testing.T) {
	k := newTestKernel(t)
	q := New[int](k, 1)
	require.NoError(t, q.Send(1, 0))

	blockedSendDone := make(chan error, 1)
	_, err := k.Create("sender", func(any) {
		blockedSendDone <- q.Send(2, 0)
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	select {
	case <-blockedSendDone:
		t.Fatal("send on a full queue returned before space freed")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case sendErr := <-blockedSendDone:
		assert.NoError(t, sendErr)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked send never completed once space freed")
	}
}

func TestQueue_ReceiveTimesOutWhenEmpty(t *testing.T) {
	k := newTestKernel(t)
	q := New[int](k, 1)

	result := make(chan error, 1)
	_, err := k.Create("receiver", func(any) {
		_, recvErr := q.Receive(5)
		result <- recvErr
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	select {
	case recvErr := <-result:
		assert.ErrorIs(t, recvErr, rtoserr.Timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("receive never timed out")
	}
}

// TestQueue_TwoProducersOneConsumerNoDuplication exercises spec section
// 8's producer-consumer scenario: two producers each send 100 items into a
// 5-slot queue and one consumer must receive exactly 200 items total, with
// no value duplicated or dropped.
func TestQueue_TwoProducersOneConsumerNoDuplication(t *testing.T) {
	k := newTestKernel(t)
	q := New[int](k, 5)

	const perProducer = 100
	received := make(chan int, 2*perProducer)

	_, err := k.Create("producer-a", func(any) {
		for i := 0; i < perProducer; i++ {
			_ = q.Send(i, 0)
		}
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	_, err = k.Create("producer-b", func(any) {
		for i := 0; i < perProducer; i++ {
			_ = q.Send(1000+i, 0)
		}
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	_, err = k.Create("consumer", func(any) {
		for i := 0; i < 2*perProducer; i++ {
			v, recvErr := q.Receive(0)
			if recvErr != nil {
				return
			}
			received <- v
		}
		k.Delete(k.Current().ID)
	}, nil, task.Normal)
	require.NoError(t, err)

	seen := make(map[int]int)
	for i := 0; i < 2*perProducer; i++ {
		select {
		case v := <-received:
			seen[v]++
		case <-time.After(5 * time.Second):
			t.Fatalf("only received %d of %d items", i, 2*perProducer)
		}
	}

	assert.Len(t, seen, 2*perProducer)
	for v, count := range seen {
		assert.Equalf(t, 1, count, "value %d was received %d times", v, count)
	}
}
