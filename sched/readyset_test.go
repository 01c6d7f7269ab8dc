package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

func TestReadySet_FIFOWithinPriority(t *testing.T) {
	pool := task.NewPool(4)
	rs := newReadySet(pool)

	a, _ := pool.New("a", func(any) {}, nil, task.Normal, 10)
	b, _ := pool.New("b", func(any) {}, nil, task.Normal, 10)
	c, _ := pool.New("c", func(any) {}, nil, task.Normal, 10)

	rs.push(a)
	rs.push(b)
	rs.push(c)

	require.Equal(t, a, rs.popHighest())
	require.Equal(t, b, rs.popHighest())
	require.Equal(t, c, rs.popHighest())
	assert.Nil(t, rs.popHighest())
}

func TestReadySet_LowestIndexWins(t *testing.T) {
	pool := task.NewPool(4)
	rs := newReadySet(pool)

	low, _ := pool.New("low", func(any) {}, nil, task.Low, 10)
	high, _ := pool.New("high", func(any) {}, nil, task.High, 10)
	crit, _ := pool.New("crit", func(any) {}, nil, task.Critical, 10)

	rs.push(low)
	rs.push(high)
	rs.push(crit)

	assert.Equal(t, crit, rs.popHighest())
	assert.Equal(t, high, rs.popHighest())
	assert.Equal(t, low, rs.popHighest())
}

func TestReadySet_Remove(t *testing.T) {
	pool := task.NewPool(4)
	rs := newReadySet(pool)

	a, _ := pool.New("a", func(any) {}, nil, task.Normal, 10)
	b, _ := pool.New("b", func(any) {}, nil, task.Normal, 10)
	c, _ := pool.New("c", func(any) {}, nil, task.Normal, 10)
	rs.push(a)
	rs.push(b)
	rs.push(c)

	rs.remove(b)

	require.Equal(t, a, rs.popHighest())
	require.Equal(t, c, rs.popHighest())
	assert.Nil(t, rs.popHighest())
}

func TestReadySet_HighestNonEmpty(t *testing.T) {
	pool := task.NewPool(2)
	rs := newReadySet(pool)
	_, ok := rs.highestNonEmpty()
	assert.False(t, ok)

	a, _ := pool.New("a", func(any) {}, nil, task.High, 10)
	rs.push(a)
	p, ok := rs.highestNonEmpty()
	require.True(t, ok)
	assert.Equal(t, task.High, p)
}
