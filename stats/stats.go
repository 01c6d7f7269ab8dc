// Package stats implements the CPU usage statistics from spec section
// 4.12, plus a supplemented overall Snapshot type (see SPEC_FULL.md) that
// bundles per-task figures with the global counters a diagnostics command
// or log line would want together.
package stats

import (
	"github.com/cmc-labo/tinyos-rtos-sub000/sched"
	"github.com/cmc-labo/tinyos-rtos-sub000/task"
)

// TaskStat is one task's usage figures at the moment of a Snapshot.
type TaskStat struct {
	ID         task.ID
	Name       string
	State      task.State
	Priority   task.Priority
	RuntimeTk  uint64
	CPUPercent int
}

// Snapshot is a point-in-time read of every task's usage plus the
// scheduler's global counters.
type Snapshot struct {
	TotalTicks  uint64
	SwitchCount uint64
	Tasks       []TaskStat
}

// Collect walks every task currently known to k and computes its CPU
// usage percentage against the global tick count, per spec section
// 4.12's CPU_usage_percent.
func Collect(k *sched.Kernel) Snapshot {
	total := k.Tick()
	pool := k.Pool()
	snap := Snapshot{TotalTicks: total, SwitchCount: k.SwitchCount()}
	for i := 0; i < pool.Len(); i++ {
		t := pool.Get(task.ID(i))
		if t == nil {
			continue
		}
		snap.Tasks = append(snap.Tasks, TaskStat{
			ID:         t.ID,
			Name:       t.Name,
			State:      t.State,
			Priority:   t.EffectivePriority,
			RuntimeTk:  t.Runtime,
			CPUPercent: t.CPUUsagePercent(total),
		})
	}
	return snap
}
