// Package kernel is the top-level wiring point: it constructs a
// scheduler core, a software-timer manager registered as a tick hook, a
// block allocator, and the idle task's default behavior, and exposes them
// together behind a single functional-options constructor, the way
// eventloop.NewLoop assembles a Loop from loopOptions rather than making
// callers build each collaborator by hand.
package kernel

import (
	"io"

	"github.com/cmc-labo/tinyos-rtos-sub000/blockpool"
	"github.com/cmc-labo/tinyos-rtos-sub000/platform"
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoslog"
	"github.com/cmc-labo/tinyos-rtos-sub000/sched"
	"github.com/cmc-labo/tinyos-rtos-sub000/stats"
	"github.com/cmc-labo/tinyos-rtos-sub000/timer"

	"github.com/joeycumines/logiface"
)

// Kernel bundles the scheduler core with the ambient services built on
// top of it: software timers and the block allocator, per spec sections
// 4.10 and 4.3.
type Kernel struct {
	Sched   *sched.Kernel
	Timers  *timer.Manager
	Blocks  *blockpool.Pool
	Log     *rtoslog.Logger
}

// config collects New's options before construction, mirroring
// microbatch.BatcherConfig's defaults-if-zero pattern.
type config struct {
	port        platform.Port
	maxTasks    int
	quantum     uint32
	tickRateHz  uint32
	blockSize   int
	blockCount  int
	coalesce    bool
	logWriter   io.Writer
	logLevel    logiface.Level
	idleHook    func()
}

// Option configures a Kernel at construction time.
type Option func(*config)

// WithPort supplies the platform port. Defaults to platform.NewSim() if
// omitted, so a host build works out of the box.
func WithPort(p platform.Port) Option { return func(c *config) { c.port = p } }

// WithMaxTasks sets the task pool capacity, not counting the idle task.
func WithMaxTasks(n int) Option { return func(c *config) { c.maxTasks = n } }

// WithQuantum sets the round-robin time-slice length in ticks.
func WithQuantum(ticks uint32) Option { return func(c *config) { c.quantum = ticks } }

// WithTickRate sets the scheduler tick frequency in Hz.
func WithTickRate(hz uint32) Option { return func(c *config) { c.tickRateHz = hz } }

// WithBlockPool sizes the block allocator: cellSize bytes per cell,
// capacity cells, with optional single-neighbor coalescing at free time.
func WithBlockPool(cellSize, capacity int, coalesce bool) Option {
	return func(c *config) {
		c.blockSize = cellSize
		c.blockCount = capacity
		c.coalesce = coalesce
	}
}

// WithLogger sets the writer and minimum level for the kernel's default
// structured logger. Defaults to discarding output.
func WithLogger(w io.Writer, level logiface.Level) Option {
	return func(c *config) {
		c.logWriter = w
		c.logLevel = level
	}
}

// WithIdleHook installs a function the idle task calls every time it
// runs out of other work, instead of the default runtime.Gosched spin.
// This is the host-simulation analogue of a real target's idle-time
// power-down hook from spec section 4.1's idle task note.
func WithIdleHook(hook func()) Option { return func(c *config) { c.idleHook = hook } }

// New constructs a fully wired Kernel. It does not start the scheduler;
// call Sched.Start(ctx) once all tasks you want running before the first
// tick have been created.
func New(opts ...Option) *Kernel {
	cfg := &config{
		maxTasks:   32,
		quantum:    10,
		tickRateHz: 1000,
		blockSize:  64,
		blockCount: 64,
		logLevel:   logiface.LevelInformational,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.port == nil {
		cfg.port = platform.NewSim()
	}

	var log *rtoslog.Logger
	if cfg.logWriter == nil {
		log = rtoslog.Discard
	} else {
		log = rtoslog.New(cfg.logWriter, cfg.logLevel)
	}
	rtoslog.SetDefault(log)

	sk := sched.New(sched.Config{
		Port:       cfg.port,
		MaxTasks:   cfg.maxTasks,
		Quantum:    cfg.quantum,
		TickRateHz: cfg.tickRateHz,
		Logger:     log,
		IdleHook:   cfg.idleHook,
	})

	timers := timer.NewManager()
	sk.RegisterTickHook(func(now uint64) { timers.Process(now) })

	blocks := blockpool.New(cfg.blockSize, cfg.blockCount, blockpool.WithCoalescing(cfg.coalesce))

	return &Kernel{Sched: sk, Timers: timers, Blocks: blocks, Log: log}
}

// Stats returns a point-in-time snapshot of every task's CPU usage and
// the scheduler's global counters.
func (k *Kernel) Stats() stats.Snapshot { return stats.Collect(k.Sched) }
