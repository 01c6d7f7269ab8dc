// Package rtoslog wires the kernel's structured logging onto
// github.com/joeycumines/logiface, using github.com/joeycumines/stumpy as
// the default JSON event backend. It mirrors eventloop's package-level
// SetStructuredLogger / NewDefaultLogger split: a nil-safe default is used
// until the caller configures one. Some events are logged while the
// scheduler's critical section is held (mutex priority-inheritance boosts
// and unlock-by-non-owner, task deletion and resumption).
package rtoslog

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type used across every kernel package.
// It is a thin alias so call sites don't need to reference the stumpy
// event type directly.
type Logger = logiface.Logger[*stumpy.Event]

// Builder is the fluent, per-event field builder returned by the level
// methods on Logger (e.g. Logger.Debug()).
type Builder = logiface.Builder[*stumpy.Event]

// New constructs a Logger writing newline-delimited JSON to w at the given
// minimum level. A nil w defaults to os.Stderr.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)
}

// Discard is a Logger with logging disabled entirely; every level check is
// false and no event is ever built, so this has near-zero overhead on the
// scheduling hot path.
var Discard = stumpy.L.New(stumpy.L.WithLevel(logiface.LevelDisabled))

var (
	defaultMu     sync.RWMutex
	defaultLogger = Discard
)

// SetDefault installs the package-wide default Logger, used by any kernel
// instance constructed without an explicit rtoslog.Logger option.
func SetDefault(l *Logger) {
	if l == nil {
		l = Discard
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the current package-wide default Logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
