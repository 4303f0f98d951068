// Package svc services supervisor calls made with SVC #0. The function id
// is in x8, arguments in x0..x2 and the result is returned in x0.
package svc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/bringup/internal/affinity"
	"github.com/tinyrange/bringup/internal/console"
	"github.com/tinyrange/bringup/internal/exception"
	"github.com/tinyrange/bringup/internal/trace"
)

// Function is a supervisor call number.
type Function uint64

const (
	Print        Function = 0x01
	MemAlloc     Function = 0x02
	MemFree      Function = 0x03
	ThreadCreate Function = 0x04
	MutexLock    Function = 0x05
	MutexUnlock  Function = 0x06
)

func (f Function) String() string {
	switch f {
	case Print:
		return "PRINT"
	case MemAlloc:
		return "MEM_ALLOC"
	case MemFree:
		return "MEM_FREE"
	case ThreadCreate:
		return "THREAD_CREATE"
	case MutexLock:
		return "MUTEX_LOCK"
	case MutexUnlock:
		return "MUTEX_UNLOCK"
	default:
		return fmt.Sprintf("SVC(%#x)", uint64(f))
	}
}

func (f Function) known() bool { return f >= Print && f <= MutexUnlock }

const (
	// Success is returned by PRINT and by handlers with nothing to report.
	Success uint64 = 0
	// NotSupported is returned for a known function with no handler.
	NotSupported = ^uint64(0)
	// Unknown is returned for a function id outside the table.
	Unknown = ^uint64(0)
)

// Args are x0 through x2 of the caller.
type Args [3]uint64

// Handler services one function and returns the value for x0.
type Handler func(core affinity.CoreIndex, args Args) uint64

// Table maps function ids to handlers. PRINT is always present.
type Table struct {
	mu       sync.RWMutex
	handlers map[Function]Handler
	console  console.Console
	log      *slog.Logger
	trace    *trace.Log
}

// New returns a table whose PRINT writes to c. log and tl may be nil.
func New(c console.Console, log *slog.Logger, tl *trace.Log) *Table {
	if c == nil {
		c = console.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Table{
		handlers: make(map[Function]Handler),
		console:  c,
		log:      log,
		trace:    tl,
	}
	t.handlers[Print] = t.print
	return t
}

// Register installs fn for f. Only the ids this package names are accepted.
func (t *Table) Register(f Function, fn Handler) error {
	if !f.known() {
		return fmt.Errorf("svc: cannot register unknown function %s", f)
	}
	if f == Print {
		return fmt.Errorf("svc: %s is built in", f)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.handlers, f)
		return nil
	}
	t.handlers[f] = fn
	return nil
}

// Call dispatches one supervisor call.
func (t *Table) Call(core affinity.CoreIndex, f Function, args Args) uint64 {
	var result uint64
	if !f.known() {
		t.log.Warn("svc: unknown function", "core", uint32(core), "id", uint64(f))
		result = Unknown
	} else {
		t.mu.RLock()
		fn := t.handlers[f]
		t.mu.RUnlock()
		if fn == nil {
			result = NotSupported
		} else {
			result = fn(core, args)
		}
	}
	t.trace.Record(trace.KindSVC, uint32(core), uint64(f), args[0], result)
	return result
}

func (t *Table) print(core affinity.CoreIndex, args Args) uint64 {
	if err := t.console.WriteByte(byte(args[0])); err != nil {
		t.log.Error("svc: print failed", "core", uint32(core), "err", err)
		return NotSupported
	}
	return Success
}

// HandleTrap is the exception handler for SVC from AArch64.
func (t *Table) HandleTrap(tr *exception.Trap) error {
	f := tr.Frame
	if tr.Syndrome.Immediate() != 0 {
		f.X[0] = Unknown
		return nil
	}
	f.X[0] = t.Call(tr.Core, Function(f.X[8]), Args{f.X[0], f.X[1], f.X[2]})
	return nil
}
