package svc

import (
	"sync"

	"github.com/tinyrange/bringup/internal/affinity"
)

// Arena is a bump allocator over a fixed physical range. Free is accepted
// and ignored.
type Arena struct {
	mu    sync.Mutex
	start uint64
	end   uint64
	next  uint64
}

func NewArena(start, size uint64) *Arena {
	return &Arena{start: start, end: start + size, next: start}
}

// Alloc returns an 8-byte aligned block of size bytes, or 0 when size is
// zero or the arena is exhausted.
func (a *Arena) Alloc(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	aligned := (size + 7) &^ 7
	if aligned < size || a.next+aligned > a.end || a.next+aligned < a.next {
		return 0
	}
	p := a.next
	a.next += aligned
	return p
}

// Used reports how many bytes have been handed out.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next - a.start
}

// Install registers MEM_ALLOC and MEM_FREE on t.
func (a *Arena) Install(t *Table) error {
	if err := t.Register(MemAlloc, func(_ affinity.CoreIndex, args Args) uint64 {
		return a.Alloc(args[0])
	}); err != nil {
		return err
	}
	return t.Register(MemFree, func(affinity.CoreIndex, Args) uint64 {
		return Success
	})
}
