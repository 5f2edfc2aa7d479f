// Package lock implements the file sharing policy: any number of shared
// holders or exactly one exclusive holder per file.
// Requests which conflict fail immediately instead of waiting.
package lock

import (
	"fmt"
	"sync"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
)

// Mode is the kind of a lock.
type Mode int

const (
	// None means no lock is held.
	None Mode = iota
	Shared
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ID identifies a file by the location of its short directory record.
type ID struct {
	Parent uint32
	Offset uint32
}

type entry struct {
	mode    Mode
	holders int
}

// Table keeps track of all held locks.
// Table is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[ID]*entry
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{
		entries: make(map[ID]*entry),
	}
}

// TryLock acquires a lock of the given mode or fails with fserr.ErrLocked.
func (t *Table) TryLock(id ID, mode Mode) error {
	if mode == None {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &entry{mode: mode, holders: 1}
		return nil
	}

	if mode == Exclusive || e.mode == Exclusive {
		return checkpoint.New(fserr.ErrLocked, "%v lock held by %d", e.mode, e.holders)
	}
	e.holders++
	return nil
}

// Unlock releases one lock of the given mode.
func (t *Table) Unlock(id ID, mode Mode) {
	if mode == None {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.mode != mode {
		return
	}
	e.holders--
	if e.holders <= 0 {
		delete(t.entries, id)
	}
}

// Convert changes a held lock from one mode to another. Upgrading to
// Exclusive fails with fserr.ErrLocked if other shared holders exist.
func (t *Table) Convert(id ID, from, to Mode) error {
	if from == to {
		return nil
	}
	if from == None {
		return t.TryLock(id, to)
	}
	if to == None {
		t.Unlock(id, from)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.mode != from {
		return checkpoint.New(fserr.ErrLocked, "no %v lock held", from)
	}
	if to == Exclusive && e.holders > 1 {
		return checkpoint.New(fserr.ErrLocked, "shared lock held by %d", e.holders)
	}
	e.mode = to
	return nil
}

// Held returns the mode and number of holders of the lock of id.
func (t *Table) Held(id ID) (Mode, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return None, 0
	}
	return e.mode, e.holders
}
