// Package handle implements the per-process handle table: a mapping from
// monotonically-assigned, never-reused handle IDs to reference-counted
// kernel objects.
package handle

import (
	"errors"
	"sync"

	"github.com/kvmkernel/kernel/kobject"
)

var ErrUnknownHandle = errors.New("handle: unknown handle or wrong object type")

// ID is an opaque, process-local, non-zero handle identifier.
type ID uint64

const (
	// InitHandle is the conventional handle ID installed in every process
	// for its init-handle channel.
	InitHandle ID = 1
	Stdin      ID = 2
	Stdout     ID = 3
	Stderr     ID = 4

	firstDynamicID ID = 5
)

type entry struct {
	obj      kobject.KObject
	refcount *int
}

// Table is one process's handle table.
type Table struct {
	mu      sync.Mutex
	next    ID
	entries map[ID]entry
}

// NewTable creates an empty table; the caller installs the conventional
// handles (init channel, stdio) immediately afterward via Install.
func NewTable() *Table {
	return &Table{next: firstDynamicID, entries: make(map[ID]entry)}
}

// Install inserts obj at an explicit, conventional handle ID (used only
// for the fixed set a process starts with), starting its refcount at 1.
func (t *Table) Install(id ID, obj kobject.KObject) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rc := 1
	t.entries[id] = entry{obj: obj, refcount: &rc}

	if id >= t.next {
		t.next = id + 1
	}
}

// Insert adds obj under a freshly allocated ID and returns it.
func (t *Table) Insert(obj kobject.KObject) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++

	rc := 1
	t.entries[id] = entry{obj: obj, refcount: &rc}

	return id
}

// Lookup resolves id to its object.
func (t *Table) Lookup(id ID) (kobject.KObject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil, ErrUnknownHandle
	}

	return e.obj, nil
}

// LookupType resolves id and additionally checks its object's type,
// failing with ErrUnknownHandle if the handle names an object of a
// different kind.
func (t *Table) LookupType(id ID, want kobject.Type) (kobject.KObject, error) {
	obj, err := t.Lookup(id)
	if err != nil {
		return nil, err
	}

	if obj.Type() != want {
		return nil, ErrUnknownHandle
	}

	return obj, nil
}

// Clone installs a new ID pointing at the same object as id, incrementing
// its shared refcount. Implements sys_handle_clone.
func (t *Table) Clone(id ID) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return 0, ErrUnknownHandle
	}

	newID := t.next
	t.next++

	*e.refcount++
	t.entries[newID] = e

	return newID, nil
}

// Drop removes id from the table and decrements its object's refcount.
// The caller receives true when this was the last reference, so it can
// run the object's destructor (e.g. close a channel endpoint).
// Implements sys_handle_drop.
func (t *Table) Drop(id ID) (last bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false, ErrUnknownHandle
	}

	delete(t.entries, id)

	*e.refcount--

	return *e.refcount == 0, nil
}
