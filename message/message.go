// Package message implements the immutable, ref-counted byte-blob object
// transferable by handle, so a receiver gets a reference to a payload
// instead of having it copied twice through the bounded channel queue.
package message

import (
	"sync"

	"github.com/kvmkernel/kernel/kobject"
)

// Message owns an immutable boxed byte slice, read any number of times by
// any number of holders of a handle to it.
type Message struct {
	mu      sync.RWMutex
	data    []byte
	signals kobject.SignalState
}

// Create copies data in, matching sys_message_create's "copies the bytes
// in" semantics.
func Create(data []byte) *Message {
	cp := make([]byte, len(data))
	copy(cp, data)

	return &Message{data: cp}
}

// Type implements kobject.KObject.
func (m *Message) Type() kobject.Type { return kobject.TypeMessage }

// Signals implements kobject.KObject. Messages are immutable and never
// signal; the state exists only to satisfy the interface uniformly.
func (m *Message) Signals() *kobject.SignalState { return &m.signals }

// Size implements sys_message_size.
func (m *Message) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.data)
}

// Read copies up to len(buf) bytes into buf and returns the number
// written, implementing sys_message_read.
func (m *Message) Read(buf []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copy(buf, m.data)
}

// Bytes returns the full immutable payload.
func (m *Message) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]byte, len(m.data))
	copy(out, m.data)

	return out
}
