// Package port implements the single-reader multi-writer notification
// queue every multiplexing service thread blocks on.
package port

import (
	"sync"

	"github.com/kvmkernel/kernel/kobject"
)

// NotificationType tags the union described in the wire format.
type NotificationType uint32

const (
	NotifySignalOne NotificationType = iota
	NotifyInterrupt
	NotifyUser
)

// Notification is one FIFO entry. Exactly one of the payload fields is
// meaningful, selected by Type.
type Notification struct {
	Key     uint64
	Type    NotificationType
	Trigger kobject.Signal // NotifySignalOne
	Signals kobject.Signal // NotifySignalOne
	Instant uint64         // NotifyInterrupt: a timestamp
	User    [8]byte        // NotifyUser
}

// Port is a FIFO of notifications with no object ownership of its own —
// attached objects hold weak back-references to it instead.
type Port struct {
	mu      sync.Mutex
	queue   []Notification
	waiters []chan Notification
	signals kobject.SignalState
}

func New() *Port {
	return &Port{}
}

// Type implements kobject.KObject.
func (p *Port) Type() kobject.Type { return kobject.TypePort }

// Signals implements kobject.KObject.
func (p *Port) Signals() *kobject.SignalState { return &p.signals }

// Push enqueues a notification, implementing both sys_port_push (type
// NotifyUser) and the internal SignalOne/Interrupt delivery paths used by
// KObjectSignal attachments and interrupt objects.
func (p *Port) Push(n Notification) {
	p.mu.Lock()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- n

		return
	}

	p.queue = append(p.queue, n)
	p.mu.Unlock()
}

// Wait blocks the calling goroutine (standing in for the calling thread)
// until the queue is non-empty, then returns the head notification,
// implementing sys_port_wait.
func (p *Port) Wait() Notification {
	p.mu.Lock()

	if len(p.queue) > 0 {
		n := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		return n
	}

	ch := make(chan Notification, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	return <-ch
}

// AttachSignal returns a kobject.Waiter that, when fired, pushes a
// SignalOne notification carrying key and the triggering mask: the
// one-shot sys_object_wait_port attachment.
func (p *Port) AttachSignal(key uint64, trigger kobject.Signal) kobject.Waiter {
	return &kobject.PortNotifier{
		Key:     key,
		Trigger: trigger,
		Push: func(key uint64, trigger, signals kobject.Signal) {
			p.Push(Notification{
				Key:     key,
				Type:    NotifySignalOne,
				Trigger: trigger,
				Signals: signals,
			})
		},
	}
}
