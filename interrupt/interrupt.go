// Package interrupt implements the user-facing handle bound to one IDT
// vector. An Object is either waited on directly or attached to a port;
// acknowledging it unmasks the vector at its controller. The real
// unmask/mask call is kvm.IRQLine against the hosting VM's in-kernel IRQ
// chip, the same ioctl used to raise a guest IRQ line.
package interrupt

import (
	"sync"

	"github.com/kvmkernel/kernel/kobject"
	"github.com/kvmkernel/kernel/kvm"
	"github.com/kvmkernel/kernel/port"
)

// Controller abstracts the piece of hardware an Object masks/unmasks
// against. KVMController backs this with a real /dev/kvm VM fd; the
// hosted path passes nil, and tests use a fake controller.
type Controller interface {
	IRQLine(vector uint32, level uint32) error
}

// KVMController adapts a real KVM VM fd to Controller via kvm.IRQLine,
// the same ioctl a machine's interrupt injection path uses.
type KVMController struct {
	VMFd uintptr
}

func (c KVMController) IRQLine(vector uint32, level uint32) error {
	return kvm.IRQLine(c.VMFd, vector, level)
}

// ackState tracks whether a fired interrupt has been serviced.
type ackState int

const (
	ackServiced ackState = iota
	ackPending
)

// Object is one IDT-vector subscription.
type Object struct {
	mu         sync.Mutex
	vector     uint32
	controller Controller
	state      ackState
	delivered  bool
	waker      *kobject.ThreadWaker
	port       *port.Port
	portKey    uint64
	signals    kobject.SignalState
}

// New creates an interrupt object bound to vector, initially unmasked.
func New(vector uint32, controller Controller) *Object {
	return &Object{vector: vector, controller: controller}
}

// Type implements kobject.KObject.
func (o *Object) Type() kobject.Type { return kobject.TypeInterrupt }

// Signals implements kobject.KObject.
func (o *Object) Signals() *kobject.SignalState { return &o.signals }

// Fire is invoked by the IDT stub for this vector. It masks the source,
// wakes a directly-waiting thread or notifies an attached port, and
// leaves the interrupt in "pending ack" state.
func (o *Object) Fire(timestamp uint64) {
	o.mu.Lock()
	o.state = ackPending
	waker := o.waker
	// A fire that wakes a blocked Wait counts as that Wait's delivery.
	o.delivered = waker != nil
	o.waker = nil
	p := o.port
	key := o.portKey
	o.port = nil
	vector, ctrl := o.vector, o.controller
	o.mu.Unlock()

	if ctrl != nil {
		_ = ctrl.IRQLine(vector, 1)
	}

	if waker != nil {
		waker.Fire(0)
	}

	if p != nil {
		p.Push(port.Notification{Key: key, Type: port.NotifyInterrupt, Instant: timestamp})
	}
}

// Wait blocks the calling goroutine until this interrupt fires. A pending
// fire is delivered to exactly one Wait call; a second call before the
// next Fire blocks rather than returning the same fire again. Implements
// sys_interrupt_wait.
func (o *Object) Wait() {
	o.mu.Lock()

	if o.state == ackPending && !o.delivered {
		o.delivered = true
		o.mu.Unlock()

		return
	}

	w := kobject.NewThreadWaker()
	o.waker = w
	o.mu.Unlock()

	<-w.Done
}

// SetPort attaches this interrupt to a port under key, implementing
// sys_interrupt_set_port.
func (o *Object) SetPort(p *port.Port, key uint64) {
	o.mu.Lock()
	o.port = p
	o.portKey = key
	o.mu.Unlock()
}

// Acknowledge unmasks the source after the user thread has serviced it.
// Implements sys_interrupt_acknowledge; missing an ack leaves the source
// masked.
func (o *Object) Acknowledge() error {
	o.mu.Lock()
	o.state = ackServiced
	o.delivered = false
	vector, ctrl := o.vector, o.controller
	o.mu.Unlock()

	if ctrl == nil {
		return nil
	}

	return ctrl.IRQLine(vector, 0)
}

// Trigger injects a debug fire, implementing sys_interrupt_trigger.
func (o *Object) Trigger(timestamp uint64) {
	o.Fire(timestamp)
}
