// Package channel implements the bidirectional, bounded message+handle
// pipe every service is built on top of: a pair of endpoints that each
// hold a plain pointer to the other.
package channel

import (
	"errors"
	"sync"

	"github.com/kvmkernel/kernel/kobject"
)

// Capacity is the channel's hard queue bound, a package-level constant.
const Capacity = 10000

var (
	ErrChannelFull           = errors.New("channel: peer queue is full")
	ErrChannelClosed         = errors.New("channel: channel is closed")
	ErrChannelEmpty          = errors.New("channel: no packet available")
	ErrChannelBufferTooSmall = errors.New("channel: read buffers too small")
)

// Packet is one FIFO entry: bytes plus handles re-materialized in the
// receiver's handle table on read.
type Packet struct {
	Data    []byte
	Handles []kobject.KObject
}

// Endpoint is one half of a channel pair.
type Endpoint struct {
	mu         sync.Mutex
	queue      []Packet
	peer       *Endpoint
	closed     bool
	peerClosed bool
	signals    kobject.SignalState
}

// NewPair creates two linked endpoints, each holding a pointer to the
// other. The link is conceptually weak: nothing outside a handle table
// is expected to keep an endpoint alive by itself. Close marks both sides
// closed and leaves the peer pointers in place.
func NewPair() (left, right *Endpoint) {
	left = &Endpoint{}
	right = &Endpoint{}
	left.peer = right
	right.peer = left

	return left, right
}

// Type implements kobject.KObject.
func (e *Endpoint) Type() kobject.Type { return kobject.TypeChannelEndpoint }

// Signals implements kobject.KObject.
func (e *Endpoint) Signals() *kobject.SignalState { return &e.signals }

// Write moves handles out of the caller's handle table (the caller does
// that bookkeeping before or after this call) and pushes a packet onto
// the peer's queue, implementing sys_channel_write.
func (e *Endpoint) Write(data []byte, handles []kobject.KObject) error {
	e.mu.Lock()
	peer := e.peer
	closed := e.closed
	e.mu.Unlock()

	if closed || peer == nil {
		return ErrChannelClosed
	}

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()

		return ErrChannelClosed
	}

	if len(peer.queue) >= Capacity {
		peer.mu.Unlock()

		return ErrChannelFull
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	peer.queue = append(peer.queue, Packet{Data: cp, Handles: handles})
	empty := len(peer.queue) == 1
	peer.mu.Unlock()

	if empty {
		peer.signals.Set(kobject.Readable, true)
	}

	return nil
}

// Read pops the head packet into dataBuf/handleBuf, implementing
// sys_channel_read. If either buffer is too small the packet is restored
// at the head and ErrChannelBufferTooSmall is returned along with the
// sizes the caller needs.
func (e *Endpoint) Read(dataBuf []byte, handleBuf []kobject.KObject) (dataLen, handleLen int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		if e.closed || e.peerClosed {
			return 0, 0, ErrChannelClosed
		}

		return 0, 0, ErrChannelEmpty
	}

	head := e.queue[0]

	if len(head.Data) > len(dataBuf) || len(head.Handles) > len(handleBuf) {
		return len(head.Data), len(head.Handles), ErrChannelBufferTooSmall
	}

	e.queue = e.queue[1:]
	if len(e.queue) == 0 {
		e.signals.Set(kobject.Readable, false)
	}

	dataLen = copy(dataBuf, head.Data)
	handleLen = copy(handleBuf, head.Handles)

	return dataLen, handleLen, nil
}

// Close drains this endpoint's own inbound queue (messages addressed to
// it that will never be read) and raises CHANNEL_CLOSED on both sides.
// Packets already queued on the peer (sent by this endpoint before
// closing) remain readable until drained.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.queue = nil
	peer := e.peer
	e.mu.Unlock()

	e.signals.Set(kobject.ChannelClosed, true)

	if peer == nil {
		return
	}

	peer.mu.Lock()
	peer.peerClosed = true
	peer.mu.Unlock()

	peer.signals.Set(kobject.ChannelClosed, true)
}
