// Package futex implements kernel-side wait/wake on a user-space word.
// Because the VMO's backing frame already lives in a real mmap'd slab
// (frame.Allocator), this is a genuine Linux futex against that host
// address via golang.org/x/sys/unix, keyed by the physical frame plus
// offset of the waited-on address, so two different virtual mappings of
// the same VMO page share one wait queue.
package futex

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kvmkernel/kernel/frame"
)

var ErrBadAddress = errors.New("futex: address not backed by allocator memory")

// Key identifies a futex queue by physical frame and in-page offset, the
// same key two different virtual mappings of one VMO must agree on.
type Key struct {
	Frame  frame.Frame
	Offset uint32
}

// Wait compares the 32-bit word at the host address backing addr to
// expected; on mismatch it returns immediately, otherwise it blocks on
// the real futex until woken or expected changes underneath it.
// Implements sys_futex_wait.
func Wait(alloc *frame.Allocator, f frame.Frame, offset uint32, expected uint32) error {
	b, err := alloc.Bytes(f, int(offset)+4)
	if err != nil {
		return ErrBadAddress
	}

	word := (*uint32)(unsafe.Pointer(&b[offset]))

	if atomic.LoadUint32(word) != expected {
		return nil
	}

	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(word)),
		uintptr(unix.FUTEX_WAIT), uintptr(expected), 0, 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
		return errno
	}

	return nil
}

// Wake wakes up to count threads blocked on the futex backing addr.
// Implements sys_futex_wake, returning the number actually woken.
func Wake(alloc *frame.Allocator, f frame.Frame, offset uint32, count int) (int, error) {
	b, err := alloc.Bytes(f, int(offset)+4)
	if err != nil {
		return 0, ErrBadAddress
	}

	word := (*uint32)(unsafe.Pointer(&b[offset]))

	woken, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(word)),
		uintptr(unix.FUTEX_WAKE), uintptr(count), 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(woken), nil
}
