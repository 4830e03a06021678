// Package syscalls implements the dispatch table every user thread's
// syscall, int 0x80, or internal kernel-to-kernel call path converges on,
// plus the numbered syscall surface and result codes. The register-level
// ABI — rax=number, rdi/rsi/rdx/r10/r8/r9=args 1-6 — is preserved as the
// argument shape of Dispatch: a fixed [6]uint64 register file in, one
// result code plus an rax-equivalent value out.
package syscalls

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/arch/x86/x86asm"

	"github.com/kvmkernel/kernel/channel"
	"github.com/kvmkernel/kernel/frame"
	"github.com/kvmkernel/kernel/futex"
	"github.com/kvmkernel/kernel/handle"
	"github.com/kvmkernel/kernel/interrupt"
	"github.com/kvmkernel/kernel/kobject"
	"github.com/kvmkernel/kernel/message"
	"github.com/kvmkernel/kernel/port"
	"github.com/kvmkernel/kernel/process"
	"github.com/kvmkernel/kernel/sched"
	"github.com/kvmkernel/kernel/vmo"
)

// Number is one of the numbered syscalls a thread can issue.
type Number uint64

const (
	Echo Number = iota
	Yield
	Sleep
	Uptime
	Exit
	Map
	Unmap
	ReadArgs
	PID
	Log
	HandleDrop
	HandleClone
	ObjectType
	ObjectWait
	ObjectWaitPort
	ChannelCreate
	ChannelRead
	ChannelWrite
	InterruptCreate
	InterruptWait
	InterruptTrigger
	InterruptAcknowledge
	InterruptSetPort
	PortCreate
	PortWait
	PortPush
	ProcessSpawnThread
	ProcessExitCode
	MessageCreate
	MessageSize
	MessageRead
	VMOMmapCreate
	VMOAnonymousCreate
	VMOAnonymousPinnedAddresses
	FutexWait
	FutexWake
)

// Result is the code returned in rax (or via an out-param) on every
// syscall.
type Result uint64

const (
	Ok Result = iota
	BadInputPointer
	SystemError
	UnknownHandle
	ChannelEmptyResult
	ChannelFullResult
	ChannelClosedResult
	ChannelBufferTooSmallResult
	ChannelMsgTooBig
	ProcessStillRunningResult
	// Interrupted is returned to a blocked syscall whose thread's process
	// was killed while it waited.
	Interrupted
)

var (
	ErrBadPointer  = errors.New("syscalls: pointer outside user range or misaligned")
	ErrSystem      = errors.New("syscalls: internal kernel error")
	ErrNoSuchCall  = errors.New("syscalls: unknown syscall number")
)

// Error wraps a sentinel Go error with the Result code a syscall boundary
// must surface in rax, so internal error chains (errors.Is) and the
// register-level result code travel together.
type Error struct {
	Result Result
	Err    error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func fail(result Result, err error) *Error {
	return &Error{Result: result, Err: err}
}

// Memory abstracts reading/writing a thread's user-address-space buffers
// through the frame allocator and its VM region's page table: every
// pointer argument is translated and bounds-checked here before any
// dereference.
type Memory interface {
	Translate(vaddr uint64) (uint64, error)
}

func readUser(region Memory, alloc *frame.Allocator, addr uint64, length int) ([]byte, error) {
	out := make([]byte, 0, length)

	for len(out) < length {
		page := addr &^ (frame.Size4K - 1)

		phys, err := region.Translate(page)
		if err != nil {
			return nil, ErrBadPointer
		}

		pageOff := addr - page

		b, err := alloc.Bytes(frame.Frame(phys), frame.Size4K)
		if err != nil {
			return nil, ErrBadPointer
		}

		n := length - len(out)
		if avail := frame.Size4K - int(pageOff); n > avail {
			n = avail
		}

		out = append(out, b[pageOff:int(pageOff)+n]...)
		addr += uint64(n)
	}

	return out, nil
}

func writeUser(region Memory, alloc *frame.Allocator, addr uint64, data []byte) error {
	written := 0

	for written < len(data) {
		page := addr &^ (frame.Size4K - 1)

		phys, err := region.Translate(page)
		if err != nil {
			return ErrBadPointer
		}

		pageOff := addr - page

		b, err := alloc.Bytes(frame.Frame(phys), frame.Size4K)
		if err != nil {
			return ErrBadPointer
		}

		n := len(data) - written
		if avail := frame.Size4K - int(pageOff); n > avail {
			n = avail
		}

		copy(b[pageOff:], data[written:written+n])
		written += n
		addr += uint64(n)
	}

	return nil
}

func writeU64(region Memory, alloc *frame.Allocator, addr, v uint64) error {
	var buf [8]byte

	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}

	return writeUser(region, alloc, addr, buf[:])
}

// UptimeFunc returns milliseconds since boot; injected so the kernel's
// real timer source (or a fake one in tests) drives sys_uptime/sys_sleep.
type UptimeFunc func() uint64

// Dispatcher holds the kernel-global state every handler needs: the
// physical frame allocator backing every process's memory, a PID/TID
// source for process_spawn_thread, the uptime clock, the scheduler that
// sys_sleep parks threads against, and the logger sys_log writes to.
type Dispatcher struct {
	Alloc     *frame.Allocator
	Uptime    UptimeFunc
	Scheduler *sched.Scheduler
	Logger    *log.Logger
	nextTID   uint64
}

// NewDispatcher wires a dispatcher against a live frame allocator and
// scheduler. logger may be nil, in which case sys_log falls back to
// log.Default().
func NewDispatcher(alloc *frame.Allocator, uptime UptimeFunc, scheduler *sched.Scheduler, logger *log.Logger) *Dispatcher {
	return &Dispatcher{Alloc: alloc, Uptime: uptime, Scheduler: scheduler, Logger: logger, nextTID: 1000}
}

// logger returns the configured logger, falling back to the standard
// library's default so sys_log never silently drops output.
func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return log.Default()
}

// destroy runs an object's destructor when its handle-table refcount
// reaches zero, e.g. closing a channel endpoint.
func destroy(obj kobject.KObject) {
	if ep, ok := obj.(*channel.Endpoint); ok {
		ep.Close()
	}
}

// Dispatch routes one syscall for the calling thread, preserving the
// register-file argument shape of the Number/args ABI above.
func (d *Dispatcher) Dispatch(t *process.Thread, num Number, args [6]uint64) (rax uint64, res Result) {
	region := t.Proc.Region
	handles := t.Proc.Handles

	switch num {
	case Echo:
		return args[0], Ok

	case Yield:
		return 0, Ok

	case Sleep:
		return d.sysSleep(t, args)

	case Uptime:
		if err := writeU64(region, d.Alloc, args[0], d.Uptime()); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case Exit:
		t.Exit(0)

		return 0, Ok

	case Map:
		return d.sysMap(t, args)

	case Unmap:
		if err := region.Unmap(args[0]); err != nil {
			return 0, SystemError
		}

		return 0, Ok

	case ReadArgs:
		if err := writeUser(region, d.Alloc, args[0], t.Proc.Args); err != nil {
			return 0, BadInputPointer
		}

		if err := writeU64(region, d.Alloc, args[2], uint64(len(t.Proc.Args))); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case PID:
		if err := writeU64(region, d.Alloc, args[0], t.Proc.PID); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case Log:
		return d.sysLog(t, args)

	case HandleDrop:
		// Look the object up first: Drop removes the entry from the table.
		obj, lookupErr := handles.Lookup(handle.ID(args[0]))

		last, err := handles.Drop(handle.ID(args[0]))
		if err != nil {
			return 0, UnknownHandle
		}

		if last && lookupErr == nil {
			destroy(obj)
		}

		return 0, Ok

	case HandleClone:
		newID, err := handles.Clone(handle.ID(args[0]))
		if err != nil {
			return 0, UnknownHandle
		}

		if err := writeU64(region, d.Alloc, args[1], uint64(newID)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case ObjectType:
		obj, err := handles.Lookup(handle.ID(args[0]))
		if err != nil {
			return 0, UnknownHandle
		}

		if err := writeU64(region, d.Alloc, args[1], uint64(obj.Type())); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case ObjectWait:
		obj, err := handles.Lookup(handle.ID(args[0]))
		if err != nil {
			return 0, UnknownHandle
		}

		mask := kobject.Signal(args[1])

		w := kobject.NewThreadWaker()
		if obj.Signals().Wait(mask, w) {
			if err := writeU64(region, d.Alloc, args[2], uint64(obj.Signals().Current())); err != nil {
				return 0, BadInputPointer
			}

			return 0, Ok
		}

		signals := <-w.Done

		if t.Interrupted() {
			return 0, Interrupted
		}

		if err := writeU64(region, d.Alloc, args[2], uint64(signals)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case ObjectWaitPort:
		obj, err := handles.Lookup(handle.ID(args[0]))
		if err != nil {
			return 0, UnknownHandle
		}

		p, err := handles.LookupType(handle.ID(args[1]), kobject.TypePort)
		if err != nil {
			return 0, UnknownHandle
		}

		mask := kobject.Signal(args[2])
		key := args[3]

		pt := p.(*port.Port)
		obj.Signals().Wait(mask, pt.AttachSignal(key, mask))

		return 0, Ok

	case ChannelCreate:
		l, r := channel.NewPair()
		lID := handles.Insert(l)
		rID := handles.Insert(r)

		if err := writeU64(region, d.Alloc, args[0], uint64(lID)); err != nil {
			return 0, BadInputPointer
		}

		if err := writeU64(region, d.Alloc, args[1], uint64(rID)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case ChannelRead:
		return d.sysChannelRead(t, args)

	case ChannelWrite:
		return d.sysChannelWrite(t, args)

	case InterruptCreate:
		obj := interrupt.New(uint32(args[0]), nil)
		id := handles.Insert(obj)

		if err := writeU64(region, d.Alloc, args[1], uint64(id)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case InterruptWait:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeInterrupt)
		if err != nil {
			return 0, UnknownHandle
		}

		obj.(*interrupt.Object).Wait()

		return 0, Ok

	case InterruptTrigger:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeInterrupt)
		if err != nil {
			return 0, UnknownHandle
		}

		obj.(*interrupt.Object).Trigger(d.Uptime())

		return 0, Ok

	case InterruptAcknowledge:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeInterrupt)
		if err != nil {
			return 0, UnknownHandle
		}

		if err := obj.(*interrupt.Object).Acknowledge(); err != nil {
			return 0, SystemError
		}

		return 0, Ok

	case InterruptSetPort:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeInterrupt)
		if err != nil {
			return 0, UnknownHandle
		}

		p, err := handles.LookupType(handle.ID(args[1]), kobject.TypePort)
		if err != nil {
			return 0, UnknownHandle
		}

		obj.(*interrupt.Object).SetPort(p.(*port.Port), args[2])

		return 0, Ok

	case PortCreate:
		p := port.New()
		id := handles.Insert(p)

		if err := writeU64(region, d.Alloc, args[0], uint64(id)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case PortWait:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypePort)
		if err != nil {
			return 0, UnknownHandle
		}

		n := obj.(*port.Port).Wait()

		var buf [32]byte
		buf[0] = byte(n.Type)

		for i := 0; i < 8; i++ {
			buf[8+i] = byte(n.Key >> (8 * i))
		}

		if err := writeUser(region, d.Alloc, args[1], buf[:]); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case PortPush:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypePort)
		if err != nil {
			return 0, UnknownHandle
		}

		var user [8]byte

		u, err := readUser(region, d.Alloc, args[1], 8)
		if err != nil {
			return 0, BadInputPointer
		}

		copy(user[:], u)

		obj.(*port.Port).Push(port.Notification{Type: port.NotifyUser, User: user})

		return 0, Ok

	case ProcessSpawnThread:
		tid := atomic.AddUint64(&d.nextTID, 1)
		th := t.Proc.SpawnThread(tid, args[0], args[1])

		if err := writeU64(region, d.Alloc, args[2], th.TID); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case ProcessExitCode:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeProcess)
		if err != nil {
			return 0, UnknownHandle
		}

		code, err := obj.(*process.Process).ExitCode()
		if err != nil {
			return 0, ProcessStillRunningResult
		}

		if err := writeU64(region, d.Alloc, args[1], uint64(code)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case MessageCreate:
		data, err := readUser(region, d.Alloc, args[0], int(args[1]))
		if err != nil {
			return 0, BadInputPointer
		}

		m := message.Create(data)
		id := handles.Insert(m)

		if err := writeU64(region, d.Alloc, args[2], uint64(id)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case MessageSize:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeMessage)
		if err != nil {
			return 0, UnknownHandle
		}

		if err := writeU64(region, d.Alloc, args[1], uint64(obj.(*message.Message).Size())); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case MessageRead:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeMessage)
		if err != nil {
			return 0, UnknownHandle
		}

		buf := make([]byte, args[2])
		n := obj.(*message.Message).Read(buf)

		if err := writeUser(region, d.Alloc, args[1], buf[:n]); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case VMOMmapCreate:
		v := vmo.NewMemoryMapped(args[0], args[1])
		id := handles.Insert(v)

		if err := writeU64(region, d.Alloc, args[2], uint64(id)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case VMOAnonymousCreate:
		v, err := vmo.NewAnonymous(d.Alloc, args[0], vmo.Flags(args[1]))
		if err != nil {
			return 0, SystemError
		}

		id := handles.Insert(v)

		if err := writeU64(region, d.Alloc, args[2], uint64(id)); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case VMOAnonymousPinnedAddresses:
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeVMO)
		if err != nil {
			return 0, UnknownHandle
		}

		addrs, err := obj.(*vmo.VMO).PinnedAddresses(args[1], args[2])
		if err != nil {
			return 0, SystemError
		}

		buf := make([]byte, len(addrs)*8)
		for i, a := range addrs {
			for b := 0; b < 8; b++ {
				buf[i*8+b] = byte(a >> (8 * b))
			}
		}

		if err := writeUser(region, d.Alloc, args[3], buf); err != nil {
			return 0, BadInputPointer
		}

		return 0, Ok

	case FutexWait:
		return d.sysFutexWait(t, args)

	case FutexWake:
		return d.sysFutexWake(t, args)

	default:
		return 0, SystemError
	}
}

func (d *Dispatcher) sysMap(t *process.Thread, args [6]uint64) (uint64, Result) {
	handles := t.Proc.Handles
	region := t.Proc.Region

	var v *vmo.VMO

	if args[0] != 0 {
		obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeVMO)
		if err != nil {
			return 0, UnknownHandle
		}

		v = obj.(*vmo.VMO)
	} else {
		var err error

		v, err = vmo.NewAnonymous(d.Alloc, args[3], 0)
		if err != nil {
			return 0, SystemError
		}
	}

	addr, err := region.Map(v, args[2], args[1])
	if err != nil {
		return 0, SystemError
	}

	if err := writeU64(region, d.Alloc, args[4], addr); err != nil {
		return 0, BadInputPointer
	}

	return 0, Ok
}

// sysSleep parks the calling thread for the requested number of
// milliseconds. It records the deadline on the scheduler's sleep heap so
// WakeExpired bookkeeping stays consistent with a real timer tick, then
// blocks the goroutine for that long, returning the requested number of
// milliseconds; the elapsed time is not measured. Implements sys_sleep.
func (d *Dispatcher) sysSleep(t *process.Thread, args [6]uint64) (uint64, Result) {
	ms := args[0]
	deadline := d.Uptime() + ms

	if d.Scheduler != nil {
		d.Scheduler.Sleep(t.ScheduleID(), deadline)
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	<-timer.C
	timer.Stop()

	if d.Scheduler != nil {
		d.Scheduler.WakeExpired(deadline)
	}

	if t.Interrupted() {
		return 0, Interrupted
	}

	return ms, Ok
}

// sysLog reads the level, target and message strings out of user memory
// and writes them to the kernel log, implementing sys_log. args are
// [level, targetPtr, targetLen, msgPtr, msgLen].
func (d *Dispatcher) sysLog(t *process.Thread, args [6]uint64) (uint64, Result) {
	region := t.Proc.Region

	target, err := readUser(region, d.Alloc, args[1], int(args[2]))
	if err != nil {
		return 0, BadInputPointer
	}

	msg, err := readUser(region, d.Alloc, args[3], int(args[4]))
	if err != nil {
		return 0, BadInputPointer
	}

	d.logger().Printf("pid=%d level=%d %s: %s", t.Proc.PID, args[0], target, msg)

	return 0, Ok
}

// userFutexKey translates a user-space word address into the physical
// frame and in-page offset the futex package keys its wait queues by.
func userFutexKey(region Memory, addr uint64) (frame.Frame, uint32, error) {
	page := addr &^ (frame.Size4K - 1)

	phys, err := region.Translate(page)
	if err != nil {
		return 0, 0, ErrBadPointer
	}

	return frame.Frame(phys), uint32(addr - page), nil
}

// sysFutexWait implements sys_futex_wait: args are [addr, expected].
func (d *Dispatcher) sysFutexWait(t *process.Thread, args [6]uint64) (uint64, Result) {
	f, offset, err := userFutexKey(t.Proc.Region, args[0])
	if err != nil {
		return 0, BadInputPointer
	}

	if err := futex.Wait(d.Alloc, f, offset, uint32(args[1])); err != nil {
		return 0, SystemError
	}

	if t.Interrupted() {
		return 0, Interrupted
	}

	return 0, Ok
}

// sysFutexWake implements sys_futex_wake: args are [addr, count], rax is
// the number of waiters actually woken.
func (d *Dispatcher) sysFutexWake(t *process.Thread, args [6]uint64) (uint64, Result) {
	f, offset, err := userFutexKey(t.Proc.Region, args[0])
	if err != nil {
		return 0, BadInputPointer
	}

	woken, err := futex.Wake(d.Alloc, f, offset, int(args[1]))
	if err != nil {
		return 0, SystemError
	}

	return uint64(woken), Ok
}

func (d *Dispatcher) sysChannelRead(t *process.Thread, args [6]uint64) (uint64, Result) {
	handles := t.Proc.Handles
	region := t.Proc.Region

	obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeChannelEndpoint)
	if err != nil {
		return 0, UnknownHandle
	}

	ep := obj.(*channel.Endpoint)

	dataCap, err := readU64(region, d.Alloc, args[2])
	if err != nil {
		return 0, BadInputPointer
	}

	hlenCap, err := readU64(region, d.Alloc, args[4])
	if err != nil {
		return 0, BadInputPointer
	}

	dataBuf := make([]byte, dataCap)
	handleBuf := make([]kobject.KObject, hlenCap)

	n, hn, err := ep.Read(dataBuf, handleBuf)
	switch {
	case errors.Is(err, channel.ErrChannelBufferTooSmall):
		_ = writeU64(region, d.Alloc, args[2], uint64(n))
		_ = writeU64(region, d.Alloc, args[4], uint64(hn))

		return 0, ChannelBufferTooSmallResult
	case errors.Is(err, channel.ErrChannelEmpty):
		return 0, ChannelEmptyResult
	case errors.Is(err, channel.ErrChannelClosed):
		return 0, ChannelClosedResult
	case err != nil:
		return 0, SystemError
	}

	if err := writeUser(region, d.Alloc, args[1], dataBuf[:n]); err != nil {
		return 0, BadInputPointer
	}

	if err := writeU64(region, d.Alloc, args[2], uint64(n)); err != nil {
		return 0, BadInputPointer
	}

	newIDs := make([]handle.ID, hn)
	for i := 0; i < hn; i++ {
		newIDs[i] = handles.Insert(handleBuf[i])
	}

	buf := make([]byte, hn*8)
	for i, id := range newIDs {
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(id >> (8 * b))
		}
	}

	if err := writeUser(region, d.Alloc, args[3], buf); err != nil {
		return 0, BadInputPointer
	}

	if err := writeU64(region, d.Alloc, args[4], uint64(hn)); err != nil {
		return 0, BadInputPointer
	}

	return 0, Ok
}

func (d *Dispatcher) sysChannelWrite(t *process.Thread, args [6]uint64) (uint64, Result) {
	handles := t.Proc.Handles
	region := t.Proc.Region

	obj, err := handles.LookupType(handle.ID(args[0]), kobject.TypeChannelEndpoint)
	if err != nil {
		return 0, UnknownHandle
	}

	ep := obj.(*channel.Endpoint)

	data, err := readUser(region, d.Alloc, args[1], int(args[2]))
	if err != nil {
		return 0, BadInputPointer
	}

	hraw, err := readUser(region, d.Alloc, args[3], int(args[4])*8)
	if err != nil {
		return 0, BadInputPointer
	}

	handleList := make([]kobject.KObject, args[4])

	for i := range handleList {
		var id uint64
		for b := 0; b < 8; b++ {
			id |= uint64(hraw[i*8+b]) << (8 * b)
		}

		obj, err := handles.Lookup(handle.ID(id))
		if err != nil {
			return 0, UnknownHandle
		}

		handleList[i] = obj

		if _, err := handles.Drop(handle.ID(id)); err != nil {
			return 0, UnknownHandle
		}
	}

	err = ep.Write(data, handleList)

	switch {
	case errors.Is(err, channel.ErrChannelFull):
		return 0, ChannelFullResult
	case errors.Is(err, channel.ErrChannelClosed):
		return 0, ChannelClosedResult
	case err != nil:
		return 0, SystemError
	}

	return 0, Ok
}

func readU64(region Memory, alloc *frame.Allocator, addr uint64) (uint64, error) {
	b, err := readUser(region, alloc, addr, 8)
	if err != nil {
		return 0, err
	}

	var v uint64

	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v, nil
}

// DecodeFaultingInstruction disassembles the first 64-bit instruction in
// code and returns it in GNU syntax; the caller supplies the bytes.
func DecodeFaultingInstruction(code []byte) (string, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", err
	}

	return x86asm.GNUSyntax(inst, 0, nil), nil
}
