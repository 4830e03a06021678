package syscalls_test

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/kvmkernel/kernel/channel"
	"github.com/kvmkernel/kernel/frame"
	"github.com/kvmkernel/kernel/handle"
	"github.com/kvmkernel/kernel/kobject"
	"github.com/kvmkernel/kernel/message"
	"github.com/kvmkernel/kernel/paging"
	"github.com/kvmkernel/kernel/process"
	"github.com/kvmkernel/kernel/sched"
	"github.com/kvmkernel/kernel/syscalls"
	"github.com/kvmkernel/kernel/vmo"
)

type testKernel struct {
	alloc  *frame.Allocator
	region *vmo.Region
	proc   *process.Process
	thread *process.Thread
	disp   *syscalls.Dispatcher
	outBuf uint64
	logBuf *bytes.Buffer
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()

	alloc, err := frame.New(16<<20, []frame.MemoryMapEntry{
		{PhysicalStart: 0, NumberOfPages: (16 << 20) / frame.Size4K},
	})
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}

	as, err := paging.NewAddressSpace(alloc)
	if err != nil {
		t.Fatalf("paging.NewAddressSpace: %v", err)
	}

	region := vmo.NewRegion(as, 0x1000, 1<<30)

	v, err := vmo.NewAnonymous(alloc, 4*frame.Size4K, vmo.FlagPinned)
	if err != nil {
		t.Fatalf("vmo.NewAnonymous: %v", err)
	}

	outBuf, err := region.Map(v, 0, paging.FlagWritable|paging.FlagUser)
	if err != nil {
		t.Fatalf("region.Map: %v", err)
	}

	p := process.New(1, region, []byte("hello"))
	th := p.SpawnThread(1, 0, 0)

	sc := sched.New(1, func(cpu int) sched.ThreadID { return sched.ThreadID(0) })

	var logBuf bytes.Buffer

	d := syscalls.NewDispatcher(alloc, func() uint64 { return 1234 }, sc, log.New(&logBuf, "", 0))

	return &testKernel{alloc: alloc, region: region, proc: p, thread: th, disp: d, outBuf: outBuf, logBuf: &logBuf}
}

func (k *testKernel) readU64(t *testing.T, addr uint64) uint64 {
	t.Helper()

	phys, err := k.region.Translate(addr)
	if err != nil {
		t.Fatalf("Translate(%#x): %v", addr, err)
	}

	b, err := k.alloc.Bytes(frame.Frame(phys), 8)
	if err != nil {
		t.Fatal(err)
	}

	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}

func (k *testKernel) readBytes(t *testing.T, addr uint64, n int) []byte {
	t.Helper()

	phys, err := k.region.Translate(addr)
	if err != nil {
		t.Fatalf("Translate(%#x): %v", addr, err)
	}

	b, err := k.alloc.Bytes(frame.Frame(phys), n)
	if err != nil {
		t.Fatal(err)
	}

	out := make([]byte, n)
	copy(out, b[:n])

	return out
}

func TestEcho(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	rax, res := k.disp.Dispatch(k.thread, syscalls.Echo, [6]uint64{99})
	if res != syscalls.Ok || rax != 99 {
		t.Errorf("Echo = (%d, %v), want (99, Ok)", rax, res)
	}
}

func TestPID(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	_, res := k.disp.Dispatch(k.thread, syscalls.PID, [6]uint64{k.outBuf})
	if res != syscalls.Ok {
		t.Fatalf("PID dispatch = %v, want Ok", res)
	}

	if got := k.readU64(t, k.outBuf); got != 1 {
		t.Errorf("written PID = %d, want 1", got)
	}
}

func TestUptimeWritesClock(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	_, res := k.disp.Dispatch(k.thread, syscalls.Uptime, [6]uint64{k.outBuf})
	if res != syscalls.Ok {
		t.Fatalf("Uptime dispatch = %v, want Ok", res)
	}

	if got := k.readU64(t, k.outBuf); got != 1234 {
		t.Errorf("written uptime = %d, want 1234", got)
	}
}

func TestReadArgsWritesProcessArgs(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	_, res := k.disp.Dispatch(k.thread, syscalls.ReadArgs, [6]uint64{k.outBuf, 0, k.outBuf + 0x100})
	if res != syscalls.Ok {
		t.Fatalf("ReadArgs dispatch = %v, want Ok", res)
	}

	if got := string(k.readBytes(t, k.outBuf, len("hello"))); got != "hello" {
		t.Errorf("written args = %q, want %q", got, "hello")
	}

	if n := k.readU64(t, k.outBuf+0x100); n != 5 {
		t.Errorf("written args length = %d, want 5", n)
	}
}

func TestBadInputPointerOnUnmappedAddress(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	_, res := k.disp.Dispatch(k.thread, syscalls.PID, [6]uint64{0xdead0000})
	if res != syscalls.BadInputPointer {
		t.Errorf("PID to unmapped pointer = %v, want BadInputPointer", res)
	}
}

func TestExitMarksThreadExited(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	_, res := k.disp.Dispatch(k.thread, syscalls.Exit, [6]uint64{0})
	if res != syscalls.Ok {
		t.Fatalf("Exit dispatch = %v, want Ok", res)
	}

	if _, err := k.proc.ExitCode(); err != nil {
		t.Errorf("ExitCode after Exit syscall = %v, want nil", err)
	}
}

func TestHandleCloneAndDrop(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	id := k.proc.Handles.Insert(message.Create([]byte("x")))

	_, res := k.disp.Dispatch(k.thread, syscalls.HandleClone, [6]uint64{uint64(id), k.outBuf})
	if res != syscalls.Ok {
		t.Fatalf("HandleClone dispatch = %v, want Ok", res)
	}

	cloned := handle.ID(k.readU64(t, k.outBuf))
	if cloned == id {
		t.Errorf("cloned handle equals original")
	}

	if _, res := k.disp.Dispatch(k.thread, syscalls.HandleDrop, [6]uint64{uint64(id)}); res != syscalls.Ok {
		t.Errorf("HandleDrop(original) = %v, want Ok", res)
	}

	if _, res := k.disp.Dispatch(k.thread, syscalls.ObjectType, [6]uint64{uint64(cloned), k.outBuf}); res != syscalls.Ok {
		t.Errorf("ObjectType(cloned) after dropping the original handle = %v, want Ok", res)
	}
}

func TestHandleDropUnknownHandle(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	if _, res := k.disp.Dispatch(k.thread, syscalls.HandleDrop, [6]uint64{999}); res != syscalls.UnknownHandle {
		t.Errorf("HandleDrop(999) = %v, want UnknownHandle", res)
	}
}

func TestObjectTypeReportsKind(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	id := k.proc.Handles.Insert(message.Create([]byte("x")))

	if _, res := k.disp.Dispatch(k.thread, syscalls.ObjectType, [6]uint64{uint64(id), k.outBuf}); res != syscalls.Ok {
		t.Fatalf("ObjectType dispatch = %v, want Ok", res)
	}

	if got := kobject.Type(k.readU64(t, k.outBuf)); got != kobject.TypeMessage {
		t.Errorf("reported type = %v, want TypeMessage", got)
	}
}

func TestChannelCreateWriteRead(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	_, res := k.disp.Dispatch(k.thread, syscalls.ChannelCreate, [6]uint64{k.outBuf, k.outBuf + 8})
	if res != syscalls.Ok {
		t.Fatalf("ChannelCreate dispatch = %v, want Ok", res)
	}

	leftID := k.readU64(t, k.outBuf)
	rightID := k.readU64(t, k.outBuf+8)

	payloadAddr := k.outBuf + 0x200
	copy(k.readBytesForWrite(t, payloadAddr, 5), "howdy")

	lenAddr := k.outBuf + 0x300
	k.writeU64(t, lenAddr, 5)

	_, res = k.disp.Dispatch(k.thread, syscalls.ChannelWrite, [6]uint64{leftID, payloadAddr, 5, 0, 0})
	if res != syscalls.Ok {
		t.Fatalf("ChannelWrite dispatch = %v, want Ok", res)
	}

	dataOut := k.outBuf + 0x400
	dataCapAddr := k.outBuf + 0x500
	k.writeU64(t, dataCapAddr, 16)
	hlenCapAddr := k.outBuf + 0x600
	k.writeU64(t, hlenCapAddr, 0)

	_, res = k.disp.Dispatch(k.thread, syscalls.ChannelRead, [6]uint64{rightID, dataOut, dataCapAddr, 0, hlenCapAddr})
	if res != syscalls.Ok {
		t.Fatalf("ChannelRead dispatch = %v, want Ok", res)
	}

	n := k.readU64(t, dataCapAddr)
	if got := string(k.readBytes(t, dataOut, int(n))); got != "howdy" {
		t.Errorf("read payload = %q, want %q", got, "howdy")
	}
}

func (k *testKernel) writeU64(t *testing.T, addr, v uint64) {
	t.Helper()

	phys, err := k.region.Translate(addr)
	if err != nil {
		t.Fatalf("Translate(%#x): %v", addr, err)
	}

	b, err := k.alloc.Bytes(frame.Frame(phys), 8)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (k *testKernel) readBytesForWrite(t *testing.T, addr uint64, n int) []byte {
	t.Helper()

	phys, err := k.region.Translate(addr)
	if err != nil {
		t.Fatalf("Translate(%#x): %v", addr, err)
	}

	b, err := k.alloc.Bytes(frame.Frame(phys), n)
	if err != nil {
		t.Fatal(err)
	}

	return b[:n]
}

func TestChannelReadEmptyReturnsChannelEmptyResult(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	l, r := channel.NewPair()
	_ = l
	rightID := k.proc.Handles.Insert(r)

	dataCapAddr := k.outBuf + 0x10
	k.writeU64(t, dataCapAddr, 16)
	hlenCapAddr := k.outBuf + 0x20
	k.writeU64(t, hlenCapAddr, 0)

	_, res := k.disp.Dispatch(k.thread, syscalls.ChannelRead,
		[6]uint64{uint64(rightID), k.outBuf + 0x30, dataCapAddr, 0, hlenCapAddr})
	if res != syscalls.ChannelEmptyResult {
		t.Errorf("ChannelRead on an empty channel = %v, want ChannelEmptyResult", res)
	}
}

func TestObjectWaitAlreadySignaled(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	l, r := channel.NewPair()
	if err := l.Write([]byte("x"), nil); err != nil {
		t.Fatal(err)
	}

	rightID := k.proc.Handles.Insert(r)

	_, res := k.disp.Dispatch(k.thread, syscalls.ObjectWait,
		[6]uint64{uint64(rightID), uint64(kobject.Readable), k.outBuf})
	if res != syscalls.Ok {
		t.Fatalf("ObjectWait on an already-readable channel = %v, want Ok", res)
	}

	if got := kobject.Signal(k.readU64(t, k.outBuf)); got&kobject.Readable == 0 {
		t.Errorf("reported signals %v do not include Readable", got)
	}
}

func TestObjectWaitBlocksThenWakes(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	l, r := channel.NewPair()
	rightID := k.proc.Handles.Insert(r)

	done := make(chan syscalls.Result, 1)

	go func() {
		_, res := k.disp.Dispatch(k.thread, syscalls.ObjectWait,
			[6]uint64{uint64(rightID), uint64(kobject.Readable), k.outBuf})
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("ObjectWait returned before the channel became readable")
	case <-time.After(20 * time.Millisecond):
	}

	if err := l.Write([]byte("x"), nil); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res != syscalls.Ok {
			t.Errorf("ObjectWait after Write = %v, want Ok", res)
		}
	case <-time.After(time.Second):
		t.Fatal("ObjectWait never woke after the peer wrote")
	}
}

func TestMessageCreateSizeRead(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	payloadAddr := k.outBuf + 0x10
	copy(k.readBytesForWrite(t, payloadAddr, 5), "howdy")

	idAddr := k.outBuf + 0x100

	_, res := k.disp.Dispatch(k.thread, syscalls.MessageCreate, [6]uint64{payloadAddr, 5, idAddr})
	if res != syscalls.Ok {
		t.Fatalf("MessageCreate dispatch = %v, want Ok", res)
	}

	id := k.readU64(t, idAddr)

	sizeAddr := k.outBuf + 0x200

	_, res = k.disp.Dispatch(k.thread, syscalls.MessageSize, [6]uint64{id, sizeAddr})
	if res != syscalls.Ok {
		t.Fatalf("MessageSize dispatch = %v, want Ok", res)
	}

	if got := k.readU64(t, sizeAddr); got != 5 {
		t.Errorf("MessageSize = %d, want 5", got)
	}

	readAddr := k.outBuf + 0x300

	_, res = k.disp.Dispatch(k.thread, syscalls.MessageRead, [6]uint64{id, readAddr, 5})
	if res != syscalls.Ok {
		t.Fatalf("MessageRead dispatch = %v, want Ok", res)
	}

	if got := string(k.readBytes(t, readAddr, 5)); got != "howdy" {
		t.Errorf("MessageRead = %q, want %q", got, "howdy")
	}
}

func TestVMOAnonymousCreateAndPinnedAddresses(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	idAddr := k.outBuf + 0x10

	_, res := k.disp.Dispatch(k.thread, syscalls.VMOAnonymousCreate,
		[6]uint64{2 * frame.Size4K, uint64(vmo.FlagPinned), idAddr})
	if res != syscalls.Ok {
		t.Fatalf("VMOAnonymousCreate dispatch = %v, want Ok", res)
	}

	id := k.readU64(t, idAddr)

	addrsOut := k.outBuf + 0x100

	_, res = k.disp.Dispatch(k.thread, syscalls.VMOAnonymousPinnedAddresses,
		[6]uint64{id, 0, 2 * frame.Size4K, addrsOut})
	if res != syscalls.Ok {
		t.Fatalf("VMOAnonymousPinnedAddresses dispatch = %v, want Ok", res)
	}

	first := k.readU64(t, addrsOut)
	second := k.readU64(t, addrsOut+8)

	if second != first+frame.Size4K {
		t.Errorf("pinned addresses %#x, %#x are not contiguous", first, second)
	}
}

func TestProcessSpawnThread(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	tidAddr := k.outBuf + 0x10

	_, res := k.disp.Dispatch(k.thread, syscalls.ProcessSpawnThread, [6]uint64{0x1000, 0, tidAddr})
	if res != syscalls.Ok {
		t.Fatalf("ProcessSpawnThread dispatch = %v, want Ok", res)
	}

	if tid := k.readU64(t, tidAddr); tid == 0 {
		t.Errorf("spawned thread id = 0, want a non-zero tid")
	}
}

func TestUnknownSyscallNumber(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	if _, res := k.disp.Dispatch(k.thread, syscalls.Number(9999), [6]uint64{}); res != syscalls.SystemError {
		t.Errorf("unknown syscall number = %v, want SystemError", res)
	}
}

func TestDecodeFaultingInstructionDecodesNOP(t *testing.T) {
	t.Parallel()

	text, err := syscalls.DecodeFaultingInstruction([]byte{0x90, 0x90, 0x90})
	if err != nil {
		t.Fatal(err)
	}

	if text == "" {
		t.Error("DecodeFaultingInstruction returned an empty disassembly for a NOP")
	}
}

func TestDecodeFaultingInstructionRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	if _, err := syscalls.DecodeFaultingInstruction(nil); err == nil {
		t.Error("DecodeFaultingInstruction on empty input succeeded, want an error")
	}
}

func TestSleepBlocksForRequestedDuration(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	start := time.Now()

	rax, res := k.disp.Dispatch(k.thread, syscalls.Sleep, [6]uint64{30})
	if res != syscalls.Ok {
		t.Fatalf("Sleep dispatch = %v, want Ok", res)
	}

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Sleep(30) returned after %v, want at least 30ms", elapsed)
	}

	if rax != 30 {
		t.Errorf("Sleep(30) slept-ms result = %d, want 30", rax)
	}
}

func TestFutexWaitThenWake(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	addr := k.outBuf + 0x700
	k.writeU64(t, addr, 0)

	done := make(chan syscalls.Result, 1)

	go func() {
		_, res := k.disp.Dispatch(k.thread, syscalls.FutexWait, [6]uint64{addr, 0})
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("FutexWait returned before any FutexWake")
	case <-time.After(20 * time.Millisecond):
	}

	woken, res := k.disp.Dispatch(k.thread, syscalls.FutexWake, [6]uint64{addr, 1})
	if res != syscalls.Ok {
		t.Fatalf("FutexWake dispatch = %v, want Ok", res)
	}

	if woken != 1 {
		t.Errorf("FutexWake woken count = %d, want 1", woken)
	}

	select {
	case res := <-done:
		if res != syscalls.Ok {
			t.Errorf("FutexWait after FutexWake = %v, want Ok", res)
		}
	case <-time.After(time.Second):
		t.Fatal("FutexWait never woke after FutexWake")
	}
}

func TestFutexWaitReturnsImmediatelyOnMismatch(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	addr := k.outBuf + 0x710
	k.writeU64(t, addr, 5)

	done := make(chan syscalls.Result, 1)

	go func() {
		_, res := k.disp.Dispatch(k.thread, syscalls.FutexWait, [6]uint64{addr, 0})
		done <- res
	}()

	select {
	case res := <-done:
		if res != syscalls.Ok {
			t.Errorf("FutexWait on a mismatched word = %v, want Ok", res)
		}
	case <-time.After(time.Second):
		t.Fatal("FutexWait blocked despite a mismatched expected value")
	}
}

func TestFutexWakeWithNoWaitersReturnsZero(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	addr := k.outBuf + 0x720
	k.writeU64(t, addr, 0)

	woken, res := k.disp.Dispatch(k.thread, syscalls.FutexWake, [6]uint64{addr, 1})
	if res != syscalls.Ok {
		t.Fatalf("FutexWake dispatch = %v, want Ok", res)
	}

	if woken != 0 {
		t.Errorf("FutexWake with no waiters = %d, want 0", woken)
	}
}

func TestLogWritesLevelTargetAndMessage(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)

	targetAddr := k.outBuf + 0x730
	copy(k.readBytesForWrite(t, targetAddr, 4), "boot")

	msgAddr := k.outBuf + 0x740
	copy(k.readBytesForWrite(t, msgAddr, 11), "hello world")

	_, res := k.disp.Dispatch(k.thread, syscalls.Log, [6]uint64{2, targetAddr, 4, msgAddr, 11})
	if res != syscalls.Ok {
		t.Fatalf("Log dispatch = %v, want Ok", res)
	}

	got := k.logBuf.String()
	if !strings.Contains(got, "boot") || !strings.Contains(got, "hello world") {
		t.Errorf("logged output %q does not contain target %q and message %q", got, "boot", "hello world")
	}
}
