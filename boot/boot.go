// Package boot synthesizes a BootInfo descriptor and brings every CPU up
// to the point where the scheduler can run: a variable CPU count bringing
// up the kernel's own address-space layout rather than a Linux guest's.
package boot

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/canonical/go-efilib"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kvmkernel/kernel/channel"
	"github.com/kvmkernel/kernel/frame"
	"github.com/kvmkernel/kernel/handle"
	"github.com/kvmkernel/kernel/kvm"
	"github.com/kvmkernel/kernel/paging"
	"github.com/kvmkernel/kernel/process"
	"github.com/kvmkernel/kernel/sched"
	"github.com/kvmkernel/kernel/serial"
	"github.com/kvmkernel/kernel/syscalls"
	"github.com/kvmkernel/kernel/vmo"
)

var (
	ErrNoCPUsDetected = errors.New("boot: no CPUs detected in memory map")
	ErrCPUNotReady    = errors.New("boot: CPU did not report ready in time")
)

// ACPIPointer locates the root system description pointer in the boot
// environment's physical memory, tagged with the UEFI GUID the firmware
// used for its configuration-table entry.
type ACPIPointer struct {
	GUID efi.GUID
	Addr uint64
}

// BootInfo is everything the kernel's early bring-up path needs out of
// firmware/the UEFI environment before it can start scheduling: a
// framebuffer, a font, ACPI, the memory map, and which CPU is the BSP.
type BootInfo struct {
	FramebufferBase   uint64
	FramebufferWidth  uint32
	FramebufferHeight uint32
	FramebufferStride uint32

	PSF1Font []byte

	ACPI ACPIPointer

	MemoryMap     []frame.MemoryMapEntry
	BootCPUAPICID uint32
	CPUAPICIDs    []uint32
}

// Synthesize builds a BootInfo for the hosted-simulation path: one
// conventional-memory region sized memBytes, and ncpus virtual APIC IDs
// standing in for whatever a real MADT would enumerate.
func Synthesize(memBytes int, ncpus int) *BootInfo {
	apics := make([]uint32, ncpus)
	for i := range apics {
		apics[i] = uint32(i)
	}

	return &BootInfo{
		MemoryMap: []frame.MemoryMapEntry{
			{PhysicalStart: 0, NumberOfPages: uint64(memBytes) / frame.Size4K},
		},
		BootCPUAPICID: 0,
		CPUAPICIDs:    apics,
		ACPI: ACPIPointer{
			GUID: efi.GUID{0x8868e871, 0xe4f1, 0x11d3, [8]uint8{0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81}},
		},
	}
}

// KernelLayout is the fixed upper-half range every process's address
// space shares, installed once as not-owned entries in every new
// AddressSpace's PML4.
type KernelLayout struct {
	FromIndex, ToIndex int
	PML4               *paging.Table
}

// CPUState is one running CPU's bring-up handle: its scheduler slot and a
// vCPU fd field, which Bring leaves zero.
type CPUState struct {
	Index  int
	APICID uint32
	VCPUFd uintptr
	Ready  chan struct{}
}

// Kernel is the fully bootstrapped kernel: the frame pool, the shared
// kernel upper half, the scheduler, the syscall dispatcher, and the init
// process, ready for its first thread to run.
type Kernel struct {
	Info       *BootInfo
	Alloc      *frame.Allocator
	KernelMap  *KernelLayout
	Scheduler  *sched.Scheduler
	Dispatcher *syscalls.Dispatcher
	Console    *serial.Serial
	Logger     *log.Logger
	CPUs       []*CPUState
	Init       *process.Process

	console *consoleLoop
}

// Controller is satisfied by interrupt.KVMController; the hosted path
// passes nil and CPUs never actually mask/unmask a real IDT
// vector.
type Controller interface {
	IRQLine(vector uint32, level uint32) error
}

// Bring builds the frame pool and an empty kernel PML4 template for
// entries 256..511, starts one goroutine per detected CPU, waits for all
// of them to report ready via an errgroup + backoff barrier, then
// constructs the init process with its conventional handles installed.
// No kernel subtables are allocated into the template, so InstallShared
// copies no entries into the init address space.
func Bring(ctx context.Context, info *BootInfo, memBytes int) (*Kernel, error) {
	if len(info.CPUAPICIDs) == 0 {
		return nil, ErrNoCPUsDetected
	}

	alloc, err := frame.New(memBytes, info.MemoryMap)
	if err != nil {
		return nil, err
	}

	kernelPML4, err := paging.NewTable(alloc)
	if err != nil {
		return nil, err
	}

	layout := &KernelLayout{FromIndex: 256, ToIndex: 511, PML4: kernelPML4}

	sc := sched.New(len(info.CPUAPICIDs), func(cpu int) sched.ThreadID {
		return sched.ThreadID(0)
	})

	cpus := make([]*CPUState, len(info.CPUAPICIDs))
	for i, apic := range info.CPUAPICIDs {
		cpus[i] = &CPUState{Index: i, APICID: apic, Ready: make(chan struct{}, 1)}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, c := range cpus {
		c := c

		g.Go(func() error {
			return startCPU(gctx, c)
		})
	}

	if err := waitAllReady(ctx, cpus); err != nil {
		return nil, err
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	as, err := paging.NewAddressSpace(alloc)
	if err != nil {
		return nil, err
	}

	as.InstallShared(layout.PML4, layout.FromIndex, layout.ToIndex)

	region := vmo.NewRegion(as, 0x1000, 1<<47)

	init := process.New(1, region, nil)
	console := installStdHandles(init)
	init.SpawnThread(1, 0, 0)

	bootTime := time.Now()
	uptime := func() uint64 { return uint64(time.Since(bootTime).Milliseconds()) }

	serialConsole := serial.New()
	logger := serial.NewKlog(serialConsole)

	disp := syscalls.NewDispatcher(alloc, uptime, sc, logger)

	return &Kernel{
		Info:       info,
		Alloc:      alloc,
		KernelMap:  layout,
		Scheduler:  sc,
		Dispatcher: disp,
		Console:    serialConsole,
		Logger:     logger,
		CPUs:       cpus,
		Init:       init,
		console:    console,
	}, nil
}

// startCPU runs the per-CPU bring-up step of the hosted path: it only
// signals that this goroutine is ready to be scheduled onto; no stack,
// GDT/TSS/IDT or vCPU is created.
func startCPU(ctx context.Context, c *CPUState) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.Ready <- struct{}{}

	return nil
}

// waitAllReady polls every CPU's ready channel with an exponential
// backoff, the AP-bring-up barrier a real SMP boot needs since APs do
// not all reach "I am scheduling" in lockstep.
func waitAllReady(ctx context.Context, cpus []*CPUState) error {
	for _, c := range cpus {
		c := c

		op := func() (struct{}, error) {
			select {
			case <-c.Ready:
				return struct{}{}, nil
			default:
				return struct{}{}, ErrCPUNotReady
			}
		}

		_, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(2*time.Second))
		if err != nil {
			return err
		}
	}

	return nil
}

// installStdHandles installs the four conventional handles every process
// starts with. The kernel keeps all four peer endpoints (init, stdin,
// stdout, stderr) in the returned consoleLoop, retaining only one side of
// each channel pair in the process's own table; nothing is forwarded
// between those peers and the console.
func installStdHandles(p *process.Process) *consoleLoop {
	initL, initR := channel.NewPair()
	p.Handles.Install(handle.InitHandle, initL)

	inL, inR := channel.NewPair()
	p.Handles.Install(handle.Stdin, inL)

	outL, outR := channel.NewPair()
	p.Handles.Install(handle.Stdout, outL)

	errL, errR := channel.NewPair()
	p.Handles.Install(handle.Stderr, errL)

	return &consoleLoop{init: initR, stdin: inR, stdout: outR, stderr: errR}
}

// consoleLoop holds the kernel-side peer of every conventional handle
// installed in the init process; boot.Kernel keeps it alive so those
// peers are never garbage-collected out from under the process's side.
type consoleLoop struct {
	init   *channel.Endpoint
	stdin  *channel.Endpoint
	stdout *channel.Endpoint
	stderr *channel.Endpoint
}

// KVMAccel opens devPath and creates a KVM VM on it via kvm.OpenDevKVM,
// returning the device and VM fds; it creates no vCPU.
func KVMAccel(devPath string) (kvmFd, vmFd uintptr, err error) {
	return kvm.OpenDevKVM(devPath)
}
