// Command microkernel boots the kernel's hosted simulation (or, with
// -accel, a CPU backed by a real /dev/kvm VM) and waits for the init
// process to exit.
package main

import (
	"context"
	"log"
	"os"

	"github.com/kvmkernel/kernel/boot"
	"github.com/kvmkernel/kernel/config"
	"github.com/kvmkernel/kernel/kobject"
	"github.com/kvmkernel/kernel/probe"
)

func main() {
	run, probeArgs, err := config.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if probeArgs != nil {
		if err := probe.CPUID(); err != nil {
			log.Fatal(err)
		}

		return
	}

	if err := runKernel(run); err != nil {
		log.Fatal(err)
	}
}

func runKernel(run *config.RunArgs) error {
	stopProfile := config.StartProfiling(run.Profile)
	defer stopProfile()

	config.ServeDebug(run.DebugAddr)

	info := boot.Synthesize(run.MemSize, run.NCPUs)

	if run.Accelerate {
		kvmFd, vmFd, err := boot.KVMAccel(run.KVMDevice)
		if err != nil {
			return err
		}

		log.Printf("accelerated CPU 0 bound to kvm fd %d, vm fd %d", kvmFd, vmFd)
	}

	k, err := boot.Bring(context.Background(), info, run.MemSize)
	if err != nil {
		return err
	}

	k.Logger.Printf("kernel up: %d CPU(s), %d bytes of physical memory, init pid %d",
		len(k.CPUs), run.MemSize, k.Init.PID)

	waker := kobject.NewThreadWaker()

	already, _ := k.Init.Signals().Wait(kobject.ProcessExited, waker)
	if !already {
		<-waker.Done
	}

	code, err := k.Init.ExitCode()
	if err != nil {
		return err
	}

	k.Logger.Printf("init exited with code %d", code)

	return nil
}
