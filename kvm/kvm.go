// Package kvm wraps the /dev/kvm ioctl surface the boot and interrupt
// packages use to run real x86_64 vCPUs.
package kvm

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

const (
	kvmGetAPIVersion   = 0xAE00
	kvmCreateVM        = 0xAE01
	kvmCreateVCPU      = 0xAE41
	kvmRun             = 0xAE80
	kvmGetVCPUMMapSize = 0xAE04
	kvmCheckExtension  = 0xAE03

	kvmGetRegs  = 0x8090ae81
	kvmSetRegs  = 0x4090ae82
	kvmGetSregs = 0x8138ae83
	kvmSetSregs = 0x4138ae84

	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmIRQLine             = 0x4008ae61
	kvmCreatePIT2          = 0x4040AE77

	kvmGetSupportedCPUID = 0xC008AE05
	kvmSetCPUID2         = 0x4008AE90

	numInterrupts = 0x100
)

// ExitType is a virtual machine exit reason, KVM_EXIT_*.
//
//go:generate stringer -type=ExitType
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITINTERNALERROR ExitType = 17

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitTypeNames = map[ExitType]string{
	EXITUNKNOWN:       "EXITUNKNOWN",
	EXITEXCEPTION:     "EXITEXCEPTION",
	EXITIO:            "EXITIO",
	EXITHYPERCALL:     "EXITHYPERCALL",
	EXITDEBUG:         "EXITDEBUG",
	EXITHLT:           "EXITHLT",
	EXITMMIO:          "EXITMMIO",
	EXITIRQWINDOWOPEN: "EXITIRQWINDOWOPEN",
	EXITSHUTDOWN:      "EXITSHUTDOWN",
	EXITFAILENTRY:     "EXITFAILENTRY",
	EXITINTR:          "EXITINTR",
	EXITSETTPR:        "EXITSETTPR",
	EXITTPRACCESS:     "EXITTPRACCESS",
	EXITINTERNALERROR: "EXITINTERNALERROR",
}

// String renders an ExitType the way panic/kill reports log it.
func (e ExitType) String() string {
	if name, ok := exitTypeNames[e]; ok {
		return name
	}

	return fmt.Sprintf("ExitType(%d)", uint32(e))
}

// RunData is the kvm_run structure mmap'd once per vCPU.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO union out of Data.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// Ioctl issues an ioctl(2), retrying on EINTR the way every KVM caller must.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
		if errno == syscall.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// OpenDevKVM opens the KVM device node and creates one VM on it, returning
// both fds for the boot package's CPU bring-up to create vCPUs against.
func OpenDevKVM(devPath string) (kvmFd, vmFd uintptr, err error) {
	f, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return 0, 0, err
	}

	kvmFd = f.Fd()

	vm, err := CreateVM(kvmFd)
	if err != nil {
		return kvmFd, 0, err
	}

	return kvmFd, vm, nil
}

// GetAPIVersion returns the KVM API version; callers should check it is 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM creates a new virtual machine and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates vCPU number cpuID inside the VM named by vmFd.
func CreateVCPU(vmFd uintptr, cpuID int) (uintptr, error) {
	return Ioctl(vmFd, kvmCreateVCPU, uintptr(cpuID))
}

// Run re-enters guest mode until the next vmexit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, kvmRun, 0)

	return err
}

// GetVCPUMMmapSize returns the size to mmap on a vCPU fd to get its RunData.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// CheckExtension reports whether the kernel's KVM supports a Capability.
func CheckExtension(kvmFd uintptr, cap Capability) (uintptr, error) {
	return Ioctl(kvmFd, kvmCheckExtension, uintptr(cap))
}

// SetTSSAddr sets the 3-page TSS identity area required for real-mode emulation.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the one-page identity map address for a vm.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))

	return err
}
