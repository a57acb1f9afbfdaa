//go:build linux && amd64

package vmm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request encoding from <asm-generic/ioctl.h>.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	kvmio = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmio<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func ioNone(nr uintptr) uintptr            { return ioc(iocNone, nr, 0) }
func ioRead(nr, size uintptr) uintptr      { return ioc(iocRead, nr, size) }
func ioWrite(nr, size uintptr) uintptr     { return ioc(iocWrite, nr, size) }
func ioReadWrite(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

var (
	kvmGetAPIVersion       = ioNone(0x00)
	kvmCreateVM            = ioNone(0x01)
	kvmCheckExtension      = ioNone(0x03)
	kvmGetVCPUMmapSize     = ioNone(0x04)
	kvmCreateVCPU          = ioNone(0x41)
	kvmSetUserMemoryRegion = ioWrite(0x46, unsafe.Sizeof(userspaceMemoryRegion{}))
	kvmRun                 = ioNone(0x80)
	kvmGetRegs             = ioRead(0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs             = ioWrite(0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs            = ioRead(0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs            = ioWrite(0x84, unsafe.Sizeof(Sregs{}))
	kvmTranslate           = ioReadWrite(0x85, unsafe.Sizeof(translation{}))
	kvmInterrupt           = ioWrite(0x86, unsafe.Sizeof(interrupt{}))
	kvmCreateDevice        = ioReadWrite(0xe0, unsafe.Sizeof(createDevice{}))
)

// requestName maps a request number back to its KVM name for errors.
func requestName(req uintptr) string {
	switch req {
	case kvmGetAPIVersion:
		return "KVM_GET_API_VERSION"
	case kvmCreateVM:
		return "KVM_CREATE_VM"
	case kvmCheckExtension:
		return "KVM_CHECK_EXTENSION"
	case kvmGetVCPUMmapSize:
		return "KVM_GET_VCPU_MMAP_SIZE"
	case kvmCreateVCPU:
		return "KVM_CREATE_VCPU"
	case kvmSetUserMemoryRegion:
		return "KVM_SET_USER_MEMORY_REGION"
	case kvmRun:
		return "KVM_RUN"
	case kvmGetRegs:
		return "KVM_GET_REGS"
	case kvmSetRegs:
		return "KVM_SET_REGS"
	case kvmGetSregs:
		return "KVM_GET_SREGS"
	case kvmSetSregs:
		return "KVM_SET_SREGS"
	case kvmTranslate:
		return "KVM_TRANSLATE"
	case kvmInterrupt:
		return "KVM_INTERRUPT"
	case kvmCreateDevice:
		return "KVM_CREATE_DEVICE"
	default:
		return "ioctl"
	}
}

// userspaceMemoryRegion has the layout of struct kvm_userspace_memory_region.
type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// translation has the layout of struct kvm_translation.
type translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// interrupt has the layout of struct kvm_interrupt.
type interrupt struct {
	IRQ uint32
}

// createDevice has the layout of struct kvm_create_device.
type createDevice struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// Offsets into struct kvm_run.
const (
	runExitReasonOffset = 8
	runExitDataOffset   = 32
)

type hostKernel struct{}

func (hostKernel) open(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func (hostKernel) ioctl(fd int, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func (hostKernel) ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func (hostKernel) close(fd int) error {
	return unix.Close(fd)
}
