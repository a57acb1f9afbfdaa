//go:build linux && amd64

package vmm

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// supportedAPIVersion is the only KVM_GET_API_VERSION value accepted.
const supportedAPIVersion = 12

// VM is a single-vCPU KVM virtual machine. Slot 0 holds the guest image,
// loaded at guest physical address 0, and the vCPU starts at RIP 0 with
// a flat code segment.
//
// A VM is not safe for concurrent use. Run must always be called from the
// same goroutine; it locks that goroutine to its OS thread while it runs.
type VM struct {
	k   kernel
	log logrus.FieldLogger

	devicePath string
	kvmFd      int
	vmFd       int
	vcpuFd     int

	slots   []*memorySlot
	devices []int
	actions map[ExitReason]Action

	// Valid only while Run is active.
	running    bool
	runRegion  *mappedRegion
	exitReason ExitReason

	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

type memorySlot struct {
	info SlotInfo
	mem  *mappedRegion
}

// New reads the flat guest image at imagePath and builds a VM around it.
func New(imagePath string, opts ...Option) (*VM, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("vmm: failed to read guest image: %w", err)
	}
	return NewFromImage(image, opts...)
}

// NewFromImage builds a VM whose slot 0 holds a copy of image.
// An empty image is a caller error and panics with InvariantViolation.
func NewFromImage(image []byte, opts ...Option) (*VM, error) {
	if len(image) == 0 {
		invariant("guest image is empty")
	}

	start := time.Now()
	o := buildOptions(opts)
	if o.k == nil {
		o.k = hostKernel{}
	}
	vm := &VM{
		k:          o.k,
		log:        o.log.WithField("device", o.devicePath),
		devicePath: o.devicePath,
		kvmFd:      -1,
		vmFd:       -1,
		vcpuFd:     -1,
		actions:    make(map[ExitReason]Action),
	}

	fd, err := vm.k.open(vm.devicePath)
	if err != nil {
		return nil, kvmErr("open "+vm.devicePath, err)
	}
	vm.kvmFd = fd
	cu := cleanup.Make(func() { vm.closeFd(&vm.kvmFd, true) })
	defer cu.Clean()

	version, err := vm.k.ioctl(vm.kvmFd, kvmGetAPIVersion, 0)
	if err != nil {
		return nil, kvmErr("KVM_GET_API_VERSION", err)
	}
	if version != supportedAPIVersion {
		return nil, fmt.Errorf("%w (got %d)", ErrUnsupportedHost, version)
	}

	fd2, err := vm.k.ioctl(vm.kvmFd, kvmCreateVM, 0)
	if err != nil {
		return nil, kvmErr("KVM_CREATE_VM", err)
	}
	vm.vmFd = int(fd2)
	cu.Add(func() { vm.closeFd(&vm.vmFd, true) })

	mem, err := acquireAnonymous(len(image))
	if err != nil {
		return nil, fmt.Errorf("vmm: failed to allocate %d bytes of guest memory: %w", len(image), err)
	}
	cu.Add(mem.Release)
	copy(mem.Bytes(), image)

	boot := &memorySlot{
		info: SlotInfo{ID: 0, GuestPhysAddr: 0, Size: pageRoundUp(uint64(len(image)))},
		mem:  mem,
	}
	if err := vm.setUserMemoryRegion(boot.info, mem.Pointer()); err != nil {
		return nil, err
	}
	vm.slots = append(vm.slots, boot)
	vm.log.WithFields(logrus.Fields{"slot": 0, "gpa": "0x0", "size": boot.info.Size}).Debug("guest image mapped")

	fd3, err := vm.k.ioctl(vm.vmFd, kvmCreateVCPU, 0)
	if err != nil {
		return nil, kvmErr("KVM_CREATE_VCPU", err)
	}
	vm.vcpuFd = int(fd3)
	cu.Add(func() { vm.closeFd(&vm.vcpuFd, true) })

	sregs, err := vm.Sregs()
	if err != nil {
		return nil, err
	}
	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	if err := vm.SetSregs(sregs); err != nil {
		return nil, err
	}

	regs, err := vm.Regs()
	if err != nil {
		return nil, err
	}
	regs.RIP = 0
	regs.RFLAGS = rflagsReserved
	if err := vm.SetRegs(regs); err != nil {
		return nil, err
	}

	cu.Release()
	runtime.SetFinalizer(vm, (*VM).finalize)
	recordVMCreate(time.Since(start))
	vm.log.WithField("image_size", len(image)).Debug("vm created")
	return vm, nil
}

// Close releases the vCPU, any created devices, the VM, the KVM device
// handle and every slot mapping, in that order. Idempotent.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil
	}
	if vm.running {
		return fmt.Errorf("vmm: Close called from inside Run")
	}

	vm.release(true)
	vm.closed = true

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(vm, nil)

	recordVMDestroy()
	vm.log.Debug("vm closed")
	return nil
}

// release drops every kernel object the VM owns. In strict mode a failed
// release is an invariant violation; otherwise it is ignored.
func (vm *VM) release(strict bool) {
	vm.closeFd(&vm.vcpuFd, strict)
	for i := range vm.devices {
		vm.closeFd(&vm.devices[i], strict)
	}
	vm.devices = nil
	vm.closeFd(&vm.vmFd, strict)
	vm.closeFd(&vm.kvmFd, strict)
	for _, s := range vm.slots {
		if strict {
			s.mem.Release()
		} else {
			s.mem.releaseQuiet()
		}
	}
	vm.slots = nil
}

// finalize is called by the garbage collector as a safety net
func (vm *VM) finalize() {
	if vm == nil {
		return
	}
	// Use non-blocking lock to prevent deadlock in finalizers
	if vm.closeMu.TryLock() {
		defer vm.closeMu.Unlock()
		if !vm.closed {
			vm.closed = true
			vm.release(false)
		}
	}
}

func (vm *VM) closeFd(fd *int, strict bool) {
	if *fd < 0 {
		return
	}
	if err := vm.k.close(*fd); err != nil && strict {
		invariant("close of fd %d: %v", *fd, err)
	}
	*fd = -1
}

func (vm *VM) setUserMemoryRegion(info SlotInfo, hostAddr uintptr) error {
	region := userspaceMemoryRegion{
		Slot:          info.ID,
		Flags:         uint32(info.Flags),
		GuestPhysAddr: info.GuestPhysAddr,
		MemorySize:    info.Size,
		UserspaceAddr: uint64(hostAddr),
	}
	if _, err := vm.k.ioctlPtr(vm.vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return kvmErr("KVM_SET_USER_MEMORY_REGION", err)
	}
	return nil
}

// CheckExtension queries a capability on the KVM device handle. Most
// capabilities report 0 or 1; some report a count or limit.
func (vm *VM) CheckExtension(c Capability) (int, error) {
	if vm.closed {
		return 0, ErrClosed
	}
	r, err := vm.k.ioctl(vm.kvmFd, kvmCheckExtension, uintptr(c))
	if err != nil {
		return 0, kvmErr("KVM_CHECK_EXTENSION", err)
	}
	return int(r), nil
}

// CreateDevice creates an in-kernel device scoped to the VM and returns its
// handle. The VM owns the handle and closes it on Close. With DeviceTest
// set in flags the kernel only validates the request and no handle is
// returned.
func (vm *VM) CreateDevice(typ DeviceType, flags uint32) (int, error) {
	if vm.closed {
		return -1, ErrClosed
	}
	cd := createDevice{Type: uint32(typ), Flags: flags}
	if _, err := vm.k.ioctlPtr(vm.vmFd, kvmCreateDevice, unsafe.Pointer(&cd)); err != nil {
		return -1, kvmErr("KVM_CREATE_DEVICE", err)
	}
	if flags&DeviceTest != 0 {
		return -1, nil
	}
	fd := int(cd.Fd)
	vm.devices = append(vm.devices, fd)
	recordDeviceCreate()
	vm.log.WithFields(logrus.Fields{"type": typ, "fd": fd}).Debug("device created")
	return fd, nil
}
