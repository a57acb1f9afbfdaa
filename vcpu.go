//go:build linux && amd64

package vmm

import (
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Regs fetches the general-purpose registers of the vCPU.
func (vm *VM) Regs() (Regs, error) {
	var regs Regs
	if vm.closed {
		return regs, ErrClosed
	}
	if _, err := vm.k.ioctlPtr(vm.vcpuFd, kvmGetRegs, unsafe.Pointer(&regs)); err != nil {
		return regs, kvmErr("KVM_GET_REGS", err)
	}
	recordRegisterOp()
	return regs, nil
}

// SetRegs replaces all general-purpose registers of the vCPU.
func (vm *VM) SetRegs(regs Regs) error {
	if vm.closed {
		return ErrClosed
	}
	if _, err := vm.k.ioctlPtr(vm.vcpuFd, kvmSetRegs, unsafe.Pointer(&regs)); err != nil {
		return kvmErr("KVM_SET_REGS", err)
	}
	recordRegisterOp()
	return nil
}

// Sregs fetches the special and segment registers of the vCPU.
func (vm *VM) Sregs() (Sregs, error) {
	var sregs Sregs
	if vm.closed {
		return sregs, ErrClosed
	}
	if _, err := vm.k.ioctlPtr(vm.vcpuFd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		return sregs, kvmErr("KVM_GET_SREGS", err)
	}
	recordRegisterOp()
	return sregs, nil
}

// SetSregs replaces the special and segment registers of the vCPU.
func (vm *VM) SetSregs(sregs Sregs) error {
	if vm.closed {
		return ErrClosed
	}
	if _, err := vm.k.ioctlPtr(vm.vcpuFd, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		return kvmErr("KVM_SET_SREGS", err)
	}
	recordRegisterOp()
	return nil
}

// TranslateAddress translates a guest linear address through the vCPU's
// current paging state.
func (vm *VM) TranslateAddress(linear uint64) (TranslatedAddress, error) {
	if vm.closed {
		return TranslatedAddress{}, ErrClosed
	}
	t := translation{LinearAddress: linear}
	if _, err := vm.k.ioctlPtr(vm.vcpuFd, kvmTranslate, unsafe.Pointer(&t)); err != nil {
		return TranslatedAddress{}, kvmErr("KVM_TRANSLATE", err)
	}
	recordTranslate()
	return TranslatedAddress{
		PhysicalAddress: t.PhysicalAddress,
		Valid:           t.Valid != 0,
		Writeable:       t.Writeable != 0,
		Usermode:        t.Usermode != 0,
	}, nil
}

// QueueInterrupt queues irq for delivery into the vCPU. It does not run
// the vCPU; delivery happens on a later KVM_RUN.
func (vm *VM) QueueInterrupt(irq uint32) error {
	if vm.closed {
		return ErrClosed
	}
	req := interrupt{IRQ: irq}
	if _, err := vm.k.ioctlPtr(vm.vcpuFd, kvmInterrupt, unsafe.Pointer(&req)); err != nil {
		return kvmErr("KVM_INTERRUPT", err)
	}
	recordInterrupt()
	vm.log.WithFields(logrus.Fields{"irq": irq}).Debug("interrupt queued")
	return nil
}
