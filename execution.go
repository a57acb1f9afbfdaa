//go:build linux && amd64

package vmm

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// RegisterAction sets the Action run for exits with the given reason,
// replacing any earlier registration. The table is read, not watched, by
// Run: changing it from inside an Action panics with InvariantViolation.
func (vm *VM) RegisterAction(reason ExitReason, action Action) {
	if vm.running {
		invariant("dispatch table modified while Run is active")
	}
	vm.actions[reason] = action
}

// RegisterActionFunc is RegisterAction for a plain function.
func (vm *VM) RegisterActionFunc(reason ExitReason, fn func(vm *VM) bool) {
	vm.RegisterAction(reason, ActionFunc(fn))
}

// Run drives the vCPU until an Action returns false, a KVM call fails, or
// the vCPU exits for a reason with no registered Action. A failed KVM_RUN
// is returned as is, EINTR included.
func (vm *VM) Run() error {
	if vm.closed {
		return ErrClosed
	}
	if vm.running {
		return ErrReentrantRun
	}

	start := time.Now()
	defer func() {
		recordRun(time.Since(start))
	}()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	size, err := vm.k.ioctl(vm.kvmFd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return kvmErr("KVM_GET_VCPU_MMAP_SIZE", err)
	}
	if size == 0 {
		return ErrZeroSizedSharedRegion
	}
	if size < runExitDataOffset+unsafe.Sizeof(mmioExitData{}) {
		return fmt.Errorf("vmm: KVM_GET_VCPU_MMAP_SIZE reported %d bytes, too small for the run structure", size)
	}

	region, err := acquireShared(int(size), vm.vcpuFd)
	if err != nil {
		return fmt.Errorf("vmm: failed to map vCPU run structure: %w", err)
	}
	defer region.Release()

	vm.running = true
	vm.runRegion = region
	defer func() {
		vm.running = false
		vm.runRegion = nil
	}()

	log := vm.log.WithField("run_size", size)
	log.Debug("run started")

	reasonPtr := (*uint32)(unsafe.Pointer(&region.Bytes()[runExitReasonOffset]))
	for exits := uint64(0); ; exits++ {
		if _, err := vm.k.ioctl(vm.vcpuFd, kvmRun, 0); err != nil {
			log.WithError(err).WithField("exits", exits).Debug("KVM_RUN failed")
			return kvmErr("KVM_RUN", err)
		}
		recordVCPURun()

		reason := ExitReason(atomic.LoadUint32(reasonPtr))
		vm.exitReason = reason

		action, ok := vm.actions[reason]
		if !ok {
			recordUnhandledExit()
			log.WithFields(logrus.Fields{"exit_reason": reason, "exits": exits}).Debug("no action registered")
			return &NoActionRegisteredError{Reason: reason}
		}
		recordExitDispatched()
		if !action.HandleExit(vm) {
			log.WithFields(logrus.Fields{"exit_reason": reason, "exits": exits + 1}).Debug("run stopped by action")
			return nil
		}
	}
}

// ExitReason returns the reason of the exit being handled.
func (vm *VM) ExitReason() (ExitReason, error) {
	if !vm.running {
		return 0, ErrNotRunning
	}
	return vm.exitReason, nil
}

// ExitIO decodes the KVM_EXIT_IO exit being handled. Data aliases the run
// structure: for IOIn exits, bytes written to it are what the guest reads.
func (vm *VM) ExitIO() (IOExitInfo, error) {
	if !vm.running {
		return IOExitInfo{}, ErrNotRunning
	}
	if vm.exitReason != ExitIO {
		return IOExitInfo{}, fmt.Errorf("%w: want %s, have %s", ErrUnexpectedExit, ExitIO, vm.exitReason)
	}
	b := vm.runRegion.Bytes()
	raw := (*ioExitData)(unsafe.Pointer(&b[runExitDataOffset]))
	n := uint64(raw.Size) * uint64(raw.Count)
	if raw.DataOffset > uint64(len(b)) || n > uint64(len(b))-raw.DataOffset {
		return IOExitInfo{}, fmt.Errorf("vmm: io exit data at offset %d (%d bytes) outside the %d byte run structure", raw.DataOffset, n, len(b))
	}
	end := raw.DataOffset + n
	return IOExitInfo{
		Direction: IODirection(raw.Direction),
		Size:      raw.Size,
		Port:      raw.Port,
		Count:     raw.Count,
		Data:      b[raw.DataOffset:end:end],
	}, nil
}

// ExitMMIO decodes the KVM_EXIT_MMIO exit being handled.
func (vm *VM) ExitMMIO() (MMIOExitInfo, error) {
	raw, err := vm.mmioExit()
	if err != nil {
		return MMIOExitInfo{}, err
	}
	return MMIOExitInfo{
		PhysAddr: raw.PhysAddr,
		Data:     raw.Data,
		Len:      raw.Len,
		IsWrite:  raw.IsWrite != 0,
	}, nil
}

// CompleteMMIORead sets the value the guest receives for the MMIO read
// being handled.
func (vm *VM) CompleteMMIORead(data []byte) error {
	raw, err := vm.mmioExit()
	if err != nil {
		return err
	}
	if raw.IsWrite != 0 {
		return fmt.Errorf("vmm: MMIO exit at %#x is a write", raw.PhysAddr)
	}
	if len(data) > int(raw.Len) || len(data) > len(raw.Data) {
		return fmt.Errorf("vmm: %d bytes of MMIO data for a %d byte read", len(data), raw.Len)
	}
	copy(raw.Data[:], data)
	return nil
}

func (vm *VM) mmioExit() (*mmioExitData, error) {
	if !vm.running {
		return nil, ErrNotRunning
	}
	if vm.exitReason != ExitMMIO {
		return nil, fmt.Errorf("%w: want %s, have %s", ErrUnexpectedExit, ExitMMIO, vm.exitReason)
	}
	b := vm.runRegion.Bytes()
	return (*mmioExitData)(unsafe.Pointer(&b[runExitDataOffset])), nil
}
