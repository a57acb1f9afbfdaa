//go:build linux && amd64

package vmm

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// MapGuestMemory backs size bytes of guest physical memory at gpa with a
// fresh anonymous host mapping and returns the new slot id. The id is the
// number of slots registered so far, so ids are handed out 1, 2, 3, ...
// after the image slot. The registered size is rounded up to a page.
//
// A zero size is a caller error and panics with InvariantViolation.
func (vm *VM) MapGuestMemory(gpa uint64, size uint64, flags MemoryFlags) (uint32, error) {
	if size == 0 {
		invariant("guest memory mapping of 0 bytes at %#x", gpa)
	}
	if vm.running {
		invariant("slot list modified while Run is active")
	}
	if vm.closed {
		return 0, ErrClosed
	}
	if len(vm.slots) > math.MaxUint32 {
		invariant("slot count %d overflows uint32", len(vm.slots))
	}
	if size > math.MaxInt64-pageSize {
		return 0, fmt.Errorf("vmm: guest memory size %d too large", size)
	}

	mem, err := acquireAnonymous(int(size))
	if err != nil {
		return 0, fmt.Errorf("vmm: failed to allocate %d bytes of guest memory: %w", size, err)
	}
	s := &memorySlot{
		info: SlotInfo{
			ID:            uint32(len(vm.slots)),
			GuestPhysAddr: gpa,
			Size:          pageRoundUp(size),
			Flags:         flags,
		},
		mem: mem,
	}
	if err := vm.setUserMemoryRegion(s.info, mem.Pointer()); err != nil {
		mem.Release()
		return 0, fmt.Errorf("vmm: failed to map slot %d at %#x: %w", s.info.ID, gpa, err)
	}
	vm.slots = append(vm.slots, s)

	recordSlotMap()
	vm.log.WithFields(logrus.Fields{
		"slot":  s.info.ID,
		"gpa":   fmt.Sprintf("%#x", gpa),
		"size":  s.info.Size,
		"flags": flags,
	}).Debug("guest memory mapped")
	return s.info.ID, nil
}

// UnmapGuestMemory removes slot from the guest physical address space by
// registering it again with size 0. The host mapping behind the slot stays
// alive, and readable through Memory, until the VM is closed.
func (vm *VM) UnmapGuestMemory(slot uint32) error {
	if vm.running {
		invariant("slot list modified while Run is active")
	}
	if vm.closed {
		return ErrClosed
	}
	if int64(slot) >= int64(len(vm.slots)) || vm.slots[slot].info.Removed {
		return fmt.Errorf("%w %d", ErrUnknownSlot, slot)
	}

	s := vm.slots[slot]
	removal := s.info
	removal.Size = 0
	if err := vm.setUserMemoryRegion(removal, s.mem.Pointer()); err != nil {
		return fmt.Errorf("vmm: failed to unmap slot %d: %w", slot, err)
	}
	s.info.Removed = true

	recordSlotUnmap()
	vm.log.WithField("slot", slot).Debug("guest memory unmapped")
	return nil
}

// Memory returns the host view of a slot's mapping. Writes through it are
// visible to the guest while the slot is registered.
func (vm *VM) Memory(slot uint32) ([]byte, error) {
	if vm.closed {
		return nil, ErrClosed
	}
	if int64(slot) >= int64(len(vm.slots)) {
		return nil, fmt.Errorf("%w %d", ErrUnknownSlot, slot)
	}
	return vm.slots[slot].mem.Bytes(), nil
}

// Slots describes every slot registered so far, in id order, including
// removed ones.
func (vm *VM) Slots() []SlotInfo {
	infos := make([]SlotInfo, 0, len(vm.slots))
	for _, s := range vm.slots {
		infos = append(infos, s.info)
	}
	return infos
}
