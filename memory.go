package vmm

import "fmt"

// pageSize is the granularity of guest memory slot registration.
const pageSize = 4096

// pageRoundUp rounds size up to the next multiple of pageSize.
// The caller guarantees size+pageSize-1 does not overflow.
func pageRoundUp(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// MemoryFlags are passed through verbatim to KVM_SET_USER_MEMORY_REGION.
type MemoryFlags uint32

const (
	MemLogDirtyPages MemoryFlags = 1 << 0
	MemReadOnly      MemoryFlags = 1 << 1
)

func (f MemoryFlags) String() string {
	switch f {
	case 0:
		return "rw"
	case MemReadOnly:
		return "ro"
	case MemLogDirtyPages:
		return "rw,dirty-log"
	case MemReadOnly | MemLogDirtyPages:
		return "ro,dirty-log"
	default:
		return fmt.Sprintf("MemoryFlags(0x%x)", uint32(f))
	}
}

// SlotInfo describes one registered guest memory slot.
type SlotInfo struct {
	ID            uint32      `json:"id"`
	GuestPhysAddr uint64      `json:"guest_phys_addr"`
	Size          uint64      `json:"size"`
	Flags         MemoryFlags `json:"flags"`
	// Removed is set once the slot has been unregistered from the guest.
	// Its host mapping stays alive until the VM is closed.
	Removed bool `json:"removed"`
}

// TranslatedAddress is the result of a guest linear to physical address
// translation through the vCPU's current paging state.
type TranslatedAddress struct {
	PhysicalAddress uint64 `json:"physical_address"`
	Valid           bool   `json:"valid"`
	Writeable       bool   `json:"writeable"`
	Usermode        bool   `json:"usermode"`
}

// Capability is a KVM_CHECK_EXTENSION argument.
type Capability uintptr

const (
	CapIRQChip       Capability = 0
	CapHLT           Capability = 1
	CapUserMemory    Capability = 3
	CapSetTSSAddr    Capability = 4
	CapNrVCPUs       Capability = 9
	CapNrMemslots    Capability = 10
	CapSyncMMU       Capability = 16
	CapIOEventFD     Capability = 36
	CapMaxVCPUs      Capability = 66
	CapReadonlyMem   Capability = 81
	CapDeviceCtrl    Capability = 89
	CapImmediateExit Capability = 136
)

var capNames = map[Capability]string{
	CapIRQChip:       "KVM_CAP_IRQCHIP",
	CapHLT:           "KVM_CAP_HLT",
	CapUserMemory:    "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:    "KVM_CAP_SET_TSS_ADDR",
	CapNrVCPUs:       "KVM_CAP_NR_VCPUS",
	CapNrMemslots:    "KVM_CAP_NR_MEMSLOTS",
	CapSyncMMU:       "KVM_CAP_SYNC_MMU",
	CapIOEventFD:     "KVM_CAP_IOEVENTFD",
	CapMaxVCPUs:      "KVM_CAP_MAX_VCPUS",
	CapReadonlyMem:   "KVM_CAP_READONLY_MEM",
	CapDeviceCtrl:    "KVM_CAP_DEVICE_CTRL",
	CapImmediateExit: "KVM_CAP_IMMEDIATE_EXIT",
}

// Capabilities lists the named capabilities in numeric order.
var Capabilities = []Capability{
	CapIRQChip, CapHLT, CapUserMemory, CapSetTSSAddr, CapNrVCPUs,
	CapNrMemslots, CapSyncMMU, CapIOEventFD, CapMaxVCPUs, CapReadonlyMem,
	CapDeviceCtrl, CapImmediateExit,
}

func (c Capability) String() string {
	if name, ok := capNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Capability(%d)", uintptr(c))
}

// DeviceType is a KVM_CREATE_DEVICE device type.
type DeviceType uint32

const (
	DeviceVFIO DeviceType = 4
)

// DeviceTest is the KVM_CREATE_DEVICE_TEST flag: validate the request
// without creating the device.
const DeviceTest uint32 = 1
