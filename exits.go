package vmm

import "strconv"

// ExitReason is the code the kernel reports in the shared control
// structure when the vCPU returns to the host.
type ExitReason uint32

// Exit reasons from <linux/kvm.h>.
const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitSetTPR        ExitReason = 11
	ExitTPRAccess     ExitReason = 12
	ExitNMI           ExitReason = 16
	ExitInternalError ExitReason = 17
	ExitWatchdog      ExitReason = 21
	ExitEPR           ExitReason = 23
	ExitSystemEvent   ExitReason = 24
	ExitIOAPICEOI     ExitReason = 26
	ExitHyperv        ExitReason = 27
	ExitRDMSR         ExitReason = 29
	ExitWRMSR         ExitReason = 30
	ExitXen           ExitReason = 34
	ExitNotify        ExitReason = 37
	ExitMemoryFault   ExitReason = 39
)

var exitNames = map[ExitReason]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTPR:        "KVM_EXIT_SET_TPR",
	ExitTPRAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitNMI:           "KVM_EXIT_NMI",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitWatchdog:      "KVM_EXIT_WATCHDOG",
	ExitEPR:           "KVM_EXIT_EPR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	ExitIOAPICEOI:     "KVM_EXIT_IOAPIC_EOI",
	ExitHyperv:        "KVM_EXIT_HYPERV",
	ExitRDMSR:         "KVM_EXIT_X86_RDMSR",
	ExitWRMSR:         "KVM_EXIT_X86_WRMSR",
	ExitXen:           "KVM_EXIT_XEN",
	ExitNotify:        "KVM_EXIT_NOTIFY",
	ExitMemoryFault:   "KVM_EXIT_MEMORY_FAULT",
}

func (r ExitReason) String() string {
	if name, ok := exitNames[r]; ok {
		return name
	}
	return "ExitReason(" + strconv.FormatUint(uint64(r), 10) + ")"
}

// IODirection tells whether a port I/O exit was a read or a write.
type IODirection uint8

const (
	IOIn  IODirection = 0
	IOOut IODirection = 1
)

func (d IODirection) String() string {
	if d == IOOut {
		return "out"
	}
	return "in"
}

// IOExitInfo describes a KVM_EXIT_IO exit. Data aliases the shared control
// structure and is only valid until the handler returns; for IOIn exits
// the handler fills it with the value the guest will read.
type IOExitInfo struct {
	Direction IODirection
	Size      uint8
	Port      uint16
	Count     uint32
	Data      []byte
}

// MMIOExitInfo describes a KVM_EXIT_MMIO exit.
type MMIOExitInfo struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  bool
}

// ioExitData has the layout of the "io" member of the kvm_run exit union.
type ioExitData struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// mmioExitData has the layout of the "mmio" member of the kvm_run exit union.
type mmioExitData struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}
