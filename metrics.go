package vmm

import (
	"sync/atomic"
	"time"
)

// Counters for monitoring VMM operations
var (
	// Operation counters
	vmCreateCount    uint64
	vmDestroyCount   uint64
	slotMapCount     uint64
	slotUnmapCount   uint64
	registerOps      uint64
	runCalls         uint64
	vcpuRuns         uint64
	exitsDispatched  uint64
	interruptsQueued uint64
	devicesCreated   uint64
	translations     uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime uint64
	totalRunTime      uint64

	// Error counters
	kvmErrors      uint64
	unhandledExits uint64
)

// Metrics is a snapshot of the package counters.
type Metrics struct {
	VMCreated         uint64 `json:"vm_created"`
	VMDestroyed       uint64 `json:"vm_destroyed"`
	SlotsMapped       uint64 `json:"slots_mapped"`
	SlotsUnmapped     uint64 `json:"slots_unmapped"`
	RegisterOps       uint64 `json:"register_operations"`
	RunCalls          uint64 `json:"run_calls"`
	VCPURuns          uint64 `json:"vcpu_runs"`
	ExitsDispatched   uint64 `json:"exits_dispatched"`
	InterruptsQueued  uint64 `json:"interrupts_queued"`
	DevicesCreated    uint64 `json:"devices_created"`
	Translations      uint64 `json:"translations"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64 `json:"avg_run_time_ns"`
	KVMErrors         uint64 `json:"kvm_errors"`
	UnhandledExits    uint64 `json:"unhandled_exits"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	vmCreated := atomic.LoadUint64(&vmCreateCount)
	runs := atomic.LoadUint64(&runCalls)

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = atomic.LoadUint64(&totalVMCreateTime) / vmCreated
	}
	if runs > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runs
	}

	return Metrics{
		VMCreated:         vmCreated,
		VMDestroyed:       atomic.LoadUint64(&vmDestroyCount),
		SlotsMapped:       atomic.LoadUint64(&slotMapCount),
		SlotsUnmapped:     atomic.LoadUint64(&slotUnmapCount),
		RegisterOps:       atomic.LoadUint64(&registerOps),
		RunCalls:          runs,
		VCPURuns:          atomic.LoadUint64(&vcpuRuns),
		ExitsDispatched:   atomic.LoadUint64(&exitsDispatched),
		InterruptsQueued:  atomic.LoadUint64(&interruptsQueued),
		DevicesCreated:    atomic.LoadUint64(&devicesCreated),
		Translations:      atomic.LoadUint64(&translations),
		AvgVMCreateTimeNs: avgVMCreate,
		AvgRunTimeNs:      avgRun,
		KVMErrors:         atomic.LoadUint64(&kvmErrors),
		UnhandledExits:    atomic.LoadUint64(&unhandledExits),
	}
}

// ResetMetrics clears all counters
func ResetMetrics() {
	for _, p := range []*uint64{
		&vmCreateCount, &vmDestroyCount, &slotMapCount, &slotUnmapCount,
		&registerOps, &runCalls, &vcpuRuns, &exitsDispatched,
		&interruptsQueued, &devicesCreated, &translations,
		&totalVMCreateTime, &totalRunTime, &kvmErrors, &unhandledExits,
	} {
		atomic.StoreUint64(p, 0)
	}
}

// Internal metric recording functions
func recordVMCreate(duration time.Duration) {
	atomic.AddUint64(&vmCreateCount, 1)
	atomic.AddUint64(&totalVMCreateTime, uint64(duration.Nanoseconds()))
}

func recordVMDestroy() {
	atomic.AddUint64(&vmDestroyCount, 1)
}

func recordSlotMap() {
	atomic.AddUint64(&slotMapCount, 1)
}

func recordSlotUnmap() {
	atomic.AddUint64(&slotUnmapCount, 1)
}

func recordRegisterOp() {
	atomic.AddUint64(&registerOps, 1)
}

func recordRun(duration time.Duration) {
	atomic.AddUint64(&runCalls, 1)
	atomic.AddUint64(&totalRunTime, uint64(duration.Nanoseconds()))
}

func recordVCPURun() {
	atomic.AddUint64(&vcpuRuns, 1)
}

func recordExitDispatched() {
	atomic.AddUint64(&exitsDispatched, 1)
}

func recordInterrupt() {
	atomic.AddUint64(&interruptsQueued, 1)
}

func recordDeviceCreate() {
	atomic.AddUint64(&devicesCreated, 1)
}

func recordTranslate() {
	atomic.AddUint64(&translations, 1)
}

func recordKVMError() {
	atomic.AddUint64(&kvmErrors, 1)
}

func recordUnhandledExit() {
	atomic.AddUint64(&unhandledExits, 1)
}
