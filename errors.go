package vmm

import (
	"errors"
	"fmt"
)

// NoActionRegisteredError is returned by Run when the vCPU exits for a
// reason that has no registered Action.
type NoActionRegisteredError struct {
	Reason ExitReason
}

func (e *NoActionRegisteredError) Error() string {
	return fmt.Sprintf("vmm: no action registered for exit reason %d (%s)", uint32(e.Reason), e.Reason)
}

var (
	ErrUnsupportedHost       = errors.New("vmm: unsupported host: KVM API version is not 12")
	ErrZeroSizedSharedRegion = errors.New("vmm: KVM_GET_VCPU_MMAP_SIZE reported a zero sized shared region")
	ErrClosed                = errors.New("vmm: VM is closed")
	ErrReentrantRun          = errors.New("vmm: Run called while the vCPU is already running")
	ErrNotRunning            = errors.New("vmm: exit data is only available inside an action")
	ErrUnexpectedExit        = errors.New("vmm: exit data requested for a different exit reason")
	ErrUnknownSlot           = errors.New("vmm: unknown memory slot")
	ErrUnsupportedPlatform   = errors.New("vmm: KVM is only supported on linux/amd64")
)

// InvariantViolation is the panic value raised when a programming contract
// is broken: caller misuse or a kernel object that cannot be released.
// It never travels through the error channel.
type InvariantViolation struct {
	Msg string
}

func (v InvariantViolation) Error() string { return "vmm: invariant violation: " + v.Msg }

func invariant(format string, args ...any) {
	panic(InvariantViolation{Msg: fmt.Sprintf(format, args...)})
}
