//go:build linux && amd64

package vmm

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// KVMError wraps the errno of a failed kernel call.
// Op names the call, usually the ioctl request (KVM_CREATE_VM, KVM_RUN, ...).
type KVMError struct {
	Op    string
	Errno unix.Errno
}

func (e *KVMError) Error() string {
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

func (e *KVMError) Unwrap() error { return e.Errno }

// detailedError provides full error context for development
func (e *KVMError) detailedError() string {
	switch e.Errno {
	case unix.EINVAL:
		return fmt.Sprintf("kvm: %s: invalid argument (EINVAL) - check slot, size and alignment of the request", e.Op)
	case unix.EEXIST:
		return fmt.Sprintf("kvm: %s: already exists (EEXIST) - memory slot overlaps an existing slot", e.Op)
	case unix.EFAULT:
		return fmt.Sprintf("kvm: %s: bad address (EFAULT) - host memory backing the request is not mapped", e.Op)
	case unix.ENOMEM:
		return fmt.Sprintf("kvm: %s: out of memory (ENOMEM)", e.Op)
	case unix.EBADF:
		return fmt.Sprintf("kvm: %s: bad file descriptor (EBADF) - handle already closed", e.Op)
	case unix.EINTR:
		return fmt.Sprintf("kvm: %s: interrupted (EINTR) - a signal arrived while the vCPU was running", e.Op)
	case unix.ENXIO:
		return fmt.Sprintf("kvm: %s: no such device (ENXIO) - no usable paging or device state", e.Op)
	case unix.ENOTTY:
		return fmt.Sprintf("kvm: %s: inappropriate ioctl (ENOTTY) - request not supported by this kernel", e.Op)
	case unix.ENODEV:
		return fmt.Sprintf("kvm: %s: no such device (ENODEV) - device type not supported", e.Op)
	case unix.EACCES, unix.EPERM:
		return fmt.Sprintf("kvm: %s: permission denied (%s) - add the user to the kvm group", e.Op, unix.ErrnoName(e.Errno))
	case unix.EBUSY:
		return fmt.Sprintf("kvm: %s: resource busy (EBUSY)", e.Op)
	case unix.E2BIG:
		return fmt.Sprintf("kvm: %s: argument too large (E2BIG)", e.Op)
	case unix.ENOENT:
		return fmt.Sprintf("kvm: %s: not found (ENOENT) - is the kvm module loaded?", e.Op)
	default:
		return fmt.Sprintf("kvm: %s: %v (errno %d)", e.Op, e.Errno, int(e.Errno))
	}
}

// sanitizedError provides minimal error information for production
func (e *KVMError) sanitizedError() string {
	name := unix.ErrnoName(e.Errno)
	if name == "" {
		name = "errno " + strconv.Itoa(int(e.Errno))
	}
	return "kvm: " + e.Op + ": " + name
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("VMM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// kvmErr converts the error of a system call into a *KVMError.
func kvmErr(op string, err error) error {
	if err == nil {
		return nil
	}
	recordKVMError()
	var errno unix.Errno
	if errors.As(err, &errno) {
		return &KVMError{Op: op, Errno: errno}
	}
	return fmt.Errorf("kvm: %s: %w", op, err)
}
