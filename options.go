package vmm

import (
	"io"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// DefaultDevicePath is the KVM device node opened by New.
const DefaultDevicePath = "/dev/kvm"

// HostInfo describes the KVM device of this host.
type HostInfo struct {
	DevicePath   string         `json:"device_path"`
	APIVersion   int            `json:"api_version"`
	Capabilities map[string]int `json:"capabilities"`
}

// kernel is the system call surface used to drive KVM. Every method maps
// onto exactly one system call; a non-nil error carries the errno.
type kernel interface {
	open(path string) (int, error)
	ioctl(fd int, req, arg uintptr) (uintptr, error)
	ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error)
	close(fd int) error
}

type options struct {
	devicePath string
	log        logrus.FieldLogger
	k          kernel
}

// Option configures a VM at construction.
type Option func(*options)

// WithDevicePath overrides the KVM device node.
func WithDevicePath(path string) Option {
	return func(o *options) {
		o.devicePath = path
	}
}

// WithLogger sets the logger used for construction, slot and run events.
// A nil logger keeps the default, which discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// withKernel replaces the system call layer.
func withKernel(k kernel) Option {
	return func(o *options) {
		o.k = k
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func buildOptions(opts []Option) options {
	o := options{
		devicePath: DefaultDevicePath,
		log:        discardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
