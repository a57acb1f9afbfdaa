//go:build linux && amd64

package vmm

import (
	"encoding/binary"
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

const (
	fakeRunSize  = 4096
	fakeIODataAt = 1024
	fakeFdBase   = 10000
)

// fakeExit is one vCPU exit produced by the fake KVM_RUN.
type fakeExit struct {
	reason ExitReason
	io     *ioExitData
	ioData []byte
	mmio   *mmioExitData
}

// fakeKernel stands in for /dev/kvm. The vCPU handle is a real memfd so
// that Run maps and reads a real shared region.
type fakeKernel struct {
	t *testing.T

	apiVersion uintptr
	mmapSize   uintptr
	caps       map[Capability]uintptr
	exits      []fakeExit
	fail       func(op string) error
	onRun      func(f *fakeKernel)

	calls      []string
	regions    []userspaceMemoryRegion
	regs       Regs
	sregs      Sregs
	translate  func(linear uint64) translation
	interrupts []uint32
	devices    []createDevice
	checkFds   []int
	closed     []int
	nextFd     int
	vcpuFd     int
	runs       int
}

func newFakeKernel(t *testing.T) *fakeKernel {
	t.Helper()
	return &fakeKernel{
		t:          t,
		apiVersion: supportedAPIVersion,
		mmapSize:   fakeRunSize,
		caps:       map[Capability]uintptr{CapUserMemory: 1, CapNrMemslots: 509},
		// Power-on state: real mode at the reset vector.
		regs:   Regs{RIP: 0xfff0, RFLAGS: rflagsReserved, RDX: 0x600},
		sregs:  Sregs{CS: Segment{Base: 0xffff0000, Selector: 0xf000, Limit: 0xffff, Present: 1}},
		nextFd: fakeFdBase,
		vcpuFd: -1,
	}
}

func (f *fakeKernel) record(op string) error {
	f.calls = append(f.calls, op)
	if f.fail != nil {
		return f.fail(op)
	}
	return nil
}

func (f *fakeKernel) open(path string) (int, error) {
	if err := f.record("open"); err != nil {
		return -1, err
	}
	f.nextFd++
	return f.nextFd, nil
}

func (f *fakeKernel) ioctl(fd int, req, arg uintptr) (uintptr, error) {
	op := requestName(req)
	if err := f.record(op); err != nil {
		return 0, err
	}
	switch req {
	case kvmGetAPIVersion:
		return f.apiVersion, nil
	case kvmCreateVM:
		f.nextFd++
		return uintptr(f.nextFd), nil
	case kvmCheckExtension:
		f.checkFds = append(f.checkFds, fd)
		return f.caps[Capability(arg)], nil
	case kvmGetVCPUMmapSize:
		return f.mmapSize, nil
	case kvmCreateVCPU:
		mfd, err := unix.MemfdCreate("fake-vcpu", unix.MFD_CLOEXEC)
		if err != nil {
			f.t.Fatalf("memfd_create: %v", err)
		}
		if err := unix.Ftruncate(mfd, fakeRunSize); err != nil {
			f.t.Fatalf("ftruncate: %v", err)
		}
		f.vcpuFd = mfd
		return uintptr(mfd), nil
	case kvmRun:
		return 0, f.run()
	}
	f.t.Fatalf("unexpected ioctl %s (%#x)", op, req)
	return 0, nil
}

func (f *fakeKernel) ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	op := requestName(req)
	if err := f.record(op); err != nil {
		return 0, err
	}
	switch req {
	case kvmSetUserMemoryRegion:
		f.regions = append(f.regions, *(*userspaceMemoryRegion)(arg))
	case kvmGetRegs:
		*(*Regs)(arg) = f.regs
	case kvmSetRegs:
		f.regs = *(*Regs)(arg)
	case kvmGetSregs:
		*(*Sregs)(arg) = f.sregs
	case kvmSetSregs:
		f.sregs = *(*Sregs)(arg)
	case kvmTranslate:
		t := (*translation)(arg)
		if f.translate != nil {
			*t = f.translate(t.LinearAddress)
		}
	case kvmInterrupt:
		f.interrupts = append(f.interrupts, (*interrupt)(arg).IRQ)
	case kvmCreateDevice:
		cd := (*createDevice)(arg)
		if cd.Flags&DeviceTest == 0 {
			f.nextFd++
			cd.Fd = uint32(f.nextFd)
		}
		f.devices = append(f.devices, *cd)
	default:
		f.t.Fatalf("unexpected ioctl %s (%#x)", op, req)
	}
	return 0, nil
}

func (f *fakeKernel) close(fd int) error {
	if err := f.record("close"); err != nil {
		return err
	}
	f.closed = append(f.closed, fd)
	if fd == f.vcpuFd {
		return unix.Close(fd)
	}
	return nil
}

// run writes the next queued exit into the vCPU memfd.
func (f *fakeKernel) run() error {
	f.runs++
	if len(f.exits) == 0 {
		return unix.EIO
	}
	e := f.exits[0]
	f.exits = f.exits[1:]

	var reason [4]byte
	binary.LittleEndian.PutUint32(reason[:], uint32(e.reason))
	f.pwrite(reason[:], runExitReasonOffset)

	if e.io != nil {
		raw := *e.io
		if raw.DataOffset == 0 {
			raw.DataOffset = fakeIODataAt
		}
		f.pwrite(unsafe.Slice((*byte)(unsafe.Pointer(&raw)), unsafe.Sizeof(raw)), runExitDataOffset)
		if e.ioData != nil {
			f.pwrite(e.ioData, int64(raw.DataOffset))
		}
	}
	if e.mmio != nil {
		raw := *e.mmio
		f.pwrite(unsafe.Slice((*byte)(unsafe.Pointer(&raw)), unsafe.Sizeof(raw)), runExitDataOffset)
	}
	if f.onRun != nil {
		f.onRun(f)
	}
	return nil
}

func (f *fakeKernel) pwrite(b []byte, off int64) {
	f.t.Helper()
	if _, err := unix.Pwrite(f.vcpuFd, b, off); err != nil {
		f.t.Fatalf("pwrite at %d: %v", off, err)
	}
}

func (f *fakeKernel) pread(n int, off int64) []byte {
	f.t.Helper()
	b := make([]byte, n)
	if _, err := unix.Pread(f.vcpuFd, b, off); err != nil {
		f.t.Fatalf("pread at %d: %v", off, err)
	}
	return b
}

// count returns how many times op was issued.
func (f *fakeKernel) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// failOn makes the n-th (1-based) call to op fail with errno.
func failOn(op string, n int, errno unix.Errno) func(string) error {
	seen := 0
	return func(got string) error {
		if got != op {
			return nil
		}
		seen++
		if seen == n {
			return errno
		}
		return nil
	}
}

// hltImage is a 16 byte guest whose first instruction is hlt.
func hltImage() []byte {
	img := make([]byte, 16)
	img[0] = 0xf4
	return img
}

func newTestVM(t *testing.T, fk *fakeKernel, image []byte) *VM {
	t.Helper()
	vm, err := NewFromImage(image, withKernel(fk))
	if err != nil {
		t.Fatalf("NewFromImage failed: %v", err)
	}
	t.Cleanup(func() {
		if err := vm.Close(); err != nil {
			t.Errorf("Failed to close VM: %v", err)
		}
	})
	return vm
}

// expectInvariant runs fn and fails the test unless it panics with an
// InvariantViolation.
func expectInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatal("expected InvariantViolation panic, got none")
		}
		if _, ok := r.(InvariantViolation); !ok {
			t.Fatalf("expected InvariantViolation panic, got %T: %v", r, r)
		}
	}()
	fn()
}
