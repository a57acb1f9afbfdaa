//go:build linux && amd64

package vmm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestNewConstructionOrder(t *testing.T) {
	fk := newFakeKernel(t)
	newTestVM(t, fk, hltImage())

	want := []string{
		"open",
		"KVM_GET_API_VERSION",
		"KVM_CREATE_VM",
		"KVM_SET_USER_MEMORY_REGION",
		"KVM_CREATE_VCPU",
		"KVM_GET_SREGS",
		"KVM_SET_SREGS",
		"KVM_GET_REGS",
		"KVM_SET_REGS",
	}
	if diff := cmp.Diff(want, fk.calls); diff != "" {
		t.Errorf("construction calls mismatch (-want +got):\n%s", diff)
	}
}

func TestNewInitialState(t *testing.T) {
	fk := newFakeKernel(t)
	image := []byte{0xf4, 0x90, 0x90, 0x90, 0xde, 0xad, 0xbe, 0xef}
	vm := newTestVM(t, fk, image)

	if fk.sregs.CS.Base != 0 || fk.sregs.CS.Selector != 0 {
		t.Errorf("CS base/selector = %#x/%#x, want 0/0", fk.sregs.CS.Base, fk.sregs.CS.Selector)
	}
	if fk.sregs.CS.Limit != 0xffff {
		t.Errorf("CS limit changed to %#x, want it left at 0xffff", fk.sregs.CS.Limit)
	}
	if fk.regs.RIP != 0 {
		t.Errorf("RIP = %#x, want 0", fk.regs.RIP)
	}
	if fk.regs.RFLAGS != 0x2 {
		t.Errorf("RFLAGS = %#x, want 0x2", fk.regs.RFLAGS)
	}
	if fk.regs.RDX != 0x600 {
		t.Errorf("RDX = %#x, want untouched 0x600", fk.regs.RDX)
	}

	if len(fk.regions) != 1 {
		t.Fatalf("got %d memory regions, want 1", len(fk.regions))
	}
	r := fk.regions[0]
	if r.Slot != 0 || r.GuestPhysAddr != 0 || r.MemorySize != 4096 || r.Flags != 0 {
		t.Errorf("image region = %+v, want slot 0 at gpa 0 with size 4096", r)
	}
	if r.UserspaceAddr == 0 || r.UserspaceAddr%pageSize != 0 {
		t.Errorf("image region host address %#x is not page aligned", r.UserspaceAddr)
	}

	mem, err := vm.Memory(0)
	if err != nil {
		t.Fatalf("Memory(0) failed: %v", err)
	}
	if diff := cmp.Diff(image, mem); diff != "" {
		t.Errorf("guest image mismatch (-want +got):\n%s", diff)
	}

	want := []SlotInfo{{ID: 0, GuestPhysAddr: 0, Size: 4096}}
	if diff := cmp.Diff(want, vm.Slots()); diff != "" {
		t.Errorf("slots mismatch (-want +got):\n%s", diff)
	}
}

func TestNewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest.bin")
	if err := os.WriteFile(path, hltImage(), 0o644); err != nil {
		t.Fatal(err)
	}

	fk := newFakeKernel(t)
	vm, err := New(path, withKernel(fk))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer vm.Close()

	if got := fk.count("KVM_CREATE_VCPU"); got != 1 {
		t.Errorf("KVM_CREATE_VCPU issued %d times, want 1", got)
	}
}

func TestNewMissingImage(t *testing.T) {
	fk := newFakeKernel(t)
	_, err := New(filepath.Join(t.TempDir(), "missing.bin"), withKernel(fk))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("New with missing image: got %v, want os.ErrNotExist", err)
	}
	if len(fk.calls) != 0 {
		t.Errorf("kernel was called before the image was read: %v", fk.calls)
	}
}

func TestNewEmptyImagePanicsBeforeKernel(t *testing.T) {
	fk := newFakeKernel(t)
	expectInvariant(t, func() {
		NewFromImage(nil, withKernel(fk))
	})
	if len(fk.calls) != 0 {
		t.Errorf("kernel calls before contract check: %v", fk.calls)
	}
}

func TestNewUnsupportedAPIVersion(t *testing.T) {
	fk := newFakeKernel(t)
	fk.apiVersion = 11

	_, err := NewFromImage(hltImage(), withKernel(fk))
	if !errors.Is(err, ErrUnsupportedHost) {
		t.Fatalf("got %v, want ErrUnsupportedHost", err)
	}
	if fk.count("KVM_CREATE_VM") != 0 {
		t.Error("KVM_CREATE_VM issued on an unsupported host")
	}
	if diff := cmp.Diff([]int{fakeFdBase + 1}, fk.closed); diff != "" {
		t.Errorf("closed handles mismatch (-want +got):\n%s", diff)
	}
}

func TestNewFailureReleasesEarlierHandles(t *testing.T) {
	tests := []struct {
		name       string
		failOp     string
		wantOp     string
		wantClosed int
	}{
		{"open", "open", "open /dev/kvm", 0},
		{"create vm", "KVM_CREATE_VM", "KVM_CREATE_VM", 1},
		{"memory region", "KVM_SET_USER_MEMORY_REGION", "KVM_SET_USER_MEMORY_REGION", 2},
		{"create vcpu", "KVM_CREATE_VCPU", "KVM_CREATE_VCPU", 2},
		{"get sregs", "KVM_GET_SREGS", "KVM_GET_SREGS", 3},
		{"set regs", "KVM_SET_REGS", "KVM_SET_REGS", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fk := newFakeKernel(t)
			fk.fail = failOn(tt.failOp, 1, unix.EINVAL)

			vm, err := NewFromImage(hltImage(), withKernel(fk))
			if vm != nil {
				t.Fatal("got a VM from a failed construction")
			}
			var kerr *KVMError
			if !errors.As(err, &kerr) {
				t.Fatalf("got %T (%v), want *KVMError", err, err)
			}
			if kerr.Op != tt.wantOp || kerr.Errno != unix.EINVAL {
				t.Errorf("KVMError = {%s %v}, want {%s EINVAL}", kerr.Op, kerr.Errno, tt.wantOp)
			}
			if !errors.Is(err, unix.EINVAL) {
				t.Error("errors.Is(err, EINVAL) = false")
			}
			if len(fk.closed) != tt.wantClosed {
				t.Errorf("closed %d handles (%v), want %d", len(fk.closed), fk.closed, tt.wantClosed)
			}
			// Handles are released newest first.
			for i := 1; i < len(fk.closed); i++ {
				if fk.closed[i-1] != fk.vcpuFd && fk.closed[i-1] < fk.closed[i] {
					t.Errorf("handles closed out of order: %v", fk.closed)
				}
			}
		})
	}
}

func TestNewFailureUnwindOrder(t *testing.T) {
	fk := newFakeKernel(t)
	fk.fail = failOn("KVM_SET_REGS", 1, unix.EINVAL)

	if _, err := NewFromImage(hltImage(), withKernel(fk)); err == nil {
		t.Fatal("NewFromImage succeeded with a failing KVM_SET_REGS")
	}
	want := []int{fk.vcpuFd, fakeFdBase + 2, fakeFdBase + 1}
	if diff := cmp.Diff(want, fk.closed); diff != "" {
		t.Errorf("unwind order mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseOrderAndIdempotence(t *testing.T) {
	fk := newFakeKernel(t)
	vm, err := NewFromImage(hltImage(), withKernel(fk))
	if err != nil {
		t.Fatal(err)
	}
	dev, err := vm.CreateDevice(DeviceVFIO, 0)
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	kvmFd, vmFd, vcpuFd := vm.kvmFd, vm.vmFd, vm.vcpuFd

	if err := vm.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	want := []int{vcpuFd, dev, vmFd, kvmFd}
	if diff := cmp.Diff(want, fk.closed); diff != "" {
		t.Errorf("close order mismatch (-want +got):\n%s", diff)
	}

	if _, err := vm.Regs(); !errors.Is(err, ErrClosed) {
		t.Errorf("Regs after Close: got %v, want ErrClosed", err)
	}
	if err := vm.Run(); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after Close: got %v, want ErrClosed", err)
	}
	if _, err := vm.MapGuestMemory(0x1000, 4096, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("MapGuestMemory after Close: got %v, want ErrClosed", err)
	}
}

func TestCloseFailureIsInvariant(t *testing.T) {
	fk := newFakeKernel(t)
	vm, err := NewFromImage(hltImage(), withKernel(fk))
	if err != nil {
		t.Fatal(err)
	}
	fk.fail = failOn("close", 2, unix.EBADF)

	expectInvariant(t, func() {
		vm.Close()
	})
}

func TestCheckExtension(t *testing.T) {
	fk := newFakeKernel(t)
	vm := newTestVM(t, fk, hltImage())

	tests := []struct {
		c    Capability
		want int
	}{
		{CapUserMemory, 1},
		{CapNrMemslots, 509},
		{CapIRQChip, 0},
	}
	for _, tt := range tests {
		t.Run(tt.c.String(), func(t *testing.T) {
			got, err := vm.CheckExtension(tt.c)
			if err != nil {
				t.Fatalf("CheckExtension failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckExtension(%s) = %d, want %d", tt.c, got, tt.want)
			}
		})
	}

	for _, fd := range fk.checkFds {
		if fd != vm.kvmFd {
			t.Errorf("KVM_CHECK_EXTENSION issued on fd %d, want device fd %d", fd, vm.kvmFd)
		}
	}
	if len(fk.checkFds) != len(tests) {
		t.Errorf("KVM_CHECK_EXTENSION issued %d times, want %d", len(fk.checkFds), len(tests))
	}
}

func TestCreateDevice(t *testing.T) {
	fk := newFakeKernel(t)
	vm := newTestVM(t, fk, hltImage())

	fd, err := vm.CreateDevice(DeviceVFIO, DeviceTest)
	if err != nil {
		t.Fatalf("CreateDevice(test) failed: %v", err)
	}
	if fd != -1 || len(vm.devices) != 0 {
		t.Errorf("test-only CreateDevice returned fd %d and tracked %v", fd, vm.devices)
	}

	fd, err = vm.CreateDevice(DeviceVFIO, 0)
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	if fd < fakeFdBase {
		t.Errorf("CreateDevice returned fd %d", fd)
	}
	if diff := cmp.Diff([]int{fd}, vm.devices); diff != "" {
		t.Errorf("tracked devices mismatch (-want +got):\n%s", diff)
	}
	if got := fk.devices[1].Type; got != uint32(DeviceVFIO) {
		t.Errorf("device type = %d, want %d", got, DeviceVFIO)
	}

	fk.fail = failOn("KVM_CREATE_DEVICE", 1, unix.ENODEV)
	if _, err := vm.CreateDevice(DeviceType(99), 0); !errors.Is(err, unix.ENODEV) {
		t.Errorf("CreateDevice with bad type: got %v, want ENODEV", err)
	}
}

func TestProbe(t *testing.T) {
	fk := newFakeKernel(t)
	info, err := Probe(withKernel(fk), WithDevicePath("/dev/fake-kvm"))
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if info.DevicePath != "/dev/fake-kvm" || info.APIVersion != 12 {
		t.Errorf("Probe = %+v", info)
	}
	if info.Capabilities["KVM_CAP_NR_MEMSLOTS"] != 509 {
		t.Errorf("KVM_CAP_NR_MEMSLOTS = %d, want 509", info.Capabilities["KVM_CAP_NR_MEMSLOTS"])
	}
	if len(info.Capabilities) != len(Capabilities) {
		t.Errorf("got %d capabilities, want %d", len(info.Capabilities), len(Capabilities))
	}
	if got := fk.count("close"); got != 1 {
		t.Errorf("device closed %d times, want 1", got)
	}

	ok, err := Supported(withKernel(newFakeKernel(t)))
	if err != nil || !ok {
		t.Errorf("Supported() = %v, %v; want true, nil", ok, err)
	}

	old := newFakeKernel(t)
	old.apiVersion = 10
	ok, err = Supported(withKernel(old))
	if err != nil || ok {
		t.Errorf("Supported() on API 10 = %v, %v; want false, nil", ok, err)
	}
}
