//go:build linux && amd64

package vmm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mappedRegion owns one host virtual memory mapping. It is released by
// exactly one unmap of the full extent.
type mappedRegion struct {
	b        []byte
	released bool
}

// acquireAnonymous maps size bytes of private read-write memory.
func acquireAnonymous(size int) (*mappedRegion, error) {
	if size <= 0 {
		invariant("anonymous mapping of %d bytes", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, kvmErr("mmap", err)
	}
	return &mappedRegion{b: b}, nil
}

// acquireShared maps size bytes of fd, shared with the kernel side.
func acquireShared(size int, fd int) (*mappedRegion, error) {
	if size <= 0 {
		invariant("shared mapping of %d bytes", size)
	}
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, kvmErr("mmap", err)
	}
	return &mappedRegion{b: b}, nil
}

func (m *mappedRegion) check() {
	if m.released {
		invariant("use of released mapping")
	}
}

// Len returns the mapped length in bytes.
func (m *mappedRegion) Len() int {
	m.check()
	return len(m.b)
}

// Pointer returns the host address of the first mapped byte.
func (m *mappedRegion) Pointer() uintptr {
	m.check()
	return uintptr(unsafe.Pointer(&m.b[0]))
}

// Bytes returns a view of the whole mapping.
func (m *mappedRegion) Bytes() []byte {
	m.check()
	return m.b
}

// Release unmaps the region. Later calls are no-ops.
func (m *mappedRegion) Release() {
	if m.released {
		return
	}
	if err := unix.Munmap(m.b); err != nil {
		invariant("munmap of %d bytes at %#x: %v", len(m.b), uintptr(unsafe.Pointer(&m.b[0])), err)
	}
	m.b = nil
	m.released = true
}

// releaseQuiet unmaps the region and ignores failure. Finalizers only.
func (m *mappedRegion) releaseQuiet() {
	if m.released {
		return
	}
	_ = unix.Munmap(m.b)
	m.b = nil
	m.released = true
}
