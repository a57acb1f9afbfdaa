//go:build linux && amd64

package vmm

import "fmt"

// Supported reports whether the KVM device can be opened and speaks API
// version 12.
func Supported(opts ...Option) (bool, error) {
	info, err := Probe(opts...)
	if err != nil {
		return false, err
	}
	return info.APIVersion == supportedAPIVersion, nil
}

// Probe opens the KVM device, reads its API version and the named
// capabilities, and closes it again.
func Probe(opts ...Option) (*HostInfo, error) {
	o := buildOptions(opts)
	if o.k == nil {
		o.k = hostKernel{}
	}

	fd, err := o.k.open(o.devicePath)
	if err != nil {
		return nil, kvmErr("open "+o.devicePath, err)
	}
	defer func() {
		if err := o.k.close(fd); err != nil {
			invariant("close of %s: %v", o.devicePath, err)
		}
	}()

	version, err := o.k.ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil {
		return nil, kvmErr("KVM_GET_API_VERSION", err)
	}
	info := &HostInfo{
		DevicePath:   o.devicePath,
		APIVersion:   int(version),
		Capabilities: make(map[string]int, len(Capabilities)),
	}
	if version != supportedAPIVersion {
		o.log.WithField("api_version", version).Debug("unsupported KVM API version")
		return info, nil
	}

	for _, c := range Capabilities {
		r, err := o.k.ioctl(fd, kvmCheckExtension, uintptr(c))
		if err != nil {
			return nil, fmt.Errorf("vmm: failed to check %s: %w", c, kvmErr("KVM_CHECK_EXTENSION", err))
		}
		info.Capabilities[c.String()] = int(r)
	}
	return info, nil
}
