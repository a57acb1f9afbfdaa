// Package vmm is a minimal virtual machine monitor on Linux KVM.
//
// It opens /dev/kvm, creates one VM with one vCPU, loads a flat guest
// image at guest physical address 0 and drives the vCPU through an
// exit loop that hands every exit to a registered Action.
//
// # Requirements
//
//   - Linux on amd64 with the kvm module loaded
//   - Read-write access to /dev/kvm (usually membership of the kvm group)
//
// # Basic Usage
//
// Check if KVM is usable:
//
//	supported, err := vmm.Supported()
//	if err != nil || !supported {
//		log.Fatal("KVM not supported on this system")
//	}
//
// Build a VM from a flat binary and run it until it halts:
//
//	vm, err := vmm.New("guest.bin")
//	if err != nil {
//		log.Fatal("Failed to create VM:", err)
//	}
//	defer vm.Close()
//
//	vm.RegisterActionFunc(vmm.ExitHLT, func(vm *vmm.VM) bool {
//		regs, _ := vm.Regs()
//		fmt.Printf("halted at rip=0x%x\n", regs.RIP)
//		return false
//	})
//	if err := vm.Run(); err != nil {
//		log.Fatal("Run failed:", err)
//	}
//
// Port I/O from the guest shows up as ExitIO; inside the Action the
// access is decoded with ExitIO:
//
//	vm.RegisterActionFunc(vmm.ExitIO, func(vm *vmm.VM) bool {
//		io, err := vm.ExitIO()
//		if err == nil && io.Direction == vmm.IOOut && io.Port == 0x3f8 {
//			os.Stdout.Write(io.Data)
//		}
//		return true
//	})
//
// Extra guest memory:
//
//	slot, err := vm.MapGuestMemory(0x100000, 2<<20, 0)
//	if err != nil {
//		log.Fatal("Failed to map memory:", err)
//	}
//	mem, _ := vm.Memory(slot)
//	copy(mem, payload)
//
// # Error Handling
//
// Failed kernel calls are returned as *KVMError carrying the errno, so
// errors.Is(err, unix.EINVAL) works. A vCPU exit without a registered
// Action is a *NoActionRegisteredError. Broken caller contracts, such as
// an empty guest image or a zero sized mapping, and kernel handles that
// cannot be released panic with InvariantViolation instead.
//
// Set VMM_ENV=production (or VMM_DEBUG=false) for short error messages.
//
// # Resource Management
//
// Close releases the vCPU, devices, the VM, the KVM handle and all guest
// memory. A finalizer provides safety net cleanup. A slot removed with
// UnmapGuestMemory keeps its host memory until Close.
//
// # Platform Support
//
// Linux amd64 only. Other platforms return ErrUnsupportedPlatform.
package vmm
