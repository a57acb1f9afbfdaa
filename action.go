package vmm

// Action handles one kind of vCPU exit. It runs on the Run goroutine and
// may call the VM's register, translation, interrupt and exit data
// methods. Returning false stops Run with a nil error; returning true
// resumes the vCPU.
//
// An Action must not call Run, RegisterAction, MapGuestMemory or
// UnmapGuestMemory.
type Action interface {
	HandleExit(vm *VM) bool
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(vm *VM) bool

func (f ActionFunc) HandleExit(vm *VM) bool { return f(vm) }

// Stop is an Action that ends Run.
var Stop Action = ActionFunc(func(*VM) bool { return false })

// Continue is an Action that resumes the vCPU.
var Continue Action = ActionFunc(func(*VM) bool { return true })
