//go:build !linux || !amd64

package vmm

// VM is unavailable on this platform.
type VM struct{}

// Supported returns false on platforms other than linux/amd64.
func Supported(opts ...Option) (bool, error) {
	return false, ErrUnsupportedPlatform
}

// Probe returns ErrUnsupportedPlatform on platforms other than linux/amd64.
func Probe(opts ...Option) (*HostInfo, error) {
	return nil, ErrUnsupportedPlatform
}

// New returns ErrUnsupportedPlatform on platforms other than linux/amd64.
func New(imagePath string, opts ...Option) (*VM, error) {
	return nil, ErrUnsupportedPlatform
}

// NewFromImage returns ErrUnsupportedPlatform on platforms other than linux/amd64.
func NewFromImage(image []byte, opts ...Option) (*VM, error) {
	return nil, ErrUnsupportedPlatform
}

// Stub implementations for VM methods
func (vm *VM) Close() error {
	return ErrUnsupportedPlatform
}

func (vm *VM) RegisterAction(reason ExitReason, action Action) {}

func (vm *VM) RegisterActionFunc(reason ExitReason, fn func(vm *VM) bool) {}

func (vm *VM) Run() error {
	return ErrUnsupportedPlatform
}

func (vm *VM) ExitReason() (ExitReason, error) {
	return 0, ErrUnsupportedPlatform
}

func (vm *VM) ExitIO() (IOExitInfo, error) {
	return IOExitInfo{}, ErrUnsupportedPlatform
}

func (vm *VM) ExitMMIO() (MMIOExitInfo, error) {
	return MMIOExitInfo{}, ErrUnsupportedPlatform
}

func (vm *VM) CompleteMMIORead(data []byte) error {
	return ErrUnsupportedPlatform
}

func (vm *VM) Regs() (Regs, error) {
	return Regs{}, ErrUnsupportedPlatform
}

func (vm *VM) SetRegs(regs Regs) error {
	return ErrUnsupportedPlatform
}

func (vm *VM) Sregs() (Sregs, error) {
	return Sregs{}, ErrUnsupportedPlatform
}

func (vm *VM) SetSregs(sregs Sregs) error {
	return ErrUnsupportedPlatform
}

func (vm *VM) TranslateAddress(linear uint64) (TranslatedAddress, error) {
	return TranslatedAddress{}, ErrUnsupportedPlatform
}

func (vm *VM) QueueInterrupt(irq uint32) error {
	return ErrUnsupportedPlatform
}

func (vm *VM) CheckExtension(c Capability) (int, error) {
	return 0, ErrUnsupportedPlatform
}

func (vm *VM) CreateDevice(typ DeviceType, flags uint32) (int, error) {
	return -1, ErrUnsupportedPlatform
}

func (vm *VM) MapGuestMemory(gpa uint64, size uint64, flags MemoryFlags) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}

func (vm *VM) UnmapGuestMemory(slot uint32) error {
	return ErrUnsupportedPlatform
}

func (vm *VM) Memory(slot uint32) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func (vm *VM) Slots() []SlotInfo {
	return nil
}
