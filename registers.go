package vmm

import "fmt"

// Regs holds the vCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const nrInterrupts = 256

// Sregs holds the vCPU's special and segment registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [(nrInterrupts + 63) / 64]uint64
}

// rflagsReserved is bit 1 of RFLAGS, which must always be set.
const rflagsReserved = 0x2

// Reg names one general-purpose register in Regs.
type Reg int

const (
	RegRAX Reg = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRSP
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegRFLAGS
)

var regNames = [...]string{
	RegRAX:    "rax",
	RegRBX:    "rbx",
	RegRCX:    "rcx",
	RegRDX:    "rdx",
	RegRSI:    "rsi",
	RegRDI:    "rdi",
	RegRSP:    "rsp",
	RegRBP:    "rbp",
	RegR8:     "r8",
	RegR9:     "r9",
	RegR10:    "r10",
	RegR11:    "r11",
	RegR12:    "r12",
	RegR13:    "r13",
	RegR14:    "r14",
	RegR15:    "r15",
	RegRIP:    "rip",
	RegRFLAGS: "rflags",
}

// AllRegs lists every general-purpose register in Regs order.
var AllRegs = []Reg{
	RegRAX, RegRBX, RegRCX, RegRDX, RegRSI, RegRDI, RegRSP, RegRBP,
	RegR8, RegR9, RegR10, RegR11, RegR12, RegR13, RegR14, RegR15,
	RegRIP, RegRFLAGS,
}

func (r Reg) String() string {
	if r < RegRAX || r > RegRFLAGS {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

// ParseReg returns the register with the given lower-case name, such as
// "rip" or "r8".
func ParseReg(name string) (Reg, error) {
	for _, reg := range AllRegs {
		if regNames[reg] == name {
			return reg, nil
		}
	}
	return 0, fmt.Errorf("vmm: unknown register %q", name)
}

func (r *Regs) field(reg Reg) (*uint64, error) {
	switch reg {
	case RegRAX:
		return &r.RAX, nil
	case RegRBX:
		return &r.RBX, nil
	case RegRCX:
		return &r.RCX, nil
	case RegRDX:
		return &r.RDX, nil
	case RegRSI:
		return &r.RSI, nil
	case RegRDI:
		return &r.RDI, nil
	case RegRSP:
		return &r.RSP, nil
	case RegRBP:
		return &r.RBP, nil
	case RegR8:
		return &r.R8, nil
	case RegR9:
		return &r.R9, nil
	case RegR10:
		return &r.R10, nil
	case RegR11:
		return &r.R11, nil
	case RegR12:
		return &r.R12, nil
	case RegR13:
		return &r.R13, nil
	case RegR14:
		return &r.R14, nil
	case RegR15:
		return &r.R15, nil
	case RegRIP:
		return &r.RIP, nil
	case RegRFLAGS:
		return &r.RFLAGS, nil
	default:
		return nil, fmt.Errorf("vmm: invalid register %d (must be %d-%d)", reg, RegRAX, RegRFLAGS)
	}
}

// Get returns the value of one register from the snapshot.
func (r *Regs) Get(reg Reg) (uint64, error) {
	p, err := r.field(reg)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// Set updates one register in the snapshot. The vCPU is not touched until
// the snapshot is pushed back with SetRegs.
func (r *Regs) Set(reg Reg, v uint64) error {
	p, err := r.field(reg)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Map returns the snapshot keyed by register name.
func (r *Regs) Map() map[string]uint64 {
	m := make(map[string]uint64, len(AllRegs))
	for _, reg := range AllRegs {
		v, _ := r.Get(reg)
		m[reg.String()] = v
	}
	return m
}
