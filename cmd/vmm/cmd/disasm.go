/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/blacktop/go-vmm"
)

const maxInstLen = 15

// cpuMode returns the x86asm decoding mode (16, 32 or 64) for the
// current segment state.
func cpuMode(sregs vmm.Sregs) int {
	switch {
	case sregs.CR0&1 == 0:
		return 16
	case sregs.CS.L != 0:
		return 64
	case sregs.CS.DB != 0:
		return 32
	default:
		return 16
	}
}

// disassemble decodes the single instruction at the start of code.
func disassemble(code []byte, mode int, pc uint64) (string, int, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return "", 0, err
	}
	return x86asm.IntelSyntax(inst, pc, nil), inst.Len, nil
}

// guestBytes returns up to n bytes of guest memory at physical address
// gpa, read through the host view of whichever live slot holds it.
func guestBytes(vm *vmm.VM, gpa uint64, n int) ([]byte, error) {
	for _, s := range vm.Slots() {
		if s.Removed || gpa < s.GuestPhysAddr || gpa >= s.GuestPhysAddr+s.Size {
			continue
		}
		mem, err := vm.Memory(s.ID)
		if err != nil {
			return nil, err
		}
		off := gpa - s.GuestPhysAddr
		if off >= uint64(len(mem)) {
			return nil, fmt.Errorf("address %#x is in the padding of slot %d", gpa, s.ID)
		}
		return mem[off:min(off+uint64(n), uint64(len(mem)))], nil
	}
	return nil, fmt.Errorf("address %#x is not backed by guest memory", gpa)
}

// instructionAtRIP decodes the instruction the vCPU is about to execute
// (or just faulted on), e.g. "0x0: hlt".
func instructionAtRIP(vm *vmm.VM) (string, error) {
	regs, err := vm.Regs()
	if err != nil {
		return "", err
	}
	sregs, err := vm.Sregs()
	if err != nil {
		return "", err
	}

	linear := sregs.CS.Base + regs.RIP
	gpa := linear
	if t, err := vm.TranslateAddress(linear); err == nil && t.Valid {
		gpa = t.PhysicalAddress
	}

	code, err := guestBytes(vm, gpa, maxInstLen)
	if err != nil {
		return "", err
	}
	text, _, err := disassemble(code, cpuMode(sregs), linear)
	if err != nil {
		return "", fmt.Errorf("decode at %#x: %w", linear, err)
	}
	return fmt.Sprintf("%#x: %s", linear, text), nil
}
