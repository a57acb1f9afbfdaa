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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/cmd/vmm/cmd/utils"
)

// realModeStackLimit is the highest stack top a 16-bit SP can address
// with SS base 0.
const realModeStackLimit = 0xffff

func init() {
	rootCmd.AddCommand(emulateCmd)
	emulateCmd.Flags().Uint64P("stack-size", "s", 0x1000, "Size of the stack slot mapped after the image (bytes)")
}

var emulateCmd = &cobra.Command{
	Use:     "emulate [IMAGE]",
	Aliases: []string{"emu"},
	Short:   "Run a flat x86 image with a stack slot and show the stack contents",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stackSize, err := cmd.Flags().GetUint64("stack-size")
		if err != nil {
			return err
		}

		image, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		if len(image) == 0 {
			return fmt.Errorf("image %s is empty", args[0])
		}

		stackBase, stackTop, err := stackLayout(uint64(len(image)), stackSize)
		if err != nil {
			return err
		}

		s := &session{
			log:    log.WithField("command", cmd.Name()),
			out:    cmd.OutOrStdout(),
			serial: uint16(viper.GetUint(flagSerialPort)),
		}
		return s.emulate(cmd.OutOrStdout(), image, stackBase, stackTop, vmOptions(cmd)...)
	},
}

// stackLayout places the stack in the page after the image. The returned
// top is the initial SP.
func stackLayout(imageSize, stackSize uint64) (base, top uint64, err error) {
	if stackSize == 0 || stackSize%0x1000 != 0 {
		return 0, 0, fmt.Errorf("stack-size %#x must be a non-zero multiple of 0x1000", stackSize)
	}
	base = (imageSize + 0xfff) &^ 0xfff
	top = base + stackSize
	if top > realModeStackLimit+1 {
		return 0, 0, fmt.Errorf("stack %#x-%#x is beyond the 64KiB reachable in real mode", base, top)
	}
	return base, top, nil
}

func (s *session) emulate(w io.Writer, image []byte, stackBase, stackTop uint64, opts ...vmm.Option) error {
	vm, err := vmm.NewFromImage(image, opts...)
	if err != nil {
		return fmt.Errorf("failed to create VM: %w", err)
	}
	defer func() {
		if err := vm.Close(); err != nil {
			s.log.WithError(err).Error("failed to close VM")
		}
	}()

	stackSlot, err := vm.MapGuestMemory(stackBase, stackTop-stackBase, 0)
	if err != nil {
		return fmt.Errorf("failed to map stack: %w", err)
	}

	regs, err := vm.Regs()
	if err != nil {
		return err
	}
	// A top of 0x10000 loads as SP 0; the first push wraps to 0xfffe.
	regs.RSP = stackTop & realModeStackLimit
	if err := vm.SetRegs(regs); err != nil {
		return fmt.Errorf("failed to set SP: %w", err)
	}

	fmt.Fprintf(w, "Emulating %d byte image with stack at 0x%x - 0x%x (slot %d)\n",
		len(image), stackBase, stackTop, stackSlot)

	s.register(vm)
	runErr := vm.Run()

	final, err := vm.Regs()
	if err != nil {
		return fmt.Errorf("failed to get final state: %w", err)
	}
	finalSP := final.RSP & realModeStackLimit
	if finalSP == 0 {
		finalSP = stackTop
	}

	fmt.Fprintf(w, "\n=== Execution Results ===\n")
	var unhandled *vmm.NoActionRegisteredError
	switch {
	case errors.As(runErr, &unhandled):
		fmt.Fprintf(w, "Exit Reason: %v (unhandled)\n", unhandled.Reason)
	case runErr != nil:
		fmt.Fprintf(w, "Run Error: %v\n", runErr)
	default:
		fmt.Fprintf(w, "Exit Reason: %v\n", s.last)
	}
	if s.diag != "" {
		fmt.Fprintf(w, "Instruction: %s\n", s.diag)
	}
	fmt.Fprintf(w, "Final SP: 0x%x (moved %d bytes)\n", finalSP, int64(finalSP)-int64(stackTop))

	fmt.Fprintf(w, "\nRegisters:\n")
	fmt.Fprintf(w, "  RAX=0x%x  RBX=0x%x  RCX=0x%x  RDX=0x%x\n", final.RAX, final.RBX, final.RCX, final.RDX)
	fmt.Fprintf(w, "  RIP=0x%x  RSP=0x%x  RBP=0x%x  RFLAGS=0x%x\n", final.RIP, final.RSP, final.RBP, final.RFLAGS)

	mem, err := vm.Memory(stackSlot)
	if err != nil {
		return err
	}
	printStackContents(w, mem, stackBase, stackTop, finalSP)
	return nil
}

// printStackContents hexdumps the stack slot around the initial and final
// stack pointers, marking the rows that hold them.
func printStackContents(w io.Writer, mem []byte, base, initialSP, finalSP uint64) {
	fmt.Fprintf(w, "\n=== Stack Analysis ===\n")
	if len(mem) == 0 {
		fmt.Fprintln(w, "No memory data available")
		return
	}

	lowSP := initialSP
	if finalSP >= base && finalSP < initialSP {
		lowSP = finalSP
	}
	start := lowSP - base
	start -= min(start, 64)
	start &^= 0xf
	end := min(initialSP-base+64, uint64(len(mem)))

	fmt.Fprintf(w, "Stack region: 0x%x - 0x%x (Initial SP: 0x%x, Final SP: 0x%x)\n",
		base+start, base+end, initialSP, finalSP)
	fmt.Fprintf(w, "Stack change: %d bytes\n\n", int64(finalSP)-int64(initialSP))
	fmt.Fprintf(w, "Annotations: ISP=Initial SP, FSP=Final SP, I+F=both, STK=Stack Area\n")

	for off := start; off < end; off += 16 {
		addr := base + off
		rowEnd := addr + 16
		isp := initialSP > addr && initialSP <= rowEnd
		fsp := finalSP >= addr && finalSP < rowEnd
		switch {
		case isp && fsp:
			fmt.Fprint(w, "I+F> ")
		case isp:
			fmt.Fprint(w, "ISP> ")
		case fsp:
			fmt.Fprint(w, "FSP> ")
		case addr >= finalSP && addr < initialSP:
			fmt.Fprint(w, "STK> ")
		default:
			fmt.Fprint(w, "     ")
		}
		fmt.Fprint(w, utils.HexDump(mem[off:min(off+16, end)], addr))
	}
}
