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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/cmd/vmm/cmd/utils"
)

// lineStatusReady is the 16550 line status with the transmit holding
// register empty.
const lineStatusReady = 0x20

// ExecuteResult is the JSON document printed by the run command.
type ExecuteResult struct {
	State       map[string]uint64 `json:"state,omitempty"`
	ExitReason  string            `json:"exit_reason,omitempty"`
	Exits       int               `json:"exits"`
	Instruction string            `json:"instruction,omitempty"`
	Slots       []vmm.SlotInfo    `json:"slots,omitempty"`
	Dump        string            `json:"dump,omitempty"`
	Metrics     *vmm.Metrics      `json:"metrics,omitempty"`
	Error       string            `json:"error,omitempty"`
}

var stateFile string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&stateFile, "state", "s", "", "JSON file with initial register values")
	runCmd.Flags().Int(flagMaxExits, 0, "stop after this many exits (0 = no limit)")
	runCmd.Flags().Uint16(flagSerialPort, 0x3f8, "I/O port echoed to stdout")
	runCmd.Flags().Int(flagDump, 64, "bytes of guest memory to hexdump after the run")
	runCmd.Flags().Bool(flagMetrics, false, "include package metrics in the result")
	for _, name := range []string{flagMaxExits, flagSerialPort, flagDump, flagMetrics} {
		if err := viper.BindPFlag(name, runCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
}

var runCmd = &cobra.Command{
	Use:   "run [IMAGE]",
	Short: "Run a flat x86 image and print the final vCPU state as JSON",
	Long: `Run loads a flat binary at guest physical address 0 and executes it in
real mode until the guest halts.

The image can be provided as:
  - A file argument
  - Stdin (if no file argument is provided)

Bytes the guest writes to the serial port are copied to stdout. Initial
register values can be provided via --state as a JSON object such as
{"rax": 1, "rsp": 4096}.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImage,
}

func runImage(cmd *cobra.Command, args []string) error {
	image, err := readImage(args, os.Stdin)
	if err != nil {
		return err
	}

	var state map[string]uint64
	if stateFile != "" {
		if state, err = loadState(stateFile); err != nil {
			return err
		}
	}

	s := &session{
		log:      log.WithField("command", cmd.Name()),
		out:      cmd.OutOrStdout(),
		serial:   uint16(viper.GetUint(flagSerialPort)),
		maxExits: viper.GetInt(flagMaxExits),
	}
	result := s.execute(image, state, vmOptions(cmd)...)

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(output))
	return nil
}

func readImage(args []string, stdin io.Reader) ([]byte, error) {
	var (
		image []byte
		err   error
	)
	if len(args) > 0 {
		image, err = os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
	} else {
		image, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("no image provided")
	}
	return image, nil
}

func loadState(path string) (map[string]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var state map[string]uint64
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state JSON: %w", err)
	}
	return state, nil
}

// applyState overwrites the named registers in regs.
func applyState(regs *vmm.Regs, state map[string]uint64) error {
	for name, v := range state {
		reg, err := vmm.ParseReg(name)
		if err != nil {
			return err
		}
		if err := regs.Set(reg, v); err != nil {
			return err
		}
	}
	return nil
}

// session holds the exit handlers and bookkeeping of one run.
type session struct {
	log      logrus.FieldLogger
	out      io.Writer
	serial   uint16
	maxExits int

	exits int
	last  vmm.ExitReason
	diag  string
}

// count records an exit and reports whether the run may continue.
func (s *session) count(reason vmm.ExitReason) bool {
	s.exits++
	s.last = reason
	if s.maxExits > 0 && s.exits >= s.maxExits {
		s.log.WithField("exits", s.exits).Warn("exit limit reached")
		return false
	}
	return true
}

// serialIO services the 16550 data and line status ports. It reports
// whether the access was for the serial device.
func (s *session) serialIO(pio vmm.IOExitInfo) bool {
	switch {
	case pio.Port == s.serial && pio.Direction == vmm.IOOut:
		if _, err := s.out.Write(pio.Data); err != nil {
			s.log.WithError(err).Warn("serial write failed")
		}
	case pio.Port == s.serial+5 && pio.Direction == vmm.IOIn:
		clear(pio.Data)
		for i := 0; i < len(pio.Data); i += int(max(pio.Size, 1)) {
			pio.Data[i] = lineStatusReady
		}
	case pio.Port == s.serial && pio.Direction == vmm.IOIn:
		clear(pio.Data)
	default:
		return false
	}
	return true
}

func (s *session) halt(vm *vmm.VM) bool {
	s.count(vmm.ExitHLT)
	return false
}

func (s *session) portIO(vm *vmm.VM) bool {
	ok := s.count(vmm.ExitIO)
	pio, err := vm.ExitIO()
	if err != nil {
		s.log.WithError(err).Error("failed to decode I/O exit")
		return false
	}
	if !s.serialIO(pio) {
		s.log.WithFields(logrus.Fields{
			"port":      fmt.Sprintf("%#x", pio.Port),
			"direction": pio.Direction,
			"size":      pio.Size,
		}).Debug("unhandled port access")
	}
	return ok
}

// fatal stops the run and records the instruction at RIP.
func (s *session) fatal(vm *vmm.VM) bool {
	reason, _ := vm.ExitReason()
	s.count(reason)

	fields := logrus.Fields{"reason": reason}
	if inst, err := instructionAtRIP(vm); err == nil {
		s.diag = inst
		fields["instruction"] = inst
	} else {
		fields["decode_error"] = err
	}
	if reason == vmm.ExitMMIO {
		if mmio, err := vm.ExitMMIO(); err == nil {
			fields["addr"] = fmt.Sprintf("%#x", mmio.PhysAddr)
			fields["write"] = mmio.IsWrite
		}
	}
	s.log.WithFields(fields).Error("guest stopped")
	return false
}

func (s *session) register(vm *vmm.VM) {
	vm.RegisterActionFunc(vmm.ExitHLT, s.halt)
	vm.RegisterActionFunc(vmm.ExitIO, s.portIO)
	for _, r := range []vmm.ExitReason{
		vmm.ExitUnknown,
		vmm.ExitMMIO,
		vmm.ExitShutdown,
		vmm.ExitFailEntry,
		vmm.ExitInternalError,
	} {
		vm.RegisterActionFunc(r, s.fatal)
	}
}

func (s *session) execute(image []byte, state map[string]uint64, opts ...vmm.Option) *ExecuteResult {
	vm, err := vmm.NewFromImage(image, opts...)
	if err != nil {
		return &ExecuteResult{Error: fmt.Sprintf("failed to create VM: %v", err)}
	}
	defer func() {
		if err := vm.Close(); err != nil {
			s.log.WithError(err).Error("failed to close VM")
		}
	}()

	if len(state) > 0 {
		regs, err := vm.Regs()
		if err == nil {
			if err = applyState(&regs, state); err == nil {
				err = vm.SetRegs(regs)
			}
		}
		if err != nil {
			return &ExecuteResult{Error: fmt.Sprintf("failed to set initial state: %v", err)}
		}
	}

	s.register(vm)
	result := &ExecuteResult{}
	err = vm.Run()
	if err != nil {
		result.Error = err.Error()
	}

	result.Exits = s.exits
	if s.exits > 0 {
		result.ExitReason = s.last.String()
	}
	var unhandled *vmm.NoActionRegisteredError
	if errors.As(err, &unhandled) {
		result.ExitReason = unhandled.Reason.String()
	}
	result.Instruction = s.diag
	result.Slots = vm.Slots()

	if regs, err := vm.Regs(); err == nil {
		result.State = regs.Map()
	}
	if n := viper.GetInt(flagDump); n > 0 {
		if mem, err := vm.Memory(0); err == nil {
			result.Dump = utils.HexDump(mem[:min(n, len(mem))], 0)
		}
	}
	if viper.GetBool(flagMetrics) {
		m := vmm.GetMetrics()
		result.Metrics = &m
	}
	return result
}
