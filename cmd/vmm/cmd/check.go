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
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blacktop/go-vmm"
)

var checkJSON bool

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print the probe result as JSON")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check KVM availability, API version and capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := vmm.Probe(vmOptions(cmd)...)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "kvm support: error: %v\n", err)
			return nil
		}
		if checkJSON {
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal probe result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
		return printHostInfo(cmd.OutOrStdout(), info)
	},
}

func printHostInfo(w io.Writer, info *vmm.HostInfo) error {
	fmt.Fprintf(w, "kvm support: %v\n", len(info.Capabilities) > 0)
	fmt.Fprintf(w, "device:      %s\n", info.DevicePath)
	fmt.Fprintf(w, "api version: %d\n", info.APIVersion)
	if len(info.Capabilities) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCAPABILITY\tVALUE")
	for _, c := range vmm.Capabilities {
		fmt.Fprintf(tw, "%s\t%d\n", c, info.Capabilities[c.String()])
	}
	return tw.Flush()
}
