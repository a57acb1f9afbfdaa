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
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/go-vmm"
)

const (
	flagDevice     = "device"
	flagLogLevel   = "log-level"
	flagLogFormat  = "log-format"
	flagMaxExits   = "max-exits"
	flagSerialPort = "serial-port"
	flagDump       = "dump"
	flagMetrics    = "metrics"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:               "vmm",
	Short:             "Run flat x86 guest images on Linux KVM",
	Long:              "vmm loads a flat binary at guest physical address 0 and runs it on a single KVM vCPU in real mode.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	level, err := logrus.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", flagLogLevel, err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	switch format := viper.GetString(flagLogFormat); format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid %s %q (text, json)", flagLogFormat, format)
	}
	return nil
}

// vmOptions returns the library options selected by flags and environment.
func vmOptions(cmd *cobra.Command) []vmm.Option {
	return []vmm.Option{
		vmm.WithDevicePath(viper.GetString(flagDevice)),
		vmm.WithLogger(log.WithField("command", cmd.Name())),
	}
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("vmm")

	pf := rootCmd.PersistentFlags()
	pf.String(flagDevice, vmm.DefaultDevicePath, "KVM device node")
	pf.String(flagLogLevel, "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	pf.String(flagLogFormat, "text", "log format (text, json)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}
