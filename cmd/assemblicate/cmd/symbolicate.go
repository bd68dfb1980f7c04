/*
Copyright © 2024-2026 blacktop

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
	"context"
	"errors"
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/assemblicate/internal/colors"
	symcmd "github.com/blacktop/assemblicate/internal/commands/symbolicate"
	"github.com/blacktop/assemblicate/internal/config"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(symbolicateCmd)

	symbolicateCmd.Flags().String("apps", "apps", "Folder holding app bundles and first-party executables")
	symbolicateCmd.Flags().String("dylibs", "dylibs", "Folder holding shared libraries")
	symbolicateCmd.Flags().StringP("output", "o", "assemblicated", "Folder to write the report to ('-' for stdout)")
	symbolicateCmd.Flags().StringP("backend", "b", config.BackendR2, "Analysis backend (r2, macho)")
	symbolicateCmd.Flags().String("arch", "", "Slice of universal binaries to analyze (macho backend)")
	symbolicateCmd.Flags().StringSlice("filtered", nil, "Images that are never disassembled")
	symbolicateCmd.Flags().String("r2", "r2", "Path to the radare2 executable")
	symbolicateCmd.Flags().DurationP("timeout", "t", 0, "Timeout for each backend call (0 waits forever)")
	symbolicateCmd.Flags().Int("max-sessions", 0, "Maximum analyzed binaries kept open (0 keeps all)")
	symbolicateCmd.Flags().String("theme", "nord", "Color theme for disassembly on stdout")
	symbolicateCmd.Flags().Bool("no-progress", false, "Do NOT show analysis progress")
	viper.BindPFlag("apps", symbolicateCmd.Flags().Lookup("apps"))
	viper.BindPFlag("dylibs", symbolicateCmd.Flags().Lookup("dylibs"))
	viper.BindPFlag("output", symbolicateCmd.Flags().Lookup("output"))
	viper.BindPFlag("backend", symbolicateCmd.Flags().Lookup("backend"))
	viper.BindPFlag("arch", symbolicateCmd.Flags().Lookup("arch"))
	viper.BindPFlag("filtered", symbolicateCmd.Flags().Lookup("filtered"))
	viper.BindPFlag("r2.path", symbolicateCmd.Flags().Lookup("r2"))
	viper.BindPFlag("r2.timeout", symbolicateCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("max-sessions", symbolicateCmd.Flags().Lookup("max-sessions"))
	viper.BindPFlag("symbolicate.theme", symbolicateCmd.Flags().Lookup("theme"))
	viper.BindPFlag("symbolicate.no-progress", symbolicateCmd.Flags().Lookup("no-progress"))
}

// symbolicateCmd represents the symbolicate command
var symbolicateCmd = &cobra.Command{
	Use:     "symbolicate <IPS>",
	Aliases: []string{"sym"},
	Short:   "Annotate the crashing backtrace of an .ips crash report with disassembly",
	Example: heredoc.Doc(`
		# Symbolicate a crash report with radare2 (writes assemblicated/<report name>)
		❯ assemblicate symbolicate Demo-2024-03-01-101112.ips
		# Use binaries from custom folders and print the report
		❯ assemblicate symbolicate --apps ~/apps --dylibs ~/21D61/dylibs -o - Demo.ips
		# Use the built-in Mach-O disassembler instead of radare2
		❯ assemblicate symbolicate --backend macho Demo.ips
		# Give up on a binary's frame if radare2 takes longer than 2 minutes to answer
		❯ assemblicate symbolicate --timeout 2m Demo.ips`),
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			return symcmd.Run(ctx, args[0], &symcmd.Config{
				Settings: conf,
				Color:    colors.Enabled(),
				Theme:    viper.GetString("symbolicate.theme"),
				Progress: !viper.GetBool("symbolicate.no-progress") && !viper.GetBool("verbose"),
			})
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				cancel()
				return nil
			}
			return fmt.Errorf("failed to symbolicate %s: %w", args[0], err)
		}

		return nil
	},
}
