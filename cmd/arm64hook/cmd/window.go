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
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/arm64hook/pkg/disass"
	"github.com/blacktop/arm64hook/pkg/relocator"
	"github.com/blacktop/arm64hook/pkg/source"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(windowCmd)
	addInputFlags(windowCmd)
	addConfigFlags(windowCmd)
	windowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	viper.BindPFlag("window.json", windowCmd.Flags().Lookup("json"))
}

// windowCmd represents the window command
var windowCmd = &cobra.Command{
	Use:   "window [HEX]",
	Short: "Size the prologue window a patch of --min-bytes would overwrite",
	Example: heredoc.Doc(`
		# Size the window for a 16 byte patch of _open
		❯ arm64hook window --macho /usr/lib/libSystem.B.dylib --symbol _open
		# Size the window for a single B patch of raw code
		❯ arm64hook window --addr 0x1000 --min-bytes 4 "fd7bbfa9 fd030091 e0031faa fd7bc1a8 c0035fd6"`),
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		code, err := loadCode(cmd, args)
		if err != nil {
			return err
		}

		win, err := relocator.TryRelocate(code.Data, code.Address, conf.Relocate.MinBytes)
		if err != nil {
			return errors.Wrapf(err, "failed to size window for %s", code)
		}

		if viper.GetBool("window.json") {
			dat, err := json.MarshalIndent(struct {
				Name    string           `json:"name,omitempty"`
				Address uint64           `json:"address"`
				Window  relocator.Window `json:"window"`
			}{code.Name, code.Address, win}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(dat))
			return nil
		}

		fmt.Printf("%s\n", colorSection("%s", code))
		fmt.Printf("  %s  %d\n", colorField("min:"), win.Min)
		fmt.Printf("  %s  %d\n", colorField("max:"), win.Max)
		fmt.Printf("  %s %d\n", colorField("insts:"), win.Count)
		fmt.Printf("  %s %s\n", colorField("early end:"), yesNo(win.EarlyEnd))

		if viper.GetBool("verbose") {
			fmt.Println()
			n := win.Span()
			if n > len(code.Data) {
				n = len(code.Data)
			}
			return disass.Disassemble(os.Stdout, &disass.Config{
				Data:         code.Data[:n],
				StartAddress: code.Address,
				Symbols:      symbolsFor(code),
			})
		}

		return nil
	},
}

func symbolsFor(code *source.Code) map[uint64]string {
	syms := make(map[uint64]string)
	if code.Name != "" {
		syms[code.Address] = code.Name
	}
	return syms
}
