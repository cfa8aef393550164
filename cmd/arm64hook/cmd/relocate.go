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
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/arm64hook/internal/utils"
	"github.com/blacktop/arm64hook/pkg/arm64"
	"github.com/blacktop/arm64hook/pkg/disass"
	"github.com/blacktop/arm64hook/pkg/relocator"
	"github.com/blacktop/arm64hook/pkg/thunk"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(relocateCmd)
	addInputFlags(relocateCmd)
	addConfigFlags(relocateCmd)
	relocateCmd.Flags().String("to", "", "Address the relocated copy will run at")
	relocateCmd.Flags().Bool("all", false, "Relocate all of the input instead of the patch window")
	relocateCmd.Flags().Bool("no-jump", false, "Do NOT append a jump back to the rest of the function")
	relocateCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	relocateCmd.Flags().BoolP("dump", "d", false, "Hexdump the relocated bytes")
	relocateCmd.MarkFlagRequired("to")

	viper.BindPFlag("reloc.all", relocateCmd.Flags().Lookup("all"))
	viper.BindPFlag("reloc.no-jump", relocateCmd.Flags().Lookup("no-jump"))
	viper.BindPFlag("reloc.json", relocateCmd.Flags().Lookup("json"))
	viper.BindPFlag("reloc.dump", relocateCmd.Flags().Lookup("dump"))
}

type relocation struct {
	Name     string                       `json:"name,omitempty"`
	Source   uint64                       `json:"source"`
	Dest     uint64                       `json:"dest"`
	Window   relocator.Window             `json:"window"`
	Code     []byte                       `json:"code"`
	Literals []relocator.LiteralReference `json:"literals,omitempty"`
	Mappings []relocator.AddressMapping   `json:"mappings,omitempty"`
}

// relocateCmd represents the relocate command
var relocateCmd = &cobra.Command{
	Use:   "relocate [HEX]",
	Short: "Copy a function prologue to a new address",
	Example: heredoc.Doc(`
		# Relocate the first 16 bytes of _open to 0x100000000
		❯ arm64hook relocate --macho /usr/lib/libSystem.B.dylib --symbol _open --to 0x100000000
		# Relocate raw code and show the literal slots as JSON
		❯ arm64hook relocate --addr 0x1000 --to 0x8000 --all --json "20000054 1f2003d5"`),
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dest, err := parseAddr(cmd, "to")
		if err != nil {
			return err
		}
		code, err := loadCode(cmd, args)
		if err != nil {
			return err
		}

		win := relocator.Window{
			Min:   len(code.Data),
			Max:   len(code.Data) &^ (arm64.InstSize - 1),
			Count: len(code.Data) / arm64.InstSize,
		}
		if !viper.GetBool("reloc.all") {
			if win, err = relocator.TryRelocate(code.Data, code.Address, conf.Relocate.MinBytes); err != nil {
				return errors.Wrapf(err, "failed to size window for %s", code)
			}
		}

		r := relocator.New(
			arm64.NewReader(code.Address, code.Data[:win.Span()]),
			arm64.NewWriter(dest),
			relocator.WithStrict(conf.Relocate.Strict),
		)
		plan, err := r.Plan()
		if err != nil {
			return errors.Wrapf(err, "failed to relocate %s", code)
		}
		out, err := plan.Materialize(dest)
		if err != nil {
			return errors.Wrapf(err, "failed to materialize at %#x", dest)
		}
		w := arm64.NewWriter(dest)
		w.PutBytes(out)
		if !viper.GetBool("reloc.no-jump") && !win.EarlyEnd {
			if err := thunk.BuildJump(w, code.Address+uint64(win.Span())); err != nil {
				return err
			}
		}

		log.WithFields(log.Fields{
			"source": fmt.Sprintf("%#x", code.Address),
			"dest":   fmt.Sprintf("%#x", dest),
			"in":     humanize.Bytes(uint64(win.Span())),
			"out":    humanize.Bytes(uint64(w.Len())),
		}).Info("Relocated")

		if viper.GetBool("reloc.json") {
			dat, err := json.MarshalIndent(&relocation{
				Name:     code.Name,
				Source:   code.Address,
				Dest:     dest,
				Window:   win,
				Code:     w.Bytes(),
				Literals: plan.Literals,
				Mappings: plan.Mappings,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(dat))
			return nil
		}

		if viper.GetBool("reloc.dump") {
			fmt.Println(utils.HexDump(w.Bytes(), dest))
			return nil
		}

		syms := symbolsFor(code)
		cont := code.Address + uint64(win.Span())
		syms[cont] = fmt.Sprintf("sub_%x+%#x", code.Address, win.Span())
		if code.Name != "" {
			syms[cont] = fmt.Sprintf("%s+%#x", code.Name, win.Span())
		}
		if err := disass.Disassemble(os.Stdout, &disass.Config{
			Data:         w.Bytes(),
			StartAddress: dest,
			Symbols:      syms,
		}); err != nil {
			return err
		}

		if len(plan.Literals) > 0 {
			fmt.Printf("\n%s\n", colorSection("Literals"))
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "  SLOT\tKIND\tTARGET\tSTORED")
			for _, lit := range plan.Literals {
				stored := lit.Target
				if lit.Kind == relocator.LiteralCode {
					if addr, ok := plan.OutputAddress(dest, lit.Target); ok {
						stored = addr
					}
				}
				fmt.Fprintf(tw, "  %#x\t%s\t%#x\t%#x\n", dest+uint64(lit.Offset), lit.Kind, lit.Target, stored)
			}
			tw.Flush()
		}

		if viper.GetBool("verbose") {
			fmt.Printf("\n%s\n", colorSection("Mappings"))
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "  INPUT\tOUTPUT")
			for _, m := range plan.Mappings {
				fmt.Fprintf(tw, "  %#x\t%#x\n", m.InputAddress, dest+uint64(m.OutputOffset))
			}
			tw.Flush()
		}

		return nil
	},
}
