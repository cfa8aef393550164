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

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/arm64hook/internal/utils"
	"github.com/blacktop/arm64hook/pkg/disass"
	"github.com/blacktop/arm64hook/pkg/hook"
	"github.com/blacktop/arm64hook/pkg/thunk"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(thunkCmd)
	thunkCmd.Flags().String("begin", "0", "Native begin invocation routine address")
	thunkCmd.Flags().String("end", "0", "Native end invocation routine address")
	thunkCmd.Flags().String("enter", "0x200", "Address of the enter thunk")
	thunkCmd.Flags().String("leave", "0x300", "Address of the leave thunk")
	thunkCmd.Flags().BoolP("dump", "d", false, "Hexdump the thunks")
	viper.BindPFlag("thunk.dump", thunkCmd.Flags().Lookup("dump"))
}

// thunkCmd represents the thunk command
var thunkCmd = &cobra.Command{
	Use:   "thunk",
	Short: "Generate the shared enter and leave thunks",
	Example: heredoc.Doc(`
		# Generate thunks calling the dispatch routines at 0x9000 and 0x9100
		❯ arm64hook thunk --begin 0x9000 --end 0x9100 --enter 0x8200 --leave 0x8300`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if conf.Thunk.BeginInvocation == 0 {
			return fmt.Errorf("you must supply --begin and --end (or set thunk.begin-invocation/thunk.end-invocation in the config)")
		}
		var layout hook.Layout
		if layout.EnterThunk, err = parseAddr(cmd, "enter"); err != nil {
			return err
		}
		if layout.LeaveThunk, err = parseAddr(cmd, "leave"); err != nil {
			return err
		}

		enter, leave, err := hook.Thunks(thunk.NewBuilder(conf.Thunk.BeginInvocation, conf.Thunk.EndInvocation), layout)
		if err != nil {
			return err
		}

		if viper.GetBool("thunk.dump") {
			fmt.Printf("%s\n%s\n", colorSection("enter_thunk"), utils.HexDump(enter, layout.EnterThunk))
			fmt.Printf("%s\n%s\n", colorSection("leave_thunk"), utils.HexDump(leave, layout.LeaveThunk))
			return nil
		}

		syms := map[uint64]string{
			layout.EnterThunk:          "enter_thunk",
			layout.LeaveThunk:          "leave_thunk",
			conf.Thunk.BeginInvocation: "begin_invocation",
			conf.Thunk.EndInvocation:   "end_invocation",
		}
		if err := disass.Disassemble(os.Stdout, &disass.Config{Data: enter, StartAddress: layout.EnterThunk, Symbols: syms}); err != nil {
			return err
		}
		fmt.Println()
		return disass.Disassemble(os.Stdout, &disass.Config{Data: leave, StartAddress: layout.LeaveThunk, Symbols: syms})
	},
}
