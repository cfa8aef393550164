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
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/aymanbagabas/go-udiff"
	"github.com/blacktop/arm64hook/internal/colors"
	"github.com/blacktop/arm64hook/internal/config"
	"github.com/blacktop/arm64hook/pkg/disass"
	"github.com/blacktop/arm64hook/pkg/hook"
	"github.com/blacktop/arm64hook/pkg/source"
	"github.com/blacktop/arm64hook/pkg/thunk"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(planCmd)
	addInputFlags(planCmd)
	planCmd.Flags().Bool("strict", true, "Refuse instructions outside the position independent allow-list")
	planCmd.Flags().String("base", "", "Address of the region the trampolines, entry and thunks are placed in")
	planCmd.Flags().String("pre", "0", "Pre-call callback address")
	planCmd.Flags().String("post", "0", "Post-call callback address")
	planCmd.Flags().String("replace", "0", "Replacement function address")
	planCmd.Flags().Bool("near", false, "Patch with a single B when the enter trampoline is in range")
	planCmd.Flags().String("begin", "0", "Native begin invocation routine address")
	planCmd.Flags().String("end", "0", "Native end invocation routine address")
	planCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	planCmd.Flags().Bool("diff", false, "Diff the original prologue against the patched one")
	planCmd.MarkFlagRequired("base")

	viper.BindPFlag("plan.json", planCmd.Flags().Lookup("json"))
	viper.BindPFlag("plan.diff", planCmd.Flags().Lookup("diff"))
}

// patchDiff is the unified diff of the prologue listing before and after the patch
func patchDiff(inst *hook.Installation, syms map[uint64]string) string {
	before := disass.Text(&disass.Config{Data: inst.Original, StartAddress: inst.Target, Symbols: syms})
	after := disass.Text(&disass.Config{Data: inst.Patch, StartAddress: inst.Target, Symbols: syms})
	return udiff.Unified("original", "patched", before, after)
}

type hookPlan struct {
	*hook.Installation
	EnterThunk []byte `json:"enter_thunk,omitempty"`
	LeaveThunk []byte `json:"leave_thunk,omitempty"`
}

func planHook(cmd *cobra.Command, conf *config.Config, code *source.Code) (*hook.Installation, error) {
	base, err := parseAddr(cmd, "base")
	if err != nil {
		return nil, err
	}
	opts := []hook.Option{hook.WithStrict(conf.Relocate.Strict)}
	if conf.Hook.NearJump {
		opts = append(opts, hook.WithNearJump())
	}
	for _, cb := range []struct {
		flag string
		opt  func(uint64) hook.Option
	}{
		{"pre", hook.WithPreCall},
		{"post", hook.WithPostCall},
		{"replace", hook.WithReplacement},
	} {
		addr, err := parseAddr(cmd, cb.flag)
		if err != nil {
			return nil, err
		}
		if addr != 0 {
			opts = append(opts, cb.opt(addr))
		}
	}

	inst, err := hook.Plan(hook.Target{Address: code.Address, Code: code.Data}, hook.NewLayout(base), opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to plan hook for %s", code)
	}
	return inst, nil
}

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan [HEX]",
	Short: "Plan an inline hook: patch, trampolines, entry and thunks",
	Example: heredoc.Doc(`
		# Plan a hook of _open with a pre-call callback, placing everything at 0x200000000
		❯ arm64hook plan --macho /usr/lib/libSystem.B.dylib --symbol _open --base 0x200000000 --pre 0x300000000
		# Show what the patch overwrites
		❯ arm64hook plan --macho /usr/lib/libSystem.B.dylib --symbol _open --base 0x200000000 --diff
		# Include the shared thunks for the given dispatch routines
		❯ arm64hook plan --addr 0x1000 --base 0x8000 --begin 0x9000 --end 0x9100 "fd7bbfa9 fd030091 e0031faa fd7bc1a8 c0035fd6"`),
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
		inst, err := planHook(cmd, conf, code)
		if err != nil {
			return err
		}

		out := &hookPlan{Installation: inst}
		if conf.Thunk.BeginInvocation != 0 {
			b := thunk.NewBuilder(conf.Thunk.BeginInvocation, conf.Thunk.EndInvocation)
			if out.EnterThunk, out.LeaveThunk, err = hook.Thunks(b, inst.Layout); err != nil {
				return err
			}
		} else {
			log.Warn("no --begin/--end dispatch routines given, skipping the shared thunks")
		}

		if viper.GetBool("plan.json") {
			dat, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(dat))
			return nil
		}

		l := inst.Layout
		syms := symbolsFor(code)
		syms[l.Trampoline] = "on_invoke_trampoline"
		syms[l.EnterTrampoline] = "on_enter_trampoline"
		syms[l.LeaveTrampoline] = "on_leave_trampoline"
		syms[l.Entry] = "hook_entry"
		syms[l.EnterThunk] = "enter_thunk"
		syms[l.LeaveThunk] = "leave_thunk"
		syms[inst.Target+uint64(inst.Window.Max)] = fmt.Sprintf("sub_%x+%#x", inst.Target, inst.Window.Max)
		if conf.Thunk.BeginInvocation != 0 {
			syms[conf.Thunk.BeginInvocation] = "begin_invocation"
			syms[conf.Thunk.EndInvocation] = "end_invocation"
		}

		if viper.GetBool("plan.diff") {
			diff := patchDiff(inst, syms)
			if colors.Enabled() {
				return quick.Highlight(os.Stdout, diff, "diff", "terminal256", "nord")
			}
			fmt.Print(diff)
			return nil
		}

		fmt.Printf("%s %s\n\n", colorSection("Window"), inst.Window)
		for _, blob := range []struct {
			addr uint64
			data []byte
		}{
			{inst.Target, inst.Patch},
			{l.Trampoline, inst.Trampoline},
			{l.EnterTrampoline, inst.EnterTrampoline},
			{l.LeaveTrampoline, inst.LeaveTrampoline},
			{l.EnterThunk, out.EnterThunk},
			{l.LeaveThunk, out.LeaveThunk},
		} {
			if len(blob.data) == 0 {
				continue
			}
			if err := disass.Disassemble(os.Stdout, &disass.Config{
				Data:         blob.data,
				StartAddress: blob.addr,
				Symbols:      syms,
				Quiet:        blob.addr == l.EnterThunk || blob.addr == l.LeaveThunk,
			}); err != nil {
				return err
			}
			fmt.Println()
		}

		fmt.Printf("%s %#x\n", colorSection("Entry"), l.Entry)
		e := inst.Entry
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, f := range []struct {
			name string
			val  uint64
		}{
			{"target", e.Target},
			{"patched", e.Patched},
			{"on_invoke_trampoline", e.OnInvokeTrampoline},
			{"replace_call", e.ReplaceCall},
			{"pre_call", e.PreCall},
			{"post_call", e.PostCall},
			{"on_enter_trampoline", e.OnEnterTrampoline},
			{"on_leave_trampoline", e.OnLeaveTrampoline},
		} {
			fmt.Fprintf(tw, "  %s\t%#x\n", colorField(f.name+":"), f.val)
		}
		return tw.Flush()
	},
}
