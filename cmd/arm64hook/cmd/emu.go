//go:build unicorn

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

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/arm64hook/pkg/emu"
	"github.com/blacktop/arm64hook/pkg/hook"
	"github.com/blacktop/arm64hook/pkg/source"
	"github.com/blacktop/arm64hook/pkg/thunk"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(emuCmd)
	addInputFlags(emuCmd)
	emuCmd.Flags().Bool("strict", true, "Refuse instructions outside the position independent allow-list")
	emuCmd.Flags().Bool("near", false, "Patch with a single B when the enter trampoline is in range")
	emuCmd.Flags().String("state", "", "YAML file with the initial registers and memory")
	emuCmd.Flags().Bool("trace", false, "Disassemble every executed instruction")
	emuCmd.Flags().Bool("hook", false, "Hook the function with logging pre/post callbacks before running it")
	emuCmd.Flags().String("base", "0x10000000", "Address of the region the hook is placed in (with --hook)")
	emuCmd.Flags().String("stop", "0xdead0000", "Return address the run stops at")

	viper.BindPFlag("emu.state", emuCmd.Flags().Lookup("state"))
	viper.BindPFlag("emu.trace", emuCmd.Flags().Lookup("trace"))
	viper.BindPFlag("emu.hook", emuCmd.Flags().Lookup("hook"))
}

// hookFunc installs a hook on code whose pre and post callbacks log the snapshot
func hookFunc(mu *emu.Emulation, code *source.Code, base uint64, opts ...hook.Option) (*hook.Installation, error) {
	layout := hook.NewLayout(base)
	begin := base + hook.LayoutSize
	end := begin + 0x10
	pre := begin + 0x20
	post := begin + 0x30

	if err := mu.Map(base, hook.LayoutSize+0x40); err != nil {
		return nil, err
	}

	d := thunk.NewDispatcher()
	d.Register(pre, func(snap *thunk.Snapshot, entry *thunk.Entry) {
		log.WithField("target", fmt.Sprintf("%#x", entry.Target)).Infof("pre-call  %s", snap)
	})
	d.Register(post, func(snap *thunk.Snapshot, entry *thunk.Entry) {
		log.WithField("target", fmt.Sprintf("%#x", entry.Target)).Infof("post-call %s", snap)
	})
	if err := mu.BindDispatcher(d, begin, end); err != nil {
		return nil, err
	}

	enter, leave, err := hook.Thunks(thunk.NewBuilder(begin, end), layout)
	if err != nil {
		return nil, err
	}
	if err := mu.Write(layout.EnterThunk, enter); err != nil {
		return nil, err
	}
	if err := mu.Write(layout.LeaveThunk, leave); err != nil {
		return nil, err
	}

	opts = append(opts, hook.WithPreCall(pre), hook.WithPostCall(post))
	inst, err := hook.Plan(hook.Target{Address: code.Address, Code: code.Data}, layout, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to plan hook for %s", code)
	}
	if err := inst.WriteTo(mu); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"target": fmt.Sprintf("%#x", inst.Target),
		"window": inst.Window.Max,
	}).Info("Installed hook")

	return inst, nil
}

// emuCmd represents the emu command
var emuCmd = &cobra.Command{
	Use:   "emu [HEX]",
	Short: "Run code under unicorn, optionally hooked",
	Example: heredoc.Doc(`
		# Run code with x0 set from a state file
		❯ arm64hook emu --state state.yaml --trace
		# Hook a function and run it, logging the pre/post call snapshots
		❯ arm64hook emu --addr 0x40000 --hook "fd7bbfa9 fd030091 00040091 00080091 fd7bc1a8 c0035fd6"`),
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		stop, err := parseAddr(cmd, "stop")
		if err != nil {
			return err
		}
		base, err := parseAddr(cmd, "base")
		if err != nil {
			return err
		}

		mu, err := emu.NewEmulation(&emu.Config{
			Verbose: viper.GetBool("verbose"),
			Trace:   viper.GetBool("emu.trace"),
		})
		if err != nil {
			return errors.Wrap(err, "failed to create emulation")
		}
		defer mu.Close()

		if err := mu.InitStack(); err != nil {
			return err
		}

		var code *source.Code
		start := uint64(0)
		if statePath := viper.GetString("emu.state"); len(statePath) > 0 {
			state, err := emu.ParseState(statePath)
			if err != nil {
				return err
			}
			if err := mu.SetState(state); err != nil {
				return errors.Wrapf(err, "failed to load state %s", statePath)
			}
			var end uint64
			if start, end, err = state.Bounds(); err != nil {
				return err
			}
			if end != 0 {
				stop = end
			}
		}
		if len(args) > 0 || cmd.Flags().Changed("macho") || cmd.Flags().Changed("file") {
			if code, err = loadCode(cmd, args); err != nil {
				return err
			}
			if err := mu.MapBytes(code.Address, code.Data); err != nil {
				return err
			}
			if start == 0 {
				start = code.Address
			}
		}
		if start == 0 {
			return fmt.Errorf("nothing to run: supply code or a state file with a start address")
		}
		if err := mu.Map(stop, 4); err != nil {
			return err
		}

		if viper.GetBool("emu.hook") {
			if code == nil {
				dat, err := mu.Read(start, source.DefaultCount*4)
				if err != nil {
					return err
				}
				code = &source.Code{Address: start, Data: dat}
			}
			opts := []hook.Option{hook.WithStrict(conf.Relocate.Strict)}
			if conf.Hook.NearJump {
				opts = append(opts, hook.WithNearJump())
			}
			inst, err := hookFunc(mu, code, base, opts...)
			if err != nil {
				return err
			}
			defer inst.Restore(mu)
		}

		if err := mu.Call(start, stop); err != nil {
			return errors.Wrapf(err, "emulation of %#x failed", start)
		}

		if err := mu.GetState(); err != nil {
			return err
		}
		fmt.Println(mu.Registers())

		return nil
	},
}
