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

	"github.com/blacktop/arm64hook/internal/colors"
	"github.com/blacktop/arm64hook/internal/config"
	"github.com/blacktop/arm64hook/pkg/source"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

var colorField = colors.BoldHiCyan().SprintFunc()
var colorSection = colors.BoldHiBlue().SprintfFunc()
var colorGood = colors.Green().SprintFunc()
var colorBad = colors.Red().SprintFunc()

// addInputFlags registers the flags that select the code a command works on
func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("macho", "m", "", "MachO to read the function from")
	cmd.Flags().StringP("symbol", "s", "", "Function symbol to read (with --macho)")
	cmd.Flags().String("arch", "", "Which architecture to use for fat/universal MachO")
	cmd.Flags().StringP("file", "f", "", "Raw file to read code from")
	cmd.Flags().String("offset", "0", "File offset to read at (with --file)")
	cmd.Flags().StringP("addr", "a", "0", "Address of the first instruction")
	cmd.Flags().IntP("count", "c", 0, "Number of instructions to read")
	cmd.MarkFlagsMutuallyExclusive("macho", "file")
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("min-bytes", "n", 16, "Bytes the patch will overwrite")
	cmd.Flags().Bool("strict", true, "Refuse instructions outside the position independent allow-list")
}

func parseAddr(cmd *cobra.Command, name string) (uint64, error) {
	s, err := cmd.Flags().GetString(name)
	if err != nil {
		return 0, err
	}
	addr, err := cast.ToUint64E(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid --%s '%s'", name, s)
	}
	return addr, nil
}

// loadCode reads the code selected by the input flags or the hex argument
func loadCode(cmd *cobra.Command, args []string) (*source.Code, error) {
	machoPath, _ := cmd.Flags().GetString("macho")
	filePath, _ := cmd.Flags().GetString("file")
	count, _ := cmd.Flags().GetInt("count")

	addr, err := parseAddr(cmd, "addr")
	if err != nil {
		return nil, err
	}

	switch {
	case len(machoPath) > 0:
		symbol, _ := cmd.Flags().GetString("symbol")
		arch, _ := cmd.Flags().GetString("arch")
		if len(symbol) == 0 && addr == 0 {
			return nil, fmt.Errorf("you must supply a --symbol or --addr with --macho")
		}
		code, err := source.FromMachO(&source.MachOConfig{
			Path:    machoPath,
			Arch:    arch,
			Symbol:  symbol,
			Address: addr,
			Count:   count,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load code from %s", machoPath)
		}
		return code, nil
	case len(filePath) > 0:
		offset, err := parseAddr(cmd, "offset")
		if err != nil {
			return nil, err
		}
		code, err := source.FromFile(filePath, int64(offset), count*4, addr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load code from %s", filePath)
		}
		return code, nil
	case len(args) > 0:
		code, err := source.FromHex(args[0], addr)
		if err != nil {
			return nil, err
		}
		if count > 0 && count*4 < len(code.Data) {
			code.Data = code.Data[:count*4]
		}
		return code, nil
	}

	return nil, fmt.Errorf("no code given: supply --macho, --file or a hex string")
}

// loadConfig merges the config file with the flags given on the command line
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	conf, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Lookup("min-bytes") != nil && flags.Changed("min-bytes") {
		conf.Relocate.MinBytes, _ = flags.GetInt("min-bytes")
	}
	if flags.Lookup("strict") != nil && flags.Changed("strict") {
		conf.Relocate.Strict, _ = flags.GetBool("strict")
	}
	if flags.Lookup("near") != nil && flags.Changed("near") {
		conf.Hook.NearJump, _ = flags.GetBool("near")
	}
	if flags.Lookup("begin") != nil && flags.Changed("begin") {
		if conf.Thunk.BeginInvocation, err = parseAddr(cmd, "begin"); err != nil {
			return nil, err
		}
	}
	if flags.Lookup("end") != nil && flags.Changed("end") {
		if conf.Thunk.EndInvocation, err = parseAddr(cmd, "end"); err != nil {
			return nil, err
		}
	}
	if conf.Relocate.MinBytes <= 0 {
		return nil, fmt.Errorf("--min-bytes must be positive (got %d)", conf.Relocate.MinBytes)
	}
	if (conf.Thunk.BeginInvocation == 0) != (conf.Thunk.EndInvocation == 0) {
		return nil, fmt.Errorf("you must supply both --begin and --end (or neither)")
	}

	return conf, nil
}

func yesNo(b bool) string {
	if b {
		return colorBad("yes")
	}
	return colorGood("no")
}
