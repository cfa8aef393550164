// Package source loads the code a window is planned over: a function from a
// Mach-O, a slice of a raw file, or a hex string.
package source

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
)

// DefaultCount is the number of instructions read when no function bounds are known
const DefaultCount = 64

// ErrNotArm64 is returned for Mach-Os without an arm64 slice
var ErrNotArm64 = errors.New("not an arm64 MachO")

// Code is a run of instructions and the address its first byte lives at
type Code struct {
	Name    string
	Address uint64
	Data    []byte
}

func (c *Code) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%#x, %d bytes)", c.Name, c.Address, len(c.Data))
	}
	return fmt.Sprintf("sub_%x (%d bytes)", c.Address, len(c.Data))
}

// MachOConfig selects what to read from a Mach-O
type MachOConfig struct {
	Path    string
	Arch    string // fat slice, e.g. arm64e
	Symbol  string
	Address uint64
	Count   int // instructions; 0 reads the enclosing function
}

func openArm64(path, arch string) (*macho.File, io.Closer, error) {
	fat, err := macho.OpenFat(path)
	if err != nil && err != macho.ErrNotFat {
		return nil, nil, err
	}
	if err == macho.ErrNotFat {
		m, err := macho.Open(path)
		if err != nil {
			return nil, nil, err
		}
		if !strings.Contains(strings.ToLower(m.FileHeader.SubCPU.String(m.CPU)), "arm64") {
			m.Close()
			return nil, nil, ErrNotArm64
		}
		return m, m, nil
	}

	var options []string
	for _, a := range fat.Arches {
		sub := strings.ToLower(a.SubCPU.String(a.CPU))
		if !strings.Contains(sub, "arm64") {
			continue
		}
		options = append(options, sub)
		if len(arch) == 0 || strings.Contains(sub, strings.ToLower(arch)) {
			return a.File, fat, nil
		}
	}
	fat.Close()
	if len(options) > 0 {
		return nil, nil, fmt.Errorf("--arch '%s' not found in: %s", arch, strings.Join(options, ", "))
	}
	return nil, nil, ErrNotArm64
}

// FromMachO reads a function (or Count instructions) from a Mach-O file
func FromMachO(conf *MachOConfig) (*Code, error) {
	m, closer, err := openArm64(conf.Path, conf.Arch)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", conf.Path, err)
	}
	defer closer.Close()

	code := &Code{Name: conf.Symbol, Address: conf.Address}
	if len(conf.Symbol) > 0 {
		if code.Address, err = m.FindSymbolAddress(conf.Symbol); err != nil {
			return nil, fmt.Errorf("failed to find symbol %s: %w", conf.Symbol, err)
		}
	}

	count := conf.Count
	if count == 0 {
		if fn, err := m.GetFunctionForVMAddr(code.Address); err == nil {
			code.Address = fn.StartAddr
			code.Data = make([]byte, fn.EndAddr-fn.StartAddr)
		} else {
			log.Warnf("no function starts entry for %#x, reading %d instructions", code.Address, DefaultCount)
			count = DefaultCount
		}
	}
	if count > 0 {
		code.Data = make([]byte, count*4)
	}

	off, err := m.GetOffset(code.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to get file offset of %#x: %w", code.Address, err)
	}
	if _, err := m.ReadAt(code.Data, int64(off)); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at %#x: %w", len(code.Data), off, err)
	}

	log.WithFields(log.Fields{
		"file":    conf.Path,
		"address": fmt.Sprintf("%#x", code.Address),
		"size":    len(code.Data),
	}).Debug("loaded code from MachO")

	return code, nil
}

// FromFile reads size bytes at offset of a raw file, addressing them at addr
func FromFile(path string, offset int64, size int, addr uint64) (*Code, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if size <= 0 {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if offset > fi.Size() {
			return nil, fmt.Errorf("offset %#x beyond end of %s (%#x)", offset, path, fi.Size())
		}
		size = int(fi.Size() - offset)
	}

	data := make([]byte, size)
	if _, err := f.ReadAt(data, offset); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at %#x of %s: %w", size, offset, path, err)
	}

	return &Code{Address: addr, Data: data}, nil
}

// FromHex decodes a hex string of instruction bytes (whitespace and 0x prefixes ignored)
func FromHex(s string, addr uint64) (*Code, error) {
	s = strings.NewReplacer("0x", "", "0X", "", " ", "", "\n", "", "\t", "", ",", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex code: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no code given")
	}
	return &Code{Address: addr, Data: data}, nil
}
