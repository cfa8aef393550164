package emu

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Region is memory to map and fill before a run
type Region struct {
	Addr   any    `yaml:"addr"`
	Size   any    `yaml:"size,omitempty"`
	Hex    string `yaml:"hex,omitempty"`
	Base64 string `yaml:"base64,omitempty"`
}

// Segment is a decoded Region
type Segment struct {
	Addr uint64
	Size uint64
	Data []byte
}

// State is an initial machine state read from a YAML file. Numbers may be
// written in decimal or with a 0x prefix.
type State struct {
	Registers map[string]any `yaml:"registers"`
	Memory    []Region       `yaml:"memory"`
	Start     any            `yaml:"start"`
	Stop      any            `yaml:"stop"`
}

func ParseState(name string) (*State, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("error reading state file: %v", err)
	}
	return UnmarshalState(data)
}

func UnmarshalState(data []byte) (*State, error) {
	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("error unmarshalling state file: %v", err)
	}
	return &state, nil
}

// RegisterNumber maps a register name to 0-30 (x0-x30), 31 (sp) or 32 (pc)
func RegisterNumber(name string) (int, error) {
	switch name = strings.ToLower(name); name {
	case "fp":
		return 29, nil
	case "lr":
		return 30, nil
	case "sp":
		return 31, nil
	case "pc":
		return 32, nil
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(name, "x")); err == nil && strings.HasPrefix(name, "x") && n >= 0 && n <= 30 {
		return n, nil
	}
	return -1, fmt.Errorf("unknown register %q", name)
}

// Regs returns the register values keyed by RegisterNumber
func (state *State) Regs() (map[int]uint64, error) {
	regs := make(map[int]uint64, len(state.Registers))
	for name, value := range state.Registers {
		num, err := RegisterNumber(name)
		if err != nil {
			return nil, err
		}
		v, err := cast.ToUint64E(value)
		if err != nil {
			return nil, fmt.Errorf("register %s: %v", name, err)
		}
		regs[num] = v
	}
	return regs, nil
}

// Segments decodes the memory regions
func (state *State) Segments() ([]Segment, error) {
	var segs []Segment
	for i, r := range state.Memory {
		addr, err := cast.ToUint64E(r.Addr)
		if err != nil {
			return nil, fmt.Errorf("memory[%d].addr: %v", i, err)
		}
		seg := Segment{Addr: addr}
		switch {
		case len(r.Hex) > 0:
			seg.Data, err = hex.DecodeString(strings.Join(strings.Fields(r.Hex), ""))
		case len(r.Base64) > 0:
			seg.Data, err = base64.StdEncoding.DecodeString(r.Base64)
		}
		if err != nil {
			return nil, fmt.Errorf("memory[%d] data: %v", i, err)
		}
		if r.Size != nil {
			if seg.Size, err = cast.ToUint64E(r.Size); err != nil {
				return nil, fmt.Errorf("memory[%d].size: %v", i, err)
			}
		}
		seg.Size = max(seg.Size, uint64(len(seg.Data)))
		if seg.Size == 0 {
			return nil, fmt.Errorf("memory[%d] at %#x is empty", i, addr)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Bounds returns the start and stop addresses; missing values are 0
func (state *State) Bounds() (start, stop uint64, err error) {
	if state.Start != nil {
		if start, err = cast.ToUint64E(state.Start); err != nil {
			return 0, 0, fmt.Errorf("start: %v", err)
		}
	}
	if state.Stop != nil {
		if stop, err = cast.ToUint64E(state.Stop); err != nil {
			return 0, 0, fmt.Errorf("stop: %v", err)
		}
	}
	return start, stop, nil
}

func (state *State) DumpYaml() ([]byte, error) {
	return yaml.Marshal(state)
}
