// Package disass renders generated and relocated code as an annotated listing.
package disass

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/arm64hook/pkg/arm64"
	"golang.org/x/arch/arm64/arm64asm"
)

type Config struct {
	Data         []byte
	StartAddress uint64
	// Symbols names addresses referenced by branches, literals and slots
	Symbols map[uint64]string
	AsJSON  bool
	Quiet   bool
}

// FindSymbol returns the name registered for addr
func (c *Config) FindSymbol(addr uint64) (string, bool) {
	name, ok := c.Symbols[addr]
	return name, ok
}

// Line is one row of a listing: either a decoded instruction or a data slot
type Line struct {
	Address  uint64 `json:"address"`
	Raw      []byte `json:"raw"`
	Mnemonic string `json:"mnemonic"`
	Operands string `json:"operands,omitempty"`
	Target   uint64 `json:"target,omitempty"`
	Data     bool   `json:"data,omitempty"`
	Location bool   `json:"location,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

func (l Line) String() string {
	s := fmt.Sprintf("%#08x:  %s\t%s", l.Address, l.Mnemonic, l.Operands)
	if l.Comment != "" {
		s += " ; " + l.Comment
	}
	return s
}

// Text returns the listing of conf.Data without colors or opcode bytes
func Text(conf *Config) string {
	var sb strings.Builder
	for _, line := range Lines(conf) {
		sb.WriteString(line.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// dataSlots returns the literal pools inside the listing keyed by offset, sized
// by the load that reads them
func dataSlots(data []byte, start uint64) map[int]int {
	slots := make(map[int]int)
	r := arm64.NewReader(start, data)
	for {
		inst, err := r.ReadInst()
		if err != nil {
			break
		}
		if inst.Kind() != arm64.LoadLiteral || inst.LoadWidth() == arm64.LoadPrefetch {
			continue
		}
		target, _ := inst.Target()
		size := int(inst.LoadWidth().Scale())
		if target >= start && target+uint64(size) <= start+uint64(len(data)) {
			slots[int(target-start)] = size
		}
	}
	return slots
}

// branchTargets returns the in-listing destinations of direct branches
func branchTargets(data []byte, start uint64, slots map[int]int) map[uint64]bool {
	locs := make(map[uint64]bool)
	for off := 0; off+arm64.InstSize <= len(data); {
		if size, ok := slots[off]; ok {
			off += size
			continue
		}
		raw := binary.LittleEndian.Uint32(data[off:])
		addr := start + uint64(off)
		off += arm64.InstSize
		inst := arm64.InstructionContext{Raw: raw, Address: addr}
		switch inst.Kind() {
		case arm64.Branch, arm64.BranchConditional, arm64.CompareBranch, arm64.TestBranch:
			if target, ok := inst.Target(); ok && target >= start && target < start+uint64(len(data)) {
				locs[target] = true
			}
		}
	}
	return locs
}

// Lines decodes conf.Data into listing rows
func Lines(conf *Config) []Line {
	var lines []Line

	slots := dataSlots(conf.Data, conf.StartAddress)
	locs := branchTargets(conf.Data, conf.StartAddress, slots)

	for off := 0; off+arm64.InstSize <= len(conf.Data); {
		addr := conf.StartAddress + uint64(off)

		if size, ok := slots[off]; ok {
			for i := 0; i < size; i += 8 {
				n := min(8, size-i)
				raw := conf.Data[off+i : off+i+n]
				line := Line{Address: addr + uint64(i), Raw: raw, Data: true}
				if n == 8 {
					line.Mnemonic = ".quad"
					line.Target = binary.LittleEndian.Uint64(raw)
				} else {
					line.Mnemonic = ".long"
					line.Target = uint64(binary.LittleEndian.Uint32(raw))
				}
				line.Operands = fmt.Sprintf("%#x", line.Target)
				if name, ok := conf.FindSymbol(line.Target); ok {
					line.Comment = name
				}
				lines = append(lines, line)
			}
			off += size
			continue
		}

		raw := conf.Data[off : off+arm64.InstSize]
		lines = append(lines, decode(conf, addr, raw, locs[addr]))
		off += arm64.InstSize
	}

	return lines
}

func inside(conf *Config, addr uint64) bool {
	return addr >= conf.StartAddress && addr < conf.StartAddress+uint64(len(conf.Data))
}

func decode(conf *Config, addr uint64, raw []byte, location bool) Line {
	line := Line{Address: addr, Raw: raw, Location: location}
	value := binary.LittleEndian.Uint32(raw)

	inst, err := arm64asm.Decode(raw)
	if err != nil {
		line.Mnemonic = ".long"
		line.Operands = fmt.Sprintf("%#x", value)
		line.Comment = err.Error()
		return line
	}

	ctx := arm64.InstructionContext{Raw: value, Address: addr}
	target, hasTarget := ctx.Target()
	if hasTarget {
		line.Target = target
	}

	var args []string
	for i, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case arm64asm.Cond:
			if inst.Op == arm64asm.B && i == 0 {
				continue
			}
			args = append(args, strings.ToLower(a.String()))
		case arm64asm.PCRel:
			if name, ok := conf.FindSymbol(target); ok {
				line.Comment = name
				args = append(args, fmt.Sprintf("%#x", target))
			} else if inside(conf, target) && ctx.Kind() != arm64.LoadLiteral {
				args = append(args, fmt.Sprintf("loc_%x", target))
			} else {
				args = append(args, fmt.Sprintf("%#x", target))
			}
		default:
			args = append(args, strings.ToLower(arg.String()))
		}
	}

	line.Mnemonic = strings.ToLower(inst.Op.String())
	if inst.Op == arm64asm.B {
		if c, ok := inst.Args[0].(arm64asm.Cond); ok {
			line.Mnemonic = "b." + strings.ToLower(c.String())
		}
	}
	if inst.Op == arm64asm.RET {
		if r, ok := inst.Args[0].(arm64asm.Reg); ok && r == arm64asm.X30 {
			args = nil
		}
	}
	line.Operands = strings.Join(args, ", ")

	return line
}

func opcodeBytes(raw []byte) string {
	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, " ")
}

// Disassemble writes the listing of conf.Data to w
func Disassemble(w io.Writer, conf *Config) error {
	lines := Lines(conf)

	if conf.AsJSON {
		dat, err := json.MarshalIndent(lines, "", "   ")
		if err != nil {
			return fmt.Errorf("failed to marshal listing: %w", err)
		}
		_, err = fmt.Fprintln(w, string(dat))
		return err
	}

	if name, ok := conf.FindSymbol(conf.StartAddress); ok {
		fmt.Fprintf(w, "%s:\n", name)
	} else {
		fmt.Fprintf(w, "sub_%x:\n", conf.StartAddress)
	}

	for _, line := range lines {
		if line.Location && !conf.Quiet {
			fmt.Fprintf(w, "%s  ; loc_%x\n", colorAddr("%#08x:", line.Address), line.Address)
		}
		op := colorOp("%s", line.Mnemonic)
		if line.Data {
			op = colorData(line.Mnemonic)
		}
		row := fmt.Sprintf("%s  %s\t%s\t%s", colorAddr("%#08x:", line.Address), colorOpCodes(opcodeBytes(line.Raw)), op, ColorOperands(line.Operands))
		if line.Comment != "" && !conf.Quiet {
			row += colorComment(" ; " + line.Comment)
		}
		if _, err := fmt.Fprintln(w, row); err != nil {
			return err
		}
	}

	log.WithField("lines", len(lines)).Debug("disassembled")

	return nil
}
