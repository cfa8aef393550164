package emu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blacktop/go-macho/types"
)

// register numbers beyond the GPRs
const (
	RegSP     = 31
	RegPC     = 32
	RegPSTATE = 33
)

// Registers holds register values keyed by RegisterNumber (plus RegPSTATE)
type Registers map[int]uint64

func regName(num int) string {
	switch num {
	case 29:
		return "fp"
	case 30:
		return "lr"
	case RegSP:
		return "sp"
	case RegPC:
		return "pc"
	case RegPSTATE:
		return "cpsr"
	}
	return fmt.Sprintf("x%d", num)
}

func (r Registers) String() string {
	var s strings.Builder
	s.WriteString(colorHook("[REGISTERS]\n"))
	for i := 0; i < 29; i += 4 {
		var row []string
		for j := i; j < min(i+4, 29); j++ {
			row = append(row, fmt.Sprintf("%3s: %#-18x", regName(j), r[j]))
		}
		s.WriteString("    " + strings.Join(row, " ") + "\n")
	}
	fmt.Fprintf(&s, "     fp: %#-18x  lr: %#-18x\n", r[29], r[30])
	fmt.Fprintf(&s, "     pc: %#-18x  sp: %#-18x cpsr: 0x%08x %s", r[RegPC], r[RegSP], r[RegPSTATE], pstate(r[RegPSTATE]))
	return s.String()
}

// Changed lists the registers whose value differs from prev, updating prev
func (r Registers) Changed(prev Registers) string {
	var nums []int
	for num, v := range r {
		if num == RegPC {
			continue
		}
		if old, ok := prev[num]; !ok || old != v {
			nums = append(nums, num)
		}
	}
	sort.Ints(nums)
	var out []string
	for _, num := range nums {
		out = append(out, fmt.Sprintf("%s: %#x", regName(num), r[num]))
		prev[num] = r[num]
	}
	if len(out) == 0 {
		return ""
	}
	return colorChanged("    %s", strings.Join(out, ", "))
}

type pstate uint32

// NZCV
func (p pstate) N() bool {
	return types.ExtractBits(uint64(p), 31, 1) != 0
}
func (p pstate) Z() bool {
	return types.ExtractBits(uint64(p), 30, 1) != 0
}
func (p pstate) C() bool {
	return types.ExtractBits(uint64(p), 29, 1) != 0
}
func (p pstate) V() bool {
	return types.ExtractBits(uint64(p), 28, 1) != 0
}

// DAIF
func (p pstate) D() bool {
	return types.ExtractBits(uint64(p), 9, 1) != 0
}
func (p pstate) A() bool {
	return types.ExtractBits(uint64(p), 8, 1) != 0
}
func (p pstate) I() bool {
	return types.ExtractBits(uint64(p), 7, 1) != 0
}
func (p pstate) F() bool {
	return types.ExtractBits(uint64(p), 6, 1) != 0
}

// EL returns the exception level and whether SP_ELx is selected
func (p pstate) EL() (uint64, bool) {
	return types.ExtractBits(uint64(p), 2, 2), types.ExtractBits(uint64(p), 0, 1) != 0
}

func (p pstate) String() string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{p.N(), "N"}, {p.Z(), "Z"}, {p.C(), "C"}, {p.V(), "V"},
		{p.D(), "D"}, {p.A(), "A"}, {p.I(), "I"}, {p.F(), "F"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	el, h := p.EL()
	mode := fmt.Sprintf("EL%dt", el)
	if h {
		mode = fmt.Sprintf("EL%dh", el)
	}
	flags = append(flags, mode)
	return "[" + strings.Join(flags, " ") + "]"
}
