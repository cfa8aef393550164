package emu

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestPstate(t *testing.T) {
	tests := []struct {
		value uint32
		want  string
	}{
		{0, "[EL0t]"},
		{0x60000000, "[Z C EL0t]"},
		{0x800003c5, "[N D A I F EL1h]"},
	}
	for _, tt := range tests {
		if got := pstate(tt.value).String(); got != tt.want {
			t.Errorf("pstate(%#x) = %s, want %s", tt.value, got, tt.want)
		}
	}
}

func TestRegisters(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true

	r := Registers{0: 0x10, 17: 0xdead, 29: 0x7000, 30: 0x1234, RegSP: 0x8000, RegPC: 0x4000}
	out := r.String()
	for _, want := range []string{"x0: 0x10 ", "x17: 0xdead ", "fp: 0x7000", "lr: 0x1234", "pc: 0x4000", "sp: 0x8000"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q:\n%s", want, out)
		}
	}

	prev := Registers{0: 0x10, 17: 0xbeef}
	if got := r.Changed(prev); got != "    x17: 0xdead, fp: 0x7000, lr: 0x1234, sp: 0x8000" {
		t.Errorf("Changed() = %q", got)
	}
	if got := r.Changed(prev); got != "" {
		t.Errorf("second Changed() = %q, want empty", got)
	}
}
