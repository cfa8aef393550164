package colors

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	tests := []struct {
		name  string
		start bool
		force *bool
		want  bool
	}{
		{"force on", true, boolPtr(true), true},
		{"force off", false, boolPtr(false), false},
		{"keep enabled", false, nil, true},
		{"keep disabled", true, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			color.NoColor = tt.start
			Init(tt.force)
			if Enabled() != tt.want {
				t.Errorf("Enabled() = %v, want %v", Enabled(), tt.want)
			}
		})
	}
}

func TestPalette(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	for _, c := range []*color.Color{
		Bold(), HiYellow(), Green(), Red(), BoldHiBlue(), BoldHiCyan(), BoldMagenta(),
		FaintWhite(), FaintHiBlue(), FaintHiWhite(), ItalicFaint(), ItalicBoldHiYellow(),
	} {
		color.NoColor = false
		if got := c.Sprint("x"); !strings.Contains(got, "\x1b[") {
			t.Errorf("expected ANSI codes when enabled, got %q", got)
		}
		color.NoColor = true
		if got := c.Sprint("x"); got != "x" {
			t.Errorf("expected plain output when disabled, got %q", got)
		}
	}
}

func boolPtr(b bool) *bool { return &b }
