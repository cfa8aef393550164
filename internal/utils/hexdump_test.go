package utils

import (
	"testing"

	"github.com/fatih/color"
)

func TestHexDump(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true

	tests := []struct {
		name  string
		data  []byte
		vaddr uint64
		want  string
	}{
		{"empty", nil, 0, ""},
		{
			"partial line",
			[]byte{0x1f, 0x20, 0x03, 0xd5, 'h', 'i'},
			0x1000,
			"0000000000001000  1f 20 03 d5 68 69                                 |. ..hi|\n",
		},
		{
			"full line",
			[]byte("0123456789abcdef"),
			0x20,
			"0000000000000020  30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HexDump(tt.data, tt.vaddr); got != tt.want {
				t.Errorf("HexDump() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}
