// Package utils holds output helpers shared by the commands.
package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/blacktop/arm64hook/internal/colors"
)

var (
	colorFaint   = colors.FaintHiBlue().SprintFunc()
	colorOffset  = colors.ItalicFaint().SprintFunc()
	dubzeroMatch = regexp.MustCompile(`\s(00\s)+|\.`)
)

func colorZeros(dump string) string {
	return dubzeroMatch.ReplaceAllStringFunc(dump, func(s string) string {
		return colorFaint(s)
	})
}

func toChar(b byte) byte {
	if b < 32 || b > 126 {
		return '.'
	}
	return b
}

// HexDump returns a `hexdump -C` style dump of data with offsets starting at vaddr
func HexDump(data []byte, vaddr uint64) string {
	if len(data) == 0 {
		return ""
	}

	var buf strings.Builder
	buf.Grow((1 + ((len(data) - 1) / 16)) * 79)

	for off := 0; off < len(data); off += 16 {
		line := data[off:min(off+16, len(data))]

		var hex strings.Builder
		for i := range 16 {
			if i < len(line) {
				fmt.Fprintf(&hex, "%02x ", line[i])
			} else {
				hex.WriteString("   ")
			}
			if i == 7 {
				hex.WriteByte(' ')
			}
		}
		ascii := make([]byte, len(line))
		for i, b := range line {
			ascii[i] = toChar(b)
		}

		buf.WriteString(colorOffset(fmt.Sprintf("%016x", vaddr+uint64(off))))
		buf.WriteString("  ")
		buf.WriteString(colorZeros(hex.String()))
		buf.WriteString(" |" + colorZeros(string(ascii)) + "|\n")
	}

	return buf.String()
}
