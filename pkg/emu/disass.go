//go:build unicorn

package emu

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"github.com/blacktop/arm64-cgo/disassemble"
)

var (
	immMatch = regexp.MustCompile(`#?-?0x[0-9a-z]+`)
	regMatch = regexp.MustCompile(`\W([wxvbhsdqzp][0-9]{1,2}|pc|fp|sp|lr|xzr|wzr)`)
)

func colorOperands(operands string) string {
	if len(operands) > 0 {
		operands = immMatch.ReplaceAllStringFunc(operands, func(s string) string {
			return colorImm(s)
		})
		operands = regMatch.ReplaceAllStringFunc(operands, func(s string) string {
			return string(s[0]) + colorRegs(s[1:])
		})
	}
	return operands
}

// diss prints one trace line per instruction in data
func (e *Emulation) diss(startAddr uint64, data []byte) {
	var results [1024]byte

	for off := 0; off+4 <= len(data); off += 4 {
		instrValue := binary.LittleEndian.Uint32(data[off:])
		addr := startAddr + uint64(off)

		if _, ok := e.natives[addr]; ok {
			fmt.Fprintf(e.out, "%s:  %s   %s\n",
				colorAddr("%#08x", addr),
				colorOpCodes(disassemble.GetOpCodeByteString(instrValue)),
				colorHook("<native>"))
			continue
		}

		instruction, err := disassemble.Decompose(addr, instrValue, &results)
		if err != nil {
			fmt.Fprintf(e.out, "%s:  %s\t%s\t%#-18x ; (%s)\n",
				colorAddr("%#08x", addr),
				colorOp("%-7s", ".long"),
				colorOpCodes(disassemble.GetOpCodeByteString(instrValue)),
				instrValue,
				err.Error())
			continue
		}

		opStr := strings.TrimSpace(strings.TrimPrefix(instruction.String(), instruction.Operation.String()))

		fmt.Fprintf(e.out, "%s:  %s   %s %s\n",
			colorAddr("%#08x", addr),
			colorOpCodes(disassemble.GetOpCodeByteString(instrValue)),
			colorOp("%-7s", instruction.Operation),
			colorOperands(" "+opStr),
		)
	}
}
