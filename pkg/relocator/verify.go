package relocator

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// CheckPositionIndependent reports an error if the instruction cannot be decoded or
// takes a PC-relative operand, i.e. copying it somewhere else would change its meaning.
func CheckPositionIndependent(raw uint32) error {
	if isAtomic(raw) {
		return nil
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], raw)

	inst, err := arm64asm.Decode(b[:])
	if err != nil {
		return fmt.Errorf("%08x: %v: %w", raw, err, ErrUnsupportedInstruction)
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if _, ok := arg.(arm64asm.PCRel); ok {
			return fmt.Errorf("%08x (%s) is PC-relative: %w", raw, inst, ErrUnsupportedInstruction)
		}
	}
	return nil
}

// isAtomic matches the LSE atomics, which arm64asm cannot decode.
// They only address memory through a base register.
func isAtomic(raw uint32) bool {
	return raw&0x3f200c00 == 0x38200000 || // LD<op>, SWP
		raw&0x3f207c00 == 0x08207c00 // CAS, CASP
}
