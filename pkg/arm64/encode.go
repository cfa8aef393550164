package arm64

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when an offset or immediate does not fit its field
var ErrOutOfRange = errors.New("immediate out of range")

const (
	NOP = 0xd503201f
	RET = 0xd65f03c0
)

func checkRel(offset int64, bits uint) (uint32, error) {
	if offset%InstSize != 0 {
		return 0, fmt.Errorf("offset %#x is not instruction aligned: %w", offset, ErrOutOfRange)
	}
	imm := offset >> 2
	limit := int64(1) << (bits - 1)
	if imm < -limit || imm >= limit {
		return 0, fmt.Errorf("offset %#x does not fit in %d bits: %w", offset, bits, ErrOutOfRange)
	}
	return uint32(imm) & (1<<bits - 1), nil
}

// EncodeB encodes B <pc+offset>
func EncodeB(offset int64) (uint32, error) {
	imm, err := checkRel(offset, 26)
	if err != nil {
		return 0, err
	}
	return 0x14000000 | imm, nil
}

// EncodeBL encodes BL <pc+offset>
func EncodeBL(offset int64) (uint32, error) {
	imm, err := checkRel(offset, 26)
	if err != nil {
		return 0, err
	}
	return 0x94000000 | imm, nil
}

// EncodeBCond encodes B.cond <pc+offset>
func EncodeBCond(cond uint32, offset int64) (uint32, error) {
	imm, err := checkRel(offset, 19)
	if err != nil {
		return 0, err
	}
	return 0x54000000 | imm<<5 | cond&0xf, nil
}

// EncodeCBZ encodes CBZ/CBNZ Xt, <pc+offset>
func EncodeCBZ(rt Reg, nonZero bool, offset int64) (uint32, error) {
	imm, err := checkRel(offset, 19)
	if err != nil {
		return 0, err
	}
	inst := uint32(0xb4000000)
	if nonZero {
		inst |= 1 << 24
	}
	return inst | imm<<5 | uint32(rt), nil
}

// EncodeTBZ encodes TBZ/TBNZ Rt, #bit, <pc+offset>
func EncodeTBZ(rt Reg, bit uint32, nonZero bool, offset int64) (uint32, error) {
	if bit > 63 {
		return 0, fmt.Errorf("bit %d: %w", bit, ErrOutOfRange)
	}
	imm, err := checkRel(offset, 14)
	if err != nil {
		return 0, err
	}
	inst := uint32(0x36000000) | (bit>>5)<<31 | (bit&0x1f)<<19
	if nonZero {
		inst |= 1 << 24
	}
	return inst | imm<<5 | uint32(rt), nil
}

// EncodeLdrLiteral encodes LDR Xt, <pc+offset>
func EncodeLdrLiteral(rt Reg, offset int64) (uint32, error) {
	imm, err := checkRel(offset, 19)
	if err != nil {
		return 0, err
	}
	return 0x58000000 | imm<<5 | uint32(rt), nil
}

// EncodeLdrLiteralWidth encodes a literal load of the given width
func EncodeLdrLiteralWidth(width LoadWidth, rt uint8, offset int64) (uint32, error) {
	imm, err := checkRel(offset, 19)
	if err != nil {
		return 0, err
	}
	var base uint32
	switch width {
	case LoadW:
		base = 0x18000000
	case LoadX:
		base = 0x58000000
	case LoadSW:
		base = 0x98000000
	case LoadPrefetch:
		base = 0xd8000000
	case LoadS:
		base = 0x1c000000
	case LoadD:
		base = 0x5c000000
	case LoadQ:
		base = 0x9c000000
	}
	return base | imm<<5 | uint32(rt&0x1f), nil
}

// EncodeAdr encodes ADR Xd, <pc+offset>
func EncodeAdr(rd Reg, offset int64) (uint32, error) {
	if offset < -(1<<20) || offset >= 1<<20 {
		return 0, fmt.Errorf("adr offset %#x: %w", offset, ErrOutOfRange)
	}
	imm := uint32(offset) & 0x1fffff
	return 0x10000000 | (imm&3)<<29 | (imm>>2)<<5 | uint32(rd), nil
}

// EncodeAdrp encodes ADRP Xd, <(pc&~0xfff)+pages<<12>
func EncodeAdrp(rd Reg, pages int64) (uint32, error) {
	if pages < -(1<<20) || pages >= 1<<20 {
		return 0, fmt.Errorf("adrp pages %#x: %w", pages, ErrOutOfRange)
	}
	imm := uint32(pages) & 0x1fffff
	return 0x90000000 | (imm&3)<<29 | (imm>>2)<<5 | uint32(rd), nil
}

// EncodeLdrImm encodes an unsigned offset load: LDR <Xt|Wt|St|Dt|Qt>, [Xn, #offset] or LDRSW
func EncodeLdrImm(width LoadWidth, rt uint8, rn Reg, offset uint64) (uint32, error) {
	scale := width.Scale()
	if offset%scale != 0 || offset/scale > 0xfff {
		return 0, fmt.Errorf("ldr offset %#x: %w", offset, ErrOutOfRange)
	}
	var base uint32
	switch width {
	case LoadX:
		base = 0xf9400000
	case LoadW:
		base = 0xb9400000
	case LoadSW:
		base = 0xb9800000
	case LoadS:
		base = 0xbd400000
	case LoadD:
		base = 0xfd400000
	case LoadQ:
		base = 0x3dc00000
	default:
		return 0, fmt.Errorf("ldr (immediate) has no %s form: %w", width, ErrOutOfRange)
	}
	return base | uint32(offset/scale)<<10 | uint32(rn)<<5 | uint32(rt&0x1f), nil
}

// EncodeStrImm encodes STR Xt, [Xn, #offset]
func EncodeStrImm(rt, rn Reg, offset uint64) (uint32, error) {
	if offset%8 != 0 || offset/8 > 0xfff {
		return 0, fmt.Errorf("str offset %#x: %w", offset, ErrOutOfRange)
	}
	return 0xf9000000 | uint32(offset/8)<<10 | uint32(rn)<<5 | uint32(rt), nil
}

// EncodeBr encodes BR Xn
func EncodeBr(rn Reg) uint32 {
	return 0xd61f0000 | uint32(rn)<<5
}

// EncodeBlr encodes BLR Xn
func EncodeBlr(rn Reg) uint32 {
	return 0xd63f0000 | uint32(rn)<<5
}

// EncodeAddImm encodes ADD Xd|SP, Xn|SP, #imm
func EncodeAddImm(rd, rn Reg, imm uint32) (uint32, error) {
	if imm > 0xfff {
		return 0, fmt.Errorf("add #%#x: %w", imm, ErrOutOfRange)
	}
	return 0x91000000 | imm<<10 | uint32(rn)<<5 | uint32(rd), nil
}

// EncodeSubImm encodes SUB Xd|SP, Xn|SP, #imm
func EncodeSubImm(rd, rn Reg, imm uint32) (uint32, error) {
	if imm > 0xfff {
		return 0, fmt.Errorf("sub #%#x: %w", imm, ErrOutOfRange)
	}
	return 0xd1000000 | imm<<10 | uint32(rn)<<5 | uint32(rd), nil
}

// EncodeCmpImm encodes CMP Xn, #imm (SUBS XZR, Xn, #imm)
func EncodeCmpImm(rn Reg, imm uint32) (uint32, error) {
	if imm > 0xfff {
		return 0, fmt.Errorf("cmp #%#x: %w", imm, ErrOutOfRange)
	}
	return 0xf1000000 | imm<<10 | uint32(rn)<<5 | uint32(XZR), nil
}

// EncodeMov encodes MOV Xd, Xm (ORR Xd, XZR, Xm)
func EncodeMov(rd, rm Reg) uint32 {
	return 0xaa0003e0 | uint32(rm)<<16 | uint32(rd)
}

// EncodeMovz encodes MOVZ Xd, #imm16, LSL #shift
func EncodeMovz(rd Reg, imm16 uint16, shift uint) uint32 {
	return 0xd2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd)
}

// EncodeMovk encodes MOVK Xd, #imm16, LSL #shift
func EncodeMovk(rd Reg, imm16 uint16, shift uint) uint32 {
	return 0xf2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd)
}

// Pair addressing modes
type PairMode uint8

const (
	PairOffset PairMode = iota
	PairPreIndex
	PairPostIndex
)

func pairImm(offset int64, scale int64) (uint32, error) {
	if offset%scale != 0 || offset/scale < -64 || offset/scale > 63 {
		return 0, fmt.Errorf("pair offset %d: %w", offset, ErrOutOfRange)
	}
	return uint32(offset/scale) & 0x7f, nil
}

// EncodeStp encodes STP Xt1, Xt2, [Xn, #offset] (with optional writeback)
func EncodeStp(rt1, rt2, rn Reg, offset int64, mode PairMode) (uint32, error) {
	return encodePair(0xa8000000, false, uint32(rt1), uint32(rt2), rn, offset, 8, mode)
}

// EncodeLdp encodes LDP Xt1, Xt2, [Xn, #offset] (with optional writeback)
func EncodeLdp(rt1, rt2, rn Reg, offset int64, mode PairMode) (uint32, error) {
	return encodePair(0xa8000000, true, uint32(rt1), uint32(rt2), rn, offset, 8, mode)
}

// EncodeStpQ encodes STP Qt1, Qt2, [Xn, #offset] (with optional writeback)
func EncodeStpQ(rt1, rt2 VReg, rn Reg, offset int64, mode PairMode) (uint32, error) {
	return encodePair(0xac000000, false, uint32(rt1), uint32(rt2), rn, offset, 16, mode)
}

// EncodeLdpQ encodes LDP Qt1, Qt2, [Xn, #offset] (with optional writeback)
func EncodeLdpQ(rt1, rt2 VReg, rn Reg, offset int64, mode PairMode) (uint32, error) {
	return encodePair(0xac000000, true, uint32(rt1), uint32(rt2), rn, offset, 16, mode)
}

func encodePair(base uint32, load bool, rt1, rt2 uint32, rn Reg, offset, scale int64, mode PairMode) (uint32, error) {
	imm, err := pairImm(offset, scale)
	if err != nil {
		return 0, err
	}
	switch mode {
	case PairPostIndex:
		base |= 1 << 23
	case PairOffset:
		base |= 2 << 23
	case PairPreIndex:
		base |= 3 << 23
	}
	if load {
		base |= 1 << 22
	}
	return base | imm<<15 | (rt2&0x1f)<<10 | uint32(rn)<<5 | rt1&0x1f, nil
}

// SetImm19 replaces the 19-bit branch offset (B.cond, CBZ/CBNZ) of inst
func SetImm19(inst uint32, offset int64) (uint32, error) {
	imm, err := checkRel(offset, 19)
	if err != nil {
		return 0, err
	}
	return inst&^(0x7ffff<<5) | imm<<5, nil
}

// SetImm14 replaces the 14-bit branch offset (TBZ/TBNZ) of inst
func SetImm14(inst uint32, offset int64) (uint32, error) {
	imm, err := checkRel(offset, 14)
	if err != nil {
		return 0, err
	}
	return inst&^(0x3fff<<5) | imm<<5, nil
}
