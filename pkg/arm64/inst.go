// Package arm64 provides the AArch64 encode/decode primitives the relocator and
// thunk builder are written against: an instruction classifier, a sequential
// reader over a code region and an appending writer with encoders.
package arm64

import "fmt"

// InstSize is the fixed size of an A64 instruction
const InstSize = 4

// Kind is the relocation relevant category of an instruction
type Kind uint8

const (
	Other             Kind = iota
	LoadLiteral            // LDR/LDRSW/PRFM (literal)
	Branch                 // B
	BranchLink             // BL
	BranchConditional      // B.cond
	CompareBranch          // CBZ/CBNZ
	TestBranch             // TBZ/TBNZ
	PCRelAddress           // ADR
	PCRelPageAddress       // ADRP
	BranchRegister         // BR/BLR/RET
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other"
	case LoadLiteral:
		return "load_literal"
	case Branch:
		return "b"
	case BranchLink:
		return "bl"
	case BranchConditional:
		return "b.cond"
	case CompareBranch:
		return "cb"
	case TestBranch:
		return "tb"
	case PCRelAddress:
		return "adr"
	case PCRelPageAddress:
		return "adrp"
	case BranchRegister:
		return "br"
	default:
		return "unk"
	}
}

// Classify maps a raw encoding to its Kind
func Classify(inst uint32) Kind {
	switch {
	case inst&0x3b000000 == 0x18000000:
		return LoadLiteral
	case inst&0xfc000000 == 0x14000000:
		return Branch
	case inst&0xfc000000 == 0x94000000:
		return BranchLink
	case inst&0xff000010 == 0x54000000:
		return BranchConditional
	case inst&0x7e000000 == 0x34000000:
		return CompareBranch
	case inst&0x7e000000 == 0x36000000:
		return TestBranch
	case inst&0x9f000000 == 0x10000000:
		return PCRelAddress
	case inst&0x9f000000 == 0x90000000:
		return PCRelPageAddress
	case inst&0xfffffc1f == 0xd61f0000, // br
		inst&0xfffffc1f == 0xd63f0000, // blr
		inst&0xfffffc1f == 0xd65f0000: // ret
		return BranchRegister
	}
	return Other
}

// ExtractBits returns nbits of x starting at bit start
func ExtractBits(x uint32, start, nbits uint) uint32 {
	return (x >> start) & (1<<nbits - 1)
}

// SignExtend sign extends the low nbits of x
func SignExtend(x uint64, nbits uint) int64 {
	shift := 64 - nbits
	return int64(x<<shift) >> shift
}

// InstructionContext is one decoded instruction
type InstructionContext struct {
	Raw     uint32
	Address uint64
	Size    int
	Index   int // position in the producing stream
	Offset  int // byte offset in the producing stream
}

// Kind classifies the instruction
func (i *InstructionContext) Kind() Kind {
	return Classify(i.Raw)
}

// Rt returns the register field in bits 0-4
func (i *InstructionContext) Rt() Reg {
	return Reg(ExtractBits(i.Raw, 0, 5))
}

// LoadWidth returns the destination form of a literal load
func (i *InstructionContext) LoadWidth() LoadWidth {
	opc := ExtractBits(i.Raw, 30, 2)
	if ExtractBits(i.Raw, 26, 1) == 1 {
		switch opc {
		case 0:
			return LoadS
		case 1:
			return LoadD
		default:
			return LoadQ
		}
	}
	switch opc {
	case 0:
		return LoadW
	case 1:
		return LoadX
	case 2:
		return LoadSW
	default:
		return LoadPrefetch
	}
}

// Target returns the absolute address a PC-relative instruction refers to
func (i *InstructionContext) Target() (uint64, bool) {
	pc := i.Address
	switch i.Kind() {
	case LoadLiteral, BranchConditional, CompareBranch:
		return pc + uint64(SignExtend(uint64(ExtractBits(i.Raw, 5, 19)), 19)<<2), true
	case TestBranch:
		return pc + uint64(SignExtend(uint64(ExtractBits(i.Raw, 5, 14)), 14)<<2), true
	case Branch, BranchLink:
		return pc + uint64(SignExtend(uint64(ExtractBits(i.Raw, 0, 26)), 26)<<2), true
	case PCRelAddress:
		return pc + uint64(adrImm(i.Raw)), true
	case PCRelPageAddress:
		return (pc &^ 0xfff) + uint64(adrImm(i.Raw)<<12), true
	}
	return 0, false
}

func adrImm(inst uint32) int64 {
	immlo := ExtractBits(inst, 29, 2)
	immhi := ExtractBits(inst, 5, 19)
	return SignExtend(uint64(immhi<<2|immlo), 21)
}

// Terminates reports whether control never falls through to the next instruction.
// B, BR and RET end a basic block; BLR returns like BL.
func (i *InstructionContext) Terminates() bool {
	switch i.Kind() {
	case Branch:
		return true
	case BranchRegister:
		return i.Raw&0xfffffc1f != 0xd63f0000
	}
	return false
}

func (i *InstructionContext) String() string {
	return fmt.Sprintf("%#x: %08x (%s)", i.Address, i.Raw, i.Kind())
}
