package arm64

import "fmt"

// Reg is a general purpose register number (X0-X30, 31 is SP or XZR depending on the encoding)
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16 // IP0 (intra-procedure scratch)
	X17 // IP1
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

const (
	FP  = X29
	LR  = X30
	SP  = X31
	XZR = X31
)

func (r Reg) String() string {
	switch r {
	case FP:
		return "fp"
	case LR:
		return "lr"
	case SP:
		return "sp"
	}
	return fmt.Sprintf("x%d", uint8(r))
}

// VReg is a SIMD&FP register number (V0-V31)
type VReg uint8

const (
	Q0 VReg = iota
	Q1
	Q2
	Q3
	Q4
	Q5
	Q6
	Q7
)

func (v VReg) String() string {
	return fmt.Sprintf("q%d", uint8(v))
}

// LoadWidth selects the destination form of a load
type LoadWidth uint8

const (
	LoadX     LoadWidth = iota // ldr Xt
	LoadW                      // ldr Wt
	LoadSW                     // ldrsw Xt
	LoadS                      // ldr St
	LoadD                      // ldr Dt
	LoadQ                      // ldr Qt
	LoadPrefetch               // prfm
)

// Scale returns the access size in bytes
func (l LoadWidth) Scale() uint64 {
	switch l {
	case LoadW, LoadSW, LoadS:
		return 4
	case LoadQ:
		return 16
	default:
		return 8
	}
}

// IsVector reports whether the load targets a SIMD&FP register
func (l LoadWidth) IsVector() bool {
	return l == LoadS || l == LoadD || l == LoadQ
}

func (l LoadWidth) String() string {
	switch l {
	case LoadX:
		return "x"
	case LoadW:
		return "w"
	case LoadSW:
		return "sw"
	case LoadS:
		return "s"
	case LoadD:
		return "d"
	case LoadQ:
		return "q"
	case LoadPrefetch:
		return "prfm"
	default:
		return "unk"
	}
}
