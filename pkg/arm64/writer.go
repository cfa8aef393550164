package arm64

import (
	"encoding/binary"
	"fmt"
)

// Writer appends encoded instructions and data to a position tracked buffer
type Writer struct {
	start uint64
	buf   []byte
	insts []int // offsets of words written with PutInst
}

// NewWriter creates a writer whose first byte is assumed to live at pc
func NewWriter(pc uint64) *Writer {
	return &Writer{start: pc}
}

// Reset empties the buffer and rebases it at pc
func (w *Writer) Reset(pc uint64) {
	w.start = pc
	w.buf = w.buf[:0]
	w.insts = w.insts[:0]
}

// Replace makes w a copy of src
func (w *Writer) Replace(src *Writer) {
	w.start = src.start
	w.buf = append(w.buf[:0], src.buf...)
	w.insts = append(w.insts[:0], src.insts...)
}

// StartPC returns the address of the first byte
func (w *Writer) StartPC() uint64 { return w.start }

// PC returns the address the next byte will be written to
func (w *Writer) PC() uint64 { return w.start + uint64(len(w.buf)) }

// Len returns the number of bytes written
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written bytes (not a copy)
func (w *Writer) Bytes() []byte { return w.buf }

// PutBytes appends raw bytes
func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutInst appends one encoded instruction
func (w *Writer) PutInst(inst uint32) {
	w.insts = append(w.insts, len(w.buf))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, inst)
}

// Instructions returns the words written with PutInst, skipping literals and raw bytes
func (w *Writer) Instructions() []*InstructionContext {
	out := make([]*InstructionContext, 0, len(w.insts))
	for i, off := range w.insts {
		out = append(out, &InstructionContext{
			Raw:     binary.LittleEndian.Uint32(w.buf[off:]),
			Address: w.start + uint64(off),
			Size:    InstSize,
			Index:   i,
			Offset:  off,
		})
	}
	return out
}

// PutUint64 appends an 8-byte literal and returns its offset
func (w *Writer) PutUint64(v uint64) int {
	off := len(w.buf)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return off
}

// PatchUint64 overwrites an 8-byte literal at offset
func (w *Writer) PatchUint64(offset int, v uint64) error {
	if offset < 0 || offset+8 > len(w.buf) {
		return fmt.Errorf("patch at offset %#x outside of %#x byte buffer", offset, len(w.buf))
	}
	binary.LittleEndian.PutUint64(w.buf[offset:], v)
	return nil
}

// PutLdrRegImm appends LDR Xt, <pc+offset>
func (w *Writer) PutLdrRegImm(rt Reg, offset int64) error {
	inst, err := EncodeLdrLiteral(rt, offset)
	if err != nil {
		return err
	}
	w.PutInst(inst)
	return nil
}

// PutLdrRegRegOffset appends LDR Xt, [Xn, #offset]
func (w *Writer) PutLdrRegRegOffset(rt, rn Reg, offset uint64) error {
	inst, err := EncodeLdrImm(LoadX, uint8(rt), rn, offset)
	if err != nil {
		return err
	}
	w.PutInst(inst)
	return nil
}

// PutBImm appends B <pc+offset>
func (w *Writer) PutBImm(offset int64) error {
	inst, err := EncodeB(offset)
	if err != nil {
		return err
	}
	w.PutInst(inst)
	return nil
}

// PutBrReg appends BR Xn
func (w *Writer) PutBrReg(rn Reg) {
	w.PutInst(EncodeBr(rn))
}

// PutBlrReg appends BLR Xn
func (w *Writer) PutBlrReg(rn Reg) {
	w.PutInst(EncodeBlr(rn))
}

// PutLdrRegAddress loads a 64-bit immediate into rt:
//
//	ldr rt, #8
//	b   #12
//	.quad addr
func (w *Writer) PutLdrRegAddress(rt Reg, addr uint64) int {
	w.PutInst(0x58000040 | uint32(rt)) // ldr rt, #8
	w.PutInst(0x14000003)              // b #12
	return w.PutUint64(addr)
}

// PutNop appends NOP
func (w *Writer) PutNop() {
	w.PutInst(NOP)
}
