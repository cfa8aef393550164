package arm64

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reader sequentially decodes instructions from a code region
type Reader struct {
	start  uint64
	code   []byte
	cursor int
	insts  []*InstructionContext
}

// NewReader creates a reader over code that lives at address start
func NewReader(start uint64, code []byte) *Reader {
	return &Reader{
		start: start,
		code:  code,
	}
}

// Reset rewinds the reader and forgets decoded instructions
func (r *Reader) Reset() {
	r.cursor = 0
	r.insts = nil
}

// ReadInst decodes the next instruction, it returns io.EOF once the region is exhausted
func (r *Reader) ReadInst() (*InstructionContext, error) {
	if r.cursor >= len(r.code) {
		return nil, io.EOF
	}
	if len(r.code)-r.cursor < InstSize {
		return nil, fmt.Errorf("truncated instruction at %#x: %w", r.start+uint64(r.cursor), io.ErrUnexpectedEOF)
	}
	inst := &InstructionContext{
		Raw:     binary.LittleEndian.Uint32(r.code[r.cursor:]),
		Address: r.start + uint64(r.cursor),
		Size:    InstSize,
		Index:   len(r.insts),
		Offset:  r.cursor,
	}
	r.cursor += InstSize
	r.insts = append(r.insts, inst)
	return inst, nil
}

// StartPC returns the address of the first byte of the region
func (r *Reader) StartPC() uint64 { return r.start }

// EndPC returns the address just past the region
func (r *Reader) EndPC() uint64 { return r.start + uint64(len(r.code)) }

// Size returns the region size in bytes
func (r *Reader) Size() int { return len(r.code) }

// Code returns the raw region
func (r *Reader) Code() []byte { return r.code }

// Instructions returns the instructions decoded so far
func (r *Reader) Instructions() []*InstructionContext { return r.insts }

// Contains reports whether addr lies in the region
func (r *Reader) Contains(addr uint64) bool {
	return addr >= r.start && addr < r.EndPC()
}
