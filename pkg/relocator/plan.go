package relocator

import (
	"fmt"

	"github.com/blacktop/arm64hook/pkg/arm64"
)

// Plan is the result of relocating a source range, independent of where the copy ends up
type Plan struct {
	Source     uint64
	SourceSize int
	Code       []byte
	Literals   []LiteralReference
	Mappings   []AddressMapping
}

// Plan relocates the whole input and captures the result. The relocator is reset first.
func (r *Relocator) Plan() (*Plan, error) {
	r.Reset()
	if err := r.RelocateAll(); err != nil {
		return nil, err
	}
	return &Plan{
		Source:     r.input.StartPC(),
		SourceSize: r.input.Size(),
		Code:       append([]byte(nil), r.output.Bytes()...),
		Literals:   append([]LiteralReference(nil), r.literals...),
		Mappings:   append([]AddressMapping(nil), r.mappings...),
	}, nil
}

// Materialize returns the relocated code fixed up to run at dest
func (p *Plan) Materialize(dest uint64) ([]byte, error) {
	if dest%arm64.InstSize != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrMisaligned, dest)
	}
	w := arm64.NewWriter(dest)
	w.PutBytes(p.Code)
	for _, lit := range p.Literals {
		addr, ok := p.resolve(lit, dest)
		if !ok {
			continue
		}
		if err := w.PatchUint64(lit.Offset, addr); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// OutputAddress maps a source instruction address to its address in a copy placed at dest
func (p *Plan) OutputAddress(dest, src uint64) (uint64, bool) {
	return lookup(p.Mappings, dest, src)
}

func (p *Plan) contains(addr uint64) bool {
	return addr >= p.Source && addr < p.Source+uint64(p.SourceSize)
}

func (p *Plan) resolve(lit LiteralReference, dest uint64) (uint64, bool) {
	if lit.Kind != LiteralCode || !p.contains(lit.Target) {
		return 0, false
	}
	return p.OutputAddress(dest, lit.Target)
}
