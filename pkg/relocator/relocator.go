// Package relocator copies a prefix of AArch64 code to a new address, rewriting
// PC-relative instructions so they still reach their original targets.
package relocator

import (
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/blacktop/arm64hook/pkg/arm64"
)

var (
	// ErrMisaligned is returned when the destination is not instruction aligned
	ErrMisaligned = errors.New("destination address is not 4-byte aligned")
	// ErrUnsupportedInstruction is returned for position dependent (or undecodable) instructions with no rewrite rule
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	// ErrShortCode is returned when the code region ends before the requested window
	ErrShortCode = errors.New("code region too small")
)

// scratch register used by the absolute jump sequences
const scratch = arm64.X17

// LiteralKind tells the fix-up pass whether a literal may be redirected
type LiteralKind uint8

const (
	// LiteralCode holds a control flow target (or ADR result) and follows the code it points at
	LiteralCode LiteralKind = iota
	// LiteralData holds a data address and is never redirected
	LiteralData
)

func (k LiteralKind) String() string {
	if k == LiteralData {
		return "data"
	}
	return "code"
}

// LiteralReference is an emitted 8-byte absolute address slot
type LiteralReference struct {
	Offset int    // byte offset of the slot in the output
	Target uint64 // original absolute address stored in the slot
	Kind   LiteralKind
}

// AddressMapping pairs a source instruction with the first output instruction emitted for it
type AddressMapping struct {
	InputIndex   int
	InputAddress uint64
	OutputIndex  int
	OutputOffset int
}

// Option configures a Relocator
type Option func(*Relocator)

// WithStrict controls what happens to instructions that are neither rewritten nor known
// to be position independent: strict relocators fail, lenient ones copy them verbatim.
func WithStrict(strict bool) Option {
	return func(r *Relocator) {
		r.strict = strict
	}
}

// Relocator rewrites instructions read from input into output.
// It is not safe for concurrent use.
type Relocator struct {
	input  *arm64.Reader
	output *arm64.Writer
	strict bool

	literals    []LiteralReference
	mappings    []AddressMapping
	relocateEnd int // output length after the last rewritten instruction
}

// New binds a relocator to an input region and an output buffer
func New(input *arm64.Reader, output *arm64.Writer, opts ...Option) *Relocator {
	r := &Relocator{
		input:  input,
		output: output,
		strict: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Input returns the bound input reader
func (r *Relocator) Input() *arm64.Reader { return r.input }

// Output returns the bound output writer
func (r *Relocator) Output() *arm64.Writer { return r.output }

// Literals returns the literal slots emitted by the current run
func (r *Relocator) Literals() []LiteralReference { return r.literals }

// Mappings returns the input/output index pairs of the current run
func (r *Relocator) Mappings() []AddressMapping { return r.mappings }

// Reset rewinds input and output and drops literal references and mappings
func (r *Relocator) Reset() {
	r.input.Reset()
	r.output.Reset(r.output.StartPC())
	r.literals = nil
	r.mappings = nil
	r.relocateEnd = 0
}

// RelocateOne rewrites the next source instruction; it returns false once the input is exhausted
func (r *Relocator) RelocateOne() (bool, error) {
	inst, err := r.input.ReadInst()
	if errors.Is(err, io.EOF) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	r.mappings = append(r.mappings, AddressMapping{
		InputIndex:   inst.Index,
		InputAddress: inst.Address,
		OutputIndex:  r.output.Len() / arm64.InstSize,
		OutputOffset: r.output.Len(),
	})

	switch inst.Kind() {
	case arm64.LoadLiteral:
		err = r.rewriteLoadLiteral(inst)
	case arm64.CompareBranch, arm64.BranchConditional, arm64.TestBranch:
		err = r.rewriteConditionalBranch(inst)
	case arm64.Branch:
		err = r.rewriteBranch(inst)
	case arm64.BranchLink:
		err = r.rewriteBranchLink(inst)
	case arm64.PCRelAddress, arm64.PCRelPageAddress:
		err = r.rewriteAddress(inst)
	default:
		err = r.copyVerbatim(inst)
	}
	if err != nil {
		return false, fmt.Errorf("failed to relocate %s: %w", inst, err)
	}
	r.relocateEnd = r.output.Len()

	return true, nil
}

// RelocateAll rewrites every remaining source instruction
func (r *Relocator) RelocateAll() error {
	for {
		more, err := r.RelocateOne()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// RelocateTo fixes up literals that point inside the relocated source range so they
// point at the equivalent instruction of the copy placed at dest.
func (r *Relocator) RelocateTo(dest uint64) error {
	for _, lit := range r.literals {
		addr, ok := resolve(lit, r.input, r.mappings, dest)
		if !ok {
			continue
		}
		if err := r.output.PatchUint64(lit.Offset, addr); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"offset": lit.Offset,
			"from":   fmt.Sprintf("%#x", lit.Target),
			"to":     fmt.Sprintf("%#x", addr),
		}).Debug("redirected literal into relocated code")
	}
	return nil
}

// Materialize regenerates the relocated code for dest. Bytes that were appended to
// the output after the relocated prefix (a jump back stub for example) are kept.
// On failure the relocator is left exactly as it was.
func (r *Relocator) Materialize(dest uint64) error {
	if dest%arm64.InstSize != 0 {
		return fmt.Errorf("%w: %#x", ErrMisaligned, dest)
	}

	out := r.output
	input := *r.input
	literals, mappings, end := r.literals, r.mappings, r.relocateEnd
	restore := func() {
		*r.input = input
		r.output = out
		r.literals, r.mappings, r.relocateEnd = literals, mappings, end
	}

	r.output = arm64.NewWriter(dest)
	r.input.Reset()
	r.literals, r.mappings, r.relocateEnd = nil, nil, 0
	if err := r.RelocateAll(); err != nil {
		restore()
		return err
	}
	if err := r.RelocateTo(dest); err != nil {
		restore()
		return err
	}

	var trailing []byte
	if out.Len() > end {
		trailing = append(trailing, out.Bytes()[end:]...)
	}
	out.Replace(r.output)
	out.PutBytes(trailing)
	r.output = out

	return nil
}

func (r *Relocator) registerLiteral(offset int, target uint64, kind LiteralKind) {
	r.literals = append(r.literals, LiteralReference{
		Offset: offset,
		Target: target,
		Kind:   kind,
	})
}

// resolve returns the relocated address a code literal must hold, if it targets the source range
func resolve(lit LiteralReference, input *arm64.Reader, mappings []AddressMapping, dest uint64) (uint64, bool) {
	if lit.Kind != LiteralCode || !input.Contains(lit.Target) {
		return 0, false
	}
	return lookup(mappings, dest, lit.Target)
}

func lookup(mappings []AddressMapping, dest, src uint64) (uint64, bool) {
	for _, m := range mappings {
		if m.InputAddress == src {
			return dest + uint64(m.OutputOffset), true
		}
	}
	return 0, false
}
