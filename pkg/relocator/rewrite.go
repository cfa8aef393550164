package relocator

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/arm64hook/pkg/arm64"
)

// rewriteLoadLiteral turns LDR (literal) into an absolute address load followed by a register load:
//
//	ldr  xt, #8
//	b    #12
//	.quad target
//	ldr  <t>, [xt]
//
// SIMD&FP loads go through the scratch register.
func (r *Relocator) rewriteLoadLiteral(inst *arm64.InstructionContext) error {
	w := r.output
	target, _ := inst.Target()
	width := inst.LoadWidth()
	rt := inst.Rt()

	if width == arm64.LoadPrefetch || (!width.IsVector() && rt == arm64.XZR) {
		w.PutNop()
		return nil
	}

	if r.input.Contains(target) {
		return r.inlineLiteralPool(inst, target, width)
	}

	base := rt
	if width.IsVector() {
		base = scratch
	}
	if err := w.PutLdrRegImm(base, 8); err != nil {
		return err
	}
	if err := w.PutBImm(12); err != nil {
		return err
	}
	r.registerLiteral(w.PutUint64(target), target, LiteralData)
	load, err := arm64.EncodeLdrImm(width, uint8(rt), base, 0)
	if err != nil {
		return err
	}
	w.PutInst(load)

	return nil
}

// inlineLiteralPool handles literal data living inside the relocated range, which the
// hook patch overwrites: the data is copied next to the load.
//
//	ldr <t>, #8
//	b   #(4+size)
//	<size bytes of data>
func (r *Relocator) inlineLiteralPool(inst *arm64.InstructionContext, target uint64, width arm64.LoadWidth) error {
	w := r.output
	size := width.Scale()
	off := target - r.input.StartPC()
	if off+size > uint64(r.input.Size()) {
		return fmt.Errorf("literal at %#x runs past the end of the relocated range: %w", target, ErrUnsupportedInstruction)
	}
	load, err := arm64.EncodeLdrLiteralWidth(width, uint8(inst.Rt()), 8)
	if err != nil {
		return err
	}
	w.PutInst(load)
	if err := w.PutBImm(int64(arm64.InstSize + size)); err != nil {
		return err
	}
	w.PutBytes(r.input.Code()[off : off+size])

	log.WithField("literal", fmt.Sprintf("%#x", target)).Debug("copied in-range literal pool")

	return nil
}

// rewriteConditionalBranch keeps the condition but retargets it to an absolute jump:
//
//	<cond> #8
//	b     #0x14
//	ldr   x17, #8
//	br    x17
//	.quad target
func (r *Relocator) rewriteConditionalBranch(inst *arm64.InstructionContext) error {
	w := r.output
	target, _ := inst.Target()

	var (
		patched uint32
		err     error
	)
	if inst.Kind() == arm64.TestBranch {
		patched, err = arm64.SetImm14(inst.Raw, 8)
	} else {
		patched, err = arm64.SetImm19(inst.Raw, 8)
	}
	if err != nil {
		return err
	}
	w.PutInst(patched)
	if err := w.PutBImm(0x14); err != nil {
		return err
	}
	return r.putAbsoluteJump(target)
}

// rewriteBranch replaces B with an absolute jump
func (r *Relocator) rewriteBranch(inst *arm64.InstructionContext) error {
	target, _ := inst.Target()
	return r.putAbsoluteJump(target)
}

// rewriteBranchLink calls the target and then jumps back to the instruction following the original BL:
//
//	ldr   x17, #12
//	blr   x17
//	b     #12
//	.quad target
//	ldr   x17, #8
//	br    x17
//	.quad next
func (r *Relocator) rewriteBranchLink(inst *arm64.InstructionContext) error {
	w := r.output
	target, _ := inst.Target()
	next := inst.Address + arm64.InstSize

	if err := w.PutLdrRegImm(scratch, 12); err != nil {
		return err
	}
	w.PutBlrReg(scratch)
	if err := w.PutBImm(12); err != nil {
		return err
	}
	r.registerLiteral(w.PutUint64(target), target, LiteralCode)
	return r.putAbsoluteJump(next)
}

// rewriteAddress materializes the ADR/ADRP result as a literal:
//
//	ldr   xd, #8
//	b     #12
//	.quad value
func (r *Relocator) rewriteAddress(inst *arm64.InstructionContext) error {
	w := r.output
	value, _ := inst.Target()
	rd := inst.Rt()

	if rd == arm64.XZR {
		w.PutNop()
		return nil
	}
	kind := LiteralCode
	if inst.Kind() == arm64.PCRelPageAddress {
		// a page base is only meaningful to the code that adds the page offset
		kind = LiteralData
	}
	if err := w.PutLdrRegImm(rd, 8); err != nil {
		return err
	}
	if err := w.PutBImm(12); err != nil {
		return err
	}
	r.registerLiteral(w.PutUint64(value), value, kind)

	return nil
}

// putAbsoluteJump appends ldr x17, #8; br x17; .quad target
func (r *Relocator) putAbsoluteJump(target uint64) error {
	w := r.output
	if err := w.PutLdrRegImm(scratch, 8); err != nil {
		return err
	}
	w.PutBrReg(scratch)
	r.registerLiteral(w.PutUint64(target), target, LiteralCode)
	return nil
}

func (r *Relocator) copyVerbatim(inst *arm64.InstructionContext) error {
	if err := CheckPositionIndependent(inst.Raw); err != nil {
		if r.strict {
			return err
		}
		log.WithFields(log.Fields{
			"pc":   fmt.Sprintf("%#x", inst.Address),
			"inst": fmt.Sprintf("%08x", inst.Raw),
		}).Warnf("copying instruction verbatim: %v", err)
	}
	r.output.PutInst(inst.Raw)
	return nil
}
