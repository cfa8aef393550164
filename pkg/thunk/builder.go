// Package thunk generates the machine code that saves and restores the CPU state around
// hook dispatch, the landing trampolines that lead into it, and the Go side of the
// dispatch routines themselves.
package thunk

import (
	"github.com/blacktop/arm64hook/pkg/arm64"
)

// Builder emits thunks that call the dispatch routines at fixed addresses
type Builder struct {
	beginInvocation uint64
	endInvocation   uint64
}

// NewBuilder returns a builder for the given native begin/end invocation routines
func NewBuilder(beginInvocation, endInvocation uint64) *Builder {
	return &Builder{
		beginInvocation: beginInvocation,
		endInvocation:   endInvocation,
	}
}

// emitter keeps the first encoding error so sequences can be written straight through
type emitter struct {
	w   *arm64.Writer
	err error
}

func (e *emitter) put(inst uint32, err error) {
	if e.err != nil {
		return
	}
	if err != nil {
		e.err = err
		return
	}
	e.w.PutInst(inst)
}

func (e *emitter) raw(inst uint32) {
	e.put(inst, nil)
}

// saveContext pushes the next hop slot, q0-q7, x1-x30 and {sp, x0}
func (e *emitter) saveContext() {
	e.put(arm64.EncodeSubImm(arm64.SP, arm64.SP, 16)) // next hop

	e.put(arm64.EncodeSubImm(arm64.SP, arm64.SP, vectorAreaSize))
	for i := 3; i >= 0; i-- {
		e.put(arm64.EncodeStpQ(arm64.VReg(2*i), arm64.VReg(2*i+1), arm64.SP, int64(32*i), arm64.PairOffset))
	}

	e.put(arm64.EncodeSubImm(arm64.SP, arm64.SP, gprAreaSize))
	for i := 14; i >= 0; i-- {
		e.put(arm64.EncodeStp(arm64.Reg(2*i+1), arm64.Reg(2*i+2), arm64.SP, int64(16*i), arm64.PairOffset))
	}

	e.put(arm64.EncodeSubImm(arm64.SP, arm64.SP, 16))
	e.put(arm64.EncodeAddImm(arm64.X1, arm64.SP, NextHopSlot)) // sp at entry
	e.put(arm64.EncodeStp(arm64.X1, arm64.X0, arm64.SP, 0, arm64.PairOffset))

	e.put(arm64.EncodeSubImm(arm64.SP, arm64.SP, 16)) // pc
}

// restoreContext pops everything saveContext pushed and jumps to the next hop
func (e *emitter) restoreContext() {
	e.put(arm64.EncodeAddImm(arm64.SP, arm64.SP, 16))
	e.put(arm64.EncodeLdp(arm64.X1, arm64.X0, arm64.SP, 16, arm64.PairPostIndex))
	for i := 0; i < 15; i++ {
		e.put(arm64.EncodeLdp(arm64.Reg(2*i+1), arm64.Reg(2*i+2), arm64.SP, 16, arm64.PairPostIndex))
	}
	for i := 0; i < 4; i++ {
		e.put(arm64.EncodeLdpQ(arm64.VReg(2*i), arm64.VReg(2*i+1), arm64.SP, 32, arm64.PairPostIndex))
	}
	e.put(arm64.EncodeLdp(arm64.X16, arm64.X17, arm64.SP, 16, arm64.PairPostIndex))
	e.raw(arm64.EncodeBr(arm64.X16))
}

func (e *emitter) call(routine uint64) {
	if e.err != nil {
		return
	}
	e.w.PutLdrRegAddress(arm64.X16, routine)
	e.w.PutBlrReg(arm64.X16)
}

// BuildEnterThunk emits the thunk entered from an enter trampoline (x17 = entry). It calls
//
//	begin_invocation(entry, snapshot, &caller_ret_addr, &next_hop)
//
// and continues at whatever next hop the routine chose.
func (b *Builder) BuildEnterThunk(w *arm64.Writer) error {
	e := &emitter{w: w}
	e.saveContext()
	e.raw(arm64.EncodeMov(arm64.X0, arm64.X17))
	e.put(arm64.EncodeAddImm(arm64.X1, arm64.SP, SnapshotOffset))
	e.put(arm64.EncodeAddImm(arm64.X2, arm64.SP, CallerRetSlot))
	e.put(arm64.EncodeAddImm(arm64.X3, arm64.SP, NextHopSlot))
	e.call(b.beginInvocation)
	e.restoreContext()
	return e.err
}

// BuildLeaveThunk emits the thunk the hooked function returns into (x17 = entry). It calls
//
//	end_invocation(entry, snapshot, &next_hop)
//
// and continues at the caller return address the routine put in next hop.
func (b *Builder) BuildLeaveThunk(w *arm64.Writer) error {
	e := &emitter{w: w}
	e.saveContext()
	e.raw(arm64.EncodeMov(arm64.X0, arm64.X17))
	e.put(arm64.EncodeAddImm(arm64.X1, arm64.SP, SnapshotOffset))
	e.put(arm64.EncodeAddImm(arm64.X2, arm64.SP, NextHopSlot))
	e.call(b.endInvocation)
	e.restoreContext()
	return e.err
}

// BuildEnterTrampoline emits ldr x17, =entry; ldr x16, =enterThunk; br x16
func BuildEnterTrampoline(w *arm64.Writer, entry, enterThunk uint64) {
	buildTrampoline(w, entry, enterThunk)
}

// BuildLeaveTrampoline emits ldr x17, =entry; ldr x16, =leaveThunk; br x16
func BuildLeaveTrampoline(w *arm64.Writer, entry, leaveThunk uint64) {
	buildTrampoline(w, entry, leaveThunk)
}

func buildTrampoline(w *arm64.Writer, entry, thunk uint64) {
	w.PutLdrRegAddress(arm64.X17, entry)
	w.PutLdrRegAddress(arm64.X16, thunk)
	w.PutBrReg(arm64.X16)
}

// BuildJump emits an absolute jump through x17
func BuildJump(w *arm64.Writer, target uint64) error {
	if err := w.PutLdrRegImm(arm64.X17, 8); err != nil {
		return err
	}
	w.PutBrReg(arm64.X17)
	w.PutUint64(target)
	return nil
}
