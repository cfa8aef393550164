package thunk

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/arm64hook/internal/sim"
	"github.com/blacktop/arm64hook/pkg/arm64"
	"golang.org/x/arch/arm64/arm64asm"
)

const (
	enterThunk = 0x50000
	leaveThunk = 0x50100
	enterTramp = 0x51000
	leaveTramp = 0x51040
	entryAddr  = 0x52000
	funcAddr   = 0x40000
	replAddr   = 0x41000
	beginAddr  = 0x60000
	endAddr    = 0x60010
	preAddr    = 0x70000
	postAddr   = 0x70008
	stackBase  = 0x800000
	stackSize  = 0x4000
	callerRet  = 0xdead0000
)

type fixture struct {
	m     *sim.Machine
	d     *Dispatcher
	regs  [31]uint64
	vregs [32][16]byte
	sp    uint64
}

func newFixture(t *testing.T, entry Entry, d *Dispatcher) *fixture {
	t.Helper()

	b := NewBuilder(beginAddr, endAddr)
	enter := arm64.NewWriter(enterThunk)
	if err := b.BuildEnterThunk(enter); err != nil {
		t.Fatalf("BuildEnterThunk() error = %v", err)
	}
	leave := arm64.NewWriter(leaveThunk)
	if err := b.BuildLeaveThunk(leave); err != nil {
		t.Fatalf("BuildLeaveThunk() error = %v", err)
	}
	et := arm64.NewWriter(enterTramp)
	BuildEnterTrampoline(et, entryAddr, enterThunk)
	lt := arm64.NewWriter(leaveTramp)
	BuildLeaveTrampoline(lt, entryAddr, leaveThunk)

	entry.Target = funcAddr
	entry.Patched = funcAddr
	entry.OnEnterTrampoline = enterTramp
	entry.OnLeaveTrampoline = leaveTramp
	data, err := entry.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	fn := arm64.NewWriter(funcAddr)
	fn.PutInst(arm64.EncodeMovz(arm64.X9, 1, 0))
	fn.PutInst(arm64.EncodeMovz(arm64.X0, 42, 0))
	fn.PutInst(arm64.RET)
	repl := arm64.NewWriter(replAddr)
	repl.PutInst(arm64.EncodeMovz(arm64.X0, 7, 0))
	repl.PutInst(arm64.RET)

	m := sim.New()
	m.MapBytes(enterThunk, enter.Bytes())
	m.MapBytes(leaveThunk, leave.Bytes())
	m.MapBytes(enterTramp, et.Bytes())
	m.MapBytes(leaveTramp, lt.Bytes())
	m.MapBytes(entryAddr, data)
	m.MapBytes(funcAddr, fn.Bytes())
	m.MapBytes(replAddr, repl.Bytes())
	m.Map(stackBase, stackSize)
	m.Hook(beginAddr, func(m *sim.Machine) error {
		return d.BeginInvocationAt(m, m.X[0], m.X[1], m.X[2], m.X[3])
	})
	m.Hook(endAddr, func(m *sim.Machine) error {
		return d.EndInvocationAt(m, m.X[0], m.X[1], m.X[2])
	})

	f := &fixture{m: m, d: d, sp: stackBase + stackSize - 0x100}
	for i := range f.regs {
		f.regs[i] = 0x1000 + uint64(i)*0x111
	}
	f.regs[30] = callerRet
	for i := range f.vregs {
		for j := range f.vregs[i] {
			f.vregs[i][j] = byte(i*16 + j)
		}
	}
	m.X = f.regs
	m.V = f.vregs
	m.SP = f.sp
	return f
}

func (f *fixture) run(t *testing.T, stop uint64) {
	t.Helper()
	if err := f.m.Run(enterTramp, stop); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

// preserved checks every register but the scratch pair and skip against the initial state
func (f *fixture) preserved(t *testing.T, skip ...int) {
	t.Helper()
	ignore := map[int]bool{16: true, 17: true}
	for _, i := range skip {
		ignore[i] = true
	}
	for i, want := range f.regs {
		if !ignore[i] && f.m.X[i] != want {
			t.Errorf("x%d = %#x, want %#x", i, f.m.X[i], want)
		}
	}
	if f.m.V != f.vregs {
		t.Errorf("vector registers clobbered")
	}
	if f.m.SP != f.sp {
		t.Errorf("sp = %#x, want %#x", f.m.SP, f.sp)
	}
}

func TestEnterThunkPreservesState(t *testing.T) {
	d := NewDispatcher()
	var (
		calls int
		seen  Snapshot
	)
	if err := d.Register(preAddr, func(snap *Snapshot, entry *Entry) {
		calls++
		seen = *snap
	}); err != nil {
		t.Fatal(err)
	}
	// the relocated original is the stop address: state is checked right at the hop
	f := newFixture(t, Entry{PreCall: preAddr, OnInvokeTrampoline: callerRet}, d)
	f.run(t, callerRet)

	if calls != 1 {
		t.Fatalf("pre-call callback ran %d times, want 1", calls)
	}
	f.preserved(t)

	for i := 0; i < 31; i++ {
		want := f.regs[i]
		switch i {
		case 16:
			want = enterThunk
		case 17:
			want = entryAddr
		}
		if got := seen.Reg(i); got != want {
			t.Errorf("snapshot x%d = %#x, want %#x", i, got, want)
		}
	}
	if seen.SP != f.sp {
		t.Errorf("snapshot sp = %#x, want %#x", seen.SP, f.sp)
	}
	if seen.PC != funcAddr {
		t.Errorf("snapshot pc = %#x, want %#x", seen.PC, uint64(funcAddr))
	}
	for i := range seen.Q {
		if seen.Q[i] != f.vregs[i] {
			t.Errorf("snapshot q%d = %x, want %x", i, seen.Q[i], f.vregs[i])
		}
	}
}

func TestCallbackWritesRegisters(t *testing.T) {
	d := NewDispatcher()
	if err := d.Register(preAddr, func(snap *Snapshot, entry *Entry) {
		snap.X[0] = 0x777
		snap.LR = 0x888
		snap.Q[2][0] = 0xaa
	}); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Entry{PreCall: preAddr, OnInvokeTrampoline: callerRet}, d)
	f.run(t, callerRet)

	if f.m.X[0] != 0x777 {
		t.Errorf("x0 = %#x, want 0x777", f.m.X[0])
	}
	if f.m.X[30] != 0x888 {
		t.Errorf("lr = %#x, want 0x888", f.m.X[30])
	}
	if f.m.V[2][0] != 0xaa {
		t.Errorf("q2[0] = %#x, want 0xaa", f.m.V[2][0])
	}
}

func TestEnterLeaveRoundTrip(t *testing.T) {
	d := NewDispatcher()
	var pre, post int
	if err := d.Register(preAddr, func(snap *Snapshot, entry *Entry) {
		pre++
	}); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(postAddr, func(snap *Snapshot, entry *Entry) {
		post++
		if entry.CallerRetAddr != callerRet {
			t.Errorf("post-call saw caller %#x, want %#x", entry.CallerRetAddr, uint64(callerRet))
		}
		snap.X[1] = snap.X[0] + 1
	}); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Entry{PreCall: preAddr, PostCall: postAddr, OnInvokeTrampoline: funcAddr}, d)
	f.run(t, callerRet)

	if pre != 1 || post != 1 {
		t.Fatalf("callbacks ran pre=%d post=%d, want 1 each", pre, post)
	}
	if f.m.X[0] != 42 || f.m.X[1] != 43 {
		t.Errorf("x0, x1 = %d, %d, want 42, 43", f.m.X[0], f.m.X[1])
	}
	if f.m.X[9] != 1 {
		t.Errorf("original function did not run")
	}
	// lr is left pointing at the leave trampoline
	f.preserved(t, 0, 1, 9, 30)

	data, err := f.m.Read(entryAddr, EntrySize)
	if err != nil {
		t.Fatal(err)
	}
	var entry Entry
	if err := entry.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if entry.CallerRetAddr != callerRet {
		t.Errorf("entry caller = %#x, want %#x", entry.CallerRetAddr, uint64(callerRet))
	}
}

func TestReplaceCall(t *testing.T) {
	f := newFixture(t, Entry{ReplaceCall: replAddr, OnInvokeTrampoline: funcAddr}, NewDispatcher())
	f.run(t, callerRet)

	if f.m.X[0] != 7 {
		t.Errorf("x0 = %d, want 7", f.m.X[0])
	}
	f.preserved(t, 0)
}

func TestUnknownCallback(t *testing.T) {
	f := newFixture(t, Entry{PreCall: preAddr, OnInvokeTrampoline: callerRet}, NewDispatcher())
	if err := f.m.Run(enterTramp, callerRet); !errors.Is(err, ErrUnknownCallback) {
		t.Fatalf("Run() error = %v, want ErrUnknownCallback", err)
	}
}

func decodeAll(t *testing.T, code []byte, literals map[int]bool) []arm64asm.Op {
	t.Helper()
	var ops []arm64asm.Op
	for i := 0; i < len(code)/4; i++ {
		if literals[i] {
			ops = append(ops, 0)
			continue
		}
		inst, err := arm64asm.Decode(code[i*4:])
		if err != nil {
			t.Fatalf("word %d (%08x) does not decode: %v", i, binary.LittleEndian.Uint32(code[i*4:]), err)
		}
		ops = append(ops, inst.Op)
	}
	return ops
}

func TestThunkListing(t *testing.T) {
	b := NewBuilder(beginAddr, endAddr)

	tests := []struct {
		name    string
		build   func(*arm64.Writer) error
		size    int
		call    int // index of ldr x16, =routine
		routine uint64
		args    []arm64asm.Op
	}{
		{"enter", b.BuildEnterThunk, EnterThunkSize, 30, beginAddr, []arm64asm.Op{arm64asm.MOV, arm64asm.ADD, arm64asm.ADD, arm64asm.ADD}},
		{"leave", b.BuildLeaveThunk, LeaveThunkSize, 29, endAddr, []arm64asm.Op{arm64asm.MOV, arm64asm.ADD, arm64asm.ADD}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := arm64.NewWriter(enterThunk)
			if err := tt.build(w); err != nil {
				t.Fatal(err)
			}
			if w.Len() != tt.size {
				t.Fatalf("size = %d, want %d", w.Len(), tt.size)
			}
			ops := decodeAll(t, w.Bytes(), map[int]bool{tt.call + 2: true, tt.call + 3: true})

			save := []arm64asm.Op{arm64asm.SUB, arm64asm.SUB}
			for i := 0; i < 4; i++ {
				save = append(save, arm64asm.STP)
			}
			save = append(save, arm64asm.SUB)
			for i := 0; i < 15; i++ {
				save = append(save, arm64asm.STP)
			}
			save = append(save, arm64asm.SUB, arm64asm.ADD, arm64asm.STP, arm64asm.SUB)

			restore := []arm64asm.Op{arm64asm.ADD}
			for i := 0; i < 21; i++ {
				restore = append(restore, arm64asm.LDP)
			}
			restore = append(restore, arm64asm.BR)

			want := append(append([]arm64asm.Op{}, save...), tt.args...)
			want = append(want, arm64asm.LDR, arm64asm.B, 0, 0, arm64asm.BLR)
			want = append(want, restore...)
			if len(ops) != len(want) {
				t.Fatalf("got %d instructions, want %d", len(ops), len(want))
			}
			for i := range want {
				if ops[i] != want[i] {
					t.Errorf("instruction %d = %s, want %s", i, ops[i], want[i])
				}
			}
			if got := binary.LittleEndian.Uint64(w.Bytes()[(tt.call+2)*4:]); got != tt.routine {
				t.Errorf("dispatch routine = %#x, want %#x", got, tt.routine)
			}
		})
	}
}

func TestTrampolines(t *testing.T) {
	w := arm64.NewWriter(enterTramp)
	BuildEnterTrampoline(w, entryAddr, enterThunk)
	if w.Len() != TrampolineSize {
		t.Fatalf("trampoline size = %d, want %d", w.Len(), TrampolineSize)
	}
	code := w.Bytes()
	if got := binary.LittleEndian.Uint64(code[8:]); got != entryAddr {
		t.Errorf("entry literal = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(code[24:]); got != enterThunk {
		t.Errorf("thunk literal = %#x", got)
	}
	if got := binary.LittleEndian.Uint32(code[32:]); got != arm64.EncodeBr(arm64.X16) {
		t.Errorf("last instruction = %08x, want br x16", got)
	}

	w = arm64.NewWriter(funcAddr)
	if err := BuildJump(w, replAddr); err != nil {
		t.Fatal(err)
	}
	if w.Len() != JumpSize {
		t.Errorf("jump size = %d, want %d", w.Len(), JumpSize)
	}
	m := sim.New()
	m.MapBytes(funcAddr, w.Bytes())
	if err := m.Run(funcAddr, replAddr); err != nil {
		t.Errorf("jump did not reach its target: %v", err)
	}
}

func TestSnapshotLayout(t *testing.T) {
	s := Snapshot{PC: 1, SP: 2, FP: 3, LR: 4}
	s.X[0] = 5
	s.X[28] = 6
	s.Q[0][0] = 7
	s.Q[7][15] = 8
	data, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != SnapshotSize {
		t.Fatalf("size = %d, want %d", len(data), SnapshotSize)
	}
	quad := func(off int) uint64 { return binary.LittleEndian.Uint64(data[off:]) }
	for off, want := range map[int]uint64{0: 1, 8: 2, 16: 5, 240: 6, 248: 3, 256: 4} {
		if got := quad(off); got != want {
			t.Errorf("quad at %d = %d, want %d", off, got, want)
		}
	}
	if data[264] != 7 || data[SnapshotSize-1] != 8 {
		t.Errorf("vector registers misplaced")
	}
	// LR in the snapshot is the caller return slot of the frame
	if SnapshotOffset+256 != CallerRetSlot {
		t.Errorf("caller return slot %d does not alias the saved lr", CallerRetSlot)
	}

	var back Snapshot
	if err := back.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if back != s {
		t.Errorf("UnmarshalBinary() = %+v, want %+v", back, s)
	}
	if err := back.UnmarshalBinary(data[:10]); err == nil {
		t.Errorf("short snapshot decoded")
	}
}
