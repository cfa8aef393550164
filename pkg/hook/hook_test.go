package hook

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/arm64hook/internal/sim"
	"github.com/blacktop/arm64hook/pkg/arm64"
	"github.com/blacktop/arm64hook/pkg/relocator"
	"github.com/blacktop/arm64hook/pkg/thunk"
)

const (
	funcAddr  = 0x40000
	replAddr  = 0x41000
	beginAddr = 0x60000
	endAddr   = 0x60010
	preAddr   = 0x70000
	postAddr  = 0x70008
	stackBase = 0x800000
	stackSize = 0x10000
	stopAddr  = 0xdead0000
)

var layout = Layout{
	Trampoline:      0x42000,
	EnterTrampoline: 0x43000,
	LeaveTrampoline: 0x43040,
	Entry:           0x44000,
	EnterThunk:      0x45000,
	LeaveThunk:      0x45100,
}

func must(inst uint32, err error) uint32 {
	if err != nil {
		panic(err)
	}
	return inst
}

func words(insts ...uint32) []byte {
	b := make([]byte, 0, len(insts)*4)
	for _, i := range insts {
		b = binary.LittleEndian.AppendUint32(b, i)
	}
	return b
}

var (
	prologue = []uint32{
		must(arm64.EncodeStp(arm64.FP, arm64.LR, arm64.SP, -16, arm64.PairPreIndex)),
		must(arm64.EncodeAddImm(arm64.FP, arm64.SP, 0)),
	}
	epilogue = []uint32{
		must(arm64.EncodeLdp(arm64.FP, arm64.LR, arm64.SP, 16, arm64.PairPostIndex)),
		arm64.RET,
	}
)

// incOr100 returns x0+1, or 100 when x0 is zero
func incOr100() []byte {
	insts := append([]uint32{}, prologue...)
	insts = append(insts,
		must(arm64.EncodeCBZ(arm64.X0, false, 16)),
		must(arm64.EncodeAddImm(arm64.X0, arm64.X0, 1)),
	)
	insts = append(insts, epilogue...)
	insts = append(insts, arm64.EncodeMovz(arm64.X0, 100, 0))
	insts = append(insts, epilogue...)
	return words(insts...)
}

// double returns 2*x0 by recursing x0 times
func double() []byte {
	insts := append([]uint32{}, prologue...)
	insts = append(insts,
		must(arm64.EncodeCBZ(arm64.X0, false, 16)),
		must(arm64.EncodeSubImm(arm64.X0, arm64.X0, 1)),
		must(arm64.EncodeBL(-16)),
		must(arm64.EncodeAddImm(arm64.X0, arm64.X0, 2)),
	)
	insts = append(insts, epilogue...)
	return words(insts...)
}

type rig struct {
	m *sim.Machine
	d *thunk.Dispatcher
}

func newRig(t *testing.T, fn []byte, d *thunk.Dispatcher) *rig {
	t.Helper()
	m := sim.New()
	m.MapBytes(funcAddr, fn)
	m.MapBytes(replAddr, words(arm64.EncodeMovz(arm64.X0, 7, 0), arm64.RET))
	m.Map(layout.Trampoline, 0x4000)
	m.Map(stackBase, stackSize)

	enter, leave, err := Thunks(thunk.NewBuilder(beginAddr, endAddr), layout)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Write(layout.EnterThunk, enter); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(layout.LeaveThunk, leave); err != nil {
		t.Fatal(err)
	}
	m.Hook(beginAddr, func(m *sim.Machine) error {
		return d.BeginInvocationAt(m, m.X[0], m.X[1], m.X[2], m.X[3])
	})
	m.Hook(endAddr, func(m *sim.Machine) error {
		return d.EndInvocationAt(m, m.X[0], m.X[1], m.X[2])
	})
	return &rig{m: m, d: d}
}

func (r *rig) call(t *testing.T, arg uint64) uint64 {
	t.Helper()
	r.m.X[0] = arg
	r.m.SP = stackBase + stackSize
	if err := r.m.Call(funcAddr, stopAddr); err != nil {
		t.Fatalf("call(%d) error = %v", arg, err)
	}
	if r.m.SP != stackBase+stackSize {
		t.Errorf("sp not balanced: %#x", r.m.SP)
	}
	return r.m.X[0]
}

func install(t *testing.T, r *rig, fn []byte, opts ...Option) *Installation {
	t.Helper()
	inst, err := Plan(Target{Address: funcAddr, Code: fn}, layout, opts...)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if err := inst.WriteTo(r.m); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	return inst
}

func TestHookPrePost(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		patchSize int
	}{
		{"far", nil, 16},
		{"near", []Option{WithNearJump()}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args []uint64
			d := thunk.NewDispatcher()
			if err := d.Register(preAddr, func(snap *thunk.Snapshot, entry *thunk.Entry) {
				args = append(args, snap.X[0])
			}); err != nil {
				t.Fatal(err)
			}
			if err := d.Register(postAddr, func(snap *thunk.Snapshot, entry *thunk.Entry) {
				snap.X[0] *= 2
			}); err != nil {
				t.Fatal(err)
			}

			fn := incOr100()
			r := newRig(t, fn, d)
			for arg, want := range map[uint64]uint64{0: 100, 5: 6} {
				if got := r.call(t, arg); got != want {
					t.Fatalf("unhooked f(%d) = %d, want %d", arg, got, want)
				}
			}

			inst := install(t, r, fn, append(tt.opts, WithPreCall(preAddr), WithPostCall(postAddr))...)
			if len(inst.Patch) != tt.patchSize || inst.Window.Max != tt.patchSize {
				t.Errorf("patch %d bytes over a %d byte window, want %d", len(inst.Patch), inst.Window.Max, tt.patchSize)
			}
			if !bytes.Equal(inst.Original, fn[:tt.patchSize]) {
				t.Errorf("original bytes = %x", inst.Original)
			}

			for arg, want := range map[uint64]uint64{0: 200, 5: 12} {
				if got := r.call(t, arg); got != want {
					t.Errorf("hooked f(%d) = %d, want %d", arg, got, want)
				}
			}
			if len(args) != 2 {
				t.Errorf("pre-call ran %d times, want 2", len(args))
			}

			if err := inst.Restore(r.m); err != nil {
				t.Fatal(err)
			}
			if got := r.call(t, 5); got != 6 {
				t.Errorf("restored f(5) = %d, want 6", got)
			}
			if len(args) != 2 {
				t.Errorf("callbacks ran after restore")
			}
		})
	}
}

func TestHookReplacement(t *testing.T) {
	fn := incOr100()
	r := newRig(t, fn, thunk.NewDispatcher())
	install(t, r, fn, WithReplacement(replAddr))
	if got := r.call(t, 5); got != 7 {
		t.Errorf("replaced f(5) = %d, want 7", got)
	}
}

func TestHookRecursion(t *testing.T) {
	var pre, post int
	d := thunk.NewDispatcher(thunk.WithReturnStack(16))
	if err := d.Register(preAddr, func(*thunk.Snapshot, *thunk.Entry) { pre++ }); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(postAddr, func(*thunk.Snapshot, *thunk.Entry) { post++ }); err != nil {
		t.Fatal(err)
	}

	fn := double()
	r := newRig(t, fn, d)
	install(t, r, fn, WithPreCall(preAddr), WithPostCall(postAddr))

	if got := r.call(t, 3); got != 6 {
		t.Errorf("hooked double(3) = %d, want 6", got)
	}
	if pre != 4 || post != 4 {
		t.Errorf("callbacks ran pre=%d post=%d, want 4 each", pre, post)
	}
}

func TestPlanErrors(t *testing.T) {
	tiny := words(arm64.RET, 0, 0, 0)

	_, err := Plan(Target{Address: funcAddr, Code: tiny}, layout)
	if !errors.Is(err, ErrWindowTooSmall) {
		t.Errorf("Plan(ret) error = %v, want ErrWindowTooSmall", err)
	}
	if _, err := Plan(Target{Address: funcAddr, Code: tiny}, layout, WithNearJump()); err != nil {
		t.Errorf("Plan(ret, near) error = %v", err)
	}

	_, err = Plan(Target{Address: funcAddr, Code: tiny[:8]}, layout)
	if !errors.Is(err, relocator.ErrShortCode) {
		t.Errorf("Plan(short) error = %v, want ErrShortCode", err)
	}

	far := layout
	far.EnterTrampoline = funcAddr + 1<<30
	inst, err := Plan(Target{Address: funcAddr, Code: incOr100()}, far, WithNearJump())
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.Patch) != 16 {
		t.Errorf("out of range near jump should fall back to an absolute jump, got %d bytes", len(inst.Patch))
	}

	bad := words(0, 0, 0, 0)
	if _, err := Plan(Target{Address: funcAddr, Code: bad}, layout); !errors.Is(err, relocator.ErrUnsupportedInstruction) {
		t.Errorf("Plan(udf) error = %v, want ErrUnsupportedInstruction", err)
	}
	if _, err := Plan(Target{Address: funcAddr, Code: bad}, layout, WithStrict(false)); err != nil {
		t.Errorf("Plan(udf, lenient) error = %v", err)
	}
}

func TestPlanRegisterCall(t *testing.T) {
	var insts []uint32
	insts = append(insts, prologue...)
	insts = append(insts,
		arm64.EncodeMov(arm64.X8, arm64.X0),
		arm64.EncodeBlr(arm64.X8),
		arm64.EncodeMovz(arm64.X0, 1, 0),
	)
	insts = append(insts, epilogue...)

	inst, err := Plan(Target{Address: funcAddr, Code: words(insts...)}, layout)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if want := (relocator.Window{Min: 16, Max: 16, Count: 4}); inst.Window != want {
		t.Errorf("window = %s, want %s", inst.Window, want)
	}
	if !bytes.Contains(inst.Trampoline, words(arm64.EncodeBlr(arm64.X8))) {
		t.Errorf("blr x8 not copied into the trampoline: %x", inst.Trampoline)
	}
}

func TestNewLayout(t *testing.T) {
	const base = 0x42000
	l := NewLayout(base)

	// worst case prologue: every instruction in the window is a BL
	bls := words(must(arm64.EncodeBL(0x1000)), must(arm64.EncodeBL(0x1000)), must(arm64.EncodeBL(0x1000)), must(arm64.EncodeBL(0x1000)))
	inst, err := Plan(Target{Address: funcAddr, Code: bls}, l)
	if err != nil {
		t.Fatal(err)
	}

	pieces := []struct {
		name       string
		start, end uint64
		size       int
	}{
		{"trampoline", l.Trampoline, l.EnterTrampoline, len(inst.Trampoline)},
		{"enter trampoline", l.EnterTrampoline, l.LeaveTrampoline, thunk.TrampolineSize},
		{"leave trampoline", l.LeaveTrampoline, l.Entry, thunk.TrampolineSize},
		{"entry", l.Entry, l.EnterThunk, thunk.EntrySize},
		{"enter thunk", l.EnterThunk, l.LeaveThunk, thunk.EnterThunkSize},
		{"leave thunk", l.LeaveThunk, base + LayoutSize, thunk.LeaveThunkSize},
	}
	for _, p := range pieces {
		if p.start+uint64(p.size) > p.end {
			t.Errorf("%s (%d bytes at %#x) overruns %#x", p.name, p.size, p.start, p.end)
		}
	}
}
