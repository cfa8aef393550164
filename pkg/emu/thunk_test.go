//go:build unicorn

package emu

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/arm64hook/pkg/arm64"
	"github.com/blacktop/arm64hook/pkg/thunk"
)

const (
	enterThunk = 0x50000
	leaveThunk = 0x50100
	enterTramp = 0x51000
	leaveTramp = 0x51040
	entryAddr  = 0x52000
	thunkSP    = STACK_BASE + STACK_SIZE - 0x100
)

// newThunkEmu maps both thunks, both trampolines, entry and a function returning 42 in x0
func newThunkEmu(t *testing.T, entry thunk.Entry, d *thunk.Dispatcher) *Emulation {
	t.Helper()
	e := newEmu(t)

	b := thunk.NewBuilder(beginAddr, endAddr)
	enter := arm64.NewWriter(enterThunk)
	if err := b.BuildEnterThunk(enter); err != nil {
		t.Fatalf("BuildEnterThunk() error = %v", err)
	}
	leave := arm64.NewWriter(leaveThunk)
	if err := b.BuildLeaveThunk(leave); err != nil {
		t.Fatalf("BuildLeaveThunk() error = %v", err)
	}
	et := arm64.NewWriter(enterTramp)
	thunk.BuildEnterTrampoline(et, entryAddr, enterThunk)
	lt := arm64.NewWriter(leaveTramp)
	thunk.BuildLeaveTrampoline(lt, entryAddr, leaveThunk)

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

	for _, region := range []struct {
		addr uint64
		data []byte
	}{
		{enterThunk, enter.Bytes()},
		{leaveThunk, leave.Bytes()},
		{enterTramp, et.Bytes()},
		{leaveTramp, lt.Bytes()},
		{entryAddr, data},
		{funcAddr, fn.Bytes()},
	} {
		if err := e.MapBytes(region.addr, region.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.BindDispatcher(d, beginAddr, endAddr); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 30; i++ {
		e.SetReg(i, 0x1000+uint64(i)*0x111)
	}
	e.SetReg(30, stopAddr)
	e.SetReg(RegSP, thunkSP)
	for i := 0; i < 32; i++ {
		e.SetDReg(i, 0x0101010101010101*uint64(i+1))
	}
	return e
}

func TestThunkPreservesState(t *testing.T) {
	tests := []struct {
		name  string
		entry thunk.Entry
		skip  []int // registers the call is expected to change
		check func(t *testing.T, e *Emulation, pre, post []thunk.Snapshot)
	}{
		{
			name:  "enter",
			entry: thunk.Entry{PreCall: preAddr, OnInvokeTrampoline: stopAddr},
			check: func(t *testing.T, e *Emulation, pre, post []thunk.Snapshot) {
				if len(pre) != 1 || len(post) != 0 {
					t.Fatalf("callbacks ran pre=%d post=%d", len(pre), len(post))
				}
				snap := pre[0]
				for i := 0; i < 31; i++ {
					want := 0x1000 + uint64(i)*0x111
					switch i {
					case 16:
						want = enterThunk
					case 17:
						want = entryAddr
					case 30:
						want = stopAddr
					}
					if got := snap.Reg(i); got != want {
						t.Errorf("snapshot x%d = %#x, want %#x", i, got, want)
					}
				}
				if snap.SP != thunkSP || snap.PC != funcAddr {
					t.Errorf("snapshot sp, pc = %#x, %#x", snap.SP, snap.PC)
				}
				for i := range snap.Q {
					if got := binary.LittleEndian.Uint64(snap.Q[i][:8]); got != 0x0101010101010101*uint64(i+1) {
						t.Errorf("snapshot d%d = %#x", i, got)
					}
				}
			},
		},
		{
			name:  "round trip",
			entry: thunk.Entry{PreCall: preAddr, PostCall: postAddr, OnInvokeTrampoline: funcAddr},
			skip:  []int{0, 9, 30},
			check: func(t *testing.T, e *Emulation, pre, post []thunk.Snapshot) {
				if len(pre) != 1 || len(post) != 1 {
					t.Fatalf("callbacks ran pre=%d post=%d", len(pre), len(post))
				}
				if e.Reg(0) != 42 || e.Reg(9) != 1 {
					t.Errorf("x0, x9 = %d, %d, want 42, 1", e.Reg(0), e.Reg(9))
				}
				if post[0].Reg(0) != 42 {
					t.Errorf("post-call saw x0 = %d", post[0].Reg(0))
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pre, post []thunk.Snapshot
			d := thunk.NewDispatcher()
			if err := d.Register(preAddr, func(snap *thunk.Snapshot, entry *thunk.Entry) {
				pre = append(pre, *snap)
			}); err != nil {
				t.Fatal(err)
			}
			if err := d.Register(postAddr, func(snap *thunk.Snapshot, entry *thunk.Entry) {
				post = append(post, *snap)
			}); err != nil {
				t.Fatal(err)
			}

			e := newThunkEmu(t, tt.entry, d)
			if err := e.Run(enterTramp, stopAddr); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			ignore := map[int]bool{16: true, 17: true}
			for _, i := range tt.skip {
				ignore[i] = true
			}
			for i := 0; i < 31; i++ {
				want := 0x1000 + uint64(i)*0x111
				if i == 30 {
					want = stopAddr
				}
				if !ignore[i] && e.Reg(i) != want {
					t.Errorf("x%d = %#x, want %#x", i, e.Reg(i), want)
				}
			}
			if sp := e.Reg(RegSP); sp != thunkSP {
				t.Errorf("sp = %#x, want %#x", sp, uint64(thunkSP))
			}
			for i := 0; i < 32; i++ {
				if got := e.DReg(i); got != 0x0101010101010101*uint64(i+1) {
					t.Errorf("d%d = %#x", i, got)
				}
			}
			tt.check(t, e, pre, post)
		})
	}
}
