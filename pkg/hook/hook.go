// Package hook plans inline hooks: it sizes the prologue window, relocates it, and produces
// the patch, trampolines and hook entry to write at caller chosen addresses.
package hook

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/arm64hook/pkg/arm64"
	"github.com/blacktop/arm64hook/pkg/relocator"
	"github.com/blacktop/arm64hook/pkg/thunk"
)

// ErrWindowTooSmall is returned when the function ends before the patch fits
var ErrWindowTooSmall = errors.New("function too small to patch")

const (
	farPatchSize  = thunk.JumpSize
	nearPatchSize = arm64.InstSize
	nearRange     = 128 << 20
)

// Target is the function to hook and (at least) its first instructions
type Target struct {
	Address uint64
	Code    []byte
}

// Layout is where the generated pieces will live in the hooked process
type Layout struct {
	Trampoline      uint64 // relocated prologue
	EnterTrampoline uint64
	LeaveTrampoline uint64
	Entry           uint64
	EnterThunk      uint64 // shared by all hooks
	LeaveThunk      uint64 // shared by all hooks
}

// LayoutSize is the region NewLayout packs a hook and the shared thunks into
const LayoutSize = 0x400

// NewLayout packs every piece of one hook into [base, base+LayoutSize)
func NewLayout(base uint64) Layout {
	return Layout{
		Trampoline:      base,
		EnterTrampoline: base + 0x100,
		LeaveTrampoline: base + 0x140,
		Entry:           base + 0x180,
		EnterThunk:      base + 0x200,
		LeaveThunk:      base + 0x300,
	}
}

type config struct {
	near        bool
	strict      bool
	replacement uint64
	preCall     uint64
	postCall    uint64
}

// Option configures Plan
type Option func(*config)

// WithNearJump patches with a single B when the enter trampoline is within ±128MB
func WithNearJump() Option {
	return func(c *config) { c.near = true }
}

// WithStrict is passed through to the relocator
func WithStrict(strict bool) Option {
	return func(c *config) { c.strict = strict }
}

// WithReplacement calls addr instead of the original function
func WithReplacement(addr uint64) Option {
	return func(c *config) { c.replacement = addr }
}

// WithPreCall runs the callback registered at addr before the call
func WithPreCall(addr uint64) Option {
	return func(c *config) { c.preCall = addr }
}

// WithPostCall runs the callback registered at addr after the call
func WithPostCall(addr uint64) Option {
	return func(c *config) { c.postCall = addr }
}

// Installation is everything needed to install one hook
type Installation struct {
	Target          uint64
	Window          relocator.Window
	Plan            *relocator.Plan
	Layout          Layout
	Patch           []byte // written at Target
	Original        []byte // bytes Patch replaces
	Trampoline      []byte // written at Layout.Trampoline
	EnterTrampoline []byte
	LeaveTrampoline []byte
	Entry           thunk.Entry
}

func nearJump(from, to uint64) bool {
	off := int64(to - from)
	return off >= -nearRange && off < nearRange
}

// Plan computes an Installation for target
func Plan(target Target, layout Layout, opts ...Option) (*Installation, error) {
	conf := config{strict: true}
	for _, opt := range opts {
		opt(&conf)
	}

	patchSize := farPatchSize
	if conf.near && nearJump(target.Address, layout.EnterTrampoline) {
		patchSize = nearPatchSize
	}

	win, err := relocator.TryRelocate(target.Code, target.Address, patchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to size window at %#x: %w", target.Address, err)
	}
	if win.EarlyEnd && win.Count*arm64.InstSize < patchSize {
		return nil, fmt.Errorf("%w: %#x ends after %d bytes, patch needs %d", ErrWindowTooSmall, target.Address, win.Count*arm64.InstSize, patchSize)
	}

	inst := &Installation{
		Target:   target.Address,
		Window:   win,
		Layout:   layout,
		Original: append([]byte(nil), target.Code[:win.Max]...),
	}

	r := relocator.New(
		arm64.NewReader(target.Address, target.Code[:win.Max]),
		arm64.NewWriter(layout.Trampoline),
		relocator.WithStrict(conf.strict),
	)
	if inst.Plan, err = r.Plan(); err != nil {
		return nil, fmt.Errorf("failed to relocate %#x: %w", target.Address, err)
	}
	code, err := inst.Plan.Materialize(layout.Trampoline)
	if err != nil {
		return nil, err
	}
	w := arm64.NewWriter(layout.Trampoline)
	w.PutBytes(code)
	if err := thunk.BuildJump(w, target.Address+uint64(win.Max)); err != nil {
		return nil, err
	}
	inst.Trampoline = w.Bytes()

	w = arm64.NewWriter(layout.EnterTrampoline)
	thunk.BuildEnterTrampoline(w, layout.Entry, layout.EnterThunk)
	inst.EnterTrampoline = w.Bytes()

	w = arm64.NewWriter(layout.LeaveTrampoline)
	thunk.BuildLeaveTrampoline(w, layout.Entry, layout.LeaveThunk)
	inst.LeaveTrampoline = w.Bytes()

	if inst.Patch, err = buildPatch(target.Address, layout.EnterTrampoline, patchSize, win.Max); err != nil {
		return nil, err
	}

	inst.Entry = thunk.Entry{
		Target:             target.Address,
		Patched:            target.Address,
		OnInvokeTrampoline: layout.Trampoline,
		ReplaceCall:        conf.replacement,
		PreCall:            conf.preCall,
		PostCall:           conf.postCall,
		OnEnterTrampoline:  layout.EnterTrampoline,
		OnLeaveTrampoline:  layout.LeaveTrampoline,
	}

	log.WithFields(log.Fields{
		"target":     fmt.Sprintf("%#x", target.Address),
		"window":     win.Max,
		"patch":      patchSize,
		"trampoline": fmt.Sprintf("%#x", layout.Trampoline),
	}).Debug("planned hook")

	return inst, nil
}

func buildPatch(addr, enterTrampoline uint64, patchSize, window int) ([]byte, error) {
	w := arm64.NewWriter(addr)
	if patchSize == nearPatchSize {
		b, err := arm64.EncodeB(int64(enterTrampoline - addr))
		if err != nil {
			return nil, err
		}
		w.PutInst(b)
	} else if err := thunk.BuildJump(w, enterTrampoline); err != nil {
		return nil, err
	}
	for w.Len() < window {
		w.PutNop()
	}
	return w.Bytes(), nil
}

// Thunks builds the shared enter and leave thunks for layout
func Thunks(b *thunk.Builder, layout Layout) (enter, leave []byte, err error) {
	w := arm64.NewWriter(layout.EnterThunk)
	if err := b.BuildEnterThunk(w); err != nil {
		return nil, nil, fmt.Errorf("failed to build enter thunk: %w", err)
	}
	enter = w.Bytes()
	w = arm64.NewWriter(layout.LeaveThunk)
	if err := b.BuildLeaveThunk(w); err != nil {
		return nil, nil, fmt.Errorf("failed to build leave thunk: %w", err)
	}
	return enter, w.Bytes(), nil
}

// WriteTo installs the hook into mem: trampolines and entry first, the patch last
func (i *Installation) WriteTo(mem thunk.Memory) error {
	entry, err := i.Entry.MarshalBinary()
	if err != nil {
		return err
	}
	for _, blob := range []struct {
		name string
		addr uint64
		data []byte
	}{
		{"trampoline", i.Layout.Trampoline, i.Trampoline},
		{"enter trampoline", i.Layout.EnterTrampoline, i.EnterTrampoline},
		{"leave trampoline", i.Layout.LeaveTrampoline, i.LeaveTrampoline},
		{"entry", i.Layout.Entry, entry},
		{"patch", i.Target, i.Patch},
	} {
		if err := mem.Write(blob.addr, blob.data); err != nil {
			return fmt.Errorf("failed to write %s at %#x: %w", blob.name, blob.addr, err)
		}
	}
	return nil
}

// Restore puts the original prologue back
func (i *Installation) Restore(mem thunk.Memory) error {
	if err := mem.Write(i.Target, i.Original); err != nil {
		return fmt.Errorf("failed to restore %#x: %w", i.Target, err)
	}
	return nil
}
