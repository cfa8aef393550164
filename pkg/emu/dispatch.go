//go:build unicorn

package emu

import "github.com/blacktop/arm64hook/pkg/thunk"

// BindDispatcher binds d's begin and end invocation routines to the native addresses
// the thunks were built to call
func (e *Emulation) BindDispatcher(d *thunk.Dispatcher, begin, end uint64) error {
	if err := e.Hook(begin, func(e *Emulation) error {
		return d.BeginInvocationAt(e, e.Reg(0), e.Reg(1), e.Reg(2), e.Reg(3))
	}); err != nil {
		return err
	}
	return e.Hook(end, func(e *Emulation) error {
		return d.EndInvocationAt(e, e.Reg(0), e.Reg(1), e.Reg(2))
	})
}
