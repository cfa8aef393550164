// Package sim is a small AArch64 interpreter used to execute generated code without unicorn.
//
// It understands the instructions the relocator and thunk builder emit plus the usual
// prologue/epilogue material (MOVZ/MOVK, ADD/SUB immediate, ORR, loads, stores, pairs,
// every branch form, ADR/ADRP and hints). Addresses can be bound to Go functions which
// run in place of the code there and then return to LR, like a native stub.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apex/log"
	"golang.org/x/arch/arm64/arm64asm"
)

var (
	// ErrUnmapped is returned for accesses outside of mapped memory
	ErrUnmapped = errors.New("unmapped memory")
	// ErrUnsupported is returned for instructions outside of the supported subset
	ErrUnsupported = errors.New("unsupported instruction")
	// ErrStepLimit is returned when Run does not reach its stop address
	ErrStepLimit = errors.New("step limit reached")
)

// DefaultMaxSteps bounds Run
const DefaultMaxSteps = 100000

// Native is a Go function bound to an address
type Native func(m *Machine) error

type region struct {
	addr uint64
	data []byte
}

// Machine is the CPU and memory state
type Machine struct {
	X    [31]uint64
	SP   uint64
	PC   uint64
	V    [32][16]byte
	N, Z bool
	C, O bool // O is the overflow flag

	MaxSteps int
	Steps    int
	Trace    bool

	mem     []*region
	natives map[uint64]Native
}

// New returns an empty machine
func New() *Machine {
	return &Machine{
		MaxSteps: DefaultMaxSteps,
		natives:  make(map[uint64]Native),
	}
}

// Map maps size zeroed bytes at addr
func (m *Machine) Map(addr uint64, size int) {
	m.mem = append(m.mem, &region{addr: addr, data: make([]byte, size)})
}

// MapBytes maps a copy of b at addr
func (m *Machine) MapBytes(addr uint64, b []byte) {
	m.Map(addr, len(b))
	copy(m.mem[len(m.mem)-1].data, b)
}

// Hook binds fn to addr. When the PC reaches addr fn runs and execution continues at LR.
func (m *Machine) Hook(addr uint64, fn Native) {
	m.natives[addr] = fn
}

func (m *Machine) slice(addr uint64, n int) ([]byte, error) {
	for _, r := range m.mem {
		if addr >= r.addr && addr+uint64(n) <= r.addr+uint64(len(r.data)) {
			off := addr - r.addr
			return r.data[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("%#x+%d: %w", addr, n, ErrUnmapped)
}

// Read returns a copy of n bytes at addr
func (m *Machine) Read(addr uint64, n int) ([]byte, error) {
	b, err := m.slice(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Write stores b at addr
func (m *Machine) Write(addr uint64, b []byte) error {
	dst, err := m.slice(addr, len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// ReadUint64 loads a little endian quad
func (m *Machine) ReadUint64(addr uint64) (uint64, error) {
	b, err := m.slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 stores a little endian quad
func (m *Machine) WriteUint64(addr, v uint64) error {
	b, err := m.slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Reg returns Xn, where 31 reads as zero
func (m *Machine) Reg(n int) uint64 {
	if n == 31 {
		return 0
	}
	return m.X[n]
}

// SetReg writes Xn, where 31 is discarded
func (m *Machine) SetReg(n int, v uint64) {
	if n != 31 {
		m.X[n] = v
	}
}

func (m *Machine) regOrSP(n uint32) uint64 {
	if n == 31 {
		return m.SP
	}
	return m.X[n]
}

func (m *Machine) setRegOrSP(n uint32, v uint64) {
	if n == 31 {
		m.SP = v
		return
	}
	m.X[n] = v
}

// Call runs the function at addr with LR pointing at a stop address, until it returns there
func (m *Machine) Call(addr, stop uint64) error {
	m.X[30] = stop
	return m.Run(addr, stop)
}

// Run executes from start until the PC equals stop
func (m *Machine) Run(start, stop uint64) error {
	m.PC = start
	for steps := 0; m.PC != stop; steps++ {
		if m.MaxSteps > 0 && steps >= m.MaxSteps {
			return fmt.Errorf("pc=%#x after %d steps: %w", m.PC, steps, ErrStepLimit)
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step executes one instruction (or one native function)
func (m *Machine) Step() error {
	m.Steps++
	if fn, ok := m.natives[m.PC]; ok {
		if err := fn(m); err != nil {
			return fmt.Errorf("native at %#x failed: %w", m.PC, err)
		}
		m.PC = m.X[30]
		return nil
	}
	b, err := m.slice(m.PC, 4)
	if err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	raw := binary.LittleEndian.Uint32(b)
	if m.Trace {
		if inst, err := arm64asm.Decode(b); err == nil {
			log.Debugf("%#x: %08x  %s", m.PC, raw, inst)
		} else {
			log.Debugf("%#x: %08x  .long", m.PC, raw)
		}
	}
	next, err := m.exec(raw)
	if err != nil {
		return fmt.Errorf("%#x: %08x: %w", m.PC, raw, err)
	}
	m.PC = next
	return nil
}
