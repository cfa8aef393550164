//go:build unicorn

// Package emu runs generated code under unicorn: it maps code and stack,
// binds native addresses to Go functions and traces execution.
package emu

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const (
	STACK_BASE = 0x60000000
	STACK_SIZE = 0x800000
)

var ErrUnmappedAccess = errors.New("invalid memory access")

// Native is a Go function bound to an address; the emulator executes a ret after it returns
type Native func(e *Emulation) error

// Config is a emulation configuration object
type Config struct {
	Verbose bool      // print register changes with the trace
	Trace   bool      // disassemble every executed instruction
	Output  io.Writer // trace destination, stdout when nil
}

// Emulation is a unicorn backed ARM64 machine
type Emulation struct {
	mu   uc.Unicorn
	conf *Config
	mem  *MemMap
	out  io.Writer

	natives map[uint64]Native
	err     error // first error raised inside a hook
	last    Registers
	regs    Registers
}

// NewEmulation creates a new emuluation instance
func NewEmulation(conf *Config) (*Emulation, error) {
	var err error

	if conf == nil {
		conf = &Config{}
	}
	e := &Emulation{
		conf:    conf,
		mem:     NewMemMap(),
		out:     conf.Output,
		natives: make(map[uint64]Native),
		regs:    make(Registers),
		last:    make(Registers),
	}
	if e.out == nil {
		e.out = os.Stdout
	}

	e.mu, err = uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("failed to create new unicorn instance: %v", err)
	}
	if err := e.mu.SetCPUModel(uc.CPU_ARM64_MAX); err != nil {
		return nil, fmt.Errorf("failed to set cpu model to CPU_AARCH64_MAX: %v", err)
	}
	if err := e.mu.RegWrite(uc.ARM64_REG_PSTATE, 0); err != nil {
		return nil, fmt.Errorf("failed to init PSTATE register: %v", err)
	}
	// enable vfp
	cpacrEL1, err := e.mu.RegRead(uc.ARM64_REG_CPACR_EL1)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpacr_el1 register: %v", err)
	}
	if err := e.mu.RegWrite(uc.ARM64_REG_CPACR_EL1, cpacrEL1|0x300000); err != nil {
		return nil, fmt.Errorf("failed to enable vfp: %v", err)
	}
	if err := e.SetupHooks(); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Emulation) Close() error {
	return e.mu.Close()
}

// InitStack maps an 8MB stack and points SP at its top
func (e *Emulation) InitStack() error {
	if err := e.Map(STACK_BASE, STACK_SIZE); err != nil {
		return fmt.Errorf("failed to memmap stack at %#x: %v", STACK_BASE, err)
	}
	if err := e.mu.RegWrite(uc.ARM64_REG_SP, STACK_BASE+STACK_SIZE); err != nil {
		return fmt.Errorf("failed to set SP register to %#x: %v", STACK_BASE+STACK_SIZE, err)
	}
	return nil
}

// Map maps the pages covering [addr, addr+size) that are not mapped yet
func (e *Emulation) Map(addr, size uint64) error {
	for _, p := range e.mem.Missing(addr, size) {
		if err := e.mu.MemMap(p.Addr, p.Size); err != nil {
			return fmt.Errorf("failed to memmap %#x-%#x: %v", p.Addr, p.Addr+p.Size, err)
		}
		if _, _, err := e.mem.Add(p.Addr, p.Size); err != nil {
			return err
		}
	}
	return nil
}

// MapBytes maps and fills memory at addr
func (e *Emulation) MapBytes(addr uint64, data []byte) error {
	if err := e.Map(addr, uint64(len(data))); err != nil {
		return err
	}
	return e.Write(addr, data)
}

// Read implements thunk.Memory
func (e *Emulation) Read(addr uint64, n int) ([]byte, error) {
	return e.mu.MemRead(addr, uint64(n))
}

// Write implements thunk.Memory
func (e *Emulation) Write(addr uint64, b []byte) error {
	if err := e.mu.MemWrite(addr, b); err != nil {
		return fmt.Errorf("failed to write %d bytes at %#x: %v", len(b), addr, err)
	}
	return nil
}

// Reg reads a general purpose register by number (0-30, 31 sp, 32 pc)
func (e *Emulation) Reg(num int) uint64 {
	v, err := e.mu.RegRead(ucReg(num))
	if err != nil {
		log.Errorf("failed to read register %d: %v", num, err)
	}
	return v
}

// SetReg writes a general purpose register by number (0-30, 31 sp, 32 pc)
func (e *Emulation) SetReg(num int, v uint64) error {
	return e.mu.RegWrite(ucReg(num), v)
}

// DReg reads the low 64 bits of vector register num
func (e *Emulation) DReg(num int) uint64 {
	v, err := e.mu.RegRead(uc.ARM64_REG_D0 + num)
	if err != nil {
		log.Errorf("failed to read register d%d: %v", num, err)
	}
	return v
}

// SetDReg writes the low 64 bits of vector register num
func (e *Emulation) SetDReg(num int, v uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_D0+num, v)
}

func ucReg(num int) int {
	switch {
	case num <= 28:
		return uc.ARM64_REG_X0 + num
	case num == 29:
		return uc.ARM64_REG_X29
	case num == 30:
		return uc.ARM64_REG_X30
	case num == 31:
		return uc.ARM64_REG_SP
	default:
		return uc.ARM64_REG_PC
	}
}

// Hook binds fn to addr, writing a ret stub there
func (e *Emulation) Hook(addr uint64, fn Native) error {
	if err := e.Map(addr, 4); err != nil {
		return err
	}
	if err := e.PutUint32(addr, 0xd65f03c0); err != nil {
		return err
	}
	e.natives[addr] = fn
	return nil
}

// SetState loads registers and memory from a state file
func (e *Emulation) SetState(state *State) error {
	segs, err := state.Segments()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if err := e.Map(seg.Addr, seg.Size); err != nil {
			return err
		}
		if len(seg.Data) > 0 {
			if err := e.Write(seg.Addr, seg.Data); err != nil {
				return err
			}
		}
	}
	regs, err := state.Regs()
	if err != nil {
		return err
	}
	for num, v := range regs {
		if err := e.SetReg(num, v); err != nil {
			return fmt.Errorf("failed to set register %d to %#x: %v", num, v, err)
		}
	}
	return nil
}

func (e *Emulation) fail(err error) {
	if e.err == nil {
		e.err = err
	}
	e.mu.Stop()
}

// SetupHooks adds all the unicorn hooks
func (e *Emulation) SetupHooks() error {
	//***********************************************************************
	//* HOOK_MEM_READ_INVALID|HOOK_MEM_WRITE_INVALID|HOOK_MEM_FETCH_INVALID *
	//***********************************************************************
	if _, err := e.mu.HookAdd(uc.HOOK_MEM_READ_INVALID|uc.HOOK_MEM_WRITE_INVALID|uc.HOOK_MEM_FETCH_INVALID,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			var kind string
			switch access {
			case uc.MEM_WRITE_UNMAPPED:
				kind = "MEM_WRITE_UNMAPPED"
			case uc.MEM_WRITE_PROT:
				kind = "MEM_WRITE_PROT"
			case uc.MEM_READ_UNMAPPED:
				kind = "MEM_READ_UNMAPPED"
			case uc.MEM_READ_PROT:
				kind = "MEM_READ_PROT"
			case uc.MEM_FETCH_UNMAPPED:
				kind = "MEM_FETCH_UNMAPPED"
			case uc.MEM_FETCH_PROT:
				kind = "MEM_FETCH_PROT"
			default:
				kind = fmt.Sprintf("MEM_INVALID(%d)", access)
			}
			if e.conf.Trace {
				fmt.Fprint(e.out, colorHook("[%s]", kind)+colorDetails(" @ %#x, size=%d, value: %#x\n", addr, size, value))
			}
			e.fail(fmt.Errorf("%s at %#x (size %d): %w", kind, addr, size, ErrUnmappedAccess))
			return false
		}, 1, 0); err != nil {
		return fmt.Errorf("failed to register mem invalid read/write/fetch hook: %v", err)
	}
	//*************
	//* HOOK_CODE *
	//*************
	if _, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.conf.Trace {
			e.trace(addr, size)
		}
		if fn, ok := e.natives[addr]; ok {
			if err := fn(e); err != nil {
				e.fail(fmt.Errorf("native %#x: %w", addr, err))
			}
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("failed to register code hook: %v", err)
	}
	//*************
	//* HOOK_INTR *
	//*************
	if _, err := e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		pc, _ := mu.RegRead(uc.ARM64_REG_PC)
		if e.conf.Trace {
			fmt.Fprint(e.out, colorHook("[INTERRUPT]")+colorInterrupt(" %d @ %#x\n", intno, pc))
		}
		e.fail(fmt.Errorf("unhandled interrupt %d at %#x", intno, pc))
	}, 1, 0); err != nil {
		return fmt.Errorf("failed to register interrupt hook: %v", err)
	}

	return nil
}

func (e *Emulation) trace(addr uint64, size uint32) {
	code, err := e.mu.MemRead(addr, uint64(size))
	if err != nil {
		log.Errorf("failed to read instruction at %#x: %v", addr, err)
		return
	}
	if e.conf.Verbose {
		if err := e.GetState(); err != nil {
			log.Errorf("failed to register state: %v", err)
		} else if changed := e.regs.Changed(e.last); len(changed) > 0 {
			fmt.Fprintln(e.out, changed)
		}
	}
	e.diss(addr, code)
}

// Run executes from start until PC reaches stop
func (e *Emulation) Run(start, stop uint64) error {
	e.err = nil
	if err := e.mu.Start(start, stop); err != nil {
		if e.err != nil {
			return e.err
		}
		return fmt.Errorf("failed to emulate: %v", err)
	}
	return e.err
}

// Call runs the function at addr with LR set to stop
func (e *Emulation) Call(addr, stop uint64) error {
	if err := e.mu.RegWrite(uc.ARM64_REG_LR, stop); err != nil {
		return fmt.Errorf("failed to set LR register to %#x: %v", stop, err)
	}
	return e.Run(addr, stop)
}
