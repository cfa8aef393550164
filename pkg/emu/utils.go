//go:build unicorn

package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/arm64hook/internal/utils"
	"github.com/blacktop/go-macho/types"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// GetState refreshes the internal register state
func (e *Emulation) GetState() error {
	nums := make([]int, 0, RegPSTATE+1)
	ucRegs := make([]int, 0, RegPSTATE+1)
	for num := 0; num <= RegPC; num++ {
		nums = append(nums, num)
		ucRegs = append(ucRegs, ucReg(num))
	}
	nums = append(nums, RegPSTATE)
	ucRegs = append(ucRegs, uc.ARM64_REG_PSTATE)

	vals, err := e.mu.RegReadBatch(ucRegs)
	if err != nil {
		return err
	}
	for idx, val := range vals {
		e.regs[nums[idx]] = val
	}
	return nil
}

// Registers returns the register state captured by the last GetState
func (e *Emulation) Registers() Registers {
	return e.regs
}

func (e *Emulation) PutUint32(where uint64, v uint32) error {
	return e.Write(where, binary.LittleEndian.AppendUint32(nil, v))
}

func (e *Emulation) PutPointer(where uint64, ptr uint64) error {
	return e.Write(where, binary.LittleEndian.AppendUint64(nil, ptr))
}

func (e *Emulation) ReadPointer(where uint64) (uint64, error) {
	dat, err := e.Read(where, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(dat), nil
}

func (e *Emulation) DumpMem(addr uint64, size uint64) error {
	dat, err := e.mu.MemRead(addr, size)
	if err != nil {
		return err
	}
	fmt.Fprint(e.out, utils.HexDump(dat, addr))
	return nil
}

// DumpMemRegions prints emulation memory regions
func (e *Emulation) DumpMemRegions() error {
	memRegs, err := e.mu.MemRegions()
	if err != nil {
		return err
	}
	for _, mr := range memRegs {
		fmt.Fprint(e.out,
			colorHook("    begin: ")+colorDetails("%#09x", mr.Begin)+
				colorHook(", end: ")+colorDetails("%#09x", mr.End)+
				colorHook(", prot: ")+colorDetails("%s", types.VmProtection(mr.Prot))+
				colorHook(", size: ")+colorDetails("%#x\n", mr.End-mr.Begin+1),
		)
	}
	return nil
}
