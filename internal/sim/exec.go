package sim

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

func field(x uint32, start, n uint) uint32 {
	return (x >> start) & (1<<n - 1)
}

func sext(x uint64, n uint) int64 {
	return int64(x<<(64-n)) >> (64 - n)
}

// exec runs one instruction and returns the next PC
func (m *Machine) exec(inst uint32) (uint64, error) {
	pc := m.PC
	next := pc + 4
	rd := field(inst, 0, 5)
	rn := field(inst, 5, 5)
	sf := field(inst, 31, 1) == 1

	switch {
	case inst&0xfffff01f == 0xd503201f: // nop and other hints
		return next, nil

	case inst&0x7c000000 == 0x14000000: // b, bl
		if inst&0x80000000 != 0 {
			m.X[30] = next
		}
		return pc + uint64(sext(uint64(field(inst, 0, 26)), 26)<<2), nil

	case inst&0xff000010 == 0x54000000: // b.cond
		if m.cond(field(inst, 0, 4)) {
			return pc + uint64(sext(uint64(field(inst, 5, 19)), 19)<<2), nil
		}
		return next, nil

	case inst&0x7e000000 == 0x34000000: // cbz, cbnz
		v := m.Reg(int(rd))
		if !sf {
			v = uint64(uint32(v))
		}
		if (v == 0) != (field(inst, 24, 1) == 1) {
			return pc + uint64(sext(uint64(field(inst, 5, 19)), 19)<<2), nil
		}
		return next, nil

	case inst&0x7e000000 == 0x36000000: // tbz, tbnz
		bit := field(inst, 31, 1)<<5 | field(inst, 19, 5)
		set := m.Reg(int(rd))>>bit&1 == 1
		if set == (field(inst, 24, 1) == 1) {
			return pc + uint64(sext(uint64(field(inst, 5, 14)), 14)<<2), nil
		}
		return next, nil

	case inst&0xfffffc1f == 0xd61f0000: // br
		return m.Reg(int(rn)), nil
	case inst&0xfffffc1f == 0xd63f0000: // blr
		target := m.Reg(int(rn))
		m.X[30] = next
		return target, nil
	case inst&0xfffffc1f == 0xd65f0000: // ret
		return m.Reg(int(rn)), nil

	case inst&0x1f000000 == 0x10000000: // adr, adrp
		imm := sext(uint64(field(inst, 5, 19)<<2|field(inst, 29, 2)), 21)
		if inst&0x80000000 != 0 {
			m.SetReg(int(rd), (pc&^0xfff)+uint64(imm<<12))
		} else {
			m.SetReg(int(rd), pc+uint64(imm))
		}
		return next, nil

	case inst&0x3b000000 == 0x18000000: // ldr (literal)
		return next, m.loadLiteral(inst, pc)

	case inst&0x1f800000 == 0x12800000: // movn, movz, movk
		return next, m.moveWide(inst)

	case inst&0x1f000000 == 0x11000000: // add/sub (immediate)
		return next, m.addSubImm(inst)

	case inst&0x1f000000 == 0x0a000000: // logical (shifted register)
		return next, m.logicalReg(inst)

	case inst&0x1f200000 == 0x0b000000: // add/sub (shifted register)
		return next, m.addSubReg(inst)

	case inst&0x3b000000 == 0x39000000: // ldr/str (unsigned immediate)
		return next, m.loadStoreImm(inst)

	case inst&0x3a000000 == 0x28000000: // ldp/stp
		return next, m.loadStorePair(inst)
	}

	return 0, ErrUnsupported
}

func (m *Machine) cond(c uint32) bool {
	var r bool
	switch c >> 1 {
	case 0:
		r = m.Z
	case 1:
		r = m.C
	case 2:
		r = m.N
	case 3:
		r = m.O
	case 4:
		r = m.C && !m.Z
	case 5:
		r = m.N == m.O
	case 6:
		r = m.N == m.O && !m.Z
	case 7:
		return true
	}
	if c&1 == 1 {
		return !r
	}
	return r
}

func (m *Machine) loadLiteral(inst uint32, pc uint64) error {
	rt := int(field(inst, 0, 5))
	addr := pc + uint64(sext(uint64(field(inst, 5, 19)), 19)<<2)
	opc := field(inst, 30, 2)
	if field(inst, 26, 1) == 1 {
		size := 4 << opc
		if opc == 3 {
			return ErrUnsupported
		}
		b, err := m.Read(addr, size)
		if err != nil {
			return err
		}
		m.setVector(rt, b)
		return nil
	}
	switch opc {
	case 0:
		b, err := m.slice(addr, 4)
		if err != nil {
			return err
		}
		m.SetReg(rt, uint64(binary.LittleEndian.Uint32(b)))
	case 1:
		v, err := m.ReadUint64(addr)
		if err != nil {
			return err
		}
		m.SetReg(rt, v)
	case 2:
		b, err := m.slice(addr, 4)
		if err != nil {
			return err
		}
		m.SetReg(rt, uint64(int64(int32(binary.LittleEndian.Uint32(b)))))
	case 3: // prfm
	}
	return nil
}

func (m *Machine) setVector(n int, b []byte) {
	m.V[n] = [16]byte{}
	copy(m.V[n][:], b)
}

func (m *Machine) moveWide(inst uint32) error {
	rd := int(field(inst, 0, 5))
	shift := field(inst, 21, 2) * 16
	imm := uint64(field(inst, 5, 16)) << shift
	sf := field(inst, 31, 1) == 1
	if !sf && shift > 16 {
		return ErrUnsupported
	}
	var v uint64
	switch field(inst, 29, 2) {
	case 0: // movn
		v = ^imm
	case 2: // movz
		v = imm
	case 3: // movk
		v = m.Reg(rd)&^(0xffff<<shift) | imm
	default:
		return ErrUnsupported
	}
	if !sf {
		v = uint64(uint32(v))
	}
	m.SetReg(rd, v)
	return nil
}

func (m *Machine) addSubImm(inst uint32) error {
	rd := field(inst, 0, 5)
	rn := field(inst, 5, 5)
	imm := uint64(field(inst, 10, 12))
	if field(inst, 22, 1) == 1 {
		imm <<= 12
	}
	if field(inst, 23, 1) == 1 {
		return ErrUnsupported
	}
	sub := field(inst, 30, 1) == 1
	setFlags := field(inst, 29, 1) == 1
	sf := field(inst, 31, 1) == 1

	res := m.addWithFlags(m.regOrSP(rn), imm, sub, sf, setFlags)
	if setFlags {
		m.SetReg(int(rd), res)
	} else {
		m.setRegOrSP(rd, res)
	}
	return nil
}

func (m *Machine) addSubReg(inst uint32) error {
	rd := int(field(inst, 0, 5))
	rn := int(field(inst, 5, 5))
	rm := int(field(inst, 16, 5))
	sf := field(inst, 31, 1) == 1
	b := shiftReg(m.Reg(rm), field(inst, 22, 2), uint(field(inst, 10, 6)), sf)
	setFlags := field(inst, 29, 1) == 1
	res := m.addWithFlags(m.Reg(rn), b, field(inst, 30, 1) == 1, sf, setFlags)
	m.SetReg(rd, res)
	return nil
}

func (m *Machine) addWithFlags(a, b uint64, sub, sf, setFlags bool) uint64 {
	width := uint(64)
	if !sf {
		width = 32
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}
	carry := uint64(0)
	if sub {
		b = ^b
		if !sf {
			b = uint64(uint32(b))
		}
		carry = 1
	}
	res, c := bits.Add64(a, b, carry)
	if !sf {
		full := a + b + carry
		res = uint64(uint32(full))
		c = full >> 32
	}
	if setFlags {
		sign := uint64(1) << (width - 1)
		m.N = res&sign != 0
		m.Z = res == 0
		m.C = c == 1
		m.O = (^(a^b))&(a^res)&sign != 0
	}
	return res
}

func shiftReg(v uint64, kind uint32, amount uint, sf bool) uint64 {
	if !sf {
		v = uint64(uint32(v))
	}
	switch kind {
	case 0:
		v <<= amount
	case 1:
		v >>= amount
	case 2:
		if sf {
			v = uint64(int64(v) >> amount)
		} else {
			v = uint64(uint32(int32(uint32(v)) >> amount))
		}
	case 3:
		if sf {
			v = bits.RotateLeft64(v, -int(amount))
		} else {
			v = uint64(bits.RotateLeft32(uint32(v), -int(amount)))
		}
	}
	if !sf {
		v = uint64(uint32(v))
	}
	return v
}

func (m *Machine) logicalReg(inst uint32) error {
	rd := int(field(inst, 0, 5))
	rn := int(field(inst, 5, 5))
	rm := int(field(inst, 16, 5))
	sf := field(inst, 31, 1) == 1
	b := shiftReg(m.Reg(rm), field(inst, 22, 2), uint(field(inst, 10, 6)), sf)
	if field(inst, 21, 1) == 1 {
		b = ^b
	}
	a := m.Reg(rn)
	var res uint64
	switch field(inst, 29, 2) {
	case 0, 3: // and, ands
		res = a & b
	case 1: // orr
		res = a | b
	case 2: // eor
		res = a ^ b
	}
	if !sf {
		res = uint64(uint32(res))
	}
	if field(inst, 29, 2) == 3 {
		sign := uint64(1) << 63
		if !sf {
			sign = 1 << 31
		}
		m.N, m.Z, m.C, m.O = res&sign != 0, res == 0, false, false
	}
	m.SetReg(rd, res)
	return nil
}

func (m *Machine) loadStoreImm(inst uint32) error {
	rt := int(field(inst, 0, 5))
	rn := field(inst, 5, 5)
	size := field(inst, 30, 2)
	opc := field(inst, 22, 2)
	vector := field(inst, 26, 1) == 1

	scale := uint64(1) << size
	if vector && size == 0 && opc >= 2 {
		scale = 16
	}
	addr := m.regOrSP(rn) + uint64(field(inst, 10, 12))*scale

	if vector {
		load := opc&1 == 1
		if scale == 16 {
			load = opc == 3
		}
		if load {
			b, err := m.Read(addr, int(scale))
			if err != nil {
				return err
			}
			m.setVector(rt, b)
			return nil
		}
		return m.Write(addr, m.V[rt][:scale])
	}

	switch opc {
	case 0: // str
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], m.Reg(rt))
		return m.Write(addr, b[:scale])
	case 1: // ldr
		b, err := m.Read(addr, int(scale))
		if err != nil {
			return err
		}
		var buf [8]byte
		copy(buf[:], b)
		m.SetReg(rt, binary.LittleEndian.Uint64(buf[:]))
	case 2, 3: // ldrs*
		if size == 3 {
			return fmt.Errorf("prfm (immediate): %w", ErrUnsupported)
		}
		b, err := m.Read(addr, int(scale))
		if err != nil {
			return err
		}
		var buf [8]byte
		copy(buf[:], b)
		v := uint64(sext(binary.LittleEndian.Uint64(buf[:]), uint(scale*8)))
		if opc == 3 {
			v = uint64(uint32(v))
		}
		m.SetReg(rt, v)
	}
	return nil
}

func (m *Machine) loadStorePair(inst uint32) error {
	rt := int(field(inst, 0, 5))
	rt2 := int(field(inst, 10, 5))
	rn := field(inst, 5, 5)
	opc := field(inst, 30, 2)
	vector := field(inst, 26, 1) == 1
	load := field(inst, 22, 1) == 1
	mode := field(inst, 23, 2)

	var scale uint64
	switch {
	case vector:
		scale = 4 << opc
	case opc == 0:
		scale = 4
	case opc == 2:
		scale = 8
	default:
		return ErrUnsupported
	}
	offset := uint64(sext(uint64(field(inst, 15, 7)), 7)) * scale

	base := m.regOrSP(rn)
	addr := base
	if mode != 1 { // everything but post-index applies the offset up front
		addr += offset
	}

	for i, r := range []int{rt, rt2} {
		at := addr + uint64(i)*scale
		switch {
		case load && vector:
			b, err := m.Read(at, int(scale))
			if err != nil {
				return err
			}
			m.setVector(r, b)
		case load:
			b, err := m.Read(at, int(scale))
			if err != nil {
				return err
			}
			var buf [8]byte
			copy(buf[:], b)
			m.SetReg(r, binary.LittleEndian.Uint64(buf[:]))
		case vector:
			if err := m.Write(at, m.V[r][:scale]); err != nil {
				return err
			}
		default:
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], m.Reg(r))
			if err := m.Write(at, buf[:scale]); err != nil {
				return err
			}
		}
	}

	switch mode {
	case 1:
		m.setRegOrSP(rn, base+offset)
	case 3:
		m.setRegOrSP(rn, addr)
	}
	return nil
}
