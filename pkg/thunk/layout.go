package thunk

import (
	"encoding/binary"
	"fmt"
)

// Stack frame built by the context save sequence, relative to SP once it completes:
//
//	  0  pc (unused)       16  sp at entry        32  x1 ... x30
//	  8  snapshot start    24  x0                272  q0 ... q7
//	400  next hop         408  pad
const (
	FrameSize = 416

	SnapshotOffset = 8   // RegisterSnapshot base
	CallerRetSlot  = 264 // saved LR, i.e. the caller return address
	NextHopSlot    = 400

	vectorAreaSize = 128 // q0-q7
	gprAreaSize    = 240 // x1-x30
)

// Generated code sizes
const (
	EnterThunkSize = 58 * 4
	LeaveThunkSize = 57 * 4
	TrampolineSize = 36
	JumpSize       = 16
)

// SnapshotSize is the encoded size of a Snapshot
const SnapshotSize = 392

// Snapshot is the register state captured by a thunk. Callbacks may modify it;
// everything but PC and SP is written back to the CPU when the thunk returns.
type Snapshot struct {
	PC uint64
	SP uint64
	X  [29]uint64 // x0-x28
	FP uint64
	LR uint64
	Q  [8][16]byte
}

// Reg returns x0-x30
func (s *Snapshot) Reg(n int) uint64 {
	switch {
	case n < 29:
		return s.X[n]
	case n == 29:
		return s.FP
	default:
		return s.LR
	}
}

// SetReg sets x0-x30
func (s *Snapshot) SetReg(n int, v uint64) {
	switch {
	case n < 29:
		s.X[n] = v
	case n == 29:
		s.FP = v
	default:
		s.LR = v
	}
}

// MarshalBinary encodes the snapshot in its stack layout
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return binary.Append(make([]byte, 0, SnapshotSize), binary.LittleEndian, s)
}

// UnmarshalBinary decodes a snapshot read from a thunk frame
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	if len(data) < SnapshotSize {
		return fmt.Errorf("snapshot needs %d bytes, got %d", SnapshotSize, len(data))
	}
	_, err := binary.Decode(data, binary.LittleEndian, s)
	return err
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("pc=%#x sp=%#x x0=%#x x1=%#x fp=%#x lr=%#x", s.PC, s.SP, s.X[0], s.X[1], s.FP, s.LR)
}
