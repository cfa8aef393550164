package thunk

import (
	"encoding/binary"
	"fmt"
)

// EntrySize is the encoded size of an Entry
const EntrySize = 9 * 8

// Entry describes one hooked function. The thunks receive its address in x17.
type Entry struct {
	Target             uint64 // original function
	Patched            uint64 // address of the overwritten prologue
	OnInvokeTrampoline uint64 // relocated prologue followed by a jump back
	ReplaceCall        uint64 // replacement implementation, 0 to call the original
	PreCall            uint64 // callback run before the call, 0 for none
	PostCall           uint64 // callback run after the call, 0 for none
	OnEnterTrampoline  uint64
	OnLeaveTrampoline  uint64
	CallerRetAddr      uint64 // captured by each invocation
}

// MarshalBinary encodes the entry as nine little endian quads
func (e *Entry) MarshalBinary() ([]byte, error) {
	return binary.Append(make([]byte, 0, EntrySize), binary.LittleEndian, e)
}

// UnmarshalBinary decodes an entry read from memory
func (e *Entry) UnmarshalBinary(data []byte) error {
	if len(data) < EntrySize {
		return fmt.Errorf("entry needs %d bytes, got %d", EntrySize, len(data))
	}
	_, err := binary.Decode(data, binary.LittleEndian, e)
	return err
}
