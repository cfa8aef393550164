package relocator

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/arm64hook/pkg/arm64"
)

// Window describes how much of a function prologue can be safely overwritten
type Window struct {
	Min      int  `json:"min"`       // requested size
	Max      int  `json:"max"`       // bytes that must be relocated
	EarlyEnd bool `json:"early_end"` // an unconditional branch or return was met before Max
	Count    int  `json:"count"`     // instructions scanned
}

func (w Window) String() string {
	return fmt.Sprintf("min=%d max=%d insts=%d early_end=%t", w.Min, w.Max, w.Count, w.EarlyEnd)
}

// Span is Max rounded up to whole instructions
func (w Window) Span() int {
	return (w.Max + arm64.InstSize - 1) &^ (arm64.InstSize - 1)
}

// TryRelocate scans code (located at address) until at least minBytes of whole
// instructions are covered. Meeting an unconditional branch (B, BR) or a return ends
// the function early, in which case Max is exactly minBytes.
func TryRelocate(code []byte, address uint64, minBytes int) (Window, error) {
	win := Window{Min: minBytes}

	if minBytes <= 0 {
		return win, fmt.Errorf("window size %d is not positive", minBytes)
	}
	if need := (minBytes + arm64.InstSize - 1) &^ (arm64.InstSize - 1); len(code) < need {
		return win, fmt.Errorf("need %d bytes at %#x, only %d available: %w", need, address, len(code), ErrShortCode)
	}

	r := arm64.NewReader(address, code)
	for win.Max < minBytes {
		inst, err := r.ReadInst()
		if err != nil {
			return win, fmt.Errorf("failed to scan window at %#x: %w", address, err)
		}
		win.Max += inst.Size
		win.Count++
		if inst.Terminates() {
			win.EarlyEnd = true
			log.WithField("pc", fmt.Sprintf("%#x", inst.Address)).Debugf("window ends early at %s", inst.Kind())
			break
		}
	}
	if win.EarlyEnd {
		win.Max = minBytes
	}

	return win, nil
}
