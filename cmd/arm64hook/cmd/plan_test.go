package cmd

import (
	"strings"
	"testing"

	"github.com/blacktop/arm64hook/pkg/hook"
	"github.com/blacktop/arm64hook/pkg/source"
)

func TestPatchDiff(t *testing.T) {
	// stp x29, x30, [sp, #-16]!; mov x29, sp; add x0, x0, #1; add x0, x0, #2; ldp x29, x30, [sp], #16; ret
	code, err := source.FromHex("fd7bbfa9 fd030091 00040091 00080091 fd7bc1a8 c0035fd6", 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	inst, err := hook.Plan(hook.Target{Address: code.Address, Code: code.Data}, hook.NewLayout(0x8000))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	diff := patchDiff(inst, symbolsFor(code))
	for _, want := range []string{
		"--- original\n",
		"+++ patched\n",
		"-0x00001000:  ",
		"+0x00001004:  br\tx17\n",
		"+0x00001008:  .quad\t0x8100\n",
	} {
		if !strings.Contains(diff, want) {
			t.Errorf("diff missing %q:\n%s", want, diff)
		}
	}
}
