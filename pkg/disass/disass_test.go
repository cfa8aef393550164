package disass

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/blacktop/arm64hook/pkg/arm64"
	"github.com/fatih/color"
)

// conditional branch rewrite as emitted at 0x2000
func listing(t *testing.T) []byte {
	t.Helper()
	w := arm64.NewWriter(0x2000)
	beq, err := arm64.EncodeBCond(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	w.PutInst(beq)
	if err := w.PutBImm(0x14); err != nil {
		t.Fatal(err)
	}
	w.PutLdrRegAddress(arm64.X17, 0x1100)
	w.PutBrReg(arm64.X17)
	return w.Bytes()
}

func TestLines(t *testing.T) {
	lines := Lines(&Config{
		Data:         listing(t),
		StartAddress: 0x2000,
		Symbols:      map[uint64]string{0x1100: "hooked"},
	})

	tests := []struct {
		addr     uint64
		mnemonic string
		operands string
		data     bool
		location bool
		comment  string
	}{
		{0x2000, "b.eq", "loc_2008", false, false, ""},
		{0x2004, "b", "loc_2018", false, false, ""},
		{0x2008, "ldr", "x17, 0x2010", false, true, ""},
		{0x200c, "b", "loc_2018", false, false, ""},
		{0x2010, ".quad", "0x1100", true, false, "hooked"},
		{0x2018, "br", "x17", false, true, ""},
	}
	if len(lines) != len(tests) {
		t.Fatalf("got %d lines, want %d: %+v", len(lines), len(tests), lines)
	}
	for i, tt := range tests {
		got := lines[i]
		if got.Address != tt.addr || got.Mnemonic != tt.mnemonic || got.Operands != tt.operands {
			t.Errorf("line %d = %#x %s %s, want %#x %s %s", i, got.Address, got.Mnemonic, got.Operands, tt.addr, tt.mnemonic, tt.operands)
		}
		if got.Data != tt.data || got.Location != tt.location || got.Comment != tt.comment {
			t.Errorf("line %d flags = data:%v loc:%v comment:%q", i, got.Data, got.Location, got.Comment)
		}
	}
}

func TestLinesUndecodable(t *testing.T) {
	lines := Lines(&Config{Data: []byte{0, 0, 0, 0, 0x1f, 0x20, 0x03, 0xd5}, StartAddress: 0x100})
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Mnemonic != ".long" || lines[0].Comment == "" {
		t.Errorf("udf word = %+v", lines[0])
	}
	if lines[1].Mnemonic != "nop" {
		t.Errorf("second word = %s, want nop", lines[1].Mnemonic)
	}
}

func TestDisassemble(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true

	var buf bytes.Buffer
	err := Disassemble(&buf, &Config{
		Data:         listing(t),
		StartAddress: 0x2000,
		Symbols:      map[uint64]string{0x1100: "hooked", 0x2000: "trampoline"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"trampoline:\n",
		"0x00002018:  ; loc_2018\n",
		"00 11 00 00 00 00 00 00\t.quad\t0x1100 ; hooked\n",
		"20 02 1f d6\tbr\tx17\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := Disassemble(&buf, &Config{Data: listing(t), StartAddress: 0x2000, AsJSON: true}); err != nil {
		t.Fatal(err)
	}
	var lines []Line
	if err := json.Unmarshal(buf.Bytes(), &lines); err != nil {
		t.Fatalf("json listing: %v", err)
	}
	if len(lines) != 6 || !lines[4].Data || lines[4].Target != 0x1100 {
		t.Errorf("json lines = %+v", lines)
	}
}

func TestText(t *testing.T) {
	got := Text(&Config{Data: listing(t), StartAddress: 0x2000, Symbols: map[uint64]string{0x1100: "hooked"}})
	want := "0x00002000:  b.eq\tloc_2008\n" +
		"0x00002004:  b\tloc_2018\n" +
		"0x00002008:  ldr\tx17, 0x2010\n" +
		"0x0000200c:  b\tloc_2018\n" +
		"0x00002010:  .quad\t0x1100 ; hooked\n" +
		"0x00002018:  br\tx17\n"
	if got != want {
		t.Errorf("Text() =\n%s\nwant\n%s", got, want)
	}
}

func TestColorOperands(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	color.NoColor = true
	if got := ColorOperands("x17, 0x2010"); got != "x17, 0x2010" {
		t.Errorf("uncolored operands = %q", got)
	}
	color.NoColor = false
	if got := ColorOperands("x17, 0x2010"); !strings.Contains(got, "\x1b[") {
		t.Errorf("expected ANSI codes, got %q", got)
	}
}
