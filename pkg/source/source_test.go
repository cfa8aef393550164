package source

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestFromHex(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{"plain", "1f2003d5c0035fd6", []byte{0x1f, 0x20, 0x03, 0xd5, 0xc0, 0x03, 0x5f, 0xd6}, false},
		{"spaced", "1f 20 03 d5\nc0 03 5f d6", []byte{0x1f, 0x20, 0x03, 0xd5, 0xc0, 0x03, 0x5f, 0xd6}, false},
		{"prefixed", "0x1f,0x20,0x03,0xd5", []byte{0x1f, 0x20, 0x03, 0xd5}, false},
		{"odd", "1f2", nil, true},
		{"empty", "  ", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := FromHex(tt.in, 0x1000)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromHex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !bytes.Equal(code.Data, tt.want) || code.Address != 0x1000 {
				t.Errorf("FromHex() = %x @ %#x, want %x", code.Data, code.Address, tt.want)
			}
		})
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.bin")
	data := []byte{0xde, 0xad, 0x1f, 0x20, 0x03, 0xd5, 0xc0, 0x03, 0x5f, 0xd6}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	code, err := FromFile(path, 2, 4, 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(code.Data, data[2:6]) || code.Address != 0x4000 {
		t.Errorf("FromFile() = %x @ %#x", code.Data, code.Address)
	}

	code, err = FromFile(path, 2, 0, 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(code.Data, data[2:]) {
		t.Errorf("FromFile() rest of file = %x", code.Data)
	}

	if _, err := FromFile(path, 8, 4, 0); err == nil {
		t.Errorf("expected short read to fail")
	}
	if _, err := FromFile(path, 64, 0, 0); err == nil {
		t.Errorf("expected offset past end to fail")
	}
}

func TestFromMachONotMachO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.bin")
	if err := os.WriteFile(path, []byte("definitely not a MachO"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := FromMachO(&MachOConfig{Path: path, Symbol: "_main"}); err == nil {
		t.Errorf("expected FromMachO to reject a non MachO file")
	}
}
