package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(*Config) bool
	}{
		{
			name:  "defaults",
			yaml:  "",
			check: func(c *Config) bool { return c.Relocate.MinBytes == 16 && c.Relocate.Strict && !c.Hook.NearJump },
		},
		{
			name: "hex routines",
			yaml: "thunk:\n  begin-invocation: 0x60000\n  end-invocation: 0x60010\nhook:\n  near-jump: true\n",
			check: func(c *Config) bool {
				return c.Thunk.BeginInvocation == 0x60000 && c.Thunk.EndInvocation == 0x60010 && c.Hook.NearJump
			},
		},
		{
			name: "lenient",
			yaml: "relocate:\n  min-bytes: 4\n  strict: false\n",
			check: func(c *Config) bool { return c.Relocate.MinBytes == 4 && !c.Relocate.Strict },
		},
		{
			name:  "unaligned window",
			yaml:  "relocate:\n  min-bytes: 6\n",
			check: func(c *Config) bool { return c.Relocate.MinBytes == 6 },
		},
		{name: "empty window", yaml: "relocate:\n  min-bytes: 0\n", wantErr: true},
		{name: "half configured", yaml: "thunk:\n  begin-invocation: 0x60000\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.SetConfigType("yaml")
			SetDefaults(v)
			if err := v.ReadConfig(strings.NewReader(tt.yaml)); err != nil {
				t.Fatalf("ReadConfig() error = %v", err)
			}
			c, err := Load(v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !tt.check(c) {
				t.Errorf("Load() = %+v", c)
			}
		})
	}
}
