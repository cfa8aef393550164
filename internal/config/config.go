// Package config is used to load the configuration file
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type relocate struct {
	MinBytes int  `mapstructure:"min-bytes"`
	Strict   bool `mapstructure:"strict"`
}

type thunk struct {
	BeginInvocation uint64 `mapstructure:"begin-invocation"`
	EndInvocation   uint64 `mapstructure:"end-invocation"`
}

type hook struct {
	NearJump bool `mapstructure:"near-jump"`
}

// Config is the configuration struct
type Config struct {
	Relocate relocate `mapstructure:"relocate"`
	Thunk    thunk    `mapstructure:"thunk"`
	Hook     hook     `mapstructure:"hook"`
}

// SetDefaults registers the default values of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("relocate.min-bytes", 16)
	v.SetDefault("relocate.strict", true)
	v.SetDefault("thunk.begin-invocation", 0)
	v.SetDefault("thunk.end-invocation", 0)
	v.SetDefault("hook.near-jump", false)
}

func (c *Config) verify() error {
	if c.Relocate.MinBytes <= 0 {
		return fmt.Errorf("config: relocate.min-bytes must be positive (got %d)", c.Relocate.MinBytes)
	}
	if (c.Thunk.BeginInvocation == 0) != (c.Thunk.EndInvocation == 0) {
		return fmt.Errorf("config: thunk.begin-invocation and thunk.end-invocation must be set together")
	}
	if c.Thunk.BeginInvocation%4 != 0 || c.Thunk.EndInvocation%4 != 0 {
		return fmt.Errorf("config: dispatch routine addresses must be 4 byte aligned")
	}
	return nil
}

// LoadConfig loads the configuration from the global viper instance
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}

// Load unmarshals and verifies the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var c *Config

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
