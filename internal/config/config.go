// Package config is used to load the configuration file
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendR2    = "r2"
	BackendMachO = "macho"
	// Stdout as the output directory writes the report to stdout
	Stdout = "-"
)

type radare2 struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Config is the configuration struct
type Config struct {
	Apps        string   `mapstructure:"apps"`
	Dylibs      string   `mapstructure:"dylibs"`
	Output      string   `mapstructure:"output"`
	Backend     string   `mapstructure:"backend"`
	Arch        string   `mapstructure:"arch"`
	Filtered    []string `mapstructure:"filtered"`
	R2          radare2  `mapstructure:"r2"`
	MaxSessions int      `mapstructure:"max-sessions"`
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("apps", "apps")
	v.SetDefault("dylibs", "dylibs")
	v.SetDefault("output", "assemblicated")
	v.SetDefault("backend", BackendR2)
	v.SetDefault("filtered", []string{"UIKitCore", "libdispatch.dylib", "CoreFoundation", "CFNetwork"})
	v.SetDefault("r2.path", "r2")
	v.SetDefault("r2.timeout", time.Duration(0))
	v.SetDefault("max-sessions", 0)
}

func (c *Config) verify() error {
	switch c.Backend {
	case BackendR2, BackendMachO:
	case "":
		c.Backend = BackendR2
	default:
		return fmt.Errorf("config: unknown backend %q (expected %s or %s)", c.Backend, BackendR2, BackendMachO)
	}
	if c.Apps == "" || c.Dylibs == "" {
		return fmt.Errorf("config: apps and dylibs folders must be set")
	}
	if c.Output == "" {
		c.Output = Stdout
	}
	if c.R2.Timeout < 0 {
		return fmt.Errorf("config: r2.timeout cannot be negative")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("config: max-sessions cannot be negative")
	}
	return nil
}

// LoadConfig loads the configuration file
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
