package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Apps != "apps" || c.Dylibs != "dylibs" || c.Output != "assemblicated" {
		t.Errorf("unexpected folders: %+v", c)
	}
	if c.Backend != BackendR2 || c.R2.Path != "r2" || c.R2.Timeout != 0 {
		t.Errorf("unexpected backend settings: %+v", c)
	}
	if strings.Join(c.Filtered, ",") != "UIKitCore,libdispatch.dylib,CoreFoundation,CFNetwork" {
		t.Errorf("Filtered = %v", c.Filtered)
	}
}

func TestLoadConfigFile(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
backend: macho
output: "-"
filtered: [libobjc.A.dylib]
max-sessions: 4
r2:
  timeout: 30s
`))
	if err != nil {
		t.Fatal(err)
	}

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Backend != BackendMachO || c.Output != Stdout || c.MaxSessions != 4 {
		t.Errorf("unexpected config: %+v", c)
	}
	if c.R2.Timeout != 30*time.Second {
		t.Errorf("R2.Timeout = %s, want 30s", c.R2.Timeout)
	}
	if len(c.Filtered) != 1 || c.Filtered[0] != "libobjc.A.dylib" {
		t.Errorf("Filtered = %v", c.Filtered)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("backend", "ghidra")
	if _, err := Load(v); err == nil {
		t.Error("Load() accepted an unknown backend")
	}
}
