package config

import (
	"os"
	"path/filepath"
	"testing"
)

type testConfig struct {
	Dir         string   `name:"state-history-dir" default:"state-history" help:"dir"`
	Endpoint    string   `name:"state-history-endpoint" default:"127.0.0.1:8080" help:"endpoint"`
	Trace       bool     `name:"trace-history" help:"trace"`
	MaxSessions int      `name:"max-sessions" default:"100" help:"sessions"`
	Filter      []string `name:"log-filter" default:"startup,ship" help:"filter"`
	Required    string   `name:"must-have" required:"true" help:"required field"`
}

func TestDefaultsAndFlags(t *testing.T) {
	cfg := &testConfig{}
	err := Load(cfg, []string{"--must-have", "x", "--trace-history", "--max-sessions", "7"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dir != "state-history" {
		t.Errorf("default dir = %q", cfg.Dir)
	}
	if !cfg.Trace {
		t.Error("bool flag not set")
	}
	if cfg.MaxSessions != 7 {
		t.Errorf("max-sessions = %d, want 7", cfg.MaxSessions)
	}
	if len(cfg.Filter) != 2 || cfg.Filter[0] != "startup" {
		t.Errorf("default filter = %v", cfg.Filter)
	}
}

func TestRequiredMissing(t *testing.T) {
	cfg := &testConfig{}
	if err := Load(cfg, nil); err == nil {
		t.Error("missing required field accepted")
	}
}

func TestINIFileAndFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.ini")
	ini := `# test config
must-have = from-file
state-history-endpoint = "0.0.0.0:9999"
max-sessions = 50
log-filter = a, b, c
`
	if err := os.WriteFile(path, []byte(ini), 0644); err != nil {
		t.Fatalf("write ini: %v", err)
	}

	cfg := &testConfig{}
	err := Load(cfg, []string{"--config", path, "--max-sessions", "5"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Required != "from-file" {
		t.Errorf("ini value = %q", cfg.Required)
	}
	if cfg.Endpoint != "0.0.0.0:9999" {
		t.Errorf("quoted ini value = %q", cfg.Endpoint)
	}
	// Flags win over the file.
	if cfg.MaxSessions != 5 {
		t.Errorf("max-sessions = %d, want flag value 5", cfg.MaxSessions)
	}
	if len(cfg.Filter) != 3 || cfg.Filter[2] != "c" {
		t.Errorf("filter = %v", cfg.Filter)
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "yes", "on", "TRUE"} {
		if !ParseBool(v) {
			t.Errorf("ParseBool(%q) = false", v)
		}
	}
	for _, v := range []string{"0", "false", "no", "off", ""} {
		if ParseBool(v) {
			t.Errorf("ParseBool(%q) = true", v)
		}
	}
}
