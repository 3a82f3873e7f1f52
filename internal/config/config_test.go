package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}

	want := Default()
	if cfg != want {
		t.Fatalf("expected defaults for missing file, got %+v", cfg)
	}
}

func TestLoad_FillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"tunnel": {"activate_timeout_sec": 60}, "logging": {"level": ""}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Tunnel.ActivateTimeoutSec != 60 {
		t.Fatalf("expected explicit activate timeout kept, got %d", cfg.Tunnel.ActivateTimeoutSec)
	}
	if cfg.Tunnel.TeardownTimeoutSec != DefaultTeardownTimeoutSec {
		t.Fatalf("expected default teardown timeout, got %d", cfg.Tunnel.TeardownTimeoutSec)
	}
	if cfg.Precheck.TimeoutSec != DefaultPrecheckTimeoutSec {
		t.Fatalf("expected default precheck timeout, got %d", cfg.Precheck.TimeoutSec)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Logging.Level)
	}
}

func TestLoad_RejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"tunnel":`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.Tunnel.ActivateTimeoutSec = 45
	cfg.Precheck.Enabled = false
	cfg.KillSwitch.Enabled = true
	cfg.Logging.Level = "debug"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind after save")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded != cfg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", loaded, cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*AppConfig) {}},
		{name: "zero activate timeout", mutate: func(c *AppConfig) { c.Tunnel.ActivateTimeoutSec = 0 }, wantErr: true},
		{name: "negative teardown retries", mutate: func(c *AppConfig) { c.Tunnel.TeardownRetries = -1 }, wantErr: true},
		{name: "negative precheck delay", mutate: func(c *AppConfig) { c.Precheck.DelaySec = -2 }, wantErr: true},
		{name: "zero precheck timeout", mutate: func(c *AppConfig) { c.Precheck.TimeoutSec = 0 }, wantErr: true},
	}

	for _, tc := range tests {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestSave_RejectsInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Tunnel.ActivateTimeoutSec = 0

	if err := Save(filepath.Join(t.TempDir(), "config.json"), cfg); err == nil {
		t.Fatalf("expected save to reject invalid config")
	}
}
