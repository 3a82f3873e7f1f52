package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"nmtunnel/internal/config"
)

func TestConfigure_WritesToLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "app.log")
	m := NewManager()
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Configure(config.LoggingConfig{Level: "debug", LogToFile: true}, logPath); err != nil {
		t.Fatalf("configure manager: %v", err)
	}

	m.Logger("test").Info("file must receive this message")

	if err := m.Close(); err != nil {
		t.Fatalf("close manager: %v", err)
	}

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(raw, []byte("file must receive this message")) {
		t.Fatalf("log file does not contain test message, contents: %q", string(raw))
	}
	if !bytes.Contains(raw, []byte("component=test")) {
		t.Fatalf("log file does not tag component, contents: %q", string(raw))
	}
}

func TestConfigure_RejectsUnknownLevel(t *testing.T) {
	m := NewManager()
	t.Cleanup(func() { _ = m.Close() })

	err := m.Configure(config.LoggingConfig{Level: "loud"}, filepath.Join(t.TempDir(), "app.log"))
	if err == nil {
		t.Fatalf("expected error for unknown log level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{raw: "debug"},
		{raw: "info"},
		{raw: " WARN "},
		{raw: "warning"},
		{raw: "error"},
		{raw: ""},
		{raw: "verbose", wantErr: true},
	}

	for _, tc := range tests {
		_, err := parseLevel(tc.raw)
		if tc.wantErr && err == nil {
			t.Fatalf("%q: expected error", tc.raw)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.raw, err)
		}
	}
}
