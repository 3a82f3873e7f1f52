package app

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if !strings.HasSuffix(paths.RootDir, Name) {
		t.Fatalf("expected root dir to end with %q, got %q", Name, paths.RootDir)
	}
	if paths.ConfigFile != filepath.Join(paths.RootDir, ConfigFilename) {
		t.Fatalf("unexpected config path: %q", paths.ConfigFile)
	}
	if paths.RecordFile != filepath.Join(paths.RootDir, RecordFilename) {
		t.Fatalf("unexpected record path: %q", paths.RecordFile)
	}
	if paths.DBFile != filepath.Join(paths.RootDir, DBFilename) {
		t.Fatalf("unexpected db path: %q", paths.DBFile)
	}
	if paths.LogFile != filepath.Join(paths.RootDir, LogFilename) {
		t.Fatalf("unexpected log path: %q", paths.LogFile)
	}
}
