package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Port != defaultPort {
		t.Fatalf("expected default port %d, got %d", defaultPort, cfg.Backend.Port)
	}
	if cfg.Backend.ServerInfoFile != defaultServerInfoFile {
		t.Fatalf("expected default server info file, got %q", cfg.Backend.ServerInfoFile)
	}
}

func TestLoadPartialFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cymbiont.yaml")
	yamlContent := "backend:\n  port: 9999\ndata_dir: /var/cymbiont\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Port != 9999 {
		t.Fatalf("expected overridden port 9999, got %d", cfg.Backend.Port)
	}
	if cfg.Backend.MaxPortAttempts != defaultMaxPortAttempts {
		t.Fatalf("expected default max_port_attempts to survive partial override, got %d", cfg.Backend.MaxPortAttempts)
	}
	if cfg.DataDir != "/var/cymbiont" {
		t.Fatalf("expected overridden data_dir, got %q", cfg.DataDir)
	}
}

func TestValidateRejectsNonPositivePort(t *testing.T) {
	cfg := Default()
	cfg.Backend.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for zero port")
	}
}

func TestApplyDataDirOverride(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyDataDirOverride("relative-dir"); err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		t.Fatalf("expected override to be resolved to an absolute path, got %q", cfg.DataDir)
	}
}
