package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Port == 0 || cfg.DataDir == "" || cfg.Workers < 1 {
		t.Fatalf("default config incomplete: %+v", cfg)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("not_exists.yml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Port != defaultPort {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReadsAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	content := []byte(`port: 9090
data_dir: /var/lib/coldstore
repos_file: /etc/coldstore/repos.yml
workers: 4
max_wait_for: 2h
smtp:
  host: mail.example.org
  port: 25
  from: coldstore@example.org
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.Workers != 4 || cfg.MaxWaitFor != 2*time.Hour {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.SMTP.Host != "mail.example.org" || cfg.SMTP.From != "coldstore@example.org" {
		t.Fatalf("smtp section mis-parsed: %+v", cfg.SMTP)
	}
	// unset fields keep their defaults
	if cfg.MaxTaskDuration != defaultMaxTaskDuration {
		t.Fatalf("default not preserved: %v", cfg.MaxTaskDuration)
	}
}

func TestLoadRejectsInvalidWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte("workers: 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid workers")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte("port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("COLDSTORE_PORT", "7070")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7070 {
		t.Fatalf("env override should win, got %d", cfg.Port)
	}
}
