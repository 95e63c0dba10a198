package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/attache.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attache.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "attache.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "attache.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attache.yaml")
	os.WriteFile(path, []byte("crm:\n  auth_secret: ${ATTACHE_TEST_SECRET}\n"), 0600)
	os.Setenv("ATTACHE_TEST_SECRET", "secret123")
	defer os.Unsetenv("ATTACHE_TEST_SECRET")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.CRM.AuthSecret != "secret123" {
		t.Errorf("auth_secret = %q, want %q", cfg.CRM.AuthSecret, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attache.yaml")
	os.WriteFile(path, []byte("crm:\n  url: https://crm.example.com\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("listen port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Session.StaleAfter != 24*time.Hour {
		t.Errorf("stale_after = %v, want 24h", cfg.Session.StaleAfter)
	}
	if cfg.Session.MaxRounds != 10 {
		t.Errorf("max_rounds = %d, want 10", cfg.Session.MaxRounds)
	}
	if cfg.Model.Name != "gpt-4o" {
		t.Errorf("model name = %q, want gpt-4o", cfg.Model.Name)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attache.yaml")
	os.WriteFile(path, []byte("session:\n  stale_after: 1h\n  max_rounds: 5\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Session.StaleAfter != time.Hour {
		t.Errorf("stale_after = %v, want 1h", cfg.Session.StaleAfter)
	}
	if cfg.Session.MaxRounds != 5 {
		t.Errorf("max_rounds = %d, want 5", cfg.Session.MaxRounds)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{" debug ", slog.LevelDebug, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
