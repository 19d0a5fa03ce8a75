package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReloaderReload(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ipcserver.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	r := NewReloader(path, initial, nil)
	var seen string
	r.AddCallback(func(ctx context.Context, cfg *Config) error {
		seen = cfg.Logging.Level
		return nil
	})

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if seen != "debug" {
		t.Errorf("callback saw level %q, want debug", seen)
	}
	if r.Config().Logging.Level != "debug" {
		t.Errorf("Config().Logging.Level = %s, want debug", r.Config().Logging.Level)
	}
}

func TestReloaderKeepsConfigWhenCallbackFails(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ipcserver.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	r := NewReloader(path, initial, nil)
	r.AddCallback(func(ctx context.Context, cfg *Config) error {
		return errors.New("rejected")
	})

	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("Reload() error = nil, want callback failure")
	}
	if r.Config() != initial {
		t.Error("Config() changed after a failed reload")
	}
}
