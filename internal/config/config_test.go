package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSettings(t *testing.T, v map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tracker.RefreshInterval != 30*time.Second {
		t.Errorf("refresh_interval = %s, want 30s", cfg.Tracker.RefreshInterval)
	}
	if cfg.Store.CallTimeout != 5*time.Second {
		t.Errorf("call_timeout = %s, want 5s", cfg.Store.CallTimeout)
	}
	if !cfg.SpreadBuffer.ApplyToHit {
		t.Error("apply_to_hit must default on")
	}
	if cfg.SpreadBuffer.Enabled {
		t.Error("spread buffer must default off")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeSettings(t, map[string]any{
		"dry_run":   true,
		"admin_ids": []string{"42"},
		"spread_buffer": map[string]any{
			"spread_buffer_enabled": true,
		},
	})
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.DryRun {
		t.Error("dry_run not read")
	}
	if len(cfg.AdminIDs) != 1 || cfg.AdminIDs[0] != "42" {
		t.Errorf("admin_ids = %v", cfg.AdminIDs)
	}
	if !cfg.SpreadBuffer.Enabled {
		t.Error("spread_buffer_enabled not read")
	}
}

func TestValidateRejectsStopLossBuffer(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.SpreadBuffer.ApplyToStopLoss = true
	if err := cfg.Validate(); err == nil {
		t.Error("apply_to_stop_loss must be rejected")
	}
}

func TestManagerSetSpreadBuffer(t *testing.T) {
	path := writeSettings(t, map[string]any{})
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(path, cfg)

	if err := m.SetSpreadBuffer(true); err != nil {
		t.Fatal(err)
	}
	if !m.Current().SpreadBuffer.Enabled {
		t.Error("toggle not visible on the live snapshot")
	}

	// The persisted file reflects the toggle.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.SpreadBuffer.Enabled {
		t.Error("toggle not persisted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIGWATCH_POSTGRES_DSN", "postgres://env")
	t.Setenv("SIGWATCH_DRY_RUN", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.PostgresDSN != "postgres://env" {
		t.Errorf("dsn = %q, want env override", cfg.Store.PostgresDSN)
	}
	if !cfg.DryRun {
		t.Error("dry_run env override ignored")
	}
}
