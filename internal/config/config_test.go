package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadResolvesSqlitePathAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"basic_config": {"server_address": ":9000"},
		"databases": {"sqlite3": {"dsn": "data/test.db"}},
		"providers": {"openai": {"model": "gpt-4o-mini", "api_key": "file-key"}}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MODEL_API_KEY", "")
	t.Setenv("MODEL_TEMPERATURE", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" {
		t.Fatalf("server address = %q", cfg.BasicConfig.ServerAddress)
	}
	if want := filepath.Join(dir, "data/test.db"); cfg.Databases["sqlite3"].DSN != want {
		t.Fatalf("dsn = %q, want %q", cfg.Databases["sqlite3"].DSN, want)
	}
	if cfg.Generation.Model != "gpt-4o-mini" {
		t.Fatalf("model should fall back to provider model, got %q", cfg.Generation.Model)
	}
	if cfg.Generation.Temperature != 0.7 || cfg.Client.Temperature != 0.7 {
		t.Fatalf("unexpected temperatures %v/%v", cfg.Generation.Temperature, cfg.Client.Temperature)
	}
	if cfg.Client.StreamIdleTimeout != 60 {
		t.Fatalf("stream idle timeout = %d", cfg.Client.StreamIdleTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MODEL_API_KEY", "env-key")
	t.Setenv("MODEL_BASE_URL", "https://example.test/v1")
	t.Setenv("MODEL_TEMPERATURE", "0.3")
	t.Setenv("ANIMEHOME_API_URL", "http://api.test:8000/")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	prov := cfg.Providers["openai"]
	if prov.APIKey != "env-key" || prov.BaseURL != "https://example.test/v1" {
		t.Fatalf("provider overrides not applied: %+v", prov)
	}
	if cfg.Generation.Temperature != 0.3 {
		t.Fatalf("temperature = %v", cfg.Generation.Temperature)
	}
	if cfg.Client.APIBaseURL != "http://api.test:8000" {
		t.Fatalf("api url = %q", cfg.Client.APIBaseURL)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoadBadTemperature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MODEL_TEMPERATURE", "warm")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected temperature parse error")
	}
}
