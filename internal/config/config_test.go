package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("REPLYHIVE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18890 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Session.FlushInterval != 3*time.Second {
		t.Errorf("flush interval = %s", cfg.Session.FlushInterval)
	}
	if cfg.Learning.Window != 24*time.Hour {
		t.Errorf("learning window = %s", cfg.Learning.Window)
	}
	if cfg.Model.Name == "" {
		t.Error("empty default model")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := DefaultConfig()
	cfg.Gateway.Port = 9999
	cfg.Model.Name = "custom-model"
	data, _ := json.Marshal(cfg)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REPLYHIVE_CONFIG", path)

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Gateway.Port != 9999 || loaded.Model.Name != "custom-model" {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := DefaultConfig()
	cfg.Gateway.Port = 9999
	data, _ := json.Marshal(cfg)
	os.WriteFile(path, data, 0o600)
	t.Setenv("REPLYHIVE_CONFIG", path)
	t.Setenv("REPLYHIVE_GATEWAY_PORT", "7777")
	t.Setenv("REPLYHIVE_LEARNING_ENABLED", "false")

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Gateway.Port != 7777 {
		t.Fatalf("port = %d, want env override", loaded.Gateway.Port)
	}
	if loaded.Learning.Enabled {
		t.Fatal("learning still enabled despite env override")
	}
}

func TestAPIKeyFallback(t *testing.T) {
	t.Setenv("REPLYHIVE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("REPLYHIVE_PROVIDER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Fatalf("api key = %q", cfg.Provider.APIKey)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("REPLYHIVE_CONFIG", path)

	cfg := DefaultConfig()
	cfg.Gateway.AuthToken = "secret"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Gateway.AuthToken != "secret" {
		t.Fatalf("token = %q", loaded.Gateway.AuthToken)
	}
}
