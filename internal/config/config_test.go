package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
Database: /var/lib/dnevnik/mirror.db
LogLevel: debug
API:
  DevKey: customkey
Sync:
  CheckInterval: 30s
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("writing config failed: %v", err)
	}

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got, want := conf.Database, "/var/lib/dnevnik/mirror.db"; got != want {
		t.Errorf("Database = %q, want %q", got, want)
	}
	if got, want := conf.LogLevel, "debug"; got != want {
		t.Errorf("LogLevel = %q, want %q", got, want)
	}
	if got, want := conf.API.DevKey, "customkey"; got != want {
		t.Errorf("DevKey = %q, want %q", got, want)
	}
	if got, want := conf.Sync.CheckInterval, 30*time.Second; got != want {
		t.Errorf("CheckInterval = %v, want %v", got, want)
	}

	// Omitted fields come back at their defaults.
	if conf.API.BaseURL == "" {
		t.Error("BaseURL default not applied")
	}
	if got, want := conf.Sync.BackfillWorkers, 4; got != want {
		t.Errorf("BackfillWorkers = %d, want %d", got, want)
	}
	if got, want := conf.Cache.LoadLimit, 20; got != want {
		t.Errorf("LoadLimit = %d, want %d", got, want)
	}
	if got, want := conf.Cache.HomeworkTTL, time.Minute; got != want {
		t.Errorf("HomeworkTTL = %v, want %v", got, want)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("Database: [unclosed"), 0600); err != nil {
		t.Fatalf("writing config failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestDefault(t *testing.T) {
	conf := Default()
	if conf.API.BaseURL != "https://api.eljur.ru/api" {
		t.Errorf("BaseURL = %q", conf.API.BaseURL)
	}
	if conf.Sync.CheckInterval != time.Minute {
		t.Errorf("CheckInterval = %v", conf.Sync.CheckInterval)
	}
	if conf.Cache.MaxCachePages != 5 {
		t.Errorf("MaxCachePages = %d", conf.Cache.MaxCachePages)
	}
	if conf.LogLevel != "info" {
		t.Errorf("LogLevel = %q", conf.LogLevel)
	}
}
