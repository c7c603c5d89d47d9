package config

import (
	"log/slog"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.RunMode != "kolibridiskimagecreator" {
		t.Errorf("unexpected run mode %q", cfg.RunMode)
	}
	if cfg.UploadEnabled() {
		t.Error("upload should be disabled without a bucket")
	}
	if cfg.ContentCacheDir != ".artifacts/content-cache" {
		t.Errorf("unexpected content cache dir %q", cfg.ContentCacheDir)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("KOLIBRI_IMAGER_S3_BUCKET", "kolibri-images")
	t.Setenv("KOLIBRI_IMAGER_FSM_MAX_RETRIES", "2")
	t.Setenv("KOLIBRI_IMAGER_CONTENT_CACHE_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.S3Bucket != "kolibri-images" || !cfg.UploadEnabled() {
		t.Errorf("bucket not read from environment: %q", cfg.S3Bucket)
	}
	if cfg.FSMMaxRetries != 2 {
		t.Errorf("expected 2 retries, got %d", cfg.FSMMaxRetries)
	}
	if cfg.ContentCacheDir != "" {
		t.Errorf("content cache should be disabled from environment, got %q", cfg.ContentCacheDir)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		SQLitePath:  "a.db",
		FSMDBPath:   "fsm",
		WorkDir:     "/tmp/w",
		CacheDir:    "/tmp/c",
		KolibriBin:  "kolibri",
		MaxFileSize: 1,
		LogLevel:    "info",
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty sqlite path", func(c *Config) { c.SQLitePath = "" }},
		{"empty fsm path", func(c *Config) { c.FSMDBPath = "" }},
		{"empty kolibri bin", func(c *Config) { c.KolibriBin = "" }},
		{"zero file size", func(c *Config) { c.MaxFileSize = 0 }},
		{"negative retries", func(c *Config) { c.FSMMaxRetries = -1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("debug")
	if err != nil || level != slog.LevelDebug {
		t.Errorf("got %v, %v", level, err)
	}
	level, err = ParseLogLevel("WARN")
	if err != nil || level != slog.LevelWarn {
		t.Errorf("got %v, %v", level, err)
	}
}
