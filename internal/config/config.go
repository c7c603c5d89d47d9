package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/populator"
	"github.com/kolibri-offline/imagebuilder/pkg/sizespec"
	"github.com/spf13/viper"
)

// DefaultMaxFileSize bounds a single extra or bundled file
var DefaultMaxFileSize = sizespec.MustParse("4GiB")

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Directories
	WorkDir  string `mapstructure:"work-dir"`
	ImageDir string `mapstructure:"image-dir"`
	CacheDir string `mapstructure:"cache-dir"`
	// Kolibri content cache; empty imports straight into each image
	ContentCacheDir string `mapstructure:"content-cache-dir"`

	// Content import
	RunMode       string `mapstructure:"run-mode"`
	KolibriBin    string `mapstructure:"kolibri-bin"`
	DefaultSource string `mapstructure:"default-source"`

	// S3 configuration; uploads are disabled without a bucket
	S3Bucket   string `mapstructure:"s3-bucket"`
	S3Region   string `mapstructure:"s3-region"`
	S3Endpoint string `mapstructure:"s3-endpoint"`
	S3Prefix   string `mapstructure:"s3-prefix"`

	// Security limits
	MaxFileSize int64 `mapstructure:"max-file-size"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("sqlite-path", ".artifacts/builds.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("work-dir", "/tmp/kolibri-imagebuilder")
	viper.SetDefault("image-dir", ".artifacts/images")
	viper.SetDefault("cache-dir", ".artifacts/cache")
	viper.SetDefault("content-cache-dir", ".artifacts/content-cache")
	viper.SetDefault("run-mode", diskimage.DefaultRunMode)
	viper.SetDefault("kolibri-bin", populator.DefaultKolibriBin)
	viper.SetDefault("default-source", populator.DefaultSource)
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-prefix", "")
	viper.SetDefault("max-file-size", DefaultMaxFileSize)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("log-level", "info")

	// Environment variables (KOLIBRI_IMAGER_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("KOLIBRI_IMAGER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	// An empty KOLIBRI_IMAGER_CONTENT_CACHE_DIR turns the content cache off
	viper.AllowEmptyEnv(true)

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.kolibri-imagebuilder")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir cannot be empty")
	}
	if c.KolibriBin == "" {
		return fmt.Errorf("kolibri-bin cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// UploadEnabled reports whether a bucket is configured
func (c *Config) UploadEnabled() bool {
	return c.S3Bucket != ""
}

// ParseLogLevel maps debug, info, warn and error to slog levels
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q", s)
	}
	return level, nil
}
