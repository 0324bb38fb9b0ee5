package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
	"gopkg.in/yaml.v3"
)

// Output formats for notification payloads
const (
	FormatHex = "hex"
	FormatRaw = "raw"
)

// Config holds application configuration
type Config struct {
	LogLevel    string        `yaml:"log_level" default:"error"`
	ScanTimeout time.Duration `yaml:"scan_timeout" default:"10s"`

	Retry device.RetryPolicy `yaml:"retry"`

	// NotificationBuffer is how many payloads may queue up behind a slow terminal.
	NotificationBuffer uint32 `yaml:"notification_buffer" default:"256"`
	OutputFormat       string `yaml:"output_format" default:"hex"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Backoff < 0 || c.Retry.AttemptTimeout < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}
	if c.NotificationBuffer == 0 {
		return fmt.Errorf("notification_buffer must be > 0")
	}
	switch c.OutputFormat {
	case FormatHex, FormatRaw:
	default:
		return fmt.Errorf("invalid output_format %q: must be %s or %s", c.OutputFormat, FormatHex, FormatRaw)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	return level, nil
}

// NewLogger creates a configured logger instance. An invalid level falls back to info.
func (c *Config) NewLogger() *logrus.Logger {
	level, _ := c.Level()

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
