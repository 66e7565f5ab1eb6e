package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Output  OutputConfig  `toml:"output"`
}

type StorageConfig struct {
	// Path of the bbolt file. Empty or "memory" with Backend = "memory"
	// keeps everything in memory.
	Path        string `toml:"path"`
	Backend     string `toml:"backend"`
	MmapSize    string `toml:"mmap_size"`
	NoSync      bool   `toml:"no_sync"`
	LockTimeout string `toml:"lock_timeout"`
}

type LoggingConfig struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Verbose bool   `toml:"verbose"`
}

type OutputConfig struct {
	Format string `toml:"format"`
}

const (
	BackendBolt   = "bolt"
	BackendMemory = "memory"

	DefaultPath = "~/.objdb/data.db"
)

var ValidOutputFormats = []string{"text", "json", "yaml"}

func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:        DefaultPath,
			Backend:     BackendBolt,
			MmapSize:    "256MiB",
			LockTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Output: OutputConfig{
			Format: "text",
		},
	}
}

// Load reads a TOML config file over Defaults. An empty path tries
// ~/.objdb/config.toml and falls back to defaults if it does not exist.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.objdb/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
	}
	return cfg, nil
}

// Validate checks values that TOML decoding cannot.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendBolt:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path: required for the bolt backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if _, err := c.MmapBytes(); err != nil {
		errs = append(errs, fmt.Errorf("storage.mmap_size: %w", err))
	}
	if _, err := c.LockTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("storage.lock_timeout: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be text or json, got %q", c.Logging.Format))
	}
	if c.Output.Format != "" && !isValidFormat(c.Output.Format) {
		errs = append(errs, fmt.Errorf("output.format: must be one of %v, got %q", ValidOutputFormats, c.Output.Format))
	}
	return errors.Join(errs...)
}

// MmapBytes parses storage.mmap_size ("256MiB", "1GB", ...). Empty means 0.
func (c *Config) MmapBytes() (int, error) {
	if c.Storage.MmapSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Storage.MmapSize)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (c *Config) LockTimeout() (time.Duration, error) {
	if c.Storage.LockTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Storage.LockTimeout)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %v", d)
	}
	return d, nil
}

// DataPath returns the storage path with ~ expanded.
func (c *Config) DataPath() string {
	return expandHome(c.Storage.Path)
}

func isValidFormat(format string) bool {
	for _, f := range ValidOutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
