package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/ardnew/otghcd/pkg"
)

// Config holds the tunables of a Controller. The struct tags let the same
// type be decoded from JSON/YAML/TOML files and embedded in a kong CLI.
type Config struct {
	Channels        int    `json:"channels" yaml:"channels" toml:"channels" help:"Host channels to use (0 uses every channel the hardware provides)" default:"0"`
	MaxEndpoints    int    `json:"max_endpoints" yaml:"max_endpoints" toml:"max_endpoints" help:"Endpoint descriptor capacity" default:"32"`
	MaxTransfers    int    `json:"max_transfers" yaml:"max_transfers" toml:"max_transfers" help:"Transfer descriptor capacity" default:"128"`
	SplitRetryLimit int    `json:"split_retry_limit" yaml:"split_retry_limit" toml:"split_retry_limit" help:"Complete-split retries before a split transaction fails" default:"3"`
	LogLevel        string `json:"log_level" yaml:"log_level" toml:"log_level" help:"Driver log level (debug, info, warn, error)"`
	LogFormat       string `json:"log_format" yaml:"log_format" toml:"log_format" help:"Driver log format (text, json)"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxEndpoints:    32,
		MaxTransfers:    128,
		SplitRetryLimit: 3,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.Channels < 0 || c.Channels > MaxChannels:
		return fmt.Errorf("%w: channels %d (max %d)", pkg.ErrInvalidParameter, c.Channels, MaxChannels)
	case c.MaxEndpoints < 1:
		return fmt.Errorf("%w: max_endpoints %d", pkg.ErrInvalidParameter, c.MaxEndpoints)
	case c.MaxTransfers < 1:
		return fmt.Errorf("%w: max_transfers %d", pkg.ErrInvalidParameter, c.MaxTransfers)
	case c.SplitRetryLimit < 1:
		return fmt.Errorf("%w: split_retry_limit %d", pkg.ErrInvalidParameter, c.SplitRetryLimit)
	}
	if _, err := pkg.ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	_, err := pkg.ParseLogFormat(c.LogFormat)
	return err
}

// LoadConfig reads a configuration file. The format is chosen by extension
// (.json, .yaml, .yml, .toml); fields absent from the file keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("%w: config format %q", pkg.ErrInvalidParameter, ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, cfg.Validate()
}
