package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// LoadConfigFile reads a YAML config file and overlays it on cfg. Keys absent
// from the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, cfg)
}

// ParseConfig overlays YAML data on cfg. Unknown keys are rejected.
func ParseConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks that the config can run a server.
func (c Config) Validate() error {
	switch {
	case c.ChatAddr == "":
		return fmt.Errorf("%w: chat_addr is required", ErrInvalidConfig)
	case c.RelayAddr == "":
		return fmt.Errorf("%w: relay_addr is required", ErrInvalidConfig)
	case c.CredentialsFile == "":
		return fmt.Errorf("%w: credentials_file is required", ErrInvalidConfig)
	case c.FilesDir == "":
		return fmt.Errorf("%w: files_dir is required", ErrInvalidConfig)
	case c.MaxLineBytes < 64:
		return fmt.Errorf("%w: max_line_bytes must be at least 64", ErrInvalidConfig)
	case c.MaxInlineFileBytes < 0:
		return fmt.Errorf("%w: max_inline_file_bytes must not be negative", ErrInvalidConfig)
	case c.MaxFileBytes < 0:
		return fmt.Errorf("%w: max_file_bytes must not be negative", ErrInvalidConfig)
	case c.SendQueueSize < 1:
		return fmt.Errorf("%w: send_queue_size must be positive", ErrInvalidConfig)
	case c.MetricsLogInterval < 0:
		return fmt.Errorf("%w: metrics_log_interval must not be negative", ErrInvalidConfig)
	}
	return nil
}

// YAML returns the config as a YAML document, used by -print-config.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
