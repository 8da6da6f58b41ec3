// Package config loads the capture server's YAML configuration: a
// typed struct, sane defaults, then a YAML overlay.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level captured server configuration.
type Config struct {
	// ControlListen is the address the line-oriented control protocol
	// (*IDN?, *BLOCKS?, *PCAP.ARM=, ...) listens on.
	ControlListen string `yaml:"control_listen"`
	// DataListen is the address the data-stream protocol listens on;
	// every accepted connection runs its own session.DataStreamSession.
	DataListen string `yaml:"data_listen"`
	// Buffer configures the shared circular capture buffer.
	Buffer BufferConfig `yaml:"buffer"`
	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`
}

// BufferConfig sizes the circular capture buffer.
type BufferConfig struct {
	// BlockSize is the size of a single ring slot, e.g. "256KiB".
	BlockSize datasize.ByteSize `yaml:"block_size"`
	// BlockCount is the number of slots in the ring.
	BlockCount int `yaml:"block_count"`
	// ReadMargin is the default number of slots a new reader starts
	// behind the writer, absorbing jitter.
	ReadMargin int `yaml:"read_margin"`
}

// LogConfig configures the logger's verbosity.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file is
// supplied, or as the base that a YAML file overlays.
func DefaultConfig() *Config {
	return &Config{
		ControlListen: "[::1]:8888",
		DataListen:    "[::1]:8889",
		Buffer: BufferConfig{
			BlockSize:  256 * datasize.KB,
			BlockCount: 16,
			ReadMargin: 1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file at path,
// overlaying it onto DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}
