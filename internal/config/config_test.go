package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_HasSaneListenAddresses(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEqual(t, cfg.ControlListen, cfg.DataListen)
	assert.Equal(t, 16, cfg.Buffer.BlockCount)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "captured.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
control_listen: "127.0.0.1:9000"
buffer:
  block_size: "1MiB"
  block_count: 32
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ControlListen)
	assert.Equal(t, datasize.MB, cfg.Buffer.BlockSize)
	assert.Equal(t, 32, cfg.Buffer.BlockCount)
	// Fields left unset in the overlay keep their defaults.
	assert.Equal(t, DefaultConfig().DataListen, cfg.DataListen)
	assert.Equal(t, 1, cfg.Buffer.ReadMargin)
}

func TestLoadConfig_MissingFileIsError(t *testing.T) {
	_, err := LoadConfig("/nonexistent/captured.yaml")
	assert.Error(t, err)
}
