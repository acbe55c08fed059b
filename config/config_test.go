package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "value.db", cfg.Database.Path)
	assert.Equal(t, 256, cfg.Traversal.MaxDepth)
	assert.Equal(t, 100000, cfg.Traversal.MaxNodes)
	assert.Equal(t, "owner", cfg.Distribution.AccountOwnerRole)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN: a config file setting only some fields
	path := filepath.Join(t.TempDir(), "value.yaml")
	data := `
server:
  port: 9090
database:
  path: /tmp/other.db
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	// WHEN: loading it
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN: set fields win and the rest keep their defaults
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 256, cfg.Traversal.MaxDepth)
	assert.Equal(t, "owner", cfg.Distribution.AccountOwnerRole)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"port out of range", "server:\n  port: 70000\n"},
		{"zero depth", "traversal:\n  max_depth: 0\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"not yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "debug", Format: "json"}.Logger(&buf)

	logger.Debug("rollup", "resource", "r1")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"resource":"r1"`)
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "text"}.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
