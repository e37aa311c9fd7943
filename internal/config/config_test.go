package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "Fixtures", cfg.Fixtures)
	assert.Equal(t, "Tests", cfg.Tests)
	assert.Equal(t, "none", cfg.Sandbox.Mode)
	assert.Equal(t, 600, cfg.Build.TimeoutSeconds)
	assert.False(t, cfg.Logging.DebugMode)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".schemafreeze")
	require.NoError(t, os.MkdirAll(dir, 0755))
	content := "fixtures: Frozen\nsandbox:\n  mode: docker\n  name: my-sandbox\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	cfg, err := Load(ws)
	require.NoError(t, err)

	assert.Equal(t, "Frozen", cfg.Fixtures)
	assert.Equal(t, "docker", cfg.Sandbox.Mode)
	assert.Equal(t, "my-sandbox", cfg.Sandbox.Name)

	// Unset fields fall back.
	assert.Equal(t, "Tests", cfg.Tests)
	assert.Equal(t, "/workspace", cfg.Sandbox.Workdir)
	assert.Equal(t, 5, cfg.Export.WaitSeconds)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ws := t.TempDir()

	cfg := Default()
	cfg.Fixtures = "Snapshots"
	cfg.Logging.DebugMode = true
	require.NoError(t, Save(ws, cfg))

	got, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "Snapshots", got.Fixtures)
	assert.True(t, got.Logging.DebugMode)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".schemafreeze")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("fixtures: [unclosed"), 0644))

	_, err := Load(ws)
	assert.Error(t, err)
}
