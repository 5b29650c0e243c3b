package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesFlagDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":28919", cfg.Addr)
	assert.Equal(t, "docker", cfg.DefaultBuildType)
	assert.Equal(t, 50, cfg.Concurrency.GlobalLimit)
	assert.Equal(t, "opsctl", cfg.SSH.Username)
	assert.Equal(t, 15*time.Second, cfg.Runners.HeartbeatInterval)
}

func TestLoadWithEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9090\"\nconcurrency:\n  global_limit: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 5, cfg.Concurrency.GlobalLimit)
	// fields the file omitted keep their Default() value
	assert.Equal(t, "docker", cfg.DefaultBuildType)
	assert.Equal(t, "opsctl", cfg.SSH.Username)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [this is not valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWatchReloadsOnFileRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":1111\"\n"), 0o644))

	w, err := Watch(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("addr: \":2222\"\n"), 0o644))

	select {
	case cfg := <-w.Updates():
		assert.Equal(t, ":2222", cfg.Addr)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
