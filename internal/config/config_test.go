package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doomedramen/autopwn/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./captures", cfg.CapturesPath)
	assert.Equal(t, "./data/autopwn.db", cfg.DatabasePath)
	assert.Equal(t, "hashcat", cfg.HashcatBinary)
	assert.Equal(t, "hcxpcapngtool", cfg.HcxToolBinary)
	assert.Equal(t, models.DeviceCPU, cfg.DefaultDevice)
	assert.Equal(t, time.Hour, cfg.JobTimeout)
	assert.Equal(t, 2, cfg.CPUConcurrency)
	assert.Equal(t, 1, cfg.GPUConcurrency)
	assert.Equal(t, 2*time.Second, cfg.StabilityWindow)
	assert.Equal(t, "@every 5m", cfg.RescanSchedule)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AUTOPWN_CAPTURES_PATH", "/srv/captures")
	t.Setenv("AUTOPWN_DEVICE_TYPE", "gpu")
	t.Setenv("AUTOPWN_JOB_TIMEOUT", "30m")
	t.Setenv("AUTOPWN_CPU_CONCURRENCY", "8")
	t.Setenv("AUTOPWN_STABILITY_WINDOW", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/captures", cfg.CapturesPath)
	assert.Equal(t, models.DeviceGPU, cfg.DefaultDevice)
	assert.Equal(t, 30*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 8, cfg.CPUConcurrency)
	assert.Equal(t, 5*time.Second, cfg.StabilityWindow)
}

func TestLoadRejectsInvalidDevice(t *testing.T) {
	t.Setenv("AUTOPWN_DEVICE_TYPE", "tpu")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTOPWN_DEVICE_TYPE")
}

func TestLoadRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("AUTOPWN_GPU_CONCURRENCY", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadFallsBackOnUnparsableValues(t *testing.T) {
	t.Setenv("AUTOPWN_CPU_CONCURRENCY", "lots")
	t.Setenv("AUTOPWN_JOB_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.CPUConcurrency)
	assert.Equal(t, time.Hour, cfg.JobTimeout)
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		CapturesPath:     filepath.Join(root, "captures"),
		DictionariesPath: filepath.Join(root, "dicts"),
		DataPath:         filepath.Join(root, "data"),
		DatabasePath:     filepath.Join(root, "data", "autopwn.db"),
	}
	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.CapturesPath, cfg.DictionariesPath, cfg.DataPath} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDefaultDictionaries(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{DictionariesPath: root}

	require.NoError(t, os.WriteFile(filepath.Join(root, "rockyou.txt"), []byte("a\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "common.txt"), []byte("b\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "archive"), 0755))

	dicts, err := cfg.DefaultDictionaries()
	require.NoError(t, err)
	assert.Len(t, dicts, 2)
	for _, d := range dicts {
		assert.NotContains(t, d, "archive")
	}
}
