package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/pkg/debug"
)

// Config holds the process-wide configuration. Loaded once at startup from
// the environment and read-only thereafter.
type Config struct {
	// Filesystem layout
	CapturesPath     string // watched capture store root
	DictionariesPath string // wordlist root
	DataPath         string // per-job artifacts (converted hashes, outfiles)
	DatabasePath     string // sqlite database file

	// Cracking engine
	HashcatBinary string
	HcxToolBinary string // hcxpcapngtool, converts pcap captures to 22000 lines
	DefaultDevice models.DeviceClass
	JobTimeout    time.Duration

	// Device concurrency caps. GPU defaults to 1, the hardware is
	// effectively single-tenant.
	CPUConcurrency int
	GPUConcurrency int

	// File watcher behaviour
	StabilityWindow   time.Duration // quiet period a file's size must hold before processing
	StabilityInterval time.Duration // how often the size is re-checked
	RescanSchedule    string        // cron spec for the capture-root rescan

	// Status listener
	HTTPAddr string
}

// Load builds the configuration from environment variables, applying
// documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		CapturesPath:      getEnv("AUTOPWN_CAPTURES_PATH", "./captures"),
		DictionariesPath:  getEnv("AUTOPWN_DICTIONARIES_PATH", "./dictionaries"),
		DataPath:          getEnv("AUTOPWN_DATA_PATH", "./data"),
		DatabasePath:      getEnv("AUTOPWN_DB_PATH", "./data/autopwn.db"),
		HashcatBinary:     getEnv("AUTOPWN_HASHCAT_BIN", "hashcat"),
		HcxToolBinary:     getEnv("AUTOPWN_HCXTOOL_BIN", "hcxpcapngtool"),
		DefaultDevice:     models.DeviceClass(getEnv("AUTOPWN_DEVICE_TYPE", "cpu")),
		JobTimeout:        getEnvDuration("AUTOPWN_JOB_TIMEOUT", time.Hour),
		CPUConcurrency:    getEnvInt("AUTOPWN_CPU_CONCURRENCY", 2),
		GPUConcurrency:    getEnvInt("AUTOPWN_GPU_CONCURRENCY", 1),
		StabilityWindow:   getEnvDuration("AUTOPWN_STABILITY_WINDOW", 2*time.Second),
		StabilityInterval: getEnvDuration("AUTOPWN_STABILITY_INTERVAL", 500*time.Millisecond),
		RescanSchedule:    getEnv("AUTOPWN_RESCAN_SCHEDULE", "@every 5m"),
		HTTPAddr:          getEnv("AUTOPWN_HTTP_ADDR", ":8080"),
	}

	if !cfg.DefaultDevice.Valid() {
		return nil, fmt.Errorf("invalid AUTOPWN_DEVICE_TYPE %q: must be cpu or gpu", cfg.DefaultDevice)
	}
	if cfg.CPUConcurrency < 1 || cfg.GPUConcurrency < 1 {
		return nil, fmt.Errorf("device concurrency must be at least 1 (cpu=%d, gpu=%d)",
			cfg.CPUConcurrency, cfg.GPUConcurrency)
	}
	if cfg.JobTimeout <= 0 {
		return nil, fmt.Errorf("AUTOPWN_JOB_TIMEOUT must be positive")
	}

	return cfg, nil
}

// EnsureDirectories creates every directory the pipeline needs. The captures
// directory is created too so the watcher tolerates it missing at startup.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.CapturesPath,
		c.DictionariesPath,
		c.DataPath,
		filepath.Dir(c.DatabasePath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DefaultDictionaries returns the configured dictionary assignment for new
// jobs: every regular file directly under the dictionary root, sorted by the
// filesystem's directory order.
func (c *Config) DefaultDictionaries() ([]string, error) {
	entries, err := os.ReadDir(c.DictionariesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read dictionary root %s: %w", c.DictionariesPath, err)
	}
	var dicts []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dicts = append(dicts, filepath.Join(c.DictionariesPath, entry.Name()))
	}
	return dicts, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		debug.Warning("Invalid value for %s: %q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		debug.Warning("Invalid value for %s: %q, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
