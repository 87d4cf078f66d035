package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// AppName is the application name used in paths.
	AppName = "kerything"

	// BusName is the well-known D-Bus name the service facade exports
	// itself on (spec.md §6.1, matching original_source's Qt interface).
	BusName = "net.reikooters.Kerything1.Indexer"
)

// Config holds all application configuration.
type Config struct {
	// Paths
	DataDir   string // Base data directory (XDG_DATA_HOME/kerything)
	ConfigDir string // Config directory (XDG_CONFIG_HOME/kerything)
	CacheDir  string // Cache directory (XDG_CACHE_HOME/kerything)

	// Derived paths
	DBPath       string // SQLite catalogue database path
	SnapshotDir  string // pebble index-snapshot store directory
	ScannerPath  string // path to the keryscan binary

	// Watch supervisor tuning (spec.md §4.9)
	WatchQuietPeriod  time.Duration
	WatchBackoffBase  time.Duration
	WatchBackoffCap   time.Duration

	// Logging
	LogLevel string
}

// New creates a new Config with values from environment or defaults.
func New() *Config {
	cfg := &Config{}

	// Base directories (XDG Base Directory Specification)
	cfg.DataDir = getDataDir()
	cfg.ConfigDir = getConfigDir()
	cfg.CacheDir = getCacheDir()

	// Ensure directories exist
	os.MkdirAll(cfg.DataDir, 0755)
	os.MkdirAll(cfg.ConfigDir, 0755)
	os.MkdirAll(cfg.CacheDir, 0755)

	// Derived paths
	cfg.DBPath = envOrDefault("KERYTHING_DB_PATH", filepath.Join(cfg.DataDir, "kerything.db"))
	cfg.SnapshotDir = envOrDefault("KERYTHING_SNAPSHOT_DIR", filepath.Join(cfg.DataDir, "snapshots"))
	cfg.ScannerPath = envOrDefault("KERYTHING_SCANNER_PATH", "keryscan")

	cfg.WatchQuietPeriod = envOrDefaultDuration("KERYTHING_WATCH_QUIET_MS", 2000*time.Millisecond)
	cfg.WatchBackoffBase = envOrDefaultDuration("KERYTHING_WATCH_BACKOFF_BASE_SEC", 30*time.Second)
	cfg.WatchBackoffCap = envOrDefaultDuration("KERYTHING_WATCH_BACKOFF_CAP_SEC", 10*time.Minute)

	// Logging
	cfg.LogLevel = envOrDefault("KERYTHING_LOG_LEVEL", "info")

	return cfg
}

// getDataDir returns the data directory following XDG spec.
// $XDG_DATA_HOME/kerything or ~/.local/share/kerything
func getDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// getConfigDir returns the config directory following XDG spec.
// $XDG_CONFIG_HOME/kerything or ~/.config/kerything
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}
	return filepath.Join(home, ".config", AppName)
}

// getCacheDir returns the cache directory following XDG spec.
// $XDG_CACHE_HOME/kerything or ~/.cache/kerything
func getCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "cache")
	}
	return filepath.Join(home, ".cache", AppName)
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// envOrDefaultDuration reads key as an integer count in the unit its
// suffix names (milliseconds for a "_MS" key, seconds otherwise) and
// falls back to defaultVal on an unset or unparsable value.
func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	if filepath.Ext(key) == "" && len(key) > 3 && key[len(key)-3:] == "_MS" {
		return time.Duration(n) * time.Millisecond
	}
	return time.Duration(n) * time.Second
}

// SubPath returns a path under the data directory.
func (c *Config) SubPath(parts ...string) string {
	return filepath.Join(append([]string{c.DataDir}, parts...)...)
}
